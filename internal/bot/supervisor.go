package bot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"aitrader/pkg/types"
)

// Lifecycle errors the control plane maps onto idempotent responses.
var (
	ErrAlreadyRunning = errors.New("bot already running")
	ErrNotRunning     = errors.New("bot not running")
)

// Factory builds a fully wired worker for a bot. The production factory
// lives in cmd/bot; tests inject stubs.
type Factory func(ctx context.Context, cfg types.BotConfig) (*Worker, error)

// BotSource loads bot configs for start/restart.
type BotSource interface {
	GetBot(ctx context.Context, id string) (types.BotConfig, error)
}

// Supervisor owns the bot_id → worker registry. Every bot runs in its own
// goroutine behind a panic barrier: a fault in one bot is captured into its
// status and never disturbs the others.
type Supervisor struct {
	factory   Factory
	bots      BotSource
	publisher *StatusPublisher
	drain     time.Duration
	logger    *slog.Logger

	mu      sync.Mutex
	workers map[string]*handle
}

type handle struct {
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// NewSupervisor creates the supervisor.
func NewSupervisor(factory Factory, bots BotSource, publisher *StatusPublisher, drain time.Duration, logger *slog.Logger) *Supervisor {
	if drain <= 0 {
		drain = 10 * time.Second
	}
	return &Supervisor{
		factory:   factory,
		bots:      bots,
		publisher: publisher,
		drain:     drain,
		logger:    logger.With("component", "supervisor"),
		workers:   make(map[string]*handle),
	}
}

// Start allocates a fresh worker for the bot and launches its loop.
// Rejects with ErrAlreadyRunning when a worker is already registered.
func (s *Supervisor) Start(ctx context.Context, botID string) error {
	s.mu.Lock()
	if _, running := s.workers[botID]; running {
		s.mu.Unlock()
		return ErrAlreadyRunning
	}
	// Reserve the slot before the (slow) factory call so two concurrent
	// starts cannot both build workers.
	h := &handle{done: make(chan struct{})}
	s.workers[botID] = h
	s.mu.Unlock()

	cfg, err := s.bots.GetBot(ctx, botID)
	if err != nil {
		s.release(botID, h)
		return fmt.Errorf("start %s: %w", botID, err)
	}

	workerCtx, cancel := context.WithCancel(context.Background())
	h.ctx, h.cancel = workerCtx, cancel

	worker, err := s.factory(workerCtx, cfg)
	if err != nil {
		cancel()
		s.release(botID, h)
		return fmt.Errorf("start %s: %w", botID, err)
	}

	s.logger.Info("starting bot", "bot", botID, "mode", cfg.TradingMode)
	go s.runIsolated(botID, h, worker)
	return nil
}

// runIsolated hosts one worker goroutine. Panics and fatal errors are
// captured into the bot's published status; other bots never notice.
func (s *Supervisor) runIsolated(botID string, h *handle, worker *Worker) {
	defer close(h.done)
	defer s.release(botID, h)
	defer func() {
		if rec := recover(); rec != nil {
			err := fmt.Sprintf("worker panic: %v", rec)
			s.logger.Error("bot crashed", "bot", botID, "panic", rec)
			s.publishError(botID, err)
		}
	}()

	if err := worker.Run(h.ctx); err != nil {
		// Worker already published error state; log at the supervisor for
		// the operator's process-level view.
		s.logger.Error("bot exited with error", "bot", botID, "error", err)
	}
}

func (s *Supervisor) publishError(botID, msg string) {
	status, err := s.publisher.Read(botID)
	if err != nil {
		status = types.BotStatus{BotID: botID}
	}
	status.State = types.StateError
	status.IsRunning = false
	status.LastError = msg
	status.UpdatedAt = time.Now().UTC()
	if err := s.publisher.Publish(status); err != nil {
		s.logger.Warn("publish error status failed", "bot", botID, "error", err)
	}
}

func (s *Supervisor) release(botID string, h *handle) {
	s.mu.Lock()
	if cur, ok := s.workers[botID]; ok && cur == h {
		delete(s.workers, botID)
	}
	s.mu.Unlock()
}

// Stop signals graceful cancellation and waits for the worker to drain, up
// to the configured deadline. A worker stuck past the deadline is abandoned
// (its goroutine keeps no registry slot and cannot start a new cycle).
func (s *Supervisor) Stop(ctx context.Context, botID string) error {
	s.mu.Lock()
	h, running := s.workers[botID]
	s.mu.Unlock()
	if !running {
		return ErrNotRunning
	}

	if h.cancel != nil {
		h.cancel()
	}

	select {
	case <-h.done:
		return nil
	case <-time.After(s.drain):
		s.logger.Warn("worker did not drain in time, abandoning", "bot", botID)
		s.release(botID, h)
		s.publishError(botID, "force-killed: drain deadline exceeded")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Restart is stop followed by start. Cycle counter continuity comes from
// the checkpoint store: the new worker resumes numbering above the last
// checkpointed cycle.
func (s *Supervisor) Restart(ctx context.Context, botID string) error {
	if err := s.Stop(ctx, botID); err != nil && !errors.Is(err, ErrNotRunning) {
		return err
	}
	return s.Start(ctx, botID)
}

// Status reads the most recent published snapshot.
func (s *Supervisor) Status(botID string) (types.BotStatus, error) {
	status, err := s.publisher.Read(botID)
	if err != nil {
		return types.BotStatus{}, err
	}
	// The file can say "running" after a crash; the registry is the truth
	// for liveness.
	s.mu.Lock()
	_, running := s.workers[botID]
	s.mu.Unlock()
	if !running && status.State == types.StateRunning {
		status.State = types.StateStopped
		status.IsRunning = false
	}
	return status, nil
}

// IsRunning reports whether a worker is registered for the bot.
func (s *Supervisor) IsRunning(botID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.workers[botID]
	return ok
}

// StopAll gracefully stops every running bot; used at process shutdown.
func (s *Supervisor) StopAll(ctx context.Context) {
	s.mu.Lock()
	ids := make([]string, 0, len(s.workers))
	for id := range s.workers {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			if err := s.Stop(ctx, id); err != nil && !errors.Is(err, ErrNotRunning) {
				s.logger.Warn("stop failed during shutdown", "bot", id, "error", err)
			}
		}(id)
	}
	wg.Wait()
}
