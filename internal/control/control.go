// Package control is the in-process facade the presentation layer calls.
//
// It deliberately owns no HTTP: the REST/WebSocket server is a separate
// deliverable that composes this facade. Status queries read the worker's
// published snapshot file, never worker memory, so the control plane and
// the workers share nothing but the store and the status directory.
package control

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"aitrader/internal/bot"
	"aitrader/internal/exchange"
	"aitrader/internal/store"
	"aitrader/pkg/types"
)

// AdapterFor resolves the (rate-limited) exchange adapter for a bot.
// Injected from the wiring layer so the facade stays venue-agnostic.
type AdapterFor func(ctx context.Context, botID string) (exchange.Adapter, error)

// Plane is the control-plane facade.
type Plane struct {
	supervisor *bot.Supervisor
	session    *store.Session
	publisher  *bot.StatusPublisher
	adapterFor AdapterFor
	logDir     string
	logger     *slog.Logger
}

// New creates the facade.
func New(supervisor *bot.Supervisor, session *store.Session, publisher *bot.StatusPublisher, adapterFor AdapterFor, logDir string, logger *slog.Logger) *Plane {
	return &Plane{
		supervisor: supervisor,
		session:    session,
		publisher:  publisher,
		adapterFor: adapterFor,
		logDir:     logDir,
		logger:     logger.With("component", "control"),
	}
}

// ————————————————————————————————————————————————————————————————————————
// Bot CRUD
// ————————————————————————————————————————————————————————————————————————

// ListBots returns every configured bot.
func (p *Plane) ListBots(ctx context.Context) ([]types.BotConfig, error) {
	return p.session.ListBots(ctx)
}

// GetBot returns one bot config.
func (p *Plane) GetBot(ctx context.Context, id string) (types.BotConfig, error) {
	return p.session.GetBot(ctx, id)
}

// CreateBot stores a new bot.
func (p *Plane) CreateBot(ctx context.Context, cfg types.BotConfig) error {
	now := time.Now().UTC()
	if cfg.CreatedAt.IsZero() {
		cfg.CreatedAt = now
	}
	cfg.UpdatedAt = now
	return p.session.CreateBot(ctx, cfg)
}

// UpdateBot rewrites a bot config; a running worker applies it on its next
// cycle boundary.
func (p *Plane) UpdateBot(ctx context.Context, cfg types.BotConfig) error {
	return p.session.UpdateBot(ctx, cfg)
}

// DeleteBot stops a running bot, then removes it.
func (p *Plane) DeleteBot(ctx context.Context, id string) error {
	if err := p.supervisor.Stop(ctx, id); err != nil && !errors.Is(err, bot.ErrNotRunning) {
		return err
	}
	return p.session.DeleteBot(ctx, id)
}

// ————————————————————————————————————————————————————————————————————————
// Lifecycle
// ————————————————————————————————————————————————————————————————————————

// Start launches a bot. Starting an already-running bot is a no-op success.
func (p *Plane) Start(ctx context.Context, id string) error {
	err := p.supervisor.Start(ctx, id)
	if errors.Is(err, bot.ErrAlreadyRunning) {
		return nil
	}
	return err
}

// Stop stops a bot. Stopping an already-stopped bot is a no-op success.
func (p *Plane) Stop(ctx context.Context, id string) error {
	err := p.supervisor.Stop(ctx, id)
	if errors.Is(err, bot.ErrNotRunning) {
		return nil
	}
	return err
}

// Restart is stop + start with cycle continuity.
func (p *Plane) Restart(ctx context.Context, id string) error {
	return p.supervisor.Restart(ctx, id)
}

// Status returns the published snapshot for a bot.
func (p *Plane) Status(id string) (types.BotStatus, error) {
	return p.supervisor.Status(id)
}

// ————————————————————————————————————————————————————————————————————————
// Live reads
// ————————————————————————————————————————————————————————————————————————

// GetPositions proxies a live position read. Positions the venue reports
// with a zero mark price are re-marked from the last trade price, with a
// warning: downstream consumers divide by mark.
func (p *Plane) GetPositions(ctx context.Context, botID string) ([]types.Position, error) {
	adapter, err := p.adapterFor(ctx, botID)
	if err != nil {
		return nil, err
	}
	positions, err := adapter.FetchPositions(ctx)
	if err != nil {
		return nil, err
	}
	for i := range positions {
		if positions[i].MarkPrice != 0 {
			continue
		}
		ticker, terr := adapter.FetchTicker(ctx, positions[i].Symbol)
		if terr != nil || ticker.Last == 0 {
			continue
		}
		p.logger.Warn("mark price missing, using last trade price",
			"bot", botID, "symbol", positions[i].Symbol, "last", ticker.Last)
		positions[i].MarkPrice = ticker.Last
	}
	return positions, nil
}

// GetBalance proxies a live balance read.
func (p *Plane) GetBalance(ctx context.Context, botID string) (types.Balance, error) {
	adapter, err := p.adapterFor(ctx, botID)
	if err != nil {
		return types.Balance{}, err
	}
	return adapter.FetchBalance(ctx)
}

// ————————————————————————————————————————————————————————————————————————
// Artifacts
// ————————————————————————————————————————————————————————————————————————

// GetDebate returns the most recent cycle's debate artifacts, or nil when
// the latest cycle produced none.
func (p *Plane) GetDebate(ctx context.Context, botID string) (*types.DebateArtifacts, error) {
	threadID := types.ThreadID(botID)
	cycleID, err := p.session.LatestCycle(ctx, threadID)
	if err != nil {
		return nil, err
	}
	if cycleID == 0 {
		return nil, nil
	}
	records, err := p.session.CycleCheckpoints(ctx, threadID, cycleID)
	if err != nil {
		return nil, err
	}
	// The final checkpoint of the cycle carries the fullest state.
	for i := len(records) - 1; i >= 0; i-- {
		var state types.CycleState
		if err := json.Unmarshal(records[i].State, &state); err != nil {
			continue
		}
		if state.Debate != nil {
			return state.Debate, nil
		}
	}
	return nil, nil
}

// GetLogs returns the last n lines of the bot's log file.
func (p *Plane) GetLogs(botID string, n int) ([]string, error) {
	if n <= 0 {
		n = 100
	}
	data, err := os.ReadFile(bot.LogPath(p.logDir, botID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read log: %w", err)
	}
	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return lines, nil
}
