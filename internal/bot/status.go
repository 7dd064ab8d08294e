package bot

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"aitrader/pkg/types"
)

// StatusPublisher writes BotStatus snapshots to status/bot_<id>.json using
// atomic replacement (write to .tmp, then rename), so the control plane can
// poll the file without ever observing a partial write. This file is the
// only channel between a worker and the control plane — no shared memory.
type StatusPublisher struct {
	dir string
	mu  sync.Mutex
}

// NewStatusPublisher creates the publisher, ensuring the directory exists.
func NewStatusPublisher(dir string) (*StatusPublisher, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create status dir: %w", err)
	}
	return &StatusPublisher{dir: dir}, nil
}

func (p *StatusPublisher) path(botID string) string {
	return filepath.Join(p.dir, "bot_"+botID+".json")
}

// Publish atomically persists one snapshot.
func (p *StatusPublisher) Publish(status types.BotStatus) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	data, err := json.Marshal(status)
	if err != nil {
		return fmt.Errorf("marshal status: %w", err)
	}
	path := p.path(status.BotID)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write status: %w", err)
	}
	return os.Rename(tmp, path)
}

// Read loads the latest snapshot for a bot. A bot that never published
// reads as state "unknown".
func (p *StatusPublisher) Read(botID string) (types.BotStatus, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	data, err := os.ReadFile(p.path(botID))
	if err != nil {
		if os.IsNotExist(err) {
			return types.BotStatus{BotID: botID, State: types.StateUnknown}, nil
		}
		return types.BotStatus{}, fmt.Errorf("read status: %w", err)
	}
	var status types.BotStatus
	if err := json.Unmarshal(data, &status); err != nil {
		return types.BotStatus{}, fmt.Errorf("unmarshal status: %w", err)
	}
	return status, nil
}
