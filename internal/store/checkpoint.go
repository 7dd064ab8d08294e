package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// PutCheckpoint writes one node-boundary snapshot. A checkpoint is immutable:
// the insert ignores conflicts, so retrying after a crash never rewrites what
// an earlier attempt persisted, and rereading always yields the first write.
func (se *Session) PutCheckpoint(ctx context.Context, threadID string, cycleID int64, nodeName string, state []byte) error {
	_, err := se.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO checkpoints (thread_id, checkpoint_id, node_name, state, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		threadID, cycleID, nodeName, state, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("put checkpoint %s/%d/%s: %w", threadID, cycleID, nodeName, err)
	}
	return nil
}

// GetCheckpoint reads the state snapshot written after nodeName completed in
// the given cycle. Rewinding to this point yields exactly the state the next
// node would have seen.
func (se *Session) GetCheckpoint(ctx context.Context, threadID string, cycleID int64, nodeName string) ([]byte, error) {
	var state []byte
	err := se.db.QueryRowContext(ctx,
		`SELECT state FROM checkpoints WHERE thread_id = ? AND checkpoint_id = ? AND node_name = ?`,
		threadID, cycleID, nodeName,
	).Scan(&state)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get checkpoint %s/%d/%s: %w", threadID, cycleID, nodeName, err)
	}
	return state, nil
}

// LatestCycle returns the highest checkpointed cycle for a thread, or 0 when
// none exists. Restart continuity: the scheduler resumes numbering above it.
func (se *Session) LatestCycle(ctx context.Context, threadID string) (int64, error) {
	var cycleID sql.NullInt64
	err := se.db.QueryRowContext(ctx,
		`SELECT MAX(checkpoint_id) FROM checkpoints WHERE thread_id = ?`, threadID,
	).Scan(&cycleID)
	if err != nil {
		return 0, fmt.Errorf("latest cycle %s: %w", threadID, err)
	}
	return cycleID.Int64, nil
}

// CheckpointRecord is one node snapshot within a cycle, for time-travel reads.
type CheckpointRecord struct {
	NodeName  string
	State     []byte
	CreatedAt time.Time
}

// CycleCheckpoints returns every snapshot of one cycle in write order.
func (se *Session) CycleCheckpoints(ctx context.Context, threadID string, cycleID int64) ([]CheckpointRecord, error) {
	rows, err := se.db.QueryContext(ctx,
		`SELECT node_name, state, created_at FROM checkpoints
		 WHERE thread_id = ? AND checkpoint_id = ? ORDER BY rowid`,
		threadID, cycleID,
	)
	if err != nil {
		return nil, fmt.Errorf("cycle checkpoints %s/%d: %w", threadID, cycleID, err)
	}
	defer rows.Close()

	var out []CheckpointRecord
	for rows.Next() {
		var r CheckpointRecord
		if err := rows.Scan(&r.NodeName, &r.State, &r.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
