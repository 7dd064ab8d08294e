package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"aitrader/pkg/types"
)

// SaveWorkflow writes a workflow and its nodes and edges in one transaction,
// so a reader never observes a half-edited graph. When fromAutoSync is true
// the write is refused for workflows carrying the user-edit marker.
func (se *Session) SaveWorkflow(ctx context.Context, wf types.Workflow, fromAutoSync bool) error {
	tx, err := se.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("save workflow: begin: %w", err)
	}
	defer tx.Rollback()

	if fromAutoSync {
		var userEdited bool
		err := tx.QueryRowContext(ctx,
			`SELECT user_edited FROM workflows WHERE id = ?`, wf.ID,
		).Scan(&userEdited)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("save workflow: probe marker: %w", err)
		}
		if userEdited {
			return nil // user owns this graph now; auto-sync must not touch it
		}
	}

	now := time.Now().UTC()
	_, err = tx.ExecContext(ctx,
		`INSERT INTO workflows (id, name, user_edited, updated_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET name = excluded.name,
		                               user_edited = excluded.user_edited,
		                               updated_at = excluded.updated_at`,
		wf.ID, wf.Name, wf.UserEdited, now,
	)
	if err != nil {
		return fmt.Errorf("save workflow %s: %w", wf.ID, err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM workflow_nodes WHERE workflow_id = ?`, wf.ID); err != nil {
		return fmt.Errorf("save workflow %s: clear nodes: %w", wf.ID, err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM workflow_edges WHERE workflow_id = ?`, wf.ID); err != nil {
		return fmt.Errorf("save workflow %s: clear edges: %w", wf.ID, err)
	}

	for _, n := range wf.Nodes {
		cfg, err := marshal(n.Config)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO workflow_nodes (id, workflow_id, plugin_name, execution_order, enabled, config)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			n.ID, wf.ID, n.PluginName, n.ExecutionOrder, n.Enabled, cfg,
		)
		if err != nil {
			return fmt.Errorf("save workflow %s: node %s: %w", wf.ID, n.ID, err)
		}
	}
	for _, e := range wf.Edges {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO workflow_edges (id, workflow_id, from_node, to_node, condition)
			 VALUES (?, ?, ?, ?, ?)`,
			e.ID, wf.ID, e.From, e.To, e.Condition,
		)
		if err != nil {
			return fmt.Errorf("save workflow %s: edge %s: %w", wf.ID, e.ID, err)
		}
	}

	return tx.Commit()
}

// GetWorkflow loads a workflow with its nodes and edges. The runtime calls
// this once per cycle; the returned value is the cycle's frozen snapshot.
func (se *Session) GetWorkflow(ctx context.Context, id string) (types.Workflow, error) {
	var wf types.Workflow
	err := se.db.QueryRowContext(ctx,
		`SELECT id, name, user_edited, updated_at FROM workflows WHERE id = ?`, id,
	).Scan(&wf.ID, &wf.Name, &wf.UserEdited, &wf.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return types.Workflow{}, ErrNotFound
	}
	if err != nil {
		return types.Workflow{}, fmt.Errorf("get workflow %s: %w", id, err)
	}

	rows, err := se.db.QueryContext(ctx,
		`SELECT id, plugin_name, execution_order, enabled, config
		 FROM workflow_nodes WHERE workflow_id = ? ORDER BY execution_order`, id)
	if err != nil {
		return types.Workflow{}, fmt.Errorf("get workflow %s: nodes: %w", id, err)
	}
	defer rows.Close()
	for rows.Next() {
		n := types.WorkflowNode{WorkflowID: id}
		var cfg string
		if err := rows.Scan(&n.ID, &n.PluginName, &n.ExecutionOrder, &n.Enabled, &cfg); err != nil {
			return types.Workflow{}, err
		}
		if n.Config, err = unmarshal[map[string]any](cfg); err != nil {
			return types.Workflow{}, err
		}
		wf.Nodes = append(wf.Nodes, n)
	}
	if err := rows.Err(); err != nil {
		return types.Workflow{}, err
	}

	erows, err := se.db.QueryContext(ctx,
		`SELECT id, from_node, to_node, condition FROM workflow_edges WHERE workflow_id = ?`, id)
	if err != nil {
		return types.Workflow{}, fmt.Errorf("get workflow %s: edges: %w", id, err)
	}
	defer erows.Close()
	for erows.Next() {
		e := types.WorkflowEdge{WorkflowID: id}
		if err := erows.Scan(&e.ID, &e.From, &e.To, &e.Condition); err != nil {
			return types.Workflow{}, err
		}
		wf.Edges = append(wf.Edges, e)
	}
	return wf, erows.Err()
}

// NodeConfig is one row of the node_configs registry table.
type NodeConfig struct {
	PluginName     string
	DisplayName    string
	Category       string
	SuggestedOrder int
	RequiresLLM    bool
	RequiresTrader bool
	DefaultConfig  map[string]any
}

// SyncNodeConfig upserts plugin metadata. Called by the plugin auto-sync
// task at startup for every registered plugin.
func (se *Session) SyncNodeConfig(ctx context.Context, nc NodeConfig) error {
	cfg, err := marshal(nc.DefaultConfig)
	if err != nil {
		return err
	}
	_, err = se.db.ExecContext(ctx,
		`INSERT INTO node_configs (plugin_name, display_name, category, suggested_order,
		                           requires_llm, requires_trader, default_config)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(plugin_name) DO UPDATE SET
		     display_name = excluded.display_name,
		     category = excluded.category,
		     suggested_order = excluded.suggested_order,
		     requires_llm = excluded.requires_llm,
		     requires_trader = excluded.requires_trader`,
		nc.PluginName, nc.DisplayName, nc.Category, nc.SuggestedOrder,
		nc.RequiresLLM, nc.RequiresTrader, cfg,
	)
	if err != nil {
		return fmt.Errorf("sync node config %s: %w", nc.PluginName, err)
	}
	return nil
}
