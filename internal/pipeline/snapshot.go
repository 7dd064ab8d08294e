// snapshot.go freezes a workflow graph for one cycle.
//
// The UI may rewrite nodes and edges at any time; the runtime reads the
// graph exactly once per cycle and runs against this frozen copy, so an
// in-flight cycle never observes a mid-cycle edit.
package pipeline

import (
	"fmt"
	"sort"

	"aitrader/pkg/types"
)

// Snapshot is a validated, topologically ordered copy of a workflow.
type Snapshot struct {
	WorkflowID string
	Order      []types.WorkflowNode            // enabled nodes in execution order
	Outgoing   map[string][]types.WorkflowEdge // node ID → out-edges
	Incoming   map[string]int                  // node ID → in-degree (enabled graph)
	byID       map[string]types.WorkflowNode
}

// BuildSnapshot validates the graph and computes the execution order. A
// cyclic graph or an edge referencing a missing node is a configuration
// error: the bot goes to error state rather than running a broken strategy.
func BuildSnapshot(wf types.Workflow) (*Snapshot, error) {
	s := &Snapshot{
		WorkflowID: wf.ID,
		Outgoing:   make(map[string][]types.WorkflowEdge),
		Incoming:   make(map[string]int),
		byID:       make(map[string]types.WorkflowNode),
	}

	for _, n := range wf.Nodes {
		if !n.Enabled {
			continue
		}
		if _, dup := s.byID[n.ID]; dup {
			return nil, fmt.Errorf("workflow %s: duplicate node id %s", wf.ID, n.ID)
		}
		s.byID[n.ID] = n
		s.Incoming[n.ID] = 0
	}
	if len(s.byID) == 0 {
		return nil, fmt.Errorf("workflow %s: no enabled nodes", wf.ID)
	}

	for _, e := range wf.Edges {
		if _, ok := s.byID[e.From]; !ok {
			continue // edge from a disabled/missing node: inert
		}
		if _, ok := s.byID[e.To]; !ok {
			continue
		}
		s.Outgoing[e.From] = append(s.Outgoing[e.From], e)
		s.Incoming[e.To]++
	}

	// Deterministic edge evaluation: follow the execution_order of targets.
	for from, edges := range s.Outgoing {
		sort.SliceStable(edges, func(i, j int) bool {
			return s.byID[edges[i].To].ExecutionOrder < s.byID[edges[j].To].ExecutionOrder
		})
		s.Outgoing[from] = edges
	}

	order, err := s.topoSort(wf.ID)
	if err != nil {
		return nil, err
	}
	s.Order = order
	return s, nil
}

// topoSort is Kahn's algorithm with execution_order as the tie-break, so
// sibling branches run in the order the workflow editor assigned.
func (s *Snapshot) topoSort(wfID string) ([]types.WorkflowNode, error) {
	indeg := make(map[string]int, len(s.Incoming))
	for id, d := range s.Incoming {
		indeg[id] = d
	}

	var frontier []types.WorkflowNode
	for id, d := range indeg {
		if d == 0 {
			frontier = append(frontier, s.byID[id])
		}
	}

	var order []types.WorkflowNode
	for len(frontier) > 0 {
		sort.SliceStable(frontier, func(i, j int) bool {
			return frontier[i].ExecutionOrder < frontier[j].ExecutionOrder
		})
		n := frontier[0]
		frontier = frontier[1:]
		order = append(order, n)

		for _, e := range s.Outgoing[n.ID] {
			indeg[e.To]--
			if indeg[e.To] == 0 {
				frontier = append(frontier, s.byID[e.To])
			}
		}
	}

	if len(order) != len(s.byID) {
		return nil, fmt.Errorf("workflow %s: graph has a cycle", wfID)
	}
	return order, nil
}

// Roots returns the IDs of nodes with no inbound edges (the implicit START
// fan-out).
func (s *Snapshot) Roots() []string {
	var roots []string
	for _, n := range s.Order {
		if s.Incoming[n.ID] == 0 {
			roots = append(roots, n.ID)
		}
	}
	return roots
}
