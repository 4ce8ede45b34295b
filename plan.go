package fulfillment

import (
	"fmt"
	"sort"

	"gonum.org/v1/gonum/graph"
	"gonum.org/v1/gonum/graph/simple"
	"gonum.org/v1/gonum/graph/topo"
)

// StagePlan is the forward shape of a saga: an ordered chain of stages where
// each stage is reachable only from its immediate predecessor. The two
// failure terminals sit outside the chain and are reachable from any
// non-terminal stage through Fail and Cancel.
type StagePlan struct {
	graph  *simple.DirectedGraph
	ids    map[Status]int64
	stages map[int64]Status
	order  []Status
}

// NewStagePlan builds a plan from stages in forward order. The chain is
// materialized as a directed graph and verified acyclic so a misdeclared
// plan fails at construction, not mid-saga.
func NewStagePlan(stages ...Status) (*StagePlan, error) {
	if len(stages) < 2 {
		return nil, fmt.Errorf("stage plan needs at least two stages, got %d", len(stages))
	}

	p := &StagePlan{
		graph:  simple.NewDirectedGraph(),
		ids:    make(map[Status]int64, len(stages)),
		stages: make(map[int64]Status, len(stages)),
	}

	for _, stage := range stages {
		if stage.Terminal() && stage != stages[len(stages)-1] {
			return nil, fmt.Errorf("terminal stage %s may only end the plan", stage)
		}
		if _, dup := p.ids[stage]; dup {
			return nil, fmt.Errorf("duplicate stage %s", stage)
		}
		node := p.graph.NewNode()
		p.graph.AddNode(node)
		p.ids[stage] = node.ID()
		p.stages[node.ID()] = stage
	}
	for i := 1; i < len(stages); i++ {
		p.graph.SetEdge(simple.Edge{
			F: p.graph.Node(p.ids[stages[i-1]]),
			T: p.graph.Node(p.ids[stages[i]]),
		})
	}

	sorted, err := topo.SortStabilized(p.graph, func(nodes []graph.Node) {
		sort.Slice(nodes, func(i, j int) bool { return nodes[i].ID() < nodes[j].ID() })
	})
	if err != nil {
		return nil, fmt.Errorf("stage plan is not acyclic: %w", err)
	}
	p.order = make([]Status, len(sorted))
	for i, node := range sorted {
		p.order[i] = p.stages[node.ID()]
	}

	return p, nil
}

// DefaultStagePlan returns the fulfillment chain CREATED -> PAID -> COMPLETED.
func DefaultStagePlan() *StagePlan {
	plan, err := NewStagePlan(StatusCreated, StatusPaid, StatusCompleted)
	if err != nil {
		panic(err)
	}
	return plan
}

// First returns the creation stage.
func (p *StagePlan) First() Status {
	return p.order[0]
}

// Stages returns the forward stages in execution order.
func (p *StagePlan) Stages() []Status {
	return append([]Status(nil), p.order...)
}

// CanAdvance reports whether from -> to is a direct edge of the chain.
// Transitions never skip an edge.
func (p *StagePlan) CanAdvance(from, to Status) bool {
	fromID, ok := p.ids[from]
	if !ok {
		return false
	}
	toID, ok := p.ids[to]
	if !ok {
		return false
	}
	return p.graph.HasEdgeFromTo(fromID, toID)
}

// Contains reports whether stage is part of the forward chain.
func (p *StagePlan) Contains(stage Status) bool {
	_, ok := p.ids[stage]
	return ok
}
