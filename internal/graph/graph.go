package graph

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/openlocus/locus/internal/adapters/metrics"
	"github.com/openlocus/locus/internal/adapters/tracing"
	"github.com/openlocus/locus/internal/tools"
)

// End is the terminal pseudo-node every path must reach.
const End = "__end__"

// NodeFunc executes one processing stage and returns a partial state update.
type NodeFunc func(ctx context.Context, run *Run) (Delta, error)

// RunConfig carries per-request execution settings.
type RunConfig struct {
	RecursionLimit int
	Approval       tools.ApprovalFunc
}

// Run is the live context of one graph execution, handed to every node.
type Run struct {
	State   *State
	Config  RunConfig
	Entries map[string]int
	emit    func(Event)
}

// Emit pushes a streaming event to the run's consumer.
func (r *Run) Emit(e Event) { r.emit(e) }

type conditionalEdge struct {
	route   func(s *State) string
	targets map[string]string
}

// Graph is a compiled node registry with direct and conditional edges.
// Registration and wiring happen at construction; Compile validates the
// topology before any run.
type Graph struct {
	entry        string
	nodes        map[string]NodeFunc
	edges        map[string]string
	conditionals map[string]conditionalEdge
	compiled     bool
}

func New() *Graph {
	return &Graph{
		nodes:        make(map[string]NodeFunc),
		edges:        make(map[string]string),
		conditionals: make(map[string]conditionalEdge),
	}
}

func (g *Graph) AddNode(name string, fn NodeFunc) *Graph {
	g.nodes[name] = fn
	return g
}

// AddEdge wires an unconditional transition from one node to the next.
func (g *Graph) AddEdge(from, to string) *Graph {
	g.edges[from] = to
	return g
}

// AddConditionalEdge wires a routing function: the route key it returns
// selects the next node from the targets table. A key absent from the table
// ends the run.
func (g *Graph) AddConditionalEdge(from string, route func(s *State) string, targets map[string]string) *Graph {
	g.conditionals[from] = conditionalEdge{route: route, targets: targets}
	return g
}

func (g *Graph) SetEntry(name string) *Graph {
	g.entry = name
	return g
}

// Compile validates that the entry point and every edge target reference
// registered nodes.
func (g *Graph) Compile() error {
	if g.entry == "" {
		return fmt.Errorf("graph has no entry point")
	}
	if _, ok := g.nodes[g.entry]; !ok {
		return fmt.Errorf("entry point %q is not a registered node", g.entry)
	}
	for from, to := range g.edges {
		if _, ok := g.nodes[from]; !ok {
			return fmt.Errorf("edge source %q is not a registered node", from)
		}
		if to != End {
			if _, ok := g.nodes[to]; !ok {
				return fmt.Errorf("edge %q -> %q targets an unregistered node", from, to)
			}
		}
	}
	for from, ce := range g.conditionals {
		if _, ok := g.nodes[from]; !ok {
			return fmt.Errorf("conditional edge source %q is not a registered node", from)
		}
		for key, to := range ce.targets {
			if to != End {
				if _, ok := g.nodes[to]; !ok {
					return fmt.Errorf("conditional edge %q[%q] -> %q targets an unregistered node", from, key, to)
				}
			}
		}
	}
	g.compiled = true
	return nil
}

// Run executes the graph over the given state, emitting events to the
// returned channel. The channel closes after the final on_graph_end event.
// Each node runs to completion before the next starts.
func (g *Graph) Run(ctx context.Context, state *State, cfg RunConfig) (<-chan Event, error) {
	if !g.compiled {
		if err := g.Compile(); err != nil {
			return nil, err
		}
	}
	if cfg.RecursionLimit <= 0 {
		cfg.RecursionLimit = 50
	}

	events := make(chan Event, 64)
	run := &Run{
		State:   state,
		Config:  cfg,
		Entries: make(map[string]int),
		emit: func(e Event) {
			select {
			case events <- e:
			case <-ctx.Done():
			}
		},
	}

	go func() {
		defer close(events)
		g.execute(ctx, run)
		run.emit(Event{
			Type: EventGraphEnd,
			Data: map[string]any{
				"state":        run.State,
				"chat_history": run.State.UpdatedHistory,
			},
		})
	}()
	return events, nil
}

func (g *Graph) execute(ctx context.Context, run *Run) {
	// Hard cap on node entries so a miswired cycle cannot spin forever.
	// The react node enforces the per-request recursion limit itself.
	maxEntries := run.Config.RecursionLimit*4 + 16

	current := g.entry
	for current != End {
		if ctx.Err() != nil {
			log.Printf("[Graph] Run cancelled at node %s", current)
			return
		}
		run.Entries[current]++
		if run.Entries[current] > maxEntries {
			log.Printf("[Graph] Node %s exceeded entry cap, terminating", current)
			return
		}

		fn := g.nodes[current]
		run.Emit(Event{Type: EventNodeStart, Node: current})

		nodeCtx, span := tracing.StartNodeSpan(ctx, current)
		start := time.Now()
		delta, err := fn(nodeCtx, run)
		metrics.NodeDuration.WithLabelValues(current).Observe(time.Since(start).Seconds())
		span.End()

		if err != nil {
			log.Printf("[Graph] Node %s failed: %v", current, err)
			return
		}
		run.State.apply(delta)

		current = g.next(current, run.State)
	}
}

func (g *Graph) next(current string, state *State) string {
	if ce, ok := g.conditionals[current]; ok {
		key := ce.route(state)
		if to, ok := ce.targets[key]; ok {
			return to
		}
		return End
	}
	if to, ok := g.edges[current]; ok {
		return to
	}
	return End
}
