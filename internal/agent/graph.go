package agent

import (
	"context"
	"errors"
	"fmt"

	"github.com/festnoze/squad-ai-sub002/internal/faults"
	"github.com/festnoze/squad-ai-sub002/internal/observe"
)

// defaultMaxSteps bounds a traversal so a bad edge cannot loop forever.
const defaultMaxSteps = 16

// NodeFunc runs one node. An error aborts the traversal.
type NodeFunc func(ctx context.Context, s *State) error

// EdgeFunc selects the next node from the state.
type EdgeFunc func(s *State) NodeName

// Graph is a directed graph of nodes over a [State]. Build it with AddNode
// and the edge methods, then call Compile. A compiled graph is read-only and
// safe for concurrent traversals of distinct states.
type Graph struct {
	entry    NodeName
	nodes    map[NodeName]NodeFunc
	edges    map[NodeName]EdgeFunc
	static   map[NodeName]NodeName
	maxSteps int
	compiled bool
}

// NewGraph returns an empty graph that starts at entry.
func NewGraph(entry NodeName) *Graph {
	return &Graph{
		entry:    entry,
		nodes:    make(map[NodeName]NodeFunc),
		edges:    make(map[NodeName]EdgeFunc),
		static:   make(map[NodeName]NodeName),
		maxSteps: defaultMaxSteps,
	}
}

// AddNode registers fn under name.
func (g *Graph) AddNode(name NodeName, fn NodeFunc) *Graph {
	g.nodes[name] = fn
	return g
}

// AddEdge makes to always follow from.
func (g *Graph) AddEdge(from, to NodeName) *Graph {
	g.static[from] = to
	g.edges[from] = func(*State) NodeName { return to }
	return g
}

// AddConditionalEdges makes sel choose the node following from.
func (g *Graph) AddConditionalEdges(from NodeName, sel EdgeFunc) *Graph {
	delete(g.static, from)
	g.edges[from] = sel
	return g
}

// Compile checks that the entry and every static edge point to known nodes
// and that every node has an outgoing edge.
func (g *Graph) Compile() error {
	var errs []error
	if _, ok := g.nodes[g.entry]; !ok {
		errs = append(errs, fmt.Errorf("agent: entry node %q not registered", g.entry))
	}
	for name := range g.nodes {
		if _, ok := g.edges[name]; !ok {
			errs = append(errs, fmt.Errorf("agent: node %q has no outgoing edge", name))
		}
	}
	for from, to := range g.static {
		if _, ok := g.nodes[from]; !ok {
			errs = append(errs, fmt.Errorf("agent: edge from unknown node %q", from))
		}
		if _, ok := g.nodes[to]; !ok && to != End {
			errs = append(errs, fmt.Errorf("agent: edge %q -> unknown node %q", from, to))
		}
	}
	if err := errors.Join(errs...); err != nil {
		return err
	}
	g.compiled = true
	return nil
}

// Invoke traverses the graph from the entry node until End. It returns the
// names of the visited nodes.
func (g *Graph) Invoke(ctx context.Context, s *State) ([]NodeName, error) {
	const op = "agent: invoke"
	if !g.compiled {
		return nil, faults.New(faults.Internal, op, errors.New("graph not compiled"))
	}
	var path []NodeName
	node := g.entry
	for range g.maxSteps {
		if node == End {
			return path, nil
		}
		fn, ok := g.nodes[node]
		if !ok {
			return path, faults.New(faults.Internal, op, fmt.Errorf("unknown node %q", node))
		}
		if err := ctx.Err(); err != nil {
			return path, fmt.Errorf("%s: %w", op, err)
		}
		path = append(path, node)

		nctx, span := observe.StartSpan(ctx, "agent."+string(node))
		err := fn(nctx, s)
		span.End()
		if err != nil {
			return path, fmt.Errorf("%s: node %s: %w", op, node, err)
		}
		node = g.edges[node](s)
	}
	return path, faults.New(faults.Internal, op, fmt.Errorf("no end after %d steps: %v", g.maxSteps, path))
}
