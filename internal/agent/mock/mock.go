// Package mock provides a test double for the conversation graph driven by a
// call session.
//
// Graph is safe for concurrent use, records every call and exposes exported
// fields for configuring its behavior.
//
// Example:
//
//	g := &mock.Graph{
//	    Welcome: "Bonjour, que puis-je pour vous ?",
//	    Replies: map[string]string{"Quels BTS ?": "Nous proposons le BTS GPME."},
//	}
package mock

import (
	"context"
	"sync"

	"github.com/festnoze/squad-ai-sub002/internal/agent"
)

// Graph is a scripted conversation graph.
type Graph struct {
	mu sync.Mutex

	// Welcome is spoken by Start when non-empty.
	Welcome string

	// StartErr is returned by Start.
	StartErr error

	// Replies maps an input to the text Invoke speaks. Unknown inputs are
	// answered with Default.
	Replies map[string]string
	Default string

	// InvokeErr is returned by Invoke.
	InvokeErr error

	// PanicOn makes Invoke panic when it receives this input.
	PanicOn string

	// Block, when non-nil, is received from before Invoke answers.
	Block chan struct{}

	// StartCalls counts Start calls.
	StartCalls int

	// Inputs records every Invoke input in call order.
	Inputs []string
}

// Start speaks and records the welcome.
func (g *Graph) Start(_ context.Context, s *agent.State) error {
	g.mu.Lock()
	g.StartCalls++
	welcome, err := g.Welcome, g.StartErr
	g.mu.Unlock()

	if err != nil {
		return err
	}
	if welcome != "" {
		s.Say(welcome)
	}
	return nil
}

// Invoke records input and says its scripted reply.
func (g *Graph) Invoke(ctx context.Context, s *agent.State, input string) ([]agent.NodeName, error) {
	g.mu.Lock()
	g.Inputs = append(g.Inputs, input)
	reply, ok := g.Replies[input]
	if !ok {
		reply = g.Default
	}
	err, panicOn, block := g.InvokeErr, g.PanicOn, g.Block
	g.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if panicOn != "" && input == panicOn {
		panic("mock graph: scripted panic")
	}
	if err != nil {
		return nil, err
	}
	if reply != "" {
		s.Say(reply)
	}
	return []agent.NodeName{agent.NodeInit, agent.NodeRouter, agent.NodeFAQ}, nil
}

// InputsSeen returns a copy of the recorded inputs.
func (g *Graph) InputsSeen() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.Inputs...)
}

// StartCount returns the number of Start calls.
func (g *Graph) StartCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.StartCalls
}
