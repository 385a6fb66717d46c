package middleware

import (
	"context"
	"sync"
)

// Pipeline is an ordered list of stages.
type Pipeline struct {
	mu     sync.RWMutex
	stages []Middleware
}

// New returns a pipeline running stages in the given order.
func New(stages ...Middleware) *Pipeline {
	p := &Pipeline{}
	for _, stage := range stages {
		p.Use(stage)
	}
	return p
}

// Build constructs one stage from each factory, in order.
func Build(factories ...Factory) *Pipeline {
	p := &Pipeline{}
	for _, factory := range factories {
		if factory != nil {
			p.Use(factory())
		}
	}
	return p
}

// Use appends a stage. Nil stages are ignored.
func (p *Pipeline) Use(m Middleware) *Pipeline {
	if m == nil {
		return p
	}

	p.mu.Lock()
	p.stages = append(p.stages, m)
	p.mu.Unlock()
	return p
}

// Len returns the number of stages.
func (p *Pipeline) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.stages)
}

func (p *Pipeline) snapshot() []Middleware {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.stages
}

// Send runs data through every stage's Send and finally through final.
func (p *Pipeline) Send(ctx context.Context, state *State, data []byte, final Next) error {
	return run(ctx, p.snapshot(), state, data, final, Middleware.Send)
}

// Receive runs data through every stage's Receive and finally through final.
func (p *Pipeline) Receive(ctx context.Context, state *State, data []byte, final Next) error {
	return run(ctx, p.snapshot(), state, data, final, Middleware.Receive)
}

type stageFunc func(m Middleware, ctx context.Context, state *State, data []byte, next Next) error

// run threads one frame through the chain. The position lives in this call's
// closure, so concurrent frames never share it.
func run(ctx context.Context, stages []Middleware, state *State, data []byte, final Next, call stageFunc) error {
	var next Next
	index := 0
	next = func(ctx context.Context, data []byte) error {
		if index >= len(stages) {
			return final(ctx, data)
		}
		stage := stages[index]
		index++
		return call(stage, ctx, state, data, next)
	}

	return next(ctx, data)
}
