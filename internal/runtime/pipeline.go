package runtime

import (
	"runtime/debug"
	"sync"

	errspkg "github.com/drblury/rabbitflow/internal/runtime/errors"
	"github.com/drblury/rabbitflow/internal/runtime/handlers"
)

// RequestContext is the per-message state shared by middleware and the controller.
type RequestContext = handlers.RequestContext

// Next continues with the next layer of the chain and returns its error.
type Next func() error

// Middleware wraps the rest of the chain. It may run code before and after
// next, or return without calling it to short-circuit.
type Middleware func(rc *RequestContext, next Next) error

// Controller is the innermost step of a pipeline.
type Controller func(rc *RequestContext) error

// AsyncMiddleware is a middleware that reports completion on a channel. A
// closed channel counts as success.
type AsyncMiddleware func(rc *RequestContext, next Next) <-chan error

// AsyncController is the channel-returning form of Controller.
type AsyncController func(rc *RequestContext) <-chan error

// Pipeline is a middleware chain composed around a controller.
type Pipeline struct {
	chain    []Middleware
	terminal Controller
}

// Compose builds a pipeline. The chain is copied, so later changes to the
// slice do not affect it. Middleware run in slice order, outermost first.
func Compose(chain []Middleware, terminal Controller) *Pipeline {
	copied := make([]Middleware, 0, len(chain))
	for _, mw := range chain {
		if mw != nil {
			copied = append(copied, mw)
		}
	}
	return &Pipeline{chain: copied, terminal: terminal}
}

// Len returns the number of middleware in the pipeline.
func (p *Pipeline) Len() int {
	return len(p.chain)
}

// Bind returns a zero-argument function running the pipeline for rc.
func (p *Pipeline) Bind(rc *RequestContext) func() error {
	return func() error {
		return p.Run(rc)
	}
}

// Run executes the pipeline for one message. Each call has its own state, so a
// pipeline can run many messages at once.
func (p *Pipeline) Run(rc *RequestContext) error {
	r := &pipelineRun{p: p, rc: rc, called: make([]bool, len(p.chain))}
	err := r.step(0)
	if dup := r.duplicate(); dup != nil {
		return dup
	}
	return err
}

type pipelineRun struct {
	p  *Pipeline
	rc *RequestContext

	mu     sync.Mutex
	called []bool
	dupErr error
}

func (r *pipelineRun) step(i int) (err error) {
	defer func() {
		if v := recover(); v != nil {
			err = &errspkg.PanicError{Value: v, Stack: string(debug.Stack())}
		}
	}()

	if i == len(r.p.chain) {
		if r.p.terminal == nil {
			return nil
		}
		return r.p.terminal(r.rc)
	}

	next := func() error {
		r.mu.Lock()
		if r.called[i] {
			r.dupErr = errspkg.ErrNextCalledTwice
			r.mu.Unlock()
			return errspkg.ErrNextCalledTwice
		}
		r.called[i] = true
		r.mu.Unlock()
		return r.step(i + 1)
	}
	return r.p.chain[i](r.rc, next)
}

func (r *pipelineRun) duplicate() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dupErr
}

// Before adapts a function that only runs ahead of the rest of the chain.
func Before(fn func(rc *RequestContext) error) Middleware {
	return func(rc *RequestContext, next Next) error {
		if err := fn(rc); err != nil {
			return err
		}
		return next()
	}
}

// FromAsync adapts an AsyncMiddleware by waiting for its result. Panics in
// goroutines the middleware starts are not recovered.
func FromAsync(fn AsyncMiddleware) Middleware {
	return func(rc *RequestContext, next Next) error {
		done := fn(rc, next)
		if done == nil {
			return nil
		}
		return <-done
	}
}

// FromAsyncController adapts an AsyncController by waiting for its result.
func FromAsyncController(fn AsyncController) Controller {
	return func(rc *RequestContext) error {
		done := fn(rc)
		if done == nil {
			return nil
		}
		return <-done
	}
}
