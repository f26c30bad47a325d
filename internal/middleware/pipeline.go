// Package middleware implements a composable onion-order pipeline that
// a caller can wrap around a ledger operation. ledgercore and
// escrowcore do not run it themselves; their operations reach storage
// without passing through it. It is a plain in-process functional
// chain — no HTTP framework binds to it — generalized from the
// request-handling shape of the teacher's gateway/auth/ratelimit
// middleware.
package middleware

import (
	"context"
	"fmt"
	"time"
)

// Action identifies the operation a Context wraps, e.g. "transfer",
// "escrow.release". Built-ins key their decisions off this.
type Action string

// Context carries per-call state through the pipeline. Handlers read
// Params and Actor, and may set Result before calling Next.
type Context struct {
	context.Context
	Action    Action
	Params    map[string]any
	Actor     string
	Roles     []string
	StartTime time.Time
	Result    any
}

// Next invokes the next handler in the chain. Calling it twice within
// the same handler is a programming error: the chain's shape is fixed
// per request, and a double call would run downstream handlers (and
// therefore the operation itself) twice.
type Next func(ctx *Context) error

// Handler is one link in the pipeline.
type Handler func(ctx *Context, next Next) error

// Pipeline is an ordered list of Handlers wrapping a terminal
// operation. Handlers run outermost-first on the way in and
// outermost-last on the way out, standard onion order.
type Pipeline struct {
	handlers []Handler
}

// New builds a Pipeline from handlers in outer-to-inner order.
func New(handlers ...Handler) *Pipeline {
	return &Pipeline{handlers: handlers}
}

// Use appends handlers to the end (innermost side) of the chain.
func (p *Pipeline) Use(handlers ...Handler) {
	p.handlers = append(p.handlers, handlers...)
}

// Run executes the pipeline around terminal, an operation's actual
// body. terminal is invoked as the innermost link.
func (p *Pipeline) Run(ctx *Context, terminal Next) error {
	chain := terminal
	for i := len(p.handlers) - 1; i >= 0; i-- {
		h := p.handlers[i]
		next := chain
		chain = guardedLink(h, next)
	}
	return chain(ctx)
}

// guardedLink wraps h so that the next() continuation it is handed
// panics on a second invocation, catching the "called next() twice"
// programming error at the point it happens rather than silently
// running the rest of the chain (and the operation itself) twice.
func guardedLink(h Handler, next Next) Next {
	return func(ctx *Context) error {
		called := false
		return h(ctx, func(ctx *Context) error {
			if called {
				panic(fmt.Sprintf("middleware: next() called more than once for action %q", ctx.Action))
			}
			called = true
			return next(ctx)
		})
	}
}
