package middleware

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Logging logs action, actor, and duration at the configured level
// around every call, in the teacher's structured-logging idiom.
func Logging(logger *slog.Logger) Handler {
	return func(ctx *Context, next Next) error {
		start := time.Now()
		err := next(ctx)
		attrs := []any{
			slog.String("action", string(ctx.Action)),
			slog.String("actor", ctx.Actor),
			slog.Duration("duration", time.Since(start)),
		}
		if err != nil {
			logger.ErrorContext(ctx, "operation failed", append(attrs, slog.String("error", err.Error()))...)
		} else {
			logger.DebugContext(ctx, "operation completed", attrs...)
		}
		return err
	}
}

// Timing stamps ctx.StartTime before calling next, so downstream
// handlers and the terminal operation can read elapsed time.
func Timing() Handler {
	return func(ctx *Context, next Next) error {
		ctx.StartTime = time.Now()
		return next(ctx)
	}
}

// clientState is a token-bucket counter for one rate-limit key,
// generalized from the gateway's per-IP limiter to key on Actor.
type clientState struct {
	tokens    float64
	lastCheck time.Time
}

// RateLimiter is a token-bucket limiter keyed by ctx.Actor, shared
// across every Action it is installed for.
type RateLimiter struct {
	mu                sync.Mutex
	clients           map[string]*clientState
	requestsPerMinute int
	burst             int
}

// NewRateLimiter creates a limiter allowing requestsPerMinute sustained
// throughput per actor, with bursts up to burst.
func NewRateLimiter(requestsPerMinute, burst int) *RateLimiter {
	return &RateLimiter{
		clients:           make(map[string]*clientState),
		requestsPerMinute: requestsPerMinute,
		burst:             burst,
	}
}

// ErrRateLimited is returned when an actor exceeds its allowance.
var ErrRateLimited = fmt.Errorf("middleware: rate limit exceeded")

func (l *RateLimiter) allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	state, ok := l.clients[key]
	if !ok {
		l.clients[key] = &clientState{tokens: float64(l.burst - 1), lastCheck: now}
		return true
	}

	elapsed := now.Sub(state.lastCheck).Seconds()
	state.tokens += elapsed * (float64(l.requestsPerMinute) / 60.0)
	if state.tokens > float64(l.burst) {
		state.tokens = float64(l.burst)
	}
	state.lastCheck = now

	if state.tokens >= 1 {
		state.tokens--
		return true
	}
	return false
}

// Sweep drops tracked actors idle longer than idleFor, bounding memory
// for a long-running process. Intended to be called periodically.
func (l *RateLimiter) Sweep(idleFor time.Duration) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	cutoff := time.Now().Add(-idleFor)
	removed := 0
	for k, s := range l.clients {
		if s.lastCheck.Before(cutoff) {
			delete(l.clients, k)
			removed++
		}
	}
	return removed
}

// Handler returns a middleware.Handler enforcing this limiter.
func (l *RateLimiter) Handler() Handler {
	return func(ctx *Context, next Next) error {
		if !l.allow(ctx.Actor) {
			return ErrRateLimited
		}
		return next(ctx)
	}
}

// Validator checks ctx.Params before the operation runs. Returning a
// non-nil error aborts the chain without calling next.
type Validator func(ctx *Context) error

// Validation runs a sequence of field validators in order, stopping at
// the first failure — generalized from the teacher's composable
// validator-chain idiom.
func Validation(validators ...Validator) Handler {
	return func(ctx *Context, next Next) error {
		for _, v := range validators {
			if err := v(ctx); err != nil {
				return err
			}
		}
		return next(ctx)
	}
}

// Gate runs next only if allow returns true, otherwise returns
// denyErr. Used for per-action authorization checks.
func Gate(allow func(ctx *Context) bool, denyErr error) Handler {
	return func(ctx *Context, next Next) error {
		if !allow(ctx) {
			return denyErr
		}
		return next(ctx)
	}
}

// ensure context.Context compiles against the embedding above.
var _ context.Context = (*Context)(nil)
