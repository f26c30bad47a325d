// Package scheduler drives ScheduledPayment: recurring or one-shot
// transfer templates that execute themselves through the ledger core
// on a timer. Grounded on the teacher's internal/gateway/timer.go —
// same ticker-loop-plus-safe-sweep shape, paginated ListDuePayments
// instead of ListExpired, and a panic-isolating tick just like the
// teacher's safeSweepExpired — generalized from a single expiry sweep
// into a five-cadence scheduling driver with linear backoff and
// per-payment tick collapsing.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/mbd888/clearing-core/internal/eventbus"
	"github.com/mbd888/clearing-core/internal/idgen"
	"github.com/mbd888/clearing-core/internal/ledgercore"
	"github.com/mbd888/clearing-core/internal/storage"
)

// DefaultCheckInterval is how often the driver sweeps for due payments.
const DefaultCheckInterval = 60 * time.Second

// DefaultMaxFailures is how many consecutive failed executions before
// a payment is marked failed rather than rescheduled.
const DefaultMaxFailures = 3

// DefaultSweepLimit caps how many due payments one tick fetches.
const DefaultSweepLimit = 200

// Driver executes ScheduledPayments against a Ledger on a timer.
type Driver struct {
	db            storage.Adapter
	ledger        *ledgercore.Ledger
	bus           *eventbus.Bus
	logger        *slog.Logger
	checkInterval time.Duration
	maxFailures   int
	sweepLimit    int
	inflight      singleflight.Group
	stop          chan struct{}
	running       atomic.Bool
}

// New builds a Driver with default tuning.
func New(db storage.Adapter, ledger *ledgercore.Ledger, bus *eventbus.Bus, logger *slog.Logger) *Driver {
	return &Driver{
		db: db, ledger: ledger, bus: bus, logger: logger,
		checkInterval: DefaultCheckInterval,
		maxFailures:   DefaultMaxFailures,
		sweepLimit:    DefaultSweepLimit,
		stop:          make(chan struct{}),
	}
}

// WithCheckInterval overrides DefaultCheckInterval.
func (d *Driver) WithCheckInterval(interval time.Duration) *Driver {
	d.checkInterval = interval
	return d
}

// WithMaxFailures overrides DefaultMaxFailures.
func (d *Driver) WithMaxFailures(n int) *Driver {
	d.maxFailures = n
	return d
}

// Running reports whether the driver's tick loop is active.
func (d *Driver) Running() bool {
	return d.running.Load()
}

// Create validates p's schedule, computes its first NextExecuteAt, and
// persists it as active, or as paused if Enabled is false (the pending
// status is not used; Resume is what activates a disabled payment).
func (d *Driver) Create(ctx context.Context, p *storage.ScheduledPayment) error {
	if !p.Amount.IsPositive() {
		return ledgercore.KindError(ledgercore.ErrInvalidAmount)
	}
	if p.From == p.To {
		return ledgercore.KindError(ledgercore.ErrSelfTransfer)
	}
	next, err := Next(p.Schedule, time.Now())
	if err != nil {
		return ledgercore.KindError(ledgercore.ErrValidation)
	}

	now := time.Now()
	p.ID = idgen.WithPrefix("pay_")
	p.NextExecuteAt = next
	p.CreatedAt = now
	p.UpdatedAt = now
	if p.Enabled {
		p.Status = storage.PaymentActive
	} else {
		p.Status = storage.PaymentPaused
	}

	if err := d.db.CreateScheduledPayment(ctx, p); err != nil {
		return fmt.Errorf("scheduler: create: %w", err)
	}
	d.bus.Publish(eventbus.Event{Stream: "scheduledPayment", Type: "scheduledPayment.created", EntityID: p.ID})
	return nil
}

// Pause takes an active payment out of the due-sweep without cancelling it.
func (d *Driver) Pause(ctx context.Context, id string) error {
	return d.transition(ctx, id, storage.PaymentActive, storage.PaymentPaused)
}

// Resume reactivates a paused payment, recomputing NextExecuteAt from now.
func (d *Driver) Resume(ctx context.Context, id string) error {
	p, err := d.db.GetScheduledPayment(ctx, id)
	if err != nil {
		return fmt.Errorf("scheduler: get: %w", err)
	}
	if p.Status != storage.PaymentPaused {
		return ledgercore.KindError(ledgercore.ErrInvalidStatus)
	}
	next, err := Next(p.Schedule, time.Now())
	if err != nil {
		return ledgercore.KindError(ledgercore.ErrValidation)
	}
	p.NextExecuteAt = next
	p.Status = storage.PaymentActive
	p.UpdatedAt = time.Now()
	if err := d.db.UpdateScheduledPayment(ctx, p); err != nil {
		return fmt.Errorf("scheduler: update: %w", err)
	}
	d.bus.Publish(eventbus.Event{Stream: "scheduledPayment", Type: "scheduledPayment.resumed", EntityID: p.ID})
	return nil
}

// Cancel terminates a payment from any non-terminal status.
func (d *Driver) Cancel(ctx context.Context, id string) error {
	p, err := d.db.GetScheduledPayment(ctx, id)
	if err != nil {
		return fmt.Errorf("scheduler: get: %w", err)
	}
	if p.IsTerminal() {
		return ledgercore.KindError(ledgercore.ErrInvalidStatus)
	}
	p.Status = storage.PaymentCancelled
	p.UpdatedAt = time.Now()
	if err := d.db.UpdateScheduledPayment(ctx, p); err != nil {
		return fmt.Errorf("scheduler: update: %w", err)
	}
	d.bus.Publish(eventbus.Event{Stream: "scheduledPayment", Type: "scheduledPayment.cancelled", EntityID: p.ID})
	return nil
}

func (d *Driver) transition(ctx context.Context, id string, from, to storage.PaymentStatus) error {
	p, err := d.db.GetScheduledPayment(ctx, id)
	if err != nil {
		return fmt.Errorf("scheduler: get: %w", err)
	}
	if p.Status != from {
		return ledgercore.KindError(ledgercore.ErrInvalidStatus)
	}
	p.Status = to
	p.UpdatedAt = time.Now()
	if err := d.db.UpdateScheduledPayment(ctx, p); err != nil {
		return fmt.Errorf("scheduler: update: %w", err)
	}
	return nil
}

// Start runs the tick loop until ctx is cancelled or Stop is called.
func (d *Driver) Start(ctx context.Context) {
	d.running.Store(true)
	defer d.running.Store(false)

	ticker := time.NewTicker(d.checkInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-d.stop:
			return
		case <-ticker.C:
			d.safeTick(ctx)
		}
	}
}

// Stop signals the tick loop to exit.
func (d *Driver) Stop() {
	select {
	case d.stop <- struct{}{}:
	default:
	}
}

func (d *Driver) safeTick(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("panic in scheduler tick", "panic", fmt.Sprint(r))
		}
	}()
	if err := d.tick(ctx); err != nil {
		d.logger.Warn("scheduler tick failed", "error", err)
	}
}

// tick fans out one execution attempt per currently-due payment. Each
// payment fires at most once per tick regardless of how many periods
// it missed; if it's still due afterward it picks up again on the
// next tick.
func (d *Driver) tick(ctx context.Context) error {
	due, err := d.db.ListDuePayments(ctx, time.Now().UnixNano(), d.sweepLimit)
	if err != nil {
		return fmt.Errorf("list due payments: %w", err)
	}
	tickDuePayments.Observe(float64(len(due)))
	if len(due) == 0 {
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, p := range due {
		id := p.ID
		g.Go(func() error {
			if _, err := d.ExecuteNow(gctx, id); err != nil {
				d.logger.Warn("scheduled payment execution failed", "paymentId", id, "error", err)
			}
			return nil
		})
	}
	return g.Wait()
}

// ExecuteNow runs id's transfer out of band (also used internally by
// tick). Concurrent callers for the same id — a manual trigger racing
// the tick sweep — collapse onto a single execution via singleflight.
func (d *Driver) ExecuteNow(ctx context.Context, id string) (*storage.Transaction, error) {
	v, err, _ := d.inflight.Do(id, func() (any, error) {
		return d.execute(ctx, id)
	})
	if err != nil {
		return nil, err
	}
	return v.(*storage.Transaction), nil
}

func (d *Driver) execute(ctx context.Context, id string) (*storage.Transaction, error) {
	p, err := d.db.GetScheduledPayment(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("scheduler: get: %w", err)
	}
	if p.Status != storage.PaymentActive {
		return nil, ledgercore.KindError(ledgercore.ErrInvalidStatus)
	}
	if p.ExpiresAt != nil && p.ExpiresAt.Before(time.Now()) {
		p.Status = storage.PaymentExpired
		p.UpdatedAt = time.Now()
		_ = d.db.UpdateScheduledPayment(ctx, p)
		d.bus.Publish(eventbus.Event{Stream: "scheduledPayment", Type: "scheduledPayment.expired", EntityID: p.ID})
		return nil, ledgercore.KindError(ledgercore.ErrInvalidStatus)
	}

	key := fmt.Sprintf("%s:%d", p.ID, p.ExecutionCount)
	tx, txErr := d.ledger.Transfer(ctx, p.From, p.To, p.Amount, ledgercore.TransferOpts{
		Memo: "scheduled payment " + p.ID, IdempotencyKey: key, Type: p.Type,
	})

	p.UpdatedAt = time.Now()
	if txErr != nil {
		d.onFailure(p, txErr)
	} else {
		d.onSuccess(p)
	}
	if err := d.db.UpdateScheduledPayment(ctx, p); err != nil {
		return nil, fmt.Errorf("scheduler: update after execution: %w", err)
	}

	if txErr != nil {
		executionsTotal.WithLabelValues("error").Inc()
		if p.Status == storage.PaymentFailed {
			failuresTotal.Inc()
		}
		d.bus.Publish(eventbus.Event{Stream: "scheduledPayment", Type: "scheduledPayment.failed", EntityID: p.ID,
			Data: map[string]any{"error": txErr.Error(), "failureCount": p.FailureCount}})
		return nil, txErr
	}
	executionsTotal.WithLabelValues("ok").Inc()
	d.bus.Publish(eventbus.Event{Stream: "scheduledPayment", Type: "scheduledPayment.executed", EntityID: p.ID,
		Data: map[string]any{"transactionId": tx.ID, "executionCount": p.ExecutionCount}})
	return tx, nil
}

func (d *Driver) onSuccess(p *storage.ScheduledPayment) {
	p.ExecutionCount++
	p.FailureCount = 0
	p.LastError = ""

	if p.Schedule.Kind == storage.ScheduleOneTime {
		p.Status = storage.PaymentCompleted
		return
	}
	if p.MaxExecutions > 0 && p.ExecutionCount >= p.MaxExecutions {
		p.Status = storage.PaymentCompleted
		return
	}
	next, err := Next(p.Schedule, p.NextExecuteAt)
	if err != nil {
		p.Status = storage.PaymentFailed
		p.LastError = err.Error()
		return
	}
	p.NextExecuteAt = next
}

// onFailure backs off linearly: nextExecuteAt = now + 60s * failureCount,
// failing the payment outright once maxFailures consecutive failures
// accrue.
func (d *Driver) onFailure(p *storage.ScheduledPayment, err error) {
	p.FailureCount++
	p.LastError = err.Error()
	if p.FailureCount >= d.maxFailures {
		p.Status = storage.PaymentFailed
		return
	}
	p.NextExecuteAt = time.Now().Add(time.Duration(p.FailureCount) * 60 * time.Second)
}
