package scheduler

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/clearing-core/internal/eventbus"
	"github.com/mbd888/clearing-core/internal/idempotency"
	"github.com/mbd888/clearing-core/internal/ledgercore"
	"github.com/mbd888/clearing-core/internal/money"
	"github.com/mbd888/clearing-core/internal/storage"
)

func newTestDriver() (*Driver, *ledgercore.Ledger, storage.Adapter) {
	db := storage.NewMemoryAdapter()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	bus := eventbus.New(logger)
	idem := idempotency.New(db)
	ledger := ledgercore.New(db, bus, idem, ledgercore.DefaultConfig(), logger)
	return New(db, ledger, bus, logger), ledger, db
}

func seedAccount(t *testing.T, l *ledgercore.Ledger, ctx context.Context, id, balance string) {
	t.Helper()
	require.NoError(t, l.CreateAccount(ctx, &storage.Account{
		ID: id, Balance: money.MustNew(balance), Roles: []storage.Role{storage.RoleConsumer},
	}))
}

func TestDriver_CreateIntervalPaymentExecutesAndReschedules(t *testing.T) {
	d, l, db := newTestDriver()
	ctx := context.Background()
	seedAccount(t, l, ctx, "A", "100")
	seedAccount(t, l, ctx, "B", "0")

	p := &storage.ScheduledPayment{
		From: "A", To: "B", Amount: money.MustNew("10"), Enabled: true,
		Schedule: storage.Schedule{Kind: storage.ScheduleInterval, IntervalMs: int64(time.Minute / time.Millisecond)},
	}
	require.NoError(t, d.Create(ctx, p))
	assert.Equal(t, storage.PaymentActive, p.Status)

	tx, err := d.ExecuteNow(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, "10.00000000", tx.Amount.String())

	stored, err := db.GetScheduledPayment(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, stored.ExecutionCount)
	assert.Equal(t, storage.PaymentActive, stored.Status)

	b, _ := db.GetAccount(ctx, "B")
	assert.Equal(t, "10.00000000", b.Balance.String())
}

func TestDriver_ExecuteNowIsIdempotentPerExecutionCount(t *testing.T) {
	d, l, _ := newTestDriver()
	ctx := context.Background()
	seedAccount(t, l, ctx, "A", "100")
	seedAccount(t, l, ctx, "B", "0")

	p := &storage.ScheduledPayment{
		From: "A", To: "B", Amount: money.MustNew("10"), Enabled: true,
		Schedule: storage.Schedule{Kind: storage.ScheduleInterval, IntervalMs: int64(time.Minute / time.Millisecond)},
	}
	require.NoError(t, d.Create(ctx, p))

	first, err := d.ExecuteNow(ctx, p.ID)
	require.NoError(t, err)
	second, err := d.ExecuteNow(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID, "retrying the same execution count must replay, not double-transfer")
}

func TestDriver_FailureBacksOffThenFails(t *testing.T) {
	d, l, db := newTestDriver()
	d.WithMaxFailures(2)
	ctx := context.Background()
	seedAccount(t, l, ctx, "A", "5")
	seedAccount(t, l, ctx, "B", "0")

	p := &storage.ScheduledPayment{
		From: "A", To: "B", Amount: money.MustNew("50"), Enabled: true,
		Schedule: storage.Schedule{Kind: storage.ScheduleInterval, IntervalMs: int64(time.Minute / time.Millisecond)},
	}
	require.NoError(t, d.Create(ctx, p))

	_, err := d.ExecuteNow(ctx, p.ID)
	require.Error(t, err)
	stored, _ := db.GetScheduledPayment(ctx, p.ID)
	assert.Equal(t, 1, stored.FailureCount)
	assert.Equal(t, storage.PaymentActive, stored.Status)
	assert.True(t, stored.NextExecuteAt.After(time.Now()))

	_, err = d.ExecuteNow(ctx, p.ID)
	require.Error(t, err)
	stored, _ = db.GetScheduledPayment(ctx, p.ID)
	assert.Equal(t, 2, stored.FailureCount)
	assert.Equal(t, storage.PaymentFailed, stored.Status, "maxFailures consecutive failures must fail the payment outright")
}

func TestDriver_OneTimeCompletesAfterSingleExecution(t *testing.T) {
	d, l, db := newTestDriver()
	ctx := context.Background()
	seedAccount(t, l, ctx, "A", "100")
	seedAccount(t, l, ctx, "B", "0")

	at := time.Now().Add(time.Millisecond)
	p := &storage.ScheduledPayment{
		From: "A", To: "B", Amount: money.MustNew("25"), Enabled: true,
		Schedule: storage.Schedule{Kind: storage.ScheduleOneTime, ExecuteAt: &at},
	}
	require.NoError(t, d.Create(ctx, p))

	_, err := d.ExecuteNow(ctx, p.ID)
	require.NoError(t, err)

	stored, _ := db.GetScheduledPayment(ctx, p.ID)
	assert.Equal(t, storage.PaymentCompleted, stored.Status)
}

func TestDriver_PauseResumeCancelLifecycle(t *testing.T) {
	d, l, db := newTestDriver()
	ctx := context.Background()
	seedAccount(t, l, ctx, "A", "100")
	seedAccount(t, l, ctx, "B", "0")

	p := &storage.ScheduledPayment{
		From: "A", To: "B", Amount: money.MustNew("10"), Enabled: true,
		Schedule: storage.Schedule{Kind: storage.ScheduleDaily, Hour: 9, Minute: 0},
	}
	require.NoError(t, d.Create(ctx, p))

	require.NoError(t, d.Pause(ctx, p.ID))
	stored, _ := db.GetScheduledPayment(ctx, p.ID)
	assert.Equal(t, storage.PaymentPaused, stored.Status)

	require.NoError(t, d.Resume(ctx, p.ID))
	stored, _ = db.GetScheduledPayment(ctx, p.ID)
	assert.Equal(t, storage.PaymentActive, stored.Status)

	require.NoError(t, d.Cancel(ctx, p.ID))
	stored, _ = db.GetScheduledPayment(ctx, p.ID)
	assert.Equal(t, storage.PaymentCancelled, stored.Status)

	assert.Error(t, d.Cancel(ctx, p.ID), "cancelling a terminal payment again must fail")
}

func TestDriver_TickExecutesAllCurrentlyDuePayments(t *testing.T) {
	d, l, db := newTestDriver()
	ctx := context.Background()
	seedAccount(t, l, ctx, "A", "100")
	seedAccount(t, l, ctx, "B", "0")
	seedAccount(t, l, ctx, "C", "0")

	mkDue := func(to string) *storage.ScheduledPayment {
		p := &storage.ScheduledPayment{
			From: "A", To: to, Amount: money.MustNew("5"), Enabled: true,
			Schedule: storage.Schedule{Kind: storage.ScheduleInterval, IntervalMs: int64(time.Hour / time.Millisecond)},
		}
		require.NoError(t, d.Create(ctx, p))
		p.NextExecuteAt = time.Now().Add(-time.Second)
		require.NoError(t, db.UpdateScheduledPayment(ctx, p))
		return p
	}
	mkDue("B")
	mkDue("C")

	require.NoError(t, d.tick(ctx))

	b, _ := db.GetAccount(ctx, "B")
	c, _ := db.GetAccount(ctx, "C")
	assert.Equal(t, "5.00000000", b.Balance.String())
	assert.Equal(t, "5.00000000", c.Balance.String())
}
