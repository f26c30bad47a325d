package storage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/clearing-core/internal/money"
	"github.com/mbd888/clearing-core/internal/testutil"
)

func TestPostgresAdapter_AccountLifecycle(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	a := NewPostgresAdapter(db)
	ctx := context.Background()

	acc := newTestAccount("acc_pg_1")
	require.NoError(t, a.CreateAccount(ctx, acc))

	got, err := a.GetAccount(ctx, "acc_pg_1")
	require.NoError(t, err)
	assert.True(t, got.Balance.Equal(money.MustNew("100")))

	got, err = a.FreezeBalance(ctx, "acc_pg_1", money.MustNew("30"))
	require.NoError(t, err)
	assert.True(t, got.Balance.Equal(money.MustNew("70")))
	assert.True(t, got.FrozenBalance.Equal(money.MustNew("30")))

	require.NoError(t, a.DeleteAccount(ctx, "acc_pg_1"))
	_, err = a.GetAccount(ctx, "acc_pg_1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPostgresAdapter_TransactionRollsBackOnError(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	a := NewPostgresAdapter(db)
	ctx := context.Background()
	require.NoError(t, a.CreateAccount(ctx, newTestAccount("acc_pg_2")))

	sentinel := assert.AnError
	err := a.Transaction(ctx, func(ctx context.Context, tx Adapter) error {
		if _, err := tx.UpdateBalance(ctx, "acc_pg_2", money.MustNew("-10")); err != nil {
			return err
		}
		return sentinel
	})
	assert.ErrorIs(t, err, sentinel)

	got, err := a.GetAccount(ctx, "acc_pg_2")
	require.NoError(t, err)
	assert.True(t, got.Balance.Equal(money.MustNew("100")))
}

func TestPostgresAdapter_UpdateBalanceDrawsOnCreditLine(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	a := NewPostgresAdapter(db)
	ctx := context.Background()
	acc := newTestAccount("acc_pg_credit")
	acc.CreditLimit = money.MustNew("50")
	require.NoError(t, a.CreateAccount(ctx, acc))

	got, err := a.UpdateBalance(ctx, "acc_pg_credit", money.MustNew("-130"))
	require.NoError(t, err)
	assert.True(t, got.Balance.IsZero())
	assert.True(t, got.CreditUsed.Equal(money.MustNew("30")))

	_, err = a.UpdateBalance(ctx, "acc_pg_credit", money.MustNew("-100"))
	assert.ErrorIs(t, err, ErrInsufficientBalance)
}

func TestPostgresAdapter_NestedTransactionSavepointIsolation(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	a := NewPostgresAdapter(db)
	ctx := context.Background()
	require.NoError(t, a.CreateAccount(ctx, newTestAccount("acc_pg_3")))

	err := a.Transaction(ctx, func(ctx context.Context, tx Adapter) error {
		if _, err := tx.UpdateBalance(ctx, "acc_pg_3", money.MustNew("-10")); err != nil {
			return err
		}
		// The nested scope fails and rolls back to its own savepoint,
		// but must not undo the outer -10 once the outer commits.
		_ = tx.Transaction(ctx, func(ctx context.Context, tx Adapter) error {
			_, _ = tx.UpdateBalance(ctx, "acc_pg_3", money.MustNew("-1000"))
			return assert.AnError
		})
		return nil
	})
	require.NoError(t, err)

	got, err := a.GetAccount(ctx, "acc_pg_3")
	require.NoError(t, err)
	assert.True(t, got.Balance.Equal(money.MustNew("90")))
}

func TestPostgresAdapter_EscrowAndDuePoll(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	a := NewPostgresAdapter(db)
	ctx := context.Background()
	require.NoError(t, a.CreateAccount(ctx, newTestAccount("acc_pg_from")))
	require.NoError(t, a.CreateAccount(ctx, newTestAccount("acc_pg_to")))

	past := time.Now().Add(-time.Minute)
	esc := &Escrow{
		ID: "esc_1", From: "acc_pg_from", To: "acc_pg_to",
		Amount: money.MustNew("5"), Status: EscrowPending,
		ExpiresAt: &past, CreatedAt: time.Now(), UpdatedAt: time.Now(),
	}
	require.NoError(t, a.CreateEscrow(ctx, esc))

	due, err := a.ListDueEscrows(ctx, time.Now())
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, "esc_1", due[0].ID)
}
