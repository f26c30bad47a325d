package storage

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/clearing-core/internal/money"
)

func newTestAccount(id string) *Account {
	now := time.Now()
	return &Account{
		ID:        id,
		APIKey:    id + "_key",
		Balance:   money.MustNew("100"),
		Status:    AccountActive,
		Roles:     []Role{RoleConsumer},
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func TestMemoryAdapter_CreateAndGetAccount(t *testing.T) {
	ctx := context.Background()
	a := NewMemoryAdapter()

	acc := newTestAccount("acc_1")
	require.NoError(t, a.CreateAccount(ctx, acc))

	got, err := a.GetAccount(ctx, "acc_1")
	require.NoError(t, err)
	assert.True(t, got.Balance.Equal(money.MustNew("100")))

	err = a.CreateAccount(ctx, acc)
	assert.ErrorIs(t, err, ErrAlreadyExists)

	byKey, err := a.GetAccountByAPIKey(ctx, "acc_1_key")
	require.NoError(t, err)
	assert.Equal(t, "acc_1", byKey.ID)
}

func TestMemoryAdapter_UpdateBalanceRejectsOverdraw(t *testing.T) {
	ctx := context.Background()
	a := NewMemoryAdapter()
	require.NoError(t, a.CreateAccount(ctx, newTestAccount("acc_1")))

	_, err := a.UpdateBalance(ctx, "acc_1", money.MustNew("-150"))
	assert.ErrorIs(t, err, ErrInsufficientBalance)

	got, err := a.UpdateBalance(ctx, "acc_1", money.MustNew("-100"))
	require.NoError(t, err)
	assert.True(t, got.Balance.IsZero())
}

func TestMemoryAdapter_FreezeAndUnfreeze(t *testing.T) {
	ctx := context.Background()
	a := NewMemoryAdapter()
	require.NoError(t, a.CreateAccount(ctx, newTestAccount("acc_1")))

	got, err := a.FreezeBalance(ctx, "acc_1", money.MustNew("40"))
	require.NoError(t, err)
	assert.True(t, got.Balance.Equal(money.MustNew("60")))
	assert.True(t, got.FrozenBalance.Equal(money.MustNew("40")))

	_, err = a.FreezeBalance(ctx, "acc_1", money.MustNew("1000"))
	assert.ErrorIs(t, err, ErrInsufficientBalance)

	got, err = a.UnfreezeBalance(ctx, "acc_1", money.MustNew("40"))
	require.NoError(t, err)
	assert.True(t, got.Balance.Equal(money.MustNew("100")))
	assert.True(t, got.FrozenBalance.IsZero())

	_, err = a.UnfreezeBalance(ctx, "acc_1", money.MustNew("1"))
	assert.ErrorIs(t, err, ErrInsufficientFrozen)
}

func TestMemoryAdapter_NestedTransactionShareState(t *testing.T) {
	ctx := context.Background()
	a := NewMemoryAdapter()
	require.NoError(t, a.CreateAccount(ctx, newTestAccount("acc_1")))

	err := a.Transaction(ctx, func(ctx context.Context, tx Adapter) error {
		if _, err := tx.UpdateBalance(ctx, "acc_1", money.MustNew("-10")); err != nil {
			return err
		}
		return tx.Transaction(ctx, func(ctx context.Context, tx Adapter) error {
			_, err := tx.UpdateBalance(ctx, "acc_1", money.MustNew("-10"))
			return err
		})
	})
	require.NoError(t, err)

	got, err := a.GetAccount(ctx, "acc_1")
	require.NoError(t, err)
	assert.True(t, got.Balance.Equal(money.MustNew("80")))
}

func TestMemoryAdapter_TransactionRollsBackOnError(t *testing.T) {
	ctx := context.Background()
	a := NewMemoryAdapter()
	require.NoError(t, a.CreateAccount(ctx, newTestAccount("acc_1")))

	sentinel := assert.AnError
	err := a.Transaction(ctx, func(ctx context.Context, tx Adapter) error {
		_, _ = tx.UpdateBalance(ctx, "acc_1", money.MustNew("-10"))
		return sentinel
	})
	assert.ErrorIs(t, err, sentinel)

	got, err := a.GetAccount(ctx, "acc_1")
	require.NoError(t, err)
	assert.True(t, got.Balance.Equal(money.MustNew("100")))
}

func TestMemoryAdapter_Statistics(t *testing.T) {
	ctx := context.Background()
	a := NewMemoryAdapter()
	require.NoError(t, a.CreateAccount(ctx, newTestAccount("acc_1")))
	require.NoError(t, a.CreateAccount(ctx, newTestAccount("acc_2")))

	tx := &Transaction{
		ID: "tx_1", From: "acc_1", To: "acc_2",
		Amount: money.MustNew("25"), Status: TxCompleted, CreatedAt: time.Now(),
	}
	require.NoError(t, a.CreateTransaction(ctx, tx))

	stats, err := a.GetStatistics(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.TotalAccounts)
	assert.Equal(t, 1, stats.TotalTransactions)
	assert.True(t, stats.TotalVolume.Equal(money.MustNew("25")))
	assert.True(t, stats.TotalBalance.Equal(money.MustNew("200")))
}

func TestMemoryAdapter_UpdateBalanceDrawsOnCreditLine(t *testing.T) {
	ctx := context.Background()
	a := NewMemoryAdapter()
	acc := newTestAccount("acc_1")
	acc.CreditLimit = money.MustNew("50")
	require.NoError(t, a.CreateAccount(ctx, acc))

	got, err := a.UpdateBalance(ctx, "acc_1", money.MustNew("-130"))
	require.NoError(t, err)
	assert.True(t, got.Balance.IsZero())
	assert.True(t, got.CreditUsed.Equal(money.MustNew("30")))

	// A shortfall bigger than what's left on the line still fails.
	_, err = a.UpdateBalance(ctx, "acc_1", money.MustNew("-100"))
	assert.ErrorIs(t, err, ErrInsufficientBalance)
}

func TestMemoryAdapter_ConcurrentTransactionAndGetAccountDoNotRace(t *testing.T) {
	ctx := context.Background()
	a := NewMemoryAdapter()
	require.NoError(t, a.CreateAccount(ctx, newTestAccount("acc_1")))

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_ = a.Transaction(ctx, func(ctx context.Context, tx Adapter) error {
				_, err := tx.UpdateBalance(ctx, "acc_1", money.MustNew("1"))
				return err
			})
		}()
		go func() {
			defer wg.Done()
			_, _ = a.GetAccount(ctx, "acc_1")
		}()
	}
	wg.Wait()

	got, err := a.GetAccount(ctx, "acc_1")
	require.NoError(t, err)
	assert.True(t, got.Balance.Equal(money.MustNew("150")))
}
