package ledgercore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/clearing-core/internal/money"
)

func TestSetCreditLimit_RequiresAdmin(t *testing.T) {
	l, _ := newTestLedger()
	ctx := context.Background()
	seedAccount(t, l, ctx, "A", "100")

	err := l.SetCreditLimit(ctx, "A", money.MustNew("50"), false)
	assert.Equal(t, ErrUnauthorized, Kind(err))

	require.NoError(t, l.SetCreditLimit(ctx, "A", money.MustNew("50"), true))
	info, err := l.GetCreditInfo(ctx, "A")
	require.NoError(t, err)
	assert.True(t, info.Limit.Equal(money.MustNew("50")))
	assert.True(t, info.Used.IsZero())
}

func TestDebit_DrawsOnCreditOnceBalanceExhausted(t *testing.T) {
	l, db := newTestLedger()
	ctx := context.Background()
	seedAccount(t, l, ctx, "A", "10")
	require.NoError(t, l.SetCreditLimit(ctx, "A", money.MustNew("50"), true))

	_, err := l.Debit(ctx, "A", money.MustNew("30"), "over-draw")
	require.NoError(t, err)

	a, err := db.GetAccount(ctx, "A")
	require.NoError(t, err)
	assert.True(t, a.Balance.IsZero())
	assert.True(t, a.CreditUsed.Equal(money.MustNew("20")))
}

func TestDebit_FailsWhenShortfallExceedsCreditLine(t *testing.T) {
	l, _ := newTestLedger()
	ctx := context.Background()
	seedAccount(t, l, ctx, "A", "10")
	require.NoError(t, l.SetCreditLimit(ctx, "A", money.MustNew("5"), true))

	_, err := l.Debit(ctx, "A", money.MustNew("30"), "too much")
	assert.Equal(t, ErrInsufficientFunds, Kind(err))
}

func TestUseCredit_DrawsDirectlyIntoBalance(t *testing.T) {
	l, db := newTestLedger()
	ctx := context.Background()
	seedAccount(t, l, ctx, "A", "0")
	require.NoError(t, l.SetCreditLimit(ctx, "A", money.MustNew("100"), true))

	tx, err := l.UseCredit(ctx, "A", money.MustNew("40"))
	require.NoError(t, err)
	assert.Equal(t, "CREDIT_DRAW", tx.Type)

	a, err := db.GetAccount(ctx, "A")
	require.NoError(t, err)
	assert.True(t, a.Balance.Equal(money.MustNew("40")))
	assert.True(t, a.CreditUsed.Equal(money.MustNew("40")))

	_, err = l.UseCredit(ctx, "A", money.MustNew("70"))
	assert.Equal(t, ErrInsufficientFunds, Kind(err))
}

func TestRepayCredit_ClampsToOutstandingUsage(t *testing.T) {
	l, db := newTestLedger()
	ctx := context.Background()
	seedAccount(t, l, ctx, "A", "10")
	require.NoError(t, l.SetCreditLimit(ctx, "A", money.MustNew("50"), true))

	_, err := l.Debit(ctx, "A", money.MustNew("30"), "draw")
	require.NoError(t, err)

	a, err := db.GetAccount(ctx, "A")
	require.NoError(t, err)
	require.True(t, a.CreditUsed.Equal(money.MustNew("20")))

	// Fund the account so it can repay, then repay more than is owed —
	// repayment should clamp to the outstanding 20, not go negative.
	_, err = l.Credit(ctx, "A", money.MustNew("100"), "top up")
	require.NoError(t, err)

	_, err = l.RepayCredit(ctx, "A", money.MustNew("1000"))
	require.NoError(t, err)

	a, err = db.GetAccount(ctx, "A")
	require.NoError(t, err)
	assert.True(t, a.CreditUsed.IsZero())
}

func TestRepayCredit_DepositAloneNeverReducesUsage(t *testing.T) {
	l, db := newTestLedger()
	ctx := context.Background()
	seedAccount(t, l, ctx, "A", "10")
	require.NoError(t, l.SetCreditLimit(ctx, "A", money.MustNew("50"), true))

	_, err := l.Debit(ctx, "A", money.MustNew("30"), "draw")
	require.NoError(t, err)

	_, err = l.Credit(ctx, "A", money.MustNew("100"), "deposit")
	require.NoError(t, err)

	a, err := db.GetAccount(ctx, "A")
	require.NoError(t, err)
	assert.True(t, a.CreditUsed.Equal(money.MustNew("20")), "a plain credit must not auto-repay the credit line")
}
