package ledgercore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/clearing-core/internal/money"
	"github.com/mbd888/clearing-core/internal/storage"
)

func TestComputeNetSettlements_FoldsBidirectionalTransfers(t *testing.T) {
	settlements := ComputeNetSettlements([]PendingTransfer{
		{From: "A", To: "B", Amount: money.MustNew("5")},
		{From: "B", To: "A", Amount: money.MustNew("3")},
	})
	require.Len(t, settlements, 1)
	assert.Equal(t, "A", settlements[0].From)
	assert.Equal(t, "B", settlements[0].To)
	assert.True(t, settlements[0].Amount.Equal(money.MustNew("2")))
}

func TestComputeNetSettlements_NetsToZeroDropsThePair(t *testing.T) {
	settlements := ComputeNetSettlements([]PendingTransfer{
		{From: "A", To: "B", Amount: money.MustNew("10")},
		{From: "B", To: "A", Amount: money.MustNew("10")},
	})
	assert.Empty(t, settlements)
}

func TestComputeNetSettlements_IgnoresNonPositiveAmounts(t *testing.T) {
	settlements := ComputeNetSettlements([]PendingTransfer{
		{From: "A", To: "B", Amount: money.Zero},
	})
	assert.Empty(t, settlements)
}

func TestExecuteSettlement_ReplaysThroughTransfer(t *testing.T) {
	l, db := newTestLedger()
	ctx := context.Background()
	seedAccount(t, l, ctx, "A", "100")
	seedAccount(t, l, ctx, "B", "0")
	seedAccount(t, l, ctx, "C", "50")

	err := ExecuteSettlement(ctx, l, []NetSettlement{
		{From: "A", To: "B", Amount: money.MustNew("20")},
		{From: "C", To: "B", Amount: money.MustNew("15")},
	})
	require.NoError(t, err)

	a, _ := db.GetAccount(ctx, "A")
	b, _ := db.GetAccount(ctx, "B")
	c, _ := db.GetAccount(ctx, "C")
	assert.True(t, a.Balance.Equal(money.MustNew("80")))
	assert.True(t, b.Balance.Equal(money.MustNew("35")))
	assert.True(t, c.Balance.Equal(money.MustNew("35")))

	txs, err := l.ListTransactions(ctx, storage.TransactionFilter{})
	require.NoError(t, err)
	assert.Len(t, txs, 2)
}
