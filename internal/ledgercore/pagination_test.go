package ledgercore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/clearing-core/internal/money"
	"github.com/mbd888/clearing-core/internal/storage"
)

func TestListTransactionsPage_WalksAllPagesWithoutGapsOrDupes(t *testing.T) {
	l, _ := newTestLedger()
	ctx := context.Background()
	seedAccount(t, l, ctx, "A", "1000")
	seedAccount(t, l, ctx, "B", "0")

	for i := 0; i < 9; i++ {
		_, err := l.Transfer(ctx, "A", "B", money.MustNew("1"), TransferOpts{})
		require.NoError(t, err)
		time.Sleep(time.Millisecond)
	}

	seen := map[string]bool{}
	cursor := ""
	pages := 0
	for {
		page, err := l.ListTransactionsPage(ctx, storage.TransactionFilter{AccountID: "A"}, cursor, 4)
		require.NoError(t, err)
		pages++
		for _, tx := range page.Transactions {
			assert.False(t, seen[tx.ID], "transaction %s returned twice across pages", tx.ID)
			seen[tx.ID] = true
		}
		if !page.HasMore {
			assert.Empty(t, page.NextCursor)
			break
		}
		require.NotEmpty(t, page.NextCursor)
		cursor = page.NextCursor
		require.Less(t, pages, 10, "pagination did not terminate")
	}

	assert.Len(t, seen, 9)
}

func TestListTransactionsPage_RejectsMalformedCursor(t *testing.T) {
	l, _ := newTestLedger()
	ctx := context.Background()

	_, err := l.ListTransactionsPage(ctx, storage.TransactionFilter{}, "not-a-valid-cursor!!", 10)
	require.Error(t, err)
	assert.Equal(t, ErrValidation, Kind(err))
}

func TestListTransactionsPage_EmptyResultHasNoNextCursor(t *testing.T) {
	l, _ := newTestLedger()
	ctx := context.Background()
	seedAccount(t, l, ctx, "A", "1000")

	page, err := l.ListTransactionsPage(ctx, storage.TransactionFilter{AccountID: "A"}, "", 10)
	require.NoError(t, err)
	assert.Empty(t, page.Transactions)
	assert.False(t, page.HasMore)
}
