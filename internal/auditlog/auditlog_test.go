package auditlog

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/clearing-core/internal/storage"
)

func TestLog_RecordAndQuery(t *testing.T) {
	db := storage.NewMemoryAdapter()
	l := New(db)

	ctx := WithActor(context.Background(), "acc_admin")
	ctx = WithRequestID(ctx, "req_1")

	err := l.Record(ctx, "ACCOUNT_FREEZE", "account", "acc_1", map[string]storage.Change{
		"status": Change("active", "frozen"),
	})
	require.NoError(t, err)

	entries, err := l.Query(ctx, "account", "acc_1", 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "acc_admin", entries[0].ActorID)
	assert.Equal(t, "req_1", entries[0].Meta["requestId"])
	assert.Equal(t, "frozen", entries[0].Changes["status"].After)
}

func TestLog_QueryFiltersByEntity(t *testing.T) {
	db := storage.NewMemoryAdapter()
	l := New(db)
	ctx := context.Background()

	require.NoError(t, l.Record(ctx, "CREATE", "account", "acc_1", nil))
	require.NoError(t, l.Record(ctx, "CREATE", "account", "acc_2", nil))

	entries, err := l.Query(ctx, "account", "acc_1", 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "acc_1", entries[0].EntityID)
}
