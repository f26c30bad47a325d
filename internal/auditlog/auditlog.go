// Package auditlog records an append-only trail of every ledger
// mutation, written inside the same storage transaction as the
// mutation itself so the two can never diverge. Adapted from the
// teacher's context-propagated actor idiom for its audit trail.
package auditlog

import (
	"context"
	"time"

	"github.com/mbd888/clearing-core/internal/storage"
)

type contextKey string

const (
	ctxActorID    contextKey = "audit_actor_id"
	ctxRequestID  contextKey = "audit_request_id"
)

// WithActor attaches the acting account's id to ctx for audit logging.
func WithActor(ctx context.Context, actorID string) context.Context {
	return context.WithValue(ctx, ctxActorID, actorID)
}

// WithRequestID attaches a request id for audit correlation.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, ctxRequestID, requestID)
}

func actorFromCtx(ctx context.Context) string {
	if v, ok := ctx.Value(ctxActorID).(string); ok {
		return v
	}
	return ""
}

func requestIDFromCtx(ctx context.Context) string {
	if v, ok := ctx.Value(ctxRequestID).(string); ok {
		return v
	}
	return ""
}

// Log appends entries through db, the storage.Adapter the caller is
// currently scoped to (ordinarily the tx handed into a
// storage.Adapter.Transaction callback, so the entry commits or rolls
// back with its mutation).
type Log struct {
	db storage.Adapter
}

// New wraps a storage.Adapter for audit writes and reads.
func New(db storage.Adapter) *Log {
	return &Log{db: db}
}

// Record appends one entry. actorID/requestID are read off ctx if
// present via WithActor/WithRequestID, so callers need not thread them
// through every call site explicitly.
func (l *Log) Record(ctx context.Context, action, entityType, entityID string, changes map[string]storage.Change) error {
	meta := map[string]string{}
	if reqID := requestIDFromCtx(ctx); reqID != "" {
		meta["requestId"] = reqID
	}
	return l.db.AppendAuditLog(ctx, &storage.AuditLogEntry{
		Action:     action,
		EntityType: entityType,
		EntityID:   entityID,
		ActorID:    actorFromCtx(ctx),
		Changes:    changes,
		Meta:       meta,
		Timestamp:  time.Now(),
	})
}

// Query reads entries filtered by entity, newest first.
func (l *Log) Query(ctx context.Context, entityType, entityID string, limit int) ([]*storage.AuditLogEntry, error) {
	return l.db.QueryAuditLog(ctx, entityType, entityID, limit)
}

// Change is a convenience constructor for a before/after field delta.
func Change(before, after string) storage.Change {
	return storage.Change{Before: before, After: after}
}
