package storage

import (
	"context"
	"time"

	"github.com/mbd888/clearing-core/internal/money"
)

// Adapter is the single capability surface every storage-backed
// component (ledger core, escrow engine, batch executor, scheduler)
// depends on. There is deliberately one interface, not one per entity:
// a component that needs accounts and transactions together (a
// transfer) must be able to do both inside the same Transaction call.
type Adapter interface {
	// Transaction runs fn inside a scoped unit of work. Calls made
	// through the Adapter passed to fn are part of the same
	// transaction; if fn returns an error the whole scope rolls back.
	// Transaction may be called from within fn (nested), in which case
	// the implementation establishes a savepoint rather than a new
	// top-level transaction.
	Transaction(ctx context.Context, fn func(ctx context.Context, tx Adapter) error) error

	// Accounts
	CreateAccount(ctx context.Context, a *Account) error
	GetAccount(ctx context.Context, id string) (*Account, error)
	GetAccountByAPIKey(ctx context.Context, apiKey string) (*Account, error)
	ListAccountsByOwner(ctx context.Context, ownerID string) ([]*Account, error)
	ListAccounts(ctx context.Context, filter AccountFilter) ([]*Account, error)
	UpdateAccount(ctx context.Context, a *Account) error
	DeleteAccount(ctx context.Context, id string) error

	// Balance primitives. All three must execute under row-level
	// exclusivity per account so concurrent operations on the same
	// account serialize instead of racing on a read-modify-write.
	UpdateBalance(ctx context.Context, id string, delta money.Money) (*Account, error)
	FreezeBalance(ctx context.Context, id string, amount money.Money) (*Account, error)
	UnfreezeBalance(ctx context.Context, id string, amount money.Money) (*Account, error)

	// Transactions
	CreateTransaction(ctx context.Context, t *Transaction) error
	GetTransaction(ctx context.Context, id string) (*Transaction, error)
	ListTransactions(ctx context.Context, filter TransactionFilter) ([]*Transaction, error)
	UpdateTransaction(ctx context.Context, t *Transaction) error

	// Balance operations (single-sided administrative adjustments)
	CreateBalanceOperation(ctx context.Context, op *BalanceOperation) error
	ListBalanceOperations(ctx context.Context, accountID string, limit int) ([]*BalanceOperation, error)

	// Escrows
	CreateEscrow(ctx context.Context, e *Escrow) error
	GetEscrow(ctx context.Context, id string) (*Escrow, error)
	UpdateEscrow(ctx context.Context, e *Escrow) error
	ListEscrows(ctx context.Context, status EscrowStatus) ([]*Escrow, error)
	ListDueEscrows(ctx context.Context, before time.Time) ([]*Escrow, error)

	// Batch transfers
	CreateBatchTransfer(ctx context.Context, b *BatchTransfer) error
	GetBatchTransfer(ctx context.Context, id string) (*BatchTransfer, error)
	UpdateBatchTransfer(ctx context.Context, b *BatchTransfer) error

	// Idempotency
	GetIdempotencyRecord(ctx context.Context, key string) (*IdempotencyRecord, error)
	SaveIdempotencyRecord(ctx context.Context, r *IdempotencyRecord) error
	PurgeIdempotencyRecordsBefore(ctx context.Context, cutoffUnixNano int64) (int, error)

	// Audit log
	AppendAuditLog(ctx context.Context, e *AuditLogEntry) error
	QueryAuditLog(ctx context.Context, entityType, entityID string, limit int) ([]*AuditLogEntry, error)

	// Scheduled payments
	CreateScheduledPayment(ctx context.Context, p *ScheduledPayment) error
	GetScheduledPayment(ctx context.Context, id string) (*ScheduledPayment, error)
	UpdateScheduledPayment(ctx context.Context, p *ScheduledPayment) error
	ListDuePayments(ctx context.Context, asOfUnixNano int64, limit int) ([]*ScheduledPayment, error)
	ListScheduledPaymentsByAccount(ctx context.Context, accountID string) ([]*ScheduledPayment, error)

	// Statistics
	GetStatistics(ctx context.Context) (*Statistics, error)

	// Close releases underlying resources (connection pool, etc).
	Close() error
}
