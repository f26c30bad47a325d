// Package storage defines the capability surface every ledger
// component persists through, and two conforming implementations: an
// in-memory adapter for tests and single-process deployments, and a
// durable PostgreSQL adapter. Nothing above this package talks to a
// database or a map directly.
package storage

import (
	"time"

	"github.com/mbd888/clearing-core/internal/money"
)

// AccountStatus is the lifecycle state of an Account.
type AccountStatus string

const (
	AccountActive    AccountStatus = "active"
	AccountFrozen    AccountStatus = "frozen"
	AccountSuspended AccountStatus = "suspended"
	AccountClosed    AccountStatus = "closed"
)

// Role is a permission grant on an Account.
type Role string

const (
	RoleConsumer Role = "consumer"
	RoleProvider Role = "provider"
	RoleAdmin    Role = "admin"
	RoleOperator Role = "operator"
	RoleAuditor  Role = "auditor"
)

// Limits bounds what an account may move in a single transfer or day.
type Limits struct {
	MaxTransferAmount money.Money `json:"maxTransferAmount"`
	DailyTransferLimit money.Money `json:"dailyTransferLimit"`
	MinBalance        money.Money `json:"minBalance"`
}

// Account is the ledger's identity + balance record.
type Account struct {
	ID            string            `json:"accountId"`
	Name          string            `json:"name,omitempty"`
	OwnerID       string            `json:"ownerId,omitempty"`
	APIKey        string            `json:"apiKey"`
	Balance       money.Money       `json:"balance"`
	FrozenBalance money.Money       `json:"frozenBalance"`
	Roles         []Role            `json:"roles"`
	Status        AccountStatus     `json:"status"`
	Limits        *Limits           `json:"limits,omitempty"`
	CreditLimit   money.Money       `json:"creditLimit"`
	CreditUsed    money.Money       `json:"creditUsed"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	Tags          []string          `json:"tags,omitempty"`
	CreatedAt     time.Time         `json:"createdAt"`
	UpdatedAt     time.Time         `json:"updatedAt"`
}

// HasRole reports whether the account carries the given role.
func (a *Account) HasRole(r Role) bool {
	for _, have := range a.Roles {
		if have == r {
			return true
		}
	}
	return false
}

// TransactionStatus is the lifecycle state of a Transaction.
type TransactionStatus string

const (
	TxPending   TransactionStatus = "pending"
	TxCompleted TransactionStatus = "completed"
	TxFailed    TransactionStatus = "failed"
	TxReversed  TransactionStatus = "reversed"
)

// Transaction is a completed or attempted movement of value.
type Transaction struct {
	ID             string            `json:"transactionId"`
	From           string            `json:"from"`
	To             string            `json:"to"`
	Amount         money.Money       `json:"amount"`
	Fee            money.Money       `json:"fee"`
	Type           string            `json:"type"`
	Status         TransactionStatus `json:"status"`
	InitiatedBy    string            `json:"initiatedBy,omitempty"`
	EscrowID       string            `json:"escrowId,omitempty"`
	BatchID        string            `json:"batchId,omitempty"`
	IdempotencyKey string            `json:"idempotencyKey,omitempty"`
	Meta           map[string]string `json:"meta,omitempty"`
	CreatedAt      time.Time         `json:"createdAt"`
	CompletedAt    *time.Time        `json:"completedAt,omitempty"`
}

// BalanceOperation records a single-side administrative credit/debit.
type BalanceOperation struct {
	ID            string      `json:"id"`
	AccountID     string      `json:"accountId"`
	Type          string      `json:"type"` // CREDIT or DEBIT
	Amount        money.Money `json:"amount"`
	BalanceAfter  money.Money `json:"balanceAfter"`
	Reason        string      `json:"reason,omitempty"`
	TransactionID string      `json:"transactionId,omitempty"`
	CreatedAt     time.Time   `json:"createdAt"`
}

// EscrowStatus is the lifecycle state of an Escrow.
type EscrowStatus string

const (
	EscrowPending   EscrowStatus = "pending"
	EscrowReleased  EscrowStatus = "released"
	EscrowRefunded  EscrowStatus = "refunded"
	EscrowExpired   EscrowStatus = "expired"
	EscrowDisputed  EscrowStatus = "disputed"
)

// Escrow is value held-by-sender, earmarked-for-receiver.
type Escrow struct {
	ID            string       `json:"escrowId"`
	From          string       `json:"from"`
	To            string       `json:"to"`
	Amount        money.Money  `json:"amount"`
	Status        EscrowStatus `json:"status"`
	Condition     string       `json:"condition,omitempty"`
	ExpiresAt     *time.Time   `json:"expiresAt,omitempty"`
	TransactionID string       `json:"transactionId,omitempty"`
	CreatedAt     time.Time    `json:"createdAt"`
	UpdatedAt     time.Time    `json:"updatedAt"`
}

// BatchStatus is the aggregate outcome of a BatchTransfer.
type BatchStatus string

const (
	BatchCompleted BatchStatus = "completed"
	BatchPartial   BatchStatus = "partial"
	BatchFailed    BatchStatus = "failed"
)

// BatchTransferSpec is one child transfer request inside a batch.
type BatchTransferSpec struct {
	From           string            `json:"from"`
	To             string            `json:"to"`
	Amount         money.Money       `json:"amount"`
	Type           string            `json:"type,omitempty"`
	Memo           string            `json:"memo,omitempty"`
	IdempotencyKey string            `json:"idempotencyKey,omitempty"`
	Meta           map[string]string `json:"meta,omitempty"`
}

// BatchItemResult is the per-item outcome of executing a batch.
type BatchItemResult struct {
	Spec          BatchTransferSpec `json:"spec"`
	TransactionID string            `json:"transactionId,omitempty"`
	Error         string            `json:"error,omitempty"`
}

// BatchTransfer is the parent record for an executed batch.
type BatchTransfer struct {
	ID           string              `json:"batchId"`
	AllOrNothing bool                `json:"allOrNothing"`
	Items        []BatchItemResult   `json:"items"`
	SuccessCount int                 `json:"successCount"`
	FailedCount  int                 `json:"failedCount"`
	TotalAmount  money.Money         `json:"totalAmount"`
	Status       BatchStatus         `json:"status"`
	CreatedAt    time.Time           `json:"createdAt"`
	CompletedAt  *time.Time          `json:"completedAt,omitempty"`
}

// AuditLogEntry is an append-only record of a mutation.
type AuditLogEntry struct {
	ID         int64             `json:"id"`
	Action     string            `json:"action"`
	EntityType string            `json:"entityType"`
	EntityID   string            `json:"entityId"`
	ActorID    string            `json:"actorId,omitempty"`
	Changes    map[string]Change `json:"changes,omitempty"`
	Meta       map[string]string `json:"meta,omitempty"`
	Timestamp  time.Time         `json:"timestamp"`
}

// Change is a single before/after field delta recorded in an audit entry.
type Change struct {
	Before string `json:"before"`
	After  string `json:"after"`
}

// IdempotencyRecord maps a client-supplied key to the transaction it produced.
type IdempotencyRecord struct {
	Key                string    `json:"key"`
	TransactionID      string    `json:"transactionId"`
	RequestFingerprint string    `json:"requestFingerprint"`
	CreatedAt          time.Time `json:"createdAt"`
}

// ScheduleKind selects how ScheduledPayment.NextExecuteAt is computed.
type ScheduleKind string

const (
	ScheduleOneTime  ScheduleKind = "ONE_TIME"
	ScheduleInterval ScheduleKind = "INTERVAL"
	ScheduleDaily    ScheduleKind = "DAILY"
	ScheduleWeekly   ScheduleKind = "WEEKLY"
	ScheduleMonthly  ScheduleKind = "MONTHLY"
)

// Schedule is the cadence template driving a ScheduledPayment.
type Schedule struct {
	Kind       ScheduleKind `json:"kind"`
	ExecuteAt  *time.Time   `json:"executeAt,omitempty"`  // ONE_TIME
	IntervalMs int64        `json:"intervalMs,omitempty"` // INTERVAL
	Hour       int          `json:"hour,omitempty"`       // DAILY/WEEKLY/MONTHLY
	Minute     int          `json:"minute,omitempty"`
	DayOfWeek  time.Weekday `json:"dayOfWeek,omitempty"`  // WEEKLY
	DayOfMonth int          `json:"dayOfMonth,omitempty"` // MONTHLY
}

// PaymentStatus is the lifecycle state of a ScheduledPayment.
type PaymentStatus string

const (
	PaymentPending   PaymentStatus = "pending"
	PaymentActive    PaymentStatus = "active"
	PaymentPaused    PaymentStatus = "paused"
	PaymentCompleted PaymentStatus = "completed"
	PaymentExpired   PaymentStatus = "expired"
	PaymentFailed    PaymentStatus = "failed"
	PaymentCancelled PaymentStatus = "cancelled"
)

// ScheduledPayment is a recurring or one-shot transfer template.
type ScheduledPayment struct {
	ID             string            `json:"id"`
	From           string            `json:"from"`
	To             string            `json:"to"`
	Amount         money.Money       `json:"amount"`
	Type           string            `json:"type,omitempty"`
	Meta           map[string]string `json:"meta,omitempty"`
	Schedule       Schedule          `json:"schedule"`
	Status         PaymentStatus     `json:"status"`
	Enabled        bool              `json:"enabled"`
	ExecutionCount int               `json:"executionCount"`
	FailureCount   int               `json:"failureCount"`
	LastError      string            `json:"lastError,omitempty"`
	NextExecuteAt  time.Time         `json:"nextExecuteAt"`
	MaxExecutions  int               `json:"maxExecutions,omitempty"`
	ExpiresAt      *time.Time        `json:"expiresAt,omitempty"`
	CreatedAt      time.Time         `json:"createdAt"`
	UpdatedAt      time.Time         `json:"updatedAt"`
}

// IsTerminal reports whether the payment will never execute again.
func (p *ScheduledPayment) IsTerminal() bool {
	switch p.Status {
	case PaymentCompleted, PaymentExpired, PaymentFailed, PaymentCancelled:
		return true
	}
	return false
}

// AccountFilter narrows ListAccounts.
type AccountFilter struct {
	Status AccountStatus
	Role   Role
	Tag    string
}

// TransactionFilter narrows ListTransactions.
type TransactionFilter struct {
	AccountID string
	Type      string
	Status    TransactionStatus
	From      time.Time
	To        time.Time
	Limit     int
}

// TransactionPage is one cursor-paginated slice of ListTransactionsPage
// results, newest first.
type TransactionPage struct {
	Transactions []*Transaction
	NextCursor   string
	HasMore      bool
}

// Statistics is the aggregate read used by getStatistics.
type Statistics struct {
	TotalAccounts       int         `json:"totalAccounts"`
	TotalBalance        money.Money `json:"totalBalance"`
	TotalFrozenBalance  money.Money `json:"totalFrozenBalance"`
	TotalTransactions   int         `json:"totalTransactions"`
	TotalVolume         money.Money `json:"totalVolume"`
	PendingEscrows      int         `json:"pendingEscrows"`
	PendingEscrowAmount money.Money `json:"pendingEscrowAmount"`
}
