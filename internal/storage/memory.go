package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/mbd888/clearing-core/internal/money"
)

// MemoryAdapter is an in-process Adapter for tests and single-node
// deployments. A single RWMutex guards the whole store; Transaction
// snapshots all state before running fn and restores it on error, so
// callers see the same all-or-nothing semantics as PostgresAdapter
// without needing a real nested-transaction implementation. Every
// accessor takes the lock itself (shared for reads, exclusive for
// writes) rather than trusting that every caller routed through
// Transaction first — GetAccount/GetEscrow and friends are called
// directly by ledgercore/escrowcore outside of any Transaction scope.
type MemoryAdapter struct {
	mu sync.RWMutex

	accounts      map[string]*Account
	byAPIKey      map[string]string // apiKey -> accountId
	transactions  map[string]*Transaction
	balanceOps    map[string][]*BalanceOperation
	escrows       map[string]*Escrow
	batches       map[string]*BatchTransfer
	idempotency   map[string]*IdempotencyRecord
	auditLog      []*AuditLogEntry
	payments      map[string]*ScheduledPayment
}

type memTxKey struct{}

// NewMemoryAdapter creates an empty in-memory adapter.
func NewMemoryAdapter() *MemoryAdapter {
	return &MemoryAdapter{
		accounts:     make(map[string]*Account),
		byAPIKey:     make(map[string]string),
		transactions: make(map[string]*Transaction),
		balanceOps:   make(map[string][]*BalanceOperation),
		escrows:      make(map[string]*Escrow),
		batches:      make(map[string]*BatchTransfer),
		idempotency:  make(map[string]*IdempotencyRecord),
		payments:     make(map[string]*ScheduledPayment),
	}
}

func (m *MemoryAdapter) Close() error { return nil }

// Transaction acquires the store mutex for the outermost call and
// holds it for the duration of fn, snapshotting all state first so an
// error returned by fn (at any nesting depth, since a nested
// Transaction call shares the same snapshot) restores the store to
// how it looked before the call. A nested Transaction call (one made
// from inside fn, carrying the same ctx) is detected via a context
// marker and reuses the outer snapshot instead of taking its own —
// mirroring a SAVEPOINT that rolls back only its own statements would
// need per-nesting-level snapshots, which MemoryAdapter does not
// implement. A failed nested call is not undone on its own: its writes
// are discarded only when its error reaches the top-level call, which
// then restores the whole snapshot.
func (m *MemoryAdapter) Transaction(ctx context.Context, fn func(ctx context.Context, tx Adapter) error) error {
	if ctx.Value(memTxKey{}) != nil {
		return fn(ctx, m)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	snapshot := m.snapshot()
	if err := fn(context.WithValue(ctx, memTxKey{}, true), m); err != nil {
		m.restore(snapshot)
		return err
	}
	return nil
}

// inTx reports whether ctx carries the Transaction marker, meaning the
// caller already holds m.mu for writing and a fresh lock would
// self-deadlock.
func inTx(ctx context.Context) bool {
	return ctx.Value(memTxKey{}) != nil
}

// rlock takes a shared lock unless the call is already nested inside
// a Transaction (which holds the exclusive lock for its duration).
func (m *MemoryAdapter) rlock(ctx context.Context) func() {
	if inTx(ctx) {
		return func() {}
	}
	m.mu.RLock()
	return m.mu.RUnlock
}

// wlock takes the exclusive lock unless the call is already nested
// inside a Transaction.
func (m *MemoryAdapter) wlock(ctx context.Context) func() {
	if inTx(ctx) {
		return func() {}
	}
	m.mu.Lock()
	return m.mu.Unlock
}

type memSnapshot struct {
	accounts     map[string]*Account
	byAPIKey     map[string]string
	transactions map[string]*Transaction
	balanceOps   map[string][]*BalanceOperation
	escrows      map[string]*Escrow
	batches      map[string]*BatchTransfer
	idempotency  map[string]*IdempotencyRecord
	auditLog     []*AuditLogEntry
	payments     map[string]*ScheduledPayment
}

func (m *MemoryAdapter) snapshot() memSnapshot {
	s := memSnapshot{
		accounts:     make(map[string]*Account, len(m.accounts)),
		byAPIKey:     make(map[string]string, len(m.byAPIKey)),
		transactions: make(map[string]*Transaction, len(m.transactions)),
		balanceOps:   make(map[string][]*BalanceOperation, len(m.balanceOps)),
		escrows:      make(map[string]*Escrow, len(m.escrows)),
		batches:      make(map[string]*BatchTransfer, len(m.batches)),
		idempotency:  make(map[string]*IdempotencyRecord, len(m.idempotency)),
		payments:     make(map[string]*ScheduledPayment, len(m.payments)),
	}
	for k, v := range m.accounts {
		s.accounts[k] = cloneAccount(v)
	}
	for k, v := range m.byAPIKey {
		s.byAPIKey[k] = v
	}
	for k, v := range m.transactions {
		cp := *v
		s.transactions[k] = &cp
	}
	for k, v := range m.balanceOps {
		s.balanceOps[k] = append([]*BalanceOperation(nil), v...)
	}
	for k, v := range m.escrows {
		cp := *v
		s.escrows[k] = &cp
	}
	for k, v := range m.batches {
		cp := *v
		cp.Items = append([]BatchItemResult(nil), v.Items...)
		s.batches[k] = &cp
	}
	for k, v := range m.idempotency {
		cp := *v
		s.idempotency[k] = &cp
	}
	s.auditLog = append([]*AuditLogEntry(nil), m.auditLog...)
	for k, v := range m.payments {
		cp := *v
		s.payments[k] = &cp
	}
	return s
}

func (m *MemoryAdapter) restore(s memSnapshot) {
	m.accounts = s.accounts
	m.byAPIKey = s.byAPIKey
	m.transactions = s.transactions
	m.balanceOps = s.balanceOps
	m.escrows = s.escrows
	m.batches = s.batches
	m.idempotency = s.idempotency
	m.auditLog = s.auditLog
	m.payments = s.payments
}

func cloneAccount(a *Account) *Account {
	cp := *a
	if a.Limits != nil {
		l := *a.Limits
		cp.Limits = &l
	}
	cp.Roles = append([]Role(nil), a.Roles...)
	cp.Tags = append([]string(nil), a.Tags...)
	if a.Metadata != nil {
		cp.Metadata = make(map[string]string, len(a.Metadata))
		for k, v := range a.Metadata {
			cp.Metadata[k] = v
		}
	}
	return &cp
}

func (m *MemoryAdapter) CreateAccount(ctx context.Context, a *Account) error {
	defer m.wlock(ctx)()
	if _, ok := m.accounts[a.ID]; ok {
		return ErrAlreadyExists
	}
	if a.APIKey != "" {
		if _, ok := m.byAPIKey[a.APIKey]; ok {
			return ErrAlreadyExists
		}
	}
	m.accounts[a.ID] = cloneAccount(a)
	if a.APIKey != "" {
		m.byAPIKey[a.APIKey] = a.ID
	}
	return nil
}

func (m *MemoryAdapter) GetAccount(ctx context.Context, id string) (*Account, error) {
	defer m.rlock(ctx)()
	return m.getAccountLocked(id)
}

func (m *MemoryAdapter) getAccountLocked(id string) (*Account, error) {
	a, ok := m.accounts[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneAccount(a), nil
}

func (m *MemoryAdapter) GetAccountByAPIKey(ctx context.Context, apiKey string) (*Account, error) {
	defer m.rlock(ctx)()
	id, ok := m.byAPIKey[apiKey]
	if !ok {
		return nil, ErrNotFound
	}
	return m.getAccountLocked(id)
}

func (m *MemoryAdapter) ListAccountsByOwner(ctx context.Context, ownerID string) ([]*Account, error) {
	defer m.rlock(ctx)()
	var out []*Account
	for _, a := range m.accounts {
		if a.OwnerID == ownerID {
			out = append(out, cloneAccount(a))
		}
	}
	sortAccounts(out)
	return out, nil
}

func (m *MemoryAdapter) ListAccounts(ctx context.Context, filter AccountFilter) ([]*Account, error) {
	defer m.rlock(ctx)()
	var out []*Account
	for _, a := range m.accounts {
		if filter.Status != "" && a.Status != filter.Status {
			continue
		}
		if filter.Role != "" && !a.HasRole(filter.Role) {
			continue
		}
		if filter.Tag != "" && !hasTag(a.Tags, filter.Tag) {
			continue
		}
		out = append(out, cloneAccount(a))
	}
	sortAccounts(out)
	return out, nil
}

func hasTag(tags []string, tag string) bool {
	for _, t := range tags {
		if t == tag {
			return true
		}
	}
	return false
}

func sortAccounts(out []*Account) {
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
}

func (m *MemoryAdapter) UpdateAccount(ctx context.Context, a *Account) error {
	defer m.wlock(ctx)()
	existing, ok := m.accounts[a.ID]
	if !ok {
		return ErrNotFound
	}
	if existing.APIKey != a.APIKey {
		if existing.APIKey != "" {
			delete(m.byAPIKey, existing.APIKey)
		}
		if a.APIKey != "" {
			m.byAPIKey[a.APIKey] = a.ID
		}
	}
	m.accounts[a.ID] = cloneAccount(a)
	return nil
}

func (m *MemoryAdapter) DeleteAccount(ctx context.Context, id string) error {
	defer m.wlock(ctx)()
	a, ok := m.accounts[id]
	if !ok {
		return ErrNotFound
	}
	if a.APIKey != "" {
		delete(m.byAPIKey, a.APIKey)
	}
	delete(m.accounts, id)
	return nil
}

// UpdateBalance applies delta. A debit (negative delta) larger than
// the current balance drains the balance to zero and draws the
// remainder from the account's credit line (creditLimit - creditUsed)
// rather than failing outright, mirroring the teacher's credit-aware
// Debit. A credit (positive delta) is a plain addition — it never
// auto-repays an outstanding credit draw; only RepayCredit does that.
func (m *MemoryAdapter) UpdateBalance(ctx context.Context, id string, delta money.Money) (*Account, error) {
	defer m.wlock(ctx)()
	a, ok := m.accounts[id]
	if !ok {
		return nil, ErrNotFound
	}
	if delta.IsNegative() {
		shortfall := money.Zero.Sub(delta).Sub(a.Balance)
		if shortfall.IsPositive() {
			available := a.CreditLimit.Sub(a.CreditUsed)
			if shortfall.GreaterThan(available) {
				return nil, ErrInsufficientBalance
			}
			a.CreditUsed = a.CreditUsed.Add(shortfall)
			a.Balance = money.Zero
			a.UpdatedAt = time.Now()
			return cloneAccount(a), nil
		}
	}
	a.Balance = a.Balance.Add(delta)
	a.UpdatedAt = time.Now()
	return cloneAccount(a), nil
}

func (m *MemoryAdapter) FreezeBalance(ctx context.Context, id string, amount money.Money) (*Account, error) {
	defer m.wlock(ctx)()
	a, ok := m.accounts[id]
	if !ok {
		return nil, ErrNotFound
	}
	if a.Balance.LessThan(amount) {
		return nil, ErrInsufficientBalance
	}
	a.Balance = a.Balance.Sub(amount)
	a.FrozenBalance = a.FrozenBalance.Add(amount)
	a.UpdatedAt = time.Now()
	return cloneAccount(a), nil
}

func (m *MemoryAdapter) UnfreezeBalance(ctx context.Context, id string, amount money.Money) (*Account, error) {
	defer m.wlock(ctx)()
	a, ok := m.accounts[id]
	if !ok {
		return nil, ErrNotFound
	}
	if a.FrozenBalance.LessThan(amount) {
		return nil, ErrInsufficientFrozen
	}
	a.FrozenBalance = a.FrozenBalance.Sub(amount)
	a.Balance = a.Balance.Add(amount)
	a.UpdatedAt = time.Now()
	return cloneAccount(a), nil
}

func (m *MemoryAdapter) CreateTransaction(ctx context.Context, t *Transaction) error {
	defer m.wlock(ctx)()
	if _, ok := m.transactions[t.ID]; ok {
		return ErrAlreadyExists
	}
	cp := *t
	m.transactions[t.ID] = &cp
	return nil
}

func (m *MemoryAdapter) GetTransaction(ctx context.Context, id string) (*Transaction, error) {
	defer m.rlock(ctx)()
	t, ok := m.transactions[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *t
	return &cp, nil
}

func (m *MemoryAdapter) ListTransactions(ctx context.Context, filter TransactionFilter) ([]*Transaction, error) {
	defer m.rlock(ctx)()
	var out []*Transaction
	for _, t := range m.transactions {
		if filter.AccountID != "" && t.From != filter.AccountID && t.To != filter.AccountID {
			continue
		}
		if filter.Type != "" && t.Type != filter.Type {
			continue
		}
		if filter.Status != "" && t.Status != filter.Status {
			continue
		}
		if !filter.From.IsZero() && t.CreatedAt.Before(filter.From) {
			continue
		}
		if !filter.To.IsZero() && t.CreatedAt.After(filter.To) {
			continue
		}
		cp := *t
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (m *MemoryAdapter) UpdateTransaction(ctx context.Context, t *Transaction) error {
	defer m.wlock(ctx)()
	if _, ok := m.transactions[t.ID]; !ok {
		return ErrNotFound
	}
	cp := *t
	m.transactions[t.ID] = &cp
	return nil
}

func (m *MemoryAdapter) CreateBalanceOperation(ctx context.Context, op *BalanceOperation) error {
	defer m.wlock(ctx)()
	cp := *op
	m.balanceOps[op.AccountID] = append(m.balanceOps[op.AccountID], &cp)
	return nil
}

func (m *MemoryAdapter) ListBalanceOperations(ctx context.Context, accountID string, limit int) ([]*BalanceOperation, error) {
	defer m.rlock(ctx)()
	ops := m.balanceOps[accountID]
	out := make([]*BalanceOperation, len(ops))
	copy(out, ops)
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryAdapter) CreateEscrow(ctx context.Context, e *Escrow) error {
	defer m.wlock(ctx)()
	if _, ok := m.escrows[e.ID]; ok {
		return ErrAlreadyExists
	}
	cp := *e
	m.escrows[e.ID] = &cp
	return nil
}

func (m *MemoryAdapter) GetEscrow(ctx context.Context, id string) (*Escrow, error) {
	defer m.rlock(ctx)()
	e, ok := m.escrows[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *e
	return &cp, nil
}

func (m *MemoryAdapter) UpdateEscrow(ctx context.Context, e *Escrow) error {
	defer m.wlock(ctx)()
	if _, ok := m.escrows[e.ID]; !ok {
		return ErrNotFound
	}
	cp := *e
	m.escrows[e.ID] = &cp
	return nil
}

func (m *MemoryAdapter) ListEscrows(ctx context.Context, status EscrowStatus) ([]*Escrow, error) {
	defer m.rlock(ctx)()
	var out []*Escrow
	for _, e := range m.escrows {
		if status != "" && e.Status != status {
			continue
		}
		cp := *e
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryAdapter) ListDueEscrows(ctx context.Context, before time.Time) ([]*Escrow, error) {
	defer m.rlock(ctx)()
	var out []*Escrow
	for _, e := range m.escrows {
		if e.Status != EscrowPending || e.ExpiresAt == nil {
			continue
		}
		if e.ExpiresAt.After(before) {
			continue
		}
		cp := *e
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExpiresAt.Before(*out[j].ExpiresAt) })
	return out, nil
}

func (m *MemoryAdapter) CreateBatchTransfer(ctx context.Context, b *BatchTransfer) error {
	defer m.wlock(ctx)()
	if _, ok := m.batches[b.ID]; ok {
		return ErrAlreadyExists
	}
	cp := *b
	cp.Items = append([]BatchItemResult(nil), b.Items...)
	m.batches[b.ID] = &cp
	return nil
}

func (m *MemoryAdapter) GetBatchTransfer(ctx context.Context, id string) (*BatchTransfer, error) {
	defer m.rlock(ctx)()
	b, ok := m.batches[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *b
	cp.Items = append([]BatchItemResult(nil), b.Items...)
	return &cp, nil
}

func (m *MemoryAdapter) UpdateBatchTransfer(ctx context.Context, b *BatchTransfer) error {
	defer m.wlock(ctx)()
	if _, ok := m.batches[b.ID]; !ok {
		return ErrNotFound
	}
	cp := *b
	cp.Items = append([]BatchItemResult(nil), b.Items...)
	m.batches[b.ID] = &cp
	return nil
}

func (m *MemoryAdapter) GetIdempotencyRecord(ctx context.Context, key string) (*IdempotencyRecord, error) {
	defer m.rlock(ctx)()
	r, ok := m.idempotency[key]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (m *MemoryAdapter) SaveIdempotencyRecord(ctx context.Context, r *IdempotencyRecord) error {
	defer m.wlock(ctx)()
	if _, ok := m.idempotency[r.Key]; ok {
		return ErrAlreadyExists
	}
	cp := *r
	m.idempotency[r.Key] = &cp
	return nil
}

func (m *MemoryAdapter) PurgeIdempotencyRecordsBefore(ctx context.Context, cutoffUnixNano int64) (int, error) {
	defer m.wlock(ctx)()
	n := 0
	for k, r := range m.idempotency {
		if r.CreatedAt.UnixNano() < cutoffUnixNano {
			delete(m.idempotency, k)
			n++
		}
	}
	return n, nil
}

func (m *MemoryAdapter) AppendAuditLog(ctx context.Context, e *AuditLogEntry) error {
	defer m.wlock(ctx)()
	cp := *e
	cp.ID = int64(len(m.auditLog) + 1)
	m.auditLog = append(m.auditLog, &cp)
	return nil
}

func (m *MemoryAdapter) QueryAuditLog(ctx context.Context, entityType, entityID string, limit int) ([]*AuditLogEntry, error) {
	defer m.rlock(ctx)()
	var out []*AuditLogEntry
	for _, e := range m.auditLog {
		if entityType != "" && e.EntityType != entityType {
			continue
		}
		if entityID != "" && e.EntityID != entityID {
			continue
		}
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryAdapter) CreateScheduledPayment(ctx context.Context, p *ScheduledPayment) error {
	defer m.wlock(ctx)()
	if _, ok := m.payments[p.ID]; ok {
		return ErrAlreadyExists
	}
	cp := *p
	m.payments[p.ID] = &cp
	return nil
}

func (m *MemoryAdapter) GetScheduledPayment(ctx context.Context, id string) (*ScheduledPayment, error) {
	defer m.rlock(ctx)()
	p, ok := m.payments[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (m *MemoryAdapter) UpdateScheduledPayment(ctx context.Context, p *ScheduledPayment) error {
	defer m.wlock(ctx)()
	if _, ok := m.payments[p.ID]; !ok {
		return ErrNotFound
	}
	cp := *p
	m.payments[p.ID] = &cp
	return nil
}

func (m *MemoryAdapter) ListDuePayments(ctx context.Context, asOfUnixNano int64, limit int) ([]*ScheduledPayment, error) {
	defer m.rlock(ctx)()
	var out []*ScheduledPayment
	for _, p := range m.payments {
		if p.Status != PaymentActive {
			continue
		}
		if p.NextExecuteAt.UnixNano() > asOfUnixNano {
			continue
		}
		cp := *p
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NextExecuteAt.Before(out[j].NextExecuteAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryAdapter) ListScheduledPaymentsByAccount(ctx context.Context, accountID string) ([]*ScheduledPayment, error) {
	defer m.rlock(ctx)()
	var out []*ScheduledPayment
	for _, p := range m.payments {
		if p.From == accountID || p.To == accountID {
			cp := *p
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryAdapter) GetStatistics(ctx context.Context) (*Statistics, error) {
	defer m.rlock(ctx)()
	stats := &Statistics{
		TotalBalance:        money.Zero,
		TotalFrozenBalance:  money.Zero,
		TotalVolume:         money.Zero,
		PendingEscrowAmount: money.Zero,
	}
	for _, a := range m.accounts {
		stats.TotalAccounts++
		stats.TotalBalance = stats.TotalBalance.Add(a.Balance)
		stats.TotalFrozenBalance = stats.TotalFrozenBalance.Add(a.FrozenBalance)
	}
	for _, t := range m.transactions {
		if t.Status != TxCompleted {
			continue
		}
		stats.TotalTransactions++
		stats.TotalVolume = stats.TotalVolume.Add(t.Amount)
	}
	for _, e := range m.escrows {
		if e.Status != EscrowPending {
			continue
		}
		stats.PendingEscrows++
		stats.PendingEscrowAmount = stats.PendingEscrowAmount.Add(e.Amount)
	}
	return stats, nil
}
