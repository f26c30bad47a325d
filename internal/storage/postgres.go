package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/lib/pq"

	"github.com/mbd888/clearing-core/internal/money"
)

// execer is satisfied by both *sql.DB and *sql.Tx, letting every query
// method below run unmodified whether or not it is inside a
// transaction.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// PostgresAdapter implements Adapter against a relational backend.
// Row-level locking for the balance primitives is done with
// SELECT ... FOR UPDATE inside the calling transaction; callers that
// invoke UpdateBalance/FreezeBalance/UnfreezeBalance outside of
// Transaction get an implicit single-statement transaction per call.
type PostgresAdapter struct {
	db   *sql.DB
	conn execer // db, or the *sql.Tx of the enclosing Transaction call
}

// NewPostgresAdapter wraps an open connection pool.
func NewPostgresAdapter(db *sql.DB) *PostgresAdapter {
	return &PostgresAdapter{db: db, conn: db}
}

func (p *PostgresAdapter) Close() error { return p.db.Close() }

type pgTxKey struct{}

// Transaction begins a *sql.Tx for the outermost call. A Transaction
// invoked from inside another (same ctx lineage) instead issues a
// SAVEPOINT/RELEASE pair, so escrow release-and-refund-style nested
// scopes roll back independently of their parent.
func (p *PostgresAdapter) Transaction(ctx context.Context, fn func(ctx context.Context, tx Adapter) error) error {
	if outer, ok := ctx.Value(pgTxKey{}).(*sql.Tx); ok {
		return p.nestedTransaction(ctx, outer, fn)
	}

	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return fmt.Errorf("storage: begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	nested := &PostgresAdapter{db: p.db, conn: tx}
	nestedCtx := context.WithValue(ctx, pgTxKey{}, tx)
	if err := fn(nestedCtx, nested); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("storage: commit transaction: %w", err)
	}
	return nil
}

var savepointSeq atomic.Int64

func (p *PostgresAdapter) nestedTransaction(ctx context.Context, tx *sql.Tx, fn func(ctx context.Context, tx Adapter) error) error {
	name := fmt.Sprintf("sp_%d", savepointSeq.Add(1))
	if _, err := tx.ExecContext(ctx, "SAVEPOINT "+name); err != nil {
		return fmt.Errorf("storage: savepoint: %w", err)
	}
	nested := &PostgresAdapter{db: p.db, conn: tx}
	if err := fn(ctx, nested); err != nil {
		_, _ = tx.ExecContext(ctx, "ROLLBACK TO SAVEPOINT "+name)
		return err
	}
	if _, err := tx.ExecContext(ctx, "RELEASE SAVEPOINT "+name); err != nil {
		return fmt.Errorf("storage: release savepoint: %w", err)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

func rolesToArray(roles []Role) pq.StringArray {
	out := make(pq.StringArray, len(roles))
	for i, r := range roles {
		out[i] = string(r)
	}
	return out
}

func arrayToRoles(arr pq.StringArray) []Role {
	out := make([]Role, len(arr))
	for i, r := range arr {
		out[i] = Role(r)
	}
	return out
}

func (p *PostgresAdapter) CreateAccount(ctx context.Context, a *Account) error {
	_, err := p.conn.ExecContext(ctx, `
		INSERT INTO accounts (
			id, name, owner_id, api_key, balance, frozen_balance, roles,
			status, credit_limit, credit_used, tags, created_at, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
	`, a.ID, a.Name, nullableString(a.OwnerID), a.APIKey, a.Balance, a.FrozenBalance,
		rolesToArray(a.Roles), a.Status, a.CreditLimit, a.CreditUsed,
		pq.StringArray(a.Tags), a.CreatedAt, a.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrAlreadyExists
		}
		return fmt.Errorf("storage: create account: %w", err)
	}
	return nil
}

func (p *PostgresAdapter) scanAccount(row *sql.Row) (*Account, error) {
	a := &Account{}
	var ownerID sql.NullString
	var roles, tags pq.StringArray
	err := row.Scan(&a.ID, &a.Name, &ownerID, &a.APIKey, &a.Balance, &a.FrozenBalance,
		&roles, &a.Status, &a.CreditLimit, &a.CreditUsed, &tags, &a.CreatedAt, &a.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("storage: scan account: %w", err)
	}
	a.OwnerID = ownerID.String
	a.Roles = arrayToRoles(roles)
	a.Tags = []string(tags)
	return a, nil
}

const accountColumns = `id, name, owner_id, api_key, balance, frozen_balance, roles, status, credit_limit, credit_used, tags, created_at, updated_at`

func (p *PostgresAdapter) GetAccount(ctx context.Context, id string) (*Account, error) {
	row := p.conn.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id = $1`, id)
	return p.scanAccount(row)
}

func (p *PostgresAdapter) GetAccountByAPIKey(ctx context.Context, apiKey string) (*Account, error) {
	row := p.conn.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM accounts WHERE api_key = $1`, apiKey)
	return p.scanAccount(row)
}

func (p *PostgresAdapter) ListAccountsByOwner(ctx context.Context, ownerID string) ([]*Account, error) {
	rows, err := p.conn.QueryContext(ctx, `SELECT `+accountColumns+` FROM accounts WHERE owner_id = $1 ORDER BY created_at`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("storage: list accounts by owner: %w", err)
	}
	defer rows.Close()
	return p.scanAccountRows(rows)
}

func (p *PostgresAdapter) ListAccounts(ctx context.Context, filter AccountFilter) ([]*Account, error) {
	query := `SELECT ` + accountColumns + ` FROM accounts WHERE 1=1`
	var args []interface{}
	n := 1
	if filter.Status != "" {
		query += fmt.Sprintf(" AND status = $%d", n)
		args = append(args, filter.Status)
		n++
	}
	if filter.Role != "" {
		query += fmt.Sprintf(" AND $%d = ANY(roles)", n)
		args = append(args, string(filter.Role))
		n++
	}
	if filter.Tag != "" {
		query += fmt.Sprintf(" AND $%d = ANY(tags)", n)
		args = append(args, filter.Tag)
		n++
	}
	query += " ORDER BY created_at"

	rows, err := p.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("storage: list accounts: %w", err)
	}
	defer rows.Close()
	return p.scanAccountRows(rows)
}

func (p *PostgresAdapter) scanAccountRows(rows *sql.Rows) ([]*Account, error) {
	var out []*Account
	for rows.Next() {
		a := &Account{}
		var ownerID sql.NullString
		var roles, tags pq.StringArray
		if err := rows.Scan(&a.ID, &a.Name, &ownerID, &a.APIKey, &a.Balance, &a.FrozenBalance,
			&roles, &a.Status, &a.CreditLimit, &a.CreditUsed, &tags, &a.CreatedAt, &a.UpdatedAt); err != nil {
			return nil, fmt.Errorf("storage: scan account row: %w", err)
		}
		a.OwnerID = ownerID.String
		a.Roles = arrayToRoles(roles)
		a.Tags = []string(tags)
		out = append(out, a)
	}
	return out, rows.Err()
}

func (p *PostgresAdapter) UpdateAccount(ctx context.Context, a *Account) error {
	result, err := p.conn.ExecContext(ctx, `
		UPDATE accounts SET
			name = $2, owner_id = $3, api_key = $4, balance = $5, frozen_balance = $6,
			roles = $7, status = $8, credit_limit = $9, credit_used = $10, tags = $11,
			updated_at = $12
		WHERE id = $1
	`, a.ID, a.Name, nullableString(a.OwnerID), a.APIKey, a.Balance, a.FrozenBalance,
		rolesToArray(a.Roles), a.Status, a.CreditLimit, a.CreditUsed, pq.StringArray(a.Tags), a.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrAlreadyExists
		}
		return fmt.Errorf("storage: update account: %w", err)
	}
	return requireRowsAffected(result)
}

func (p *PostgresAdapter) DeleteAccount(ctx context.Context, id string) error {
	result, err := p.conn.ExecContext(ctx, `DELETE FROM accounts WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("storage: delete account: %w", err)
	}
	return requireRowsAffected(result)
}

func requireRowsAffected(result sql.Result) error {
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("storage: rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func nullableString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// UpdateBalance applies delta under a row lock. A debit (negative
// delta) larger than the current balance drains the balance to zero
// and draws the remainder from the account's credit line (credit_limit
// - credit_used) rather than failing outright, mirroring the teacher's
// credit-aware Debit. A credit (positive delta) never auto-repays an
// outstanding credit draw; only RepayCredit does that.
func (p *PostgresAdapter) UpdateBalance(ctx context.Context, id string, delta money.Money) (*Account, error) {
	var balance, creditLimit, creditUsed money.Money
	row := p.conn.QueryRowContext(ctx, `SELECT balance, credit_limit, credit_used FROM accounts WHERE id = $1 FOR UPDATE`, id)
	if err := row.Scan(&balance, &creditLimit, &creditUsed); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("storage: lock account: %w", err)
	}

	nextBalance := balance.Add(delta)
	nextCreditUsed := creditUsed
	if delta.IsNegative() {
		shortfall := money.Zero.Sub(delta).Sub(balance)
		if shortfall.IsPositive() {
			available := creditLimit.Sub(creditUsed)
			if shortfall.GreaterThan(available) {
				return nil, ErrInsufficientBalance
			}
			nextCreditUsed = creditUsed.Add(shortfall)
			nextBalance = money.Zero
		}
	}

	row = p.conn.QueryRowContext(ctx, `
		UPDATE accounts SET balance = $2, credit_used = $3, updated_at = NOW() WHERE id = $1
		RETURNING `+accountColumns, id, nextBalance, nextCreditUsed)
	return p.scanAccount(row)
}

func (p *PostgresAdapter) FreezeBalance(ctx context.Context, id string, amount money.Money) (*Account, error) {
	var balance money.Money
	row := p.conn.QueryRowContext(ctx, `SELECT balance FROM accounts WHERE id = $1 FOR UPDATE`, id)
	if err := row.Scan(&balance); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("storage: lock account: %w", err)
	}
	if balance.LessThan(amount) {
		return nil, ErrInsufficientBalance
	}
	row = p.conn.QueryRowContext(ctx, `
		UPDATE accounts SET balance = balance - $2, frozen_balance = frozen_balance + $2, updated_at = NOW()
		WHERE id = $1 RETURNING `+accountColumns, id, amount)
	return p.scanAccount(row)
}

func (p *PostgresAdapter) UnfreezeBalance(ctx context.Context, id string, amount money.Money) (*Account, error) {
	var frozen money.Money
	row := p.conn.QueryRowContext(ctx, `SELECT frozen_balance FROM accounts WHERE id = $1 FOR UPDATE`, id)
	if err := row.Scan(&frozen); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("storage: lock account: %w", err)
	}
	if frozen.LessThan(amount) {
		return nil, ErrInsufficientFrozen
	}
	row = p.conn.QueryRowContext(ctx, `
		UPDATE accounts SET frozen_balance = frozen_balance - $2, balance = balance + $2, updated_at = NOW()
		WHERE id = $1 RETURNING `+accountColumns, id, amount)
	return p.scanAccount(row)
}

const txColumns = `id, from_account, to_account, amount, fee, type, status, initiated_by, escrow_id, batch_id, idempotency_key, meta, created_at, completed_at`

func (p *PostgresAdapter) CreateTransaction(ctx context.Context, t *Transaction) error {
	meta, err := encodeMeta(t.Meta)
	if err != nil {
		return err
	}
	_, err = p.conn.ExecContext(ctx, `
		INSERT INTO transactions (`+txColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
	`, t.ID, t.From, t.To, t.Amount, t.Fee, t.Type, t.Status, nullableString(t.InitiatedBy),
		nullableString(t.EscrowID), nullableString(t.BatchID), nullableString(t.IdempotencyKey),
		meta, t.CreatedAt, t.CompletedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrAlreadyExists
		}
		return fmt.Errorf("storage: create transaction: %w", err)
	}
	return nil
}

func (p *PostgresAdapter) scanTransaction(row *sql.Row) (*Transaction, error) {
	t := &Transaction{}
	var initiatedBy, escrowID, batchID, idemKey sql.NullString
	var meta []byte
	err := row.Scan(&t.ID, &t.From, &t.To, &t.Amount, &t.Fee, &t.Type, &t.Status,
		&initiatedBy, &escrowID, &batchID, &idemKey, &meta, &t.CreatedAt, &t.CompletedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("storage: scan transaction: %w", err)
	}
	t.InitiatedBy = initiatedBy.String
	t.EscrowID = escrowID.String
	t.BatchID = batchID.String
	t.IdempotencyKey = idemKey.String
	t.Meta = decodeMeta(meta)
	return t, nil
}

func (p *PostgresAdapter) GetTransaction(ctx context.Context, id string) (*Transaction, error) {
	row := p.conn.QueryRowContext(ctx, `SELECT `+txColumns+` FROM transactions WHERE id = $1`, id)
	return p.scanTransaction(row)
}

func (p *PostgresAdapter) ListTransactions(ctx context.Context, filter TransactionFilter) ([]*Transaction, error) {
	query := `SELECT ` + txColumns + ` FROM transactions WHERE 1=1`
	var args []interface{}
	n := 1
	if filter.AccountID != "" {
		query += fmt.Sprintf(" AND (from_account = $%d OR to_account = $%d)", n, n)
		args = append(args, filter.AccountID)
		n++
	}
	if filter.Type != "" {
		query += fmt.Sprintf(" AND type = $%d", n)
		args = append(args, filter.Type)
		n++
	}
	if filter.Status != "" {
		query += fmt.Sprintf(" AND status = $%d", n)
		args = append(args, filter.Status)
		n++
	}
	if !filter.From.IsZero() {
		query += fmt.Sprintf(" AND created_at >= $%d", n)
		args = append(args, filter.From)
		n++
	}
	if !filter.To.IsZero() {
		query += fmt.Sprintf(" AND created_at <= $%d", n)
		args = append(args, filter.To)
		n++
	}
	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", n)
		args = append(args, filter.Limit)
		n++
	}

	rows, err := p.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("storage: list transactions: %w", err)
	}
	defer rows.Close()

	var out []*Transaction
	for rows.Next() {
		t := &Transaction{}
		var initiatedBy, escrowID, batchID, idemKey sql.NullString
		var meta []byte
		if err := rows.Scan(&t.ID, &t.From, &t.To, &t.Amount, &t.Fee, &t.Type, &t.Status,
			&initiatedBy, &escrowID, &batchID, &idemKey, &meta, &t.CreatedAt, &t.CompletedAt); err != nil {
			return nil, fmt.Errorf("storage: scan transaction row: %w", err)
		}
		t.InitiatedBy = initiatedBy.String
		t.EscrowID = escrowID.String
		t.BatchID = batchID.String
		t.IdempotencyKey = idemKey.String
		t.Meta = decodeMeta(meta)
		out = append(out, t)
	}
	return out, rows.Err()
}

func (p *PostgresAdapter) UpdateTransaction(ctx context.Context, t *Transaction) error {
	meta, err := encodeMeta(t.Meta)
	if err != nil {
		return err
	}
	result, err := p.conn.ExecContext(ctx, `
		UPDATE transactions SET status = $2, completed_at = $3, meta = $4 WHERE id = $1
	`, t.ID, t.Status, t.CompletedAt, meta)
	if err != nil {
		return fmt.Errorf("storage: update transaction: %w", err)
	}
	return requireRowsAffected(result)
}

func (p *PostgresAdapter) CreateBalanceOperation(ctx context.Context, op *BalanceOperation) error {
	_, err := p.conn.ExecContext(ctx, `
		INSERT INTO balance_operations (id, account_id, type, amount, balance_after, reason, transaction_id, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`, op.ID, op.AccountID, op.Type, op.Amount, op.BalanceAfter, nullableString(op.Reason),
		nullableString(op.TransactionID), op.CreatedAt)
	if err != nil {
		return fmt.Errorf("storage: create balance operation: %w", err)
	}
	return nil
}

func (p *PostgresAdapter) ListBalanceOperations(ctx context.Context, accountID string, limit int) ([]*BalanceOperation, error) {
	query := `SELECT id, account_id, type, amount, balance_after, reason, transaction_id, created_at
		FROM balance_operations WHERE account_id = $1 ORDER BY created_at DESC`
	args := []interface{}{accountID}
	if limit > 0 {
		query += " LIMIT $2"
		args = append(args, limit)
	}
	rows, err := p.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("storage: list balance operations: %w", err)
	}
	defer rows.Close()

	var out []*BalanceOperation
	for rows.Next() {
		op := &BalanceOperation{}
		var reason, txID sql.NullString
		if err := rows.Scan(&op.ID, &op.AccountID, &op.Type, &op.Amount, &op.BalanceAfter, &reason, &txID, &op.CreatedAt); err != nil {
			return nil, fmt.Errorf("storage: scan balance operation: %w", err)
		}
		op.Reason = reason.String
		op.TransactionID = txID.String
		out = append(out, op)
	}
	return out, rows.Err()
}

const escrowColumns = `id, from_account, to_account, amount, status, condition, expires_at, transaction_id, created_at, updated_at`

func (p *PostgresAdapter) CreateEscrow(ctx context.Context, e *Escrow) error {
	_, err := p.conn.ExecContext(ctx, `
		INSERT INTO escrows (`+escrowColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
	`, e.ID, e.From, e.To, e.Amount, e.Status, nullableString(e.Condition), e.ExpiresAt,
		nullableString(e.TransactionID), e.CreatedAt, e.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrAlreadyExists
		}
		return fmt.Errorf("storage: create escrow: %w", err)
	}
	return nil
}

func scanEscrow(row *sql.Row) (*Escrow, error) {
	e := &Escrow{}
	var condition, txID sql.NullString
	err := row.Scan(&e.ID, &e.From, &e.To, &e.Amount, &e.Status, &condition, &e.ExpiresAt, &txID, &e.CreatedAt, &e.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("storage: scan escrow: %w", err)
	}
	e.Condition = condition.String
	e.TransactionID = txID.String
	return e, nil
}

func (p *PostgresAdapter) GetEscrow(ctx context.Context, id string) (*Escrow, error) {
	row := p.conn.QueryRowContext(ctx, `SELECT `+escrowColumns+` FROM escrows WHERE id = $1 FOR UPDATE`, id)
	return scanEscrow(row)
}

func (p *PostgresAdapter) UpdateEscrow(ctx context.Context, e *Escrow) error {
	result, err := p.conn.ExecContext(ctx, `
		UPDATE escrows SET status = $2, transaction_id = $3, updated_at = $4 WHERE id = $1
	`, e.ID, e.Status, nullableString(e.TransactionID), e.UpdatedAt)
	if err != nil {
		return fmt.Errorf("storage: update escrow: %w", err)
	}
	return requireRowsAffected(result)
}

func (p *PostgresAdapter) ListEscrows(ctx context.Context, status EscrowStatus) ([]*Escrow, error) {
	query := `SELECT ` + escrowColumns + ` FROM escrows WHERE 1=1`
	var args []interface{}
	if status != "" {
		query += " AND status = $1"
		args = append(args, status)
	}
	query += " ORDER BY created_at"
	return p.queryEscrows(ctx, query, args...)
}

func (p *PostgresAdapter) ListDueEscrows(ctx context.Context, before time.Time) ([]*Escrow, error) {
	return p.queryEscrows(ctx, `SELECT `+escrowColumns+` FROM escrows
		WHERE status = 'pending' AND expires_at IS NOT NULL AND expires_at <= $1
		ORDER BY expires_at FOR UPDATE`, before)
}

func (p *PostgresAdapter) queryEscrows(ctx context.Context, query string, args ...interface{}) ([]*Escrow, error) {
	rows, err := p.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("storage: query escrows: %w", err)
	}
	defer rows.Close()

	var out []*Escrow
	for rows.Next() {
		e := &Escrow{}
		var condition, txID sql.NullString
		if err := rows.Scan(&e.ID, &e.From, &e.To, &e.Amount, &e.Status, &condition, &e.ExpiresAt, &txID, &e.CreatedAt, &e.UpdatedAt); err != nil {
			return nil, fmt.Errorf("storage: scan escrow row: %w", err)
		}
		e.Condition = condition.String
		e.TransactionID = txID.String
		out = append(out, e)
	}
	return out, rows.Err()
}

func (p *PostgresAdapter) CreateBatchTransfer(ctx context.Context, b *BatchTransfer) error {
	items, err := encodeItems(b.Items)
	if err != nil {
		return err
	}
	_, err = p.conn.ExecContext(ctx, `
		INSERT INTO batch_transfers (id, all_or_nothing, items, success_count, failed_count, total_amount, status, created_at, completed_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	`, b.ID, b.AllOrNothing, items, b.SuccessCount, b.FailedCount, b.TotalAmount, b.Status, b.CreatedAt, b.CompletedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrAlreadyExists
		}
		return fmt.Errorf("storage: create batch transfer: %w", err)
	}
	return nil
}

func (p *PostgresAdapter) GetBatchTransfer(ctx context.Context, id string) (*BatchTransfer, error) {
	row := p.conn.QueryRowContext(ctx, `
		SELECT id, all_or_nothing, items, success_count, failed_count, total_amount, status, created_at, completed_at
		FROM batch_transfers WHERE id = $1`, id)
	return scanBatchTransfer(row)
}

func scanBatchTransfer(row *sql.Row) (*BatchTransfer, error) {
	b := &BatchTransfer{}
	var items []byte
	err := row.Scan(&b.ID, &b.AllOrNothing, &items, &b.SuccessCount, &b.FailedCount, &b.TotalAmount, &b.Status, &b.CreatedAt, &b.CompletedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("storage: scan batch transfer: %w", err)
	}
	b.Items = decodeItems(items)
	return b, nil
}

func (p *PostgresAdapter) UpdateBatchTransfer(ctx context.Context, b *BatchTransfer) error {
	items, err := encodeItems(b.Items)
	if err != nil {
		return err
	}
	result, err := p.conn.ExecContext(ctx, `
		UPDATE batch_transfers SET items = $2, success_count = $3, failed_count = $4, status = $5, completed_at = $6
		WHERE id = $1
	`, b.ID, items, b.SuccessCount, b.FailedCount, b.Status, b.CompletedAt)
	if err != nil {
		return fmt.Errorf("storage: update batch transfer: %w", err)
	}
	return requireRowsAffected(result)
}

func (p *PostgresAdapter) GetIdempotencyRecord(ctx context.Context, key string) (*IdempotencyRecord, error) {
	r := &IdempotencyRecord{}
	err := p.conn.QueryRowContext(ctx, `
		SELECT key, transaction_id, request_fingerprint, created_at FROM idempotency_records WHERE key = $1
	`, key).Scan(&r.Key, &r.TransactionID, &r.RequestFingerprint, &r.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("storage: get idempotency record: %w", err)
	}
	return r, nil
}

func (p *PostgresAdapter) SaveIdempotencyRecord(ctx context.Context, r *IdempotencyRecord) error {
	_, err := p.conn.ExecContext(ctx, `
		INSERT INTO idempotency_records (key, transaction_id, request_fingerprint, created_at)
		VALUES ($1,$2,$3,$4)
	`, r.Key, r.TransactionID, r.RequestFingerprint, r.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrAlreadyExists
		}
		return fmt.Errorf("storage: save idempotency record: %w", err)
	}
	return nil
}

func (p *PostgresAdapter) PurgeIdempotencyRecordsBefore(ctx context.Context, cutoffUnixNano int64) (int, error) {
	cutoff := time.Unix(0, cutoffUnixNano)
	result, err := p.conn.ExecContext(ctx, `DELETE FROM idempotency_records WHERE created_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("storage: purge idempotency records: %w", err)
	}
	n, err := result.RowsAffected()
	return int(n), err
}

func (p *PostgresAdapter) AppendAuditLog(ctx context.Context, e *AuditLogEntry) error {
	changes, err := encodeChanges(e.Changes)
	if err != nil {
		return err
	}
	meta, err := encodeMeta(e.Meta)
	if err != nil {
		return err
	}
	return p.conn.QueryRowContext(ctx, `
		INSERT INTO audit_log (action, entity_type, entity_id, actor_id, changes, meta, timestamp)
		VALUES ($1,$2,$3,$4,$5,$6,$7) RETURNING id
	`, e.Action, e.EntityType, e.EntityID, nullableString(e.ActorID), changes, meta, e.Timestamp).Scan(&e.ID)
}

func (p *PostgresAdapter) QueryAuditLog(ctx context.Context, entityType, entityID string, limit int) ([]*AuditLogEntry, error) {
	query := `SELECT id, action, entity_type, entity_id, actor_id, changes, meta, timestamp FROM audit_log WHERE 1=1`
	var args []interface{}
	n := 1
	if entityType != "" {
		query += fmt.Sprintf(" AND entity_type = $%d", n)
		args = append(args, entityType)
		n++
	}
	if entityID != "" {
		query += fmt.Sprintf(" AND entity_id = $%d", n)
		args = append(args, entityID)
		n++
	}
	query += " ORDER BY timestamp DESC"
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", n)
		args = append(args, limit)
	}

	rows, err := p.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("storage: query audit log: %w", err)
	}
	defer rows.Close()

	var out []*AuditLogEntry
	for rows.Next() {
		e := &AuditLogEntry{}
		var actorID sql.NullString
		var changes, meta []byte
		if err := rows.Scan(&e.ID, &e.Action, &e.EntityType, &e.EntityID, &actorID, &changes, &meta, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("storage: scan audit log row: %w", err)
		}
		e.ActorID = actorID.String
		e.Changes = decodeChanges(changes)
		e.Meta = decodeMeta(meta)
		out = append(out, e)
	}
	return out, rows.Err()
}

const paymentColumns = `id, from_account, to_account, amount, type, meta, schedule, status, enabled,
	execution_count, failure_count, last_error, next_execute_at, max_executions, expires_at, created_at, updated_at`

func (p *PostgresAdapter) CreateScheduledPayment(ctx context.Context, sp *ScheduledPayment) error {
	meta, err := encodeMeta(sp.Meta)
	if err != nil {
		return err
	}
	schedule, err := encodeSchedule(sp.Schedule)
	if err != nil {
		return err
	}
	_, err = p.conn.ExecContext(ctx, `
		INSERT INTO scheduled_payments (`+paymentColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)
	`, sp.ID, sp.From, sp.To, sp.Amount, nullableString(sp.Type), meta, schedule, sp.Status, sp.Enabled,
		sp.ExecutionCount, sp.FailureCount, nullableString(sp.LastError), sp.NextExecuteAt,
		nullableInt(sp.MaxExecutions), sp.ExpiresAt, sp.CreatedAt, sp.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrAlreadyExists
		}
		return fmt.Errorf("storage: create scheduled payment: %w", err)
	}
	return nil
}

func scanScheduledPayment(row *sql.Row) (*ScheduledPayment, error) {
	sp := &ScheduledPayment{}
	var typ, lastError sql.NullString
	var meta, schedule []byte
	var maxExecutions sql.NullInt64
	err := row.Scan(&sp.ID, &sp.From, &sp.To, &sp.Amount, &typ, &meta, &schedule, &sp.Status, &sp.Enabled,
		&sp.ExecutionCount, &sp.FailureCount, &lastError, &sp.NextExecuteAt, &maxExecutions, &sp.ExpiresAt,
		&sp.CreatedAt, &sp.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("storage: scan scheduled payment: %w", err)
	}
	sp.Type = typ.String
	sp.LastError = lastError.String
	sp.Meta = decodeMeta(meta)
	sp.MaxExecutions = int(maxExecutions.Int64)
	if s, err := decodeSchedule(schedule); err == nil {
		sp.Schedule = s
	}
	return sp, nil
}

func (p *PostgresAdapter) GetScheduledPayment(ctx context.Context, id string) (*ScheduledPayment, error) {
	row := p.conn.QueryRowContext(ctx, `SELECT `+paymentColumns+` FROM scheduled_payments WHERE id = $1 FOR UPDATE`, id)
	return scanScheduledPayment(row)
}

func (p *PostgresAdapter) UpdateScheduledPayment(ctx context.Context, sp *ScheduledPayment) error {
	result, err := p.conn.ExecContext(ctx, `
		UPDATE scheduled_payments SET status = $2, enabled = $3, execution_count = $4, failure_count = $5,
			last_error = $6, next_execute_at = $7, updated_at = $8
		WHERE id = $1
	`, sp.ID, sp.Status, sp.Enabled, sp.ExecutionCount, sp.FailureCount, nullableString(sp.LastError),
		sp.NextExecuteAt, sp.UpdatedAt)
	if err != nil {
		return fmt.Errorf("storage: update scheduled payment: %w", err)
	}
	return requireRowsAffected(result)
}

func (p *PostgresAdapter) ListDuePayments(ctx context.Context, asOfUnixNano int64, limit int) ([]*ScheduledPayment, error) {
	asOf := time.Unix(0, asOfUnixNano)
	rows, err := p.conn.QueryContext(ctx, `
		SELECT `+paymentColumns+` FROM scheduled_payments
		WHERE status = 'active' AND next_execute_at <= $1
		ORDER BY next_execute_at LIMIT $2 FOR UPDATE SKIP LOCKED
	`, asOf, limit)
	if err != nil {
		return nil, fmt.Errorf("storage: list due payments: %w", err)
	}
	defer rows.Close()
	return scanScheduledPaymentRows(rows)
}

func (p *PostgresAdapter) ListScheduledPaymentsByAccount(ctx context.Context, accountID string) ([]*ScheduledPayment, error) {
	rows, err := p.conn.QueryContext(ctx, `
		SELECT `+paymentColumns+` FROM scheduled_payments WHERE from_account = $1 OR to_account = $1 ORDER BY created_at
	`, accountID)
	if err != nil {
		return nil, fmt.Errorf("storage: list scheduled payments: %w", err)
	}
	defer rows.Close()
	return scanScheduledPaymentRows(rows)
}

func scanScheduledPaymentRows(rows *sql.Rows) ([]*ScheduledPayment, error) {
	var out []*ScheduledPayment
	for rows.Next() {
		sp := &ScheduledPayment{}
		var typ, lastError sql.NullString
		var meta, schedule []byte
		var maxExecutions sql.NullInt64
		if err := rows.Scan(&sp.ID, &sp.From, &sp.To, &sp.Amount, &typ, &meta, &schedule, &sp.Status, &sp.Enabled,
			&sp.ExecutionCount, &sp.FailureCount, &lastError, &sp.NextExecuteAt, &maxExecutions, &sp.ExpiresAt,
			&sp.CreatedAt, &sp.UpdatedAt); err != nil {
			return nil, fmt.Errorf("storage: scan scheduled payment row: %w", err)
		}
		sp.Type = typ.String
		sp.LastError = lastError.String
		sp.Meta = decodeMeta(meta)
		sp.MaxExecutions = int(maxExecutions.Int64)
		if s, err := decodeSchedule(schedule); err == nil {
			sp.Schedule = s
		}
		out = append(out, sp)
	}
	return out, rows.Err()
}

func (p *PostgresAdapter) GetStatistics(ctx context.Context) (*Statistics, error) {
	s := &Statistics{}
	err := p.conn.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(SUM(balance), 0), COALESCE(SUM(frozen_balance), 0) FROM accounts
	`).Scan(&s.TotalAccounts, &s.TotalBalance, &s.TotalFrozenBalance)
	if err != nil {
		return nil, fmt.Errorf("storage: statistics accounts: %w", err)
	}
	err = p.conn.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(SUM(amount), 0) FROM transactions WHERE status = 'completed'
	`).Scan(&s.TotalTransactions, &s.TotalVolume)
	if err != nil {
		return nil, fmt.Errorf("storage: statistics transactions: %w", err)
	}
	err = p.conn.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(SUM(amount), 0) FROM escrows WHERE status = 'pending'
	`).Scan(&s.PendingEscrows, &s.PendingEscrowAmount)
	if err != nil {
		return nil, fmt.Errorf("storage: statistics escrows: %w", err)
	}
	return s, nil
}

func nullableInt(n int) interface{} {
	if n == 0 {
		return nil
	}
	return n
}
