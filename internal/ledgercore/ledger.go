// Package ledgercore implements the clearing engine's account and
// transfer primitives: account CRUD, credit/debit, the canonical
// transfer algorithm, and the authorization table every other core
// component (escrow, batch, scheduler) builds on. Grounded on the
// teacher's internal/ledger package — same balance-then-event-then-
// audit shape — generalized from a single USDC balance per agent
// address to the full Account/Transaction model.
package ledgercore

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"strings"
	"time"

	"go.opentelemetry.io/otel/codes"

	"github.com/mbd888/clearing-core/internal/auditlog"
	"github.com/mbd888/clearing-core/internal/eventbus"
	"github.com/mbd888/clearing-core/internal/idempotency"
	"github.com/mbd888/clearing-core/internal/idgen"
	"github.com/mbd888/clearing-core/internal/money"
	"github.com/mbd888/clearing-core/internal/pagination"
	"github.com/mbd888/clearing-core/internal/storage"
	"github.com/mbd888/clearing-core/internal/traces"
)

// Config holds the ledger-wide policy knobs: transfer limits, fee
// calculation, and whether writes land in the audit log.
type Config struct {
	DefaultLimits  storage.Limits
	FeeCalculator  FeeCalculator
	FeeSinkAccount string // empty => fees are burned
	EnableAuditLog bool
}

// DefaultConfig returns the zero-fee policy the teacher ships: generous
// but finite limits (1,000,000 per transfer, 10,000,000 per day,
// minBalance 0), fees burned, audit on.
func DefaultConfig() Config {
	return Config{
		DefaultLimits: storage.Limits{
			MaxTransferAmount:  money.FromInt(1_000_000),
			DailyTransferLimit: money.FromInt(10_000_000),
			MinBalance:         money.Zero,
		},
		FeeCalculator:  NoFee,
		EnableAuditLog: true,
	}
}

// Ledger wires the storage adapter to the audit log, event bus, and
// idempotency store, and exposes the account/transfer operations
// every other core component (escrow, batch, scheduler) delegates to.
type Ledger struct {
	db     storage.Adapter
	audit  *auditlog.Log
	bus    *eventbus.Bus
	idem   *idempotency.Store
	cfg    Config
	logger *slog.Logger
}

// New builds a Ledger over db, emitting events on bus and recording
// through idem for duplicate-request suppression.
func New(db storage.Adapter, bus *eventbus.Bus, idem *idempotency.Store, cfg Config, logger *slog.Logger) *Ledger {
	if cfg.FeeCalculator == nil {
		cfg.FeeCalculator = NoFee
	}
	return &Ledger{
		db:     db,
		audit:  auditlog.New(db),
		bus:    bus,
		idem:   idem,
		cfg:    cfg,
		logger: logger,
	}
}

// CreateAccount provisions a new Account with the ledger's default
// limits unless the caller supplies its own.
func (l *Ledger) CreateAccount(ctx context.Context, a *storage.Account) error {
	if a.ID == "" {
		a.ID = idgen.WithPrefixHexLen("bot_", 16)
	}
	if a.APIKey == "" {
		a.APIKey = "rbx_" + idgen.Hex(24)
	}
	if a.Limits == nil {
		limits := l.cfg.DefaultLimits
		a.Limits = &limits
	}
	if a.Status == "" {
		a.Status = storage.AccountActive
	}
	now := time.Now()
	a.CreatedAt, a.UpdatedAt = now, now

	done := observeOp("createAccount")
	var retErr error
	defer func() { done(retErr) }()

	retErr = l.db.Transaction(ctx, func(ctx context.Context, tx storage.Adapter) error {
		if err := tx.CreateAccount(ctx, a); err != nil {
			if errors.Is(err, storage.ErrAlreadyExists) {
				return newErr(ErrDuplicateAPIKey, "account id or apiKey already in use", err)
			}
			return newErr(ErrStorage, "create account", err)
		}
		l.recordAudit(ctx, "ACCOUNT_CREATE", "account", a.ID, nil)
		return nil
	})
	if retErr != nil {
		return retErr
	}
	l.bus.Publish(eventbus.Event{Stream: "account", Type: "account.created", EntityID: a.ID})
	return nil
}

// GetAccount fetches by id.
func (l *Ledger) GetAccount(ctx context.Context, id string) (*storage.Account, error) {
	return l.lookupAccount(ctx, l.db, id)
}

// GetAccountByAPIKey fetches by apiKey.
func (l *Ledger) GetAccountByAPIKey(ctx context.Context, apiKey string) (*storage.Account, error) {
	a, err := l.db.GetAccountByAPIKey(ctx, apiKey)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, newErr(ErrAccountNotFound, "no account for apiKey", err)
		}
		return nil, newErr(ErrStorage, "get account by apiKey", err)
	}
	return a, nil
}

// ListAccountsByOwner fetches every account owned by ownerID.
func (l *Ledger) ListAccountsByOwner(ctx context.Context, ownerID string) ([]*storage.Account, error) {
	accounts, err := l.db.ListAccountsByOwner(ctx, ownerID)
	if err != nil {
		return nil, newErr(ErrStorage, "list accounts by owner", err)
	}
	return accounts, nil
}

func (l *Ledger) lookupAccount(ctx context.Context, tx storage.Adapter, id string) (*storage.Account, error) {
	a, err := tx.GetAccount(ctx, id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, newErr(ErrAccountNotFound, "account "+id+" not found", err)
		}
		return nil, newErr(ErrStorage, "get account", err)
	}
	return a, nil
}

// UpdateAccount persists changes to mutable account fields (name,
// status, limits, roles, tags, metadata). Balance fields are ignored —
// those only move through credit/debit/transfer/escrow.
func (l *Ledger) UpdateAccount(ctx context.Context, a *storage.Account) error {
	done := observeOp("updateAccount")
	var retErr error
	defer func() { done(retErr) }()

	retErr = l.db.Transaction(ctx, func(ctx context.Context, tx storage.Adapter) error {
		before, err := l.lookupAccount(ctx, tx, a.ID)
		if err != nil {
			return err
		}
		a.Balance, a.FrozenBalance = before.Balance, before.FrozenBalance
		a.CreatedAt = before.CreatedAt
		a.UpdatedAt = time.Now()
		if err := tx.UpdateAccount(ctx, a); err != nil {
			return newErr(ErrStorage, "update account", err)
		}
		l.recordAudit(ctx, "ACCOUNT_UPDATE", "account", a.ID, map[string]storage.Change{
			"status": auditlog.Change(string(before.Status), string(a.Status)),
		})
		return nil
	})
	if retErr != nil {
		return retErr
	}
	l.bus.Publish(eventbus.Event{Stream: "account", Type: "account.updated", EntityID: a.ID})
	return nil
}

// DeleteAccount removes an account, refusing unless its balance and
// frozen balance are both zero (funds must be drained first).
func (l *Ledger) DeleteAccount(ctx context.Context, id string) error {
	done := observeOp("deleteAccount")
	var retErr error
	defer func() { done(retErr) }()

	retErr = l.db.Transaction(ctx, func(ctx context.Context, tx storage.Adapter) error {
		a, err := l.lookupAccount(ctx, tx, id)
		if err != nil {
			return err
		}
		if !a.Balance.IsZero() || !a.FrozenBalance.IsZero() {
			return newErr(ErrValidation, "account must be drained to zero before deletion", nil)
		}
		if err := tx.DeleteAccount(ctx, id); err != nil {
			return newErr(ErrStorage, "delete account", err)
		}
		l.recordAudit(ctx, "ACCOUNT_DELETE", "account", id, nil)
		return nil
	})
	if retErr != nil {
		return retErr
	}
	l.bus.Publish(eventbus.Event{Stream: "account", Type: "account.deleted", EntityID: id})
	return nil
}

// RegenerateAPIKey atomically replaces an account's apiKey, relying on
// the storage adapter's uniqueness guarantee to catch collisions.
func (l *Ledger) RegenerateAPIKey(ctx context.Context, id string) (string, error) {
	newKey := "rbx_" + idgen.Hex(24)
	done := observeOp("regenerateApiKey")
	var retErr error
	defer func() { done(retErr) }()

	retErr = l.db.Transaction(ctx, func(ctx context.Context, tx storage.Adapter) error {
		a, err := l.lookupAccount(ctx, tx, id)
		if err != nil {
			return err
		}
		oldKey := a.APIKey
		a.APIKey = newKey
		a.UpdatedAt = time.Now()
		if err := tx.UpdateAccount(ctx, a); err != nil {
			if errors.Is(err, storage.ErrAlreadyExists) {
				return newErr(ErrDuplicateAPIKey, "generated apiKey collided, retry", err)
			}
			return newErr(ErrStorage, "regenerate apiKey", err)
		}
		l.recordAudit(ctx, "ACCOUNT_REGENERATE_APIKEY", "account", id, map[string]storage.Change{
			"apiKey": auditlog.Change(maskKey(oldKey), maskKey(newKey)),
		})
		return nil
	})
	if retErr != nil {
		return "", retErr
	}
	return newKey, nil
}

func maskKey(k string) string {
	if len(k) <= 8 {
		return "***"
	}
	return k[:8] + "***"
}

// Credit is a single-sided administrative increase to accountId's
// balance. Never fails on the balance axis.
func (l *Ledger) Credit(ctx context.Context, accountID string, amount money.Money, reason string) (*storage.Transaction, error) {
	return l.oneSided(ctx, "CREDIT", accountID, amount, reason)
}

// Debit is a single-sided administrative decrease, enforcing the same
// minBalance floor as transfer.
func (l *Ledger) Debit(ctx context.Context, accountID string, amount money.Money, reason string) (*storage.Transaction, error) {
	return l.oneSided(ctx, "DEBIT", accountID, amount, reason)
}

func (l *Ledger) oneSided(ctx context.Context, kind, accountID string, amount money.Money, reason string) (*storage.Transaction, error) {
	if !amount.IsPositive() {
		return nil, newErr(ErrInvalidAmount, "amount must be positive", nil)
	}
	done := observeOp(strings.ToLower(kind))
	var retErr error
	defer func() { done(retErr) }()

	var tx *storage.Transaction
	retErr = l.db.Transaction(ctx, func(ctx context.Context, sTx storage.Adapter) error {
		acct, err := l.lookupAccount(ctx, sTx, accountID)
		if err != nil {
			return err
		}
		if acct.Status != storage.AccountActive {
			return newErr(ErrAccountInactive, "account "+accountID+" is not active", nil)
		}

		delta := amount
		if kind == "DEBIT" {
			delta = money.Zero.Sub(amount)
			floor := money.Zero
			if acct.Limits != nil {
				floor = acct.Limits.MinBalance
			}
			available := acct.CreditLimit.Sub(acct.CreditUsed)
			if acct.Balance.Add(available).Sub(amount).LessThan(floor) {
				return newErr(ErrInsufficientFunds, "debit would breach minBalance", nil)
			}
		}

		record := &storage.Transaction{
			ID:        idgen.WithPrefixHexLen("tx_", 24),
			From:      accountID,
			To:        accountID,
			Amount:    amount,
			Type:      kind,
			Status:    storage.TxPending,
			Meta:      map[string]string{"reason": reason},
			CreatedAt: time.Now(),
		}
		if err := sTx.CreateTransaction(ctx, record); err != nil {
			return newErr(ErrStorage, "create transaction", err)
		}

		after, err := sTx.UpdateBalance(ctx, accountID, delta)
		if err != nil {
			if errors.Is(err, storage.ErrInsufficientBalance) {
				return newErr(ErrInsufficientFunds, "insufficient balance", err)
			}
			return newErr(ErrStorage, "update balance", err)
		}

		if err := sTx.CreateBalanceOperation(ctx, &storage.BalanceOperation{
			ID:            idgen.WithPrefixHexLen("bop_", 20),
			AccountID:     accountID,
			Type:          kind,
			Amount:        amount,
			BalanceAfter:  after.Balance,
			Reason:        reason,
			TransactionID: record.ID,
			CreatedAt:     time.Now(),
		}); err != nil {
			return newErr(ErrStorage, "create balance operation", err)
		}

		completedAt := time.Now()
		record.Status = storage.TxCompleted
		record.CompletedAt = &completedAt
		if err := sTx.UpdateTransaction(ctx, record); err != nil {
			return newErr(ErrStorage, "complete transaction", err)
		}

		l.recordAudit(ctx, kind, "account", accountID, map[string]storage.Change{
			"balance": auditlog.Change(acct.Balance.String(), after.Balance.String()),
		})
		tx = record
		return nil
	})
	if retErr != nil {
		return nil, retErr
	}
	l.bus.Publish(eventbus.Event{Stream: "account", Type: "account." + strings.ToLower(kind) + "ed", EntityID: accountID, Data: map[string]any{"transactionId": tx.ID}})
	return tx, nil
}

// CreditInfo summarizes an account's credit line: how much it may
// draw beyond its own balance, how much of that is currently drawn,
// and what remains.
type CreditInfo struct {
	Limit     money.Money
	Used      money.Money
	Available money.Money
}

// SetCreditLimit sets accountID's maximum credit line — an admin-only
// opt-in pre-authorized overdraft, distinct from fractional-reserve
// lending. Grounded on the teacher's internal/ledger SetCreditLimit;
// generalized from a standalone store method to an authorized,
// audited, event-publishing ledger operation.
func (l *Ledger) SetCreditLimit(ctx context.Context, accountID string, limit money.Money, isAdmin bool) error {
	if !isAdmin {
		return newErr(ErrUnauthorized, "only an admin may set a credit limit", nil)
	}
	if limit.IsNegative() {
		return newErr(ErrInvalidAmount, "credit limit must not be negative", nil)
	}
	done := observeOp("set_credit_limit")
	var retErr error
	defer func() { done(retErr) }()

	retErr = l.db.Transaction(ctx, func(ctx context.Context, sTx storage.Adapter) error {
		acct, err := l.lookupAccount(ctx, sTx, accountID)
		if err != nil {
			return err
		}
		before := acct.CreditLimit
		acct.CreditLimit = limit
		acct.UpdatedAt = time.Now()
		if err := sTx.UpdateAccount(ctx, acct); err != nil {
			return newErr(ErrStorage, "update account", err)
		}
		l.recordAudit(ctx, "CREDIT_LIMIT_SET", "account", accountID, map[string]storage.Change{
			"creditLimit": auditlog.Change(before.String(), limit.String()),
		})
		return nil
	})
	if retErr != nil {
		return retErr
	}
	l.bus.Publish(eventbus.Event{Stream: "account", Type: "account.creditLimitSet", EntityID: accountID, Data: map[string]any{"limit": limit.String()}})
	return nil
}

// UseCredit advances amount from accountID's credit line straight into
// its available balance, bounded by what the line has left
// (creditLimit - creditUsed). Grounded on the teacher's UseCredit; the
// same explicit draw, recorded here as a CREDIT_DRAW transaction
// rather than a bare store mutation so it shows up in the account's
// own transaction history.
func (l *Ledger) UseCredit(ctx context.Context, accountID string, amount money.Money) (*storage.Transaction, error) {
	if !amount.IsPositive() {
		return nil, newErr(ErrInvalidAmount, "amount must be positive", nil)
	}
	done := observeOp("use_credit")
	var retErr error
	defer func() { done(retErr) }()

	var tx *storage.Transaction
	retErr = l.db.Transaction(ctx, func(ctx context.Context, sTx storage.Adapter) error {
		acct, err := l.lookupAccount(ctx, sTx, accountID)
		if err != nil {
			return err
		}
		if acct.Status != storage.AccountActive {
			return newErr(ErrAccountInactive, "account "+accountID+" is not active", nil)
		}
		available := acct.CreditLimit.Sub(acct.CreditUsed)
		if amount.GreaterThan(available) {
			return newErr(ErrInsufficientFunds, "amount exceeds available credit", nil)
		}

		record := &storage.Transaction{
			ID:        idgen.WithPrefixHexLen("tx_", 24),
			From:      accountID,
			To:        accountID,
			Amount:    amount,
			Type:      "CREDIT_DRAW",
			Status:    storage.TxPending,
			Meta:      map[string]string{"reason": "credit line draw"},
			CreatedAt: time.Now(),
		}
		if err := sTx.CreateTransaction(ctx, record); err != nil {
			return newErr(ErrStorage, "create transaction", err)
		}

		acct.CreditUsed = acct.CreditUsed.Add(amount)
		acct.Balance = acct.Balance.Add(amount)
		acct.UpdatedAt = time.Now()
		if err := sTx.UpdateAccount(ctx, acct); err != nil {
			return newErr(ErrStorage, "update account", err)
		}

		completedAt := time.Now()
		record.Status = storage.TxCompleted
		record.CompletedAt = &completedAt
		if err := sTx.UpdateTransaction(ctx, record); err != nil {
			return newErr(ErrStorage, "complete transaction", err)
		}

		l.recordAudit(ctx, "CREDIT_DRAW", "account", accountID, map[string]storage.Change{
			"creditUsed": auditlog.Change(acct.CreditUsed.Sub(amount).String(), acct.CreditUsed.String()),
		})
		tx = record
		return nil
	})
	if retErr != nil {
		return nil, retErr
	}
	l.bus.Publish(eventbus.Event{Stream: "account", Type: "account.creditDrawn", EntityID: accountID, Data: map[string]any{"transactionId": tx.ID, "amount": amount.String()}})
	return tx, nil
}

// RepayCredit reduces accountID's outstanding credit usage by amount,
// debiting its balance by the same amount; repaying more than is
// currently drawn only clears the draw, it doesn't go negative.
// Grounded on the teacher's RepayCredit.
func (l *Ledger) RepayCredit(ctx context.Context, accountID string, amount money.Money) (*storage.Transaction, error) {
	if !amount.IsPositive() {
		return nil, newErr(ErrInvalidAmount, "amount must be positive", nil)
	}
	done := observeOp("repay_credit")
	var retErr error
	defer func() { done(retErr) }()

	var tx *storage.Transaction
	retErr = l.db.Transaction(ctx, func(ctx context.Context, sTx storage.Adapter) error {
		acct, err := l.lookupAccount(ctx, sTx, accountID)
		if err != nil {
			return err
		}
		repay := amount
		if repay.GreaterThan(acct.CreditUsed) {
			repay = acct.CreditUsed
		}
		if acct.Balance.LessThan(repay) {
			return newErr(ErrInsufficientFunds, "insufficient balance to repay credit", nil)
		}

		record := &storage.Transaction{
			ID:        idgen.WithPrefixHexLen("tx_", 24),
			From:      accountID,
			To:        accountID,
			Amount:    repay,
			Type:      "CREDIT_REPAY",
			Status:    storage.TxPending,
			Meta:      map[string]string{"reason": "credit line repayment"},
			CreatedAt: time.Now(),
		}
		if err := sTx.CreateTransaction(ctx, record); err != nil {
			return newErr(ErrStorage, "create transaction", err)
		}

		before := acct.CreditUsed
		acct.CreditUsed = acct.CreditUsed.Sub(repay)
		acct.Balance = acct.Balance.Sub(repay)
		acct.UpdatedAt = time.Now()
		if err := sTx.UpdateAccount(ctx, acct); err != nil {
			return newErr(ErrStorage, "update account", err)
		}

		completedAt := time.Now()
		record.Status = storage.TxCompleted
		record.CompletedAt = &completedAt
		if err := sTx.UpdateTransaction(ctx, record); err != nil {
			return newErr(ErrStorage, "complete transaction", err)
		}

		l.recordAudit(ctx, "CREDIT_REPAY", "account", accountID, map[string]storage.Change{
			"creditUsed": auditlog.Change(before.String(), acct.CreditUsed.String()),
		})
		tx = record
		return nil
	})
	if retErr != nil {
		return nil, retErr
	}
	l.bus.Publish(eventbus.Event{Stream: "account", Type: "account.creditRepaid", EntityID: accountID, Data: map[string]any{"transactionId": tx.ID, "amount": tx.Amount.String()}})
	return tx, nil
}

// GetCreditInfo returns accountID's credit line usage. Grounded on the
// teacher's GetCreditInfo, restated in terms of storage.Account's own
// creditLimit/creditUsed fields instead of a separate store query.
func (l *Ledger) GetCreditInfo(ctx context.Context, accountID string) (*CreditInfo, error) {
	acct, err := l.lookupAccount(ctx, l.db, accountID)
	if err != nil {
		return nil, err
	}
	return &CreditInfo{
		Limit:     acct.CreditLimit,
		Used:      acct.CreditUsed,
		Available: acct.CreditLimit.Sub(acct.CreditUsed),
	}, nil
}

// TransferOpts carries transfer's optional inputs.
type TransferOpts struct {
	Memo           string
	IdempotencyKey string
	Fee            *money.Money // overrides cfg.FeeCalculator when set
	ActorID        string
	Type           string // defaults to "TRANSFER"
}

// Transfer is the canonical operation: it moves amount from sender's
// balance to receiver's, charging an optional fee, inside a single
// storage transaction, with idempotency-key dedup and full audit/event
// emission. See the authorization table in authz.go for who may call
// this on whose accounts.
func (l *Ledger) Transfer(ctx context.Context, from, to string, amount money.Money, opts TransferOpts) (*storage.Transaction, error) {
	ctx, span := traces.StartSpan(ctx, "ledgercore.Transfer",
		traces.AccountID(from), traces.Amount(amount.String()), traces.Reference(opts.Memo))
	defer span.End()

	if !amount.IsPositive() {
		span.SetStatus(codes.Error, "invalid amount")
		return nil, newErr(ErrInvalidAmount, "amount must be positive", nil)
	}
	if from == to {
		span.SetStatus(codes.Error, "self transfer")
		return nil, newErr(ErrSelfTransfer, "sender and receiver must differ", nil)
	}
	txType := opts.Type
	if txType == "" {
		txType = "TRANSFER"
	}

	var fingerprint string
	if opts.IdempotencyKey != "" {
		fingerprint = idempotency.Fingerprint(idempotency.TransferFields(from, to, amount.String(), txType, opts.Memo))
		outcome, existingTxID, err := l.idem.Begin(ctx, opts.IdempotencyKey, fingerprint)
		if err != nil {
			if errors.Is(err, idempotency.ErrFingerprintMismatch) {
				span.SetStatus(codes.Error, "idempotency conflict")
				return nil, newErr(ErrIdempotencyConflict, "idempotency key reused with a different request", err)
			}
			return nil, newErr(ErrStorage, "idempotency lookup", err)
		}
		if outcome == idempotency.Replay {
			existing, err := l.db.GetTransaction(ctx, existingTxID)
			if err != nil {
				return nil, newErr(ErrStorage, "load replayed transaction", err)
			}
			return existing, nil
		}
	}

	done := observeOp("transfer")
	var retErr error
	defer func() { done(retErr) }()

	first, second := from, to
	if second < first {
		first, second = second, first
	}

	var result *storage.Transaction
	retErr = l.db.Transaction(ctx, func(ctx context.Context, sTx storage.Adapter) error {
		accts := make(map[string]*storage.Account, 2)
		for _, id := range []string{first, second} {
			a, err := l.lookupAccount(ctx, sTx, id)
			if err != nil {
				return err
			}
			accts[id] = a
		}
		sender, receiver := accts[from], accts[to]

		if sender.Status != storage.AccountActive {
			return newErr(ErrAccountInactive, "sender account is not active", nil)
		}
		if receiver.Status != storage.AccountActive {
			return newErr(ErrAccountInactive, "receiver account is not active", nil)
		}

		fee := money.Zero
		if opts.Fee != nil {
			fee = *opts.Fee
		} else {
			fee = l.cfg.FeeCalculator(amount, txType)
		}

		total := amount.Add(fee)
		if sender.Balance.LessThan(total) && sender.Balance.Sub(total).Add(sender.CreditLimit.Sub(sender.CreditUsed)).IsNegative() {
			return newErr(ErrInsufficientFunds, "insufficient balance", nil)
		}

		if sender.Limits != nil {
			if sender.Limits.MaxTransferAmount.IsPositive() && amount.GreaterThan(sender.Limits.MaxTransferAmount) {
				return newErr(ErrLimitExceeded, "amount exceeds maxTransferAmount", nil)
			}
			if sender.Limits.DailyTransferLimit.IsPositive() {
				spentToday, err := l.dailyOutgoing(ctx, sTx, from)
				if err != nil {
					return err
				}
				if spentToday.Add(amount).GreaterThan(sender.Limits.DailyTransferLimit) {
					return newErr(ErrLimitExceeded, "dailyTransferLimit would be exceeded", nil)
				}
			}
			floor := sender.Limits.MinBalance
			if sender.Balance.Sub(amount.Add(fee)).LessThan(floor) {
				return newErr(ErrLimitExceeded, "transfer would breach minBalance", nil)
			}
		}

		record := &storage.Transaction{
			ID:             idgen.WithPrefixHexLen("tx_", 24),
			From:           from,
			To:             to,
			Amount:         amount,
			Fee:            fee,
			Type:           txType,
			Status:         storage.TxPending,
			InitiatedBy:    opts.ActorID,
			IdempotencyKey: opts.IdempotencyKey,
			Meta:           map[string]string{"memo": opts.Memo},
			CreatedAt:      time.Now(),
		}
		if err := sTx.CreateTransaction(ctx, record); err != nil {
			return newErr(ErrStorage, "create transaction", err)
		}

		if _, err := sTx.UpdateBalance(ctx, from, money.Zero.Sub(total)); err != nil {
			if errors.Is(err, storage.ErrInsufficientBalance) {
				return newErr(ErrInsufficientFunds, "insufficient balance", err)
			}
			return newErr(ErrStorage, "debit sender", err)
		}
		if _, err := sTx.UpdateBalance(ctx, to, amount); err != nil {
			return newErr(ErrStorage, "credit receiver", err)
		}
		if fee.IsPositive() && l.cfg.FeeSinkAccount != "" {
			if _, err := sTx.UpdateBalance(ctx, l.cfg.FeeSinkAccount, fee); err != nil {
				return newErr(ErrStorage, "credit fee sink", err)
			}
		}

		completedAt := time.Now()
		record.Status = storage.TxCompleted
		record.CompletedAt = &completedAt
		if err := sTx.UpdateTransaction(ctx, record); err != nil {
			return newErr(ErrStorage, "complete transaction", err)
		}

		l.recordAudit(ctx, "TRANSFER_DEBIT", "account", from, map[string]storage.Change{
			"balance": auditlog.Change(sender.Balance.String(), sender.Balance.Sub(total).String()),
		})
		l.recordAudit(ctx, "TRANSFER_CREDIT", "account", to, map[string]storage.Change{
			"balance": auditlog.Change(receiver.Balance.String(), receiver.Balance.Add(amount).String()),
		})
		l.recordAudit(ctx, "TRANSFER", "transaction", record.ID, nil)

		result = record
		return nil
	})

	if opts.IdempotencyKey != "" {
		if retErr != nil {
			l.idem.Cancel(opts.IdempotencyKey)
		} else if err := l.idem.Complete(ctx, opts.IdempotencyKey, fingerprint, result.ID); err != nil {
			l.logger.Warn("idempotency record persist failed", "key", opts.IdempotencyKey, "error", err)
		}
	}
	if retErr != nil {
		span.RecordError(retErr)
		span.SetStatus(codes.Error, retErr.Error())
		return nil, retErr
	}

	l.bus.Publish(eventbus.Event{
		Stream:   "transfer",
		Type:     "transfer.completed",
		EntityID: result.ID,
		Data:     map[string]any{"from": from, "to": to, "amount": amount.String()},
	})
	return result, nil
}

// dailyOutgoing sums completed outgoing transfers for accountID since
// the start of the current calendar day (local time), for the
// dailyTransferLimit check.
func (l *Ledger) dailyOutgoing(ctx context.Context, tx storage.Adapter, accountID string) (money.Money, error) {
	now := time.Now()
	startOfDay := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	txs, err := tx.ListTransactions(ctx, storage.TransactionFilter{
		AccountID: accountID,
		Status:    storage.TxCompleted,
		From:      startOfDay,
		To:        now,
	})
	if err != nil {
		return money.Zero, newErr(ErrStorage, "list transactions for daily limit", err)
	}
	sum := money.Zero
	for _, t := range txs {
		if t.From == accountID && t.Type == "TRANSFER" {
			sum = sum.Add(t.Amount)
		}
	}
	return sum, nil
}

// ListTransactions returns transactions matching filter.
func (l *Ledger) ListTransactions(ctx context.Context, filter storage.TransactionFilter) ([]*storage.Transaction, error) {
	txs, err := l.db.ListTransactions(ctx, filter)
	if err != nil {
		return nil, newErr(ErrStorage, "list transactions", err)
	}
	sort.Slice(txs, func(i, j int) bool { return txs[i].CreatedAt.After(txs[j].CreatedAt) })
	return txs, nil
}

// ListTransactionsPage is ListTransactions with cursor-based paging:
// cursor is an opaque string from a prior page's NextCursor, or empty
// for the first page. Pages are newest-first, bounded by filter's own
// constraints (AccountID, Type, Status, From/To).
func (l *Ledger) ListTransactionsPage(ctx context.Context, filter storage.TransactionFilter, cursor string, limit int) (*storage.TransactionPage, error) {
	if limit <= 0 {
		limit = 50
	}
	pos, err := pagination.Decode(cursor)
	if err != nil {
		return nil, newErr(ErrValidation, "invalid cursor", err)
	}
	pageFilter := filter
	pageFilter.Limit = limit + 1
	if pos != nil {
		pageFilter.To = pos.CreatedAt
		// One extra row, since the cursor row itself is dropped below.
		pageFilter.Limit++
	}

	txs, err := l.ListTransactions(ctx, pageFilter)
	if err != nil {
		return nil, err
	}
	// A cursor boundary is inclusive of its own timestamp, so the
	// transaction it points at reappears at the head of the next
	// page; drop it before paging the rest.
	if pos != nil {
		for i, t := range txs {
			if t.ID == pos.ID {
				txs = append(txs[:i], txs[i+1:]...)
				break
			}
		}
	}

	trimmed, next, more := pagination.ComputePage(txs, limit, func(t *storage.Transaction) (time.Time, string) {
		return t.CreatedAt, t.ID
	})
	return &storage.TransactionPage{Transactions: trimmed, NextCursor: next, HasMore: more}, nil
}

// GetStatistics returns the aggregate read, also sampling the balance
// gauges.
func (l *Ledger) GetStatistics(ctx context.Context) (*storage.Statistics, error) {
	stats, err := l.db.GetStatistics(ctx)
	if err != nil {
		return nil, newErr(ErrStorage, "get statistics", err)
	}
	if f, ok := stats.TotalBalance.Float64(); ok {
		balanceTotal.Set(f)
	}
	if f, ok := stats.TotalFrozenBalance.Float64(); ok {
		frozenTotal.Set(f)
	}
	return stats, nil
}

func (l *Ledger) recordAudit(ctx context.Context, action, entityType, entityID string, changes map[string]storage.Change) {
	if !l.cfg.EnableAuditLog {
		return
	}
	if err := l.audit.Record(ctx, action, entityType, entityID, changes); err != nil {
		l.logger.Error("audit log write failed", "action", action, "entityId", entityID, "error", err)
	}
}
