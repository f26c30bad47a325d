package ledgercore

import "fmt"

// ErrKind classifies a CoreError the way callers need to branch on —
// by category, not by Go type. Mirrors the teacher's flat
// sentinel-error style (ErrInsufficientBalance, ErrAgentNotFound, …)
// but collects them under one taxonomy so the middleware and HTTP
// layers above this package can map kind → status code once.
type ErrKind string

const (
	// Validation
	ErrInvalidAmount    ErrKind = "INVALID_AMOUNT"
	ErrInvalidAccountID ErrKind = "INVALID_ACCOUNT_ID"
	ErrInvalidStatus    ErrKind = "INVALID_STATUS"
	ErrValidation       ErrKind = "VALIDATION_ERROR"

	// Business
	ErrInsufficientFunds ErrKind = "INSUFFICIENT_FUNDS"
	ErrLimitExceeded     ErrKind = "LIMIT_EXCEEDED"
	ErrAccountInactive   ErrKind = "ACCOUNT_INACTIVE"
	ErrSelfTransfer      ErrKind = "SELF_TRANSFER"
	ErrDuplicateAPIKey   ErrKind = "DUPLICATE_API_KEY"

	// Authorization
	ErrUnauthorized ErrKind = "UNAUTHORIZED"
	ErrForbidden    ErrKind = "FORBIDDEN"

	// Not-found
	ErrAccountNotFound     ErrKind = "ACCOUNT_NOT_FOUND"
	ErrTransactionNotFound ErrKind = "TRANSACTION_NOT_FOUND"
	ErrEscrowNotFound      ErrKind = "ESCROW_NOT_FOUND"

	// Concurrency
	ErrIdempotencyConflict ErrKind = "IDEMPOTENCY_CONFLICT"
	ErrLockTimeout         ErrKind = "LOCK_TIMEOUT"

	// Infrastructure
	ErrStorage ErrKind = "STORAGE_ERROR"
	ErrTimeout ErrKind = "TIMEOUT"
	ErrInternal ErrKind = "INTERNAL"
)

// CoreError wraps an ErrKind with a human message and the underlying
// cause, if any. Callers branch on Kind via errors.As, not on message
// text.
type CoreError struct {
	Kind    ErrKind
	Message string
	Cause   error
}

func (e *CoreError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *CoreError) Unwrap() error { return e.Cause }

// Is lets errors.Is(err, ledgercore.KindError(ErrInsufficientFunds))
// style comparisons work, and also lets two *CoreError of the same
// Kind compare equal regardless of Message/Cause.
func (e *CoreError) Is(target error) bool {
	other, ok := target.(*CoreError)
	if !ok {
		return false
	}
	return e.Kind == other.Kind
}

// newErr builds a *CoreError, the constructor every operation in this
// package returns through.
func newErr(kind ErrKind, message string, cause error) *CoreError {
	return &CoreError{Kind: kind, Message: message, Cause: cause}
}

// KindError builds a bare *CoreError of the given kind, useful as the
// target of errors.Is in tests and calling code:
//
//	errors.Is(err, ledgercore.KindError(ledgercore.ErrInsufficientFunds))
func KindError(kind ErrKind) *CoreError {
	return &CoreError{Kind: kind}
}

// Kind extracts the ErrKind from err if it is (or wraps) a *CoreError,
// otherwise returns ErrInternal.
func Kind(err error) ErrKind {
	var ce *CoreError
	if asCoreError(err, &ce) {
		return ce.Kind
	}
	return ErrInternal
}

func asCoreError(err error, target **CoreError) bool {
	for err != nil {
		if ce, ok := err.(*CoreError); ok {
			*target = ce
			return true
		}
		unwrapper, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = unwrapper.Unwrap()
	}
	return false
}
