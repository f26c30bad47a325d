package storage

import "errors"

// Sentinel errors returned by Adapter implementations. Callers compare
// against these with errors.Is; ledgercore/escrowcore wrap them into
// the richer CoreError taxonomy.
var (
	ErrNotFound            = errors.New("storage: not found")
	ErrAlreadyExists        = errors.New("storage: already exists")
	ErrInsufficientBalance  = errors.New("storage: insufficient balance")
	ErrInsufficientFrozen   = errors.New("storage: insufficient frozen balance")
	ErrOptimisticLock       = errors.New("storage: concurrent modification, retry")
	ErrNestedTxUnsupported  = errors.New("storage: nested transaction not supported by this adapter")
)
