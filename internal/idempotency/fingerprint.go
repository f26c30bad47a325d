// Package idempotency lets a caller submit the same mutating request
// more than once — because a client retried after a timeout, or a
// batch item shares its parent's key — and get back the original
// result instead of executing it twice.
package idempotency

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
)

// Fingerprint hashes a request's identifying fields into a stable
// digest, independent of map iteration order. Two requests that carry
// the same idempotency key but a different fingerprint are a client
// error (key reuse across different requests), not a duplicate.
func Fingerprint(fields map[string]string) string {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	h := sha256.New()
	for _, k := range keys {
		fmt.Fprintf(h, "%s=%s\n", k, fields[k])
	}
	return hex.EncodeToString(h.Sum(nil))
}

// TransferFields builds the canonical field set fingerprinted for a
// transfer-shaped request (transfer, credit, debit, escrow create).
func TransferFields(from, to, amount, txType, memo string) map[string]string {
	return map[string]string{
		"from":   from,
		"to":     to,
		"amount": amount,
		"type":   txType,
		"memo":   memo,
	}
}
