package types

import "errors"

// Sentinel errors a caller is expected to branch on (spec.md §7).
var (
	ErrRecordTooLarge    = errors.New("record value exceeds max_value_bytes")
	ErrNotFound          = errors.New("record not found")
	ErrRejectedDuplicate = errors.New("duplicate put rejected by validation rule")
	ErrQuorumNotReached  = errors.New("quorum not satisfied before query timeout")
	ErrFetchBudgetFull   = errors.New("fetcher inflight budget exhausted")
	ErrNamespaceMismatch = errors.New("record store namespace version mismatch")
	ErrPaymentInvalid    = errors.New("proof of payment failed external validation")
)
