// Package service implements the claim pipeline's business logic: the
// synchronous coordinator, the authoritative claim transaction, and the
// refund transaction. It never imports fiber — the HTTP boundary maps
// these errors to status codes, not the other way around.
package service

import (
	"errors"
	"fmt"
)

// The closed error sum of spec §7/§9. internal/handler is the only place
// that maps these to HTTP status codes and string codes.
var (
	// ErrLimitExceeded is returned when claimed >= limit at the authoritative check.
	ErrLimitExceeded = errors.New("user claim limit exceeded")

	// ErrRateLimited is returned when either the per-user sliding window or
	// the per-IP fixed window rejects the attempt.
	ErrRateLimited = errors.New("rate limit exceeded")

	// ErrInvalidRequest is returned when request data is invalid or incomplete.
	ErrInvalidRequest = errors.New("invalid request")

	// ErrUserNotFound is returned when the claiming user doesn't exist or is inactive.
	ErrUserNotFound = errors.New("user not found")

	// ErrVoucherNotFound is returned when the referenced voucher code doesn't exist.
	ErrVoucherNotFound = errors.New("voucher code not found")

	// ErrClaimNotFound is returned when a refund targets an unknown claim.
	ErrClaimNotFound = errors.New("claim not found")

	// ErrAlreadyRefunded is returned when a claim has already been refunded.
	ErrAlreadyRefunded = errors.New("claim already refunded")

	// ErrUnauthorized and ErrForbidden are surfaced by the auth collaborator
	// (out of scope: the collaborator's implementation, not its contract).
	ErrUnauthorized = errors.New("unauthorized")
	ErrForbidden    = errors.New("forbidden")

	// ErrInternal wraps a store/KV failure that escaped the circuit breaker.
	ErrInternal = errors.New("internal error")
)

// InvalidVoucherError is the one case in the closed sum that carries a
// reason tag (format mismatch, ineligible per V2, or already-claimed).
type InvalidVoucherError struct {
	Reason string
}

func (e *InvalidVoucherError) Error() string {
	return fmt.Sprintf("invalid voucher: %s", e.Reason)
}

// IsInvalidVoucher reports whether err is an *InvalidVoucherError and
// returns its reason.
func IsInvalidVoucher(err error) (string, bool) {
	var ive *InvalidVoucherError
	if errors.As(err, &ive) {
		return ive.Reason, true
	}
	return "", false
}
