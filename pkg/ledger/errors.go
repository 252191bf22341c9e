package ledger

import (
	"errors"
	"fmt"
	"time"
)

// Error taxonomy surfaced by every ledger operation. Callers match with
// errors.Is / errors.As and decide themselves whether to retry.
var (
	// ErrUnauthorized means the caller carried no valid identity.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrUserNotFound means the identity resolved to no user record.
	ErrUserNotFound = errors.New("user not found")
	// ErrNotFound covers an absent account or transaction and one owned by a
	// different user; the two cases are indistinguishable on purpose.
	ErrNotFound = errors.New("not found")
	// ErrRateLimited is an admission denial with retry metadata; see
	// RateLimitedError.
	ErrRateLimited = errors.New("rate limited")
	// ErrBlocked is a policy-level admission denial unrelated to rate.
	ErrBlocked = errors.New("blocked")
	// ErrValidation marks a structurally invalid draft.
	ErrValidation = errors.New("validation failed")
	// ErrStore wraps an underlying storage failure; the atomic unit did not
	// commit.
	ErrStore = errors.New("store failure")
)

// RateLimitedError carries the admission gate's quota metadata. It matches
// ErrRateLimited under errors.Is.
type RateLimitedError struct {
	Remaining  int64
	ResetAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limited: %d remaining, resets in %s", e.Remaining, e.ResetAfter)
}

func (e *RateLimitedError) Is(target error) bool { return target == ErrRateLimited }
