// Package admission rate-limits mutation requests per user before they reach
// the ledger. State lives in Redis; the ledger core only sees decisions.
package admission

import (
	"context"
	"time"
)

// Reason says why a request was denied.
type Reason string

const (
	ReasonNone        Reason = ""
	ReasonRateLimited Reason = "RATE_LIMITED"
	ReasonBlocked     Reason = "BLOCKED"
)

// Decision is the outcome of one gate check. Remaining and ResetAfter carry
// rate-limit metadata; they are zero for policy (Blocked) denials.
type Decision struct {
	Allowed    bool
	Reason     Reason
	Remaining  int64
	ResetAfter time.Duration
}

// Gate admits or denies one mutating operation for the given key (the
// caller's external user id). Cost is a fixed unit per operation. A transport
// error from the underlying state store must be treated by callers as a hard
// denial: no ledger access is permitted without a completed Allow.
type Gate interface {
	Admit(ctx context.Context, key string, cost int64) (Decision, error)
}

// openGate admits everything. Used for tooling and development setups that
// run without Redis.
type openGate struct{}

func (openGate) Admit(ctx context.Context, key string, cost int64) (Decision, error) {
	return Decision{Allowed: true}, nil
}

// Open returns a gate that admits every request.
func Open() Gate { return openGate{} }
