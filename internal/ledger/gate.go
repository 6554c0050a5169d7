package ledger

import (
	"context"
	"strings"
)

// Operation costs in credits. Deletion is free but still requires a valid
// key; stats bypass the gate entirely.
const (
	CostStore    = 1
	CostRetrieve = 1
	CostSearch   = 5
	CostDelete   = 0
)

// Gate turns a bearer credential plus an operation cost into an
// authorize/deny decision. Authorization and payment are the same atomic
// step: when Authorize returns nil the cost has already been debited.
type Gate struct {
	ledger *Ledger
}

// NewGate creates a Gate over a Ledger.
func NewGate(l *Ledger) *Gate {
	return &Gate{ledger: l}
}

// Authorize validates the Authorization header value and debits cost
// credits in one step. It fails closed: a missing, malformed, or unknown
// credential is ErrInvalidKey; a short balance is ErrInsufficientCredits.
// On success it returns the debited key so the caller can refund the cost
// if the operation it paid for cannot complete.
func (g *Gate) Authorize(ctx context.Context, authorization string, cost int64) (string, error) {
	key := bearerToken(authorization)
	if key == "" {
		return "", ErrInvalidKey
	}
	if err := g.ledger.Deduct(ctx, key, cost); err != nil {
		return "", err
	}
	return key, nil
}

// Refund returns cost credits to a previously authorized key. Used when
// the paid operation fails after the debit, keeping authorization
// all-or-nothing with respect to externally visible state.
func (g *Gate) Refund(ctx context.Context, key string, cost int64) error {
	if cost == 0 {
		return nil
	}
	return g.ledger.Credit(ctx, key, cost)
}

// bearerToken extracts the credential from an Authorization header value.
// Accepts "Bearer <key>" or a bare key; anything without the issued key
// prefix is rejected without touching the ledger.
func bearerToken(authorization string) string {
	s := strings.TrimSpace(authorization)
	if rest, ok := strings.CutPrefix(s, "Bearer "); ok {
		s = strings.TrimSpace(rest)
	}
	if !strings.HasPrefix(s, keyPrefix) {
		return ""
	}
	return s
}
