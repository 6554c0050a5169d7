// Package payment handles credit purchases: pricing, checkout session
// bookkeeping, and key minting on completion. The external payment
// provider itself is a collaborator; this package owns only the state the
// rest of the service consumes.
package payment

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/mnemo-io/mnemo/internal/ledger"
	"github.com/mnemo-io/mnemo/internal/store"
)

var (
	// ErrNotFound is returned for an unknown checkout session.
	ErrNotFound = errors.New("payment: checkout session not found")
	// ErrCompleted is returned when completing an already-paid session;
	// credits are granted exactly once.
	ErrCompleted = errors.New("payment: checkout session already completed")
	// ErrBadQuantity is returned for a credit quantity outside the
	// purchasable range.
	ErrBadQuantity = errors.New("payment: credits must be between 1 and 100000")
)

// Purchasable credit bounds per checkout session.
const (
	MinCredits = 1
	MaxCredits = 100000
)

// unitTenthCents returns the price of one operation credit in tenths of a
// cent: store/retrieve credits cost 0.1¢, search credits 0.5¢.
func unitTenthCents(serviceType string) int64 {
	switch serviceType {
	case "search":
		return 5
	case "store", "retrieve", "memory_credits":
		return 1
	default:
		return 1
	}
}

// CheckoutSession is one pending or completed credit purchase.
type CheckoutSession struct {
	ID          string `json:"session_id"`
	Email       string `json:"email,omitempty"`
	ServiceType string `json:"service_type"`
	Credits     int64  `json:"credits"`
	AmountCents int64  `json:"amount_cents"`
	Status      string `json:"status"`
	CreatedAt   int64  `json:"created_at"`
	CompletedAt *int64 `json:"completed_at,omitempty"`
}

// Processor creates checkout sessions and converts completed ones into
// credited API keys.
type Processor struct {
	db     *store.DB
	ledger *ledger.Ledger

	mu      sync.Mutex
	entropy *rand.Rand
}

// NewProcessor creates a Processor over an open database and ledger.
func NewProcessor(db *store.DB, l *ledger.Ledger) *Processor {
	return &Processor{
		db:      db,
		ledger:  l,
		entropy: rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (p *Processor) newSessionID() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return "cs_" + ulid.MustNew(ulid.Timestamp(time.Now()), p.entropy).String()
}

// CreateCheckout opens a checkout session quoting the given credit
// quantity. The returned session id is what the provider callback presents
// back on completion.
func (p *Processor) CreateCheckout(ctx context.Context, credits int64, serviceType, email string) (*CheckoutSession, error) {
	if credits < MinCredits || credits > MaxCredits {
		return nil, ErrBadQuantity
	}

	s := &CheckoutSession{
		ID:          p.newSessionID(),
		Email:       email,
		ServiceType: serviceType,
		Credits:     credits,
		AmountCents: credits * unitTenthCents(serviceType) / 10,
		Status:      "pending",
		CreatedAt:   time.Now().UnixMilli(),
	}

	_, err := p.db.ExecContext(ctx, `
		INSERT INTO checkout_sessions (id, email, service_type, credits, amount_cents, status, created_at)
		VALUES (?, ?, ?, ?, ?, 'pending', ?)
	`, s.ID, s.Email, s.ServiceType, s.Credits, s.AmountCents, s.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("insert checkout session: %w", err)
	}
	return s, nil
}

// Complete marks a pending session paid and mints an API key carrying the
// purchased credits. The key is returned exactly once; completing the same
// session again is ErrCompleted.
func (p *Processor) Complete(ctx context.Context, sessionID string) (*CheckoutSession, string, error) {
	s, err := p.Get(ctx, sessionID)
	if err != nil {
		return nil, "", err
	}

	now := time.Now().UnixMilli()

	// Claim the session first; the status guard makes concurrent
	// completions grant credits at most once.
	res, err := p.db.ExecContext(ctx, `
		UPDATE checkout_sessions SET status = 'paid', completed_at = ?
		WHERE id = ? AND status = 'pending'
	`, now, sessionID)
	if err != nil {
		return nil, "", fmt.Errorf("claim checkout session: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, "", fmt.Errorf("claim checkout session: %w", err)
	}
	if n == 0 {
		return nil, "", ErrCompleted
	}

	key, err := p.ledger.CreateKey(ctx, s.Email, s.Credits)
	if err != nil {
		// Release the claim so the purchase can be retried.
		p.db.ExecContext(ctx, `
			UPDATE checkout_sessions SET status = 'pending', completed_at = NULL WHERE id = ?
		`, sessionID)
		return nil, "", fmt.Errorf("mint api key: %w", err)
	}

	if _, err := p.db.ExecContext(ctx, `
		UPDATE checkout_sessions SET api_key = ? WHERE id = ?
	`, key, sessionID); err != nil {
		return nil, "", fmt.Errorf("record api key: %w", err)
	}

	s.Status = "paid"
	s.CompletedAt = &now
	return s, key, nil
}

// Get returns a checkout session by id.
func (p *Processor) Get(ctx context.Context, sessionID string) (*CheckoutSession, error) {
	var (
		s           CheckoutSession
		completedAt sql.NullInt64
	)
	err := p.db.QueryRowContext(ctx, `
		SELECT id, email, service_type, credits, amount_cents, status, created_at, completed_at
		FROM checkout_sessions WHERE id = ?
	`, sessionID).Scan(&s.ID, &s.Email, &s.ServiceType, &s.Credits, &s.AmountCents, &s.Status, &s.CreatedAt, &completedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get checkout session: %w", err)
	}
	if completedAt.Valid {
		s.CompletedAt = &completedAt.Int64
	}
	return &s, nil
}

// Pricing is the published price list, in credits and dollars.
func Pricing() map[string]any {
	return map[string]any{
		"store_memory":    "1 credit per memory stored",
		"retrieve_memory": "1 credit per retrieval",
		"search_memories": "5 credits per search",
		"delete_memory":   "free",
		"owner_stats":     "free",
		"encryption":      "AES-256-GCM at rest, included",
		"retention":       "configurable TTL, 0 = forever",
		"bulk_pricing": map[string]string{
			"1000_credits":   "$1.00",
			"10000_credits":  "$10.00",
			"100000_credits": "$100.00",
		},
	}
}
