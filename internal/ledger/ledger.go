// Package ledger manages prepaid API keys: creation, validation, and
// atomic credit debits.
package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/mnemo-io/mnemo/internal/store"
)

var (
	// ErrInvalidKey is returned for missing, malformed, or unknown keys.
	ErrInvalidKey = errors.New("ledger: invalid api key")
	// ErrInsufficientCredits is returned when a debit would overdraw the
	// balance. Distinct from ErrInvalidKey so callers can route the client
	// to a top-up flow.
	ErrInsufficientCredits = errors.New("ledger: insufficient credits")
)

// keyPrefix marks mnemo-issued credentials.
const keyPrefix = "mk_"

// Account is a credit-bearing API key. The key itself is only ever
// disclosed once, by CreateKey.
type Account struct {
	Key        string
	OwnerEmail string
	Balance    int64
	CreatedAt  int64
}

// Ledger is the durable credit ledger.
type Ledger struct {
	db *store.DB
}

// New creates a Ledger over an open database.
func New(db *store.DB) *Ledger {
	return &Ledger{db: db}
}

// CreateKey mints a new API key carrying an initial credit balance and
// returns the credential. This is the only disclosure of the key.
func (l *Ledger) CreateKey(ctx context.Context, ownerEmail string, credits int64) (string, error) {
	if credits < 0 {
		return "", fmt.Errorf("ledger: initial credits must be >= 0, got %d", credits)
	}
	key := keyPrefix + strings.ReplaceAll(uuid.NewString(), "-", "")
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO api_keys (key, owner_email, balance, created_at)
		VALUES (?, ?, ?, ?)
	`, key, ownerEmail, credits, time.Now().UnixMilli())
	if err != nil {
		return "", fmt.Errorf("create key: %w", err)
	}
	return key, nil
}

// Validate looks up an account by exact key match.
func (l *Ledger) Validate(ctx context.Context, key string) (*Account, error) {
	var a Account
	err := l.db.QueryRowContext(ctx, `
		SELECT key, owner_email, balance, created_at FROM api_keys WHERE key = ?
	`, key).Scan(&a.Key, &a.OwnerEmail, &a.Balance, &a.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrInvalidKey
	}
	if err != nil {
		return nil, fmt.Errorf("validate key: %w", err)
	}
	return &a, nil
}

// Deduct atomically subtracts amount from the key's balance. The balance
// check and the subtraction happen in a single statement, so two
// concurrent deductions can never both spend the last credit.
func (l *Ledger) Deduct(ctx context.Context, key string, amount int64) error {
	if amount < 0 {
		return fmt.Errorf("ledger: deduction must be >= 0, got %d", amount)
	}
	if amount == 0 {
		_, err := l.Validate(ctx, key)
		return err
	}

	res, err := l.db.ExecContext(ctx, `
		UPDATE api_keys SET balance = balance - ?
		WHERE key = ? AND balance >= ?
	`, amount, key, amount)
	if err != nil {
		return fmt.Errorf("deduct credits: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("deduct credits: %w", err)
	}
	if n == 0 {
		// Either the key is unknown or the balance is short.
		if _, verr := l.Validate(ctx, key); verr != nil {
			return verr
		}
		return ErrInsufficientCredits
	}
	return nil
}

// Credit adds credits to an existing key (purchase completion, refunds).
func (l *Ledger) Credit(ctx context.Context, key string, amount int64) error {
	if amount < 0 {
		return fmt.Errorf("ledger: credit must be >= 0, got %d", amount)
	}
	res, err := l.db.ExecContext(ctx, `
		UPDATE api_keys SET balance = balance + ? WHERE key = ?
	`, amount, key)
	if err != nil {
		return fmt.Errorf("credit key: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("credit key: %w", err)
	}
	if n == 0 {
		return ErrInvalidKey
	}
	return nil
}

// Balance returns the current credit balance for a key.
func (l *Ledger) Balance(ctx context.Context, key string) (int64, error) {
	a, err := l.Validate(ctx, key)
	if err != nil {
		return 0, err
	}
	return a.Balance, nil
}
