package store

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mnemo-io/mnemo/internal/crypt"
)

// ErrNotFound is returned when a memory does not exist, has expired, or is
// not readable by the caller. The three cases are deliberately
// indistinguishable so existence cannot be probed.
var ErrNotFound = errors.New("store: memory not found")

// Memory is a fully materialized record as returned by Retrieve:
// decrypted content plus all non-secret fields.
type Memory struct {
	ID           string         `json:"memory_id"`
	OwnerID      string         `json:"owner_id"`
	Content      string         `json:"content"`
	Tags         []string       `json:"tags"`
	Metadata     map[string]any `json:"metadata"`
	CreatedAt    int64          `json:"created_at"`
	ExpiresAt    *int64         `json:"expires_at"`
	AccessCount  int            `json:"access_count"`
	LastAccessed *int64         `json:"last_accessed"`
}

// Summary describes a freshly stored memory. It carries neither the
// plaintext nor the ciphertext.
type Summary struct {
	ID        string         `json:"memory_id"`
	OwnerID   string         `json:"owner_id"`
	Tags      []string       `json:"tags"`
	Metadata  map[string]any `json:"metadata"`
	CreatedAt int64          `json:"created_at"`
	ExpiresAt *int64         `json:"expires_at"`
}

// Records is the encrypted record store: durable CRUD over memories and
// owner accounts, expiry bookkeeping, and usage accounting.
type Records struct {
	db    *DB
	codec *crypt.Codec
	log   *slog.Logger
}

// RecordsOption configures a Records store.
type RecordsOption func(*Records)

// WithLogger sets the logger used for operational events.
func WithLogger(logger *slog.Logger) RecordsOption {
	return func(r *Records) {
		if logger != nil {
			r.log = logger
		}
	}
}

// NewRecords creates a record store over an open database and codec.
func NewRecords(db *DB, codec *crypt.Codec, opts ...RecordsOption) *Records {
	r := &Records{db: db, codec: codec, log: slog.Default()}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// memoryID derives the record identifier from owner, plaintext, and
// creation time: sha256 truncated to 16 hex characters.
func memoryID(ownerID, content string, now time.Time) string {
	h := sha256.Sum256([]byte(ownerID + content + now.UTC().Format(time.RFC3339Nano)))
	return hex.EncodeToString(h[:])[:16]
}

// expired reports whether a record with the given expires_at is past its
// TTL at nowMs. A NULL expires_at never expires.
func expired(expiresAt *int64, nowMs int64) bool {
	return expiresAt != nil && nowMs > *expiresAt
}

// Store encrypts and persists a new memory. The owner account is created
// on first use; its lifetime counters grow by one record and by the
// ciphertext footprint. A ttl <= 0 means the memory never expires.
func (r *Records) Store(ctx context.Context, ownerID, content string, tags []string, metadata map[string]any, ttl time.Duration) (*Summary, error) {
	now := time.Now()
	id := memoryID(ownerID, content, now)

	sealed, err := r.codec.Encrypt([]byte(content))
	if err != nil {
		return nil, fmt.Errorf("encrypt memory: %w", err)
	}

	if tags == nil {
		tags = []string{}
	}
	if metadata == nil {
		metadata = map[string]any{}
	}
	tagsJSON, err := json.Marshal(tags)
	if err != nil {
		return nil, fmt.Errorf("marshal tags: %w", err)
	}
	metaJSON, err := json.Marshal(metadata)
	if err != nil {
		return nil, fmt.Errorf("marshal metadata: %w", err)
	}

	createdAt := now.UnixMilli()
	var expiresAt *int64
	if ttl > 0 {
		e := now.Add(ttl).UnixMilli()
		expiresAt = &e
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin store: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO owners (owner_id, total_memories, storage_bytes, created_at)
		VALUES (?, 0, 0, ?)
		ON CONFLICT(owner_id) DO NOTHING
	`, ownerID, createdAt); err != nil {
		return nil, fmt.Errorf("ensure owner: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO memories (id, owner_id, content, tags, metadata, created_at, expires_at, access_count)
		VALUES (?, ?, ?, ?, ?, ?, ?, 0)
	`, id, ownerID, sealed, string(tagsJSON), string(metaJSON), createdAt, expiresAt); err != nil {
		return nil, fmt.Errorf("insert memory: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE owners SET total_memories = total_memories + 1, storage_bytes = storage_bytes + ?
		WHERE owner_id = ?
	`, len(sealed), ownerID); err != nil {
		return nil, fmt.Errorf("update owner accounting: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit store: %w", err)
	}

	return &Summary{
		ID:        id,
		OwnerID:   ownerID,
		Tags:      tags,
		Metadata:  metadata,
		CreatedAt: createdAt,
		ExpiresAt: expiresAt,
	}, nil
}

// Retrieve returns a memory with its decrypted content and bumps the
// access counters. An expired memory is removed as a side effect of the
// read and reported as not found. Undecryptable content is also reported
// as not found; the condition is logged for operational visibility.
func (r *Records) Retrieve(ctx context.Context, id string) (*Memory, error) {
	var (
		m         Memory
		sealed    []byte
		tagsJSON  string
		metaJSON  string
		expiresAt sql.NullInt64
		lastAcc   sql.NullInt64
	)
	err := r.db.QueryRowContext(ctx, `
		SELECT id, owner_id, content, tags, metadata, created_at, expires_at, access_count, last_accessed
		FROM memories WHERE id = ?
	`, id).Scan(&m.ID, &m.OwnerID, &sealed, &tagsJSON, &metaJSON, &m.CreatedAt, &expiresAt, &m.AccessCount, &lastAcc)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get memory: %w", err)
	}
	if expiresAt.Valid {
		m.ExpiresAt = &expiresAt.Int64
	}

	now := time.Now().UnixMilli()
	if expired(m.ExpiresAt, now) {
		// Lazy expiry: the read that touches an expired record removes it.
		if _, err := r.db.ExecContext(ctx, `DELETE FROM memories WHERE id = ?`, id); err != nil {
			return nil, fmt.Errorf("remove expired memory: %w", err)
		}
		return nil, ErrNotFound
	}

	plaintext, err := r.codec.Decrypt(sealed)
	if err != nil {
		// Fail closed. The caller sees not-found; ops sees the real cause.
		r.log.Warn("memory content undecryptable", "id", id, "err", err)
		return nil, ErrNotFound
	}
	m.Content = string(plaintext)

	if err := json.Unmarshal([]byte(tagsJSON), &m.Tags); err != nil {
		return nil, fmt.Errorf("unmarshal tags: %w", err)
	}
	if err := json.Unmarshal([]byte(metaJSON), &m.Metadata); err != nil {
		return nil, fmt.Errorf("unmarshal metadata: %w", err)
	}

	// Relative update so concurrent retrievals never lose an increment.
	if _, err := r.db.ExecContext(ctx, `
		UPDATE memories SET access_count = access_count + 1, last_accessed = ?
		WHERE id = ?
	`, now, id); err != nil {
		return nil, fmt.Errorf("update access counters: %w", err)
	}
	m.AccessCount++
	m.LastAccessed = &now

	return &m, nil
}

// Delete removes a memory permanently. It fails with ErrNotFound when the
// id does not exist or belongs to a different owner; the two cases are
// intentionally identical. On success the owner's lifetime counters shrink
// by one record and the ciphertext footprint.
func (r *Records) Delete(ctx context.Context, id, ownerID string) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin delete: %w", err)
	}
	defer tx.Rollback()

	var size int64
	err = tx.QueryRowContext(ctx, `
		SELECT length(content) FROM memories WHERE id = ? AND owner_id = ?
	`, id, ownerID).Scan(&size)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("check memory owner: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM memories WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete memory: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE owners SET total_memories = total_memories - 1, storage_bytes = storage_bytes - ?
		WHERE owner_id = ?
	`, size, ownerID); err != nil {
		return fmt.Errorf("update owner accounting: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit delete: %w", err)
	}
	return nil
}

// ReclaimExpired removes every expired memory in one sweep and returns the
// number removed. Owner counters are left untouched: expiry is not an
// owner-initiated delete, so lifetime accounting keeps the reclaimed
// footprint (see DESIGN.md).
func (r *Records) ReclaimExpired(ctx context.Context) (int, error) {
	res, err := r.db.ExecContext(ctx, `
		DELETE FROM memories WHERE expires_at IS NOT NULL AND expires_at < ?
	`, time.Now().UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("reclaim expired: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("reclaim expired: %w", err)
	}
	return int(n), nil
}
