package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"
)

// previewLength is the number of characters of decrypted content included
// in a search preview.
const previewLength = 200

// encryptedPlaceholder is returned as the preview when no query is given:
// content is not decrypted at all in that case.
const encryptedPlaceholder = "[Encrypted]"

// SearchOpts filters a search over one owner's memories.
type SearchOpts struct {
	Query string   // case-insensitive substring on decrypted content
	Tags  []string // keep a memory if ANY requested tag is present
	Limit int      // defaults to 10
}

// Preview is a single search result.
type Preview struct {
	ID          string         `json:"memory_id"`
	Tags        []string       `json:"tags"`
	Metadata    map[string]any `json:"metadata"`
	Preview     string         `json:"content_preview"`
	CreatedAt   int64          `json:"created_at"`
	AccessCount int            `json:"access_count"`
}

// Search filters the owner's memories by tags and decrypted-content
// substring, excluding expired records without removing them.
//
// Ordering contract, pinned: matches are collected in storage order and the
// limit short-circuits that collection; only the capped set is then sorted
// by created_at descending. The result is "first limit matches, newest
// first", not the true top-limit newest matches.
func (r *Records) Search(ctx context.Context, ownerID string, opts SearchOpts) ([]Preview, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = 10
	}
	query := strings.ToLower(opts.Query)
	now := time.Now().UnixMilli()

	rows, err := r.db.QueryContext(ctx, `
		SELECT id, content, tags, metadata, created_at, expires_at, access_count
		FROM memories WHERE owner_id = ?
		ORDER BY rowid
	`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("search memories: %w", err)
	}
	defer rows.Close()

	var results []Preview
	for rows.Next() {
		var (
			p         Preview
			sealed    []byte
			tagsJSON  string
			metaJSON  string
			expiresAt *int64
		)
		if err := rows.Scan(&p.ID, &sealed, &tagsJSON, &metaJSON, &p.CreatedAt, &expiresAt, &p.AccessCount); err != nil {
			return nil, fmt.Errorf("scan memory: %w", err)
		}
		if expired(expiresAt, now) {
			continue
		}
		if err := json.Unmarshal([]byte(tagsJSON), &p.Tags); err != nil {
			return nil, fmt.Errorf("unmarshal tags: %w", err)
		}
		if len(opts.Tags) > 0 && !anyTagMatch(p.Tags, opts.Tags) {
			continue
		}

		if query != "" {
			plaintext, err := r.codec.Decrypt(sealed)
			if err != nil {
				// Undecryptable memories are invisible to search.
				continue
			}
			content := string(plaintext)
			if !strings.Contains(strings.ToLower(content), query) {
				continue
			}
			p.Preview = truncate(content, previewLength)
		} else {
			p.Preview = encryptedPlaceholder
		}

		if err := json.Unmarshal([]byte(metaJSON), &p.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshal metadata: %w", err)
		}

		results = append(results, p)
		if len(results) >= limit {
			break
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("search memories: %w", err)
	}

	sort.SliceStable(results, func(i, j int) bool {
		return results[i].CreatedAt > results[j].CreatedAt
	})
	return results, nil
}

// anyTagMatch reports whether the record's tags intersect the requested
// tags (OR semantics).
func anyTagMatch(have, want []string) bool {
	for _, w := range want {
		for _, h := range have {
			if h == w {
				return true
			}
		}
	}
	return false
}

// truncate cuts s to at most n characters (code points, not bytes).
func truncate(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}
