package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// OwnerStats summarizes one owner's usage. ActiveMemories is recomputed
// live from the records table; the other counters are lifetime values from
// the owner account.
type OwnerStats struct {
	OwnerID        string `json:"owner_id"`
	ActiveMemories int    `json:"active_memories"`
	TotalMemories  int    `json:"total_memories_stored"`
	StorageBytes   int64  `json:"storage_used_bytes"`
	CreatedAt      int64  `json:"created_at"`
}

// Stats returns usage statistics for an owner, or nil if the owner has
// never stored a memory.
func (r *Records) Stats(ctx context.Context, ownerID string) (*OwnerStats, error) {
	var st OwnerStats
	err := r.db.QueryRowContext(ctx, `
		SELECT owner_id, total_memories, storage_bytes, created_at
		FROM owners WHERE owner_id = ?
	`, ownerID).Scan(&st.OwnerID, &st.TotalMemories, &st.StorageBytes, &st.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get owner: %w", err)
	}

	err = r.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM memories
		WHERE owner_id = ? AND (expires_at IS NULL OR expires_at >= ?)
	`, ownerID, time.Now().UnixMilli()).Scan(&st.ActiveMemories)
	if err != nil {
		return nil, fmt.Errorf("count active memories: %w", err)
	}

	return &st, nil
}
