package state

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/kestrelhq/butler/pkg/models"
)

// Cache segment metadata operations

// UpsertCacheSegment registers a cache segment or refreshes an existing
// one. Re-registering an expired hash resets created_at and hit_count.
func (db *DB) UpsertCacheSegment(seg *models.CacheSegment) error {
	_, err := db.Exec(`
		INSERT INTO cache_segments (content_hash, token_count, created_at, ttl_seconds, hit_count)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(content_hash) DO UPDATE SET
			token_count = excluded.token_count,
			created_at = excluded.created_at,
			ttl_seconds = excluded.ttl_seconds,
			hit_count = excluded.hit_count
	`, seg.ContentHash, seg.TokenCount, formatTime(seg.CreatedAt),
		int64(seg.TTL/time.Second), seg.HitCount)
	if err != nil {
		return fmt.Errorf("upsert cache segment: %w", err)
	}
	return nil
}

// GetCacheSegment retrieves segment metadata by content hash.
// Returns nil if not found.
func (db *DB) GetCacheSegment(contentHash string) (*models.CacheSegment, error) {
	row := db.QueryRow(`
		SELECT content_hash, token_count, created_at, ttl_seconds, hit_count
		FROM cache_segments WHERE content_hash = ?
	`, contentHash)

	var seg models.CacheSegment
	var createdAt string
	var ttlSeconds int64
	err := row.Scan(&seg.ContentHash, &seg.TokenCount, &createdAt, &ttlSeconds, &seg.HitCount)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get cache segment: %w", err)
	}
	seg.CreatedAt, _ = parseTime(createdAt)
	seg.TTL = time.Duration(ttlSeconds) * time.Second
	return &seg, nil
}

// IncrementCacheHit bumps the hit count for a segment.
func (db *DB) IncrementCacheHit(contentHash string) error {
	_, err := db.Exec(`
		UPDATE cache_segments SET hit_count = hit_count + 1 WHERE content_hash = ?
	`, contentHash)
	if err != nil {
		return fmt.Errorf("increment cache hit: %w", err)
	}
	return nil
}

// DeleteCacheSegment removes a segment's metadata. Used only for lazy
// eviction when a lookup finds the segment expired.
func (db *DB) DeleteCacheSegment(contentHash string) error {
	_, err := db.Exec(`DELETE FROM cache_segments WHERE content_hash = ?`, contentHash)
	if err != nil {
		return fmt.Errorf("delete cache segment: %w", err)
	}
	return nil
}
