package models

import "time"

// CacheSegment is the metadata for a reusable prompt segment. Only
// segments at or above the model's minimum token count are registered;
// smaller parts are assembled inline every time.
type CacheSegment struct {
	// ContentHash is the SHA-256 hash of the segment text.
	ContentHash string `json:"content_hash"`
	// TokenCount is the estimated token count of the segment.
	TokenCount int `json:"token_count"`
	// CreatedAt is when the segment was first registered.
	CreatedAt time.Time `json:"created_at"`
	// TTL is how long the segment stays reusable after creation.
	TTL time.Duration `json:"ttl"`
	// HitCount is the number of times the segment was reused.
	HitCount int64 `json:"hit_count"`
}

// Expired returns true if the segment's TTL has elapsed at the given time.
func (s CacheSegment) Expired(now time.Time) bool {
	return now.After(s.CreatedAt.Add(s.TTL))
}
