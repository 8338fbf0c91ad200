// Package promptcache tracks reusable prompt segments and decides which
// parts of an assembled prompt get a provider cache hint. Static,
// high-reuse parts (instructions, boilerplate context) are hashed and
// tracked; volatile parts (the current user text, freshly retrieved
// facts) are never cached. Segments below the model's minimum token
// count are assembled inline and never registered, since marking them
// would add overhead without benefit.
package promptcache

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log"
	"time"

	"github.com/dgraph-io/ristretto/v2"

	"github.com/kestrelhq/butler/internal/llm"
	"github.com/kestrelhq/butler/internal/state"
	"github.com/kestrelhq/butler/pkg/models"
)

// Part is one piece of a prompt handed to Prepare.
type Part struct {
	// Text is the part's content.
	Text string
	// Volatile marks content that must never be cached.
	Volatile bool
}

// SegmentMeta describes what happened to one static part during Prepare.
type SegmentMeta struct {
	// ContentHash is the SHA-256 hash of the part text.
	ContentHash string
	// TokenCount is the estimated token count.
	TokenCount int
	// Hit is true if the segment was found unexpired.
	Hit bool
	// Registered is true if the part was tracked as a cache segment
	// (false for parts below the minimum token count).
	Registered bool
}

// Meta summarizes cache activity for one Prepare call.
type Meta struct {
	Segments []SegmentMeta
	Hits     int
	Misses   int
}

// Hit reports whether every registered segment was served from cache.
func (m Meta) Hit() bool {
	return m.Misses == 0 && m.Hits > 0
}

// Prepared is the output of Prepare: the assembled system parts with
// cache hints set, plus the cache metadata.
type Prepared struct {
	System []llm.SystemPart
	Meta   Meta
}

// Config holds cache manager settings.
type Config struct {
	// MinTokens is the minimum estimated token count for a part to be
	// registered as a cache segment.
	MinTokens int
	// TTL is how long a segment stays reusable.
	TTL time.Duration
	// MaxBytes is the in-process content cache capacity.
	MaxBytes int64
}

// segment is an in-process cache entry. The expiry is carried in the
// value so the manager's clock decides freshness, not ristretto's.
type segment struct {
	text      string
	expiresAt time.Time
}

// Manager is the prompt cache manager. Lookups consult two tiers: an
// in-process ristretto cache answers first, and the persistent store
// answers on a ristretto miss so reuse survives restarts. Segment
// metadata (hashes, hit counts) always persists in the store. Expired
// segments are evicted lazily on the next lookup, never swept
// mid-session.
type Manager struct {
	cache *ristretto.Cache[string, segment]
	store state.CacheStore
	cfg   Config
	now   func() time.Time // for testing
}

// NewManager creates a prompt cache manager.
func NewManager(store state.CacheStore, cfg Config) (*Manager, error) {
	if cfg.MinTokens <= 0 {
		cfg.MinTokens = 1024
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 5 * time.Minute
	}
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = 64 << 20
	}

	cache, err := ristretto.NewCache(&ristretto.Config[string, segment]{
		NumCounters: cfg.MaxBytes / 100 * 10, // ~10x expected items
		MaxCost:     cfg.MaxBytes,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("create segment cache: %w", err)
	}

	return &Manager{
		cache: cache,
		store: store,
		cfg:   cfg,
		now:   time.Now,
	}, nil
}

// Close releases the in-process cache.
func (m *Manager) Close() {
	m.cache.Close()
}

// Prepare assembles the prompt parts into system parts for a completion
// call and reports cache metadata. Part order is preserved.
func (m *Manager) Prepare(parts []Part) (*Prepared, error) {
	out := &Prepared{}

	for _, p := range parts {
		if p.Volatile {
			out.System = append(out.System, llm.SystemPart{Text: p.Text})
			continue
		}

		tokens := llm.EstimateTokens(p.Text)
		if tokens < m.cfg.MinTokens {
			// Too small to be worth marking; assemble inline.
			out.System = append(out.System, llm.SystemPart{Text: p.Text})
			out.Meta.Segments = append(out.Meta.Segments, SegmentMeta{
				ContentHash: hashContent(p.Text),
				TokenCount:  tokens,
			})
			continue
		}

		seg, err := m.lookup(p.Text, tokens)
		if err != nil {
			return nil, err
		}
		out.System = append(out.System, llm.SystemPart{Text: p.Text, Cached: true})
		out.Meta.Segments = append(out.Meta.Segments, seg)
		if seg.Hit {
			out.Meta.Hits++
		} else {
			out.Meta.Misses++
		}
	}

	return out, nil
}

// lookup finds or registers the segment for a static part. The
// in-process tier answers first; the store is consulted only on a
// ristretto miss or an expired entry.
func (m *Manager) lookup(text string, tokens int) (SegmentMeta, error) {
	hash := hashContent(text)
	meta := SegmentMeta{ContentHash: hash, TokenCount: tokens, Registered: true}
	now := m.now()

	if entry, ok := m.cache.Get(hash); ok && now.Before(entry.expiresAt) {
		meta.Hit = true
		if err := m.store.IncrementCacheHit(hash); err != nil {
			return meta, fmt.Errorf("record hit: %w", err)
		}
		return meta, nil
	}

	existing, err := m.store.GetCacheSegment(hash)
	if err != nil {
		return meta, fmt.Errorf("lookup segment: %w", err)
	}

	if existing != nil && !existing.Expired(now) {
		meta.Hit = true
		if err := m.store.IncrementCacheHit(hash); err != nil {
			return meta, fmt.Errorf("record hit: %w", err)
		}
		m.add(hash, text, existing.CreatedAt.Add(existing.TTL))
		return meta, nil
	}

	if existing != nil {
		// Lazy eviction on lookup.
		log.Printf("[promptcache] segment %s expired, evicting", hash[:12])
		if err := m.store.DeleteCacheSegment(hash); err != nil {
			return meta, fmt.Errorf("evict segment: %w", err)
		}
	}
	m.cache.Del(hash)

	seg := &models.CacheSegment{
		ContentHash: hash,
		TokenCount:  tokens,
		CreatedAt:   now,
		TTL:         m.cfg.TTL,
	}
	if err := m.store.UpsertCacheSegment(seg); err != nil {
		return meta, fmt.Errorf("register segment: %w", err)
	}
	m.add(hash, text, now.Add(m.cfg.TTL))

	return meta, nil
}

// add installs a segment in the in-process tier and flushes the set
// buffer so the entry is visible to the next lookup.
func (m *Manager) add(hash, text string, expiresAt time.Time) {
	m.cache.SetWithTTL(hash, segment{text: text, expiresAt: expiresAt}, int64(len(text)), m.cfg.TTL)
	m.cache.Wait()
}

// hashContent computes the SHA-256 hash of segment content.
func hashContent(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}
