package grant

import (
	"context"
	"hash/maphash"
	"sync"
	"time"

	sserr "github.com/StricklySoft/jwt-bearer-grant/pkg/errors"
)

// ReplayEntry records the last accepted assertion for a jti.
type ReplayEntry struct {
	JTI       string    `json:"jti"`
	ExpiresAt time.Time `json:"exp"`

	// TokenHash is the hex SHA-256 of the cached assertion.
	TokenHash string    `json:"token_hash"`
	StoredAt  time.Time `json:"stored_at"`
}

// ReplayCache stores the last accepted assertion per jti.
//
// Admit is the only method the validator calls on the hot path. It reads
// the cached entry for entry.JTI, passes it (nil on a miss) to decide, and
// stores entry only when decide returns nil. Two Admit calls for the same
// jti must never interleave their read and write; that is what makes a
// jti single-use under concurrency.
type ReplayCache interface {
	Lookup(ctx context.Context, jti string) (*ReplayEntry, error)
	Store(ctx context.Context, entry ReplayEntry) error
	Admit(ctx context.Context, entry ReplayEntry, decide func(cached *ReplayEntry) error) error
}

// ReplayPolicy decides whether a cached entry blocks a new presentation
// of its jti.
type ReplayPolicy struct {
	Skew time.Duration

	// Now defaults to time.Now.
	Now func() time.Time
}

// Check returns [sserr.CodeGrantReplayed] when cached is still valid at
// now+skew. A nil cached entry, or one whose expiry has passed, admits the
// new assertion, which then replaces it.
func (p ReplayPolicy) Check(cached *ReplayEntry) error {
	if cached == nil {
		return nil
	}
	now := time.Now()
	if p.Now != nil {
		now = p.Now()
	}
	if now.UnixMilli()+p.Skew.Milliseconds() > cached.ExpiresAt.UnixMilli() {
		return nil
	}
	return sserr.Newf(sserr.CodeGrantReplayed,
		"grant: jti %q was already used and its assertion is valid until %s",
		cached.JTI, cached.ExpiresAt.UTC().Format(time.RFC3339)).
		WithDetail("cached_exp", cached.ExpiresAt.UnixMilli())
}

// ---------------------------------------------------------------------------
// MemoryReplayCache
// ---------------------------------------------------------------------------

const replayLockStripes = 64

// MemoryReplayCache is a process-local ReplayCache. Admit serializes
// per jti with striped locks; the entry map has its own lock.
//
// When full, it first drops entries whose expiry plus the retention
// period has passed, then the entry that expires soonest.
type MemoryReplayCache struct {
	stripes [replayLockStripes]sync.Mutex
	seed    maphash.Seed

	mu        sync.Mutex
	entries   map[string]ReplayEntry
	maxSize   int
	retention time.Duration
	now       func() time.Time
}

var _ ReplayCache = (*MemoryReplayCache)(nil)

// NewMemoryReplayCache returns a cache holding at most maxSize entries.
// retention is how long past its expiry an entry is still worth keeping;
// the validator passes its clock skew.
func NewMemoryReplayCache(maxSize int, retention time.Duration) *MemoryReplayCache {
	if maxSize <= 0 {
		maxSize = DefaultConfig().ReplayCacheMaxSize
	}
	return &MemoryReplayCache{
		seed:      maphash.MakeSeed(),
		entries:   make(map[string]ReplayEntry),
		maxSize:   maxSize,
		retention: retention,
		now:       time.Now,
	}
}

// Lookup returns a copy of the entry cached for jti, or nil, nil.
func (c *MemoryReplayCache) Lookup(_ context.Context, jti string) (*ReplayEntry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[jti]; ok {
		return &e, nil
	}
	return nil, nil
}

// Store upserts entry, evicting first when the cache is full. An entry
// without a jti is an [sserr.CodeValidationRequired] error.
func (c *MemoryReplayCache) Store(_ context.Context, entry ReplayEntry) error {
	if entry.JTI == "" {
		return sserr.New(sserr.CodeValidationRequired, "grant: replay entry has no jti")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.putLocked(entry)
	return nil
}

// Admit holds the jti's stripe lock across the lookup, decide and the
// write, so concurrent Admits of one jti run one after another. entry is
// stored only when decide returns nil; decide's error is returned as is.
func (c *MemoryReplayCache) Admit(ctx context.Context, entry ReplayEntry, decide func(cached *ReplayEntry) error) error {
	if entry.JTI == "" {
		return sserr.New(sserr.CodeValidationRequired, "grant: replay entry has no jti")
	}
	stripe := &c.stripes[maphash.String(c.seed, entry.JTI)%replayLockStripes]
	stripe.Lock()
	defer stripe.Unlock()

	cached, err := c.Lookup(ctx, entry.JTI)
	if err != nil {
		return err
	}
	if err := decide(cached); err != nil {
		return err
	}
	return c.Store(ctx, entry)
}

// Len returns the number of cached entries.
func (c *MemoryReplayCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *MemoryReplayCache) putLocked(entry ReplayEntry) {
	if entry.StoredAt.IsZero() {
		entry.StoredAt = c.now()
	}
	if _, exists := c.entries[entry.JTI]; !exists && len(c.entries) >= c.maxSize {
		c.evictLocked()
	}
	c.entries[entry.JTI] = entry
}

func (c *MemoryReplayCache) evictLocked() {
	cutoff := c.now().Add(-c.retention)
	for k, e := range c.entries {
		if e.ExpiresAt.Before(cutoff) {
			delete(c.entries, k)
		}
	}
	if len(c.entries) < c.maxSize {
		return
	}

	var (
		victim string
		soon   time.Time
		first  = true
	)
	for k, e := range c.entries {
		if first || e.ExpiresAt.Before(soon) {
			victim, soon, first = k, e.ExpiresAt, false
		}
	}
	delete(c.entries, victim)
}
