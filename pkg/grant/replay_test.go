package grant

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/StricklySoft/jwt-bearer-grant/internal/testutil"
	sserr "github.com/StricklySoft/jwt-bearer-grant/pkg/errors"
)

// ===========================================================================
// ReplayPolicy
// ===========================================================================

func TestReplayPolicy_Check(t *testing.T) {
	t.Parallel()
	now := time.UnixMilli(1_800_000_000_000)
	skew := 300 * time.Second
	p := ReplayPolicy{Skew: skew, Now: func() time.Time { return now }}

	assert.NoError(t, p.Check(nil), "a miss admits")

	// now+skew == cached exp: the cached token is still valid.
	live := &ReplayEntry{JTI: "j", ExpiresAt: now.Add(skew)}
	err := p.Check(live)
	testutil.RequireErrorCode(t, err, sserr.CodeGrantReplayed)
	e, _ := sserr.AsError(err)
	assert.Equal(t, live.ExpiresAt.UnixMilli(), e.Details["cached_exp"])

	// One millisecond later it counts as expired and the jti may be reused.
	expired := &ReplayEntry{JTI: "j", ExpiresAt: now.Add(skew - time.Millisecond)}
	assert.NoError(t, p.Check(expired))
}

// ===========================================================================
// MemoryReplayCache
// ===========================================================================

func TestMemoryReplayCache_LookupStore(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	c := NewMemoryReplayCache(10, time.Minute)

	got, err := c.Lookup(ctx, "missing")
	require.NoError(t, err)
	assert.Nil(t, got)

	exp := time.Now().Add(time.Hour)
	require.NoError(t, c.Store(ctx, ReplayEntry{JTI: "a", ExpiresAt: exp, TokenHash: "h1"}))
	got, err = c.Lookup(ctx, "a")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "h1", got.TokenHash)
	assert.False(t, got.StoredAt.IsZero(), "StoredAt is filled in")

	require.NoError(t, c.Store(ctx, ReplayEntry{JTI: "a", ExpiresAt: exp, TokenHash: "h2"}))
	got, _ = c.Lookup(ctx, "a")
	assert.Equal(t, "h2", got.TokenHash, "store overwrites")
	assert.Equal(t, 1, c.Len())
}

func TestMemoryReplayCache_EmptyJTI(t *testing.T) {
	t.Parallel()
	c := NewMemoryReplayCache(10, 0)
	testutil.RequireErrorCode(t, c.Store(context.Background(), ReplayEntry{}), sserr.CodeValidationRequired)
	err := c.Admit(context.Background(), ReplayEntry{}, func(*ReplayEntry) error { return nil })
	testutil.RequireErrorCode(t, err, sserr.CodeValidationRequired)
}

func TestMemoryReplayCache_AdmitStoresOnlyOnSuccess(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	c := NewMemoryReplayCache(10, 0)
	entry := ReplayEntry{JTI: "j", ExpiresAt: time.Now().Add(time.Hour)}

	rejected := errors.New("rejected")
	err := c.Admit(ctx, entry, func(cached *ReplayEntry) error {
		assert.Nil(t, cached)
		return rejected
	})
	require.ErrorIs(t, err, rejected)
	assert.Equal(t, 0, c.Len())

	require.NoError(t, c.Admit(ctx, entry, func(*ReplayEntry) error { return nil }))
	assert.Equal(t, 1, c.Len())

	var seen *ReplayEntry
	_ = c.Admit(ctx, entry, func(cached *ReplayEntry) error {
		seen = cached
		return rejected
	})
	require.NotNil(t, seen)
	assert.Equal(t, "j", seen.JTI)
}

func TestMemoryReplayCache_EvictsExpiredFirst(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	now := time.UnixMilli(1_800_000_000_000)
	c := NewMemoryReplayCache(3, time.Minute)
	c.now = func() time.Time { return now }

	require.NoError(t, c.Store(ctx, ReplayEntry{JTI: "old", ExpiresAt: now.Add(-time.Hour)}))
	require.NoError(t, c.Store(ctx, ReplayEntry{JTI: "soon", ExpiresAt: now.Add(time.Minute)}))
	require.NoError(t, c.Store(ctx, ReplayEntry{JTI: "late", ExpiresAt: now.Add(time.Hour)}))
	require.NoError(t, c.Store(ctx, ReplayEntry{JTI: "new", ExpiresAt: now.Add(time.Hour)}))

	assert.Equal(t, 3, c.Len())
	got, _ := c.Lookup(ctx, "old")
	assert.Nil(t, got, "entry past exp+retention is evicted")
	got, _ = c.Lookup(ctx, "soon")
	assert.NotNil(t, got)
}

func TestMemoryReplayCache_EvictsSoonestExpiringWhenFull(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	now := time.UnixMilli(1_800_000_000_000)
	c := NewMemoryReplayCache(2, time.Minute)
	c.now = func() time.Time { return now }

	require.NoError(t, c.Store(ctx, ReplayEntry{JTI: "soon", ExpiresAt: now.Add(time.Minute)}))
	require.NoError(t, c.Store(ctx, ReplayEntry{JTI: "late", ExpiresAt: now.Add(time.Hour)}))
	require.NoError(t, c.Store(ctx, ReplayEntry{JTI: "new", ExpiresAt: now.Add(time.Hour)}))

	assert.Equal(t, 2, c.Len())
	got, _ := c.Lookup(ctx, "soon")
	assert.Nil(t, got)
	got, _ = c.Lookup(ctx, "late")
	assert.NotNil(t, got)
}

func TestMemoryReplayCache_ConcurrentAdmitIsSingleUse(t *testing.T) {
	t.Parallel()
	const workers = 32
	ctx := context.Background()
	c := NewMemoryReplayCache(100, 0)
	policy := ReplayPolicy{}
	entry := ReplayEntry{JTI: "shared", ExpiresAt: time.Now().Add(time.Hour)}

	var accepted, replayed atomic.Int32
	var wg sync.WaitGroup
	start := make(chan struct{})
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			err := c.Admit(ctx, entry, policy.Check)
			switch {
			case err == nil:
				accepted.Add(1)
			case sserr.IsReplayedToken(err):
				replayed.Add(1)
			}
		}()
	}
	close(start)
	wg.Wait()

	assert.Equal(t, int32(1), accepted.Load())
	assert.Equal(t, int32(workers-1), replayed.Load())
}

func TestMemoryReplayCache_DistinctJTIsDoNotContend(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	c := NewMemoryReplayCache(1000, 0)
	policy := ReplayPolicy{}

	var wg sync.WaitGroup
	errs := make(chan error, 100)
	for i := range 100 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			entry := ReplayEntry{JTI: fmt.Sprintf("jti-%d", i), ExpiresAt: time.Now().Add(time.Hour)}
			errs <- c.Admit(ctx, entry, policy.Check)
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		assert.NoError(t, err)
	}
	assert.Equal(t, 100, c.Len())
}
