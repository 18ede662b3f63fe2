package redisstore

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/StricklySoft/jwt-bearer-grant/internal/testutil"
	"github.com/StricklySoft/jwt-bearer-grant/pkg/clients/redis"
	sserr "github.com/StricklySoft/jwt-bearer-grant/pkg/errors"
	"github.com/StricklySoft/jwt-bearer-grant/pkg/grant"
)

// ===========================================================================
// Helpers
// ===========================================================================

func newMiniClient(t *testing.T) (*redis.Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return redis.NewFromClient(rdb, nil), mr
}

func fixedNow(now time.Time) Option {
	return func(o *options) { o.now = func() time.Time { return now } }
}

func entry(jti string, exp time.Time) grant.ReplayEntry {
	return grant.ReplayEntry{JTI: jti, ExpiresAt: exp, TokenHash: "hash-" + jti}
}

func admitAll(*grant.ReplayEntry) error { return nil }

// ===========================================================================
// ReplayCache
// ===========================================================================

func TestReplayCache_LookupMiss(t *testing.T) {
	t.Parallel()
	rc, _ := newMiniClient(t)
	c := NewReplayCache(rc)

	got, err := c.Lookup(context.Background(), "never-seen")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestReplayCache_StoreAndLookup(t *testing.T) {
	t.Parallel()
	rc, mr := newMiniClient(t)
	now := time.Now().Truncate(time.Millisecond)
	c := NewReplayCache(rc, fixedNow(now), WithRetention(5*time.Minute), WithKeyPrefix("test:"))

	require.NoError(t, c.Store(context.Background(), entry("jti-1", now.Add(10*time.Minute))))

	got, err := c.Lookup(context.Background(), "jti-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "jti-1", got.JTI)
	assert.True(t, got.ExpiresAt.Equal(now.Add(10*time.Minute)))
	assert.True(t, got.StoredAt.Equal(now))

	key := "test:jti:" + hashKey("jti-1")
	assert.True(t, mr.Exists(key))
	assert.Equal(t, 15*time.Minute, mr.TTL(key))
}

func TestReplayCache_TTLFloor(t *testing.T) {
	t.Parallel()
	rc, mr := newMiniClient(t)
	now := time.Now()
	c := NewReplayCache(rc, fixedNow(now))

	require.NoError(t, c.Store(context.Background(), entry("stale", now.Add(-time.Hour))))
	assert.Equal(t, minTTL, mr.TTL(c.key("stale")))
}

func TestReplayCache_EntryExpiresWithRetention(t *testing.T) {
	t.Parallel()
	rc, mr := newMiniClient(t)
	now := time.Now()
	c := NewReplayCache(rc, fixedNow(now), WithRetention(time.Minute))

	require.NoError(t, c.Store(context.Background(), entry("jti-1", now.Add(time.Minute))))
	mr.FastForward(2*time.Minute + time.Second)

	got, err := c.Lookup(context.Background(), "jti-1")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestReplayCache_EmptyJTI(t *testing.T) {
	t.Parallel()
	rc, _ := newMiniClient(t)
	c := NewReplayCache(rc)

	testutil.RequireErrorCode(t, c.Store(context.Background(), entry("", time.Now())), sserr.CodeValidationRequired)
	testutil.RequireErrorCode(t, c.Admit(context.Background(), entry("", time.Now()), admitAll), sserr.CodeValidationRequired)
}

func TestReplayCache_CorruptEntry(t *testing.T) {
	t.Parallel()
	rc, mr := newMiniClient(t)
	c := NewReplayCache(rc)
	require.NoError(t, mr.Set(c.key("jti-1"), "{not json"))

	_, err := c.Lookup(context.Background(), "jti-1")
	testutil.RequireErrorCode(t, err, sserr.CodeInternalDatabase)

	err = c.Admit(context.Background(), entry("jti-1", time.Now().Add(time.Hour)), admitAll)
	testutil.RequireErrorCode(t, err, sserr.CodeInternalDatabase)
}

func TestReplayCache_AdmitStoresOnlyOnSuccess(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	rc, _ := newMiniClient(t)
	c := NewReplayCache(rc)
	exp := time.Now().Add(time.Hour)

	var seen *grant.ReplayEntry
	require.NoError(t, c.Admit(ctx, entry("jti-1", exp), func(cached *grant.ReplayEntry) error {
		seen = cached
		return nil
	}))
	assert.Nil(t, seen)

	rejection := sserr.New(sserr.CodeGrantCustomClaims, "nope")
	err := c.Admit(ctx, entry("jti-2", exp), func(*grant.ReplayEntry) error { return rejection })
	assert.Same(t, rejection, err)

	got, err := c.Lookup(ctx, "jti-2")
	require.NoError(t, err)
	assert.Nil(t, got)

	require.NoError(t, c.Admit(ctx, entry("jti-1", exp.Add(time.Hour)), func(cached *grant.ReplayEntry) error {
		seen = cached
		return nil
	}))
	require.NotNil(t, seen)
	assert.Equal(t, exp.UnixMilli(), seen.ExpiresAt.UnixMilli())
	assert.Equal(t, "hash-jti-1", seen.TokenHash)
}

func TestReplayCache_AdmitWithReplayPolicy(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	rc, _ := newMiniClient(t)
	now := time.Now()
	c := NewReplayCache(rc, fixedNow(now), WithRetention(time.Minute))
	policy := grant.ReplayPolicy{Skew: time.Minute, Now: func() time.Time { return now }}

	require.NoError(t, c.Admit(ctx, entry("jti-1", now.Add(10*time.Minute)), policy.Check))
	err := c.Admit(ctx, entry("jti-1", now.Add(10*time.Minute)), policy.Check)
	testutil.RequireErrorCode(t, err, sserr.CodeGrantReplayed)

	// A cached assertion that expires within the skew no longer blocks.
	require.NoError(t, c.Store(ctx, entry("jti-2", now.Add(30*time.Second))))
	require.NoError(t, c.Admit(ctx, entry("jti-2", now.Add(10*time.Minute)), policy.Check))

	got, err := c.Lookup(ctx, "jti-2")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, now.Add(10*time.Minute).UnixMilli(), got.ExpiresAt.UnixMilli())
}

func TestReplayCache_AdmitConcurrentSingleUse(t *testing.T) {
	t.Parallel()
	rc, _ := newMiniClient(t)
	c := NewReplayCache(rc, WithMaxRetries(64))
	policy := grant.ReplayPolicy{}
	exp := time.Now().Add(time.Hour)

	const workers = 16
	var admitted, replayed atomic.Int32
	var wg sync.WaitGroup
	start := make(chan struct{})
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			err := c.Admit(context.Background(), entry("shared", exp), policy.Check)
			switch {
			case err == nil:
				admitted.Add(1)
			case sserr.IsReplayedToken(err):
				replayed.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	close(start)
	wg.Wait()

	assert.Equal(t, int32(1), admitted.Load())
	assert.Equal(t, int32(workers-1), replayed.Load())
}

func TestReplayCache_AdmitConflictExhaustsRetries(t *testing.T) {
	t.Parallel()
	rc, mr := newMiniClient(t)
	c := NewReplayCache(rc, WithMaxRetries(3))

	var calls int
	err := c.Admit(context.Background(), entry("jti-1", time.Now().Add(time.Hour)), func(*grant.ReplayEntry) error {
		calls++
		// A write between WATCH and EXEC aborts the transaction.
		require.NoError(t, mr.Set(c.key("jti-1"), `{"jti":"jti-1"}`))
		return nil
	})
	testutil.RequireErrorCode(t, err, sserr.CodeConflictVersionMismatch)
	assert.Equal(t, 3, calls)
}

func TestReplayCache_AdmitRetriesAfterConflict(t *testing.T) {
	t.Parallel()
	rc, mr := newMiniClient(t)
	c := NewReplayCache(rc)
	exp := time.Now().Add(time.Hour)

	var calls int
	var last *grant.ReplayEntry
	err := c.Admit(context.Background(), entry("jti-1", exp), func(cached *grant.ReplayEntry) error {
		calls++
		last = cached
		if calls == 1 {
			require.NoError(t, mr.Set(c.key("jti-1"), `{"jti":"jti-1","token_hash":"other"}`))
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
	require.NotNil(t, last)
	assert.Equal(t, "other", last.TokenHash)
}

func TestReplayCache_ServerDown(t *testing.T) {
	t.Parallel()
	rc, mr := newMiniClient(t)
	c := NewReplayCache(rc)
	mr.Close()

	_, err := c.Lookup(context.Background(), "jti-1")
	testutil.RequireErrorCode(t, err, sserr.CodeInternalDatabase)
	err = c.Admit(context.Background(), entry("jti-1", time.Now().Add(time.Hour)), admitAll)
	testutil.RequireErrorCode(t, err, sserr.CodeInternalDatabase)
}

// ===========================================================================
// AttributeCache
// ===========================================================================

func TestAttributeCache_PutGetDelete(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	rc, mr := newMiniClient(t)
	c := NewAttributeCache(rc, time.Hour)

	want := grant.AttributeEntry{
		SubjectClaim: "alice@acme.com",
		TokenID:      "tid-1",
		Attributes:   map[string]string{"email": "alice@acme.com"},
	}
	require.NoError(t, c.Put(ctx, "access-token", want))
	assert.Equal(t, time.Hour, mr.TTL(c.key("access-token")))

	got, err := c.Get(ctx, "access-token")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, want, *got)

	require.NoError(t, c.Delete(ctx, "access-token"))
	got, err = c.Get(ctx, "access-token")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestAttributeCache_Expiry(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	rc, mr := newMiniClient(t)
	c := NewAttributeCache(rc, time.Minute)

	require.NoError(t, c.Put(ctx, "at", grant.AttributeEntry{SubjectClaim: "alice"}))
	mr.FastForward(time.Minute + time.Second)

	got, err := c.Get(ctx, "at")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestAttributeCache_CorruptEntry(t *testing.T) {
	t.Parallel()
	rc, mr := newMiniClient(t)
	c := NewAttributeCache(rc, 0)
	require.NoError(t, mr.Set(c.key("at"), "[]"))

	_, err := c.Get(context.Background(), "at")
	testutil.RequireErrorCode(t, err, sserr.CodeInternalDatabase)
}
