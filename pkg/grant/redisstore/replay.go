// Package redisstore backs the grant package's shared state with Redis so
// that several token endpoint replicas agree on which jti values have been
// used and on the attributes projected for issued access tokens.
//
// [ReplayCache] makes Admit atomic with WATCH/MULTI/EXEC: the cached entry
// is read under WATCH, the caller's decision runs, and the new entry is
// written in the transaction. A concurrent writer to the same jti aborts
// the transaction, which is retried, so at most one presentation of a jti
// is ever accepted across replicas.
//
//	rc, err := redis.NewClient(ctx, redis.Config{URI: "redis://cache:6379/0"})
//	if err != nil { ... }
//	h, err := grant.NewHandler(grant.HandlerOptions{
//	    Config:      cfg,
//	    Registry:    registry,
//	    ReplayCache: redisstore.NewReplayCache(rc, redisstore.WithRetention(cfg.Skew())),
//	})
package redisstore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/StricklySoft/jwt-bearer-grant/pkg/clients/redis"
	sserr "github.com/StricklySoft/jwt-bearer-grant/pkg/errors"
	"github.com/StricklySoft/jwt-bearer-grant/pkg/grant"
)

const (
	// DefaultKeyPrefix namespaces every key the stores write.
	DefaultKeyPrefix = "grant:"

	// DefaultMaxRetries bounds optimistic transaction retries per Admit.
	DefaultMaxRetries = 16

	// minTTL keeps an entry whose retention has already lapsed long
	// enough to finish the transaction that wrote it.
	minTTL = time.Second
)

type options struct {
	prefix     string
	retention  time.Duration
	maxRetries int
	logger     *slog.Logger
	now        func() time.Time
}

// Option configures a store.
type Option func(*options)

// WithKeyPrefix replaces [DefaultKeyPrefix].
func WithKeyPrefix(prefix string) Option {
	return func(o *options) { o.prefix = prefix }
}

// WithRetention keeps replay entries this long past their exp. Pass the
// validator's clock skew so that an entry lives as long as the replay
// policy can still reject its jti.
func WithRetention(d time.Duration) Option {
	return func(o *options) { o.retention = d }
}

// WithMaxRetries replaces [DefaultMaxRetries].
func WithMaxRetries(n int) Option {
	return func(o *options) { o.maxRetries = n }
}

// WithLogger sets the logger. The default is slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

func newOptions(opts []Option) options {
	o := options{
		prefix:     DefaultKeyPrefix,
		maxRetries: DefaultMaxRetries,
		logger:     slog.Default(),
		now:        time.Now,
	}
	for _, fn := range opts {
		fn(&o)
	}
	if o.maxRetries <= 0 {
		o.maxRetries = 1
	}
	return o
}

// hashKey keeps keys bounded no matter how long the client-chosen value is.
func hashKey(v string) string {
	h := sha256.Sum256([]byte(v))
	return hex.EncodeToString(h[:])
}

// ---------------------------------------------------------------------------
// ReplayCache
// ---------------------------------------------------------------------------

// ReplayCache is a [grant.ReplayCache] stored in Redis. Entries are JSON
// values keyed by the SHA-256 of the jti and expire retention after the
// assertion does.
type ReplayCache struct {
	client *redis.Client
	opts   options
}

var _ grant.ReplayCache = (*ReplayCache)(nil)

// NewReplayCache returns a replay cache over client.
func NewReplayCache(client *redis.Client, opts ...Option) *ReplayCache {
	return &ReplayCache{client: client, opts: newOptions(opts)}
}

func (c *ReplayCache) key(jti string) string {
	return c.opts.prefix + "jti:" + hashKey(jti)
}

func (c *ReplayCache) ttl(entry grant.ReplayEntry) time.Duration {
	return max(entry.ExpiresAt.Add(c.opts.retention).Sub(c.opts.now()), minTTL)
}

// Lookup returns the entry cached for jti, or nil, nil.
func (c *ReplayCache) Lookup(ctx context.Context, jti string) (*grant.ReplayEntry, error) {
	raw, err := c.client.Get(ctx, c.key(jti))
	if redis.IsNil(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return decodeEntry(raw)
}

// Store writes entry unconditionally with a TTL of its expiry plus the
// retention period.
func (c *ReplayCache) Store(ctx context.Context, entry grant.ReplayEntry) error {
	if entry.JTI == "" {
		return sserr.New(sserr.CodeValidationRequired, "redisstore: replay entry has no jti")
	}
	data, err := c.encode(entry)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, c.key(entry.JTI), data, c.ttl(entry))
}

// Admit reads, decides and writes the jti's entry in one optimistic
// transaction. A transaction that loses to a concurrent writer is retried
// with a fresh read; after WithMaxRetries losses Admit fails with
// [sserr.CodeConflictVersionMismatch].
func (c *ReplayCache) Admit(ctx context.Context, entry grant.ReplayEntry, decide func(cached *grant.ReplayEntry) error) error {
	if entry.JTI == "" {
		return sserr.New(sserr.CodeValidationRequired, "redisstore: replay entry has no jti")
	}
	data, err := c.encode(entry)
	if err != nil {
		return err
	}
	key := c.key(entry.JTI)

	for attempt := 1; attempt <= c.opts.maxRetries; attempt++ {
		var rejected error
		err := c.client.Watch(ctx, func(tx *goredis.Tx) error {
			cached, err := readEntry(ctx, tx, key)
			if err != nil {
				return err
			}
			if rejected = decide(cached); rejected != nil {
				return rejected
			}
			_, err = tx.TxPipelined(ctx, func(p goredis.Pipeliner) error {
				p.Set(ctx, key, data, c.ttl(entry))
				return nil
			})
			return err
		}, key)

		switch {
		case rejected != nil:
			return rejected
		case errors.Is(err, goredis.TxFailedErr):
			c.opts.logger.DebugContext(ctx, "redisstore: jti transaction conflicted, retrying",
				"attempt", attempt)
			continue
		default:
			return err
		}
	}
	return sserr.Newf(sserr.CodeConflictVersionMismatch,
		"redisstore: jti admission lost %d consecutive transactions", c.opts.maxRetries)
}

func (c *ReplayCache) encode(entry grant.ReplayEntry) ([]byte, error) {
	if entry.StoredAt.IsZero() {
		entry.StoredAt = c.opts.now()
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return nil, sserr.Wrap(err, sserr.CodeInternal, "redisstore: encode replay entry")
	}
	return data, nil
}

func readEntry(ctx context.Context, tx *goredis.Tx, key string) (*grant.ReplayEntry, error) {
	raw, err := tx.Get(ctx, key).Result()
	if errors.Is(err, goredis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, sserr.Wrap(err, sserr.CodeInternalDatabase, "redisstore: read replay entry")
	}
	return decodeEntry(raw)
}

func decodeEntry(raw string) (*grant.ReplayEntry, error) {
	var e grant.ReplayEntry
	if err := json.Unmarshal([]byte(raw), &e); err != nil {
		return nil, sserr.Wrap(err, sserr.CodeInternalDatabase, "redisstore: corrupt replay entry")
	}
	return &e, nil
}
