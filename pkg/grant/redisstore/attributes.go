package redisstore

import (
	"context"
	"encoding/json"
	"time"

	"github.com/StricklySoft/jwt-bearer-grant/pkg/clients/redis"
	sserr "github.com/StricklySoft/jwt-bearer-grant/pkg/errors"
	"github.com/StricklySoft/jwt-bearer-grant/pkg/grant"
)

// AttributeCache is a [grant.AttributeCache] stored in Redis. Entries
// live for the lifetime of the access token they belong to.
type AttributeCache struct {
	client *redis.Client
	ttl    time.Duration
	opts   options
}

var _ grant.AttributeCache = (*AttributeCache)(nil)

// NewAttributeCache returns an attribute cache whose entries expire after
// ttl. A zero ttl keeps them until deleted.
func NewAttributeCache(client *redis.Client, ttl time.Duration, opts ...Option) *AttributeCache {
	return &AttributeCache{client: client, ttl: ttl, opts: newOptions(opts)}
}

func (c *AttributeCache) key(accessToken string) string {
	return c.opts.prefix + "attrs:" + hashKey(accessToken)
}

// Put stores entry under accessToken for the cache TTL.
func (c *AttributeCache) Put(ctx context.Context, accessToken string, entry grant.AttributeEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return sserr.Wrap(err, sserr.CodeInternal, "redisstore: encode attribute entry")
	}
	return c.client.Set(ctx, c.key(accessToken), data, c.ttl)
}

// Get returns nil, nil on a miss. A value that does not decode is an
// [sserr.CodeInternalDatabase] error.
func (c *AttributeCache) Get(ctx context.Context, accessToken string) (*grant.AttributeEntry, error) {
	raw, err := c.client.Get(ctx, c.key(accessToken))
	if redis.IsNil(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var e grant.AttributeEntry
	if err := json.Unmarshal([]byte(raw), &e); err != nil {
		return nil, sserr.Wrap(err, sserr.CodeInternalDatabase, "redisstore: corrupt attribute entry")
	}
	return &e, nil
}

// Delete removes the entry for accessToken, as on token revocation.
func (c *AttributeCache) Delete(ctx context.Context, accessToken string) error {
	_, err := c.client.Del(ctx, c.key(accessToken))
	return err
}
