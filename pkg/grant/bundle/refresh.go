package bundle

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/StricklySoft/jwt-bearer-grant/pkg/clients/minio"
	"github.com/StricklySoft/jwt-bearer-grant/pkg/grant"
)

// ObjectSource reads a bundle object and reports its ETag without
// downloading it. [*minio.Client] satisfies it.
type ObjectSource interface {
	ObjectReader
	ETag(ctx context.Context, bucket, key string) (string, error)
}

var _ ObjectSource = (*minio.Client)(nil)

// Refresher keeps a registry in step with a bundle object. The registry
// it returns stays the same value across reloads, so a grant handler can
// be built on it once.
type Refresher struct {
	src    ObjectSource
	bucket string
	key    string
	reg    *grant.MemoryRegistry
	logger *slog.Logger

	mu   sync.Mutex
	etag string
}

// NewRefresher returns a Refresher for bucket/key with an empty registry.
// Call Refresh once before serving.
func NewRefresher(src ObjectSource, bucket, key string, logger *slog.Logger) *Refresher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Refresher{
		src:    src,
		bucket: bucket,
		key:    key,
		reg:    grant.NewMemoryRegistry(),
		logger: logger,
	}
}

// Registry returns the live registry.
func (r *Refresher) Registry() *grant.MemoryRegistry {
	return r.reg
}

// ETag returns the ETag of the loaded bundle, or "" before the first load.
func (r *Refresher) ETag() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.etag
}

// Refresh reloads the bundle when its ETag changed and reports whether it
// did. On any error the registry keeps its current records.
func (r *Refresher) Refresh(ctx context.Context) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.etag != "" {
		etag, err := r.src.ETag(ctx, r.bucket, r.key)
		if err != nil {
			return false, err
		}
		if etag == r.etag {
			return false, nil
		}
	}
	next, etag, err := LoadObject(ctx, r.src, r.bucket, r.key)
	if err != nil {
		return false, err
	}
	r.reg.Replace(next)
	r.etag = etag
	return true, nil
}

// Run calls Refresh every interval until ctx is done. Failures are
// logged and retried on the next tick.
func (r *Refresher) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		changed, err := r.Refresh(ctx)
		switch {
		case err != nil:
			r.logger.WarnContext(ctx, "bundle: refresh failed; keeping loaded providers",
				"bucket", r.bucket, "key", r.key, "error", err)
		case changed:
			r.logger.InfoContext(ctx, "bundle: providers reloaded",
				"bucket", r.bucket, "key", r.key, "etag", r.ETag(), "providers", r.reg.Len())
		}
	}
}
