// Package minio is the S3-compatible object storage client used to fetch
// identity-provider bundles (see pkg/grant/bundle).
//
// It wraps minio-go with OpenTelemetry client spans and maps failures to
// sserr codes. A missing object or bucket becomes [sserr.CodeNotFound].
//
//	cfg := minio.DefaultConfig()
//	cfg.AccessKey = os.Getenv("MINIO_ACCESS_KEY")
//	cfg.SecretKey = minio.Secret(os.Getenv("MINIO_SECRET_KEY"))
//	client, err := minio.NewClient(ctx, *cfg)
package minio

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	sserr "github.com/StricklySoft/jwt-bearer-grant/pkg/errors"
)

const tracerName = "github.com/StricklySoft/jwt-bearer-grant/pkg/clients/minio"

// ObjectStore is the minio-go surface used by this package.
type ObjectStore interface {
	PutObject(ctx context.Context, bucketName, objectName string, reader io.Reader, objectSize int64, opts minio.PutObjectOptions) (minio.UploadInfo, error)

	// GetObject returns a lazily-read object. Errors such as NoSuchKey
	// may only surface on the first Read or Stat.
	GetObject(ctx context.Context, bucketName, objectName string, opts minio.GetObjectOptions) (*minio.Object, error)

	StatObject(ctx context.Context, bucketName, objectName string, opts minio.StatObjectOptions) (minio.ObjectInfo, error)
	BucketExists(ctx context.Context, bucketName string) (bool, error)
	MakeBucket(ctx context.Context, bucketName string, opts minio.MakeBucketOptions) error
}

var _ ObjectStore = (*minio.Client)(nil)

// Client adds tracing and error classification to an [ObjectStore]. It
// is safe for concurrent use.
type Client struct {
	store  ObjectStore
	config *Config
	tracer trace.Tracer
}

// NewClient validates cfg, builds a minio-go client and checks the server
// with BucketExists.
func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, sserr.Wrap(err, sserr.CodeValidation, "minio: invalid configuration")
	}

	mc, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey.Value(), ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, sserr.Wrap(err, sserr.CodeInternalConfiguration, "minio: failed to create client")
	}

	// BucketExists succeeds (true or false) whenever the server answers
	// with valid credentials.
	if _, err := mc.BucketExists(ctx, cfg.healthBucket()); err != nil {
		return nil, sserr.Wrap(err, sserr.CodeUnavailableDependency, "minio: failed to connect to server")
	}

	return &Client{store: mc, config: &cfg, tracer: otel.Tracer(tracerName)}, nil
}

// NewFromStore wraps an existing store. cfg may be nil.
func NewFromStore(store ObjectStore, cfg *Config) *Client {
	if cfg == nil {
		cfg = &Config{}
	}
	return &Client{store: store, config: cfg, tracer: otel.Tracer(tracerName)}
}

// ReadObject downloads bucket/key and returns its contents and ETag.
// Objects larger than limit bytes are rejected with
// [sserr.CodeValidationRange] rather than truncated.
func (c *Client) ReadObject(ctx context.Context, bucket, key string, limit int64) ([]byte, string, error) {
	ctx, span := c.startSpan(ctx, "ReadObject", bucket, "GET "+key)

	obj, err := c.store.GetObject(ctx, bucket, key, minio.GetObjectOptions{})
	if err != nil {
		finishSpan(span, err)
		return nil, "", wrapError(err, fmt.Sprintf("minio: get %s/%s failed", bucket, key))
	}
	defer obj.Close()

	info, err := obj.Stat()
	if err != nil {
		finishSpan(span, err)
		return nil, "", wrapError(err, fmt.Sprintf("minio: stat %s/%s failed", bucket, key))
	}
	if info.Size > limit {
		err := sserr.Newf(sserr.CodeValidationRange,
			"minio: object %s/%s is %d bytes, limit %d", bucket, key, info.Size, limit)
		finishSpan(span, err)
		return nil, "", err
	}

	span.SetAttributes(attribute.Int64("minio.object.size", info.Size))
	data, err := io.ReadAll(io.LimitReader(obj, limit+1))
	if err == nil && int64(len(data)) > limit {
		err = sserr.Newf(sserr.CodeValidationRange, "minio: object %s/%s exceeds limit %d", bucket, key, limit)
	}
	finishSpan(span, err)
	if err != nil {
		if _, coded := sserr.AsError(err); coded {
			return nil, "", err
		}
		return nil, "", wrapError(err, fmt.Sprintf("minio: read %s/%s failed", bucket, key))
	}
	return data, info.ETag, nil
}

// ETag returns the current ETag of bucket/key without downloading it.
func (c *Client) ETag(ctx context.Context, bucket, key string) (string, error) {
	ctx, span := c.startSpan(ctx, "StatObject", bucket, "HEAD "+key)
	info, err := c.store.StatObject(ctx, bucket, key, minio.StatObjectOptions{})
	finishSpan(span, err)
	if err != nil {
		return "", wrapError(err, fmt.Sprintf("minio: stat %s/%s failed", bucket, key))
	}
	return info.ETag, nil
}

// WriteObject uploads data to bucket/key, creating the bucket if needed.
// It returns the new ETag.
func (c *Client) WriteObject(ctx context.Context, bucket, key string, data []byte, contentType string) (string, error) {
	ctx, span := c.startSpan(ctx, "WriteObject", bucket, "PUT "+key)

	exists, err := c.store.BucketExists(ctx, bucket)
	if err == nil && !exists {
		err = c.store.MakeBucket(ctx, bucket, minio.MakeBucketOptions{Region: c.config.Region})
	}
	if err != nil {
		finishSpan(span, err)
		return "", wrapError(err, fmt.Sprintf("minio: prepare bucket %s failed", bucket))
	}

	info, err := c.store.PutObject(ctx, bucket, key, bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{ContentType: contentType})
	finishSpan(span, err)
	if err != nil {
		return "", wrapError(err, fmt.Sprintf("minio: put %s/%s failed", bucket, key))
	}
	return info.ETag, nil
}

// Health checks the server, applying [DefaultHealthTimeout] when ctx has
// no deadline.
func (c *Client) Health(ctx context.Context) error {
	bucket := c.config.healthBucket()
	ctx, span := c.startSpan(ctx, "Health", bucket, "BucketExists")
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, DefaultHealthTimeout)
		defer cancel()
	}

	_, err := c.store.BucketExists(ctx, bucket)
	finishSpan(span, err)
	if err != nil {
		return sserr.Wrap(err, sserr.CodeUnavailableDependency, "minio: health check failed")
	}
	return nil
}

// Store returns the wrapped [ObjectStore].
func (c *Client) Store() ObjectStore {
	return c.store
}

func (c *Client) startSpan(ctx context.Context, op, bucket, statement string) (context.Context, trace.Span) {
	ctx, span := c.tracer.Start(ctx, "minio."+op, trace.WithSpanKind(trace.SpanKindClient))
	span.SetAttributes(
		attribute.String("db.system", "minio"),
		attribute.String("db.name", bucket),
		attribute.String("db.statement", truncateStatement(statement)),
	)
	return ctx, span
}

func finishSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

// wrapError maps NoSuchKey and NoSuchBucket to [sserr.CodeNotFound],
// deadline expiry to [sserr.CodeTimeoutDatabase] and the rest to
// [sserr.CodeInternalDatabase].
func wrapError(err error, message string) *sserr.Error {
	if err == nil {
		return nil
	}
	switch minio.ToErrorResponse(err).Code {
	case "NoSuchKey", "NoSuchBucket":
		return sserr.Wrap(err, sserr.CodeNotFound, message)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return sserr.Wrap(err, sserr.CodeTimeoutDatabase, message)
	}
	return sserr.Wrap(err, sserr.CodeInternalDatabase, message)
}
