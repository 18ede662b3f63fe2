//go:build integration

// Package containers starts the backing services of the grant stores
// with testcontainers-go: PostgreSQL for pgstore, Redis for redisstore
// and MinIO for provider bundles.
//
// Only files built with the "integration" tag may import it:
//
//	result, err := containers.StartRedis(ctx)
//	if err != nil { ... }
//	defer result.Container.Terminate(ctx)
package containers

import (
	"context"
	"fmt"

	"github.com/testcontainers/testcontainers-go"
	tcminio "github.com/testcontainers/testcontainers-go/modules/minio"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"
)

// Images and throwaway credentials for the test containers.
const (
	PostgresImage = "docker.io/postgres:16-alpine"
	RedisImage    = "docker.io/redis:7-alpine"
	MinIOImage    = "docker.io/minio/minio:latest"

	PostgresDatabase = "grant_test"
	PostgresUser     = "grant"
	PostgresPassword = "grant-test"

	MinIOAccessKey = "minioadmin"
	MinIOSecretKey = "minioadmin"
)

// connString reads the address of a started container, terminating the
// container when that fails so callers only clean up on success.
func connString(ctx context.Context, c testcontainers.Container, service string, get func() (string, error)) (string, error) {
	s, err := get()
	if err != nil {
		_ = c.Terminate(ctx)
		return "", fmt.Errorf("containers: %s address: %w", service, err)
	}
	return s, nil
}

// ===========================================================================
// PostgreSQL
// ===========================================================================

// PostgresResult is a running PostgreSQL container. ConnString disables
// TLS and can be passed to postgres.Config.URI as is.
type PostgresResult struct {
	Container  *tcpostgres.PostgresContainer
	ConnString string
}

// StartPostgres starts PostgreSQL and waits until it accepts connections.
func StartPostgres(ctx context.Context) (*PostgresResult, error) {
	c, err := tcpostgres.Run(ctx, PostgresImage,
		tcpostgres.WithDatabase(PostgresDatabase),
		tcpostgres.WithUsername(PostgresUser),
		tcpostgres.WithPassword(PostgresPassword),
		tcpostgres.BasicWaitStrategies(),
	)
	if err != nil {
		return nil, fmt.Errorf("containers: start postgres: %w", err)
	}
	uri, err := connString(ctx, c, "postgres", func() (string, error) {
		return c.ConnectionString(ctx, "sslmode=disable")
	})
	if err != nil {
		return nil, err
	}
	return &PostgresResult{Container: c, ConnString: uri}, nil
}

// ===========================================================================
// Redis
// ===========================================================================

// RedisResult is a running Redis container without authentication.
// ConnString is a redis:// URI.
type RedisResult struct {
	Container  *tcredis.RedisContainer
	ConnString string
}

// StartRedis starts Redis.
func StartRedis(ctx context.Context) (*RedisResult, error) {
	c, err := tcredis.Run(ctx, RedisImage)
	if err != nil {
		return nil, fmt.Errorf("containers: start redis: %w", err)
	}
	uri, err := connString(ctx, c, "redis", func() (string, error) {
		return c.ConnectionString(ctx)
	})
	if err != nil {
		return nil, err
	}
	return &RedisResult{Container: c, ConnString: uri}, nil
}

// ===========================================================================
// MinIO
// ===========================================================================

// MinIOResult is a running MinIO container with its root credentials.
// Endpoint is host:port without a scheme.
type MinIOResult struct {
	Container *tcminio.MinioContainer
	Endpoint  string
	AccessKey string
	SecretKey string
}

// StartMinIO starts MinIO.
func StartMinIO(ctx context.Context) (*MinIOResult, error) {
	c, err := tcminio.Run(ctx, MinIOImage,
		tcminio.WithUsername(MinIOAccessKey),
		tcminio.WithPassword(MinIOSecretKey),
	)
	if err != nil {
		return nil, fmt.Errorf("containers: start minio: %w", err)
	}
	endpoint, err := connString(ctx, c, "minio", func() (string, error) {
		return c.ConnectionString(ctx)
	})
	if err != nil {
		return nil, err
	}
	return &MinIOResult{
		Container: c,
		Endpoint:  endpoint,
		AccessKey: MinIOAccessKey,
		SecretKey: MinIOSecretKey,
	}, nil
}
