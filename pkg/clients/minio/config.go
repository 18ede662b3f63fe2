package minio

import (
	"errors"
	"time"
)

// maxStatementTruncateLen bounds statements recorded on spans.
const maxStatementTruncateLen = 100

const (
	DefaultEndpoint      = "localhost:9000"
	DefaultRegion        = "us-east-1"
	DefaultHealthTimeout = 5 * time.Second

	// defaultHealthBucket need not exist; checking it only proves the
	// server answers.
	defaultHealthBucket = "health-check"
)

// Secret holds a secret key. It prints and marshals as "[REDACTED]".
type Secret string

const redacted = "[REDACTED]"

func (s Secret) String() string   { return redacted }
func (s Secret) GoString() string { return redacted }

// Value returns the plaintext secret.
func (s Secret) Value() string { return string(s) }

// MarshalText implements encoding.TextMarshaler.
func (s Secret) MarshalText() ([]byte, error) { return []byte(redacted), nil }

// Config describes the object store holding provider bundles.
type Config struct {
	Endpoint  string `json:"endpoint,omitempty" env:"MINIO_ENDPOINT"`
	AccessKey string `json:"access_key,omitempty" env:"MINIO_ACCESS_KEY"`
	SecretKey Secret `json:"-" env:"MINIO_SECRET_KEY"`
	Region    string `json:"region,omitempty" env:"MINIO_REGION"`
	UseSSL    bool   `json:"use_ssl,omitempty" env:"MINIO_USE_SSL"`

	// HealthBucket is checked by Health; defaults to a placeholder name.
	HealthBucket string `json:"health_bucket,omitempty" env:"MINIO_HEALTH_BUCKET"`
}

// DefaultConfig returns a Config populated with the package defaults.
func DefaultConfig() *Config {
	return &Config{Endpoint: DefaultEndpoint, Region: DefaultRegion}
}

// Validate requires Endpoint and AccessKey and defaults Region.
func (c *Config) Validate() error {
	if c.Endpoint == "" {
		return errors.New("minio: config endpoint must not be empty")
	}
	if c.AccessKey == "" {
		return errors.New("minio: config access_key must not be empty")
	}
	if c.Region == "" {
		c.Region = DefaultRegion
	}
	return nil
}

func (c *Config) healthBucket() string {
	if c.HealthBucket != "" {
		return c.HealthBucket
	}
	return defaultHealthBucket
}

func truncateStatement(s string) string {
	runes := []rune(s)
	if len(runes) <= maxStatementTruncateLen {
		return s
	}
	return string(runes[:maxStatementTruncateLen]) + "..."
}
