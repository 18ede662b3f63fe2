// Package redis is the Redis client behind the distributed replay cache
// and attribute cache in pkg/grant/redisstore.
//
// It wraps go-redis with OpenTelemetry client spans and maps failures to
// sserr codes: deadline expiry becomes [sserr.CodeTimeoutDatabase], other
// errors [sserr.CodeInternalDatabase]. Statements recorded on spans are
// truncated, and key names carry only jti hashes, never raw assertions.
//
//	cfg := redis.DefaultConfig()
//	cfg.Password = redis.Secret(os.Getenv("REDIS_PASSWORD"))
//	client, err := redis.NewClient(ctx, *cfg)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
// Tests build a go-redis client against miniredis and wrap it with
// [NewFromClient].
package redis

import (
	"fmt"
	"net/url"
	"time"
)

// maxStatementTruncateLen bounds statements recorded on spans.
const maxStatementTruncateLen = 100

// Defaults applied by [Config.Validate] to zero-valued fields.
const (
	DefaultHost          = "localhost"
	DefaultPort          = 6379
	DefaultDB            = 0
	DefaultPoolSize      = 25
	DefaultMinIdleConns  = 5
	DefaultMaxRetries    = 3
	DefaultDialTimeout   = 10 * time.Second
	DefaultReadTimeout   = 5 * time.Second
	DefaultWriteTimeout  = 5 * time.Second
	DefaultHealthTimeout = 5 * time.Second
)

// Secret holds a password. It prints and marshals as "[REDACTED]".
type Secret string

const redacted = "[REDACTED]"

func (s Secret) String() string   { return redacted }
func (s Secret) GoString() string { return redacted }

// Value returns the plaintext password.
func (s Secret) Value() string { return string(s) }

// MarshalText implements encoding.TextMarshaler.
func (s Secret) MarshalText() ([]byte, error) { return []byte(redacted), nil }

// Config describes the Redis deployment used for grant state. When URI is
// set it takes precedence over Host, Port, DB and Password.
type Config struct {
	// URI is a redis:// or rediss:// connection string.
	URI string `json:"uri,omitempty" env:"REDIS_URI"`

	Host     string `json:"host,omitempty" env:"REDIS_HOST"`
	Port     int    `json:"port,omitempty" env:"REDIS_PORT"`
	DB       int    `json:"db" env:"REDIS_DB"`
	Password Secret `json:"-" env:"REDIS_PASSWORD"`

	PoolSize     int `json:"pool_size,omitempty" env:"REDIS_POOL_SIZE"`
	MinIdleConns int `json:"min_idle_conns,omitempty" env:"REDIS_MIN_IDLE_CONNS"`

	// MaxRetries of -1 disables command retries.
	MaxRetries int `json:"max_retries,omitempty" env:"REDIS_MAX_RETRIES"`

	DialTimeout  time.Duration `json:"dial_timeout,omitempty" env:"REDIS_DIAL_TIMEOUT"`
	ReadTimeout  time.Duration `json:"read_timeout,omitempty" env:"REDIS_READ_TIMEOUT"`
	WriteTimeout time.Duration `json:"write_timeout,omitempty" env:"REDIS_WRITE_TIMEOUT"`

	TLSEnabled bool `json:"tls_enabled,omitempty" env:"REDIS_TLS_ENABLED"`
}

// DefaultConfig returns a Config populated with the package defaults.
func DefaultConfig() *Config {
	return &Config{
		Host:         DefaultHost,
		Port:         DefaultPort,
		DB:           DefaultDB,
		PoolSize:     DefaultPoolSize,
		MinIdleConns: DefaultMinIdleConns,
		MaxRetries:   DefaultMaxRetries,
		DialTimeout:  DefaultDialTimeout,
		ReadTimeout:  DefaultReadTimeout,
		WriteTimeout: DefaultWriteTimeout,
	}
}

// Validate fills zero-valued pool and timeout fields with defaults and
// returns the first invalid setting. Host, Port and DB are not checked
// when URI is set.
func (c *Config) Validate() error {
	c.applyDefaults()

	if c.URI != "" {
		u, err := url.Parse(c.URI)
		if err != nil {
			return fmt.Errorf("redis: config URI is invalid: %w", err)
		}
		if u.Scheme != "redis" && u.Scheme != "rediss" {
			return fmt.Errorf("redis: config URI scheme must be redis:// or rediss://, got %q", u.Scheme)
		}
		return nil
	}

	if c.Host == "" {
		c.Host = DefaultHost
	}
	if c.Port == 0 {
		c.Port = DefaultPort
	}
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("redis: config port must be between 1 and 65535, got %d", c.Port)
	}
	if c.PoolSize < 1 {
		return fmt.Errorf("redis: config pool_size must be >= 1, got %d", c.PoolSize)
	}
	if c.MinIdleConns < 0 {
		return fmt.Errorf("redis: config min_idle_conns must be >= 0, got %d", c.MinIdleConns)
	}
	if c.PoolSize < c.MinIdleConns {
		return fmt.Errorf("redis: config pool_size (%d) must be >= min_idle_conns (%d)", c.PoolSize, c.MinIdleConns)
	}
	if c.DialTimeout < 0 {
		return fmt.Errorf("redis: config dial_timeout must not be negative, got %v", c.DialTimeout)
	}
	if c.ReadTimeout < 0 {
		return fmt.Errorf("redis: config read_timeout must not be negative, got %v", c.ReadTimeout)
	}
	if c.WriteTimeout < 0 {
		return fmt.Errorf("redis: config write_timeout must not be negative, got %v", c.WriteTimeout)
	}

	return nil
}

// applyDefaults sets default values for zero-valued pool and timeout fields.
func (c *Config) applyDefaults() {
	if c.PoolSize == 0 {
		c.PoolSize = DefaultPoolSize
	}
	if c.MinIdleConns == 0 {
		c.MinIdleConns = DefaultMinIdleConns
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = DefaultMaxRetries
	}
	if c.DialTimeout == 0 {
		c.DialTimeout = DefaultDialTimeout
	}
	if c.ReadTimeout == 0 {
		c.ReadTimeout = DefaultReadTimeout
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = DefaultWriteTimeout
	}
}

// truncateStatement cuts s to maxStatementTruncateLen runes.
func truncateStatement(s string) string {
	runes := []rune(s)
	if len(runes) <= maxStatementTruncateLen {
		return s
	}
	return string(runes[:maxStatementTruncateLen]) + "..."
}
