package postgres

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net/url"
	"os"
	"time"
)

// maxSQLTruncateLen bounds statements recorded on spans.
const maxSQLTruncateLen = 100

// Defaults applied by [Config.Validate] and [DefaultConfig].
const (
	DefaultHost     = "localhost"
	DefaultPort     = 5432
	DefaultDatabase = "identity"
	DefaultUser     = "grant"

	DefaultMaxConns          int32 = 25
	DefaultMinConns          int32 = 5
	DefaultMaxConnLifetime         = time.Hour
	DefaultMaxConnIdleTime         = 30 * time.Minute
	DefaultHealthCheckPeriod       = time.Minute
	DefaultConnectTimeout          = 10 * time.Second
	DefaultHealthTimeout           = 5 * time.Second
)

// SSLMode is the libpq sslmode parameter.
type SSLMode string

const (
	SSLModeDisable    SSLMode = "disable"
	SSLModeAllow      SSLMode = "allow"
	SSLModePrefer     SSLMode = "prefer"
	SSLModeRequire    SSLMode = "require"
	SSLModeVerifyCA   SSLMode = "verify-ca"
	SSLModeVerifyFull SSLMode = "verify-full"
)

func (m SSLMode) String() string {
	return string(m)
}

// Valid reports whether the SSL mode is one of the recognized values.
func (m SSLMode) Valid() bool {
	switch m {
	case SSLModeDisable, SSLModeAllow, SSLModePrefer,
		SSLModeRequire, SSLModeVerifyCA, SSLModeVerifyFull:
		return true
	default:
		return false
	}
}

// Secret holds a password. It prints and marshals as "[REDACTED]".
type Secret string

const redacted = "[REDACTED]"

func (s Secret) String() string   { return redacted }
func (s Secret) GoString() string { return redacted }

// Value returns the plaintext password.
func (s Secret) Value() string { return string(s) }

// MarshalText implements encoding.TextMarshaler.
func (s Secret) MarshalText() ([]byte, error) { return []byte(redacted), nil }

// Config describes the database holding identity providers and users.
// When URI is set it takes precedence over Host, Port, Database, User
// and Password.
type Config struct {
	// URI is a postgres:// or postgresql:// connection string.
	URI string `json:"uri,omitempty" env:"POSTGRES_URI"`

	Host     string `json:"host,omitempty" env:"POSTGRES_HOST"`
	Port     int    `json:"port,omitempty" env:"POSTGRES_PORT"`
	Database string `json:"database" env:"POSTGRES_DATABASE"`
	User     string `json:"user" env:"POSTGRES_USER"`
	Password Secret `json:"-" env:"POSTGRES_PASSWORD"`

	SSLMode SSLMode `json:"ssl_mode,omitempty" env:"POSTGRES_SSLMODE"`

	// SSLRootCert is a PEM CA bundle for verify-ca and verify-full.
	SSLRootCert string `json:"ssl_root_cert,omitempty" env:"POSTGRES_SSL_ROOT_CERT"`

	MaxConns          int32         `json:"max_conns,omitempty" env:"POSTGRES_MAX_CONNS"`
	MinConns          int32         `json:"min_conns,omitempty" env:"POSTGRES_MIN_CONNS"`
	MaxConnLifetime   time.Duration `json:"max_conn_lifetime,omitempty" env:"POSTGRES_MAX_CONN_LIFETIME"`
	MaxConnIdleTime   time.Duration `json:"max_conn_idle_time,omitempty" env:"POSTGRES_MAX_CONN_IDLE_TIME"`
	HealthCheckPeriod time.Duration `json:"health_check_period,omitempty" env:"POSTGRES_HEALTH_CHECK_PERIOD"`
	ConnectTimeout    time.Duration `json:"connect_timeout,omitempty" env:"POSTGRES_CONNECT_TIMEOUT"`
}

// DefaultConfig returns a Config populated with the package defaults.
func DefaultConfig() *Config {
	return &Config{
		Host:              DefaultHost,
		Port:              DefaultPort,
		Database:          DefaultDatabase,
		User:              DefaultUser,
		SSLMode:           SSLModeRequire,
		MaxConns:          DefaultMaxConns,
		MinConns:          DefaultMinConns,
		MaxConnLifetime:   DefaultMaxConnLifetime,
		MaxConnIdleTime:   DefaultMaxConnIdleTime,
		HealthCheckPeriod: DefaultHealthCheckPeriod,
		ConnectTimeout:    DefaultConnectTimeout,
	}
}

// Validate fills zero-valued pool settings with defaults and returns the
// first invalid setting. Only URI syntax is checked when URI is set.
func (c *Config) Validate() error {
	c.applyPoolDefaults()

	if c.URI != "" {
		_, err := url.Parse(c.URI)
		if err != nil {
			return fmt.Errorf("postgres: config URI is invalid: %w", err)
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
		return fmt.Errorf("postgres: config port must be between 1 and 65535, got %d", c.Port)
	}
	if c.Database == "" {
		return errors.New("postgres: config database must not be empty")
	}
	if c.User == "" {
		return errors.New("postgres: config user must not be empty")
	}
	if c.SSLMode == "" {
		c.SSLMode = SSLModeRequire
	}
	if !c.SSLMode.Valid() {
		return fmt.Errorf("postgres: config ssl_mode %q is not valid", c.SSLMode)
	}
	if c.SSLRootCert != "" {
		if _, err := os.Stat(c.SSLRootCert); err != nil {
			return fmt.Errorf("postgres: config ssl_root_cert %q is not accessible: %w", c.SSLRootCert, err)
		}
	}
	if c.MaxConns < c.MinConns {
		return fmt.Errorf("postgres: config max_conns (%d) must be >= min_conns (%d)", c.MaxConns, c.MinConns)
	}

	return nil
}

func (c *Config) applyPoolDefaults() {
	if c.MaxConns == 0 {
		c.MaxConns = DefaultMaxConns
	}
	if c.MinConns == 0 {
		c.MinConns = DefaultMinConns
	}
	if c.MaxConnLifetime == 0 {
		c.MaxConnLifetime = DefaultMaxConnLifetime
	}
	if c.MaxConnIdleTime == 0 {
		c.MaxConnIdleTime = DefaultMaxConnIdleTime
	}
	if c.HealthCheckPeriod == 0 {
		c.HealthCheckPeriod = DefaultHealthCheckPeriod
	}
	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = DefaultConnectTimeout
	}
}

// ConnectionString returns URI or a DSN built from the structured fields.
// The result contains the password in cleartext.
func (c *Config) ConnectionString() string {
	if c.URI != "" {
		return c.URI
	}

	u := url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(c.User, c.Password.Value()),
		Host:   fmt.Sprintf("%s:%d", c.Host, c.Port),
		Path:   c.Database,
	}

	q := u.Query()
	if c.SSLMode != "" {
		q.Set("sslmode", string(c.SSLMode))
	}
	if c.ConnectTimeout > 0 {
		q.Set("connect_timeout", fmt.Sprintf("%d", int(c.ConnectTimeout.Seconds())))
	}
	u.RawQuery = q.Encode()

	return u.String()
}

// tlsConfig returns nil unless a custom CA is configured. verify-full
// checks chain and hostname, verify-ca the chain only, and the weaker
// modes encrypt without verification.
func (c *Config) tlsConfig() (*tls.Config, error) {
	if c.SSLRootCert == "" || c.SSLMode == SSLModeDisable {
		return nil, nil
	}

	caCert, err := os.ReadFile(c.SSLRootCert)
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to read CA certificate %q: %w", c.SSLRootCert, err)
	}

	caCertPool := x509.NewCertPool()
	if !caCertPool.AppendCertsFromPEM(caCert) {
		return nil, fmt.Errorf("postgres: failed to parse CA certificate from %q", c.SSLRootCert)
	}

	tlsCfg := &tls.Config{
		RootCAs:    caCertPool,
		MinVersion: tls.VersionTLS12,
	}

	switch c.SSLMode {
	case SSLModeVerifyFull:
		tlsCfg.ServerName = c.Host
	case SSLModeVerifyCA:
		// Skip the built-in hostname check and verify the chain ourselves.
		rootCAs := caCertPool
		tlsCfg.InsecureSkipVerify = true
		tlsCfg.VerifyConnection = func(cs tls.ConnectionState) error {
			if len(cs.PeerCertificates) == 0 {
				return errors.New("postgres: server did not present a certificate")
			}
			opts := x509.VerifyOptions{
				Roots:         rootCAs,
				Intermediates: x509.NewCertPool(),
			}
			for _, cert := range cs.PeerCertificates[1:] {
				opts.Intermediates.AddCert(cert)
			}
			_, err := cs.PeerCertificates[0].Verify(opts)
			return err
		}
	default:
		tlsCfg.InsecureSkipVerify = true
	}

	return tlsCfg, nil
}

// truncateSQL cuts sql to maxSQLTruncateLen bytes.
func truncateSQL(sql string) string {
	if len(sql) <= maxSQLTruncateLen {
		return sql
	}
	return sql[:maxSQLTruncateLen] + "..."
}
