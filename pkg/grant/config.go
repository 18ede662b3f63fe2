package grant

import (
	"time"

	sserr "github.com/StricklySoft/jwt-bearer-grant/pkg/errors"
)

// DefaultTenant is the tenant used when a request names none.
const DefaultTenant = "carbon.super"

// Config holds the values that tune assertion validation. It loads through
// pkg/config; the properties keys match the historical jwt.properties file.
//
//	cfg := config.MustLoad[grant.Config](config.New().
//	    WithEnvPrefix("GRANT").
//	    WithFile("conf/jwt.properties"))
type Config struct {
	// ValidityPeriod bounds how old an assertion's iat may be, in minutes.
	ValidityPeriod int `json:"validity_period" yaml:"validity_period" env:"VALIDITY_PERIOD" envDefault:"30" properties:"validityPeriod"`

	// CacheUsedJTI enables the jti replay cache.
	CacheUsedJTI bool `json:"cache_used_jti" yaml:"cache_used_jti" env:"CACHE_USED_JTI" envDefault:"true" properties:"cacheUsed"`

	// TimestampSkewSeconds is the clock-skew tolerance applied to every
	// temporal check and to the replay policy.
	TimestampSkewSeconds int `json:"timestamp_skew_seconds" yaml:"timestamp_skew_seconds" env:"TIMESTAMP_SKEW_SECONDS" envDefault:"300" properties:"timeStampSkew"`

	// JWKSValidationEnabled lets providers that publish a JWKS URI be
	// verified against it instead of their static certificate.
	JWKSValidationEnabled bool `json:"jwks_validation_enabled" yaml:"jwks_validation_enabled" env:"JWKS_VALIDATION_ENABLED" envDefault:"false" properties:"jwksValidationEnabled"`

	// SplitAuthzUser3Way binds the subject through the user store as
	// DOMAIN/user@tenant. When false the subject becomes a local user
	// without a store lookup.
	SplitAuthzUser3Way bool `json:"split_authz_user_3_way" yaml:"split_authz_user_3_way" env:"SPLIT_AUTHZ_USER_3_WAY" envDefault:"false" properties:"splitAuthzUser3Way"`

	DefaultTenant string `json:"default_tenant" yaml:"default_tenant" env:"DEFAULT_TENANT" envDefault:"carbon.super" properties:"defaultTenant"`

	// ReplayCacheMaxSize caps the in-memory replay cache.
	ReplayCacheMaxSize int `json:"replay_cache_max_size" yaml:"replay_cache_max_size" env:"REPLAY_CACHE_MAX_SIZE" envDefault:"100000" properties:"replayCacheMaxSize"`

	JWKSCacheTTL     time.Duration `json:"jwks_cache_ttl" yaml:"jwks_cache_ttl" env:"JWKS_CACHE_TTL" envDefault:"1h" properties:"jwksCacheTTL"`
	JWKSFetchTimeout time.Duration `json:"jwks_fetch_timeout" yaml:"jwks_fetch_timeout" env:"JWKS_FETCH_TIMEOUT" envDefault:"10s" properties:"jwksFetchTimeout"`
}

// DefaultConfig returns the configuration used when nothing is loaded.
func DefaultConfig() Config {
	return Config{
		ValidityPeriod:       30,
		CacheUsedJTI:         true,
		TimestampSkewSeconds: 300,
		DefaultTenant:        DefaultTenant,
		ReplayCacheMaxSize:   100000,
		JWKSCacheTTL:         time.Hour,
		JWKSFetchTimeout:     10 * time.Second,
	}
}

// Validate reports the first invalid field.
func (c *Config) Validate() error {
	if c.ValidityPeriod <= 0 {
		return sserr.Newf(sserr.CodeValidationRange, "grant: validity period must be positive, got %d", c.ValidityPeriod)
	}
	if c.TimestampSkewSeconds < 0 {
		return sserr.Newf(sserr.CodeValidationRange, "grant: timestamp skew must be non-negative, got %d", c.TimestampSkewSeconds)
	}
	if c.ReplayCacheMaxSize <= 0 {
		return sserr.Newf(sserr.CodeValidationRange, "grant: replay cache max size must be positive, got %d", c.ReplayCacheMaxSize)
	}
	if c.JWKSCacheTTL < 0 {
		return sserr.New(sserr.CodeValidationRange, "grant: JWKS cache TTL must be non-negative")
	}
	if c.JWKSFetchTimeout < 0 {
		return sserr.New(sserr.CodeValidationRange, "grant: JWKS fetch timeout must be non-negative")
	}
	return nil
}

// Skew returns TimestampSkewSeconds as a duration.
func (c *Config) Skew() time.Duration {
	return time.Duration(c.TimestampSkewSeconds) * time.Second
}

// ValidityWindow returns ValidityPeriod as a duration.
func (c *Config) ValidityWindow() time.Duration {
	return time.Duration(c.ValidityPeriod) * time.Minute
}

func (c *Config) tenantOr(tenant string) string {
	if tenant != "" {
		return tenant
	}
	if c.DefaultTenant != "" {
		return c.DefaultTenant
	}
	return DefaultTenant
}
