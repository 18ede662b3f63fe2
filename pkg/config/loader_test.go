package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	sserr "github.com/StricklySoft/jwt-bearer-grant/pkg/errors"
)

// ===========================================================================
// Test Types
// ===========================================================================

type testSecret string

func (s testSecret) String() string { return "[REDACTED]" }

type grantSettings struct {
	ValidityPeriod int           `env:"VALIDITY_PERIOD" envDefault:"30" yaml:"validity_period" json:"validity_period" properties:"validityPeriod"`
	CacheUsed      bool          `env:"CACHE_USED" envDefault:"true" yaml:"cache_used" json:"cache_used" properties:"cacheUsed"`
	Skew           time.Duration `env:"SKEW" envDefault:"5m" yaml:"skew" json:"skew" properties:"timeStampSkew"`
	Tenant         string        `env:"TENANT" envDefault:"carbon.super" yaml:"tenant" json:"tenant" properties:"defaultTenant"`
}

type nestedSettings struct {
	Name  string        `env:"NAME" properties:"name"`
	Store storeSettings `env:"STORE" properties:"store"`
}

type storeSettings struct {
	Addr     string     `env:"ADDR" properties:"addr" required:"true"`
	MaxSize  int32      `env:"MAX_SIZE" envDefault:"100" properties:"maxSize"`
	Password testSecret `env:"PASSWORD" properties:"password"`
	Tags     []string   `env:"TAGS" properties:"tags"`
}

type checkedSettings struct {
	Period int `env:"PERIOD"`
}

func (c *checkedSettings) Validate() error {
	if c.Period < 0 {
		return sserr.Newf(sserr.CodeValidationRange, "config: period %d is negative", c.Period)
	}
	if c.Period == 13 {
		return errors.New("unlucky period")
	}
	return nil
}

func writeConfigFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

// ===========================================================================
// Argument checks
// ===========================================================================

func TestLoader_Load_RejectsNonStructPointers(t *testing.T) {
	var n int
	tests := []struct {
		name string
		cfg  any
	}{
		{"nil", nil},
		{"nil pointer", (*grantSettings)(nil)},
		{"non-pointer", grantSettings{}},
		{"pointer to non-struct", &n},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := New().Load(tt.cfg)
			require.Error(t, err)
			assert.Equal(t, sserr.CodeInternalConfiguration, sserr.GetCode(err))
		})
	}
}

// ===========================================================================
// Layering
// ===========================================================================

func TestLoader_Load_DefaultsOnly(t *testing.T) {
	var cfg grantSettings
	require.NoError(t, New().WithEnvPrefix("CFGTEST_DEF").Load(&cfg))

	assert.Equal(t, 30, cfg.ValidityPeriod)
	assert.True(t, cfg.CacheUsed)
	assert.Equal(t, 5*time.Minute, cfg.Skew)
	assert.Equal(t, "carbon.super", cfg.Tenant)
}

func TestLoader_Load_DefaultsDoNotOverwriteSetFields(t *testing.T) {
	cfg := grantSettings{ValidityPeriod: 7}
	require.NoError(t, New().WithEnvPrefix("CFGTEST_KEEP").Load(&cfg))
	assert.Equal(t, 7, cfg.ValidityPeriod)
}

func TestLoader_Load_YAMLFile(t *testing.T) {
	path := writeConfigFile(t, "grant.yaml", "validity_period: 45\ncache_used: false\nskew: 10s\n")

	var cfg grantSettings
	require.NoError(t, New().WithEnvPrefix("CFGTEST_YAML").WithFile(path).Load(&cfg))

	assert.Equal(t, 45, cfg.ValidityPeriod)
	assert.False(t, cfg.CacheUsed)
	assert.Equal(t, 10*time.Second, cfg.Skew)
	assert.Equal(t, "carbon.super", cfg.Tenant, "unset keys keep defaults")
}

func TestLoader_Load_JSONFile(t *testing.T) {
	path := writeConfigFile(t, "grant.json", `{"validity_period": 60, "tenant": "acme.com"}`)

	var cfg grantSettings
	require.NoError(t, New().WithEnvPrefix("CFGTEST_JSON").WithFile(path).Load(&cfg))

	assert.Equal(t, 60, cfg.ValidityPeriod)
	assert.Equal(t, "acme.com", cfg.Tenant)
}

func TestLoader_Load_PropertiesFile(t *testing.T) {
	path := writeConfigFile(t, "jwt.properties", `
# grant handler settings
validityPeriod = 15
cacheUsed=false
timeStampSkew: 2m
defaultTenant = wso2.com
`)

	var cfg grantSettings
	require.NoError(t, New().WithEnvPrefix("CFGTEST_PROPS").WithFile(path).Load(&cfg))

	assert.Equal(t, 15, cfg.ValidityPeriod)
	assert.False(t, cfg.CacheUsed)
	assert.Equal(t, 2*time.Minute, cfg.Skew)
	assert.Equal(t, "wso2.com", cfg.Tenant)
}

func TestLoader_Load_PropertiesFile_NestedKeys(t *testing.T) {
	path := writeConfigFile(t, "store.properties", `
name = replay
store.addr = localhost:6379
store.maxSize = 500
store.password = hunter2
store.tags = a, b ,c
`)

	var cfg nestedSettings
	require.NoError(t, New().WithEnvPrefix("CFGTEST_NPROPS").WithFile(path).Load(&cfg))

	assert.Equal(t, "replay", cfg.Name)
	assert.Equal(t, "localhost:6379", cfg.Store.Addr)
	assert.Equal(t, int32(500), cfg.Store.MaxSize)
	assert.Equal(t, testSecret("hunter2"), cfg.Store.Password)
	assert.Equal(t, []string{"a", "b", "c"}, cfg.Store.Tags)
}

func TestLoader_Load_PropertiesFile_BadValue(t *testing.T) {
	path := writeConfigFile(t, "bad.properties", "validityPeriod = soon\n")

	var cfg grantSettings
	err := New().WithEnvPrefix("CFGTEST_BADPROPS").WithFile(path).Load(&cfg)
	require.Error(t, err)
	assert.Equal(t, sserr.CodeInternalConfiguration, sserr.GetCode(err))
	assert.Contains(t, err.Error(), "validityPeriod")
}

func TestLoader_Load_EnvOverridesFile(t *testing.T) {
	path := writeConfigFile(t, "jwt.properties", "validityPeriod = 15\ncacheUsed = false\n")
	t.Setenv("CFGTEST_ENV_VALIDITY_PERIOD", "90")

	var cfg grantSettings
	require.NoError(t, New().WithEnvPrefix("cfgtest_env").WithFile(path).Load(&cfg))

	assert.Equal(t, 90, cfg.ValidityPeriod, "env wins over file")
	assert.False(t, cfg.CacheUsed, "file wins over default")
}

func TestLoader_Load_NestedEnv(t *testing.T) {
	t.Setenv("CFGTEST_NEST_STORE_ADDR", "redis:6379")
	t.Setenv("CFGTEST_NEST_STORE_TAGS", "x,y")

	var cfg nestedSettings
	require.NoError(t, New().WithEnvPrefix("CFGTEST_NEST").Load(&cfg))

	assert.Equal(t, "redis:6379", cfg.Store.Addr)
	assert.Equal(t, int32(100), cfg.Store.MaxSize)
	assert.Equal(t, []string{"x", "y"}, cfg.Store.Tags)
}

func TestLoader_Load_MissingFileIsIgnored(t *testing.T) {
	var cfg grantSettings
	require.NoError(t, New().WithEnvPrefix("CFGTEST_MISSING").
		WithFile(filepath.Join(t.TempDir(), "absent.properties")).Load(&cfg))
	assert.Equal(t, 30, cfg.ValidityPeriod)
}

// ===========================================================================
// File errors
// ===========================================================================

func TestLoader_Load_FileErrors(t *testing.T) {
	tests := []struct {
		name string
		file string
		body string
	}{
		{"unsupported extension", "grant.toml", "a = 1"},
		{"invalid yaml", "grant.yaml", "validity_period: [unclosed"},
		{"invalid json", "grant.json", "{not json"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeConfigFile(t, tt.file, tt.body)
			var cfg grantSettings
			err := New().WithEnvPrefix("CFGTEST_FERR").WithFile(path).Load(&cfg)
			require.Error(t, err)
			assert.Equal(t, sserr.CodeInternalConfiguration, sserr.GetCode(err))
		})
	}
}

func TestLoader_Load_DirectoryTraversal(t *testing.T) {
	var cfg grantSettings
	err := New().WithFile("../../etc/jwt.properties").Load(&cfg)
	require.Error(t, err)
	assert.Equal(t, sserr.CodeInternalConfiguration, sserr.GetCode(err))
}

func TestLoader_Load_InvalidEnvValues(t *testing.T) {
	tests := []struct {
		key string
		val string
	}{
		{"CFGTEST_INV_VALIDITY_PERIOD", "thirty"},
		{"CFGTEST_INV_CACHE_USED", "maybe"},
		{"CFGTEST_INV_SKEW", "5 minutes"},
	}
	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			t.Setenv(tt.key, tt.val)
			var cfg grantSettings
			err := New().WithEnvPrefix("CFGTEST_INV").Load(&cfg)
			require.Error(t, err)
			assert.Equal(t, sserr.CodeInternalConfiguration, sserr.GetCode(err))
		})
	}
}

// ===========================================================================
// Validation
// ===========================================================================

func TestLoader_Load_NestedRequiredField(t *testing.T) {
	var cfg nestedSettings
	err := New().WithEnvPrefix("CFGTEST_REQ").Load(&cfg)
	require.Error(t, err)
	assert.Equal(t, sserr.CodeValidationRequired, sserr.GetCode(err))
	assert.Contains(t, err.Error(), `"Store.Addr"`)
}

func TestLoader_Load_Validator(t *testing.T) {
	t.Run("passes", func(t *testing.T) {
		t.Setenv("CFGTEST_VAL_PERIOD", "5")
		var cfg checkedSettings
		require.NoError(t, New().WithEnvPrefix("CFGTEST_VAL").Load(&cfg))
	})
	t.Run("coded error passes through", func(t *testing.T) {
		t.Setenv("CFGTEST_VAL_PERIOD", "-1")
		var cfg checkedSettings
		err := New().WithEnvPrefix("CFGTEST_VAL").Load(&cfg)
		assert.Equal(t, sserr.CodeValidationRange, sserr.GetCode(err))
	})
	t.Run("plain error is wrapped", func(t *testing.T) {
		t.Setenv("CFGTEST_VAL_PERIOD", "13")
		var cfg checkedSettings
		err := New().WithEnvPrefix("CFGTEST_VAL").Load(&cfg)
		assert.Equal(t, sserr.CodeValidation, sserr.GetCode(err))
		assert.Contains(t, err.Error(), "unlucky period")
	})
}

func TestMustLoad(t *testing.T) {
	cfg := MustLoad[grantSettings](New().WithEnvPrefix("CFGTEST_MUST"))
	assert.Equal(t, 30, cfg.ValidityPeriod)

	assert.Panics(t, func() {
		_ = MustLoad[nestedSettings](New().WithEnvPrefix("CFGTEST_MUSTFAIL"))
	})
}
