// Package config loads layered configuration into tagged structs.
//
// Values are resolved lowest to highest priority:
//
//	envDefault struct tags
//	config file (.yaml, .yml, .json or .properties)
//	environment variables
//
// Supported struct tags:
//
//   - `env:"NAME"` names the environment variable. A nested struct's env
//     tag is joined to its children's with "_".
//   - `envDefault:"value"` is applied when the field is zero-valued.
//   - `properties:"key"` names the key in a .properties file. A nested
//     struct's properties tag is joined to its children's with ".".
//   - `required:"true"` fails validation if the field is still zero.
//
// YAML and JSON files decode through the `yaml` and `json` tags.
// Properties files are the format grant handlers have historically been
// configured with (jwt.properties), so the loader accepts them directly:
//
//	type GrantSettings struct {
//	    ValidityPeriod int  `env:"VALIDITY_PERIOD" envDefault:"30" properties:"validityPeriod"`
//	    CacheUsedJTI   bool `env:"CACHE_USED_JTI" envDefault:"true" properties:"cacheUsed"`
//	}
//
//	cfg := config.MustLoad[GrantSettings](
//	    config.New().WithEnvPrefix("GRANT").WithFile("jwt.properties"),
//	)
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/magiconair/properties"
	"gopkg.in/yaml.v3"

	sserr "github.com/StricklySoft/jwt-bearer-grant/pkg/errors"
)

// time.Duration has Kind Int64 but is parsed with time.ParseDuration.
var durationType = reflect.TypeOf(time.Duration(0))

// Loader resolves configuration from defaults, an optional file and the
// environment. A Loader is not safe for concurrent use.
type Loader struct {
	envPrefix string
	filePath  string
}

// New returns a Loader that reads environment variables only.
func New() *Loader {
	return &Loader{}
}

// WithEnvPrefix prepends prefix and "_" to every environment variable
// name. The prefix is uppercased.
func (l *Loader) WithEnvPrefix(prefix string) *Loader {
	l.envPrefix = strings.ToUpper(prefix)
	return l
}

// WithFile sets the config file. The format is chosen by extension
// (.yaml, .yml, .json, .properties). A missing file is not an error.
func (l *Loader) WithFile(path string) *Loader {
	l.filePath = path
	return l
}

// Load populates cfg, which must be a non-nil pointer to a struct, and
// then validates it: fields tagged `required:"true"` must be non-zero
// and, if cfg implements [Validator], Validate must succeed.
//
// Loading failures carry [sserr.CodeInternalConfiguration]; validation
// failures carry [sserr.CodeValidationRequired] or [sserr.CodeValidation].
func (l *Loader) Load(cfg any) error {
	rv := reflect.ValueOf(cfg)
	if rv.Kind() != reflect.Pointer || rv.IsNil() {
		return sserr.New(sserr.CodeInternalConfiguration,
			"config: Load requires a non-nil pointer to a struct")
	}
	rv = rv.Elem()
	if rv.Kind() != reflect.Struct {
		return sserr.New(sserr.CodeInternalConfiguration,
			"config: Load requires a pointer to a struct")
	}

	if err := applyDefaults(rv); err != nil {
		return err
	}
	if l.filePath != "" {
		if err := l.loadFile(cfg, rv); err != nil {
			return err
		}
	}
	if err := applyEnv(rv, l.envPrefix); err != nil {
		return err
	}
	return validate(cfg, rv)
}

// MustLoad loads a T or panics. Intended for main.
//
//	cfg := config.MustLoad[grant.Config](config.New().WithEnvPrefix("GRANT"))
func MustLoad[T any](loader *Loader) T {
	var cfg T
	if err := loader.Load(&cfg); err != nil {
		panic(fmt.Sprintf("config: MustLoad failed: %v", err))
	}
	return cfg
}

func (l *Loader) loadFile(cfg any, rv reflect.Value) error {
	if strings.Contains(l.filePath, "..") {
		return sserr.New(sserr.CodeInternalConfiguration,
			"config: file path must not contain directory traversal (..) sequences")
	}

	data, err := os.ReadFile(l.filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return sserr.Wrapf(err, sserr.CodeInternalConfiguration,
			"config: failed to read file %q", l.filePath)
	}

	switch ext := strings.ToLower(filepath.Ext(l.filePath)); ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return sserr.Wrapf(err, sserr.CodeInternalConfiguration,
				"config: failed to parse YAML file %q", l.filePath)
		}
	case ".json":
		if err := json.Unmarshal(data, cfg); err != nil {
			return sserr.Wrapf(err, sserr.CodeInternalConfiguration,
				"config: failed to parse JSON file %q", l.filePath)
		}
	case ".properties":
		props, err := properties.Load(data, properties.UTF8)
		if err != nil {
			return sserr.Wrapf(err, sserr.CodeInternalConfiguration,
				"config: failed to parse properties file %q", l.filePath)
		}
		return applyProperties(rv, props)
	default:
		return sserr.Newf(sserr.CodeInternalConfiguration,
			"config: unsupported file extension %q (use .yaml, .yml, .json, or .properties)", ext)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Struct traversal
// ---------------------------------------------------------------------------

// visitFunc is called for every settable leaf field. parents lists the
// enclosing nested struct fields, outermost first.
type visitFunc func(field reflect.Value, sf reflect.StructField, parents []reflect.StructField) error

func isNested(field reflect.Value) bool {
	return field.Kind() == reflect.Struct && field.Type() != durationType
}

func walk(rv reflect.Value, parents []reflect.StructField, visit visitFunc) error {
	rt := rv.Type()
	for i := range rt.NumField() {
		field, sf := rv.Field(i), rt.Field(i)
		if !field.CanSet() {
			continue
		}
		if isNested(field) {
			next := append(parents[:len(parents):len(parents)], sf)
			if err := walk(field, next, visit); err != nil {
				return err
			}
			continue
		}
		if err := visit(field, sf, parents); err != nil {
			return err
		}
	}
	return nil
}

// tagPath joins the non-empty tag values of parents and leaf with sep.
func tagPath(parents []reflect.StructField, tag, leaf, sep string) string {
	parts := make([]string, 0, len(parents)+1)
	for _, p := range parents {
		if v := p.Tag.Get(tag); v != "" {
			parts = append(parts, v)
		}
	}
	return strings.Join(append(parts, leaf), sep)
}

func applyDefaults(rv reflect.Value) error {
	return walk(rv, nil, func(field reflect.Value, sf reflect.StructField, _ []reflect.StructField) error {
		def := sf.Tag.Get("envDefault")
		if def == "" || !field.IsZero() {
			return nil
		}
		if err := setField(field, def); err != nil {
			return sserr.Wrapf(err, sserr.CodeInternalConfiguration,
				"config: failed to apply default for field %q", sf.Name)
		}
		return nil
	})
}

func applyEnv(rv reflect.Value, prefix string) error {
	return walk(rv, nil, func(field reflect.Value, sf reflect.StructField, parents []reflect.StructField) error {
		name := sf.Tag.Get("env")
		if name == "" {
			return nil
		}
		key := tagPath(parents, "env", name, "_")
		if prefix != "" {
			key = prefix + "_" + key
		}
		val, ok := os.LookupEnv(key)
		if !ok {
			return nil
		}
		if err := setField(field, val); err != nil {
			return sserr.Wrapf(err, sserr.CodeInternalConfiguration,
				"config: failed to set field %q from env var %q", sf.Name, key)
		}
		return nil
	})
}

func applyProperties(rv reflect.Value, props *properties.Properties) error {
	return walk(rv, nil, func(field reflect.Value, sf reflect.StructField, parents []reflect.StructField) error {
		name := sf.Tag.Get("properties")
		if name == "" {
			return nil
		}
		key := tagPath(parents, "properties", name, ".")
		val, ok := props.Get(key)
		if !ok {
			return nil
		}
		if err := setField(field, strings.TrimSpace(val)); err != nil {
			return sserr.Wrapf(err, sserr.CodeInternalConfiguration,
				"config: failed to set field %q from property %q", sf.Name, key)
		}
		return nil
	})
}

// setField parses value into field. Supported kinds: string (including
// named string types such as Secret), bool, signed integers,
// time.Duration and []string (comma-separated).
func setField(field reflect.Value, value string) error {
	if field.Type() == durationType {
		d, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("cannot parse duration %q: %w", value, err)
		}
		field.SetInt(int64(d))
		return nil
	}

	switch field.Kind() {
	case reflect.String:
		field.SetString(value)
	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("cannot parse bool %q: %w", value, err)
		}
		field.SetBool(b)
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		n, err := strconv.ParseInt(value, 10, field.Type().Bits())
		if err != nil {
			return fmt.Errorf("cannot parse integer %q: %w", value, err)
		}
		field.SetInt(n)
	case reflect.Slice:
		if field.Type().Elem().Kind() != reflect.String {
			return fmt.Errorf("unsupported slice element type %s", field.Type().Elem().Kind())
		}
		parts := strings.Split(value, ",")
		// MakeSlice keeps named slice types assignable.
		slice := reflect.MakeSlice(field.Type(), len(parts), len(parts))
		for i, p := range parts {
			slice.Index(i).SetString(strings.TrimSpace(p))
		}
		field.Set(slice)
	default:
		return fmt.Errorf("unsupported field type %s", field.Kind())
	}
	return nil
}
