package config

import (
	"reflect"
	"strings"

	sserr "github.com/StricklySoft/jwt-bearer-grant/pkg/errors"
)

// Validator is implemented by config structs with cross-field rules.
// Load calls Validate after required-field checks pass. A returned
// *sserr.Error is passed through; any other error is wrapped as
// [sserr.CodeValidation].
//
//	func (c *Config) Validate() error {
//	    if c.ValidityPeriod <= 0 {
//	        return sserr.Newf(sserr.CodeValidationRange,
//	            "config: validity period %d must be positive", c.ValidityPeriod)
//	    }
//	    return nil
//	}
type Validator interface {
	Validate() error
}

func validate(cfg any, rv reflect.Value) error {
	if err := validateRequired(rv); err != nil {
		return err
	}
	v, ok := cfg.(Validator)
	if !ok {
		return nil
	}
	if err := v.Validate(); err != nil {
		if _, coded := sserr.AsError(err); coded {
			return err
		}
		return sserr.Wrap(err, sserr.CodeValidation, "config: custom validation failed")
	}
	return nil
}

// validateRequired reports the first zero-valued `required:"true"` field
// by its dotted Go path (e.g. "Database.Host").
func validateRequired(rv reflect.Value) error {
	return walk(rv, nil, func(field reflect.Value, sf reflect.StructField, parents []reflect.StructField) error {
		if sf.Tag.Get("required") != "true" || !field.IsZero() {
			return nil
		}
		names := make([]string, 0, len(parents)+1)
		for _, p := range parents {
			names = append(names, p.Name)
		}
		return sserr.Newf(sserr.CodeValidationRequired,
			"config: required field %q is empty", strings.Join(append(names, sf.Name), "."))
	})
}
