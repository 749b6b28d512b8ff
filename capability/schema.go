// Package capability describes the settings contract shared by analyzers,
// transforms and storage backends.
//
// Each capability declares a Schema, a typed field list with range, enum and
// optionality constraints. The API validates caller-supplied settings against
// the schema before a task is enqueued, so workers only ever see settings
// that already passed validation.
package capability

import (
	"fmt"
	"math"
)

// Kind enumerates the field value types a schema can declare.
type Kind int

const (
	String Kind = iota
	Int
	Float
	Bool
)

// Field describes a single settings value.
type Field struct {
	// Name is the settings key.
	Name string
	// Kind is the expected value type.
	Kind Kind
	// Required fields must be present; optional fields fall back to Default.
	Required bool
	// Min/Max bound numeric fields when set.
	Min *float64
	// Max bounds numeric fields when set.
	Max *float64
	// Enum restricts string fields to the listed values when non-empty.
	Enum []string
	// IntEnum restricts int fields to the listed values when non-empty.
	IntEnum []int
	// Default is applied when an optional field is absent.
	Default any
}

// Schema is the ordered field list for a capability's settings.
type Schema []Field

// Settings holds validated, defaulted settings values keyed by field name.
type Settings map[string]any

// Bound returns a pointer suitable for Field.Min/Max.
func Bound(v float64) *float64 { return &v }

// Validate checks raw caller-supplied settings against the schema. Keys with
// nil values and keys the schema does not declare are ignored. On success the
// returned Settings carries every declared field, with defaults applied; on
// failure the map of per-field messages is returned instead.
func (s Schema) Validate(raw map[string]any) (Settings, map[string][]string) {
	settings := make(Settings, len(s))
	errs := make(map[string][]string)

	for _, f := range s {
		v, ok := raw[f.Name]
		if v == nil {
			ok = false
		}
		if !ok {
			if f.Required {
				errs[f.Name] = append(errs[f.Name], "This field is required.")
				continue
			}
			if f.Default != nil {
				settings[f.Name] = f.Default
			}
			continue
		}

		coerced, err := coerce(f, v)
		if err != nil {
			errs[f.Name] = append(errs[f.Name], err.Error())
			continue
		}
		settings[f.Name] = coerced
	}

	if len(errs) > 0 {
		return nil, errs
	}
	return settings, nil
}

// coerce converts a raw JSON value to the field's kind and enforces its
// constraints.
func coerce(f Field, v any) (any, error) {
	switch f.Kind {
	case String:
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("must be a string")
		}
		if len(f.Enum) > 0 {
			for _, allowed := range f.Enum {
				if s == allowed {
					return s, nil
				}
			}
			return nil, fmt.Errorf("must be one of %v", f.Enum)
		}
		return s, nil

	case Int:
		n, ok := asFloat(v)
		if !ok || n != math.Trunc(n) {
			return nil, fmt.Errorf("must be an integer")
		}
		if err := checkRange(f, n); err != nil {
			return nil, err
		}
		if len(f.IntEnum) > 0 {
			for _, allowed := range f.IntEnum {
				if int(n) == allowed {
					return int(n), nil
				}
			}
			return nil, fmt.Errorf("must be one of %v", f.IntEnum)
		}
		return int(n), nil

	case Float:
		n, ok := asFloat(v)
		if !ok {
			return nil, fmt.Errorf("must be a number")
		}
		if err := checkRange(f, n); err != nil {
			return nil, err
		}
		return n, nil

	case Bool:
		b, ok := v.(bool)
		if !ok {
			return nil, fmt.Errorf("must be a boolean")
		}
		return b, nil
	}
	return nil, fmt.Errorf("unsupported field kind")
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

func checkRange(f Field, n float64) error {
	if f.Min != nil && n < *f.Min {
		return fmt.Errorf("must be at least %v", *f.Min)
	}
	if f.Max != nil && n > *f.Max {
		return fmt.Errorf("must be at most %v", *f.Max)
	}
	return nil
}

// Int returns the named int setting, or zero when absent.
func (s Settings) Int(name string) int {
	if v, ok := s[name].(int); ok {
		return v
	}
	return 0
}

// Float returns the named float setting, or zero when absent.
func (s Settings) Float(name string) float64 {
	switch v := s[name].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	}
	return 0
}

// FloatPtr returns the named float setting, or nil when absent.
func (s Settings) FloatPtr(name string) *float64 {
	switch v := s[name].(type) {
	case float64:
		return &v
	case int:
		f := float64(v)
		return &f
	}
	return nil
}

// String returns the named string setting, or "" when absent.
func (s Settings) String(name string) string {
	if v, ok := s[name].(string); ok {
		return v
	}
	return ""
}

// Bool returns the named bool setting, or false when absent.
func (s Settings) Bool(name string) bool {
	if v, ok := s[name].(bool); ok {
		return v
	}
	return false
}
