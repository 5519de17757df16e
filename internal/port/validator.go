package port

import (
	"fmt"
	"reflect"
	"regexp"
	"sync"
)

// ValidatorType names a built-in validator.
type ValidatorType string

const (
	ValidatorMin     ValidatorType = "min"
	ValidatorMax     ValidatorType = "max"
	ValidatorPattern ValidatorType = "pattern"
	ValidatorChoices ValidatorType = "choices"
)

// Validator is a declarative check applied to an expanded value.
// min/max compare numbers by value and strings, lists and dicts by length.
type Validator struct {
	Type  ValidatorType `json:"type" yaml:"type"`
	Value any           `json:"value" yaml:"value"`
}

// Min rejects values below n.
func Min(n float64) Validator { return Validator{Type: ValidatorMin, Value: n} }

// Max rejects values above n.
func Max(n float64) Validator { return Validator{Type: ValidatorMax, Value: n} }

// Pattern rejects strings that do not match expr.
func Pattern(expr string) Validator { return Validator{Type: ValidatorPattern, Value: expr} }

// Choices rejects values outside the given set.
func Choices(values ...any) Validator { return Validator{Type: ValidatorChoices, Value: values} }

var patternCache sync.Map // expr -> *regexp.Regexp

func compilePattern(expr string) (*regexp.Regexp, error) {
	if re, ok := patternCache.Load(expr); ok {
		return re.(*regexp.Regexp), nil
	}
	re, err := regexp.Compile(expr)
	if err != nil {
		return nil, err
	}
	patternCache.Store(expr, re)
	return re, nil
}

func (v Validator) check() error {
	switch v.Type {
	case ValidatorMin, ValidatorMax:
		if _, ok := toFloat(v.Value); !ok {
			return fmt.Errorf("%s validator needs a number", v.Type)
		}
	case ValidatorPattern:
		expr, ok := v.Value.(string)
		if !ok {
			return fmt.Errorf("pattern validator needs a string")
		}
		if _, err := compilePattern(expr); err != nil {
			return fmt.Errorf("invalid pattern: %w", err)
		}
	case ValidatorChoices:
		if rv := reflect.ValueOf(v.Value); !rv.IsValid() || rv.Kind() != reflect.Slice {
			return fmt.Errorf("choices validator needs a list")
		}
	default:
		return fmt.Errorf("unknown validator %q", v.Type)
	}
	return nil
}

// apply returns a failure reason, or "" when value passes.
func (v Validator) apply(value any) string {
	if value == nil {
		return ""
	}
	switch v.Type {
	case ValidatorMin, ValidatorMax:
		bound, _ := toFloat(v.Value)
		n, ok := measure(value)
		if !ok {
			return ""
		}
		if v.Type == ValidatorMin && n < bound {
			return "below minimum"
		}
		if v.Type == ValidatorMax && n > bound {
			return "above maximum"
		}
	case ValidatorPattern:
		s, ok := value.(string)
		if !ok {
			return ""
		}
		re, err := compilePattern(v.Value.(string))
		if err != nil || !re.MatchString(s) {
			return "does not match pattern"
		}
	case ValidatorChoices:
		rv := reflect.ValueOf(v.Value)
		for i := 0; i < rv.Len(); i++ {
			if sameValue(rv.Index(i).Interface(), value) {
				return ""
			}
		}
		return "not an allowed choice"
	}
	return ""
}

func measure(value any) (float64, bool) {
	if f, ok := toFloat(value); ok {
		return f, true
	}
	switch rv := reflect.ValueOf(value); rv.Kind() {
	case reflect.String, reflect.Slice, reflect.Map:
		return float64(rv.Len()), true
	}
	return 0, false
}

func sameValue(a, b any) bool {
	fa, okA := toFloat(a)
	fb, okB := toFloat(b)
	if okA && okB {
		return fa == fb
	}
	return reflect.DeepEqual(a, b)
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}
