package config

import (
	"encoding/json"
	"fmt"
	"math"
	"regexp"
)

// Validate checks user-supplied values against a schema and returns a
// normalized map using native Go types (int64, float64, bool, string,
// []any). Missing values with defaults are injected; keys not declared in
// the schema are rejected. Deterministic: same inputs always produce the
// same output or the same error.
func Validate(schema []Item, values map[string]any) (map[string]any, error) {
	if err := ValidateSchema(schema); err != nil {
		return nil, err
	}

	declared := make(map[string]struct{}, len(schema))
	for _, item := range schema {
		declared[item.Alias] = struct{}{}
	}
	for key := range values {
		if _, ok := declared[key]; !ok {
			return nil, fmt.Errorf("%w: %q", ErrUnknownField, key)
		}
	}

	out := make(map[string]any, len(schema))
	for _, item := range schema {
		raw, ok := values[item.Alias]
		if !ok {
			if item.Default != nil {
				raw = item.Default
			} else if item.Required {
				return nil, fmt.Errorf("%w: %q", ErrMissingRequired, item.Alias)
			} else {
				continue
			}
		}
		normalized, err := validateItem(item, raw)
		if err != nil {
			return nil, err
		}
		out[item.Alias] = normalized
	}
	return out, nil
}

// ValidateSchema checks the schema itself: alias uniqueness, known kinds,
// and defaults that pass their own item's validation.
func ValidateSchema(schema []Item) error {
	seen := make(map[string]struct{}, len(schema))
	for _, item := range schema {
		if item.Alias == "" {
			return fmt.Errorf("%w: item %q has empty alias", ErrInvalidSchema, item.Name)
		}
		if _, dup := seen[item.Alias]; dup {
			return fmt.Errorf("%w: duplicate alias %q", ErrInvalidSchema, item.Alias)
		}
		seen[item.Alias] = struct{}{}

		switch item.Type {
		case KindString, KindInteger, KindFloat, KindBoolean, KindOption, KindMultiOption:
		default:
			return fmt.Errorf("%w: item %q has unknown type %q", ErrInvalidSchema, item.Alias, item.Type)
		}

		if item.Type == KindOption || item.Type == KindMultiOption {
			if len(item.Spec.Values) == 0 {
				return fmt.Errorf("%w: item %q declares no allowed values", ErrInvalidSchema, item.Alias)
			}
		}
		if item.Spec.Regex != nil {
			if _, err := regexp.Compile(*item.Spec.Regex); err != nil {
				return fmt.Errorf("%w: item %q regex: %v", ErrInvalidSchema, item.Alias, err)
			}
		}
		if item.Default != nil {
			if _, err := validateItem(item, item.Default); err != nil {
				return fmt.Errorf("%w: item %q default: %v", ErrInvalidSchema, item.Alias, err)
			}
		}
	}
	return nil
}

func validateItem(item Item, raw any) (any, error) {
	switch item.Type {
	case KindString:
		return validateString(item, raw)
	case KindInteger:
		return validateInteger(item, raw)
	case KindFloat:
		return validateFloat(item, raw)
	case KindBoolean:
		v, ok := raw.(bool)
		if !ok {
			return nil, typeMismatch(item, raw)
		}
		return v, nil
	case KindOption:
		if !memberOf(raw, item.Spec.Values) {
			return nil, fmt.Errorf("%w: %q: %v", ErrInvalidOption, item.Alias, raw)
		}
		return raw, nil
	case KindMultiOption:
		return validateMultiOption(item, raw)
	default:
		return nil, fmt.Errorf("%w: item %q has unknown type %q", ErrInvalidSchema, item.Alias, item.Type)
	}
}

func validateString(item Item, raw any) (any, error) {
	v, ok := raw.(string)
	if !ok {
		return nil, typeMismatch(item, raw)
	}
	if item.Spec.Regex != nil {
		re, err := regexp.Compile(*item.Spec.Regex)
		if err != nil {
			return nil, fmt.Errorf("%w: item %q regex: %v", ErrInvalidSchema, item.Alias, err)
		}
		if loc := re.FindStringIndex(v); loc == nil || loc[0] != 0 || loc[1] != len(v) {
			return nil, fmt.Errorf("%w: %q: %q does not match %q", ErrPatternMismatch, item.Alias, v, *item.Spec.Regex)
		}
	}
	return v, nil
}

func validateInteger(item Item, raw any) (any, error) {
	f, ok := asNumber(raw)
	if !ok || f != math.Trunc(f) {
		return nil, typeMismatch(item, raw)
	}
	if err := checkRange(item, f); err != nil {
		return nil, err
	}
	return int64(f), nil
}

func validateFloat(item Item, raw any) (any, error) {
	f, ok := asNumber(raw)
	if !ok {
		return nil, typeMismatch(item, raw)
	}
	if err := checkRange(item, f); err != nil {
		return nil, err
	}
	return f, nil
}

func validateMultiOption(item Item, raw any) (any, error) {
	var elems []any
	switch v := raw.(type) {
	case []any:
		elems = v
	case []string:
		elems = make([]any, 0, len(v))
		for _, s := range v {
			elems = append(elems, s)
		}
	default:
		return nil, typeMismatch(item, raw)
	}

	if item.Spec.MinCount != nil && len(elems) < *item.Spec.MinCount {
		return nil, fmt.Errorf("%w: %q: %d elements, minimum %d", ErrCountOutOfRange, item.Alias, len(elems), *item.Spec.MinCount)
	}
	if item.Spec.MaxCount != nil && len(elems) > *item.Spec.MaxCount {
		return nil, fmt.Errorf("%w: %q: %d elements, maximum %d", ErrCountOutOfRange, item.Alias, len(elems), *item.Spec.MaxCount)
	}
	for _, e := range elems {
		if !memberOf(e, item.Spec.Values) {
			return nil, fmt.Errorf("%w: %q: %v", ErrInvalidOption, item.Alias, e)
		}
	}
	return elems, nil
}

func checkRange(item Item, f float64) error {
	if item.Spec.Min != nil && f < *item.Spec.Min {
		return fmt.Errorf("%w: %q: %v < %v", ErrOutOfRange, item.Alias, f, *item.Spec.Min)
	}
	if item.Spec.Max != nil && f > *item.Spec.Max {
		return fmt.Errorf("%w: %q: %v > %v", ErrOutOfRange, item.Alias, f, *item.Spec.Max)
	}
	return nil
}

func typeMismatch(item Item, raw any) error {
	return fmt.Errorf("%w: %q: expected %s, got %T", ErrTypeMismatch, item.Alias, item.Type, raw)
}

// asNumber accepts the numeric representations seen after JSON/YAML
// decoding and template rendering.
func asNumber(raw any) (float64, bool) {
	switch v := raw.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int32:
		return float64(v), true
	case int64:
		return float64(v), true
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

// memberOf compares by normalized representation so that 2 (int) matches
// 2.0 (float64 from JSON decoding).
func memberOf(raw any, allowed []any) bool {
	for _, a := range allowed {
		if equalValue(raw, a) {
			return true
		}
	}
	return false
}

func equalValue(a, b any) bool {
	if a == b {
		return true
	}
	fa, oka := asNumber(a)
	fb, okb := asNumber(b)
	if oka && okb {
		return fa == fb
	}
	return false
}
