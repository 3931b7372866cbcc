package extract

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Values arrive from the JSON reader as string, json.Number, bool, nil or
// nested containers. float64 and int are accepted as well so callers can
// build rows by hand.

func requireString(field string, v any) (string, error) {
	s, ok := v.(string)
	if !ok {
		return "", fieldErr(field, v, "string")
	}
	return s, nil
}

func requireID(field string, v any) (string, error) {
	s, err := requireString(field, v)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(s) == "" {
		return "", fmt.Errorf("field %s is empty", field)
	}
	return s, nil
}

// optionalString returns nil for null or missing values.
func optionalString(field string, v any) (*string, error) {
	if v == nil {
		return nil, nil
	}
	s, ok := v.(string)
	if !ok {
		return nil, fieldErr(field, v, "string or null")
	}
	return &s, nil
}

// stringOrEmpty returns "" for null or missing values.
func stringOrEmpty(field string, v any) (string, error) {
	p, err := optionalString(field, v)
	if err != nil || p == nil {
		return "", err
	}
	return *p, nil
}

func requireFloat(field string, v any) (float64, error) {
	p, err := optionalFloat(field, v)
	if err != nil {
		return 0, err
	}
	if p == nil {
		return 0, fieldErr(field, v, "number")
	}
	return *p, nil
}

func optionalFloat(field string, v any) (*float64, error) {
	var f float64
	switch t := v.(type) {
	case nil:
		return nil, nil
	case json.Number:
		parsed, err := t.Float64()
		if err != nil {
			return nil, fmt.Errorf("field %s: %w", field, err)
		}
		f = parsed
	case float64:
		f = t
	case int:
		f = float64(t)
	case int64:
		f = float64(t)
	default:
		return nil, fieldErr(field, v, "number or null")
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return nil, fmt.Errorf("field %s: not a finite number", field)
	}
	return &f, nil
}

// requireInt accepts integral numbers. When numericString is true a string
// holding a base-10 integer is accepted too.
func requireInt(field string, v any, numericString bool) (int64, error) {
	switch t := v.(type) {
	case json.Number:
		n, err := t.Int64()
		if err != nil {
			return 0, fmt.Errorf("field %s: %q is not an integer", field, t.String())
		}
		return n, nil
	case int64:
		return t, nil
	case int:
		return int64(t), nil
	case float64:
		if t != math.Trunc(t) || math.IsInf(t, 0) {
			return 0, fmt.Errorf("field %s: %v is not an integer", field, t)
		}
		return int64(t), nil
	case string:
		if numericString {
			n, err := strconv.ParseInt(strings.TrimSpace(t), 10, 64)
			if err != nil {
				return 0, fmt.Errorf("field %s: %q is not an integer", field, t)
			}
			return n, nil
		}
	}
	return 0, fieldErr(field, v, "integer")
}

func fieldErr(field string, v any, want string) error {
	if v == nil {
		return fmt.Errorf("field %s is missing, want %s", field, want)
	}
	return fmt.Errorf("field %s has type %T, want %s", field, v, want)
}
