package schema

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// FieldType names a coercion in the registry. Validation rules are
// data-driven: a field contract references a type by name and the
// registry supplies the conversion.
type FieldType string

const (
	TypeString    FieldType = "string"
	TypeInt       FieldType = "int"
	TypeFloat     FieldType = "float"
	TypeBool      FieldType = "bool"
	TypeTimestamp FieldType = "timestamp"
)

// Coercion converts a raw value into its canonical typed form. Coercions
// are pure and idempotent: feeding a coerced value's encoding back in
// yields the same result.
type Coercion func(Value) (any, error)

var coercions = map[FieldType]Coercion{
	TypeString:    func(v Value) (any, error) { return CoerceString(v) },
	TypeInt:       func(v Value) (any, error) { return CoerceInt(v) },
	TypeFloat:     func(v Value) (any, error) { return CoerceFloat(v) },
	TypeBool:      func(v Value) (any, error) { return CoerceBool(v) },
	TypeTimestamp: func(v Value) (any, error) { return CoerceTimestamp(v) },
}

// Coerce applies the named coercion to a raw value.
func Coerce(t FieldType, v Value) (any, error) {
	fn, ok := coercions[t]
	if !ok {
		return nil, fmt.Errorf("unknown field type %q", t)
	}
	return fn(v)
}

// CoerceString accepts any non-null scalar and returns its text form.
func CoerceString(v Value) (string, error) {
	if v.IsNull() {
		return "", fmt.Errorf("null is not a string")
	}
	return v.Encoded(), nil
}

// CoerceInt accepts JSON numbers and decimal strings. Floats are
// accepted only when integral, so "10.0" lands as 10 but "10.5" fails.
func CoerceInt(v Value) (int64, error) {
	switch v.Kind {
	case KindNumber:
		if i, err := v.Num.Int64(); err == nil {
			return i, nil
		}
		f, err := v.Num.Float64()
		if err != nil {
			return 0, fmt.Errorf("%q is not an integer", v.Num)
		}
		if f != math.Trunc(f) {
			return 0, fmt.Errorf("%q has a fractional part", v.Num)
		}
		return int64(f), nil
	case KindString:
		i, err := strconv.ParseInt(strings.TrimSpace(v.Str), 10, 64)
		if err != nil {
			return 0, fmt.Errorf("%q is not an integer", v.Str)
		}
		return i, nil
	}
	return 0, fmt.Errorf("%s is not an integer", v.Kind)
}

// CoerceFloat accepts JSON numbers and numeric strings.
func CoerceFloat(v Value) (float64, error) {
	switch v.Kind {
	case KindNumber:
		f, err := v.Num.Float64()
		if err != nil {
			return 0, fmt.Errorf("%q is not a number", v.Num)
		}
		return f, nil
	case KindString:
		f, err := strconv.ParseFloat(strings.TrimSpace(v.Str), 64)
		if err != nil {
			return 0, fmt.Errorf("%q is not a number", v.Str)
		}
		return f, nil
	}
	return 0, fmt.Errorf("%s is not a number", v.Kind)
}

// CoerceBool accepts native booleans, the usual string encodings
// ("True"/"False", "t"/"f", "1"/"0"), and the numbers 0 and 1.
func CoerceBool(v Value) (bool, error) {
	switch v.Kind {
	case KindBool:
		return v.Bool, nil
	case KindString:
		switch strings.ToLower(strings.TrimSpace(v.Str)) {
		case "true", "t", "1", "yes":
			return true, nil
		case "false", "f", "0", "no":
			return false, nil
		}
		return false, fmt.Errorf("%q is not a boolean", v.Str)
	case KindNumber:
		switch v.Num.String() {
		case "1":
			return true, nil
		case "0":
			return false, nil
		}
		return false, fmt.Errorf("%q is not a boolean", v.Num)
	}
	return false, fmt.Errorf("%s is not a boolean", v.Kind)
}

// timestampLayouts are tried in order for string-encoded timestamps.
var timestampLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02 15:04:05.999999",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
}

// CoerceTimestamp accepts epoch seconds (integer or fractional, the
// encoding Reddit uses for created_utc) and common string layouts.
// Results are normalized to UTC.
func CoerceTimestamp(v Value) (time.Time, error) {
	switch v.Kind {
	case KindNumber:
		f, err := v.Num.Float64()
		if err != nil {
			return time.Time{}, fmt.Errorf("%q is not a timestamp", v.Num)
		}
		return epochToTime(f), nil
	case KindString:
		s := strings.TrimSpace(v.Str)
		for _, layout := range timestampLayouts {
			if t, err := time.Parse(layout, s); err == nil {
				return t.UTC(), nil
			}
		}
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			return epochToTime(f), nil
		}
		return time.Time{}, fmt.Errorf("%q is not a timestamp", v.Str)
	}
	return time.Time{}, fmt.Errorf("%s is not a timestamp", v.Kind)
}

func epochToTime(f float64) time.Time {
	sec, frac := math.Modf(f)
	return time.Unix(int64(sec), int64(frac*1e9)).UTC()
}
