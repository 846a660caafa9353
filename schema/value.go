package schema

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// Kind identifies the underlying shape of a raw value as it arrived
// from the collector. Raw input is loosely typed: booleans and
// timestamps frequently arrive as string encodings.
type Kind int

const (
	KindNull Kind = iota
	KindString
	KindNumber
	KindBool
)

func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindString:
		return "string"
	case KindNumber:
		return "number"
	case KindBool:
		return "bool"
	}
	return "unknown"
}

// Value is a tagged variant holding one raw field value. Numbers keep
// their original JSON text (json.Number) so no precision is lost before
// coercion decides the target type.
type Value struct {
	Kind Kind
	Str  string
	Num  json.Number
	Bool bool
}

func Null() Value                { return Value{Kind: KindNull} }
func String(s string) Value      { return Value{Kind: KindString, Str: s} }
func Number(n json.Number) Value { return Value{Kind: KindNumber, Num: n} }
func Boolean(b bool) Value       { return Value{Kind: KindBool, Bool: b} }

// IntValue and FloatValue are convenience constructors used when a raw
// record is rebuilt from typed storage columns.
func IntValue(i int64) Value {
	return Value{Kind: KindNumber, Num: json.Number(strconv.FormatInt(i, 10))}
}

func FloatValue(f float64) Value {
	return Value{Kind: KindNumber, Num: json.Number(strconv.FormatFloat(f, 'g', -1, 64))}
}

// FromAny converts a value decoded by encoding/json (with UseNumber)
// into a tagged Value.
func FromAny(v any) (Value, error) {
	switch t := v.(type) {
	case nil:
		return Null(), nil
	case string:
		return String(t), nil
	case bool:
		return Boolean(t), nil
	case json.Number:
		return Number(t), nil
	case float64:
		return FloatValue(t), nil
	case int64:
		return IntValue(t), nil
	default:
		return Value{}, fmt.Errorf("unsupported raw value type %T", v)
	}
}

// IsNull reports whether the value is JSON null or was absent entirely.
func (v Value) IsNull() bool { return v.Kind == KindNull }

// Encoded returns the raw textual encoding of the value, the form the
// Bronze tier preserves for loosely typed columns.
func (v Value) Encoded() string {
	switch v.Kind {
	case KindString:
		return v.Str
	case KindNumber:
		return v.Num.String()
	case KindBool:
		return strconv.FormatBool(v.Bool)
	}
	return ""
}

// MarshalJSON emits the value in its original JSON shape, so quarantine
// payloads and change-feed rows round-trip the input faithfully.
func (v Value) MarshalJSON() ([]byte, error) {
	switch v.Kind {
	case KindNull:
		return []byte("null"), nil
	case KindString:
		return json.Marshal(v.Str)
	case KindNumber:
		return []byte(v.Num.String()), nil
	case KindBool:
		return json.Marshal(v.Bool)
	}
	return nil, fmt.Errorf("unknown value kind %d", v.Kind)
}

// Record is one raw event record: a flat mapping of field names to
// loosely typed values. An absent field and an explicit null are
// treated identically by Field.
type Record map[string]Value

// Field returns the named value, or null when the field is absent.
func (r Record) Field(name string) Value {
	if v, ok := r[name]; ok {
		return v
	}
	return Null()
}

// Payload serializes the record back to its JSON form for diagnostic
// storage (quarantine entries).
func (r Record) Payload() ([]byte, error) {
	return json.Marshal(r)
}
