package schema

import (
	"errors"
	"fmt"
)

// ErrSchemaDrift marks a structural mismatch between a batch and the
// contract. Drift is batch-fatal: silently coercing unknown or missing
// columns would corrupt downstream type guarantees.
var ErrSchemaDrift = errors.New("schema drift")

// Check is a named value constraint evaluated on the coerced value.
type Check interface {
	Name() string
	Validate(v any) error
}

// RangeCheck constrains a numeric field to [Min, Max] inclusive.
type RangeCheck struct {
	Min, Max float64
}

func (c RangeCheck) Name() string {
	return fmt.Sprintf("out_of_range[%g,%g]", c.Min, c.Max)
}

func (c RangeCheck) Validate(v any) error {
	var f float64
	switch t := v.(type) {
	case float64:
		f = t
	case int64:
		f = float64(t)
	default:
		return nil
	}
	if f < c.Min || f > c.Max {
		return fmt.Errorf("value %g outside [%g,%g]", f, c.Min, c.Max)
	}
	return nil
}

// NonEmptyCheck rejects empty strings in fields that must carry a value.
type NonEmptyCheck struct{}

func (NonEmptyCheck) Name() string { return "empty" }

func (NonEmptyCheck) Validate(v any) error {
	if s, ok := v.(string); ok && s == "" {
		return errors.New("empty string")
	}
	return nil
}

// FieldSpec declares one field of a tier contract: expected type,
// nullability, and any value constraints.
type FieldSpec struct {
	Name     string
	Type     FieldType
	Nullable bool
	Checks   []Check
}

// Contract is the expected shape of one tier's records. Field order is
// significant: violations are reported in declaration order.
type Contract struct {
	Table  string
	Fields []FieldSpec

	byName map[string]FieldSpec
}

// NewContract builds a contract and its field index.
func NewContract(table string, fields []FieldSpec) *Contract {
	byName := make(map[string]FieldSpec, len(fields))
	for _, f := range fields {
		byName[f.Name] = f
	}
	return &Contract{Table: table, Fields: fields, byName: byName}
}

// Field looks up a declared field by name.
func (c *Contract) Field(name string) (FieldSpec, bool) {
	f, ok := c.byName[name]
	return f, ok
}

// Result classifies one record. An empty violation list means ACCEPT.
type Result struct {
	Violations []string
}

func (r Result) OK() bool { return len(r.Violations) == 0 }

// Validate classifies a single record against the contract. It is a
// pure function over one record: every violated rule is collected, not
// just the first, so the quarantine entry is fully diagnostic.
func (c *Contract) Validate(rec Record) Result {
	var violations []string
	for _, spec := range c.Fields {
		v := rec.Field(spec.Name)
		if v.IsNull() {
			if !spec.Nullable {
				violations = append(violations, spec.Name+":not_null")
			}
			continue
		}
		coerced, err := Coerce(spec.Type, v)
		if err != nil {
			violations = append(violations, fmt.Sprintf("%s:type_mismatch[%s]", spec.Name, spec.Type))
			continue
		}
		for _, check := range spec.Checks {
			if err := check.Validate(coerced); err != nil {
				violations = append(violations, spec.Name+":"+check.Name())
			}
		}
	}
	return Result{Violations: violations}
}

// CheckDrift compares a batch's observed field set against the
// contract. A field present in the input that the contract does not
// declare, or a declared field absent from every record of the batch,
// is drift and fails the whole batch before any row is processed.
func (c *Contract) CheckDrift(records []Record) error {
	if len(records) == 0 {
		return nil
	}
	seen := make(map[string]bool)
	for _, rec := range records {
		for name := range rec {
			if _, ok := c.byName[name]; !ok {
				return fmt.Errorf("%w: undeclared column %q in %s input", ErrSchemaDrift, name, c.Table)
			}
			seen[name] = true
		}
	}
	for _, spec := range c.Fields {
		if !seen[spec.Name] {
			return fmt.Errorf("%w: declared column %q missing from %s input", ErrSchemaDrift, spec.Name, c.Table)
		}
	}
	return nil
}
