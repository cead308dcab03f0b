// Package dataset models provider payloads as a tagged union of
// {array-of-records, single-record, scalar} so that validation and
// comparison never operate on bare interface{} values.
package dataset

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Shape identifies the structural form of a decoded payload.
type Shape string

const (
	ShapeRecords Shape = "records"
	ShapeRecord  Shape = "record"
	ShapeScalar  Shape = "scalar"
)

var ErrEmptyPayload = errors.New("empty payload")

// Record is one named-field row of a dataset.
type Record map[string]any

// Float returns the numeric value of a field, coercing the JSON
// number representations Go produces when decoding into any.
func (r Record) Float(field string) (float64, bool) {
	v, ok := r[field]
	if !ok {
		return 0, false
	}
	return toFloat(v)
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

// Value is the tagged union carried between fetch, validation,
// comparison and reconciliation. Exactly one of Records, Record or
// Scalar is meaningful, selected by Shape.
type Value struct {
	Shape   Shape
	Records []Record
	Record  Record
	Scalar  any
}

// Decode classifies a raw JSON payload into a Value.
//
// A JSON array whose elements are all objects becomes ShapeRecords;
// a JSON object becomes ShapeRecord; anything else (including a
// mixed-element array) is kept opaque as ShapeScalar.
func Decode(raw []byte) (Value, error) {
	if len(raw) == 0 {
		return Value{}, ErrEmptyPayload
	}

	var decoded any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return Value{}, fmt.Errorf("decode payload: %w", err)
	}

	switch d := decoded.(type) {
	case []any:
		records := make([]Record, 0, len(d))
		for _, el := range d {
			obj, ok := el.(map[string]any)
			if !ok {
				return Value{Shape: ShapeScalar, Scalar: d}, nil
			}
			records = append(records, Record(obj))
		}
		return Value{Shape: ShapeRecords, Records: records}, nil
	case map[string]any:
		return Value{Shape: ShapeRecord, Record: Record(d)}, nil
	default:
		return Value{Shape: ShapeScalar, Scalar: d}, nil
	}
}

// Len returns the record count: the array length for ShapeRecords,
// 1 for ShapeRecord, and 0 for ShapeScalar.
func (v Value) Len() int {
	switch v.Shape {
	case ShapeRecords:
		return len(v.Records)
	case ShapeRecord:
		return 1
	default:
		return 0
	}
}

// Rows flattens the union into a slice of records for field-wise
// iteration. Scalars yield no rows.
func (v Value) Rows() []Record {
	switch v.Shape {
	case ShapeRecords:
		return v.Records
	case ShapeRecord:
		return []Record{v.Record}
	default:
		return nil
	}
}

// FieldAverage computes the mean of a numeric field across all rows.
// Rows where the field is absent or non-numeric are skipped; ok is
// false when no row contributed.
func (v Value) FieldAverage(field string) (avg float64, ok bool) {
	var sum float64
	var n int
	for _, row := range v.Rows() {
		if f, found := row.Float(field); found {
			sum += f
			n++
		}
	}
	if n == 0 {
		return 0, false
	}
	return sum / float64(n), true
}

// NumericFields returns the union of field names that hold a numeric
// value in at least one row.
func (v Value) NumericFields() []string {
	seen := map[string]bool{}
	var fields []string
	for _, row := range v.Rows() {
		for name, val := range row {
			if seen[name] {
				continue
			}
			if _, ok := toFloat(val); ok {
				seen[name] = true
				fields = append(fields, name)
			}
		}
	}
	return fields
}

// Interface returns the decoded payload as the plain JSON value
// shapes (slices and maps) that schema validators expect.
func (v Value) Interface() any {
	switch v.Shape {
	case ShapeRecords:
		out := make([]any, len(v.Records))
		for i, r := range v.Records {
			out[i] = map[string]any(r)
		}
		return out
	case ShapeRecord:
		return map[string]any(v.Record)
	default:
		return v.Scalar
	}
}

// Marshal re-encodes the value as JSON for persistence.
func (v Value) Marshal() ([]byte, error) {
	switch v.Shape {
	case ShapeRecords:
		return json.Marshal(v.Records)
	case ShapeRecord:
		return json.Marshal(v.Record)
	default:
		return json.Marshal(v.Scalar)
	}
}
