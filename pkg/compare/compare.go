// Package compare computes discrepancies between two datasets
// fetched for the same category. The comparison samples a bounded
// number of paired records rather than diffing whole payloads,
// trading completeness for bounded cost.
package compare

import (
	"fmt"
	"math"
	"sort"

	"github.com/healthsignal/sentinel/pkg/dataset"
)

// DiscrepancyKind labels what disagreed.
type DiscrepancyKind string

const (
	KindRecordCount DiscrepancyKind = "record_count"
	KindValue       DiscrepancyKind = "value"
	KindCategorical DiscrepancyKind = "categorical"
)

// Discrepancy is one detected disagreement between datasets A and B.
type Discrepancy struct {
	Kind        DiscrepancyKind `json:"kind"`
	Field       string          `json:"field,omitempty"`
	Record      int             `json:"record,omitempty"`
	A           any             `json:"a"`
	B           any             `json:"b"`
	PercentDiff float64         `json:"percent_diff,omitempty"`
}

const (
	// DefaultSampleSize bounds how many paired records are compared.
	DefaultSampleSize = 8

	// tolerancePct is the numeric agreement tolerance: values whose
	// percent difference stays at or below it are considered equal.
	tolerancePct = 1.0
)

// Comparator compares datasets with a configurable sample size.
type Comparator struct {
	sampleSize int
}

// New returns a comparator with the default sample size.
func New() *Comparator {
	return &Comparator{sampleSize: DefaultSampleSize}
}

// WithSampleSize widens or narrows the sample, for higher assurance
// at higher cost.
func (c *Comparator) WithSampleSize(n int) *Comparator {
	if n > 0 {
		c.sampleSize = n
	}
	return c
}

// Compare returns every discrepancy found between a and b. Identical
// datasets yield nil.
func (c *Comparator) Compare(a, b dataset.Value) []Discrepancy {
	var out []Discrepancy

	if a.Len() != b.Len() {
		out = append(out, Discrepancy{
			Kind: KindRecordCount,
			A:    a.Len(),
			B:    b.Len(),
		})
	}

	rowsA, rowsB := a.Rows(), b.Rows()
	n := min(len(rowsA), len(rowsB), c.sampleSize)

	for i := 0; i < n; i++ {
		out = append(out, compareRecords(i, rowsA[i], rowsB[i])...)
	}

	// Scalar payloads have no rows; compare directly.
	if a.Shape == dataset.ShapeScalar && b.Shape == dataset.ShapeScalar {
		out = append(out, compareValues(0, "", a.Scalar, b.Scalar)...)
	}

	return out
}

// compareRecords diffs every field common to both records.
func compareRecords(idx int, a, b dataset.Record) []Discrepancy {
	fields := make([]string, 0, len(a))
	for name := range a {
		if _, ok := b[name]; ok {
			fields = append(fields, name)
		}
	}
	sort.Strings(fields) // deterministic discrepancy order

	var out []Discrepancy
	for _, field := range fields {
		out = append(out, compareValues(idx, field, a[field], b[field])...)
	}
	return out
}

func compareValues(idx int, field string, va, vb any) []Discrepancy {
	fa, aNum := toFloat(va)
	fb, bNum := toFloat(vb)

	if aNum && bNum {
		pct := percentDiff(fa, fb)
		if pct > tolerancePct {
			return []Discrepancy{{
				Kind:        KindValue,
				Field:       field,
				Record:      idx,
				A:           fa,
				B:           fb,
				PercentDiff: pct,
			}}
		}
		return nil
	}

	if fmt.Sprintf("%v", va) != fmt.Sprintf("%v", vb) {
		return []Discrepancy{{
			Kind:   KindCategorical,
			Field:  field,
			Record: idx,
			A:      va,
			B:      vb,
		}}
	}
	return nil
}

// zeroBaselineDiff stands in when the first operand is 0 and the
// second is not: the relative difference is undefined, and the value
// must stay finite so discrepancies survive JSON encoding.
const zeroBaselineDiff = 100.0

// percentDiff is the difference relative to the first operand:
// a=100, b=80 yields 20.
func percentDiff(a, b float64) float64 {
	if a == 0 {
		if b == 0 {
			return 0
		}
		return zeroBaselineDiff
	}
	return math.Abs(a-b) / math.Abs(a) * 100
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
	default:
		return 0, false
	}
}
