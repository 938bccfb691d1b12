package tax

import (
	"errors"
	"fmt"
	"math"
)

// Epsilon is the rounding tolerance applied to every currency comparison.
const Epsilon = 0.01

// ErrComputationInconsistency marks stored totals that disagree with their lines.
var ErrComputationInconsistency = errors.New("tax: computation inconsistency")

// Inconsistency describes one stored figure that does not match its derivation.
type Inconsistency struct {
	Field    string  `json:"field"`
	Expected float64 `json:"expected"`
	Actual   float64 `json:"actual"`
}

func (i Inconsistency) String() string {
	return fmt.Sprintf("%s: expected %.2f, got %.2f", i.Field, i.Expected, i.Actual)
}

// InconsistencyError wraps the findings of a failed reconciliation.
type InconsistencyError struct {
	Document string
	Findings []Inconsistency
}

func (e *InconsistencyError) Error() string {
	return fmt.Sprintf("tax: %s has %d inconsistent figures", e.Document, len(e.Findings))
}

func (e *InconsistencyError) Unwrap() error {
	return ErrComputationInconsistency
}

// ApproxEqual compares two currency amounts within tolerance.
func ApproxEqual(a, b, tolerance float64) bool {
	return math.Abs(a-b) <= tolerance
}

// Reconcile compares stored lines and totals against their derivations. It
// never corrects anything; findings are for manual review.
func Reconcile(lines []LineItem, stored Totals, tolerance float64) []Inconsistency {
	if tolerance <= 0 {
		tolerance = Epsilon
	}
	var out []Inconsistency
	check := func(field string, expected, actual float64) {
		if !ApproxEqual(expected, actual, tolerance) {
			out = append(out, Inconsistency{Field: field, Expected: expected, Actual: actual})
		}
	}

	var taxable float64
	var heads Amounts
	for i, line := range lines {
		prefix := fmt.Sprintf("lines[%d].", i)
		check(prefix+"taxable_value", math.Max(0, line.Gross()-line.Discount), line.TaxableValue)
		check(prefix+"tax.cgst", line.TaxableValue*line.Rates.CGST/100, line.Tax.CGST)
		check(prefix+"tax.sgst", line.TaxableValue*line.Rates.SGST/100, line.Tax.SGST)
		check(prefix+"tax.igst", line.TaxableValue*line.Rates.IGST/100, line.Tax.IGST)
		check(prefix+"tax.cess", line.TaxableValue*line.Rates.CESS/100, line.Tax.CESS)
		check(prefix+"line_total", line.TaxableValue+line.Tax.Total(), line.LineTotal)
		taxable += line.TaxableValue
		heads = heads.add(line.Tax)
	}
	check("taxable_value", taxable, stored.TaxableValue)
	check("tax.cgst", heads.CGST, stored.Tax.CGST)
	check("tax.sgst", heads.SGST, stored.Tax.SGST)
	check("tax.igst", heads.IGST, stored.Tax.IGST)
	check("tax.cess", heads.CESS, stored.Tax.CESS)
	check("total_tax", stored.Tax.Total(), stored.TotalTax)
	check("grand_total", stored.TaxableValue+stored.TotalTax, stored.GrandTotal)
	return out
}

// ReconcileDocument returns an *InconsistencyError when the document fails Reconcile.
func ReconcileDocument(number string, lines []LineItem, stored Totals, tolerance float64) error {
	findings := Reconcile(lines, stored, tolerance)
	if len(findings) == 0 {
		return nil
	}
	return &InconsistencyError{Document: number, Findings: findings}
}
