package tax

// Totals are the document level sums of its lines.
type Totals struct {
	Subtotal      float64 `json:"subtotal"`
	TotalDiscount float64 `json:"total_discount"`
	TaxableValue  float64 `json:"taxable_value"`
	Tax           Amounts `json:"tax"`
	TotalTax      float64 `json:"total_tax"`
	GrandTotal    float64 `json:"grand_total"`
}

// Options controls whether totals are derived from the lines.
//
// When RecomputeTotals is false and Supplied carries a non-zero grand total,
// the supplied totals are trusted as-is and the lines are returned untouched.
// Callers set RecomputeTotals whenever line items were created or modified.
type Options struct {
	RecomputeTotals bool
	Supplied        Totals
}

// ComputeTotals computes every line and sums them into document totals.
func ComputeTotals(lines []LineItem, opts Options) (Totals, []LineItem) {
	if !opts.RecomputeTotals && opts.Supplied.GrandTotal != 0 {
		return opts.Supplied, lines
	}
	computed := make([]LineItem, len(lines))
	var totals Totals
	for i, line := range lines {
		line = ComputeLine(line)
		computed[i] = line
		totals.Subtotal += line.Gross()
		totals.TotalDiscount += line.Discount
		totals.TaxableValue += line.TaxableValue
		totals.Tax = totals.Tax.add(line.Tax)
	}
	totals.TotalTax = totals.Tax.Total()
	totals.GrandTotal = totals.TaxableValue + totals.TotalTax
	return totals, computed
}

// Sum is the pure aggregation used by callers that only need the totals.
func Sum(lines []LineItem) Totals {
	totals, _ := ComputeTotals(lines, Options{RecomputeTotals: true})
	return totals
}
