// Package tax computes GST line and document totals.
package tax

import "math"

// Rates holds the per-head percentages applied to a line.
type Rates struct {
	CGST float64 `json:"cgst" validate:"gte=0,lte=28"`
	SGST float64 `json:"sgst" validate:"gte=0,lte=28"`
	IGST float64 `json:"igst" validate:"gte=0,lte=28"`
	CESS float64 `json:"cess" validate:"gte=0"`
}

// Amounts holds the per-head tax amounts of a line or a document.
type Amounts struct {
	CGST float64 `json:"cgst"`
	SGST float64 `json:"sgst"`
	IGST float64 `json:"igst"`
	CESS float64 `json:"cess"`
}

// Total returns the sum of all heads.
func (a Amounts) Total() float64 {
	return a.CGST + a.SGST + a.IGST + a.CESS
}

func (a Amounts) add(b Amounts) Amounts {
	return Amounts{
		CGST: a.CGST + b.CGST,
		SGST: a.SGST + b.SGST,
		IGST: a.IGST + b.IGST,
		CESS: a.CESS + b.CESS,
	}
}

// LineItem is a single document line. Inputs are Description through Rates,
// the remaining fields are populated by ComputeLine.
type LineItem struct {
	Description  string  `json:"description" validate:"required"`
	HSNSAC       string  `json:"hsn_sac"`
	Quantity     float64 `json:"quantity" validate:"gte=0"`
	UnitPrice    float64 `json:"unit_price" validate:"gte=0"`
	Discount     float64 `json:"discount" validate:"gte=0"`
	Rates        Rates   `json:"rates"`
	TaxableValue float64 `json:"taxable_value"`
	Tax          Amounts `json:"tax"`
	LineTotal    float64 `json:"line_total"`
}

// Gross returns quantity times unit price before discount.
func (l LineItem) Gross() float64 {
	return l.Quantity * l.UnitPrice
}

// ComputeLine fills the taxable value, head amounts and line total of item.
// Heads are computed independently from the taxable value and never rounded.
func ComputeLine(item LineItem) LineItem {
	taxable := math.Max(0, item.Gross()-item.Discount)
	item.TaxableValue = taxable
	item.Tax = Amounts{
		CGST: taxable * item.Rates.CGST / 100,
		SGST: taxable * item.Rates.SGST / 100,
		IGST: taxable * item.Rates.IGST / 100,
		CESS: taxable * item.Rates.CESS / 100,
	}
	item.LineTotal = taxable + item.Tax.Total()
	return item
}
