package tax

import "github.com/shopspring/decimal"

// Round rounds a currency amount half away from zero for display.
func Round(amount float64, places int32) float64 {
	f, _ := decimal.NewFromFloat(amount).Round(places).Float64()
	return f
}

// RoundCurrency rounds to two decimal places.
func RoundCurrency(amount float64) float64 {
	return Round(amount, 2)
}

// RoundWhole rounds to the nearest whole unit, used for depreciation style figures.
func RoundWhole(amount float64) float64 {
	return Round(amount, 0)
}
