package persist

import "github.com/shopspring/decimal"

// mustDecimal parses a persisted decimal string, treating an empty
// string (the zero value never written) as zero rather than failing.
func mustDecimal(s string) decimal.Decimal {
	if s == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}
