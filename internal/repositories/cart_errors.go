package repositories

import "fmt"

// QuantityLimitError reports that an increment would push a product past the per-product cap.
type QuantityLimitError struct {
	ProductID string
	Current   int
	Requested int
	Limit     int
}

// Error implements the error interface.
func (e *QuantityLimitError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("quantity limit exceeded for %s: %d + %d > %d", e.ProductID, e.Current, e.Requested, e.Limit)
}
