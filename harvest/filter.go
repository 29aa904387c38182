package harvest

import (
	"strings"

	"keyharvest/domain"
)

type FilterResult struct {
	Orders       []domain.OrderSummary
	LimitReached bool
	Cancelled    bool
}

// Filter keeps the orders whose description contains listingName as a
// literal, case-sensitive substring. limit <= 0 means no cap. tok may be nil.
func Filter(orders []domain.OrderSummary, listingName string, limit int, tok Token) FilterResult {
	var res FilterResult
	for _, o := range orders {
		if tok != nil && tok.Cancelled() {
			res.Cancelled = true
			return res
		}
		if !strings.Contains(o.Description, listingName) {
			continue
		}
		res.Orders = append(res.Orders, o)
		if limit > 0 && len(res.Orders) >= limit {
			res.LimitReached = true
			return res
		}
	}
	return res
}
