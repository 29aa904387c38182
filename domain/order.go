package domain

type OrderStatus string

const (
	OrderStatusPaid     OrderStatus = "paid"
	OrderStatusClosed   OrderStatus = "closed"
	OrderStatusRefunded OrderStatus = "refunded"
)

// OrderSummary is one row of the seller's order list. CreatedAt is the date
// exactly as the marketplace renders it; it is never parsed.
type OrderSummary struct {
	ID          string      `json:"id"`
	Description string      `json:"description"`
	CreatedAt   string      `json:"createdAt"`
	Buyer       string      `json:"buyer,omitempty"`
	Price       string      `json:"price,omitempty"`
	Status      OrderStatus `json:"status"`
}

// OrderDetail carries the raw markup of one order page.
type OrderDetail struct {
	ID   string
	HTML string
}
