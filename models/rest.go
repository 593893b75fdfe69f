package models

import "time"

// Balance is a single asset balance on the venue account.
type Balance struct {
	Asset     string  `json:"asset"`
	Free      float64 `json:"free,string"`
	Locked    float64 `json:"locked,string"`
	UpdatedAt int64   `json:"updateTime"`
}

// OrderSide is the taker direction of an order.
type OrderSide string

const (
	Buy  OrderSide = "BUY"
	Sell OrderSide = "SELL"
)

// OrderType selects the venue execution style.
type OrderType string

const (
	Limit  OrderType = "LIMIT"
	Market OrderType = "MARKET"
)

// PlaceOrderRequest carries the fields of a new order submission.
type PlaceOrderRequest struct {
	Symbol        string    `json:"symbol"`
	Side          OrderSide `json:"side"`
	Type          OrderType `json:"type"`
	Price         float64   `json:"price,string"`
	Quantity      float64   `json:"quantity,string"`
	ClientOrderID string    `json:"newClientOrderId,omitempty"`
}

// Order is the venue's view of a submitted order.
type Order struct {
	OrderID       int64     `json:"orderId"`
	ClientOrderID string    `json:"clientOrderId"`
	Symbol        string    `json:"symbol"`
	Side          OrderSide `json:"side"`
	Type          OrderType `json:"type"`
	Price         float64   `json:"price,string"`
	Quantity      float64   `json:"origQty,string"`
	ExecutedQty   float64   `json:"executedQty,string"`
	Status        string    `json:"status"`
	UpdatedAt     int64     `json:"updateTime"`
}

// Withdrawal is a single entry from the withdrawal history listing.
type Withdrawal struct {
	ID        string    `json:"id"`
	Asset     string    `json:"asset"`
	Amount    float64   `json:"amount,string"`
	Address   string    `json:"address"`
	Status    string    `json:"status"`
	TxID      string    `json:"txId"`
	AppliedAt time.Time `json:"applyTime"`
}

// DepthSnapshotResponse is the wire shape of a REST order book snapshot.
// Levels arrive as [price, quantity] string pairs.
type DepthSnapshotResponse struct {
	LastUpdateID int64      `json:"lastUpdateId"`
	Bids         [][]string `json:"bids"`
	Asks         [][]string `json:"asks"`
}
