package models

import (
	"time"
)

// PriceLevel is a single price level on one side of an order book.
// A Quantity of 0 in a delta means "remove this level", never "level at
// zero size".
type PriceLevel struct {
	Price    float64 `json:"price"`
	Quantity float64 `json:"quantity"`
}

// BookSnapshot is a full replacement of both sides of a market's book.
type BookSnapshot struct {
	Exchange  string       `json:"exchange"`
	Symbol    string       `json:"symbol"`
	Bids      []PriceLevel `json:"bids"`
	Asks      []PriceLevel `json:"asks"`
	UpdateID  int64        `json:"lastUpdateId"`
	Timestamp time.Time    `json:"timestamp"`
}

// BookDelta is an incremental update carrying per-level upserts/removals
// and a monotonic update id used for stale-delta detection.
type BookDelta struct {
	Exchange  string       `json:"exchange"`
	Symbol    string       `json:"symbol"`
	Bids      []PriceLevel `json:"bids"`
	Asks      []PriceLevel `json:"asks"`
	UpdateID  int64        `json:"updateId"`
	Timestamp time.Time    `json:"timestamp"`
}

// BookRow is a flattened single-level view used by the recorder.
type BookRow struct {
	Exchange  string  `json:"exchange"`
	Symbol    string  `json:"symbol"`
	Timestamp int64   `json:"timestamp"`
	UpdateID  int64   `json:"last_update_id"`
	Side      string  `json:"side"` // "bid" or "ask"
	Price     float64 `json:"price"`
	Quantity  float64 `json:"quantity"`
	Level     int     `json:"level"` // 1 = best, 2 = second best, etc.
}
