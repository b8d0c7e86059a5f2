package models

import (
	"time"
)

const (
	SideBid = "bid"
	SideAsk = "ask"
)

// BookLevelRow is one price level of a recorded book, flattened for storage.
type BookLevelRow struct {
	Exchange     string  `json:"exchange"`
	Symbol       string  `json:"symbol"`
	Market       string  `json:"market"`
	Timestamp    int64   `json:"timestamp"`
	LastUpdateID int64   `json:"last_update_id"`
	Side         string  `json:"side"`
	Price        float64 `json:"price"`
	Quantity     float64 `json:"quantity"`
	Level        int     `json:"level"` // 1 = best
}

// BookBatch groups the rows captured from one book at one instant.
type BookBatch struct {
	BatchID      string         `json:"batch_id"`
	Exchange     string         `json:"exchange"`
	Symbol       string         `json:"symbol"`
	Market       string         `json:"market"`
	LastUpdateID uint64         `json:"last_update_id"`
	Rows         []BookLevelRow `json:"rows"`
	RecordCount  int            `json:"record_count"`
	Timestamp    time.Time      `json:"timestamp"`
}
