package models

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"
)

const DepthUpdateEvent = "depthUpdate"

// ParseError reports a frame or snapshot body that could not be decoded into
// a well-formed depth message.
type ParseError struct {
	Op  string
	Err error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse %s: %v", e.Op, e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// PriceLevel is one [price, quantity] pair as Binance encodes it.
type PriceLevel struct {
	Price    decimal.Decimal
	Quantity decimal.Decimal
}

func (l *PriceLevel) UnmarshalJSON(data []byte) error {
	var pair []decimal.Decimal
	if err := json.Unmarshal(data, &pair); err != nil {
		return err
	}
	if len(pair) != 2 {
		return fmt.Errorf("price level needs 2 elements, got %d", len(pair))
	}
	l.Price, l.Quantity = pair[0], pair[1]
	return nil
}

func (l PriceLevel) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]string{l.Price.String(), l.Quantity.String()})
}

// ParsePriceLevel builds a level from its string encoding.
func ParsePriceLevel(price, quantity string) (PriceLevel, error) {
	p, err := decimal.NewFromString(price)
	if err != nil {
		return PriceLevel{}, fmt.Errorf("price %q: %w", price, err)
	}
	q, err := decimal.NewFromString(quantity)
	if err != nil {
		return PriceLevel{}, fmt.Errorf("quantity %q: %w", quantity, err)
	}
	return PriceLevel{Price: p, Quantity: q}, nil
}

// DepthUpdate mirrors Binance's diff depth websocket event. T and pu are only
// sent on futures streams.
type DepthUpdate struct {
	Event             string       `json:"e"`
	EventTime         int64        `json:"E"`
	TransactionTime   int64        `json:"T,omitempty"`
	Symbol            string       `json:"s"`
	FirstUpdateID     uint64       `json:"U"`
	FinalUpdateID     uint64       `json:"u"`
	PrevFinalUpdateID uint64       `json:"pu,omitempty"`
	Bids              []PriceLevel `json:"b"`
	Asks              []PriceLevel `json:"a"`
}

// DepthSnapshot is the REST depth endpoint body.
type DepthSnapshot struct {
	LastUpdateID uint64       `json:"lastUpdateId"`
	Bids         []PriceLevel `json:"bids"`
	Asks         []PriceLevel `json:"asks"`
}

type SubscriptionError struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

// SubscriptionAck answers a SUBSCRIBE/UNSUBSCRIBE request sent on the stream.
type SubscriptionAck struct {
	ID     int64              `json:"id"`
	Result json.RawMessage    `json:"result"`
	Error  *SubscriptionError `json:"error,omitempty"`
}

// SubscribeRequest is the control message used to join streams on an already
// open connection.
type SubscribeRequest struct {
	Method string   `json:"method"`
	Params []string `json:"params"`
	ID     int64    `json:"id"`
}

// StreamMessage is one decoded frame: exactly one of Update and Ack is set.
type StreamMessage struct {
	Stream string
	Update *DepthUpdate
	Ack    *SubscriptionAck
}

type streamEnvelope struct {
	Stream string             `json:"stream"`
	Data   json.RawMessage    `json:"data"`
	ID     *int64             `json:"id"`
	Result json.RawMessage    `json:"result"`
	Error  *SubscriptionError `json:"error"`
}

// DecodeStreamMessage decodes a raw or combined-stream frame.
func DecodeStreamMessage(data []byte) (*StreamMessage, error) {
	var env streamEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, &ParseError{Op: "stream frame", Err: err}
	}

	if env.ID != nil && len(env.Data) == 0 {
		return &StreamMessage{Ack: &SubscriptionAck{ID: *env.ID, Result: env.Result, Error: env.Error}}, nil
	}

	payload := data
	if len(env.Data) > 0 && !bytes.Equal(env.Data, []byte("null")) {
		payload = env.Data
	}

	update, err := DecodeDepthUpdate(payload)
	if err != nil {
		return nil, err
	}
	return &StreamMessage{Stream: env.Stream, Update: update}, nil
}

// DecodeDepthUpdate decodes and validates a single diff depth event.
func DecodeDepthUpdate(data []byte) (*DepthUpdate, error) {
	var update DepthUpdate
	if err := json.Unmarshal(data, &update); err != nil {
		return nil, &ParseError{Op: "depth update", Err: err}
	}
	if update.Event != DepthUpdateEvent {
		return nil, &ParseError{Op: "depth update", Err: fmt.Errorf("unexpected event type %q", update.Event)}
	}
	if update.FirstUpdateID > update.FinalUpdateID {
		return nil, &ParseError{Op: "depth update", Err: fmt.Errorf("first update id %d exceeds final update id %d", update.FirstUpdateID, update.FinalUpdateID)}
	}
	return &update, nil
}

func DecodeDepthSnapshot(data []byte) (*DepthSnapshot, error) {
	var snap DepthSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, &ParseError{Op: "depth snapshot", Err: err}
	}
	return &snap, nil
}
