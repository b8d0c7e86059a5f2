package models

import (
	"errors"
	"testing"
)

func TestDecodeStreamMessageRawEvent(t *testing.T) {
	frame := []byte(`{"e":"depthUpdate","E":1672515782136,"s":"BNBBTC","U":1027025,"u":1027030,"b":[["100.000","5.0"]],"a":[["101.5","0"]]}`)

	msg, err := DecodeStreamMessage(frame)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	u := msg.Update
	if u == nil || msg.Ack != nil {
		t.Fatalf("expected update, got %+v", msg)
	}
	if u.Symbol != "BNBBTC" || u.FirstUpdateID != 1027025 || u.FinalUpdateID != 1027030 || u.EventTime != 1672515782136 {
		t.Fatalf("unexpected header: %+v", u)
	}
	if len(u.Bids) != 1 || u.Bids[0].Price.String() != "100" || u.Bids[0].Quantity.String() != "5" {
		t.Fatalf("unexpected bids: %+v", u.Bids)
	}
	if len(u.Asks) != 1 || !u.Asks[0].Quantity.IsZero() {
		t.Fatalf("unexpected asks: %+v", u.Asks)
	}
}

func TestDecodeStreamMessageCombined(t *testing.T) {
	frame := []byte(`{"stream":"btcusdt@depth@100ms","data":{"e":"depthUpdate","E":1,"T":2,"s":"BTCUSDT","U":10,"u":12,"pu":9,"b":[],"a":[]}}`)

	msg, err := DecodeStreamMessage(frame)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if msg.Stream != "btcusdt@depth@100ms" {
		t.Errorf("stream = %q", msg.Stream)
	}
	if msg.Update == nil || msg.Update.PrevFinalUpdateID != 9 || msg.Update.TransactionTime != 2 {
		t.Fatalf("futures fields not decoded: %+v", msg.Update)
	}
}

func TestDecodeStreamMessageAck(t *testing.T) {
	msg, err := DecodeStreamMessage([]byte(`{"result":null,"id":7}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if msg.Ack == nil || msg.Ack.ID != 7 || msg.Ack.Error != nil || msg.Update != nil {
		t.Fatalf("unexpected ack: %+v", msg)
	}

	msg, err = DecodeStreamMessage([]byte(`{"error":{"code":2,"msg":"Invalid request"},"id":8}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if msg.Ack == nil || msg.Ack.Error == nil || msg.Ack.Error.Code != 2 {
		t.Fatalf("ack error not decoded: %+v", msg.Ack)
	}
}

func TestDecodeStreamMessageErrors(t *testing.T) {
	cases := map[string]string{
		"not json":       `{"e":`,
		"wrong event":    `{"e":"trade","U":1,"u":2}`,
		"inverted range": `{"e":"depthUpdate","U":5,"u":4}`,
		"bad level":      `{"e":"depthUpdate","U":1,"u":1,"b":[["1.0"]]}`,
		"bad price":      `{"e":"depthUpdate","U":1,"u":1,"b":[["abc","1"]]}`,
	}
	for name, frame := range cases {
		_, err := DecodeStreamMessage([]byte(frame))
		var perr *ParseError
		if !errors.As(err, &perr) {
			t.Errorf("%s: expected ParseError, got %v", name, err)
		}
	}
}

func TestDecodeDepthSnapshot(t *testing.T) {
	snap, err := DecodeDepthSnapshot([]byte(`{"lastUpdateId":1027024,"bids":[["4.00000000","431.00000000"]],"asks":[["4.00000200","12.00000000"]]}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if snap.LastUpdateID != 1027024 || len(snap.Bids) != 1 || len(snap.Asks) != 1 {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}
	if snap.Asks[0].Price.String() != "4.000002" {
		t.Errorf("ask price = %s", snap.Asks[0].Price)
	}

	if _, err := DecodeDepthSnapshot([]byte(`{"lastUpdateId":"x"}`)); err == nil {
		t.Fatal("expected error for malformed snapshot")
	}
}

func TestParsePriceLevel(t *testing.T) {
	lvl, err := ParsePriceLevel("100.000", "0.00")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if !lvl.Quantity.IsZero() || lvl.Price.String() != "100" {
		t.Fatalf("unexpected level: %+v", lvl)
	}
	if _, err := ParsePriceLevel("1", "q"); err == nil {
		t.Fatal("expected error for bad quantity")
	}
}
