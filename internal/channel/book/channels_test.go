package book

import (
	"context"
	"testing"

	"depthflow/models"
)

func TestSendBatchDropsWhenFull(t *testing.T) {
	ch := NewChannels(1)
	batch := models.BookBatch{Symbol: "BTCUSDT", Rows: make([]models.BookLevelRow, 3), RecordCount: 3}

	if !ch.SendBatch(context.Background(), batch) {
		t.Fatal("first batch rejected")
	}
	if ch.SendBatch(context.Background(), batch) {
		t.Fatal("second batch accepted by a full channel")
	}
	stats := ch.GetStats()
	if stats.BatchesSent != 1 || stats.BatchesDropped != 1 || stats.RowsSent != 3 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
	if got := <-ch.Batches; got.Symbol != "BTCUSDT" {
		t.Fatalf("unexpected batch: %+v", got)
	}
}

func TestSendBatchCancelled(t *testing.T) {
	ch := NewChannels(0)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if ch.SendBatch(ctx, models.BookBatch{}) {
		t.Fatal("send succeeded on unbuffered channel without receiver")
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	ch := NewChannels(1)
	ch.Close()
	ch.Close()
	if _, ok := <-ch.Batches; ok {
		t.Fatal("channel still open")
	}
}
