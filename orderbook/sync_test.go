package orderbook

import (
	"context"
	"errors"
	"sync"
	"testing"

	"depthflow/models"

	"github.com/shopspring/decimal"
)

type stubFetcher struct {
	mu    sync.Mutex
	calls int
	snap  *models.DepthSnapshot
	err   error
}

func (f *stubFetcher) FetchSnapshot(ctx context.Context, symbol string) (*models.DepthSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.snap, nil
}

func lvl(t *testing.T, price, qty string) models.PriceLevel {
	t.Helper()
	l, err := models.ParsePriceLevel(price, qty)
	if err != nil {
		t.Fatalf("ParsePriceLevel(%s, %s): %v", price, qty, err)
	}
	return l
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func seededBook(t *testing.T, last uint64) *Book {
	t.Helper()
	b := NewBook("BNBBTC")
	b.Replace(FromSnapshot(&models.DepthSnapshot{
		LastUpdateID: last,
		Bids:         []models.PriceLevel{lvl(t, "99.5", "1"), lvl(t, "100.000", "2")},
		Asks:         []models.PriceLevel{lvl(t, "101", "3")},
	}))
	return b
}

func TestApplyNextEvent(t *testing.T) {
	book := seededBook(t, 1027024)
	fetcher := &stubFetcher{}
	s := NewSynchronizer(book, fetcher)

	res, err := s.Apply(context.Background(), &models.DepthUpdate{
		Event:         models.DepthUpdateEvent,
		FirstUpdateID: 1027025,
		FinalUpdateID: 1027030,
		Bids:          []models.PriceLevel{lvl(t, "100.000", "5.0")},
	})
	if err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	if !res.Applied || res.Resynced {
		t.Fatalf("unexpected result: %+v", res)
	}
	if got := book.LastUpdateID(); got != 1027030 {
		t.Fatalf("last update id = %d, want 1027030", got)
	}
	book.View(func(ob *OrderBook) {
		q, ok := ob.Bids.Get(dec("100.0"))
		if !ok || !q.Equal(dec("5")) {
			t.Fatalf("bid 100 = %s (present %v), want 5", q, ok)
		}
	})
	if fetcher.calls != 0 {
		t.Fatalf("fetcher called %d times", fetcher.calls)
	}
}

func TestApplyStaleEventIsDiscarded(t *testing.T) {
	book := seededBook(t, 1027024)
	before := book.Snapshot()
	s := NewSynchronizer(book, &stubFetcher{})

	for _, u := range []*models.DepthUpdate{
		{FirstUpdateID: 1027020, FinalUpdateID: 1027024, Bids: []models.PriceLevel{lvl(t, "100", "9")}},
		{FirstUpdateID: 1027024, FinalUpdateID: 1027026, Asks: []models.PriceLevel{lvl(t, "101", "0")}},
	} {
		res, err := s.Apply(context.Background(), u)
		if err != nil {
			t.Fatalf("Apply failed: %v", err)
		}
		if res.Applied || res.Resynced {
			t.Fatalf("stale event admitted: %+v", res)
		}
	}

	after := book.Snapshot()
	if after.LastUpdateID != before.LastUpdateID || len(after.Bids) != len(before.Bids) || len(after.Asks) != len(before.Asks) {
		t.Fatalf("book changed: before %+v after %+v", before, after)
	}
	if q, _ := after.Bids.Get(dec("100")); !q.Equal(dec("2")) {
		t.Fatalf("bid 100 changed to %s", q)
	}
	if st := s.Stats(); st.Discarded != 2 || st.Applied != 0 {
		t.Fatalf("unexpected stats: %+v", st)
	}
}

func TestApplySameEventTwiceIsIdempotent(t *testing.T) {
	book := seededBook(t, 10)
	s := NewSynchronizer(book, &stubFetcher{})
	u := &models.DepthUpdate{FirstUpdateID: 11, FinalUpdateID: 15, Bids: []models.PriceLevel{lvl(t, "98", "4")}}

	if _, err := s.Apply(context.Background(), u); err != nil {
		t.Fatalf("first Apply: %v", err)
	}
	first := book.Snapshot()
	res, err := s.Apply(context.Background(), u)
	if err != nil {
		t.Fatalf("second Apply: %v", err)
	}
	if res.Applied {
		t.Fatal("duplicate event applied twice")
	}
	second := book.Snapshot()
	if first.LastUpdateID != second.LastUpdateID || len(first.Bids) != len(second.Bids) {
		t.Fatalf("duplicate changed book: %+v vs %+v", first, second)
	}
}

func TestApplyGapResyncsAndReevaluates(t *testing.T) {
	book := seededBook(t, 1027024)
	fetcher := &stubFetcher{snap: &models.DepthSnapshot{
		LastUpdateID: 1027027,
		Bids:         []models.PriceLevel{lvl(t, "100.5", "7")},
		Asks:         []models.PriceLevel{lvl(t, "102", "1")},
	}}
	s := NewSynchronizer(book, fetcher)

	res, err := s.Apply(context.Background(), &models.DepthUpdate{
		FirstUpdateID: 1027028,
		FinalUpdateID: 1027031,
		Asks:          []models.PriceLevel{lvl(t, "102", "0"), lvl(t, "103", "2")},
	})
	if err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	if fetcher.calls != 1 {
		t.Fatalf("fetcher called %d times, want 1", fetcher.calls)
	}
	if !res.Resynced || !res.Applied {
		t.Fatalf("unexpected result: %+v", res)
	}

	ob := book.Snapshot()
	if ob.LastUpdateID != 1027031 {
		t.Fatalf("last update id = %d, want 1027031", ob.LastUpdateID)
	}
	if _, ok := ob.Bids.Get(dec("99.5")); ok {
		t.Fatal("pre-resync level survived the snapshot")
	}
	if _, ok := ob.Asks.Get(dec("102")); ok {
		t.Fatal("zero quantity ask not removed")
	}
	if q, ok := ob.Asks.Get(dec("103")); !ok || !q.Equal(dec("2")) {
		t.Fatalf("ask 103 = %s", q)
	}
}

func TestApplyGapSnapshotNotAlignedDiscards(t *testing.T) {
	book := seededBook(t, 1027024)
	fetcher := &stubFetcher{snap: &models.DepthSnapshot{LastUpdateID: 1027029}}
	s := NewSynchronizer(book, fetcher)

	res, err := s.Apply(context.Background(), &models.DepthUpdate{FirstUpdateID: 1027028, FinalUpdateID: 1027031})
	if err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	if !res.Resynced || res.Applied {
		t.Fatalf("unexpected result: %+v", res)
	}
	if got := book.LastUpdateID(); got != 1027029 {
		t.Fatalf("last update id = %d, want snapshot id 1027029", got)
	}
}

func TestApplyStraddleAdmission(t *testing.T) {
	book := seededBook(t, 1027024)
	fetcher := &stubFetcher{snap: &models.DepthSnapshot{LastUpdateID: 1027029}}
	s := NewSynchronizer(book, fetcher, WithStraddleAdmission())

	res, err := s.Apply(context.Background(), &models.DepthUpdate{
		FirstUpdateID: 1027028,
		FinalUpdateID: 1027031,
		Bids:          []models.PriceLevel{lvl(t, "100", "1")},
	})
	if err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	if !res.Resynced || !res.Applied {
		t.Fatalf("straddling event not admitted: %+v", res)
	}
	if got := book.LastUpdateID(); got != 1027031 {
		t.Fatalf("last update id = %d, want 1027031", got)
	}

	// Entirely older than the book: still discarded.
	res, err = s.Apply(context.Background(), &models.DepthUpdate{FirstUpdateID: 1027025, FinalUpdateID: 1027030})
	if err != nil || res.Applied {
		t.Fatalf("old event admitted: %+v %v", res, err)
	}
}

func TestApplyFetchFailureLeavesBookUnchanged(t *testing.T) {
	book := seededBook(t, 1027024)
	before := book.Snapshot()
	fetchErr := errors.New("connection reset")
	s := NewSynchronizer(book, &stubFetcher{err: fetchErr})

	res, err := s.Apply(context.Background(), &models.DepthUpdate{FirstUpdateID: 1027028, FinalUpdateID: 1027030})
	var ferr *SnapshotFetchError
	if !errors.As(err, &ferr) || !errors.Is(err, fetchErr) {
		t.Fatalf("expected SnapshotFetchError, got %v", err)
	}
	if ferr.Symbol != "BNBBTC" {
		t.Errorf("symbol = %q", ferr.Symbol)
	}
	if res.Applied || res.Resynced {
		t.Fatalf("unexpected result: %+v", res)
	}
	after := book.Snapshot()
	if after.LastUpdateID != before.LastUpdateID || len(after.Bids) != len(before.Bids) {
		t.Fatalf("book changed after failed fetch")
	}
	if st := s.Stats(); st.FetchFailures != 1 || st.Resyncs != 0 {
		t.Fatalf("unexpected stats: %+v", st)
	}
}

func TestZeroQuantityOnAbsentLevel(t *testing.T) {
	book := seededBook(t, 5)
	s := NewSynchronizer(book, &stubFetcher{})

	res, err := s.Apply(context.Background(), &models.DepthUpdate{
		FirstUpdateID: 6,
		FinalUpdateID: 6,
		Bids:          []models.PriceLevel{lvl(t, "100.000", "0")},
		Asks:          []models.PriceLevel{lvl(t, "150", "0")},
	})
	if err != nil || !res.Applied {
		t.Fatalf("Apply: %+v %v", res, err)
	}
	ob := book.Snapshot()
	if _, ok := ob.Bids.Get(dec("100")); ok {
		t.Fatal("bid 100 not removed")
	}
	if len(ob.Asks) != 1 {
		t.Fatalf("asks changed: %v", ob.Asks)
	}
}

func TestEmptyBookFirstEventTriggersFetch(t *testing.T) {
	book := NewBook("BTCUSDT")
	fetcher := &stubFetcher{snap: &models.DepthSnapshot{LastUpdateID: 99}}
	s := NewSynchronizer(book, fetcher)

	res, err := s.Apply(context.Background(), &models.DepthUpdate{FirstUpdateID: 100, FinalUpdateID: 105})
	if err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	if !res.Resynced || !res.Applied || book.LastUpdateID() != 105 {
		t.Fatalf("unexpected state: %+v last=%d", res, book.LastUpdateID())
	}
}

func TestConcurrentReadersSeeWholeBooks(t *testing.T) {
	book := seededBook(t, 0)
	s := NewSynchronizer(book, &stubFetcher{})

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := uint64(1); i <= 200; i++ {
			s.Apply(context.Background(), &models.DepthUpdate{
				FirstUpdateID: i,
				FinalUpdateID: i,
				Bids:          []models.PriceLevel{{Price: decimal.NewFromInt(int64(i)), Quantity: decimal.NewFromInt(1)}},
			})
		}
	}()
	for i := 0; i < 50; i++ {
		d := book.Depth(5)
		if len(d.Bids) > 5 {
			t.Fatalf("depth returned %d bids", len(d.Bids))
		}
	}
	wg.Wait()
	if got := book.LastUpdateID(); got != 200 {
		t.Fatalf("last update id = %d", got)
	}
}
