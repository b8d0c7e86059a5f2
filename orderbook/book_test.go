package orderbook

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"depthflow/config"
	"depthflow/models"
)

func TestLevelsCanonicalPriceKeys(t *testing.T) {
	l := Levels{}
	l.Apply(dec("100.000"), dec("5.0"))
	l.Apply(dec("100.0"), dec("6"))
	if len(l) != 1 {
		t.Fatalf("equal prices stored separately: %v", l)
	}
	if q, _ := l.Get(dec("100")); !q.Equal(dec("6")) {
		t.Fatalf("quantity = %s, want 6", q)
	}
	l.Apply(dec("100.00"), dec("0.000"))
	if len(l) != 0 {
		t.Fatalf("zero quantity stored: %v", l)
	}
}

func TestDepthOrdering(t *testing.T) {
	ob := FromSnapshot(&models.DepthSnapshot{
		LastUpdateID: 7,
		Bids:         []models.PriceLevel{lvl(t, "99", "1"), lvl(t, "101", "1"), lvl(t, "100", "1"), lvl(t, "98", "0")},
		Asks:         []models.PriceLevel{lvl(t, "104", "1"), lvl(t, "102", "1"), lvl(t, "103", "1")},
	})

	if len(ob.Bids) != 3 {
		t.Fatalf("zero-quantity snapshot level stored: %v", ob.Bids)
	}
	d := ob.Depth(2)
	if d.LastUpdateID != 7 || len(d.Bids) != 2 || len(d.Asks) != 2 {
		t.Fatalf("unexpected depth: %+v", d)
	}
	if !d.Bids[0].Price.Equal(dec("101")) || !d.Bids[1].Price.Equal(dec("100")) {
		t.Fatalf("bids not descending: %+v", d.Bids)
	}
	if !d.Asks[0].Price.Equal(dec("102")) || !d.Asks[1].Price.Equal(dec("103")) {
		t.Fatalf("asks not ascending: %+v", d.Asks)
	}

	bid, ok := ob.BestBid()
	if !ok || !bid.Price.Equal(dec("101")) {
		t.Fatalf("best bid = %+v", bid)
	}
	ask, ok := ob.BestAsk()
	if !ok || !ask.Price.Equal(dec("102")) {
		t.Fatalf("best ask = %+v", ask)
	}
	if _, ok := NewOrderBook().BestBid(); ok {
		t.Fatal("empty book has a best bid")
	}
	if all := ob.Depth(0); len(all.Bids) != 3 || len(all.Asks) != 3 {
		t.Fatalf("Depth(0) = %+v", all)
	}
}

func TestSnapshotIsACopy(t *testing.T) {
	book := NewBook("BTCUSDT")
	cp := book.Snapshot()
	cp.Bids.Apply(dec("1"), dec("1"))
	book.View(func(ob *OrderBook) {
		if len(ob.Bids) != 0 {
			t.Fatal("mutating snapshot changed the book")
		}
	})
}

const depthBody = `{"lastUpdateId":1027024,"E":1589436922972,"T":1589436922959,"bids":[["4.00000000","431.00000000"]],"asks":[["4.00000200","12.00000000"]]}`

func depthServer(t *testing.T, path string) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != path {
			http.NotFound(w, r)
			return
		}
		if r.URL.Query().Get("symbol") != "BNBBTC" {
			t.Errorf("symbol query = %q", r.URL.Query().Get("symbol"))
		}
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("X-MBX-USED-WEIGHT-1M", "25")
		w.Write([]byte(depthBody))
	}))
}

func checkSnapshot(t *testing.T, snap *models.DepthSnapshot) {
	t.Helper()
	if snap.LastUpdateID != 1027024 || len(snap.Bids) != 1 || len(snap.Asks) != 1 {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}
	if !snap.Bids[0].Quantity.Equal(dec("431")) || !snap.Asks[0].Price.Equal(dec("4.000002")) {
		t.Fatalf("unexpected levels: %+v", snap)
	}
}

func TestSpotFetcher(t *testing.T) {
	server := depthServer(t, "/api/v3/depth")
	defer server.Close()

	f := NewSpotFetcher(server.URL, 100, server.Client())
	snap, err := f.FetchSnapshot(context.Background(), "BNBBTC")
	if err != nil {
		t.Fatalf("FetchSnapshot failed: %v", err)
	}
	checkSnapshot(t, snap)
}

func TestFuturesFetcher(t *testing.T) {
	server := depthServer(t, "/fapi/v1/depth")
	defer server.Close()

	f := NewFuturesFetcher(server.URL, 100, server.Client())
	snap, err := f.FetchSnapshot(context.Background(), "BNBBTC")
	if err != nil {
		t.Fatalf("FetchSnapshot failed: %v", err)
	}
	checkSnapshot(t, snap)
}

func TestHTTPFetcher(t *testing.T) {
	server := depthServer(t, "/api/v3/depth")
	defer server.Close()

	var used string
	f := NewFetcher(config.MarketSpot, config.BinanceSnapshotConfig{URL: server.URL + "/api/v3/depth", Limit: 5},
		NewHTTPClient(config.ConnectionPoolConfig{MaxIdleConns: 1}, time.Second, ""),
		func(h http.Header) { used = h.Get("X-MBX-USED-WEIGHT-1M") })
	if _, ok := f.(*HTTPFetcher); !ok {
		t.Fatalf("NewFetcher returned %T for a full URL", f)
	}
	snap, err := f.FetchSnapshot(context.Background(), "BNBBTC")
	if err != nil {
		t.Fatalf("FetchSnapshot failed: %v", err)
	}
	checkSnapshot(t, snap)
	if used != "25" {
		t.Fatalf("weight header = %q", used)
	}
}

func TestHTTPFetcherKeepsURLQuery(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("symbol") != "BNBBTC" || q.Get("limit") != "5" || q.Get("source") != "mirror" {
			t.Errorf("query = %q", r.URL.RawQuery)
		}
		w.Write([]byte(depthBody))
	}))
	defer server.Close()

	f := &HTTPFetcher{URL: server.URL + "/api/v3/depth?source=mirror&limit=100", Limit: 5}
	snap, err := f.FetchSnapshot(context.Background(), "BNBBTC")
	if err != nil {
		t.Fatalf("FetchSnapshot failed: %v", err)
	}
	checkSnapshot(t, snap)
}

func TestHTTPFetcherStatusError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"code":-1121,"msg":"Invalid symbol."}`, http.StatusBadRequest)
	}))
	defer server.Close()

	f := &HTTPFetcher{URL: server.URL + "/api/v3/depth"}
	if _, err := f.FetchSnapshot(context.Background(), "NOPE"); err == nil {
		t.Fatal("expected error for 400 response")
	}
}

func TestNewFetcherPicksMarketClient(t *testing.T) {
	if _, ok := NewFetcher(config.MarketFutures, config.BinanceSnapshotConfig{URL: "https://fapi.binance.com"}, nil, nil).(*FuturesFetcher); !ok {
		t.Fatal("futures market should use FuturesFetcher")
	}
	if _, ok := NewFetcher(config.MarketSpot, config.BinanceSnapshotConfig{URL: "https://api.binance.com/"}, nil, nil).(*SpotFetcher); !ok {
		t.Fatal("spot market should use SpotFetcher")
	}
}
