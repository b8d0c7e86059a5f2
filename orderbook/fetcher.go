package orderbook

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"depthflow/config"
	"depthflow/models"

	binance "github.com/adshao/go-binance/v2"
	futures "github.com/adshao/go-binance/v2/futures"
)

// NewHTTPClient returns a pooled client whose connections originate from
// localIP when it is set.
func NewHTTPClient(pool config.ConnectionPoolConfig, timeout time.Duration, localIP string) *http.Client {
	transport := &http.Transport{
		MaxIdleConns:        pool.MaxIdleConns,
		MaxIdleConnsPerHost: pool.MaxIdleConns,
		MaxConnsPerHost:     pool.MaxConnsPerHost,
		IdleConnTimeout:     pool.IdleConnTimeout,
	}
	if localIP != "" {
		if ip := net.ParseIP(localIP); ip != nil {
			dialer := &net.Dialer{LocalAddr: &net.TCPAddr{IP: ip}}
			transport.DialContext = dialer.DialContext
		}
	}
	return &http.Client{Transport: transport, Timeout: timeout}
}

func baseURL(raw string) string {
	if parsed, err := url.Parse(raw); err == nil && parsed.Host != "" {
		return fmt.Sprintf("%s://%s", parsed.Scheme, parsed.Host)
	}
	return strings.TrimRight(raw, "/")
}

func parseLevels(n int, at func(i int) (string, string)) ([]models.PriceLevel, error) {
	out := make([]models.PriceLevel, 0, n)
	for i := 0; i < n; i++ {
		lvl, err := models.ParsePriceLevel(at(i))
		if err != nil {
			return nil, &models.ParseError{Op: "depth snapshot", Err: err}
		}
		out = append(out, lvl)
	}
	return out, nil
}

// SpotFetcher reads /api/v3/depth through the go-binance spot client.
type SpotFetcher struct {
	client *binance.Client
	limit  int
}

func NewSpotFetcher(endpoint string, limit int, httpClient *http.Client) *SpotFetcher {
	client := binance.NewClient("", "")
	client.BaseURL = baseURL(endpoint)
	if httpClient != nil {
		client.HTTPClient = httpClient
	}
	return &SpotFetcher{client: client, limit: limit}
}

func (f *SpotFetcher) FetchSnapshot(ctx context.Context, symbol string) (*models.DepthSnapshot, error) {
	res, err := f.client.NewDepthService().Symbol(symbol).Limit(f.limit).Do(ctx)
	if err != nil {
		return nil, err
	}
	bids, err := parseLevels(len(res.Bids), func(i int) (string, string) { return res.Bids[i].Price, res.Bids[i].Quantity })
	if err != nil {
		return nil, err
	}
	asks, err := parseLevels(len(res.Asks), func(i int) (string, string) { return res.Asks[i].Price, res.Asks[i].Quantity })
	if err != nil {
		return nil, err
	}
	return &models.DepthSnapshot{LastUpdateID: uint64(res.LastUpdateID), Bids: bids, Asks: asks}, nil
}

// FuturesFetcher reads /fapi/v1/depth through the go-binance USD-M client.
type FuturesFetcher struct {
	client *futures.Client
	limit  int
}

func NewFuturesFetcher(endpoint string, limit int, httpClient *http.Client) *FuturesFetcher {
	client := futures.NewClient("", "")
	client.SetApiEndpoint(baseURL(endpoint))
	if httpClient != nil {
		client.HTTPClient = httpClient
	}
	return &FuturesFetcher{client: client, limit: limit}
}

func (f *FuturesFetcher) FetchSnapshot(ctx context.Context, symbol string) (*models.DepthSnapshot, error) {
	res, err := f.client.NewDepthService().Symbol(symbol).Limit(f.limit).Do(ctx)
	if err != nil {
		return nil, err
	}
	bids, err := parseLevels(len(res.Bids), func(i int) (string, string) { return res.Bids[i].Price, res.Bids[i].Quantity })
	if err != nil {
		return nil, err
	}
	asks, err := parseLevels(len(res.Asks), func(i int) (string, string) { return res.Asks[i].Price, res.Asks[i].Quantity })
	if err != nil {
		return nil, err
	}
	return &models.DepthSnapshot{LastUpdateID: uint64(res.LastUpdateID), Bids: bids, Asks: asks}, nil
}

// HTTPFetcher issues a plain GET against a full depth URL such as
// https://api.binance.com/api/v3/depth. OnHeader, when set, receives the
// response headers so callers can track request weight.
type HTTPFetcher struct {
	Client   *http.Client
	URL      string
	Limit    int
	OnHeader func(http.Header)
}

func (f *HTTPFetcher) FetchSnapshot(ctx context.Context, symbol string) (*models.DepthSnapshot, error) {
	u, err := url.Parse(f.URL)
	if err != nil {
		return nil, fmt.Errorf("parse snapshot url: %w", err)
	}
	q := u.Query()
	q.Set("symbol", symbol)
	if f.Limit > 0 {
		q.Set("limit", fmt.Sprint(f.Limit))
	}
	u.RawQuery = q.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}

	client := f.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if f.OnHeader != nil {
		f.OnHeader(resp.Header)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return models.DecodeDepthSnapshot(body)
}

// NewFetcher picks the snapshot source for a market. A snapshot URL with a
// path is fetched directly, a bare host goes through the go-binance client.
func NewFetcher(market string, snap config.BinanceSnapshotConfig, httpClient *http.Client, onHeader func(http.Header)) SnapshotFetcher {
	if parsed, err := url.Parse(snap.URL); err == nil && strings.Trim(parsed.Path, "/") != "" {
		return &HTTPFetcher{Client: httpClient, URL: snap.URL, Limit: snap.Limit, OnHeader: onHeader}
	}
	if market == config.MarketFutures {
		return NewFuturesFetcher(snap.URL, snap.Limit, httpClient)
	}
	return NewSpotFetcher(snap.URL, snap.Limit, httpClient)
}
