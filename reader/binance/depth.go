package binance

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	appconfig "depthflow/config"
	ratemetrics "depthflow/internal/metrics/rate"
	"depthflow/logger"
	"depthflow/models"
	"depthflow/orderbook"
	"depthflow/wsclient"

	"github.com/sirupsen/logrus"
)

// DepthReader keeps one symbol's Book in step with Binance's diff depth
// stream. A session that ends is not reopened; Done reports it.
type DepthReader struct {
	config  *appconfig.Config
	symbol  string
	localIP string
	syncer  *orderbook.Synchronizer
	tracker *ratemetrics.WSWeightTracker
	log     *logger.Log

	mu      sync.RWMutex
	running bool
	client  *wsclient.Client
	wg      sync.WaitGroup
	done    chan struct{}

	requestID atomic.Int64
	frames    atomic.Int64
	errs      atomic.Int64
}

func NewDepthReader(cfg *appconfig.Config, symbol, localIP string, syncer *orderbook.Synchronizer) *DepthReader {
	done := make(chan struct{})
	close(done)
	return &DepthReader{
		config:  cfg,
		symbol:  strings.ToUpper(symbol),
		localIP: localIP,
		syncer:  syncer,
		tracker: ratemetrics.NewWSWeightTracker(),
		log:     logger.GetLogger(),
		done:    done,
	}
}

// StreamName is the Binance stream this reader follows, e.g. btcusdt@depth@100ms.
func (r *DepthReader) StreamName() string {
	name := strings.ToLower(r.symbol) + "@depth"
	switch speed := r.config.Source.Binance.Websocket.UpdateSpeed; speed {
	case "", "1000ms":
		return name
	default:
		return name + "@" + speed
	}
}

// StreamURL is the URL to dial. In subscribe mode the stream is joined after
// the connection opens, so the base URL is used as is.
func (r *DepthReader) StreamURL() string {
	base := strings.TrimRight(r.config.Source.Binance.Websocket.URL, "/")
	if r.config.Source.Binance.Websocket.Subscribe {
		return base
	}
	if u, err := url.Parse(base); err == nil && strings.HasSuffix(u.Path, "/stream") {
		return base + "?streams=" + r.StreamName()
	}
	return base + "/" + r.StreamName()
}

func (r *DepthReader) entry() *logger.Entry {
	return r.log.WithComponent("binance_ws_reader").WithFields(logger.Fields{
		"symbol": r.symbol,
		"ip":     r.localIP,
	})
}

// Start opens the stream. It returns the Connect error when the session cannot
// be established. A reader whose session ended may be started again.
func (r *DepthReader) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return fmt.Errorf("depth reader for %s already running", r.symbol)
	}
	r.running = true
	r.mu.Unlock()

	wsCfg := r.config.Source.Binance.Websocket
	log := r.entry()
	log.WithFields(logger.Fields{"url": r.StreamURL(), "proxied": wsCfg.Proxy != ""}).Info("starting depth reader")

	opts := []wsclient.Option{
		wsclient.WithLogger(r.log.WithComponent("ws_client").WithField("symbol", r.symbol)),
		wsclient.WithHandshakeTimeout(wsCfg.HandshakeTimeout),
		wsclient.WithCloseTimeout(wsCfg.CloseTimeout),
		wsclient.WithWriteTimeout(wsCfg.WriteTimeout),
		wsclient.WithPingInterval(wsCfg.PingInterval),
		wsclient.WithReadLimit(wsCfg.ReadLimit),
		wsclient.WithSendLimit(wsCfg.SendRatePerSec, wsCfg.SendBurst),
		wsclient.WithHandlers(r.handleMessage, r.handleError, r.handleClose),
	}
	if r.localIP != "" {
		opts = append(opts, wsclient.WithLocalIP(r.localIP))
	}

	r.tracker.RegisterConnectionAttempt()
	client, err := wsclient.Connect(ctx, r.StreamURL(), wsCfg.Proxy, r.handleOpen, opts...)
	if err != nil {
		r.mu.Lock()
		r.running = false
		r.mu.Unlock()
		ratemetrics.ReportLimitFromMessage(r.log, r.symbol, r.localIP, "depth", err.Error())
		log.WithError(err).Error("failed to open depth stream")
		return err
	}

	done := make(chan struct{})
	r.mu.Lock()
	r.client = client
	r.done = done
	r.mu.Unlock()

	r.wg.Add(1)
	go r.watch(ctx, client, done)
	return nil
}

// Stop closes the session and waits for it to finish, bounded by the close
// timeout plus a second.
func (r *DepthReader) Stop() {
	r.mu.Lock()
	r.running = false
	client := r.client
	r.mu.Unlock()

	log := r.entry()
	log.Info("stopping depth reader")
	if client != nil {
		if err := client.Close(); err != nil {
			log.WithError(err).Warn("close frame not sent")
		}
		ctx, cancel := context.WithTimeout(context.Background(), r.config.Source.Binance.Websocket.CloseTimeout+time.Second)
		if err := client.AwaitShutdown(ctx); err != nil {
			log.WithError(err).Warn("depth stream did not shut down in time")
		}
		cancel()
	}
	r.wg.Wait()
	log.Info("depth reader stopped")
}

// Done is closed once the current stream session has ended. It is already
// closed when no session is running.
func (r *DepthReader) Done() <-chan struct{} {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.done
}

func (r *DepthReader) Symbol() string {
	return r.symbol
}

func (r *DepthReader) watch(ctx context.Context, client *wsclient.Client, done chan struct{}) {
	defer r.wg.Done()
	defer close(done)
	defer r.release(client)

	interval := r.config.Metrics.ReportInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			client.Close()
			<-client.Done()
			r.reportMetrics()
			return
		case <-client.Done():
			r.mu.RLock()
			running := r.running
			r.mu.RUnlock()
			if running {
				r.entry().Warn("depth stream ended")
			}
			r.reportMetrics()
			return
		case <-ticker.C:
			r.reportMetrics()
		}
	}
}

// release marks the reader idle once client's session is over, unless a newer
// session has already replaced it.
func (r *DepthReader) release(client *wsclient.Client) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.client == client {
		r.client = nil
		r.running = false
	}
}

func (r *DepthReader) reportMetrics() {
	ratemetrics.ReportWSWeight(r.log, r.tracker, r.symbol, r.localIP)

	stats := r.syncer.Stats()
	l := r.log.WithComponent("book_sync")
	fields := func() logger.Fields { return logger.Fields{"symbol": r.symbol} }
	l.LogMetric("book_sync", "updates_applied", stats.Applied, "counter", fields())
	l.LogMetric("book_sync", "updates_discarded", stats.Discarded, "counter", fields())
	l.LogMetric("book_sync", "book_resyncs", stats.Resyncs, "counter", fields())
	l.LogMetric("book_sync", "snapshot_fetch_failures", stats.FetchFailures, "counter", fields())
	l.LogMetric("binance_ws_reader", "frames_received", r.frames.Load(), "counter", fields())
}

func (r *DepthReader) handleOpen(ctx context.Context, c *wsclient.Client) {
	log := r.entry().WithField("session_id", c.ID())
	log.Info("depth stream open")

	if !r.config.Source.Binance.Websocket.Subscribe {
		return
	}
	req := models.SubscribeRequest{
		Method: "SUBSCRIBE",
		Params: []string{r.StreamName()},
		ID:     r.requestID.Add(1),
	}
	payload, err := json.Marshal(req)
	if err != nil {
		log.WithError(err).Error("failed to encode subscribe request")
		return
	}
	r.tracker.RegisterOutgoing(1)
	if err := c.Send(ctx, string(payload)); err != nil {
		log.WithError(err).Error("failed to subscribe")
		return
	}
	log.WithField("stream", r.StreamName()).Info("subscribe request sent")
}

func (r *DepthReader) handleMessage(ctx context.Context, msg wsclient.Message) error {
	r.frames.Add(1)

	decoded, err := models.DecodeStreamMessage(msg.Data)
	if err != nil {
		return err
	}

	if ack := decoded.Ack; ack != nil {
		if ack.Error != nil {
			ratemetrics.ReportLimitFromMessage(r.log, r.symbol, r.localIP, "depth", ack.Error.Msg)
			return fmt.Errorf("subscription %d rejected: code %d: %s", ack.ID, ack.Error.Code, ack.Error.Msg)
		}
		r.entry().WithField("request_id", ack.ID).Info("subscription acknowledged")
		return nil
	}

	update := decoded.Update
	if update.Symbol != "" && !strings.EqualFold(update.Symbol, r.symbol) {
		r.entry().WithField("event_symbol", update.Symbol).Debug("ignoring update for another symbol")
		return nil
	}

	res, err := r.syncer.Apply(ctx, update)
	if err != nil {
		return err
	}

	log := r.entry()
	if log.Logger.IsLevelEnabled(logrus.DebugLevel) && res.Applied {
		logger.LogDataFlowEntry(log, "binance_ws", "order_book", len(update.Bids)+len(update.Asks), "depth_levels")
	}
	return nil
}

func (r *DepthReader) handleError(ctx context.Context, err error) {
	r.errs.Add(1)
	log := r.entry().WithError(err)

	var (
		parseErr *models.ParseError
		fetchErr *orderbook.SnapshotFetchError
		transErr *wsclient.TransportError
	)
	switch {
	case errors.As(err, &parseErr):
		log.Warn("dropping malformed frame")
	case errors.As(err, &fetchErr):
		ratemetrics.ReportLimitFromMessage(r.log, r.symbol, r.localIP, "depth", fetchErr.Err.Error())
		log.Error("resync failed, update skipped")
	case errors.As(err, &transErr):
		log.Error("depth stream transport failure")
	default:
		log.Warn("depth stream error")
	}
}

func (r *DepthReader) handleClose(ctx context.Context, ev wsclient.CloseEvent) {
	fields := logger.Fields{"code": ev.Code, "reason": ev.Reason, "local": ev.Local}
	log := r.entry().WithFields(fields)
	if ev.Err != nil {
		log = log.WithError(ev.Err)
	}
	log.Info("depth stream closed")
}
