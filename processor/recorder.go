package processor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	appconfig "depthflow/config"
	bookchan "depthflow/internal/channel/book"
	"depthflow/logger"
	"depthflow/models"
	"depthflow/orderbook"
)

const exchangeBinance = "binance"

// Recorder periodically captures the top levels of each synchronized book and
// hands them to the writer stage as flattened batches.
type Recorder struct {
	config  *appconfig.Config
	books   []*orderbook.Book
	out     *bookchan.Channels
	ctx     context.Context
	wg      *sync.WaitGroup
	mu      sync.RWMutex
	running bool
	log     *logger.Log

	now func() time.Time

	// last recorded update id per symbol; unchanged books are skipped
	lastRecorded map[string]uint64

	batchesRecorded int64
	rowsRecorded    int64
	batchesSkipped  int64
	batchesDropped  int64
}

func NewRecorder(cfg *appconfig.Config, books []*orderbook.Book, out *bookchan.Channels) *Recorder {
	return &Recorder{
		config:       cfg,
		books:        books,
		out:          out,
		wg:           &sync.WaitGroup{},
		log:          logger.GetLogger(),
		now:          time.Now,
		lastRecorded: make(map[string]uint64),
	}
}

func (r *Recorder) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return fmt.Errorf("book recorder already running")
	}
	r.running = true
	r.ctx = ctx
	r.mu.Unlock()

	log := r.log.WithComponent("book_recorder").WithFields(logger.Fields{
		"operation": "start",
		"books":     len(r.books),
		"interval":  r.config.Recorder.Interval.String(),
		"depth":     r.config.Recorder.Depth,
	})
	log.Info("starting book recorder")

	r.wg.Add(1)
	go r.loop()

	return nil
}

// Stop waits for the recording loop to exit. The loop ends when the context
// passed to Start is cancelled.
func (r *Recorder) Stop() {
	r.mu.Lock()
	r.running = false
	r.mu.Unlock()

	r.log.WithComponent("book_recorder").Info("stopping book recorder")
	r.wg.Wait()
	r.reportMetrics()
	r.log.WithComponent("book_recorder").Info("book recorder stopped")
}

func (r *Recorder) loop() {
	defer r.wg.Done()

	ticker := time.NewTicker(r.config.Recorder.Interval)
	defer ticker.Stop()

	report := r.config.Metrics.ReportInterval
	if report <= 0 {
		report = 30 * time.Second
	}
	metrics := time.NewTicker(report)
	defer metrics.Stop()

	for {
		select {
		case <-r.ctx.Done():
			return
		case <-ticker.C:
			r.RecordAll()
		case <-metrics.C:
			r.reportMetrics()
		}
	}
}

// RecordAll captures every book once.
func (r *Recorder) RecordAll() {
	for _, b := range r.books {
		batch, ok := r.capture(b)
		if !ok {
			continue
		}
		if !r.out.SendBatch(r.ctx, batch) {
			r.mu.Lock()
			r.batchesDropped++
			r.mu.Unlock()
			r.log.WithComponent("book_recorder").WithField("symbol", batch.Symbol).Warn("book batch dropped")
			continue
		}
		r.mu.Lock()
		r.batchesRecorded++
		r.rowsRecorded += int64(batch.RecordCount)
		r.mu.Unlock()
	}
}

func (r *Recorder) capture(b *orderbook.Book) (models.BookBatch, bool) {
	depth := b.Depth(r.config.Recorder.Depth)

	r.mu.Lock()
	prev, seen := r.lastRecorded[b.Symbol()]
	unchanged := depth.LastUpdateID == 0 || (seen && prev == depth.LastUpdateID)
	if !unchanged {
		r.lastRecorded[b.Symbol()] = depth.LastUpdateID
	} else {
		r.batchesSkipped++
	}
	r.mu.Unlock()
	if unchanged {
		return models.BookBatch{}, false
	}

	return Flatten(b.Symbol(), r.config.Source.Binance.Market, depth, r.now()), true
}

// Flatten turns a depth view into storage rows, bids then asks, each side
// numbered from 1 at the best price.
func Flatten(symbol, market string, depth orderbook.Depth, at time.Time) models.BookBatch {
	rows := make([]models.BookLevelRow, 0, len(depth.Bids)+len(depth.Asks))
	add := func(side string, levels []models.PriceLevel) {
		for i, lvl := range levels {
			price, _ := lvl.Price.Float64()
			qty, _ := lvl.Quantity.Float64()
			rows = append(rows, models.BookLevelRow{
				Exchange:     exchangeBinance,
				Symbol:       symbol,
				Market:       market,
				Timestamp:    at.UnixMilli(),
				LastUpdateID: int64(depth.LastUpdateID),
				Side:         side,
				Price:        price,
				Quantity:     qty,
				Level:        i + 1,
			})
		}
	}
	add(models.SideBid, depth.Bids)
	add(models.SideAsk, depth.Asks)

	return models.BookBatch{
		BatchID:      uuid.New().String(),
		Exchange:     exchangeBinance,
		Symbol:       symbol,
		Market:       market,
		LastUpdateID: depth.LastUpdateID,
		Rows:         rows,
		RecordCount:  len(rows),
		Timestamp:    at,
	}
}

func (r *Recorder) reportMetrics() {
	r.mu.RLock()
	recorded := r.batchesRecorded
	rows := r.rowsRecorded
	skipped := r.batchesSkipped
	dropped := r.batchesDropped
	r.mu.RUnlock()

	log := r.log.WithComponent("book_recorder")
	log.LogMetric("book_recorder", "batches_recorded", recorded, "counter", logger.Fields{})
	log.LogMetric("book_recorder", "rows_recorded", rows, "counter", logger.Fields{})
	log.LogMetric("book_recorder", "batches_skipped", skipped, "counter", logger.Fields{})
	log.LogMetric("book_recorder", "batches_dropped", dropped, "counter", logger.Fields{})
}
