package orderbook

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"depthflow/logger"
	"depthflow/models"
)

// SnapshotFetcher retrieves the authoritative depth snapshot for a symbol.
type SnapshotFetcher interface {
	FetchSnapshot(ctx context.Context, symbol string) (*models.DepthSnapshot, error)
}

// SnapshotFetchError is returned by Apply when a resync was needed and the
// snapshot could not be fetched. The book is left as it was.
type SnapshotFetchError struct {
	Symbol string
	Err    error
}

func (e *SnapshotFetchError) Error() string {
	return fmt.Sprintf("orderbook: fetch snapshot for %s: %v", e.Symbol, e.Err)
}

func (e *SnapshotFetchError) Unwrap() error {
	return e.Err
}

// Result says what Apply did with one event.
type Result struct {
	Resynced bool
	Applied  bool
}

type Stats struct {
	Applied       uint64
	Discarded     uint64
	Resyncs       uint64
	FetchFailures uint64
}

type SyncOption func(*Synchronizer)

// WithStraddleAdmission also admits an event whose range covers
// LastUpdateID+1, which is how Binance documents the first event after a
// snapshot.
func WithStraddleAdmission() SyncOption {
	return func(s *Synchronizer) { s.straddle = true }
}

func WithSyncLogger(entry *logger.Entry) SyncOption {
	return func(s *Synchronizer) {
		if entry != nil {
			s.log = entry
		}
	}
}

// Synchronizer admits diff events into a Book, resyncing from a snapshot
// when it detects a gap.
type Synchronizer struct {
	book     *Book
	fetcher  SnapshotFetcher
	straddle bool
	log      *logger.Entry

	applied       atomic.Uint64
	discarded     atomic.Uint64
	resyncs       atomic.Uint64
	fetchFailures atomic.Uint64
}

func NewSynchronizer(book *Book, fetcher SnapshotFetcher, opts ...SyncOption) *Synchronizer {
	s := &Synchronizer{
		book:    book,
		fetcher: fetcher,
		log:     logger.GetLogger().WithComponent("book_sync").WithField("symbol", book.Symbol()),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Synchronizer) Book() *Book {
	return s.book
}

// Apply runs the admission rule for u as one critical section:
//
//  1. U > last+1: replace the book with a fresh snapshot.
//  2. U == last+1 (after any reset): apply the changes, last = u.
//  3. anything else is stale and dropped.
func (s *Synchronizer) Apply(ctx context.Context, u *models.DepthUpdate) (Result, error) {
	var res Result
	err := s.book.Update(func(ob *OrderBook) error {
		if u.FirstUpdateID > ob.LastUpdateID+1 {
			if err := s.resync(ctx, ob, u); err != nil {
				return err
			}
			res.Resynced = true
		}

		if !s.admits(ob.LastUpdateID, u) {
			s.discarded.Add(1)
			s.log.WithFields(logger.Fields{
				"first_update_id": u.FirstUpdateID,
				"final_update_id": u.FinalUpdateID,
				"last_update_id":  ob.LastUpdateID,
			}).Debug("discarding depth update")
			return nil
		}

		ob.ApplyChanges(u)
		s.applied.Add(1)
		res.Applied = true
		return nil
	})
	return res, err
}

func (s *Synchronizer) admits(last uint64, u *models.DepthUpdate) bool {
	if u.FirstUpdateID == last+1 {
		return true
	}
	return s.straddle && u.FirstUpdateID <= last+1 && last+1 <= u.FinalUpdateID
}

// resync must be called with the book lock held.
func (s *Synchronizer) resync(ctx context.Context, ob *OrderBook, u *models.DepthUpdate) error {
	start := time.Now()
	snap, err := s.fetcher.FetchSnapshot(ctx, s.book.Symbol())
	if err != nil {
		s.fetchFailures.Add(1)
		s.log.WithError(err).WithField("first_update_id", u.FirstUpdateID).Error("snapshot fetch failed")
		return &SnapshotFetchError{Symbol: s.book.Symbol(), Err: err}
	}

	previous := ob.LastUpdateID
	*ob = *FromSnapshot(snap)
	s.resyncs.Add(1)
	logger.IncrementResync()

	s.log.WithFields(logger.Fields{
		"previous_update_id": previous,
		"snapshot_update_id": ob.LastUpdateID,
		"gap_first_id":       u.FirstUpdateID,
		"bids":               len(ob.Bids),
		"asks":               len(ob.Asks),
	}).Info("order book resynced from snapshot")
	logger.LogPerformanceEntry(s.log, "book_sync", "snapshot_fetch", time.Since(start), nil)
	return nil
}

func (s *Synchronizer) Stats() Stats {
	return Stats{
		Applied:       s.applied.Load(),
		Discarded:     s.discarded.Load(),
		Resyncs:       s.resyncs.Load(),
		FetchFailures: s.fetchFailures.Load(),
	}
}
