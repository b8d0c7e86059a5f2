package book

import (
	"context"
	"sync"

	"depthflow/logger"
	"depthflow/models"
)

type ChannelStats struct {
	BatchesSent    int64
	BatchesDropped int64
	RowsSent       int64
}

// Channels carries recorded book batches from the recorder to the writer.
type Channels struct {
	Batches chan models.BookBatch

	stats      ChannelStats
	statsMutex sync.RWMutex
	closeOnce  sync.Once
	log        *logger.Log
}

func NewChannels(bufferSize int) *Channels {
	log := logger.GetLogger()
	c := &Channels{
		Batches: make(chan models.BookBatch, bufferSize),
		log:     log,
	}

	log.WithComponent("book_channels").WithFields(logger.Fields{
		"buffer_size": bufferSize,
	}).Info("book channels initialized")

	return c
}

func (c *Channels) Close() {
	c.closeOnce.Do(func() {
		close(c.Batches)
		c.log.WithComponent("book_channels").Info("book channels closed")
	})
}

// SendBatch enqueues batch without blocking. A full buffer drops the batch.
func (c *Channels) SendBatch(ctx context.Context, batch models.BookBatch) bool {
	select {
	case c.Batches <- batch:
		c.statsMutex.Lock()
		c.stats.BatchesSent++
		c.stats.RowsSent += int64(len(batch.Rows))
		c.statsMutex.Unlock()
		logger.RecordChannelMessage("book_batches", batch.RecordCount)
		return true
	case <-ctx.Done():
		return false
	default:
		c.statsMutex.Lock()
		c.stats.BatchesDropped++
		c.statsMutex.Unlock()
		return false
	}
}

func (c *Channels) GetStats() ChannelStats {
	c.statsMutex.RLock()
	defer c.statsMutex.RUnlock()
	return c.stats
}
