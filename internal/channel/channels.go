package channel

import (
	"context"
	"time"

	"depthflow/internal/channel/book"
	"depthflow/logger"
)

type Channels struct {
	Book *book.Channels
}

func NewChannels(bookBufferSize int) *Channels {
	return &Channels{
		Book: book.NewChannels(bookBufferSize),
	}
}

// StartMetricsReporting logs channel statistics every interval until ctx is
// done.
func (c *Channels) StartMetricsReporting(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)

	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				c.logChannelStats(logger.GetLogger())
			}
		}
	}()
}

func (c *Channels) logChannelStats(log *logger.Log) {
	stats := c.Book.GetStats()
	log.WithComponent("channels").WithFields(logger.Fields{
		"book_batches_sent":    stats.BatchesSent,
		"book_batches_dropped": stats.BatchesDropped,
		"book_rows_sent":       stats.RowsSent,
		"book_channel_len":     len(c.Book.Batches),
		"book_channel_cap":     cap(c.Book.Batches),
	}).Info("channel statistics")
}

func (c *Channels) Close() {
	if c.Book != nil {
		c.Book.Close()
	}
}
