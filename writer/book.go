package writer

import (
	"bytes"
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/source"
	"github.com/xitongsys/parquet-go/writer"

	appconfig "depthflow/config"
	"depthflow/logger"
	"depthflow/models"
)

// bookRecord is the parquet schema of one recorded price level.
type bookRecord struct {
	Exchange     string  `parquet:"name=exchange, type=BYTE_ARRAY, convertedtype=UTF8"`
	Symbol       string  `parquet:"name=symbol, type=BYTE_ARRAY, convertedtype=UTF8"`
	Market       string  `parquet:"name=market, type=BYTE_ARRAY, convertedtype=UTF8"`
	Timestamp    int64   `parquet:"name=timestamp, type=INT64, convertedtype=TIMESTAMP_MILLIS"`
	LastUpdateID int64   `parquet:"name=last_update_id, type=INT64"`
	Side         string  `parquet:"name=side, type=BYTE_ARRAY, convertedtype=UTF8"`
	Price        float64 `parquet:"name=price, type=DOUBLE"`
	Quantity     float64 `parquet:"name=quantity, type=DOUBLE"`
	Level        int32   `parquet:"name=level, type=INT32"`
}

type objectPutter interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

type memFileWriter struct{ buffer *bytes.Buffer }

func newMemFileWriter() *memFileWriter { return &memFileWriter{buffer: &bytes.Buffer{}} }

func (m *memFileWriter) Create(string) (source.ParquetFile, error) { return m, nil }
func (m *memFileWriter) Open(string) (source.ParquetFile, error)   { return m, nil }
func (m *memFileWriter) Seek(int64, int) (int64, error)            { return int64(m.buffer.Len()), nil }
func (m *memFileWriter) Read([]byte) (int, error)                  { return 0, nil }
func (m *memFileWriter) Write(b []byte) (int, error)               { return m.buffer.Write(b) }
func (m *memFileWriter) Close() error                              { return nil }
func (m *memFileWriter) Bytes() []byte                             { return m.buffer.Bytes() }

// BookWriter consumes recorded book batches and writes them to S3 in parquet
// format. Rows are buffered per symbol and flushed on the configured interval
// or once a buffer reaches its maximum size.
type BookWriter struct {
	cfg         *appconfig.Config
	batches     <-chan models.BookBatch
	s3Client    objectPutter
	buffer      map[string][]models.BookLevelRow
	mu          sync.Mutex
	flushTicker *time.Ticker
	ctx         context.Context
	wg          *sync.WaitGroup
	running     bool
	log         *logger.Log

	filesWritten int64
	rowsWritten  int64
	errorsCount  int64
}

// NewBookWriter initializes a writer with AWS credentials from the storage
// config, falling back to the default credential chain.
func NewBookWriter(cfg *appconfig.Config, batches <-chan models.BookBatch) (*BookWriter, error) {
	ctx := context.Background()
	loadOpts := []func(*config.LoadOptions) error{config.WithRegion(cfg.Storage.S3.Region)}
	if cfg.Storage.S3.AccessKeyID != "" && cfg.Storage.S3.SecretAccessKey != "" {
		loadOpts = append(loadOpts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(
				cfg.Storage.S3.AccessKeyID,
				cfg.Storage.S3.SecretAccessKey,
				"",
			)))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	s3Client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Storage.S3.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Storage.S3.Endpoint)
		}
		o.UsePathStyle = cfg.Storage.S3.PathStyle
	})
	return newBookWriter(cfg, batches, s3Client), nil
}

func newBookWriter(cfg *appconfig.Config, batches <-chan models.BookBatch, client objectPutter) *BookWriter {
	return &BookWriter{
		cfg:      cfg,
		batches:  batches,
		s3Client: client,
		buffer:   make(map[string][]models.BookLevelRow),
		wg:       &sync.WaitGroup{},
		log:      logger.GetLogger(),
	}
}

func (w *BookWriter) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return fmt.Errorf("book writer already running")
	}
	w.running = true
	w.ctx = ctx
	w.flushTicker = time.NewTicker(w.cfg.Writer.Buffer.FlushInterval)
	w.mu.Unlock()

	w.wg.Add(1)
	go w.worker()

	w.wg.Add(1)
	go w.flushLoop()

	w.log.WithComponent("book_writer").WithFields(logger.Fields{
		"bucket":         w.cfg.Storage.S3.Bucket,
		"flush_interval": w.cfg.Writer.Buffer.FlushInterval.String(),
		"max_size":       w.cfg.Writer.Buffer.MaxSize,
		"compression":    w.cfg.Writer.Compression,
	}).Info("book writer started")
	return nil
}

// Stop waits for the workers and flushes whatever is still buffered.
func (w *BookWriter) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	w.mu.Unlock()

	if w.flushTicker != nil {
		w.flushTicker.Stop()
	}
	w.wg.Wait()
	w.flushBuffers()
	w.reportMetrics()
	w.log.WithComponent("book_writer").Info("book writer stopped")
}

func (w *BookWriter) worker() {
	defer w.wg.Done()
	for {
		select {
		case <-w.ctx.Done():
			return
		case batch, ok := <-w.batches:
			if !ok {
				return
			}
			w.addBatch(batch)
		}
	}
}

func bufferKey(exchange, market, symbol string) string {
	return exchange + "|" + market + "|" + symbol
}

func (w *BookWriter) addBatch(batch models.BookBatch) {
	if len(batch.Rows) == 0 {
		return
	}
	key := bufferKey(batch.Exchange, batch.Market, batch.Symbol)
	w.mu.Lock()
	w.buffer[key] = append(w.buffer[key], batch.Rows...)
	size := len(w.buffer[key])
	w.mu.Unlock()

	if w.cfg.Writer.Buffer.MaxSize > 0 && size >= w.cfg.Writer.Buffer.MaxSize {
		w.flushKey(key)
	}
}

func (w *BookWriter) flushKey(key string) {
	w.mu.Lock()
	rows, ok := w.buffer[key]
	if !ok || len(rows) == 0 {
		w.mu.Unlock()
		return
	}
	delete(w.buffer, key)
	w.mu.Unlock()

	w.writeRows(key, rows, time.Now())
}

func (w *BookWriter) flushLoop() {
	defer w.wg.Done()
	for {
		select {
		case <-w.ctx.Done():
			return
		case <-w.flushTicker.C:
			w.flushBuffers()
		}
	}
}

func (w *BookWriter) flushBuffers() {
	w.mu.Lock()
	buffers := w.buffer
	w.buffer = make(map[string][]models.BookLevelRow)
	w.mu.Unlock()

	now := time.Now()
	for key, rows := range buffers {
		if len(rows) == 0 {
			continue
		}
		w.writeRows(key, rows, now)
	}
}

func (w *BookWriter) writeRows(key string, rows []models.BookLevelRow, at time.Time) {
	parts := strings.SplitN(key, "|", 3)
	exchange, market, symbol := parts[0], parts[1], parts[2]
	log := w.log.WithComponent("book_writer").WithFields(logger.Fields{"symbol": symbol, "records": len(rows)})

	start := time.Now()
	data, size, err := w.createParquet(rows)
	if err != nil {
		w.recordError()
		log.WithError(err).Error("create parquet failed")
		return
	}
	objectKey := w.s3Key(exchange, market, symbol, at)
	if err := w.upload(objectKey, data); err != nil {
		w.recordError()
		log.WithError(err).Error("upload to s3 failed")
		return
	}

	w.mu.Lock()
	w.filesWritten++
	w.rowsWritten += int64(len(rows))
	w.mu.Unlock()

	duration := time.Since(start)
	fields := logger.Fields{
		"s3_key":      objectKey,
		"bytes":       size,
		"duration_ms": float64(duration.Nanoseconds()) / 1e6,
	}
	if duration > 0 {
		fields["throughput_bytes_per_sec"] = float64(size) / duration.Seconds()
	}
	log.WithFields(fields).Info("book batch uploaded")
	logger.IncrementS3WriteBook(size)
}

func (w *BookWriter) recordError() {
	w.mu.Lock()
	w.errorsCount++
	w.mu.Unlock()
}

func compressionCodec(name string) parquet.CompressionCodec {
	switch strings.ToLower(name) {
	case "snappy":
		return parquet.CompressionCodec_SNAPPY
	case "gzip":
		return parquet.CompressionCodec_GZIP
	case "lzo":
		return parquet.CompressionCodec_LZO
	default:
		return parquet.CompressionCodec_UNCOMPRESSED
	}
}

func (w *BookWriter) createParquet(rows []models.BookLevelRow) ([]byte, int64, error) {
	mw := newMemFileWriter()
	pw, err := writer.NewParquetWriter(mw, new(bookRecord), 4)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to create parquet writer: %w", err)
	}
	pw.CompressionType = compressionCodec(w.cfg.Writer.Compression)
	for _, r := range rows {
		rec := bookRecord{
			Exchange:     r.Exchange,
			Symbol:       r.Symbol,
			Market:       r.Market,
			Timestamp:    r.Timestamp,
			LastUpdateID: r.LastUpdateID,
			Side:         r.Side,
			Price:        r.Price,
			Quantity:     r.Quantity,
			Level:        int32(r.Level),
		}
		if err := pw.Write(rec); err != nil {
			return nil, 0, err
		}
	}
	if err := pw.WriteStop(); err != nil {
		return nil, 0, err
	}
	return mw.Bytes(), int64(len(mw.Bytes())), nil
}

func (w *BookWriter) upload(key string, data []byte) error {
	input := &s3.PutObjectInput{
		Bucket: aws.String(w.cfg.Storage.S3.Bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(data),
	}
	ctx := context.Background()
	if w.ctx != nil {
		ctx = context.WithoutCancel(w.ctx)
	}
	_, err := w.s3Client.PutObject(ctx, input)
	return err
}

func (w *BookWriter) reportMetrics() {
	w.mu.Lock()
	files, rows, errs := w.filesWritten, w.rowsWritten, w.errorsCount
	w.mu.Unlock()

	log := w.log.WithComponent("book_writer")
	log.LogMetric("book_writer", "files_written", files, "counter", logger.Fields{})
	log.LogMetric("book_writer", "rows_written", rows, "counter", logger.Fields{})
	log.LogMetric("book_writer", "upload_errors", errs, "counter", logger.Fields{})
}

func (w *BookWriter) s3Key(exchange, market, symbol string, timestamp time.Time) string {
	timestamp = timestamp.UTC()

	var parts []string
	if p := strings.Trim(w.cfg.Writer.Partitioning.Prefix, "/"); p != "" {
		parts = append(parts, p)
	}
	for _, k := range w.cfg.Writer.Partitioning.AdditionalKeys {
		switch k {
		case "exchange":
			parts = append(parts, fmt.Sprintf("exchange=%s", exchange))
		case "market":
			parts = append(parts, fmt.Sprintf("market=%s", market))
		case "symbol":
			parts = append(parts, fmt.Sprintf("symbol=%s", symbol))
		}
	}

	timePath := w.cfg.Writer.Partitioning.TimeFormat
	timePath = strings.ReplaceAll(timePath, "{year}", fmt.Sprintf("%04d", timestamp.Year()))
	timePath = strings.ReplaceAll(timePath, "{month}", fmt.Sprintf("%02d", int(timestamp.Month())))
	timePath = strings.ReplaceAll(timePath, "{day}", fmt.Sprintf("%02d", timestamp.Day()))
	timePath = strings.ReplaceAll(timePath, "{hour}", fmt.Sprintf("%02d", timestamp.Hour()))
	if timePath != "" {
		parts = append(parts, timePath)
	}

	filename := fmt.Sprintf("book_%s_%s_%d.parquet", exchange, symbol, timestamp.UnixNano())
	return filepath.ToSlash(filepath.Join(append(parts, filename)...))
}
