package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"depthflow/config"
	"depthflow/internal/channel"
	ratemetrics "depthflow/internal/metrics/rate"
	"depthflow/logger"
	"depthflow/orderbook"
	"depthflow/processor"
	"depthflow/reader/binance"
	"depthflow/writer"
)

func main() {
	log := logger.GetLogger()

	// Load environment variables from .env if present
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.WithError(err).Warn("Error loading .env file")
	}

	configPath := flag.String("config", config.DefaultConfigPath, "Path to configuration file")
	shardPath := flag.String("shards", config.DefaultShardsPath, "Path to IP shard configuration file")

	flag.Parse()

	env := config.AppEnvironment()
	cfg, err := config.LoadConfig(config.ResolveConfigPath(*configPath))
	if err != nil {
		log.WithError(err).Error("Failed to load configuration")
		os.Exit(1)
	}

	if err := log.Configure(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output, cfg.Logging.MaxAge); err != nil {
		log.WithError(err).Error("Failed to configure logger")
		os.Exit(1)
	}

	log.WithEnv("APP_ENV", "AWS_REGION").WithFields(logger.Fields{
		"service": cfg.Depthflow.Name,
		"version": cfg.Depthflow.Version,
		"env":     env,
		"market":  cfg.Source.Binance.Market,
	}).Info("starting depthflow")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.Metrics.CloudWatch {
		logger.InitCloudWatch(cfg.Storage.S3.Region, cfg.Metrics.Namespace, cfg.Metrics.Dashboard)
	}
	if strings.ToLower(cfg.Logging.Level) == "report" {
		logger.StartReport(ctx, log, cfg.Metrics.ReportInterval)
	}

	shardCfg, err := config.LoadIPShards(config.ResolveShardsPath(*shardPath))
	if err != nil {
		if config.IsProductionLike(env) {
			log.WithError(err).Error("failed to load shard configuration")
			os.Exit(1)
		}
		log.WithError(err).Warn("no shard configuration; using configured symbols on the default address")
		shardCfg = config.FromSymbols(cfg.Source.Binance.Symbols)
	}

	channels := channel.NewChannels(cfg.Channels.BookBuffer)
	defer channels.Close()
	channels.StartMetricsReporting(ctx, cfg.Metrics.ReportInterval)

	weightLimit := int64(ratemetrics.SpotWeightPerMinute)
	if cfg.Source.Binance.Market == config.MarketFutures {
		weightLimit = ratemetrics.FuturesWeightPerMinute
	}

	var syncOpts []orderbook.SyncOption
	if cfg.Sync.AdmitStraddling {
		syncOpts = append(syncOpts, orderbook.WithStraddleAdmission())
	}

	var (
		books   []*orderbook.Book
		readers []*binance.DepthReader
		seen    = make(map[string]struct{})
	)
	for _, shard := range shardCfg.Shards {
		ip := shard.IP
		httpClient := orderbook.NewHTTPClient(cfg.Source.Binance.ConnectionPool, cfg.Source.Binance.Snapshot.Timeout, ip)
		onHeader := func(h http.Header) { ratemetrics.ReportSnapshotWeight(log, h, weightLimit, ip) }
		fetcher := orderbook.NewFetcher(cfg.Source.Binance.Market, cfg.Source.Binance.Snapshot, httpClient, onHeader)

		for _, symbol := range shard.Symbols {
			if _, dup := seen[symbol]; dup || symbol == "" {
				continue
			}
			seen[symbol] = struct{}{}

			book := orderbook.NewBook(symbol)
			syncer := orderbook.NewSynchronizer(book, fetcher, syncOpts...)
			books = append(books, book)
			readers = append(readers, binance.NewDepthReader(cfg, symbol, ip, syncer))
		}
	}
	if len(readers) == 0 {
		log.Error("no symbols configured")
		os.Exit(1)
	}

	var (
		recorder   *processor.Recorder
		bookWriter *writer.BookWriter
	)
	if cfg.Storage.S3.Enabled {
		bookWriter, err = writer.NewBookWriter(cfg, channels.Book.Batches)
		if err != nil {
			log.WithError(err).Error("failed to create book writer")
			os.Exit(1)
		}
		if cfg.Recorder.Enabled {
			recorder = processor.NewRecorder(cfg, books, channels.Book)
		}
	} else {
		log.WithComponent("main").Info("S3 storage disabled; skipping recorder and writer")
	}

	var wg sync.WaitGroup
	for _, r := range readers {
		wg.Add(1)
		go func(reader *binance.DepthReader) {
			defer wg.Done()
			if err := reader.Start(ctx); err != nil {
				log.WithError(err).WithField("symbol", reader.Symbol()).Warn("depth reader failed to start")
			}
		}(r)
	}

	if bookWriter != nil {
		if err := bookWriter.Start(ctx); err != nil {
			log.WithError(err).Warn("book writer failed to start")
		}
	}
	if recorder != nil {
		if err := recorder.Start(ctx); err != nil {
			log.WithError(err).Warn("book recorder failed to start")
		}
	}

	wg.Wait()
	log.WithField("readers", len(readers)).Info("all components started")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigChan
	log.WithFields(logger.Fields{"signal": sig.String()}).Info("shutdown signal received")

	log.Info("starting graceful shutdown")

	done := make(chan struct{})
	go func() {
		defer close(done)

		log.Info("stopping depth readers")
		var rwg sync.WaitGroup
		for _, r := range readers {
			rwg.Add(1)
			go func(reader *binance.DepthReader) {
				defer rwg.Done()
				reader.Stop()
			}(r)
		}
		rwg.Wait()

		cancel()
		if recorder != nil {
			log.Info("stopping book recorder")
			recorder.Stop()
		}
		if bookWriter != nil {
			log.Info("stopping book writer")
			bookWriter.Stop()
		}
	}()

	select {
	case <-done:
		log.Info("graceful shutdown completed")
	case <-time.After(30 * time.Second):
		log.Warn("graceful shutdown timeout exceeded")
	}

	log.Info("depthflow stopped")
}
