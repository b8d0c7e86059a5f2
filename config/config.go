package config

import (
	"fmt"
	"net/url"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	MarketSpot    = "spot"
	MarketFutures = "futures"
)

type Config struct {
	Depthflow DepthflowConfig `yaml:"depthflow"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Channels  ChannelsConfig  `yaml:"channels"`
	Source    SourceConfig    `yaml:"source"`
	Sync      SyncConfig      `yaml:"sync"`
	Recorder  RecorderConfig  `yaml:"recorder"`
	Writer    WriterConfig    `yaml:"writer"`
	Storage   StorageConfig   `yaml:"storage"`
	Logging   LoggingConfig   `yaml:"logging"`
}

type DepthflowConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

type MetricsConfig struct {
	CloudWatch     bool          `yaml:"cloudwatch"`
	Namespace      string        `yaml:"namespace"`
	Dashboard      string        `yaml:"dashboard"`
	ReportInterval time.Duration `yaml:"report_interval"`
}

type ChannelsConfig struct {
	BookBuffer int `yaml:"book_buffer"`
}

type SourceConfig struct {
	Binance BinanceSourceConfig `yaml:"binance"`
}

type ConnectionPoolConfig struct {
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	MaxConnsPerHost int           `yaml:"max_conns_per_host"`
	IdleConnTimeout time.Duration `yaml:"idle_conn_timeout"`
}

type BinanceSourceConfig struct {
	Market         string                `yaml:"market"`
	Symbols        []string              `yaml:"symbols"`
	ConnectionPool ConnectionPoolConfig  `yaml:"connection_pool"`
	Websocket      BinanceWebsocketConfig `yaml:"websocket"`
	Snapshot       BinanceSnapshotConfig  `yaml:"snapshot"`
}

// BinanceWebsocketConfig configures the diff depth stream connection.
// Proxy is either empty, host:port or an http URL with optional userinfo.
type BinanceWebsocketConfig struct {
	URL              string        `yaml:"url"`
	Proxy            string        `yaml:"proxy"`
	UpdateSpeed      string        `yaml:"update_speed"`
	Subscribe        bool          `yaml:"subscribe"`
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
	CloseTimeout     time.Duration `yaml:"close_timeout"`
	PingInterval     time.Duration `yaml:"ping_interval"`
	WriteTimeout     time.Duration `yaml:"write_timeout"`
	ReadLimit        int64         `yaml:"read_limit"`
	SendRatePerSec   float64       `yaml:"send_rate_per_sec"`
	SendBurst        int           `yaml:"send_burst"`
}

type BinanceSnapshotConfig struct {
	URL     string        `yaml:"url"`
	Limit   int           `yaml:"limit"`
	Timeout time.Duration `yaml:"timeout"`
}

type SyncConfig struct {
	AdmitStraddling bool `yaml:"admit_straddling"`
}

type RecorderConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Interval time.Duration `yaml:"interval"`
	Depth    int           `yaml:"depth"`
}

type WriterConfig struct {
	Buffer       BufferConfig       `yaml:"buffer"`
	Partitioning PartitioningConfig `yaml:"partitioning"`
	Compression  string             `yaml:"compression"`
}

type BufferConfig struct {
	MaxSize       int           `yaml:"max_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
}

type PartitioningConfig struct {
	Prefix         string   `yaml:"prefix"`
	TimeFormat     string   `yaml:"time_format"`
	AdditionalKeys []string `yaml:"additional_keys"`
}

type StorageConfig struct {
	S3 S3Config `yaml:"s3"`
}

type S3Config struct {
	Enabled         bool   `yaml:"enabled"`
	Bucket          string `yaml:"bucket"`
	Region          string `yaml:"region"`
	Endpoint        string `yaml:"endpoint"`
	PathStyle       bool   `yaml:"path_style"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
	MaxAge int    `yaml:"max_age"`
}

// Default returns the configuration values used for keys absent from the
// YAML file.
func Default() Config {
	return Config{
		Metrics: MetricsConfig{
			ReportInterval: 30 * time.Second,
		},
		Channels: ChannelsConfig{BookBuffer: 64},
		Source: SourceConfig{
			Binance: BinanceSourceConfig{
				Market: MarketSpot,
				ConnectionPool: ConnectionPoolConfig{
					MaxIdleConns:    10,
					MaxConnsPerHost: 10,
					IdleConnTimeout: 90 * time.Second,
				},
				Websocket: BinanceWebsocketConfig{
					URL:              "wss://stream.binance.com:9443/ws",
					UpdateSpeed:      "100ms",
					HandshakeTimeout: 10 * time.Second,
					CloseTimeout:     5 * time.Second,
					WriteTimeout:     5 * time.Second,
					SendRatePerSec:   5,
					SendBurst:        1,
				},
				Snapshot: BinanceSnapshotConfig{
					URL:     "https://api.binance.com",
					Limit:   1000,
					Timeout: 10 * time.Second,
				},
			},
		},
		Recorder: RecorderConfig{
			Interval: 10 * time.Second,
			Depth:    20,
		},
		Writer: WriterConfig{
			Buffer: BufferConfig{
				MaxSize:       10000,
				FlushInterval: time.Minute,
			},
			Partitioning: PartitioningConfig{
				TimeFormat: "year={year}/month={month}/day={day}/hour={hour}",
			},
			Compression: "snappy",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}

func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := Default()
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	applyEnvOverrides(&config)

	config.Storage.S3.Bucket = strings.TrimSpace(config.Storage.S3.Bucket)
	config.Source.Binance.Market = strings.ToLower(strings.TrimSpace(config.Source.Binance.Market))

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &config, nil
}

func applyEnvOverrides(config *Config) {
	if v := os.Getenv("DEPTHFLOW_WS_PROXY"); v != "" {
		config.Source.Binance.Websocket.Proxy = strings.TrimSpace(v)
	}

	if !config.Storage.S3.Enabled {
		return
	}
	if v := os.Getenv("AWS_ACCESS_KEY_ID"); v != "" {
		config.Storage.S3.AccessKeyID = strings.TrimSpace(v)
	}
	if v := os.Getenv("AWS_SECRET_ACCESS_KEY"); v != "" {
		config.Storage.S3.SecretAccessKey = strings.TrimSpace(v)
	}
	if v := os.Getenv("AWS_REGION"); v != "" {
		config.Storage.S3.Region = strings.TrimSpace(v)
	}
	if v := os.Getenv("S3_BUCKET"); v != "" {
		config.Storage.S3.Bucket = strings.TrimSpace(v)
	}
}

func validateConfig(cfg *Config) error {
	if cfg.Depthflow.Name == "" {
		return fmt.Errorf("depthflow.name is required")
	}

	if cfg.Depthflow.Version == "" {
		return fmt.Errorf("depthflow.version is required")
	}

	binance := cfg.Source.Binance
	switch binance.Market {
	case MarketSpot, MarketFutures:
	default:
		return fmt.Errorf("source.binance.market must be %q or %q, got %q", MarketSpot, MarketFutures, binance.Market)
	}

	if u, err := url.Parse(binance.Websocket.URL); err != nil || (u.Scheme != "ws" && u.Scheme != "wss") {
		return fmt.Errorf("source.binance.websocket.url '%s' must be a ws:// or wss:// URL", binance.Websocket.URL)
	}

	if binance.Snapshot.URL == "" {
		return fmt.Errorf("source.binance.snapshot.url is required")
	}

	if binance.Snapshot.Limit <= 0 {
		return fmt.Errorf("source.binance.snapshot.limit must be greater than 0")
	}

	if binance.Websocket.SendRatePerSec < 0 {
		return fmt.Errorf("source.binance.websocket.send_rate_per_sec must not be negative")
	}

	if cfg.Channels.BookBuffer <= 0 {
		return fmt.Errorf("channels.book_buffer must be greater than 0")
	}

	if cfg.Recorder.Enabled {
		if cfg.Recorder.Interval <= 0 {
			return fmt.Errorf("recorder.interval must be greater than 0")
		}
		if cfg.Recorder.Depth <= 0 {
			return fmt.Errorf("recorder.depth must be greater than 0")
		}
	}

	if cfg.Writer.Buffer.FlushInterval <= 0 {
		return fmt.Errorf("writer.buffer.flush_interval must be greater than 0")
	}

	if cfg.Storage.S3.Enabled {
		if cfg.Storage.S3.Bucket == "" {
			return fmt.Errorf("storage.s3.bucket is required when S3 is enabled")
		}
		if cfg.Storage.S3.Region == "" {
			return fmt.Errorf("storage.s3.region is required when S3 is enabled")
		}
		if !isValidS3Bucket(cfg.Storage.S3.Bucket) {
			return fmt.Errorf("storage.s3.bucket '%s' is invalid", cfg.Storage.S3.Bucket)
		}
	}

	return nil
}

var s3BucketRegexp = regexp.MustCompile(`^[a-z0-9][a-z0-9.-]{1,61}[a-z0-9]$`)

func isValidS3Bucket(name string) bool {
	if len(name) < 3 || len(name) > 63 {
		return false
	}
	if strings.Contains(name, "..") || strings.HasPrefix(name, ".") || strings.HasSuffix(name, ".") {
		return false
	}
	return s3BucketRegexp.MatchString(name)
}
