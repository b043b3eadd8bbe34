package config

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	EnvSymbol       = "ORDERBOOK_SYMBOL"
	EnvServerAddr   = "BOOKSTREAM_ADDR"
	EnvKafkaBrokers = "KAFKA_BROKERS"
	EnvS3Bucket     = "S3_BUCKET"
)

type Config struct {
	Bookstream BookstreamConfig `yaml:"bookstream"`
	Server     ServerConfig     `yaml:"server"`
	Channels   ChannelsConfig   `yaml:"channels"`
	Aggregator AggregatorConfig `yaml:"aggregator"`
	Source     SourceConfig     `yaml:"source"`
	Reader     ReaderConfig     `yaml:"reader"`
	Kafka      KafkaConfig      `yaml:"kafka"`
	Archive    ArchiveConfig    `yaml:"archive"`
	Metrics    MetricsConfig    `yaml:"metrics"`
	Logging    LoggingConfig    `yaml:"logging"`
}

type BookstreamConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

type ServerConfig struct {
	Address       string `yaml:"address"`
	Port          int    `yaml:"port"`
	SessionBuffer int    `yaml:"session_buffer"`
}

// ListenAddr joins address and port into a dialable host:port.
func (s ServerConfig) ListenAddr() string {
	host := strings.TrimSuffix(strings.TrimPrefix(s.Address, "["), "]")
	return net.JoinHostPort(host, strconv.Itoa(s.Port))
}

type ChannelsConfig struct {
	BusBuffer int `yaml:"bus_buffer"`
}

type AggregatorConfig struct {
	Depth int `yaml:"depth"`
}

type SourceConfig struct {
	Symbol   string               `yaml:"symbol"`
	Binance  BinanceSourceConfig  `yaml:"binance"`
	Bitstamp BitstampSourceConfig `yaml:"bitstamp"`
}

type BinanceSourceConfig struct {
	Enabled bool   `yaml:"enabled"`
	URL     string `yaml:"url"`
	Depth   string `yaml:"depth"`
	Speed   string `yaml:"speed"`
}

type BitstampSourceConfig struct {
	Enabled bool   `yaml:"enabled"`
	URL     string `yaml:"url"`
}

type ReaderConfig struct {
	PublishWarnThreshold int             `yaml:"publish_warn_threshold"`
	DecodeWarnThreshold  int             `yaml:"decode_warn_threshold"`
	HandshakeTimeout     time.Duration   `yaml:"handshake_timeout"`
	ReadTimeout          time.Duration   `yaml:"read_timeout"`
	Reconnect            ReconnectConfig `yaml:"reconnect"`
}

type ReconnectConfig struct {
	Enabled     bool          `yaml:"enabled"`
	MinDelay    time.Duration `yaml:"min_delay"`
	MaxDelay    time.Duration `yaml:"max_delay"`
	StableAfter time.Duration `yaml:"stable_after"`
}

type KafkaConfig struct {
	Enabled bool     `yaml:"enabled"`
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`

	// BatchTimeout bounds how long a write waits for more messages.
	BatchTimeout time.Duration `yaml:"batch_timeout"`
}

// ArchiveConfig controls the parquet archive of summaries on S3.
type ArchiveConfig struct {
	Enabled         bool          `yaml:"enabled"`
	Bucket          string        `yaml:"bucket"`
	Prefix          string        `yaml:"prefix"`
	Region          string        `yaml:"region"`
	Endpoint        string        `yaml:"endpoint"`
	PathStyle       bool          `yaml:"path_style"`
	AccessKeyID     string        `yaml:"access_key_id"`
	SecretAccessKey string        `yaml:"secret_access_key"`
	FlushInterval   time.Duration `yaml:"flush_interval"`
	Compression     string        `yaml:"compression"`
}

type MetricsConfig struct {
	Enabled    bool             `yaml:"enabled"`
	Address    string           `yaml:"address"`
	CloudWatch CloudWatchConfig `yaml:"cloudwatch"`
}

type CloudWatchConfig struct {
	Enabled   bool          `yaml:"enabled"`
	Region    string        `yaml:"region"`
	Namespace string        `yaml:"namespace"`
	Interval  time.Duration `yaml:"interval"`
}

type LoggingConfig struct {
	Level          string        `yaml:"level"`
	Format         string        `yaml:"format"`
	Output         string        `yaml:"output"`
	MaxAge         int           `yaml:"max_age"`
	ReportInterval time.Duration `yaml:"report_interval"`
}

// Default returns the configuration the service runs with when no file is given.
func Default() *Config {
	return &Config{
		Bookstream: BookstreamConfig{
			Name:    "bookstream",
			Version: "1.0",
		},
		Server: ServerConfig{
			Address:       "[::1]",
			Port:          50505,
			SessionBuffer: 4,
		},
		Channels: ChannelsConfig{
			BusBuffer: 1024,
		},
		Aggregator: AggregatorConfig{
			Depth: 10,
		},
		Source: SourceConfig{
			Binance: BinanceSourceConfig{
				Enabled: true,
				URL:     "wss://stream.binance.com:9443",
				Depth:   "depth20",
				Speed:   "100ms",
			},
			Bitstamp: BitstampSourceConfig{
				Enabled: true,
				URL:     "wss://ws.bitstamp.net",
			},
		},
		Reader: ReaderConfig{
			PublishWarnThreshold: 100,
			DecodeWarnThreshold:  50,
			HandshakeTimeout:     10 * time.Second,
			Reconnect: ReconnectConfig{
				Enabled:     true,
				MinDelay:    500 * time.Millisecond,
				MaxDelay:    30 * time.Second,
				StableAfter: time.Minute,
			},
		},
		Kafka: KafkaConfig{
			Topic:        "bookstream.summaries",
			BatchTimeout: 10 * time.Millisecond,
		},
		Archive: ArchiveConfig{
			Prefix:        "summaries",
			FlushInterval: time.Minute,
			Compression:   "snappy",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Address: "0.0.0.0:2112",
			CloudWatch: CloudWatchConfig{
				Namespace: "Bookstream",
				Interval:  time.Minute,
			},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}

// LoadConfig reads the YAML file at path on top of Default, applies
// environment overrides and validates the result. An empty path skips the file.
func LoadConfig(path string) (*Config, error) {
	return LoadWithFlags(path, "", "")
}

// LoadWithFlags is LoadConfig with command line values applied before
// validation.
func LoadWithFlags(path, symbol, addr string) (*Config, error) {
	config := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	config.applyEnv()

	if err := config.Override(symbol, addr); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return config, nil
}

func (c *Config) applyEnv() {
	if v := strings.TrimSpace(os.Getenv(EnvSymbol)); v != "" {
		c.Source.Symbol = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvServerAddr)); v != "" {
		c.Server.Address = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvKafkaBrokers)); v != "" {
		brokers := make([]string, 0)
		for _, b := range strings.Split(v, ",") {
			if b = strings.TrimSpace(b); b != "" {
				brokers = append(brokers, b)
			}
		}
		c.Kafka.Brokers = brokers
	}
	if v := strings.TrimSpace(os.Getenv(EnvS3Bucket)); v != "" {
		c.Archive.Bucket = v
	}
	c.Source.Symbol = strings.ToLower(strings.TrimSpace(c.Source.Symbol))
}

// Override applies command line values, which take precedence over file and
// environment. Empty values are ignored. The result is re-validated.
func (c *Config) Override(symbol, addr string) error {
	if symbol = strings.ToLower(strings.TrimSpace(symbol)); symbol != "" {
		c.Source.Symbol = symbol
	}
	if addr = strings.TrimSpace(addr); addr != "" {
		c.Server.Address = addr
	}
	return validateConfig(c)
}

// EnabledSources lists the feeds switched on in the configuration.
func (c *Config) EnabledSources() []string {
	var out []string
	if c.Source.Binance.Enabled {
		out = append(out, "binance")
	}
	if c.Source.Bitstamp.Enabled {
		out = append(out, "bitstamp")
	}
	return out
}

func validateConfig(cfg *Config) error {
	if cfg.Bookstream.Name == "" {
		return fmt.Errorf("bookstream.name is required")
	}

	if cfg.Source.Symbol == "" {
		return fmt.Errorf("source.symbol is required (flag -s or %s)", EnvSymbol)
	}
	if strings.ContainsAny(cfg.Source.Symbol, "/@ ") {
		return fmt.Errorf("source.symbol '%s' is invalid", cfg.Source.Symbol)
	}
	if len(cfg.EnabledSources()) == 0 {
		return fmt.Errorf("at least one source must be enabled")
	}
	if cfg.Source.Binance.Enabled && cfg.Source.Binance.URL == "" {
		return fmt.Errorf("source.binance.url is required when binance is enabled")
	}
	if cfg.Source.Bitstamp.Enabled && cfg.Source.Bitstamp.URL == "" {
		return fmt.Errorf("source.bitstamp.url is required when bitstamp is enabled")
	}

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535")
	}
	if cfg.Server.SessionBuffer <= 0 {
		return fmt.Errorf("server.session_buffer must be greater than 0")
	}
	if cfg.Channels.BusBuffer <= 0 {
		return fmt.Errorf("channels.bus_buffer must be greater than 0")
	}
	if cfg.Aggregator.Depth <= 0 {
		return fmt.Errorf("aggregator.depth must be greater than 0")
	}

	if cfg.Reader.PublishWarnThreshold <= 0 {
		return fmt.Errorf("reader.publish_warn_threshold must be greater than 0")
	}
	if cfg.Reader.DecodeWarnThreshold <= 0 {
		return fmt.Errorf("reader.decode_warn_threshold must be greater than 0")
	}
	if cfg.Reader.ReadTimeout < 0 {
		return fmt.Errorf("reader.read_timeout must not be negative")
	}
	if rc := cfg.Reader.Reconnect; rc.Enabled {
		if rc.MinDelay <= 0 || rc.MaxDelay < rc.MinDelay {
			return fmt.Errorf("reader.reconnect delays must satisfy 0 < min_delay <= max_delay")
		}
	}

	if cfg.Kafka.Enabled {
		if len(cfg.Kafka.Brokers) == 0 {
			return fmt.Errorf("kafka.brokers is required when kafka is enabled")
		}
		if cfg.Kafka.Topic == "" {
			return fmt.Errorf("kafka.topic is required when kafka is enabled")
		}
		if cfg.Kafka.BatchTimeout <= 0 {
			return fmt.Errorf("kafka.batch_timeout must be positive")
		}
	}

	if cfg.Archive.Enabled {
		if cfg.Archive.Bucket == "" {
			return fmt.Errorf("archive.bucket is required when the archive is enabled")
		}
		if cfg.Archive.FlushInterval <= 0 {
			return fmt.Errorf("archive.flush_interval must be greater than 0")
		}
		switch cfg.Archive.Compression {
		case "", "none", "snappy", "gzip":
		default:
			return fmt.Errorf("archive.compression '%s' is not supported", cfg.Archive.Compression)
		}
	}

	if cfg.Logging.ReportInterval < 0 {
		return fmt.Errorf("logging.report_interval must not be negative")
	}

	if cfg.Metrics.CloudWatch.Enabled && cfg.Metrics.CloudWatch.Interval <= 0 {
		return fmt.Errorf("metrics.cloudwatch.interval must be greater than 0")
	}

	return nil
}
