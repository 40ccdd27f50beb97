// Package config loads relay configuration from defaults, an optional YAML
// file and RELAY_-prefixed environment variables.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// ChainConfig describes one supported chain.
type ChainConfig struct {
	ID                 string `mapstructure:"id"`
	NetworkID          uint64 `mapstructure:"network_id"`
	RPCURL             string `mapstructure:"rpc_url"`
	RelayerPrivateKey  string `mapstructure:"relayer_private_key"`
	OpportunityAdapter string `mapstructure:"opportunity_adapter"`
	EIP712Name         string `mapstructure:"eip712_name"`
	EIP712Version      string `mapstructure:"eip712_version"`
}

// AuctionConfig controls round timing, retries and simulation fan-out.
type AuctionConfig struct {
	CollectionPeriod      time.Duration `mapstructure:"collection_period"`
	BidDeadline           time.Duration `mapstructure:"bid_deadline"`
	SubmitRetries         int           `mapstructure:"submit_retries"`
	RetryBackoff          time.Duration `mapstructure:"retry_backoff"`
	SimulationConcurrency int           `mapstructure:"simulation_concurrency"`
	IdleTimeout           time.Duration `mapstructure:"idle_timeout"`
}

// LimitsConfig bounds pending bids per permission key and per protocol.
type LimitsConfig struct {
	MaxPendingPerKey      int `mapstructure:"max_pending_per_key"`
	MaxPendingPerProtocol int `mapstructure:"max_pending_per_protocol"`
	ProtocolPrefixLen     int `mapstructure:"protocol_prefix_len"`
}

// Config is the complete relay configuration.
type Config struct {
	Port           string        `mapstructure:"port"`
	LogLevel       string        `mapstructure:"log_level"`
	DatabaseURL    string        `mapstructure:"database_url"`
	RedisURL       string        `mapstructure:"redis_url"`
	CacheTTL       time.Duration `mapstructure:"cache_ttl"`
	OpportunityTTL time.Duration `mapstructure:"opportunity_ttl"`
	SendQueueSize  int           `mapstructure:"send_queue_size"`
	Auction        AuctionConfig `mapstructure:"auction"`
	Limits         LimitsConfig  `mapstructure:"limits"`
	Chains         []ChainConfig `mapstructure:"chains"`
}

// Load reads configuration. path may be empty, in which case only defaults
// and environment variables apply.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("RELAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		slog.Info("config file loaded", "path", path)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("port", "8080")
	v.SetDefault("log_level", "info")
	v.SetDefault("database_url", "")
	v.SetDefault("redis_url", "")
	v.SetDefault("cache_ttl", 30*time.Second)
	v.SetDefault("opportunity_ttl", 5*time.Minute)
	v.SetDefault("send_queue_size", 256)

	v.SetDefault("auction.collection_period", 250*time.Millisecond)
	v.SetDefault("auction.bid_deadline", 60*time.Second)
	v.SetDefault("auction.submit_retries", 3)
	v.SetDefault("auction.retry_backoff", 500*time.Millisecond)
	v.SetDefault("auction.simulation_concurrency", 8)
	v.SetDefault("auction.idle_timeout", time.Minute)

	v.SetDefault("limits.max_pending_per_key", 100)
	v.SetDefault("limits.max_pending_per_protocol", 1000)
	v.SetDefault("limits.protocol_prefix_len", 40)
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	var errs []error
	if c.Auction.BidDeadline <= c.Auction.CollectionPeriod {
		errs = append(errs, errors.New("auction.bid_deadline must exceed auction.collection_period"))
	}
	if c.Auction.SubmitRetries < 1 {
		errs = append(errs, errors.New("auction.submit_retries must be at least 1"))
	}
	if c.SendQueueSize < 1 {
		errs = append(errs, errors.New("send_queue_size must be positive"))
	}
	seen := make(map[string]bool, len(c.Chains))
	for i, ch := range c.Chains {
		if ch.ID == "" {
			errs = append(errs, fmt.Errorf("chains[%d]: id is required", i))
			continue
		}
		if seen[ch.ID] {
			errs = append(errs, fmt.Errorf("chains[%d]: duplicate id %s", i, ch.ID))
		}
		seen[ch.ID] = true
		if ch.NetworkID == 0 {
			errs = append(errs, fmt.Errorf("chain %s: network_id is required", ch.ID))
		}
	}
	return errors.Join(errs...)
}

// SlogLevel maps LogLevel to a slog.Level, defaulting to info.
func (c *Config) SlogLevel() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
