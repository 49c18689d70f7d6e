// Package config loads the quotewire service configuration from YAML with
// in-code defaults for every tunable.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the complete service configuration.
type Config struct {
	Storage     StorageConfig     `yaml:"storage"`
	SymbolMap   SymbolMapConfig   `yaml:"symbol_map"`
	MapperCache MapperCacheConfig `yaml:"mapper_cache"`
	SmartCache  SmartCacheConfig  `yaml:"smart_cache"`
	Stream      StreamConfig      `yaml:"stream"`
	Recovery    RecoveryConfig    `yaml:"recovery"`
	Markets     map[string]MarketSchedule `yaml:"markets"`
	Providers   map[string]ProviderConfig `yaml:"providers"`
	Concurrency ConcurrencyConfig `yaml:"concurrency"`
	HTTP        HTTPConfig        `yaml:"http"`
	Shutdown    ShutdownConfig    `yaml:"shutdown"`
}

// StorageConfig tunes the composed KV + doc storage port.
type StorageConfig struct {
	RedisAddr                 string        `yaml:"redis_addr"`
	RedisDB                   int           `yaml:"redis_db"`
	PostgresDSN               string        `yaml:"postgres_dsn"`
	KeyPrefix                 string        `yaml:"key_prefix"`
	MaxKeyLength              int           `yaml:"max_key_length"`
	CompressionThresholdBytes int           `yaml:"compression_threshold_bytes"`
	DefaultTTL                time.Duration `yaml:"default_ttl"`
	OperationTimeout          time.Duration `yaml:"operation_timeout"`
	WritePolicy               string        `yaml:"write_policy"` // cache_only | persistent_only | both
	ReadThroughRefill         bool          `yaml:"read_through_refill"`
	Retry                     RetryConfig   `yaml:"retry"`
	Scan                      ScanConfig    `yaml:"scan"`
}

// RetryConfig is exponential backoff with jitter for transient failures.
type RetryConfig struct {
	MaxAttempts int           `yaml:"max_attempts"`
	Base        time.Duration `yaml:"base"`
	Max         time.Duration `yaml:"max"`
	Jitter      bool          `yaml:"jitter"`
}

// ScanConfig bounds the circuit-breaker-guarded pattern scans.
type ScanConfig struct {
	InitialCount      int64         `yaml:"initial_count"`
	MinCount          int64         `yaml:"min_count"`
	MaxCount          int64         `yaml:"max_count"`
	MaxKeysPrevention int           `yaml:"max_keys_prevention"`
	CallTimeout       time.Duration `yaml:"call_timeout"`
	InterBatchDelay   time.Duration `yaml:"inter_batch_delay"`
	FailureThreshold  uint32        `yaml:"failure_threshold"`
	RecoveryTimeout   time.Duration `yaml:"recovery_timeout"`
	HalfOpenProbes    uint32        `yaml:"half_open_probes"`
}

// SymbolMapConfig tunes the three-level symbol mapper cache.
type SymbolMapConfig struct {
	L1Size               int           `yaml:"l1_size"`
	L2Size               int           `yaml:"l2_size"`
	L3Size               int           `yaml:"l3_size"`
	MaxSymbolLength      int           `yaml:"max_symbol_length"`
	MaxBatchSize         int           `yaml:"max_batch_size"`
	MaxReconnectDelay    time.Duration `yaml:"max_reconnect_delay"`
	MemoryCheckInterval  time.Duration `yaml:"memory_check_interval"`
	MemoryHighWaterBytes uint64        `yaml:"memory_high_water_bytes"`
	MemoryThresholdRatio float64       `yaml:"memory_threshold_ratio"`
}

// MapperCacheConfig tunes the data-mapper rule caches.
type MapperCacheConfig struct {
	RuleTTL      time.Duration `yaml:"rule_ttl"`
	MaxBatchSize int           `yaml:"max_batch_size"`
}

// SmartCacheConfig tunes the orchestrator strategies.
type SmartCacheConfig struct {
	StrongTTL                 time.Duration `yaml:"strong_ttl"`
	StrongRefreshRatio        float64       `yaml:"strong_refresh_ratio"`
	ForceRefreshInterval      time.Duration `yaml:"force_refresh_interval"`
	WeakTTL                   time.Duration `yaml:"weak_ttl"`
	WeakRefreshRatio          float64       `yaml:"weak_refresh_ratio"`
	MinUpdateInterval         time.Duration `yaml:"min_update_interval"`
	OpenMarketTTL             time.Duration `yaml:"open_market_ttl"`
	ClosedMarketTTL           time.Duration `yaml:"closed_market_ttl"`
	MarketStatusCheckInterval time.Duration `yaml:"market_status_check_interval"`
	AdaptiveBaseTTL           time.Duration `yaml:"adaptive_base_ttl"`
	AdaptiveMinTTL            time.Duration `yaml:"adaptive_min_ttl"`
	AdaptiveMaxTTL            time.Duration `yaml:"adaptive_max_ttl"`
	AdaptationFactor          float64       `yaml:"adaptation_factor"`
	ChangeDetectionWindow     int           `yaml:"change_detection_window"`
	EnableFallback            bool          `yaml:"enable_fallback"`
	OperationTimeout          time.Duration `yaml:"operation_timeout"`
}

// StreamConfig tunes the stream receiver.
type StreamConfig struct {
	OutboundQueueSize     int           `yaml:"outbound_queue_size"`
	ConsecutiveErrorTrip  int           `yaml:"consecutive_error_trip"`
	CumulativeErrorTrip   int           `yaml:"cumulative_error_trip"`
	BreakerTimeout        time.Duration `yaml:"breaker_timeout"`
	BreakerHalfOpenProbes int           `yaml:"breaker_half_open_probes"`
	HeartbeatWindow       time.Duration `yaml:"heartbeat_window"`
	ActivityWindow        time.Duration `yaml:"activity_window"`
	DisconnectGrace       time.Duration `yaml:"disconnect_grace"`
}

// RecoveryConfig tunes gap replay.
type RecoveryConfig struct {
	MaxRecoveryWindow time.Duration `yaml:"max_recovery_window"`
	BatchSize         int           `yaml:"batch_size"`
	QPS               float64       `yaml:"qps"`
	Burst             int           `yaml:"burst"`
	Workers           int           `yaml:"workers"`
	MaxAttempts       int           `yaml:"max_attempts"`
	RetryStrategy     string        `yaml:"retry_strategy"` // fixed | linear | exponential
	InitialDelay      time.Duration `yaml:"initial_delay"`
	MaxDelay          time.Duration `yaml:"max_delay"`
	Factor            float64       `yaml:"factor"`
}

// MarketSchedule describes one market's trading calendar.
type MarketSchedule struct {
	Timezone    string   `yaml:"timezone"`
	TradingDays []int    `yaml:"trading_days"` // time.Weekday values
	PreMarket   *Session `yaml:"pre_market"`
	Sessions    []Session `yaml:"sessions"` // regular sessions; gap between two = lunch break
	AfterHours  *Session `yaml:"after_hours"`
}

// Session is an intraday [open, close) window in minutes-of-day local time.
type Session struct {
	Open  string `yaml:"open"`  // "09:30"
	Close string `yaml:"close"` // "12:00"
}

// ProviderConfig tunes one upstream provider.
type ProviderConfig struct {
	BaseURL string  `yaml:"base_url"`
	WSURL   string  `yaml:"ws_url"`
	RPS     float64 `yaml:"rps"`
	Burst   int     `yaml:"burst"`
	Enabled bool    `yaml:"enabled"`
}

// ConcurrencyConfig tunes the adaptive outbound-call bound.
type ConcurrencyConfig struct {
	MaxConcurrentOperations int           `yaml:"max_concurrent_operations"`
	AdjustInterval          time.Duration `yaml:"adjust_interval"`
	MemoryPressureRatio     float64       `yaml:"memory_pressure_ratio"`
	GrowthCeiling           int           `yaml:"growth_ceiling"`
}

// HTTPConfig tunes the ops surface.
type HTTPConfig struct {
	ListenAddr string `yaml:"listen_addr"`
}

// ShutdownConfig tunes graceful drain.
type ShutdownConfig struct {
	GracefulTimeout time.Duration `yaml:"graceful_timeout"`
}

// Default returns the baseline configuration.
func Default() *Config {
	return &Config{
		Storage: StorageConfig{
			RedisAddr:                 "localhost:6379",
			KeyPrefix:                 "qw",
			MaxKeyLength:              256,
			CompressionThresholdBytes: 2048,
			DefaultTTL:                5 * time.Minute,
			OperationTimeout:          3 * time.Second,
			WritePolicy:               "both",
			ReadThroughRefill:         true,
			Retry: RetryConfig{
				MaxAttempts: 3,
				Base:        100 * time.Millisecond,
				Max:         2 * time.Second,
				Jitter:      true,
			},
			Scan: ScanConfig{
				InitialCount:      100,
				MinCount:          50,
				MaxCount:          1000,
				MaxKeysPrevention: 10000,
				CallTimeout:       2 * time.Second,
				InterBatchDelay:   10 * time.Millisecond,
				FailureThreshold:  5,
				RecoveryTimeout:   30 * time.Second,
				HalfOpenProbes:    3,
			},
		},
		SymbolMap: SymbolMapConfig{
			L1Size:               100,
			L2Size:               10000,
			L3Size:               500,
			MaxSymbolLength:      50,
			MaxBatchSize:         500,
			MaxReconnectDelay:    time.Minute,
			MemoryCheckInterval:  30 * time.Second,
			MemoryHighWaterBytes: 512 << 20,
			MemoryThresholdRatio: 0.7,
		},
		MapperCache: MapperCacheConfig{
			RuleTTL:      10 * time.Minute,
			MaxBatchSize: 100,
		},
		SmartCache: SmartCacheConfig{
			StrongTTL:                 60 * time.Second,
			StrongRefreshRatio:        0.3,
			ForceRefreshInterval:      5 * time.Minute,
			WeakTTL:                   300 * time.Second,
			WeakRefreshRatio:          0.2,
			MinUpdateInterval:         60 * time.Second,
			OpenMarketTTL:             5 * time.Second,
			ClosedMarketTTL:           5 * time.Minute,
			MarketStatusCheckInterval: time.Minute,
			AdaptiveBaseTTL:           60 * time.Second,
			AdaptiveMinTTL:            5 * time.Second,
			AdaptiveMaxTTL:            10 * time.Minute,
			AdaptationFactor:          1.5,
			ChangeDetectionWindow:     8,
			EnableFallback:            true,
			OperationTimeout:          5 * time.Second,
		},
		Stream: StreamConfig{
			OutboundQueueSize:     256,
			ConsecutiveErrorTrip:  5,
			CumulativeErrorTrip:   10,
			BreakerTimeout:        60 * time.Second,
			BreakerHalfOpenProbes: 3,
			HeartbeatWindow:       2 * time.Minute,
			ActivityWindow:        30 * time.Minute,
			DisconnectGrace:       30 * time.Second,
		},
		Recovery: RecoveryConfig{
			MaxRecoveryWindow: 10 * time.Minute,
			BatchSize:         100,
			QPS:               20,
			Burst:             40,
			Workers:           4,
			MaxAttempts:       3,
			RetryStrategy:     "exponential",
			InitialDelay:      500 * time.Millisecond,
			MaxDelay:          10 * time.Second,
			Factor:            2.0,
		},
		Markets: map[string]MarketSchedule{
			"HK": {
				Timezone:    "Asia/Hong_Kong",
				TradingDays: []int{1, 2, 3, 4, 5},
				PreMarket:   &Session{Open: "09:00", Close: "09:30"},
				Sessions: []Session{
					{Open: "09:30", Close: "12:00"},
					{Open: "13:00", Close: "16:00"},
				},
			},
			"US": {
				Timezone:    "America/New_York",
				TradingDays: []int{1, 2, 3, 4, 5},
				PreMarket:   &Session{Open: "04:00", Close: "09:30"},
				Sessions:    []Session{{Open: "09:30", Close: "16:00"}},
				AfterHours:  &Session{Open: "16:00", Close: "20:00"},
			},
			"SH": {
				Timezone:    "Asia/Shanghai",
				TradingDays: []int{1, 2, 3, 4, 5},
				Sessions: []Session{
					{Open: "09:30", Close: "11:30"},
					{Open: "13:00", Close: "15:00"},
				},
			},
			"SZ": {
				Timezone:    "Asia/Shanghai",
				TradingDays: []int{1, 2, 3, 4, 5},
				Sessions: []Session{
					{Open: "09:30", Close: "11:30"},
					{Open: "13:00", Close: "15:00"},
				},
			},
			"SG": {
				Timezone:    "Asia/Singapore",
				TradingDays: []int{1, 2, 3, 4, 5},
				Sessions:    []Session{{Open: "09:00", Close: "17:00"}},
			},
		},
		Providers: map[string]ProviderConfig{
			"longport":   {RPS: 10, Burst: 20, Enabled: true},
			"iex":        {RPS: 8, Burst: 16, Enabled: true},
			"twelvedata": {RPS: 5, Burst: 10, Enabled: true},
		},
		Concurrency: ConcurrencyConfig{
			MaxConcurrentOperations: 16,
			AdjustInterval:          15 * time.Second,
			MemoryPressureRatio:     0.85,
			GrowthCeiling:           32,
		},
		HTTP:     HTTPConfig{ListenAddr: ":8090"},
		Shutdown: ShutdownConfig{GracefulTimeout: 20 * time.Second},
	}
}

// Load reads a YAML file over the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations the pipeline cannot run with.
func (c *Config) Validate() error {
	switch c.Storage.WritePolicy {
	case "cache_only", "persistent_only", "both":
	default:
		return fmt.Errorf("storage.write_policy %q: must be cache_only, persistent_only or both", c.Storage.WritePolicy)
	}
	switch c.Recovery.RetryStrategy {
	case "fixed", "linear", "exponential":
	default:
		return fmt.Errorf("recovery.retry_strategy %q: must be fixed, linear or exponential", c.Recovery.RetryStrategy)
	}
	if c.SmartCache.AdaptationFactor <= 1.0 {
		return fmt.Errorf("smart_cache.adaptation_factor must be > 1.0")
	}
	if c.SymbolMap.L1Size <= 0 || c.SymbolMap.L2Size <= 0 || c.SymbolMap.L3Size <= 0 {
		return fmt.Errorf("symbol_map cache sizes must be positive")
	}
	for market, sched := range c.Markets {
		if _, err := time.LoadLocation(sched.Timezone); err != nil {
			return fmt.Errorf("market %s: bad timezone %q: %w", market, sched.Timezone, err)
		}
	}
	return nil
}
