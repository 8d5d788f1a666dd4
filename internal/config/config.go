// Package config defines all configuration for the terminal backend.
// Config is loaded from a YAML file (default: configs/config.yaml) with
// sensitive fields overridable via TERM_* environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the top-level configuration. Maps directly to the YAML file structure.
type Config struct {
	Vendor   VendorConfig   `mapstructure:"vendor"`
	Feed     FeedConfig     `mapstructure:"feed"`
	Chain    ChainConfig    `mapstructure:"chain"`
	Exec     ExecConfig     `mapstructure:"exec"`
	Registry RegistryConfig `mapstructure:"registry"`
	Store    StoreConfig    `mapstructure:"store"`
	API      APIConfig      `mapstructure:"api"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// VendorConfig holds the market-data vendor endpoints and credentials.
// AccessToken and ClientID are sent as headers on every REST call; they can
// also be rotated at runtime from the dhan_credentials table.
type VendorConfig struct {
	RESTBaseURL  string        `mapstructure:"rest_base_url"`
	WSURL        string        `mapstructure:"ws_url"`
	AccessToken  string        `mapstructure:"access_token"`
	ClientID     string        `mapstructure:"client_id"`
	QuoteTimeout time.Duration `mapstructure:"quote_timeout"` // default 10s
	DataTimeout  time.Duration `mapstructure:"data_timeout"`  // default 15s
}

// FeedConfig tunes the live feed ingestor and the subscription fabric.
//
//   - Shards: number of vendor websocket connections (N).
//   - ShardCapacity: max tokens per shard (K).
//   - BackoffBase/BackoffMax: reconnect ladder, base doubling up to max.
//   - MaxFailures: consecutive connect failures before COOLDOWN.
//   - Cooldown: how long the ingestor stays down after MaxFailures.
//   - MaxTargets: global desired-set cap; critical symbols retained first.
//   - CriticalSymbols: index names placed before all others when trimming.
//   - LockPort: loopback TCP port used as the process-singleton lock.
type FeedConfig struct {
	Shards          int           `mapstructure:"shards"`
	ShardCapacity   int           `mapstructure:"shard_capacity"`
	BackoffBase     time.Duration `mapstructure:"backoff_base"`
	BackoffMax      time.Duration `mapstructure:"backoff_max"`
	MaxFailures     int           `mapstructure:"max_failures"`
	Cooldown        time.Duration `mapstructure:"cooldown"`
	MaxTargets      int           `mapstructure:"max_targets"`
	CriticalSymbols []string      `mapstructure:"critical_symbols"`
	LockPort        int           `mapstructure:"lock_port"`
	AlertMinGap     time.Duration `mapstructure:"alert_min_gap"` // admin alert dedup window
	EODTime         string        `mapstructure:"eod_time"`      // "HH:MM" IST, Tier-A cleanup
}

// ChainConfig tunes the option-chain cache.
//
//   - IndexWindow/WideIndexWindow/StockWindow/MCXWindow: strikes kept on
//     each side of ATM per instrument family.
//   - WideIndexUnderlyings: large-cap underlyings that get the wide window.
//   - WeeklyExpiryDay: per-underlying expiry weekday ("TUE", "THU", ...).
//   - MonthlyOnly: underlyings that list only monthly expiries.
//   - SynthInterval: minimum gap between synthesis passes per chain side.
//   - WarmupInterval: minimum gap between on-demand REST refreshes.
type ChainConfig struct {
	Underlyings          []string          `mapstructure:"underlyings"` // bootstrapped at startup
	IndexWindow          int               `mapstructure:"index_window"`
	WideIndexWindow      int               `mapstructure:"wide_index_window"`
	StockWindow          int               `mapstructure:"stock_window"`
	MCXWindow            int               `mapstructure:"mcx_window"`
	WideIndexUnderlyings []string          `mapstructure:"wide_index_underlyings"`
	WeeklyExpiryDay      map[string]string `mapstructure:"weekly_expiry_day"`
	MonthlyOnly          []string          `mapstructure:"monthly_only"`
	SynthInterval        time.Duration     `mapstructure:"synth_interval"`
	WarmupInterval       time.Duration     `mapstructure:"warmup_interval"`
}

// ExecConfig tunes the execution engine.
//
// Latency is drawn per order from a Gamma-like distribution with per-exchange
// shape/scale (milliseconds). Slippage per unit is
// alpha*spread + beta*(qty/topQty)^gamma.
type ExecConfig struct {
	LatencyShape   map[string]float64       `mapstructure:"latency_shape"` // keyed by exchange
	LatencyScaleMS map[string]float64       `mapstructure:"latency_scale_ms"`
	SlippageAlpha  float64                  `mapstructure:"slippage_alpha"`
	SlippageBeta   float64                  `mapstructure:"slippage_beta"`
	SlippageGamma  float64                  `mapstructure:"slippage_gamma"`
	SweepInterval  time.Duration            `mapstructure:"sweep_interval"`
	FillTimeout    map[string]time.Duration `mapstructure:"fill_timeout"` // per exchange
}

// RegistryConfig points at the provider scrip master and curated lists.
type RegistryConfig struct {
	ScripMasterPath string   `mapstructure:"scrip_master_path"`
	Equities        []string `mapstructure:"equities"`  // curated NSE equity universe
	MCXWatch        []string `mapstructure:"mcx_watch"` // curated MCX futures set
}

// StoreConfig sets where the sqlite database lives.
type StoreConfig struct {
	Path string `mapstructure:"path"`
}

// APIConfig controls the HTTP/WebSocket surface.
type APIConfig struct {
	Enabled        bool     `mapstructure:"enabled"`
	Port           int      `mapstructure:"port"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads config from a YAML file with env var overrides.
// Sensitive fields use env vars: TERM_ACCESS_TOKEN, TERM_CLIENT_ID.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("TERM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// Override sensitive fields from env
	if tok := os.Getenv("TERM_ACCESS_TOKEN"); tok != "" {
		cfg.Vendor.AccessToken = tok
	}
	if id := os.Getenv("TERM_CLIENT_ID"); id != "" {
		cfg.Vendor.ClientID = id
	}

	cfg.applyDefaults()
	cfg.applyEnvOverrides()

	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Feed.Shards == 0 {
		c.Feed.Shards = 5
	}
	if c.Feed.ShardCapacity == 0 {
		c.Feed.ShardCapacity = 5000
	}
	if c.Feed.BackoffBase == 0 {
		c.Feed.BackoffBase = 5 * time.Second
	}
	if c.Feed.BackoffMax == 0 {
		c.Feed.BackoffMax = 120 * time.Second
	}
	if c.Feed.MaxFailures == 0 {
		c.Feed.MaxFailures = 10
	}
	if c.Feed.Cooldown == 0 {
		c.Feed.Cooldown = 660 * time.Second
	}
	if c.Feed.MaxTargets == 0 {
		c.Feed.MaxTargets = 300
	}
	if c.Feed.AlertMinGap == 0 {
		c.Feed.AlertMinGap = 5 * time.Minute
	}
	if c.Feed.EODTime == "" {
		c.Feed.EODTime = "15:35"
	}
	if len(c.Chain.Underlyings) == 0 {
		c.Chain.Underlyings = []string{"NIFTY", "BANKNIFTY"}
	}
	if c.Chain.IndexWindow == 0 {
		c.Chain.IndexWindow = 25
	}
	if c.Chain.WideIndexWindow == 0 {
		c.Chain.WideIndexWindow = 50
	}
	if c.Chain.StockWindow == 0 {
		c.Chain.StockWindow = 12
	}
	if c.Chain.MCXWindow == 0 {
		c.Chain.MCXWindow = 5
	}
	if c.Chain.SynthInterval == 0 {
		c.Chain.SynthInterval = 5 * time.Second
	}
	if c.Chain.WarmupInterval == 0 {
		c.Chain.WarmupInterval = 20 * time.Second
	}
	if c.Exec.SweepInterval == 0 {
		c.Exec.SweepInterval = time.Second
	}
	if c.Exec.SlippageGamma == 0 {
		c.Exec.SlippageGamma = 1.0
	}
	if c.Vendor.QuoteTimeout == 0 {
		c.Vendor.QuoteTimeout = 10 * time.Second
	}
	if c.Vendor.DataTimeout == 0 {
		c.Vendor.DataTimeout = 15 * time.Second
	}
}

// applyEnvOverrides honors the operational environment flags shared with the
// deployment tooling. These are plain env vars, not TERM_-prefixed.
func (c *Config) applyEnvOverrides() {
	if n := envInt("LIVE_FEED_MAX_TARGETS"); n > 0 {
		c.Feed.MaxTargets = n
	}
	if n := envInt("LIVE_FEED_COOLDOWN_SECONDS"); n > 0 {
		c.Feed.Cooldown = time.Duration(n) * time.Second
	}
	if n := envInt("LIVE_FEED_LOCK_PORT"); n > 0 {
		c.Feed.LockPort = n
	}
}

// FeedDisabled reports whether any of the environment kill flags forbids
// outbound vendor connections.
func FeedDisabled() bool {
	for _, key := range []string{"DISABLE_DHAN_WS", "BACKEND_OFFLINE", "DISABLE_MARKET_STREAMS"} {
		if truthy(os.Getenv(key)) {
			return true
		}
	}
	return false
}

func truthy(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}

func envInt(key string) int {
	v := os.Getenv(key)
	if v == "" {
		return 0
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0
	}
	return n
}

// Validate checks all required fields and value ranges.
func (c *Config) Validate() error {
	if c.Vendor.RESTBaseURL == "" {
		return fmt.Errorf("vendor.rest_base_url is required")
	}
	if c.Vendor.WSURL == "" {
		return fmt.Errorf("vendor.ws_url is required")
	}
	if c.Vendor.AccessToken == "" {
		return fmt.Errorf("vendor.access_token is required (set TERM_ACCESS_TOKEN)")
	}
	if c.Vendor.ClientID == "" {
		return fmt.Errorf("vendor.client_id is required (set TERM_CLIENT_ID)")
	}
	if c.Registry.ScripMasterPath == "" {
		return fmt.Errorf("registry.scrip_master_path is required")
	}
	if c.Store.Path == "" {
		return fmt.Errorf("store.path is required")
	}
	if c.Feed.Shards < 1 || c.Feed.Shards > 16 {
		return fmt.Errorf("feed.shards must be in 1..16, got %d", c.Feed.Shards)
	}
	if c.Feed.ShardCapacity < 1 {
		return fmt.Errorf("feed.shard_capacity must be > 0")
	}
	if c.Exec.SlippageAlpha < 0 || c.Exec.SlippageBeta < 0 {
		return fmt.Errorf("exec slippage coefficients must be >= 0")
	}
	return nil
}
