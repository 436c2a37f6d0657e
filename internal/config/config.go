// Package config provides configuration management for the trading bot.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	yaml "gopkg.in/yaml.v3"

	"github.com/eddiefleurent/straddle_hedger/internal/broker"
	"github.com/eddiefleurent/straddle_hedger/internal/hedge"
	"github.com/eddiefleurent/straddle_hedger/internal/models"
	"github.com/eddiefleurent/straddle_hedger/internal/orders"
	"github.com/eddiefleurent/straddle_hedger/internal/ratelimit"
	"github.com/eddiefleurent/straddle_hedger/internal/reconcile"
	"github.com/eddiefleurent/straddle_hedger/internal/retry"
	"github.com/eddiefleurent/straddle_hedger/internal/straddle"
)

const (
	// defaultTimezone is the exchange timezone
	defaultTimezone = "Asia/Kolkata"
	clockLayout     = "15:04"
	minTick         = 30 * time.Second
	maxTick         = 300 * time.Second
)

// Config represents the complete application configuration.
type Config struct {
	Environment EnvironmentConfig `yaml:"environment"`
	Broker      BrokerConfig      `yaml:"broker"`
	Strategy    StrategyConfig    `yaml:"strategy"`
	Execution   ExecutionConfig   `yaml:"execution"`
	Reconcile   ReconcileConfig   `yaml:"reconcile"`
	Schedule    ScheduleConfig    `yaml:"schedule"`
	Storage     StorageConfig     `yaml:"storage"`
	Dashboard   DashboardConfig   `yaml:"dashboard"`
	Logging     LoggingConfig     `yaml:"logging"`
	Paper       PaperConfig       `yaml:"paper"`
}

// EnvironmentConfig defines the environment settings.
type EnvironmentConfig struct {
	Mode     string `yaml:"mode"`      // paper | live
	LogLevel string `yaml:"log_level"` // debug | info | warn | error
}

// BrokerConfig defines SmartAPI connection settings.
type BrokerConfig struct {
	APIKey         string               `yaml:"api_key"`
	ClientCode     string               `yaml:"client_code"`
	Password       string               `yaml:"password"`
	TOTPSecret     string               `yaml:"totp_secret"`
	Endpoint       string               `yaml:"endpoint"`
	WSEndpoint     string               `yaml:"ws_endpoint"`
	Underlying     string               `yaml:"underlying"`
	Expiry         string               `yaml:"expiry"` // DDMMMYY, e.g. 25NOV25
	Exchange       string               `yaml:"exchange"`
	ProductType    string               `yaml:"product_type"`
	SpotToken      string               `yaml:"spot_token"`
	ScripMaster    string               `yaml:"scrip_master"` // local copy of the instrument master
	CallTimeout    string               `yaml:"call_timeout"`
	LocalIP        string               `yaml:"local_ip"`
	PublicIP       string               `yaml:"public_ip"`
	MACAddress     string               `yaml:"mac_address"`
	RateLimits     map[string]string    `yaml:"rate_limits"` // category -> minimum spacing
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
}

// CircuitBreakerConfig tunes the venue circuit breaker.
type CircuitBreakerConfig struct {
	MaxRequests  uint32  `yaml:"max_requests"`
	Interval     string  `yaml:"interval"`
	Timeout      string  `yaml:"timeout"`
	MinRequests  uint32  `yaml:"min_requests"`
	FailureRatio float64 `yaml:"failure_ratio"`
}

// StrategyConfig defines the straddle and hedge ladder parameters.
type StrategyConfig struct {
	LotSize              int       `yaml:"lot_size"`
	StrikeInterval       int       `yaml:"strike_interval"`
	ScanWindow           int       `yaml:"scan_window"`
	ManualStrike         int       `yaml:"manual_strike"` // first entry only; 0 scans
	HedgeDirection       string    `yaml:"hedge_direction"`
	HedgeTriggers        []float64 `yaml:"hedge_triggers"`
	HardStopPct          float64   `yaml:"hard_stop_pct"`
	ReversalExitPct      float64   `yaml:"reversal_exit_pct"`
	IncludeHedgeInTarget bool      `yaml:"include_hedge_in_target"`
	ForceExitRatio       float64   `yaml:"force_exit_ratio"`
	MinEntryRatio        float64   `yaml:"min_entry_ratio"`
	MinPremium           float64   `yaml:"min_premium"`
	MaxPremiumSpotPct    float64   `yaml:"max_premium_spot_pct"`
	ManualExitCooldown   string    `yaml:"manual_exit_cooldown"`
	OrderType            string    `yaml:"order_type"`
	LimitSlippage        float64   `yaml:"limit_slippage"` // LIMIT orders are priced this fraction through the quote
	TagPrefix            string    `yaml:"tag_prefix"`
}

// ExecutionConfig defines order confirmation and cache timing.
type ExecutionConfig struct {
	FillWait         string `yaml:"fill_wait"`
	CriticalFillWait string `yaml:"critical_fill_wait"`
	CriticalAttempts int    `yaml:"critical_attempts"`
	RetryBackoff     string `yaml:"retry_backoff"`
	MaxRetries       int    `yaml:"max_retries"`
	QuoteTTL         string `yaml:"quote_ttl"`
	PositionTTL      string `yaml:"position_ttl"`
}

// ReconcileConfig defines reconciliation timing.
type ReconcileConfig struct {
	SettleDelay      string `yaml:"settle_delay"`
	Interval         string `yaml:"interval"`
	MaxDiscrepancies int    `yaml:"max_discrepancies"`
}

// ScheduleConfig defines trading schedule and market hours.
type ScheduleConfig struct {
	Timezone          string `yaml:"timezone"`
	TickInterval      string `yaml:"tick_interval"`
	MarketOpen        string `yaml:"market_open"` // "HH:MM"
	MarketClose       string `yaml:"market_close"`
	EntryStart        string `yaml:"entry_start"`
	EntryEnd          string `yaml:"entry_end"`
	SquareOff         string `yaml:"square_off"`
	ReentryWaitTicks  int    `yaml:"reentry_wait_ticks"`
	EmergencyStopFile string `yaml:"emergency_stop_file"`
}

// StorageConfig defines where session state and the audit journal live.
type StorageConfig struct {
	Path    string `yaml:"path"`
	AuditDB string `yaml:"audit_db"`
}

// DashboardConfig defines the operator HTTP surface.
type DashboardConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Listen    string `yaml:"listen"`
	AuthToken string `yaml:"auth_token"`
}

// LoggingConfig defines log file rotation.
type LoggingConfig struct {
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

// PaperConfig seeds the in-process paper venue.
type PaperConfig struct {
	Spot float64 `yaml:"spot"`
}

// Default returns a paper-mode configuration with the standard NIFTY parameters.
func Default() Config {
	return Config{
		Environment: EnvironmentConfig{Mode: "paper", LogLevel: "info"},
		Broker: BrokerConfig{
			Endpoint:    "https://apiconnect.angelone.in",
			WSEndpoint:  broker.DefaultOrderFeedURL,
			Underlying:  "NIFTY",
			Exchange:    "NFO",
			ProductType: "CARRYFORWARD",
			SpotToken:   "99926000",
			CallTimeout: "15s",
			CircuitBreaker: CircuitBreakerConfig{
				MaxRequests:  3,
				Interval:     "60s",
				Timeout:      "30s",
				MinRequests:  5,
				FailureRatio: 0.6,
			},
		},
		Strategy: StrategyConfig{
			LotSize:            65,
			StrikeInterval:     50,
			ScanWindow:         10,
			HedgeDirection:     string(models.BuyLosingSide),
			HedgeTriggers:      []float64{20, 40},
			HardStopPct:        60,
			ReversalExitPct:    10,
			ForceExitRatio:     0.33,
			MinEntryRatio:      0.30,
			MinPremium:         5,
			MaxPremiumSpotPct:  0.10,
			ManualExitCooldown: "60s",
			OrderType:          string(broker.Market),
			LimitSlippage:      0.02,
			TagPrefix:          "straddle",
		},
		Execution: ExecutionConfig{
			FillWait:         "30s",
			CriticalFillWait: "60s",
			CriticalAttempts: 3,
			RetryBackoff:     "2s",
			MaxRetries:       3,
			QuoteTTL:         "60s",
			PositionTTL:      "5s",
		},
		Reconcile: ReconcileConfig{
			SettleDelay:      "5s",
			Interval:         "300s",
			MaxDiscrepancies: 3,
		},
		Schedule: ScheduleConfig{
			Timezone:          defaultTimezone,
			TickInterval:      "60s",
			MarketOpen:        "09:15",
			MarketClose:       "15:30",
			EntryStart:        "09:20",
			EntryEnd:          "14:30",
			SquareOff:         "15:25",
			ReentryWaitTicks:  1,
			EmergencyStopFile: "EMERGENCY_STOP.flag",
		},
		Storage: StorageConfig{
			Path:    "data/session.json",
			AuditDB: "data/audit.db",
		},
		Dashboard: DashboardConfig{Listen: "127.0.0.1:8080"},
		Logging: LoggingConfig{
			File:       "logs/bot.log",
			MaxSizeMB:  50,
			MaxBackups: 5,
			MaxAgeDays: 14,
			Compress:   true,
		},
		Paper: PaperConfig{Spot: 26000},
	}
}

// Load reads and parses the configuration file from the specified path.
// A .env file in the working directory or next to the config file is loaded first;
// variables already set in the environment win.
func Load(configPath string) (*Config, error) {
	if configPath == "" {
		configPath = "config.yaml"
	}
	if err := loadDotEnv(".env", filepath.Join(filepath.Dir(configPath), ".env")); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(configPath) // #nosec G304 -- configPath is a user-provided config file path
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	config := Default()
	dec := yaml.NewDecoder(strings.NewReader(expanded))
	dec.KnownFields(true)
	if err := dec.Decode(&config); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &config, nil
}

func loadDotEnv(paths ...string) error {
	seen := make(map[string]bool)
	for _, p := range paths {
		abs, err := filepath.Abs(p)
		if err != nil || seen[abs] {
			continue
		}
		seen[abs] = true
		if _, err := os.Stat(abs); errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err := godotenv.Load(abs); err != nil {
			return fmt.Errorf("loading %s: %w", p, err)
		}
	}
	return nil
}

// Validate checks that all configuration values are valid and consistent.
func (c *Config) Validate() error {
	// Environment validation
	if c.Environment.Mode != "paper" && c.Environment.Mode != "live" {
		return fmt.Errorf("environment.mode must be 'paper' or 'live'")
	}
	switch c.Environment.LogLevel {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("environment.log_level must be debug, info, warn or error")
	}

	// Broker validation
	if c.IsLive() {
		for name, v := range map[string]string{
			"broker.api_key":      c.Broker.APIKey,
			"broker.client_code":  c.Broker.ClientCode,
			"broker.password":     c.Broker.Password,
			"broker.totp_secret":  c.Broker.TOTPSecret,
			"broker.endpoint":     c.Broker.Endpoint,
			"broker.scrip_master": c.Broker.ScripMaster,
		} {
			if strings.TrimSpace(v) == "" {
				return fmt.Errorf("%s is required in live mode", name)
			}
		}
	}
	if c.Broker.Underlying == "" {
		return fmt.Errorf("broker.underlying is required")
	}
	if _, err := broker.NewSymbolResolver(c.Broker.Underlying, c.Broker.Expiry, nil); err != nil {
		return fmt.Errorf("broker.expiry: %w", err)
	}
	for cat, v := range c.Broker.RateLimits {
		if !knownCategory(ratelimit.Category(cat)) {
			return fmt.Errorf("broker.rate_limits: unknown category %q", cat)
		}
		if d, err := time.ParseDuration(v); err != nil || d < 0 {
			return fmt.Errorf("broker.rate_limits.%s invalid: %q", cat, v)
		}
	}
	if r := c.Broker.CircuitBreaker.FailureRatio; r <= 0 || r > 1 {
		return fmt.Errorf("broker.circuit_breaker.failure_ratio must be in (0,1]")
	}

	// Strategy validation
	if c.Strategy.StrikeInterval <= 0 {
		return fmt.Errorf("strategy.strike_interval must be > 0")
	}
	if c.Strategy.ScanWindow <= 0 {
		return fmt.Errorf("strategy.scan_window must be > 0")
	}
	if c.Strategy.ManualStrike < 0 || c.Strategy.ManualStrike%c.Strategy.StrikeInterval != 0 {
		return fmt.Errorf("strategy.manual_strike must be 0 or a multiple of strike_interval")
	}
	if err := c.LegConfig().Validate(); err != nil {
		return fmt.Errorf("strategy: %w", err)
	}
	if c.Strategy.ForceExitRatio <= 0 || c.Strategy.ForceExitRatio >= 1 {
		return fmt.Errorf("strategy.force_exit_ratio must be in (0,1)")
	}
	if c.Strategy.MinEntryRatio < 0 || c.Strategy.MinEntryRatio >= 1 {
		return fmt.Errorf("strategy.min_entry_ratio must be in [0,1)")
	}
	if c.Strategy.MinPremium < 0 {
		return fmt.Errorf("strategy.min_premium must be >= 0")
	}
	if c.Strategy.MaxPremiumSpotPct <= 0 || c.Strategy.MaxPremiumSpotPct > 1 {
		return fmt.Errorf("strategy.max_premium_spot_pct must be in (0,1]")
	}
	switch broker.OrderType(c.Strategy.OrderType) {
	case broker.Market, broker.Limit:
	default:
		return fmt.Errorf("strategy.order_type must be MARKET or LIMIT")
	}
	if c.Strategy.LimitSlippage < 0 || c.Strategy.LimitSlippage >= 1 {
		return fmt.Errorf("strategy.limit_slippage must be in [0,1)")
	}
	if c.Strategy.TagPrefix == "" {
		return fmt.Errorf("strategy.tag_prefix is required")
	}

	// Execution validation
	if c.Execution.CriticalAttempts <= 0 {
		return fmt.Errorf("execution.critical_attempts must be > 0")
	}
	if c.Execution.MaxRetries < 0 {
		return fmt.Errorf("execution.max_retries must be >= 0")
	}
	if c.Reconcile.MaxDiscrepancies <= 0 {
		return fmt.Errorf("reconcile.max_discrepancies must be > 0")
	}

	durations := []struct {
		name string
		v    string
	}{
		{"broker.call_timeout", c.Broker.CallTimeout},
		{"broker.circuit_breaker.interval", c.Broker.CircuitBreaker.Interval},
		{"broker.circuit_breaker.timeout", c.Broker.CircuitBreaker.Timeout},
		{"strategy.manual_exit_cooldown", c.Strategy.ManualExitCooldown},
		{"execution.fill_wait", c.Execution.FillWait},
		{"execution.critical_fill_wait", c.Execution.CriticalFillWait},
		{"execution.retry_backoff", c.Execution.RetryBackoff},
		{"execution.quote_ttl", c.Execution.QuoteTTL},
		{"execution.position_ttl", c.Execution.PositionTTL},
		{"reconcile.settle_delay", c.Reconcile.SettleDelay},
		{"reconcile.interval", c.Reconcile.Interval},
		{"schedule.tick_interval", c.Schedule.TickInterval},
	}
	for _, d := range durations {
		v, err := time.ParseDuration(d.v)
		if err != nil {
			return fmt.Errorf("%s invalid: %w", d.name, err)
		}
		if v < 0 {
			return fmt.Errorf("%s must be >= 0", d.name)
		}
	}

	// Schedule validation
	if tick := c.TickInterval(); tick < minTick || tick > maxTick {
		return fmt.Errorf("schedule.tick_interval must be between %v and %v", minTick, maxTick)
	}
	if c.Schedule.ReentryWaitTicks < 0 {
		return fmt.Errorf("schedule.reentry_wait_ticks must be >= 0")
	}
	if c.Schedule.Timezone != "" {
		if _, err := time.LoadLocation(c.Schedule.Timezone); err != nil && c.Schedule.Timezone != defaultTimezone {
			return fmt.Errorf("schedule.timezone invalid: %w", err)
		}
	}
	clocks := []struct {
		name string
		v    string
	}{
		{"schedule.market_open", c.Schedule.MarketOpen},
		{"schedule.entry_start", c.Schedule.EntryStart},
		{"schedule.entry_end", c.Schedule.EntryEnd},
		{"schedule.square_off", c.Schedule.SquareOff},
		{"schedule.market_close", c.Schedule.MarketClose},
	}
	prev := -1
	for _, cl := range clocks {
		m, err := minuteOfDay(cl.v)
		if err != nil {
			return fmt.Errorf("%s invalid: %w", cl.name, err)
		}
		if m < prev {
			return fmt.Errorf("schedule: %s (%s) is out of order", cl.name, cl.v)
		}
		prev = m
	}
	if c.Schedule.EntryStart == c.Schedule.EntryEnd || c.Schedule.MarketOpen == c.Schedule.MarketClose {
		return fmt.Errorf("schedule trading window invalid (start/end parse/order)")
	}

	// Storage and dashboard validation
	if c.Storage.Path == "" {
		return fmt.Errorf("storage.path is required")
	}
	if c.Dashboard.Enabled && c.Dashboard.Listen == "" {
		return fmt.Errorf("dashboard.listen is required when the dashboard is enabled")
	}
	if c.IsPaperTrading() && c.Paper.Spot <= 0 {
		return fmt.Errorf("paper.spot must be > 0 in paper mode")
	}
	return nil
}

// IsPaperTrading returns true if the bot is configured for paper trading.
func (c *Config) IsPaperTrading() bool {
	return c.Environment.Mode == "paper"
}

// IsLive returns true if orders go to the real venue.
func (c *Config) IsLive() bool {
	return c.Environment.Mode == "live"
}

// Location returns the schedule timezone, falling back to a fixed IST offset on minimal systems.
func (c *Config) Location() *time.Location {
	tz := c.Schedule.Timezone
	if tz == "" {
		tz = defaultTimezone
	}
	if loc, err := time.LoadLocation(tz); err == nil {
		return loc
	}
	return time.FixedZone("IST", 5*60*60+30*60)
}

// TickInterval returns the evaluation period.
func (c *Config) TickInterval() time.Duration {
	return parseDuration(c.Schedule.TickInterval, time.Minute)
}

// IsMarketOpen reports whether now falls on a weekday between market open (inclusive) and close (exclusive).
func (c *Config) IsMarketOpen(now time.Time) bool {
	return c.within(now, c.Schedule.MarketOpen, c.Schedule.MarketClose, "09:15", "15:30")
}

// InEntryWindow reports whether a new straddle may be opened at now.
func (c *Config) InEntryWindow(now time.Time) bool {
	return c.within(now, c.Schedule.EntryStart, c.Schedule.EntryEnd, "09:20", "14:30")
}

// IsSquareOffTime reports whether open positions must be closed for the day.
func (c *Config) IsSquareOffTime(now time.Time) bool {
	return c.IsMarketOpen(now) && !c.within(now, c.Schedule.MarketOpen, c.Schedule.SquareOff, "09:15", "15:25")
}

func (c *Config) within(now time.Time, from, to, defFrom, defTo string) bool {
	today := now.In(c.Location())

	// Only allow Monday–Friday trading
	if today.Weekday() == time.Saturday || today.Weekday() == time.Sunday {
		return false
	}

	start, err1 := minuteOfDay(from)
	end, err2 := minuteOfDay(to)
	if err1 != nil || err2 != nil {
		// Safe defaults if misconfigured
		start, _ = minuteOfDay(defFrom)
		end, _ = minuteOfDay(defTo)
	}
	m := today.Hour()*60 + today.Minute()

	// Inclusive start, exclusive end
	return m >= start && m < end
}

// LegConfig returns the per-leg hedge ladder.
func (c *Config) LegConfig() models.LegConfig {
	return models.LegConfig{
		Direction:          models.HedgeDirection(c.Strategy.HedgeDirection),
		TriggerPcts:        append([]float64(nil), c.Strategy.HedgeTriggers...),
		LotSize:            c.Strategy.LotSize,
		HardStopPct:        c.Strategy.HardStopPct,
		ReversalExitPct:    c.Strategy.ReversalExitPct,
		ManualExitCooldown: parseDuration(c.Strategy.ManualExitCooldown, time.Minute),
	}
}

// StraddleConfig returns the orchestrator parameters.
func (c *Config) StraddleConfig() straddle.Config {
	return straddle.Config{
		Leg:               c.LegConfig(),
		OrderType:         broker.OrderType(c.Strategy.OrderType),
		LimitSlippage:     c.Strategy.LimitSlippage,
		TagPrefix:         c.Strategy.TagPrefix,
		StrikeInterval:    c.Strategy.StrikeInterval,
		ScanWindow:        c.Strategy.ScanWindow,
		ForceExitRatio:    c.Strategy.ForceExitRatio,
		MinEntryRatio:     c.Strategy.MinEntryRatio,
		MinPremium:        c.Strategy.MinPremium,
		MaxPremiumSpotPct: c.Strategy.MaxPremiumSpotPct,
		FillWait:          parseDuration(c.Execution.FillWait, 30*time.Second),
		CriticalFillWait:  parseDuration(c.Execution.CriticalFillWait, time.Minute),
		CriticalAttempts:  c.Execution.CriticalAttempts,
		RetryBackoff:      parseDuration(c.Execution.RetryBackoff, 2*time.Second),
	}
}

// HedgeConfig returns the decision engine parameters.
func (c *Config) HedgeConfig() hedge.Config {
	return hedge.Config{
		Direction:            models.HedgeDirection(c.Strategy.HedgeDirection),
		IncludeHedgeInTarget: c.Strategy.IncludeHedgeInTarget,
	}
}

// ReconcileEngineConfig returns the reconciliation timing.
func (c *Config) ReconcileEngineConfig() reconcile.Config {
	d := reconcile.DefaultConfig()
	return reconcile.Config{
		SettleDelay:      parseDuration(c.Reconcile.SettleDelay, d.SettleDelay),
		Interval:         parseDuration(c.Reconcile.Interval, d.Interval),
		MaxDiscrepancies: c.Reconcile.MaxDiscrepancies,
	}
}

// OrdersConfig returns the gateway timing and retry policy.
func (c *Config) OrdersConfig() orders.Config {
	cfg := orders.DefaultConfig
	cfg.CallTimeout = parseDuration(c.Broker.CallTimeout, cfg.CallTimeout)
	cfg.PositionTTL = parseDuration(c.Execution.PositionTTL, cfg.PositionTTL)
	cfg.Retry = retry.DefaultConfig
	cfg.Retry.MaxRetries = c.Execution.MaxRetries
	return cfg
}

// QuoteRetryConfig bounds quote retries so a tick is never held for long.
func (c *Config) QuoteRetryConfig() retry.Config {
	return retry.Config{
		MaxRetries:     1,
		InitialBackoff: time.Second,
		MaxBackoff:     2 * time.Second,
		RateLimitWait:  2 * time.Second,
		Timeout:        2 * parseDuration(c.Broker.CallTimeout, orders.DefaultConfig.CallTimeout),
	}
}

// QuoteTTL returns how long a cached quote stays fresh.
func (c *Config) QuoteTTL() time.Duration {
	return parseDuration(c.Execution.QuoteTTL, time.Minute)
}

// RateLimits returns the per-category spacing overrides.
func (c *Config) RateLimits() map[ratelimit.Category]time.Duration {
	out := make(map[ratelimit.Category]time.Duration, len(c.Broker.RateLimits))
	for cat, v := range c.Broker.RateLimits {
		if d, err := time.ParseDuration(v); err == nil {
			out[ratelimit.Category(cat)] = d
		}
	}
	return out
}

// CircuitBreakerSettings returns the venue breaker settings.
func (c *Config) CircuitBreakerSettings() broker.CircuitBreakerSettings {
	d := broker.DefaultCircuitBreakerSettings
	cb := c.Broker.CircuitBreaker
	return broker.CircuitBreakerSettings{
		MaxRequests:  cb.MaxRequests,
		Interval:     parseDuration(cb.Interval, d.Interval),
		Timeout:      parseDuration(cb.Timeout, d.Timeout),
		MinRequests:  cb.MinRequests,
		FailureRatio: cb.FailureRatio,
	}
}

// RESTConfig returns the SmartAPI client settings.
func (c *Config) RESTConfig() broker.RESTConfig {
	return broker.RESTConfig{
		BaseURL:      c.Broker.Endpoint,
		APIKey:       c.Broker.APIKey,
		ClientCode:   c.Broker.ClientCode,
		Password:     c.Broker.Password,
		TOTPSecret:   c.Broker.TOTPSecret,
		Exchange:     c.Broker.Exchange,
		ProductType:  c.Broker.ProductType,
		SpotExchange: "NSE",
		SpotSymbol:   c.Broker.Underlying,
		SpotToken:    c.Broker.SpotToken,
		LocalIP:      c.Broker.LocalIP,
		PublicIP:     c.Broker.PublicIP,
		MACAddress:   c.Broker.MACAddress,
		Timeout:      parseDuration(c.Broker.CallTimeout, 15*time.Second),
	}
}

// OrderFeedConfig returns the order-update stream settings.
func (c *Config) OrderFeedConfig() broker.OrderFeedConfig {
	return broker.OrderFeedConfig{
		URL:        c.Broker.WSEndpoint,
		APIKey:     c.Broker.APIKey,
		ClientCode: c.Broker.ClientCode,
	}
}

func knownCategory(cat ratelimit.Category) bool {
	_, ok := ratelimit.DefaultSpacing[cat]
	return ok
}

func minuteOfDay(clock string) (int, error) {
	t, err := time.Parse(clockLayout, clock)
	if err != nil {
		return 0, err
	}
	return t.Hour()*60 + t.Minute(), nil
}

func parseDuration(s string, def time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		return def
	}
	return d
}
