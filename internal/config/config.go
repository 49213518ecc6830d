// Package config defines the top-level configuration for the ammhedge service
// and provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/alanyoungcy/ammhedge/internal/domain"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by AMMHEDGE_* environment variables.
type Config struct {
	Wallet     WalletConfig     `toml:"wallet"`
	Polymarket PolymarketConfig `toml:"polymarket"`
	Postgres   PostgresConfig   `toml:"postgres"`
	Redis      RedisConfig      `toml:"redis"`
	S3         S3Config         `toml:"s3"`
	Hedge      HedgeConfig      `toml:"hedge"`
	Risk       RiskConfig       `toml:"risk"`
	Feed       FeedConfig       `toml:"feed"`
	Settlement SettlementConfig `toml:"settlement"`
	Reconcile  ReconcileConfig  `toml:"reconcile"`
	Server     ServerConfig     `toml:"server"`
	Notify     NotifyConfig     `toml:"notify"`
	Mode       string           `toml:"mode"`
	LogLevel   string           `toml:"log_level"`
}

// WalletConfig holds the hedging wallet credentials.
type WalletConfig struct {
	PrivateKey       string `toml:"private_key"`
	SafeAddress      string `toml:"safe_address"`
	EncryptedKeyPath string `toml:"encrypted_key_path"`
	KeyPassword      string `toml:"key_password"`
}

// PolymarketConfig holds reference venue endpoints, chain parameters and
// optional pre-provisioned L2 API credentials.
type PolymarketConfig struct {
	ClobHost          string  `toml:"clob_host"`
	GammaHost         string  `toml:"gamma_host"`
	WsHost            string  `toml:"ws_host"`
	ChainID           int     `toml:"chain_id"`
	SignatureType     int     `toml:"signature_type"`
	ApiKey            string  `toml:"api_key"`
	ApiSecret         string  `toml:"api_secret"`
	ApiPassphrase     string  `toml:"api_passphrase"`
	RequestsPerSecond float64 `toml:"requests_per_second"`
}

// PostgresConfig holds PostgreSQL connection parameters.
type PostgresConfig struct {
	DSN           string `toml:"dsn"`
	Host          string `toml:"host"`
	Port          int    `toml:"port"`
	Database      string `toml:"database"`
	User          string `toml:"user"`
	Password      string `toml:"password"`
	SSLMode       string `toml:"ssl_mode"`
	PoolMaxConns  int    `toml:"pool_max_conns"`
	PoolMinConns  int    `toml:"pool_min_conns"`
	RunMigrations bool   `toml:"run_migrations"`
}

// RedisConfig holds Redis connection parameters.
type RedisConfig struct {
	Addr       string `toml:"addr"`
	Password   string `toml:"password"`
	DB         int    `toml:"db"`
	PoolSize   int    `toml:"pool_size"`
	MaxRetries int    `toml:"max_retries"`
	TLSEnabled bool   `toml:"tls_enabled"`
}

// S3Config holds S3-compatible object storage parameters.
type S3Config struct {
	Enabled        bool   `toml:"enabled"`
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	ForcePathStyle bool   `toml:"force_path_style"`
}

// HedgeConfig seeds the persisted domain.HedgeConfig and holds the executor
// knobs that are not operator-editable at runtime.
type HedgeConfig struct {
	Enabled             bool     `toml:"enabled"`
	Paper               bool     `toml:"paper"`
	MinSpreadBps        float64  `toml:"min_spread_bps"`
	MarkupBps           float64  `toml:"markup_bps"`
	MaxSlippageBps      float64  `toml:"max_slippage_bps"`
	MaxUnhedgedExposure float64  `toml:"max_unhedged_exposure"`
	MaxPositionSize     float64  `toml:"max_position_size"`
	HedgeTimeout        duration `toml:"hedge_timeout"`
	RetryAttempts       int      `toml:"retry_attempts"`
	RetryBaseDelay      duration `toml:"retry_base_delay"`
	FeeRate             float64  `toml:"fee_rate"`
	OverheadPerTrade    float64  `toml:"overhead_per_trade"`
	MaxQuoteAge         duration `toml:"max_quote_age"`
	PollInterval        duration `toml:"poll_interval"`
}

// Domain converts the file representation into the persisted record.
func (h HedgeConfig) Domain() domain.HedgeConfig {
	return domain.HedgeConfig{
		Enabled:             h.Enabled,
		MinSpreadBps:        h.MinSpreadBps,
		MarkupBps:           h.MarkupBps,
		MaxSlippageBps:      h.MaxSlippageBps,
		MaxUnhedgedExposure: h.MaxUnhedgedExposure,
		MaxPositionSize:     h.MaxPositionSize,
		HedgeTimeoutMs:      h.HedgeTimeout.Milliseconds(),
		RetryAttempts:       h.RetryAttempts,
		FeeRate:             h.FeeRate,
		OverheadPerTrade:    h.OverheadPerTrade,
		MaxQuoteAgeMs:       h.MaxQuoteAge.Milliseconds(),
	}
}

// RiskConfig configures the circuit breaker and the snapshot loop.
type RiskConfig struct {
	Window           int      `toml:"window"`
	FailureThreshold float64  `toml:"failure_threshold"`
	MinFailures      int      `toml:"min_failures"`
	MaxExposure      float64  `toml:"max_exposure"`
	Cooldown         duration `toml:"cooldown"`
	MaxCooldown      duration `toml:"max_cooldown"`
	SnapshotInterval duration `toml:"snapshot_interval"`
}

// FeedConfig configures the reference price ingestion worker.
type FeedConfig struct {
	RefreshInterval duration `toml:"refresh_interval"`
	BucketWidth     duration `toml:"bucket_width"`
	Retention       duration `toml:"retention"`
	ArchiveSchedule string   `toml:"archive_schedule"`
}

// SettlementConfig configures market resolution payouts.
type SettlementConfig struct {
	FeeRate float64 `toml:"fee_rate"`
}

// ReconcileConfig configures the periodic reconciliation sweep.
type ReconcileConfig struct {
	Schedule   string   `toml:"schedule"`
	LockTTL    duration `toml:"lock_ttl"`
	RunOnStart bool     `toml:"run_on_start"`
}

// duration is a wrapper around time.Duration that supports TOML string decoding
// (e.g. "5m", "30s").
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler so the TOML decoder can
// parse duration strings like "5m" or "30s".
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler for round-trip encoding.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// ServerConfig holds HTTP server parameters.
type ServerConfig struct {
	Enabled         bool     `toml:"enabled"`
	Port            int      `toml:"port"`
	CORSOrigins     []string `toml:"cors_origins"`
	APIKeys         []string `toml:"api_keys"`
	TradeRateLimit  int      `toml:"trade_rate_limit"`
	TradeRateWindow duration `toml:"trade_rate_window"`
}

// NotifyConfig holds operator alert channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
}

// Defaults returns a Config populated with reasonable default values.
func Defaults() Config {
	return Config{
		Polymarket: PolymarketConfig{
			ClobHost:          "https://clob.polymarket.com",
			GammaHost:         "https://gamma-api.polymarket.com",
			WsHost:            "wss://ws-subscriptions-clob.polymarket.com",
			ChainID:           137,
			SignatureType:     2,
			RequestsPerSecond: 5,
		},
		Postgres: PostgresConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "postgres",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			Addr:       "localhost:6379",
			PoolSize:   20,
			MaxRetries: 3,
		},
		S3: S3Config{
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "ammhedge-archive",
			ForcePathStyle: true,
		},
		Hedge: HedgeConfig{
			Enabled:             true,
			MinSpreadBps:        200,
			MaxSlippageBps:      50,
			MaxUnhedgedExposure: 5_000,
			MaxPositionSize:     1_000,
			HedgeTimeout:        duration{5 * time.Second},
			RetryAttempts:       2,
			RetryBaseDelay:      duration{250 * time.Millisecond},
			FeeRate:             0.0,
			OverheadPerTrade:    0.0,
			MaxQuoteAge:         duration{30 * time.Second},
			PollInterval:        duration{250 * time.Millisecond},
		},
		Risk: RiskConfig{
			Window:           20,
			FailureThreshold: 0.25,
			MinFailures:      3,
			MaxExposure:      20_000,
			Cooldown:         duration{30 * time.Second},
			MaxCooldown:      duration{10 * time.Minute},
			SnapshotInterval: duration{time.Minute},
		},
		Feed: FeedConfig{
			RefreshInterval: duration{5 * time.Minute},
			BucketWidth:     duration{time.Minute},
			Retention:       duration{30 * 24 * time.Hour},
			ArchiveSchedule: "0 30 3 * * *",
		},
		Settlement: SettlementConfig{
			FeeRate: 0.02,
		},
		Reconcile: ReconcileConfig{
			Schedule:   "@every 5m",
			LockTTL:    duration{4 * time.Minute},
			RunOnStart: true,
		},
		Server: ServerConfig{
			Enabled:         true,
			Port:            8080,
			CORSOrigins:     []string{"*"},
			TradeRateLimit:  30,
			TradeRateWindow: duration{time.Minute},
		},
		Notify: NotifyConfig{
			Events: []string{
				domain.AlertBreaker, domain.AlertCommitFailed, domain.AlertUnwindFailed,
				domain.AlertOrphanOrder, domain.AlertResolved, domain.AlertCancelled,
			},
		},
		Mode:     "full",
		LogLevel: "info",
	}
}

var validModes = map[string]bool{
	"full":      true,
	"ingest":    true,
	"api":       true,
	"reconcile": true,
}

var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// NeedsWallet reports whether the configured mode talks to the live venue
// with signed requests.
func (c *Config) NeedsWallet() bool {
	if c.Hedge.Paper || !c.Hedge.Enabled {
		return false
	}
	return c.Mode == "full" || c.Mode == "api" || c.Mode == "reconcile"
}

// Validate checks the configuration for logical errors and returns a combined
// error describing every problem found, or nil if the config is valid.
func (c *Config) Validate() error {
	var errs []string

	if !validModes[strings.ToLower(c.Mode)] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: full, ingest, api, reconcile)", c.Mode))
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	if c.NeedsWallet() {
		if c.Wallet.PrivateKey == "" && c.Wallet.EncryptedKeyPath == "" {
			errs = append(errs, "wallet: either private_key or encrypted_key_path must be set for mode "+c.Mode)
		}
		if c.Wallet.EncryptedKeyPath != "" && c.Wallet.KeyPassword == "" {
			errs = append(errs, "wallet: key_password is required when encrypted_key_path is set")
		}
	}

	if c.Polymarket.ClobHost == "" {
		errs = append(errs, "polymarket: clob_host must not be empty")
	}
	if c.Polymarket.WsHost == "" {
		errs = append(errs, "polymarket: ws_host must not be empty")
	}
	if c.Polymarket.ChainID <= 0 {
		errs = append(errs, "polymarket: chain_id must be positive")
	}
	if c.Polymarket.SignatureType < 0 || c.Polymarket.SignatureType > 2 {
		errs = append(errs, fmt.Sprintf("polymarket: signature_type must be 0, 1 or 2, got %d", c.Polymarket.SignatureType))
	}
	if c.Polymarket.RequestsPerSecond <= 0 {
		errs = append(errs, "polymarket: requests_per_second must be > 0")
	}

	if strings.TrimSpace(c.Postgres.DSN) == "" {
		if c.Postgres.Host == "" {
			errs = append(errs, "postgres: host must not be empty (or set postgres.dsn)")
		}
		if c.Postgres.Port <= 0 || c.Postgres.Port > 65535 {
			errs = append(errs, fmt.Sprintf("postgres: port must be 1-65535, got %d", c.Postgres.Port))
		}
	}
	if c.Postgres.PoolMaxConns < 1 {
		errs = append(errs, "postgres: pool_max_conns must be >= 1")
	}
	if c.Postgres.PoolMinConns > c.Postgres.PoolMaxConns {
		errs = append(errs, "postgres: pool_min_conns must not exceed pool_max_conns")
	}

	if c.Redis.Addr == "" {
		errs = append(errs, "redis: addr must not be empty")
	}

	if c.S3.Enabled && c.S3.Bucket == "" {
		errs = append(errs, "s3: bucket must not be empty when enabled")
	}

	errs = append(errs, c.Hedge.validate()...)

	if c.Risk.Window < 1 {
		errs = append(errs, "risk: window must be >= 1")
	}
	if c.Risk.FailureThreshold <= 0 || c.Risk.FailureThreshold > 1 {
		errs = append(errs, "risk: failure_threshold must be in (0, 1]")
	}
	if c.Risk.Cooldown.Duration <= 0 {
		errs = append(errs, "risk: cooldown must be > 0")
	}
	if c.Risk.MaxCooldown.Duration < c.Risk.Cooldown.Duration {
		errs = append(errs, "risk: max_cooldown must be >= cooldown")
	}
	if c.Risk.SnapshotInterval.Duration <= 0 {
		errs = append(errs, "risk: snapshot_interval must be > 0")
	}

	if c.Feed.RefreshInterval.Duration <= 0 {
		errs = append(errs, "feed: refresh_interval must be > 0")
	}
	if c.Feed.BucketWidth.Duration <= 0 {
		errs = append(errs, "feed: bucket_width must be > 0")
	}

	if c.Settlement.FeeRate < 0 || c.Settlement.FeeRate >= 1 {
		errs = append(errs, "settlement: fee_rate must be in [0, 1)")
	}

	parser := cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	if _, err := parser.Parse(c.Reconcile.Schedule); err != nil {
		errs = append(errs, fmt.Sprintf("reconcile: invalid schedule %q: %v", c.Reconcile.Schedule, err))
	}
	if c.S3.Enabled {
		if _, err := parser.Parse(c.Feed.ArchiveSchedule); err != nil {
			errs = append(errs, fmt.Sprintf("feed: invalid archive_schedule %q: %v", c.Feed.ArchiveSchedule, err))
		}
		if c.Feed.Retention.Duration <= 0 {
			errs = append(errs, "feed: retention must be > 0 when s3 is enabled")
		}
	}

	if c.Server.Enabled {
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

func (h HedgeConfig) validate() []string {
	var errs []string
	if h.MinSpreadBps < 0 {
		errs = append(errs, "hedge: min_spread_bps must be >= 0")
	}
	if h.MarkupBps != 0 && h.MarkupBps < h.MinSpreadBps {
		errs = append(errs, "hedge: markup_bps must be >= min_spread_bps")
	}
	if h.MaxSlippageBps < 0 {
		errs = append(errs, "hedge: max_slippage_bps must be >= 0")
	}
	if h.MaxUnhedgedExposure <= 0 {
		errs = append(errs, "hedge: max_unhedged_exposure must be > 0")
	}
	if h.MaxPositionSize <= 0 {
		errs = append(errs, "hedge: max_position_size must be > 0")
	}
	if h.HedgeTimeout.Duration <= 0 {
		errs = append(errs, "hedge: hedge_timeout must be > 0")
	}
	if h.RetryAttempts < 0 {
		errs = append(errs, "hedge: retry_attempts must be >= 0")
	}
	if h.FeeRate < 0 || h.FeeRate >= 1 {
		errs = append(errs, "hedge: fee_rate must be in [0, 1)")
	}
	if h.MaxQuoteAge.Duration <= 0 {
		errs = append(errs, "hedge: max_quote_age must be > 0")
	}
	return errs
}
