package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

const envPrefix = "AMMHEDGE_"

// Load reads a TOML configuration file at path over the built-in defaults,
// applies AMMHEDGE_* environment overrides and returns the result. An empty
// path skips the file. The returned Config has NOT been validated.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return nil, err
		}
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides lets operators inject secrets and per-deploy tuning
// without touching the TOML file.
func applyEnvOverrides(cfg *Config) {
	setStr(&cfg.Mode, "MODE")
	setStr(&cfg.LogLevel, "LOG_LEVEL")

	// ── Wallet ──
	setStr(&cfg.Wallet.PrivateKey, "WALLET_PRIVATE_KEY")
	setStr(&cfg.Wallet.SafeAddress, "WALLET_SAFE_ADDRESS")
	setStr(&cfg.Wallet.EncryptedKeyPath, "WALLET_ENCRYPTED_KEY_PATH")
	setStr(&cfg.Wallet.KeyPassword, "WALLET_KEY_PASSWORD")

	// ── Polymarket ──
	setStr(&cfg.Polymarket.ClobHost, "POLYMARKET_CLOB_HOST")
	setStr(&cfg.Polymarket.GammaHost, "POLYMARKET_GAMMA_HOST")
	setStr(&cfg.Polymarket.WsHost, "POLYMARKET_WS_HOST")
	setInt(&cfg.Polymarket.ChainID, "POLYMARKET_CHAIN_ID")
	setInt(&cfg.Polymarket.SignatureType, "POLYMARKET_SIGNATURE_TYPE")
	setStr(&cfg.Polymarket.ApiKey, "POLYMARKET_API_KEY")
	setStr(&cfg.Polymarket.ApiSecret, "POLYMARKET_API_SECRET")
	setStr(&cfg.Polymarket.ApiPassphrase, "POLYMARKET_API_PASSPHRASE")
	setFloat64(&cfg.Polymarket.RequestsPerSecond, "POLYMARKET_REQUESTS_PER_SECOND")

	// ── Postgres ──
	setStr(&cfg.Postgres.DSN, "POSTGRES_DSN")
	setStr(&cfg.Postgres.DSN, "DATABASE_URL") // compatibility alias
	setStr(&cfg.Postgres.Host, "POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "POSTGRES_SSL_MODE")
	setInt(&cfg.Postgres.PoolMaxConns, "POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "POSTGRES_POOL_MIN_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "POSTGRES_RUN_MIGRATIONS")

	// ── Redis ──
	setStr(&cfg.Redis.Addr, "REDIS_ADDR")
	setStr(&cfg.Redis.Password, "REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "REDIS_POOL_SIZE")
	setBool(&cfg.Redis.TLSEnabled, "REDIS_TLS_ENABLED")

	// ── S3 ──
	setBool(&cfg.S3.Enabled, "S3_ENABLED")
	setStr(&cfg.S3.Endpoint, "S3_ENDPOINT")
	setStr(&cfg.S3.Region, "S3_REGION")
	setStr(&cfg.S3.Bucket, "S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "S3_SECRET_KEY")

	// ── Hedge ──
	setBool(&cfg.Hedge.Enabled, "HEDGE_ENABLED")
	setBool(&cfg.Hedge.Paper, "HEDGE_PAPER")
	setFloat64(&cfg.Hedge.MinSpreadBps, "HEDGE_MIN_SPREAD_BPS")
	setFloat64(&cfg.Hedge.MarkupBps, "HEDGE_MARKUP_BPS")
	setFloat64(&cfg.Hedge.MaxSlippageBps, "HEDGE_MAX_SLIPPAGE_BPS")
	setFloat64(&cfg.Hedge.MaxUnhedgedExposure, "HEDGE_MAX_UNHEDGED_EXPOSURE")
	setFloat64(&cfg.Hedge.MaxPositionSize, "HEDGE_MAX_POSITION_SIZE")
	setDuration(&cfg.Hedge.HedgeTimeout, "HEDGE_TIMEOUT")
	setInt(&cfg.Hedge.RetryAttempts, "HEDGE_RETRY_ATTEMPTS")
	setFloat64(&cfg.Hedge.FeeRate, "HEDGE_FEE_RATE")
	setDuration(&cfg.Hedge.MaxQuoteAge, "HEDGE_MAX_QUOTE_AGE")

	// ── Risk ──
	setInt(&cfg.Risk.Window, "RISK_WINDOW")
	setFloat64(&cfg.Risk.FailureThreshold, "RISK_FAILURE_THRESHOLD")
	setFloat64(&cfg.Risk.MaxExposure, "RISK_MAX_EXPOSURE")
	setDuration(&cfg.Risk.Cooldown, "RISK_COOLDOWN")

	// ── Feed / settlement / reconcile ──
	setDuration(&cfg.Feed.RefreshInterval, "FEED_REFRESH_INTERVAL")
	setDuration(&cfg.Feed.BucketWidth, "FEED_BUCKET_WIDTH")
	setFloat64(&cfg.Settlement.FeeRate, "SETTLEMENT_FEE_RATE")
	setStr(&cfg.Reconcile.Schedule, "RECONCILE_SCHEDULE")

	// ── Server ──
	setBool(&cfg.Server.Enabled, "SERVER_ENABLED")
	setInt(&cfg.Server.Port, "SERVER_PORT")
	setStringSlice(&cfg.Server.CORSOrigins, "SERVER_CORS_ORIGINS")
	setStringSlice(&cfg.Server.APIKeys, "SERVER_API_KEYS")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "NOTIFY_EVENTS")
}

func lookup(key string) string {
	return os.Getenv(envPrefix + key)
}

func setStr(dst *string, key string) {
	if v := lookup(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := lookup(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setFloat64(dst *float64, key string) {
	if v := lookup(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setBool(dst *bool, key string) {
	if v := lookup(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := lookup(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := lookup(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}
