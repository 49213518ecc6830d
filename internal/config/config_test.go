package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultsValidate(t *testing.T) {
	cfg := Defaults()
	cfg.Hedge.Paper = true
	require.NoError(t, cfg.Validate())
}

func TestValidateCollectsAllErrors(t *testing.T) {
	cfg := Defaults()
	cfg.Mode = "bogus"
	cfg.Hedge.MaxUnhedgedExposure = 0
	cfg.Risk.FailureThreshold = 2
	cfg.Reconcile.Schedule = "not a schedule"

	err := cfg.Validate()
	require.Error(t, err)
	msg := err.Error()
	assert.Contains(t, msg, `unknown mode "bogus"`)
	assert.Contains(t, msg, "max_unhedged_exposure")
	assert.Contains(t, msg, "failure_threshold")
	assert.Contains(t, msg, "reconcile: invalid schedule")
}

func TestValidateRequiresWalletForLiveHedging(t *testing.T) {
	cfg := Defaults()
	cfg.Hedge.Paper = false
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "wallet")
}

func TestMarkupBelowMinSpreadRejected(t *testing.T) {
	cfg := Defaults()
	cfg.Hedge.Paper = true
	cfg.Hedge.MarkupBps = 100
	cfg.Hedge.MinSpreadBps = 200
	require.Error(t, cfg.Validate())
}

func TestLoadFileAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	body := `
mode = "ingest"

[hedge]
min_spread_bps = 150
hedge_timeout = "2s"

[feed]
bucket_width = "30s"
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	t.Setenv("AMMHEDGE_HEDGE_RETRY_ATTEMPTS", "5")
	t.Setenv("AMMHEDGE_SERVER_API_KEYS", "a, b ,")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "ingest", cfg.Mode)
	assert.Equal(t, 150.0, cfg.Hedge.MinSpreadBps)
	assert.Equal(t, 2*time.Second, cfg.Hedge.HedgeTimeout.Duration)
	assert.Equal(t, 30*time.Second, cfg.Feed.BucketWidth.Duration)
	assert.Equal(t, 5, cfg.Hedge.RetryAttempts)
	assert.Equal(t, []string{"a", "b"}, cfg.Server.APIKeys)
	// Untouched sections keep their defaults.
	assert.Equal(t, 5*time.Minute, cfg.Feed.RefreshInterval.Duration)

	hc := cfg.Hedge.Domain()
	assert.Equal(t, int64(2000), hc.HedgeTimeoutMs)
	assert.Equal(t, 5, hc.RetryAttempts)
}

func TestRedacted(t *testing.T) {
	cfg := Defaults()
	cfg.Wallet.PrivateKey = "0xdeadbeef"
	cfg.Postgres.Password = "hunter2"
	cfg.Server.APIKeys = []string{"k1"}

	out := Redacted(&cfg)
	assert.Equal(t, "***", out.Wallet.PrivateKey)
	assert.Equal(t, "***", out.Postgres.Password)
	assert.Equal(t, []string{"***"}, out.Server.APIKeys)
	assert.Equal(t, "", out.Wallet.KeyPassword)

	// Original untouched.
	assert.Equal(t, "0xdeadbeef", cfg.Wallet.PrivateKey)
	assert.Equal(t, []string{"k1"}, cfg.Server.APIKeys)
}
