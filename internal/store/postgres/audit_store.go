package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/alanyoungcy/ammhedge/internal/domain"
)

// AuditStore implements domain.AuditStore. Detail maps are stored as JSONB.
type AuditStore struct {
	q querier
}

// Log appends an audit entry.
func (s *AuditStore) Log(ctx context.Context, event string, detail map[string]any) error {
	raw, err := json.Marshal(detail)
	if err != nil {
		return fmt.Errorf("postgres: marshal audit detail: %w", err)
	}
	_, err = s.q.Exec(ctx, `INSERT INTO audit_log (event, detail) VALUES ($1, $2)`, event, raw)
	return mapErr(err, "log audit event %s", event)
}

// List returns entries newest first.
func (s *AuditStore) List(ctx context.Context, opts domain.ListOpts) ([]domain.AuditEntry, error) {
	var f filter
	f.timeRange("created_at", opts)
	query := `SELECT id, event, detail, created_at FROM audit_log` + f.clause() +
		` ORDER BY id DESC` + f.page(opts)

	rows, err := s.q.Query(ctx, query, f.args...)
	if err != nil {
		return nil, mapErr(err, "list audit entries")
	}
	defer rows.Close()

	var entries []domain.AuditEntry
	for rows.Next() {
		var e domain.AuditEntry
		var raw []byte
		if err := rows.Scan(&e.ID, &e.Event, &raw, &e.CreatedAt); err != nil {
			return nil, mapErr(err, "scan audit entry")
		}
		if raw != nil {
			if err := json.Unmarshal(raw, &e.Detail); err != nil {
				return nil, fmt.Errorf("postgres: unmarshal audit detail: %w", err)
			}
		}
		entries = append(entries, e)
	}
	return entries, mapErr(rows.Err(), "list audit entries")
}

// ── risk snapshots ──

// RiskStore implements domain.RiskStore.
type RiskStore struct {
	q querier
}

const riskColumns = `id, taken_at, hedged_exposure, unhedged_exposure, success_rate, breaker_state`

// Insert appends a snapshot.
func (s *RiskStore) Insert(ctx context.Context, snap domain.RiskSnapshot) error {
	_, err := s.q.Exec(ctx, `
		INSERT INTO risk_snapshots (taken_at, hedged_exposure, unhedged_exposure, success_rate, breaker_state)
		VALUES ($1, $2, $3, $4, $5)`,
		snap.TakenAt, snap.HedgedExposure, snap.UnhedgedExposure, snap.SuccessRate, string(snap.BreakerState),
	)
	return mapErr(err, "insert risk snapshot")
}

// Latest returns the most recent snapshot.
func (s *RiskStore) Latest(ctx context.Context) (domain.RiskSnapshot, error) {
	var snap domain.RiskSnapshot
	var state string
	err := s.q.QueryRow(ctx, `SELECT `+riskColumns+` FROM risk_snapshots ORDER BY id DESC LIMIT 1`).
		Scan(&snap.ID, &snap.TakenAt, &snap.HedgedExposure, &snap.UnhedgedExposure, &snap.SuccessRate, &state)
	snap.BreakerState = domain.BreakerState(state)
	return snap, mapErr(err, "latest risk snapshot")
}

// List returns snapshots newest first.
func (s *RiskStore) List(ctx context.Context, opts domain.ListOpts) ([]domain.RiskSnapshot, error) {
	var f filter
	f.timeRange("taken_at", opts)
	query := `SELECT ` + riskColumns + ` FROM risk_snapshots` + f.clause() + ` ORDER BY id DESC` + f.page(opts)
	rows, err := s.q.Query(ctx, query, f.args...)
	if err != nil {
		return nil, mapErr(err, "list risk snapshots")
	}
	defer rows.Close()
	var out []domain.RiskSnapshot
	for rows.Next() {
		var snap domain.RiskSnapshot
		var state string
		if err := rows.Scan(&snap.ID, &snap.TakenAt, &snap.HedgedExposure, &snap.UnhedgedExposure, &snap.SuccessRate, &state); err != nil {
			return nil, mapErr(err, "scan risk snapshot")
		}
		snap.BreakerState = domain.BreakerState(state)
		out = append(out, snap)
	}
	return out, mapErr(rows.Err(), "list risk snapshots")
}

// ── hedge config ──

// HedgeConfigStore keeps the single hedge policy row as JSONB.
type HedgeConfigStore struct {
	q querier
}

// Get returns the stored policy or ErrNotFound.
func (s *HedgeConfigStore) Get(ctx context.Context) (domain.HedgeConfig, error) {
	var raw []byte
	if err := s.q.QueryRow(ctx, `SELECT config FROM hedge_config WHERE id = 1`).Scan(&raw); err != nil {
		return domain.HedgeConfig{}, mapErr(err, "hedge config")
	}
	var cfg domain.HedgeConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return domain.HedgeConfig{}, fmt.Errorf("postgres: decode hedge config: %w", err)
	}
	return cfg, nil
}

// Put replaces the policy.
func (s *HedgeConfigStore) Put(ctx context.Context, cfg domain.HedgeConfig) error {
	raw, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("postgres: encode hedge config: %w", err)
	}
	_, err = s.q.Exec(ctx, `
		INSERT INTO hedge_config (id, config, updated_at) VALUES (1, $1, NOW())
		ON CONFLICT (id) DO UPDATE SET config = EXCLUDED.config, updated_at = NOW()`, raw)
	return mapErr(err, "put hedge config")
}
