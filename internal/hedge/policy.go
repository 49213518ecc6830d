package hedge

import (
	"context"
	"errors"
	"fmt"

	"github.com/alanyoungcy/ammhedge/internal/domain"
)

// Policy serves the active HedgeConfig: the persisted row when one exists,
// otherwise the configured defaults.
type Policy struct {
	store    domain.Store
	fallback domain.HedgeConfig
}

// NewPolicy creates a Policy with fallback used until an operator saves one.
func NewPolicy(store domain.Store, fallback domain.HedgeConfig) *Policy {
	return &Policy{store: store, fallback: fallback}
}

// Current returns the active config.
func (p *Policy) Current(ctx context.Context) (domain.HedgeConfig, error) {
	cfg, err := p.store.HedgeConfig().Get(ctx)
	if errors.Is(err, domain.ErrNotFound) {
		return p.fallback, nil
	}
	if err != nil {
		return domain.HedgeConfig{}, fmt.Errorf("hedge: load config: %w", err)
	}
	return cfg, nil
}

// Update validates and persists cfg, recording the change in the audit log.
func (p *Policy) Update(ctx context.Context, cfg domain.HedgeConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	return p.store.WithTx(ctx, func(tx domain.Tx) error {
		if err := tx.HedgeConfig().Put(ctx, cfg); err != nil {
			return fmt.Errorf("hedge: save config: %w", err)
		}
		return tx.Audit().Log(ctx, "hedge_config_updated", map[string]any{
			"enabled":               cfg.Enabled,
			"min_spread_bps":        cfg.MinSpreadBps,
			"markup_bps":            cfg.MarkupBps,
			"max_slippage_bps":      cfg.MaxSlippageBps,
			"max_unhedged_exposure": cfg.MaxUnhedgedExposure,
			"max_position_size":     cfg.MaxPositionSize,
		})
	})
}
