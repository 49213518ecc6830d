package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/ammhedge/internal/domain"
)

// Archiver moves price history older than the retention window to cold
// storage and snapshots the previous day's hedge ledger.
type Archiver struct {
	blob      domain.Archiver
	retention time.Duration
	logger    *slog.Logger
	now       func() time.Time
}

// NewArchiver creates a new Archiver.
func NewArchiver(blob domain.Archiver, retention time.Duration, logger *slog.Logger) *Archiver {
	return &Archiver{
		blob:      blob,
		retention: retention,
		logger:    logger.With(slog.String("component", "archiver")),
		now:       time.Now,
	}
}

// SetClock replaces the time source used to compute cutoffs.
func (a *Archiver) SetClock(now func() time.Time) { a.now = now }

// Run executes a single archive run.
func (a *Archiver) Run(ctx context.Context) error {
	now := a.now().UTC()
	cutoff := now.Add(-a.retention)
	a.logger.InfoContext(ctx, "starting archive run",
		slog.Time("cutoff", cutoff),
		slog.Duration("retention", a.retention),
	)

	points, err := a.blob.ArchivePricePoints(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("archiving price points before %v: %w", cutoff, err)
	}

	today := now.Truncate(24 * time.Hour)
	hedges, err := a.blob.ArchiveHedges(ctx, today.Add(-24*time.Hour), today)
	if err != nil {
		return fmt.Errorf("archiving hedge ledger for %s: %w", today.Add(-24*time.Hour).Format(time.DateOnly), err)
	}

	a.logger.InfoContext(ctx, "archive run complete",
		slog.Int64("price_points_archived", points),
		slog.Int64("hedges_archived", hedges),
	)
	return nil
}
