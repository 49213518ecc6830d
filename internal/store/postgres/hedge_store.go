package postgres

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/alanyoungcy/ammhedge/internal/domain"
)

// HedgeStore implements domain.HedgeStore.
type HedgeStore struct {
	q querier
}

const hedgeColumns = `id, COALESCE(order_id, ''), market_id, outcome_id, token_id, side, size,
	internal_price, external_price, external_order_id, status, fees, net_profit, created_at, updated_at`

// Create inserts a hedge position. Orphans carry no order id.
func (s *HedgeStore) Create(ctx context.Context, h domain.HedgePosition) error {
	now := time.Now()
	if h.CreatedAt.IsZero() {
		h.CreatedAt = now
	}
	_, err := s.q.Exec(ctx, `
		INSERT INTO hedge_positions (
			id, order_id, market_id, outcome_id, token_id, side, size,
			internal_price, external_price, external_order_id, status, fees, net_profit, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		h.ID, nullIfEmpty(h.OrderID), h.MarketID, h.OutcomeID, h.TokenID, string(h.Side), h.Size,
		h.InternalPrice, h.ExternalPrice, h.ExternalOrderID, string(h.Status), h.Fees, h.NetProfit,
		h.CreatedAt, now,
	)
	return mapErr(err, "create hedge %s", h.ID)
}

// GetByID returns one hedge.
func (s *HedgeStore) GetByID(ctx context.Context, id string) (domain.HedgePosition, error) {
	h, err := scanHedge(s.q.QueryRow(ctx, `SELECT `+hedgeColumns+` FROM hedge_positions WHERE id = $1`, id))
	return h, mapErr(err, "hedge %s", id)
}

// GetByOrder returns the hedge for orderID.
func (s *HedgeStore) GetByOrder(ctx context.Context, orderID string) (domain.HedgePosition, error) {
	h, err := scanHedge(s.q.QueryRow(ctx, `SELECT `+hedgeColumns+` FROM hedge_positions WHERE order_id = $1`, orderID))
	return h, mapErr(err, "hedge for order %s", orderID)
}

// ListByStatus returns hedges in status, oldest first.
func (s *HedgeStore) ListByStatus(ctx context.Context, status domain.HedgeStatus, limit int) ([]domain.HedgePosition, error) {
	var f filter
	f.add("status = ?", string(status))
	query := `SELECT ` + hedgeColumns + ` FROM hedge_positions` + f.clause() +
		` ORDER BY created_at, id` + f.page(domain.ListOpts{Limit: limit})
	return s.query(ctx, "list hedges by status", query, f.args...)
}

// List returns hedges newest first.
func (s *HedgeStore) List(ctx context.Context, opts domain.ListOpts) ([]domain.HedgePosition, error) {
	var f filter
	f.timeRange("created_at", opts)
	query := `SELECT ` + hedgeColumns + ` FROM hedge_positions` + f.clause() +
		` ORDER BY created_at DESC, id DESC` + f.page(opts)
	return s.query(ctx, "list hedges", query, f.args...)
}

// Transition moves a pending hedge to a terminal status, adding fees and
// recording externalPrice when it is positive.
func (s *HedgeStore) Transition(ctx context.Context, id string, to domain.HedgeStatus, externalPrice, fees float64) error {
	if !domain.HedgeStatusPending.CanTransition(to) {
		return domain.Reject(domain.ErrValidation, "hedge %s cannot move to %s", id, to)
	}
	tag, err := s.q.Exec(ctx, `
		UPDATE hedge_positions
		SET status = $2,
		    external_price = CASE WHEN $3::double precision > 0 THEN $3 ELSE external_price END,
		    fees = fees + $4,
		    updated_at = NOW()
		WHERE id = $1 AND status = 'pending'`,
		id, string(to), externalPrice, fees,
	)
	if err != nil {
		return mapErr(err, "transition hedge %s", id)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	current, err := s.GetByID(ctx, id)
	if err != nil {
		return err
	}
	return domain.Reject(domain.ErrValidation, "hedge %s cannot move from %s to %s", id, current.Status, to)
}

// Stats aggregates hedges created since since (all when nil). Exposure by
// market only counts hedged positions in markets still open.
func (s *HedgeStore) Stats(ctx context.Context, since *time.Time) (domain.HedgeStats, error) {
	st := domain.HedgeStats{ByMarket: map[string]float64{}}
	err := s.q.QueryRow(ctx, `
		SELECT
			COUNT(*),
			COUNT(*) FILTER (WHERE status = 'hedged'),
			COUNT(*) FILTER (WHERE status = 'failed'),
			COUNT(*) FILTER (WHERE status = 'pending'),
			COALESCE(SUM(net_profit) FILTER (WHERE status = 'hedged'), 0),
			COALESCE(SUM(fees) FILTER (WHERE status = 'hedged'), 0)
		FROM hedge_positions
		WHERE $1::timestamptz IS NULL OR created_at >= $1`, since,
	).Scan(&st.Total, &st.Hedged, &st.Failed, &st.Pending, &st.NetProfit, &st.Fees)
	if err != nil {
		return st, mapErr(err, "hedge stats")
	}

	rows, err := s.q.Query(ctx, `
		SELECT h.market_id,
		       SUM(CASE WHEN h.side = 'sell' THEN -h.size * h.external_price ELSE h.size * h.external_price END)
		FROM hedge_positions h
		JOIN markets m ON m.id = h.market_id
		WHERE h.status = 'hedged'
		  AND m.status NOT IN ('resolved', 'cancelled')
		  AND ($1::timestamptz IS NULL OR h.created_at >= $1)
		GROUP BY h.market_id`, since)
	if err != nil {
		return st, mapErr(err, "hedge exposure by market")
	}
	defer rows.Close()
	for rows.Next() {
		var market string
		var exposure float64
		if err := rows.Scan(&market, &exposure); err != nil {
			return st, mapErr(err, "scan hedge exposure")
		}
		st.ByMarket[market] = exposure
	}
	if err := rows.Err(); err != nil {
		return st, mapErr(err, "hedge exposure by market")
	}
	if done := st.Hedged + st.Failed; done > 0 {
		st.SuccessRate = float64(st.Hedged) / float64(done)
	}
	return st, nil
}

func (s *HedgeStore) query(ctx context.Context, what, query string, args ...any) ([]domain.HedgePosition, error) {
	rows, err := s.q.Query(ctx, query, args...)
	if err != nil {
		return nil, mapErr(err, "%s", what)
	}
	defer rows.Close()
	var out []domain.HedgePosition
	for rows.Next() {
		h, err := scanHedge(rows)
		if err != nil {
			return nil, mapErr(err, "scan hedge")
		}
		out = append(out, h)
	}
	return out, mapErr(rows.Err(), "%s", what)
}

func scanHedge(row pgx.Row) (domain.HedgePosition, error) {
	var h domain.HedgePosition
	var side, status string
	err := row.Scan(&h.ID, &h.OrderID, &h.MarketID, &h.OutcomeID, &h.TokenID, &side, &h.Size,
		&h.InternalPrice, &h.ExternalPrice, &h.ExternalOrderID, &status, &h.Fees, &h.NetProfit,
		&h.CreatedAt, &h.UpdatedAt)
	h.Side = domain.OrderSide(side)
	h.Status = domain.HedgeStatus(status)
	return h, err
}
