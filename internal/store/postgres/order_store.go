package postgres

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/alanyoungcy/ammhedge/internal/domain"
)

// OrderStore implements domain.OrderStore.
type OrderStore struct {
	q querier
}

const orderColumns = `id, COALESCE(client_order_id, ''), user_id, market_id, outcome_id,
	side, amount, size, price, status, created_at`

// Create inserts a committed order. A reused id or client order id fails
// with ErrAlreadyExists.
func (s *OrderStore) Create(ctx context.Context, o domain.Order) error {
	if o.CreatedAt.IsZero() {
		o.CreatedAt = time.Now()
	}
	_, err := s.q.Exec(ctx, `
		INSERT INTO orders (id, client_order_id, user_id, market_id, outcome_id, side, amount, size, price, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		o.ID, nullIfEmpty(o.ClientOrderID), o.UserID, o.MarketID, o.OutcomeID,
		string(o.Side), o.Amount, o.Size, o.Price, string(o.Status), o.CreatedAt,
	)
	return mapErr(err, "create order %s", o.ID)
}

// GetByID returns one order.
func (s *OrderStore) GetByID(ctx context.Context, id string) (domain.Order, error) {
	o, err := scanOrder(s.q.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1`, id))
	return o, mapErr(err, "order %s", id)
}

// GetByClientID returns the order placed under clientOrderID.
func (s *OrderStore) GetByClientID(ctx context.Context, clientOrderID string) (domain.Order, error) {
	o, err := scanOrder(s.q.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE client_order_id = $1`, clientOrderID))
	return o, mapErr(err, "order for client id %s", clientOrderID)
}

// ListByMarket returns orders on marketID, newest first.
func (s *OrderStore) ListByMarket(ctx context.Context, marketID string, opts domain.ListOpts) ([]domain.Order, error) {
	return s.list(ctx, "market_id", marketID, opts)
}

// ListByUser returns userID's orders, newest first.
func (s *OrderStore) ListByUser(ctx context.Context, userID string, opts domain.ListOpts) ([]domain.Order, error) {
	return s.list(ctx, "user_id", userID, opts)
}

func (s *OrderStore) list(ctx context.Context, col, val string, opts domain.ListOpts) ([]domain.Order, error) {
	var f filter
	f.add(col+" = ?", val)
	f.timeRange("created_at", opts)
	query := `SELECT ` + orderColumns + ` FROM orders` + f.clause() + ` ORDER BY created_at DESC, id DESC` + f.page(opts)

	rows, err := s.q.Query(ctx, query, f.args...)
	if err != nil {
		return nil, mapErr(err, "list orders by %s", col)
	}
	defer rows.Close()
	var out []domain.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, mapErr(err, "scan order")
		}
		out = append(out, o)
	}
	return out, mapErr(rows.Err(), "list orders by %s", col)
}

func scanOrder(row pgx.Row) (domain.Order, error) {
	var o domain.Order
	var side, status string
	err := row.Scan(&o.ID, &o.ClientOrderID, &o.UserID, &o.MarketID, &o.OutcomeID,
		&side, &o.Amount, &o.Size, &o.Price, &status, &o.CreatedAt)
	o.Side = domain.OrderSide(side)
	o.Status = domain.OrderStatus(status)
	return o, err
}

// ── price points ──

// PricePointStore implements domain.PricePointStore.
type PricePointStore struct {
	q querier
}

const pointColumns = `market_id, outcome_id, bucket, price, probability, source`

// Upsert writes the point, replacing any row in the same bucket.
func (s *PricePointStore) Upsert(ctx context.Context, p domain.PricePoint) error {
	_, err := s.q.Exec(ctx, `
		INSERT INTO price_points (`+pointColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (market_id, outcome_id, bucket) DO UPDATE SET
			price       = EXCLUDED.price,
			probability = EXCLUDED.probability,
			source      = EXCLUDED.source`,
		p.MarketID, p.OutcomeID, p.Bucket, p.Price, p.Probability, string(p.Source),
	)
	return mapErr(err, "upsert price point %s/%s", p.MarketID, p.OutcomeID)
}

// List returns points for marketID (and outcomeID when set) by bucket.
func (s *PricePointStore) List(ctx context.Context, marketID, outcomeID string, opts domain.ListOpts) ([]domain.PricePoint, error) {
	var f filter
	f.add("market_id = ?", marketID)
	if outcomeID != "" {
		f.add("outcome_id = ?", outcomeID)
	}
	f.timeRange("bucket", opts)
	query := `SELECT ` + pointColumns + ` FROM price_points` + f.clause() +
		` ORDER BY bucket, market_id, outcome_id` + f.page(opts)
	return s.query(ctx, "list price points", query, f.args...)
}

// ListBefore returns the oldest points with bucket < before; limit <= 0
// returns all of them.
func (s *PricePointStore) ListBefore(ctx context.Context, before time.Time, limit int) ([]domain.PricePoint, error) {
	var f filter
	f.add("bucket < ?", before)
	query := `SELECT ` + pointColumns + ` FROM price_points` + f.clause() +
		` ORDER BY bucket, market_id, outcome_id` + f.page(domain.ListOpts{Limit: limit})
	return s.query(ctx, "list price points before", query, f.args...)
}

// DeleteBefore removes points with bucket < before.
func (s *PricePointStore) DeleteBefore(ctx context.Context, before time.Time) (int64, error) {
	tag, err := s.q.Exec(ctx, `DELETE FROM price_points WHERE bucket < $1`, before)
	if err != nil {
		return 0, mapErr(err, "delete price points")
	}
	return tag.RowsAffected(), nil
}

func (s *PricePointStore) query(ctx context.Context, what, query string, args ...any) ([]domain.PricePoint, error) {
	rows, err := s.q.Query(ctx, query, args...)
	if err != nil {
		return nil, mapErr(err, "%s", what)
	}
	defer rows.Close()
	var out []domain.PricePoint
	for rows.Next() {
		var p domain.PricePoint
		var source string
		if err := rows.Scan(&p.MarketID, &p.OutcomeID, &p.Bucket, &p.Price, &p.Probability, &source); err != nil {
			return nil, mapErr(err, "scan price point")
		}
		p.Bucket = p.Bucket.UTC()
		p.Source = domain.PriceSource(source)
		out = append(out, p)
	}
	return out, mapErr(rows.Err(), "%s", what)
}
