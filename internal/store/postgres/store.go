package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/ammhedge/internal/domain"
)

// querier is the subset shared by *pgxpool.Pool and pgx.Tx, so every store
// runs unchanged inside or outside a transaction.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Store implements domain.Store. Reads made inside WithTx lock the rows they
// return (SELECT ... FOR UPDATE) so read-modify-write sequences such as an
// AMM quantity update serialise per market.
type Store struct {
	pool *pgxpool.Pool
	view
}

var _ domain.Store = (*Store)(nil)

// NewStore binds every store to pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool, view: view{q: pool}}
}

// WithTx runs fn in a read-committed transaction.
func (s *Store) WithTx(ctx context.Context, fn func(tx domain.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: begin: %w: %w", domain.ErrTransactionFailed, err)
	}
	if err := fn(view{q: tx, locking: true}); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres: commit: %w: %w", domain.ErrTransactionFailed, err)
	}
	return nil
}

type view struct {
	q       querier
	locking bool
}

func (v view) Markets() domain.MarketStore          { return &MarketStore{q: v.q, lock: v.forUpdate()} }
func (v view) Mappings() domain.MappingStore        { return &MappingStore{q: v.q} }
func (v view) PricePoints() domain.PricePointStore  { return &PricePointStore{q: v.q} }
func (v view) Orders() domain.OrderStore            { return &OrderStore{q: v.q} }
func (v view) Hedges() domain.HedgeStore            { return &HedgeStore{q: v.q} }
func (v view) Positions() domain.PositionStore      { return &PositionStore{q: v.q, lock: v.forUpdate()} }
func (v view) Balances() domain.BalanceStore        { return &BalanceStore{q: v.q} }
func (v view) Risk() domain.RiskStore               { return &RiskStore{q: v.q} }
func (v view) HedgeConfig() domain.HedgeConfigStore { return &HedgeConfigStore{q: v.q} }
func (v view) Audit() domain.AuditStore             { return &AuditStore{q: v.q} }

// forUpdate returns the row-locking suffix when bound to a transaction.
func (v view) forUpdate() string {
	if v.locking {
		return " FOR UPDATE"
	}
	return ""
}

// --------------------------------------------------------------------------
// Query helpers
// --------------------------------------------------------------------------

// filter accumulates WHERE clauses with positional arguments.
type filter struct {
	where []string
	args  []any
}

func (f *filter) add(clause string, arg any) {
	f.args = append(f.args, arg)
	f.where = append(f.where, strings.ReplaceAll(clause, "?", fmt.Sprintf("$%d", len(f.args))))
}

// timeRange adds the inclusive Since/Until bounds of opts on col.
func (f *filter) timeRange(col string, opts domain.ListOpts) {
	if opts.Since != nil {
		f.add(col+" >= ?", *opts.Since)
	}
	if opts.Until != nil {
		f.add(col+" <= ?", *opts.Until)
	}
}

func (f *filter) clause() string {
	if len(f.where) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(f.where, " AND ")
}

// page renders LIMIT/OFFSET for opts.
func (f *filter) page(opts domain.ListOpts) string {
	var sb strings.Builder
	if opts.Limit > 0 {
		f.args = append(f.args, opts.Limit)
		fmt.Fprintf(&sb, " LIMIT $%d", len(f.args))
	}
	if opts.Offset > 0 {
		f.args = append(f.args, opts.Offset)
		fmt.Fprintf(&sb, " OFFSET $%d", len(f.args))
	}
	return sb.String()
}

// mapErr translates driver errors into domain sentinels.
func mapErr(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	what := fmt.Sprintf(format, args...)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("postgres: %s: %w", what, domain.ErrNotFound)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return fmt.Errorf("postgres: %s: %w", what, domain.ErrAlreadyExists)
	}
	return fmt.Errorf("postgres: %s: %w", what, err)
}

// nullIfEmpty stores "" as NULL so optional unique columns do not collide.
func nullIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
