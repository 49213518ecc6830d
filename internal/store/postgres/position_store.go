package postgres

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	"github.com/alanyoungcy/ammhedge/internal/domain"
)

// PositionStore implements domain.PositionStore.
type PositionStore struct {
	q    querier
	lock string
}

const positionColumns = `user_id, market_id, outcome_id, size, cost_basis, updated_at`

// Get returns one holding; inside a transaction the row stays locked until
// commit.
func (s *PositionStore) Get(ctx context.Context, userID, marketID, outcomeID string) (domain.Position, error) {
	row := s.q.QueryRow(ctx, `
		SELECT `+positionColumns+` FROM positions
		WHERE user_id = $1 AND market_id = $2 AND outcome_id = $3`+s.lock,
		userID, marketID, outcomeID)
	p, err := scanPosition(row)
	return p, mapErr(err, "position %s/%s/%s", userID, marketID, outcomeID)
}

// Upsert writes pos.
func (s *PositionStore) Upsert(ctx context.Context, pos domain.Position) error {
	_, err := s.q.Exec(ctx, `
		INSERT INTO positions (user_id, market_id, outcome_id, size, cost_basis, updated_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
		ON CONFLICT (user_id, market_id, outcome_id) DO UPDATE SET
			size       = EXCLUDED.size,
			cost_basis = EXCLUDED.cost_basis,
			updated_at = NOW()`,
		pos.UserID, pos.MarketID, pos.OutcomeID, pos.Size, pos.CostBasis,
	)
	return mapErr(err, "upsert position %s/%s/%s", pos.UserID, pos.MarketID, pos.OutcomeID)
}

// ListByMarket returns every holding in marketID.
func (s *PositionStore) ListByMarket(ctx context.Context, marketID string) ([]domain.Position, error) {
	return s.list(ctx, `market_id = $1`, marketID)
}

// ListByUser returns every holding of userID.
func (s *PositionStore) ListByUser(ctx context.Context, userID string) ([]domain.Position, error) {
	return s.list(ctx, `user_id = $1`, userID)
}

func (s *PositionStore) list(ctx context.Context, where, arg string) ([]domain.Position, error) {
	rows, err := s.q.Query(ctx, `SELECT `+positionColumns+` FROM positions WHERE `+where+
		` ORDER BY user_id, market_id, outcome_id`+s.lock, arg)
	if err != nil {
		return nil, mapErr(err, "list positions")
	}
	defer rows.Close()
	var out []domain.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, mapErr(err, "scan position")
		}
		out = append(out, p)
	}
	return out, mapErr(rows.Err(), "list positions")
}

func scanPosition(row pgx.Row) (domain.Position, error) {
	var p domain.Position
	err := row.Scan(&p.UserID, &p.MarketID, &p.OutcomeID, &p.Size, &p.CostBasis, &p.UpdatedAt)
	return p, err
}

// ── balances ──

// BalanceStore implements domain.BalanceStore. Every mutation is a single
// guarded statement, so concurrent debits cannot overdraw.
type BalanceStore struct {
	q querier
}

// balanceEpsilon absorbs float rounding when a user spends their exact
// balance.
const balanceEpsilon = 1e-9

// Get returns userID's balance, zero when they have none.
func (s *BalanceStore) Get(ctx context.Context, userID string) (domain.Balance, error) {
	b := domain.Balance{UserID: userID}
	err := s.q.QueryRow(ctx, `SELECT amount, updated_at FROM balances WHERE user_id = $1`, userID).
		Scan(&b.Amount, &b.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return b, nil
	}
	return b, mapErr(err, "balance %s", userID)
}

// Credit adds amount to userID's balance.
func (s *BalanceStore) Credit(ctx context.Context, userID string, amount float64) (domain.Balance, error) {
	if amount < 0 {
		return domain.Balance{}, domain.Reject(domain.ErrValidation, "credit amount must be >= 0")
	}
	b := domain.Balance{UserID: userID}
	err := s.q.QueryRow(ctx, `
		INSERT INTO balances (user_id, amount, updated_at) VALUES ($1, $2, NOW())
		ON CONFLICT (user_id) DO UPDATE SET
			amount     = balances.amount + EXCLUDED.amount,
			updated_at = NOW()
		RETURNING amount, updated_at`, userID, amount,
	).Scan(&b.Amount, &b.UpdatedAt)
	return b, mapErr(err, "credit %s", userID)
}

// Debit subtracts amount, refusing to take the balance below zero.
func (s *BalanceStore) Debit(ctx context.Context, userID string, amount float64) (domain.Balance, error) {
	if amount < 0 {
		return domain.Balance{}, domain.Reject(domain.ErrValidation, "debit amount must be >= 0")
	}
	if amount == 0 {
		return s.Get(ctx, userID)
	}
	b := domain.Balance{UserID: userID}
	err := s.q.QueryRow(ctx, `
		UPDATE balances
		SET amount = GREATEST(amount - $2, 0), updated_at = NOW()
		WHERE user_id = $1 AND amount + $3 >= $2
		RETURNING amount, updated_at`, userID, amount, balanceEpsilon,
	).Scan(&b.Amount, &b.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		have, getErr := s.Get(ctx, userID)
		if getErr != nil {
			return domain.Balance{}, getErr
		}
		return domain.Balance{}, domain.Reject(domain.ErrValidation, "insufficient balance: have %.2f, need %.2f", have.Amount, amount)
	}
	return b, mapErr(err, "debit %s", userID)
}
