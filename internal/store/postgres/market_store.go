package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/alanyoungcy/ammhedge/internal/domain"
)

// MarketStore implements domain.MarketStore. Outcomes live in their own
// table and are loaded with the market.
type MarketStore struct {
	q    querier
	lock string
}

const marketColumns = `id, slug, question, group_id, kind, status, b, external_source,
	result, resolution_date, resolved_at, created_at, updated_at`

// Create inserts market and its outcomes atomically.
func (s *MarketStore) Create(ctx context.Context, m domain.Market) error {
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now()
	}
	err := pgx.BeginFunc(ctx, s.q, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO markets (`+marketColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, NOW())`,
			m.ID, m.Slug, m.Question, m.GroupID, string(m.Kind), string(m.Status), m.B,
			m.ExternalSource, m.Result, m.ResolutionDate, m.ResolvedAt, m.CreatedAt,
		)
		if err != nil {
			return err
		}
		if len(m.Outcomes) == 0 {
			return nil
		}
		batch := &pgx.Batch{}
		for i, o := range m.Outcomes {
			batch.Queue(`
				INSERT INTO outcomes (id, market_id, name, side, probability, liquidity, token_id, position)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
				o.ID, m.ID, o.Name, string(o.Side), o.Probability, o.Liquidity, o.TokenID, i,
			)
		}
		return tx.SendBatch(ctx, batch).Close()
	})
	return mapErr(err, "create market %s", m.ID)
}

// GetByID returns one market with its outcomes.
func (s *MarketStore) GetByID(ctx context.Context, id string) (domain.Market, error) {
	row := s.q.QueryRow(ctx, `SELECT `+marketColumns+` FROM markets WHERE id = $1`+s.lock, id)
	m, err := scanMarket(row)
	if err != nil {
		return domain.Market{}, mapErr(err, "market %s", id)
	}
	if err := s.attachOutcomes(ctx, []*domain.Market{&m}); err != nil {
		return domain.Market{}, err
	}
	return m, nil
}

// List returns markets oldest first, optionally filtered by status.
func (s *MarketStore) List(ctx context.Context, status domain.MarketStatus, opts domain.ListOpts) ([]domain.Market, error) {
	var f filter
	if status != "" {
		f.add("status = ?", string(status))
	}
	f.timeRange("created_at", opts)
	query := `SELECT ` + marketColumns + ` FROM markets` + f.clause() + ` ORDER BY created_at, id` + f.page(opts)
	return s.query(ctx, "list markets", query, f.args...)
}

// ListDue returns active markets whose resolution date has passed.
func (s *MarketStore) ListDue(ctx context.Context, now time.Time) ([]domain.Market, error) {
	return s.query(ctx, "list due markets", `
		SELECT `+marketColumns+` FROM markets
		WHERE status = 'active' AND resolution_date IS NOT NULL AND resolution_date <= $1
		ORDER BY id`, now)
}

// UpdateOutcomes writes the probability and liquidity of each outcome. The
// market row is touched first under a status guard, which also holds its
// lock for the rest of the batch, so a market resolved concurrently is never
// rewritten.
func (s *MarketStore) UpdateOutcomes(ctx context.Context, marketID string, outcomes []domain.Outcome) error {
	err := pgx.BeginFunc(ctx, s.q, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `UPDATE markets SET updated_at = NOW() WHERE id = $1 AND status = 'active'`, marketID)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return s.conflict(ctx, tx, marketID, domain.MarketStatusActive)
		}
		if len(outcomes) == 0 {
			return nil
		}
		batch := &pgx.Batch{}
		for _, o := range outcomes {
			batch.Queue(`UPDATE outcomes SET probability = $3, liquidity = $4 WHERE market_id = $1 AND id = $2`,
				marketID, o.ID, o.Probability, o.Liquidity)
		}
		return tx.SendBatch(ctx, batch).Close()
	})
	return mapErr(err, "update outcomes of market %s", marketID)
}

// UpdateStatus sets status and result when the stored status is still from.
// A nil resolvedAt leaves the stored value untouched.
func (s *MarketStore) UpdateStatus(ctx context.Context, id string, from, to domain.MarketStatus, result string, resolvedAt *time.Time) error {
	tag, err := s.q.Exec(ctx, `
		UPDATE markets
		SET status = $3, result = $4, resolved_at = COALESCE($5, resolved_at), updated_at = NOW()
		WHERE id = $1 AND status = $2`,
		id, string(from), string(to), result, resolvedAt,
	)
	if err != nil {
		return mapErr(err, "update market %s status", id)
	}
	if tag.RowsAffected() == 0 {
		return mapErr(s.conflict(ctx, s.q, id, from), "update market %s status", id)
	}
	return nil
}

// conflict explains a guarded write that matched no row: the market is
// missing or has moved past expected.
func (s *MarketStore) conflict(ctx context.Context, q querier, id string, expected domain.MarketStatus) error {
	var current string
	if err := q.QueryRow(ctx, `SELECT status FROM markets WHERE id = $1`, id).Scan(&current); err != nil {
		return err
	}
	return domain.StatusConflict(id, domain.MarketStatus(current), expected)
}

func (s *MarketStore) query(ctx context.Context, what, query string, args ...any) ([]domain.Market, error) {
	rows, err := s.q.Query(ctx, query, args...)
	if err != nil {
		return nil, mapErr(err, "%s", what)
	}
	var markets []domain.Market
	for rows.Next() {
		m, err := scanMarket(rows)
		if err != nil {
			rows.Close()
			return nil, mapErr(err, "scan market")
		}
		markets = append(markets, m)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, mapErr(err, "%s", what)
	}

	ptrs := make([]*domain.Market, len(markets))
	for i := range markets {
		ptrs[i] = &markets[i]
	}
	if err := s.attachOutcomes(ctx, ptrs); err != nil {
		return nil, err
	}
	return markets, nil
}

// attachOutcomes loads outcomes for all markets in one query.
func (s *MarketStore) attachOutcomes(ctx context.Context, markets []*domain.Market) error {
	if len(markets) == 0 {
		return nil
	}
	ids := make([]string, len(markets))
	byID := make(map[string]*domain.Market, len(markets))
	for i, m := range markets {
		ids[i] = m.ID
		byID[m.ID] = m
	}
	rows, err := s.q.Query(ctx, `
		SELECT id, market_id, name, side, probability, liquidity, token_id, position
		FROM outcomes WHERE market_id = ANY($1)
		ORDER BY market_id, position`, ids)
	if err != nil {
		return mapErr(err, "load outcomes")
	}
	defer rows.Close()
	for rows.Next() {
		var o domain.Outcome
		var side string
		if err := rows.Scan(&o.ID, &o.MarketID, &o.Name, &side, &o.Probability, &o.Liquidity, &o.TokenID, &o.Position); err != nil {
			return mapErr(err, "scan outcome")
		}
		o.Side = domain.OutcomeSide(side)
		if m := byID[o.MarketID]; m != nil {
			m.Outcomes = append(m.Outcomes, o)
		}
	}
	return mapErr(rows.Err(), "load outcomes")
}

func scanMarket(row pgx.Row) (domain.Market, error) {
	var m domain.Market
	var kind, status string
	err := row.Scan(&m.ID, &m.Slug, &m.Question, &m.GroupID, &kind, &status, &m.B, &m.ExternalSource,
		&m.Result, &m.ResolutionDate, &m.ResolvedAt, &m.CreatedAt, &m.UpdatedAt)
	m.Kind = domain.MarketKind(kind)
	m.Status = domain.MarketStatus(status)
	return m, err
}

// ── mappings ──

// MappingStore implements domain.MappingStore. Tokens are kept as JSONB.
type MappingStore struct {
	q querier
}

type tokenRow struct {
	TokenID   string `json:"token_id"`
	OutcomeID string `json:"outcome_id"`
	Side      string `json:"side"`
}

// Upsert replaces the mapping for mapping.MarketID.
func (s *MappingStore) Upsert(ctx context.Context, mm domain.MarketMapping) error {
	tokens := make([]tokenRow, len(mm.Tokens))
	for i, t := range mm.Tokens {
		tokens[i] = tokenRow{TokenID: t.TokenID, OutcomeID: t.OutcomeID, Side: string(t.Side)}
	}
	raw, err := json.Marshal(tokens)
	if err != nil {
		return fmt.Errorf("postgres: marshal mapping tokens: %w", err)
	}
	_, err = s.q.Exec(ctx, `
		INSERT INTO market_mappings (market_id, external_market_id, tokens, active, last_synced_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
		ON CONFLICT (market_id) DO UPDATE SET
			external_market_id = EXCLUDED.external_market_id,
			tokens             = EXCLUDED.tokens,
			active             = EXCLUDED.active,
			last_synced_at     = EXCLUDED.last_synced_at,
			updated_at         = NOW()`,
		mm.MarketID, mm.ExternalMarketID, raw, mm.Active, mm.LastSyncedAt,
	)
	return mapErr(err, "upsert mapping %s", mm.MarketID)
}

const mappingColumns = `market_id, external_market_id, tokens, active, last_synced_at, updated_at`

// GetByMarket returns the mapping of marketID.
func (s *MappingStore) GetByMarket(ctx context.Context, marketID string) (domain.MarketMapping, error) {
	mm, err := scanMapping(s.q.QueryRow(ctx, `SELECT `+mappingColumns+` FROM market_mappings WHERE market_id = $1`, marketID))
	if err != nil {
		return domain.MarketMapping{}, mapErr(err, "mapping %s", marketID)
	}
	return mm, nil
}

// ListActive returns every active mapping ordered by market id.
func (s *MappingStore) ListActive(ctx context.Context) ([]domain.MarketMapping, error) {
	rows, err := s.q.Query(ctx, `SELECT `+mappingColumns+` FROM market_mappings WHERE active ORDER BY market_id`)
	if err != nil {
		return nil, mapErr(err, "list mappings")
	}
	defer rows.Close()
	var out []domain.MarketMapping
	for rows.Next() {
		mm, err := scanMapping(rows)
		if err != nil {
			return nil, mapErr(err, "scan mapping")
		}
		out = append(out, mm)
	}
	return out, mapErr(rows.Err(), "list mappings")
}

// TouchSynced records the last successful sync time.
func (s *MappingStore) TouchSynced(ctx context.Context, marketID string, at time.Time) error {
	tag, err := s.q.Exec(ctx, `UPDATE market_mappings SET last_synced_at = $2 WHERE market_id = $1`, marketID, at)
	if err != nil {
		return mapErr(err, "touch mapping %s", marketID)
	}
	if tag.RowsAffected() == 0 {
		return mapErr(pgx.ErrNoRows, "mapping %s", marketID)
	}
	return nil
}

func scanMapping(row pgx.Row) (domain.MarketMapping, error) {
	var mm domain.MarketMapping
	var raw []byte
	if err := row.Scan(&mm.MarketID, &mm.ExternalMarketID, &raw, &mm.Active, &mm.LastSyncedAt, &mm.UpdatedAt); err != nil {
		return mm, err
	}
	var tokens []tokenRow
	if err := json.Unmarshal(raw, &tokens); err != nil {
		return mm, fmt.Errorf("decode tokens: %w", err)
	}
	for _, t := range tokens {
		mm.Tokens = append(mm.Tokens, domain.MappingToken{TokenID: t.TokenID, OutcomeID: t.OutcomeID, Side: domain.OutcomeSide(t.Side)})
	}
	return mm, nil
}
