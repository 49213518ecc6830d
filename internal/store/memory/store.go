// Package memory is an in-process implementation of domain.Store used by
// tests and paper-trading runs. Transactions are serialisable: WithTx holds
// the store lock, works on a deep copy and swaps it in on success.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/alanyoungcy/ammhedge/internal/domain"
)

type pointKey struct {
	marketID  string
	outcomeID string
	bucket    int64
}

type posKey struct {
	userID    string
	marketID  string
	outcomeID string
}

type data struct {
	markets   map[string]domain.Market
	mappings  map[string]domain.MarketMapping
	points    map[pointKey]domain.PricePoint
	orders    []domain.Order
	hedges    []domain.HedgePosition
	positions map[posKey]domain.Position
	balances  map[string]domain.Balance
	snapshots []domain.RiskSnapshot
	hedgeCfg  *domain.HedgeConfig
	audit     []domain.AuditEntry
	writes    int64
}

func newData() *data {
	return &data{
		markets:   make(map[string]domain.Market),
		mappings:  make(map[string]domain.MarketMapping),
		points:    make(map[pointKey]domain.PricePoint),
		positions: make(map[posKey]domain.Position),
		balances:  make(map[string]domain.Balance),
	}
}

func (d *data) clone() *data {
	c := newData()
	for k, v := range d.markets {
		c.markets[k] = v.Clone()
	}
	for k, v := range d.mappings {
		c.mappings[k] = cloneMapping(v)
	}
	for k, v := range d.points {
		c.points[k] = v
	}
	c.orders = append([]domain.Order(nil), d.orders...)
	c.hedges = append([]domain.HedgePosition(nil), d.hedges...)
	for k, v := range d.positions {
		c.positions[k] = v
	}
	for k, v := range d.balances {
		c.balances[k] = v
	}
	c.snapshots = append([]domain.RiskSnapshot(nil), d.snapshots...)
	if d.hedgeCfg != nil {
		hc := *d.hedgeCfg
		c.hedgeCfg = &hc
	}
	c.audit = append([]domain.AuditEntry(nil), d.audit...)
	c.writes = d.writes
	return c
}

func cloneMapping(m domain.MarketMapping) domain.MarketMapping {
	out := m
	out.Tokens = append([]domain.MappingToken(nil), m.Tokens...)
	if m.LastSyncedAt != nil {
		t := *m.LastSyncedAt
		out.LastSyncedAt = &t
	}
	return out
}

// Store is a transactional in-memory domain.Store.
type Store struct {
	mu  sync.Mutex
	d   *data
	now func() time.Time
}

var _ domain.Store = (*Store)(nil)

// New returns an empty store.
func New() *Store {
	return &Store{d: newData(), now: time.Now}
}

// SetClock overrides the timestamp source used for created/updated fields.
func (s *Store) SetClock(now func() time.Time) { s.now = now }

// Writes returns the number of committed mutations so far.
func (s *Store) Writes() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.d.writes
}

// WithTx runs fn against a private copy and commits it when fn returns nil.
func (s *Store) WithTx(ctx context.Context, fn func(tx domain.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("memory: begin: %w: %w", domain.ErrTransactionFailed, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	work := s.d.clone()
	if err := fn(view{s: s, tx: work}); err != nil {
		return err
	}
	s.d = work
	return nil
}

func (s *Store) root() view { return view{s: s} }

func (s *Store) Markets() domain.MarketStore         { return s.root().Markets() }
func (s *Store) Mappings() domain.MappingStore       { return s.root().Mappings() }
func (s *Store) PricePoints() domain.PricePointStore { return s.root().PricePoints() }
func (s *Store) Orders() domain.OrderStore           { return s.root().Orders() }
func (s *Store) Hedges() domain.HedgeStore           { return s.root().Hedges() }
func (s *Store) Positions() domain.PositionStore     { return s.root().Positions() }
func (s *Store) Balances() domain.BalanceStore       { return s.root().Balances() }
func (s *Store) Risk() domain.RiskStore              { return s.root().Risk() }
func (s *Store) HedgeConfig() domain.HedgeConfigStore {
	return s.root().HedgeConfig()
}
func (s *Store) Audit() domain.AuditStore { return s.root().Audit() }

// view binds the stores either to the live data (tx == nil, locking per
// call) or to a transaction's working copy (lock already held).
type view struct {
	s  *Store
	tx *data
}

func (v view) read(fn func(d *data) error) error {
	if v.tx != nil {
		return fn(v.tx)
	}
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	return fn(v.s.d)
}

func (v view) write(fn func(d *data) error) error {
	return v.read(func(d *data) error {
		if err := fn(d); err != nil {
			return err
		}
		d.writes++
		return nil
	})
}

func (v view) Markets() domain.MarketStore         { return marketStore{v} }
func (v view) Mappings() domain.MappingStore       { return mappingStore{v} }
func (v view) PricePoints() domain.PricePointStore { return pointStore{v} }
func (v view) Orders() domain.OrderStore           { return orderStore{v} }
func (v view) Hedges() domain.HedgeStore           { return hedgeStore{v} }
func (v view) Positions() domain.PositionStore     { return positionStore{v} }
func (v view) Balances() domain.BalanceStore       { return balanceStore{v} }
func (v view) Risk() domain.RiskStore              { return riskStore{v} }
func (v view) HedgeConfig() domain.HedgeConfigStore {
	return hedgeConfigStore{v}
}
func (v view) Audit() domain.AuditStore { return auditStore{v} }

func page[T any](items []T, opts domain.ListOpts) []T {
	if opts.Offset > 0 {
		if opts.Offset >= len(items) {
			return nil
		}
		items = items[opts.Offset:]
	}
	if opts.Limit > 0 && len(items) > opts.Limit {
		items = items[:opts.Limit]
	}
	return items
}

func inRange(t time.Time, opts domain.ListOpts) bool {
	if opts.Since != nil && t.Before(*opts.Since) {
		return false
	}
	if opts.Until != nil && t.After(*opts.Until) {
		return false
	}
	return true
}

// ── markets ──

type marketStore struct{ v view }

func (m marketStore) Create(_ context.Context, market domain.Market) error {
	return m.v.write(func(d *data) error {
		if _, ok := d.markets[market.ID]; ok {
			return fmt.Errorf("memory: market %s: %w", market.ID, domain.ErrAlreadyExists)
		}
		now := m.v.s.now()
		if market.CreatedAt.IsZero() {
			market.CreatedAt = now
		}
		market.UpdatedAt = now
		d.markets[market.ID] = market.Clone()
		return nil
	})
}

func (m marketStore) GetByID(_ context.Context, id string) (domain.Market, error) {
	var out domain.Market
	err := m.v.read(func(d *data) error {
		mk, ok := d.markets[id]
		if !ok {
			return fmt.Errorf("memory: market %s: %w", id, domain.ErrNotFound)
		}
		out = mk.Clone()
		return nil
	})
	return out, err
}

func (m marketStore) List(_ context.Context, status domain.MarketStatus, opts domain.ListOpts) ([]domain.Market, error) {
	var out []domain.Market
	err := m.v.read(func(d *data) error {
		for _, mk := range d.markets {
			if status != "" && mk.Status != status {
				continue
			}
			if !inRange(mk.CreatedAt, opts) {
				continue
			}
			out = append(out, mk.Clone())
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return page(out, opts), err
}

func (m marketStore) ListDue(_ context.Context, now time.Time) ([]domain.Market, error) {
	var out []domain.Market
	err := m.v.read(func(d *data) error {
		for _, mk := range d.markets {
			if mk.Status == domain.MarketStatusActive && mk.ResolutionDate != nil && !mk.ResolutionDate.After(now) {
				out = append(out, mk.Clone())
			}
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, err
}

func (m marketStore) UpdateOutcomes(_ context.Context, marketID string, outcomes []domain.Outcome) error {
	return m.v.write(func(d *data) error {
		mk, ok := d.markets[marketID]
		if !ok {
			return fmt.Errorf("memory: market %s: %w", marketID, domain.ErrNotFound)
		}
		if mk.Status != domain.MarketStatusActive {
			return domain.StatusConflict(marketID, mk.Status, domain.MarketStatusActive)
		}
		for _, upd := range outcomes {
			for i := range mk.Outcomes {
				if mk.Outcomes[i].ID == upd.ID {
					mk.Outcomes[i].Liquidity = upd.Liquidity
					mk.Outcomes[i].Probability = upd.Probability
				}
			}
		}
		mk.UpdatedAt = m.v.s.now()
		d.markets[marketID] = mk
		return nil
	})
}

func (m marketStore) UpdateStatus(_ context.Context, id string, from, to domain.MarketStatus, result string, resolvedAt *time.Time) error {
	return m.v.write(func(d *data) error {
		mk, ok := d.markets[id]
		if !ok {
			return fmt.Errorf("memory: market %s: %w", id, domain.ErrNotFound)
		}
		if mk.Status != from {
			return domain.StatusConflict(id, mk.Status, from)
		}
		mk.Status = to
		mk.Result = result
		if resolvedAt != nil {
			t := *resolvedAt
			mk.ResolvedAt = &t
		}
		mk.UpdatedAt = m.v.s.now()
		d.markets[id] = mk
		return nil
	})
}

// ── mappings ──

type mappingStore struct{ v view }

func (m mappingStore) Upsert(_ context.Context, mapping domain.MarketMapping) error {
	return m.v.write(func(d *data) error {
		mapping.UpdatedAt = m.v.s.now()
		d.mappings[mapping.MarketID] = cloneMapping(mapping)
		return nil
	})
}

func (m mappingStore) GetByMarket(_ context.Context, marketID string) (domain.MarketMapping, error) {
	var out domain.MarketMapping
	err := m.v.read(func(d *data) error {
		mm, ok := d.mappings[marketID]
		if !ok {
			return fmt.Errorf("memory: mapping %s: %w", marketID, domain.ErrNotFound)
		}
		out = cloneMapping(mm)
		return nil
	})
	return out, err
}

func (m mappingStore) ListActive(_ context.Context) ([]domain.MarketMapping, error) {
	var out []domain.MarketMapping
	err := m.v.read(func(d *data) error {
		for _, mm := range d.mappings {
			if mm.Active {
				out = append(out, cloneMapping(mm))
			}
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool { return out[i].MarketID < out[j].MarketID })
	return out, err
}

func (m mappingStore) TouchSynced(_ context.Context, marketID string, at time.Time) error {
	return m.v.write(func(d *data) error {
		mm, ok := d.mappings[marketID]
		if !ok {
			return fmt.Errorf("memory: mapping %s: %w", marketID, domain.ErrNotFound)
		}
		t := at
		mm.LastSyncedAt = &t
		d.mappings[marketID] = mm
		return nil
	})
}

// ── price points ──

type pointStore struct{ v view }

func (p pointStore) Upsert(_ context.Context, point domain.PricePoint) error {
	return p.v.write(func(d *data) error {
		d.points[pointKey{point.MarketID, point.OutcomeID, point.Bucket.UnixNano()}] = point
		return nil
	})
}

func (p pointStore) List(_ context.Context, marketID, outcomeID string, opts domain.ListOpts) ([]domain.PricePoint, error) {
	var out []domain.PricePoint
	err := p.v.read(func(d *data) error {
		for k, pt := range d.points {
			if k.marketID != marketID || (outcomeID != "" && k.outcomeID != outcomeID) {
				continue
			}
			if inRange(pt.Bucket, opts) {
				out = append(out, pt)
			}
		}
		return nil
	})
	sortPoints(out)
	return page(out, opts), err
}

func (p pointStore) ListBefore(_ context.Context, before time.Time, limit int) ([]domain.PricePoint, error) {
	var out []domain.PricePoint
	err := p.v.read(func(d *data) error {
		for _, pt := range d.points {
			if pt.Bucket.Before(before) {
				out = append(out, pt)
			}
		}
		return nil
	})
	sortPoints(out)
	return page(out, domain.ListOpts{Limit: limit}), err
}

func (p pointStore) DeleteBefore(_ context.Context, before time.Time) (int64, error) {
	var n int64
	err := p.v.read(func(d *data) error {
		for k, pt := range d.points {
			if pt.Bucket.Before(before) {
				delete(d.points, k)
				n++
			}
		}
		if n > 0 {
			d.writes++
		}
		return nil
	})
	return n, err
}

func sortPoints(pts []domain.PricePoint) {
	sort.Slice(pts, func(i, j int) bool {
		if !pts[i].Bucket.Equal(pts[j].Bucket) {
			return pts[i].Bucket.Before(pts[j].Bucket)
		}
		if pts[i].MarketID != pts[j].MarketID {
			return pts[i].MarketID < pts[j].MarketID
		}
		return pts[i].OutcomeID < pts[j].OutcomeID
	})
}

// ── orders ──

type orderStore struct{ v view }

func (o orderStore) Create(_ context.Context, order domain.Order) error {
	return o.v.write(func(d *data) error {
		for _, existing := range d.orders {
			if existing.ID == order.ID || (order.ClientOrderID != "" && existing.ClientOrderID == order.ClientOrderID) {
				return fmt.Errorf("memory: order %s: %w", order.ID, domain.ErrAlreadyExists)
			}
		}
		if order.CreatedAt.IsZero() {
			order.CreatedAt = o.v.s.now()
		}
		d.orders = append(d.orders, order)
		return nil
	})
}

func (o orderStore) find(match func(domain.Order) bool, what string) (domain.Order, error) {
	var out domain.Order
	err := o.v.read(func(d *data) error {
		for _, ord := range d.orders {
			if match(ord) {
				out = ord
				return nil
			}
		}
		return fmt.Errorf("memory: order %s: %w", what, domain.ErrNotFound)
	})
	return out, err
}

func (o orderStore) GetByID(_ context.Context, id string) (domain.Order, error) {
	return o.find(func(ord domain.Order) bool { return ord.ID == id }, id)
}

func (o orderStore) GetByClientID(_ context.Context, clientOrderID string) (domain.Order, error) {
	return o.find(func(ord domain.Order) bool { return ord.ClientOrderID == clientOrderID }, clientOrderID)
}

func (o orderStore) filter(match func(domain.Order) bool, opts domain.ListOpts) ([]domain.Order, error) {
	var out []domain.Order
	err := o.v.read(func(d *data) error {
		for i := len(d.orders) - 1; i >= 0; i-- {
			if match(d.orders[i]) && inRange(d.orders[i].CreatedAt, opts) {
				out = append(out, d.orders[i])
			}
		}
		return nil
	})
	return page(out, opts), err
}

func (o orderStore) ListByMarket(_ context.Context, marketID string, opts domain.ListOpts) ([]domain.Order, error) {
	return o.filter(func(ord domain.Order) bool { return ord.MarketID == marketID }, opts)
}

func (o orderStore) ListByUser(_ context.Context, userID string, opts domain.ListOpts) ([]domain.Order, error) {
	return o.filter(func(ord domain.Order) bool { return ord.UserID == userID }, opts)
}

// ── hedges ──

type hedgeStore struct{ v view }

func (h hedgeStore) Create(_ context.Context, hedge domain.HedgePosition) error {
	return h.v.write(func(d *data) error {
		for _, existing := range d.hedges {
			if existing.ID == hedge.ID || (hedge.OrderID != "" && existing.OrderID == hedge.OrderID) {
				return fmt.Errorf("memory: hedge %s: %w", hedge.ID, domain.ErrAlreadyExists)
			}
		}
		now := h.v.s.now()
		if hedge.CreatedAt.IsZero() {
			hedge.CreatedAt = now
		}
		hedge.UpdatedAt = now
		d.hedges = append(d.hedges, hedge)
		return nil
	})
}

func (h hedgeStore) find(match func(domain.HedgePosition) bool, what string) (domain.HedgePosition, error) {
	var out domain.HedgePosition
	err := h.v.read(func(d *data) error {
		for _, hp := range d.hedges {
			if match(hp) {
				out = hp
				return nil
			}
		}
		return fmt.Errorf("memory: hedge %s: %w", what, domain.ErrNotFound)
	})
	return out, err
}

func (h hedgeStore) GetByID(_ context.Context, id string) (domain.HedgePosition, error) {
	return h.find(func(hp domain.HedgePosition) bool { return hp.ID == id }, id)
}

func (h hedgeStore) GetByOrder(_ context.Context, orderID string) (domain.HedgePosition, error) {
	return h.find(func(hp domain.HedgePosition) bool { return hp.OrderID == orderID }, "for order "+orderID)
}

func (h hedgeStore) ListByStatus(_ context.Context, status domain.HedgeStatus, limit int) ([]domain.HedgePosition, error) {
	var out []domain.HedgePosition
	err := h.v.read(func(d *data) error {
		for _, hp := range d.hedges {
			if hp.Status == status {
				out = append(out, hp)
			}
		}
		return nil
	})
	return page(out, domain.ListOpts{Limit: limit}), err
}

func (h hedgeStore) List(_ context.Context, opts domain.ListOpts) ([]domain.HedgePosition, error) {
	var out []domain.HedgePosition
	err := h.v.read(func(d *data) error {
		for i := len(d.hedges) - 1; i >= 0; i-- {
			if inRange(d.hedges[i].CreatedAt, opts) {
				out = append(out, d.hedges[i])
			}
		}
		return nil
	})
	return page(out, opts), err
}

func (h hedgeStore) Transition(_ context.Context, id string, to domain.HedgeStatus, externalPrice, fees float64) error {
	return h.v.write(func(d *data) error {
		for i := range d.hedges {
			if d.hedges[i].ID != id {
				continue
			}
			if !d.hedges[i].Status.CanTransition(to) {
				return domain.Reject(domain.ErrValidation, "hedge %s cannot move from %s to %s", id, d.hedges[i].Status, to)
			}
			d.hedges[i].Status = to
			if externalPrice > 0 {
				d.hedges[i].ExternalPrice = externalPrice
			}
			d.hedges[i].Fees += fees
			d.hedges[i].UpdatedAt = h.v.s.now()
			return nil
		}
		return fmt.Errorf("memory: hedge %s: %w", id, domain.ErrNotFound)
	})
}

func (h hedgeStore) Stats(_ context.Context, since *time.Time) (domain.HedgeStats, error) {
	st := domain.HedgeStats{ByMarket: map[string]float64{}}
	err := h.v.read(func(d *data) error {
		for _, hp := range d.hedges {
			if since != nil && hp.CreatedAt.Before(*since) {
				continue
			}
			st.Total++
			switch hp.Status {
			case domain.HedgeStatusHedged:
				st.Hedged++
				st.NetProfit += hp.NetProfit
				st.Fees += hp.Fees
				if mk, ok := d.markets[hp.MarketID]; ok && !mk.Status.Terminal() {
					signed := hp.Size * hp.ExternalPrice
					if hp.Side == domain.OrderSideSell {
						signed = -signed
					}
					st.ByMarket[hp.MarketID] += signed
				}
			case domain.HedgeStatusFailed:
				st.Failed++
			case domain.HedgeStatusPending:
				st.Pending++
			}
		}
		return nil
	})
	if done := st.Hedged + st.Failed; done > 0 {
		st.SuccessRate = float64(st.Hedged) / float64(done)
	}
	return st, err
}

// ── positions ──

type positionStore struct{ v view }

func (p positionStore) Get(_ context.Context, userID, marketID, outcomeID string) (domain.Position, error) {
	var out domain.Position
	err := p.v.read(func(d *data) error {
		pos, ok := d.positions[posKey{userID, marketID, outcomeID}]
		if !ok {
			return fmt.Errorf("memory: position %s/%s/%s: %w", userID, marketID, outcomeID, domain.ErrNotFound)
		}
		out = pos
		return nil
	})
	return out, err
}

func (p positionStore) Upsert(_ context.Context, pos domain.Position) error {
	return p.v.write(func(d *data) error {
		pos.UpdatedAt = p.v.s.now()
		d.positions[posKey{pos.UserID, pos.MarketID, pos.OutcomeID}] = pos
		return nil
	})
}

func (p positionStore) collect(match func(posKey) bool) ([]domain.Position, error) {
	var out []domain.Position
	err := p.v.read(func(d *data) error {
		for k, pos := range d.positions {
			if match(k) {
				out = append(out, pos)
			}
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		return strings.Join([]string{a.UserID, a.MarketID, a.OutcomeID}, "\x00") <
			strings.Join([]string{b.UserID, b.MarketID, b.OutcomeID}, "\x00")
	})
	return out, err
}

func (p positionStore) ListByMarket(_ context.Context, marketID string) ([]domain.Position, error) {
	return p.collect(func(k posKey) bool { return k.marketID == marketID })
}

func (p positionStore) ListByUser(_ context.Context, userID string) ([]domain.Position, error) {
	return p.collect(func(k posKey) bool { return k.userID == userID })
}

// ── balances ──

type balanceStore struct{ v view }

func (b balanceStore) Get(_ context.Context, userID string) (domain.Balance, error) {
	out := domain.Balance{UserID: userID}
	err := b.v.read(func(d *data) error {
		if bal, ok := d.balances[userID]; ok {
			out = bal
		}
		return nil
	})
	return out, err
}

func (b balanceStore) Credit(_ context.Context, userID string, amount float64) (domain.Balance, error) {
	if amount < 0 {
		return domain.Balance{}, domain.Reject(domain.ErrValidation, "credit amount must be >= 0")
	}
	var out domain.Balance
	err := b.v.write(func(d *data) error {
		bal := d.balances[userID]
		bal.UserID = userID
		bal.Amount += amount
		bal.UpdatedAt = b.v.s.now()
		d.balances[userID] = bal
		out = bal
		return nil
	})
	return out, err
}

func (b balanceStore) Debit(_ context.Context, userID string, amount float64) (domain.Balance, error) {
	if amount < 0 {
		return domain.Balance{}, domain.Reject(domain.ErrValidation, "debit amount must be >= 0")
	}
	var out domain.Balance
	err := b.v.write(func(d *data) error {
		bal := d.balances[userID]
		if bal.Amount+1e-9 < amount {
			return domain.Reject(domain.ErrValidation, "insufficient balance: have %.2f, need %.2f", bal.Amount, amount)
		}
		bal.UserID = userID
		bal.Amount -= amount
		bal.UpdatedAt = b.v.s.now()
		d.balances[userID] = bal
		out = bal
		return nil
	})
	return out, err
}

// ── risk snapshots ──

type riskStore struct{ v view }

func (r riskStore) Insert(_ context.Context, snap domain.RiskSnapshot) error {
	return r.v.write(func(d *data) error {
		snap.ID = int64(len(d.snapshots) + 1)
		d.snapshots = append(d.snapshots, snap)
		return nil
	})
}

func (r riskStore) Latest(_ context.Context) (domain.RiskSnapshot, error) {
	var out domain.RiskSnapshot
	err := r.v.read(func(d *data) error {
		if len(d.snapshots) == 0 {
			return fmt.Errorf("memory: risk snapshot: %w", domain.ErrNotFound)
		}
		out = d.snapshots[len(d.snapshots)-1]
		return nil
	})
	return out, err
}

func (r riskStore) List(_ context.Context, opts domain.ListOpts) ([]domain.RiskSnapshot, error) {
	var out []domain.RiskSnapshot
	err := r.v.read(func(d *data) error {
		for i := len(d.snapshots) - 1; i >= 0; i-- {
			if inRange(d.snapshots[i].TakenAt, opts) {
				out = append(out, d.snapshots[i])
			}
		}
		return nil
	})
	return page(out, opts), err
}

// ── hedge config ──

type hedgeConfigStore struct{ v view }

func (h hedgeConfigStore) Get(_ context.Context) (domain.HedgeConfig, error) {
	var out domain.HedgeConfig
	err := h.v.read(func(d *data) error {
		if d.hedgeCfg == nil {
			return fmt.Errorf("memory: hedge config: %w", domain.ErrNotFound)
		}
		out = *d.hedgeCfg
		return nil
	})
	return out, err
}

func (h hedgeConfigStore) Put(_ context.Context, cfg domain.HedgeConfig) error {
	return h.v.write(func(d *data) error {
		d.hedgeCfg = &cfg
		return nil
	})
}

// ── audit ──

type auditStore struct{ v view }

func (a auditStore) Log(_ context.Context, event string, detail map[string]any) error {
	return a.v.write(func(d *data) error {
		d.audit = append(d.audit, domain.AuditEntry{
			ID:        int64(len(d.audit) + 1),
			Event:     event,
			Detail:    detail,
			CreatedAt: a.v.s.now(),
		})
		return nil
	})
}

func (a auditStore) List(_ context.Context, opts domain.ListOpts) ([]domain.AuditEntry, error) {
	var out []domain.AuditEntry
	err := a.v.read(func(d *data) error {
		for i := len(d.audit) - 1; i >= 0; i-- {
			if inRange(d.audit[i].CreatedAt, opts) {
				out = append(out, d.audit[i])
			}
		}
		return nil
	})
	return page(out, opts), err
}
