package bom

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/odyssey-mfg/internal/inventory"
	"github.com/odyssey-erp/odyssey-mfg/internal/shared"
)

// graphState is the data a memoryRepo holds; transactions work on a copy.
type graphState struct {
	headers map[int64]Header
	comps   map[int64][]Component
	ops     map[int64][]Operation
	orders  map[int64]int
	nextID  int64
}

func newGraphState() *graphState {
	return &graphState{
		headers: map[int64]Header{},
		comps:   map[int64][]Component{},
		ops:     map[int64][]Operation{},
		orders:  map[int64]int{},
	}
}

func (g *graphState) clone() *graphState {
	out := newGraphState()
	out.nextID = g.nextID
	for k, v := range g.headers {
		out.headers[k] = v
	}
	for k, v := range g.comps {
		out.comps[k] = append([]Component(nil), v...)
	}
	for k, v := range g.ops {
		out.ops[k] = append([]Operation(nil), v...)
	}
	for k, v := range g.orders {
		out.orders[k] = v
	}
	return out
}

func (g *graphState) header(id int64) (Header, error) {
	h, ok := g.headers[id]
	if !ok {
		return Header{}, ErrNotFound
	}
	return h, nil
}

func (g *graphState) subIDs(id int64) []int64 {
	var out []int64
	for _, c := range g.comps[id] {
		if sub, ok := c.SubBOMID(); ok && !containsID(out, sub) {
			out = append(out, sub)
		}
	}
	return out
}

// memoryRepo implements RepositoryPort in memory. It is safe for concurrent use.
type memoryRepo struct {
	mu     sync.Mutex
	txMu   sync.Mutex
	state  *graphState
	txErr  error
	txRuns int
}

func newMemoryRepo() *memoryRepo {
	return &memoryRepo{state: newGraphState()}
}

// putBOM stores a BOM directly, bypassing the service.
func (m *memoryRepo) putBOM(h Header, comps []Component, ops []Operation) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if h.Status == "" {
		h.Status = StatusDraft
	}
	if h.Version == "" {
		h.Version = DefaultVersion
	}
	m.state.headers[h.ID] = h
	for i := range comps {
		comps[i].BOMID = h.ID
		if comps[i].ID == 0 {
			comps[i].ID = h.ID*100 + int64(i) + 1
		}
	}
	m.state.comps[h.ID] = comps
	m.state.ops[h.ID] = ops
	if h.ID > m.state.nextID {
		m.state.nextID = h.ID
	}
}

func (m *memoryRepo) Header(_ context.Context, id int64) (Header, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.header(id)
}

func (m *memoryRepo) Components(_ context.Context, bomID int64) ([]Component, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Component(nil), m.state.comps[bomID]...), nil
}

func (m *memoryRepo) Operations(_ context.Context, bomID int64) ([]Operation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Operation(nil), m.state.ops[bomID]...), nil
}

func (m *memoryRepo) SubBOMIDs(_ context.Context, bomID int64) ([]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.subIDs(bomID), nil
}

func (m *memoryRepo) IDs(context.Context) ([]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]int64, 0, len(m.state.headers))
	for id := range m.state.headers {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

func (m *memoryRepo) List(_ context.Context, f ListFilters) ([]Summary, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var all []Summary
	for _, h := range m.state.headers {
		if f.Status != "" && h.Status != f.Status {
			continue
		}
		if f.Search != "" && !strings.Contains(strings.ToLower(h.Name), strings.ToLower(f.Search)) {
			continue
		}
		all = append(all, Summary{Header: h, ComponentCount: len(m.state.comps[h.ID]), OperationCount: len(m.state.ops[h.ID])})
	}
	sort.Slice(all, func(i, j int) bool { return all[i].ID < all[j].ID })
	start := (f.Page - 1) * f.Limit
	if start > len(all) {
		start = len(all)
	}
	end := start + f.Limit
	if end > len(all) {
		end = len(all)
	}
	return all[start:end], len(all), nil
}

func (m *memoryRepo) WithGraphTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	m.txMu.Lock()
	defer m.txMu.Unlock()
	m.mu.Lock()
	m.txRuns++
	if m.txErr != nil {
		err := m.txErr
		m.mu.Unlock()
		return err
	}
	work := m.state.clone()
	m.mu.Unlock()

	if err := fn(ctx, &memoryTx{state: work}); err != nil {
		return err
	}
	m.mu.Lock()
	m.state = work
	m.mu.Unlock()
	return nil
}

func (m *memoryRepo) snapshot() *graphState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.clone()
}

type memoryTx struct {
	state *graphState
}

func (t *memoryTx) Header(_ context.Context, id int64) (Header, error) { return t.state.header(id) }

func (t *memoryTx) LockHeader(_ context.Context, id int64) (Header, error) {
	return t.state.header(id)
}

func (t *memoryTx) Components(_ context.Context, bomID int64) ([]Component, error) {
	return append([]Component(nil), t.state.comps[bomID]...), nil
}

func (t *memoryTx) Operations(_ context.Context, bomID int64) ([]Operation, error) {
	return append([]Operation(nil), t.state.ops[bomID]...), nil
}

func (t *memoryTx) SubBOMIDs(_ context.Context, bomID int64) ([]int64, error) {
	return t.state.subIDs(bomID), nil
}

// numeric mirrors a NUMERIC(18,4) column, which rounds on write.
func numeric(d decimal.Decimal) decimal.Decimal {
	return d.Round(StoredPlaces)
}

func checkViolation(constraint string) error {
	return &pgconn.PgError{Code: "23514", ConstraintName: constraint}
}

func (t *memoryTx) InsertHeader(_ context.Context, h Header) (int64, error) {
	h.OverheadCost = numeric(h.OverheadCost)
	if h.OverheadCost.IsNegative() {
		return 0, checkViolation("boms_overhead_cost_check")
	}
	t.state.nextID++
	h.ID = t.state.nextID
	h.CreatedAt = time.Now().UTC()
	h.UpdatedAt = h.CreatedAt
	t.state.headers[h.ID] = h
	return h.ID, nil
}

func (t *memoryTx) UpdateHeader(_ context.Context, h Header) error {
	cur, ok := t.state.headers[h.ID]
	if !ok {
		return ErrNotFound
	}
	h.OverheadCost = numeric(h.OverheadCost)
	if h.OverheadCost.IsNegative() {
		return checkViolation("boms_overhead_cost_check")
	}
	h.CreatedAt = cur.CreatedAt
	h.CachedUnitCost, h.CachedLaborCost, h.CachedTotalCost = cur.CachedUnitCost, cur.CachedLaborCost, cur.CachedTotalCost
	h.UpdatedAt = time.Now().UTC()
	t.state.headers[h.ID] = h
	return nil
}

func (t *memoryTx) ReplaceComponents(_ context.Context, bomID int64, comps []Component) error {
	out := make([]Component, len(comps))
	for i, c := range comps {
		c.BOMID = bomID
		c.ID = bomID*100 + int64(i) + 1
		c.Quantity = numeric(c.Quantity)
		c.WasteFactor = numeric(c.WasteFactor)
		switch {
		case c.Ref == nil:
			return checkViolation("bom_components_ref_chk")
		case !c.Quantity.IsPositive():
			return checkViolation("bom_components_quantity_check")
		case c.WasteFactor.IsNegative():
			return checkViolation("bom_components_waste_factor_check")
		}
		if sub, ok := c.SubBOMID(); ok && sub == bomID {
			return checkViolation("bom_components_self_chk")
		}
		// unit_id is nullable.
		out[i] = c
	}
	t.state.comps[bomID] = out
	return nil
}

func (t *memoryTx) ReplaceOperations(_ context.Context, bomID int64, ops []Operation) error {
	out := make([]Operation, len(ops))
	for i, op := range ops {
		op.BOMID = bomID
		op.ID = bomID*100 + int64(i) + 1
		op.LaborRate = numeric(op.LaborRate)
		if op.EstimatedMinutes <= 0 || op.LaborRate.IsNegative() {
			return checkViolation("bom_operations_check")
		}
		out[i] = op
	}
	t.state.ops[bomID] = out
	return nil
}

func (t *memoryTx) ExistingBOMs(_ context.Context, ids []int64) (map[int64]bool, error) {
	out := map[int64]bool{}
	for _, id := range ids {
		if _, ok := t.state.headers[id]; ok {
			out[id] = true
		}
	}
	return out, nil
}

func (t *memoryTx) UpdateCachedCost(_ context.Context, id int64, cost Cost) error {
	h, ok := t.state.headers[id]
	if !ok {
		return ErrNotFound
	}
	h.CachedUnitCost, h.CachedLaborCost, h.CachedTotalCost = numeric(cost.MaterialCost), numeric(cost.LaborCost), numeric(cost.TotalCost)
	t.state.headers[id] = h
	return nil
}

func (t *memoryTx) ParentIDs(_ context.Context, id int64) ([]int64, error) {
	var out []int64
	for owner := range t.state.comps {
		if containsID(t.state.subIDs(owner), id) {
			out = append(out, owner)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

func (t *memoryTx) ProductionOrderCount(_ context.Context, id int64) (int, error) {
	return t.state.orders[id], nil
}

func (t *memoryTx) Delete(_ context.Context, id int64) error {
	if _, ok := t.state.headers[id]; !ok {
		return ErrNotFound
	}
	delete(t.state.headers, id)
	delete(t.state.comps, id)
	delete(t.state.ops, id)
	return nil
}

type memoryCatalog struct {
	items map[int64]inventory.Item
	units map[int64]inventory.Unit
	err   error
}

func (c *memoryCatalog) Items(_ context.Context, ids []int64) (map[int64]inventory.Item, error) {
	if c.err != nil {
		return nil, c.err
	}
	out := map[int64]inventory.Item{}
	for _, id := range ids {
		if item, ok := c.items[id]; ok {
			out[id] = item
		}
	}
	return out, nil
}

func (c *memoryCatalog) Units(_ context.Context, ids []int64) (map[int64]inventory.Unit, error) {
	out := map[int64]inventory.Unit{}
	for _, id := range ids {
		if u, ok := c.units[id]; ok {
			out[id] = u
		}
	}
	return out, nil
}

func newCatalog(prices map[int64]string) *memoryCatalog {
	c := &memoryCatalog{
		items: map[int64]inventory.Item{},
		units: map[int64]inventory.Unit{1: {ID: 1, Name: "Piece", Abbreviation: "pcs"}},
	}
	for id, price := range prices {
		c.items[id] = inventory.Item{ID: id, SKU: "SKU-" + decimal.NewFromInt(id).String(), Name: "Item " + decimal.NewFromInt(id).String(), UnitPrice: decimal.RequireFromString(price)}
	}
	return c
}

type recordingAudit struct {
	mu   sync.Mutex
	logs []shared.AuditLog
}

func (a *recordingAudit) Record(_ context.Context, log shared.AuditLog) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.logs = append(a.logs, log)
	return nil
}

type memoryIdempotency struct {
	mu   sync.Mutex
	keys map[string]bool
}

func (m *memoryIdempotency) CheckAndInsert(_ context.Context, key, _ string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.keys == nil {
		m.keys = map[string]bool{}
	}
	if m.keys[key] {
		return shared.ErrIdempotencyConflict
	}
	m.keys[key] = true
	return nil
}

func (m *memoryIdempotency) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.keys, key)
	return nil
}

type recordingScheduler struct {
	mu  sync.Mutex
	ids []int64
	err error
}

func (s *recordingScheduler) ScheduleRecost(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ids = append(s.ids, id)
	return s.err
}

func (s *recordingScheduler) scheduled() []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int64(nil), s.ids...)
}

var errBoom = errors.New("boom")

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func item(id int64, qty, waste string) Component {
	return Component{Ref: ItemRef{ItemID: id}, Quantity: dec(qty), WasteFactor: dec(waste)}
}

func sub(id int64, qty, waste string) Component {
	return Component{Ref: SubBOMRef{BOMID: id}, Quantity: dec(qty), WasteFactor: dec(waste)}
}

func op(minutes int, rate string) Operation {
	return Operation{Name: "Assemble", EstimatedMinutes: minutes, LaborRate: dec(rate), SkillLevel: SkillBasic}
}
