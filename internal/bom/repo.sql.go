package bom

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/odyssey-erp/odyssey-mfg/internal/platform/db"
)

// bomGraphLockKey serialises every mutation of the BOM component graph.
const bomGraphLockKey int64 = 0x626f6d67

type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Repository provides PostgreSQL backed persistence.
type Repository struct {
	pool        *pgxpool.Pool
	lockTimeout time.Duration
}

// NewRepository constructs a repository. lockTimeout bounds the wait for the
// graph lock; zero waits indefinitely.
func NewRepository(pool *pgxpool.Pool, lockTimeout time.Duration) *Repository {
	return &Repository{pool: pool, lockTimeout: lockTimeout}
}

// WithGraphTx wraps fn in a read-committed transaction holding the graph lock.
// Read committed gives every statement after the lock a snapshot that includes
// the writes of the previous lock holder.
func (r *Repository) WithGraphTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	return db.WithTx(ctx, r.pool, pgx.TxOptions{IsoLevel: pgx.ReadCommitted}, func(tx pgx.Tx) error {
		if err := db.SetLockTimeout(ctx, tx, r.lockTimeout); err != nil {
			return err
		}
		if err := db.AdvisoryXactLock(ctx, tx, bomGraphLockKey); err != nil {
			return err
		}
		return fn(ctx, &txRepo{q: tx})
	})
}

// Header loads a BOM header.
func (r *Repository) Header(ctx context.Context, id int64) (Header, error) {
	return selectHeader(ctx, r.pool, id, false)
}

// Components loads the lines of a BOM.
func (r *Repository) Components(ctx context.Context, bomID int64) ([]Component, error) {
	return selectComponents(ctx, r.pool, bomID)
}

// Operations loads the operations of a BOM.
func (r *Repository) Operations(ctx context.Context, bomID int64) ([]Operation, error) {
	return selectOperations(ctx, r.pool, bomID)
}

// IDs lists every BOM id.
func (r *Repository) IDs(ctx context.Context) ([]int64, error) {
	rows, err := r.pool.Query(ctx, `SELECT id FROM boms ORDER BY id`)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[int64])
}

// List returns BOM summaries and the total row count matching filters.
func (r *Repository) List(ctx context.Context, filters ListFilters) ([]Summary, int, error) {
	args := []any{}
	where := "WHERE 1=1"
	if filters.Status != "" {
		args = append(args, string(filters.Status))
		where += fmt.Sprintf(" AND b.status = $%d", len(args))
	}
	if filters.Search != "" {
		args = append(args, "%"+filters.Search+"%")
		where += fmt.Sprintf(" AND (b.name ILIKE $%d OR b.description ILIKE $%d)", len(args), len(args))
	}

	var total int
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM boms b `+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	offset := (filters.Page - 1) * filters.Limit
	args = append(args, filters.Limit, offset)
	query := `SELECT b.id, b.name, COALESCE(b.description, ''), b.finished_product_id, b.version, b.status,
       b.overhead_cost, b.unit_cost, b.labor_cost, b.total_cost, b.created_by, b.created_at, b.updated_at,
       COALESCE(i.name, ''), COALESCE(u.name, ''),
       (SELECT COUNT(*) FROM bom_components c WHERE c.bom_id = b.id),
       (SELECT COUNT(*) FROM bom_operations o WHERE o.bom_id = b.id)
FROM boms b
LEFT JOIN inventory_items i ON i.id = b.finished_product_id
LEFT JOIN users u ON u.id = b.created_by
` + where + fmt.Sprintf(" ORDER BY b.created_at DESC, b.id DESC LIMIT $%d OFFSET $%d", len(args)-1, len(args))

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var out []Summary
	for rows.Next() {
		var s Summary
		var status string
		if err := rows.Scan(&s.ID, &s.Name, &s.Description, &s.FinishedProductID, &s.Version, &status,
			&s.OverheadCost, &s.CachedUnitCost, &s.CachedLaborCost, &s.CachedTotalCost, &s.CreatedBy, &s.CreatedAt, &s.UpdatedAt,
			&s.FinishedProductName, &s.CreatedByName, &s.ComponentCount, &s.OperationCount); err != nil {
			return nil, 0, err
		}
		s.Status = Status(status)
		out = append(out, s)
	}
	return out, total, rows.Err()
}

type txRepo struct {
	q querier
}

func (t *txRepo) Header(ctx context.Context, id int64) (Header, error) {
	return selectHeader(ctx, t.q, id, false)
}

func (t *txRepo) LockHeader(ctx context.Context, id int64) (Header, error) {
	return selectHeader(ctx, t.q, id, true)
}

func (t *txRepo) Components(ctx context.Context, bomID int64) ([]Component, error) {
	return selectComponents(ctx, t.q, bomID)
}

func (t *txRepo) Operations(ctx context.Context, bomID int64) ([]Operation, error) {
	return selectOperations(ctx, t.q, bomID)
}

func (t *txRepo) SubBOMIDs(ctx context.Context, bomID int64) ([]int64, error) {
	rows, err := t.q.Query(ctx, `SELECT DISTINCT component_bom_id FROM bom_components
WHERE bom_id = $1 AND component_type = 'bom' AND component_bom_id IS NOT NULL
ORDER BY component_bom_id`, bomID)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[int64])
}

func (t *txRepo) ParentIDs(ctx context.Context, id int64) ([]int64, error) {
	rows, err := t.q.Query(ctx, `SELECT DISTINCT bom_id FROM bom_components
WHERE component_type = 'bom' AND component_bom_id = $1
ORDER BY bom_id`, id)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[int64])
}

func (t *txRepo) ExistingBOMs(ctx context.Context, ids []int64) (map[int64]bool, error) {
	out := make(map[int64]bool, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	rows, err := t.q.Query(ctx, `SELECT id FROM boms WHERE id = ANY($1)`, ids)
	if err != nil {
		return nil, err
	}
	found, err := pgx.CollectRows(rows, pgx.RowTo[int64])
	if err != nil {
		return nil, err
	}
	for _, id := range found {
		out[id] = true
	}
	return out, nil
}

func (t *txRepo) InsertHeader(ctx context.Context, h Header) (int64, error) {
	var id int64
	err := t.q.QueryRow(ctx, `INSERT INTO boms (name, description, finished_product_id, version, status, overhead_cost, created_by, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, NOW(), NOW()) RETURNING id`,
		h.Name, h.Description, h.FinishedProductID, h.Version, string(h.Status), h.OverheadCost, h.CreatedBy).Scan(&id)
	return id, err
}

func (t *txRepo) UpdateHeader(ctx context.Context, h Header) error {
	tag, err := t.q.Exec(ctx, `UPDATE boms SET name=$2, description=$3, finished_product_id=$4, version=$5, status=$6, overhead_cost=$7, updated_at=NOW()
WHERE id=$1`, h.ID, h.Name, h.Description, h.FinishedProductID, h.Version, string(h.Status), h.OverheadCost)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (t *txRepo) ReplaceComponents(ctx context.Context, bomID int64, comps []Component) error {
	if _, err := t.q.Exec(ctx, `DELETE FROM bom_components WHERE bom_id=$1`, bomID); err != nil {
		return err
	}
	for _, comp := range comps {
		var itemID, subID *int64
		if id, ok := comp.ItemID(); ok {
			itemID = &id
		}
		if id, ok := comp.SubBOMID(); ok {
			subID = &id
		}
		if _, err := t.q.Exec(ctx, `INSERT INTO bom_components (bom_id, component_type, item_id, component_bom_id, quantity, unit_id, waste_factor, notes, sort_order)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
			bomID, string(comp.Ref.Kind()), itemID, subID, comp.Quantity, comp.UnitID, comp.WasteFactor, comp.Notes, comp.SortOrder); err != nil {
			return err
		}
	}
	return nil
}

func (t *txRepo) ReplaceOperations(ctx context.Context, bomID int64, ops []Operation) error {
	if _, err := t.q.Exec(ctx, `DELETE FROM bom_operations WHERE bom_id=$1`, bomID); err != nil {
		return err
	}
	for _, op := range ops {
		if _, err := t.q.Exec(ctx, `INSERT INTO bom_operations (bom_id, operation_name, description, estimated_time_minutes, labor_rate, machine_required, skill_level, notes, sequence_number)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
			bomID, op.Name, op.Description, op.EstimatedMinutes, op.LaborRate, op.MachineRequired, string(op.SkillLevel), op.Notes, op.Sequence); err != nil {
			return err
		}
	}
	return nil
}

func (t *txRepo) UpdateCachedCost(ctx context.Context, id int64, cost Cost) error {
	_, err := t.q.Exec(ctx, `UPDATE boms SET unit_cost=$2, labor_cost=$3, total_cost=$4 WHERE id=$1`,
		id, cost.MaterialCost, cost.LaborCost, cost.TotalCost)
	return err
}

func (t *txRepo) ProductionOrderCount(ctx context.Context, id int64) (int, error) {
	var n int
	err := t.q.QueryRow(ctx, `SELECT COUNT(*) FROM production_orders WHERE bom_id=$1`, id).Scan(&n)
	return n, err
}

func (t *txRepo) Delete(ctx context.Context, id int64) error {
	if _, err := t.q.Exec(ctx, `DELETE FROM bom_operations WHERE bom_id=$1`, id); err != nil {
		return err
	}
	if _, err := t.q.Exec(ctx, `DELETE FROM bom_components WHERE bom_id=$1`, id); err != nil {
		return err
	}
	tag, err := t.q.Exec(ctx, `DELETE FROM boms WHERE id=$1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func selectHeader(ctx context.Context, q querier, id int64, forUpdate bool) (Header, error) {
	query := `SELECT id, name, COALESCE(description, ''), finished_product_id, version, status,
       overhead_cost, unit_cost, labor_cost, total_cost, created_by, created_at, updated_at
FROM boms WHERE id=$1`
	if forUpdate {
		query += " FOR UPDATE"
	}
	var h Header
	var status string
	err := q.QueryRow(ctx, query, id).Scan(&h.ID, &h.Name, &h.Description, &h.FinishedProductID, &h.Version, &status,
		&h.OverheadCost, &h.CachedUnitCost, &h.CachedLaborCost, &h.CachedTotalCost, &h.CreatedBy, &h.CreatedAt, &h.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Header{}, ErrNotFound
		}
		return Header{}, err
	}
	h.Status = Status(status)
	return h, nil
}

func selectComponents(ctx context.Context, q querier, bomID int64) ([]Component, error) {
	rows, err := q.Query(ctx, `SELECT id, bom_id, component_type, item_id, component_bom_id, quantity, unit_id, waste_factor, COALESCE(notes, ''), sort_order
FROM bom_components WHERE bom_id=$1 ORDER BY sort_order, id`, bomID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Component
	for rows.Next() {
		var c Component
		var kind string
		var itemID, subID *int64
		if err := rows.Scan(&c.ID, &c.BOMID, &kind, &itemID, &subID, &c.Quantity, &c.UnitID, &c.WasteFactor, &c.Notes, &c.SortOrder); err != nil {
			return nil, err
		}
		switch {
		case ComponentKind(kind) == KindBOM && subID != nil:
			c.Ref = SubBOMRef{BOMID: *subID}
		case ComponentKind(kind) == KindItem && itemID != nil:
			c.Ref = ItemRef{ItemID: *itemID}
		default:
			return nil, fmt.Errorf("bom: component %d has inconsistent reference", c.ID)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func selectOperations(ctx context.Context, q querier, bomID int64) ([]Operation, error) {
	rows, err := q.Query(ctx, `SELECT id, bom_id, operation_name, COALESCE(description, ''), estimated_time_minutes, labor_rate,
       COALESCE(machine_required, ''), skill_level, COALESCE(notes, ''), sequence_number
FROM bom_operations WHERE bom_id=$1 ORDER BY sequence_number, id`, bomID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Operation
	for rows.Next() {
		var op Operation
		var skill string
		if err := rows.Scan(&op.ID, &op.BOMID, &op.Name, &op.Description, &op.EstimatedMinutes, &op.LaborRate,
			&op.MachineRequired, &skill, &op.Notes, &op.Sequence); err != nil {
			return nil, err
		}
		op.SkillLevel = SkillLevel(skill)
		out = append(out, op)
	}
	return out, rows.Err()
}

var (
	_ RepositoryPort = (*Repository)(nil)
	_ TxRepository   = (*txRepo)(nil)
)
