package inventory

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
)

// Querier is the subset of pgxpool.Pool and pgx.Tx used by the catalog.
type Querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// Catalog answers item and unit lookups for costing.
type Catalog struct {
	db Querier
}

// NewCatalog constructs Catalog.
func NewCatalog(db Querier) *Catalog {
	return &Catalog{db: db}
}

// Items returns the requested items keyed by id. Unknown or deleted ids are absent.
func (c *Catalog) Items(ctx context.Context, ids []int64) (map[int64]Item, error) {
	if c == nil || c.db == nil {
		return nil, errors.New("inventory catalog not initialised")
	}
	out := make(map[int64]Item, len(ids))
	ids = uniqueIDs(ids)
	if len(ids) == 0 {
		return out, nil
	}
	rows, err := c.db.Query(ctx, `SELECT id, sku, name, COALESCE(unit_price, 0), unit_id
FROM inventory_items
WHERE id = ANY($1) AND deleted_at IS NULL`, ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var item Item
		if err := rows.Scan(&item.ID, &item.SKU, &item.Name, &item.UnitPrice, &item.UnitID); err != nil {
			return nil, err
		}
		out[item.ID] = item
	}
	return out, rows.Err()
}

// Units returns the requested units of measure keyed by id.
func (c *Catalog) Units(ctx context.Context, ids []int64) (map[int64]Unit, error) {
	if c == nil || c.db == nil {
		return nil, errors.New("inventory catalog not initialised")
	}
	out := make(map[int64]Unit, len(ids))
	ids = uniqueIDs(ids)
	if len(ids) == 0 {
		return out, nil
	}
	rows, err := c.db.Query(ctx, `SELECT id, name, abbreviation FROM units WHERE id = ANY($1)`, ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var unit Unit
		if err := rows.Scan(&unit.ID, &unit.Name, &unit.Abbreviation); err != nil {
			return nil, err
		}
		out[unit.ID] = unit
	}
	return out, rows.Err()
}

func uniqueIDs(ids []int64) []int64 {
	seen := make(map[int64]struct{}, len(ids))
	out := make([]int64, 0, len(ids))
	for _, id := range ids {
		if id <= 0 {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
