package bom

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/shopspring/decimal"
)

// Requirement is the gross quantity of one inventory item needed for a build.
type Requirement struct {
	ItemID       int64           `json:"item_id"`
	SKU          string          `json:"sku,omitempty"`
	Name         string          `json:"name,omitempty"`
	Quantity     decimal.Decimal `json:"quantity"`
	UnitCost     decimal.Decimal `json:"unit_cost"`
	ExtendedCost decimal.Decimal `json:"extended_cost"`
}

// Requirements is the material explosion of a BOM for a build quantity.
type Requirements struct {
	BOMID    int64           `json:"bom_id"`
	Quantity decimal.Decimal `json:"quantity"`
	Items    []Requirement   `json:"requirements"`
	Warnings []Warning       `json:"warnings"`
}

// Explode flattens bomID into leaf inventory items for quantity builds. Component
// quantities multiply through every level including waste. Unresolvable branches
// follow the same policy as Resolve.
func (r *Resolver) Explode(ctx context.Context, bomID int64, quantity decimal.Decimal) (Requirements, error) {
	if !quantity.IsPositive() {
		return Requirements{}, validationFailure("quantity", "Quantity must be greater than zero")
	}
	run := &explosion{resolver: r, memo: make(map[int64]explodedBOM)}
	root, err := run.perUnit(ctx, bomID, nil)
	if err != nil {
		return Requirements{}, err
	}

	ids := make([]int64, 0, len(root.items))
	for id := range root.items {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	warnings := root.warnings
	found := map[int64]Requirement{}
	if len(ids) > 0 && r.items != nil {
		items, err := r.items.Items(ctx, ids)
		if err != nil {
			return Requirements{}, fmt.Errorf("bom: lookup items: %w", err)
		}
		for id, item := range items {
			found[id] = Requirement{SKU: item.SKU, Name: item.Name, UnitCost: item.UnitPrice}
		}
	}

	out := Requirements{BOMID: bomID, Quantity: quantity, Items: make([]Requirement, 0, len(ids))}
	for _, id := range ids {
		req, ok := found[id]
		if !ok {
			req.UnitCost = decimal.Zero
			warnings = append(warnings, Warning{
				Kind:    WarnMissingItem,
				BOMID:   bomID,
				RefID:   id,
				Message: fmt.Sprintf("inventory item %d not found", id),
			})
		}
		req.ItemID = id
		req.Quantity = root.items[id].Mul(quantity)
		req.ExtendedCost = req.Quantity.Mul(req.UnitCost)
		out.Items = append(out.Items, req)
	}
	out.Warnings = dedupeWarnings(warnings)
	return out, nil
}

type explodedBOM struct {
	items    map[int64]decimal.Decimal
	warnings []Warning
}

type explosion struct {
	resolver *Resolver
	visits   int
	memo     map[int64]explodedBOM
}

// perUnit returns the leaf item quantities needed for one unit of id.
func (run *explosion) perUnit(ctx context.Context, id int64, ancestors []int64) (explodedBOM, error) {
	if cached, ok := run.memo[id]; ok {
		return cached, nil
	}
	run.visits++
	if run.visits > run.resolver.maxNodes {
		return explodedBOM{}, ErrGraphLimit
	}
	if err := ctx.Err(); err != nil {
		return explodedBOM{}, err
	}
	if _, err := run.resolver.source.Header(ctx, id); err != nil {
		return explodedBOM{}, err
	}
	comps, err := run.resolver.source.Components(ctx, id)
	if err != nil {
		return explodedBOM{}, fmt.Errorf("bom: load components of %d: %w", id, err)
	}

	path := append(append([]int64(nil), ancestors...), id)
	result := explodedBOM{items: make(map[int64]decimal.Decimal)}
	for _, comp := range comps {
		factor := comp.Quantity.Mul(one.Add(comp.WasteFactor))
		switch ref := comp.Ref.(type) {
		case ItemRef:
			result.items[ref.ItemID] = result.items[ref.ItemID].Add(factor)
		case SubBOMRef:
			if containsID(path, ref.BOMID) {
				result.warnings = append(result.warnings, Warning{
					Kind:        WarnCycle,
					BOMID:       id,
					ComponentID: comp.ID,
					RefID:       ref.BOMID,
					Message:     fmt.Sprintf("sub-BOM %d loops back to an ancestor of BOM %d", ref.BOMID, id),
				})
				continue
			}
			child, err := run.perUnit(ctx, ref.BOMID, path)
			if errors.Is(err, ErrNotFound) {
				result.warnings = append(result.warnings, Warning{
					Kind:        WarnMissingBOM,
					BOMID:       id,
					ComponentID: comp.ID,
					RefID:       ref.BOMID,
					Message:     fmt.Sprintf("sub-BOM %d not found", ref.BOMID),
				})
				continue
			}
			if err != nil {
				return explodedBOM{}, err
			}
			for itemID, qty := range child.items {
				result.items[itemID] = result.items[itemID].Add(qty.Mul(factor))
			}
			result.warnings = append(result.warnings, child.warnings...)
		}
	}
	if !hasCycleWarning(result.warnings) {
		run.memo[id] = result
	}
	return result, nil
}

func containsID(ids []int64, id int64) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}
