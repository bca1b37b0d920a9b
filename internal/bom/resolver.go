package bom

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/odyssey-erp/odyssey-mfg/internal/inventory"
)

// Source is the read surface cost resolution walks.
type Source interface {
	// Header returns ErrNotFound when the BOM does not exist.
	Header(ctx context.Context, id int64) (Header, error)
	// Components returns the lines of a BOM in stored order.
	Components(ctx context.Context, bomID int64) ([]Component, error)
	// Operations returns the operations of a BOM in sequence order.
	Operations(ctx context.Context, bomID int64) ([]Operation, error)
}

// ItemLookup returns inventory items by id. Missing ids are absent from the map.
type ItemLookup interface {
	Items(ctx context.Context, ids []int64) (map[int64]inventory.Item, error)
}

// WarningKind classifies a degraded branch of a resolution.
type WarningKind string

const (
	WarnMissingItem WarningKind = "missing_item"
	WarnMissingBOM  WarningKind = "missing_bom"
	WarnCycle       WarningKind = "cycle"
)

// Warning reports a component that contributed zero cost because its reference could not be resolved.
type Warning struct {
	Kind        WarningKind `json:"kind"`
	BOMID       int64       `json:"bom_id"`
	ComponentID int64       `json:"component_id,omitempty"`
	RefID       int64       `json:"ref_id"`
	Message     string      `json:"message"`
}

// LineCost is a component annotated with its resolved cost.
type LineCost struct {
	ComponentID int64           `json:"component_id"`
	Kind        ComponentKind   `json:"component_type"`
	RefID       int64           `json:"ref_id"`
	Quantity    decimal.Decimal `json:"quantity"`
	WasteFactor decimal.Decimal `json:"waste_factor"`
	UnitID      *int64          `json:"unit_id,omitempty"`
	Notes       string          `json:"notes,omitempty"`
	SortOrder   int             `json:"sort_order"`
	Name        string          `json:"name,omitempty"`
	SKU         string          `json:"sku,omitempty"`
	Version     string          `json:"version,omitempty"`
	UnitCost    decimal.Decimal `json:"unit_cost"`
	TotalCost   decimal.Decimal `json:"total_cost"`
	Unresolved  bool            `json:"unresolved,omitempty"`
}

// OperationCost is an operation annotated with its labor cost.
type OperationCost struct {
	OperationID      int64           `json:"operation_id"`
	Name             string          `json:"operation_name"`
	Description      string          `json:"description,omitempty"`
	EstimatedMinutes int             `json:"estimated_time_minutes"`
	LaborRate        decimal.Decimal `json:"labor_rate"`
	MachineRequired  string          `json:"machine_required,omitempty"`
	SkillLevel       SkillLevel      `json:"skill_level"`
	Notes            string          `json:"notes,omitempty"`
	Sequence         int             `json:"sequence_number"`
	Cost             decimal.Decimal `json:"cost"`
}

// Snapshot is the resolved cost of a BOM at one point in time.
type Snapshot struct {
	BOMID      int64           `json:"bom_id"`
	Name       string          `json:"name"`
	Version    string          `json:"version"`
	Cost       Cost            `json:"cost"`
	Lines      []LineCost      `json:"components"`
	Operations []OperationCost `json:"operations"`
	Warnings   []Warning       `json:"warnings"`
}

var (
	one   = decimal.NewFromInt(1)
	sixty = decimal.NewFromInt(60)
)

const laborPlaces = 4

// LineTotal is unit cost x quantity x (1 + waste factor).
func LineTotal(unitCost, quantity, waste decimal.Decimal) decimal.Decimal {
	return unitCost.Mul(quantity).Mul(one.Add(waste))
}

// LaborCost is the sum of minutes x hourly rate over all operations, divided by 60 once.
func LaborCost(ops []Operation) decimal.Decimal {
	sum := decimal.Zero
	for _, op := range ops {
		sum = sum.Add(decimal.NewFromInt(int64(op.EstimatedMinutes)).Mul(op.LaborRate))
	}
	return sum.Div(sixty).Round(laborPlaces)
}

// Resolver computes BOM costs by walking sub-assemblies recursively.
type Resolver struct {
	source      Source
	items       ItemLookup
	maxNodes    int
	parallelism int
}

// ResolverOption tunes a Resolver.
type ResolverOption func(*Resolver)

// WithMaxNodes bounds the number of BOMs a single resolution may expand.
func WithMaxNodes(n int) ResolverOption {
	return func(r *Resolver) {
		if n > 0 {
			r.maxNodes = n
		}
	}
}

// WithParallelism resolves up to n sibling sub-assemblies concurrently. The source
// must then be safe for concurrent use, which a single pgx.Tx is not.
func WithParallelism(n int) ResolverOption {
	return func(r *Resolver) {
		if n > 0 {
			r.parallelism = n
		}
	}
}

// NewResolver constructs a sequential Resolver over source.
func NewResolver(source Source, items ItemLookup, opts ...ResolverOption) *Resolver {
	r := &Resolver{source: source, items: items, maxNodes: DefaultMaxNodes, parallelism: 1}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve returns the snapshot for bomID. A missing root is ErrNotFound; missing
// references further down contribute zero and are reported as warnings.
func (r *Resolver) Resolve(ctx context.Context, bomID int64) (Snapshot, error) {
	run := &resolution{resolver: r, memo: make(map[int64]subtotal)}
	snap, err := run.resolve(ctx, bomID, nil)
	if err != nil {
		return Snapshot{}, err
	}
	snap.Warnings = dedupeWarnings(snap.Warnings)
	return snap, nil
}

type subtotal struct {
	name     string
	version  string
	total    decimal.Decimal
	warnings []Warning
}

type resolution struct {
	resolver *Resolver
	visits   atomic.Int64
	mu       sync.Mutex
	memo     map[int64]subtotal
}

func (run *resolution) resolve(ctx context.Context, id int64, ancestors []int64) (Snapshot, error) {
	if run.visits.Add(1) > int64(run.resolver.maxNodes) {
		return Snapshot{}, ErrGraphLimit
	}
	if err := ctx.Err(); err != nil {
		return Snapshot{}, err
	}
	src := run.resolver.source
	header, err := src.Header(ctx, id)
	if err != nil {
		return Snapshot{}, err
	}
	comps, err := src.Components(ctx, id)
	if err != nil {
		return Snapshot{}, fmt.Errorf("bom: load components of %d: %w", id, err)
	}
	ops, err := src.Operations(ctx, id)
	if err != nil {
		return Snapshot{}, fmt.Errorf("bom: load operations of %d: %w", id, err)
	}
	items, err := run.lookupItems(ctx, comps)
	if err != nil {
		return Snapshot{}, err
	}

	path := make([]int64, len(ancestors), len(ancestors)+1)
	copy(path, ancestors)
	path = append(path, id)

	lines := make([]LineCost, len(comps))
	lineWarnings := make([][]Warning, len(comps))
	group, gctx := errgroup.WithContext(ctx)
	group.SetLimit(run.resolver.parallelism)
	concurrent := run.resolver.parallelism > 1

	for i, comp := range comps {
		lines[i] = baseLine(comp)
		switch ref := comp.Ref.(type) {
		case ItemRef:
			lineWarnings[i] = priceItem(&lines[i], id, ref.ItemID, items)
		case SubBOMRef:
			if !concurrent {
				ws, err := run.priceSubBOM(ctx, &lines[i], path, ref.BOMID)
				if err != nil {
					return Snapshot{}, err
				}
				lineWarnings[i] = ws
				continue
			}
			group.Go(func() error {
				ws, err := run.priceSubBOM(gctx, &lines[i], path, ref.BOMID)
				lineWarnings[i] = ws
				return err
			})
		default:
			_ = group.Wait()
			return Snapshot{}, fmt.Errorf("bom: component %d of %d has no reference", comp.ID, id)
		}
	}
	if err := group.Wait(); err != nil {
		return Snapshot{}, err
	}

	material := decimal.Zero
	var warnings []Warning
	for i := range lines {
		material = material.Add(lines[i].TotalCost)
		warnings = append(warnings, lineWarnings[i]...)
	}
	labor := LaborCost(ops)

	return Snapshot{
		BOMID:   header.ID,
		Name:    header.Name,
		Version: header.Version,
		Cost: Cost{
			MaterialCost: material,
			LaborCost:    labor,
			OverheadCost: header.OverheadCost,
			TotalCost:    material.Add(labor).Add(header.OverheadCost),
		},
		Lines:      lines,
		Operations: operationCosts(ops),
		Warnings:   warnings,
	}, nil
}

func (run *resolution) lookupItems(ctx context.Context, comps []Component) (map[int64]inventory.Item, error) {
	ids := make([]int64, 0, len(comps))
	for _, comp := range comps {
		if id, ok := comp.ItemID(); ok {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 || run.resolver.items == nil {
		return map[int64]inventory.Item{}, nil
	}
	items, err := run.resolver.items.Items(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("bom: lookup items: %w", err)
	}
	return items, nil
}

// priceSubBOM fills line from the recursive total of subID and returns the warnings of that branch.
func (run *resolution) priceSubBOM(ctx context.Context, line *LineCost, path []int64, subID int64) ([]Warning, error) {
	owner := path[len(path)-1]
	if containsID(path, subID) {
		line.Unresolved = true
		return []Warning{{
			Kind:        WarnCycle,
			BOMID:       owner,
			ComponentID: line.ComponentID,
			RefID:       subID,
			Message:     fmt.Sprintf("sub-BOM %d loops back to an ancestor of BOM %d", subID, owner),
		}}, nil
	}

	run.mu.Lock()
	sub, ok := run.memo[subID]
	run.mu.Unlock()
	if !ok {
		snap, err := run.resolve(ctx, subID, path)
		if errors.Is(err, ErrNotFound) {
			line.Unresolved = true
			return []Warning{{
				Kind:        WarnMissingBOM,
				BOMID:       owner,
				ComponentID: line.ComponentID,
				RefID:       subID,
				Message:     fmt.Sprintf("sub-BOM %d not found", subID),
			}}, nil
		}
		if err != nil {
			return nil, err
		}
		sub = subtotal{name: snap.Name, version: snap.Version, total: snap.Cost.TotalCost, warnings: snap.Warnings}
		// A cut cycle depends on the path that reached subID, so it is not reusable.
		if !hasCycleWarning(sub.warnings) {
			run.mu.Lock()
			run.memo[subID] = sub
			run.mu.Unlock()
		}
	}

	line.Name = sub.name
	line.Version = sub.version
	line.UnitCost = sub.total
	line.TotalCost = LineTotal(sub.total, line.Quantity, line.WasteFactor)
	return sub.warnings, nil
}

func priceItem(line *LineCost, owner, itemID int64, items map[int64]inventory.Item) []Warning {
	item, ok := items[itemID]
	if !ok {
		line.Unresolved = true
		return []Warning{{
			Kind:        WarnMissingItem,
			BOMID:       owner,
			ComponentID: line.ComponentID,
			RefID:       itemID,
			Message:     fmt.Sprintf("inventory item %d not found", itemID),
		}}
	}
	line.Name = item.Name
	line.SKU = item.SKU
	line.UnitCost = item.UnitPrice
	line.TotalCost = LineTotal(item.UnitPrice, line.Quantity, line.WasteFactor)
	return nil
}

func baseLine(comp Component) LineCost {
	line := LineCost{
		ComponentID: comp.ID,
		Quantity:    comp.Quantity,
		WasteFactor: comp.WasteFactor,
		UnitID:      comp.UnitID,
		Notes:       comp.Notes,
		SortOrder:   comp.SortOrder,
		UnitCost:    decimal.Zero,
		TotalCost:   decimal.Zero,
	}
	if comp.Ref != nil {
		line.Kind = comp.Ref.Kind()
		line.RefID = comp.Ref.RefID()
	}
	return line
}

func operationCosts(ops []Operation) []OperationCost {
	out := make([]OperationCost, len(ops))
	for i, op := range ops {
		out[i] = OperationCost{
			OperationID:      op.ID,
			Name:             op.Name,
			Description:      op.Description,
			EstimatedMinutes: op.EstimatedMinutes,
			LaborRate:        op.LaborRate,
			MachineRequired:  op.MachineRequired,
			SkillLevel:       op.SkillLevel,
			Notes:            op.Notes,
			Sequence:         op.Sequence,
			Cost:             LaborCost([]Operation{op}),
		}
	}
	return out
}

func hasCycleWarning(ws []Warning) bool {
	for _, w := range ws {
		if w.Kind == WarnCycle {
			return true
		}
	}
	return false
}

type warningKey struct {
	kind        WarningKind
	bomID       int64
	componentID int64
	refID       int64
}

func dedupeWarnings(in []Warning) []Warning {
	out := make([]Warning, 0, len(in))
	seen := make(map[warningKey]struct{}, len(in))
	for _, w := range in {
		key := warningKey{w.Kind, w.BOMID, w.ComponentID, w.RefID}
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, w)
	}
	return out
}
