package bom

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/singleflight"

	"github.com/odyssey-erp/odyssey-mfg/internal/inventory"
	"github.com/odyssey-erp/odyssey-mfg/internal/platform/db"
	"github.com/odyssey-erp/odyssey-mfg/internal/shared"
)

// RepositoryPort is the persistence contract of the service.
type RepositoryPort interface {
	Source
	List(ctx context.Context, filters ListFilters) ([]Summary, int, error)
	IDs(ctx context.Context) ([]int64, error)
	// WithGraphTx runs fn in a transaction that holds the BOM graph lock.
	WithGraphTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
}

// TxRepository exposes transactional operations used by the service.
type TxRepository interface {
	Source
	Graph
	LockHeader(ctx context.Context, id int64) (Header, error)
	InsertHeader(ctx context.Context, h Header) (int64, error)
	UpdateHeader(ctx context.Context, h Header) error
	ReplaceComponents(ctx context.Context, bomID int64, comps []Component) error
	ReplaceOperations(ctx context.Context, bomID int64, ops []Operation) error
	ExistingBOMs(ctx context.Context, ids []int64) (map[int64]bool, error)
	UpdateCachedCost(ctx context.Context, id int64, cost Cost) error
	ParentIDs(ctx context.Context, id int64) ([]int64, error)
	ProductionOrderCount(ctx context.Context, id int64) (int, error)
	Delete(ctx context.Context, id int64) error
}

// Catalog resolves the inventory references of a BOM.
type Catalog interface {
	ItemLookup
	Units(ctx context.Context, ids []int64) (map[int64]inventory.Unit, error)
}

// AuditPort records audit events.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// IdempotencyPort guards create requests against replays.
type IdempotencyPort interface {
	CheckAndInsert(ctx context.Context, key, module string) error
	Delete(ctx context.Context, key string) error
}

// RecostScheduler defers refreshing cached totals to a background worker.
type RecostScheduler interface {
	ScheduleRecost(ctx context.Context, bomID int64) error
}

// ServiceConfig tunes traversal limits and wires optional collaborators.
type ServiceConfig struct {
	MaxNodes    int
	Parallelism int
	Cache       *Cache
	Scheduler   RecostScheduler
	Metrics     *Metrics
	Logger      *slog.Logger
}

// Service orchestrates BOM persistence and cost resolution.
type Service struct {
	repo    RepositoryPort
	catalog Catalog
	audit   AuditPort
	idem    IdempotencyPort
	cfg     ServiceConfig
	flight  singleflight.Group
}

// NewService builds Service instance.
func NewService(repo RepositoryPort, catalog Catalog, audit AuditPort, idem IdempotencyPort, cfg ServiceConfig) *Service {
	if cfg.MaxNodes <= 0 {
		cfg.MaxNodes = DefaultMaxNodes
	}
	if cfg.Parallelism <= 0 {
		cfg.Parallelism = 1
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Service{repo: repo, catalog: catalog, audit: audit, idem: idem, cfg: cfg}
}

// SaveResult is returned by Create and Update.
type SaveResult struct {
	ID       int64
	Cost     Cost
	Warnings []Warning
}

// Detail is a BOM with its resolved components and operations.
type Detail struct {
	Header          Header
	FinishedProduct *inventory.Item
	Snapshot        Snapshot
	Units           map[int64]inventory.Unit
	Stale           bool
}

const idempotencyModule = "bom.create"

// Create validates and persists a new BOM. A non-empty idemKey makes the request
// replay-safe; reusing a key yields shared.ErrIdempotencyConflict.
func (s *Service) Create(ctx context.Context, actorID int64, idemKey string, draft Draft) (SaveResult, error) {
	if idemKey != "" && s.idem != nil {
		if err := s.idem.CheckAndInsert(ctx, idemKey, idempotencyModule); err != nil {
			return SaveResult{}, err
		}
	}
	res, err := s.save(ctx, 0, actorID, draft)
	if err != nil && idemKey != "" && s.idem != nil {
		if derr := s.idem.Delete(ctx, idemKey); derr != nil {
			s.cfg.Logger.Warn("release idempotency key", slog.String("key", idemKey), slog.Any("error", derr))
		}
	}
	return res, err
}

// Update replaces the definition of BOM id.
func (s *Service) Update(ctx context.Context, actorID, id int64, draft Draft) (SaveResult, error) {
	if id <= 0 {
		return SaveResult{}, ErrNotFound
	}
	return s.save(ctx, id, actorID, draft)
}

func (s *Service) save(ctx context.Context, id, actorID int64, draft Draft) (res SaveResult, err error) {
	op := "update"
	if id == 0 {
		op = "create"
	}
	defer func() {
		s.cfg.Metrics.save(op, err)
		if errors.Is(err, ErrCycleDetected) {
			s.cfg.Metrics.cycleRejected()
		}
	}()

	plan, err := draft.Plan(id)
	if err != nil {
		return SaveResult{}, err
	}
	if err := s.checkReferences(ctx, plan); err != nil {
		return SaveResult{}, err
	}

	err = s.inGraphTx(ctx, func(ctx context.Context, tx TxRepository) error {
		header := plan.Header
		if id > 0 {
			current, err := tx.LockHeader(ctx, id)
			if err != nil {
				return err
			}
			if header.Status == "" {
				header.Status = current.Status
			}
			if !current.Status.CanTransition(header.Status) {
				return validationFailure("status", fmt.Sprintf("Cannot change status from %s to %s", current.Status, header.Status))
			}
			header.ID = id
			header.CreatedBy = current.CreatedBy
			if err := tx.UpdateHeader(ctx, header); err != nil {
				return err
			}
		} else {
			if header.Status == "" {
				header.Status = StatusDraft
			}
			if actorID > 0 {
				header.CreatedBy = &actorID
			}
			newID, err := tx.InsertHeader(ctx, header)
			if err != nil {
				return err
			}
			id = newID
		}

		subIDs := plan.SubBOMIDs()
		existing, err := tx.ExistingBOMs(ctx, subIDs)
		if err != nil {
			return err
		}
		verr := &ValidationError{}
		for i, comp := range plan.Components {
			if sub, ok := comp.SubBOMID(); ok && !existing[sub] {
				verr.add(fmt.Sprintf("components[%d]", i), fmt.Sprintf("Component %d: sub-BOM %d not found", i+1, sub))
			}
		}
		if !verr.empty() {
			return verr
		}
		if err := NewGuard(tx, s.cfg.MaxNodes).Check(ctx, id, subIDs); err != nil {
			return err
		}

		if err := tx.ReplaceComponents(ctx, id, plan.Components); err != nil {
			return err
		}
		if err := tx.ReplaceOperations(ctx, id, plan.Operations); err != nil {
			return err
		}
		snap, err := s.resolve(ctx, NewResolver(tx, s.catalog, WithMaxNodes(s.cfg.MaxNodes)), id)
		if err != nil {
			return err
		}
		if err := writeCachedCost(ctx, tx, id, snap.Cost); err != nil {
			return err
		}
		res = SaveResult{ID: id, Cost: snap.Cost, Warnings: snap.Warnings}
		return nil
	})
	if err != nil {
		return SaveResult{}, err
	}

	s.graphChanged(ctx, id)
	s.recordAudit(ctx, actorID, "bom."+op, id, map[string]any{
		"unit_cost":     res.Cost.MaterialCost.String(),
		"labor_cost":    res.Cost.LaborCost.String(),
		"overhead_cost": res.Cost.OverheadCost.String(),
		"total_cost":    res.Cost.TotalCost.String(),
		"components":    len(plan.Components),
		"operations":    len(plan.Operations),
	})
	return res, nil
}

// checkReferences verifies inventory references before the graph lock is taken.
func (s *Service) checkReferences(ctx context.Context, plan Plan) error {
	if s.catalog == nil {
		return nil
	}
	var itemIDs, unitIDs []int64
	if plan.Header.FinishedProductID != nil {
		itemIDs = append(itemIDs, *plan.Header.FinishedProductID)
	}
	for _, comp := range plan.Components {
		if id, ok := comp.ItemID(); ok {
			itemIDs = append(itemIDs, id)
		}
		if comp.UnitID != nil {
			unitIDs = append(unitIDs, *comp.UnitID)
		}
	}
	items, err := s.catalog.Items(ctx, itemIDs)
	if err != nil {
		return fmt.Errorf("bom: lookup items: %w", err)
	}
	units, err := s.catalog.Units(ctx, unitIDs)
	if err != nil {
		return fmt.Errorf("bom: lookup units: %w", err)
	}

	verr := &ValidationError{}
	if fp := plan.Header.FinishedProductID; fp != nil {
		if _, ok := items[*fp]; !ok {
			verr.add("finished_product_id", fmt.Sprintf("Finished product %d not found", *fp))
		}
	}
	for i, comp := range plan.Components {
		if id, ok := comp.ItemID(); ok {
			if _, found := items[id]; !found {
				verr.add(fmt.Sprintf("components[%d]", i), fmt.Sprintf("Component %d: inventory item %d not found", i+1, id))
			}
		}
		if comp.UnitID != nil {
			if _, found := units[*comp.UnitID]; !found {
				verr.add(fmt.Sprintf("components[%d].unit_id", i), fmt.Sprintf("Component %d: unit %d not found", i+1, *comp.UnitID))
			}
		}
	}
	if !verr.empty() {
		return verr
	}
	return nil
}

// Delete removes a BOM that no other BOM or production order references.
func (s *Service) Delete(ctx context.Context, actorID, id int64) (err error) {
	defer func() { s.cfg.Metrics.save("delete", err) }()
	var header Header
	err = s.inGraphTx(ctx, func(ctx context.Context, tx TxRepository) error {
		h, err := tx.LockHeader(ctx, id)
		if err != nil {
			return err
		}
		header = h
		parents, err := tx.ParentIDs(ctx, id)
		if err != nil {
			return err
		}
		if len(parents) > 0 {
			return fmt.Errorf("%w: BOM %d is a component of BOM %s", ErrInUse, id, joinIDs(parents))
		}
		orders, err := tx.ProductionOrderCount(ctx, id)
		if err != nil {
			return err
		}
		if orders > 0 {
			return fmt.Errorf("%w: BOM %d is used by %d production order(s)", ErrInUse, id, orders)
		}
		return tx.Delete(ctx, id)
	})
	if err != nil {
		return err
	}
	if err := s.cfg.Cache.Bump(ctx); err != nil {
		s.cfg.Logger.Warn("bump bom cache", slog.Any("error", err))
	}
	s.recordAudit(ctx, actorID, "bom.delete", id, map[string]any{"name": header.Name, "version": header.Version})
	return nil
}

// Get returns the BOM header with a freshly resolved (or acceptably cached)
// snapshot. When the totals cached on the row disagree, the detail is marked
// stale and a background recost is scheduled.
func (s *Service) Get(ctx context.Context, id int64, fresh bool) (Detail, error) {
	header, err := s.repo.Header(ctx, id)
	if err != nil {
		return Detail{}, err
	}
	snap, err := s.Cost(ctx, id, fresh)
	if err != nil {
		return Detail{}, err
	}
	detail := Detail{Header: header, Snapshot: snap, Units: map[int64]inventory.Unit{}}
	if s.catalog != nil {
		var unitIDs []int64
		for _, line := range snap.Lines {
			if line.UnitID != nil {
				unitIDs = append(unitIDs, *line.UnitID)
			}
		}
		units, err := s.catalog.Units(ctx, unitIDs)
		if err != nil {
			return Detail{}, fmt.Errorf("bom: lookup units: %w", err)
		}
		detail.Units = units
		if fp := header.FinishedProductID; fp != nil {
			items, err := s.catalog.Items(ctx, []int64{*fp})
			if err != nil {
				return Detail{}, fmt.Errorf("bom: lookup finished product: %w", err)
			}
			if item, ok := items[*fp]; ok {
				detail.FinishedProduct = &item
			}
		}
	}
	if !header.CachedCost().Equal(snap.Cost.Stored()) {
		detail.Stale = true
		s.scheduleRecost(ctx, id)
	}
	return detail, nil
}

// Cost returns the resolved snapshot of id. Unless fresh is set, a snapshot
// cached since the last graph mutation is accepted.
func (s *Service) Cost(ctx context.Context, id int64, fresh bool) (Snapshot, error) {
	load := func(ctx context.Context) (Snapshot, error) {
		return s.resolveShared(ctx, id)
	}
	if fresh || !s.cfg.Cache.Enabled() {
		return load(ctx)
	}
	snap, hit, err := s.cfg.Cache.FetchSnapshot(ctx, id, load)
	if errors.Is(err, ErrCacheUnavailable) {
		s.cfg.Logger.Warn("bom snapshot cache", slog.Int64("bom_id", id), slog.Any("error", err))
		s.cfg.Metrics.cacheLookup("error")
		if snap.BOMID != 0 {
			return snap, nil
		}
		return load(ctx)
	}
	if err != nil {
		return Snapshot{}, err
	}
	if hit {
		s.cfg.Metrics.cacheLookup("hit")
	} else {
		s.cfg.Metrics.cacheLookup("miss")
	}
	return snap, nil
}

// resolveShared collapses concurrent resolutions of the same BOM into one walk.
func (s *Service) resolveShared(ctx context.Context, id int64) (Snapshot, error) {
	ch := s.flight.DoChan(strconv.FormatInt(id, 10), func() (interface{}, error) {
		return s.resolve(context.WithoutCancel(ctx), s.poolResolver(), id)
	})
	select {
	case <-ctx.Done():
		return Snapshot{}, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return Snapshot{}, res.Err
		}
		return res.Val.(Snapshot), nil
	}
}

func (s *Service) poolResolver() *Resolver {
	return NewResolver(s.repo, s.catalog, WithMaxNodes(s.cfg.MaxNodes), WithParallelism(s.cfg.Parallelism))
}

func (s *Service) resolve(ctx context.Context, r *Resolver, id int64) (Snapshot, error) {
	start := time.Now()
	snap, err := r.Resolve(ctx, id)
	if err != nil {
		return Snapshot{}, err
	}
	s.cfg.Metrics.resolved(start, snap.Warnings)
	if len(snap.Warnings) > 0 {
		s.cfg.Logger.Warn("bom resolved with unresolved components", slog.Int64("bom_id", id), slog.Int("warnings", len(snap.Warnings)))
	}
	return snap, nil
}

// Requirements explodes id into leaf inventory items for quantity builds.
func (s *Service) Requirements(ctx context.Context, id int64, quantity decimal.Decimal) (Requirements, error) {
	return s.poolResolver().Explode(ctx, id, quantity)
}

// List returns BOM summaries with pagination metadata.
func (s *Service) List(ctx context.Context, filters ListFilters) ([]Summary, shared.Pagination, error) {
	if filters.Status != "" && !filters.Status.Valid() {
		return nil, shared.Pagination{}, validationFailure("status", fmt.Sprintf("Unknown status %q", filters.Status))
	}
	filters.Search = shared.NormalizeText(filters.Search)
	filters.Page, filters.Limit = shared.NormalizePage(filters.Page, filters.Limit)
	rows, total, err := s.repo.List(ctx, filters)
	if err != nil {
		return nil, shared.Pagination{}, err
	}
	return rows, shared.NewPagination(filters.Page, filters.Limit, total), nil
}

// Recost rewrites the cached totals of id and every BOM that transitively uses
// it. It returns the ids that were refreshed.
func (s *Service) Recost(ctx context.Context, id int64) ([]int64, error) {
	var refreshed []int64
	err := s.inGraphTx(ctx, func(ctx context.Context, tx TxRepository) error {
		if _, err := tx.Header(ctx, id); err != nil {
			return err
		}
		refreshed = refreshed[:0]
		seen := map[int64]bool{id: true}
		queue := []int64{id}
		resolver := NewResolver(tx, s.catalog, WithMaxNodes(s.cfg.MaxNodes))
		for len(queue) > 0 {
			current := queue[0]
			queue = queue[1:]
			snap, err := s.resolve(ctx, resolver, current)
			if errors.Is(err, ErrNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			if err := writeCachedCost(ctx, tx, current, snap.Cost); err != nil {
				return err
			}
			refreshed = append(refreshed, current)

			parents, err := tx.ParentIDs(ctx, current)
			if err != nil {
				return err
			}
			for _, p := range parents {
				if seen[p] {
					continue
				}
				if len(seen) >= s.cfg.MaxNodes {
					return ErrGraphLimit
				}
				seen[p] = true
				queue = append(queue, p)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if err := s.cfg.Cache.Bump(ctx); err != nil {
		s.cfg.Logger.Warn("bump bom cache", slog.Any("error", err))
	}
	return refreshed, nil
}

// RecostAll refreshes the cached totals of every BOM, one transaction per BOM.
// Item price changes made outside this service are picked up here.
func (s *Service) RecostAll(ctx context.Context) (int, error) {
	ids, err := s.repo.IDs(ctx)
	if err != nil {
		return 0, err
	}
	updated := 0
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return updated, err
		}
		err := s.inGraphTx(ctx, func(ctx context.Context, tx TxRepository) error {
			snap, err := s.resolve(ctx, NewResolver(tx, s.catalog, WithMaxNodes(s.cfg.MaxNodes)), id)
			if err != nil {
				return err
			}
			return writeCachedCost(ctx, tx, id, snap.Cost)
		})
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return updated, fmt.Errorf("bom: recost %d: %w", id, err)
		}
		updated++
	}
	if err := s.cfg.Cache.Bump(ctx); err != nil {
		s.cfg.Logger.Warn("bump bom cache", slog.Any("error", err))
	}
	return updated, nil
}

// inGraphTx maps transient database conflicts to ErrConflict.
func (s *Service) inGraphTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	err := s.repo.WithGraphTx(ctx, fn)
	switch {
	case err == nil:
		return nil
	case db.IsRetryable(err):
		return fmt.Errorf("%w: %v", ErrConflict, err)
	case db.IsConstraintViolation(err):
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}
	return err
}

// writeCachedCost stores cost at the scale of the boms cost columns.
func writeCachedCost(ctx context.Context, tx TxRepository, id int64, cost Cost) error {
	return tx.UpdateCachedCost(ctx, id, cost.Stored())
}

func (s *Service) graphChanged(ctx context.Context, id int64) {
	if err := s.cfg.Cache.Bump(ctx); err != nil {
		s.cfg.Logger.Warn("bump bom cache", slog.Int64("bom_id", id), slog.Any("error", err))
	}
	s.scheduleRecost(ctx, id)
}

func (s *Service) scheduleRecost(ctx context.Context, id int64) {
	if s.cfg.Scheduler == nil {
		return
	}
	if err := s.cfg.Scheduler.ScheduleRecost(ctx, id); err != nil {
		s.cfg.Logger.Warn("schedule bom recost", slog.Int64("bom_id", id), slog.Any("error", err))
	}
}

func (s *Service) recordAudit(ctx context.Context, actorID int64, action string, id int64, meta map[string]any) {
	if s.audit == nil {
		return
	}
	err := s.audit.Record(ctx, shared.AuditLog{
		ActorID:  actorID,
		Action:   action,
		Entity:   "bom",
		EntityID: strconv.FormatInt(id, 10),
		Meta:     meta,
		At:       time.Now().UTC(),
	})
	if err != nil {
		s.cfg.Logger.Warn("record bom audit", slog.String("action", action), slog.Int64("bom_id", id), slog.Any("error", err))
	}
}

func joinIDs(ids []int64) string {
	out := ""
	for i, id := range ids {
		if i > 0 {
			out += ", "
		}
		out += strconv.FormatInt(id, 10)
	}
	return out
}
