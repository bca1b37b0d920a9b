package bom

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/odyssey-mfg/internal/inventory"
	"github.com/odyssey-erp/odyssey-mfg/internal/platform/httpx"
	"github.com/odyssey-erp/odyssey-mfg/internal/rbac"
	"github.com/odyssey-erp/odyssey-mfg/internal/shared"
)

type bomService interface {
	Create(ctx context.Context, actorID int64, idemKey string, draft Draft) (SaveResult, error)
	Update(ctx context.Context, actorID, id int64, draft Draft) (SaveResult, error)
	Delete(ctx context.Context, actorID, id int64) error
	Get(ctx context.Context, id int64, fresh bool) (Detail, error)
	Cost(ctx context.Context, id int64, fresh bool) (Snapshot, error)
	List(ctx context.Context, filters ListFilters) ([]Summary, shared.Pagination, error)
	Requirements(ctx context.Context, id int64, quantity decimal.Decimal) (Requirements, error)
}

// Handler exposes the BOM JSON API.
type Handler struct {
	logger  *slog.Logger
	service bomService
	rbac    rbac.Middleware
}

// NewHandler builds a BOM handler.
func NewHandler(logger *slog.Logger, service bomService, rbac rbac.Middleware) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{logger: logger, service: service, rbac: rbac}
}

// MountRoutes registers BOM endpoints.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Route("/boms", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(h.rbac.RequireAny(shared.PermBOMView, shared.PermBOMEdit))
			r.Get("/", h.list)
			r.Get("/{id}", h.show)
			r.Get("/{id}/cost", h.cost)
			r.Get("/{id}/requirements", h.requirements)
		})
		r.Group(func(r chi.Router) {
			r.Use(h.rbac.RequireAll(shared.PermBOMEdit))
			r.Post("/", h.create)
			r.Put("/{id}", h.update)
			r.Delete("/{id}", h.delete)
		})
	})
}

type summaryResponse struct {
	ID                  int64           `json:"id"`
	Name                string          `json:"name"`
	Description         string          `json:"description"`
	FinishedProductID   *int64          `json:"finished_product_id"`
	FinishedProductName string          `json:"finished_product_name,omitempty"`
	Version             string          `json:"version"`
	Status              Status          `json:"status"`
	UnitCost            decimal.Decimal `json:"unit_cost"`
	LaborCost           decimal.Decimal `json:"labor_cost"`
	OverheadCost        decimal.Decimal `json:"overhead_cost"`
	TotalCost           decimal.Decimal `json:"total_cost"`
	ComponentCount      int             `json:"component_count"`
	OperationCount      int             `json:"operation_count"`
	CreatedByName       string          `json:"created_by_name,omitempty"`
	CreatedAt           time.Time       `json:"created_at"`
	UpdatedAt           time.Time       `json:"updated_at"`
}

type listResponse struct {
	BOMs       []summaryResponse `json:"boms"`
	Pagination shared.Pagination `json:"pagination"`
}

type saveResponse struct {
	ID           int64           `json:"id"`
	UnitCost     decimal.Decimal `json:"unit_cost"`
	LaborCost    decimal.Decimal `json:"labor_cost"`
	OverheadCost decimal.Decimal `json:"overhead_cost"`
	TotalCost    decimal.Decimal `json:"total_cost"`
	Warnings     []Warning       `json:"warnings"`
}

type componentResponse struct {
	LineCost
	UnitName string `json:"unit_name,omitempty"`
}

type detailResponse struct {
	ID                  int64               `json:"id"`
	Name                string              `json:"name"`
	Description         string              `json:"description"`
	FinishedProductID   *int64              `json:"finished_product_id"`
	FinishedProductName string              `json:"finished_product_name,omitempty"`
	FinishedProductSKU  string              `json:"finished_product_sku,omitempty"`
	Version             string              `json:"version"`
	Status              Status              `json:"status"`
	CreatedBy           *int64              `json:"created_by,omitempty"`
	CreatedAt           time.Time           `json:"created_at"`
	UpdatedAt           time.Time           `json:"updated_at"`
	Components          []componentResponse `json:"components"`
	Operations          []OperationCost     `json:"operations"`
	Totals              Cost                `json:"totals"`
	CachedTotals        Cost                `json:"cached_totals"`
	Stale               bool                `json:"stale"`
	Warnings            []Warning           `json:"warnings"`
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filters := ListFilters{
		Status: Status(strings.ToLower(strings.TrimSpace(q.Get("status")))),
		Search: q.Get("search"),
		Page:   atoiDefault(q.Get("page")),
		Limit:  atoiDefault(q.Get("limit")),
	}
	rows, page, err := h.service.List(r.Context(), filters)
	if err != nil {
		h.fail(w, r, "list boms", err)
		return
	}
	out := listResponse{BOMs: make([]summaryResponse, 0, len(rows)), Pagination: page}
	for _, s := range rows {
		out.BOMs = append(out.BOMs, summaryResponse{
			ID:                  s.ID,
			Name:                s.Name,
			Description:         s.Description,
			FinishedProductID:   s.FinishedProductID,
			FinishedProductName: s.FinishedProductName,
			Version:             s.Version,
			Status:              s.Status,
			UnitCost:            s.CachedUnitCost,
			LaborCost:           s.CachedLaborCost,
			OverheadCost:        s.OverheadCost,
			TotalCost:           s.CachedTotalCost,
			ComponentCount:      s.ComponentCount,
			OperationCount:      s.OperationCount,
			CreatedByName:       s.CreatedByName,
			CreatedAt:           s.CreatedAt,
			UpdatedAt:           s.UpdatedAt,
		})
	}
	httpx.JSON(w, http.StatusOK, out)
}

func (h *Handler) show(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	detail, err := h.service.Get(r.Context(), id, queryBool(r, "fresh"))
	if err != nil {
		h.fail(w, r, "get bom", err)
		return
	}
	httpx.JSON(w, http.StatusOK, newDetailResponse(detail))
}

func newDetailResponse(d Detail) detailResponse {
	out := detailResponse{
		ID:                d.Header.ID,
		Name:              d.Header.Name,
		Description:       d.Header.Description,
		FinishedProductID: d.Header.FinishedProductID,
		Version:           d.Header.Version,
		Status:            d.Header.Status,
		CreatedBy:         d.Header.CreatedBy,
		CreatedAt:         d.Header.CreatedAt,
		UpdatedAt:         d.Header.UpdatedAt,
		Components:        make([]componentResponse, 0, len(d.Snapshot.Lines)),
		Operations:        d.Snapshot.Operations,
		Totals:            d.Snapshot.Cost,
		CachedTotals:      d.Header.CachedCost(),
		Stale:             d.Stale,
		Warnings:          d.Snapshot.Warnings,
	}
	if d.FinishedProduct != nil {
		out.FinishedProductName = d.FinishedProduct.Name
		out.FinishedProductSKU = d.FinishedProduct.SKU
	}
	for _, line := range d.Snapshot.Lines {
		row := componentResponse{LineCost: line}
		if line.UnitID != nil {
			row.UnitName = unitName(d.Units, *line.UnitID)
		}
		out.Components = append(out.Components, row)
	}
	if out.Operations == nil {
		out.Operations = []OperationCost{}
	}
	if out.Warnings == nil {
		out.Warnings = []Warning{}
	}
	return out
}

func unitName(units map[int64]inventory.Unit, id int64) string {
	u, ok := units[id]
	if !ok {
		return ""
	}
	if u.Abbreviation != "" {
		return u.Abbreviation
	}
	return u.Name
}

func (h *Handler) cost(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	snap, err := h.service.Cost(r.Context(), id, queryBool(r, "fresh"))
	if err != nil {
		h.fail(w, r, "cost bom", err)
		return
	}
	httpx.JSON(w, http.StatusOK, snap)
}

func (h *Handler) requirements(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	quantity := decimal.NewFromInt(1)
	if raw := strings.TrimSpace(r.URL.Query().Get("quantity")); raw != "" {
		q, err := decimal.NewFromString(raw)
		if err != nil {
			httpx.ValidationProblem(w, "quantity must be a number", map[string]string{"quantity": "quantity must be a number"})
			return
		}
		quantity = q
	}
	req, err := h.service.Requirements(r.Context(), id, quantity)
	if err != nil {
		h.fail(w, r, "explode bom", err)
		return
	}
	httpx.JSON(w, http.StatusOK, req)
}

func (h *Handler) create(w http.ResponseWriter, r *http.Request) {
	key, err := shared.ParseIdempotencyKey(r.Header.Get("Idempotency-Key"))
	if err != nil {
		httpx.ValidationProblem(w, err.Error(), map[string]string{"Idempotency-Key": err.Error()})
		return
	}
	var draft Draft
	if err := httpx.DecodeJSON(r, &draft); err != nil {
		httpx.RespondError(w, err)
		return
	}
	res, err := h.service.Create(r.Context(), actorID(r), key, draft)
	if err != nil {
		h.fail(w, r, "create bom", err)
		return
	}
	httpx.JSON(w, http.StatusCreated, newSaveResponse(res))
}

func (h *Handler) update(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	var draft Draft
	if err := httpx.DecodeJSON(r, &draft); err != nil {
		httpx.RespondError(w, err)
		return
	}
	res, err := h.service.Update(r.Context(), actorID(r), id, draft)
	if err != nil {
		h.fail(w, r, "update bom", err)
		return
	}
	httpx.JSON(w, http.StatusOK, newSaveResponse(res))
}

func (h *Handler) delete(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	if err := h.service.Delete(r.Context(), actorID(r), id); err != nil {
		h.fail(w, r, "delete bom", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func newSaveResponse(res SaveResult) saveResponse {
	warnings := res.Warnings
	if warnings == nil {
		warnings = []Warning{}
	}
	return saveResponse{
		ID:           res.ID,
		UnitCost:     res.Cost.MaterialCost,
		LaborCost:    res.Cost.LaborCost,
		OverheadCost: res.Cost.OverheadCost,
		TotalCost:    res.Cost.TotalCost,
		Warnings:     warnings,
	}
}

// StatusFor maps service errors to HTTP status codes.
func StatusFor(err error) int {
	switch {
	case errors.Is(err, ErrValidation), errors.Is(err, ErrCycleDetected):
		return http.StatusBadRequest
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrConflict), errors.Is(err, ErrInUse), errors.Is(err, shared.ErrIdempotencyConflict):
		return http.StatusConflict
	case errors.Is(err, ErrGraphLimit):
		return http.StatusUnprocessableEntity
	default:
		return httpx.StatusFor(err)
	}
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, op string, err error) {
	status := StatusFor(err)
	var verr *ValidationError
	switch {
	case errors.As(err, &verr):
		httpx.ValidationProblem(w, verr.Error(), verr.Fields)
	case status >= http.StatusInternalServerError:
		h.logger.Error(op, slog.Any("error", err), slog.String("path", r.URL.Path))
		httpx.Error(w, status, http.StatusText(status))
	default:
		httpx.Error(w, status, err.Error())
	}
}

func (h *Handler) pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		httpx.Error(w, http.StatusBadRequest, "invalid BOM id")
		return 0, false
	}
	return id, true
}

func actorID(r *http.Request) int64 {
	actor, _ := shared.ActorFromContext(r.Context())
	return actor.ID
}

func queryBool(r *http.Request, key string) bool {
	v, err := strconv.ParseBool(r.URL.Query().Get(key))
	return err == nil && v
}

func atoiDefault(raw string) int {
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0
	}
	return n
}
