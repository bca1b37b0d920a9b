// Package bom authors bills of materials and rolls up their cost through nested sub-assemblies.
package bom

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Status enumerates BOM lifecycle states.
type Status string

const (
	StatusDraft    Status = "draft"
	StatusActive   Status = "active"
	StatusInactive Status = "inactive"
	StatusArchived Status = "archived"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusDraft, StatusActive, StatusInactive, StatusArchived:
		return true
	}
	return false
}

// CanTransition reports whether a BOM in status s may be saved with status next.
func (s Status) CanTransition(next Status) bool {
	if !next.Valid() {
		return false
	}
	if s == StatusArchived {
		return next == StatusArchived
	}
	return true
}

// SkillLevel enumerates the operator skill an operation requires.
type SkillLevel string

const (
	SkillBasic        SkillLevel = "basic"
	SkillIntermediate SkillLevel = "intermediate"
	SkillAdvanced     SkillLevel = "advanced"
	SkillExpert       SkillLevel = "expert"
)

// ComponentKind is the wire discriminator of a component.
type ComponentKind string

const (
	KindItem ComponentKind = "item"
	KindBOM  ComponentKind = "bom"
)

// Ref is what a component consumes: exactly one of ItemRef or SubBOMRef.
type Ref interface {
	Kind() ComponentKind
	RefID() int64
	isRef()
}

// ItemRef consumes an inventory item.
type ItemRef struct {
	ItemID int64
}

// SubBOMRef consumes another BOM as a sub-assembly.
type SubBOMRef struct {
	BOMID int64
}

func (ItemRef) Kind() ComponentKind { return KindItem }

func (r ItemRef) RefID() int64 { return r.ItemID }

func (ItemRef) isRef() {}

func (SubBOMRef) Kind() ComponentKind { return KindBOM }

func (r SubBOMRef) RefID() int64 { return r.BOMID }

func (SubBOMRef) isRef() {}

// Component is one line of a BOM.
type Component struct {
	ID          int64
	BOMID       int64
	Ref         Ref
	Quantity    decimal.Decimal
	UnitID      *int64
	WasteFactor decimal.Decimal
	Notes       string
	SortOrder   int
}

// SubBOMID returns the referenced BOM id when the component is a sub-assembly.
func (c Component) SubBOMID() (int64, bool) {
	ref, ok := c.Ref.(SubBOMRef)
	return ref.BOMID, ok
}

// ItemID returns the referenced inventory item id when the component is an item.
func (c Component) ItemID() (int64, bool) {
	ref, ok := c.Ref.(ItemRef)
	return ref.ItemID, ok
}

// Operation is one labor step of a BOM.
type Operation struct {
	ID               int64
	BOMID            int64
	Name             string
	Description      string
	EstimatedMinutes int
	LaborRate        decimal.Decimal
	MachineRequired  string
	SkillLevel       SkillLevel
	Notes            string
	Sequence         int
}

// Cost is the four-part cost of a BOM.
type Cost struct {
	MaterialCost decimal.Decimal `json:"unit_cost"`
	LaborCost    decimal.Decimal `json:"labor_cost"`
	OverheadCost decimal.Decimal `json:"overhead_cost"`
	TotalCost    decimal.Decimal `json:"total_cost"`
}

// Equal reports whether both costs carry the same amounts.
func (c Cost) Equal(o Cost) bool {
	return c.MaterialCost.Equal(o.MaterialCost) &&
		c.LaborCost.Equal(o.LaborCost) &&
		c.OverheadCost.Equal(o.OverheadCost) &&
		c.TotalCost.Equal(o.TotalCost)
}

// StoredPlaces is the decimal scale of the cost columns on the boms row.
const StoredPlaces = 4

// Stored rounds every total to StoredPlaces, the precision a persisted row keeps.
func (c Cost) Stored() Cost {
	return Cost{
		MaterialCost: c.MaterialCost.Round(StoredPlaces),
		LaborCost:    c.LaborCost.Round(StoredPlaces),
		OverheadCost: c.OverheadCost.Round(StoredPlaces),
		TotalCost:    c.TotalCost.Round(StoredPlaces),
	}
}

// Header is the BOM record without its lines.
type Header struct {
	ID                int64
	Name              string
	Description       string
	FinishedProductID *int64
	Version           string
	Status            Status
	OverheadCost      decimal.Decimal
	CachedUnitCost    decimal.Decimal
	CachedLaborCost   decimal.Decimal
	CachedTotalCost   decimal.Decimal
	CreatedBy         *int64
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// CachedCost returns the totals last written onto the BOM row.
func (h Header) CachedCost() Cost {
	return Cost{
		MaterialCost: h.CachedUnitCost,
		LaborCost:    h.CachedLaborCost,
		OverheadCost: h.OverheadCost,
		TotalCost:    h.CachedTotalCost,
	}
}

// Summary is a list row.
type Summary struct {
	Header
	FinishedProductName string
	CreatedByName       string
	ComponentCount      int
	OperationCount      int
}

// ListFilters narrows BOM listings.
type ListFilters struct {
	Status Status
	Search string
	Page   int
	Limit  int
}

var (
	// ErrNotFound indicates the BOM does not exist.
	ErrNotFound = errors.New("bom: not found")
	// ErrValidation marks rejected input.
	ErrValidation = errors.New("bom: validation failed")
	// ErrCycleDetected marks a component graph that would loop back to an ancestor.
	ErrCycleDetected = errors.New("bom: circular reference detected")
	// ErrGraphLimit indicates a traversal exceeded the node budget.
	ErrGraphLimit = errors.New("bom: component graph exceeds traversal limit")
	// ErrConflict indicates a concurrent mutation; the request is safe to retry.
	ErrConflict = errors.New("bom: concurrent modification, retry the request")
	// ErrInUse indicates the BOM is still referenced.
	ErrInUse = errors.New("bom: still referenced")
)

// ValidationError lists rejected fields.
type ValidationError struct {
	Fields map[string]string
	order  []string
}

func (e *ValidationError) add(field, msg string) {
	if e.Fields == nil {
		e.Fields = make(map[string]string)
	}
	if _, ok := e.Fields[field]; ok {
		return
	}
	e.Fields[field] = msg
	e.order = append(e.order, field)
}

func (e *ValidationError) empty() bool {
	return e == nil || len(e.Fields) == 0
}

func (e *ValidationError) Error() string {
	if e.empty() {
		return ErrValidation.Error()
	}
	return e.Fields[e.order[0]]
}

func (e *ValidationError) Unwrap() error {
	return ErrValidation
}

func validationFailure(field, msg string) *ValidationError {
	v := &ValidationError{}
	v.add(field, msg)
	return v
}

// CycleError reports the BOM ids forming the rejected loop, starting and ending at the owner.
type CycleError struct {
	Path []int64
}

// SelfReference reports whether the cycle is a BOM listing itself.
func (e *CycleError) SelfReference() bool {
	return len(e.Path) == 2 && e.Path[0] == e.Path[1]
}

func (e *CycleError) Error() string {
	if e.SelfReference() {
		return "A BOM cannot reference itself as a component"
	}
	parts := make([]string, len(e.Path))
	for i, id := range e.Path {
		parts[i] = fmt.Sprintf("%d", id)
	}
	return "circular reference detected: BOM " + strings.Join(parts, " -> ")
}

func (e *CycleError) Unwrap() error {
	return ErrCycleDetected
}
