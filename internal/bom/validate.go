package bom

import (
	"errors"
	"fmt"
	"reflect"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/odyssey-mfg/internal/shared"
)

// Draft is a submitted BOM definition: header, components and operations.
type Draft struct {
	Name              string           `json:"name" validate:"required,max=200"`
	Description       string           `json:"description" validate:"max=2000"`
	FinishedProductID *int64           `json:"finished_product_id" validate:"omitempty,gt=0"`
	Version           string           `json:"version" validate:"max=32"`
	Status            Status           `json:"status" validate:"omitempty,oneof=draft active inactive archived"`
	OverheadCost      decimal.Decimal  `json:"overhead_cost" validate:"gte=0,places=4"`
	Components        []ComponentDraft `json:"components" validate:"min=1,dive"`
	Operations        []OperationDraft `json:"operations" validate:"min=1,dive"`
}

// ComponentDraft is a submitted component line.
type ComponentDraft struct {
	ComponentType  ComponentKind   `json:"component_type" validate:"oneof=item bom"`
	ItemID         *int64          `json:"item_id" validate:"omitempty,gt=0"`
	ComponentBOMID *int64          `json:"component_bom_id" validate:"omitempty,gt=0"`
	Quantity       decimal.Decimal `json:"quantity" validate:"gt=0,places=4"`
	UnitID         *int64          `json:"unit_id" validate:"omitempty,gt=0"`
	WasteFactor    decimal.Decimal `json:"waste_factor" validate:"gte=0,places=4"`
	Notes          string          `json:"notes" validate:"max=1000"`
}

// OperationDraft is a submitted operation.
type OperationDraft struct {
	Name             string          `json:"operation_name" validate:"required,max=200"`
	Description      string          `json:"description" validate:"max=2000"`
	EstimatedMinutes int             `json:"estimated_time_minutes" validate:"gt=0"`
	LaborRate        decimal.Decimal `json:"labor_rate" validate:"gte=0,places=4"`
	MachineRequired  string          `json:"machine_required" validate:"max=200"`
	SkillLevel       SkillLevel      `json:"skill_level" validate:"omitempty,oneof=basic intermediate advanced expert"`
	Notes            string          `json:"notes" validate:"max=1000"`
}

// Plan is a validated draft ready for persistence.
type Plan struct {
	Header     Header
	Components []Component
	Operations []Operation
}

// SubBOMIDs lists the distinct sub-assemblies the plan references, in component order.
func (p Plan) SubBOMIDs() []int64 {
	seen := map[int64]struct{}{}
	var ids []int64
	for _, comp := range p.Components {
		if id, ok := comp.SubBOMID(); ok {
			if _, dup := seen[id]; !dup {
				seen[id] = struct{}{}
				ids = append(ids, id)
			}
		}
	}
	return ids
}

// DefaultVersion is assigned to drafts that omit a version.
const DefaultVersion = "1.0"

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(field reflect.StructField) string {
		name := strings.SplitN(field.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	v.RegisterCustomTypeFunc(func(field reflect.Value) interface{} {
		if d, ok := field.Interface().(decimal.Decimal); ok {
			f, _ := d.Float64()
			return f
		}
		return nil
	}, decimal.Decimal{})
	_ = v.RegisterValidation("places", maxPlaces)
	return v
}

// maxPlaces rejects decimals with more fractional digits than the tag parameter,
// matching the scale of the NUMERIC columns they are stored in.
func maxPlaces(fl validator.FieldLevel) bool {
	limit, err := strconv.Atoi(fl.Param())
	if err != nil {
		return false
	}
	var d decimal.Decimal
	if parent := fl.Parent(); parent.Kind() == reflect.Struct {
		if raw, ok := parent.FieldByName(fl.StructFieldName()).Interface().(decimal.Decimal); ok {
			d = raw
		}
	}
	return d.Equal(d.Round(int32(limit)))
}

// Plan validates the draft and converts it into persistable rows. owner is the id
// of the BOM being updated, or 0 when creating. A component naming owner as its
// sub-BOM yields a *CycleError; every other problem yields a *ValidationError.
func (d Draft) Plan(owner int64) (Plan, error) {
	verr := &ValidationError{}
	if err := validate.Struct(d); err != nil {
		var fieldErrs validator.ValidationErrors
		if !errors.As(err, &fieldErrs) {
			return Plan{}, err
		}
		for _, fe := range fieldErrs {
			field := fieldPath(fe)
			verr.add(field, fieldMessage(field, fe))
		}
	}
	if hasBlank(d.Name) {
		verr.add("name", "BOM name is required")
	}

	plan := Plan{
		Header: Header{
			ID:                owner,
			Name:              shared.NormalizeText(d.Name),
			Description:       strings.TrimSpace(d.Description),
			FinishedProductID: d.FinishedProductID,
			Version:           shared.NormalizeText(d.Version),
			Status:            d.Status,
			OverheadCost:      d.OverheadCost,
		},
		Components: make([]Component, 0, len(d.Components)),
		Operations: make([]Operation, 0, len(d.Operations)),
	}
	if plan.Header.Version == "" {
		plan.Header.Version = DefaultVersion
	}

	for i, cd := range d.Components {
		ref, err := cd.ref()
		if err != nil {
			verr.add(fmt.Sprintf("components[%d]", i), fmt.Sprintf("Component %d: %s", i+1, err.Error()))
			continue
		}
		if sub, ok := ref.(SubBOMRef); ok && owner > 0 && sub.BOMID == owner {
			return Plan{}, &CycleError{Path: []int64{owner, owner}}
		}
		plan.Components = append(plan.Components, Component{
			BOMID:       owner,
			Ref:         ref,
			Quantity:    cd.Quantity,
			UnitID:      cd.UnitID,
			WasteFactor: cd.WasteFactor,
			Notes:       strings.TrimSpace(cd.Notes),
			SortOrder:   i + 1,
		})
	}

	for i, od := range d.Operations {
		if hasBlank(od.Name) {
			verr.add(fmt.Sprintf("operations[%d].operation_name", i), "Operation name is required")
		}
		skill := od.SkillLevel
		if skill == "" {
			skill = SkillBasic
		}
		plan.Operations = append(plan.Operations, Operation{
			BOMID:            owner,
			Name:             shared.NormalizeText(od.Name),
			Description:      strings.TrimSpace(od.Description),
			EstimatedMinutes: od.EstimatedMinutes,
			LaborRate:        od.LaborRate,
			MachineRequired:  shared.NormalizeText(od.MachineRequired),
			SkillLevel:       skill,
			Notes:            strings.TrimSpace(od.Notes),
			Sequence:         i + 1,
		})
	}

	if !verr.empty() {
		return Plan{}, verr
	}
	return plan, nil
}

// ref enforces that exactly the reference matching the component type is set.
func (cd ComponentDraft) ref() (Ref, error) {
	switch cd.ComponentType {
	case KindItem:
		if cd.ComponentBOMID != nil {
			return nil, errors.New("an item component cannot also reference a sub-BOM")
		}
		if cd.ItemID == nil || *cd.ItemID <= 0 {
			return nil, errors.New("select an inventory item")
		}
		return ItemRef{ItemID: *cd.ItemID}, nil
	case KindBOM:
		if cd.ItemID != nil {
			return nil, errors.New("a sub-BOM component cannot also reference an inventory item")
		}
		if cd.ComponentBOMID == nil || *cd.ComponentBOMID <= 0 {
			return nil, errors.New("select a sub-BOM")
		}
		return SubBOMRef{BOMID: *cd.ComponentBOMID}, nil
	default:
		return nil, fmt.Errorf("unknown component type %q", cd.ComponentType)
	}
}

func hasBlank(s string) bool {
	return s != "" && strings.TrimSpace(s) == ""
}

// fieldPath drops the root struct name from the validator namespace.
func fieldPath(fe validator.FieldError) string {
	ns := fe.Namespace()
	if i := strings.IndexByte(ns, '.'); i >= 0 {
		return ns[i+1:]
	}
	return ns
}

func fieldMessage(field string, fe validator.FieldError) string {
	switch {
	case field == "components" && fe.Tag() == "min":
		return "Please add at least one component to the BOM"
	case field == "operations" && fe.Tag() == "min":
		return "Please add at least one operation to the BOM"
	case field == "name" && fe.Tag() == "required":
		return "BOM name is required"
	case strings.HasSuffix(field, ".operation_name") && fe.Tag() == "required":
		return "Operation name is required"
	case fe.Tag() == "places":
		return fmt.Sprintf("%s supports at most %s decimal places", field, fe.Param())
	case strings.HasSuffix(field, ".quantity"):
		return "Quantity must be greater than zero"
	case strings.HasSuffix(field, ".estimated_time_minutes"):
		return "Estimated time must be a positive number of minutes"
	case fe.Tag() == "gte":
		return fmt.Sprintf("%s must not be negative", field)
	case fe.Tag() == "oneof":
		return fmt.Sprintf("%s must be one of: %s", field, fe.Param())
	case fe.Tag() == "max":
		return fmt.Sprintf("%s must be at most %s characters", field, fe.Param())
	default:
		return fmt.Sprintf("%s failed %s validation", field, fe.Tag())
	}
}
