package bom

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func int64Ptr(v int64) *int64 { return &v }

func validDraft() Draft {
	return Draft{
		Name:         "  Drawer   assembly ",
		OverheadCost: dec("1.50"),
		Components: []ComponentDraft{
			{ComponentType: KindItem, ItemID: int64Ptr(10), Quantity: dec("2"), WasteFactor: dec("0.1")},
			{ComponentType: KindBOM, ComponentBOMID: int64Ptr(4), Quantity: dec("1")},
		},
		Operations: []OperationDraft{
			{Name: "Cut", EstimatedMinutes: 15, LaborRate: dec("20")},
			{Name: "Glue", EstimatedMinutes: 5, LaborRate: dec("20"), SkillLevel: SkillAdvanced},
		},
	}
}

func TestPlanAppliesDefaults(t *testing.T) {
	plan, err := validDraft().Plan(0)
	require.NoError(t, err)

	require.Equal(t, "Drawer assembly", plan.Header.Name)
	require.Equal(t, DefaultVersion, plan.Header.Version)
	require.Equal(t, Status(""), plan.Header.Status)
	require.Equal(t, ItemRef{ItemID: 10}, plan.Components[0].Ref)
	require.Equal(t, SubBOMRef{BOMID: 4}, plan.Components[1].Ref)
	require.Equal(t, 2, plan.Components[1].SortOrder)
	require.Equal(t, SkillBasic, plan.Operations[0].SkillLevel)
	require.Equal(t, SkillAdvanced, plan.Operations[1].SkillLevel)
	require.Equal(t, 2, plan.Operations[1].Sequence)
	require.Equal(t, []int64{4}, plan.SubBOMIDs())
}

func TestPlanRequiresComponentsAndOperations(t *testing.T) {
	d := validDraft()
	d.Components = nil
	_, err := d.Plan(0)
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	require.Equal(t, "Please add at least one component to the BOM", verr.Fields["components"])

	d = validDraft()
	d.Operations = []OperationDraft{}
	_, err = d.Plan(0)
	require.ErrorAs(t, err, &verr)
	require.Equal(t, "Please add at least one operation to the BOM", verr.Error())
}

func TestPlanRejectsBadFields(t *testing.T) {
	d := validDraft()
	d.Name = "   "
	d.Components[0].Quantity = dec("0")
	d.Components[1].WasteFactor = dec("-0.2")
	d.Operations[0].Name = ""
	d.Operations[1].EstimatedMinutes = 0

	_, err := d.Plan(0)
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	require.ErrorIs(t, err, ErrValidation)
	require.Equal(t, "BOM name is required", verr.Fields["name"])
	require.Equal(t, "Quantity must be greater than zero", verr.Fields["components[0].quantity"])
	require.Contains(t, verr.Fields, "components[1].waste_factor")
	require.Equal(t, "Operation name is required", verr.Fields["operations[0].operation_name"])
	require.Contains(t, verr.Fields, "operations[1].estimated_time_minutes")
}

func TestPlanMatchesStoredScale(t *testing.T) {
	d := validDraft()
	d.Components[0].Quantity = dec("0.00001")
	d.Components[1].WasteFactor = dec("1.5")
	d.Operations[0].LaborRate = dec("12.12345")

	_, err := d.Plan(0)
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	require.Equal(t, "components[0].quantity supports at most 4 decimal places", verr.Fields["components[0].quantity"])
	require.Contains(t, verr.Fields, "operations[0].labor_rate")
	require.NotContains(t, verr.Fields, "components[1].waste_factor")

	d = validDraft()
	d.Components[1].WasteFactor = dec("1.5")
	d.Components[0].UnitID = nil
	plan, err := d.Plan(0)
	require.NoError(t, err)
	require.True(t, dec("1.5").Equal(plan.Components[1].WasteFactor))
	require.Nil(t, plan.Components[0].UnitID)
}

func TestPlanEnforcesTaggedReference(t *testing.T) {
	d := validDraft()
	d.Components[0].ComponentBOMID = int64Ptr(3)
	_, err := d.Plan(0)
	require.ErrorIs(t, err, ErrValidation)

	d = validDraft()
	d.Components[1].ComponentBOMID = nil
	_, err = d.Plan(0)
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	require.Equal(t, "Component 2: select a sub-BOM", verr.Fields["components[1]"])
}

func TestPlanRejectsSelfReference(t *testing.T) {
	_, err := validDraft().Plan(4)

	var cycle *CycleError
	require.ErrorAs(t, err, &cycle)
	require.True(t, cycle.SelfReference())
}

func TestStatusTransitions(t *testing.T) {
	require.True(t, StatusDraft.CanTransition(StatusActive))
	require.True(t, StatusInactive.CanTransition(StatusDraft))
	require.False(t, StatusArchived.CanTransition(StatusActive))
	require.True(t, StatusArchived.CanTransition(StatusArchived))
	require.False(t, StatusDraft.CanTransition("retired"))
}
