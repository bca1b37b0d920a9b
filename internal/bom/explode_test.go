package bom

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestExplodeMultipliesThroughLevels(t *testing.T) {
	repo := cabinetRepo()
	repo.putBOM(Header{ID: 3, Name: "Wardrobe"},
		[]Component{sub(2, "2", "0"), sub(1, "1", "0.5"), item(20, "4", "0")},
		[]Operation{op(10, "10")})

	req, err := NewResolver(repo, cabinetCatalog()).Explode(context.Background(), 3, dec("3"))
	require.NoError(t, err)

	require.Equal(t, int64(3), req.BOMID)
	require.Len(t, req.Items, 2)
	// wood: (2 cabinets x 1 drawer + 1.5 drawers) x 2 = 7 per wardrobe.
	require.Equal(t, int64(10), req.Items[0].ItemID)
	require.True(t, dec("21").Equal(req.Items[0].Quantity), req.Items[0].Quantity.String())
	require.True(t, dec("84").Equal(req.Items[0].ExtendedCost))
	// hinges: 2 cabinets x 2 + 4 = 8 per wardrobe.
	require.Equal(t, int64(20), req.Items[1].ItemID)
	require.True(t, dec("24").Equal(req.Items[1].Quantity))
	require.Empty(t, req.Warnings)
}

func TestExplodeRejectsNonPositiveQuantity(t *testing.T) {
	_, err := NewResolver(cabinetRepo(), cabinetCatalog()).Explode(context.Background(), 2, dec("0"))
	require.ErrorIs(t, err, ErrValidation)
}

func TestExplodeReportsMissingItems(t *testing.T) {
	repo := newMemoryRepo()
	repo.putBOM(Header{ID: 1, Name: "Stool"}, []Component{item(10, "1", "0"), item(77, "2", "0"), sub(5, "1", "0")}, []Operation{op(5, "5")})

	req, err := NewResolver(repo, newCatalog(map[int64]string{10: "1"})).Explode(context.Background(), 1, dec("1"))
	require.NoError(t, err)

	require.Len(t, req.Items, 2)
	require.True(t, req.Items[1].UnitCost.IsZero())
	kinds := []WarningKind{}
	for _, w := range req.Warnings {
		kinds = append(kinds, w.Kind)
	}
	require.ElementsMatch(t, []WarningKind{WarnMissingBOM, WarnMissingItem}, kinds)
}

func TestExplodeDoesNotReuseCycleCutBranches(t *testing.T) {
	req, err := NewResolver(crossedCycleRepo(), newCatalog(map[int64]string{10: "1", 20: "10"})).Explode(context.Background(), 3, dec("1"))
	require.NoError(t, err)

	require.Len(t, req.Items, 2)
	require.True(t, dec("2").Equal(req.Items[0].Quantity), req.Items[0].Quantity.String())
	require.True(t, dec("2").Equal(req.Items[1].Quantity), req.Items[1].Quantity.String())
	require.NotEmpty(t, req.Warnings)
}
