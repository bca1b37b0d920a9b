package bom

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

type edgeGraph map[int64][]int64

func (g edgeGraph) SubBOMIDs(_ context.Context, id int64) ([]int64, error) {
	if id < 0 {
		return nil, errBoom
	}
	return g[id], nil
}

func TestGuardRejectsSelfReference(t *testing.T) {
	err := NewGuard(edgeGraph{}, 0).Check(context.Background(), 7, []int64{3, 7})

	var cycle *CycleError
	require.ErrorAs(t, err, &cycle)
	require.True(t, cycle.SelfReference())
	require.Equal(t, []int64{7, 7}, cycle.Path)
	require.ErrorIs(t, err, ErrCycleDetected)
	require.Equal(t, "A BOM cannot reference itself as a component", err.Error())
}

func TestGuardReportsIndirectCyclePath(t *testing.T) {
	graph := edgeGraph{2: {3}, 3: {1}}

	err := NewGuard(graph, 0).Check(context.Background(), 1, []int64{2})

	var cycle *CycleError
	require.ErrorAs(t, err, &cycle)
	require.Equal(t, []int64{1, 2, 3, 1}, cycle.Path)
	require.Equal(t, "circular reference detected: BOM 1 -> 2 -> 3 -> 1", err.Error())
}

func TestGuardAllowsSharedSubAssemblies(t *testing.T) {
	graph := edgeGraph{1: {2, 3}, 2: {4}, 3: {4}}

	require.NoError(t, NewGuard(graph, 0).Check(context.Background(), 5, []int64{1, 4, 1}))
}

func TestGuardEnforcesNodeBudget(t *testing.T) {
	graph := edgeGraph{10: {11}, 11: {12}, 12: {13}}

	err := NewGuard(graph, 2).Check(context.Background(), 1, []int64{10})
	require.ErrorIs(t, err, ErrGraphLimit)

	require.NoError(t, NewGuard(graph, 10).Check(context.Background(), 1, []int64{10}))
}

func TestGuardPropagatesGraphErrors(t *testing.T) {
	err := NewGuard(edgeGraph{}, 0).Check(context.Background(), 1, []int64{-4})
	require.True(t, errors.Is(err, errBoom))
}
