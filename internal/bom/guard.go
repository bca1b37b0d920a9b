package bom

import (
	"context"
	"fmt"
)

// Graph exposes the sub-assembly edges of persisted BOMs.
type Graph interface {
	SubBOMIDs(ctx context.Context, bomID int64) ([]int64, error)
}

// DefaultMaxNodes bounds graph traversals when no limit is configured.
const DefaultMaxNodes = 10000

// Guard rejects component edges that would close a cycle in the sub-assembly graph.
type Guard struct {
	graph    Graph
	maxNodes int
}

// NewGuard constructs a Guard. maxNodes <= 0 selects DefaultMaxNodes.
func NewGuard(graph Graph, maxNodes int) *Guard {
	if maxNodes <= 0 {
		maxNodes = DefaultMaxNodes
	}
	return &Guard{graph: graph, maxNodes: maxNodes}
}

// Check validates the prospective edges owner -> sub for every sub in subIDs.
// It returns a *CycleError when owner is reachable from any sub, and ErrGraphLimit
// when the traversal visits more than the node budget.
func (g *Guard) Check(ctx context.Context, owner int64, subIDs []int64) error {
	for _, sub := range subIDs {
		if sub == owner {
			return &CycleError{Path: []int64{owner, owner}}
		}
	}

	// parent doubles as the visited set and records how each node was reached.
	parent := make(map[int64]int64, len(subIDs))
	queue := make([]int64, 0, len(subIDs))
	for _, sub := range subIDs {
		if _, seen := parent[sub]; seen {
			continue
		}
		parent[sub] = owner
		queue = append(queue, sub)
	}

	for len(queue) > 0 {
		if err := ctx.Err(); err != nil {
			return err
		}
		current := queue[0]
		queue = queue[1:]

		next, err := g.graph.SubBOMIDs(ctx, current)
		if err != nil {
			return fmt.Errorf("bom: load sub-assemblies of %d: %w", current, err)
		}
		for _, child := range next {
			if child == owner {
				return &CycleError{Path: cyclePath(parent, owner, current)}
			}
			if _, seen := parent[child]; seen {
				continue
			}
			if len(parent) >= g.maxNodes {
				return ErrGraphLimit
			}
			parent[child] = current
			queue = append(queue, child)
		}
	}
	return nil
}

// cyclePath rebuilds owner -> ... -> last -> owner from the BFS parents.
func cyclePath(parent map[int64]int64, owner, last int64) []int64 {
	reversed := []int64{owner, last}
	for node := last; node != owner; {
		node = parent[node]
		reversed = append(reversed, node)
	}
	path := make([]int64, len(reversed))
	for i, id := range reversed {
		path[len(reversed)-1-i] = id
	}
	return path
}
