package graph

import "github.com/anchapin/cifixd/pkg/models"

// NextNode returns the next executable sub-problem of an active
// decomposition: all dependencies solved, then highest priority, then lowest
// complexity. Nil when no DAG is populated or every node is solved.
func NextNode(state *models.GraphState) *models.ErrorDAGNode {
	if state.ErrorDAG == nil {
		return nil
	}
	solved := make(map[string]bool, len(state.SolvedNodes))
	for _, id := range state.SolvedNodes {
		solved[id] = true
	}

	var best *models.ErrorDAGNode
	for i := range state.ErrorDAG.Nodes {
		node := &state.ErrorDAG.Nodes[i]
		if solved[node.ID] || !depsSolved(node, solved) {
			continue
		}
		if best == nil ||
			node.Priority > best.Priority ||
			(node.Priority == best.Priority && node.Complexity < best.Complexity) {
			best = node
		}
	}
	return best
}

func depsSolved(node *models.ErrorDAGNode, solved map[string]bool) bool {
	for _, dep := range node.Dependencies {
		if !solved[dep] {
			return false
		}
	}
	return true
}

// MarkSolved records a sub-problem as solved. Idempotent.
func MarkSolved(state *models.GraphState, id string) {
	for _, existing := range state.SolvedNodes {
		if existing == id {
			return
		}
	}
	state.SolvedNodes = append(state.SolvedNodes, id)
}

// Progress is the solved fraction of the decomposition, 0 without one.
func Progress(state *models.GraphState) float64 {
	if state.ErrorDAG == nil || len(state.ErrorDAG.Nodes) == 0 {
		return 0
	}
	return float64(len(state.SolvedNodes)) / float64(len(state.ErrorDAG.Nodes))
}
