package mcts

import (
	"github.com/brensch/santorini/game"
)

// Node represents a state in the search tree. A tree belongs to the single
// goroutine running the search that built it.
//
// ValueSum is accumulated from the perspective of the player to move at
// State, so a parent reads a child's value negated.
type Node struct {
	State      game.GameState
	Terminal   bool
	Prior      float64
	VisitCount int
	ValueSum   float64
	// Children are kept in enumeration order, which is also the tie-break
	// order for selection.
	Children []Edge
}

// Edge links a node to the child reached by Action.
type Edge struct {
	Action game.Action
	Node   *Node
}

// NewNode creates an unvisited node.
func NewNode(state game.GameState, prior float64, terminal bool) *Node {
	return &Node{
		State:    state,
		Prior:    prior,
		Terminal: terminal,
	}
}

// Value is the mean backpropagated value, 0 before the first visit.
func (n *Node) Value() float64 {
	if n.VisitCount == 0 {
		return 0
	}
	return n.ValueSum / float64(n.VisitCount)
}

func (n *Node) IsLeaf() bool {
	return len(n.Children) == 0
}

// Child returns the child reached by a, or nil.
func (n *Node) Child(a game.Action) *Node {
	for _, e := range n.Children {
		if e.Action == a {
			return e.Node
		}
	}
	return nil
}

// Visits returns the visit count of every child keyed by action.
func (n *Node) Visits() map[game.Action]int {
	out := make(map[game.Action]int, len(n.Children))
	for _, e := range n.Children {
		out[e.Action] = e.Node.VisitCount
	}
	return out
}

// MostVisited returns the edge with the highest visit count; ties go to the
// first in enumeration order. ok is false for a leaf.
func (n *Node) MostVisited() (Edge, bool) {
	if n.IsLeaf() {
		return Edge{}, false
	}
	best := n.Children[0]
	for _, e := range n.Children[1:] {
		if e.Node.VisitCount > best.Node.VisitCount {
			best = e
		}
	}
	return best, true
}

// ChildStat summarizes one root child.
type ChildStat struct {
	Action game.Action `json:"action"`
	N      int         `json:"n"`
	Q      float64     `json:"q"`
	P      float64     `json:"p"`
}

// Stats lists the children of n with Q expressed for the player to move at n.
func (n *Node) Stats() []ChildStat {
	out := make([]ChildStat, 0, len(n.Children))
	for _, e := range n.Children {
		out = append(out, ChildStat{
			Action: e.Action,
			N:      e.Node.VisitCount,
			Q:      -e.Node.Value(),
			P:      e.Node.Prior,
		})
	}
	return out
}
