package rules

import (
	"errors"
	"fmt"
	"iter"

	"github.com/brensch/santorini/game"
)

var ErrIllegalAction = errors.New("illegal action")

// LegalActions yields the legal actions of the player to move. For each of
// that player's workers it walks the 8 move directions crossed with the 8
// build directions, so the order is stable and the sequence can be ranged
// over any number of times.
func LegalActions(state game.GameState) iter.Seq[game.Action] {
	return func(yield func(game.Action) bool) {
		me := state.CurrentPlayer()
		for _, worker := range state.Workers[me] {
			for _, md := range game.Directions {
				dest := worker.Add(md)
				if !canMoveTo(state, worker, dest) {
					continue
				}
				for _, bd := range game.Directions {
					build := dest.Add(bd)
					if !canBuildOn(state, worker, build) {
						continue
					}
					if !yield(game.Action{Worker: worker, Dest: dest, Build: build}) {
						return
					}
				}
			}
		}
	}
}

// Candidates yields every action the direction grid proposes for the player to
// move, legal or not, paired with its legality. Used to check enumeration.
func Candidates(state game.GameState) iter.Seq2[game.Action, bool] {
	return func(yield func(game.Action, bool) bool) {
		me := state.CurrentPlayer()
		for _, worker := range state.Workers[me] {
			for _, md := range game.Directions {
				for _, bd := range game.Directions {
					dest := worker.Add(md)
					a := game.Action{Worker: worker, Dest: dest, Build: dest.Add(bd)}
					if !yield(a, IsLegal(state, a)) {
						return
					}
				}
			}
		}
	}
}

func canMoveTo(state game.GameState, worker, dest game.Position) bool {
	if !dest.InBounds() || state.IsOccupied(dest) {
		return false
	}
	return state.Height(dest) <= state.Height(worker)+1
}

// canBuildOn assumes the worker has already left its origin.
func canBuildOn(state game.GameState, origin, build game.Position) bool {
	if !build.InBounds() {
		return false
	}
	if build == origin {
		return true
	}
	return !state.IsOccupied(build)
}

// IsLegal is the legality predicate for a single action of the player to move.
func IsLegal(state game.GameState, a game.Action) bool {
	if !a.Worker.InBounds() {
		return false
	}
	owner, _, ok := state.WorkerAt(a.Worker)
	if !ok || owner != state.CurrentPlayer() {
		return false
	}
	if !a.Worker.Adjacent(a.Dest) || !a.Dest.Adjacent(a.Build) {
		return false
	}
	return canMoveTo(state, a.Worker, a.Dest) && canBuildOn(state, a.Worker, a.Build)
}

// Apply returns the state after a. The input state is never modified.
func Apply(state game.GameState, a game.Action) (game.GameState, error) {
	if !IsLegal(state, a) {
		return game.GameState{}, fmt.Errorf("%w: %v at turn %d", ErrIllegalAction, a, state.Turn)
	}
	next := state
	me := state.CurrentPlayer()
	for i, w := range next.Workers[me] {
		if w == a.Worker {
			next.Workers[me][i] = a.Dest
			break
		}
	}
	next.Heights[a.Build.Row][a.Build.Col]++
	next.Turn++
	return next, nil
}

// IsWinningAction reports whether a climbs from level 2 onto level 3, judged
// on the state before the move.
func IsWinningAction(state game.GameState, a game.Action) bool {
	if !a.Worker.InBounds() || !a.Dest.InBounds() {
		return false
	}
	return state.Height(a.Worker) == game.WinHeight-1 && state.Height(a.Dest) == game.WinHeight
}

// HasLegalAction reports whether the player to move can move at all. A player
// who cannot move loses.
func HasLegalAction(state game.GameState) bool {
	for range LegalActions(state) {
		return true
	}
	return false
}

// CountLegalActions returns the number of legal actions of the player to move.
func CountLegalActions(state game.GameState) int {
	n := 0
	for range LegalActions(state) {
		n++
	}
	return n
}

// Replay applies actions in order from initial and returns every state
// visited, starting with initial itself.
func Replay(initial game.GameState, actions []game.Action) ([]game.GameState, error) {
	states := make([]game.GameState, 0, len(actions)+1)
	states = append(states, initial)
	cur := initial
	for i, a := range actions {
		next, err := Apply(cur, a)
		if err != nil {
			return states, fmt.Errorf("replay ply %d: %w", i, err)
		}
		states = append(states, next)
		cur = next
	}
	return states, nil
}
