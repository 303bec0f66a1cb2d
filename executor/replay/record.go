// Package replay holds completed self-play games and moves them from many
// producing workers into one bounded training window.
package replay

import (
	"time"

	"github.com/brensch/santorini/game"
)

// Step is one searched position of a game.
type Step struct {
	// State is the encoded position, convert.FloatSize floats.
	State []float32
	// Policy is the normalized root visit distribution, convert.PolicySize wide.
	Policy []float32
	Player int
	Action game.Action
	// Value is the outcome for Player: +1 won, -1 lost. Filled in once the
	// game ends.
	Value float32
}

// Record is a completed self-play game. The worker that builds it owns it until
// Publish, after which it belongs to the window.
type Record struct {
	GameID   string
	Worker   int
	Initial  game.GameState
	Actions  []game.Action
	Steps    []Step
	Winner   int
	Started  time.Time
	Duration time.Duration
}

// Plies is the number of actions played.
func (r *Record) Plies() int {
	return len(r.Actions)
}

// AssignOutcome sets every step's value from the winner's point of view.
func (r *Record) AssignOutcome(winner int) {
	r.Winner = winner
	for i := range r.Steps {
		if r.Steps[i].Player == winner {
			r.Steps[i].Value = 1
		} else {
			r.Steps[i].Value = -1
		}
	}
}
