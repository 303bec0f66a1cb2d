// Package arena plays a match between two players.
package arena

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/brensch/santorini/game"
	"github.com/brensch/santorini/player"
	"github.com/brensch/santorini/rules"
)

type Reason int

const (
	// ReasonClimb means the winner stepped up onto level 3.
	ReasonClimb Reason = iota
	// ReasonStalemate means the loser had no legal action on their turn.
	ReasonStalemate
)

func (r Reason) String() string {
	switch r {
	case ReasonClimb:
		return "climb"
	case ReasonStalemate:
		return "stalemate"
	default:
		return fmt.Sprintf("reason(%d)", int(r))
	}
}

type Result struct {
	Initial game.GameState
	Actions []game.Action
	Winner  int
	Reason  Reason
}

// Final replays the match and returns the last position.
func (r Result) Final() (game.GameState, error) {
	states, err := rules.Replay(r.Initial, r.Actions)
	if err != nil {
		return game.GameState{}, err
	}
	return states[len(states)-1], nil
}

// Play runs players[0] against players[1] from initial. A player stuck
// without a legal action loses and is never asked to move.
func Play(ctx context.Context, initial game.GameState, players [game.Players]player.Player) (Result, error) {
	log := zerolog.Ctx(ctx)
	res := Result{Initial: initial}
	state := initial
	for {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		me := state.CurrentPlayer()
		if !rules.HasLegalAction(state) {
			res.Winner, res.Reason = state.Opponent(), ReasonStalemate
			break
		}

		a, err := players[me].Action(ctx, state)
		if err != nil {
			return res, fmt.Errorf("player %d turn %d: %w", me, state.Turn, err)
		}
		won := rules.IsWinningAction(state, a)
		next, err := rules.Apply(state, a)
		if err != nil {
			return res, fmt.Errorf("player %d turn %d: %w", me, state.Turn, err)
		}
		res.Actions = append(res.Actions, a)
		log.Debug().Int("turn", state.Turn).Int("player", me).Stringer("action", a).Msg("ply")

		state = next
		if won {
			res.Winner, res.Reason = me, ReasonClimb
			break
		}
	}
	log.Info().Int("winner", res.Winner).Stringer("reason", res.Reason).Int("plies", len(res.Actions)).Msg("match finished")
	return res, nil
}
