package selfplay

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/brensch/santorini/executor/convert"
	"github.com/brensch/santorini/executor/mcts"
	"github.com/brensch/santorini/executor/replay"
	"github.com/brensch/santorini/game"
	"github.com/brensch/santorini/rules"
)

// Ply is passed to PlayGameOptions.OnPly after each action is applied.
type Ply struct {
	GameID string
	Worker int
	Before game.GameState
	Action game.Action
	After  game.GameState
	Stats  []mcts.ChildStat
	Search mcts.SearchMetric
}

type PlayGameOptions struct {
	OnPly func(Ply)
}

// PlayGame runs one self-play game to completion with engine and returns its
// record with outcome values assigned.
//
// The game ends when the mover climbs onto level 3, or when the player to move
// has no legal action; that player loses and no action is applied.
func PlayGame(ctx context.Context, workerID int, engine *mcts.Engine, initial game.GameState, opts PlayGameOptions) (*replay.Record, error) {
	log := zerolog.Ctx(ctx).With().Int("worker", workerID).Logger()

	rec := &replay.Record{
		GameID:  uuid.NewString(),
		Worker:  workerID,
		Initial: initial,
		Actions: make([]game.Action, 0, 64),
		Steps:   make([]replay.Step, 0, 64),
		Started: time.Now(),
	}

	state := initial
	winner := -1
	for winner < 0 {
		if !rules.HasLegalAction(state) {
			winner = state.Opponent()
			log.Debug().Str("game", rec.GameID).Int("turn", state.Turn).Int("stuck", state.CurrentPlayer()).Msg("stalemate")
			break
		}

		action, root, err := engine.Search(ctx, state)
		if err != nil {
			return nil, fmt.Errorf("game %s turn %d: %w", rec.GameID, state.Turn, err)
		}

		rec.Steps = append(rec.Steps, replay.Step{
			State:  convert.EncodeState(state),
			Policy: convert.VisitDistribution(state, root.Visits()),
			Player: state.CurrentPlayer(),
			Action: action,
		})
		rec.Actions = append(rec.Actions, action)

		won := rules.IsWinningAction(state, action)
		next, err := rules.Apply(state, action)
		if err != nil {
			return nil, fmt.Errorf("game %s turn %d: %w", rec.GameID, state.Turn, err)
		}
		if opts.OnPly != nil {
			opts.OnPly(Ply{
				GameID: rec.GameID,
				Worker: workerID,
				Before: state,
				Action: action,
				After:  next,
				Stats:  root.Stats(),
				Search: engine.LastMetric(),
			})
		}
		if won {
			winner = state.CurrentPlayer()
		}
		state = next
	}

	rec.Duration = time.Since(rec.Started)
	rec.AssignOutcome(winner)
	log.Info().
		Str("game", rec.GameID).
		Int("winner", winner).
		Int("plies", rec.Plies()).
		Dur("took", rec.Duration).
		Msg("game finished")
	return rec, nil
}
