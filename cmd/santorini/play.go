package main

import (
	"fmt"
	"io"
	"math/rand/v2"
	"strings"

	"github.com/spf13/cobra"

	"github.com/brensch/santorini/arena"
	"github.com/brensch/santorini/executor/mcts"
	"github.com/brensch/santorini/game"
	"github.com/brensch/santorini/player"
	"github.com/brensch/santorini/rules"
)

func newPlayCmd(a *app) *cobra.Command {
	var (
		seed          uint64
		randomHeights bool
		showBoards    bool
	)
	cmd := &cobra.Command{
		Use:   "play KIND KIND",
		Short: "Play one match between two strategies",
		Long:  "Plays a match from a random start. Strategies: " + strings.Join(player.Kinds(), ", ") + ".",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var kinds [game.Players]player.Kind
			for i, arg := range args {
				k, err := player.ParseKind(arg)
				if err != nil {
					return err
				}
				kinds[i] = k
			}

			eval, err := a.newEvaluatorFor(kinds[:]...)
			if err != nil {
				return err
			}
			defer eval.Close()

			rng := rand.New(rand.NewPCG(seed, 1))
			var players [game.Players]player.Player
			for i, k := range kinds {
				p, err := newPlayer(a, k, eval, uint64(i), seed, cmd.InOrStdin(), cmd.OutOrStdout())
				if err != nil {
					return err
				}
				players[i] = p
			}

			initial := game.RandomGameState(rng, randomHeights)
			res, err := arena.Play(cmd.Context(), initial, players)
			if err != nil {
				return err
			}
			return printMatch(cmd.OutOrStdout(), kinds, res, showBoards)
		},
	}
	cmd.Flags().Uint64Var(&seed, "seed", 0, "seed for the start position and random strategies")
	cmd.Flags().BoolVar(&randomHeights, "random-heights", false, "start with random tower heights")
	cmd.Flags().BoolVar(&showBoards, "boards", false, "print the board after every action")
	return cmd
}

// newEvaluatorFor only loads a model when one of kinds searches.
func (a *app) newEvaluatorFor(kinds ...player.Kind) (evaluator, error) {
	for _, k := range kinds {
		if k == player.MCTS {
			return a.newEvaluator()
		}
	}
	return evaluator{}, nil
}

func newPlayer(a *app, kind player.Kind, eval evaluator, seat, seed uint64, in io.Reader, out io.Writer) (player.Player, error) {
	rng := rand.New(rand.NewPCG(seed, seat+2))
	opts := player.Options{Rng: rng, In: in, Out: out}
	if kind == player.MCTS {
		cfg := a.cfg.MCTS()
		// Matches are played greedily and without root noise.
		cfg.SamplingMoves = 0
		cfg.ExplorationFraction = 0
		opts.Engine = mcts.New(eval, rng, mcts.WithConfig(cfg))
	}
	return player.New(kind, opts)
}

func printMatch(w io.Writer, kinds [game.Players]player.Kind, res arena.Result, boards bool) error {
	states, err := rules.Replay(res.Initial, res.Actions)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "%v (0) vs %v (1)\n", kinds[0], kinds[1])
	if boards {
		fmt.Fprint(w, renderBoard(states[0]))
	}
	for i, act := range res.Actions {
		fmt.Fprintf(w, "%3d  player %d  %v\n", i, states[i].CurrentPlayer(), act)
		if boards {
			fmt.Fprint(w, renderBoard(states[i+1]))
		}
	}
	fmt.Fprintf(w, "winner: player %d (%v) by %v after %d plies\n", res.Winner, kinds[res.Winner], res.Reason, len(res.Actions))
	return nil
}

// renderBoard draws heights with worker markers: A/a for player 0, B/b for
// player 1.
func renderBoard(s game.GameState) string {
	marks := [game.Players][game.Workers]byte{{'A', 'a'}, {'B', 'b'}}
	var b strings.Builder
	for r := 0; r < game.Size; r++ {
		for c := 0; c < game.Size; c++ {
			p := game.Position{Row: int8(r), Col: int8(c)}
			mark := byte(' ')
			if pl, slot, ok := s.WorkerAt(p); ok {
				mark = marks[pl][slot]
			}
			h := s.Height(p)
			if h == game.MaxHeight {
				fmt.Fprintf(&b, " X%c", mark)
			} else {
				fmt.Fprintf(&b, " %d%c", h, mark)
			}
		}
		b.WriteByte('\n')
	}
	b.WriteByte('\n')
	return b.String()
}
