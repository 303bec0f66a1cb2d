// Package player provides the strategies that can take a seat in a match.
package player

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"strconv"
	"strings"

	"github.com/brensch/santorini/executor/mcts"
	"github.com/brensch/santorini/game"
	"github.com/brensch/santorini/rules"
)

// Kind is the closed set of strategies.
type Kind int

const (
	Random Kind = iota
	RandomFinisher
	Climber
	MCTS
	Input
)

var kindNames = [...]string{
	Random:         "random",
	RandomFinisher: "random-finisher",
	Climber:        "climber",
	MCTS:           "mcts",
	Input:          "input",
}

var ErrUnknownKind = errors.New("unknown player kind")

func (k Kind) String() string {
	if k < 0 || int(k) >= len(kindNames) {
		return fmt.Sprintf("kind(%d)", int(k))
	}
	return kindNames[k]
}

// Kinds lists every strategy name, for help text.
func Kinds() []string {
	return kindNames[:]
}

func ParseKind(s string) (Kind, error) {
	for k, name := range kindNames {
		if strings.EqualFold(s, name) {
			return Kind(k), nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownKind, s)
}

// Player picks the action for the player to move.
type Player interface {
	Action(ctx context.Context, state game.GameState) (game.Action, error)
}

type Options struct {
	// Rng drives the random strategies. Required for Random, RandomFinisher
	// and Climber.
	Rng *rand.Rand
	// Engine is required for MCTS.
	Engine *mcts.Engine
	// In and Out are the terminal for Input.
	In  io.Reader
	Out io.Writer
}

type actionFunc func(ctx context.Context, state game.GameState) (game.Action, error)

type player struct {
	kind Kind
	act  actionFunc
}

func (p *player) Action(ctx context.Context, state game.GameState) (game.Action, error) {
	return p.act(ctx, state)
}

func (p *player) String() string {
	return p.kind.String()
}

// New resolves kind into a Player.
func New(kind Kind, opts Options) (Player, error) {
	var act actionFunc
	switch kind {
	case Random, RandomFinisher, Climber:
		if opts.Rng == nil {
			return nil, fmt.Errorf("%v player needs a random source", kind)
		}
		switch kind {
		case Random:
			act = randomAction(opts.Rng)
		case RandomFinisher:
			act = finisherAction(opts.Rng)
		default:
			act = climberAction(opts.Rng)
		}
	case MCTS:
		if opts.Engine == nil {
			return nil, fmt.Errorf("%v player needs a search engine", kind)
		}
		engine := opts.Engine
		act = func(ctx context.Context, state game.GameState) (game.Action, error) {
			a, _, err := engine.Search(ctx, state)
			return a, err
		}
	case Input:
		if opts.In == nil {
			return nil, fmt.Errorf("%v player needs an input reader", kind)
		}
		out := opts.Out
		if out == nil {
			out = io.Discard
		}
		act = inputAction(bufio.NewScanner(opts.In), out)
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownKind, int(kind))
	}
	return &player{kind: kind, act: act}, nil
}

func legal(state game.GameState) ([]game.Action, error) {
	var actions []game.Action
	for a := range rules.LegalActions(state) {
		actions = append(actions, a)
	}
	if len(actions) == 0 {
		return nil, fmt.Errorf("%w: turn %d", mcts.ErrNoLegalAction, state.Turn)
	}
	return actions, nil
}

func randomAction(rng *rand.Rand) actionFunc {
	return func(_ context.Context, state game.GameState) (game.Action, error) {
		actions, err := legal(state)
		if err != nil {
			return game.Action{}, err
		}
		return actions[rng.IntN(len(actions))], nil
	}
}

// finisherAction plays the first winning action if there is one, else a
// random one.
func finisherAction(rng *rand.Rand) actionFunc {
	random := randomAction(rng)
	return func(ctx context.Context, state game.GameState) (game.Action, error) {
		for a := range rules.LegalActions(state) {
			if rules.IsWinningAction(state, a) {
				return a, nil
			}
		}
		return random(ctx, state)
	}
}

// climberAction always steps up when it can, preferring builds that raise
// cells it could climb next and avoiding builds above its new level. With no
// climbing move it plays randomly.
func climberAction(rng *rand.Rand) actionFunc {
	random := randomAction(rng)
	return func(ctx context.Context, state game.GameState) (game.Action, error) {
		var best game.Action
		bestScore, found := 0, false
		for a := range rules.LegalActions(state) {
			dest := state.Height(a.Dest)
			if state.Height(a.Worker) >= dest {
				continue
			}
			build := state.Height(a.Build)
			score := build
			if build > dest {
				score -= 3
			}
			if !found || score > bestScore {
				best, bestScore, found = a, score, true
			}
		}
		if found {
			return best, nil
		}
		return random(ctx, state)
	}
}

// inputAction reads "row col row col row col" (worker, destination, build)
// and asks again until the action is legal.
func inputAction(sc *bufio.Scanner, out io.Writer) actionFunc {
	return func(ctx context.Context, state game.GameState) (game.Action, error) {
		if !rules.HasLegalAction(state) {
			return game.Action{}, fmt.Errorf("%w: turn %d", mcts.ErrNoLegalAction, state.Turn)
		}
		for {
			if err := ctx.Err(); err != nil {
				return game.Action{}, err
			}
			fmt.Fprintf(out, "player %d, enter worker dest build as six numbers: ", state.CurrentPlayer())
			if !sc.Scan() {
				if err := sc.Err(); err != nil {
					return game.Action{}, fmt.Errorf("read action: %w", err)
				}
				return game.Action{}, fmt.Errorf("read action: %w", io.ErrUnexpectedEOF)
			}
			a, err := parseAction(sc.Text())
			if err != nil {
				fmt.Fprintln(out, err)
				continue
			}
			if !rules.IsLegal(state, a) {
				fmt.Fprintf(out, "%v is not legal\n", a)
				continue
			}
			return a, nil
		}
	}
}

func parseAction(line string) (game.Action, error) {
	fields := strings.Fields(line)
	if len(fields) != 6 {
		return game.Action{}, fmt.Errorf("want 6 numbers, got %d", len(fields))
	}
	var v [6]int8
	for i, f := range fields {
		n, err := strconv.ParseInt(f, 10, 8)
		if err != nil {
			return game.Action{}, fmt.Errorf("bad number %q", f)
		}
		v[i] = int8(n)
	}
	return game.Action{
		Worker: game.Position{Row: v[0], Col: v[1]},
		Dest:   game.Position{Row: v[2], Col: v[3]},
		Build:  game.Position{Row: v[4], Col: v[5]},
	}, nil
}
