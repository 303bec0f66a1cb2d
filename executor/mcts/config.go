package mcts

import (
	"context"
	"errors"

	"github.com/brensch/santorini/game"
)

const (
	DefaultSimulations         = 100
	DefaultCBase               = 19652
	DefaultCInit               = 1.25
	DefaultDirichletAlpha      = 0.3
	DefaultExplorationFraction = 0.25
	DefaultTemperature         = 1.0
)

var (
	// ErrNoLegalAction is returned when asked to search a position whose
	// player to move cannot move.
	ErrNoLegalAction = errors.New("no legal action at search root")
	// ErrNoLegalActionOnExpansion means a state that was not flagged terminal
	// produced no legal actions. Terminal detection and enumeration disagree.
	ErrNoLegalActionOnExpansion = errors.New("no legal action on expansion of non-terminal state")
	// ErrEvaluator wraps evaluator failures and malformed evaluator output.
	ErrEvaluator = errors.New("evaluator failure")
)

// Evaluation is an evaluator's opinion of a state. Value is in [-1,1] from
// the perspective of the player to move. Priors need not be restricted to
// legal actions or normalized, but must be non-negative.
type Evaluation struct {
	Value  float64
	Priors map[game.Action]float64
}

// Evaluator maps a non-terminal state to a value and action priors.
// Implementations must be safe for concurrent use.
type Evaluator interface {
	Evaluate(ctx context.Context, state game.GameState) (Evaluation, error)
}

// EvaluatorFunc adapts a function to Evaluator.
type EvaluatorFunc func(ctx context.Context, state game.GameState) (Evaluation, error)

func (f EvaluatorFunc) Evaluate(ctx context.Context, state game.GameState) (Evaluation, error) {
	return f(ctx, state)
}

// Config holds the search constants.
type Config struct {
	Simulations int
	// SamplingMoves is the ply below which the final action is sampled from
	// the visit softmax instead of taken greedily.
	SamplingMoves int
	Temperature   float64
	CBase         float64
	CInit         float64
	// DirichletAlpha and ExplorationFraction configure root noise. A zero
	// fraction disables it.
	DirichletAlpha      float64
	ExplorationFraction float64
}

func DefaultConfig() Config {
	return Config{
		Simulations:         DefaultSimulations,
		Temperature:         DefaultTemperature,
		CBase:               DefaultCBase,
		CInit:               DefaultCInit,
		DirichletAlpha:      DefaultDirichletAlpha,
		ExplorationFraction: DefaultExplorationFraction,
	}
}

type Option func(e *Engine)

func WithConfig(cfg Config) Option {
	return func(e *Engine) {
		e.cfg = cfg
	}
}

func WithSimulations(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.cfg.Simulations = n
		}
	}
}

func WithSamplingMoves(plies int) Option {
	return func(e *Engine) {
		if plies >= 0 {
			e.cfg.SamplingMoves = plies
		}
	}
}

func WithTemperature(t float64) Option {
	return func(e *Engine) {
		if t > 0 {
			e.cfg.Temperature = t
		}
	}
}

func WithPUCT(cBase, cInit float64) Option {
	return func(e *Engine) {
		if cBase > 0 {
			e.cfg.CBase = cBase
		}
		if cInit >= 0 {
			e.cfg.CInit = cInit
		}
	}
}

func WithDirichlet(alpha, fraction float64) Option {
	return func(e *Engine) {
		if alpha > 0 {
			e.cfg.DirichletAlpha = alpha
		}
		if fraction >= 0 && fraction <= 1 {
			e.cfg.ExplorationFraction = fraction
		}
	}
}

// WithoutNoise disables root exploration noise, for evaluation play.
func WithoutNoise() Option {
	return func(e *Engine) {
		e.cfg.ExplorationFraction = 0
	}
}

func WithMetrics(c Collector) Option {
	return func(e *Engine) {
		if c != nil {
			e.metrics = c
		}
	}
}
