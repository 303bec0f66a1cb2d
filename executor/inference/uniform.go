// Package inference provides the position evaluators consumed by the search.
package inference

import (
	"context"
	"sync"

	"github.com/brensch/santorini/executor/mcts"
	"github.com/brensch/santorini/game"
	"github.com/brensch/santorini/rules"
)

// Uniform scores every position as even and every legal action alike. It is
// the bootstrap evaluator before a model exists.
type Uniform struct{}

func (Uniform) Evaluate(_ context.Context, state game.GameState) (mcts.Evaluation, error) {
	priors := make(map[game.Action]float64, 64)
	for a := range rules.LegalActions(state) {
		priors[a] = 1
	}
	return mcts.Evaluation{Value: 0, Priors: priors}, nil
}

// Serialized guards an evaluator that is not safe for concurrent use.
type Serialized struct {
	mu   sync.Mutex
	next mcts.Evaluator
}

func NewSerialized(next mcts.Evaluator) *Serialized {
	return &Serialized{next: next}
}

func (s *Serialized) Evaluate(ctx context.Context, state game.GameState) (mcts.Evaluation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.next.Evaluate(ctx, state)
}
