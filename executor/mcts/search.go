package mcts

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"

	"github.com/rs/zerolog"
	"gonum.org/v1/gonum/stat/distmv"

	"github.com/brensch/santorini/game"
	"github.com/brensch/santorini/rules"
)

// Engine runs searches. It owns a random source, so one Engine serves one
// goroutine; build one per self-play worker.
type Engine struct {
	cfg     Config
	eval    Evaluator
	rng     *rand.Rand
	metrics Collector
	last    SearchMetric
}

func New(eval Evaluator, rng *rand.Rand, options ...Option) *Engine {
	e := &Engine{
		cfg:     DefaultConfig(),
		eval:    eval,
		rng:     rng,
		metrics: NewDummyCollector(),
	}
	for _, option := range options {
		option(e)
	}
	return e
}

func (e *Engine) Config() Config {
	return e.cfg
}

// LastMetric returns the metric of the most recent search.
func (e *Engine) LastMetric() SearchMetric {
	return e.last
}

// Search runs the configured number of simulations from state and returns the
// chosen action plus the root, whose children carry the visit counts. The tree
// is discarded by the engine once Search returns.
func (e *Engine) Search(ctx context.Context, state game.GameState) (game.Action, *Node, error) {
	log := zerolog.Ctx(ctx)
	if !rules.HasLegalAction(state) {
		return game.Action{}, nil, fmt.Errorf("%w: turn %d", ErrNoLegalAction, state.Turn)
	}

	e.metrics.Start()
	root := NewNode(state, 1, false)
	if _, err := e.expand(ctx, root, e.cfg.ExplorationFraction > 0); err != nil {
		return game.Action{}, nil, err
	}
	// The initial expansion counts as the root's first visit.
	root.VisitCount = 1

	progressEvery := e.cfg.Simulations / 10
	for i := 0; i < e.cfg.Simulations; i++ {
		select {
		case <-ctx.Done():
			return game.Action{}, root, ctx.Err()
		default:
		}

		node := root
		path := []*Node{node}

		// Selection
		for !node.IsLeaf() {
			node = e.selectChild(node)
			path = append(path, node)
		}

		// Expansion & Evaluation
		var value float64
		if node.Terminal {
			value = terminalValue
		} else {
			v, err := e.expand(ctx, node, false)
			if err != nil {
				return game.Action{}, nil, err
			}
			value = v
		}

		// Backprop
		leafPlayer := node.State.CurrentPlayer()
		for _, n := range path {
			n.VisitCount++
			if n.State.CurrentPlayer() == leafPlayer {
				n.ValueSum += value
			} else {
				n.ValueSum -= value
			}
		}
		e.metrics.AddSimulation(len(path)-1, node.Terminal)

		if progressEvery > 0 && (i+1)%progressEvery == 0 {
			log.Debug().
				Int("sim", i+1).
				Int("of", e.cfg.Simulations).
				Float64("root_q", root.Value()).
				Msg("search progress")
		}
	}

	action, err := e.finalAction(root)
	if err != nil {
		return game.Action{}, nil, err
	}

	e.last = e.metrics.Complete()
	log.Debug().
		Dur("took", e.last.Duration).
		Int("turn", state.Turn).
		Int("visits", root.VisitCount).
		Int("max_depth", e.last.MaxDepth).
		Stringer("action", action).
		Msg("search done")
	return action, root, nil
}

// terminalValue is the value of a finished position to its player to move:
// either the previous mover just won or the player to move is stuck.
const terminalValue = -1.0

// explorationRate grows slowly with the parent's visits.
func (e *Engine) explorationRate(parentVisits int) float64 {
	return math.Log(1+(float64(parentVisits)+1)/e.cfg.CBase) + e.cfg.CInit
}

// puct scores child from the parent's point of view. Child values are stored
// for the child's player to move, the parent's opponent, hence the negation.
func (e *Engine) puct(parent, child *Node) float64 {
	u := e.explorationRate(parent.VisitCount) * child.Prior * math.Sqrt(float64(parent.VisitCount)) / float64(1+child.VisitCount)
	return -child.Value() + u
}

// selectChild picks the highest scoring child. Ties keep the earliest child.
func (e *Engine) selectChild(n *Node) *Node {
	best := n.Children[0].Node
	bestScore := e.puct(n, best)
	for _, edge := range n.Children[1:] {
		if s := e.puct(n, edge.Node); s > bestScore {
			best, bestScore = edge.Node, s
		}
	}
	return best
}

// expand evaluates n, creates one child per legal action and returns the
// evaluator's value for n's player to move.
func (e *Engine) expand(ctx context.Context, n *Node, noise bool) (float64, error) {
	ev, err := e.eval.Evaluate(ctx, n.State)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrEvaluator, err)
	}
	if err := validate(ev); err != nil {
		return 0, err
	}

	var legal []game.Action
	for a := range rules.LegalActions(n.State) {
		legal = append(legal, a)
	}
	if len(legal) == 0 {
		return 0, fmt.Errorf("%w: turn %d", ErrNoLegalActionOnExpansion, n.State.Turn)
	}

	priors := make([]float64, len(legal))
	sum := 0.0
	for i, a := range legal {
		priors[i] = ev.Priors[a]
		sum += priors[i]
	}
	for i := range priors {
		if sum > 0 {
			priors[i] /= sum
		} else {
			priors[i] = 1 / float64(len(legal))
		}
	}
	if noise {
		e.addNoise(priors)
	}

	n.Children = make([]Edge, len(legal))
	for i, a := range legal {
		next, err := rules.Apply(n.State, a)
		if err != nil {
			return 0, err
		}
		terminal := rules.IsWinningAction(n.State, a) || !rules.HasLegalAction(next)
		n.Children[i] = Edge{Action: a, Node: NewNode(next, priors[i], terminal)}
	}
	return ev.Value, nil
}

func (e *Engine) addNoise(priors []float64) {
	alpha := make([]float64, len(priors))
	for i := range alpha {
		alpha[i] = e.cfg.DirichletAlpha
	}
	noise := distmv.NewDirichlet(alpha, e.rng).Rand(nil)
	frac := e.cfg.ExplorationFraction
	for i := range priors {
		priors[i] = priors[i]*(1-frac) + noise[i]*frac
	}
}

func validate(ev Evaluation) error {
	if math.IsNaN(ev.Value) || ev.Value < -1 || ev.Value > 1 {
		return fmt.Errorf("%w: value %v out of range", ErrEvaluator, ev.Value)
	}
	for a, p := range ev.Priors {
		if math.IsNaN(p) || math.IsInf(p, 0) || p < 0 {
			return fmt.Errorf("%w: prior %v for %v", ErrEvaluator, p, a)
		}
	}
	return nil
}

// finalAction samples from the visit softmax during the opening plies and
// takes the most visited child afterwards.
func (e *Engine) finalAction(root *Node) (game.Action, error) {
	if root.State.Turn < e.cfg.SamplingMoves && e.cfg.Temperature > 0 {
		return sampleSoftmax(e.rng, root, e.cfg.Temperature), nil
	}
	best, ok := root.MostVisited()
	if !ok {
		return game.Action{}, fmt.Errorf("%w: root has no children", ErrNoLegalActionOnExpansion)
	}
	return best.Action, nil
}

func sampleSoftmax(rng *rand.Rand, root *Node, temperature float64) game.Action {
	probs := VisitSoftmax(root, temperature)
	r := rng.Float64()
	cumulative := 0.0
	for i, p := range probs {
		cumulative += p
		if r < cumulative {
			return root.Children[i].Action
		}
	}
	return root.Children[len(root.Children)-1].Action
}

// VisitSoftmax returns softmax(visits/temperature) over root's children in
// child order.
func VisitSoftmax(root *Node, temperature float64) []float64 {
	out := make([]float64, len(root.Children))
	if len(out) == 0 {
		return out
	}
	maxV := math.Inf(-1)
	for i, e := range root.Children {
		out[i] = float64(e.Node.VisitCount) / temperature
		maxV = math.Max(maxV, out[i])
	}
	sum := 0.0
	for i := range out {
		out[i] = math.Exp(out[i] - maxV)
		sum += out[i]
	}
	for i := range out {
		out[i] /= sum
	}
	return out
}
