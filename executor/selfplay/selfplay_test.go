package selfplay

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brensch/santorini/executor/inference"
	"github.com/brensch/santorini/executor/mcts"
	"github.com/brensch/santorini/executor/replay"
	"github.com/brensch/santorini/game"
	"github.com/brensch/santorini/rules"
)

func uniformEngine(sims int) func(int, *rand.Rand) *mcts.Engine {
	return func(_ int, rng *rand.Rand) *mcts.Engine {
		return mcts.New(inference.Uniform{}, rng, mcts.WithSimulations(sims), mcts.WithSamplingMoves(4))
	}
}

func checkRecord(t *testing.T, rec *replay.Record) {
	t.Helper()
	require.NotEmpty(t, rec.GameID)
	require.Len(t, rec.Steps, len(rec.Actions))

	states, err := rules.Replay(rec.Initial, rec.Actions)
	require.NoError(t, err)
	final := states[len(states)-1]
	if n := len(rec.Actions); n > 0 && rules.IsWinningAction(states[n-1], rec.Actions[n-1]) {
		require.Equal(t, states[n-1].CurrentPlayer(), rec.Winner)
	} else {
		require.False(t, rules.HasLegalAction(final))
		require.Equal(t, final.Opponent(), rec.Winner)
	}

	for i, st := range rec.Steps {
		require.Equal(t, states[i].CurrentPlayer(), st.Player)
		require.Equal(t, rec.Actions[i], st.Action)
		sum := float32(0)
		for _, p := range st.Policy {
			sum += p
		}
		require.InDelta(t, 1, sum, 1e-4)
		if st.Player == rec.Winner {
			require.Equal(t, float32(1), st.Value)
		} else {
			require.Equal(t, float32(-1), st.Value)
		}
	}
}

func TestPlayGameToCompletion(t *testing.T) {
	rng := rand.New(rand.NewPCG(3, 4))
	engine := uniformEngine(16)(0, rng)

	plies := 0
	rec, err := PlayGame(context.Background(), 7, engine, game.RandomGameState(rng, true), PlayGameOptions{
		OnPly: func(p Ply) {
			plies++
			assert.Equal(t, 7, p.Worker)
			assert.Equal(t, p.Before.Turn+1, p.After.Turn)
			assert.NotEmpty(t, p.Stats)
		},
	})
	require.NoError(t, err)
	assert.Equal(t, 7, rec.Worker)
	assert.Equal(t, len(rec.Actions), plies)
	checkRecord(t, rec)
}

func TestPlayGameStalemateLosesWithoutApply(t *testing.T) {
	// Player 0 is boxed into the top-left corner by domes and its own workers.
	var heights [game.Size][game.Size]uint8
	heights[1][0], heights[1][1], heights[1][2], heights[0][2] = 4, 4, 4, 4
	initial, err := game.NewGameState([game.Players][game.Workers]game.Position{
		{{Row: 0, Col: 0}, {Row: 0, Col: 1}},
		{{Row: 4, Col: 4}, {Row: 4, Col: 0}},
	}, heights)
	require.NoError(t, err)
	require.False(t, rules.HasLegalAction(initial))

	engine := uniformEngine(8)(0, rand.New(rand.NewPCG(1, 1)))
	rec, err := PlayGame(context.Background(), 0, engine, initial, PlayGameOptions{})
	require.NoError(t, err)
	assert.Empty(t, rec.Actions)
	assert.Equal(t, 1, rec.Winner)
}

func TestPlayGameTakesImmediateWin(t *testing.T) {
	initial := game.DefaultGameState()
	initial.Heights[0][0] = 2
	initial.Heights[1][1] = 3

	engine := mcts.New(inference.Uniform{}, rand.New(rand.NewPCG(1, 2)), mcts.WithSimulations(400), mcts.WithoutNoise())
	rec, err := PlayGame(context.Background(), 0, engine, initial, PlayGameOptions{})
	require.NoError(t, err)
	require.Len(t, rec.Actions, 1)
	assert.Equal(t, 0, rec.Winner)
	assert.Equal(t, float32(1), rec.Steps[0].Value)
}

func TestPlayGameEvaluatorError(t *testing.T) {
	boom := errors.New("boom")
	eval := mcts.EvaluatorFunc(func(context.Context, game.GameState) (mcts.Evaluation, error) {
		return mcts.Evaluation{}, boom
	})
	engine := mcts.New(eval, rand.New(rand.NewPCG(1, 1)), mcts.WithSimulations(4))
	_, err := PlayGame(context.Background(), 0, engine, game.DefaultGameState(), PlayGameOptions{})
	require.ErrorIs(t, err, mcts.ErrEvaluator)
	require.ErrorIs(t, err, boom)
}

func TestCoordinatorStopsAfterGames(t *testing.T) {
	c := NewCoordinator(Config{
		Workers:      4,
		Games:        6,
		MinDrainWait: 10 * time.Millisecond,
		WindowSize:   3,
		Seed:         42,
	}, uniformEngine(8))

	var got []*replay.Record
	c.OnDrain = func(_ context.Context, recs []*replay.Record, st replay.Stats) error {
		got = append(got, recs...)
		assert.LessOrEqual(t, st.Size, 3)
		return nil
	}
	var plies atomic.Int64
	c.OnPly = func(Ply) { plies.Add(1) }

	require.NoError(t, c.Run(context.Background()))
	require.GreaterOrEqual(t, len(got), 6)
	assert.False(t, c.Window().Online())
	assert.Equal(t, 3, c.Window().Len())

	seen := map[string]bool{}
	total := 0
	for _, rec := range got {
		require.False(t, seen[rec.GameID], "duplicate %s", rec.GameID)
		seen[rec.GameID] = true
		total += rec.Plies()
		checkRecord(t, rec)
	}
	assert.Equal(t, int64(total), plies.Load())

	st := c.Window().Stats()
	assert.Equal(t, st.Published, st.Drained)
	assert.Equal(t, int64(len(got)), st.Drained)
}

func TestCoordinatorCancelLetsGamesFinish(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c := NewCoordinator(Config{Workers: 3, MinDrainWait: 5 * time.Millisecond, Seed: 1}, uniformEngine(8))

	var mu sync.Mutex
	started := map[string]bool{}
	c.OnPly = func(p Ply) {
		mu.Lock()
		started[p.GameID] = true
		mu.Unlock()
	}
	var got []*replay.Record
	c.OnDrain = func(_ context.Context, recs []*replay.Record, _ replay.Stats) error {
		got = append(got, recs...)
		cancel()
		return nil
	}

	require.NoError(t, c.Run(ctx))
	require.NotEmpty(t, got)

	// Every game that played a ply was completed and drained.
	drained := map[string]bool{}
	for _, rec := range got {
		drained[rec.GameID] = true
		checkRecord(t, rec)
	}
	mu.Lock()
	defer mu.Unlock()
	for id := range started {
		assert.True(t, drained[id], "game %s was abandoned", id)
	}
}

func TestCoordinatorWorkerError(t *testing.T) {
	boom := errors.New("model unavailable")
	c := NewCoordinator(Config{Workers: 2, MinDrainWait: time.Millisecond}, func(_ int, rng *rand.Rand) *mcts.Engine {
		eval := mcts.EvaluatorFunc(func(context.Context, game.GameState) (mcts.Evaluation, error) {
			return mcts.Evaluation{}, boom
		})
		return mcts.New(eval, rng, mcts.WithSimulations(2))
	})
	err := c.Run(context.Background())
	require.ErrorIs(t, err, boom)
	assert.False(t, c.Window().Online())
}

func TestCoordinatorDrainError(t *testing.T) {
	c := NewCoordinator(Config{Workers: 2, MinDrainWait: time.Millisecond}, uniformEngine(4))
	calls := 0
	c.OnDrain = func(context.Context, []*replay.Record, replay.Stats) error {
		calls++
		return errors.New("disk full")
	}
	err := c.Run(context.Background())
	require.ErrorContains(t, err, "disk full")
	assert.Equal(t, 1, calls)
}

func TestCoordinatorCustomStart(t *testing.T) {
	c := NewCoordinator(Config{Workers: 1, Games: 2, MinDrainWait: time.Millisecond}, uniformEngine(4))
	c.NewGame = func(*rand.Rand) game.GameState { return game.DefaultGameState() }

	var got []*replay.Record
	c.OnDrain = func(_ context.Context, recs []*replay.Record, _ replay.Stats) error {
		got = append(got, recs...)
		return nil
	}
	require.NoError(t, c.Run(context.Background()))
	for _, rec := range got {
		assert.Equal(t, game.DefaultGameState(), rec.Initial)
	}
}

func TestCoordinatorRequiresEngine(t *testing.T) {
	require.Error(t, NewCoordinator(Config{}, nil).Run(context.Background()))
}

func TestCoordinatorFloorsDrainWait(t *testing.T) {
	c := NewCoordinator(Config{Workers: 1, Games: 1}, uniformEngine(4))
	require.Equal(t, MinPollInterval, c.cfg.MinDrainWait)

	c = NewCoordinator(Config{Workers: 1, Games: 1, MinDrainWait: -time.Second}, uniformEngine(4))
	require.Equal(t, MinPollInterval, c.cfg.MinDrainWait)

	c = NewCoordinator(Config{Workers: 1, Games: 1, MinDrainWait: time.Second}, uniformEngine(4))
	require.Equal(t, time.Second, c.cfg.MinDrainWait)
}

func TestCoordinatorZeroDrainWaitStillFinishes(t *testing.T) {
	c := NewCoordinator(Config{Workers: 1, Games: 1}, uniformEngine(4))
	drains := 0
	c.OnDrain = func(context.Context, []*replay.Record, replay.Stats) error {
		drains++
		return nil
	}
	require.NoError(t, c.Run(context.Background()))
	assert.GreaterOrEqual(t, drains, 1)
}

func TestCoordinatorQueueHoldsOneGamePerWorker(t *testing.T) {
	c := NewCoordinator(Config{Workers: 4, QueueSize: 1}, uniformEngine(4))
	assert.Equal(t, 4, c.cfg.QueueSize)

	for i := 0; i < 4; i++ {
		ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
		err := c.Window().Publish(ctx, &replay.Record{GameID: fmt.Sprint(i)})
		cancel()
		require.NoError(t, err, "publish %d", i)
	}
}
