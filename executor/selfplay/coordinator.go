// Package selfplay runs a pool of self-play workers and collects their games
// into a replay window.
package selfplay

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"slices"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/brensch/santorini/executor/mcts"
	"github.com/brensch/santorini/executor/replay"
	"github.com/brensch/santorini/game"
)

// MinPollInterval is the shortest drain wait the coordinator uses, so an
// unset MinDrainWait cannot turn the drain loop into a busy poll.
const MinPollInterval = 10 * time.Millisecond

type Config struct {
	Workers int
	// Games stops the run once this many games have been drained. 0 runs
	// until the context is cancelled.
	Games         int
	MinDrainWait  time.Duration
	WindowSize    int
	QueueSize     int
	RandomHeights bool
	Seed          uint64
}

// Coordinator owns the replay window and the worker pool.
type Coordinator struct {
	cfg    Config
	window *replay.Window

	// NewEngine builds the search engine for one worker. Called once per
	// worker before it starts.
	NewEngine func(worker int, rng *rand.Rand) *mcts.Engine
	// NewGame picks the starting position of each game. Defaults to a random
	// setup honoring Config.RandomHeights.
	NewGame func(rng *rand.Rand) game.GameState
	// OnDrain receives the records moved into the window by one drain, oldest
	// first. It runs on the coordinator goroutine.
	OnDrain func(ctx context.Context, recs []*replay.Record, st replay.Stats) error
	// OnPly is called from worker goroutines after every action.
	OnPly func(Ply)
}

func NewCoordinator(cfg Config, newEngine func(worker int, rng *rand.Rand) *mcts.Engine) *Coordinator {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	cfg.MinDrainWait = max(cfg.MinDrainWait, MinPollInterval)
	// Every worker can hand over a finished game without waiting on a drain.
	if cfg.QueueSize > 0 {
		cfg.QueueSize = max(cfg.QueueSize, cfg.Workers)
	}
	c := &Coordinator{
		cfg:       cfg,
		window:    replay.NewWindow(cfg.WindowSize, cfg.QueueSize),
		NewEngine: newEngine,
	}
	c.NewGame = func(rng *rand.Rand) game.GameState {
		return game.RandomGameState(rng, c.cfg.RandomHeights)
	}
	return c
}

func (c *Coordinator) Window() *replay.Window {
	return c.window
}

// Run starts the workers and drains their games until the configured game
// count is reached or ctx is cancelled. Cancellation is cooperative: it clears
// the online flag and every worker finishes the game it is playing, which is
// then drained before Run returns. A worker error stops the run and is
// returned.
func (c *Coordinator) Run(ctx context.Context) error {
	log := zerolog.Ctx(ctx)
	if c.NewEngine == nil {
		return errors.New("selfplay: NewEngine is required")
	}

	// Workers must outlive ctx so they can finish their current game.
	g, gctx := errgroup.WithContext(context.WithoutCancel(ctx))

	c.window.SetOnline(true)
	defer c.window.SetOnline(false)

	for i := 0; i < c.cfg.Workers; i++ {
		workerID := i
		rng := rand.New(rand.NewPCG(c.cfg.Seed, uint64(workerID)+1))
		engine := c.NewEngine(workerID, rng)
		g.Go(func() error {
			return c.work(gctx, workerID, engine, rng)
		})
	}

	workersDone := make(chan error, 1)
	go func() { workersDone <- g.Wait() }()

	var (
		runErr   error
		drained  int
		stopping bool
	)
	stop := func(reason string) {
		if stopping {
			return
		}
		stopping = true
		c.window.SetOnline(false)
		log.Info().Str("reason", reason).Int("games", drained).Msg("stopping self-play, waiting for workers to finish their games")
	}

	// Keep draining until every worker has returned so none stays blocked in
	// Publish.
	for done := false; !done; {
		wait := c.cfg.MinDrainWait
		select {
		case err := <-workersDone:
			if err != nil && runErr == nil {
				runErr = err
			}
			stop("workers done")
			done = true
			wait = 0
		case <-ctx.Done():
			stop("cancelled")
		default:
		}

		n := c.window.Drain(wait)
		if n == 0 {
			continue
		}
		drained += n
		if c.OnDrain != nil && runErr == nil {
			if err := c.OnDrain(ctx, slices.Clone(c.window.Fresh()), c.window.Stats()); err != nil {
				runErr = fmt.Errorf("on drain: %w", err)
				stop("drain failed")
			}
		}
		if c.cfg.Games > 0 && drained >= c.cfg.Games {
			stop("game target reached")
		}
	}

	log.Info().Int("games", drained).Int("window", c.window.Len()).Msg("self-play stopped")
	return runErr
}

// work plays games back to back while the window is online.
func (c *Coordinator) work(ctx context.Context, workerID int, engine *mcts.Engine, rng *rand.Rand) error {
	log := zerolog.Ctx(ctx)
	log.Debug().Int("worker", workerID).Msg("worker started")
	opts := PlayGameOptions{OnPly: c.OnPly}
	for c.window.Online() {
		rec, err := PlayGame(ctx, workerID, engine, c.NewGame(rng), opts)
		if err != nil {
			return fmt.Errorf("worker %d: %w", workerID, err)
		}
		if err := c.window.Publish(ctx, rec); err != nil {
			return fmt.Errorf("worker %d publish: %w", workerID, err)
		}
	}
	log.Debug().Int("worker", workerID).Msg("worker stopped")
	return nil
}
