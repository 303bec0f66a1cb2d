package main

import (
	"context"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/brensch/santorini/executor/mcts"
	"github.com/brensch/santorini/executor/replay"
	"github.com/brensch/santorini/executor/selfplay"
	"github.com/brensch/santorini/executor/spectate"
	"github.com/brensch/santorini/executor/telemetry"
	"github.com/brensch/santorini/logging"
	"github.com/brensch/santorini/store"
)

func newSelfPlayCmd(a *app) *cobra.Command {
	var (
		workers     int
		games       int
		simulations int
		outDir      string
		seed        uint64
		tui         bool
	)
	cmd := &cobra.Command{
		Use:   "selfplay",
		Short: "Generate training games with MCTS self-play",
		Long: "Runs a pool of self-play workers, keeps the most recent games in a replay window " +
			"and writes every game to parquet. Interrupting stops new games; running games finish first.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			flags := cmd.Flags()
			if flags.Changed("workers") {
				a.cfg.Workers = workers
			}
			if flags.Changed("games") {
				a.cfg.Games = games
			}
			if flags.Changed("simulations") {
				a.cfg.Search.Simulations = simulations
			}
			if flags.Changed("out-dir") {
				a.cfg.OutDir = outDir
			}
			if flags.Changed("seed") {
				a.cfg.Seed = seed
			}
			if err := a.cfg.Validate(); err != nil {
				return err
			}
			return runSelfPlay(cmd.Context(), a, tui)
		},
	}
	cmd.Flags().IntVarP(&workers, "workers", "w", 0, "number of self-play workers")
	cmd.Flags().IntVarP(&games, "games", "n", 0, "stop after this many games (0 = until interrupted)")
	cmd.Flags().IntVar(&simulations, "simulations", 0, "simulations per search")
	cmd.Flags().StringVarP(&outDir, "out-dir", "o", "", "directory for parquet batches")
	cmd.Flags().Uint64Var(&seed, "seed", 0, "seed for worker random sources")
	cmd.Flags().BoolVar(&tui, "tui", false, "show a live progress view; logs go to selfplay.log in the output directory")
	return cmd
}

func runSelfPlay(ctx context.Context, a *app, tui bool) error {
	cfg := a.cfg
	log := a.log
	if tui {
		if err := os.MkdirAll(cfg.OutDir, 0o755); err != nil {
			return fmt.Errorf("create output dir: %w", err)
		}
		f, err := os.OpenFile(filepath.Join(cfg.OutDir, "selfplay.log"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("open log file: %w", err)
		}
		defer f.Close()
		if log, err = logging.New(logging.Options{Level: cfg.Log.Level, Writer: f}); err != nil {
			return err
		}
		ctx = log.WithContext(ctx)
	}

	eval, err := a.newEvaluator()
	if err != nil {
		return err
	}
	defer eval.Close()

	// HTTP surfaces outlive the run so the final drain is still observable.
	httpCtx, stopHTTP := context.WithCancel(context.WithoutCancel(ctx))
	defer stopHTTP()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := telemetry.New(reg)
	hub := spectate.NewHub(log)

	router := newRouter()
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(reg, promhttp.HandlerOpts{})))
	if cfg.SpectateAddr == "" || cfg.SpectateAddr == cfg.MetricsAddr {
		router.GET("/spectate", gin.WrapH(hub))
	} else {
		spectateRouter := newRouter()
		spectateRouter.GET("/spectate", gin.WrapH(hub))
		go serve(httpCtx, cfg.SpectateAddr, spectateRouter, log)
	}
	if cfg.MetricsAddr != "" {
		go serve(httpCtx, cfg.MetricsAddr, router, log)
	}

	prog := &progress{}
	if _, ok := eval.Stats(); ok {
		go pollInference(httpCtx, eval, metrics, prog)
	}

	sink, err := newGameSink(cfg.OutDir, cfg.GamesPerFlush, cfg.Archive, metrics, log)
	if err != nil {
		return err
	}
	if cfg.IndexPath != "" {
		if sink.index, err = store.OpenIndex(cfg.IndexPath); err != nil {
			return err
		}
		defer sink.index.Close()
	}

	searchCfg := cfg.MCTS()
	coord := selfplay.NewCoordinator(cfg.SelfPlay(), func(_ int, rng *rand.Rand) *mcts.Engine {
		return mcts.New(eval, rng, mcts.WithConfig(searchCfg), mcts.WithMetrics(mcts.NewCollector()))
	})

	sampleRng := rand.New(rand.NewPCG(cfg.Seed, 0))
	var updates chan gameUpdate
	if tui {
		updates = make(chan gameUpdate, cfg.Workers*4)
	}

	coord.OnPly = func(p selfplay.Ply) {
		prog.plies.Add(1)
		metrics.ObserveSearch(p.Search)
		hub.PublishPly(p)
	}
	coord.OnDrain = func(ctx context.Context, recs []*replay.Record, st replay.Stats) error {
		for _, rec := range recs {
			metrics.ObserveGame(rec)
			if updates != nil {
				select {
				case updates <- gameUpdate{Worker: rec.Worker, GameID: rec.GameID, Winner: rec.Winner, Plies: rec.Plies()}:
				default:
				}
			}
		}
		metrics.ObserveWindow(st, len(recs))
		hub.PublishGames(recs)
		if err := sink.add(recs); err != nil {
			return err
		}

		prog.games.Add(int64(len(recs)))
		prog.window.Store(int64(st.Size))
		prog.evicted.Store(st.Evicted)
		prog.rows.Store(sink.rows)
		prog.flushes.Store(sink.flushes)

		metrics.ObserveSpectate(hub.Clients(), hub.Dropped())
		metrics.ObserveSample(coord.Window().SampleBatch(sampleRng, cfg.Replay.BatchSize))
		zerolog.Ctx(ctx).Debug().
			Int("drained", len(recs)).
			Int("window", st.Size).
			Msg("window updated")
		return nil
	}

	log.Info().
		Int("workers", cfg.Workers).
		Int("games", cfg.Games).
		Int("simulations", searchCfg.Simulations).
		Str("out_dir", cfg.OutDir).
		Msg("starting self-play")

	runCtx, stopRun := context.WithCancel(ctx)
	defer stopRun()

	var program *tea.Program
	tuiDone := make(chan struct{})
	if tui {
		program = tea.NewProgram(newModel(prog, updates, stopRun), tea.WithAltScreen())
		go func() {
			defer close(tuiDone)
			if _, err := program.Run(); err != nil {
				log.Error().Err(err).Msg("progress view failed")
			}
		}()
	} else {
		close(tuiDone)
	}

	runErr := coord.Run(runCtx)
	if err := sink.close(); err != nil && runErr == nil {
		runErr = err
	}
	if program != nil {
		close(updates)
		<-tuiDone
	}

	log.Info().
		Int64("games", prog.games.Load()).
		Int64("rows", sink.rows).
		Int64("flushes", sink.flushes).
		Msg("self-play finished")
	return runErr
}

func pollInference(ctx context.Context, eval evaluator, metrics *telemetry.Metrics, prog *progress) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			st, _ := eval.Stats()
			metrics.ObserveInference(st)
			prog.batch.Store(st.AvgBatchSize)
		}
	}
}

// gameSink buffers drained games into parquet batches. It is only used from
// the drain hook.
type gameSink struct {
	outDir        string
	gamesPerFlush int
	archive       bool
	metrics       *telemetry.Metrics
	log           zerolog.Logger

	writer   *store.BatchWriter
	index    *store.Index
	pending  []*replay.Record
	archived []store.ArchiveGameRow
	rows     int64
	flushes  int64
}

func newGameSink(outDir string, gamesPerFlush int, archive bool, metrics *telemetry.Metrics, log zerolog.Logger) (*gameSink, error) {
	w, err := store.NewBatchWriter(outDir, "selfplay")
	if err != nil {
		return nil, err
	}
	return &gameSink{
		outDir:        outDir,
		gamesPerFlush: gamesPerFlush,
		archive:       archive,
		metrics:       metrics,
		log:           log,
		writer:        w,
	}, nil
}

func (s *gameSink) add(recs []*replay.Record) error {
	for _, rec := range recs {
		if err := s.writer.WriteRecord(rec); err != nil {
			return fmt.Errorf("write game %s: %w", rec.GameID, err)
		}
		if s.index != nil {
			s.pending = append(s.pending, rec)
		}
		if s.archive {
			row, err := store.ArchiveFromRecord(rec)
			if err != nil {
				return err
			}
			s.archived = append(s.archived, row)
		}
		if s.writer.BufferedGames() >= s.gamesPerFlush {
			if err := s.flush(); err != nil {
				return err
			}
			w, err := store.NewBatchWriter(s.outDir, "selfplay")
			if err != nil {
				return err
			}
			s.writer = w
		}
	}
	return nil
}

func (s *gameSink) flush() error {
	path, rows, games, err := s.writer.Finalize()
	s.metrics.ObserveFlush(err)
	if err != nil {
		s.log.Error().Err(err).Msg("parquet flush failed")
		return err
	}
	if rows > 0 {
		s.rows += int64(rows)
		s.flushes++
		s.log.Info().Str("path", path).Int("games", games).Int("rows", rows).Msg("parquet flush ok")
	}
	if s.index != nil && len(s.pending) > 0 {
		batch := ""
		if rows > 0 {
			batch = filepath.Base(path)
		}
		if err := s.index.InsertGames(batch, s.pending); err != nil {
			return fmt.Errorf("index batch: %w", err)
		}
		clear(s.pending)
		s.pending = s.pending[:0]
	}
	if len(s.archived) > 0 {
		apath, err := store.WriteArchiveBatch(filepath.Join(s.outDir, "games"), s.archived)
		s.metrics.ObserveFlush(err)
		if err != nil {
			return err
		}
		s.log.Info().Str("path", apath).Int("games", len(s.archived)).Msg("archive flush ok")
		s.archived = s.archived[:0]
	}
	return nil
}

func (s *gameSink) close() error {
	return s.flush()
}
