package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/brensch/santorini/executor/inference"
	"github.com/brensch/santorini/executor/mcts"
)

// evaluator is the model behind every search of one command.
type evaluator struct {
	mcts.Evaluator
	pool *inference.OnnxPool
}

func (e evaluator) Close() error {
	if e.pool == nil {
		return nil
	}
	return e.pool.Close()
}

// Stats reports batching stats, ok is false for the uniform evaluator.
func (e evaluator) Stats() (inference.RuntimeStats, bool) {
	if e.pool == nil {
		return inference.RuntimeStats{}, false
	}
	return e.pool.Stats(), true
}

// newEvaluator loads the configured ONNX model, or falls back to uniform
// priors when no model is set.
func (a *app) newEvaluator() (evaluator, error) {
	if a.cfg.Model.Path == "" {
		a.log.Info().Msg("no model configured, searching with uniform priors")
		return evaluator{Evaluator: inference.Uniform{}}, nil
	}
	pool, err := inference.NewOnnxClientPool(a.cfg.Model.Path, a.cfg.Model.Sessions, a.cfg.Onnx())
	if err != nil {
		return evaluator{}, err
	}
	a.log.Info().
		Str("model", a.cfg.Model.Path).
		Int("sessions", a.cfg.Model.Sessions).
		Int("batch", a.cfg.Model.BatchSize).
		Msg("onnx evaluator ready")
	return evaluator{Evaluator: pool, pool: pool}, nil
}

func newRouter() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	return r
}

// serve runs h on addr until ctx is done, then shuts it down.
func serve(ctx context.Context, addr string, h http.Handler, log zerolog.Logger) {
	srv := &http.Server{Addr: addr, Handler: h, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	log.Info().Str("addr", addr).Msg("http listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Error().Err(err).Str("addr", addr).Msg("http server failed")
	}
}
