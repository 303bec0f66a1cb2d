package telemetry

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brensch/santorini/executor/inference"
	"github.com/brensch/santorini/executor/mcts"
	"github.com/brensch/santorini/executor/replay"
	"github.com/brensch/santorini/game"
)

func TestObserveGame(t *testing.T) {
	m := New(prometheus.NewRegistry())
	rec := &replay.Record{Actions: make([]game.Action, 12), Duration: time.Second}
	rec.AssignOutcome(1)
	m.ObserveGame(rec)
	m.ObserveGame(rec)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.GamesTotal.WithLabelValues("1")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.GamesTotal.WithLabelValues("0")))
	assert.Equal(t, 24.0, testutil.ToFloat64(m.PliesTotal))
	assert.Equal(t, 1, testutil.CollectAndCount(m.GameLength))
}

func TestObserveWindowCountsEvictionDeltas(t *testing.T) {
	m := New(prometheus.NewRegistry())
	m.ObserveWindow(replay.Stats{Size: 50, Evicted: 3, Queued: 2}, 53)
	m.ObserveWindow(replay.Stats{Size: 50, Evicted: 5}, 2)

	assert.Equal(t, 50.0, testutil.ToFloat64(m.WindowRecords))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.WindowQueued))
	assert.Equal(t, 5.0, testutil.ToFloat64(m.EvictedTotal))
	assert.Equal(t, 55.0, testutil.ToFloat64(m.DrainedTotal))
}

func TestObserveSearchAndInference(t *testing.T) {
	m := New(prometheus.NewRegistry())
	m.ObserveSearch(mcts.SearchMetric{Duration: time.Millisecond, MaxDepth: 4, TerminalHits: 7})
	assert.Equal(t, 7.0, testutil.ToFloat64(m.TerminalHits))

	m.ObserveInference(inference.RuntimeStats{AvgBatchSize: 12.5, QueueLen: 3, AvgRunMs: 0.8})
	assert.Equal(t, 12.5, testutil.ToFloat64(m.InferenceBatch))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.InferenceQueue))

	m.ObserveFlush(nil)
	m.ObserveFlush(errors.New("disk full"))
	m.ObserveFlush(nil)
	assert.Equal(t, 2.0, testutil.ToFloat64(m.FlushesTotal.WithLabelValues("ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.FlushesTotal.WithLabelValues("error")))
}

func TestObserveSample(t *testing.T) {
	m := New(prometheus.NewRegistry())
	m.ObserveSample([]replay.Sample{{Value: 1}, {Value: -1}, {Value: 1}, {Value: 1}})
	assert.Equal(t, 4.0, testutil.ToFloat64(m.SampleSize))
	assert.InDelta(t, 0.5, testutil.ToFloat64(m.SampleValueMean), 1e-9)

	m.ObserveSample(nil)
	assert.Zero(t, testutil.ToFloat64(m.SampleSize))
	assert.Zero(t, testutil.ToFloat64(m.SampleValueMean))
	assert.Equal(t, 4.0, testutil.ToFloat64(m.SampleSteps))
}

func TestObserveSpectateCountsDropDeltas(t *testing.T) {
	m := New(prometheus.NewRegistry())
	m.ObserveSpectate(2, 3)
	m.ObserveSpectate(1, 3)
	m.ObserveSpectate(1, 7)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SpectateClients))
	assert.Equal(t, 7.0, testutil.ToFloat64(m.SpectateDropped))
}

func TestNewRegistersOnce(t *testing.T) {
	reg := prometheus.NewRegistry()
	New(reg)
	require.Panics(t, func() { New(reg) })

	families, err := reg.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)
}
