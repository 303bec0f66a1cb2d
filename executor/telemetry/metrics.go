// Package telemetry exports self-play progress as Prometheus metrics.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/brensch/santorini/executor/inference"
	"github.com/brensch/santorini/executor/mcts"
	"github.com/brensch/santorini/executor/replay"
)

const namespace = "santorini"

// Metrics groups every collector of one self-play run. Build it with New
// against the registry that /metrics serves.
type Metrics struct {
	GamesTotal    *prometheus.CounterVec
	PliesTotal    prometheus.Counter
	GameLength    prometheus.Histogram
	GameDuration  prometheus.Histogram
	SearchSeconds prometheus.Histogram
	SearchDepth   prometheus.Histogram
	TerminalHits  prometheus.Counter

	WindowRecords prometheus.Gauge
	WindowQueued  prometheus.Gauge
	EvictedTotal  prometheus.Counter
	DrainedTotal  prometheus.Counter

	InferenceBatch prometheus.Gauge
	InferenceQueue prometheus.Gauge
	InferenceRunMs prometheus.Gauge

	SampleSize      prometheus.Gauge
	SampleValueMean prometheus.Gauge
	SampleSteps     prometheus.Counter

	SpectateClients prometheus.Gauge
	SpectateDropped prometheus.Counter

	FlushesTotal *prometheus.CounterVec

	lastEvicted int64
	lastDropped int64
}

func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		GamesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "selfplay",
			Name:      "games_total",
			Help:      "Completed self-play games by winning player",
		}, []string{"winner"}),
		PliesTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "selfplay",
			Name:      "plies_total",
			Help:      "Actions played across all self-play games",
		}),
		GameLength: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "selfplay",
			Name:      "game_plies",
			Help:      "Plies per completed game",
			Buckets:   prometheus.LinearBuckets(10, 10, 10),
		}),
		GameDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "selfplay",
			Name:      "game_duration_seconds",
			Help:      "Wall time per completed game",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 14),
		}),
		SearchSeconds: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "mcts",
			Name:      "search_duration_seconds",
			Help:      "Wall time per search",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 14),
		}),
		SearchDepth: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "mcts",
			Name:      "search_max_depth",
			Help:      "Deepest simulation per search",
			Buckets:   prometheus.LinearBuckets(1, 2, 12),
		}),
		TerminalHits: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "mcts",
			Name:      "terminal_hits_total",
			Help:      "Simulations that ended on a finished position",
		}),
		WindowRecords: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "replay",
			Name:      "window_records",
			Help:      "Records currently held in the training window",
		}),
		WindowQueued: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "replay",
			Name:      "queued_records",
			Help:      "Published records waiting for a drain",
		}),
		EvictedTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "replay",
			Name:      "evicted_total",
			Help:      "Records pushed out of the window",
		}),
		DrainedTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "replay",
			Name:      "drained_total",
			Help:      "Records moved from the queue into the window",
		}),
		InferenceBatch: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "inference",
			Name:      "avg_batch_size",
			Help:      "Average evaluator batch size",
		}),
		InferenceQueue: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "inference",
			Name:      "queue_length",
			Help:      "Evaluations waiting for a batch",
		}),
		InferenceRunMs: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "inference",
			Name:      "avg_run_milliseconds",
			Help:      "Average model run time per batch",
		}),
		SampleSize: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "replay",
			Name:      "sample_size",
			Help:      "Steps in the last training batch drawn from the window",
		}),
		SampleValueMean: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "replay",
			Name:      "sample_value_mean",
			Help:      "Mean value target of the last training batch",
		}),
		SampleSteps: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "replay",
			Name:      "sampled_steps_total",
			Help:      "Steps drawn into training batches",
		}),
		SpectateClients: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "spectate",
			Name:      "clients",
			Help:      "Connected spectators",
		}),
		SpectateDropped: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "spectate",
			Name:      "dropped_events_total",
			Help:      "Events skipped because a spectator fell behind",
		}),
		FlushesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "store",
			Name:      "flushes_total",
			Help:      "Parquet batch flushes by status",
		}, []string{"status"}),
	}
}

// ObserveSearch records one finished search.
func (m *Metrics) ObserveSearch(sm mcts.SearchMetric) {
	m.SearchSeconds.Observe(sm.Duration.Seconds())
	m.SearchDepth.Observe(float64(sm.MaxDepth))
	m.TerminalHits.Add(float64(sm.TerminalHits))
}

// ObserveGame records a completed game.
func (m *Metrics) ObserveGame(rec *replay.Record) {
	m.GamesTotal.WithLabelValues(winnerLabel(rec.Winner)).Inc()
	m.PliesTotal.Add(float64(rec.Plies()))
	m.GameLength.Observe(float64(rec.Plies()))
	m.GameDuration.Observe(rec.Duration.Seconds())
}

// ObserveWindow copies window counters after a drain. It must be called from
// the window's consumer.
func (m *Metrics) ObserveWindow(st replay.Stats, drained int) {
	m.WindowRecords.Set(float64(st.Size))
	m.WindowQueued.Set(float64(st.Queued))
	m.DrainedTotal.Add(float64(drained))
	if d := st.Evicted - m.lastEvicted; d > 0 {
		m.EvictedTotal.Add(float64(d))
	}
	m.lastEvicted = st.Evicted
}

func (m *Metrics) ObserveInference(st inference.RuntimeStats) {
	m.InferenceBatch.Set(st.AvgBatchSize)
	m.InferenceQueue.Set(float64(st.QueueLen))
	m.InferenceRunMs.Set(st.AvgRunMs)
}

// ObserveSample records one training batch drawn from the window.
func (m *Metrics) ObserveSample(batch []replay.Sample) {
	m.SampleSize.Set(float64(len(batch)))
	m.SampleSteps.Add(float64(len(batch)))
	if len(batch) == 0 {
		m.SampleValueMean.Set(0)
		return
	}
	var sum float64
	for _, s := range batch {
		sum += float64(s.Value)
	}
	m.SampleValueMean.Set(sum / float64(len(batch)))
}

// ObserveSpectate records the hub's viewer count and its cumulative dropped
// events.
func (m *Metrics) ObserveSpectate(clients int, dropped int64) {
	m.SpectateClients.Set(float64(clients))
	if d := dropped - m.lastDropped; d > 0 {
		m.SpectateDropped.Add(float64(d))
	}
	m.lastDropped = dropped
}

func (m *Metrics) ObserveFlush(err error) {
	if err != nil {
		m.FlushesTotal.WithLabelValues("error").Inc()
		return
	}
	m.FlushesTotal.WithLabelValues("ok").Inc()
}

func winnerLabel(w int) string {
	switch w {
	case 0:
		return "0"
	case 1:
		return "1"
	default:
		return "none"
	}
}
