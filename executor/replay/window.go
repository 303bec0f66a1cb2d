package replay

import (
	"context"
	"math/rand/v2"
	"sync/atomic"
	"time"
)

const (
	DefaultCapacity  = 50
	DefaultQueueSize = 256
)

// Window is a bounded FIFO of recent records fed by a producer channel.
//
// Publish, Online and SetOnline are safe from any goroutine. Drain, Records,
// Len and SampleBatch belong to the single consumer.
type Window struct {
	queue chan *Record

	online atomic.Bool

	// ring buffer, consumer owned
	records  []*Record
	start    int
	size     int
	capacity int
	fresh    []*Record

	lastDrain time.Time
	now       func() time.Time

	published atomic.Int64
	drained   int64
	evicted   int64
}

// Stats is a snapshot of window counters.
type Stats struct {
	Published int64
	Drained   int64
	Evicted   int64
	Size      int
	Queued    int
}

func NewWindow(capacity, queueSize int) *Window {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	w := &Window{
		queue:    make(chan *Record, queueSize),
		records:  make([]*Record, capacity),
		capacity: capacity,
		now:      time.Now,
	}
	w.lastDrain = w.now()
	return w
}

// Publish hands rec to the consumer. It only blocks if the queue is full, and
// gives up when ctx is done.
func (w *Window) Publish(ctx context.Context, rec *Record) error {
	select {
	case w.queue <- rec:
		w.published.Add(1)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *Window) SetOnline(v bool) {
	w.online.Store(v)
}

// Online reports whether workers should start another game.
func (w *Window) Online() bool {
	return w.online.Load()
}

// Drain moves every queued record into the window and returns how many moved.
// If the queue is empty it waits for a first record until minWait has passed
// since the previous Drain; after that it stops at the first empty poll.
func (w *Window) Drain(minWait time.Duration) int {
	w.fresh = w.fresh[:0]
	moved := 0
	for {
		remaining := min(minWait, minWait-w.now().Sub(w.lastDrain))
		var rec *Record
		got := false
		if remaining > 0 && moved == 0 {
			timer := time.NewTimer(remaining)
			select {
			case rec = <-w.queue:
				got = true
			case <-timer.C:
			}
			timer.Stop()
		} else {
			select {
			case rec = <-w.queue:
				got = true
			default:
			}
		}
		if !got {
			break
		}
		w.push(rec)
		moved++
	}
	w.lastDrain = w.now()
	return moved
}

func (w *Window) push(rec *Record) {
	w.drained++
	w.fresh = append(w.fresh, rec)
	if w.size < w.capacity {
		w.records[(w.start+w.size)%w.capacity] = rec
		w.size++
		return
	}
	w.records[w.start] = rec
	w.start = (w.start + 1) % w.capacity
	w.evicted++
}

// Records returns the window contents oldest first.
func (w *Window) Records() []*Record {
	out := make([]*Record, w.size)
	for i := range out {
		out[i] = w.records[(w.start+i)%w.capacity]
	}
	return out
}

// Fresh returns every record moved by the last Drain in publish order,
// including any that were already evicted again. The slice is reused by the
// next Drain.
func (w *Window) Fresh() []*Record {
	return w.fresh
}

func (w *Window) Len() int {
	return w.size
}

func (w *Window) Stats() Stats {
	return Stats{
		Published: w.published.Load(),
		Drained:   w.drained,
		Evicted:   w.evicted,
		Size:      w.size,
		Queued:    len(w.queue),
	}
}

// Sample is one training example.
type Sample struct {
	State  []float32
	Policy []float32
	Value  float32
}

// SampleBatch draws n steps with replacement. A record is picked with
// probability proportional to its step count, then one of its steps
// uniformly, so every step in the window is equally likely.
func (w *Window) SampleBatch(rng *rand.Rand, n int) []Sample {
	total := 0
	for i := 0; i < w.size; i++ {
		total += len(w.records[(w.start+i)%w.capacity].Steps)
	}
	if total == 0 || n <= 0 {
		return nil
	}
	out := make([]Sample, 0, n)
	for len(out) < n {
		k := rng.IntN(total)
		for i := 0; i < w.size; i++ {
			rec := w.records[(w.start+i)%w.capacity]
			if k < len(rec.Steps) {
				st := rec.Steps[rng.IntN(len(rec.Steps))]
				out = append(out, Sample{State: st.State, Policy: st.Policy, Value: st.Value})
				break
			}
			k -= len(rec.Steps)
		}
	}
	return out
}
