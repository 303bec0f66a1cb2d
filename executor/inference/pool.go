package inference

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/brensch/santorini/executor/mcts"
	"github.com/brensch/santorini/game"
)

var ErrEmptyPool = errors.New("onnx pool has no clients")

// OnnxPool spreads evaluations over several clients, each with its own ORT
// session and batching loop. A request goes to the client with the shortest
// queue, scanning from a rotating start so idle clients share the load.
type OnnxPool struct {
	clients []*OnnxClient
	next    atomic.Uint64
}

func NewOnnxClientPool(modelPath string, sessions int, cfg OnnxClientConfig) (*OnnxPool, error) {
	sessions = max(sessions, 1)
	p := &OnnxPool{clients: make([]*OnnxClient, 0, sessions)}
	for i := range sessions {
		c, err := NewOnnxClientWithConfig(modelPath, cfg)
		if err != nil {
			_ = p.Close()
			return nil, fmt.Errorf("session %d of %d: %w", i+1, sessions, err)
		}
		p.clients = append(p.clients, c)
	}
	return p, nil
}

func (p *OnnxPool) Evaluate(ctx context.Context, state game.GameState) (mcts.Evaluation, error) {
	c := p.pick()
	if c == nil {
		return mcts.Evaluation{}, ErrEmptyPool
	}
	return c.Evaluate(ctx, state)
}

func (p *OnnxPool) pick() *OnnxClient {
	n := len(p.clients)
	if n == 0 {
		return nil
	}
	start := int(p.next.Add(1)-1) % n
	best := p.clients[start]
	bestQueue := len(best.requestsChan)
	for i := 1; i < n && bestQueue > 0; i++ {
		c := p.clients[(start+i)%n]
		if q := len(c.requestsChan); q < bestQueue {
			best, bestQueue = c, q
		}
	}
	return best
}

// Stats sums the counters of every session. LastBatchSize is the largest
// last batch among them.
func (p *OnnxPool) Stats() RuntimeStats {
	var total RuntimeStats
	for _, c := range p.clients {
		st := c.Stats()
		total.TotalBatches += st.TotalBatches
		total.TotalItems += st.TotalItems
		total.TotalRunNanos += st.TotalRunNanos
		total.QueueLen += st.QueueLen
		total.LastBatchSize = max(total.LastBatchSize, st.LastBatchSize)
	}
	return total.withAverages()
}

func (p *OnnxPool) Close() error {
	var errs []error
	for _, c := range p.clients {
		errs = append(errs, c.Close())
	}
	return errors.Join(errs...)
}
