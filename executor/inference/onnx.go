package inference

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"runtime"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	ort "github.com/yalue/onnxruntime_go"

	"github.com/brensch/santorini/executor/convert"
	"github.com/brensch/santorini/executor/mcts"
	"github.com/brensch/santorini/game"
	"github.com/brensch/santorini/rules"
)

const (
	InputSize  = convert.FloatSize
	PolicySize = convert.PolicySize
	ValueSize  = 1
)

const (
	DefaultBatchSize    = 64
	DefaultBatchTimeout = 1 * time.Millisecond
)

var ErrClosed = errors.New("onnx client closed")

type OnnxClientConfig struct {
	BatchSize    int
	BatchTimeout time.Duration
	// CUDA requests the CUDA execution provider, falling back to CPU.
	CUDA bool
}

// RuntimeStats reports batching behaviour of a client or pool.
type RuntimeStats struct {
	TotalBatches  int64
	TotalItems    int64
	TotalRunNanos int64
	LastBatchSize int64
	QueueLen      int
	AvgBatchSize  float64
	AvgRunMs      float64
}

type inferenceRequest struct {
	input    []float32
	respChan chan inferenceResponse
}

type inferenceResponse struct {
	policy []float32
	value  float32
	err    error
}

// runner executes one batch. The ORT session implements it; tests swap in a
// fake.
type runner interface {
	run(batch int, input []float32) (policy, value []float32, err error)
	destroy() error
}

// OnnxClient evaluates positions with an ONNX model, batching concurrent
// requests from many search goroutines into single session runs.
type OnnxClient struct {
	runner       runner
	requestsChan chan inferenceRequest
	cfg          OnnxClientConfig
	done         chan struct{}
	stopped      chan struct{}
	closeOnce    sync.Once

	batches  atomic.Int64
	items    atomic.Int64
	runNanos atomic.Int64
	last     atomic.Int64
}

var ortInitOnce sync.Once
var ortInitErr error

func NewOnnxClient(modelPath string) (*OnnxClient, error) {
	return NewOnnxClientWithConfig(modelPath, OnnxClientConfig{BatchSize: DefaultBatchSize, BatchTimeout: DefaultBatchTimeout})
}

func NewOnnxClientWithConfig(modelPath string, cfg OnnxClientConfig) (*OnnxClient, error) {
	if lib := sharedLibraryPath(); lib != "" {
		ort.SetSharedLibraryPath(lib)
	}
	ortInitOnce.Do(func() {
		ortInitErr = ort.InitializeEnvironment()
	})
	if ortInitErr != nil {
		return nil, fmt.Errorf("init onnxruntime: %w", ortInitErr)
	}

	session, err := newSession(modelPath, cfg.CUDA)
	if err != nil {
		return nil, err
	}
	return newClient(&ortRunner{session: session}, cfg), nil
}

// sharedLibraryPath honors ORT_SHARED_LIBRARY_PATH, then looks for the
// library next to the working directory on linux. Empty keeps the default.
func sharedLibraryPath() string {
	if p := os.Getenv("ORT_SHARED_LIBRARY_PATH"); p != "" {
		return p
	}
	if runtime.GOOS != "linux" {
		return ""
	}
	cwd, err := os.Getwd()
	if err != nil {
		return ""
	}
	for _, name := range []string{"libonnxruntime.so", "libonnxruntime.so.1"} {
		if p := filepath.Join(cwd, name); fileExists(p) {
			return p
		}
	}
	return ""
}

func fileExists(p string) bool {
	_, err := os.Stat(p)
	return err == nil
}

func newSession(modelPath string, cuda bool) (*ort.DynamicAdvancedSession, error) {
	options, err := ort.NewSessionOptions()
	if err != nil {
		return nil, fmt.Errorf("session options: %w", err)
	}
	defer options.Destroy()

	// Many workers share the process; keep each session single threaded.
	if err := options.SetIntraOpNumThreads(1); err != nil {
		return nil, err
	}
	if err := options.SetInterOpNumThreads(1); err != nil {
		return nil, err
	}
	if cuda {
		enableCUDA(options)
	}

	session, err := ort.NewDynamicAdvancedSession(modelPath, []string{"input"}, []string{"policy", "value"}, options)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", modelPath, err)
	}
	return session, nil
}

// enableCUDA appends the CUDA provider; on failure the session stays on CPU.
func enableCUDA(options *ort.SessionOptions) {
	cudaOptions, err := ort.NewCUDAProviderOptions()
	if err != nil {
		log.Warn().Err(err).Msg("cuda unavailable, using cpu")
		return
	}
	defer cudaOptions.Destroy()
	if err := options.AppendExecutionProviderCUDA(cudaOptions); err != nil {
		log.Warn().Err(err).Msg("cuda provider rejected, using cpu")
		return
	}
	log.Info().Msg("cuda provider enabled")
}

func newClient(r runner, cfg OnnxClientConfig) *OnnxClient {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.BatchTimeout <= 0 {
		cfg.BatchTimeout = DefaultBatchTimeout
	}
	c := &OnnxClient{
		runner:       r,
		cfg:          cfg,
		requestsChan: make(chan inferenceRequest, cfg.BatchSize*2),
		done:         make(chan struct{}),
		stopped:      make(chan struct{}),
	}
	go c.batchLoop()
	return c
}

func (c *OnnxClient) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		<-c.stopped
		err = c.runner.destroy()
	})
	return err
}

func (c *OnnxClient) Stats() RuntimeStats {
	st := RuntimeStats{
		TotalBatches:  c.batches.Load(),
		TotalItems:    c.items.Load(),
		TotalRunNanos: c.runNanos.Load(),
		LastBatchSize: c.last.Load(),
		QueueLen:      len(c.requestsChan),
	}
	return st.withAverages()
}

func (st RuntimeStats) withAverages() RuntimeStats {
	if st.TotalBatches > 0 {
		st.AvgBatchSize = float64(st.TotalItems) / float64(st.TotalBatches)
		st.AvgRunMs = float64(st.TotalRunNanos) / 1e6 / float64(st.TotalBatches)
	}
	return st
}

// Evaluate encodes state into a pooled buffer, waits for its batch and maps
// the policy logits back onto the legal actions.
func (c *OnnxClient) Evaluate(ctx context.Context, state game.GameState) (mcts.Evaluation, error) {
	policy, value, err := c.predict(ctx, convert.StateToFloat32(state))
	if err != nil {
		return mcts.Evaluation{}, err
	}
	return toEvaluation(state, policy, value), nil
}

// predict owns input and returns it to the pool once the batch loop has
// copied it. A request abandoned in the queue keeps its buffer.
func (c *OnnxClient) predict(ctx context.Context, input *[]float32) ([]float32, float32, error) {
	respChan := make(chan inferenceResponse, 1)
	select {
	case c.requestsChan <- inferenceRequest{input: *input, respChan: respChan}:
	case <-c.done:
		convert.PutFloatBuffer(input)
		return nil, 0, ErrClosed
	case <-ctx.Done():
		convert.PutFloatBuffer(input)
		return nil, 0, ctx.Err()
	}

	select {
	case resp := <-respChan:
		convert.PutFloatBuffer(input)
		return resp.policy, resp.value, resp.err
	case <-c.done:
		return nil, 0, ErrClosed
	case <-ctx.Done():
		return nil, 0, ctx.Err()
	}
}

// toEvaluation softmaxes the legal logits. Illegal slots never receive mass.
func toEvaluation(state game.GameState, policy []float32, value float32) mcts.Evaluation {
	priors := make(map[game.Action]float64, 64)
	maxLogit := math.Inf(-1)
	for a := range rules.LegalActions(state) {
		l := float64(policy[convert.ActionIndex(state, a)])
		priors[a] = l
		maxLogit = math.Max(maxLogit, l)
	}
	for a, l := range priors {
		priors[a] = math.Exp(l - maxLogit)
	}
	v := math.Max(-1, math.Min(1, float64(value)))
	return mcts.Evaluation{Value: v, Priors: priors}
}

// batchLoop collects requests until the batch is full or BatchTimeout has
// passed since its first request.
func (c *OnnxClient) batchLoop() {
	defer close(c.stopped)

	input := make([]float32, 0, c.cfg.BatchSize*InputSize)
	pending := make([]inferenceRequest, 0, c.cfg.BatchSize)
	deadline := time.NewTimer(c.cfg.BatchTimeout)
	deadline.Stop()

	flush := func() {
		deadline.Stop()
		if len(pending) > 0 {
			c.runBatch(pending, input)
		}
		pending, input = pending[:0], input[:0]
	}

	for {
		select {
		case <-c.done:
			deadline.Stop()
			c.failBatch(pending, ErrClosed)
			return
		case req := <-c.requestsChan:
			if len(pending) == 0 {
				deadline.Reset(c.cfg.BatchTimeout)
			}
			pending = append(pending, req)
			input = append(input, req.input...)
			if len(pending) >= c.cfg.BatchSize {
				flush()
			}
		case <-deadline.C:
			flush()
		}
	}
}

func (c *OnnxClient) runBatch(requests []inferenceRequest, batchInput []float32) {
	start := time.Now()
	policyData, valueData, err := c.runner.run(len(requests), batchInput)
	if err != nil {
		c.failBatch(requests, err)
		return
	}
	n := int64(len(requests))
	c.batches.Add(1)
	c.items.Add(n)
	c.runNanos.Add(time.Since(start).Nanoseconds())
	c.last.Store(n)

	for i, req := range requests {
		row := policyData[i*PolicySize : (i+1)*PolicySize]
		req.respChan <- inferenceResponse{policy: slices.Clone(row), value: valueData[i*ValueSize]}
	}
}

func (c *OnnxClient) failBatch(requests []inferenceRequest, err error) {
	for _, req := range requests {
		req.respChan <- inferenceResponse{err: err}
	}
}

type ortRunner struct {
	session *ort.DynamicAdvancedSession
}

func (r *ortRunner) run(batch int, input []float32) ([]float32, []float32, error) {
	b := int64(batch)
	inputTensor, err := ort.NewTensor(ort.NewShape(b, convert.Channels, convert.Height, convert.Width), input)
	if err != nil {
		return nil, nil, err
	}
	defer inputTensor.Destroy()

	policyTensor, err := ort.NewEmptyTensor[float32](ort.NewShape(b, PolicySize))
	if err != nil {
		return nil, nil, err
	}
	defer policyTensor.Destroy()

	valueTensor, err := ort.NewEmptyTensor[float32](ort.NewShape(b, ValueSize))
	if err != nil {
		return nil, nil, err
	}
	defer valueTensor.Destroy()

	if err := r.session.Run([]ort.Value{inputTensor}, []ort.Value{policyTensor, valueTensor}); err != nil {
		return nil, nil, err
	}
	// GetData aliases tensor memory that is freed on return.
	policy := append([]float32(nil), policyTensor.GetData()...)
	value := append([]float32(nil), valueTensor.GetData()...)
	return policy, value, nil
}

func (r *ortRunner) destroy() error {
	return r.session.Destroy()
}
