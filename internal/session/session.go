// Package session drives one loaded network through the load, stage
// inputs, forward and rank cycle.
//
// A Session serialises its operations: SetInputs and Predict get exclusive
// access, and a LoadModel never overlaps a forward pass. Callers that need
// responsiveness should run the session on a dedicated goroutine; a forward
// pass is synchronous and cannot be cancelled.
package session

import (
	"errors"
	"fmt"
	"image"
	"os"
	"runtime"
	"slices"
	"sync"
	"time"

	"github.com/Brownie44l1/caffe-mobile/internal/model"
	"github.com/Brownie44l1/caffe-mobile/internal/preprocess"
	"github.com/Brownie44l1/caffe-mobile/internal/rank"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const DefaultDebugRows = 10

// Observer is told about every load, staging and forward pass.
type Observer interface {
	ModelLoaded(elapsed time.Duration, err error)
	InputsStaged(samples int, err error)
	ForwardDone(samples int, latency time.Duration, err error)
}

type nopObserver struct{}

func (nopObserver) ModelLoaded(time.Duration, error)      {}
func (nopObserver) InputsStaged(int, error)               {}
func (nopObserver) ForwardDone(int, time.Duration, error) {}

// Sample is one input image. Image takes precedence over Data, which takes
// precedence over Path.
type Sample struct {
	Path  string
	Data  []byte
	Image image.Image
}

// Output is a snapshot of one forward pass. Scores holds Num rows of
// Height values and is owned by the caller.
type Output struct {
	Scores  []float32
	Num     int
	Height  int
	Latency time.Duration
}

// Row returns the scores of sample i.
func (o *Output) Row(i int) []float32 {
	return o.Scores[i*o.Height : (i+1)*o.Height]
}

// Classification is a ranked prediction for a single sample.
type Classification struct {
	Indices []int
	Scores  []float32
	Labels  []string
	Latency time.Duration
}

type Session struct {
	mu sync.RWMutex

	loader    model.Loader
	logger    *zap.Logger
	observer  Observer
	workers   int
	debugRows int

	topology *model.Topology
	executor model.Executor
	inputs   [][]float32
	last     *Output
}

type Option func(*Session)

func WithLoader(l model.Loader) Option { return func(s *Session) { s.loader = l } }

func WithLogger(l *zap.Logger) Option { return func(s *Session) { s.logger = l } }

func WithObserver(o Observer) Option { return func(s *Session) { s.observer = o } }

// WithDecodeWorkers bounds how many samples SetInputs decodes at once.
func WithDecodeWorkers(n int) Option { return func(s *Session) { s.workers = n } }

// WithDebugRows sets how many samples Predict dumps at debug level.
func WithDebugRows(n int) Option { return func(s *Session) { s.debugRows = n } }

// New returns a session with no model loaded.
func New(opts ...Option) *Session {
	s := &Session{
		loader:    model.NewONNXLoader(model.ONNXOptions{}),
		logger:    zap.NewNop(),
		observer:  nopObserver{},
		workers:   runtime.GOMAXPROCS(0),
		debugRows: DefaultDebugRows,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.workers < 1 {
		s.workers = 1
	}
	if s.debugRows < 0 {
		s.debugRows = 0
	}
	return s
}

// Load is New followed by LoadModel.
func Load(topologyPath, weightsPath string, opts ...Option) (*Session, error) {
	s := New(opts...)
	if err := s.LoadModel(topologyPath, weightsPath); err != nil {
		return nil, err
	}
	return s, nil
}

// LoadModel builds an executor from a topology description and a weights
// file and makes it current. The previous executor is released only once
// the new one is ready; staged inputs and recorded outputs are dropped.
func (s *Session) LoadModel(topologyPath, weightsPath string) error {
	if topologyPath == "" {
		return fmt.Errorf("%w: need a model definition to score", ErrInvalidModel)
	}
	if weightsPath == "" {
		return fmt.Errorf("%w: need model weights to score", ErrInvalidModel)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	start := time.Now()
	topo, exec, err := s.load(topologyPath, weightsPath)
	elapsed := time.Since(start)
	s.observer.ModelLoaded(elapsed, err)
	if err != nil {
		s.logger.Error("failed to load model",
			zap.String("topology", topologyPath), zap.String("weights", weightsPath), zap.Error(err))
		return err
	}

	if s.executor != nil {
		if err := s.executor.Close(); err != nil {
			s.logger.Warn("failed to release previous model", zap.Error(err))
		}
	}
	s.topology, s.executor = topo, exec
	s.inputs, s.last = nil, nil

	s.logger.Info("model loaded",
		zap.String("topology", topologyPath),
		zap.String("weights", weightsPath),
		zap.Duration("loading_time", elapsed))
	return nil
}

func (s *Session) load(topologyPath, weightsPath string) (*model.Topology, model.Executor, error) {
	topo, err := model.LoadTopology(topologyPath)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %w", ErrInvalidModel, err)
	}
	if _, err := os.Stat(weightsPath); err != nil {
		return nil, nil, fmt.Errorf("%w: failed to read weights: %w", ErrInvalidModel, err)
	}
	exec, err := s.loader(topo, weightsPath)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %w", ErrInvalidModel, err)
	}
	return topo, exec, nil
}

// SetImages stages the images at paths as the next batch.
func (s *Session) SetImages(paths []string) (int, error) {
	samples := make([]Sample, len(paths))
	for i, p := range paths {
		samples[i] = Sample{Path: p}
	}
	return s.SetInputs(samples)
}

// SetInputs decodes and transforms samples and stages them as the batch
// for the following Predict calls, replacing any earlier batch. Either every
// sample is staged or none is.
func (s *Session) SetInputs(samples []Sample) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.setInputs(samples)
}

func (s *Session) setInputs(samples []Sample) (int, error) {
	if s.executor == nil {
		return 0, ErrNotLoaded
	}
	if len(samples) == 0 {
		return 0, ErrEmptyBatch
	}

	inputs, err := s.prepare(samples)
	s.observer.InputsStaged(len(samples), err)
	if err != nil {
		return 0, err
	}

	s.inputs = inputs
	s.logger.Debug("inputs staged", zap.Int("count", len(inputs)))
	return len(inputs), nil
}

func (s *Session) prepare(samples []Sample) ([][]float32, error) {
	opts := preprocess.OptionsFor(s.topology)
	inputs := make([][]float32, len(samples))
	errs := make([]error, len(samples))

	var g errgroup.Group
	g.SetLimit(s.workers)
	for i, sample := range samples {
		g.Go(func() error {
			d, err := decode(sample, opts)
			if err == nil {
				inputs[i], err = s.topology.Transform(d)
			}
			errs[i] = err
			return nil
		})
	}
	_ = g.Wait()

	for i, err := range errs {
		if err != nil {
			return nil, &DecodeError{Index: i, Path: samples[i].Path, Err: err}
		}
	}
	return inputs, nil
}

func decode(sample Sample, opts preprocess.Options) (model.Datum, error) {
	switch {
	case sample.Image != nil:
		return preprocess.ImageToDatum(sample.Image, opts)
	case sample.Data != nil:
		return preprocess.BytesToDatum(sample.Data, opts)
	case sample.Path != "":
		return preprocess.ReadImageToDatum(sample.Path, opts)
	default:
		return model.Datum{}, errors.New("sample has no image")
	}
}

// Predict runs one forward pass over the staged batch. Calling it again
// without SetInputs reuses the same batch.
func (s *Session) Predict() (*Output, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.predict()
}

func (s *Session) predict() (*Output, error) {
	if s.executor == nil {
		return nil, ErrNotLoaded
	}
	if len(s.inputs) == 0 {
		return nil, ErrNoInput
	}

	start := time.Now()
	blob, err := s.executor.Forward(s.inputs)
	latency := time.Since(start)
	if err == nil {
		err = checkBlob(blob, len(s.inputs))
	}
	s.observer.ForwardDone(len(s.inputs), latency, err)
	if err != nil {
		s.logger.Error("forward pass failed", zap.Error(err))
		return nil, fmt.Errorf("forward pass failed: %w", err)
	}

	out := &Output{
		Scores:  slices.Clone(blob.Data),
		Num:     blob.Num,
		Height:  blob.Height(),
		Latency: latency,
	}
	s.last = out

	s.logger.Info("prediction done",
		zap.Duration("prediction_time", latency),
		zap.Int("output_num", out.Num),
		zap.Int("output_height", out.Height))
	s.dumpScores(out)

	return &Output{
		Scores:  slices.Clone(out.Scores),
		Num:     out.Num,
		Height:  out.Height,
		Latency: out.Latency,
	}, nil
}

func checkBlob(b *model.Blob, samples int) error {
	switch {
	case b == nil:
		return errors.New("executor returned no output")
	case b.Num != samples:
		return fmt.Errorf("executor returned %d rows for %d samples", b.Num, samples)
	case len(b.Data) == 0 || len(b.Data)%b.Num != 0:
		return fmt.Errorf("output of %d values does not split into %d rows", len(b.Data), b.Num)
	}
	return nil
}

// dumpScores logs the first scores of the leading samples.
func (s *Session) dumpScores(out *Output) {
	if !s.logger.Core().Enabled(zap.DebugLevel) {
		return
	}
	for i := 0; i < min(out.Num, s.debugRows); i++ {
		row := out.Row(i)
		s.logger.Debug("scores", zap.Int("image", i), zap.Float32s("head", row[:min(len(row), 3)]))
	}
}

// PredictTopK classifies the image at path and returns the indices of its
// k best scores. k larger than the output height is clamped.
func (s *Session) PredictTopK(path string, k int) ([]int, error) {
	return s.PredictTopKSample(Sample{Path: path}, k)
}

func (s *Session) PredictTopKSample(sample Sample, k int) ([]int, error) {
	c, err := s.Classify(sample, k)
	if err != nil {
		return nil, err
	}
	return c.Indices, nil
}

// Classify stages sample alone, runs a forward pass and ranks its scores.
func (s *Session) Classify(sample Sample, k int) (*Classification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.executor == nil {
		return nil, ErrNotLoaded
	}
	if k < 1 {
		return nil, ErrInvalidK
	}
	if _, err := s.setInputs([]Sample{sample}); err != nil {
		return nil, err
	}
	out, err := s.predict()
	if err != nil {
		return nil, err
	}

	row := out.Row(0)
	indices := rank.TopK(row, min(k, out.Height))
	labels := make([]string, len(indices))
	for i, idx := range indices {
		labels[i] = s.topology.Label(idx)
	}
	if len(indices) > 0 {
		s.logger.Debug("top-1 result", zap.Int("index", indices[0]), zap.String("label", labels[0]))
	}

	return &Classification{
		Indices: indices,
		Scores:  rank.Scores(row, indices),
		Labels:  labels,
		Latency: out.Latency,
	}, nil
}

// OutputHeight is the per-sample output length of the last prediction.
func (s *Session) OutputHeight() (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.last == nil {
		return 0, ErrNotAvailable
	}
	return s.last.Height, nil
}

// OutputNum is the sample count of the last prediction.
func (s *Session) OutputNum() (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.last == nil {
		return 0, ErrNotAvailable
	}
	return s.last.Num, nil
}

func (s *Session) LastLatency() (time.Duration, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.last == nil {
		return 0, ErrNotAvailable
	}
	return s.last.Latency, nil
}

// LastLatencyMs is LastLatency in fractional milliseconds.
func (s *Session) LastLatencyMs() (float64, error) {
	d, err := s.LastLatency()
	if err != nil {
		return 0, err
	}
	return float64(d) / float64(time.Millisecond), nil
}

func (s *Session) Loaded() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.executor != nil
}

// Topology of the loaded model, nil when none is loaded.
func (s *Session) Topology() *model.Topology {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.topology
}

// Close releases the executor. The session can be loaded again afterwards.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.executor == nil {
		return nil
	}
	err := s.executor.Close()
	s.executor, s.topology = nil, nil
	s.inputs, s.last = nil, nil
	return err
}
