package session

import (
	"bytes"
	"errors"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/Brownie44l1/caffe-mobile/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

const grayTopology = `
input_shape: [-1, 1, 2, 2]
output_shape: [-1, 3]
classes: [cat, dog, car]
`

// echoExecutor scores a sample with its first pixel values, so rankings
// follow the image content. It reuses one output buffer across passes.
type echoExecutor struct {
	height int
	buf    []float32
	calls  int
	closed bool
	rows   int // overrides the returned row count when non-zero
}

func (e *echoExecutor) Forward(batch [][]float32) (*model.Blob, error) {
	e.calls++
	if cap(e.buf) < len(batch)*e.height {
		e.buf = make([]float32, len(batch)*e.height)
	}
	e.buf = e.buf[:len(batch)*e.height]
	for i, s := range batch {
		copy(e.buf[i*e.height:(i+1)*e.height], s)
	}
	num := len(batch)
	if e.rows != 0 {
		num = e.rows
	}
	return &model.Blob{Num: num, Data: e.buf}, nil
}

func (e *echoExecutor) Close() error {
	e.closed = true
	return nil
}

type fixture struct {
	dir       string
	topology  string
	weights   string
	executors []*echoExecutor
	loadErr   error
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{dir: t.TempDir()}
	f.topology = f.write(t, "deploy.yaml", []byte(grayTopology))
	f.weights = f.write(t, "model.onnx", []byte("weights"))
	return f
}

func (f *fixture) write(t *testing.T, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(f.dir, name)
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path
}

func (f *fixture) loader(topo *model.Topology, weightsPath string) (model.Executor, error) {
	if f.loadErr != nil {
		return nil, f.loadErr
	}
	e := &echoExecutor{height: topo.OutputLength()}
	f.executors = append(f.executors, e)
	return e, nil
}

func grayPNG(t *testing.T, pix ...uint8) []byte {
	t.Helper()
	img := image.NewGray(image.Rect(0, 0, 2, 2))
	copy(img.Pix, pix)
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func (f *fixture) image(t *testing.T, name string, pix ...uint8) string {
	t.Helper()
	return f.write(t, name, grayPNG(t, pix...))
}

func (f *fixture) session(t *testing.T, opts ...Option) *Session {
	t.Helper()
	s, err := Load(f.topology, f.weights, append([]Option{WithLoader(f.loader)}, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestLoadModelRejectsEmptyPaths(t *testing.T) {
	f := newFixture(t)
	s := New(WithLoader(f.loader))

	assert.ErrorIs(t, s.LoadModel("", f.weights), ErrInvalidModel)
	assert.ErrorIs(t, s.LoadModel(f.topology, ""), ErrInvalidModel)
	assert.Empty(t, f.executors, "loader must not run")
	assert.False(t, s.Loaded())
}

func TestLoadModelFailures(t *testing.T) {
	f := newFixture(t)
	s := New(WithLoader(f.loader))

	assert.ErrorIs(t, s.LoadModel(filepath.Join(f.dir, "missing.yaml"), f.weights), ErrInvalidModel)
	assert.ErrorIs(t, s.LoadModel(f.topology, filepath.Join(f.dir, "missing.onnx")), ErrInvalidModel)

	bad := f.write(t, "bad.yaml", []byte("input_shape: [1, 5, 2, 2]\noutput_shape: [1, 3]"))
	assert.ErrorIs(t, s.LoadModel(bad, f.weights), ErrInvalidModel)

	f.loadErr = errors.New("protobuf parse error")
	err := s.LoadModel(f.topology, f.weights)
	assert.ErrorIs(t, err, ErrInvalidModel)
	assert.ErrorContains(t, err, "protobuf parse error")
	assert.False(t, s.Loaded())
}

func TestOperationsBeforeLoad(t *testing.T) {
	s := New()

	_, err := s.SetImages([]string{"a.png"})
	assert.ErrorIs(t, err, ErrNotLoaded)

	_, err = s.Predict()
	assert.ErrorIs(t, err, ErrNotLoaded)

	_, err = s.PredictTopK("a.png", 3)
	assert.ErrorIs(t, err, ErrNotLoaded)

	assert.Nil(t, s.Topology())
	assert.NoError(t, s.Close())
}

func TestPredictWithoutInputs(t *testing.T) {
	s := newFixture(t).session(t)

	_, err := s.Predict()
	assert.ErrorIs(t, err, ErrNoInput)
}

func TestAccessorsBeforePredict(t *testing.T) {
	s := newFixture(t).session(t)

	_, err := s.OutputHeight()
	assert.ErrorIs(t, err, ErrNotAvailable)
	_, err = s.OutputNum()
	assert.ErrorIs(t, err, ErrNotAvailable)
	_, err = s.LastLatency()
	assert.ErrorIs(t, err, ErrNotAvailable)
	_, err = s.LastLatencyMs()
	assert.ErrorIs(t, err, ErrNotAvailable)
}

func TestSetImagesAndPredict(t *testing.T) {
	f := newFixture(t)
	s := f.session(t)

	paths := []string{
		f.image(t, "a.png", 1, 2, 3, 4),
		f.image(t, "b.png", 9, 8, 7, 6),
		f.image(t, "c.png", 0, 0, 5, 0),
	}
	n, err := s.SetImages(paths)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	out, err := s.Predict()
	require.NoError(t, err)
	assert.Equal(t, 3, out.Num)
	assert.Equal(t, 3, out.Height)
	assert.Len(t, out.Scores, out.Num*out.Height)
	assert.Equal(t, []float32{9, 8, 7}, out.Row(1))

	height, err := s.OutputHeight()
	require.NoError(t, err)
	num, err := s.OutputNum()
	require.NoError(t, err)
	assert.Equal(t, len(out.Scores), num*height)

	latency, err := s.LastLatency()
	require.NoError(t, err)
	assert.Equal(t, out.Latency, latency)
	ms, err := s.LastLatencyMs()
	require.NoError(t, err)
	assert.InDelta(t, float64(latency)/float64(time.Millisecond), ms, 1e-9)
}

func TestSetInputsEmpty(t *testing.T) {
	s := newFixture(t).session(t)

	_, err := s.SetInputs(nil)
	assert.ErrorIs(t, err, ErrEmptyBatch)
}

func TestSetInputsReplacesBatch(t *testing.T) {
	f := newFixture(t)
	s := f.session(t)

	_, err := s.SetImages([]string{f.image(t, "a.png", 1, 1, 1, 1), f.image(t, "b.png", 2, 2, 2, 2)})
	require.NoError(t, err)
	_, err = s.SetImages([]string{f.image(t, "c.png", 3, 3, 3, 3)})
	require.NoError(t, err)

	out, err := s.Predict()
	require.NoError(t, err)
	assert.Equal(t, 1, out.Num)
	assert.Equal(t, []float32{3, 3, 3}, out.Scores)
}

func TestSetInputsSampleKinds(t *testing.T) {
	f := newFixture(t)
	s := f.session(t)

	img := image.NewGray(image.Rect(0, 0, 2, 2))
	img.SetGray(0, 0, color.Gray{Y: 42})

	n, err := s.SetInputs([]Sample{
		{Data: grayPNG(t, 7, 0, 0, 0)},
		{Image: img},
		{Path: f.image(t, "a.png", 5, 0, 0, 0)},
	})
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	out, err := s.Predict()
	require.NoError(t, err)
	assert.Equal(t, float32(7), out.Row(0)[0])
	assert.Equal(t, float32(42), out.Row(1)[0])
	assert.Equal(t, float32(5), out.Row(2)[0])
}

func TestSetInputsAllOrNothing(t *testing.T) {
	f := newFixture(t)
	s := f.session(t)

	good := f.image(t, "good.png", 1, 2, 3, 4)
	_, err := s.SetImages([]string{good})
	require.NoError(t, err)

	missing := filepath.Join(f.dir, "missing.png")
	corrupt := f.write(t, "corrupt.png", []byte("not an image"))
	_, err = s.SetImages([]string{good, missing, corrupt})

	var de *DecodeError
	require.ErrorAs(t, err, &de)
	assert.Equal(t, 1, de.Index)
	assert.Equal(t, missing, de.Path)
	assert.ErrorIs(t, err, ErrDecode)
	assert.ErrorIs(t, err, os.ErrNotExist)
	assert.Contains(t, err.Error(), "missing.png")

	// The earlier batch is still staged.
	out, err := s.Predict()
	require.NoError(t, err)
	assert.Equal(t, 1, out.Num)
	assert.Equal(t, []float32{1, 2, 3}, out.Scores)
}

func TestSetInputsEmptySample(t *testing.T) {
	s := newFixture(t).session(t)

	_, err := s.SetInputs([]Sample{{}})
	var de *DecodeError
	require.ErrorAs(t, err, &de)
	assert.Equal(t, 0, de.Index)
	assert.Equal(t, "decode sample 0: sample has no image", de.Error())
}

func TestPredictIsRepeatable(t *testing.T) {
	f := newFixture(t)
	s := f.session(t)

	_, err := s.SetImages([]string{f.image(t, "a.png", 10, 20, 30, 40)})
	require.NoError(t, err)

	first, err := s.Predict()
	require.NoError(t, err)
	first.Scores[0] = -1 // the caller owns its copy

	second, err := s.Predict()
	require.NoError(t, err)
	assert.Equal(t, []float32{10, 20, 30}, second.Scores)
	assert.Equal(t, 2, f.executors[0].calls)
}

func TestOutputDoesNotAliasExecutor(t *testing.T) {
	f := newFixture(t)
	s := f.session(t)

	_, err := s.SetImages([]string{f.image(t, "a.png", 1, 1, 1, 1)})
	require.NoError(t, err)
	first, err := s.Predict()
	require.NoError(t, err)

	_, err = s.SetImages([]string{f.image(t, "b.png", 2, 2, 2, 2)})
	require.NoError(t, err)
	_, err = s.Predict()
	require.NoError(t, err)

	assert.Equal(t, []float32{1, 1, 1}, first.Scores)
}

func TestPredictTopK(t *testing.T) {
	f := newFixture(t)
	s := f.session(t)
	path := f.image(t, "a.png", 50, 200, 100, 0)

	got, err := s.PredictTopK(path, 2)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2}, got)

	got, err = s.PredictTopK(path, 3)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2, 0}, got)

	clamped, err := s.PredictTopK(path, 1000)
	require.NoError(t, err)
	assert.Equal(t, got, clamped)

	_, err = s.PredictTopK(path, 0)
	assert.ErrorIs(t, err, ErrInvalidK)

	_, err = s.PredictTopK(filepath.Join(f.dir, "missing.png"), 3)
	assert.ErrorIs(t, err, ErrDecode)
}

func TestPredictTopKTies(t *testing.T) {
	f := newFixture(t)
	s := f.session(t)

	got, err := s.PredictTopKSample(Sample{Data: grayPNG(t, 3, 3, 3, 9)}, 2)
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1}, got)
}

func TestClassify(t *testing.T) {
	f := newFixture(t)
	s := f.session(t)

	c, err := s.Classify(Sample{Path: f.image(t, "a.png", 50, 200, 100, 0)}, 3)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2, 0}, c.Indices)
	assert.Equal(t, []float32{200, 100, 50}, c.Scores)
	assert.Equal(t, []string{"dog", "car", "cat"}, c.Labels)

	num, err := s.OutputNum()
	require.NoError(t, err)
	assert.Equal(t, 1, num)
}

func TestReloadResetsState(t *testing.T) {
	f := newFixture(t)
	s := f.session(t)

	_, err := s.SetImages([]string{f.image(t, "a.png", 1, 2, 3, 4)})
	require.NoError(t, err)
	_, err = s.Predict()
	require.NoError(t, err)

	require.NoError(t, s.LoadModel(f.topology, f.weights))
	require.Len(t, f.executors, 2)
	assert.True(t, f.executors[0].closed)
	assert.False(t, f.executors[1].closed)

	_, err = s.OutputHeight()
	assert.ErrorIs(t, err, ErrNotAvailable)
	_, err = s.Predict()
	assert.ErrorIs(t, err, ErrNoInput)
}

func TestFailedReloadKeepsModel(t *testing.T) {
	f := newFixture(t)
	s := f.session(t)

	f.loadErr = errors.New("mismatched weights")
	assert.ErrorIs(t, s.LoadModel(f.topology, f.weights), ErrInvalidModel)

	assert.True(t, s.Loaded())
	assert.False(t, f.executors[0].closed)
	_, err := s.PredictTopK(f.image(t, "a.png", 1, 2, 3, 4), 1)
	assert.NoError(t, err)
}

func TestForwardShapeMismatch(t *testing.T) {
	f := newFixture(t)
	s := f.session(t)
	f.executors[0].rows = 2

	_, err := s.SetImages([]string{f.image(t, "a.png", 1, 2, 3, 4)})
	require.NoError(t, err)
	_, err = s.Predict()
	assert.ErrorContains(t, err, "2 rows for 1 samples")

	_, err = s.OutputNum()
	assert.ErrorIs(t, err, ErrNotAvailable)
}

func TestCloseReleasesExecutor(t *testing.T) {
	f := newFixture(t)
	s := f.session(t)

	require.NoError(t, s.Close())
	assert.True(t, f.executors[0].closed)
	assert.False(t, s.Loaded())

	_, err := s.Predict()
	assert.ErrorIs(t, err, ErrNotLoaded)
}

type countingObserver struct {
	mu                      sync.Mutex
	loads, staged, forwards int
	failures                int
}

func (o *countingObserver) record(n *int, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	*n++
	if err != nil {
		o.failures++
	}
}

func (o *countingObserver) ModelLoaded(_ time.Duration, err error) { o.record(&o.loads, err) }
func (o *countingObserver) InputsStaged(_ int, err error)          { o.record(&o.staged, err) }
func (o *countingObserver) ForwardDone(_ int, _ time.Duration, err error) {
	o.record(&o.forwards, err)
}

func TestObserver(t *testing.T) {
	f := newFixture(t)
	obs := &countingObserver{}
	s := f.session(t, WithObserver(obs))

	_, err := s.PredictTopK(f.image(t, "a.png", 1, 2, 3, 4), 1)
	require.NoError(t, err)
	_, err = s.SetImages([]string{filepath.Join(f.dir, "missing.png")})
	require.Error(t, err)

	assert.Equal(t, 1, obs.loads)
	assert.Equal(t, 2, obs.staged)
	assert.Equal(t, 1, obs.forwards)
	assert.Equal(t, 1, obs.failures)
}

func TestDebugRows(t *testing.T) {
	f := newFixture(t)
	core, logs := observer.New(zapcore.DebugLevel)
	s := f.session(t, WithLogger(zap.New(core)), WithDebugRows(2))

	paths := make([]string, 4)
	for i := range paths {
		paths[i] = f.image(t, string(rune('a'+i))+".png", uint8(i), 0, 0, 0)
	}
	_, err := s.SetImages(paths)
	require.NoError(t, err)
	_, err = s.Predict()
	require.NoError(t, err)

	assert.Equal(t, 2, logs.FilterMessage("scores").Len())
	assert.Equal(t, 1, logs.FilterMessage("prediction done").Len())
}

func TestConcurrentUse(t *testing.T) {
	f := newFixture(t)
	s := f.session(t, WithDecodeWorkers(2))
	path := f.image(t, "a.png", 50, 200, 100, 0)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got, err := s.PredictTopK(path, 1)
			assert.NoError(t, err)
			assert.Equal(t, []int{1}, got)
			_, _ = s.OutputHeight()
		}()
	}
	wg.Wait()
}
