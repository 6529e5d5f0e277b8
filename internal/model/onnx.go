package model

import (
	"errors"
	"fmt"
	"sync"

	ort "github.com/yalue/onnxruntime_go"
)

// ONNXOptions configures the ONNX Runtime executor.
type ONNXOptions struct {
	// LibraryPath points at the onnxruntime shared library. Empty uses the
	// platform default lookup.
	LibraryPath    string
	IntraOpThreads int
}

// The ONNX Runtime environment is process wide; it lives while at least
// one executor does.
var (
	envMu   sync.Mutex
	envRefs int
)

func acquireEnvironment(libraryPath string) error {
	envMu.Lock()
	defer envMu.Unlock()

	if envRefs == 0 {
		if libraryPath != "" {
			ort.SetSharedLibraryPath(libraryPath)
		}
		if err := ort.InitializeEnvironment(); err != nil {
			return fmt.Errorf("failed to initialize ONNX environment: %w", err)
		}
	}
	envRefs++
	return nil
}

func releaseEnvironment() error {
	envMu.Lock()
	defer envMu.Unlock()

	envRefs--
	if envRefs > 0 {
		return nil
	}
	envRefs = 0
	return ort.DestroyEnvironment()
}

// ONNXExecutor runs forward passes on an ONNX graph. Input and output
// tensors are created per pass so any batch size can be served.
type ONNXExecutor struct {
	session  *ort.DynamicAdvancedSession
	topology *Topology
}

// NewONNXLoader returns a Loader that builds ONNX executors.
func NewONNXLoader(opts ONNXOptions) Loader {
	return func(topology *Topology, weightsPath string) (Executor, error) {
		return NewONNXExecutor(topology, weightsPath, opts)
	}
}

func NewONNXExecutor(topology *Topology, weightsPath string, opts ONNXOptions) (*ONNXExecutor, error) {
	if err := acquireEnvironment(opts.LibraryPath); err != nil {
		return nil, err
	}

	options, err := ort.NewSessionOptions()
	if err != nil {
		releaseEnvironment()
		return nil, fmt.Errorf("failed to create session options: %w", err)
	}
	defer options.Destroy()

	if opts.IntraOpThreads > 0 {
		if err := options.SetIntraOpNumThreads(opts.IntraOpThreads); err != nil {
			releaseEnvironment()
			return nil, fmt.Errorf("failed to set intra-op threads: %w", err)
		}
	}

	session, err := ort.NewDynamicAdvancedSession(weightsPath,
		[]string{topology.InputName}, []string{topology.OutputName},
		options)
	if err != nil {
		releaseEnvironment()
		return nil, fmt.Errorf("failed to create ONNX session: %w", err)
	}

	return &ONNXExecutor{
		session:  session,
		topology: topology,
	}, nil
}

func (e *ONNXExecutor) Forward(batch [][]float32) (*Blob, error) {
	if len(batch) == 0 {
		return nil, errors.New("empty batch")
	}

	outLen := e.topology.OutputLength()
	blob := &Blob{
		Num:  len(batch),
		Data: make([]float32, len(batch)*outLen),
	}

	for _, c := range chunkBatch(len(batch), e.topology.BatchSize()) {
		dst := blob.Data[c.start*outLen : c.end*outLen]
		if err := e.run(batch[c.start:c.end], c.rows, dst); err != nil {
			return nil, err
		}
	}
	return blob, nil
}

// run executes one pass of rows samples. Rows past len(samples) are zero
// padding and their outputs are discarded.
func (e *ONNXExecutor) run(samples [][]float32, rows int, dst []float32) error {
	channels, height, width := e.topology.Channels(), e.topology.Height(), e.topology.Width()
	sampleSize := channels * height * width

	input := make([]float32, rows*sampleSize)
	for i, s := range samples {
		if len(s) != sampleSize {
			return fmt.Errorf("sample %d holds %d values, expected %d", i, len(s), sampleSize)
		}
		copy(input[i*sampleSize:], s)
	}

	inputTensor, err := ort.NewTensor(ort.NewShape(int64(rows), int64(channels), int64(height), int64(width)), input)
	if err != nil {
		return fmt.Errorf("failed to create input tensor: %w", err)
	}
	defer inputTensor.Destroy()

	outputShape := append([]int64{int64(rows)}, e.topology.OutputShape[1:]...)
	outputTensor, err := ort.NewEmptyTensor[float32](ort.NewShape(outputShape...))
	if err != nil {
		return fmt.Errorf("failed to create output tensor: %w", err)
	}
	defer outputTensor.Destroy()

	if err := e.session.Run([]ort.ArbitraryTensor{inputTensor}, []ort.ArbitraryTensor{outputTensor}); err != nil {
		return fmt.Errorf("inference failed: %w", err)
	}

	copy(dst, outputTensor.GetData())
	return nil
}

func (e *ONNXExecutor) Close() error {
	var errs []error
	if e.session != nil {
		if err := e.session.Destroy(); err != nil {
			errs = append(errs, err)
		}
		e.session = nil
		if err := releaseEnvironment(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

type span struct {
	start, end int
	rows       int
}

// chunkBatch splits n samples into passes. A zero batchSize means the
// network takes the whole batch in one pass; otherwise every pass has
// exactly batchSize rows and the last one is padded.
func chunkBatch(n, batchSize int) []span {
	if batchSize <= 0 {
		return []span{{start: 0, end: n, rows: n}}
	}
	var spans []span
	for start := 0; start < n; start += batchSize {
		spans = append(spans, span{start: start, end: min(start+batchSize, n), rows: batchSize})
	}
	return spans
}
