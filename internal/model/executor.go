package model

// Executor runs forward passes over transformed samples. Each element of
// batch is one sample laid out as the topology's CHW input.
type Executor interface {
	Forward(batch [][]float32) (*Blob, error)
	Close() error
}

// Loader builds an executor from a validated topology and a weights file.
type Loader func(topology *Topology, weightsPath string) (Executor, error)
