package model

// Topology describes the network's entry points and the data transform
// applied to every sample before it reaches the input tensor.
type Topology struct {
	InputName    string    `yaml:"input_name" json:"input_name"`
	OutputName   string    `yaml:"output_name" json:"output_name"`
	InputShape   []int64   `yaml:"input_shape" json:"input_shape"`
	OutputShape  []int64   `yaml:"output_shape" json:"output_shape"`
	CropSize     int       `yaml:"crop_size" json:"crop_size"`
	MeanValues   []float32 `yaml:"mean_values" json:"mean_values,omitempty"`
	Scale        float32   `yaml:"scale" json:"scale"`
	ChannelOrder string    `yaml:"channel_order" json:"channel_order"`
	Classes      []string  `yaml:"classes" json:"classes,omitempty"`
}

// Datum is one decoded sample in CHW order with raw 0-255 pixel values.
type Datum struct {
	Channels int
	Height   int
	Width    int
	Data     []float32
}

// Blob is the output of a forward pass, Num rows laid out back to back.
type Blob struct {
	Num  int
	Data []float32
}

// Height is the number of values per sample.
func (b *Blob) Height() int {
	if b.Num == 0 {
		return 0
	}
	return len(b.Data) / b.Num
}
