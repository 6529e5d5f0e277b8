package model

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

const (
	DefaultInputName  = "data"
	DefaultOutputName = "prob"

	OrderRGB = "rgb"
	OrderBGR = "bgr"
)

// LoadTopology reads and validates a topology description. JSON files are
// accepted as well since they parse as YAML.
func LoadTopology(path string) (*Topology, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read topology: %w", err)
	}
	return ParseTopology(data)
}

func ParseTopology(data []byte) (*Topology, error) {
	var t Topology
	if err := yaml.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("failed to parse topology: %w", err)
	}
	if err := t.Validate(); err != nil {
		return nil, err
	}
	return &t, nil
}

// Validate fills defaults and rejects descriptions the transformer or the
// executor could not honour.
func (t *Topology) Validate() error {
	if t.InputName == "" {
		t.InputName = DefaultInputName
	}
	if t.OutputName == "" {
		t.OutputName = DefaultOutputName
	}
	if t.Scale == 0 {
		t.Scale = 1
	}
	t.ChannelOrder = strings.ToLower(t.ChannelOrder)
	if t.ChannelOrder == "" {
		t.ChannelOrder = OrderRGB
	}

	if len(t.InputShape) != 4 {
		return fmt.Errorf("input_shape must be [N, C, H, W], got %v", t.InputShape)
	}
	if c := t.InputShape[1]; c != 1 && c != 3 {
		return fmt.Errorf("input_shape channels must be 1 or 3, got %d", c)
	}
	if t.CropSize < 0 {
		return fmt.Errorf("crop_size must not be negative, got %d", t.CropSize)
	}
	h, w := t.InputShape[2], t.InputShape[3]
	if t.CropSize > 0 {
		if (h > 0 && h != int64(t.CropSize)) || (w > 0 && w != int64(t.CropSize)) {
			return fmt.Errorf("crop_size %d does not match input %dx%d", t.CropSize, h, w)
		}
	} else if h <= 0 || w <= 0 {
		return fmt.Errorf("input_shape needs a fixed height and width without crop_size, got %v", t.InputShape)
	}

	if len(t.OutputShape) < 2 {
		return fmt.Errorf("output_shape must be [N, ...], got %v", t.OutputShape)
	}
	for _, d := range t.OutputShape[1:] {
		if d <= 0 {
			return fmt.Errorf("output_shape needs fixed per-sample dimensions, got %v", t.OutputShape)
		}
	}
	if n := t.InputShape[0]; n > 0 && t.OutputShape[0] > 0 && t.OutputShape[0] != n {
		return fmt.Errorf("batch size mismatch: input %d, output %d", n, t.OutputShape[0])
	}

	switch n := len(t.MeanValues); {
	case n == 0, n == 1, n == t.Channels():
	default:
		return fmt.Errorf("mean_values needs 1 or %d entries, got %d", t.Channels(), n)
	}

	if t.ChannelOrder != OrderRGB && t.ChannelOrder != OrderBGR {
		return fmt.Errorf("unknown channel_order %q", t.ChannelOrder)
	}

	if len(t.Classes) > 0 && len(t.Classes) != t.OutputLength() {
		return errors.New("classes must name every output")
	}
	return nil
}

func (t *Topology) Channels() int { return int(t.InputShape[1]) }

// Height and Width are the spatial size of the input tensor.
func (t *Topology) Height() int {
	if t.CropSize > 0 {
		return t.CropSize
	}
	return int(t.InputShape[2])
}

func (t *Topology) Width() int {
	if t.CropSize > 0 {
		return t.CropSize
	}
	return int(t.InputShape[3])
}

// BatchSize is the fixed batch dimension, or 0 when the network accepts
// any batch size.
func (t *Topology) BatchSize() int {
	if t.InputShape[0] <= 0 {
		return 0
	}
	return int(t.InputShape[0])
}

// OutputLength is the number of scores produced per sample.
func (t *Topology) OutputLength() int {
	n := 1
	for _, d := range t.OutputShape[1:] {
		n *= int(d)
	}
	return n
}

func (t *Topology) HasCrop() bool { return t.CropSize > 0 }

func (t *Topology) IsColor() bool { return t.Channels() > 1 }

// ResizeTarget is the size samples are decoded to. With a crop the
// sample keeps its native size and the transformer crops it.
func (t *Topology) ResizeTarget() (height, width int) {
	if t.HasCrop() {
		return 0, 0
	}
	return t.Height(), t.Width()
}

// Label names output i, falling back to its index.
func (t *Topology) Label(i int) string {
	if i >= 0 && i < len(t.Classes) {
		return t.Classes[i]
	}
	return fmt.Sprintf("class_%d", i)
}
