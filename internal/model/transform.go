package model

import "fmt"

// Transform turns a decoded sample into the flattened CHW values fed to
// the input tensor: centre crop (when crop_size is set), then mean
// subtraction and scaling per channel.
func (t *Topology) Transform(d Datum) ([]float32, error) {
	channels, height, width := t.Channels(), t.Height(), t.Width()
	if d.Channels != channels {
		return nil, fmt.Errorf("sample has %d channels, network expects %d", d.Channels, channels)
	}
	if len(d.Data) != d.Channels*d.Height*d.Width {
		return nil, fmt.Errorf("sample holds %d values, shape %dx%dx%d needs %d",
			len(d.Data), d.Channels, d.Height, d.Width, d.Channels*d.Height*d.Width)
	}

	offY, offX := 0, 0
	if t.HasCrop() {
		if d.Height < height || d.Width < width {
			return nil, fmt.Errorf("sample %dx%d is smaller than crop size %d", d.Height, d.Width, t.CropSize)
		}
		offY = (d.Height - height) / 2
		offX = (d.Width - width) / 2
	} else if d.Height != height || d.Width != width {
		return nil, fmt.Errorf("sample is %dx%d, network expects %dx%d", d.Height, d.Width, height, width)
	}

	out := make([]float32, channels*height*width)
	for c := 0; c < channels; c++ {
		mean := t.mean(c)
		src := d.Data[c*d.Height*d.Width:]
		dst := out[c*height*width:]
		for y := 0; y < height; y++ {
			row := src[(y+offY)*d.Width+offX:]
			for x := 0; x < width; x++ {
				dst[y*width+x] = (row[x] - mean) * t.Scale
			}
		}
	}
	return out, nil
}

func (t *Topology) mean(c int) float32 {
	switch len(t.MeanValues) {
	case 0:
		return 0
	case 1:
		return t.MeanValues[0]
	default:
		return t.MeanValues[c]
	}
}
