// Package preprocess decodes images into samples the model transformer
// accepts.
package preprocess

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"io"
	"os"

	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	"github.com/Brownie44l1/caffe-mobile/internal/model"
	"github.com/nfnt/resize"
)

// Options controls how an image becomes a Datum. A zero Height and Width
// keeps the decoded size.
type Options struct {
	Height int
	Width  int
	Color  bool
	BGR    bool
}

// OptionsFor derives decode options from a topology.
func OptionsFor(t *model.Topology) Options {
	h, w := t.ResizeTarget()
	return Options{
		Height: h,
		Width:  w,
		Color:  t.IsColor(),
		BGR:    t.ChannelOrder == model.OrderBGR,
	}
}

func ReadImageToDatum(path string, opts Options) (model.Datum, error) {
	f, err := os.Open(path)
	if err != nil {
		return model.Datum{}, fmt.Errorf("failed to open image: %w", err)
	}
	defer f.Close()

	return DecodeToDatum(f, opts)
}

func BytesToDatum(data []byte, opts Options) (model.Datum, error) {
	return DecodeToDatum(bytes.NewReader(data), opts)
}

func DecodeToDatum(r io.Reader, opts Options) (model.Datum, error) {
	img, _, err := image.Decode(r)
	if err != nil {
		return model.Datum{}, fmt.Errorf("failed to decode image: %w", err)
	}
	return ImageToDatum(img, opts)
}

// ImageToDatum resizes img when the options ask for a fixed size and lays
// its pixels out channel by channel.
func ImageToDatum(img image.Image, opts Options) (model.Datum, error) {
	if img == nil {
		return model.Datum{}, errors.New("nil image")
	}
	if opts.Height < 0 || opts.Width < 0 || (opts.Height == 0) != (opts.Width == 0) {
		return model.Datum{}, fmt.Errorf("invalid target size %dx%d", opts.Height, opts.Width)
	}

	bounds := img.Bounds()
	if bounds.Empty() {
		return model.Datum{}, errors.New("empty image")
	}
	if opts.Height > 0 && (bounds.Dx() != opts.Width || bounds.Dy() != opts.Height) {
		img = resize.Resize(uint(opts.Width), uint(opts.Height), img, resize.Lanczos3)
		bounds = img.Bounds()
	}

	width, height := bounds.Dx(), bounds.Dy()
	plane := width * height

	channels := 1
	if opts.Color {
		channels = 3
	}
	d := model.Datum{
		Channels: channels,
		Height:   height,
		Width:    width,
		Data:     make([]float32, channels*plane),
	}

	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			r, g, b, _ := img.At(bounds.Min.X+x, bounds.Min.Y+y).RGBA()
			i := y*width + x

			if !opts.Color {
				d.Data[i] = gray(r, g, b)
				continue
			}
			if opts.BGR {
				r, b = b, r
			}
			d.Data[i] = float32(r >> 8)
			d.Data[plane+i] = float32(g >> 8)
			d.Data[2*plane+i] = float32(b >> 8)
		}
	}
	return d, nil
}

// gray uses the same luma weights as color.GrayModel.
func gray(r, g, b uint32) float32 {
	y := (19595*r + 38470*g + 7471*b + 1<<15) >> 24
	return float32(y)
}
