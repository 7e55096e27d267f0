// Package batch wraps decoded images into the rank-4 batch tensors
// prediction backends consume.
package batch

import (
	"strconv"

	"github.com/pkg/errors"
	"gorgonia.org/tensor"

	"github.com/Brownie44l1/blight-api/internal/imaging"
)

// Tensor is a batch of exactly one image, shape [1, height, width, channels].
// It shares its backing buffer with the PixelArray it was built from.
type Tensor struct {
	dense *tensor.Dense
}

// New inserts a leading batch dimension of size one in front of pixels.
func New(pixels *imaging.PixelArray) (*Tensor, error) {
	if pixels == nil {
		return nil, errors.New("nil pixel array")
	}
	h, w, c := pixels.Height, pixels.Width, pixels.Channels
	if h <= 0 || w <= 0 || c <= 0 {
		return nil, errors.Errorf("pixel array has invalid shape %v", pixels.Shape())
	}
	if len(pixels.Pix) != h*w*c {
		return nil, errors.Errorf("pixel buffer holds %d samples, shape %v needs %d", len(pixels.Pix), pixels.Shape(), h*w*c)
	}

	dense := tensor.New(
		tensor.WithShape(1, h, w, c),
		tensor.WithBacking(pixels.Pix),
	)
	return &Tensor{dense: dense}, nil
}

// Shape returns a copy of the tensor's dimensions.
func (t *Tensor) Shape() []int {
	return append([]int(nil), t.dense.Shape()...)
}

// At returns the sample at batch index b, row y, column x, channel c.
func (t *Tensor) At(b, y, x, c int) (uint8, error) {
	v, err := t.dense.At(b, y, x, c)
	if err != nil {
		return 0, errors.Wrapf(err, "index (%d, %d, %d, %d)", b, y, x, c)
	}
	return v.(uint8), nil
}

func (t *Tensor) samples() []uint8 {
	return t.dense.Data().([]uint8)
}

// Float32s returns the samples in row-major order as unnormalized float32 values.
func (t *Tensor) Float32s() []float32 {
	src := t.samples()
	out := make([]float32, len(src))
	for i, v := range src {
		out[i] = float32(v)
	}
	return out
}

// MarshalJSON writes the samples as nested integer arrays matching the shape.
// encoding/json would emit a []uint8 innermost dimension as a base64 string.
func (t *Tensor) MarshalJSON() ([]byte, error) {
	shape := t.dense.Shape()
	samples := t.samples()

	// every sample takes at most 3 digits plus a separator
	buf := make([]byte, 0, len(samples)*4+len(samples)/shape[len(shape)-1]*2+16)
	buf, _ = appendDim(buf, samples, shape, 0)
	return buf, nil
}

func appendDim(buf []byte, samples []uint8, shape tensor.Shape, offset int) ([]byte, int) {
	buf = append(buf, '[')
	if len(shape) == 1 {
		for i := 0; i < shape[0]; i++ {
			if i > 0 {
				buf = append(buf, ',')
			}
			buf = strconv.AppendUint(buf, uint64(samples[offset+i]), 10)
		}
		return append(buf, ']'), offset + shape[0]
	}

	for i := 0; i < shape[0]; i++ {
		if i > 0 {
			buf = append(buf, ',')
		}
		buf, offset = appendDim(buf, samples, shape[1:], offset)
	}
	return append(buf, ']'), offset
}
