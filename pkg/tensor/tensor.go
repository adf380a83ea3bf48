// Package tensor assembles the fixed 5-channel network input.
package tensor

import (
	"fmt"

	"neuroseg/internal/models"
)

// Tensor is a dense float32 tensor of shape (batch, channels, nx, ny, nz).
//
// Channels are stored one after another; within a channel the spatial axes use
// the volume layout, first axis fastest. RowMajor converts to the C order most
// tensor runtimes expect.
type Tensor struct {
	Shape []int
	Data  []float32
}

// New allocates a zero tensor with one batch entry
func New(channels int, spatial models.Shape) *Tensor {
	return &Tensor{
		Shape: []int{1, channels, spatial[0], spatial[1], spatial[2]},
		Data:  make([]float32, channels*spatial.Len()),
	}
}

// Spatial returns the grid shape of one channel
func (t *Tensor) Spatial() models.Shape {
	return models.Shape{t.Shape[2], t.Shape[3], t.Shape[4]}
}

// Channels returns the channel count
func (t *Tensor) Channels() int {
	return t.Shape[1]
}

// Channel returns channel c as a volume sharing the tensor's memory
func (t *Tensor) Channel(c int) models.Volume {
	n := t.Spatial().Len()
	return models.Volume{Data: t.Data[c*n : (c+1)*n : (c+1)*n], Shape: t.Spatial()}
}

// CheckShape verifies the tensor is (1, channels, spatial) and fully backed
func (t *Tensor) CheckShape(channels int, spatial models.Shape) error {
	if t == nil {
		return fmt.Errorf("tensor is nil")
	}
	if len(t.Shape) != 5 || t.Shape[0] != 1 || t.Shape[1] != channels || t.Spatial() != spatial {
		return fmt.Errorf("tensor shape %v, want [1 %d %d %d %d]", t.Shape, channels, spatial[0], spatial[1], spatial[2])
	}
	if len(t.Data) != channels*spatial.Len() {
		return fmt.Errorf("tensor holds %d values, shape %v needs %d", len(t.Data), t.Shape, channels*spatial.Len())
	}
	return nil
}

// RowMajor returns the data in C order (last axis fastest)
func (t *Tensor) RowMajor() []float32 {
	s := t.Spatial()
	out := make([]float32, len(t.Data))
	n := s.Len()
	for c := 0; c < t.Channels(); c++ {
		src := t.Data[c*n : (c+1)*n]
		dst := out[c*n : (c+1)*n]
		i := 0
		for x := 0; x < s[0]; x++ {
			for y := 0; y < s[1]; y++ {
				for z := 0; z < s[2]; z++ {
					dst[i] = src[s.Index(x, y, z)]
					i++
				}
			}
		}
	}
	return out
}

// FromRowMajor builds a tensor from C-ordered data of the given 5D shape
func FromRowMajor(shape []int, data []float32) (*Tensor, error) {
	if len(shape) != 5 || shape[0] != 1 {
		return nil, fmt.Errorf("expected shape [1 C X Y Z], got %v", shape)
	}
	s := models.Shape{shape[2], shape[3], shape[4]}
	t := New(shape[1], s)
	if len(data) != len(t.Data) {
		return nil, fmt.Errorf("got %d values for shape %v", len(data), shape)
	}
	n := s.Len()
	for c := 0; c < shape[1]; c++ {
		src := data[c*n : (c+1)*n]
		dst := t.Data[c*n : (c+1)*n]
		i := 0
		for x := 0; x < s[0]; x++ {
			for y := 0; y < s[1]; y++ {
				for z := 0; z < s[2]; z++ {
					dst[s.Index(x, y, z)] = src[i]
					i++
				}
			}
		}
	}
	return t, nil
}
