package inference

import (
	"context"
	"fmt"
	"math"
	"runtime"
	"sync"

	"gonum.org/v1/gonum/stat"
	"gopkg.in/yaml.v3"

	"neuroseg/internal/models"
	"neuroseg/pkg/tensor"
)

// BackendSeedGrow is the built-in reference network
const BackendSeedGrow = "seedgrow"

// SeedGrowWeights are the parameters of the seedgrow model, stored as YAML in
// the model's weights artifact.
type SeedGrowWeights struct {
	// Sigma is the spatial reach of a click in voxels
	Sigma float64 `yaml:"sigma"`

	// Tolerance is the intensity similarity width in normalised units
	Tolerance float64 `yaml:"tolerance"`

	// PositiveGain, NegativeGain and PriorGain weight the input channels
	PositiveGain float64 `yaml:"positive_gain"`
	NegativeGain float64 `yaml:"negative_gain"`
	PriorGain    float64 `yaml:"prior_gain"`

	// Bias is added to every logit; negative values make background the default
	Bias float64 `yaml:"bias"`
}

// DefaultSeedGrowWeights returns the parameters used when a model has no weights artifact
func DefaultSeedGrowWeights() SeedGrowWeights {
	return SeedGrowWeights{
		Sigma:        3,
		Tolerance:    0.15,
		PositiveGain: 8,
		NegativeGain: 10,
		PriorGain:    1,
		Bias:         -2,
	}
}

// SeedGrow scores each voxel by its closeness to positive clicks, weighted by
// intensity similarity to the clicked voxels, minus its closeness to negative
// clicks, plus the prior channel.
type SeedGrow struct {
	weights SeedGrowWeights
	layout  tensor.ChannelLayout
	workers int
}

// LoadSeedGrow is the Loader of the seedgrow backend. It runs on the CPU
// whatever device is configured.
func LoadSeedGrow(ctx context.Context, d *Descriptor, weights []byte, device string) (Model, error) {
	w := DefaultSeedGrowWeights()
	if len(weights) > 0 {
		if err := yaml.Unmarshal(weights, &w); err != nil {
			return nil, fmt.Errorf("parsing seedgrow weights: %w", err)
		}
	}
	if w.Sigma <= 0 || w.Tolerance <= 0 {
		return nil, fmt.Errorf("seedgrow sigma and tolerance must be positive")
	}
	return &SeedGrow{weights: w, layout: d.Layout(), workers: runtime.NumCPU()}, nil
}

// Forward implements Model
func (m *SeedGrow) Forward(ctx context.Context, in *tensor.Tensor) (*tensor.Tensor, error) {
	if err := in.CheckShape(tensor.NumChannels, in.Spatial()); err != nil {
		return nil, err
	}
	shape := in.Spatial()
	img := in.Channel(m.layout.Image)
	pos := in.Channel(m.layout.Positive)
	neg := in.Channel(m.layout.Negative)

	// Intensity statistics of the positive seeds
	var seeds []float64
	for i, p := range pos.Data {
		if p > 0 {
			seeds = append(seeds, float64(img.Data[i]))
		}
	}
	mean, std := 0.0, 0.0
	if len(seeds) > 0 {
		mean, std = stat.MeanStdDev(seeds, nil)
		if math.IsNaN(std) {
			std = 0
		}
	}
	width := 2 * (m.weights.Tolerance*m.weights.Tolerance + std*std)

	posField, err := m.blur(ctx, pos)
	if err != nil {
		return nil, err
	}
	negField, err := m.blur(ctx, neg)
	if err != nil {
		return nil, err
	}

	out := tensor.New(1, shape)
	logits := out.Channel(0).Data
	var prior []float32
	if m.layout.Prior != tensor.Unused {
		prior = in.Channel(m.layout.Prior).Data
	}

	w := m.weights
	for i := range logits {
		sim := 1.0
		if len(seeds) > 0 {
			d := float64(img.Data[i]) - mean
			sim = math.Exp(-d * d / width)
		}
		v := w.Bias + w.PositiveGain*float64(posField[i])*sim - w.NegativeGain*float64(negField[i])
		if prior != nil {
			v += w.PriorGain * float64(prior[i])
		}
		logits[i] = float32(v)
	}
	return out, nil
}

// blur applies a separable Gaussian whose peak is 1, so an isolated click
// scores 1 at its own voxel. Overlapping clicks are capped at 1.
func (m *SeedGrow) blur(ctx context.Context, v models.Volume) ([]float32, error) {
	radius := int(math.Ceil(3 * m.weights.Sigma))
	kernel := make([]float32, 2*radius+1)
	for i := range kernel {
		d := float64(i - radius)
		kernel[i] = float32(math.Exp(-d * d / (2 * m.weights.Sigma * m.weights.Sigma)))
	}

	empty := true
	for _, f := range v.Data {
		if f != 0 {
			empty = false
			break
		}
	}
	if empty {
		return make([]float32, len(v.Data)), nil
	}

	cur := append([]float32(nil), v.Data...)
	tmp := make([]float32, len(cur))
	strides := [3]int{1, v.Shape[0], v.Shape[0] * v.Shape[1]}

	for axis := 0; axis < 3; axis++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		m.convolveAxis(cur, tmp, v.Shape, axis, strides[axis], kernel, radius)
		cur, tmp = tmp, cur
	}

	for i, f := range cur {
		if f > 1 {
			cur[i] = 1
		}
	}
	return cur, nil
}

// convolveAxis convolves every line along axis, splitting the outermost
// loop across workers.
func (m *SeedGrow) convolveAxis(src, dst []float32, shape models.Shape, axis, stride int, kernel []float32, radius int) {
	n := shape[axis]
	// the two axes that are not being convolved
	other := [2]int{(axis + 1) % 3, (axis + 2) % 3}
	strides := [3]int{1, shape[0], shape[0] * shape[1]}

	lines := shape[other[1]]
	workers := m.workers
	if workers > lines {
		workers = lines
	}
	if workers < 1 {
		workers = 1
	}

	var wg sync.WaitGroup
	chunk := (lines + workers - 1) / workers
	for w := 0; w < workers; w++ {
		lo, hi := w*chunk, (w+1)*chunk
		if hi > lines {
			hi = lines
		}
		if lo >= hi {
			break
		}
		wg.Add(1)
		go func(lo, hi int) {
			defer wg.Done()
			for b := lo; b < hi; b++ {
				for a := 0; a < shape[other[0]]; a++ {
					base := a*strides[other[0]] + b*strides[other[1]]
					for i := 0; i < n; i++ {
						var acc float32
						for k := -radius; k <= radius; k++ {
							j := i + k
							if j < 0 || j >= n {
								continue
							}
							acc += kernel[k+radius] * src[base+j*stride]
						}
						dst[base+i*stride] = acc
					}
				}
			}
		}(lo, hi)
	}
	wg.Wait()
}
