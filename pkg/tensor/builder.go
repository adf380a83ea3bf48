package tensor

import (
	"fmt"
	"math"

	"golang.org/x/sync/errgroup"

	"neuroseg/internal/models"
	"neuroseg/pkg/padding"
	"neuroseg/pkg/prompt"
)

// PriorConfig says how a model consumes the previous call's output.
// At most one flag may be set.
type PriorConfig struct {
	// IncludePreviousPrediction injects the thresholded previous mask
	IncludePreviousPrediction bool `yaml:"include_previous_prediction" json:"include_previous_prediction"`

	// IncludePreviousLogits injects the raw previous logits
	IncludePreviousLogits bool `yaml:"include_previous_logits" json:"include_previous_logits"`
}

// Validate rejects configurations asking for both kinds of prior
func (c PriorConfig) Validate() error {
	if c.IncludePreviousPrediction && c.IncludePreviousLogits {
		return fmt.Errorf("include_previous_prediction and include_previous_logits are mutually exclusive")
	}
	return nil
}

// Prior sources reported by Builder.PriorSource
const (
	PriorNone       = "none"
	PriorLogits     = "logits"
	PriorPrediction = "prediction"
)

// Inputs are the per-call signals, all on the same canonical grid.
type Inputs struct {
	// Image is the raw intensity volume
	Image models.Volume

	// Positive and Negative are the decoded click masks
	Positive models.Mask
	Negative models.Mask

	// PreviousLogits is the decoded prior, or nil when none is available
	PreviousLogits *models.Volume
}

// Builder assembles the network input for one model.
type Builder struct {
	Layout ChannelLayout
	Prior  PriorConfig
	Stride int
}

// NewBuilder creates a builder, validating the layout and prior flags
func NewBuilder(layout ChannelLayout, prior PriorConfig, stride int) (*Builder, error) {
	if err := layout.Validate(); err != nil {
		return nil, err
	}
	if err := prior.Validate(); err != nil {
		return nil, err
	}
	return &Builder{Layout: layout, Prior: prior, Stride: stride}, nil
}

// PriorSource reports which prior Build will inject for the given previous logits
func (b *Builder) PriorSource(prev *models.Volume) string {
	if prev == nil || b.Layout.Prior == Unused {
		return PriorNone
	}
	switch {
	case b.Prior.IncludePreviousLogits:
		return PriorLogits
	case b.Prior.IncludePreviousPrediction:
		return PriorPrediction
	default:
		return PriorNone
	}
}

// Build returns a (1, 5, X, Y, Z) tensor over the stride-padded grid.
//
// The image channel is min-max normalised over the whole volume before
// padding. The prior channel is filled only when the matching configuration
// flag is set and a prior was decoded; every other channel stays zero.
//
// Returns:
//   - A DegenerateVolumeError when the image has a flat intensity range
//   - A ValidationError when the inputs are not on the same grid
func (b *Builder) Build(in Inputs) (*Tensor, error) {
	shape := in.Image.Shape
	if !shape.Valid() || len(in.Image.Data) != shape.Len() {
		return nil, models.Errorf(models.ValidationError, "image shape %v does not match its %d values", shape, len(in.Image.Data))
	}
	if in.Positive.Shape != shape || in.Negative.Shape != shape {
		return nil, models.Errorf(models.ValidationError, "click masks %v/%v do not match image %v", in.Positive.Shape, in.Negative.Shape, shape)
	}
	if in.PreviousLogits != nil && in.PreviousLogits.Shape != shape {
		return nil, models.Errorf(models.ValidationError, "prior %v does not match image %v", in.PreviousLogits.Shape, shape)
	}

	t := New(NumChannels, padding.PaddedShape(shape, b.Stride))

	var g errgroup.Group
	g.Go(func() error {
		norm, err := Normalize(in.Image)
		if err != nil {
			return err
		}
		copy(t.Channel(b.Layout.Image).Data, padding.PadToStride(norm, b.Stride).Data)
		return nil
	})
	g.Go(func() error {
		copy(t.Channel(b.Layout.Positive).Data, padding.PadToStride(in.Positive.Float(), b.Stride).Data)
		return nil
	})
	g.Go(func() error {
		copy(t.Channel(b.Layout.Negative).Data, padding.PadToStride(in.Negative.Float(), b.Stride).Data)
		return nil
	})
	g.Go(func() error {
		var prior models.Volume
		switch b.PriorSource(in.PreviousLogits) {
		case PriorLogits:
			prior = *in.PreviousLogits
		case PriorPrediction:
			prior = prompt.DerivePriorMask(*in.PreviousLogits)
		default:
			return nil
		}
		copy(t.Channel(b.Layout.Prior).Data, padding.PadToStride(prior, b.Stride).Data)
		return nil
	})

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return t, nil
}

// Normalize rescales intensities to [0, 1] with (v - min) / (max - min).
// A flat or non-finite volume is a DegenerateVolumeError.
func Normalize(v models.Volume) (models.Volume, error) {
	if len(v.Data) == 0 {
		return models.Volume{}, models.Errorf(models.DegenerateVolumeError, "volume is empty")
	}
	lo, hi := float64(v.Data[0]), float64(v.Data[0])
	for _, f := range v.Data {
		x := float64(f)
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return models.Volume{}, models.Errorf(models.DegenerateVolumeError, "volume contains non-finite intensities")
		}
		if x < lo {
			lo = x
		}
		if x > hi {
			hi = x
		}
	}
	if hi == lo {
		return models.Volume{}, models.Errorf(models.DegenerateVolumeError, "volume has a flat intensity range (all voxels = %g)", lo)
	}

	out := models.NewVolume(v.Shape)
	scale := 1 / (hi - lo)
	for i, f := range v.Data {
		out.Data[i] = float32((float64(f) - lo) * scale)
	}
	return out, nil
}
