package tensor

import (
	"errors"
	"math"
	"testing"

	"neuroseg/internal/models"
	"neuroseg/pkg/clicks"
)

func ramp(shape models.Shape) models.Volume {
	v := models.NewVolume(shape)
	for i := range v.Data {
		v.Data[i] = float32(i)
	}
	return v
}

func sum(v models.Volume) float64 {
	s := 0.0
	for _, f := range v.Data {
		s += float64(f)
	}
	return s
}

// TestNormalize verifies intensities are rescaled to [0, 1]
func TestNormalize(t *testing.T) {
	v := models.Volume{Data: []float32{-10, 0, 10, 30}, Shape: models.Shape{4, 1, 1}}
	got, err := Normalize(v)
	if err != nil {
		t.Fatalf("Normalize failed: %v", err)
	}
	want := []float32{0, 0.25, 0.5, 1}
	for i := range want {
		if math.Abs(float64(got.Data[i]-want[i])) > 1e-6 {
			t.Errorf("Normalized[%d] = %f, want %f", i, got.Data[i], want[i])
		}
	}
}

// TestNormalizeDegenerate verifies a uniform volume fails instead of producing NaN
func TestNormalizeDegenerate(t *testing.T) {
	v := models.NewVolume(models.Shape{3, 3, 3})
	for i := range v.Data {
		v.Data[i] = 7
	}

	if _, err := Normalize(v); !errors.Is(err, models.ErrDegenerateVolume) {
		t.Errorf("Expected DegenerateVolumeError, got %v", err)
	}

	b, _ := NewBuilder(LayoutV2, PriorConfig{}, 16)
	_, err := b.Build(Inputs{Image: v, Positive: models.NewMask(v.Shape), Negative: models.NewMask(v.Shape)})
	if !errors.Is(err, models.ErrDegenerateVolume) {
		t.Errorf("Expected Build to surface DegenerateVolumeError, got %v", err)
	}
}

// TestBuildChannels checks the channel assignment of the default layout
func TestBuildChannels(t *testing.T) {
	shape := models.Shape{4, 4, 4}
	pos, neg := clicks.Decode(models.ClickSet{Positive: []int{0}, Negative: []int{63}}, shape)

	b, err := NewBuilder(LayoutV2, PriorConfig{}, 16)
	if err != nil {
		t.Fatalf("NewBuilder failed: %v", err)
	}
	tt, err := b.Build(Inputs{Image: ramp(shape), Positive: pos, Negative: neg})
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}

	if err := tt.CheckShape(NumChannels, models.Shape{16, 16, 16}); err != nil {
		t.Fatalf("Unexpected tensor shape: %v", err)
	}

	img := tt.Channel(0)
	if img.At(0, 0, 0) != 0 || img.At(3, 3, 3) != 1 {
		t.Errorf("Expected normalized ramp from 0 to 1, got %f..%f", img.At(0, 0, 0), img.At(3, 3, 3))
	}
	if img.At(4, 0, 0) != 0 || img.At(15, 15, 15) != 0 {
		t.Error("Expected zero padding outside the original grid")
	}

	if sum(tt.Channel(1)) != 0 {
		t.Error("Expected empty prior channel without a previous call")
	}
	if tt.Channel(2).At(0, 0, 0) != 1 || sum(tt.Channel(2)) != 1 {
		t.Error("Expected single positive click at origin")
	}
	if tt.Channel(3).At(3, 3, 3) != 1 || sum(tt.Channel(3)) != 1 {
		t.Error("Expected single negative click at (3,3,3)")
	}
	if sum(tt.Channel(4)) != 0 {
		t.Error("Expected reserved channel to stay zero")
	}
}

// TestBuildPrior checks which prior is injected for each configuration
func TestBuildPrior(t *testing.T) {
	shape := models.Shape{2, 2, 2}
	prev := models.Volume{Data: []float32{-2, 3, -1, 0.5, 0, 0, 0, 4}, Shape: shape}

	tests := []struct {
		name   string
		layout ChannelLayout
		prior  PriorConfig
		prev   *models.Volume
		ch     int
		want   float64
		source string
	}{
		{"no flags", LayoutV2, PriorConfig{}, &prev, 1, 0, PriorNone},
		{"logits", LayoutV2, PriorConfig{IncludePreviousLogits: true}, &prev, 1, 4.5, PriorLogits},
		{"prediction", LayoutV2, PriorConfig{IncludePreviousPrediction: true}, &prev, 1, 3, PriorPrediction},
		{"omitted", LayoutV2, PriorConfig{IncludePreviousLogits: true}, nil, 1, 0, PriorNone},
		{"v1 layout", LayoutV1, PriorConfig{IncludePreviousPrediction: true}, &prev, 4, 3, PriorPrediction},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			b, err := NewBuilder(tc.layout, tc.prior, 1)
			if err != nil {
				t.Fatalf("NewBuilder failed: %v", err)
			}
			if got := b.PriorSource(tc.prev); got != tc.source {
				t.Errorf("PriorSource = %s, want %s", got, tc.source)
			}
			out, err := b.Build(Inputs{Image: ramp(shape), Positive: models.NewMask(shape), Negative: models.NewMask(shape), PreviousLogits: tc.prev})
			if err != nil {
				t.Fatalf("Build failed: %v", err)
			}
			if got := sum(out.Channel(tc.ch)); math.Abs(got-tc.want) > 1e-6 {
				t.Errorf("Prior channel sum = %f, want %f", got, tc.want)
			}
			for c := 0; c < NumChannels; c++ {
				if c == tc.layout.Image || c == tc.ch {
					continue
				}
				if sum(out.Channel(c)) != 0 {
					t.Errorf("Expected channel %d to stay zero", c)
				}
			}
		})
	}
}

// TestBuildShapeMismatch verifies inputs from different grids are rejected
func TestBuildShapeMismatch(t *testing.T) {
	b, _ := NewBuilder(LayoutV2, PriorConfig{}, 1)
	_, err := b.Build(Inputs{
		Image:    ramp(models.Shape{2, 2, 2}),
		Positive: models.NewMask(models.Shape{2, 2, 3}),
		Negative: models.NewMask(models.Shape{2, 2, 2}),
	})
	if !errors.Is(err, models.ErrValidation) {
		t.Errorf("Expected ValidationError, got %v", err)
	}
}

// TestLayoutValidate verifies duplicate and out-of-range channels are rejected
func TestLayoutValidate(t *testing.T) {
	if err := LayoutV1.Validate(); err != nil {
		t.Errorf("LayoutV1 should be valid: %v", err)
	}
	if err := (ChannelLayout{Image: 0, Prior: 0, Positive: 2, Negative: 3}).Validate(); err == nil {
		t.Error("Expected error for shared channel")
	}
	if err := (ChannelLayout{Image: 0, Prior: Unused, Positive: 2, Negative: 5}).Validate(); err == nil {
		t.Error("Expected error for out-of-range channel")
	}
	if _, err := LayoutByVersion("v9"); err == nil {
		t.Error("Expected error for unknown layout")
	}
	if _, err := NewBuilder(LayoutV2, PriorConfig{IncludePreviousLogits: true, IncludePreviousPrediction: true}, 1); err == nil {
		t.Error("Expected error for both prior flags")
	}
}

// TestRowMajorRoundTrip verifies C-order conversion is reversible
func TestRowMajorRoundTrip(t *testing.T) {
	tt := New(2, models.Shape{2, 3, 4})
	for i := range tt.Data {
		tt.Data[i] = float32(i)
	}
	rm := tt.RowMajor()

	// In C order the last axis is fastest: element (c=0, x=0, y=0, z=1)
	if rm[1] != tt.Channel(0).At(0, 0, 1) {
		t.Errorf("Expected z to vary fastest in row-major data")
	}

	back, err := FromRowMajor(tt.Shape, rm)
	if err != nil {
		t.Fatalf("FromRowMajor failed: %v", err)
	}
	for i := range tt.Data {
		if back.Data[i] != tt.Data[i] {
			t.Fatalf("Mismatch at %d", i)
		}
	}
}
