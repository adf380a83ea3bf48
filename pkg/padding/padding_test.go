package padding

import (
	"math/rand"
	"testing"

	"neuroseg/internal/models"
)

func randomVolume(rng *rand.Rand, shape models.Shape) models.Volume {
	v := models.NewVolume(shape)
	for i := range v.Data {
		v.Data[i] = rng.Float32()
	}
	return v
}

// TestPaddedShape verifies rounding up to the stride
func TestPaddedShape(t *testing.T) {
	tests := []struct {
		shape  models.Shape
		stride int
		want   models.Shape
	}{
		{models.Shape{4, 4, 4}, 16, models.Shape{16, 16, 16}},
		{models.Shape{16, 17, 32}, 16, models.Shape{16, 32, 32}},
		{models.Shape{5, 6, 7}, 1, models.Shape{5, 6, 7}},
		{models.Shape{5, 6, 7}, 0, models.Shape{5, 6, 7}},
		{models.Shape{9, 8, 1}, 8, models.Shape{16, 8, 8}},
	}

	for _, tt := range tests {
		if got := PaddedShape(tt.shape, tt.stride); got != tt.want {
			t.Errorf("PaddedShape(%v, %d) = %v, want %v", tt.shape, tt.stride, got, tt.want)
		}
	}
}

// TestPadAlignedIsNoop verifies aligned volumes are returned without a copy
func TestPadAlignedIsNoop(t *testing.T) {
	v := models.NewVolume(models.Shape{8, 16, 8})
	padded := PadToStride(v, 8)

	if &padded.Data[0] != &v.Data[0] {
		t.Error("Expected aligned volume to be returned without reallocation")
	}
}

// TestPadZeroFillsTrailingEdge verifies the original data sits at the origin
func TestPadZeroFillsTrailingEdge(t *testing.T) {
	shape := models.Shape{2, 3, 1}
	v := models.NewVolume(shape)
	for i := range v.Data {
		v.Data[i] = float32(i + 1)
	}

	padded := PadToStride(v, 4)
	if padded.Shape != (models.Shape{4, 4, 4}) {
		t.Fatalf("Expected padded shape 4x4x4, got %v", padded.Shape)
	}

	for z := 0; z < 4; z++ {
		for y := 0; y < 4; y++ {
			for x := 0; x < 4; x++ {
				got := padded.At(x, y, z)
				if x < shape[0] && y < shape[1] && z < shape[2] {
					if got != v.At(x, y, z) {
						t.Errorf("Voxel (%d,%d,%d) = %f, want %f", x, y, z, got, v.At(x, y, z))
					}
				} else if got != 0 {
					t.Errorf("Padding voxel (%d,%d,%d) = %f, want 0", x, y, z, got)
				}
			}
		}
	}
}

// TestCropIsLeftInverseOfPad checks crop(pad(T), T.shape) == T over many shapes and strides
func TestCropIsLeftInverseOfPad(t *testing.T) {
	rng := rand.New(rand.NewSource(42))

	for trial := 0; trial < 50; trial++ {
		shape := models.Shape{1 + rng.Intn(12), 1 + rng.Intn(12), 1 + rng.Intn(12)}
		stride := 1 + rng.Intn(16)
		v := randomVolume(rng, shape)

		got := CropToShape(PadToStride(v, stride), shape)
		if got.Shape != shape {
			t.Fatalf("Expected shape %v, got %v", shape, got.Shape)
		}
		for i := range v.Data {
			if got.Data[i] != v.Data[i] {
				t.Fatalf("Mismatch at %d for shape %v stride %d", i, shape, stride)
			}
		}
	}
}

// TestPadMask verifies masks are padded the same way as volumes
func TestPadMask(t *testing.T) {
	m := models.NewMask(models.Shape{3, 3, 3})
	m.Data[m.Shape.Index(2, 2, 2)] = 1

	padded := PadMaskToStride(m, 4)
	if padded.Shape != (models.Shape{4, 4, 4}) {
		t.Fatalf("Expected 4x4x4, got %v", padded.Shape)
	}
	if padded.Data[padded.Shape.Index(2, 2, 2)] != 1 || padded.Count() != 1 {
		t.Error("Expected the single set voxel to keep its coordinates")
	}

	if same := PadMaskToStride(padded, 4); &same.Data[0] != &padded.Data[0] {
		t.Error("Expected aligned mask to be returned without reallocation")
	}
}
