// Package padding conforms volumes to the network's stride requirement and
// crops its output back to the original grid.
package padding

import "neuroseg/internal/models"

// PaddedShape rounds every axis up to the next multiple of stride.
// A stride of 1 or less leaves the shape unchanged.
func PaddedShape(shape models.Shape, stride int) models.Shape {
	if stride <= 1 {
		return shape
	}
	var out models.Shape
	for i, n := range shape {
		out[i] = ((n + stride - 1) / stride) * stride
	}
	return out
}

// PadToStride zero-pads the trailing edge of each axis so every length is a
// multiple of stride. When the volume is already aligned it is returned as is,
// without allocating.
func PadToStride(v models.Volume, stride int) models.Volume {
	return padTo(v, PaddedShape(v.Shape, stride))
}

// PadMaskToStride is PadToStride for binary masks
func PadMaskToStride(m models.Mask, stride int) models.Mask {
	target := PaddedShape(m.Shape, stride)
	if target == m.Shape {
		return m
	}
	out := models.NewMask(target)
	copyRows(m.Shape, target, func(dst, src, n int) {
		copy(out.Data[dst:dst+n], m.Data[src:src+n])
	})
	return out
}

func padTo(v models.Volume, target models.Shape) models.Volume {
	if target == v.Shape {
		return v
	}
	out := models.NewVolume(target)
	copyRows(v.Shape, target, func(dst, src, n int) {
		copy(out.Data[dst:dst+n], v.Data[src:src+n])
	})
	return out
}

// CropToShape keeps the leading prefix of each axis. Cropping to the current
// shape returns the volume unchanged.
func CropToShape(v models.Volume, shape models.Shape) models.Volume {
	if shape == v.Shape {
		return v
	}
	out := models.NewVolume(shape)
	copyRows(shape, v.Shape, func(largeOff, smallOff, n int) {
		copy(out.Data[smallOff:smallOff+n], v.Data[largeOff:largeOff+n])
	})
	return out
}

// copyRows calls fn for every x-row of the small grid with the row offset in
// the large grid, the row offset in the small grid and the row length.
func copyRows(small, large models.Shape, fn func(largeOff, smallOff, n int)) {
	for z := 0; z < small[2] && z < large[2]; z++ {
		for y := 0; y < small[1] && y < large[1]; y++ {
			n := small[0]
			if large[0] < n {
				n = large[0]
			}
			fn(large.Index(0, y, z), small.Index(0, y, z), n)
		}
	}
}
