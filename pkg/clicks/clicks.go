// Package clicks decodes the viewer's flat voxel indices into binary masks.
package clicks

import "neuroseg/internal/models"

// Pen values the viewer writes into its draw bitmap
const (
	PenPositive uint8 = 1
	PenNegative uint8 = 2
)

// ToMask decodes flat indices into a binary mask of the given shape.
//
// Index i addresses voxel (i % nx, (i / nx) % ny, i / (nx*ny)). Indices outside
// [0, nx*ny*nz) are skipped; the viewer may still hold indices from a grid that
// has since been resized. An empty list yields an all-zero mask.
func ToMask(indices []int, shape models.Shape) models.Mask {
	mask := models.NewMask(shape)
	n := shape.Len()
	for _, idx := range indices {
		if idx < 0 || idx >= n {
			continue
		}
		x, y, z := shape.Coords(idx)
		mask.Data[shape.Index(x, y, z)] = 1
	}
	return mask
}

// Decode turns a click set into positive and negative masks on the same grid
func Decode(set models.ClickSet, shape models.Shape) (pos, neg models.Mask) {
	return ToMask(set.Positive, shape), ToMask(set.Negative, shape)
}

// FromBitmap collects click indices from a viewer draw bitmap, where
// PenPositive marks positive voxels and PenNegative marks negative ones.
func FromBitmap(bitmap []uint8) models.ClickSet {
	var set models.ClickSet
	for i, v := range bitmap {
		switch v {
		case PenPositive:
			set.Positive = append(set.Positive, i)
		case PenNegative:
			set.Negative = append(set.Negative, i)
		}
	}
	return set
}

// FromVolume collects click indices from a label volume, rounding each value
// to the nearest pen value.
func FromVolume(v models.Volume) models.ClickSet {
	bitmap := make([]uint8, len(v.Data))
	for i, value := range v.Data {
		switch {
		case value > 0.5 && value < 1.5:
			bitmap[i] = PenPositive
		case value >= 1.5 && value < 2.5:
			bitmap[i] = PenNegative
		}
	}
	return FromBitmap(bitmap)
}
