// Package orientation maps volumes between their on-disk axis order and the
// RAS-canonical axis order the viewer displays.
//
// The transform is a signed axis permutation: each file axis is assigned to
// one world axis (R, A or S) and optionally flipped so that increasing index
// moves toward Right, Anterior or Superior. The chosen permutation is returned
// to the caller so results can be mapped back without looking at the affine
// again.
package orientation

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	"neuroseg/internal/models"
)

// Orientation records how a file-order grid was mapped onto the canonical grid.
type Orientation struct {
	// Axes[i] is the canonical (world) axis that file axis i was assigned to
	Axes [3]int

	// Flip[i] is true when file axis i runs toward L, P or I and was reversed
	Flip [3]bool

	// Source is the file-order shape the orientation was computed for
	Source models.Shape
}

// permutations lists the six axis orders in a fixed sequence so ties resolve
// the same way on every call.
var permutations = [6][3]int{
	{0, 1, 2},
	{0, 2, 1},
	{1, 0, 2},
	{1, 2, 0},
	{2, 0, 1},
	{2, 1, 0},
}

// Compute selects, among the 48 signed axis permutations, the one whose axes
// are closest to pure RAS for the given affine.
//
// Parameters:
//   - affine: voxel to world transform of the file-order grid
//   - shape: file-order grid shape
//
// Returns:
//   - The orientation, or a MalformedAffineError when the affine is singular
//     or contains non-finite values
func Compute(affine models.Affine, shape models.Shape) (Orientation, error) {
	if !shape.Valid() {
		return Orientation{}, models.Errorf(models.ValidationError, "invalid volume shape %v", shape)
	}
	if err := checkAffine(affine); err != nil {
		return Orientation{}, err
	}

	// Unit direction of each voxel axis in world space
	var dirs [3][3]float64
	for i := 0; i < 3; i++ {
		norm := math.Sqrt(affine[0][i]*affine[0][i] + affine[1][i]*affine[1][i] + affine[2][i]*affine[2][i])
		if norm == 0 {
			return Orientation{}, models.Errorf(models.MalformedAffineError, "voxel axis %d has zero length", i)
		}
		for w := 0; w < 3; w++ {
			dirs[i][w] = affine[w][i] / norm
		}
	}

	best := Orientation{Source: shape}
	bestScore := math.Inf(-1)
	for _, perm := range permutations {
		for signs := 0; signs < 8; signs++ {
			score := 0.0
			var flip [3]bool
			for i := 0; i < 3; i++ {
				s := 1.0
				if signs&(1<<i) != 0 {
					s = -1
					flip[i] = true
				}
				score += s * dirs[i][perm[i]]
			}
			if score > bestScore+1e-12 {
				bestScore = score
				best.Axes = perm
				best.Flip = flip
			}
		}
	}
	return best, nil
}

func checkAffine(affine models.Affine) error {
	data := make([]float64, 0, 16)
	for r := 0; r < 4; r++ {
		for c := 0; c < 4; c++ {
			v := affine[r][c]
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return models.Errorf(models.MalformedAffineError, "affine has non-finite value at [%d][%d]", r, c)
			}
			data = append(data, v)
		}
	}
	a := mat.NewDense(4, 4, data)
	var inv mat.Dense
	if err := inv.Inverse(a); err != nil {
		return models.NewError(models.MalformedAffineError, "affine is not invertible", err)
	}
	return nil
}

// IsIdentity reports whether the file grid is already RAS-canonical
func (o Orientation) IsIdentity() bool {
	return o.Axes == [3]int{0, 1, 2} && o.Flip == [3]bool{}
}

// Code returns the conventional three-letter orientation of the file grid,
// for example "RAS" or "LPS".
func (o Orientation) Code() string {
	pos := "RAS"
	neg := "LPI"
	code := make([]byte, 3)
	for i := 0; i < 3; i++ {
		if o.Flip[i] {
			code[i] = neg[o.Axes[i]]
		} else {
			code[i] = pos[o.Axes[i]]
		}
	}
	return string(code)
}

func (o Orientation) String() string {
	return fmt.Sprintf("%s %v", o.Code(), o.Source)
}

// CanonicalShape returns the grid shape after reorientation
func (o Orientation) CanonicalShape() models.Shape {
	var s models.Shape
	for i := 0; i < 3; i++ {
		s[o.Axes[i]] = o.Source[i]
	}
	return s
}

// CanonicalAffine returns the affine of the canonical grid. A canonical voxel
// and the file voxel it was copied from map to the same world point.
func (o Orientation) CanonicalAffine(affine models.Affine) models.Affine {
	// m maps canonical indices back to file indices
	m := mat.NewDense(4, 4, nil)
	for i := 0; i < 3; i++ {
		if o.Flip[i] {
			m.Set(i, o.Axes[i], -1)
			m.Set(i, 3, float64(o.Source[i]-1))
		} else {
			m.Set(i, o.Axes[i], 1)
		}
	}
	m.Set(3, 3, 1)

	a := mat.NewDense(4, 4, affine.Flat())
	var out mat.Dense
	out.Mul(a, m)

	var result models.Affine
	for r := 0; r < 4; r++ {
		for c := 0; c < 4; c++ {
			result[r][c] = out.At(r, c)
		}
	}
	return result
}

// remap walks every file-order voxel and reports its flat index together with
// the flat index of the same voxel in the canonical grid.
func (o Orientation) remap(fn func(fileIdx, canonicalIdx int)) {
	cs := o.CanonicalShape()
	strides := [3]int{1, cs[0], cs[0] * cs[1]}

	var step [3]int
	base := 0
	for i := 0; i < 3; i++ {
		st := strides[o.Axes[i]]
		if o.Flip[i] {
			base += (o.Source[i] - 1) * st
			st = -st
		}
		step[i] = st
	}

	fileIdx := 0
	for z := 0; z < o.Source[2]; z++ {
		zOff := base + z*step[2]
		for y := 0; y < o.Source[1]; y++ {
			yOff := zOff + y*step[1]
			for x := 0; x < o.Source[0]; x++ {
				fn(fileIdx, yOff+x*step[0])
				fileIdx++
			}
		}
	}
}

// Apply reorders a file-order volume into the canonical grid
func (o Orientation) Apply(v models.Volume) (models.Volume, error) {
	if v.Shape != o.Source || len(v.Data) != v.Shape.Len() {
		return models.Volume{}, fmt.Errorf("volume shape %v does not match orientation source %v", v.Shape, o.Source)
	}
	out := models.NewVolume(o.CanonicalShape())
	o.remap(func(f, c int) { out.Data[c] = v.Data[f] })
	return out, nil
}

// Invert reorders a canonical volume back into file order
func (o Orientation) Invert(v models.Volume) (models.Volume, error) {
	if v.Shape != o.CanonicalShape() || len(v.Data) != v.Shape.Len() {
		return models.Volume{}, fmt.Errorf("volume shape %v does not match canonical shape %v", v.Shape, o.CanonicalShape())
	}
	out := models.NewVolume(o.Source)
	o.remap(func(f, c int) { out.Data[f] = v.Data[c] })
	return out, nil
}

// InvertMask reorders a canonical mask back into file order
func (o Orientation) InvertMask(m models.Mask) (models.Mask, error) {
	if m.Shape != o.CanonicalShape() || len(m.Data) != m.Shape.Len() {
		return models.Mask{}, fmt.Errorf("mask shape %v does not match canonical shape %v", m.Shape, o.CanonicalShape())
	}
	out := models.NewMask(o.Source)
	o.remap(func(f, c int) { out.Data[f] = m.Data[c] })
	return out, nil
}

// ToCanonical reorients a file-order volume tensor to the closest RAS grid.
// The returned Orientation must be handed to FromCanonical to map results back.
func ToCanonical(vt models.VolumeTensor) (models.VolumeTensor, Orientation, error) {
	o, err := Compute(vt.Affine, vt.Volume.Shape)
	if err != nil {
		return models.VolumeTensor{}, Orientation{}, err
	}
	v, err := o.Apply(vt.Volume)
	if err != nil {
		return models.VolumeTensor{}, Orientation{}, models.NewError(models.ValidationError, "volume data does not match its shape", err)
	}
	return models.VolumeTensor{Volume: v, Affine: o.CanonicalAffine(vt.Affine)}, o, nil
}

// FromCanonical maps a mask computed on the canonical grid back to file order
func FromCanonical(m models.Mask, o Orientation) (models.Mask, error) {
	return o.InvertMask(m)
}

// FromCanonicalVolume maps float data computed on the canonical grid back to
// file order
func FromCanonicalVolume(v models.Volume, o Orientation) (models.Volume, error) {
	return o.Invert(v)
}
