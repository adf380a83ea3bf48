package models

import "fmt"

// Shape holds the grid dimensions (nx, ny, nz) of a volume.
type Shape [3]int

// Len returns the number of voxels in the grid
func (s Shape) Len() int {
	return s[0] * s[1] * s[2]
}

// Valid reports whether every axis has a positive length
func (s Shape) Valid() bool {
	return s[0] > 0 && s[1] > 0 && s[2] > 0
}

// Index returns the flat index of voxel (x, y, z), first axis fastest.
func (s Shape) Index(x, y, z int) int {
	return x + y*s[0] + z*s[0]*s[1]
}

// Coords decodes a flat index into voxel coordinates.
// The caller is responsible for checking the index is within [0, Len()).
func (s Shape) Coords(idx int) (x, y, z int) {
	plane := s[0] * s[1]
	z = idx / plane
	y = (idx / s[0]) % s[1]
	x = idx % s[0]
	return x, y, z
}

func (s Shape) String() string {
	return fmt.Sprintf("%dx%dx%d", s[0], s[1], s[2])
}

// Volume is a dense 3D grid of intensities.
//
// Data is stored with the first axis varying fastest, so the voxel (x, y, z)
// lives at Data[x + y*nx + z*nx*ny]. This is the same addressing the viewer
// uses for its flat click indices and the order NIfTI stores voxels on disk.
type Volume struct {
	// Data holds Shape.Len() intensities
	Data []float32

	// Shape is the grid size along each axis
	Shape Shape
}

// NewVolume allocates a zero-filled volume of the given shape
func NewVolume(shape Shape) Volume {
	return Volume{Data: make([]float32, shape.Len()), Shape: shape}
}

// At returns the value at voxel (x, y, z)
func (v Volume) At(x, y, z int) float32 {
	return v.Data[v.Shape.Index(x, y, z)]
}

// Set assigns the value at voxel (x, y, z)
func (v Volume) Set(x, y, z int, value float32) {
	v.Data[v.Shape.Index(x, y, z)] = value
}

// Mask is a binary volume; every element is 0 or 1.
type Mask struct {
	Data  []uint8
	Shape Shape
}

// NewMask allocates an all-zero mask
func NewMask(shape Shape) Mask {
	return Mask{Data: make([]uint8, shape.Len()), Shape: shape}
}

// Count returns the number of set voxels
func (m Mask) Count() int {
	n := 0
	for _, v := range m.Data {
		if v != 0 {
			n++
		}
	}
	return n
}

// Float converts the mask to a volume of 0/1 intensities
func (m Mask) Float() Volume {
	out := NewVolume(m.Shape)
	for i, v := range m.Data {
		if v != 0 {
			out.Data[i] = 1
		}
	}
	return out
}

// Affine maps voxel coordinates to physical (world) coordinates in mm.
type Affine [4][4]float64

// IdentityAffine returns the identity transform
func IdentityAffine() Affine {
	return Affine{
		{1, 0, 0, 0},
		{0, 1, 0, 0},
		{0, 0, 1, 0},
		{0, 0, 0, 1},
	}
}

// Flat returns the 16 row-major values of the affine
func (a Affine) Flat() []float64 {
	out := make([]float64, 0, 16)
	for r := 0; r < 4; r++ {
		out = append(out, a[r][:]...)
	}
	return out
}

// VolumeTensor is a volume together with the affine that places it in space.
// Whether the grid is in file order or RAS-canonical order is a property of
// where the value came from; masks and clicks must only be combined with a
// tensor of the same epoch.
type VolumeTensor struct {
	Volume Volume
	Affine Affine
}
