// Package nifti reads and writes single-file NIfTI-1 images (.nii, .nii.gz).
package nifti

import "math"

// HeaderSize is the size of a NIfTI-1 header in bytes
const HeaderSize = 348

// VoxOffset is where voxel data starts in a single-file image
// (header plus the 4-byte extension flag)
const VoxOffset = 352

// Datatype codes
const (
	DTUint8   int16 = 2
	DTInt16   int16 = 4
	DTInt32   int16 = 8
	DTFloat32 int16 = 16
	DTFloat64 int16 = 64
	DTInt8    int16 = 256
	DTUint16  int16 = 512
	DTUint32  int16 = 768
)

// Transform codes for qform_code and sform_code
const (
	XformUnknown int16 = 0
	XformScanner int16 = 1
	XformAligned int16 = 2
)

// Header mirrors the on-disk NIfTI-1 header field for field, so it can be
// read and written with encoding/binary.
type Header struct {
	SizeofHdr     int32
	DataType      [10]byte
	DbName        [18]byte
	Extents       int32
	SessionError  int16
	Regular       byte
	DimInfo       byte
	Dim           [8]int16
	IntentP1      float32
	IntentP2      float32
	IntentP3      float32
	IntentCode    int16
	Datatype      int16
	Bitpix        int16
	SliceStart    int16
	Pixdim        [8]float32
	VoxOffset     float32
	SclSlope      float32
	SclInter      float32
	SliceEnd      int16
	SliceCode     byte
	XyztUnits     byte
	CalMax        float32
	CalMin        float32
	SliceDuration float32
	Toffset       float32
	Glmax         int32
	Glmin         int32
	Descrip       [80]byte
	AuxFile       [24]byte
	QformCode     int16
	SformCode     int16
	QuaternB      float32
	QuaternC      float32
	QuaternD      float32
	QoffsetX      float32
	QoffsetY      float32
	QoffsetZ      float32
	SrowX         [4]float32
	SrowY         [4]float32
	SrowZ         [4]float32
	IntentName    [16]byte
	Magic         [4]byte
}

// bytesPerVoxel returns the size of one voxel for a datatype, or 0 if unsupported
func bytesPerVoxel(dt int16) int {
	switch dt {
	case DTUint8, DTInt8:
		return 1
	case DTInt16, DTUint16:
		return 2
	case DTInt32, DTUint32, DTFloat32:
		return 4
	case DTFloat64:
		return 8
	}
	return 0
}

// Affine returns the voxel to world transform the header describes:
// the sform when set, otherwise the qform, otherwise a scaling by pixdim.
func (h *Header) Affine() [4][4]float64 {
	switch {
	case h.SformCode > 0:
		return [4][4]float64{
			{float64(h.SrowX[0]), float64(h.SrowX[1]), float64(h.SrowX[2]), float64(h.SrowX[3])},
			{float64(h.SrowY[0]), float64(h.SrowY[1]), float64(h.SrowY[2]), float64(h.SrowY[3])},
			{float64(h.SrowZ[0]), float64(h.SrowZ[1]), float64(h.SrowZ[2]), float64(h.SrowZ[3])},
			{0, 0, 0, 1},
		}
	case h.QformCode > 0:
		return h.qformAffine()
	default:
		return [4][4]float64{
			{pixdimOrOne(h.Pixdim[1]), 0, 0, 0},
			{0, pixdimOrOne(h.Pixdim[2]), 0, 0},
			{0, 0, pixdimOrOne(h.Pixdim[3]), 0},
			{0, 0, 0, 1},
		}
	}
}

func pixdimOrOne(p float32) float64 {
	if p <= 0 || math.IsNaN(float64(p)) {
		return 1
	}
	return float64(p)
}

func (h *Header) qformAffine() [4][4]float64 {
	b, c, d := float64(h.QuaternB), float64(h.QuaternC), float64(h.QuaternD)
	a2 := 1 - (b*b + c*c + d*d)
	var a float64
	if a2 < 1e-7 {
		// 180 degree rotation; renormalise b, c, d
		n := 1 / math.Sqrt(b*b+c*c+d*d)
		b, c, d = b*n, c*n, d*n
	} else {
		a = math.Sqrt(a2)
	}

	dx, dy, dz := pixdimOrOne(h.Pixdim[1]), pixdimOrOne(h.Pixdim[2]), pixdimOrOne(h.Pixdim[3])
	if h.Pixdim[0] < 0 {
		dz = -dz
	}

	r := [3][3]float64{
		{a*a + b*b - c*c - d*d, 2 * (b*c - a*d), 2 * (b*d + a*c)},
		{2 * (b*c + a*d), a*a + c*c - b*b - d*d, 2 * (c*d - a*b)},
		{2 * (b*d - a*c), 2 * (c*d + a*b), a*a + d*d - c*c - b*b},
	}
	return [4][4]float64{
		{r[0][0] * dx, r[0][1] * dy, r[0][2] * dz, float64(h.QoffsetX)},
		{r[1][0] * dx, r[1][1] * dy, r[1][2] * dz, float64(h.QoffsetY)},
		{r[2][0] * dx, r[2][1] * dy, r[2][2] * dz, float64(h.QoffsetZ)},
		{0, 0, 0, 1},
	}
}

// setAffine stores an affine as the header's sform and derives pixdim from it
func (h *Header) setAffine(a [4][4]float64) {
	for c := 0; c < 4; c++ {
		h.SrowX[c] = float32(a[0][c])
		h.SrowY[c] = float32(a[1][c])
		h.SrowZ[c] = float32(a[2][c])
	}
	h.SformCode = XformScanner
	h.QformCode = XformUnknown
	h.Pixdim[0] = 1
	for i := 0; i < 3; i++ {
		h.Pixdim[i+1] = float32(math.Sqrt(a[0][i]*a[0][i] + a[1][i]*a[1][i] + a[2][i]*a[2][i]))
	}
}
