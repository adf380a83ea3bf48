package nifti

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"strings"

	"github.com/klauspost/compress/gzip"

	"neuroseg/internal/models"
)

var magicSingle = [4]byte{'n', '+', '1', 0}

// IsGzip reports whether data starts with the gzip magic number
func IsGzip(data []byte) bool {
	return len(data) >= 2 && data[0] == 0x1f && data[1] == 0x8b
}

// MaxVoxels bounds the grid of an image this package will decode
const MaxVoxels = 1 << 28

// layout is what the header says about where the first volume lives
type layout struct {
	hdr    *Header
	order  binary.ByteOrder
	shape  models.Shape
	offset int
	need   int
}

// parseHeader reads the header at the start of an uncompressed image.
func parseHeader(data []byte) (*layout, error) {
	if len(data) < HeaderSize {
		return nil, fmt.Errorf("%d bytes is too short for a NIfTI header", len(data))
	}

	var order binary.ByteOrder = binary.LittleEndian
	if int32(binary.LittleEndian.Uint32(data)) != HeaderSize {
		order = binary.BigEndian
		if int32(binary.BigEndian.Uint32(data)) != HeaderSize {
			return nil, fmt.Errorf("not a NIfTI-1 file (sizeof_hdr mismatch)")
		}
	}

	hdr := &Header{}
	if err := binary.Read(bytes.NewReader(data[:HeaderSize]), order, hdr); err != nil {
		return nil, fmt.Errorf("reading header: %w", err)
	}
	if hdr.Magic != magicSingle {
		return nil, fmt.Errorf("unsupported NIfTI magic %q", hdr.Magic[:3])
	}

	ndim := int(hdr.Dim[0])
	if ndim < 1 || ndim > 7 {
		return nil, fmt.Errorf("invalid dim[0] = %d", ndim)
	}
	shape := models.Shape{1, 1, 1}
	for i := 0; i < 3 && i < ndim; i++ {
		shape[i] = int(hdr.Dim[i+1])
	}
	if !shape.Valid() {
		return nil, fmt.Errorf("invalid dimensions %v", hdr.Dim)
	}
	if shape.Len() > MaxVoxels {
		return nil, fmt.Errorf("grid %v exceeds %d voxels", shape, MaxVoxels)
	}

	bpv := bytesPerVoxel(hdr.Datatype)
	if bpv == 0 {
		return nil, fmt.Errorf("unsupported datatype %d", hdr.Datatype)
	}
	offset := VoxOffset
	if v := hdr.VoxOffset; v >= HeaderSize && v < 1<<24 {
		offset = int(v)
	}
	return &layout{hdr: hdr, order: order, shape: shape, offset: offset, need: offset + shape.Len()*bpv}, nil
}

// Decompress gunzips an image, reading no further than the end of the
// first volume its header declares. Uncompressed data is returned as is.
func Decompress(data []byte) ([]byte, error) {
	if !IsGzip(data) {
		return data, nil
	}
	zr, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("gzip: %w", err)
	}
	defer zr.Close()

	head := make([]byte, HeaderSize)
	n, err := io.ReadFull(zr, head)
	if err != nil && err != io.ErrUnexpectedEOF {
		return nil, fmt.Errorf("gzip: %w", err)
	}
	l, err := parseHeader(head[:n])
	if err != nil {
		return nil, err
	}
	rest, err := io.ReadAll(io.LimitReader(zr, int64(l.need-HeaderSize)))
	if err != nil {
		return nil, fmt.Errorf("gzip: %w", err)
	}
	return append(head, rest...), nil
}

// Decode parses a NIfTI-1 single-file image, gunzipping it first when needed.
// Only the first 3D volume of a 4D series is returned. Intensity scaling
// (scl_slope, scl_inter) is applied to the voxel values.
func Decode(data []byte) (models.VolumeTensor, *Header, error) {
	data, err := Decompress(data)
	if err != nil {
		return models.VolumeTensor{}, nil, err
	}
	l, err := parseHeader(data)
	if err != nil {
		return models.VolumeTensor{}, nil, err
	}
	if len(data) < l.need {
		return models.VolumeTensor{}, nil, fmt.Errorf("image truncated: have %d bytes, need %d", len(data), l.need)
	}

	vol := models.NewVolume(l.shape)
	if err := decodeVoxels(data[l.offset:l.need], l.hdr.Datatype, l.order, vol.Data); err != nil {
		return models.VolumeTensor{}, nil, err
	}

	slope, inter := float64(l.hdr.SclSlope), float64(l.hdr.SclInter)
	if slope != 0 && !math.IsNaN(slope) && (slope != 1 || inter != 0) {
		for i, v := range vol.Data {
			vol.Data[i] = float32(float64(v)*slope + inter)
		}
	}

	return models.VolumeTensor{Volume: vol, Affine: l.hdr.Affine()}, l.hdr, nil
}

func decodeVoxels(raw []byte, dt int16, order binary.ByteOrder, out []float32) error {
	for i := range out {
		switch dt {
		case DTUint8:
			out[i] = float32(raw[i])
		case DTInt8:
			out[i] = float32(int8(raw[i]))
		case DTInt16:
			out[i] = float32(int16(order.Uint16(raw[2*i:])))
		case DTUint16:
			out[i] = float32(order.Uint16(raw[2*i:]))
		case DTInt32:
			out[i] = float32(int32(order.Uint32(raw[4*i:])))
		case DTUint32:
			out[i] = float32(order.Uint32(raw[4*i:]))
		case DTFloat32:
			out[i] = math.Float32frombits(order.Uint32(raw[4*i:]))
		case DTFloat64:
			out[i] = float32(math.Float64frombits(order.Uint64(raw[8*i:])))
		default:
			return fmt.Errorf("unsupported datatype %d", dt)
		}
	}
	return nil
}

func newHeader(shape models.Shape, affine models.Affine, dt int16) *Header {
	h := &Header{
		SizeofHdr: HeaderSize,
		Regular:   'r',
		Datatype:  dt,
		Bitpix:    int16(8 * bytesPerVoxel(dt)),
		VoxOffset: VoxOffset,
		SclSlope:  1,
		SclInter:  0,
		XyztUnits: 2, // mm
		Magic:     magicSingle,
	}
	h.Dim = [8]int16{3, int16(shape[0]), int16(shape[1]), int16(shape[2]), 1, 1, 1, 1}
	h.setAffine(affine)
	copy(h.Descrip[:], "neuroseg")
	return h
}

func encode(h *Header, payload []byte) ([]byte, error) {
	var buf bytes.Buffer
	buf.Grow(VoxOffset + len(payload))
	if err := binary.Write(&buf, binary.LittleEndian, h); err != nil {
		return nil, fmt.Errorf("writing header: %w", err)
	}
	// no extensions
	buf.Write([]byte{0, 0, 0, 0})
	buf.Write(payload)
	return buf.Bytes(), nil
}

// EncodeMask writes a uint8 image whose display range is [0, 1] and whose
// intensity scaling is the identity.
func EncodeMask(m models.Mask, affine models.Affine) ([]byte, error) {
	if len(m.Data) != m.Shape.Len() {
		return nil, fmt.Errorf("mask shape %v does not match its %d values", m.Shape, len(m.Data))
	}
	h := newHeader(m.Shape, affine, DTUint8)
	h.CalMin = 0
	h.CalMax = 1
	return encode(h, m.Data)
}

// EncodeVolume writes a float32 image
func EncodeVolume(v models.Volume, affine models.Affine) ([]byte, error) {
	if len(v.Data) != v.Shape.Len() {
		return nil, fmt.Errorf("volume shape %v does not match its %d values", v.Shape, len(v.Data))
	}
	h := newHeader(v.Shape, affine, DTFloat32)
	payload := make([]byte, 4*len(v.Data))
	for i, f := range v.Data {
		binary.LittleEndian.PutUint32(payload[4*i:], math.Float32bits(f))
	}
	return encode(h, payload)
}

// Compress gzips an encoded image
func Compress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw, err := gzip.NewWriterLevel(&buf, gzip.BestSpeed)
	if err != nil {
		return nil, err
	}
	if _, err := zw.Write(data); err != nil {
		zw.Close()
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// ReadFile loads a .nii or .nii.gz file
func ReadFile(path string) (models.VolumeTensor, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return models.VolumeTensor{}, err
	}
	vt, _, err := Decode(data)
	if err != nil {
		return models.VolumeTensor{}, fmt.Errorf("%s: %w", path, err)
	}
	return vt, nil
}

// WriteFile saves an encoded image, compressed when path ends in .gz and
// uncompressed otherwise.
func WriteFile(path string, encoded []byte) error {
	var err error
	switch gz := strings.HasSuffix(path, ".gz"); {
	case gz && !IsGzip(encoded):
		encoded, err = Compress(encoded)
	case !gz && IsGzip(encoded):
		encoded, err = Decompress(encoded)
	}
	if err != nil {
		return err
	}
	return os.WriteFile(path, encoded, 0644)
}
