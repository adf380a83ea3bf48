package encoding

import (
	"encoding/base64"
	"errors"
	"testing"

	"neuroseg/internal/models"
	"neuroseg/pkg/nifti"
	"neuroseg/pkg/prompt"
)

func testAffine() models.Affine {
	return models.Affine{
		{0, 0, -1, 80},
		{-1, 0, 0, 100},
		{0, 1, 0, -90},
		{0, 0, 0, 1},
	}
}

// TestEncodeMaskRoundTrip verifies the mask token decodes to the same voxels and affine
func TestEncodeMaskRoundTrip(t *testing.T) {
	m := models.NewMask(models.Shape{3, 2, 2})
	m.Data[0], m.Data[5], m.Data[11] = 1, 1, 1

	token, err := EncodeMask(m, testAffine())
	if err != nil {
		t.Fatalf("EncodeMask failed: %v", err)
	}

	raw, err := base64.StdEncoding.DecodeString(token)
	if err != nil {
		t.Fatalf("Mask token is not base64: %v", err)
	}
	if !nifti.IsGzip(raw) {
		t.Error("Expected mask to be gzip compressed")
	}

	vt, err := DecodeVolume(token)
	if err != nil {
		t.Fatalf("DecodeVolume failed: %v", err)
	}
	if vt.Affine != testAffine() {
		t.Errorf("Affine %v, want %v", vt.Affine, testAffine())
	}
	for i := range m.Data {
		if vt.Volume.Data[i] != float32(m.Data[i]) {
			t.Errorf("Voxel %d = %f, want %d", i, vt.Volume.Data[i], m.Data[i])
		}
	}
}

// TestEncodeRawLogitsMatchesDecoder verifies the returned shape decodes the token
func TestEncodeRawLogitsMatchesDecoder(t *testing.T) {
	v := models.NewVolume(models.Shape{4, 3, 2})
	for i := range v.Data {
		v.Data[i] = float32(i) - 10
	}

	token, shape := EncodeRawLogits(v)
	got, ok := prompt.DecodeLogits(token, models.Shape(shape))
	if !ok {
		t.Fatal("Expected logits token to decode with the returned shape")
	}
	for i := range v.Data {
		if got.Data[i] != v.Data[i] {
			t.Fatalf("Mismatch at %d", i)
		}
	}
}

// TestDecodeVolumeErrors verifies corrupt payloads are DecodeErrors
func TestDecodeVolumeErrors(t *testing.T) {
	for name, token := range map[string]string{
		"not base64": "@@@",
		"not nifti":  base64.StdEncoding.EncodeToString([]byte("hello world")),
	} {
		if _, err := DecodeVolume(token); !errors.Is(err, models.ErrDecode) {
			t.Errorf("%s: expected DecodeError, got %v", name, err)
		}
	}
}

// TestDecodeVolumeDataURL verifies browser data URLs and unpadded base64 are accepted
func TestDecodeVolumeDataURL(t *testing.T) {
	raw, _ := nifti.EncodeVolume(models.NewVolume(models.Shape{1, 1, 3}), models.IdentityAffine())

	for name, token := range map[string]string{
		"data url": "data:application/octet-stream;base64," + base64.StdEncoding.EncodeToString(raw),
		"raw std":  base64.RawStdEncoding.EncodeToString(raw),
	} {
		if _, err := DecodeVolume(token); err != nil {
			t.Errorf("%s: DecodeVolume failed: %v", name, err)
		}
	}
}
