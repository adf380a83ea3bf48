// Package prompt carries the previous call's logits between requests as an
// opaque token, so a client can continue refining a segmentation without the
// server holding any state.
package prompt

import (
	"encoding/base64"
	"encoding/binary"
	"math"

	"neuroseg/internal/models"
)

// EncodeLogits serialises a float volume as little-endian float32 bytes in
// standard base64.
func EncodeLogits(v models.Volume) string {
	buf := make([]byte, 4*len(v.Data))
	for i, f := range v.Data {
		binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(f))
	}
	return base64.StdEncoding.EncodeToString(buf)
}

// DecodeLogits parses a token produced by EncodeLogits.
//
// Decoding fails soft: the second return value is false when the token is
// empty, is not valid base64, holds a byte count other than 4*shape.Len(), or
// contains non-finite values. Callers treat that as "no prior available".
func DecodeLogits(token string, shape models.Shape) (models.Volume, bool) {
	if token == "" || !shape.Valid() {
		return models.Volume{}, false
	}
	buf, err := base64.StdEncoding.DecodeString(token)
	if err != nil {
		return models.Volume{}, false
	}
	if len(buf) != 4*shape.Len() {
		return models.Volume{}, false
	}

	v := models.NewVolume(shape)
	for i := range v.Data {
		f := math.Float32frombits(binary.LittleEndian.Uint32(buf[4*i:]))
		if math.IsNaN(float64(f)) || math.IsInf(float64(f), 0) {
			return models.Volume{}, false
		}
		v.Data[i] = f
	}
	return v, true
}

// Sigmoid squashes a logit into (0, 1)
func Sigmoid(x float32) float32 {
	return float32(1 / (1 + math.Exp(-float64(x))))
}

// DerivePriorMask thresholds sigmoid(logits) at 0.5, yielding a 0/1 volume
func DerivePriorMask(logits models.Volume) models.Volume {
	return Binarize(logits).Float()
}

// Binarize thresholds sigmoid(logits) at 0.5 into a mask
func Binarize(logits models.Volume) models.Mask {
	out := models.NewMask(logits.Shape)
	for i, x := range logits.Data {
		if Sigmoid(x) > 0.5 {
			out.Data[i] = 1
		}
	}
	return out
}
