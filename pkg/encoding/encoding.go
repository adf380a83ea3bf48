// Package encoding turns pipeline outputs into transport tokens and decodes
// the volume a client sends.
package encoding

import (
	"encoding/base64"
	"strings"

	"neuroseg/internal/models"
	"neuroseg/pkg/nifti"
	"neuroseg/pkg/prompt"
)

// EncodeMask wraps a binary mask as a gzip NIfTI image carrying the given
// affine and returns it base64 encoded.
func EncodeMask(m models.Mask, affine models.Affine) (string, error) {
	raw, err := nifti.EncodeMask(m, affine)
	if err != nil {
		return "", models.NewError(models.InternalError, "encoding mask", err)
	}
	gz, err := nifti.Compress(raw)
	if err != nil {
		return "", models.NewError(models.InternalError, "compressing mask", err)
	}
	return base64.StdEncoding.EncodeToString(gz), nil
}

// EncodeRawLogits serialises logits for the next call. The returned shape is
// exactly what prompt.DecodeLogits expects for the token.
func EncodeRawLogits(logits models.Volume) (string, [3]int) {
	return prompt.EncodeLogits(logits), logits.Shape
}

// DecodeVolume parses a base64 NIfTI image (optionally gzip compressed).
// Any corruption is reported as a DecodeError.
func DecodeVolume(token string) (models.VolumeTensor, error) {
	data, err := decodeBase64(token)
	if err != nil {
		return models.VolumeTensor{}, models.NewError(models.DecodeError, "volume is not valid base64", err)
	}
	vt, _, err := nifti.Decode(data)
	if err != nil {
		return models.VolumeTensor{}, models.NewError(models.DecodeError, "volume is not a valid NIfTI image", err)
	}
	return vt, nil
}

// decodeBase64 accepts standard base64 with or without padding, and tolerates
// a data URL prefix as produced by browser FileReader.readAsDataURL.
func decodeBase64(token string) ([]byte, error) {
	if strings.HasPrefix(token, "data:") {
		if i := strings.IndexByte(token, ','); i >= 0 {
			token = token[i+1:]
		}
	}
	token = strings.TrimSpace(token)
	if strings.HasSuffix(token, "=") || len(token)%4 == 0 {
		return base64.StdEncoding.DecodeString(token)
	}
	return base64.RawStdEncoding.DecodeString(token)
}
