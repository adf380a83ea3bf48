package models

import "errors"

// ClickSet holds the flat voxel indices of positive and negative prompts.
type ClickSet struct {
	Positive []int
	Negative []int
}

// InferenceRequest is one call of the interactive segmentation protocol.
// The server keeps nothing between calls; the client resends the volume and
// the logits token it received last time.
type InferenceRequest struct {
	// ModelName selects a model from the catalog
	ModelName string `json:"model_name"`

	// NiivueDims is the viewer grid (RAS-canonical) used to interpret click indices
	NiivueDims [3]int `json:"niivue_dims"`

	// PositiveClicks and NegativeClicks are flat indices into NiivueDims
	PositiveClicks []int `json:"positive_clicks"`
	NegativeClicks []int `json:"negative_clicks"`

	// Volume is a base64 NIfTI image, optionally gzip compressed
	Volume string `json:"volume,omitempty"`

	// PreviousLogits is the logits token returned by the previous call
	PreviousLogits string `json:"previous_logits,omitempty"`

	// SessionID lets a client omit Volume on follow-up calls when the
	// server runs with a session store
	SessionID string `json:"session_id,omitempty"`
}

// Clicks returns the request clicks as a ClickSet
func (r *InferenceRequest) Clicks() ClickSet {
	return ClickSet{Positive: r.PositiveClicks, Negative: r.NegativeClicks}
}

// Validate checks the fields that do not depend on server state.
func (r *InferenceRequest) Validate() error {
	if r.ModelName == "" {
		return Errorf(ValidationError, "model_name is required")
	}
	if !Shape(r.NiivueDims).Valid() {
		return Errorf(ValidationError, "niivue_dims must be three positive integers, got %v", r.NiivueDims)
	}
	if r.Volume == "" && r.SessionID == "" {
		return Errorf(ValidationError, "volume is required")
	}
	return nil
}

// InferenceResult is what one call produces.
type InferenceResult struct {
	// Mask is a base64 gzip NIfTI mask in the original file orientation and affine
	Mask string

	// Logits is the base64 float32 buffer to resend as PreviousLogits
	Logits string

	// LogitsShape is the grid the logits buffer decodes to
	LogitsShape [3]int

	// Voxels is the number of voxels set in the mask
	Voxels int

	// Prior says which prior reached the network: none, logits or prediction
	Prior string

	// Orientation is the axis code of the source volume, e.g. "LPS"
	Orientation string
}

// ErrorBody is the machine-readable failure description of a response.
type ErrorBody struct {
	Kind    Kind   `json:"kind"`
	Message string `json:"message"`
}

// InferenceResponse is the wire form of a call's outcome.
type InferenceResponse struct {
	Success     bool       `json:"success"`
	Mask        string     `json:"mask,omitempty"`
	Logits      string     `json:"logits,omitempty"`
	LogitsShape []int      `json:"logits_shape,omitempty"`
	Error       *ErrorBody `json:"error,omitempty"`
}

// NewSuccessResponse wraps a result for the wire
func NewSuccessResponse(res *InferenceResult) InferenceResponse {
	return InferenceResponse{
		Success:     true,
		Mask:        res.Mask,
		Logits:      res.Logits,
		LogitsShape: res.LogitsShape[:],
	}
}

// NewErrorResponse describes err for the wire
func NewErrorResponse(err error) InferenceResponse {
	msg := err.Error()
	var e *Error
	if errors.As(err, &e) {
		msg = e.Message
		if e.Err != nil {
			msg = msg + ": " + e.Err.Error()
		}
	}
	return InferenceResponse{
		Success: false,
		Error:   &ErrorBody{Kind: KindOf(err), Message: msg},
	}
}
