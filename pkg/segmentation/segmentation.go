// Package segmentation runs one interactive segmentation call end to end:
// decode the volume, move it to the RAS-canonical grid, build the network
// input from clicks and the previous logits, run the model, and map the
// result back to the file grid.
package segmentation

import (
	"context"
	"log/slog"
	"time"

	"neuroseg/internal/models"
	"neuroseg/pkg/clicks"
	"neuroseg/pkg/encoding"
	"neuroseg/pkg/inference"
	"neuroseg/pkg/logging"
	"neuroseg/pkg/orientation"
	"neuroseg/pkg/padding"
	"neuroseg/pkg/prompt"
	"neuroseg/pkg/session"
	"neuroseg/pkg/tensor"
)

// Segmenter is safe for concurrent use; each call shares nothing with
// another except the invoker's model cache and the optional session store.
type Segmenter struct {
	invoker  *inference.Invoker
	sessions *session.Store
}

// Option configures a Segmenter
type Option func(*Segmenter)

// WithSessions lets callers omit the volume on calls that continue a session
func WithSessions(s *session.Store) Option {
	return func(seg *Segmenter) {
		seg.sessions = s
	}
}

// New creates a segmenter running models through inv
func New(inv *inference.Invoker, opts ...Option) *Segmenter {
	seg := &Segmenter{invoker: inv}
	for _, opt := range opts {
		opt(seg)
	}
	return seg
}

// Models lists the models the segmenter can run
func (s *Segmenter) Models(ctx context.Context) ([]inference.Entry, error) {
	return s.invoker.Catalog().List(ctx)
}

// Segment handles one call.
//
// Click indices and the previous logits are read on the RAS-canonical grid,
// which must equal req.NiivueDims. The returned mask is on the file grid
// with the original affine; the returned logits stay canonical so they can
// be sent back unchanged as PreviousLogits.
//
// Errors carry a models.Kind. A previous logits token that does not decode
// is ignored rather than reported.
func (s *Segmenter) Segment(ctx context.Context, req *models.InferenceRequest) (*models.InferenceResult, error) {
	start := time.Now()
	if err := req.Validate(); err != nil {
		return nil, err
	}
	log := logging.FromContext(ctx).With("model", req.ModelName)
	if req.SessionID != "" {
		log = log.With("session_id", req.SessionID)
	}

	token, err := s.volumeToken(req)
	if err != nil {
		return nil, err
	}
	source, err := encoding.DecodeVolume(token)
	if err != nil {
		return nil, err
	}

	canonical, orient, err := orientation.ToCanonical(source)
	if err != nil {
		return nil, err
	}
	shape := canonical.Volume.Shape
	if models.Shape(req.NiivueDims) != shape {
		return nil, models.Errorf(models.ValidationError,
			"niivue_dims %v do not match the canonical volume grid %v", req.NiivueDims, shape)
	}

	pos, neg := clicks.Decode(req.Clicks(), shape)

	var prior *models.Volume
	if req.PreviousLogits != "" {
		if v, ok := prompt.DecodeLogits(req.PreviousLogits, shape); ok {
			prior = &v
		} else {
			log.Warn("ignoring previous logits that do not decode on the volume grid", "grid", shape.String())
		}
	}

	loaded, err := s.invoker.Load(ctx, req.ModelName)
	if err != nil {
		return nil, err
	}
	d := loaded.Descriptor
	builder, err := tensor.NewBuilder(d.Layout(), d.Prior(), d.Stride)
	if err != nil {
		return nil, models.NewError(models.ModelNotFoundError, "model "+d.Name+" is misconfigured", err)
	}
	in, err := builder.Build(tensor.Inputs{
		Image:          canonical.Volume,
		Positive:       pos,
		Negative:       neg,
		PreviousLogits: prior,
	})
	if err != nil {
		return nil, err
	}

	out, err := s.invoker.Run(ctx, loaded, in)
	if err != nil {
		return nil, err
	}
	logits := padding.CropToShape(out.Channel(0), shape)

	canonicalMask := prompt.Binarize(logits)
	fileMask, err := orientation.FromCanonical(canonicalMask, orient)
	if err != nil {
		return nil, models.NewError(models.InternalError, "mapping mask to file order", err)
	}
	maskToken, err := encoding.EncodeMask(fileMask, source.Affine)
	if err != nil {
		return nil, err
	}
	logitsToken, logitsShape := encoding.EncodeRawLogits(logits)

	res := &models.InferenceResult{
		Mask:        maskToken,
		Logits:      logitsToken,
		LogitsShape: logitsShape,
		Voxels:      fileMask.Count(),
		Prior:       builder.PriorSource(prior),
		Orientation: orient.Code(),
	}
	log.Info("segmentation complete",
		"orientation", res.Orientation,
		"grid", shape.String(),
		"padded", in.Spatial().String(),
		"positive", pos.Count(),
		"negative", neg.Count(),
		"prior", res.Prior,
		"voxels", res.Voxels,
		"duration", time.Since(start))
	s.remember(req, log)
	return res, nil
}

// remember keeps the volume of a successful call for the session, so a
// failed call leaves the store untouched.
func (s *Segmenter) remember(req *models.InferenceRequest, log *slog.Logger) {
	if s.sessions == nil || req.SessionID == "" || req.Volume == "" {
		return
	}
	if err := s.sessions.Put(req.SessionID, req.Volume); err != nil {
		log.Warn("volume not kept for session", "error", err)
		return
	}
	entries, evictions, hitRate := s.sessions.Stats()
	log.Debug("session stored", "entries", entries, "evictions", evictions, "hit_rate", hitRate)
}

// volumeToken returns the request volume, or recalls the session's volume
// when the request carries none.
func (s *Segmenter) volumeToken(req *models.InferenceRequest) (string, error) {
	if req.Volume != "" {
		return req.Volume, nil
	}

	if s.sessions == nil {
		return "", models.Errorf(models.ValidationError, "volume is required: this server does not keep sessions")
	}
	if !session.ValidID(req.SessionID) {
		return "", models.Errorf(models.ValidationError, "volume is required: invalid session_id")
	}
	token, ok := s.sessions.Get(req.SessionID)
	if !ok {
		return "", models.Errorf(models.ValidationError, "volume is required: session %q is unknown or expired", req.SessionID)
	}
	return token, nil
}
