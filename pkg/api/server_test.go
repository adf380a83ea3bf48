package api

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"neuroseg/internal/models"
	"neuroseg/pkg/artifacts"
	"neuroseg/pkg/inference"
	"neuroseg/pkg/logging"
	"neuroseg/pkg/nifti"
	"neuroseg/pkg/segmentation"
	"neuroseg/pkg/tensor"
)

func newTestServer(t *testing.T, opts Options) (*Server, *artifacts.Local) {
	t.Helper()
	store := artifacts.NewLocal(t.TempDir())
	ctx := context.Background()
	require.NoError(t, store.Put(ctx, "models/grow/model.yaml", []byte("backend: seedgrow\nstride: 8\ndescription: reference\n")))
	require.NoError(t, store.Put(ctx, "models/broken/model.yaml", []byte("backend: panics\n")))

	registry := inference.NewDefaultRegistry()
	registry.Register("panics", func(ctx context.Context, d *inference.Descriptor, weights []byte, device string) (inference.Model, error) {
		return inference.ModelFunc(func(ctx context.Context, in *tensor.Tensor) (*tensor.Tensor, error) {
			panic("boom")
		}), nil
	})
	inv := inference.NewInvoker(inference.NewCatalog(store, "models", 16), registry, store, inference.Options{Logger: logging.Discard()})

	opts.Logger = logging.Discard()
	if opts.ReadOnlyPrefixes == nil {
		opts.ReadOnlyPrefixes = []string{"models"}
	}
	return NewServer(segmentation.New(inv), store, opts), store
}

func volumeToken(t *testing.T, shape models.Shape) string {
	t.Helper()
	v := models.NewVolume(shape)
	for i := range v.Data {
		v.Data[i] = float32(i)
	}
	raw, err := nifti.EncodeVolume(v, models.IdentityAffine())
	require.NoError(t, err)
	gz, err := nifti.Compress(raw)
	require.NoError(t, err)
	return base64.StdEncoding.EncodeToString(gz)
}

func postInference(t *testing.T, s *Server, body any) (*httptest.ResponseRecorder, models.InferenceResponse) {
	t.Helper()
	payload, err := json.Marshal(body)
	require.NoError(t, err)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/scribbleprompt3d_inference", bytes.NewReader(payload)))

	var resp models.InferenceResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp), rec.Body.String())
	return rec, resp
}

func TestHealth(t *testing.T) {
	s, _ := newTestServer(t, Options{})
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
	assert.NotEmpty(t, rec.Header().Get(RequestIDHeader))
}

func TestRequestIDPropagation(t *testing.T) {
	s, _ := newTestServer(t, Options{})

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set(RequestIDHeader, "6f1c2b8e-55a4-4a57-9a4e-0d7f4b2f2c11")
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	assert.Equal(t, "6f1c2b8e-55a4-4a57-9a4e-0d7f4b2f2c11", rec.Header().Get(RequestIDHeader))

	req = httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set(RequestIDHeader, "not a uuid\n")
	rec = httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	assert.NotEqual(t, "not a uuid\n", rec.Header().Get(RequestIDHeader))
}

func TestAvailableModels(t *testing.T) {
	s, _ := newTestServer(t, Options{})
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/available_seg_models", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var entries []inference.Entry
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &entries))
	require.Len(t, entries, 2)
	assert.Equal(t, "broken", entries[0].Name)
	assert.Equal(t, "grow", entries[1].Name)
	assert.Equal(t, "models/grow", entries[1].Path)
}

func TestInference(t *testing.T) {
	s, _ := newTestServer(t, Options{})
	shape := models.Shape{4, 4, 4}

	rec, resp := postInference(t, s, map[string]any{
		"model_name":      "grow",
		"niivue_dims":     shape,
		"positive_clicks": []int{0},
		"negative_clicks": []int{63},
		"volume":          volumeToken(t, shape),
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.True(t, resp.Success)
	assert.NotEmpty(t, resp.Mask)
	assert.NotEmpty(t, resp.Logits)
	assert.Equal(t, []int{4, 4, 4}, resp.LogitsShape)
	assert.Nil(t, resp.Error)

	// the logits can be sent back as the prior
	rec, resp = postInference(t, s, map[string]any{
		"model_name":      "grow",
		"niivue_dims":     shape,
		"positive_clicks": []int{0, 1},
		"volume":          volumeToken(t, shape),
		"previous_logits": resp.Logits,
	})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, resp.Success)
}

func TestInferenceErrors(t *testing.T) {
	s, _ := newTestServer(t, Options{})
	shape := models.Shape{4, 4, 4}
	flat, err := nifti.EncodeVolume(models.NewVolume(shape), models.IdentityAffine())
	require.NoError(t, err)

	tests := []struct {
		name   string
		body   map[string]any
		status int
		kind   models.Kind
	}{
		{"missing volume", map[string]any{"model_name": "grow", "niivue_dims": shape}, http.StatusBadRequest, models.ValidationError},
		{"unknown model", map[string]any{"model_name": "nope", "niivue_dims": shape, "volume": volumeToken(t, shape)}, http.StatusNotFound, models.ModelNotFoundError},
		{"corrupt volume", map[string]any{"model_name": "grow", "niivue_dims": shape, "volume": "%%%"}, http.StatusBadRequest, models.DecodeError},
		{"flat volume", map[string]any{"model_name": "grow", "niivue_dims": shape, "volume": base64.StdEncoding.EncodeToString(flat)}, http.StatusUnprocessableEntity, models.DegenerateVolumeError},
		{"model panics", map[string]any{"model_name": "broken", "niivue_dims": shape, "volume": volumeToken(t, shape)}, http.StatusBadGateway, models.InferenceError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, resp := postInference(t, s, tt.body)
			assert.Equal(t, tt.status, rec.Code)
			assert.False(t, resp.Success)
			require.NotNil(t, resp.Error)
			assert.Equal(t, tt.kind, resp.Error.Kind)
			assert.NotEmpty(t, resp.Error.Message)
			assert.Empty(t, resp.Mask)
		})
	}
}

func TestInferenceBadJSON(t *testing.T) {
	s, _ := newTestServer(t, Options{})
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/scribbleprompt3d_inference", strings.NewReader("{")))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), string(models.ValidationError))
}

func TestInferenceBodyLimit(t *testing.T) {
	s, _ := newTestServer(t, Options{MaxBodyBytes: 64})
	body := `{"model_name":"grow","volume":"` + strings.Repeat("A", 200) + `"}`
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/scribbleprompt3d_inference", strings.NewReader(body)))
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}

func TestDataEndpoints(t *testing.T) {
	s, store := newTestServer(t, Options{})

	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, httptest.NewRequest(http.MethodPut, "/data/scenes/brain.json", strings.NewReader(`{"layers":[]}`)))
	require.Equal(t, http.StatusNoContent, rec.Code)

	stored, err := store.Get(context.Background(), "scenes/brain.json")
	require.NoError(t, err)
	assert.Equal(t, `{"layers":[]}`, string(stored))

	rec = httptest.NewRecorder()
	s.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/data/scenes/brain.json", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.Equal(t, `{"layers":[]}`, rec.Body.String())

	rec = httptest.NewRecorder()
	s.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/data/scenes/missing.json", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = httptest.NewRecorder()
	s.ServeHTTP(rec, httptest.NewRequest(http.MethodPut, "/data/models/grow/model.yaml", strings.NewReader("backend: other\n")))
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = httptest.NewRecorder()
	s.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, `/data/a%5C..%5Cb`, nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCORS(t *testing.T) {
	s, _ := newTestServer(t, Options{CORSOrigins: []string{"http://viewer.local"}})

	req := httptest.NewRequest(http.MethodOptions, "/scribbleprompt3d_inference", nil)
	req.Header.Set("Origin", "http://viewer.local")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	assert.Equal(t, "http://viewer.local", rec.Header().Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("Origin", "http://elsewhere.local")
	rec = httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestStatusOf(t *testing.T) {
	assert.Equal(t, http.StatusInternalServerError, StatusOf(assert.AnError))
	assert.Equal(t, http.StatusBadGateway, StatusOf(models.Errorf(models.InferenceError, "x")))
	assert.Equal(t, http.StatusUnprocessableEntity, StatusOf(models.Errorf(models.MalformedAffineError, "x")))
}

func TestReadOnlyPrefixes(t *testing.T) {
	tests := []struct {
		prefix string
		key    string
		want   int
	}{
		{"models", "models/grow/model.yaml", http.StatusForbidden},
		{"./models", "models/grow/model.yaml", http.StatusForbidden},
		{"models/", "models/grow/model.yaml", http.StatusForbidden},
		{"models//", "models/grow/model.yaml", http.StatusForbidden},
		{"./models", "models", http.StatusForbidden},
		{"./models", "models-extra/notes.txt", http.StatusNoContent},
		{"", "grow/model.yaml", http.StatusForbidden},
		{".", "scenes/brain.json", http.StatusForbidden},
		{"../models", "scenes/brain.json", http.StatusForbidden},
	}
	for _, tt := range tests {
		s, _ := newTestServer(t, Options{ReadOnlyPrefixes: []string{tt.prefix}})
		rec := httptest.NewRecorder()
		s.ServeHTTP(rec, httptest.NewRequest(http.MethodPut, "/data/"+tt.key, strings.NewReader("backend: other\n")))
		assert.Equal(t, tt.want, rec.Code, "prefix %q key %q", tt.prefix, tt.key)
	}
}
