// Package api exposes the segmentation pipeline and the data directory over
// HTTP for the browser viewer.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/rs/cors"

	"neuroseg/internal/models"
	"neuroseg/pkg/artifacts"
	"neuroseg/pkg/logging"
	"neuroseg/pkg/segmentation"
)

// Options configures a Server
type Options struct {
	// CORSOrigins lists allowed browser origins; empty or "*" allows any
	CORSOrigins []string

	// RequestTimeout bounds each request; zero disables the bound
	RequestTimeout time.Duration

	// MaxBodyBytes limits request bodies
	MaxBodyBytes int64

	// ReadOnlyPrefixes are data keys that PUT may not write, such as the
	// models directory
	ReadOnlyPrefixes []string

	// Logger receives access and error logs; nil uses slog.Default()
	Logger *slog.Logger
}

// Server is the HTTP adapter.
type Server struct {
	seg     *segmentation.Segmenter
	data    artifacts.Store
	opts    Options
	logger  *slog.Logger
	mux     *http.ServeMux
	handler http.Handler
}

// NewServer creates a server over a segmenter and the data store
func NewServer(seg *segmentation.Segmenter, data artifacts.Store, opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = 512 << 20
	}
	opts.ReadOnlyPrefixes = cleanPrefixes(opts.ReadOnlyPrefixes)
	s := &Server{
		seg:    seg,
		data:   data,
		opts:   opts,
		logger: opts.Logger,
		mux:    http.NewServeMux(),
	}
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("GET /available_seg_models", s.handleModels)
	s.mux.HandleFunc("POST /scribbleprompt3d_inference", s.handleInference)
	s.mux.HandleFunc("GET /data/{path...}", s.handleGetData)
	s.mux.HandleFunc("PUT /data/{path...}", s.handlePutData)

	origins := opts.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	c := cors.New(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut},
		AllowedHeaders: []string{"Content-Type", RequestIDHeader},
		ExposedHeaders: []string{RequestIDHeader},
		MaxAge:         600,
	})
	s.handler = c.Handler(s.withRequestContext(s.mux))
	return s
}

// ServeHTTP implements http.Handler
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

// ListenAndServe serves on addr until ctx is cancelled, then drains open
// requests for up to the request timeout.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	grace := s.opts.RequestTimeout
	if grace <= 0 {
		grace = 30 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()
	s.logger.Info("shutting down")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// StatusOf maps an error kind to an HTTP status
func StatusOf(err error) int {
	switch models.KindOf(err) {
	case models.ValidationError, models.DecodeError:
		return http.StatusBadRequest
	case models.ModelNotFoundError:
		return http.StatusNotFound
	case models.MalformedAffineError, models.DegenerateVolumeError:
		return http.StatusUnprocessableEntity
	case models.InferenceError:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := StatusOf(err)
	log := logging.FromContext(r.Context())
	if status >= 500 {
		log.Error("request failed", "kind", models.KindOf(err), "error", err)
	} else {
		log.Info("request rejected", "kind", models.KindOf(err), "error", err)
	}
	writeJSON(w, status, models.NewErrorResponse(err))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	entries, err := s.seg.Models(r.Context())
	if err != nil {
		s.writeError(w, r, models.NewError(models.InternalError, "listing models", err))
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) handleInference(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.opts.MaxBodyBytes)

	var req models.InferenceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSON(w, http.StatusRequestEntityTooLarge, models.NewErrorResponse(
				models.Errorf(models.ValidationError, "request body exceeds %d bytes", tooLarge.Limit)))
			return
		}
		s.writeError(w, r, models.NewError(models.ValidationError, "request body is not valid JSON", err))
		return
	}

	res, err := s.seg.Segment(r.Context(), &req)
	if err != nil {
		if ctxErr := r.Context().Err(); ctxErr != nil && models.KindOf(err) == models.InternalError {
			err = models.NewError(models.InferenceError, "request timed out", ctxErr)
		}
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, models.NewSuccessResponse(res))
}

func (s *Server) dataKey(w http.ResponseWriter, r *http.Request) (string, bool) {
	key, err := artifacts.CleanKey(r.PathValue("path"))
	if err != nil {
		http.Error(w, `{"error":"invalid path"}`, http.StatusBadRequest)
		return "", false
	}
	return key, true
}

func (s *Server) handleGetData(w http.ResponseWriter, r *http.Request) {
	key, ok := s.dataKey(w, r)
	if !ok {
		return
	}
	data, err := s.data.Get(r.Context(), key)
	if errors.Is(err, artifacts.ErrNotFound) {
		http.Error(w, `{"error":"not found"}`, http.StatusNotFound)
		return
	}
	if err != nil {
		logging.FromContext(r.Context()).Error("reading data failed", "key", key, "error", err)
		http.Error(w, `{"error":"internal server error"}`, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", contentType(key))
	w.Write(data)
}

// cleanPrefixes normalises prefixes the way request keys are normalised.
// A prefix naming the data root itself, or one that is not a valid key,
// becomes "" and protects every key.
func cleanPrefixes(prefixes []string) []string {
	out := make([]string, 0, len(prefixes))
	for _, p := range prefixes {
		p = strings.TrimSpace(p)
		if p == "" || p == "." || p == "./" {
			out = append(out, "")
			continue
		}
		cleaned, err := artifacts.CleanKey(p)
		if err != nil {
			out = append(out, "")
			continue
		}
		out = append(out, cleaned)
	}
	return out
}

func (s *Server) readOnly(key string) bool {
	for _, p := range s.opts.ReadOnlyPrefixes {
		if p == "" || key == p || strings.HasPrefix(key, p+"/") {
			return true
		}
	}
	return false
}

func (s *Server) handlePutData(w http.ResponseWriter, r *http.Request) {
	key, ok := s.dataKey(w, r)
	if !ok {
		return
	}
	if s.readOnly(key) {
		http.Error(w, `{"error":"path is read-only"}`, http.StatusForbidden)
		return
	}

	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.opts.MaxBodyBytes))
	if err != nil {
		http.Error(w, `{"error":"request body too large"}`, http.StatusRequestEntityTooLarge)
		return
	}
	if err := s.data.Put(r.Context(), key, data); err != nil {
		logging.FromContext(r.Context()).Error("writing data failed", "key", key, "error", err)
		http.Error(w, `{"error":"internal server error"}`, http.StatusInternalServerError)
		return
	}
	logging.FromContext(r.Context()).Info("data written", "key", key, "bytes", len(data))
	w.WriteHeader(http.StatusNoContent)
}

func contentType(key string) string {
	switch {
	case strings.HasSuffix(key, ".json"):
		return "application/json"
	case strings.HasSuffix(key, ".gz"):
		return "application/gzip"
	default:
		return "application/octet-stream"
	}
}
