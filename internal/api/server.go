package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/dharsanguruparan/deaddrop/internal/apperr"
	"github.com/dharsanguruparan/deaddrop/internal/config"
	"github.com/dharsanguruparan/deaddrop/internal/drops"
	"github.com/dharsanguruparan/deaddrop/internal/objectstore"
)

const maxBodyBytes = 4 << 20

// Server exposes the drop operations over HTTP.
type Server struct {
	cfg     *config.Config
	svc     *drops.Service
	blobs   http.Handler
	log     logrus.FieldLogger
	server  *http.Server
	handler http.Handler
	once    sync.Once
}

// New constructs a Server. blobs serves the signed URLs of the in-memory
// object store and is nil when S3 is used.
func New(cfg *config.Config, svc *drops.Service, blobs http.Handler, log logrus.FieldLogger) *Server {
	return &Server{
		cfg:   cfg,
		svc:   svc,
		blobs: blobs,
		log:   log,
	}
}

// Handler returns the fully wrapped route table.
func (s *Server) Handler() http.Handler {
	s.once.Do(func() {
		mux := http.NewServeMux()
		mux.HandleFunc("/healthz", s.handleHealth)
		mux.HandleFunc("/drops", s.handleDrops)
		mux.HandleFunc("/drops/", s.handleDropRoute)
		mux.HandleFunc("/finalize", s.handleFinalizeBody)
		mux.HandleFunc("/codes/", s.handleCodeRoute)
		if s.blobs != nil {
			mux.Handle(objectstore.BlobPathPrefix, s.blobs)
		}
		s.handler = s.corsMiddleware(s.loggingMiddleware(mux))
	})
	return s.handler
}

// Run starts the HTTP server and blocks until the context is cancelled.
func (s *Server) Run(ctx context.Context) error {
	s.server = &http.Server{
		Addr:              s.cfg.Address,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.server.Shutdown(shutdownCtx)
	}()
	s.log.WithField("address", s.cfg.Address).Info("api listening")
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleDrops(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var req drops.CreateUploadIntentRequest
	if err := decodeJSON(w, r, &req, false); err != nil {
		s.respondError(w, r, err)
		return
	}
	resp, err := s.svc.CreateUploadIntent(r.Context(), req)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	s.respondJSON(w, http.StatusCreated, resp)
}

func (s *Server) handleDropRoute(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/drops/")
	parts := strings.Split(path, "/")
	if len(parts) == 0 || parts[0] == "" || len(parts) > 2 {
		http.NotFound(w, r)
		return
	}
	id := parts[0]
	if len(parts) == 1 {
		s.handleGetDrop(w, r, drops.GetDropRequest{DropID: id})
		return
	}
	switch parts[1] {
	case "finalize":
		s.handleFinalize(w, r, id)
	case "burn":
		s.handleBurn(w, r, id)
	case "attempts":
		s.handleAttempt(w, r, id)
	default:
		http.NotFound(w, r)
	}
}

func (s *Server) handleCodeRoute(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/codes/")
	parts := strings.Split(path, "/")
	if len(parts) == 0 || parts[0] == "" || len(parts) > 2 {
		http.NotFound(w, r)
		return
	}
	code := parts[0]
	if len(parts) == 2 {
		if parts[1] != "drop" {
			http.NotFound(w, r)
			return
		}
		s.handleGetDrop(w, r, drops.GetDropRequest{ShortCode: code})
		return
	}
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	res, err := s.svc.Resolve(r.Context(), code)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	s.respondJSON(w, http.StatusOK, res)
}

func (s *Server) handleGetDrop(w http.ResponseWriter, r *http.Request, req drops.GetDropRequest) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	resp, err := s.svc.GetDrop(r.Context(), req)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	s.respondJSON(w, http.StatusOK, resp)
}

func (s *Server) handleFinalizeBody(w http.ResponseWriter, r *http.Request) {
	s.handleFinalize(w, r, "")
}

func (s *Server) handleFinalize(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var req drops.FinalizeRequest
	if err := decodeJSON(w, r, &req, false); err != nil {
		s.respondError(w, r, err)
		return
	}
	if id != "" {
		if req.DropID != "" && req.DropID != id {
			s.respondError(w, r, apperr.Validation("drop_id in body does not match path"))
			return
		}
		req.DropID = id
	}
	resp, err := s.svc.FinalizeDrop(r.Context(), req)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	s.respondJSON(w, http.StatusOK, resp)
}

func (s *Server) handleBurn(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	resp, err := s.svc.Burn(r.Context(), id)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	s.respondJSON(w, http.StatusOK, resp)
}

func (s *Server) handleAttempt(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var req drops.AttemptRequest
	if err := decodeJSON(w, r, &req, true); err != nil {
		s.respondError(w, r, err)
		return
	}
	req.DropID = id
	if req.UserAgent == "" {
		req.UserAgent = r.UserAgent()
	}
	resp, err := s.svc.RecordPickupAttempt(r.Context(), req)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	s.respondJSON(w, http.StatusCreated, resp)
}

// decodeJSON reads the request body into dst. An empty body is accepted only
// when optional is set.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any, optional bool) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	err := json.NewDecoder(r.Body).Decode(dst)
	if errors.Is(err, io.EOF) {
		if optional {
			return nil
		}
		return apperr.Validation("request body required")
	}
	if err != nil {
		return apperr.Validation("invalid JSON body").WithCause(err)
	}
	return nil
}

func (s *Server) respondError(w http.ResponseWriter, r *http.Request, err error) {
	e, ok := apperr.As(err)
	if !ok {
		e = apperr.Storage("internal error").WithCause(err)
	}
	status := e.StatusCode()
	if status >= http.StatusInternalServerError {
		s.log.WithFields(logrus.Fields{
			"method": r.Method,
			"path":   r.URL.Path,
			"kind":   e.Kind,
		}).Error(e.Trace())
	}
	body := e.Details()
	body["error"] = e.Error()
	body["kind"] = e.Kind
	s.respondJSON(w, status, body)
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.log.WithError(err).Warn("encode response")
	}
}

func methodNotAllowed(w http.ResponseWriter) {
	http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	origin := s.cfg.CORSOrigin
	if origin == "" {
		origin = "*"
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", origin)
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,PUT,OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type,Authorization,X-Amz-Server-Side-Encryption")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.log.WithFields(logrus.Fields{
			"method":   r.Method,
			"path":     r.URL.Path,
			"status":   rec.status,
			"duration": time.Since(start).String(),
		}).Info("request")
	})
}
