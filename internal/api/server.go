// Package api serves the curator HTTP surface: health, metrics, upload
// notifications and remote stage triggers.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/dermavision/curator/internal/config"
	"github.com/dermavision/curator/internal/dataset"
	"github.com/dermavision/curator/internal/manifest"
	"github.com/dermavision/curator/internal/metrics"
	"github.com/dermavision/curator/internal/pipeline"
	"github.com/dermavision/curator/internal/validate"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// maxBodySize bounds request bodies.
const maxBodySize = 1 << 20

// ErrorResponse is the body of every error reply.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// NotifyRequest announces an upload. Every field is optional; the dataset
// defaults to the one named by Key, then to the configured one.
type NotifyRequest struct {
	Bucket  string `json:"bucket,omitempty"`
	Key     string `json:"key,omitempty"`
	Dataset string `json:"dataset,omitempty"`
}

// StatusResponse acknowledges a run or stage request.
type StatusResponse struct {
	Status  string `json:"status"`
	Dataset string `json:"dataset"`
	RunID   string `json:"run_id,omitempty"`
	Stage   string `json:"stage,omitempty"`
}

// Server handles the HTTP API.
type Server struct {
	cfg     *config.Config
	mux     *http.ServeMux
	orch    *pipeline.Orchestrator
	stages  *pipeline.LocalTrigger
	sched   *pipeline.Scheduler
	baseCtx context.Context
	version string
}

// NewServer builds the API. Runs and stages started through it live on
// ctx rather than on the request.
func NewServer(ctx context.Context, cfg *config.Config, orch *pipeline.Orchestrator, stages *pipeline.LocalTrigger, sched *pipeline.Scheduler) *Server {
	s := &Server{
		cfg:     cfg,
		mux:     http.NewServeMux(),
		orch:    orch,
		stages:  stages,
		sched:   sched,
		baseCtx: ctx,
	}
	if cfg.Server.AuthToken == "" {
		zerolog.Ctx(ctx).Warn().Msg("server.auth_token is empty, API authentication disabled")
	}
	s.setupRoutes()
	return s
}

// SetVersion sets the version reported by /health.
func (s *Server) SetVersion(version string) {
	s.version = version
}

func (s *Server) setupRoutes() {
	s.mux.HandleFunc("/health", s.handleHealth)
	s.mux.Handle("/metrics", metrics.Handler())
	s.mux.HandleFunc("/api/v1/notify", s.withAuth(s.handleNotify))
	s.mux.HandleFunc("/api/v1/stages/{stage}", s.withAuth(s.handleStage))
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// ListenAndServe serves on server.listen until ctx ends.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Server.Listen)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.cfg.Server.Listen, err)
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx ends, then drains requests, runs and
// background stages.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
	}
	zerolog.Ctx(ctx).Info().Str("listen", ln.Addr().String()).Msg("starting curator server")

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	err := srv.Shutdown(shutdownCtx)
	<-errCh
	s.sched.Wait()
	s.stages.Wait()
	return err
}

func (s *Server) withAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.Server.AuthToken == "" {
			next(w, r)
			return
		}

		auth := r.Header.Get("Authorization")
		if auth == "" {
			s.jsonError(w, "missing authorization header", http.StatusUnauthorized)
			return
		}

		// Expect "Bearer <token>"
		parts := strings.SplitN(auth, " ", 2)
		if len(parts) != 2 || parts[0] != "Bearer" {
			s.jsonError(w, "invalid authorization header", http.StatusUnauthorized)
			return
		}

		claims, err := VerifyToken(s.cfg.Server.AuthToken, parts[1])
		if err != nil {
			zerolog.Ctx(s.baseCtx).Debug().Err(err).Str("path", r.URL.Path).Msg("rejected bearer token")
			s.jsonError(w, "invalid token", http.StatusUnauthorized)
			return
		}
		zerolog.Ctx(s.baseCtx).Debug().Str("sub", claims.Subject).Str("path", r.URL.Path).Msg("authenticated request")

		next(w, r)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok", "version": s.version})
}

func (s *Server) handleNotify(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.jsonError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req NotifyRequest
	if err := decodeBody(r, &req); err != nil {
		s.jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Bucket != "" && req.Bucket != s.cfg.Bucket {
		s.jsonError(w, "unknown bucket: "+req.Bucket, http.StatusBadRequest)
		return
	}
	name := req.Dataset
	if name == "" {
		name = dataset.DatasetFromKey(req.Key, s.cfg.Dataset)
	}
	if err := dataset.ValidName(name); err != nil {
		s.jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}

	runID := uuid.NewString()
	started := s.sched.Go(name, runID, func() {
		s.orch.RunWithID(s.baseCtx, name, runID)
	})
	resp := StatusResponse{Status: "scheduled", Dataset: name, RunID: runID}
	if !started {
		resp = StatusResponse{Status: "in_flight", Dataset: name}
	}
	zerolog.Ctx(s.baseCtx).Info().
		Str("dataset", name).
		Str("key", req.Key).
		Str("status", resp.Status).
		Str("run_id", resp.RunID).
		Msg("upload notification")
	s.jsonReply(w, resp, http.StatusAccepted)
}

func (s *Server) handleStage(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.jsonError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	stage, err := pipeline.ParseStage(r.PathValue("stage"))
	if err != nil {
		s.jsonError(w, err.Error(), http.StatusNotFound)
		return
	}

	var req pipeline.StageRequest
	if err := decodeBody(r, &req); err != nil {
		s.jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	req.Stage = stage
	if req.Dataset == "" {
		req.Dataset = s.cfg.Dataset
	}
	if err := dataset.ValidName(req.Dataset); err != nil {
		s.jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}

	resp := StatusResponse{Dataset: req.Dataset, Stage: string(stage), RunID: req.RunID}
	if stage == pipeline.StageManifest {
		s.runManifest(w, req, resp)
		return
	}
	s.runStage(w, req, resp)
}

func (s *Server) runStage(w http.ResponseWriter, req pipeline.StageRequest, resp StatusResponse) {
	if !req.Wait {
		if err := s.stages.Trigger(s.baseCtx, req, false); err != nil {
			s.jsonError(w, err.Error(), http.StatusInternalServerError)
			return
		}
		resp.Status = "accepted"
		s.jsonReply(w, resp, http.StatusAccepted)
		return
	}

	if err := s.stages.Trigger(s.baseCtx, req, true); err != nil {
		s.jsonError(w, err.Error(), stageErrorCode(err))
		return
	}
	resp.Status = "done"
	s.jsonReply(w, resp, http.StatusOK)
}

// runManifest builds inside the dataset's scheduler slot so a direct
// request never overlaps a pass. The pass holding the slot may still ask
// for its own manifest.
func (s *Server) runManifest(w http.ResponseWriter, req pipeline.StageRequest, resp StatusResponse) {
	if holder, busy := s.sched.Holder(req.Dataset); busy {
		if req.RunID == "" || holder != req.RunID {
			s.busy(w, req.Dataset)
			return
		}
		s.runStage(w, req, resp)
		return
	}

	runID := req.RunID
	if runID == "" {
		runID = uuid.NewString()
	}
	resp.RunID = runID

	if !req.Wait {
		started := s.sched.Go(req.Dataset, runID, func() {
			if err := s.stages.Trigger(s.baseCtx, req, true); err != nil {
				zerolog.Ctx(s.baseCtx).Error().Err(err).Str("dataset", req.Dataset).Str("run_id", runID).Msg("manifest stage failed")
			}
		})
		if !started {
			s.busy(w, req.Dataset)
			return
		}
		resp.Status = "accepted"
		s.jsonReply(w, resp, http.StatusAccepted)
		return
	}

	var err error
	if !s.sched.TryRun(req.Dataset, runID, func() { err = s.stages.Trigger(s.baseCtx, req, true) }) {
		s.busy(w, req.Dataset)
		return
	}
	if err != nil {
		s.jsonError(w, err.Error(), stageErrorCode(err))
		return
	}
	resp.Status = "done"
	s.jsonReply(w, resp, http.StatusOK)
}

func (s *Server) busy(w http.ResponseWriter, name string) {
	s.jsonError(w, fmt.Sprintf("a run for dataset %s is in flight", name), http.StatusConflict)
}

func stageErrorCode(err error) int {
	switch {
	case errors.Is(err, manifest.ErrNotReady):
		return http.StatusConflict
	case errors.Is(err, manifest.ErrNoImages),
		errors.Is(err, manifest.ErrNoItems),
		errors.Is(err, validate.ErrNoCanonical):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

// decodeBody decodes a JSON body into v; an empty body leaves v untouched.
func decodeBody(r *http.Request, v any) error {
	err := json.NewDecoder(io.LimitReader(r.Body, maxBodySize)).Decode(v)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

func (s *Server) jsonReply(w http.ResponseWriter, v any, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) jsonError(w http.ResponseWriter, message string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(ErrorResponse{
		Error:   http.StatusText(code),
		Code:    code,
		Message: message,
	})
}
