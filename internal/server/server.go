// Package server exposes the agent's HTTP JSON surface: fragment
// execution, namespace management, and local output readback.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"flowagent/internal/engine"
	"flowagent/internal/outputs"
)

// Server wires the engine and the output sink behind a mux.
type Server struct {
	engine *engine.Engine
	sink   *outputs.Store
	log    *zap.Logger
	http   *http.Server
}

func New(addr string, eng *engine.Engine, sink *outputs.Store, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	s := &Server{
		engine: eng,
		sink:   sink,
		log:    log.Named("http"),
	}
	s.http = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler builds the routed handler. Split out so tests can drive it
// through httptest without binding a socket.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /run_cell/{$}", s.handleRunCell)
	mux.HandleFunc("POST /run_all/{$}", s.handleRunAll)
	mux.HandleFunc("GET /variables/{$}", s.handleVariables)
	mux.HandleFunc("POST /reset_context/{$}", s.handleReset)
	mux.HandleFunc("POST /delete_var/{$}", s.handleDeleteVar)
	mux.HandleFunc("POST /set_var/{$}", s.handleSetVar)
	mux.HandleFunc("GET /workflow_outputs/{id}/{$}", s.handleWorkflowOutputs)
	return s.withMiddleware(mux)
}

// ListenAndServe blocks until the context is cancelled or the listener
// fails. Shutdown drains in-flight requests with a short grace period.
func (s *Server) ListenAndServe(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.log.Info("listening", zap.String("addr", s.http.Addr))
		errCh <- s.http.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.http.Shutdown(shutdownCtx); err != nil {
			return err
		}
		err := <-errCh
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// withMiddleware adds request-id logging, permissive CORS, and a panic
// guard that turns transport-layer faults into a generic 500 payload.
func (s *Server) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := uuid.NewString()
		start := time.Now()

		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Refresh-Token")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		defer func() {
			if rec := recover(); rec != nil {
				s.log.Error("handler panic",
					zap.String("request_id", reqID),
					zap.String("path", r.URL.Path),
					zap.Any("panic", rec))
				writeJSON(w, http.StatusInternalServerError, map[string]any{
					"error": fmt.Sprint(rec),
				})
			}
		}()

		next.ServeHTTP(w, r)
		s.log.Info("request",
			zap.String("request_id", reqID),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Duration("elapsed", time.Since(start)))
	})
}

type runCellRequest struct {
	Code                string `json:"code"`
	UsePetex            bool   `json:"use_petex"`
	WorkflowComponentID *int64 `json:"workflow_component_id"`
}

type runAllRequest struct {
	Cells               []string `json:"cells"`
	UsePetex            bool     `json:"use_petex"`
	WorkflowComponentID *int64   `json:"workflow_component_id"`
}

func (s *Server) handleRunCell(w http.ResponseWriter, r *http.Request) {
	var req runCellRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	s.run(w, r, engine.RunRequest{
		Fragments:  []string{req.Code},
		UsePetex:   req.UsePetex,
		WorkflowID: req.WorkflowComponentID,
	})
}

func (s *Server) handleRunAll(w http.ResponseWriter, r *http.Request) {
	var req runAllRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	s.run(w, r, engine.RunRequest{
		Fragments:  req.Cells,
		UsePetex:   req.UsePetex,
		WorkflowID: req.WorkflowComponentID,
	})
}

func (s *Server) run(w http.ResponseWriter, r *http.Request, req engine.RunRequest) {
	req.AccessToken = bearerToken(r)
	req.RefreshToken = r.Header.Get("X-Refresh-Token")

	res, err := s.engine.Run(r.Context(), req)
	if err != nil {
		// Resource acquisition is the one engine failure that reaches the
		// transport layer; fragment errors come back inside the payload.
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleVariables(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.Variables())
}

func (s *Server) handleReset(w http.ResponseWriter, _ *http.Request) {
	if err := s.engine.Reset(); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "reset"})
}

func (s *Server) handleDeleteVar(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name string `json:"name"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.Name != "" {
		s.engine.DeleteVar(req.Name)
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "deleted": req.Name})
}

func (s *Server) handleSetVar(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name  string `json:"name"`
		Value any    `json:"value"`
		Type  string `json:"type"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.engine.SetVar(req.Name, req.Value, req.Type); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"status": "error",
			"msg":    err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"name":   req.Name,
		"value":  req.Value,
	})
}

func (s *Server) handleWorkflowOutputs(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid workflow id %q", r.PathValue("id")))
		return
	}
	records, err := s.sink.Read(id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, records)
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return ""
}

func decodeJSON(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]any{"error": err.Error()})
}
