// Package api serves the engine's command surface over HTTP and streams
// notifications to WebSocket clients.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/marko911/bridge-pulse/internal/adapter"
	"github.com/marko911/bridge-pulse/internal/bridge"
	"github.com/marko911/bridge-pulse/internal/listener"
	"github.com/marko911/bridge-pulse/internal/verification"
	protov1 "github.com/marko911/bridge-pulse/pkg/proto/v1"
)

// Engine is the command surface served by the API.
type Engine interface {
	InitiateBridge(ctx context.Context, req bridge.InitiateRequest) (*protov1.BridgeOperation, error)
	RetryFailedBridge(ctx context.Context, operationID string) (*protov1.BridgeOperation, error)
	GetBridgeOperation(ctx context.Context, operationID string) (*protov1.BridgeOperation, error)
	ListBridgeOperations(ctx context.Context, f protov1.OperationFilter) ([]*protov1.BridgeOperation, error)
	GetVerificationProofs(ctx context.Context, operationID string) ([]protov1.VerificationProof, error)
	SubmitProof(ctx context.Context, operationID, proofType string, data []byte) (*protov1.VerificationProof, error)
	VerifyProof(ctx context.Context, proofID string) (*protov1.VerificationProof, error)
	IsThresholdMet(ctx context.Context, operationID string) (bool, error)
	StartListener(ctx context.Context, cfg protov1.ListenerConfig) (listener.Status, error)
	StopListener(ctx context.Context, key protov1.ListenerKey) error
	Listeners() []listener.Status
}

type Server struct {
	engine Engine
	hub    *Hub
	logger *slog.Logger
}

// NewServer creates the API server. hub may be nil, in which case /ws is
// not served.
func NewServer(engine Engine, hub *Hub, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		engine: engine,
		hub:    hub,
		logger: logger.With("component", "api"),
	}
}

// Register adds the API routes to mux. Requests under /api/ are logged;
// /ws is mounted bare so the upgrader can hijack the connection.
func (s *Server) Register(mux *http.ServeMux) {
	api := http.NewServeMux()
	s.routes(api)
	mux.Handle("/api/", s.loggingMiddleware(api))

	if s.hub != nil {
		mux.HandleFunc("GET /ws", s.hub.HandleConnect)
	}
}

func (s *Server) routes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/v1/operations", s.handleListOperations)
	mux.HandleFunc("POST /api/v1/operations", s.handleInitiate)
	mux.HandleFunc("GET /api/v1/operations/{id}", s.handleGetOperation)
	mux.HandleFunc("POST /api/v1/operations/{id}/retry", s.handleRetry)
	mux.HandleFunc("GET /api/v1/operations/{id}/proofs", s.handleListProofs)
	mux.HandleFunc("POST /api/v1/operations/{id}/proofs", s.handleSubmitProof)
	mux.HandleFunc("POST /api/v1/proofs/{id}/verify", s.handleVerifyProof)

	mux.HandleFunc("GET /api/v1/listeners", s.handleListListeners)
	mux.HandleFunc("POST /api/v1/listeners", s.handleStartListener)
	mux.HandleFunc("DELETE /api/v1/listeners/{chain}/{contract}/{event}", s.handleStopListener)
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", wrapped.statusCode,
			"duration_ms", time.Since(start).Milliseconds(),
		)
	})
}

type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (s *Server) handleListOperations(w http.ResponseWriter, r *http.Request) {
	f, err := parseFilter(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	ops, err := s.engine.ListBridgeOperations(r.Context(), f)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	if ops == nil {
		ops = []*protov1.BridgeOperation{}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"operations": ops,
		"count":      len(ops),
	})
}

func parseFilter(r *http.Request) (protov1.OperationFilter, error) {
	q := r.URL.Query()
	f := protov1.OperationFilter{
		NFTReference: q.Get("nft"),
		Address:      q.Get("address"),
		Limit:        50,
	}
	if v := q.Get("status"); v != "" {
		f.Status = protov1.BridgeStatus(strings.ToUpper(v))
		switch f.Status {
		case protov1.BridgeStatusPending, protov1.BridgeStatusInProgress, protov1.BridgeStatusCompleted, protov1.BridgeStatusFailed:
		default:
			return f, errors.New("unknown status " + v)
		}
	}
	var err error
	if v := q.Get("source"); v != "" {
		if f.SourceChain, err = protov1.ParseChain(v); err != nil {
			return f, err
		}
	}
	if v := q.Get("destination"); v != "" {
		if f.DestinationChain, err = protov1.ParseChain(v); err != nil {
			return f, err
		}
	}
	if v := q.Get("limit"); v != "" {
		if f.Limit, err = strconv.Atoi(v); err != nil || f.Limit < 0 {
			return f, errors.New("invalid limit " + v)
		}
	}
	if v := q.Get("offset"); v != "" {
		if f.Offset, err = strconv.Atoi(v); err != nil || f.Offset < 0 {
			return f, errors.New("invalid offset " + v)
		}
	}
	return f, nil
}

func (s *Server) handleInitiate(w http.ResponseWriter, r *http.Request) {
	var req bridge.InitiateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	op, err := s.engine.InitiateBridge(r.Context(), req)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, op)
}

func (s *Server) handleGetOperation(w http.ResponseWriter, r *http.Request) {
	op, err := s.engine.GetBridgeOperation(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, op)
}

func (s *Server) handleRetry(w http.ResponseWriter, r *http.Request) {
	op, err := s.engine.RetryFailedBridge(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, op)
}

func (s *Server) handleListProofs(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	proofs, err := s.engine.GetVerificationProofs(r.Context(), id)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	met, err := s.engine.IsThresholdMet(r.Context(), id)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	if proofs == nil {
		proofs = []protov1.VerificationProof{}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"proofs":        proofs,
		"threshold_met": met,
	})
}

type submitProofRequest struct {
	ProofType string `json:"proof_type"`
	// ProofData is hex encoded.
	ProofData string `json:"proof_data"`
}

func (s *Server) handleSubmitProof(w http.ResponseWriter, r *http.Request) {
	var req submitProofRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	data, err := hexutil.Decode(req.ProofData)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, errors.New("proof_data must be 0x-prefixed hex"))
		return
	}
	proof, err := s.engine.SubmitProof(r.Context(), r.PathValue("id"), req.ProofType, data)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, proof)
}

func (s *Server) handleVerifyProof(w http.ResponseWriter, r *http.Request) {
	proof, err := s.engine.VerifyProof(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, proof)
}

func (s *Server) handleListListeners(w http.ResponseWriter, r *http.Request) {
	statuses := s.engine.Listeners()
	if statuses == nil {
		statuses = []listener.Status{}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"listeners": statuses})
}

func (s *Server) handleStartListener(w http.ResponseWriter, r *http.Request) {
	var cfg protov1.ListenerConfig
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	if cfg.Chain == protov1.Chain_CHAIN_UNSPECIFIED || cfg.ContractAddress == "" {
		s.writeError(w, http.StatusBadRequest, errors.New("chain and contract_address are required"))
		return
	}
	if cfg.EventName == "" {
		cfg.EventName = "*"
	}
	st, err := s.engine.StartListener(r.Context(), cfg)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, st)
}

func (s *Server) handleStopListener(w http.ResponseWriter, r *http.Request) {
	chain, err := protov1.ParseChain(r.PathValue("chain"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	key := protov1.NewListenerKey(chain, r.PathValue("contract"), r.PathValue("event"))
	if err := s.engine.StopListener(r.Context(), key); err != nil {
		s.writeEngineError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// statusFor maps the engine's error taxonomy onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, bridge.ErrNotFound), errors.Is(err, verification.ErrNotFound), errors.Is(err, listener.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, listener.ErrAlreadyActive), errors.Is(err, bridge.ErrInvalidTransition):
		return http.StatusConflict
	case errors.Is(err, bridge.ErrInvalidRequest), errors.Is(err, adapter.ErrUnsupportedFilter), errors.Is(err, listener.ErrNoAdapter):
		return http.StatusBadRequest
	case errors.Is(err, adapter.ErrConnection):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeEngineError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", "error", err)
	}
	s.writeError(w, status, err)
}

func (s *Server) writeError(w http.ResponseWriter, status int, err error) {
	s.writeJSON(w, status, map[string]string{"error": err.Error()})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Error("JSON encode error", "error", err)
	}
}
