package api

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"AvailRecovery/internal/logger"
	"AvailRecovery/internal/recovery"
	"AvailRecovery/internal/types"
)

const (
	// maxBodySize is the maximum request body size in bytes.
	maxBodySize = 64 << 10

	// recoverTimeout bounds one recovery requested over HTTP.
	recoverTimeout = 30 * time.Second
)

// Recoverer runs recoveries. *recovery.Subsystem implements it.
type Recoverer interface {
	Recover(ctx context.Context, descriptor types.CandidateDescriptor, session types.SessionIndex, backingGroup *types.GroupIndex) (*types.AvailableData, error)
	Status(ctx context.Context) (recovery.Status, error)
}

// Server is the HTTP API server.
type Server struct {
	addr      string
	recoverer Recoverer
	gatherer  prometheus.Gatherer // gatherer backs /metrics, which is omitted when nil
	server    *http.Server
	listener  net.Listener
}

// New creates a new HTTP API server.
func New(addr string, recoverer Recoverer, gatherer prometheus.Gatherer) *Server {
	return &Server{
		addr:      addr,
		recoverer: recoverer,
		gatherer:  gatherer,
	}
}

// Handler returns the routes of the API.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /recover", s.handleRecover)
	mux.HandleFunc("GET /status", s.handleStatus)
	mux.HandleFunc("GET /health", s.handleHealth)

	if s.gatherer != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}

	return mux
}

// Start listens and serves in a goroutine.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}

	s.listener = listener
	s.server = &http.Server{
		Handler:      s.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: recoverTimeout + 10*time.Second,
	}

	go func() {
		logger.Info("http api started", "addr", listener.Addr().String())

		if err := s.server.Serve(listener); !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", "error", err)
		}
	}()

	return nil
}

// Addr returns the bound address, or the configured one before Start.
func (s *Server) Addr() string {
	if s.listener == nil {
		return s.addr
	}

	return s.listener.Addr().String()
}

// Stop gracefully shuts down the HTTP server.
func (s *Server) Stop() error {
	if s.server == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	return s.server.Shutdown(ctx)
}

// handleRecover handles POST /recover requests.
func (s *Server) handleRecover(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read body")
		return
	}

	req, err := parseRecoverRequest(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), recoverTimeout)
	defer cancel()

	start := time.Now()

	data, err := s.recoverer.Recover(ctx, req.descriptor, req.session, req.group)
	if err != nil {
		status := statusFor(err)
		logger.Debug("recovery request failed", "candidate", req.descriptor.CandidateHash.Short(), "status", status, "error", err)
		writeError(w, status, err.Error())

		return
	}

	logger.Debug("recovery request served", "candidate", req.descriptor.CandidateHash.Short(), logger.Timed(start))

	writeJSON(w, http.StatusOK, recoverResponse{
		CandidateHash: req.descriptor.CandidateHash.String(),
		PoV:           hex.EncodeToString(data.PoV.BlockData),
		PoVHash:       data.PoV.Hash().String(),
		ValidationData: validationDataJSON{
			ParentHead:             hex.EncodeToString(data.ValidationData.ParentHead),
			RelayParentNumber:      uint32(data.ValidationData.RelayParentNumber),
			RelayParentStorageRoot: data.ValidationData.RelayParentStorageRoot.String(),
			MaxPoVSize:             data.ValidationData.MaxPoVSize,
		},
	})
}

// handleStatus handles GET /status requests.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.recoverer.Status(r.Context())
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "status not available")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"cacheEntries":  st.CacheEntries,
		"inFlight":      st.InFlight,
		"workers":       st.Workers,
		"liveBlock":     st.LiveBlock.Number,
		"liveBlockHash": st.LiveBlock.Hash.String(),
	})
}

// handleHealth handles GET /health requests.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
	})
}

// statusFor maps a recovery error to an HTTP status.
func statusFor(err error) int {
	switch {
	case errors.Is(err, recovery.ErrInvalid):
		return http.StatusUnprocessableEntity
	case errors.Is(err, recovery.ErrUnavailable):
		return http.StatusNotFound
	case errors.Is(err, recovery.ErrChannelClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// writeError writes an error response.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{
		"error": message,
	})
}
