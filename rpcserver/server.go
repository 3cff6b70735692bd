// Package rpcserver exposes the bridge's user-facing JSON surface and the
// internal verifier-notify endpoint. The two surfaces are separate
// handlers: the internal one must never be publicly reachable.
package rpcserver

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/sats-terminal/spark-bridge/chain/indexer"
	"github.com/sats-terminal/spark-bridge/coordinator"
	"github.com/sats-terminal/spark-bridge/deposit"
)

// OutPointSource resolves paying-input previous outputs.
type OutPointSource interface {
	GetOutPoint(ctx context.Context, txid string, vout uint32) (*indexer.OutPointResponse, error)
}

// Config wires the HTTP surface.
type Config struct {
	// Coordinator serves every operation.
	Coordinator *coordinator.Coordinator

	// Indexer resolves paying-input prevouts for exits.
	Indexer OutPointSource

	// NotifyAuthToken authenticates verifier callbacks. Empty disables
	// the check (tests only).
	NotifyAuthToken string
}

// Server bundles the public and internal handlers.
type Server struct {
	cfg Config
}

// New builds the server.
func New(cfg Config) (*Server, error) {
	if cfg.Coordinator == nil {
		return nil, errors.New("coordinator required")
	}

	return &Server{cfg: cfg}, nil
}

// PublicHandler is the user-facing router.
func (s *Server) PublicHandler() http.Handler {
	r := chi.NewRouter()

	r.Post("/api/user/get-btc-deposit-address", s.handleGetBtcDepositAddress)
	r.Post("/api/user/get-spark-deposit-address", s.handleGetSparkDepositAddress)
	r.Post("/api/user/bridge-runes", s.handleBridgeRunes)
	r.Post("/api/user/exit-spark", s.handleExitSpark)
	r.Delete("/api/user/bridge-request/{btcAddress}", s.handleCancel)
	r.Get("/api/user/activity/{userPublicKey}", s.handleActivity)
	r.Get("/api/bridge/transaction/{txid}", s.handleTransaction)
	r.Get("/api/metadata/wrunes", s.handleWRunes)
	r.Post("/health", s.handleHealth)

	return r
}

// InternalHandler serves the verifier-facing RPC. Bind it to the internal
// listener only.
func (s *Server) InternalHandler() http.Handler {
	r := chi.NewRouter()

	r.Post("/api/verifier/notify-runes-deposit", s.handleNotifyDeposit)

	return r
}

// writeJSON writes a 200 with a JSON body.
func writeJSON(w http.ResponseWriter, body any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Errorf("Unable to write response: %v", err)
	}
}

// errorBody is the uniform error shape.
type errorBody struct {
	Error string `json:"error"`
}

// writeError maps the error taxonomy onto HTTP statuses.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError

	switch {
	case errors.Is(err, coordinator.ErrInvalidInput):
		status = http.StatusBadRequest
	case errors.Is(err, deposit.ErrDepositObserved):
		status = http.StatusBadRequest
	case errors.Is(err, deposit.ErrNotFound):
		status = http.StatusNotFound
	}

	if status == http.StatusInternalServerError {
		log.Errorf("Request failed: %v", err)
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	message := err.Error()
	if errors.Is(err, deposit.ErrDepositObserved) {
		message = "deposit_already_observed"
	}
	if err := json.NewEncoder(w).Encode(errorBody{Error: message}); err != nil {
		log.Errorf("Unable to write error response: %v", err)
	}
}

// decodeBody decodes a JSON request body.
func decodeBody(r *http.Request, dst any) error {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return coordinator.ErrInvalidInput
	}

	return nil
}
