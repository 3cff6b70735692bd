package rpcserver

import (
	"encoding/hex"
	"fmt"
	"net/http"
	"strings"

	"github.com/sats-terminal/spark-bridge/coordinator"
	"github.com/sats-terminal/spark-bridge/verifier"
)

// handleNotifyDeposit ingests verifier deposit callbacks. Idempotent on
// (outpoint, status); authenticated by bearer token on the internal
// listener.
func (s *Server) handleNotifyDeposit(w http.ResponseWriter, r *http.Request) {
	if s.cfg.NotifyAuthToken != "" {
		token := strings.TrimPrefix(
			r.Header.Get("Authorization"), "Bearer ",
		)
		if token != s.cfg.NotifyAuthToken {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
	}

	var notice verifier.DepositNotice
	if err := decodeBody(r, &notice); err != nil {
		writeError(w, err)
		return
	}

	if err := s.cfg.Coordinator.HandleDepositNotice(
		r.Context(), &notice,
	); err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, struct{}{})
}

// decodeHexField decodes a hex string surfaced by an external service.
func decodeHexField(s string) ([]byte, error) {
	raw, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: malformed hex field",
			coordinator.ErrInvalidInput)
	}

	return raw, nil
}
