package apiserver

import (
	"encoding/json"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/nexusquant/trade-engine/internal/ingest"
)

const maxSignalBodyBytes = 64 * 1024

// handleSubmitSignal implements spec.md §6.1's POST /v1/signals: decode the
// same envelope shape the Kafka consumer uses, run it through the pipeline
// synchronously, and return the ResponseEnvelope as JSON.
func (s *Server) handleSubmitSignal(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxSignalBodyBytes+1))
	if err != nil {
		http.Error(w, "failed to read request body", http.StatusBadRequest)
		return
	}
	if len(body) > maxSignalBodyBytes {
		http.Error(w, "signal envelope too large", http.StatusRequestEntityTooLarge)
		return
	}

	sig, err := ingest.DecodeSignalEnvelope(body, time.Now())
	if err != nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
		return
	}

	envelope, err := s.submit(sig)
	if err != nil {
		s.logger.Error("signal submit failed", zap.Error(err), zap.String("strategy_id", sig.StrategyID))
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(envelope)
}
