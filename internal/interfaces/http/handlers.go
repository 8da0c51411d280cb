package http

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"

	"github.com/confluxscan/confluxscan/internal/admission"
	"github.com/confluxscan/confluxscan/internal/engine"
)

// defaultSymbols is the instrument universe advertised to clients.
var defaultSymbols = []string{
	"BTC-USDT-SWAP", "ETH-USDT-SWAP", "SOL-USDT-SWAP", "BNB-USDT-SWAP",
	"XRP-USDT-SWAP", "DOGE-USDT-SWAP", "ADA-USDT-SWAP", "AVAX-USDT-SWAP",
	"LINK-USDT-SWAP", "DOT-USDT-SWAP", "TON-USDT-SWAP", "SUI-USDT-SWAP",
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warn().Err(err).Msg("response encode failed")
	}
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]string{"error": code, "message": message})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"ok":          true,
		"ts":          time.Now().UTC(),
		"cache":       s.cache.Stats(),
		"breakers":    s.breakers.Snapshot(),
		"blocked_ips": s.admission.Tracker().BlockedIPs(true),
	})
}

// handleRun serves POST /api/screener/run and its /multi alias. Body-level
// rejections feed the admission tracker the same way query rejections do, so
// abusive callers reach the blocking thresholds regardless of where the bad
// input rides.
func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	var req engine.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.admission.NoteValidationFailure(r)
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "malformed JSON body")
		return
	}

	resp, err := s.engine.Screen(r.Context(), req)
	if err != nil {
		var verr *engine.ValidationError
		if errors.As(err, &verr) {
			if admission.SuspiciousInput(req.Symbols...) {
				s.admission.NoteSuspicious(r)
			} else {
				s.admission.NoteValidationFailure(r)
			}
			writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", verr.Details)
			return
		}
		log.Error().Err(err).Msg("screening run failed")
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "screening failed")
		return
	}

	if err := s.runs.Save(r.Context(), resp.RunID, resp); err != nil {
		log.Warn().Err(err).Str("run_id", resp.RunID).Msg("run store save failed")
	}
	s.hub.Broadcast(resp)

	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleRunByID(w http.ResponseWriter, r *http.Request) {
	runID := mux.Vars(r)["runId"]
	raw, ok, err := s.runs.Get(r.Context(), runID)
	if err != nil {
		log.Error().Err(err).Str("run_id", runID).Msg("run store lookup failed")
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "run lookup failed")
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "unknown run id")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(raw)
}

func (s *Server) handleSupportedSymbols(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"symbols": defaultSymbols})
}
