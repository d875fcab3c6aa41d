package control

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"codeberg.org/mutker/wabot-instance/internal/journal"
	"codeberg.org/mutker/wabot-instance/internal/protocol"
	"codeberg.org/mutker/wabot-instance/internal/supervisor"
)

type errorResponse struct {
	Error string `json:"error"`
}

// pairingFields are shared by every pairing-related response. An expired
// code is reported as null even before the supervisor clears it.
type pairingFields struct {
	PairingCode                 *string `json:"pairingCode"`
	PairingCodeValid            bool    `json:"pairingCodeValid"`
	PairingCodeRemainingSeconds int     `json:"pairingCodeRemainingSeconds"`
	PairingCodeExpiresAt        *int64  `json:"pairingCodeExpiresAt"`
}

type statusResponse struct {
	InstanceID string `json:"instanceId"`
	Status     string `json:"status"`
	pairingFields
	PhoneNumber       string         `json:"phoneNumber"`
	User              *protocol.User `json:"user"`
	Authenticated     bool           `json:"authenticated"`
	ReconnectAttempts int            `json:"reconnectAttempts"`
	LastError         string         `json:"lastError,omitempty"`
}

type pairingCodeResponse struct {
	pairingFields
	Status string `json:"status"`
}

type regenerateResponse struct {
	Success bool `json:"success"`
	pairingFields
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

type stopResponse struct {
	Message string `json:"message"`
}

type historyResponse struct {
	Transitions []journal.Entry `json:"transitions"`
}

func pairingOf(snap supervisor.Snapshot, now time.Time) pairingFields {
	fields := pairingFields{
		PairingCodeValid:            snap.Code.Valid(now),
		PairingCodeRemainingSeconds: snap.Code.RemainingSeconds(now),
	}
	if fields.PairingCodeValid {
		code := snap.Code.Value
		fields.PairingCode = &code
	}
	if snap.Code.Present() {
		ms := snap.Code.ExpiresAt.UnixMilli()
		fields.PairingCodeExpiresAt = &ms
	}
	return fields
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	snap := s.source.Snapshot()

	writeJSON(w, http.StatusOK, statusResponse{
		InstanceID:        snap.InstanceID,
		Status:            snap.Status,
		pairingFields:     pairingOf(snap, s.cfg.Now()),
		PhoneNumber:       snap.PhoneNumber,
		User:              snap.User,
		Authenticated:     snap.Authenticated(),
		ReconnectAttempts: snap.ReconnectAttempts,
		LastError:         snap.LastError,
	})
}

func (s *Server) handlePairingCode(w http.ResponseWriter, _ *http.Request) {
	snap := s.source.Snapshot()

	writeJSON(w, http.StatusOK, pairingCodeResponse{
		pairingFields: pairingOf(snap, s.cfg.Now()),
		Status:        snap.Status,
	})
}

func (s *Server) handleRegenerate(w http.ResponseWriter, r *http.Request) {
	s.log.Info().Msg("Regenerate pairing code requested")

	res, err := s.source.Regenerate(r.Context())

	resp := regenerateResponse{
		Success:       res.Success,
		pairingFields: pairingOf(res.Snapshot, s.cfg.Now()),
		Status:        res.Snapshot.Status,
	}
	if err != nil {
		resp.Success = false
		resp.Error = err.Error()
		s.log.Warn().Err(err).Msg("Regenerate pairing code failed")
	}

	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleStop(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, stopResponse{Message: "Stopping instance"})

	s.stopOnce.Do(func() {
		s.log.Info().Dur("grace", s.cfg.StopGrace).Msg("Stop requested")
		if s.stop == nil {
			return
		}
		time.AfterFunc(s.cfg.StopGrace, s.stop)
	})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	limit := defaultHistory
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "Invalid limit"})
			return
		}
		limit = min(n, maxHistory)
	}

	entries := []journal.Entry{}
	if s.history != nil {
		recent, err := s.history.Recent(r.Context(), limit)
		if err != nil {
			s.log.Warn().Err(err).Msg("Failed to read transition history")
			writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "History unavailable"})
			return
		}
		if recent != nil {
			entries = recent
		}
	}

	writeJSON(w, http.StatusOK, historyResponse{Transitions: entries})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
