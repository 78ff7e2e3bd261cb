package web

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"distiller-wifi/internal/orchestrator"
)

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Debug("writeJSON encode failed", "err", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, code, message string) {
	s.writeJSON(w, status, map[string]string{"code": code, "message": message})
}

// handleStatus implements "GET /api/status" (§6): the current
// SystemState snapshot, ap_password included only in AP_MODE.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.store.Get().APIView())
}

const scanCacheTTL = 5 * time.Second

// handleNetworks implements "GET /api/networks" (§4.G): triggers a
// scan, rate-limited to one per 5s, serving the cached result
// otherwise.
func (s *Server) handleNetworks(w http.ResponseWriter, r *http.Request) {
	s.scanMu.Lock()
	fresh := time.Since(s.lastScanAt) < scanCacheTTL
	cached := s.lastScanList
	s.scanMu.Unlock()

	if fresh {
		s.writeJSON(w, http.StatusOK, map[string]any{"networks": cached, "cached": true})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()
	networks, err := s.adapter.Scan(ctx)
	if err != nil {
		s.logger.Warn("scan failed", "err", err)
		s.writeError(w, http.StatusInternalServerError, "SCAN_BUSY", err.Error())
		return
	}

	s.scanMu.Lock()
	s.lastScanAt = time.Now()
	s.lastScanList = networks
	s.scanMu.Unlock()

	s.writeJSON(w, http.StatusOK, map[string]any{"networks": networks, "cached": false})
}

type connectRequest struct {
	SSID     string `json:"ssid"`
	Password string `json:"password"`
}

// handleConnect implements "POST /api/connect" (§6): 202 + session_id
// on lock-acquired, 409 if the per-session connect lock is already
// held, 400 on BAD_INPUT.
func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	sessionID := s.ensureSessionCookie(w, r)

	var req connectRequest
	r.Body = http.MaxBytesReader(w, r.Body, 1<<16)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "BAD_INPUT", "invalid request body")
		return
	}

	if err := orchestrator.ValidateConnectInput(req.SSID, req.Password); err != nil {
		s.writeError(w, http.StatusBadRequest, "BAD_INPUT", err.Error())
		return
	}

	if !s.tryMarkSessionBusy(sessionID) {
		s.writeError(w, http.StatusConflict, "CONNECT_IN_PROGRESS", "a connect attempt for this session is already in flight")
		return
	}

	go func() {
		defer s.clearSessionBusy(sessionID)
		ctx := context.Background()
		if err := s.orch.Connect(ctx, req.SSID, req.Password); err != nil {
			s.logger.Warn("connect", "err", err, "session_id", sessionID)
		}
	}()

	s.writeJSON(w, http.StatusAccepted, map[string]string{"session_id": sessionID})
}

// handleDisconnect implements "POST /api/disconnect" (§6): 202, the
// orchestrator transitions to AP_MODE.
func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	go s.orch.Disconnect(context.Background())
	s.writeJSON(w, http.StatusAccepted, map[string]string{"status": "disconnecting"})
}

func (s *Server) tryMarkSessionBusy(sessionID string) bool {
	s.sessMu.Lock()
	defer s.sessMu.Unlock()
	if s.sessionBusy[sessionID] {
		return false
	}
	s.sessionBusy[sessionID] = true
	return true
}

func (s *Server) clearSessionBusy(sessionID string) {
	s.sessMu.Lock()
	delete(s.sessionBusy, sessionID)
	s.sessMu.Unlock()
}
