package api

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/dny1020/outdial-orchestrator/internal/auth"
	"github.com/dny1020/outdial-orchestrator/internal/models"
	"github.com/dny1020/outdial-orchestrator/pkg/logger"
)

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"message": "Outbound Call Orchestrator",
		"version": s.cfg.Version,
		"health":  "/health",
		"token":   "/api/v1/token",
	})
}

// handleToken issues a token pair for valid credentials. Failed attempts
// feed the brute-force counter; crossing the threshold locks the client IP
// out for the configured window.
func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Detail: "invalid form body"})
		return
	}

	username := r.PostFormValue("username")
	password := r.PostFormValue("password")
	if username == "" || password == "" {
		writeJSON(w, http.StatusBadRequest, errorBody{Detail: "username and password required"})
		return
	}

	if s.cfg.DBDisabled || s.users == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorBody{Detail: "DB disabled"})
		return
	}

	ip := clientIP(r)

	user, err := s.users.GetByUsername(r.Context(), username)
	if err != nil {
		writeError(w, err)
		return
	}

	if user == nil || !user.IsActive || !auth.VerifyPassword(password, user.HashedPassword) {
		count, trackErr := s.gate.TrackFailedLogin(r.Context(), username, ip, s.limits.FailedLoginTTL)
		if trackErr == nil && count >= int64(s.limits.MaxFailedLogins) {
			if lockErr := s.gate.SetLockout(r.Context(), ip, s.limits.LockoutDuration); lockErr == nil {
				logger.WithContext(r.Context()).WithFields(map[string]interface{}{
					"username": username,
					"client":   ip,
					"failures": count,
				}).Warn("Brute-force lockout engaged")
			}
		}

		writeJSON(w, http.StatusUnauthorized, errorBody{Detail: "Invalid credentials"})
		return
	}

	if err := s.gate.ResetFailedLogins(r.Context(), username, ip); err != nil {
		logger.WithContext(r.Context()).WithError(err).Warn("Failed to reset login counter")
	}

	pair, err := s.tokens.IssuePair(user.Username)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, pair)
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

func (s *Server) handleTokenRefresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.RefreshToken == "" {
		writeJSON(w, http.StatusBadRequest, errorBody{Detail: "refresh_token required"})
		return
	}

	pair, err := s.tokens.Refresh(r.Context(), req.RefreshToken)
	if err != nil {
		writeJSON(w, http.StatusUnauthorized, errorBody{Detail: "Invalid refresh token"})
		return
	}

	writeJSON(w, http.StatusOK, pair)
}

func (s *Server) handleTokenRevoke(w http.ResponseWriter, r *http.Request) {
	token := bearerToken(r)
	if err := s.tokens.Revoke(r.Context(), token); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "revoked"})
}

func (s *Server) decodeCallRequest(w http.ResponseWriter, r *http.Request) (*models.CallRequest, bool) {
	if r.Body == nil || r.ContentLength == 0 {
		return nil, true
	}

	req := &models.CallRequest{}
	if err := json.NewDecoder(r.Body).Decode(req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Detail: "invalid JSON body"})
		return nil, false
	}
	return req, true
}

func (s *Server) originate(w http.ResponseWriter, r *http.Request, number string, req *models.CallRequest) {
	if s.cfg.DBDisabled {
		writeJSON(w, http.StatusServiceUnavailable, errorBody{Detail: "DB disabled"})
		return
	}

	resp, err := s.dialer.Originate(r.Context(), number, req)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleInteraction(w http.ResponseWriter, r *http.Request) {
	number := mux.Vars(r)["number"]

	req, ok := s.decodeCallRequest(w, r)
	if !ok {
		return
	}

	s.originate(w, r, number, req)
}

func (s *Server) handleCreateCall(w http.ResponseWriter, r *http.Request) {
	payload := &models.CallCreate{}
	if err := json.NewDecoder(r.Body).Decode(payload); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Detail: "invalid JSON body"})
		return
	}
	if payload.PhoneNumber == "" {
		writeJSON(w, http.StatusBadRequest, errorBody{Detail: "phone_number required"})
		return
	}

	s.originate(w, r, payload.PhoneNumber, &payload.CallRequest)
}

func (s *Server) handleGetCall(w http.ResponseWriter, r *http.Request) {
	if s.cfg.DBDisabled {
		writeJSON(w, http.StatusServiceUnavailable, errorBody{Detail: "DB disabled"})
		return
	}

	callID := mux.Vars(r)["call_id"]

	view, err := s.dialer.GetStatus(r.Context(), callID)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleHangupCall(w http.ResponseWriter, r *http.Request) {
	if s.cfg.DBDisabled {
		writeJSON(w, http.StatusServiceUnavailable, errorBody{Detail: "DB disabled"})
		return
	}

	callID := mux.Vars(r)["call_id"]

	if err := s.dialer.Hangup(r.Context(), callID); err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "hangup requested", "call_id": callID})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := s.health.Health(r.Context())
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleReadiness(w http.ResponseWriter, r *http.Request) {
	ready, resp := s.health.Ready(r.Context())
	status := http.StatusOK
	if !ready {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}
