// ABOUTME: Operator HTTP API for pairing approvals and rate-limit resets
// ABOUTME: Guarded by the same shared-secret policy as the socket handshake

package gateway

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/djtuls/openclaw-gateway/internal/auth"
	"github.com/djtuls/openclaw-gateway/internal/pairing"
)

// PendingRequestResponse is the JSON shape of one pending pairing request.
type PendingRequestResponse struct {
	RequestID   string   `json:"request_id"`
	DeviceID    string   `json:"device_id"`
	DisplayName string   `json:"display_name,omitempty"`
	Platform    string   `json:"platform,omitempty"`
	Role        string   `json:"role"`
	Scopes      []string `json:"scopes"`
	RemoteIP    string   `json:"remote_ip,omitempty"`
	CreatedAt   string   `json:"created_at"`
}

// ApprovedDeviceResponse is the JSON shape returned after an approval.
type ApprovedDeviceResponse struct {
	DeviceID    string   `json:"device_id"`
	DisplayName string   `json:"display_name,omitempty"`
	Roles       []string `json:"roles"`
	Scopes      []string `json:"scopes"`
	PairedAt    string   `json:"paired_at"`
}

// ResetRateLimitRequest is the JSON request body for POST /admin/ratelimit/reset.
// An empty identity clears every window.
type ResetRateLimitRequest struct {
	Identity string `json:"identity,omitempty"`
}

func (s *Server) registerAdminRoutes(mux *http.ServeMux, resolver *auth.Resolver) {
	guard := s.requireOperator(resolver)
	mux.Handle("GET /admin/pairing/pending", guard(http.HandlerFunc(s.handlePendingPairings)))
	mux.Handle("POST /admin/pairing/{id}/approve", guard(http.HandlerFunc(s.handleApprovePairing)))
	mux.Handle("POST /admin/pairing/{id}/reject", guard(http.HandlerFunc(s.handleRejectPairing)))
	mux.Handle("POST /admin/ratelimit/reset", guard(http.HandlerFunc(s.handleResetRateLimit)))
}

// requireOperator guards admin routes with the shared-secret policy. With
// no policy configured, only loopback peers may administer the gateway.
func (s *Server) requireOperator(resolver *auth.Resolver) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !resolver.Enabled() {
				if !auth.IsLoopback(r.RemoteAddr) {
					http.Error(w, "forbidden", http.StatusForbidden)
					return
				}
				next.ServeHTTP(w, r)
				return
			}
			token := bearerToken(r)
			decision := resolver.Authorize(auth.Credentials{
				Token:     token,
				ProxyUser: r.Header.Get(s.config.Auth.ProxyHeader),
			}, auth.RequestMeta{RemoteAddr: r.RemoteAddr})
			if !decision.OK {
				s.logger.Warn("admin request rejected",
					"path", r.URL.Path,
					"reason", decision.Reason,
					"remote_addr", r.RemoteAddr,
				)
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// handlePendingPairings handles GET /admin/pairing/pending.
func (s *Server) handlePendingPairings(w http.ResponseWriter, r *http.Request) {
	reqs, err := s.pairStore.ListPendingRequests(r.Context())
	if err != nil {
		s.logger.Error("listing pending pairings", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	out := make([]PendingRequestResponse, 0, len(reqs))
	for _, req := range reqs {
		out = append(out, PendingRequestResponse{
			RequestID:   req.ID,
			DeviceID:    req.DeviceID,
			DisplayName: req.DisplayName,
			Platform:    req.Platform,
			Role:        req.Role,
			Scopes:      req.Scopes,
			RemoteIP:    req.RemoteIP,
			CreatedAt:   req.CreatedAt.UTC().Format(time.RFC3339),
		})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"pending": out})
}

// handleApprovePairing handles POST /admin/pairing/{id}/approve.
func (s *Server) handleApprovePairing(w http.ResponseWriter, r *http.Request) {
	requestID := r.PathValue("id")
	dev, err := s.pairStore.ApprovePairing(r.Context(), requestID)
	if err != nil {
		if errors.Is(err, pairing.ErrRequestNotFound) {
			http.Error(w, "request not found", http.StatusNotFound)
			return
		}
		s.logger.Error("approving pairing", "request_id", requestID, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	s.logger.Info("pairing approved", "request_id", requestID, "device_id", dev.ID)
	writeJSON(w, http.StatusOK, ApprovedDeviceResponse{
		DeviceID:    dev.ID,
		DisplayName: dev.DisplayName,
		Roles:       dev.Roles,
		Scopes:      dev.Scopes,
		PairedAt:    dev.PairedAt.UTC().Format(time.RFC3339),
	})
}

// handleRejectPairing handles POST /admin/pairing/{id}/reject.
func (s *Server) handleRejectPairing(w http.ResponseWriter, r *http.Request) {
	requestID := r.PathValue("id")
	if err := s.pairStore.RejectPairing(r.Context(), requestID); err != nil {
		if errors.Is(err, pairing.ErrRequestNotFound) {
			http.Error(w, "request not found", http.StatusNotFound)
			return
		}
		s.logger.Error("rejecting pairing", "request_id", requestID, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	s.logger.Info("pairing rejected", "request_id", requestID)
	w.WriteHeader(http.StatusNoContent)
}

// handleResetRateLimit handles POST /admin/ratelimit/reset. Operators use
// it to unblock a locked-out peer without restarting the gateway.
func (s *Server) handleResetRateLimit(w http.ResponseWriter, r *http.Request) {
	var req ResetRateLimitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Identity == "" {
		s.limits.ResetAll()
		s.logger.Info("rate limit windows reset", "scope", "all")
	} else {
		s.limits.Reset(req.Identity)
		s.logger.Info("rate limit windows reset", "identity", req.Identity)
	}
	w.WriteHeader(http.StatusNoContent)
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return ""
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
