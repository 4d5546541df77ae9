package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/loomsuite/mailroom/internal/ingest"
	"github.com/loomsuite/mailroom/internal/provider"
	"github.com/loomsuite/mailroom/internal/token"
)

// ErrorResponse represents an API error.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// ConnectionInfo represents a provider connection in list responses.
type ConnectionInfo struct {
	ID           int64  `json:"id"`
	UserID       string `json:"user_id"`
	EmailAddress string `json:"email_address"`
	IsActive     bool   `json:"is_active"`
	LastError    string `json:"last_error,omitempty"`
	CreatedAt    string `json:"created_at"`
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// writeError writes an error response.
func writeError(w http.ResponseWriter, status int, err string, message string) {
	writeJSON(w, status, ErrorResponse{Error: err, Message: message})
}

// userID extracts the calling user from the request. Authentication proper
// lives in front of this service; the header identifies which user's
// connection to use.
func userID(r *http.Request) string {
	return r.Header.Get("X-User-ID")
}

// writeMailError maps pipeline errors onto the HTTP surface. A missing
// connection and a revoked connection get distinct statuses so the UI can
// show a connect prompt versus a reconnect prompt.
func (s *Server) writeMailError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, ingest.ErrNotConnected):
		writeError(w, http.StatusPreconditionFailed, "not_connected",
			"No mail account connected. Connect an account to continue.")
	case errors.Is(err, token.ErrReconnectRequired):
		writeError(w, http.StatusForbidden, "reconnect_required", token.RevokedMessage)
	default:
		var nfe *provider.NotFoundError
		if errors.As(err, &nfe) {
			writeError(w, http.StatusNotFound, "not_found", "Message not found")
			return
		}
		s.logger.Error("mail request failed", "path", r.URL.Path, "error", err)
		writeError(w, http.StatusBadGateway, "provider_error", "The mail provider could not be reached")
	}
}

// handleListMessages returns one page of message summaries.
func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	uid := userID(r)
	if uid == "" {
		writeError(w, http.StatusBadRequest, "missing_user", "X-User-ID header is required")
		return
	}

	pageSize, _ := strconv.Atoi(r.URL.Query().Get("page_size"))
	pageToken := r.URL.Query().Get("page_token")

	page, err := s.mail.ListMessages(r.Context(), uid, pageSize, pageToken)
	if err != nil {
		s.writeMailError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, page)
}

// handleGetMessage returns one fully normalized message.
func (s *Server) handleGetMessage(w http.ResponseWriter, r *http.Request) {
	uid := userID(r)
	if uid == "" {
		writeError(w, http.StatusBadRequest, "missing_user", "X-User-ID header is required")
		return
	}

	id := chi.URLParam(r, "id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "invalid_id", "Message ID is required")
		return
	}

	email, err := s.mail.GetMessage(r.Context(), uid, id)
	if err != nil {
		s.writeMailError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, email)
}

// handleListEvents returns upcoming calendar events.
func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request) {
	uid := userID(r)
	if uid == "" {
		writeError(w, http.StatusBadRequest, "missing_user", "X-User-ID header is required")
		return
	}

	maxResults, _ := strconv.Atoi(r.URL.Query().Get("max_results"))

	events, err := s.mail.ListEvents(r.Context(), uid, maxResults)
	if err != nil {
		s.writeMailError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"events": events,
	})
}

// handleListConnections returns all provider connections, active and
// deactivated, so operators can see revocation history.
func (s *Server) handleListConnections(w http.ResponseWriter, r *http.Request) {
	conns, err := s.conns.List()
	if err != nil {
		s.logger.Error("failed to list connections", "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "Failed to retrieve connections")
		return
	}

	infos := make([]ConnectionInfo, len(conns))
	for i, c := range conns {
		infos[i] = ConnectionInfo{
			ID:           c.ID,
			UserID:       c.UserID,
			EmailAddress: c.EmailAddress,
			IsActive:     c.IsActive,
			LastError:    c.LastError,
			CreatedAt:    c.CreatedAt.Format("2006-01-02T15:04:05Z"),
		}
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"connections": infos,
	})
}
