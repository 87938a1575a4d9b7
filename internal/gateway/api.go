// ABOUTME: HTTP API handlers for the wallboard CRUD collaborator routes.
// ABOUTME: Provides inbox queries, mark-read, and the presence snapshot.

package gateway

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/2389/wallboard-gateway/internal/auth"
	"github.com/2389/wallboard-gateway/internal/store"
)

// MessageResponse is the JSON shape of a stored message.
type MessageResponse struct {
	ID        string     `json:"id"`
	FromCode  string     `json:"fromCode"`
	ToCode    *string    `json:"toCode,omitempty"`
	Content   string     `json:"content"`
	Type      string     `json:"type"`
	Priority  string     `json:"priority"`
	IsRead    bool       `json:"isRead"`
	ReadAt    *time.Time `json:"readAt,omitempty"`
	Timestamp time.Time  `json:"timestamp"`
}

// PresenceResponse is the JSON shape of one wallboard entry.
type PresenceResponse struct {
	Identity        string    `json:"identity"`
	Role            string    `json:"role"`
	Team            string    `json:"team,omitempty"`
	Status          string    `json:"status"`
	ConnectedAt     time.Time `json:"connectedAt"`
	StatusChangedAt time.Time `json:"statusChangedAt"`
}

// authenticate extracts and verifies the bearer token from the request.
// A ?token= query parameter is accepted for websocket clients that cannot
// set headers.
func (g *Gateway) authenticate(r *http.Request) (auth.Subject, error) {
	token := r.URL.Query().Get("token")
	if header := r.Header.Get("Authorization"); header != "" {
		token = strings.TrimPrefix(header, "Bearer ")
	}
	if token == "" {
		return auth.Subject{}, auth.ErrInvalidToken
	}
	return g.verifier.Verify(token)
}

// handleInbox returns the authenticated identity's inbox, newest first.
func (g *Gateway) handleInbox(w http.ResponseWriter, r *http.Request) {
	subject, err := g.authenticate(r)
	if err != nil {
		g.sendJSONError(w, http.StatusUnauthorized, "invalid or missing token")
		return
	}

	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			g.sendJSONError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = parsed
	}

	messages, err := g.store.QueryInbox(r.Context(), subject.Identity, limit)
	if err != nil {
		g.logger.Error("inbox query failed", "identity", subject.Identity, "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "inbox query failed")
		return
	}

	out := make([]MessageResponse, 0, len(messages))
	for _, msg := range messages {
		out = append(out, messageResponse(msg))
	}
	g.writeJSON(w, http.StatusOK, map[string]any{"messages": out})
}

// handleMarkRead records the unread→read transition for one message.
// Repeating the call is harmless.
func (g *Gateway) handleMarkRead(w http.ResponseWriter, r *http.Request) {
	if _, err := g.authenticate(r); err != nil {
		g.sendJSONError(w, http.StatusUnauthorized, "invalid or missing token")
		return
	}

	id := r.PathValue("id")
	if err := g.relay.MarkRead(r.Context(), id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			g.sendJSONError(w, http.StatusNotFound, "message not found")
			return
		}
		g.logger.Error("mark read failed", "message_id", id, "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "mark read failed")
		return
	}
	g.writeJSON(w, http.StatusOK, map[string]any{"id": id, "isRead": true})
}

// handleWallboard returns the live presence snapshot.
func (g *Gateway) handleWallboard(w http.ResponseWriter, r *http.Request) {
	if _, err := g.authenticate(r); err != nil {
		g.sendJSONError(w, http.StatusUnauthorized, "invalid or missing token")
		return
	}

	entries := g.registry.Snapshot()
	out := make([]PresenceResponse, 0, len(entries))
	for _, e := range entries {
		out = append(out, PresenceResponse{
			Identity:        e.Identity,
			Role:            e.Role,
			Team:            e.Team,
			Status:          e.Status,
			ConnectedAt:     e.ConnectedAt,
			StatusChangedAt: e.StatusChangedAt,
		})
	}
	g.writeJSON(w, http.StatusOK, map[string]any{"entries": out})
}

func messageResponse(msg *store.Message) MessageResponse {
	return MessageResponse{
		ID:        msg.ID,
		FromCode:  msg.FromCode,
		ToCode:    msg.ToCode,
		Content:   msg.Content,
		Type:      msg.Type,
		Priority:  msg.Priority,
		IsRead:    msg.IsRead,
		ReadAt:    msg.ReadAt,
		Timestamp: msg.CreatedAt,
	}
}

func (g *Gateway) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		g.logger.Debug("writing response", "error", err)
	}
}

func (g *Gateway) sendJSONError(w http.ResponseWriter, status int, message string) {
	g.writeJSON(w, status, map[string]string{"error": message})
}
