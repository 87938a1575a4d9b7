// ABOUTME: Delivery router and status propagation for the wallboard core.
// ABOUTME: Persists messages, fans out live pushes, and notifies observers of status changes.

package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/2389/wallboard-gateway/internal/presence"
	"github.com/2389/wallboard-gateway/internal/store"
	"github.com/2389/wallboard-gateway/internal/wire"
)

// ErrSendFailed indicates the persistence insert failed; no live push was
// attempted.
var ErrSendFailed = errors.New("message send failed")

// ErrInvalidStatus indicates a status label outside the configured set.
var ErrInvalidStatus = errors.New("invalid status")

// Broadcast audience settings.
const (
	AudienceAgents = "agents" // broadcasts reach agent-role connections only
	AudienceAll    = "all"    // broadcasts reach every active connection
)

// Config controls routing policy.
type Config struct {
	// BroadcastAudience selects who receives broadcasts: AudienceAgents
	// (default) or AudienceAll.
	BroadcastAudience string

	// BroadcastEcho, when true, includes the sender's own connection in
	// its broadcast fan-out.
	BroadcastEcho bool

	// ObserverTeamFilter, when true, limits agent_status_update pushes to
	// supervisors on the same team as the changing agent.
	ObserverTeamFilter bool

	// Statuses is the set of accepted status labels.
	Statuses []string
}

// Relay coordinates message delivery and status propagation against the
// presence registry and the persistence store.
type Relay struct {
	registry *presence.Registry
	store    store.Store
	cfg      Config
	statuses map[string]bool
	logger   *slog.Logger
}

// New creates a Relay. Pass nil logger for default.
func New(registry *presence.Registry, st store.Store, cfg Config, logger *slog.Logger) *Relay {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.BroadcastAudience == "" {
		cfg.BroadcastAudience = AudienceAgents
	}
	statuses := make(map[string]bool, len(cfg.Statuses))
	for _, s := range cfg.Statuses {
		statuses[s] = true
	}
	return &Relay{
		registry: registry,
		store:    st,
		cfg:      cfg,
		statuses: statuses,
		logger:   logger.With("component", "relay"),
	}
}

// SendMessage persists a message and pushes it to eligible online handles.
// The push happens only after a successful insert, so recipients are never
// notified about a record that does not exist. Returns the stored message
// and how many handles were pushed to; a persistence failure is wrapped in
// ErrSendFailed and produces zero pushes.
func (r *Relay) SendMessage(ctx context.Context, fromCode string, p *wire.SendMessagePayload) (*store.Message, int, error) {
	msg := &store.Message{
		FromCode: fromCode,
		ToCode:   p.ToCode,
		Content:  p.Content,
		Type:     p.Type,
		Priority: p.Priority,
	}

	if err := r.store.InsertMessage(ctx, msg); err != nil {
		r.logger.Error("message insert failed",
			"from", fromCode,
			"type", p.Type,
			"error", err,
		)
		return nil, 0, fmt.Errorf("%w: %v", ErrSendFailed, err)
	}

	pushed := r.route(msg)
	r.logger.Debug("message routed",
		"message_id", msg.ID,
		"type", msg.Type,
		"pushed", pushed,
	)
	return msg, pushed, nil
}

// route decides which live connections receive a push for a stored message
// and delivers to each. Per-target push failures are swallowed: one stale
// handle must not abort delivery to the others. Returns the number of
// handles pushed to.
func (r *Relay) route(msg *store.Message) int {
	switch msg.Type {
	case store.MessageTypeDirect:
		return r.routeDirect(msg)
	case store.MessageTypeBroadcast:
		return r.routeBroadcast(msg)
	default:
		r.logger.Warn("unroutable message type", "message_id", msg.ID, "type", msg.Type)
		return 0
	}
}

func (r *Relay) routeDirect(msg *store.Message) int {
	// The lookup key is the same registry key the recipient registered
	// under at identify time; there is no separate channel naming to drift.
	entry, ok := r.registry.Lookup(*msg.ToCode)
	if !ok {
		// Recipient offline: the record is already stored, no live push.
		return 0
	}
	if err := entry.Handle.Push(wire.EventNewDirectMessage, messageBody(msg)); err != nil {
		r.logger.Debug("direct push failed",
			"message_id", msg.ID,
			"to", *msg.ToCode,
			"error", err,
		)
		return 0
	}
	return 1
}

func (r *Relay) routeBroadcast(msg *store.Message) int {
	var targets []presence.Entry
	if r.cfg.BroadcastAudience == AudienceAll {
		targets = r.registry.Snapshot()
	} else {
		targets = r.registry.ListByRole(wire.RoleAgent)
	}

	pushed := 0
	for _, entry := range targets {
		if !r.cfg.BroadcastEcho && entry.Identity == msg.FromCode {
			continue
		}
		if err := entry.Handle.Push(wire.EventNewBroadcastMessage, messageBody(msg)); err != nil {
			r.logger.Debug("broadcast push failed",
				"message_id", msg.ID,
				"to", entry.Identity,
				"error", err,
			)
			continue
		}
		pushed++
	}
	return pushed
}

// UpdateStatus applies a status change through the registry and notifies
// observers. A change for an unknown identity returns ErrNotFound and
// touches nothing; an unconfigured label returns ErrInvalidStatus. The
// originating identity never receives its own update.
func (r *Relay) UpdateStatus(identity, status string) (presence.Entry, error) {
	if len(r.statuses) > 0 && !r.statuses[status] {
		return presence.Entry{}, fmt.Errorf("%w: %q", ErrInvalidStatus, status)
	}

	entry, err := r.registry.UpdateStatus(identity, status)
	if err != nil {
		r.logger.Warn("status update for unknown identity",
			"identity", identity,
			"status", status,
		)
		return presence.Entry{}, err
	}

	update := &wire.StatusUpdate{
		Identity:  entry.Identity,
		Status:    entry.Status,
		Team:      entry.Team,
		Timestamp: entry.StatusChangedAt,
	}

	for _, observer := range r.registry.ListByRole(wire.RoleSupervisor) {
		if observer.Identity == identity {
			continue
		}
		if r.cfg.ObserverTeamFilter && observer.Team != entry.Team {
			continue
		}
		if err := observer.Handle.Push(wire.EventAgentStatusUpdate, update); err != nil {
			r.logger.Debug("status push failed",
				"identity", identity,
				"observer", observer.Identity,
				"error", err,
			)
		}
	}

	r.logger.Info("status changed",
		"identity", identity,
		"status", status,
		"team", entry.Team,
	)
	return entry, nil
}

// MarkRead records the unread→read transition for a stored message.
func (r *Relay) MarkRead(ctx context.Context, id string) error {
	return r.store.MarkRead(ctx, id)
}

// MessageBody is the wire representation of a stored message, pushed as
// the payload of new_direct_message and new_broadcast_message events.
type MessageBody struct {
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

func messageBody(msg *store.Message) *MessageBody {
	return &MessageBody{
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
