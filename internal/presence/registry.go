// ABOUTME: In-memory presence registry mapping identities to live connections.
// ABOUTME: Maintains team and role indexes and enforces one live entry per identity.

package presence

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/2389/wallboard-gateway/internal/wire"
)

// ErrNotFound indicates the identity has no active presence entry.
var ErrNotFound = errors.New("identity not registered")

// ErrInvalidIdentity indicates an empty identity or unrecognized role.
var ErrInvalidIdentity = errors.New("invalid identity")

// Handle is the capability a registered connection exposes to the registry
// and the relay: it can receive pushed events and be asked to close. Both
// methods must be safe to call from any goroutine and must not block.
type Handle interface {
	// Push delivers an outbound event. Failures are per-target concerns;
	// callers swallow them.
	Push(event string, payload any) error

	// Kick asks the transport to close the connection. It does not
	// unregister; the owning session's teardown does that.
	Kick(reason string)
}

// Entry is the live state of a currently-connected identity.
type Entry struct {
	Identity        string
	Role            string
	Team            string
	Status          string
	ConnectedAt     time.Time
	StatusChangedAt time.Time
	Handle          Handle
}

// Registry tracks every live connection by identity, with reverse indexes
// by team and by role. All mutation goes through explicit register,
// update-status, and unregister calls; nothing is dropped silently, so the
// registry's view of who is online always matches the live handles.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*Entry          // identity -> entry
	byTeam  map[string]map[string]bool // team -> set of identities
	byRole  map[string]map[string]bool // role -> set of identities

	defaultStatus string
	logger        *slog.Logger
}

// NewRegistry creates a registry. Newly registered entries start in
// defaultStatus. Pass nil logger for default.
func NewRegistry(defaultStatus string, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		entries:       make(map[string]*Entry),
		byTeam:        make(map[string]map[string]bool),
		byRole:        make(map[string]map[string]bool),
		defaultStatus: defaultStatus,
		logger:        logger.With("component", "presence"),
	}
}

// Register inserts or replaces the entry for an identity. When an entry
// already exists, its handle receives a connection_superseded push and a
// kick before the replacement takes effect, so at most one live session
// per identity ever holds the registry slot.
func (r *Registry) Register(identity, role, team string, h Handle) (Entry, error) {
	if identity == "" {
		return Entry{}, ErrInvalidIdentity
	}
	if role != wire.RoleAgent && role != wire.RoleSupervisor {
		return Entry{}, ErrInvalidIdentity
	}

	now := time.Now()
	entry := &Entry{
		Identity:        identity,
		Role:            role,
		Team:            team,
		Status:          r.defaultStatus,
		ConnectedAt:     now,
		StatusChangedAt: now,
		Handle:          h,
	}

	r.mu.Lock()
	prior := r.entries[identity]
	if prior != nil {
		r.removeIndexesLocked(prior)
	}
	r.entries[identity] = entry
	r.addIndexesLocked(entry)
	total := len(r.entries)
	r.mu.Unlock()

	// Notify the superseded connection outside the lock; its teardown will
	// call Release, which no-ops because the slot now points elsewhere.
	if prior != nil {
		_ = prior.Handle.Push(wire.EventConnectionSuperseded, &wire.ConnectionSuperseded{
			Reason: "another connection registered for this identity",
		})
		prior.Handle.Kick("superseded")
		r.logger.Info("connection superseded",
			"identity", identity,
			"role", role,
		)
	}

	r.logger.Info("identity registered",
		"identity", identity,
		"role", role,
		"team", team,
		"total_online", total,
	)
	return *entry, nil
}

// UpdateStatus mutates an identity's status in place and stamps the change
// time. Returns ErrNotFound if the identity has no active entry.
func (r *Registry) UpdateStatus(identity, status string) (Entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[identity]
	if !ok {
		return Entry{}, ErrNotFound
	}
	entry.Status = status
	entry.StatusChangedAt = time.Now()
	return *entry, nil
}

// Unregister removes an identity's entry. Removing an unknown identity is
// a no-op.
func (r *Registry) Unregister(identity string) {
	r.mu.Lock()
	entry, ok := r.entries[identity]
	if ok {
		r.removeIndexesLocked(entry)
		delete(r.entries, identity)
	}
	total := len(r.entries)
	r.mu.Unlock()

	if ok {
		r.logger.Info("identity unregistered",
			"identity", identity,
			"total_online", total,
		)
	}
}

// Release removes the identity's entry only if it still points at the given
// handle. A superseded session calling Release during teardown must not
// evict its successor.
func (r *Registry) Release(identity string, h Handle) {
	r.mu.Lock()
	entry, ok := r.entries[identity]
	if !ok || entry.Handle != h {
		r.mu.Unlock()
		return
	}
	r.removeIndexesLocked(entry)
	delete(r.entries, identity)
	total := len(r.entries)
	r.mu.Unlock()

	r.logger.Info("identity unregistered",
		"identity", identity,
		"total_online", total,
	)
}

// Lookup returns the entry for an identity, if online.
func (r *Registry) Lookup(identity string) (Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, ok := r.entries[identity]
	if !ok {
		return Entry{}, false
	}
	return *entry, true
}

// LookupTeam returns the entries for every online identity on a team.
func (r *Registry) LookupTeam(team string) []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := r.byTeam[team]
	result := make([]Entry, 0, len(ids))
	for id := range ids {
		result = append(result, *r.entries[id])
	}
	return result
}

// ListByRole returns the entries for every online identity with a role.
func (r *Registry) ListByRole(role string) []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := r.byRole[role]
	result := make([]Entry, 0, len(ids))
	for id := range ids {
		result = append(result, *r.entries[id])
	}
	return result
}

// Snapshot returns every live entry, for the wallboard view.
func (r *Registry) Snapshot() []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]Entry, 0, len(r.entries))
	for _, entry := range r.entries {
		result = append(result, *entry)
	}
	return result
}

// Len returns the number of live entries.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Shutdown clears all entries and kicks every connection. Used at process
// stop so no handle outlives the registry's knowledge of it.
func (r *Registry) Shutdown() {
	r.mu.Lock()
	handles := make([]Handle, 0, len(r.entries))
	for id, entry := range r.entries {
		handles = append(handles, entry.Handle)
		delete(r.entries, id)
	}
	r.byTeam = make(map[string]map[string]bool)
	r.byRole = make(map[string]map[string]bool)
	r.mu.Unlock()

	for _, h := range handles {
		h.Kick("server shutting down")
	}
	r.logger.Info("presence registry shut down", "kicked", len(handles))
}

func (r *Registry) addIndexesLocked(entry *Entry) {
	if entry.Team != "" {
		if r.byTeam[entry.Team] == nil {
			r.byTeam[entry.Team] = make(map[string]bool)
		}
		r.byTeam[entry.Team][entry.Identity] = true
	}
	if r.byRole[entry.Role] == nil {
		r.byRole[entry.Role] = make(map[string]bool)
	}
	r.byRole[entry.Role][entry.Identity] = true
}

func (r *Registry) removeIndexesLocked(entry *Entry) {
	if ids := r.byTeam[entry.Team]; ids != nil {
		delete(ids, entry.Identity)
		if len(ids) == 0 {
			delete(r.byTeam, entry.Team)
		}
	}
	if ids := r.byRole[entry.Role]; ids != nil {
		delete(ids, entry.Identity)
		if len(ids) == 0 {
			delete(r.byRole, entry.Role)
		}
	}
}
