// Package presence tracks which users currently hold a live connection.
package presence

import (
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/accreditation-portal/messaging/internal/model"
	"github.com/accreditation-portal/messaging/pkg/logger"
	"github.com/accreditation-portal/messaging/pkg/metrics"
)

// Registry maps each user to at most one live connection id.
//
// All operations are serialised by one mutex, so each is atomic relative to
// the others. Removal works by connection id and only erases a mapping that
// still points at that connection.
type Registry struct {
	mu     sync.Mutex
	byUser map[string]string // userID -> connectionID
	byConn map[string]string // connectionID -> userID
	timers map[string]*time.Timer
	closed bool
	logger *logger.Logger
}

// New creates an empty registry.
func New(log *logger.Logger) *Registry {
	if log == nil {
		log = logger.NewNop()
	}
	return &Registry{
		byUser: make(map[string]string),
		byConn: make(map[string]string),
		timers: make(map[string]*time.Timer),
		logger: log.Component("presence"),
	}
}

// Register maps userID to connectionID, replacing any earlier mapping for the
// user. It returns the superseded connection id, or "" if there was none.
func (r *Registry) Register(userID, connectionID string) string {
	r.mu.Lock()
	defer r.mu.Unlock()

	// A connection announces one identity; re-announcing as someone else
	// releases the old identity.
	if owner, ok := r.byConn[connectionID]; ok && owner != userID {
		if r.byUser[owner] == connectionID {
			delete(r.byUser, owner)
		}
	}

	prev := r.byUser[userID]
	if prev != "" && prev != connectionID {
		delete(r.byConn, prev)
	}

	r.byUser[userID] = connectionID
	r.byConn[connectionID] = userID
	r.stopTimerLocked(connectionID)
	metrics.PresenceUsersActive.Set(float64(len(r.byUser)))

	if prev != "" && prev != connectionID {
		r.logger.Info("connection superseded",
			zap.String("user_id", userID),
			zap.String("connection_id", connectionID),
			zap.String("previous_connection_id", prev),
		)
	} else {
		r.logger.Debug("connection registered",
			zap.String("user_id", userID),
			zap.String("connection_id", connectionID),
		)
	}

	if prev == connectionID {
		return ""
	}
	return prev
}

// Lookup returns the live connection of userID, if any.
func (r *Registry) Lookup(userID string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	connID, ok := r.byUser[userID]
	return connID, ok
}

// Remove erases the mapping held by connectionID. If the owning user has
// since registered a different connection the call is a no-op. It reports
// whether a user mapping was erased.
func (r *Registry) Remove(connectionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.removeLocked(connectionID)
}

func (r *Registry) removeLocked(connectionID string) bool {
	r.stopTimerLocked(connectionID)

	userID, ok := r.byConn[connectionID]
	if !ok {
		return false
	}
	delete(r.byConn, connectionID)

	if r.byUser[userID] != connectionID {
		r.logger.Debug("ignoring stale disconnect",
			zap.String("user_id", userID),
			zap.String("connection_id", connectionID),
		)
		return false
	}

	delete(r.byUser, userID)
	metrics.PresenceUsersActive.Set(float64(len(r.byUser)))
	r.logger.Debug("connection removed",
		zap.String("user_id", userID),
		zap.String("connection_id", connectionID),
	)
	return true
}

// RemoveAfter schedules Remove(connectionID) after the grace period d.
// A non-positive d removes immediately. A user that reconnects within the
// grace period keeps its new mapping because removal is remove-if-current.
func (r *Registry) RemoveAfter(connectionID string, d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if d <= 0 || r.closed {
		r.removeLocked(connectionID)
		return
	}

	r.stopTimerLocked(connectionID)
	r.timers[connectionID] = time.AfterFunc(d, func() {
		r.Remove(connectionID)
	})
}

func (r *Registry) stopTimerLocked(connectionID string) {
	if t, ok := r.timers[connectionID]; ok {
		t.Stop()
		delete(r.timers, connectionID)
	}
}

// Snapshot returns all live connections ordered by user id.
func (r *Registry) Snapshot() []model.Connection {
	r.mu.Lock()
	conns := make([]model.Connection, 0, len(r.byUser))
	for userID, connID := range r.byUser {
		conns = append(conns, model.Connection{UserID: userID, ConnectionID: connID})
	}
	r.mu.Unlock()

	sort.Slice(conns, func(i, j int) bool { return conns[i].UserID < conns[j].UserID })
	return conns
}

// Len returns the number of users with a live connection.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byUser)
}

// Close cancels pending grace-period removals. Later RemoveAfter calls
// remove immediately.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for connID, t := range r.timers {
		t.Stop()
		delete(r.timers, connID)
	}
	r.closed = true
}
