package repository

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"dingtalk-dify-relay/internal/domain"
)

const defaultSessionTimeout = 30 * time.Minute

// Registry owns the in-memory user -> session map. All state is
// process-resident and rebuilt on restart; the registry's only consumer is
// the relay orchestrator, so no cross-process coordination is needed.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*domain.Session
	timeout  time.Duration

	// injectable for tests
	now   func() time.Time
	newID func() string
}

// NewRegistry creates a Registry that expires sessions idle for longer than
// timeout. A non-positive timeout falls back to 30 minutes.
func NewRegistry(timeout time.Duration) (*Registry, error) {
	if timeout <= 0 {
		timeout = defaultSessionTimeout
	}
	return &Registry{
		sessions: make(map[string]*domain.Session),
		timeout:  timeout,
		now:      time.Now,
		newID:    uuid.NewString,
	}, nil
}

// GetOrCreate returns the live session for userID, bumping its activity
// timestamp. An expired or missing entry is replaced by a fresh session with
// a newly generated conversation id. The returned value is a snapshot; the
// caller never holds a reference into the map.
func (r *Registry) GetOrCreate(userID string) (domain.Session, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return domain.Session{}, errors.New("repository: user id must not be empty")
	}

	now := r.now()

	r.mu.Lock()
	defer r.mu.Unlock()

	if s, ok := r.sessions[userID]; ok && now.Sub(s.LastActivity) <= r.timeout {
		s.LastActivity = now
		return *s, nil
	}

	s := &domain.Session{
		UserID:         userID,
		ConversationID: r.newID(),
		LastActivity:   now,
	}
	r.sessions[userID] = s
	return *s, nil
}

// SetActiveRenderer records the card instance currently streaming for the
// user's in-flight turn. Concurrent turns for the same user are not
// deduplicated; the last writer wins.
func (r *Registry) SetActiveRenderer(userID, rendererID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[userID]; ok {
		s.ActiveRendererID = rendererID
	}
}

// ClearActiveRenderer unbinds the renderer at end of turn. The id must still
// match so a slower turn cannot clear a newer turn's binding.
func (r *Registry) ClearActiveRenderer(userID, rendererID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[userID]; ok && s.ActiveRendererID == rendererID {
		s.ActiveRendererID = ""
	}
}

// Sweep removes every session idle past the timeout and reports how many
// were dropped.
func (r *Registry) Sweep() int {
	now := r.now()

	r.mu.Lock()
	defer r.mu.Unlock()

	removed := 0
	for userID, s := range r.sessions {
		if now.Sub(s.LastActivity) > r.timeout {
			delete(r.sessions, userID)
			removed++
		}
	}
	return removed
}

// List returns a snapshot of all sessions keyed by user id, for
// observability.
func (r *Registry) List() map[string]domain.Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]domain.Session, len(r.sessions))
	for userID, s := range r.sessions {
		out[userID] = *s
	}
	return out
}

// Len reports the current number of live and not-yet-swept sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// RunSweeper sweeps on the given interval until ctx is cancelled. Meant to be
// started as a goroutine from main.
func (r *Registry) RunSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Sweep()
		}
	}
}
