// Package session tracks per-conversation state for the dispatch core:
// busy/idle admission, backend session continuity, and idle expiry.
package session

import (
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/baidong0228/opencode-im-bridge/internal/channel"
)

// ErrNotFound is returned by Update when the session was evicted concurrently.
// Callers treat this as a conversation reset, not a failure.
var ErrNotFound = errors.New("session not found")

// Status is the processing state of a conversation.
type Status string

const (
	StatusIdle Status = "idle"
	StatusBusy Status = "busy"
	// StatusWaiting is a declared state carried for conversations parked on
	// external input. The router never sets it; only idle and busy take part
	// in admission.
	StatusWaiting Status = "waiting"
)

// Key identifies a distinct conversation: platform, optional group scope, user.
// Group presence changes the key, so a user's private and group interactions
// never share a session.
type Key struct {
	Platform channel.Platform
	GroupID  string
	UserID   string
}

// KeyFor derives the conversation key from an inbound message.
func KeyFor(msg channel.Message) Key {
	return Key{Platform: msg.Platform, GroupID: strings.TrimSpace(msg.GroupID), UserID: msg.UserID}
}

// String renders the key as platform:group:user, or platform:user for
// private conversations.
func (k Key) String() string {
	if k.GroupID != "" {
		return string(k.Platform) + ":" + k.GroupID + ":" + k.UserID
	}
	return string(k.Platform) + ":" + k.UserID
}

// Session is the per-conversation record. Values returned from Table methods
// are copies; all mutation goes through the table.
type Session struct {
	Status       Status
	LastActiveAt time.Time
	// BackendSessionRef is the opaque handle for backend conversation
	// continuity. Empty means the next dispatch starts a fresh backend
	// conversation.
	BackendSessionRef string
}

// Fields is a partial update applied by Update. Nil members are left unchanged.
type Fields struct {
	Status            *Status
	BackendSessionRef *string
}

// Table is the session store. All access is serialized by one mutex; the
// busy admission check-and-set in Acquire is atomic with respect to every
// other caller of the same key.
type Table struct {
	mu       sync.Mutex
	sessions map[Key]*Session
	timeout  time.Duration
	logger   *slog.Logger
	now      func() time.Time
}

// NewTable creates a session table with the given idle timeout.
func NewTable(log *slog.Logger, timeout time.Duration) *Table {
	if log == nil {
		log = slog.Default()
	}
	if timeout <= 0 {
		timeout = 30 * time.Minute
	}
	return &Table{
		sessions: make(map[Key]*Session),
		timeout:  timeout,
		logger:   log.With(slog.String("component", "session")),
		now:      time.Now,
	}
}

func (t *Table) expired(s *Session, now time.Time) bool {
	return now.Sub(s.LastActiveAt) > t.timeout
}

// lookup returns the live entry for key, replacing an expired one with a
// fresh idle session. Caller must hold t.mu.
func (t *Table) lookup(key Key) *Session {
	now := t.now()
	s, ok := t.sessions[key]
	if !ok || t.expired(s, now) {
		s = &Session{Status: StatusIdle, LastActiveAt: now}
		t.sessions[key] = s
	}
	return s
}

// GetOrCreate returns the session for key, creating a fresh idle one when
// none exists or the stored one has expired. Lookup and creation are a single
// operation; two concurrent callers never both create.
func (t *Table) GetOrCreate(key Key) Session {
	t.mu.Lock()
	defer t.mu.Unlock()
	return *t.lookup(key)
}

// Update merges fields into the stored session and refreshes its activity
// time. Returns ErrNotFound if the key was evicted concurrently.
func (t *Table) Update(key Key, fields Fields) (Session, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.sessions[key]
	if !ok {
		return Session{}, ErrNotFound
	}
	if fields.Status != nil {
		s.Status = *fields.Status
	}
	if fields.BackendSessionRef != nil {
		s.BackendSessionRef = *fields.BackendSessionRef
	}
	s.LastActiveAt = t.now()
	return *s, nil
}

// Acquire performs session admission for key: it gets or creates the session
// and, unless the session is busy, marks it busy in the same critical
// section. The returned snapshot reflects the session before the busy
// transition, so its BackendSessionRef is the one the dispatch should use.
// ok is false when the conversation is already busy.
func (t *Table) Acquire(key Key) (snapshot Session, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := t.lookup(key)
	if s.Status == StatusBusy {
		return *s, false
	}
	snapshot = *s
	s.Status = StatusBusy
	s.LastActiveAt = t.now()
	return snapshot, true
}

// Release restores the session to idle after a dispatch, on every outcome.
// A missing session (swept mid-dispatch) is fine; the next message creates a
// fresh one.
func (t *Table) Release(key Key) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.sessions[key]
	if !ok {
		return
	}
	s.Status = StatusIdle
	s.LastActiveAt = t.now()
}

// SetBackendRef stores the backend session handle after a successful dispatch.
func (t *Table) SetBackendRef(key Key, ref string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.sessions[key]
	if !ok {
		return
	}
	s.BackendSessionRef = ref
	s.LastActiveAt = t.now()
}

// Reset clears the backend session handle and forces the session idle.
// Used by the /clear command.
func (t *Table) Reset(key Key) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.sessions[key]
	if !ok {
		return
	}
	s.BackendSessionRef = ""
	s.Status = StatusIdle
	s.LastActiveAt = t.now()
}

// SweepExpired evicts every session idle longer than the table timeout and
// returns the number removed. In-flight dispatches are unaffected: they hold
// their own snapshot and recreate the entry on release if needed.
func (t *Table) SweepExpired() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now()
	removed := 0
	for key, s := range t.sessions {
		if t.expired(s, now) {
			delete(t.sessions, key)
			removed++
		}
	}
	if removed > 0 {
		t.logger.Info("sessions swept", slog.Int("removed", removed), slog.Int("remaining", len(t.sessions)))
	}
	return removed
}

// Count returns the number of live sessions.
func (t *Table) Count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.sessions)
}
