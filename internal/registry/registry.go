// Package registry tracks every connected transport-level client. Sessions
// are purely in-memory: created on transport connect, destroyed on
// disconnect or server-initiated eviction. Registry and transport lifecycle
// are 1:1.
package registry

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"deskrelay/internal/events"
	"deskrelay/internal/model"
	"deskrelay/internal/relaerr"
	"deskrelay/internal/userstore"
)

// Sender is the outbound half of a client connection. Implementations must
// be safe for concurrent Send calls (single-writer discipline lives behind
// this interface).
type Sender interface {
	Send(event string, payload map[string]any) error
	Close() error
}

type entry struct {
	sess   model.Session
	sender Sender
}

type Registry struct {
	users *userstore.Store
	bus   *events.Bus
	log   *slog.Logger
	now   func() int64

	mu      sync.RWMutex
	entries map[string]*entry
}

func New(users *userstore.Store, bus *events.Bus, log *slog.Logger) *Registry {
	return &Registry{
		users:   users,
		bus:     bus,
		log:     log,
		now:     func() int64 { return time.Now().UnixMilli() },
		entries: make(map[string]*entry),
	}
}

// Register creates an unauthenticated session for a new transport
// connection. A duplicate transport id is a programmer error.
func (r *Registry) Register(transportID, remoteAddr string, sender Sender) (model.Session, error) {
	now := r.now()
	sess := model.Session{
		ID:             transportID,
		RemoteAddr:     remoteAddr,
		ConnectedAt:    now,
		LastActivityAt: now,
	}

	r.mu.Lock()
	if _, exists := r.entries[transportID]; exists {
		r.mu.Unlock()
		return model.Session{}, fmt.Errorf("duplicate transport id %q", transportID)
	}
	r.entries[transportID] = &entry{sess: sess, sender: sender}
	r.mu.Unlock()

	r.bus.Publish(events.Connection, map[string]any{
		"sessionId":  transportID,
		"remoteAddr": remoteAddr,
	})
	return sess, nil
}

// Authenticate delegates to the credential store. The returned error is
// always the generic relaerr.ErrAuth on credential failure; the network
// caller never learns whether the id existed.
func (r *Registry) Authenticate(sessionID, id, password string) (model.Session, error) {
	r.mu.RLock()
	_, ok := r.entries[sessionID]
	r.mu.RUnlock()
	if !ok {
		return model.Session{}, fmt.Errorf("%w: session %q", relaerr.ErrNotFound, sessionID)
	}

	if !r.users.Authenticate(id, password) {
		r.bus.Publish(events.LoginFail, map[string]any{
			"sessionId": sessionID,
			"username":  id,
		})
		return model.Session{}, relaerr.ErrAuth
	}

	r.mu.Lock()
	e, ok := r.entries[sessionID]
	if !ok {
		r.mu.Unlock()
		return model.Session{}, fmt.Errorf("%w: session %q", relaerr.ErrNotFound, sessionID)
	}
	e.sess.Authenticated = true
	e.sess.Username = id
	e.sess.LastActivityAt = r.now()
	sess := e.sess
	r.mu.Unlock()

	r.users.StampLastLogin(id)
	r.bus.Publish(events.Login, map[string]any{
		"sessionId": sessionID,
		"username":  id,
	})
	return sess, nil
}

// Touch updates lastActivityAt; called on every inbound message.
func (r *Registry) Touch(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[sessionID]; ok {
		e.sess.LastActivityAt = r.now()
	}
}

func (r *Registry) SetDevice(sessionID, device string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[sessionID]; ok {
		e.sess.Device = device
		e.sess.LastActivityAt = r.now()
	}
}

// SetStreaming flips the streaming subscription flag. Returns false when
// the session is missing or unauthenticated.
func (r *Registry) SetStreaming(sessionID string, on bool) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[sessionID]
	if !ok || !e.sess.Authenticated {
		return false
	}
	e.sess.StreamingSubscribed = on
	return true
}

// Remove deletes the session and closes its sender. Removal inherently
// unsubscribes it from streaming since subscription state lives here.
func (r *Registry) Remove(sessionID string) {
	r.mu.Lock()
	e, ok := r.entries[sessionID]
	if ok {
		delete(r.entries, sessionID)
	}
	r.mu.Unlock()
	if !ok {
		return
	}

	_ = e.sender.Close()
	r.bus.Publish(events.Disconnect, map[string]any{
		"sessionId": sessionID,
		"username":  e.sess.Username,
	})
}

func (r *Registry) Get(sessionID string) (model.Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[sessionID]
	if !ok {
		return model.Session{}, false
	}
	return e.sess, true
}

// IsAuthenticated reports whether the session is still registered and
// authenticated. The arbiter re-checks this at dequeue time.
func (r *Registry) IsAuthenticated(sessionID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[sessionID]
	return ok && e.sess.Authenticated
}

// SendTo pushes one event to one session. A missing session is a no-op
// returning false. A failed write evicts the connection, identical to a
// transport disconnect.
func (r *Registry) SendTo(sessionID, event string, payload map[string]any) bool {
	r.mu.RLock()
	e, ok := r.entries[sessionID]
	r.mu.RUnlock()
	if !ok {
		return false
	}

	if err := e.sender.Send(event, payload); err != nil {
		r.log.Warn("send failed, evicting session", "sessionId", sessionID, "error", err)
		r.Remove(sessionID)
		return false
	}
	return true
}

// Broadcast pushes one event to every connected session, evicting the ones
// whose writes fail.
func (r *Registry) Broadcast(event string, payload map[string]any) {
	r.mu.RLock()
	ids := make([]string, 0, len(r.entries))
	senders := make([]Sender, 0, len(r.entries))
	for id, e := range r.entries {
		ids = append(ids, id)
		senders = append(senders, e.sender)
	}
	r.mu.RUnlock()

	for i, snd := range senders {
		if err := snd.Send(event, payload); err != nil {
			r.Remove(ids[i])
		}
	}
}

// List returns a snapshot copy, safe to iterate while the registry mutates.
func (r *Registry) List() []model.Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]model.Session, 0, len(r.entries))
	for _, e := range r.entries {
		result = append(result, e.sess)
	}
	return result
}

func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// StreamingSubscribers returns the ids of sessions currently subscribed to
// the live view.
func (r *Registry) StreamingSubscribers() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var ids []string
	for id, e := range r.entries {
		if e.sess.StreamingSubscribed {
			ids = append(ids, id)
		}
	}
	return ids
}
