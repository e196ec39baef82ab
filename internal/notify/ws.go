package notify

import (
	"context"
	"sync"

	"github.com/gorilla/websocket"
)

// Session is one connected party (provider or requester).
type Session struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (s *Session) send(ev Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteJSON(ev)
}

// Registry holds live websocket sessions keyed by party id. A party that
// reconnects replaces its old session.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*Session)}
}

func (r *Registry) Add(partyID string, conn *websocket.Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if old, ok := r.sessions[partyID]; ok {
		old.conn.Close()
	}
	r.sessions[partyID] = &Session{conn: conn}
}

// Remove drops the session only while conn still owns it, so the pump
// of a replaced connection cannot evict its successor.
func (r *Registry) Remove(partyID string, conn *websocket.Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[partyID]; ok && s.conn == conn {
		delete(r.sessions, partyID)
	}
}

func (r *Registry) Connected(partyID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.sessions[partyID]
	return ok
}

// Send delivers to one party. ErrNoSession when they are not connected.
func (r *Registry) Send(partyID string, ev Event) error {
	r.mu.RLock()
	s, ok := r.sessions[partyID]
	r.mu.RUnlock()
	if !ok {
		return ErrNoSession
	}
	return s.send(ev)
}

// Notify pushes the event to both parties. Parties without a session are
// skipped; this sink never fails the lifecycle over a missing socket.
func (r *Registry) Notify(_ context.Context, ev Event) error {
	for _, id := range []string{ev.RequesterID, ev.ProviderID} {
		if id == "" {
			continue
		}
		if err := r.Send(id, ev); err != nil && err != ErrNoSession {
			return err
		}
	}
	return nil
}

var ErrNoSession = &NoSessionError{}

type NoSessionError struct{}

func (n *NoSessionError) Error() string { return "no ws session" }
