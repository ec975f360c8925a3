package notify

import (
	"context"
	"log/slog"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/example/ride-escrow/internal/models"
)

// WSSession represents one connected client (rider or driver).
type WSSession struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (s *WSSession) Send(ev models.TransitionEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteJSON(ev)
}

// WSRegistry holds live sessions keyed by user id. Both parties to a ride
// receive its transitions; clients drop stale deliveries by version.
type WSRegistry struct {
	mu       sync.RWMutex
	sessions map[string]*WSSession
	logger   *slog.Logger
}

func NewWSRegistry(logger *slog.Logger) *WSRegistry {
	return &WSRegistry{sessions: make(map[string]*WSSession), logger: logger}
}

func (r *WSRegistry) Add(userID string, conn *websocket.Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if old, ok := r.sessions[userID]; ok {
		_ = old.conn.Close()
	}
	r.sessions[userID] = &WSSession{conn: conn}
}

// Remove drops the session for userID, but only while it still owns conn:
// a reconnect replaces the session, and the evicted connection's reader must
// not tear down its replacement.
func (r *WSRegistry) Remove(userID string, conn *websocket.Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[userID]
	if !ok || s.conn != conn {
		return
	}
	_ = s.conn.Close()
	delete(r.sessions, userID)
}

// Connected reports whether userID currently has a live session.
func (r *WSRegistry) Connected(userID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.sessions[userID]
	return ok
}

func (r *WSRegistry) RideChanged(ctx context.Context, ev models.TransitionEvent) error {
	r.sendTo(ev.RiderID, ev)
	if ev.DriverID != "" {
		r.sendTo(ev.DriverID, ev)
	}
	return nil
}

func (r *WSRegistry) sendTo(userID string, ev models.TransitionEvent) {
	r.mu.RLock()
	s, ok := r.sessions[userID]
	r.mu.RUnlock()
	if !ok {
		return
	}
	if err := s.Send(ev); err != nil {
		r.logger.Warn("ws send failed", "user_id", userID, "ride_id", ev.RideID, "error", err)
		r.Remove(userID, s.conn)
	}
}
