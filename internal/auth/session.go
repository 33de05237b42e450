package auth

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/campuslink/chatsync/internal/bus"
)

// Session is the engine's view of the auth collaborator: a bearer token and
// the identity it carries. Token verification is the server's job; the client
// only extracts the subject and expiry from the claims.
type Session struct {
	mu        sync.RWMutex
	token     string
	userID    string
	expiresAt time.Time
	valid     bool

	bus    *bus.Bus
	logger *zap.Logger
	cancel context.CancelFunc
}

// Invalidation is the payload of session.invalidated events.
type Invalidation struct {
	Reason string
}

// NewSession parses the session token and returns the session context.
func NewSession(token string, b *bus.Bus, logger *zap.Logger) (*Session, error) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return nil, fmt.Errorf("parse session token: %w", err)
	}

	sub, err := claims.GetSubject()
	if err != nil || sub == "" {
		return nil, fmt.Errorf("session token missing subject")
	}

	s := &Session{
		token:  token,
		userID: sub,
		valid:  true,
		bus:    b,
		logger: logger,
	}
	if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
		s.expiresAt = exp.Time
	}
	return s, nil
}

// Start watches the token expiry and invalidates the session when it lapses.
func (s *Session) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)

	s.mu.RLock()
	exp := s.expiresAt
	s.mu.RUnlock()
	if exp.IsZero() {
		return
	}

	go func() {
		select {
		case <-time.After(time.Until(exp)):
			s.Invalidate("session token expired")
		case <-ctx.Done():
		}
	}()
}

// Stop cancels the expiry watcher.
func (s *Session) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
}

// Token returns the bearer token, or an error once the session is invalid.
func (s *Session) Token() (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.valid {
		return "", fmt.Errorf("session invalidated")
	}
	return s.token, nil
}

// UserID returns the authenticated user's id.
func (s *Session) UserID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.userID
}

// Valid reports whether the session is still usable.
func (s *Session) Valid() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.valid
}

// Invalidate marks the session dead and broadcasts session.invalidated.
// All conversation channels drop to disconnected; nothing in the engine
// retries a dead session.
func (s *Session) Invalidate(reason string) {
	s.mu.Lock()
	already := !s.valid
	s.valid = false
	s.mu.Unlock()
	if already {
		return
	}

	if s.logger != nil {
		s.logger.Warn("session invalidated", zap.String("reason", reason))
	}
	s.bus.Publish(bus.Event{
		Kind:      "session.invalidated",
		Timestamp: time.Now(),
		Payload:   Invalidation{Reason: reason},
	})
}

// Block broadcasts that the user blocked a peer. The message store purges
// that peer's messages in response.
func (s *Session) Block(peerID string) {
	s.bus.Publish(bus.Event{
		Kind:      "session.user_blocked",
		Timestamp: time.Now(),
		Payload:   peerID,
	})
}
