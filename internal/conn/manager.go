package conn

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/campuslink/chatsync/internal/bus"
	"github.com/campuslink/chatsync/internal/wire"
)

// ErrNotConnected is returned by SendFrame while the channel is not up. The
// outbound queue treats it as "stay queued", not as a transmission failure.
var ErrNotConnected = errors.New("channel not connected")

// Channel is one conversation's bidirectional transport.
type Channel interface {
	Send(ctx context.Context, f wire.Frame) error
	Receive(ctx context.Context) (wire.Frame, error)
	Close() error
}

// Dialer establishes a channel for a conversation.
type Dialer interface {
	Dial(ctx context.Context, conversationID string) (Channel, error)
}

// Options tunes the reconnect policy.
type Options struct {
	ReconnectBase time.Duration
	ReconnectMax  time.Duration
	MaxAttempts   int
	StableAfter   time.Duration
}

// DefaultOptions returns the production reconnect policy.
func DefaultOptions() Options {
	return Options{
		ReconnectBase: time.Second,
		ReconnectMax:  30 * time.Second,
		MaxAttempts:   5,
		StableAfter:   time.Minute,
	}
}

// Manager owns one channel per open conversation. Ownership is reference
// counted by conversation identity, not by display surface: a conversation
// list screen and an open chat screen may both hold a handle, and the channel
// only tears down when the last handle closes.
type Manager struct {
	mu    sync.Mutex
	links map[string]*link

	dialer Dialer
	bus    *bus.Bus
	logger *zap.Logger
	opts   Options

	base   context.Context
	cancel context.CancelFunc
}

type link struct {
	convID string

	mu     sync.Mutex
	state  State
	refs   int
	ch     Channel
	cancel context.CancelFunc
	bo     *backoff
}

// Handle is one reference to an open conversation channel. Close is
// idempotent; the channel survives until every handle is closed.
type Handle struct {
	m      *Manager
	convID string
	once   sync.Once
}

// ConversationID returns the conversation this handle references.
func (h *Handle) ConversationID() string { return h.convID }

// Close releases the reference. At zero references the channel is torn down.
func (h *Handle) Close() {
	h.once.Do(func() { h.m.release(h.convID) })
}

// NewManager creates a connection manager using the given dialer.
func NewManager(d Dialer, b *bus.Bus, logger *zap.Logger, opts Options) *Manager {
	return &Manager{
		links:  make(map[string]*link),
		dialer: d,
		bus:    b,
		logger: logger,
		opts:   opts,
	}
}

// Start arms the manager and subscribes to session invalidation, which
// forces every channel to disconnected without reconnecting.
func (m *Manager) Start(ctx context.Context) {
	m.base, m.cancel = context.WithCancel(ctx)

	ch, unsub := m.bus.Subscribe("session.invalidated", 16)
	go func() {
		defer unsub()
		for {
			select {
			case <-ch:
				m.disconnectAll()
			case <-m.base.Done():
				return
			}
		}
	}()
}

// Stop tears down every channel and the invalidation watcher.
func (m *Manager) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	m.disconnectAll()
}

// Open acquires a reference to the conversation's channel, establishing it
// if this is the first reference.
func (m *Manager) Open(conversationID string) *Handle {
	m.mu.Lock()
	l, ok := m.links[conversationID]
	if !ok {
		l = &link{
			convID: conversationID,
			state:  Disconnected,
			bo:     newBackoff(m.opts.ReconnectBase, m.opts.ReconnectMax, m.opts.MaxAttempts, m.opts.StableAfter),
		}
		m.links[conversationID] = l
	}
	l.mu.Lock()
	l.refs++
	first := l.refs == 1
	l.mu.Unlock()
	m.mu.Unlock()

	if first {
		m.startLink(l)
	}
	return &Handle{m: m, convID: conversationID}
}

func (m *Manager) startLink(l *link) {
	base := m.base
	if base == nil {
		base = context.Background()
	}
	ctx, cancel := context.WithCancel(base)

	l.mu.Lock()
	l.cancel = cancel
	l.mu.Unlock()

	m.transition(l, Connecting)
	go m.run(ctx, l)
}

func (m *Manager) release(conversationID string) {
	m.mu.Lock()
	l, ok := m.links[conversationID]
	if !ok {
		m.mu.Unlock()
		return
	}
	l.mu.Lock()
	l.refs--
	last := l.refs <= 0
	l.mu.Unlock()
	if last {
		delete(m.links, conversationID)
	}
	m.mu.Unlock()

	if last {
		m.teardown(l)
	}
}

func (m *Manager) teardown(l *link) {
	l.mu.Lock()
	cancel := l.cancel
	ch := l.ch
	l.cancel = nil
	l.ch = nil
	l.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if ch != nil {
		_ = ch.Close()
	}
	m.transition(l, Disconnected)
}

func (m *Manager) disconnectAll() {
	m.mu.Lock()
	links := make([]*link, 0, len(m.links))
	for _, l := range m.links {
		links = append(links, l)
	}
	m.mu.Unlock()

	for _, l := range links {
		m.teardown(l)
	}
}

// run drives the dial/read/reconnect loop for one conversation channel.
func (m *Manager) run(ctx context.Context, l *link) {
	for {
		ch, err := m.dialer.Dial(ctx, l.convID)
		if ctx.Err() != nil {
			if ch != nil {
				_ = ch.Close()
			}
			return
		}
		if err != nil {
			if m.logger != nil {
				m.logger.Warn("channel dial failed",
					zap.String("conversation_id", l.convID), zap.Error(err))
			}
			if !m.waitReconnect(ctx, l) {
				return
			}
			continue
		}

		l.mu.Lock()
		l.ch = ch
		l.mu.Unlock()
		l.bo.markConnected()
		m.transition(l, Connected)

		// Resynchronization point: push delivery during the outage is lost,
		// so the outbound queue flushes unacknowledged sends and the pager
		// gap-fills from the last known createdAt.
		m.bus.Publish(bus.Event{
			Kind:      "conn.connected",
			Timestamp: time.Now(),
			Payload:   l.convID,
		})

		err = m.readLoop(ctx, l, ch)
		_ = ch.Close()
		l.mu.Lock()
		l.ch = nil
		l.mu.Unlock()

		if ctx.Err() != nil {
			return
		}
		if m.logger != nil {
			m.logger.Warn("channel dropped",
				zap.String("conversation_id", l.convID), zap.Error(err))
		}
		if !m.waitReconnect(ctx, l) {
			return
		}
	}
}

// waitReconnect schedules the next attempt. Returns false when attempts are
// exhausted (the link parks in failed until an explicit Retry) or the link
// was cancelled.
func (m *Manager) waitReconnect(ctx context.Context, l *link) bool {
	if l.bo.exhausted() {
		m.transition(l, Failed)
		return false
	}
	m.transition(l, Reconnecting)
	select {
	case <-time.After(l.bo.next()):
		return true
	case <-ctx.Done():
		return false
	}
}

func (m *Manager) readLoop(ctx context.Context, l *link, ch Channel) error {
	for {
		f, err := ch.Receive(ctx)
		if err != nil {
			return err
		}
		if f.ConversationID == "" {
			f.ConversationID = l.convID
		}
		m.bus.Publish(bus.Event{
			Kind:      "frame." + string(f.Type),
			Timestamp: time.Now(),
			Payload:   f,
		})
	}
}

func (m *Manager) transition(l *link, to State) {
	l.mu.Lock()
	from := l.state
	if from == to {
		l.mu.Unlock()
		return
	}
	if err := checkTransition(from, to); err != nil {
		l.mu.Unlock()
		if m.logger != nil {
			m.logger.Error("refusing connection state transition",
				zap.String("conversation_id", l.convID), zap.Error(err))
		}
		return
	}
	l.state = to
	l.mu.Unlock()

	m.bus.Publish(bus.Event{
		Kind:      "conn.state_changed",
		Timestamp: time.Now(),
		Payload:   StateChange{ConversationID: l.convID, From: from, To: to},
	})
}

// StateOf returns the conversation's connection state; conversations without
// a link are disconnected.
func (m *Manager) StateOf(conversationID string) State {
	m.mu.Lock()
	l, ok := m.links[conversationID]
	m.mu.Unlock()
	if !ok {
		return Disconnected
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// SendFrame transmits a frame on the conversation's channel. Returns
// ErrNotConnected while the channel is down so callers can keep the frame
// queued instead of failing it.
func (m *Manager) SendFrame(ctx context.Context, conversationID string, f wire.Frame) error {
	m.mu.Lock()
	l, ok := m.links[conversationID]
	m.mu.Unlock()
	if !ok {
		return ErrNotConnected
	}

	l.mu.Lock()
	ch := l.ch
	state := l.state
	l.mu.Unlock()
	if state != Connected || ch == nil {
		return ErrNotConnected
	}
	return ch.Send(ctx, f)
}

// Retry resets the attempt budget of a failed conversation and reconnects.
// It is the only way out of the failed state.
func (m *Manager) Retry(conversationID string) error {
	m.mu.Lock()
	l, ok := m.links[conversationID]
	m.mu.Unlock()
	if !ok {
		return errors.New("conversation not open")
	}

	l.mu.Lock()
	if l.state != Failed {
		state := l.state
		l.mu.Unlock()
		return errors.New("connection is " + string(state) + ", retry applies to failed only")
	}
	l.bo.reset()
	l.mu.Unlock()

	m.startLink(l)
	return nil
}
