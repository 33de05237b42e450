package typing

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/campuslink/chatsync/internal/bus"
	"github.com/campuslink/chatsync/internal/conn"
	"github.com/campuslink/chatsync/internal/wire"
)

// FrameSender is the slice of the connection manager the coordinator needs.
type FrameSender interface {
	SendFrame(ctx context.Context, conversationID string, f wire.Frame) error
}

// Options tunes the typing timers.
type Options struct {
	// Debounce is the minimum gap between two outbound typing signals.
	Debounce time.Duration
	// Quiet is how long after the last keystroke a typingStop goes out.
	Quiet time.Duration
	// Expiry is how long an inbound typing signal keeps a peer active
	// without renewal.
	Expiry time.Duration
}

// DefaultOptions returns the timer values used in production.
func DefaultOptions() Options {
	return Options{
		Debounce: 2 * time.Second,
		Quiet:    4 * time.Second,
		Expiry:   5 * time.Second,
	}
}

// Coordinator throttles outbound typing signals and tracks which peers are
// typing in each conversation. Typing state is ephemeral: signals are sent
// best-effort, never queued, and inbound indicators expire on their own so a
// lost typingStop cannot wedge the indicator on.
type Coordinator struct {
	sender FrameSender
	bus    *bus.Bus
	logger *zap.Logger
	selfID string
	opts   Options

	mu       sync.Mutex
	outbound map[string]*outState
	peers    map[string]map[string]*time.Timer

	ctx    context.Context
	cancel context.CancelFunc
}

type outState struct {
	lastSent time.Time
	quiet    *time.Timer
}

// New creates a coordinator for the authenticated user.
func New(sender FrameSender, b *bus.Bus, logger *zap.Logger, selfID string, opts Options) *Coordinator {
	return &Coordinator{
		sender:   sender,
		bus:      b,
		logger:   logger,
		selfID:   selfID,
		opts:     opts,
		outbound: make(map[string]*outState),
		peers:    make(map[string]map[string]*time.Timer),
	}
}

// Start subscribes to inbound typing frames.
func (c *Coordinator) Start(ctx context.Context) {
	c.ctx, c.cancel = context.WithCancel(ctx)

	// The prefix covers both frame.typing and frame.typingStop.
	frames, unsub := c.bus.Subscribe("frame.typing", 128)

	go func() {
		defer unsub()
		for {
			select {
			case evt := <-frames:
				f, ok := evt.Payload.(wire.Frame)
				if !ok {
					continue
				}
				c.handleFrame(f)
			case <-c.ctx.Done():
				return
			}
		}
	}()
}

// Stop ends the event subscription and drops all pending timers.
func (c *Coordinator) Stop() {
	if c.cancel != nil {
		c.cancel()
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, st := range c.outbound {
		if st.quiet != nil {
			st.quiet.Stop()
		}
	}
	for _, users := range c.peers {
		for _, tm := range users {
			tm.Stop()
		}
	}
}

// InputActivity records a keystroke in the composer. At most one typing
// signal per debounce window reaches the wire; each call pushes the quiet
// deadline further out.
func (c *Coordinator) InputActivity(ctx context.Context, conversationID string) {
	c.mu.Lock()
	st := c.outbound[conversationID]
	if st == nil {
		st = &outState{}
		c.outbound[conversationID] = st
	}
	send := time.Since(st.lastSent) >= c.opts.Debounce
	if send {
		st.lastSent = time.Now()
	}
	if st.quiet != nil {
		st.quiet.Stop()
	}
	st.quiet = time.AfterFunc(c.opts.Quiet, func() { c.quietElapsed(conversationID) })
	c.mu.Unlock()

	if send {
		c.signal(ctx, conversationID, wire.FrameTyping)
	}
}

// NotifySent clears the typing indicator immediately: the composer emptied.
func (c *Coordinator) NotifySent(ctx context.Context, conversationID string) {
	c.mu.Lock()
	st := c.outbound[conversationID]
	active := st != nil && !st.lastSent.IsZero()
	if st != nil {
		if st.quiet != nil {
			st.quiet.Stop()
			st.quiet = nil
		}
		st.lastSent = time.Time{}
	}
	c.mu.Unlock()

	if active {
		c.signal(ctx, conversationID, wire.FrameTypingStop)
	}
}

// Active returns the peers currently typing in a conversation, sorted.
func (c *Coordinator) Active(conversationID string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	users := c.peers[conversationID]
	if len(users) == 0 {
		return nil
	}
	out := make([]string, 0, len(users))
	for id := range users {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func (c *Coordinator) quietElapsed(conversationID string) {
	c.mu.Lock()
	st := c.outbound[conversationID]
	if st == nil {
		c.mu.Unlock()
		return
	}
	st.quiet = nil
	st.lastSent = time.Time{}
	c.mu.Unlock()

	c.signal(c.ctx, conversationID, wire.FrameTypingStop)
}

// signal sends one typing frame, best-effort. A disconnected channel is not
// an error worth surfacing: the indicator simply does not travel.
func (c *Coordinator) signal(ctx context.Context, conversationID string, kind wire.FrameType) {
	f, err := wire.NewFrame(kind, conversationID, wire.TypingPayload{UserID: c.selfID})
	if err != nil {
		return
	}
	err = c.sender.SendFrame(ctx, conversationID, f)
	if err != nil && !errors.Is(err, conn.ErrNotConnected) && c.logger != nil {
		c.logger.Debug("typing signal dropped",
			zap.String("conversation_id", conversationID), zap.Error(err))
	}
}

func (c *Coordinator) handleFrame(f wire.Frame) {
	var p wire.TypingPayload
	if err := f.DecodePayload(&p); err != nil || p.UserID == "" || p.UserID == c.selfID {
		return
	}

	c.mu.Lock()
	users := c.peers[f.ConversationID]
	if users == nil {
		users = make(map[string]*time.Timer)
		c.peers[f.ConversationID] = users
	}

	changed := false
	switch f.Type {
	case wire.FrameTyping:
		if tm, ok := users[p.UserID]; ok {
			tm.Stop()
		} else {
			changed = true
		}
		convID, userID := f.ConversationID, p.UserID
		users[userID] = time.AfterFunc(c.opts.Expiry, func() { c.expire(convID, userID) })
	case wire.FrameTypingStop:
		if tm, ok := users[p.UserID]; ok {
			tm.Stop()
			delete(users, p.UserID)
			changed = true
		}
	}
	c.mu.Unlock()

	if changed {
		c.publishChanged(f.ConversationID)
	}
}

func (c *Coordinator) expire(conversationID, userID string) {
	c.mu.Lock()
	users := c.peers[conversationID]
	_, ok := users[userID]
	if ok {
		delete(users, userID)
	}
	c.mu.Unlock()

	if ok {
		c.publishChanged(conversationID)
	}
}

func (c *Coordinator) publishChanged(conversationID string) {
	c.bus.Publish(bus.Event{
		Kind:      "typing.changed",
		Timestamp: time.Now(),
		Payload:   conversationID,
	})
}
