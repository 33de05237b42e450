package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/campuslink/chatsync/internal/bus"
)

// Store is the in-memory message ledger, the single source of truth for
// conversation state. All writes to one conversation are serialized behind
// that conversation's mutex; reads hand out copies, so the display layer can
// consume snapshots concurrently with mutation. Every mutation publishes a
// conv.updated event carrying the conversation id.
type Store struct {
	mu     sync.RWMutex
	convs  map[string]*conversation
	selfID string
	bus    *bus.Bus
	logger *zap.Logger
	cancel context.CancelFunc
}

type conversation struct {
	mu         sync.Mutex
	id         string
	peerID     string
	peerName   string
	msgs       []*Message
	byToken    map[string]*Message
	byID       map[string]*Message
	unread     int
	lastReadAt int64
	page       int
	totalPages int
}

// New creates a store for the given authenticated user.
func New(selfID string, b *bus.Bus, logger *zap.Logger) *Store {
	return &Store{
		convs:  make(map[string]*conversation),
		selfID: selfID,
		bus:    b,
		logger: logger,
	}
}

// Start subscribes to block-list broadcasts so a blocked peer's messages are
// purged from every conversation.
func (s *Store) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	ch, unsub := s.bus.Subscribe("session.user_blocked", 16)

	go func() {
		defer unsub()
		for {
			select {
			case evt := <-ch:
				peerID, ok := evt.Payload.(string)
				if !ok {
					continue
				}
				s.PurgePeer(peerID)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop ends the block-list subscription.
func (s *Store) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
}

func (s *Store) conv(id string) *conversation {
	s.mu.RLock()
	c, ok := s.convs[id]
	s.mu.RUnlock()
	if ok {
		return c
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.convs[id]; ok {
		return c
	}
	c = &conversation{
		id:      id,
		byToken: make(map[string]*Message),
		byID:    make(map[string]*Message),
	}
	s.convs[id] = c
	return c
}

func (s *Store) notify(conversationID string) {
	s.bus.Publish(bus.Event{
		Kind:      "conv.updated",
		Timestamp: time.Now(),
		Payload:   conversationID,
	})
}

// SetPeer records the peer identity for a conversation.
func (s *Store) SetPeer(conversationID, peerID, displayName string) {
	c := s.conv(conversationID)
	c.mu.Lock()
	c.peerID = peerID
	c.peerName = displayName
	c.mu.Unlock()
}

// InsertOptimistic places a locally composed message into the ledger before
// any server confirmation. Idempotent on ClientToken.
func (s *Store) InsertOptimistic(m *Message) {
	c := s.conv(m.ConversationID)
	c.mu.Lock()
	if _, exists := c.byToken[m.ClientToken]; exists {
		c.mu.Unlock()
		return
	}
	cp := *m
	c.msgs = append(c.msgs, &cp)
	c.byToken[cp.ClientToken] = &cp
	c.resort()
	c.mu.Unlock()
	s.notify(m.ConversationID)
}

// Apply merges one inbound server event into the ledger. The operation is
// idempotent: replaying the same event converges on the same state, which is
// what makes reconnect redelivery and history/push overlap safe.
//
// Reconciliation order:
//  1. a pending entry with the same clientToken adopts the server id and
//     authoritative createdAt and advances to sent;
//  2. an entry with the same id (or an already-confirmed token match) merges
//     status only, never regressing;
//  3. otherwise the event inserts as a new message.
func (s *Store) Apply(evt Event) {
	c := s.conv(evt.ConversationID)
	c.mu.Lock()
	changed := c.reconcile(evt, s.selfID)
	c.mu.Unlock()
	if changed {
		s.notify(evt.ConversationID)
	}
}

// ApplyBatch merges a slice of events (a history page) into the ledger,
// emitting at most one conv.updated for the whole batch.
func (s *Store) ApplyBatch(conversationID string, evts []Event) {
	c := s.conv(conversationID)
	c.mu.Lock()
	changed := false
	for _, evt := range evts {
		if c.reconcile(evt, s.selfID) {
			changed = true
		}
	}
	c.mu.Unlock()
	if changed {
		s.notify(conversationID)
	}
}

func (c *conversation) reconcile(evt Event, selfID string) bool {
	if evt.ClientToken != "" {
		if m, ok := c.byToken[evt.ClientToken]; ok {
			if m.ID == "" && evt.ID != "" {
				m.ID = evt.ID
				if evt.CreatedAt > 0 {
					m.CreatedAt = evt.CreatedAt
				}
				c.byID[m.ID] = m
				st := evt.Status
				if st == "" {
					st = StatusSent
				}
				m.advance(st)
				c.resort()
				return true
			}
			// Already confirmed; only status can move.
			return m.advance(evt.Status)
		}
	}

	if evt.ID != "" {
		if m, ok := c.byID[evt.ID]; ok {
			return m.advance(evt.Status)
		}
	}

	if evt.ID == "" && evt.ClientToken == "" {
		return false
	}

	m := &Message{
		ID:             evt.ID,
		ClientToken:    evt.ClientToken,
		ConversationID: evt.ConversationID,
		SenderID:       evt.SenderID,
		Content:        evt.Content,
		AttachmentRef:  evt.AttachmentRef,
		CreatedAt:      evt.CreatedAt,
		Status:         evt.Status,
	}
	if m.ClientToken == "" {
		// Peer messages carry no client token; the server id keeps the
		// one-entry-per-token invariant intact.
		m.ClientToken = evt.ID
	}
	if m.Status == "" {
		m.Status = StatusDelivered
	}
	c.msgs = append(c.msgs, m)
	c.byToken[m.ClientToken] = m
	if m.ID != "" {
		c.byID[m.ID] = m
	}
	if m.SenderID != selfID && m.SenderID != "" && m.CreatedAt > c.lastReadAt {
		c.unread++
	}
	c.resort()
	return true
}

// advance moves the message status forward, never backward. failed is only
// reachable from sending or sent; leaving failed requires ReenterSending.
func (m *Message) advance(to Status) bool {
	if to == "" || to == m.Status {
		return false
	}
	if to == StatusFailed {
		if m.Status == StatusSending || m.Status == StatusSent {
			m.Status = StatusFailed
			return true
		}
		return false
	}
	if m.Status == StatusFailed {
		return false
	}
	if statusRank[to] > statusRank[m.Status] {
		m.Status = to
		return true
	}
	return false
}

func (c *conversation) resort() {
	sort.SliceStable(c.msgs, func(i, j int) bool {
		a, b := c.msgs[i], c.msgs[j]
		if a.CreatedAt != b.CreatedAt {
			return a.CreatedAt < b.CreatedAt
		}
		if a.ID != b.ID {
			return a.ID < b.ID
		}
		return a.ClientToken < b.ClientToken
	})
}

// AdvanceStatus moves one message's status forward by client token.
func (s *Store) AdvanceStatus(conversationID, clientToken string, to Status) error {
	c := s.conv(conversationID)
	c.mu.Lock()
	m, ok := c.byToken[clientToken]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("no message with token %s in %s", clientToken, conversationID)
	}
	changed := m.advance(to)
	c.mu.Unlock()
	if changed {
		s.notify(conversationID)
	}
	return nil
}

// Fail marks a message failed. Reported, not silently retried.
func (s *Store) Fail(conversationID, clientToken string) error {
	return s.AdvanceStatus(conversationID, clientToken, StatusFailed)
}

// ReenterSending is the explicit user retry path: a failed message goes back
// to sending under the same client token, keeping the dedup invariant.
func (s *Store) ReenterSending(conversationID, clientToken string) error {
	c := s.conv(conversationID)
	c.mu.Lock()
	m, ok := c.byToken[clientToken]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("no message with token %s in %s", clientToken, conversationID)
	}
	if m.Status != StatusFailed {
		c.mu.Unlock()
		return fmt.Errorf("message %s is %s, only failed messages can be retried", clientToken, m.Status)
	}
	m.Status = StatusSending
	c.mu.Unlock()
	s.notify(conversationID)
	return nil
}

// Snapshot returns value copies of the conversation's messages, ordered
// ascending by createdAt (ties by id, then clientToken).
func (s *Store) Snapshot(conversationID string) []Message {
	c := s.conv(conversationID)
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Message, len(c.msgs))
	for i, m := range c.msgs {
		out[i] = *m
	}
	return out
}

// Meta returns the conversation metadata snapshot.
func (s *Store) Meta(conversationID string) Conversation {
	c := s.conv(conversationID)
	c.mu.Lock()
	defer c.mu.Unlock()
	return Conversation{
		ID:              c.id,
		PeerID:          c.peerID,
		PeerDisplayName: c.peerName,
		UnreadCount:     c.unread,
		LastReadAt:      c.lastReadAt,
		Page:            c.page,
		HasMore:         c.hasMoreLocked(),
	}
}

func (c *conversation) hasMoreLocked() bool {
	if c.page == 0 {
		return true // nothing fetched yet
	}
	return c.page < c.totalPages
}

// MarkRead sets lastReadAt to the newest message's createdAt, zeroes the
// unread counter, and reports the timestamp the receipt should carry.
func (s *Store) MarkRead(conversationID string) (readAt int64, changed bool) {
	c := s.conv(conversationID)
	c.mu.Lock()
	if n := len(c.msgs); n > 0 {
		readAt = c.msgs[n-1].CreatedAt
	}
	changed = c.unread != 0 || readAt > c.lastReadAt
	if readAt > c.lastReadAt {
		c.lastReadAt = readAt
	} else {
		readAt = c.lastReadAt
	}
	c.unread = 0
	c.mu.Unlock()
	if changed {
		s.notify(conversationID)
	}
	return readAt, changed
}

// ApplyReceipt advances the user's own sent/delivered messages at or before
// readAt to read, in response to a peer receipt frame.
func (s *Store) ApplyReceipt(conversationID string, readAt int64) {
	c := s.conv(conversationID)
	c.mu.Lock()
	changed := false
	for _, m := range c.msgs {
		if m.SenderID != s.selfID || m.CreatedAt > readAt {
			continue
		}
		if m.Status == StatusSent || m.Status == StatusDelivered {
			m.Status = StatusRead
			changed = true
		}
	}
	c.mu.Unlock()
	if changed {
		s.notify(conversationID)
	}
}

// UnreadCount returns the conversation's unread counter.
func (s *Store) UnreadCount(conversationID string) int {
	c := s.conv(conversationID)
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.unread
}

// LatestCreatedAt returns the newest known createdAt, the gap-fill anchor.
func (s *Store) LatestCreatedAt(conversationID string) int64 {
	c := s.conv(conversationID)
	c.mu.Lock()
	defer c.mu.Unlock()
	if n := len(c.msgs); n > 0 {
		return c.msgs[n-1].CreatedAt
	}
	return 0
}

// Cursor returns the highest fetched page and whether older pages remain.
func (s *Store) Cursor(conversationID string) (page int, hasMore bool) {
	c := s.conv(conversationID)
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.page, c.hasMoreLocked()
}

// SetCursor records a completed page fetch. Pages may complete out of order;
// the cursor only moves forward.
func (s *Store) SetCursor(conversationID string, page, totalPages int) {
	c := s.conv(conversationID)
	c.mu.Lock()
	if page > c.page {
		c.page = page
	}
	c.totalPages = totalPages
	c.mu.Unlock()
	s.notify(conversationID)
}

// PurgePeer removes every message sent by peerID from all conversations.
func (s *Store) PurgePeer(peerID string) {
	s.mu.RLock()
	convs := make([]*conversation, 0, len(s.convs))
	for _, c := range s.convs {
		convs = append(convs, c)
	}
	s.mu.RUnlock()

	for _, c := range convs {
		c.mu.Lock()
		kept := c.msgs[:0]
		removed := 0
		for _, m := range c.msgs {
			if m.SenderID == peerID {
				delete(c.byToken, m.ClientToken)
				if m.ID != "" {
					delete(c.byID, m.ID)
				}
				if m.CreatedAt > c.lastReadAt && c.unread > 0 {
					c.unread--
				}
				removed++
				continue
			}
			kept = append(kept, m)
		}
		c.msgs = kept
		id := c.id
		c.mu.Unlock()
		if removed > 0 {
			if s.logger != nil {
				s.logger.Info("purged blocked peer messages",
					zap.String("conversation_id", id),
					zap.String("peer_id", peerID),
					zap.Int("removed", removed))
			}
			s.notify(id)
		}
	}
}
