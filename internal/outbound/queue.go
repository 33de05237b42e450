package outbound

import (
	"context"
	"errors"
	"fmt"
	"time"

	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/campuslink/chatsync/internal/bus"
	"github.com/campuslink/chatsync/internal/conn"
	"github.com/campuslink/chatsync/internal/store"
	"github.com/campuslink/chatsync/internal/wire"
)

// FrameSender is the slice of the connection manager the queue needs.
type FrameSender interface {
	SendFrame(ctx context.Context, conversationID string, f wire.Frame) error
}

// SendFailure is the payload of message.send_failed events.
type SendFailure struct {
	ConversationID string
	ClientToken    string
	Reason         string
}

// Queue sequences user-composed messages through send → acknowledge →
// confirm/fail. Each conversation has its own FIFO so messages hit the wire
// in submission order even when the user outruns the acks. Entries stay
// queued until the server acknowledgment arrives; every transition into
// connected flushes whatever is still unacknowledged.
type Queue struct {
	store  *store.Store
	sender FrameSender
	bus    *bus.Bus
	logger *zap.Logger
	selfID string

	mu      sync.Mutex
	fifo    map[string][]*entry
	byToken map[string]*entry

	cancel context.CancelFunc
}

type entry struct {
	convID        string
	token         string
	content       string
	attachmentRef string
	createdAt     int64
	lastSent      time.Time // last successful transmission, zero if never sent
}

// New creates an outbound queue for the authenticated user.
func New(s *store.Store, sender FrameSender, b *bus.Bus, logger *zap.Logger, selfID string) *Queue {
	return &Queue{
		store:   s,
		sender:  sender,
		bus:     b,
		logger:  logger,
		selfID:  selfID,
		fifo:    make(map[string][]*entry),
		byToken: make(map[string]*entry),
	}
}

// Start subscribes to reconnect and acknowledgment events.
func (q *Queue) Start(ctx context.Context) {
	ctx, q.cancel = context.WithCancel(ctx)

	connected, unsubConn := q.bus.Subscribe("conn.connected", 64)
	frames, unsubFrames := q.bus.Subscribe("frame.", 256)

	go func() {
		defer unsubConn()
		defer unsubFrames()
		for {
			select {
			case evt := <-connected:
				convID, ok := evt.Payload.(string)
				if !ok {
					continue
				}
				q.flush(ctx, convID, evt.Timestamp)
			case evt := <-frames:
				q.handleFrame(evt)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop ends the event subscriptions.
func (q *Queue) Stop() {
	if q.cancel != nil {
		q.cancel()
	}
}

// Send inserts an optimistic sending message into the store and enqueues its
// transmission. Returns the client token correlating the optimistic entry
// with the eventual server echo.
func (q *Queue) Send(ctx context.Context, conversationID, content, attachmentRef string) (string, error) {
	if content == "" && attachmentRef == "" {
		return "", fmt.Errorf("message needs content or an attachment")
	}

	e := &entry{
		convID:        conversationID,
		token:         uuid.New().String(),
		content:       content,
		attachmentRef: attachmentRef,
		createdAt:     time.Now().UnixMilli(),
	}

	q.store.InsertOptimistic(&store.Message{
		ClientToken:    e.token,
		ConversationID: conversationID,
		SenderID:       q.selfID,
		Content:        content,
		AttachmentRef:  attachmentRef,
		CreatedAt:      e.createdAt,
		Status:         store.StatusSending,
	})

	q.mu.Lock()
	q.fifo[conversationID] = append(q.fifo[conversationID], e)
	q.byToken[e.token] = e
	q.mu.Unlock()

	q.transmit(ctx, e)
	return e.token, nil
}

// Retry re-enters a failed message at sending under the same client token.
// This is the only retry path; failures are reported, never silently resent.
func (q *Queue) Retry(ctx context.Context, clientToken string) error {
	q.mu.Lock()
	e, ok := q.byToken[clientToken]
	q.mu.Unlock()
	if !ok {
		return fmt.Errorf("unknown client token %s", clientToken)
	}

	if err := q.store.ReenterSending(e.convID, clientToken); err != nil {
		return err
	}

	q.mu.Lock()
	q.fifo[e.convID] = append(q.fifo[e.convID], e)
	q.mu.Unlock()

	q.transmit(ctx, e)
	return nil
}

// transmit pushes one entry onto the wire. A not-connected channel leaves the
// entry queued for the next connected flush; any other send error is a
// transmission failure and marks the message failed.
func (q *Queue) transmit(ctx context.Context, e *entry) {
	f, err := wire.NewFrame(wire.FrameMessage, e.convID, wire.MessagePayload{
		ClientToken:   e.token,
		SenderID:      q.selfID,
		Content:       e.content,
		AttachmentRef: e.attachmentRef,
		CreatedAt:     e.createdAt,
	})
	if err != nil {
		q.fail(e, err.Error())
		return
	}

	err = q.sender.SendFrame(ctx, e.convID, f)
	if errors.Is(err, conn.ErrNotConnected) {
		return
	}
	if err != nil {
		q.fail(e, err.Error())
		return
	}

	q.mu.Lock()
	e.lastSent = time.Now()
	q.mu.Unlock()
}

// flush retransmits, in submission order, everything not yet acknowledged.
// An entry transmitted after connectedAt already went out on the new channel
// (a Send racing the connected event) and is skipped, so one connected window
// carries at most one transmission per entry.
func (q *Queue) flush(ctx context.Context, conversationID string, connectedAt time.Time) {
	q.mu.Lock()
	pending := make([]*entry, 0, len(q.fifo[conversationID]))
	for _, e := range q.fifo[conversationID] {
		if !e.lastSent.IsZero() && e.lastSent.After(connectedAt) {
			continue
		}
		pending = append(pending, e)
	}
	q.mu.Unlock()

	if len(pending) > 0 && q.logger != nil {
		q.logger.Info("flushing outbound queue",
			zap.String("conversation_id", conversationID), zap.Int("pending", len(pending)))
	}
	for _, e := range pending {
		q.transmit(ctx, e)
	}
}

func (q *Queue) handleFrame(evt bus.Event) {
	f, ok := evt.Payload.(wire.Frame)
	if !ok {
		return
	}
	switch f.Type {
	case wire.FrameAck:
		var p wire.AckPayload
		if err := f.DecodePayload(&p); err != nil {
			if q.logger != nil {
				q.logger.Warn("bad ack payload", zap.Error(err))
			}
			return
		}
		q.ack(f.ConversationID, p)
	case wire.FrameError:
		var p wire.ErrorPayload
		if err := f.DecodePayload(&p); err != nil || p.ClientToken == "" {
			return
		}
		q.rejected(f.ConversationID, p)
	}
}

// ack confirms a transmission: the store adopts the server id and timestamp
// and the entry leaves the queue for good.
func (q *Queue) ack(conversationID string, p wire.AckPayload) {
	q.store.Apply(store.Event{
		ID:             p.ID,
		ClientToken:    p.ClientToken,
		ConversationID: conversationID,
		SenderID:       q.selfID,
		CreatedAt:      p.CreatedAt,
		Status:         store.StatusSent,
	})

	q.mu.Lock()
	q.remove(conversationID, p.ClientToken)
	delete(q.byToken, p.ClientToken)
	q.mu.Unlock()
}

func (q *Queue) rejected(conversationID string, p wire.ErrorPayload) {
	q.mu.Lock()
	e, ok := q.byToken[p.ClientToken]
	q.mu.Unlock()
	if !ok || e.convID != conversationID {
		return
	}
	q.fail(e, p.Message)
}

func (q *Queue) fail(e *entry, reason string) {
	q.mu.Lock()
	q.remove(e.convID, e.token)
	q.mu.Unlock()

	if err := q.store.Fail(e.convID, e.token); err != nil && q.logger != nil {
		q.logger.Warn("mark failed", zap.Error(err))
	}
	if q.logger != nil {
		q.logger.Warn("message transmission failed",
			zap.String("conversation_id", e.convID),
			zap.String("client_token", e.token),
			zap.String("reason", reason))
	}
	q.bus.Publish(bus.Event{
		Kind:      "message.send_failed",
		Timestamp: time.Now(),
		Payload:   SendFailure{ConversationID: e.convID, ClientToken: e.token, Reason: reason},
	})
}

// remove drops the token from the conversation FIFO. Caller holds q.mu.
func (q *Queue) remove(conversationID, clientToken string) {
	fifo := q.fifo[conversationID]
	for i, e := range fifo {
		if e.token == clientToken {
			q.fifo[conversationID] = append(fifo[:i], fifo[i+1:]...)
			return
		}
	}
}
