package engine

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/campuslink/chatsync/internal/bus"
	"github.com/campuslink/chatsync/internal/conn"
	"github.com/campuslink/chatsync/internal/outbound"
	"github.com/campuslink/chatsync/internal/pager"
	"github.com/campuslink/chatsync/internal/receipts"
	"github.com/campuslink/chatsync/internal/store"
	"github.com/campuslink/chatsync/internal/typing"
	"github.com/campuslink/chatsync/internal/wire"
)

// View is one consistent snapshot of a conversation for the display layer.
type View struct {
	ConversationID string
	State          conn.State
	Messages       []store.Message
	Typing         []string
	UnreadCount    int
	HasMore        bool
}

// Engine ties the ledger, the connection manager, the outbound queue, the
// typing coordinator, the receipt tracker and the history pager into the one
// facade the daemon API talks to. Inbound message frames land in the ledger
// here; every reconnect triggers a gap-fill so the ledger converges with the
// server regardless of what the channel missed.
type Engine struct {
	store    *store.Store
	conns    *conn.Manager
	queue    *outbound.Queue
	typing   *typing.Coordinator
	receipts *receipts.Tracker
	pager    *pager.Pager
	bus      *bus.Bus
	logger   *zap.Logger

	mu    sync.Mutex
	opens map[string][]*conn.Handle

	ctx    context.Context
	cancel context.CancelFunc
}

// New assembles an engine from its parts.
func New(s *store.Store, conns *conn.Manager, q *outbound.Queue, t *typing.Coordinator, r *receipts.Tracker, p *pager.Pager, b *bus.Bus, logger *zap.Logger) *Engine {
	return &Engine{
		store:    s,
		conns:    conns,
		queue:    q,
		typing:   t,
		receipts: r,
		pager:    p,
		bus:      b,
		logger:   logger,
		opens:    make(map[string][]*conn.Handle),
	}
}

// Start wires the inbound message path and the reconnect gap-fill.
func (e *Engine) Start(ctx context.Context) {
	e.ctx, e.cancel = context.WithCancel(ctx)

	msgs, unsubMsgs := e.bus.Subscribe("frame.message", 256)
	connected, unsubConn := e.bus.Subscribe("conn.connected", 64)

	go func() {
		defer unsubMsgs()
		defer unsubConn()
		for {
			select {
			case evt := <-msgs:
				f, ok := evt.Payload.(wire.Frame)
				if !ok {
					continue
				}
				e.applyMessage(f)
			case evt := <-connected:
				convID, ok := evt.Payload.(string)
				if !ok {
					continue
				}
				go func() {
					if err := e.pager.GapFill(e.ctx, convID); err != nil && e.logger != nil {
						e.logger.Warn("gap fill failed",
							zap.String("conversation_id", convID), zap.Error(err))
					}
				}()
			case <-e.ctx.Done():
				return
			}
		}
	}()
}

// Stop closes every open conversation and ends the subscriptions.
func (e *Engine) Stop() {
	if e.cancel != nil {
		e.cancel()
	}
	e.mu.Lock()
	opens := e.opens
	e.opens = make(map[string][]*conn.Handle)
	e.mu.Unlock()
	for _, handles := range opens {
		for _, h := range handles {
			h.Close()
		}
	}
}

func (e *Engine) applyMessage(f wire.Frame) {
	var p wire.MessagePayload
	if err := f.DecodePayload(&p); err != nil {
		if e.logger != nil {
			e.logger.Warn("bad message payload", zap.Error(err))
		}
		return
	}
	e.store.Apply(store.Event{
		ID:             p.ID,
		ClientToken:    p.ClientToken,
		ConversationID: f.ConversationID,
		SenderID:       p.SenderID,
		Content:        p.Content,
		AttachmentRef:  p.AttachmentRef,
		CreatedAt:      p.CreatedAt,
		Status:         store.StatusDelivered,
	})
}

// Open references a conversation: the channel comes up (or gains a reference)
// and the newest history page loads in the background.
func (e *Engine) Open(conversationID string) {
	h := e.conns.Open(conversationID)
	e.mu.Lock()
	e.opens[conversationID] = append(e.opens[conversationID], h)
	e.mu.Unlock()

	go func() {
		if err := e.pager.LoadLatest(e.ctx, conversationID); err != nil && e.logger != nil {
			e.logger.Warn("initial page load failed",
				zap.String("conversation_id", conversationID), zap.Error(err))
		}
	}()
}

// Close releases one reference on a conversation.
func (e *Engine) Close(conversationID string) error {
	e.mu.Lock()
	handles := e.opens[conversationID]
	if len(handles) == 0 {
		e.mu.Unlock()
		return fmt.Errorf("conversation %s is not open", conversationID)
	}
	h := handles[len(handles)-1]
	e.opens[conversationID] = handles[:len(handles)-1]
	e.mu.Unlock()
	h.Close()
	return nil
}

// Send enqueues a message and clears the local typing indicator.
func (e *Engine) Send(ctx context.Context, conversationID, content, attachmentRef string) (string, error) {
	token, err := e.queue.Send(ctx, conversationID, content, attachmentRef)
	if err != nil {
		return "", err
	}
	e.typing.NotifySent(ctx, conversationID)
	return token, nil
}

// RetryMessage re-sends a failed message under its original client token.
func (e *Engine) RetryMessage(ctx context.Context, clientToken string) error {
	return e.queue.Retry(ctx, clientToken)
}

// RetryConnect restarts dialing on a conversation whose channel gave up.
func (e *Engine) RetryConnect(conversationID string) error {
	return e.conns.Retry(conversationID)
}

// InputActivity records a keystroke in the conversation's composer.
func (e *Engine) InputActivity(ctx context.Context, conversationID string) {
	e.typing.InputActivity(ctx, conversationID)
}

// MarkRead schedules a read receipt for the conversation.
func (e *Engine) MarkRead(conversationID string) {
	e.receipts.MarkRead(conversationID)
}

// LoadMore fetches the next older history page, if one exists.
func (e *Engine) LoadMore(ctx context.Context, conversationID string) error {
	return e.pager.LoadMoreIfNeeded(ctx, conversationID)
}

// Snapshot returns the current view of a conversation.
func (e *Engine) Snapshot(conversationID string) View {
	meta := e.store.Meta(conversationID)
	return View{
		ConversationID: conversationID,
		State:          e.conns.StateOf(conversationID),
		Messages:       e.store.Snapshot(conversationID),
		Typing:         e.typing.Active(conversationID),
		UnreadCount:    meta.UnreadCount,
		HasMore:        meta.HasMore,
	}
}

// Observe streams a fresh View whenever anything about the conversation
// changes. The first View arrives immediately. Slow consumers coalesce:
// they always receive the latest snapshot, never a backlog.
func (e *Engine) Observe(ctx context.Context, conversationID string) <-chan View {
	out := make(chan View, 1)
	events, unsub := e.bus.Subscribe("", 256)

	push := func() {
		v := e.Snapshot(conversationID)
		for {
			select {
			case out <- v:
				return
			default:
			}
			select {
			case <-out: // stale snapshot nobody read yet
			default:
			}
		}
	}

	go func() {
		defer unsub()
		defer close(out)
		push()
		for {
			select {
			case evt := <-events:
				if e.concerns(evt, conversationID) {
					push()
				}
			case <-ctx.Done():
				return
			case <-e.ctx.Done():
				return
			}
		}
	}()
	return out
}

func (e *Engine) concerns(evt bus.Event, conversationID string) bool {
	switch p := evt.Payload.(type) {
	case string:
		switch evt.Kind {
		case "conv.updated", "typing.changed", "conn.connected":
			return p == conversationID
		}
	case conn.StateChange:
		return p.ConversationID == conversationID
	case outbound.SendFailure:
		return p.ConversationID == conversationID
	case pager.Failure:
		return p.ConversationID == conversationID
	}
	return false
}

// SendFailures streams transmission failures for surfacing to the user.
func (e *Engine) SendFailures(buf int) (<-chan bus.Event, func()) {
	return e.bus.Subscribe("message.send_failed", buf)
}
