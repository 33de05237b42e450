package receipts

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/campuslink/chatsync/internal/bus"
	"github.com/campuslink/chatsync/internal/conn"
	"github.com/campuslink/chatsync/internal/store"
	"github.com/campuslink/chatsync/internal/wire"
)

// FrameSender is the slice of the connection manager the tracker needs.
type FrameSender interface {
	SendFrame(ctx context.Context, conversationID string, f wire.Frame) error
}

// Tracker debounces outbound read receipts and applies inbound ones to the
// ledger. Viewing a conversation fires MarkRead on every render; the trailing
// debounce collapses a scroll burst into one receipt carrying the final
// read position.
type Tracker struct {
	store    *store.Store
	sender   FrameSender
	bus      *bus.Bus
	logger   *zap.Logger
	selfID   string
	debounce time.Duration

	mu      sync.Mutex
	pending map[string]*time.Timer

	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a receipt tracker for the authenticated user.
func New(s *store.Store, sender FrameSender, b *bus.Bus, logger *zap.Logger, selfID string, debounce time.Duration) *Tracker {
	return &Tracker{
		store:    s,
		sender:   sender,
		bus:      b,
		logger:   logger,
		selfID:   selfID,
		debounce: debounce,
		pending:  make(map[string]*time.Timer),
	}
}

// Start subscribes to inbound receipt frames.
func (t *Tracker) Start(ctx context.Context) {
	t.ctx, t.cancel = context.WithCancel(ctx)

	frames, unsub := t.bus.Subscribe("frame.receipt", 128)

	go func() {
		defer unsub()
		for {
			select {
			case evt := <-frames:
				f, ok := evt.Payload.(wire.Frame)
				if !ok {
					continue
				}
				t.handleReceipt(f)
			case <-t.ctx.Done():
				return
			}
		}
	}()
}

// Stop ends the event subscription and drops pending debounce timers.
func (t *Tracker) Stop() {
	if t.cancel != nil {
		t.cancel()
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, tm := range t.pending {
		tm.Stop()
	}
}

// MarkRead schedules a read receipt for the conversation. Calls within the
// debounce window collapse; the receipt that eventually travels carries the
// read position at flush time, so later calls in the burst are not lost.
func (t *Tracker) MarkRead(conversationID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if tm, ok := t.pending[conversationID]; ok {
		tm.Stop()
	}
	t.pending[conversationID] = time.AfterFunc(t.debounce, func() { t.flush(conversationID) })
}

func (t *Tracker) flush(conversationID string) {
	t.mu.Lock()
	delete(t.pending, conversationID)
	t.mu.Unlock()

	readAt, changed := t.store.MarkRead(conversationID)
	if !changed {
		return
	}

	f, err := wire.NewFrame(wire.FrameReceipt, conversationID, wire.ReceiptPayload{
		UserID: t.selfID,
		ReadAt: readAt,
	})
	if err != nil {
		return
	}
	err = t.sender.SendFrame(t.ctx, conversationID, f)
	if err != nil && !errors.Is(err, conn.ErrNotConnected) && t.logger != nil {
		t.logger.Debug("read receipt dropped",
			zap.String("conversation_id", conversationID), zap.Error(err))
	}
}

// handleReceipt advances our own sent and delivered messages to read, up to
// the peer's read position.
func (t *Tracker) handleReceipt(f wire.Frame) {
	var p wire.ReceiptPayload
	if err := f.DecodePayload(&p); err != nil || p.UserID == t.selfID {
		return
	}
	t.store.ApplyReceipt(f.ConversationID, p.ReadAt)
}
