package typing

import (
	"context"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/campuslink/chatsync/internal/bus"
	"github.com/campuslink/chatsync/internal/conn"
	"github.com/campuslink/chatsync/internal/wire"
)

type recordingSender struct {
	mu           sync.Mutex
	disconnected bool
	frames       []wire.Frame
}

func (r *recordingSender) SendFrame(_ context.Context, _ string, f wire.Frame) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.disconnected {
		return conn.ErrNotConnected
	}
	r.frames = append(r.frames, f)
	return nil
}

func (r *recordingSender) types() []wire.FrameType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]wire.FrameType, len(r.frames))
	for i, f := range r.frames {
		out[i] = f.Type
	}
	return out
}

func testCoordinator(t *testing.T, opts Options) (*Coordinator, *recordingSender, *bus.Bus) {
	t.Helper()
	sender := &recordingSender{}
	b := bus.New()
	c := New(sender, b, nil, "me", opts)
	c.Start(context.Background())
	t.Cleanup(c.Stop)
	return c, sender, b
}

func typingFrame(t *testing.T, kind wire.FrameType, convID, userID string) bus.Event {
	t.Helper()
	f, err := wire.NewFrame(kind, convID, wire.TypingPayload{UserID: userID})
	if err != nil {
		t.Fatal(err)
	}
	return bus.Event{Kind: "frame." + string(kind), Timestamp: time.Now(), Payload: f}
}

func waitChanged(t *testing.T, ch <-chan bus.Event, convID string) {
	t.Helper()
	select {
	case evt := <-ch:
		if evt.Payload != convID {
			t.Fatalf("typing.changed payload = %v, want %s", evt.Payload, convID)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for typing.changed")
	}
}

func TestInputActivityDebounced(t *testing.T) {
	c, sender, _ := testCoordinator(t, Options{
		Debounce: 50 * time.Millisecond,
		Quiet:    time.Minute,
		Expiry:   time.Minute,
	})

	// A burst of keystrokes within the window collapses to one signal.
	for i := 0; i < 5; i++ {
		c.InputActivity(context.Background(), "c1")
	}
	if got := sender.types(); !reflect.DeepEqual(got, []wire.FrameType{wire.FrameTyping}) {
		t.Fatalf("frames = %v, want one typing signal", got)
	}

	// Typing past the window renews the signal.
	time.Sleep(80 * time.Millisecond)
	c.InputActivity(context.Background(), "c1")
	if got := len(sender.types()); got != 2 {
		t.Errorf("frames = %d, want 2 after the window elapsed", got)
	}
}

func TestQuietTimerEmitsStop(t *testing.T) {
	c, sender, _ := testCoordinator(t, Options{
		Debounce: time.Millisecond,
		Quiet:    30 * time.Millisecond,
		Expiry:   time.Minute,
	})

	c.InputActivity(context.Background(), "c1")
	time.Sleep(100 * time.Millisecond)

	want := []wire.FrameType{wire.FrameTyping, wire.FrameTypingStop}
	if got := sender.types(); !reflect.DeepEqual(got, want) {
		t.Errorf("frames = %v, want %v", got, want)
	}
}

func TestNotifySentStopsImmediately(t *testing.T) {
	c, sender, _ := testCoordinator(t, Options{
		Debounce: time.Millisecond,
		Quiet:    time.Minute,
		Expiry:   time.Minute,
	})

	c.InputActivity(context.Background(), "c1")
	c.NotifySent(context.Background(), "c1")

	want := []wire.FrameType{wire.FrameTyping, wire.FrameTypingStop}
	if got := sender.types(); !reflect.DeepEqual(got, want) {
		t.Fatalf("frames = %v, want %v", got, want)
	}

	// Quiet timer was cancelled: no second stop later.
	time.Sleep(50 * time.Millisecond)
	if got := len(sender.types()); got != 2 {
		t.Errorf("frames = %d, want 2 (no duplicate stop)", got)
	}

	// Without a preceding typing signal, sending emits nothing.
	c.NotifySent(context.Background(), "c2")
	if got := len(sender.types()); got != 2 {
		t.Errorf("frames = %d, stop for an idle composer should not travel", got)
	}
}

func TestDisconnectedSignalIsDropped(t *testing.T) {
	c, sender, _ := testCoordinator(t, DefaultOptions())
	sender.disconnected = true

	c.InputActivity(context.Background(), "c1") // must not panic or queue
	if got := len(sender.types()); got != 0 {
		t.Errorf("frames = %d, want 0 while disconnected", got)
	}
}

func TestInboundTypingTracksPeer(t *testing.T) {
	c, _, b := testCoordinator(t, Options{
		Debounce: time.Minute,
		Quiet:    time.Minute,
		Expiry:   time.Minute,
	})

	changed, unsub := b.Subscribe("typing.changed", 16)
	defer unsub()

	b.Publish(typingFrame(t, wire.FrameTyping, "c1", "peer"))
	waitChanged(t, changed, "c1")
	if got := c.Active("c1"); !reflect.DeepEqual(got, []string{"peer"}) {
		t.Fatalf("Active = %v, want [peer]", got)
	}

	// Renewal does not re-announce.
	b.Publish(typingFrame(t, wire.FrameTyping, "c1", "peer"))
	time.Sleep(50 * time.Millisecond)
	select {
	case <-changed:
		t.Fatal("renewal should not publish typing.changed")
	default:
	}

	b.Publish(typingFrame(t, wire.FrameTypingStop, "c1", "peer"))
	waitChanged(t, changed, "c1")
	if got := c.Active("c1"); got != nil {
		t.Errorf("Active = %v, want empty after stop", got)
	}
}

func TestInboundTypingExpires(t *testing.T) {
	c, _, b := testCoordinator(t, Options{
		Debounce: time.Minute,
		Quiet:    time.Minute,
		Expiry:   30 * time.Millisecond,
	})

	changed, unsub := b.Subscribe("typing.changed", 16)
	defer unsub()

	b.Publish(typingFrame(t, wire.FrameTyping, "c1", "peer"))
	waitChanged(t, changed, "c1")

	// The stop frame never arrives; expiry clears the indicator anyway.
	waitChanged(t, changed, "c1")
	if got := c.Active("c1"); got != nil {
		t.Errorf("Active = %v, want empty after expiry", got)
	}
}

func TestOwnEchoIgnored(t *testing.T) {
	c, _, b := testCoordinator(t, DefaultOptions())

	b.Publish(typingFrame(t, wire.FrameTyping, "c1", "me"))
	time.Sleep(50 * time.Millisecond)
	if got := c.Active("c1"); got != nil {
		t.Errorf("Active = %v, own typing echo must not register", got)
	}
}

func TestActiveSortedAcrossPeers(t *testing.T) {
	c, _, b := testCoordinator(t, Options{
		Debounce: time.Minute,
		Quiet:    time.Minute,
		Expiry:   time.Minute,
	})

	changed, unsub := b.Subscribe("typing.changed", 16)
	defer unsub()

	b.Publish(typingFrame(t, wire.FrameTyping, "c1", "zoe"))
	waitChanged(t, changed, "c1")
	b.Publish(typingFrame(t, wire.FrameTyping, "c1", "amir"))
	waitChanged(t, changed, "c1")

	if got := c.Active("c1"); !reflect.DeepEqual(got, []string{"amir", "zoe"}) {
		t.Errorf("Active = %v, want sorted [amir zoe]", got)
	}
	if got := c.Active("c2"); got != nil {
		t.Errorf("Active(c2) = %v, want nil", got)
	}
}
