package bus

import (
	"testing"
	"time"
)

func TestPublishSubscribe(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("conv.", 10)
	defer unsub()

	b.Publish(Event{Kind: "conv.updated", Timestamp: time.Now(), Payload: "c1"})

	select {
	case evt := <-ch:
		if evt.Kind != "conv.updated" {
			t.Errorf("got kind %q, want conv.updated", evt.Kind)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}
}

func TestPrefixFiltering(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("frame.", 10)
	defer unsub()

	b.Publish(Event{Kind: "conv.updated"})
	b.Publish(Event{Kind: "frame.ack"})

	select {
	case evt := <-ch:
		if evt.Kind != "frame.ack" {
			t.Errorf("got kind %q, want frame.ack", evt.Kind)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}

	// The conv event must not have been delivered.
	select {
	case evt := <-ch:
		t.Errorf("unexpected event: %v", evt)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestEmptyPrefixMatchesAll(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("", 10)
	defer unsub()

	b.Publish(Event{Kind: "conn.connected"})
	b.Publish(Event{Kind: "typing.changed"})

	for _, want := range []string{"conn.connected", "typing.changed"} {
		select {
		case evt := <-ch:
			if evt.Kind != want {
				t.Errorf("got kind %q, want %q", evt.Kind, want)
			}
		case <-time.After(time.Second):
			t.Fatalf("timeout waiting for %s", want)
		}
	}
}

func TestUnsubscribe(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("conv.", 10)
	unsub()

	b.Publish(Event{Kind: "conv.updated"})

	select {
	case evt := <-ch:
		t.Errorf("received event after unsubscribe: %v", evt)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestDropOnFullBuffer(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("conv.", 1)
	defer unsub()

	b.Publish(Event{Kind: "conv.updated", Payload: "first"})
	// Buffer is full; this one is dropped.
	b.Publish(Event{Kind: "conv.updated", Payload: "second"})

	evt := <-ch
	if evt.Payload != "first" {
		t.Errorf("got payload %v, want first", evt.Payload)
	}
}
