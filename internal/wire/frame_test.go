package wire

import "testing"

func TestEncodeDecodeRoundTrip(t *testing.T) {
	f, err := NewFrame(FrameMessage, "c1", MessagePayload{
		ClientToken: "tok-1",
		SenderID:    "u1",
		Content:     "hello",
		CreatedAt:   1000,
	})
	if err != nil {
		t.Fatal(err)
	}

	data, err := Encode(f)
	if err != nil {
		t.Fatal(err)
	}

	got, err := Decode(data)
	if err != nil {
		t.Fatal(err)
	}
	if got.Type != FrameMessage || got.ConversationID != "c1" {
		t.Errorf("frame = %+v, want message frame for c1", got)
	}

	var p MessagePayload
	if err := got.DecodePayload(&p); err != nil {
		t.Fatal(err)
	}
	if p.ClientToken != "tok-1" || p.Content != "hello" {
		t.Errorf("payload = %+v", p)
	}
}

func TestDecodeMissingType(t *testing.T) {
	if _, err := Decode([]byte(`{"conversationId":"c1"}`)); err == nil {
		t.Error("Decode() should fail on a frame without a type")
	}
}

func TestDecodeUnknownTypeTolerated(t *testing.T) {
	f, err := Decode([]byte(`{"type":"presence","conversationId":"c1"}`))
	if err != nil {
		t.Fatalf("unknown frame types must decode: %v", err)
	}
	if f.Type != "presence" {
		t.Errorf("type = %q, want presence", f.Type)
	}
}

func TestDecodePayloadEmpty(t *testing.T) {
	f := Frame{Type: FrameAck, ConversationID: "c1"}
	var p AckPayload
	if err := f.DecodePayload(&p); err == nil {
		t.Error("DecodePayload() should fail on empty payload")
	}
}
