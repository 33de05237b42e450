package wire

import (
	"encoding/json"
	"fmt"
)

// FrameType identifies the kind of a channel frame.
type FrameType string

const (
	FrameMessage    FrameType = "message"
	FrameAck        FrameType = "ack"
	FrameReceipt    FrameType = "receipt"
	FrameTyping     FrameType = "typing"
	FrameTypingStop FrameType = "typingStop"
	FrameError      FrameType = "error"
)

// Frame is the wire envelope for every real-time event on a conversation
// channel, in both directions.
type Frame struct {
	Type           FrameType       `json:"type"`
	ConversationID string          `json:"conversationId"`
	Payload        json.RawMessage `json:"payload,omitempty"`
}

// MessagePayload carries a chat message. A client-sent frame includes only
// ClientToken; the server echo fills in ID and the authoritative CreatedAt.
// The same shape is returned by the history endpoint.
type MessagePayload struct {
	ID            string `json:"id,omitempty"`
	ClientToken   string `json:"clientToken,omitempty"`
	SenderID      string `json:"senderId"`
	Content       string `json:"content,omitempty"`
	AttachmentRef string `json:"attachmentRef,omitempty"`
	CreatedAt     int64  `json:"createdAt"`
}

// AckPayload is the server's acknowledgment of a client-sent message.
type AckPayload struct {
	ClientToken string `json:"clientToken"`
	ID          string `json:"id"`
	CreatedAt   int64  `json:"createdAt"`
}

// ReceiptPayload marks everything at or before ReadAt as read by UserID.
type ReceiptPayload struct {
	UserID string `json:"userId"`
	ReadAt int64  `json:"readAt"`
}

// TypingPayload identifies who is typing (or stopped).
type TypingPayload struct {
	UserID string `json:"userId"`
}

// ErrorPayload reports a server-side error. ClientToken is set when the
// error concerns a specific transmission.
type ErrorPayload struct {
	ClientToken string `json:"clientToken,omitempty"`
	Code        string `json:"code"`
	Message     string `json:"message"`
}

// NewFrame builds a frame with the given payload marshaled into place.
func NewFrame(t FrameType, conversationID string, payload any) (Frame, error) {
	f := Frame{Type: t, ConversationID: conversationID}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return Frame{}, fmt.Errorf("marshal %s payload: %w", t, err)
		}
		f.Payload = raw
	}
	return f, nil
}

// DecodePayload unmarshals the frame payload into v.
func (f Frame) DecodePayload(v any) error {
	if len(f.Payload) == 0 {
		return fmt.Errorf("%s frame has no payload", f.Type)
	}
	if err := json.Unmarshal(f.Payload, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", f.Type, err)
	}
	return nil
}

// Encode serializes a frame for transmission.
func Encode(f Frame) ([]byte, error) {
	data, err := json.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("encode frame: %w", err)
	}
	return data, nil
}

// Decode parses a received frame. Frames of unknown type decode fine; the
// caller decides whether to skip them.
func Decode(data []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return Frame{}, fmt.Errorf("decode frame: %w", err)
	}
	if f.Type == "" {
		return Frame{}, fmt.Errorf("frame missing type")
	}
	return f, nil
}
