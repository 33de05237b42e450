package transport

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"go.uber.org/zap"
	"nhooyr.io/websocket"

	"github.com/campuslink/chatsync/internal/conn"
	"github.com/campuslink/chatsync/internal/wire"
)

// TokenSource supplies the current session token for channel authentication.
type TokenSource interface {
	Token() (string, error)
}

// Dialer opens one websocket per conversation against the chat gateway.
type Dialer struct {
	baseURL string
	tokens  TokenSource
	logger  *zap.Logger
}

// NewDialer creates a websocket dialer for the given gateway URL.
func NewDialer(baseURL string, tokens TokenSource, logger *zap.Logger) *Dialer {
	return &Dialer{baseURL: baseURL, tokens: tokens, logger: logger}
}

// Dial implements conn.Dialer.
func (d *Dialer) Dial(ctx context.Context, conversationID string) (conn.Channel, error) {
	token, err := d.tokens.Token()
	if err != nil {
		return nil, fmt.Errorf("session token: %w", err)
	}

	wsURL := strings.Replace(d.baseURL, "https://", "wss://", 1)
	wsURL = strings.Replace(wsURL, "http://", "ws://", 1)
	wsURL = strings.TrimSuffix(wsURL, "/") +
		"/v1/conversations/" + url.PathEscape(conversationID) + "/channel" +
		"?token=" + url.QueryEscape(token)

	c, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("websocket dial: %w", err)
	}

	if d.logger != nil {
		d.logger.Info("channel established", zap.String("conversation_id", conversationID))
	}
	return &channel{c: c}, nil
}

type channel struct {
	c *websocket.Conn
}

func (ch *channel) Send(ctx context.Context, f wire.Frame) error {
	data, err := wire.Encode(f)
	if err != nil {
		return err
	}
	return ch.c.Write(ctx, websocket.MessageText, data)
}

func (ch *channel) Receive(ctx context.Context) (wire.Frame, error) {
	_, data, err := ch.c.Read(ctx)
	if err != nil {
		return wire.Frame{}, err
	}
	return wire.Decode(data)
}

func (ch *channel) Close() error {
	return ch.c.Close(websocket.StatusNormalClosure, "")
}
