package daemon

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/campuslink/chatsync/internal/auth"
	"github.com/campuslink/chatsync/internal/bus"
	"github.com/campuslink/chatsync/internal/conn"
	"github.com/campuslink/chatsync/internal/engine"
	"github.com/campuslink/chatsync/internal/lock"
	"github.com/campuslink/chatsync/internal/outbound"
	"github.com/campuslink/chatsync/internal/pager"
	"github.com/campuslink/chatsync/internal/receipts"
	"github.com/campuslink/chatsync/internal/store"
	"github.com/campuslink/chatsync/internal/typing"
	"github.com/campuslink/chatsync/internal/wire"
)

// ackChannel is a live channel stand-in that acknowledges every message frame.
type ackChannel struct {
	in     chan wire.Frame
	closed chan struct{}
	once   sync.Once
	convID string
}

func (c *ackChannel) Send(_ context.Context, f wire.Frame) error {
	select {
	case <-c.closed:
		return errors.New("send on closed channel")
	default:
	}
	if f.Type == wire.FrameMessage {
		var p wire.MessagePayload
		if err := f.DecodePayload(&p); err == nil {
			ack, _ := wire.NewFrame(wire.FrameAck, c.convID, wire.AckPayload{
				ClientToken: p.ClientToken, ID: "srv-" + p.ClientToken[:8], CreatedAt: p.CreatedAt,
			})
			c.in <- ack
		}
	}
	return nil
}

func (c *ackChannel) Receive(ctx context.Context) (wire.Frame, error) {
	select {
	case f := <-c.in:
		return f, nil
	case <-c.closed:
		return wire.Frame{}, errors.New("channel dropped")
	case <-ctx.Done():
		return wire.Frame{}, ctx.Err()
	}
}

func (c *ackChannel) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

type ackDialer struct{}

func (ackDialer) Dial(_ context.Context, conversationID string) (conn.Channel, error) {
	return &ackChannel{
		in:     make(chan wire.Frame, 32),
		closed: make(chan struct{}),
		convID: conversationID,
	}, nil
}

func testToken(t *testing.T, sub string) string {
	t.Helper()
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": sub,
		"exp": time.Now().Add(time.Hour).Unix(),
	}).SignedString([]byte("test-secret"))
	if err != nil {
		t.Fatal(err)
	}
	return tok
}

type emptyHistory struct{}

func (emptyHistory) ServeHTTP(w http.ResponseWriter, _ *http.Request) {
	_, _ = w.Write([]byte(`{"data":[],"pagination":{"page":1,"totalPages":0}}`))
}

// startDaemon assembles the full stack on a short /tmp socket and returns an
// HTTP client bound to it.
func startDaemon(t *testing.T) *http.Client {
	t.Helper()
	ctx := context.Background()

	// Short path to stay under the Unix socket length limit.
	tmpDir, err := os.MkdirTemp("/tmp", "chatsync-test-*")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = os.RemoveAll(tmpDir) })
	socketPath := filepath.Join(tmpDir, "d.sock")

	lk, err := lock.Acquire(tmpDir)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = lk.Release() })

	b := bus.New()
	sess, err := auth.NewSession(testToken(t, "me"), b, nil)
	if err != nil {
		t.Fatal(err)
	}
	sess.Start(ctx)
	t.Cleanup(sess.Stop)

	s := store.New(sess.UserID(), b, nil)
	s.Start(ctx)
	t.Cleanup(s.Stop)

	m := conn.NewManager(ackDialer{}, b, nil, conn.Options{
		ReconnectBase: 5 * time.Millisecond,
		ReconnectMax:  20 * time.Millisecond,
		MaxAttempts:   3,
		StableAfter:   time.Minute,
	})
	m.Start(ctx)
	t.Cleanup(m.Stop)

	q := outbound.New(s, m, b, nil, sess.UserID())
	q.Start(ctx)
	t.Cleanup(q.Stop)

	ty := typing.New(m, b, nil, sess.UserID(), typing.DefaultOptions())
	ty.Start(ctx)
	t.Cleanup(ty.Stop)

	rc := receipts.New(s, m, b, nil, sess.UserID(), 10*time.Millisecond)
	rc.Start(ctx)
	t.Cleanup(rc.Stop)

	hist := httptest.NewServer(emptyHistory{})
	t.Cleanup(hist.Close)
	p := pager.New(s, b, nil, hist.URL, sess, sess.UserID(), 20)

	eng := engine.New(s, m, q, ty, rc, p, b, nil)
	eng.Start(ctx)
	t.Cleanup(eng.Stop)

	srv, err := NewServer(Params{AccountName: "test", SocketPath: socketPath}, zap.NewNop(), sess, eng)
	if err != nil {
		t.Fatal(err)
	}
	go func() { _ = srv.Start() }()
	t.Cleanup(func() { srv.Stop(context.Background()) })
	time.Sleep(50 * time.Millisecond)

	if info, err := os.Stat(socketPath); err != nil {
		t.Fatalf("socket not created: %v", err)
	} else if perm := info.Mode().Perm(); perm != 0600 {
		t.Fatalf("socket mode = %o, want 0600", perm)
	}

	return &http.Client{
		Transport: &http.Transport{
			DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
				var d net.Dialer
				return d.DialContext(ctx, "unix", socketPath)
			},
		},
	}
}

func get(t *testing.T, client *http.Client, path string, out any) int {
	t.Helper()
	resp, err := client.Get("http://daemon" + path)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatal(err)
		}
	}
	return resp.StatusCode
}

func post(t *testing.T, client *http.Client, path string, body, out any) int {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	resp, err := client.Post("http://daemon"+path, "application/json", &buf)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatal(err)
		}
	}
	return resp.StatusCode
}

func TestDaemonLifecycle(t *testing.T) {
	client := startDaemon(t)

	var status statusResponse
	if code := get(t, client, "/v1/status", &status); code != http.StatusOK {
		t.Fatalf("status code = %d", code)
	}
	if status.Account != "test" || status.UserID != "me" || !status.SessionValid {
		t.Errorf("status = %+v", status)
	}

	if code := post(t, client, "/v1/conversations/c1/open", nil, nil); code != http.StatusNoContent {
		t.Fatalf("open code = %d", code)
	}

	var sent struct {
		ClientToken string `json:"clientToken"`
	}
	code := post(t, client, "/v1/conversations/c1/messages",
		sendRequest{Content: "hello"}, &sent)
	if code != http.StatusAccepted || sent.ClientToken == "" {
		t.Fatalf("send code = %d, token = %q", code, sent.ClientToken)
	}

	// The fake gateway acks; the snapshot converges on a confirmed message.
	deadline := time.Now().Add(3 * time.Second)
	var view viewJSON
	for {
		get(t, client, "/v1/conversations/c1", &view)
		if len(view.Messages) == 1 && view.Messages[0].Status == "sent" {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("view never converged: %+v", view)
		}
		time.Sleep(10 * time.Millisecond)
	}
	if view.Messages[0].ClientToken != sent.ClientToken || view.Messages[0].ID == "" {
		t.Errorf("message = %+v, want confirmed under the returned token", view.Messages[0])
	}

	if code := post(t, client, "/v1/conversations/c1/read", nil, nil); code != http.StatusNoContent {
		t.Errorf("read code = %d", code)
	}
	if code := post(t, client, "/v1/conversations/c1/typing", nil, nil); code != http.StatusNoContent {
		t.Errorf("typing code = %d", code)
	}
	if code := post(t, client, "/v1/conversations/c1/more", nil, nil); code != http.StatusNoContent {
		t.Errorf("more code = %d", code)
	}

	if code := post(t, client, "/v1/conversations/c1/close", nil, nil); code != http.StatusNoContent {
		t.Errorf("close code = %d", code)
	}
	if code := post(t, client, "/v1/conversations/c1/close", nil, nil); code != http.StatusNotFound {
		t.Errorf("double close code = %d, want 404", code)
	}
}

func TestSendRejectsEmptyMessage(t *testing.T) {
	client := startDaemon(t)
	if code := post(t, client, "/v1/conversations/c1/messages", sendRequest{}, nil); code != http.StatusBadRequest {
		t.Errorf("code = %d, want 400", code)
	}
}

func TestRetryUnknownTokenConflicts(t *testing.T) {
	client := startDaemon(t)
	if code := post(t, client, "/v1/messages/nope/retry", nil, nil); code != http.StatusConflict {
		t.Errorf("code = %d, want 409", code)
	}
	if code := post(t, client, "/v1/conversations/c1/retry-connect", nil, nil); code != http.StatusConflict {
		t.Errorf("retry-connect on idle conversation = %d, want 409", code)
	}
}

func TestEventsStreamDeliversViews(t *testing.T) {
	client := startDaemon(t)

	if code := post(t, client, "/v1/conversations/c1/open", nil, nil); code != http.StatusNoContent {
		t.Fatalf("open code = %d", code)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://daemon/v1/conversations/c1/events", nil)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := client.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("Content-Type = %q", ct)
	}

	// The initial view arrives without any activity.
	buf := make([]byte, 4096)
	n, err := resp.Body.Read(buf)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Contains(buf[:n], []byte("conversationId")) {
		t.Errorf("first event = %q, want a view payload", buf[:n])
	}
}
