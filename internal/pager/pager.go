package pager

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/campuslink/chatsync/internal/bus"
	"github.com/campuslink/chatsync/internal/store"
	"github.com/campuslink/chatsync/internal/wire"
)

// TokenSource supplies the current session token for API authentication.
type TokenSource interface {
	Token() (string, error)
}

// Failure is the payload of pager.error events.
type Failure struct {
	ConversationID string
	Page           int
	Reason         string
}

// Pager fetches message history pages from the REST API and merges them into
// the ledger. Page 1 is the newest slice of the conversation; higher pages go
// further back. Each (conversation, page) fetch is single-flight: concurrent
// requests for the same page join the in-flight call instead of hitting the
// API twice.
type Pager struct {
	store   *store.Store
	bus     *bus.Bus
	logger  *zap.Logger
	client  *http.Client
	baseURL string
	tokens  TokenSource
	selfID  string
	limit   int

	mu       sync.Mutex
	inflight map[string]*call
}

type call struct {
	done       chan struct{}
	count      int
	oldest     int64
	totalPages int
	err        error
}

// New creates a pager against the given API base URL.
func New(s *store.Store, b *bus.Bus, logger *zap.Logger, baseURL string, tokens TokenSource, selfID string, limit int) *Pager {
	return &Pager{
		store:    s,
		bus:      b,
		logger:   logger,
		client:   &http.Client{Timeout: 15 * time.Second},
		baseURL:  strings.TrimSuffix(baseURL, "/"),
		tokens:   tokens,
		selfID:   selfID,
		limit:    limit,
		inflight: make(map[string]*call),
	}
}

// LoadLatest fetches the newest page, the initial load when a conversation
// opens.
func (p *Pager) LoadLatest(ctx context.Context, conversationID string) error {
	_, err := p.fetchPage(ctx, conversationID, 1)
	return err
}

// LoadPage fetches one specific page. A failed page can be re-requested with
// the same number; the merge is idempotent.
func (p *Pager) LoadPage(ctx context.Context, conversationID string, page int) error {
	if page < 1 {
		return fmt.Errorf("page numbers start at 1, got %d", page)
	}
	_, err := p.fetchPage(ctx, conversationID, page)
	return err
}

// LoadMoreIfNeeded fetches the next older page when the cursor says one
// exists. A no-op past the last page.
func (p *Pager) LoadMoreIfNeeded(ctx context.Context, conversationID string) error {
	page, hasMore := p.store.Cursor(conversationID)
	if !hasMore {
		return nil
	}
	_, err := p.fetchPage(ctx, conversationID, page+1)
	return err
}

// GapFill closes the hole left by a channel outage: it walks pages from the
// newest until the fetched history overlaps what the ledger already holds.
// The merge is idempotent, so overlap with push redelivery is harmless.
func (p *Pager) GapFill(ctx context.Context, conversationID string) error {
	since := p.store.LatestCreatedAt(conversationID)
	for page := 1; ; page++ {
		res, err := p.fetchPage(ctx, conversationID, page)
		if err != nil {
			return err
		}
		if res.count == 0 || res.oldest <= since || page >= res.totalPages {
			return nil
		}
		// Nothing local to anchor on: the newest page is enough.
		if since == 0 {
			return nil
		}
	}
}

func (p *Pager) fetchPage(ctx context.Context, conversationID string, page int) (*call, error) {
	key := conversationID + "#" + strconv.Itoa(page)

	p.mu.Lock()
	if c, ok := p.inflight[key]; ok {
		p.mu.Unlock()
		select {
		case <-c.done:
			return c, c.err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	c := &call{done: make(chan struct{})}
	p.inflight[key] = c
	p.mu.Unlock()

	c.count, c.oldest, c.totalPages, c.err = p.doFetch(ctx, conversationID, page)

	p.mu.Lock()
	delete(p.inflight, key)
	p.mu.Unlock()
	close(c.done)

	if c.err != nil {
		if p.logger != nil {
			p.logger.Warn("history page fetch failed",
				zap.String("conversation_id", conversationID),
				zap.Int("page", page), zap.Error(c.err))
		}
		p.bus.Publish(bus.Event{
			Kind:      "pager.error",
			Timestamp: time.Now(),
			Payload:   Failure{ConversationID: conversationID, Page: page, Reason: c.err.Error()},
		})
	}
	return c, c.err
}

type pageResponse struct {
	Data       []wire.MessagePayload `json:"data"`
	Pagination struct {
		Page       int `json:"page"`
		TotalPages int `json:"totalPages"`
	} `json:"pagination"`
}

func (p *Pager) doFetch(ctx context.Context, conversationID string, page int) (count int, oldest int64, totalPages int, err error) {
	token, err := p.tokens.Token()
	if err != nil {
		return 0, 0, 0, fmt.Errorf("session token: %w", err)
	}

	endpoint := p.baseURL + "/v1/conversations/" + url.PathEscape(conversationID) +
		"/messages?page=" + strconv.Itoa(page) + "&limit=" + strconv.Itoa(p.limit)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return 0, 0, 0, err
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := p.client.Do(req)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("history fetch: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0, 0, 0, fmt.Errorf("history fetch: unexpected status %d", resp.StatusCode)
	}

	var body pageResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return 0, 0, 0, fmt.Errorf("history fetch: %w", err)
	}

	evts := make([]store.Event, 0, len(body.Data))
	for _, m := range body.Data {
		st := store.StatusDelivered
		if m.SenderID == p.selfID {
			st = store.StatusSent
		}
		evts = append(evts, store.Event{
			ID:             m.ID,
			ClientToken:    m.ClientToken,
			ConversationID: conversationID,
			SenderID:       m.SenderID,
			Content:        m.Content,
			AttachmentRef:  m.AttachmentRef,
			CreatedAt:      m.CreatedAt,
			Status:         st,
		})
		if oldest == 0 || m.CreatedAt < oldest {
			oldest = m.CreatedAt
		}
	}
	p.store.ApplyBatch(conversationID, evts)
	p.store.SetCursor(conversationID, body.Pagination.Page, body.Pagination.TotalPages)
	return len(body.Data), oldest, body.Pagination.TotalPages, nil
}
