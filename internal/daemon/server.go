package daemon

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/campuslink/chatsync/internal/account"
	"github.com/campuslink/chatsync/internal/auth"
	"github.com/campuslink/chatsync/internal/engine"
	"github.com/campuslink/chatsync/internal/store"
)

// Server exposes the engine over the account's Unix domain socket. The API is
// local-only; the socket file's 0600 mode is the authentication boundary.
type Server struct {
	httpServer *http.Server
	listener   net.Listener
	socketPath string
	logger     *zap.Logger

	account   string
	session   *auth.Session
	engine    *engine.Engine
	startedAt time.Time
}

// NewServer creates an HTTP server bound to the account's socket.
func NewServer(p Params, logger *zap.Logger, sess *auth.Session, eng *engine.Engine) (*Server, error) {
	socketPath := p.SocketPath
	if socketPath == "" {
		socketPath = account.SocketPath(p.AccountName)
	}

	// Clean stale socket if it exists.
	if _, err := os.Stat(socketPath); err == nil {
		_ = os.Remove(socketPath)
	}

	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("listen unix socket: %w", err)
	}
	if err := os.Chmod(socketPath, 0600); err != nil {
		_ = listener.Close()
		return nil, fmt.Errorf("chmod socket: %w", err)
	}

	s := &Server{
		listener:   listener,
		socketPath: socketPath,
		logger:     logger,
		account:    p.AccountName,
		session:    sess,
		engine:     eng,
		startedAt:  time.Now(),
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	s.routes(router)
	s.httpServer = &http.Server{Handler: router}
	return s, nil
}

// Start begins serving requests. Blocks until stopped.
func (s *Server) Start() error {
	s.logger.Info("api server starting", zap.String("socket", s.socketPath))
	err := s.httpServer.Serve(s.listener)
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Stop performs a graceful shutdown and removes the socket file.
func (s *Server) Stop(ctx context.Context) {
	s.logger.Info("api server stopping")
	_ = s.httpServer.Shutdown(ctx)
	_ = os.Remove(s.socketPath)
}

func (s *Server) routes(r *gin.Engine) {
	r.GET("/v1/status", s.handleStatus)

	conv := r.Group("/v1/conversations/:id")
	conv.GET("", s.handleSnapshot)
	conv.GET("/events", s.handleEvents)
	conv.POST("/open", s.handleOpen)
	conv.POST("/close", s.handleClose)
	conv.POST("/messages", s.handleSend)
	conv.POST("/read", s.handleRead)
	conv.POST("/typing", s.handleTyping)
	conv.POST("/more", s.handleMore)
	conv.POST("/retry-connect", s.handleRetryConnect)

	r.POST("/v1/messages/:token/retry", s.handleRetryMessage)
}

type statusResponse struct {
	Account      string `json:"account"`
	UserID       string `json:"userId"`
	SessionValid bool   `json:"sessionValid"`
	UptimeSec    int64  `json:"uptimeSec"`
}

type messageJSON struct {
	ID            string `json:"id,omitempty"`
	ClientToken   string `json:"clientToken"`
	SenderID      string `json:"senderId"`
	Content       string `json:"content"`
	AttachmentRef string `json:"attachmentRef,omitempty"`
	CreatedAt     int64  `json:"createdAt"`
	Status        string `json:"status"`
}

type viewJSON struct {
	ConversationID string        `json:"conversationId"`
	State          string        `json:"state"`
	Messages       []messageJSON `json:"messages"`
	Typing         []string      `json:"typing,omitempty"`
	UnreadCount    int           `json:"unreadCount"`
	HasMore        bool          `json:"hasMore"`
}

func toViewJSON(v engine.View) viewJSON {
	out := viewJSON{
		ConversationID: v.ConversationID,
		State:          string(v.State),
		Messages:       make([]messageJSON, len(v.Messages)),
		Typing:         v.Typing,
		UnreadCount:    v.UnreadCount,
		HasMore:        v.HasMore,
	}
	for i, m := range v.Messages {
		out.Messages[i] = toMessageJSON(m)
	}
	return out
}

func toMessageJSON(m store.Message) messageJSON {
	return messageJSON{
		ID:            m.ID,
		ClientToken:   m.ClientToken,
		SenderID:      m.SenderID,
		Content:       m.Content,
		AttachmentRef: m.AttachmentRef,
		CreatedAt:     m.CreatedAt,
		Status:        string(m.Status),
	}
}

func (s *Server) handleStatus(c *gin.Context) {
	c.JSON(http.StatusOK, statusResponse{
		Account:      s.account,
		UserID:       s.session.UserID(),
		SessionValid: s.session.Valid(),
		UptimeSec:    int64(time.Since(s.startedAt).Seconds()),
	})
}

func (s *Server) handleSnapshot(c *gin.Context) {
	c.JSON(http.StatusOK, toViewJSON(s.engine.Snapshot(c.Param("id"))))
}

// handleEvents streams views as server-sent events until the client hangs up.
func (s *Server) handleEvents(c *gin.Context) {
	views := s.engine.Observe(c.Request.Context(), c.Param("id"))
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Stream(func(_ io.Writer) bool {
		v, ok := <-views
		if !ok {
			return false
		}
		c.SSEvent("view", toViewJSON(v))
		return true
	})
}

func (s *Server) handleOpen(c *gin.Context) {
	s.engine.Open(c.Param("id"))
	c.Status(http.StatusNoContent)
}

func (s *Server) handleClose(c *gin.Context) {
	if err := s.engine.Close(c.Param("id")); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.Status(http.StatusNoContent)
}

type sendRequest struct {
	Content       string `json:"content"`
	AttachmentRef string `json:"attachmentRef"`
}

func (s *Server) handleSend(c *gin.Context) {
	var req sendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	token, err := s.engine.Send(c.Request.Context(), c.Param("id"), req.Content, req.AttachmentRef)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"clientToken": token})
}

func (s *Server) handleRead(c *gin.Context) {
	s.engine.MarkRead(c.Param("id"))
	c.Status(http.StatusNoContent)
}

func (s *Server) handleTyping(c *gin.Context) {
	s.engine.InputActivity(c.Request.Context(), c.Param("id"))
	c.Status(http.StatusNoContent)
}

func (s *Server) handleMore(c *gin.Context) {
	if err := s.engine.LoadMore(c.Request.Context(), c.Param("id")); err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleRetryConnect(c *gin.Context) {
	if err := s.engine.RetryConnect(c.Param("id")); err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleRetryMessage(c *gin.Context) {
	if err := s.engine.RetryMessage(c.Request.Context(), c.Param("token")); err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	c.Status(http.StatusNoContent)
}
