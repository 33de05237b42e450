package daemon

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/campuslink/chatsync/internal/account"
	"github.com/campuslink/chatsync/internal/auth"
	"github.com/campuslink/chatsync/internal/bus"
	"github.com/campuslink/chatsync/internal/config"
	"github.com/campuslink/chatsync/internal/conn"
	"github.com/campuslink/chatsync/internal/engine"
	"github.com/campuslink/chatsync/internal/lock"
	"github.com/campuslink/chatsync/internal/logging"
	"github.com/campuslink/chatsync/internal/outbound"
	"github.com/campuslink/chatsync/internal/pager"
	"github.com/campuslink/chatsync/internal/receipts"
	"github.com/campuslink/chatsync/internal/store"
	"github.com/campuslink/chatsync/internal/transport"
	"github.com/campuslink/chatsync/internal/typing"
)

// Params holds the resolved account configuration passed to the fx module.
type Params struct {
	AccountName string
	SocketPath  string // optional override for testing; empty = use default
}

// Module returns the fx module for the daemon, composing all providers and
// lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideLogger,
			provideConfig,
			provideBus,
			provideLock,
			provideSession,
			provideStore,
			provideDialer,
			provideManager,
			provideQueue,
			provideTyping,
			provideReceipts,
			providePager,
			provideEngine,
			NewServer,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideLogger(p Params) (*zap.Logger, error) {
	return logging.New(account.LogPath(p.AccountName), p.AccountName)
}

func provideConfig(logger *zap.Logger) (*config.Config, error) {
	cfg, err := config.Load(account.ConfigPath())
	if errors.Is(err, fs.ErrNotExist) {
		logger.Info("no config file, using defaults")
		return config.Default(), nil
	}
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	if err := account.EnsureDir(p.AccountName); err != nil {
		return nil, err
	}
	logger.Info("acquiring account lock", zap.String("account", p.AccountName))
	l, err := lock.Acquire(account.Dir(p.AccountName))
	if err != nil {
		return nil, err
	}
	logger.Info("account lock acquired")
	return l, nil
}

func provideSession(p Params, b *bus.Bus, logger *zap.Logger) (*auth.Session, error) {
	tokenPath := account.TokenPath(p.AccountName)
	data, err := os.ReadFile(tokenPath)
	if err != nil {
		return nil, fmt.Errorf("read session token (%s): %w", tokenPath, err)
	}
	sess, err := auth.NewSession(strings.TrimSpace(string(data)), b, logger)
	if err != nil {
		return nil, err
	}
	logger.Info("session loaded", zap.String("user_id", sess.UserID()))
	return sess, nil
}

func provideStore(sess *auth.Session, b *bus.Bus, logger *zap.Logger) *store.Store {
	return store.New(sess.UserID(), b, logger)
}

func provideDialer(cfg *config.Config, sess *auth.Session, logger *zap.Logger) *transport.Dialer {
	return transport.NewDialer(cfg.Channel.URL, sess, logger)
}

func provideManager(d *transport.Dialer, cfg *config.Config, b *bus.Bus, logger *zap.Logger) *conn.Manager {
	return conn.NewManager(d, b, logger, conn.Options{
		ReconnectBase: time.Duration(cfg.Channel.ReconnectBaseMS) * time.Millisecond,
		ReconnectMax:  time.Duration(cfg.Channel.ReconnectMaxMS) * time.Millisecond,
		MaxAttempts:   cfg.Channel.ReconnectMaxRetries,
		StableAfter:   time.Duration(cfg.Tuning.StableConnectionSec) * time.Second,
	})
}

func provideQueue(s *store.Store, m *conn.Manager, b *bus.Bus, sess *auth.Session, logger *zap.Logger) *outbound.Queue {
	return outbound.New(s, m, b, logger, sess.UserID())
}

func provideTyping(m *conn.Manager, cfg *config.Config, b *bus.Bus, sess *auth.Session, logger *zap.Logger) *typing.Coordinator {
	return typing.New(m, b, logger, sess.UserID(), typing.Options{
		Debounce: time.Duration(cfg.Tuning.TypingDebounceMS) * time.Millisecond,
		Quiet:    time.Duration(cfg.Tuning.TypingQuietMS) * time.Millisecond,
		Expiry:   time.Duration(cfg.Tuning.TypingExpiryMS) * time.Millisecond,
	})
}

func provideReceipts(s *store.Store, m *conn.Manager, cfg *config.Config, b *bus.Bus, sess *auth.Session, logger *zap.Logger) *receipts.Tracker {
	return receipts.New(s, m, b, logger, sess.UserID(),
		time.Duration(cfg.Tuning.ReadDebounceMS)*time.Millisecond)
}

func providePager(s *store.Store, cfg *config.Config, b *bus.Bus, sess *auth.Session, logger *zap.Logger) *pager.Pager {
	return pager.New(s, b, logger, cfg.API.BaseURL, sess, sess.UserID(), cfg.API.PageLimit)
}

func provideEngine(s *store.Store, m *conn.Manager, q *outbound.Queue, t *typing.Coordinator, r *receipts.Tracker, p *pager.Pager, b *bus.Bus, logger *zap.Logger) *engine.Engine {
	return engine.New(s, m, q, t, r, p, b, logger)
}

func registerLifecycle(lc fx.Lifecycle, srv *Server, lk *lock.Lock, sess *auth.Session, s *store.Store, m *conn.Manager, q *outbound.Queue, t *typing.Coordinator, r *receipts.Tracker, eng *engine.Engine, logger *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			ctx := context.Background()
			sess.Start(ctx)
			s.Start(ctx)
			m.Start(ctx)
			q.Start(ctx)
			t.Start(ctx)
			r.Start(ctx)
			eng.Start(ctx)

			go func() {
				if err := srv.Start(); err != nil {
					logger.Error("api server error", zap.Error(err))
				}
			}()

			logger.Info("daemon started")
			return nil
		},
		OnStop: func(ctx context.Context) error {
			srv.Stop(ctx)
			eng.Stop()
			r.Stop()
			t.Stop()
			q.Stop()
			m.Stop()
			s.Stop()
			sess.Stop()
			if err := lk.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("daemon stopped")
			return nil
		},
	})
}
