// Package syncserver is a development sync server: it issues client tokens,
// acknowledges query subscriptions, expires subscriptions past their time to
// live and acknowledges uploads over a websocket.
package syncserver

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"

	"github.com/MarcoPoloResearchLab/realmkit/internal/auth"
	"github.com/MarcoPoloResearchLab/realmkit/internal/database"
	"github.com/MarcoPoloResearchLab/realmkit/internal/protocol"
	"github.com/MarcoPoloResearchLab/realmkit/internal/users"
)

const (
	tokenIssuer           = "realmkit-sync"
	tokenAudience         = "realmkit-clients"
	defaultExpiryInterval = 30 * time.Second
	shutdownTimeout       = 10 * time.Second
)

var errMissingDatabasePath = errors.New("database path is required")

// Config describes a development sync server.
type Config struct {
	Address        string
	DatabasePath   string
	SigningSecret  string
	TokenTTL       time.Duration
	AckDelay       time.Duration
	ExpiryInterval time.Duration
	Clock          func() time.Time
	Logger         *zap.Logger
}

// Server owns the database, the router and the expiry loop.
type Server struct {
	cfg        Config
	db         *gorm.DB
	store      *Store
	dispatcher *Dispatcher
	metrics    *Metrics
	tokens     *auth.TokenIssuer
	handler    http.Handler
	logger     *zap.Logger
}

// New opens the server database and wires the HTTP handler.
func New(cfg Config) (*Server, error) {
	if strings.TrimSpace(cfg.DatabasePath) == "" {
		return nil, newServiceError(opServerNew, "missing_database_path", errMissingDatabasePath)
	}
	if strings.TrimSpace(cfg.SigningSecret) == "" {
		return nil, newServiceError(opServerNew, "missing_secret", errMissingSecret)
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.ExpiryInterval <= 0 {
		cfg.ExpiryInterval = defaultExpiryInterval
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	tokens, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(cfg.SigningSecret),
		Issuer:        tokenIssuer,
		Audience:      tokenAudience,
		TokenTTL:      cfg.TokenTTL,
		Clock:         cfg.Clock,
	})
	if err != nil {
		return nil, newServiceError(opServerNew, "token_issuer", err)
	}

	db, err := database.OpenSQLite(cfg.DatabasePath, logger, append(Models(), &users.Identity{})...)
	if err != nil {
		return nil, newServiceError(opServerNew, "open_database", err)
	}
	store, err := NewStore(StoreConfig{Database: db, Clock: cfg.Clock, Logger: logger})
	if err != nil {
		_ = database.Close(db)
		return nil, err
	}
	identities, err := users.NewService(users.ServiceConfig{Database: db, Clock: cfg.Clock})
	if err != nil {
		_ = database.Close(db)
		return nil, newServiceError(opServerNew, "identities", err)
	}

	server := &Server{
		cfg:        cfg,
		db:         db,
		store:      store,
		dispatcher: NewDispatcher(),
		metrics:    NewMetrics(),
		tokens:     tokens,
		logger:     logger,
	}
	handler, err := NewHTTPHandler(Dependencies{
		Tokens:       tokens,
		Identities:   identities,
		Store:        store,
		Dispatcher:   server.dispatcher,
		Metrics:      server.metrics,
		SharedSecret: cfg.SigningSecret,
		AckDelay:     cfg.AckDelay,
		Logger:       logger,
	})
	if err != nil {
		_ = database.Close(db)
		return nil, err
	}
	server.handler = handler
	return server, nil
}

// Handler exposes the router, e.g. for httptest servers.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Store exposes the subscription store.
func (s *Server) Store() *Store {
	return s.store
}

// Metrics exposes the server's collectors.
func (s *Server) Metrics() *Metrics {
	return s.metrics
}

// IssueToken issues a client token for subject without the HTTP round trip.
func (s *Server) IssueToken(ctx context.Context, subject string) (string, error) {
	token, _, err := s.tokens.IssueToken(ctx, subject)
	return token, err
}

// Run serves HTTP on the configured address and runs the expiry loop until ctx ends.
func (s *Server) Run(ctx context.Context) error {
	if strings.TrimSpace(s.cfg.Address) == "" {
		return errors.New("syncserver: listen address is required")
	}
	group, groupCtx := errgroup.WithContext(ctx)
	httpServer := &http.Server{
		Addr:              s.cfg.Address,
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return groupCtx },
	}

	group.Go(func() error {
		s.logger.Info("sync server starting", zap.String("address", s.cfg.Address))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		return s.expiryLoop(groupCtx)
	})
	group.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})
	return group.Wait()
}

func (s *Server) expiryLoop(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.ExpiryInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := s.ExpireOnce(ctx); err != nil {
				s.logger.Warn("subscription expiry failed", zap.Error(err))
			}
		}
	}
}

// ExpireOnce removes subscriptions whose time to live has elapsed and tells
// their owners' connections. It returns how many were removed.
func (s *Server) ExpireOnce(ctx context.Context) (int, error) {
	expired, err := s.store.Expire(ctx, s.cfg.Clock())
	if err != nil {
		return 0, err
	}
	for _, record := range expired {
		s.metrics.ExpiredSubscriptionsTotal.Inc()
		s.dispatcher.Publish(record.UserID, protocol.Message{Type: protocol.TypeSubscriptionRemoved, Name: record.Name})
		s.logger.Info("subscription expired", zap.String("user_id", record.UserID), zap.String("name", record.Name))
	}
	return len(expired), nil
}

// Close releases the database.
func (s *Server) Close() error {
	return database.Close(s.db)
}
