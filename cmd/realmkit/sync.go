package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/realmkit/internal/realm"
	"github.com/MarcoPoloResearchLab/realmkit/internal/session"
)

func newSyncCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Keep a realm file synchronized with a sync server until interrupted",
		Long:  "Keep a realm file synchronized with a sync server until interrupted. SIGHUP resets the reconnect backoff and retries a dropped connection immediately.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSync(cmd.Context())
		},
	}
	cmd.Flags().String("url", "", "Websocket URL of the sync endpoint")
	cmd.Flags().String("token", "", "Bearer token for the sync server")
	bindLocalFlag(cmd, "sync.url", "url")
	bindLocalFlag(cmd, "sync.token", "token")
	return cmd
}

func runSync(ctx context.Context) error {
	appConfig, logger, err := loadRuntime()
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	if strings.TrimSpace(appConfig.SyncURL) == "" {
		return errors.New("sync.url is required")
	}

	syncSession, err := session.New(session.Config{
		Realm: realm.Config{
			Path:          appConfig.RealmPath,
			Dynamic:       true,
			EncryptionKey: appConfig.EncryptionKey,
			SchemaVersion: appConfig.SchemaVersion,
			WatchFile:     true,
			Logger:        logger,
		},
		Transport: session.NewWebSocketTransport(appConfig.SyncURL, appConfig.SyncToken),
		Logger:    logger,
		OnError: func(s *session.Session, syncErr *session.SyncError) {
			fields := []zap.Field{zap.String("session", s.ID()), zap.Error(syncErr)}
			if syncErr.IsClientReset() {
				fields = append(fields, zap.String("backup_path", syncErr.BackupPath))
			}
			logger.Warn("sync error", fields...)
		},
	})
	if err != nil {
		return err
	}
	sessions := session.NewManager()
	if err := sessions.Add(syncSession); err != nil {
		return err
	}
	defer func() {
		if closeErr := sessions.CloseAll(); closeErr != nil {
			logger.Warn("failed to close sync sessions", zap.Error(closeErr))
		}
	}()

	unsubscribe := syncSession.OnConnectionState(func(previous, current session.ConnectionState) {
		logger.Info("connection state changed",
			zap.Stringer("from", previous),
			zap.Stringer("to", current))
	})
	defer unsubscribe()

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := syncSession.Start(signalCtx); err != nil {
		return err
	}
	go logProgress(signalCtx, logger, syncSession, session.Upload)
	go logProgress(signalCtx, logger, syncSession, session.Download)

	hangup := make(chan os.Signal, 1)
	signal.Notify(hangup, syscall.SIGHUP)
	defer signal.Stop(hangup)
	for {
		select {
		case <-signalCtx.Done():
			return nil
		case <-hangup:
			logger.Info("reconnecting sync sessions")
			sessions.ReconnectAll()
		}
	}
}

func logProgress(ctx context.Context, logger *zap.Logger, s *session.Session, direction session.Direction) {
	for sample := range s.Progress(ctx, direction, session.ReportIndefinitely) {
		logger.Debug("sync progress",
			zap.Stringer("direction", direction),
			zap.Uint64("transferred", sample.Transferred),
			zap.Uint64("transferable", sample.Transferable))
	}
}
