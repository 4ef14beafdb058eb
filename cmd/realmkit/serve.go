package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/realmkit/internal/syncserver"
)

func newServeCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the development sync server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context())
		},
	}
	flags := cmd.Flags()
	flags.String("address", "", "HTTP listen address")
	flags.String("database-path", "", "SQLite database path for server state")
	flags.String("signing-secret", "", "Token signing secret, also accepted as the token request secret")
	flags.Int("token-ttl-minutes", 0, "Lifetime of issued tokens in minutes")
	flags.Int("ack-delay-ms", 0, "Delay before subscriptions are reported complete")
	flags.Int("expiry-interval-seconds", 0, "How often expired subscriptions are removed")

	bindLocalFlag(cmd, "server.address", "address")
	bindLocalFlag(cmd, "server.database_path", "database-path")
	bindLocalFlag(cmd, "server.signing_secret", "signing-secret")
	bindLocalFlag(cmd, "server.token_ttl_minutes", "token-ttl-minutes")
	bindLocalFlag(cmd, "server.ack_delay_ms", "ack-delay-ms")
	bindLocalFlag(cmd, "server.expiry_interval_seconds", "expiry-interval-seconds")
	return cmd
}

func runServe(ctx context.Context) error {
	appConfig, logger, err := loadRuntime()
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	if err := appConfig.ValidateServer(); err != nil {
		return err
	}

	server, err := syncserver.New(syncserver.Config{
		Address:        appConfig.ServerAddress,
		DatabasePath:   appConfig.ServerDatabasePath,
		SigningSecret:  appConfig.ServerSigningSecret,
		TokenTTL:       appConfig.ServerTokenTTL,
		AckDelay:       appConfig.ServerAckDelay,
		ExpiryInterval: appConfig.ServerExpiryInterval,
		Logger:         logger,
	})
	if err != nil {
		return err
	}
	defer server.Close()

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	err = server.Run(signalCtx)
	logger.Info("sync server stopped", zap.Error(err))
	return err
}
