package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ArcadePulseLabs/arena/backend/internal/auth"
	"github.com/ArcadePulseLabs/arena/backend/internal/config"
	"github.com/ArcadePulseLabs/arena/backend/internal/database"
	"github.com/ArcadePulseLabs/arena/backend/internal/logging"
	"github.com/ArcadePulseLabs/arena/backend/internal/roster"
	"github.com/ArcadePulseLabs/arena/backend/internal/server"
	"github.com/ArcadePulseLabs/arena/backend/internal/session"
	"github.com/ArcadePulseLabs/arena/backend/internal/standin"
	"github.com/ArcadePulseLabs/arena/backend/internal/timeline"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "arena-api",
		Short: "Arena match roster and standin backfill service",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	setupFlags(rootCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("signing-secret", "", "Bearer token signing secret (overrides env)")
	cmd.PersistentFlags().String("realtime-channel-prefix", defaults.GetString("realtime.channel_prefix"), "Realtime channel name prefix")
	cmd.PersistentFlags().String("webhook-url", "", "Timeline notification webhook URL")
	cmd.PersistentFlags().String("webhook-auth-header", "", "Authorization header value for the timeline webhook")
	cmd.PersistentFlags().Int("webhook-timeout-seconds", defaults.GetInt("webhook.timeout_seconds"), "Webhook delivery timeout in seconds")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "auth.signing_secret", "signing-secret")
	bindFlag(cmd, "realtime.channel_prefix", "realtime-channel-prefix")
	bindFlag(cmd, "webhook.url", "webhook-url")
	bindFlag(cmd, "webhook.auth_header", "webhook-auth-header")
	bindFlag(cmd, "webhook.timeout_seconds", "webhook-timeout-seconds")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" && errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}

func runServer(ctx context.Context) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	db, err := database.OpenSQLite(appConfig.DatabasePath, logger)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	tokenManager := auth.NewTokenManager(auth.TokenManagerConfig{
		SigningSecret: []byte(appConfig.AuthSigningSecret),
		Issuer:        appConfig.AuthIssuer,
		Audience:      appConfig.AuthAudience,
	})

	dispatcher := timeline.NewDispatcher()
	webhook := timeline.NewWebhookSender(appConfig.WebhookURL, appConfig.WebhookAuthHeader, nil)
	publisher, err := timeline.NewPublisher(timeline.PublisherConfig{
		Database:      db,
		Logger:        logger,
		Dispatcher:    dispatcher,
		Webhook:       webhook,
		ChannelPrefix: appConfig.RealtimeChannelPrefix,
		FanoutTimeout: appConfig.WebhookTimeout,
	})
	if err != nil {
		return err
	}

	rosterService, err := roster.NewService(roster.ServiceConfig{
		Database:    db,
		Logger:      logger,
		AssertReady: roster.ReadySlots,
	})
	if err != nil {
		return err
	}

	coordinator, err := session.NewCoordinator(session.CoordinatorConfig{
		Database:   db,
		Logger:     logger,
		IDProvider: session.NewUUIDProvider(),
		Timeline:   publisher,
	})
	if err != nil {
		return err
	}

	pool, err := standin.NewPool(standin.PoolConfig{Database: db, Logger: logger})
	if err != nil {
		return err
	}
	selector, err := standin.NewSelector(standin.SelectorConfig{
		Pool:     pool,
		Database: db,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		TokenManager:  tokenManager,
		Roster:        rosterService,
		Sessions:      coordinator,
		Standins:      selector,
		Timeline:      publisher,
		Realtime:      dispatcher,
		EnsureSession: coordinator.EnsureForRoom,
		Logger:        logger,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:    appConfig.HTTPAddress,
		Handler: handler,
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", zap.String("address", appConfig.HTTPAddress))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-signalCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		err := httpServer.Shutdown(shutdownCtx)
		publisher.Flush()
		return err
	case err := <-errCh:
		return err
	}
}
