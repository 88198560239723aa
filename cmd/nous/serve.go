package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/nous/internal/auth"
	"github.com/MarcoPoloResearchLab/nous/internal/config"
	"github.com/MarcoPoloResearchLab/nous/internal/couple"
	"github.com/MarcoPoloResearchLab/nous/internal/database"
	"github.com/MarcoPoloResearchLab/nous/internal/logging"
	"github.com/MarcoPoloResearchLab/nous/internal/members"
	"github.com/MarcoPoloResearchLab/nous/internal/push"
	"github.com/MarcoPoloResearchLab/nous/internal/records"
	"github.com/MarcoPoloResearchLab/nous/internal/server"
	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

const shutdownTimeout = 10 * time.Second

func newServeCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the couple data service",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}
	defaults := config.NewViper()
	cmd.Flags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.Flags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.Flags().StringSlice("allowed-origin", nil, "Allowed CORS origin (repeatable; all origins when empty)")
	mustBind(cmd, "http.address", "http-address")
	mustBind(cmd, "database.path", "database-path")
	mustBind(cmd, "cors.allowed_origins", "allowed-origin")
	return cmd
}

func mustBind(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.Flags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func newTokenIssuer(appConfig config.AppConfig) (*auth.TokenIssuer, error) {
	return auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(appConfig.SigningSecret),
		Issuer:        appConfig.Issuer,
		Audience:      appConfig.Audience,
		TokenTTL:      appConfig.TokenTTL,
	})
}

func runServer(ctx context.Context) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel, appConfig.LogFormat)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	db, err := database.OpenSQLite(appConfig.DatabasePath, database.ServerSchema(), logger)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	tokenIssuer, err := newTokenIssuer(appConfig)
	if err != nil {
		return err
	}
	sessions, err := auth.NewSessionValidator(auth.SessionValidatorConfig{
		Tokens:     tokenIssuer,
		CookieName: appConfig.CookieName,
	})
	if err != nil {
		return err
	}

	membersService, err := members.NewService(members.ServiceConfig{
		Database:   db,
		Clock:      time.Now,
		IDProvider: couple.NewUUIDProvider(),
		Logger:     logger,
	})
	if err != nil {
		return err
	}
	recordsService, err := records.NewService(records.ServiceConfig{
		Database:   db,
		Clock:      time.Now,
		IDProvider: couple.NewUUIDProvider(),
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	gin.SetMode(gin.ReleaseMode)
	handler, err := server.NewHTTPHandler(server.Dependencies{
		Sessions:       sessions,
		Members:        membersService,
		Records:        recordsService,
		Realtime:       server.NewRealtimeDispatcher(),
		Composer:       push.NewComposer(appConfig.PushTimezone),
		AllowedOrigins: appConfig.AllowedOrigins,
		Logger:         logger,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:              appConfig.HTTPAddress,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
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
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
