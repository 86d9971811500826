package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/freeclaim/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/freeclaim/backend/internal/scheduler"
	"github.com/MarcoPoloResearchLab/freeclaim/backend/internal/server"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

const shutdownTimeout = 10 * time.Second

func newServeCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the claim scheduler",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}
	cmd.Flags().String("http-address", viper.GetString("http.address"), "HTTP listen address")
	cmd.Flags().Bool("schedule", false, "Run batch claims on the configured interval")
	if err := viper.BindPFlag("http.address", cmd.Flags().Lookup("http-address")); err != nil {
		panic(err)
	}
	if err := viper.BindPFlag("schedule.enabled", cmd.Flags().Lookup("schedule")); err != nil {
		panic(err)
	}
	return cmd
}

func runServer(ctx context.Context) error {
	app, err := loadApplication()
	if err != nil {
		return err
	}
	defer app.Close() //nolint:errcheck

	sessions, err := auth.NewSessionValidator(auth.SessionValidatorConfig{
		SigningSecret: []byte(app.config.AuthSigningSecret),
		Issuer:        app.config.AuthIssuer,
		CookieName:    app.config.AuthCookieName,
	})
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Credentials:        app.vault,
		Claims:             app.orchestrator,
		Games:              app.games,
		Sessions:           sessions,
		ClaimOptions:       app.claimOptions,
		AllowedOrigins:     app.config.AllowedOrigins,
		ClaimRatePerMinute: app.config.ClaimRatePerMinute,
		Logger:             app.logger,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:              app.config.HTTPAddress,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if app.config.ScheduleEnabled {
		batchScheduler, err := scheduler.New(scheduler.Config{
			Interval: app.config.ScheduleInterval,
			Run: func(runCtx context.Context) {
				logOutcomes(app.logger, app.orchestrator.RunAllClaims(runCtx, app.claimOptions))
			},
			Logger: app.logger,
		})
		if err != nil {
			return err
		}
		go batchScheduler.Start(signalCtx)
	}

	errCh := make(chan error, 1)
	go func() {
		app.logger.Info("server starting", zap.String("address", app.config.HTTPAddress))
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
