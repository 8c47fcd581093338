package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/grclabs/grcradar/internal/api"
	"github.com/grclabs/grcradar/internal/tasks"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the sync, embedding and analysis service",
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	svc, err := buildServices(ctx, cfg)
	if err != nil {
		return err
	}
	defer svc.Close()

	svc.runner.Start(ctx)
	defer svc.runner.Stop()

	// Terminal job failures (exhausted retry budgets) are logged, never
	// silently dropped.
	go func() {
		for failure := range svc.runner.Failures() {
			logger.WithFields(logrus.Fields{
				"job":      failure.Job,
				"attempts": failure.Attempts,
				"error":    failure.Err,
			}).Error("Job failed permanently")
		}
	}()

	server := api.NewServer(svc.runner, svc.results, svc.detector, svc.relational, svc.coordinator, tasks.RetryPolicy{
		MaxRetries: cfg.Tasks.AnalysisMaxRetries,
		Delay:      cfg.Tasks.AnalysisRetryDelay,
	}, slog.Default())

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start(cfg.API.ListenAddr)
	}()
	logger.WithField("addr", cfg.API.ListenAddr).Info("GRCRadar listening")

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	case <-ctx.Done():
		logger.Info("Shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.WithError(err).Warn("Forced shutdown")
		}
	}
	return nil
}
