package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/cyp0633/calmirror/live"
)

const shutdownTimeout = 10 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the scheduler, the HTTP API and the push channel",
	Long: `Run calmirror as a server.

The configured calendars are synchronized on the cron schedule from the
configuration file and on demand. Changes are written to the notification
ledger and pushed to connected clients.

Endpoints:
  GET  /health
  GET  /api/v1/notifications?unread=true&limit=&offset=
  POST /api/v1/notifications/read-all
  POST /api/v1/notifications/{id}/read|dismiss|action
  POST /api/v1/calendars/{id}/sync
  WS   /ws, /live   (token in ?token= or a first "auth" message)`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if listen, _ := cmd.Flags().GetString("listen"); listen != "" {
			cfg.Listen = listen
		}
		syncOnStart, _ := cmd.Flags().GetBool("sync-on-start")

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return serve(ctx, syncOnStart)
	},
}

func init() {
	serveCmd.Flags().String("listen", "", "Listen address, overrides the configuration")
	serveCmd.Flags().Bool("sync-on-start", true, "Synchronize every calendar once at startup")
	rootCmd.AddCommand(serveCmd)
}

func serve(ctx context.Context, syncOnStart bool) error {
	a, err := newApp(ctx, cfg, logger, nil)
	if err != nil {
		return err
	}
	defer a.Close()

	handler, err := a.handler()
	if err != nil {
		return err
	}
	srv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.registry.Run(gctx) })
	g.Go(func() error { return a.scheduler.Run(gctx) })
	g.Go(func() error { return a.reminders.Run(gctx) })
	if syncOnStart {
		g.Go(func() error {
			if err := a.scheduler.SyncAll(gctx); err != nil {
				logger.Warn("initial sync finished with errors", "error", err)
			}
			return nil
		})
	}
	g.Go(func() error {
		logger.Info("server starting", "listen", cfg.Listen, "calendars", len(cfg.Calendars))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down server")
		a.registry.CloseAll(live.ErrServerShutdown)

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("server stopped")
	return nil
}
