// Package api exposes the notification ledger, on-demand sync and the push
// channel over HTTP.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/cyp0633/calmirror/live"
	"github.com/cyp0633/calmirror/store"
)

// Notifications is the part of the ledger the API serves.
type Notifications interface {
	ListUnread(ctx context.Context, userID string) ([]store.Notification, error)
	ListUndismissed(ctx context.Context, userID string, limit, offset int) ([]store.Notification, error)
	MarkAsRead(ctx context.Context, userID, id string) (*store.Notification, error)
	Dismiss(ctx context.Context, userID, id string) (*store.Notification, error)
	MarkActionTaken(ctx context.Context, userID, id string) (*store.Notification, error)
	MarkAllAsRead(ctx context.Context, userID string) (int, error)
}

// Options wire a router. Notifications and Auth are required.
type Options struct {
	Notifications Notifications
	Sync          live.SyncRequester
	// Auth wraps the /api/v1 routes, typically (*auth.Issuer).Middleware.
	Auth func(http.Handler) http.Handler
	// Live serves the push channel on /ws and /live when set.
	Live http.Handler

	// RateLimit is requests per second per client address on /api/v1.
	// Zero disables the limit.
	RateLimit float64
	RateBurst int
	Logger    *slog.Logger
}

// NewRouter builds the HTTP handler.
func NewRouter(opts Options) http.Handler {
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}
	h := &handler{notifications: opts.Notifications, sync: opts.Sync, logger: opts.Logger}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(opts.Logger))
	r.Use(middleware.Recoverer)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	if opts.Live != nil {
		r.Handle("/ws", opts.Live)
		r.Handle("/live", opts.Live)
	}

	r.Route("/api/v1", func(r chi.Router) {
		if opts.RateLimit > 0 {
			r.Use(RateLimit(opts.RateLimit, opts.RateBurst))
		}
		r.Use(opts.Auth)

		r.Get("/notifications", h.listNotifications)
		r.Post("/notifications/read-all", h.markAllRead)
		r.Post("/notifications/{id}/read", h.markRead)
		r.Post("/notifications/{id}/dismiss", h.dismiss)
		r.Post("/notifications/{id}/action", h.actionTaken)

		r.Post("/calendars/{id}/sync", h.requestSync)
	})
	return r
}

// requestLogger logs one line per request at debug level, or warn for
// server errors.
func requestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			started := time.Now()
			next.ServeHTTP(ww, r)

			level := slog.LevelDebug
			if ww.Status() >= http.StatusInternalServerError {
				level = slog.LevelWarn
			}
			logger.Log(r.Context(), level, "http request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"bytes", ww.BytesWritten(),
				"duration", time.Since(started),
				"request_id", middleware.GetReqID(r.Context()),
			)
		})
	}
}
