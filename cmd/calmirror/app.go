package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/samber/mo"
	"golang.org/x/time/rate"

	"github.com/cyp0633/calmirror/davclient"
	"github.com/cyp0633/calmirror/internal/api"
	"github.com/cyp0633/calmirror/internal/auth"
	"github.com/cyp0633/calmirror/internal/config"
	"github.com/cyp0633/calmirror/internal/pipeline"
	"github.com/cyp0633/calmirror/internal/reminder"
	"github.com/cyp0633/calmirror/internal/scheduler"
	"github.com/cyp0633/calmirror/live"
	"github.com/cyp0633/calmirror/notify"
	"github.com/cyp0633/calmirror/sequence"
	"github.com/cyp0633/calmirror/store"
	"github.com/cyp0633/calmirror/store/memory"
	"github.com/cyp0633/calmirror/store/sqlstore"
	"github.com/cyp0633/calmirror/syncengine"
)

// app holds the wired components of one process.
type app struct {
	cfg    *config.Config
	logger *slog.Logger

	store     store.Store
	engine    *syncengine.Engine
	ledger    *notify.Ledger
	registry  *live.Registry
	publisher *pipeline.Publisher
	scheduler *scheduler.Scheduler
	reminders *reminder.Scanner
}

// newApp opens storage and builds every component. transport may be nil.
func newApp(ctx context.Context, c *config.Config, logger *slog.Logger, transport http.RoundTripper) (*app, error) {
	st, err := openStore(ctx, c.Database, logger)
	if err != nil {
		return nil, err
	}
	a := &app{cfg: c, logger: logger, store: st}
	if err := a.build(ctx, transport); err != nil {
		st.Close()
		return nil, err
	}
	return a, nil
}

func (a *app) build(ctx context.Context, transport http.RoundTripper) error {
	creds, err := seedCollections(ctx, a.store, a.cfg.Calendars)
	if err != nil {
		return err
	}

	seq := sequence.NewManager(a.logger.With("component", "sequence"))
	if err := seq.Warm(ctx, a.store); err != nil {
		return fmt.Errorf("failed to warm sequence cache: %w", err)
	}

	policy, err := syncengine.ParseDeletionPolicy(a.cfg.Sync.DeletionPolicy)
	if err != nil {
		return err
	}
	remotes := &syncengine.DialFactory{
		Credentials:    creds,
		RequestTimeout: a.cfg.Sync.RequestTimeout,
		Transport:      transport,
		Logger:         a.logger.With("component", "davclient"),
	}
	a.engine = syncengine.New(a.store, remotes, seq, syncengine.Options{
		Timeout:        a.cfg.Sync.Timeout,
		DeletionPolicy: policy,
		Logger:         a.logger.With("component", "syncengine"),
	})

	a.ledger = notify.NewLedger(a.store, notify.Options{
		BacklogLimit: a.cfg.Live.BacklogLimit,
		Logger:       a.logger.With("component", "notify"),
	})
	a.registry = live.NewRegistry(live.RegistryOptions{
		HeartbeatInterval: a.cfg.Live.HeartbeatInterval,
		HeartbeatTimeout:  a.cfg.Live.HeartbeatTimeout,
		Logger:            a.logger.With("component", "registry"),
	})
	broadcaster := live.NewBroadcaster(a.registry, a.logger.With("component", "broadcaster"))
	a.publisher = pipeline.New(a.ledger, broadcaster, a.logger.With("component", "pipeline"))

	a.reminders = reminder.New(a.store, a.store, a.publisher, reminder.Options{
		Lead:     a.cfg.Reminders.Lead,
		Interval: a.cfg.Reminders.Interval,
		Logger:   a.logger.With("component", "reminder"),
	})

	a.scheduler, err = scheduler.New(a.engine, a.publisher, a.store, scheduler.Options{
		Schedule:    a.cfg.Sync.Schedule,
		Parallelism: a.cfg.Sync.Parallelism,
		Retries:     a.cfg.Sync.Retries,
		Backoff:     a.cfg.Sync.Backoff,
		Logger:      a.logger.With("component", "scheduler"),
	})
	return err
}

// handler builds the HTTP surface. It needs a JWT secret.
func (a *app) handler() (http.Handler, error) {
	issuer, err := auth.NewIssuer(a.cfg.Auth.JWTSecret, a.cfg.Auth.Issuer, a.cfg.Auth.TokenTTL)
	if err != nil {
		return nil, fmt.Errorf("auth: %w (set auth.jwt_secret or %s)", err, config.EnvJWTSecret)
	}
	liveHandler := live.NewHandler(live.HandlerOptions{
		Registry:         a.registry,
		Auth:             issuer,
		Backlog:          a.ledger,
		Sync:             a.scheduler,
		HandshakeTimeout: a.cfg.Live.HandshakeTimeout,
		MaxBufferedBytes: a.cfg.Live.MaxBufferedBytes,
		SyncRequestRate:  rate.Limit(a.cfg.Live.SyncRequestRate),
		SyncRequestBurst: 1,
		OriginPatterns:   a.cfg.Live.OriginPatterns,
		Logger:           a.logger.With("component", "live"),
	})
	return api.NewRouter(api.Options{
		Notifications: a.ledger,
		Sync:          a.scheduler,
		Auth:          issuer.Middleware,
		Live:          liveHandler,
		RateLimit:     10,
		RateBurst:     20,
		Logger:        a.logger.With("component", "api"),
	}), nil
}

func (a *app) Close() error {
	return a.store.Close()
}

func openStore(ctx context.Context, db config.DatabaseConfig, logger *slog.Logger) (store.Store, error) {
	if db.Driver == "memory" {
		return memory.New(), nil
	}
	dialect, err := sqlstore.ParseDialect(db.Driver)
	if err != nil {
		return nil, err
	}
	st, err := sqlstore.Open(ctx, dialect, db.DSN, logger.With("component", "sqlstore"))
	if err != nil {
		return nil, err
	}
	return st, nil
}

// seedCollections makes the stored collections match the configured
// calendars and returns their credentials. Cursors and sync times of
// existing collections are kept unless the remote URL changed, which
// forces a full resync.
func seedCollections(ctx context.Context, st store.CollectionStore, cals []config.CalendarConfig) (syncengine.StaticCredentials, error) {
	creds := make(syncengine.StaticCredentials, len(cals))
	for _, cal := range cals {
		strategy, err := davclient.ParseStrategy(cal.Strategy)
		if err != nil {
			return nil, fmt.Errorf("calendar %s: %w", cal.ID, err)
		}

		remote := mo.None[string]()
		if cal.RemoteURL != "" {
			remote = mo.Some(cal.RemoteURL)
			creds[cal.ID] = syncengine.Credential{
				Username: cal.Username,
				Password: cal.ResolvedPassword(),
				Strategy: strategy,
			}
		}

		col := store.Collection{
			ID:           cal.ID,
			UserID:       cal.UserID,
			Name:         cal.Name,
			OwnerAddress: cal.OwnerAddress,
			RemoteURL:    remote,
		}
		existing, err := st.GetCollection(ctx, cal.ID)
		switch {
		case err == nil:
			if existing.RemoteURL.OrEmpty() == cal.RemoteURL {
				col.Cursor = existing.Cursor
				col.LastSyncedAt = existing.LastSyncedAt
			}
		case !errors.Is(err, store.ErrNotFound):
			return nil, fmt.Errorf("calendar %s: %w", cal.ID, err)
		}
		if err := st.SaveCollection(ctx, &col); err != nil {
			return nil, fmt.Errorf("calendar %s: %w", cal.ID, err)
		}
	}
	return creds, nil
}
