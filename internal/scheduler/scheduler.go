// Package scheduler runs synchronizations: every remote calendar on a cron
// schedule, and single calendars on demand.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"github.com/cyp0633/calmirror/store"
	"github.com/cyp0633/calmirror/syncengine"
)

// Syncer synchronizes one calendar.
type Syncer interface {
	Synchronize(ctx context.Context, calendarID string) (*syncengine.ChangeSet, error)
}

// Publisher receives every successful change set.
type Publisher interface {
	Publish(ctx context.Context, cs *syncengine.ChangeSet) error
}

// Calendars lists the calendars to synchronize.
type Calendars interface {
	GetCollection(ctx context.Context, calendarID string) (*store.Collection, error)
	ListCollections(ctx context.Context) ([]store.Collection, error)
}

const (
	DefaultSchedule    = "*/15 * * * *"
	DefaultParallelism = 4
	DefaultRetries     = 3
	DefaultBackoff     = 2 * time.Second
	requestQueue       = 64
)

// Options tune a Scheduler.
type Options struct {
	// Schedule is a standard five field cron expression. "@every 5m" style
	// descriptors work as well.
	Schedule    string
	Parallelism int
	// Retries is how many times a retryable failure is repeated.
	Retries int
	// Backoff is the delay before the first retry; it doubles each time.
	Backoff time.Duration
	Logger  *slog.Logger
}

// Scheduler drives periodic and on-demand synchronization.
type Scheduler struct {
	syncer    Syncer
	publisher Publisher
	calendars Calendars
	opts      Options
	logger    *slog.Logger

	requests chan string

	mu      sync.Mutex
	pending map[string]bool
}

// New validates opts and returns a Scheduler.
func New(syncer Syncer, publisher Publisher, calendars Calendars, opts Options) (*Scheduler, error) {
	if opts.Schedule == "" {
		opts.Schedule = DefaultSchedule
	}
	if _, err := cron.ParseStandard(opts.Schedule); err != nil {
		return nil, fmt.Errorf("invalid sync schedule %q: %w", opts.Schedule, err)
	}
	if opts.Parallelism <= 0 {
		opts.Parallelism = DefaultParallelism
	}
	if opts.Retries < 0 {
		opts.Retries = 0
	}
	if opts.Backoff <= 0 {
		opts.Backoff = DefaultBackoff
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}
	return &Scheduler{
		syncer:    syncer,
		publisher: publisher,
		calendars: calendars,
		opts:      opts,
		logger:    opts.Logger,
		requests:  make(chan string, requestQueue),
		pending:   make(map[string]bool),
	}, nil
}

// SyncAll synchronizes every remote calendar, at most Parallelism at once.
// Failures are logged and joined into the returned error.
func (s *Scheduler) SyncAll(ctx context.Context) error {
	cols, err := s.calendars.ListCollections(ctx)
	if err != nil {
		return fmt.Errorf("failed to list calendars: %w", err)
	}

	var (
		mu   sync.Mutex
		errs []error
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.opts.Parallelism)
	for _, col := range cols {
		if !col.Remote() {
			continue
		}
		id := col.ID
		g.Go(func() error {
			if err := s.SyncOne(gctx, id); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
			// one calendar failing never stops the others
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}

// SyncOne synchronizes calendarID, retrying retryable failures with
// exponential backoff, and publishes the result.
func (s *Scheduler) SyncOne(ctx context.Context, calendarID string) error {
	logger := s.logger.With("calendar_id", calendarID)
	backoff := s.opts.Backoff

	for attempt := 0; ; attempt++ {
		cs, err := s.syncer.Synchronize(ctx, calendarID)
		if err == nil {
			if s.publisher != nil {
				if err := s.publisher.Publish(ctx, cs); err != nil {
					logger.Error("failed to publish changes", "error", err)
				}
			}
			return nil
		}

		if !syncengine.IsRetryable(err) || attempt >= s.opts.Retries || ctx.Err() != nil {
			logger.Error("synchronization failed",
				"kind", syncengine.KindOf(err), "attempts", attempt+1, "error", err)
			return err
		}

		logger.Warn("synchronization failed, retrying",
			"kind", syncengine.KindOf(err), "attempt", attempt+1, "backoff", backoff, "error", err)
		select {
		case <-ctx.Done():
			return err
		case <-time.After(backoff):
		}
		backoff *= 2
	}
}

// RequestSync queues an on-demand synchronization of a calendar owned by
// userID. It reports false for unknown, foreign or local-only calendars and
// when the queue is full. A calendar already queued is accepted again
// without queueing twice.
func (s *Scheduler) RequestSync(ctx context.Context, userID, calendarID string) bool {
	col, err := s.calendars.GetCollection(ctx, calendarID)
	if err != nil || col.UserID != userID || !col.Remote() {
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pending[calendarID] {
		return true
	}
	select {
	case s.requests <- calendarID:
		s.pending[calendarID] = true
		return true
	default:
		s.logger.Warn("sync request queue full", "calendar_id", calendarID)
		return false
	}
}

// Run starts the cron schedule and serves on-demand requests until ctx is
// done. Running synchronizations are waited for before it returns.
func (s *Scheduler) Run(ctx context.Context) error {
	c := cron.New(cron.WithLogger(cronLogger{s.logger}))
	_, err := c.AddFunc(s.opts.Schedule, func() {
		started := time.Now()
		if err := s.SyncAll(ctx); err != nil {
			s.logger.Warn("scheduled sync finished with errors", "error", err, "duration", time.Since(started))
			return
		}
		s.logger.Info("scheduled sync finished", "duration", time.Since(started))
	})
	if err != nil {
		return fmt.Errorf("invalid sync schedule %q: %w", s.opts.Schedule, err)
	}
	c.Start()
	s.logger.Info("scheduler started", "schedule", s.opts.Schedule)

	var wg sync.WaitGroup
	stop := func() error {
		<-c.Stop().Done()
		wg.Wait()
		s.logger.Info("scheduler stopped")
		return nil
	}
	sem := make(chan struct{}, s.opts.Parallelism)
	for {
		select {
		case <-ctx.Done():
			return stop()
		case id := <-s.requests:
			s.mu.Lock()
			delete(s.pending, id)
			s.mu.Unlock()

			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				s.logger.Debug("dropping queued sync request on shutdown", "calendar_id", id)
				return stop()
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				defer func() { <-sem }()
				_ = s.SyncOne(ctx, id)
			}()
		}
	}
}

// cronLogger adapts slog to cron.Logger.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}
