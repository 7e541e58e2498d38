// Package reminder announces upcoming event occurrences as event_reminder
// notifications.
package reminder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cyp0633/calmirror/store"
)

const (
	DefaultLead     = 15 * time.Minute
	DefaultInterval = time.Minute
)

// Source lists the stored events.
type Source interface {
	ListAllEvents(ctx context.Context) ([]store.Event, error)
}

// Calendars resolves the owner of a calendar.
type Calendars interface {
	GetCollection(ctx context.Context, calendarID string) (*store.Collection, error)
}

// Notifier records and delivers a notification.
type Notifier interface {
	Notify(ctx context.Context, n *store.Notification) (*store.Notification, error)
}

// Options tune a Scanner.
type Options struct {
	// Lead is how long before an occurrence the reminder is sent.
	Lead     time.Duration
	Interval time.Duration
	Logger   *slog.Logger
	Now      func() time.Time
}

// Scanner periodically looks for occurrences starting within the lead time.
// Each scan covers the window since the previous one, so an occurrence is
// announced once per process lifetime.
type Scanner struct {
	events    Source
	calendars Calendars
	notifier  Notifier

	lead     time.Duration
	interval time.Duration
	logger   *slog.Logger
	now      func() time.Time

	mu        sync.Mutex
	watermark time.Time
}

// New returns a Scanner.
func New(events Source, calendars Calendars, notifier Notifier, opts Options) *Scanner {
	if opts.Lead <= 0 {
		opts.Lead = DefaultLead
	}
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Scanner{
		events:    events,
		calendars: calendars,
		notifier:  notifier,
		lead:      opts.Lead,
		interval:  opts.Interval,
		logger:    opts.Logger,
		now:       opts.Now,
	}
}

// Scan sends a reminder for every occurrence starting before now+Lead that
// earlier scans did not cover. It returns the number sent.
func (s *Scanner) Scan(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	from := s.watermark
	if from.IsZero() || from.Before(now) {
		from = now
	}
	to := now.Add(s.lead)
	if !from.Before(to) {
		return 0, nil
	}

	events, err := s.events.ListAllEvents(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list events: %w", err)
	}

	owners := make(map[string]string)
	sent := 0
	var errs []error
	for i := range events {
		ev := &events[i]
		starts, err := Occurrences(ev, from, to)
		if err != nil {
			s.logger.Warn("skipping event with invalid recurrence", "uid", ev.UID, "error", err)
			continue
		}
		if len(starts) == 0 {
			continue
		}

		owner, ok := owners[ev.CalendarID]
		if !ok {
			col, err := s.calendars.GetCollection(ctx, ev.CalendarID)
			if err != nil {
				errs = append(errs, err)
				continue
			}
			owner = col.UserID
			owners[ev.CalendarID] = owner
		}

		for _, start := range starts {
			if _, err := s.notifier.Notify(ctx, reminderFor(owner, ev, start)); err != nil {
				errs = append(errs, err)
				continue
			}
			sent++
		}
	}

	s.watermark = to
	if sent > 0 {
		s.logger.Info("reminders sent", "count", sent, "window_end", to)
	}
	return sent, errors.Join(errs...)
}

// Run scans every interval until ctx is done.
func (s *Scanner) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		if _, err := s.Scan(ctx); err != nil {
			s.logger.Error("reminder scan failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func reminderFor(userID string, ev *store.Event, start time.Time) *store.Notification {
	title := ev.Summary
	if title == "" {
		title = "(untitled event)"
	}
	at := start.UTC().Format("Mon Jan 2, 2006 15:04 MST")
	if ev.AllDay {
		at = start.Format("Mon Jan 2, 2006")
	}
	msg := title + " starts " + at + "."
	if ev.Location != "" {
		msg = title + " starts " + at + " at " + ev.Location + "."
	}
	return &store.Notification{
		UserID:          userID,
		Type:            store.NotificationEventReminder,
		Title:           "Upcoming: " + title,
		Message:         msg,
		Priority:        store.PriorityMedium,
		RelatedEventID:  ev.Href,
		RelatedEventUID: ev.UID,
	}
}
