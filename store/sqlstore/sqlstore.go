// Package sqlstore implements store.Store on database/sql.
//
// Two dialects are supported:
//   - SQLite through the embedded ncruces/go-sqlite3 driver (WAL mode, one
//     writer connection)
//   - MySQL through go-sql-driver/mysql
//
// Times are stored as fixed-width UTC text so they order lexicographically on
// both engines. Attendee and resource lists are stored as JSON arrays.
package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
	"github.com/samber/mo"

	"github.com/cyp0633/calmirror/store"
)

const timeLayout = "2006-01-02T15:04:05.000000000Z"

var eventKeys = []string{"calendar_id", "uid"}

var eventCols = []string{
	"href", "seq", "revision_tag", "sync_status",
	"summary", "description", "location", "start_at", "end_at", "all_day",
	"rrule", "organizer", "attendees", "resources", "raw", "updated_at",
}

var collectionCols = []string{
	"user_id", "name", "owner_address", "remote_url", "sync_cursor", "last_synced_at",
}

// Store is a SQL-backed store.Store.
type Store struct {
	db      *sql.DB
	dialect Dialect
	logger  *slog.Logger

	upsertEvent      string
	upsertCollection string
}

var _ store.Store = (*Store)(nil)

// Open connects to the database and applies the schema. Safe to call on an
// existing database.
func Open(ctx context.Context, dialect Dialect, dsn string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	connStr := dsn
	if dialect == SQLite {
		if dsn == "" {
			return nil, fmt.Errorf("sqlite database path is empty")
		}
		if dir := filepath.Dir(dsn); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("failed to create database directory: %w", err)
			}
		}
		connStr = fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)&_pragma=journal_mode(wal)", dsn)
	}

	db, err := sql.Open(dialect.driverName(), connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if dialect == SQLite {
		// SQLite only supports one writer at a time
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	} else {
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)
	}

	s := &Store{
		db:               db,
		dialect:          dialect,
		logger:           logger,
		upsertEvent:      dialect.upsert("events", eventKeys, eventCols),
		upsertCollection: dialect.upsert("collections", []string{"id"}, collectionCols),
	}
	if err := s.applySchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}

	logger.Debug("database opened", "dialect", dialect)
	return s, nil
}

func (s *Store) applySchema(ctx context.Context) error {
	for _, stmt := range s.dialect.schema() {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to initialize schema: %w", err)
		}
	}
	return nil
}

// DB returns the underlying sql.DB.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	if s.dialect == SQLite {
		if _, err := s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
			s.logger.Warn("failed to checkpoint WAL", "error", err)
		}
	}
	err := s.db.Close()
	s.db = nil
	return err
}

// queryer is satisfied by both *sql.DB and *sql.Tx.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Event operations

const selectEvents = `SELECT calendar_id, uid, href, seq, revision_tag, sync_status,
	summary, description, location, start_at, end_at, all_day,
	rrule, organizer, attendees, resources, raw, updated_at
	FROM events`

func (s *Store) GetEvent(ctx context.Context, calendarID, uid string) (*store.Event, error) {
	rows, err := s.db.QueryContext(ctx, selectEvents+` WHERE calendar_id = ? AND uid = ?`, calendarID, uid)
	if err != nil {
		return nil, fmt.Errorf("failed to query event: %w", err)
	}
	events, err := scanEvents(rows)
	if err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return nil, fmt.Errorf("event %s/%s: %w", calendarID, uid, store.ErrNotFound)
	}
	return &events[0], nil
}

func (s *Store) ListEvents(ctx context.Context, calendarID string) ([]store.Event, error) {
	rows, err := s.db.QueryContext(ctx, selectEvents+` WHERE calendar_id = ? ORDER BY uid`, calendarID)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	return scanEvents(rows)
}

func (s *Store) ListAllEvents(ctx context.Context) ([]store.Event, error) {
	rows, err := s.db.QueryContext(ctx, selectEvents+` ORDER BY calendar_id, uid`)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	return scanEvents(rows)
}

func (s *Store) SaveEvent(ctx context.Context, ev *store.Event) error {
	if err := store.ValidateEvent(ev); err != nil {
		return err
	}
	if err := s.requireCollection(ctx, s.db, ev.CalendarID); err != nil {
		return err
	}
	return s.execUpsertEvent(ctx, s.db, ev, time.Now())
}

func (s *Store) DeleteEvent(ctx context.Context, calendarID, uid string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM events WHERE calendar_id = ? AND uid = ?`, calendarID, uid); err != nil {
		return fmt.Errorf("failed to delete event %s: %w", uid, err)
	}
	return nil
}

func (s *Store) execUpsertEvent(ctx context.Context, q queryer, ev *store.Event, fallback time.Time) error {
	attendees, err := json.Marshal(nonNil(ev.Attendees))
	if err != nil {
		return fmt.Errorf("failed to marshal attendees: %w", err)
	}
	resources, err := json.Marshal(nonNil(ev.Resources))
	if err != nil {
		return fmt.Errorf("failed to marshal resources: %w", err)
	}
	updated := ev.UpdatedAt
	if updated.IsZero() {
		updated = fallback
	}

	_, err = q.ExecContext(ctx, s.upsertEvent,
		ev.CalendarID,
		ev.UID,
		ev.Href,
		ev.Sequence,
		ev.RevisionTag,
		string(ev.SyncStatus),
		ev.Summary,
		ev.Description,
		ev.Location,
		timeToNullString(ev.Start),
		timeToNullString(ev.End),
		ev.AllDay,
		ev.RRule,
		ev.Organizer,
		string(attendees),
		string(resources),
		ev.Raw,
		formatTime(updated),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert event %s: %w", ev.UID, err)
	}
	return nil
}

func scanEvents(rows *sql.Rows) ([]store.Event, error) {
	defer rows.Close()

	var events []store.Event
	for rows.Next() {
		var (
			ev                   store.Event
			status               string
			start, end           sql.NullString
			attendees, resources string
			updated              string
		)
		if err := rows.Scan(
			&ev.CalendarID, &ev.UID, &ev.Href, &ev.Sequence, &ev.RevisionTag, &status,
			&ev.Summary, &ev.Description, &ev.Location, &start, &end, &ev.AllDay,
			&ev.RRule, &ev.Organizer, &attendees, &resources, &ev.Raw, &updated,
		); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		ev.SyncStatus = store.SyncStatus(status)
		ev.Start = parseNullTime(start)
		ev.End = parseNullTime(end)
		ev.UpdatedAt = parseTime(updated)
		if err := json.Unmarshal([]byte(attendees), &ev.Attendees); err != nil {
			return nil, fmt.Errorf("failed to parse attendees of %s: %w", ev.UID, err)
		}
		if err := json.Unmarshal([]byte(resources), &ev.Resources); err != nil {
			return nil, fmt.Errorf("failed to parse resources of %s: %w", ev.UID, err)
		}
		if len(ev.Attendees) == 0 {
			ev.Attendees = nil
		}
		if len(ev.Resources) == 0 {
			ev.Resources = nil
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

// Collection operations

const selectCollections = `SELECT id, user_id, name, owner_address, remote_url, sync_cursor, last_synced_at FROM collections`

func (s *Store) GetCollection(ctx context.Context, calendarID string) (*store.Collection, error) {
	rows, err := s.db.QueryContext(ctx, selectCollections+` WHERE id = ?`, calendarID)
	if err != nil {
		return nil, fmt.Errorf("failed to query collection: %w", err)
	}
	cols, err := scanCollections(rows)
	if err != nil {
		return nil, err
	}
	if len(cols) == 0 {
		return nil, fmt.Errorf("calendar %s: %w", calendarID, store.ErrNotFound)
	}
	return &cols[0], nil
}

func (s *Store) ListCollections(ctx context.Context) ([]store.Collection, error) {
	rows, err := s.db.QueryContext(ctx, selectCollections+` ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query collections: %w", err)
	}
	return scanCollections(rows)
}

func (s *Store) SaveCollection(ctx context.Context, c *store.Collection) error {
	if c == nil || c.ID == "" || c.UserID == "" {
		return store.ErrInvalidInput
	}
	_, err := s.db.ExecContext(ctx, s.upsertCollection,
		c.ID,
		c.UserID,
		c.Name,
		c.OwnerAddress,
		optionToNullString(c.RemoteURL),
		optionToNullString(c.Cursor),
		timeToNullString(c.LastSyncedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert collection %s: %w", c.ID, err)
	}
	return nil
}

func scanCollections(rows *sql.Rows) ([]store.Collection, error) {
	defer rows.Close()

	var out []store.Collection
	for rows.Next() {
		var (
			c              store.Collection
			remote, cursor sql.NullString
			lastSynced     sql.NullString
		)
		if err := rows.Scan(&c.ID, &c.UserID, &c.Name, &c.OwnerAddress, &remote, &cursor, &lastSynced); err != nil {
			return nil, fmt.Errorf("failed to scan collection: %w", err)
		}
		c.RemoteURL = nullStringToOption(remote)
		c.Cursor = nullStringToOption(cursor)
		c.LastSyncedAt = parseNullTime(lastSynced)
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *Store) requireCollection(ctx context.Context, q queryer, calendarID string) error {
	var one int
	err := q.QueryRowContext(ctx, `SELECT 1 FROM collections WHERE id = ?`, calendarID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("calendar %s: %w", calendarID, store.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("failed to look up calendar %s: %w", calendarID, err)
	}
	return nil
}

// ApplySync commits the batch in a single transaction. Validation happens per
// statement inside the transaction so a bad record rolls back the statements
// already executed.
func (s *Store) ApplySync(ctx context.Context, calendarID string, batch *store.SyncBatch) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := s.requireCollection(ctx, tx, calendarID); err != nil {
		return err
	}

	syncedAt := batch.SyncedAt
	if syncedAt.IsZero() {
		syncedAt = time.Now()
	}

	for i := range batch.Upserts {
		ev := &batch.Upserts[i]
		if ev.CalendarID != calendarID {
			return fmt.Errorf("event %s belongs to %s: %w", ev.UID, ev.CalendarID, store.ErrInvalidInput)
		}
		if err := store.ValidateEvent(ev); err != nil {
			return fmt.Errorf("event %q: %w", ev.UID, err)
		}
		if err := s.execUpsertEvent(ctx, tx, ev, syncedAt); err != nil {
			return err
		}
	}

	for _, uid := range batch.Deletes {
		if _, err := tx.ExecContext(ctx, `DELETE FROM events WHERE calendar_id = ? AND uid = ?`, calendarID, uid); err != nil {
			return fmt.Errorf("failed to delete event %s: %w", uid, err)
		}
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE collections SET sync_cursor = ?, last_synced_at = ? WHERE id = ?`,
		optionToNullString(batch.Cursor), formatTime(syncedAt), calendarID,
	); err != nil {
		return fmt.Errorf("failed to store cursor: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// Notification operations

const selectNotifications = `SELECT id, user_id, type, title, message, priority,
	related_event_id, related_event_uid, requires_action, is_read, is_dismissed, action_taken, created_at
	FROM notifications`

func (s *Store) CreateNotification(ctx context.Context, n *store.Notification) error {
	if n == nil || n.ID == "" || n.UserID == "" {
		return store.ErrInvalidInput
	}
	if _, err := s.GetNotification(ctx, n.ID); err == nil {
		return fmt.Errorf("notification %s: %w", n.ID, store.ErrConflict)
	} else if !errors.Is(err, store.ErrNotFound) {
		return err
	}

	_, err := s.db.ExecContext(ctx, `INSERT INTO notifications (
		id, user_id, type, title, message, priority,
		related_event_id, related_event_uid, requires_action, is_read, is_dismissed, action_taken, created_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		n.ID, n.UserID, string(n.Type), n.Title, n.Message, string(n.Priority),
		n.RelatedEventID, n.RelatedEventUID, n.RequiresAction, n.IsRead, n.IsDismissed, n.ActionTaken,
		formatTime(n.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to insert notification: %w", err)
	}
	return nil
}

func (s *Store) GetNotification(ctx context.Context, id string) (*store.Notification, error) {
	rows, err := s.db.QueryContext(ctx, selectNotifications+` WHERE id = ?`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to query notification: %w", err)
	}
	list, err := scanNotifications(rows)
	if err != nil {
		return nil, err
	}
	if len(list) == 0 {
		return nil, fmt.Errorf("notification %s: %w", id, store.ErrNotFound)
	}
	return &list[0], nil
}

func (s *Store) RaiseNotificationFlags(ctx context.Context, userID, id string, f store.NotificationFlags) error {
	var set []string
	if f.Read {
		set = append(set, "is_read = 1")
	}
	if f.Dismissed {
		set = append(set, "is_dismissed = 1")
	}
	if f.ActionTaken {
		set = append(set, "action_taken = 1", "requires_action = 0")
	}

	var affected int64
	if len(set) > 0 {
		res, err := s.db.ExecContext(ctx,
			`UPDATE notifications SET `+strings.Join(set, ", ")+` WHERE id = ? AND user_id = ?`,
			id, userID,
		)
		if err != nil {
			return fmt.Errorf("failed to update notification: %w", err)
		}
		if affected, err = res.RowsAffected(); err != nil {
			return err
		}
	}
	if affected == 0 {
		// MySQL reports changed rows, not matched rows.
		n, err := s.GetNotification(ctx, id)
		if err != nil {
			return err
		}
		if n.UserID != userID {
			return fmt.Errorf("notification %s: %w", id, store.ErrNotFound)
		}
	}
	return nil
}

func (s *Store) MarkAllNotificationsRead(ctx context.Context, userID string) (int, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE notifications SET is_read = 1 WHERE user_id = ? AND is_read = 0`, userID)
	if err != nil {
		return 0, fmt.Errorf("failed to mark notifications read: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(affected), nil
}

func (s *Store) ListNotifications(ctx context.Context, userID string, q store.NotificationQuery) ([]store.Notification, error) {
	conditions := []string{"user_id = ?"}
	args := []any{userID}

	if q.UnreadOnly {
		conditions = append(conditions, "is_read = 0")
	}
	if !q.IncludeDismissed {
		conditions = append(conditions, "is_dismissed = 0")
	}

	query := selectNotifications + ` WHERE ` + strings.Join(conditions, " AND ") + ` ORDER BY created_at DESC, id DESC`
	if q.Limit > 0 || q.Offset > 0 {
		limit := q.Limit
		if limit <= 0 {
			limit = 1 << 31
		}
		query += " LIMIT ? OFFSET ?"
		args = append(args, limit, q.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query notifications: %w", err)
	}
	return scanNotifications(rows)
}

func scanNotifications(rows *sql.Rows) ([]store.Notification, error) {
	defer rows.Close()

	var out []store.Notification
	for rows.Next() {
		var (
			n                       store.Notification
			kind, priority, created string
		)
		if err := rows.Scan(
			&n.ID, &n.UserID, &kind, &n.Title, &n.Message, &priority,
			&n.RelatedEventID, &n.RelatedEventUID, &n.RequiresAction, &n.IsRead, &n.IsDismissed, &n.ActionTaken, &created,
		); err != nil {
			return nil, fmt.Errorf("failed to scan notification: %w", err)
		}
		n.Type = store.NotificationType(kind)
		n.Priority = store.Priority(priority)
		n.CreatedAt = parseTime(created)
		out = append(out, n)
	}
	return out, rows.Err()
}

// Helper functions

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func timeToNullString(t time.Time) sql.NullString {
	if t.IsZero() {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(t), Valid: true}
}

func parseNullTime(ns sql.NullString) time.Time {
	if !ns.Valid {
		return time.Time{}
	}
	return parseTime(ns.String)
}

func optionToNullString(o mo.Option[string]) sql.NullString {
	v, ok := o.Get()
	return sql.NullString{String: v, Valid: ok}
}

func nullStringToOption(ns sql.NullString) mo.Option[string] {
	if !ns.Valid {
		return mo.None[string]()
	}
	return mo.Some(ns.String)
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
