package sqlstore

import (
	"fmt"
	"strings"
)

// Dialect selects the SQL flavor and driver.
type Dialect string

const (
	// SQLite uses the embedded ncruces/go-sqlite3 driver. The DSN is a file path.
	SQLite Dialect = "sqlite"
	// MySQL uses go-sql-driver/mysql. The DSN is a driver DSN,
	// e.g. "user:pass@tcp(127.0.0.1:3306)/calmirror".
	MySQL Dialect = "mysql"
)

// ParseDialect maps a configuration value to a Dialect.
func ParseDialect(s string) (Dialect, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "sqlite", "sqlite3", "":
		return SQLite, nil
	case "mysql":
		return MySQL, nil
	}
	return "", fmt.Errorf("unsupported database driver %q", s)
}

func (d Dialect) driverName() string {
	if d == MySQL {
		return "mysql"
	}
	return "sqlite3"
}

// upsert builds an insert-or-update statement for table keyed by keys.
func (d Dialect) upsert(table string, keys, cols []string) string {
	all := append(append([]string{}, keys...), cols...)
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(all)), ", ")

	sets := make([]string, 0, len(cols))
	for _, c := range cols {
		if d == MySQL {
			sets = append(sets, fmt.Sprintf("%s = VALUES(%s)", c, c))
		} else {
			sets = append(sets, fmt.Sprintf("%s = excluded.%s", c, c))
		}
	}

	q := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)", table, strings.Join(all, ", "), placeholders)
	if d == MySQL {
		return q + " ON DUPLICATE KEY UPDATE " + strings.Join(sets, ", ")
	}
	return q + fmt.Sprintf(" ON CONFLICT(%s) DO UPDATE SET ", strings.Join(keys, ", ")) + strings.Join(sets, ", ")
}

func (d Dialect) schema() []string {
	if d == MySQL {
		return mysqlSchema
	}
	return sqliteSchema
}

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS collections (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		name TEXT NOT NULL DEFAULT '',
		owner_address TEXT NOT NULL DEFAULT '',
		remote_url TEXT,
		sync_cursor TEXT,
		last_synced_at TEXT
	)`,
	`CREATE TABLE IF NOT EXISTS events (
		calendar_id TEXT NOT NULL,
		uid TEXT NOT NULL,
		href TEXT NOT NULL DEFAULT '',
		seq INTEGER NOT NULL DEFAULT 0 CHECK (seq >= 0),
		revision_tag TEXT NOT NULL DEFAULT '',
		sync_status TEXT NOT NULL,
		summary TEXT NOT NULL DEFAULT '',
		description TEXT NOT NULL DEFAULT '',
		location TEXT NOT NULL DEFAULT '',
		start_at TEXT,
		end_at TEXT,
		all_day INTEGER NOT NULL DEFAULT 0,
		rrule TEXT NOT NULL DEFAULT '',
		organizer TEXT NOT NULL DEFAULT '',
		attendees TEXT NOT NULL DEFAULT '[]', -- JSON array
		resources TEXT NOT NULL DEFAULT '[]', -- JSON array
		raw BLOB,
		updated_at TEXT NOT NULL,
		PRIMARY KEY (calendar_id, uid),
		FOREIGN KEY (calendar_id) REFERENCES collections(id) ON DELETE CASCADE
	)`,
	`CREATE INDEX IF NOT EXISTS idx_events_href ON events(calendar_id, href)`,
	`CREATE TABLE IF NOT EXISTS notifications (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		type TEXT NOT NULL,
		title TEXT NOT NULL DEFAULT '',
		message TEXT NOT NULL DEFAULT '',
		priority TEXT NOT NULL,
		related_event_id TEXT NOT NULL DEFAULT '',
		related_event_uid TEXT NOT NULL DEFAULT '',
		requires_action INTEGER NOT NULL DEFAULT 0,
		is_read INTEGER NOT NULL DEFAULT 0,
		is_dismissed INTEGER NOT NULL DEFAULT 0,
		action_taken INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_notifications_user ON notifications(user_id, is_dismissed, created_at)`,
}

var mysqlSchema = []string{
	`CREATE TABLE IF NOT EXISTS collections (
		id VARCHAR(255) PRIMARY KEY,
		user_id VARCHAR(255) NOT NULL,
		name VARCHAR(255) NOT NULL DEFAULT '',
		owner_address VARCHAR(512) NOT NULL DEFAULT '',
		remote_url TEXT,
		sync_cursor TEXT,
		last_synced_at VARCHAR(40)
	) ENGINE=InnoDB`,
	`CREATE TABLE IF NOT EXISTS events (
		calendar_id VARCHAR(255) NOT NULL,
		uid VARCHAR(255) NOT NULL,
		href TEXT NOT NULL,
		seq BIGINT NOT NULL DEFAULT 0 CHECK (seq >= 0),
		revision_tag VARCHAR(255) NOT NULL DEFAULT '',
		sync_status VARCHAR(20) NOT NULL,
		summary TEXT NOT NULL,
		description TEXT NOT NULL,
		location TEXT NOT NULL,
		start_at VARCHAR(40),
		end_at VARCHAR(40),
		all_day TINYINT NOT NULL DEFAULT 0,
		rrule TEXT NOT NULL,
		organizer TEXT NOT NULL,
		attendees TEXT NOT NULL,
		resources TEXT NOT NULL,
		raw LONGBLOB,
		updated_at VARCHAR(40) NOT NULL,
		PRIMARY KEY (calendar_id, uid),
		FOREIGN KEY (calendar_id) REFERENCES collections(id) ON DELETE CASCADE
	) ENGINE=InnoDB`,
	`CREATE TABLE IF NOT EXISTS notifications (
		id VARCHAR(64) PRIMARY KEY,
		user_id VARCHAR(255) NOT NULL,
		type VARCHAR(40) NOT NULL,
		title TEXT NOT NULL,
		message TEXT NOT NULL,
		priority VARCHAR(10) NOT NULL,
		related_event_id VARCHAR(255) NOT NULL DEFAULT '',
		related_event_uid VARCHAR(255) NOT NULL DEFAULT '',
		requires_action TINYINT NOT NULL DEFAULT 0,
		is_read TINYINT NOT NULL DEFAULT 0,
		is_dismissed TINYINT NOT NULL DEFAULT 0,
		action_taken TINYINT NOT NULL DEFAULT 0,
		created_at VARCHAR(40) NOT NULL,
		INDEX idx_notifications_user (user_id, is_dismissed, created_at)
	) ENGINE=InnoDB`,
}
