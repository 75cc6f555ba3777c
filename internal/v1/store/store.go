// Package store is the durable persistence layer: plain record structs and
// explicit Get/List/Insert/Update functions over database/sql +
// modernc.org/sqlite, one file per aggregate. No ORM, no lazy relations.
//
// The transient Shared-State Store (internal/v1/bus) is authoritative for
// DJ slot, playback record, vote ballots, and sync offsets (open vote
// sessions are held in the Vote Engine's memory); this package is
// authoritative for everything with a lifecycle longer than a room's active
// lifetime: accounts, room metadata, queue history, audit trail, chat.
package store

import (
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS users (
	id TEXT PRIMARY KEY,
	display_name TEXT NOT NULL,
	created_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS rooms (
	id TEXT PRIMARY KEY,
	code TEXT NOT NULL UNIQUE,
	name TEXT NOT NULL,
	password_hash TEXT NOT NULL DEFAULT '',
	owner_id TEXT NOT NULL,
	max_members INTEGER NOT NULL,
	mutiny_threshold REAL NOT NULL,
	dj_cooldown_minutes INTEGER NOT NULL,
	auto_randomize_dj INTEGER NOT NULL,
	active INTEGER NOT NULL,
	created_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS memberships (
	room_id TEXT NOT NULL,
	user_id TEXT NOT NULL,
	role TEXT NOT NULL,
	joined_at INTEGER NOT NULL,
	last_active INTEGER NOT NULL,
	PRIMARY KEY (room_id, user_id)
);

CREATE TABLE IF NOT EXISTS submissions (
	id TEXT PRIMARY KEY,
	room_id TEXT NOT NULL,
	submitter_id TEXT NOT NULL,
	url TEXT NOT NULL,
	video_id TEXT NOT NULL,
	title TEXT NOT NULL,
	channel TEXT NOT NULL,
	thumbnail TEXT NOT NULL,
	duration_seconds REAL NOT NULL,
	up_count INTEGER NOT NULL DEFAULT 0,
	down_count INTEGER NOT NULL DEFAULT 0,
	played INTEGER NOT NULL DEFAULT 0,
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_submissions_room ON submissions(room_id);

CREATE TABLE IF NOT EXISTS ballots (
	submission_id TEXT NOT NULL,
	voter_id TEXT NOT NULL,
	choice INTEGER NOT NULL,
	cast_at INTEGER NOT NULL,
	PRIMARY KEY (submission_id, voter_id)
);

CREATE TABLE IF NOT EXISTS dj_history (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	room_id TEXT NOT NULL,
	user_id TEXT NOT NULL,
	became_dj_at INTEGER,
	removed_at INTEGER,
	reason TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_dj_history_room_user ON dj_history(room_id, user_id);

CREATE TABLE IF NOT EXISTS messages (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	room_id TEXT NOT NULL,
	user_id TEXT NOT NULL,
	content TEXT NOT NULL,
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_messages_room ON messages(room_id);
`

// Store wraps a sqlite database handle shared by every aggregate file in
// this package.
type Store struct {
	db *sql.DB
}

// Open opens (creating if necessary) the sqlite database at dsn and applies
// the schema.
func Open(dsn string) (*Store, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	db.SetMaxOpenConns(1) // modernc.org/sqlite is not safe for concurrent writers

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Ping verifies the database is reachable, used by the health handler.
func (s *Store) Ping() error {
	return s.db.Ping()
}
