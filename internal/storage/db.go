// Package storage persists messages and the call log in a per-profile
// SQLite database. It backs the relay's history deduplication and the call
// manager's log; nothing here talks to the network.
package storage

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	logging "github.com/ipfs/go-log/v2"
	_ "modernc.org/sqlite"

	"github.com/parley-chat/parley/internal/call"
	"github.com/parley-chat/parley/internal/media"
	"github.com/parley-chat/parley/internal/relay"
)

var log = logging.Logger("storage")

// DB wraps the SQLite database for one profile directory.
type DB struct {
	db   *sql.DB
	path string
}

// Open opens or creates the database inside dir.
func Open(dir string) (*DB, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	dbPath := filepath.Join(dir, "data.db")

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// Enable foreign keys and WAL mode for better concurrency
	if _, err := db.Exec(`
		PRAGMA foreign_keys = ON;
		PRAGMA journal_mode = WAL;
		PRAGMA busy_timeout = 5000;
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("configure database: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS messages (
			id        TEXT PRIMARY KEY,
			peer      TEXT NOT NULL,
			sender    TEXT NOT NULL,
			body      TEXT NOT NULL,
			sent_at   INTEGER NOT NULL,
			incoming  INTEGER NOT NULL DEFAULT 0
		);
		CREATE INDEX IF NOT EXISTS idx_messages_peer_sent ON messages(peer, sent_at);

		CREATE TABLE IF NOT EXISTS call_log (
			id          TEXT PRIMARY KEY,
			peer        TEXT NOT NULL,
			direction   TEXT NOT NULL,
			media_kind  TEXT NOT NULL,
			is_group    INTEGER NOT NULL DEFAULT 0,
			started_at  INTEGER,
			ended_at    INTEGER,
			status      TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_call_log_ended ON call_log(ended_at);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create tables: %w", err)
	}

	log.Infof("STORAGE: opened %s", dbPath)
	return &DB{db: db, path: dbPath}, nil
}

// Close closes the database.
func (d *DB) Close() error { return d.db.Close() }

// SaveMessage inserts one message. An existing row with the same id wins;
// replays of an already stored message are not an error.
func (d *DB) SaveMessage(m relay.Message) error {
	_, err := d.db.Exec(`
		INSERT OR IGNORE INTO messages (id, peer, sender, body, sent_at, incoming)
		VALUES (?, ?, ?, ?, ?, ?)`,
		m.ID, m.Peer, m.From, m.Body, m.SentAt.UnixMilli(), boolInt(m.Incoming),
	)
	if err != nil {
		return fmt.Errorf("save message: %w", err)
	}
	return nil
}

// HasEquivalentMessage reports whether the conversation already holds a
// message with the same body sent within one second of sentAt. History pages
// and reconnect replays carry slightly shifted timestamps for the same
// message, so equality on (peer, body, exact time) would miss them.
func (d *DB) HasEquivalentMessage(peer, body string, sentAt time.Time) (bool, error) {
	ms := sentAt.UnixMilli()
	var n int
	err := d.db.QueryRow(`
		SELECT COUNT(1) FROM messages
		WHERE peer = ? AND body = ? AND sent_at BETWEEN ? AND ?`,
		peer, body, ms-1000, ms+1000,
	).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("dedup lookup: %w", err)
	}
	return n > 0, nil
}

// RecentMessages returns the newest limit messages of one conversation,
// oldest first.
func (d *DB) RecentMessages(peer string, limit int) ([]relay.Message, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := d.db.Query(`
		SELECT id, peer, sender, body, sent_at, incoming FROM messages
		WHERE peer = ? ORDER BY sent_at DESC LIMIT ?`, peer, limit)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	var out []relay.Message
	for rows.Next() {
		var m relay.Message
		var sentMs int64
		var incoming int
		if err := rows.Scan(&m.ID, &m.Peer, &m.From, &m.Body, &sentMs, &incoming); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.SentAt = time.UnixMilli(sentMs)
		m.Incoming = incoming != 0
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	// reverse to oldest-first for display
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// RecordCall appends one finished call to the log.
func (d *DB) RecordCall(e call.LogEntry) error {
	_, err := d.db.Exec(`
		INSERT OR REPLACE INTO call_log
			(id, peer, direction, media_kind, is_group, started_at, ended_at, status)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.CallID, e.PeerID, string(e.Direction), string(e.MediaKind), boolInt(e.IsGroup),
		unixOrNull(e.StartedAt), unixOrNull(e.EndedAt), string(e.Status),
	)
	if err != nil {
		return fmt.Errorf("record call: %w", err)
	}
	return nil
}

// ListCalls returns the most recent calls, newest first.
func (d *DB) ListCalls(limit int) ([]call.LogEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := d.db.Query(`
		SELECT id, peer, direction, media_kind, is_group, started_at, ended_at, status
		FROM call_log ORDER BY ended_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query call log: %w", err)
	}
	defer rows.Close()

	var out []call.LogEntry
	for rows.Next() {
		var e call.LogEntry
		var dir, kind, status string
		var isGroup int
		var started, ended sql.NullInt64
		if err := rows.Scan(&e.CallID, &e.PeerID, &dir, &kind, &isGroup, &started, &ended, &status); err != nil {
			return nil, fmt.Errorf("scan call: %w", err)
		}
		e.Direction = call.Direction(dir)
		e.MediaKind = media.Kind(kind)
		e.IsGroup = isGroup != 0
		e.Status = call.Status(status)
		if started.Valid {
			e.StartedAt = time.UnixMilli(started.Int64)
		}
		if ended.Valid {
			e.EndedAt = time.UnixMilli(ended.Int64)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func unixOrNull(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UnixMilli()
}
