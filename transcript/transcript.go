// Package transcript keeps a local SQLite record of authoritative chat
// messages, fed by a chatsync.Session.
package transcript

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"

	"github.com/prismer-ai/chatsync"
)

// DefaultDBFileName is the SQLite filename under the data directory.
const DefaultDBFileName = "transcript.db"

var migrations = []string{
	`
CREATE TABLE IF NOT EXISTS messages (
  conversation_key    TEXT NOT NULL,
  message_id          TEXT NOT NULL,
  sender_id           TEXT NOT NULL,
  sender_display_name TEXT NOT NULL DEFAULT '',
  content             TEXT NOT NULL,
  created_at          INTEGER NOT NULL,
  origin              TEXT NOT NULL CHECK(origin IN ('history','pushed')),
  recorded_at         INTEGER NOT NULL,
  PRIMARY KEY (conversation_key, message_id)
);
`,
	`
CREATE INDEX IF NOT EXISTS idx_messages_conversation_time
ON messages (conversation_key, created_at, message_id);
`,
}

// Summary describes one recorded conversation.
type Summary struct {
	Conversation chatsync.Conversation
	Messages     int
	LastAt       time.Time
}

// Store is a thin wrapper around a SQLite connection.
type Store struct {
	db        *sql.DB
	closeOnce sync.Once
}

// Open opens (or creates) transcript.db under dataDir and runs migrations.
func Open(dataDir string) (*Store, string, error) {
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, "", fmt.Errorf("create transcript directory: %w", err)
	}
	dbPath := filepath.Join(dataDir, DefaultDBFileName)
	store, err := OpenPath(dbPath)
	if err != nil {
		return nil, "", err
	}
	return store, dbPath, nil
}

// OpenPath opens SQLite at an explicit path and runs schema migrations.
func OpenPath(dbPath string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000", filepath.ToSlash(dbPath))
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite database: %w", err)
	}

	store := &Store{db: db}
	if err := store.enableWALMode(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := store.applyMigrations(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// Close closes the SQLite connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	var closeErr error
	s.closeOnce.Do(func() {
		closeErr = s.db.Close()
	})
	return closeErr
}

func (s *Store) applyMigrations() error {
	var version int
	if err := s.db.QueryRow("PRAGMA user_version;").Scan(&version); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	if version >= len(migrations) {
		return nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin migration transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	for i := version; i < len(migrations); i++ {
		if _, err := tx.Exec(migrations[i]); err != nil {
			return fmt.Errorf("apply migration %d: %w", i+1, err)
		}
		if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d;", i+1)); err != nil {
			return fmt.Errorf("set schema version %d: %w", i+1, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration transaction: %w", err)
	}
	return nil
}

func (s *Store) enableWALMode() error {
	var journalMode string
	if err := s.db.QueryRow("PRAGMA journal_mode=WAL;").Scan(&journalMode); err != nil {
		return fmt.Errorf("enable WAL mode: %w", err)
	}
	if !strings.EqualFold(journalMode, "wal") {
		return fmt.Errorf("enable WAL mode: unexpected journal mode %q", journalMode)
	}
	return nil
}

// Record upserts the authoritative messages of conv. Optimistic entries are
// skipped; they are recorded once a delivery or history load confirms them.
// It returns the number of rows written.
func (s *Store) Record(conv chatsync.Conversation, msgs []chatsync.Message) (int, error) {
	if !conv.Valid() {
		return 0, chatsync.ErrInvalidConversation
	}

	tx, err := s.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("begin record transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	stmt, err := tx.Prepare(`INSERT INTO messages (
			conversation_key,
			message_id,
			sender_id,
			sender_display_name,
			content,
			created_at,
			origin,
			recorded_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (conversation_key, message_id) DO UPDATE SET
			sender_display_name = excluded.sender_display_name,
			content = excluded.content,
			created_at = excluded.created_at`)
	if err != nil {
		return 0, fmt.Errorf("prepare record statement: %w", err)
	}
	defer stmt.Close()

	now := time.Now().UnixMilli()
	key := conv.Key()
	written := 0
	for _, m := range msgs {
		if m.Pending() || m.ID == "" {
			continue
		}
		if _, err := stmt.Exec(
			key,
			m.ID,
			m.SenderID,
			m.SenderDisplayName,
			m.Content,
			m.CreatedAt.UnixMilli(),
			string(m.Origin),
			now,
		); err != nil {
			return 0, fmt.Errorf("record message %q: %w", m.ID, err)
		}
		written++
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit record transaction: %w", err)
	}
	return written, nil
}

// Messages returns up to limit recorded messages of conv, oldest first. A
// non-positive limit returns all of them.
func (s *Store) Messages(conv chatsync.Conversation, limit int) ([]chatsync.Message, error) {
	if !conv.Valid() {
		return nil, chatsync.ErrInvalidConversation
	}

	query := `SELECT message_id, sender_id, sender_display_name, content, created_at, origin
		FROM (
			SELECT * FROM messages
			WHERE conversation_key = ?
			ORDER BY created_at DESC, message_id DESC`
	args := []any{conv.Key()}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	query += `)
		ORDER BY created_at ASC, message_id ASC`

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query messages for %s: %w", conv.Key(), err)
	}
	defer rows.Close()

	var out []chatsync.Message
	for rows.Next() {
		var (
			m         chatsync.Message
			createdAt int64
			origin    string
		)
		if err := rows.Scan(&m.ID, &m.SenderID, &m.SenderDisplayName, &m.Content, &createdAt, &origin); err != nil {
			return nil, fmt.Errorf("scan message row: %w", err)
		}
		m.Conversation = conv
		m.CreatedAt = time.UnixMilli(createdAt).UTC()
		m.Origin = chatsync.Origin(origin)
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate message rows: %w", err)
	}
	return out, nil
}

// Conversations summarises every recorded conversation, most recent first.
func (s *Store) Conversations() ([]Summary, error) {
	rows, err := s.db.Query(`SELECT conversation_key, COUNT(*), MAX(created_at)
		FROM messages
		GROUP BY conversation_key
		ORDER BY MAX(created_at) DESC`)
	if err != nil {
		return nil, fmt.Errorf("query conversations: %w", err)
	}
	defer rows.Close()

	var out []Summary
	for rows.Next() {
		var (
			key    string
			count  int
			lastAt int64
		)
		if err := rows.Scan(&key, &count, &lastAt); err != nil {
			return nil, fmt.Errorf("scan conversation row: %w", err)
		}
		conv, err := chatsync.ParseConversation(key)
		if err != nil {
			return nil, fmt.Errorf("stored conversation key %q: %w", key, err)
		}
		out = append(out, Summary{Conversation: conv, Messages: count, LastAt: time.UnixMilli(lastAt).UTC()})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate conversation rows: %w", err)
	}
	return out, nil
}

// Attach records every timeline change of sess. Write failures are logged and
// do not affect the session.
func (s *Store) Attach(sess *chatsync.Session, log zerolog.Logger) {
	sess.OnTimelineChange(func(conv chatsync.Conversation, msgs []chatsync.Message) {
		n, err := s.Record(conv, msgs)
		if err != nil {
			log.Warn().Err(err).Str("conversation", conv.Key()).Msg("transcript write failed")
			return
		}
		log.Debug().Str("conversation", conv.Key()).Int("rows", n).Msg("transcript updated")
	})
}
