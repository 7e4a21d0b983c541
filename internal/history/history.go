// Package history persists conversation transcripts in sqlite so the
// prompt builder can replay recent turns after a restart.
package history

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS turns (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	conversation_id TEXT NOT NULL,
	role TEXT NOT NULL,
	content TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_turns_conversation ON turns(conversation_id, id);
`

// Turn is one utterance or reply in a conversation.
type Turn struct {
	Role      string
	Content   string
	CreatedAt time.Time
}

// Store is a sqlite-backed transcript store.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open opens or creates the transcript database at path and applies the
// schema.
func Open(path string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open history db: %w", err)
	}
	// sqlite allows one writer; a second connection would just block.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate history schema: %w", err)
	}
	return &Store{db: db, logger: logger.With("component", "history")}, nil
}

// AddTurn appends one turn to a conversation.
func (s *Store) AddTurn(ctx context.Context, conversationID, role, content string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO turns (conversation_id, role, content, created_at) VALUES (?, ?, ?, ?)`,
		conversationID, role, content, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("add turn: %w", err)
	}
	return nil
}

// RecentTurns returns the last maxTurns turns of a conversation in
// oldest-first order.
func (s *Store) RecentTurns(ctx context.Context, conversationID string, maxTurns int) ([]Turn, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT role, content, created_at FROM (
			SELECT id, role, content, created_at FROM turns
			WHERE conversation_id = ? ORDER BY id DESC LIMIT ?
		) ORDER BY id ASC`,
		conversationID, maxTurns)
	if err != nil {
		return nil, fmt.Errorf("query turns: %w", err)
	}
	defer rows.Close()

	var turns []Turn
	for rows.Next() {
		var t Turn
		if err := rows.Scan(&t.Role, &t.Content, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan turn: %w", err)
		}
		turns = append(turns, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read turns: %w", err)
	}
	return turns, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}
