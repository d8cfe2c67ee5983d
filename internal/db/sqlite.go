package db

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	"github.com/RichardoC/chat-relay/internal/models"
	_ "github.com/mattn/go-sqlite3"
)

const schema = `
CREATE TABLE IF NOT EXISTS messages (
    id INTEGER PRIMARY KEY,
    conversation_id INTEGER NOT NULL,
    role TEXT NOT NULL,
    content TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_messages_conversation_id ON messages(conversation_id, id);`

// Database is the SQLite-backed history repository.
type Database struct {
	db *sql.DB
}

// New opens (or creates) the database at dbPath, creating its parent
// directory when needed, and applies the schema.
func New(dbPath string) (*Database, error) {
	if dir := filepath.Dir(dbPath); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create db directory %s: %w", dir, err)
		}
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open db at %s: %w", dbPath, err)
	}
	// One connection: handlers share it and SQLite allows a single writer.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping db at %s: %w", dbPath, err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	return &Database{db: db}, nil
}

func (d *Database) Save(ctx context.Context, msg *models.Message) (*models.Message, error) {
	if msg.IsNew() {
		query := `
        INSERT INTO messages (conversation_id, role, content)
        VALUES (?, ?, ?)
        RETURNING id`

		var id int64
		if err := d.db.QueryRowContext(ctx, query, msg.ConversationID, string(msg.Role), msg.Content).Scan(&id); err != nil {
			return msg, fmt.Errorf("failed to insert message: %w", err)
		}
		msg.ID = id
		return msg, nil
	}

	res, err := d.db.ExecContext(ctx,
		"UPDATE messages SET conversation_id = ?, role = ?, content = ? WHERE id = ?",
		msg.ConversationID, string(msg.Role), msg.Content, msg.ID)
	if err != nil {
		return msg, fmt.Errorf("failed to update message %d: %w", msg.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return msg, fmt.Errorf("failed to update message %d: %w", msg.ID, err)
	}
	if n == 0 {
		return msg, fmt.Errorf("update message %d: %w", msg.ID, models.ErrMessageNotFound)
	}
	return msg, nil
}

func (d *Database) FetchLastN(ctx context.Context, conversationID int64, n int) ([]models.Message, error) {
	messages := make([]models.Message, 0)
	if n <= 0 {
		return messages, nil
	}

	query := `
        SELECT id, conversation_id, role, content
        FROM messages
        WHERE conversation_id = ?
        ORDER BY id DESC
        LIMIT ?`

	rows, err := d.db.QueryContext(ctx, query, conversationID, n)
	if err != nil {
		return nil, fmt.Errorf("failed to query history: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var msg models.Message
		if err := rows.Scan(&msg.ID, &msg.ConversationID, &msg.Role, &msg.Content); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read history: %w", err)
	}

	reverse(messages)
	return messages, nil
}

func (d *Database) DeleteAllForConversation(ctx context.Context, conversationID int64) error {
	if _, err := d.db.ExecContext(ctx, "DELETE FROM messages WHERE conversation_id = ?", conversationID); err != nil {
		return fmt.Errorf("failed to delete conversation %d: %w", conversationID, err)
	}
	return nil
}

func (d *Database) Ping(ctx context.Context) error {
	return d.db.PingContext(ctx)
}

func (d *Database) Close() error {
	return d.db.Close()
}

// reverse restores chronological order after a newest-first query.
func reverse(msgs []models.Message) {
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
}

var _ models.HistoryRepository = (*Database)(nil)
