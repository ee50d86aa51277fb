package chat

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/instantcocoa/dorastudio/pkg/database"
	"github.com/instantcocoa/dorastudio/services/runtime"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Migrate applies the transcript schema.
func Migrate(ctx context.Context, db *database.DB, logger *slog.Logger) error {
	m := database.NewMigrator(db, "chat").WithLogger(logger)
	if err := m.LoadMigrations(migrationsFS, "migrations"); err != nil {
		return err
	}
	_, err := m.Up(ctx)
	return err
}

// PostgresStore is a PostgreSQL-backed Store.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

type storedToolCall struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

func (s *PostgresStore) Append(ctx context.Context, id uuid.UUID, msgs ...runtime.Message) error {
	if id == uuid.Nil {
		return fmt.Errorf("conversation id is required")
	}
	if len(msgs) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	// Serialize appends to the same conversation.
	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, id.String()); err != nil {
		return fmt.Errorf("failed to lock conversation: %w", err)
	}

	var seq int
	err = tx.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(seq), 0) FROM chat_messages WHERE conversation_id = $1
	`, id).Scan(&seq)
	if err != nil {
		return fmt.Errorf("failed to read transcript length: %w", err)
	}

	for _, m := range msgs {
		seq++
		calls, err := encodeToolCalls(m.ToolCalls)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO chat_messages (conversation_id, seq, role, content, name, tool_call_id, tool_calls)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
		`, id, seq, m.Role, m.Content, m.Name, m.ToolCallID, calls)
		if err != nil {
			return fmt.Errorf("failed to insert message: %w", err)
		}
	}

	return tx.Commit()
}

func (s *PostgresStore) Messages(ctx context.Context, id uuid.UUID) ([]runtime.Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT role, content, name, tool_call_id, tool_calls
		FROM chat_messages
		WHERE conversation_id = $1
		ORDER BY seq
	`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to query transcript: %w", err)
	}
	defer rows.Close()

	var msgs []runtime.Message
	for rows.Next() {
		var m runtime.Message
		var calls sql.NullString
		if err := rows.Scan(&m.Role, &m.Content, &m.Name, &m.ToolCallID, &calls); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		if calls.Valid {
			if m.ToolCalls, err = decodeToolCalls(calls.String); err != nil {
				return nil, err
			}
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

func (s *PostgresStore) List(ctx context.Context) ([]Conversation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT conversation_id, COUNT(*), MAX(created_at)
		FROM chat_messages
		GROUP BY conversation_id
		ORDER BY MAX(created_at) DESC, conversation_id
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list conversations: %w", err)
	}
	defer rows.Close()

	var out []Conversation
	for rows.Next() {
		var c Conversation
		if err := rows.Scan(&c.ID, &c.Messages, &c.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan conversation: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *PostgresStore) Delete(ctx context.Context, id uuid.UUID) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM chat_messages WHERE conversation_id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete conversation: %w", err)
	}
	return nil
}

func encodeToolCalls(calls []runtime.ToolCall) (sql.NullString, error) {
	if len(calls) == 0 {
		return sql.NullString{}, nil
	}
	stored := make([]storedToolCall, len(calls))
	for i, c := range calls {
		stored[i] = storedToolCall{ID: c.ID, Name: c.Name, Arguments: c.Arguments}
	}
	data, err := json.Marshal(stored)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("failed to encode tool calls: %w", err)
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

func decodeToolCalls(data string) ([]runtime.ToolCall, error) {
	var stored []storedToolCall
	if err := json.Unmarshal([]byte(data), &stored); err != nil {
		return nil, fmt.Errorf("failed to decode tool calls: %w", err)
	}
	calls := make([]runtime.ToolCall, len(stored))
	for i, c := range stored {
		calls[i] = runtime.ToolCall{ID: c.ID, Name: c.Name, Arguments: c.Arguments}
	}
	return calls, nil
}
