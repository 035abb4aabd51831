// Copyright 2025 Datalens AI
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package session

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/datalens-ai/datalens/pkg/exectree"
	"github.com/datalens-ai/datalens/pkg/model"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

// SQLService is a Service backed by a relational database. Supported
// dialects: sqlite, postgres, mysql.
type SQLService struct {
	db      *sql.DB
	dialect string
}

const createSessionsTableSQL = `
CREATE TABLE IF NOT EXISTS sessions (
    id VARCHAR(255) NOT NULL PRIMARY KEY,
    user_id VARCHAR(255),
    metadata TEXT,
    environment_json TEXT,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_sessions_updated_at ON sessions(updated_at);
`

const createMessagesTableSQL = `
CREATE TABLE IF NOT EXISTS session_messages (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    session_id VARCHAR(255) NOT NULL,
    message_id VARCHAR(255) NOT NULL,
    role VARCHAR(50) NOT NULL,
    content TEXT NOT NULL,
    metadata TEXT,
    sequence_num INTEGER NOT NULL,
    created_at TIMESTAMP NOT NULL,
    FOREIGN KEY (session_id) REFERENCES sessions(id) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS idx_messages_session_id ON session_messages(session_id);
CREATE INDEX IF NOT EXISTS idx_messages_message_id ON session_messages(message_id);
CREATE INDEX IF NOT EXISTS idx_messages_sequence ON session_messages(session_id, sequence_num);
`

const createStepsTableSQL = `
CREATE TABLE IF NOT EXISTS session_steps (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    session_id VARCHAR(255) NOT NULL,
    message_id VARCHAR(255) NOT NULL,
    agent_name VARCHAR(255) NOT NULL,
    step_order INTEGER NOT NULL,
    tool_call VARCHAR(255),
    structured_output TEXT,
    raw_output TEXT,
    status VARCHAR(50) NOT NULL,
    created_at TIMESTAMP NOT NULL,
    FOREIGN KEY (session_id) REFERENCES sessions(id) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS idx_steps_message_id ON session_steps(message_id);
`

// NewSQLService wraps an open database connection. The schema is created if
// missing.
func NewSQLService(db *sql.DB, dialect string) (*SQLService, error) {
	if db == nil {
		return nil, fmt.Errorf("database connection is required")
	}

	switch dialect {
	case "postgres", "mysql", "sqlite":
	default:
		return nil, fmt.Errorf("unsupported dialect: %s (supported: postgres, mysql, sqlite)", dialect)
	}

	s := &SQLService{db: db, dialect: dialect}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

// OpenSQLService opens a database by driver name and DSN and wraps it.
func OpenSQLService(dialect, dsn string, maxConns, maxIdle int) (*SQLService, error) {
	driverName := dialect
	if driverName == "sqlite" {
		driverName = "sqlite3"
	}

	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if maxConns > 0 {
		db.SetMaxOpenConns(maxConns)
	}
	if maxIdle > 0 {
		db.SetMaxIdleConns(maxIdle)
	}
	db.SetConnMaxLifetime(time.Hour)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to %s database: %w", dialect, err)
	}

	return NewSQLService(db, dialect)
}

func (s *SQLService) initSchema() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	for _, ddl := range []string{
		createSessionsTableSQL,
		s.dialectDDL(createMessagesTableSQL),
		s.dialectDDL(createStepsTableSQL),
	} {
		if _, err := s.db.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("failed to create tables: %w", err)
		}
	}
	return nil
}

// dialectDDL rewrites the sqlite autoincrement column for the other dialects.
func (s *SQLService) dialectDDL(ddl string) string {
	switch s.dialect {
	case "postgres":
		return strings.ReplaceAll(ddl, "INTEGER PRIMARY KEY AUTOINCREMENT", "SERIAL PRIMARY KEY")
	case "mysql":
		return strings.ReplaceAll(ddl, "INTEGER PRIMARY KEY AUTOINCREMENT", "BIGINT PRIMARY KEY AUTO_INCREMENT")
	default:
		return ddl
	}
}

// rebind rewrites ? placeholders to $N for postgres.
func (s *SQLService) rebind(query string) string {
	if s.dialect != "postgres" {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			fmt.Fprintf(&b, "$%d", n)
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *SQLService) GetSession(ctx context.Context, sessionID string) (*Session, error) {
	if sessionID == "" {
		return nil, fmt.Errorf("sessionID cannot be empty")
	}

	query := s.rebind(`SELECT id, user_id, metadata, created_at, updated_at FROM sessions WHERE id = ?`)

	var sess Session
	var userID, metadata sql.NullString
	err := s.db.QueryRowContext(ctx, query, sessionID).Scan(
		&sess.ID, &userID, &metadata, &sess.CreatedAt, &sess.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, sessionID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query session: %w", err)
	}

	sess.UserID = userID.String
	if metadata.String != "" && metadata.String != "{}" {
		if err := json.Unmarshal([]byte(metadata.String), &sess.Metadata); err != nil {
			return nil, fmt.Errorf("failed to unmarshal metadata: %w", err)
		}
	}
	return &sess, nil
}

func (s *SQLService) GetOrCreate(ctx context.Context, sessionID, userID string) (*Session, error) {
	sess, err := s.GetSession(ctx, sessionID)
	if err == nil {
		return sess, nil
	}
	if !strings.Contains(err.Error(), ErrNotFound.Error()) {
		return nil, err
	}

	now := time.Now()
	query := s.rebind(`INSERT INTO sessions (id, user_id, metadata, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`)
	if _, err := s.db.ExecContext(ctx, query, sessionID, userID, "{}", now, now); err != nil {
		return nil, fmt.Errorf("failed to insert session: %w", err)
	}

	return &Session{
		ID:        sessionID,
		UserID:    userID,
		Metadata:  make(map[string]any),
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

func (s *SQLService) AppendMessage(ctx context.Context, msg *Message) error {
	if msg == nil {
		return fmt.Errorf("message cannot be nil")
	}
	if msg.SessionID == "" {
		return fmt.Errorf("message has no session ID")
	}

	if _, err := s.GetOrCreate(ctx, msg.SessionID, ""); err != nil {
		return fmt.Errorf("failed to ensure session exists: %w", err)
	}

	messageID := msg.ID
	if messageID == "" {
		messageID = uuid.NewString()
		msg.ID = messageID
	}

	metadataJSON := "{}"
	if msg.Metadata != nil {
		data, err := json.Marshal(msg.Metadata)
		if err != nil {
			return fmt.Errorf("failed to marshal message metadata: %w", err)
		}
		metadataJSON = string(data)
	}

	seqQuery := s.rebind(`SELECT COALESCE(MAX(sequence_num), 0) + 1 FROM session_messages WHERE session_id = ?`)
	var sequenceNum int64
	if err := s.db.QueryRowContext(ctx, seqQuery, msg.SessionID).Scan(&sequenceNum); err != nil {
		return fmt.Errorf("failed to get next sequence number: %w", err)
	}

	now := msg.CreatedAt
	if now.IsZero() {
		now = time.Now()
	}

	query := s.rebind(`
INSERT INTO session_messages (session_id, message_id, role, content, metadata, sequence_num, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if _, err := s.db.ExecContext(ctx, query,
		msg.SessionID, messageID, string(msg.Role), msg.Content, metadataJSON, sequenceNum, now,
	); err != nil {
		return fmt.Errorf("failed to insert message: %w", err)
	}

	return s.touchSession(ctx, msg.SessionID)
}

func (s *SQLService) UpdateMessage(ctx context.Context, messageID, content string, metadata map[string]any) error {
	if messageID == "" {
		return fmt.Errorf("messageID cannot be empty")
	}

	metadataJSON := ""
	if metadata != nil {
		data, err := json.Marshal(metadata)
		if err != nil {
			return fmt.Errorf("failed to marshal message metadata: %w", err)
		}
		metadataJSON = string(data)
	}

	var result sql.Result
	var err error
	if metadataJSON != "" {
		query := s.rebind(`UPDATE session_messages SET content = ?, metadata = ? WHERE message_id = ?`)
		result, err = s.db.ExecContext(ctx, query, content, metadataJSON, messageID)
	} else {
		query := s.rebind(`UPDATE session_messages SET content = ? WHERE message_id = ?`)
		result, err = s.db.ExecContext(ctx, query, content, messageID)
	}
	if err != nil {
		return fmt.Errorf("failed to update message: %w", err)
	}

	if affected, err := result.RowsAffected(); err == nil && affected == 0 {
		return fmt.Errorf("%w: message %s", ErrNotFound, messageID)
	}
	return nil
}

func (s *SQLService) Messages(ctx context.Context, sessionID string, limit int) ([]*Message, error) {
	if sessionID == "" {
		return nil, fmt.Errorf("sessionID cannot be empty")
	}

	query := `
SELECT message_id, role, content, metadata, created_at
FROM session_messages
WHERE session_id = ?
ORDER BY sequence_num ASC`
	args := []any{sessionID}

	if limit > 0 {
		// Most recent N, back in chronological order.
		query = `
SELECT message_id, role, content, metadata, created_at FROM (
    SELECT message_id, role, content, metadata, created_at, sequence_num
    FROM session_messages
    WHERE session_id = ?
    ORDER BY sequence_num DESC
    LIMIT ?
) sub ORDER BY sequence_num ASC`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	defer rows.Close()

	var messages []*Message
	for rows.Next() {
		msg := &Message{SessionID: sessionID}
		var role string
		var metadata sql.NullString
		if err := rows.Scan(&msg.ID, &role, &msg.Content, &metadata, &msg.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		msg.Role = model.Role(role)
		if metadata.String != "" && metadata.String != "{}" {
			if err := json.Unmarshal([]byte(metadata.String), &msg.Metadata); err != nil {
				return nil, fmt.Errorf("failed to unmarshal message metadata: %w", err)
			}
		}
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating messages: %w", err)
	}
	return messages, nil
}

func (s *SQLService) SaveSteps(ctx context.Context, sessionID string, steps []exectree.StepRecord) error {
	if len(steps) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	query := s.rebind(`
INSERT INTO session_steps (session_id, message_id, agent_name, step_order, tool_call, structured_output, raw_output, status, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)

	for i, step := range steps {
		structured := ""
		if step.StructuredOutput != nil {
			data, marshalErr := json.Marshal(step.StructuredOutput)
			if marshalErr != nil {
				err = fmt.Errorf("failed to marshal step %d structured output: %w", i, marshalErr)
				return err
			}
			structured = string(data)
		}

		createdAt := step.CreatedAt
		if createdAt.IsZero() {
			createdAt = time.Now()
		}

		if _, err = tx.ExecContext(ctx, query,
			sessionID, step.MessageID, step.AgentName, step.StepOrder,
			step.ToolCall, structured, step.RawOutput, step.Status, createdAt,
		); err != nil {
			err = fmt.Errorf("failed to insert step %d: %w", i, err)
			return err
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func (s *SQLService) Steps(ctx context.Context, messageID string) ([]exectree.StepRecord, error) {
	query := s.rebind(`
SELECT message_id, agent_name, step_order, tool_call, structured_output, raw_output, status, created_at
FROM session_steps
WHERE message_id = ?
ORDER BY step_order ASC`)

	rows, err := s.db.QueryContext(ctx, query, messageID)
	if err != nil {
		return nil, fmt.Errorf("failed to query steps: %w", err)
	}
	defer rows.Close()

	var steps []exectree.StepRecord
	for rows.Next() {
		var step exectree.StepRecord
		var toolCall, structured, rawOutput sql.NullString
		var status string
		if err := rows.Scan(&step.MessageID, &step.AgentName, &step.StepOrder,
			&toolCall, &structured, &rawOutput, &status, &step.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan step: %w", err)
		}
		step.ToolCall = toolCall.String
		step.RawOutput = rawOutput.String
		step.Status = exectree.Status(status)
		if structured.String != "" {
			if err := json.Unmarshal([]byte(structured.String), &step.StructuredOutput); err != nil {
				return nil, fmt.Errorf("failed to unmarshal structured output: %w", err)
			}
		}
		steps = append(steps, step)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating steps: %w", err)
	}
	return steps, nil
}

func (s *SQLService) SaveEnvironment(ctx context.Context, sessionID string, snapshot []byte) error {
	if _, err := s.GetOrCreate(ctx, sessionID, ""); err != nil {
		return err
	}

	query := s.rebind(`UPDATE sessions SET environment_json = ?, updated_at = ? WHERE id = ?`)
	if _, err := s.db.ExecContext(ctx, query, string(snapshot), time.Now(), sessionID); err != nil {
		return fmt.Errorf("failed to save environment snapshot: %w", err)
	}
	return nil
}

func (s *SQLService) LoadEnvironment(ctx context.Context, sessionID string) ([]byte, error) {
	query := s.rebind(`SELECT environment_json FROM sessions WHERE id = ?`)

	var snapshot sql.NullString
	err := s.db.QueryRowContext(ctx, query, sessionID).Scan(&snapshot)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load environment snapshot: %w", err)
	}
	if snapshot.String == "" {
		return nil, nil
	}
	return []byte(snapshot.String), nil
}

func (s *SQLService) SaveExtraMetadata(ctx context.Context, sessionID string, metadata map[string]any) error {
	sess, err := s.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}

	if sess.Metadata == nil {
		sess.Metadata = make(map[string]any)
	}
	for k, v := range metadata {
		sess.Metadata[k] = v
	}

	metadataJSON, err := json.Marshal(sess.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}

	query := s.rebind(`UPDATE sessions SET metadata = ?, updated_at = ? WHERE id = ?`)
	if _, err := s.db.ExecContext(ctx, query, string(metadataJSON), time.Now(), sessionID); err != nil {
		return fmt.Errorf("failed to update session metadata: %w", err)
	}
	return nil
}

func (s *SQLService) touchSession(ctx context.Context, sessionID string) error {
	query := s.rebind(`UPDATE sessions SET updated_at = ? WHERE id = ?`)
	_, err := s.db.ExecContext(ctx, query, time.Now(), sessionID)
	return err
}

func (s *SQLService) Close() error {
	return s.db.Close()
}

var _ Service = (*SQLService)(nil)
