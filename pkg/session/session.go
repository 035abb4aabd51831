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

// Package session provides the session context store.
//
// A session holds the durable state of a conversation:
//   - Ordered message history
//   - The latest environment snapshot, restored at the start of each turn
//   - Per-message agent step records for auditability
package session

import (
	"context"
	"errors"
	"time"

	"github.com/datalens-ai/datalens/pkg/exectree"
	"github.com/datalens-ai/datalens/pkg/model"
)

var (
	// ErrNotFound is returned when a session or message does not exist.
	ErrNotFound = errors.New("session not found")
)

// Session is the durable metadata of a conversation.
type Session struct {
	ID        string         `json:"id"`
	UserID    string         `json:"user_id"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// Message is a persisted conversation turn. Metadata carries per-message
// extras such as the routing decision and the execution tree of the turn
// that produced it.
type Message struct {
	ID        string         `json:"id"`
	SessionID string         `json:"session_id"`
	Role      model.Role     `json:"role"`
	Content   string         `json:"content"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// Service manages session lifecycle and persistence. Implementations must be
// safe for concurrent use.
type Service interface {
	// GetSession returns a session, or ErrNotFound.
	GetSession(ctx context.Context, sessionID string) (*Session, error)

	// GetOrCreate returns the session, creating it when missing.
	GetOrCreate(ctx context.Context, sessionID, userID string) (*Session, error)

	// AppendMessage appends a message to the session history. A missing
	// session is created implicitly.
	AppendMessage(ctx context.Context, msg *Message) error

	// UpdateMessage replaces the content and metadata of an existing
	// message, identified by ID. Used to finalize the assistant message
	// once a streamed turn completes.
	UpdateMessage(ctx context.Context, messageID, content string, metadata map[string]any) error

	// Messages returns the most recent messages in chronological order.
	// limit <= 0 returns the full history.
	Messages(ctx context.Context, sessionID string, limit int) ([]*Message, error)

	// SaveSteps persists the finalized step records of a turn.
	SaveSteps(ctx context.Context, sessionID string, steps []exectree.StepRecord) error

	// Steps returns the step records persisted for a message.
	Steps(ctx context.Context, messageID string) ([]exectree.StepRecord, error)

	// SaveEnvironment stores the serialized environment snapshot for the
	// session, replacing any previous snapshot.
	SaveEnvironment(ctx context.Context, sessionID string, snapshot []byte) error

	// LoadEnvironment returns the latest environment snapshot, or nil when
	// none has been saved.
	LoadEnvironment(ctx context.Context, sessionID string) ([]byte, error)

	// SaveExtraMetadata merges the given keys into the session metadata.
	SaveExtraMetadata(ctx context.Context, sessionID string, metadata map[string]any) error

	// Close releases resources held by the service.
	Close() error
}
