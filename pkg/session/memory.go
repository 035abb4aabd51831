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
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/datalens-ai/datalens/pkg/exectree"
)

// MemoryService is an in-memory Service for development and tests. State is
// lost on restart.
type MemoryService struct {
	mu        sync.RWMutex
	sessions  map[string]*Session
	messages  map[string][]*Message // session ID -> ordered history
	steps     map[string][]exectree.StepRecord
	snapshots map[string][]byte
}

// NewMemoryService creates an empty in-memory session store.
func NewMemoryService() *MemoryService {
	return &MemoryService{
		sessions:  make(map[string]*Session),
		messages:  make(map[string][]*Message),
		steps:     make(map[string][]exectree.StepRecord),
		snapshots: make(map[string][]byte),
	}
}

func (s *MemoryService) GetSession(ctx context.Context, sessionID string) (*Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sess, ok := s.sessions[sessionID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, sessionID)
	}
	copied := *sess
	return &copied, nil
}

func (s *MemoryService) GetOrCreate(ctx context.Context, sessionID, userID string) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getOrCreateLocked(sessionID, userID), nil
}

func (s *MemoryService) getOrCreateLocked(sessionID, userID string) *Session {
	if sess, ok := s.sessions[sessionID]; ok {
		copied := *sess
		return &copied
	}
	now := time.Now()
	sess := &Session{
		ID:        sessionID,
		UserID:    userID,
		Metadata:  make(map[string]any),
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.sessions[sessionID] = sess
	copied := *sess
	return &copied
}

func (s *MemoryService) AppendMessage(ctx context.Context, msg *Message) error {
	if msg == nil {
		return fmt.Errorf("message cannot be nil")
	}
	if msg.SessionID == "" {
		return fmt.Errorf("message has no session ID")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.getOrCreateLocked(msg.SessionID, "")

	copied := *msg
	if copied.ID == "" {
		copied.ID = uuid.NewString()
	}
	if copied.CreatedAt.IsZero() {
		copied.CreatedAt = time.Now()
	}
	s.messages[msg.SessionID] = append(s.messages[msg.SessionID], &copied)
	s.sessions[msg.SessionID].UpdatedAt = time.Now()
	return nil
}

func (s *MemoryService) UpdateMessage(ctx context.Context, messageID, content string, metadata map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, history := range s.messages {
		for _, msg := range history {
			if msg.ID == messageID {
				msg.Content = content
				if metadata != nil {
					msg.Metadata = metadata
				}
				return nil
			}
		}
	}
	return fmt.Errorf("%w: message %s", ErrNotFound, messageID)
}

func (s *MemoryService) Messages(ctx context.Context, sessionID string, limit int) ([]*Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	history := s.messages[sessionID]
	if limit > 0 && len(history) > limit {
		history = history[len(history)-limit:]
	}
	out := make([]*Message, len(history))
	for i, msg := range history {
		copied := *msg
		out[i] = &copied
	}
	return out, nil
}

func (s *MemoryService) SaveSteps(ctx context.Context, sessionID string, steps []exectree.StepRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.steps[sessionID] = append(s.steps[sessionID], steps...)
	return nil
}

func (s *MemoryService) Steps(ctx context.Context, messageID string) ([]exectree.StepRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []exectree.StepRecord
	for _, records := range s.steps {
		for _, record := range records {
			if record.MessageID == messageID {
				out = append(out, record)
			}
		}
	}
	return out, nil
}

func (s *MemoryService) SaveEnvironment(ctx context.Context, sessionID string, snapshot []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	copied := make([]byte, len(snapshot))
	copy(copied, snapshot)
	s.snapshots[sessionID] = copied
	return nil
}

func (s *MemoryService) LoadEnvironment(ctx context.Context, sessionID string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snapshot, ok := s.snapshots[sessionID]
	if !ok {
		return nil, nil
	}
	copied := make([]byte, len(snapshot))
	copy(copied, snapshot)
	return copied, nil
}

func (s *MemoryService) SaveExtraMetadata(ctx context.Context, sessionID string, metadata map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[sessionID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, sessionID)
	}
	if sess.Metadata == nil {
		sess.Metadata = make(map[string]any)
	}
	for k, v := range metadata {
		sess.Metadata[k] = v
	}
	sess.UpdatedAt = time.Now()
	return nil
}

func (s *MemoryService) Close() error {
	return nil
}

var _ Service = (*MemoryService)(nil)
