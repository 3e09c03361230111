// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jeranaias/llmchat/internal/model"
	"github.com/jeranaias/llmchat/internal/util"
)

// BucketName is the key under which the session collection is persisted.
const BucketName = "chat-sessions"

// titleMaxRunes limits session titles derived from the first user message.
const titleMaxRunes = 50

// ErrSessionNotFound is returned when a session id does not resolve.
var ErrSessionNotFound = errors.New("session not found")

// =============================================================================
// SESSION STORE
// =============================================================================

// SessionStore persists sessions through a Bucket. Every operation is a
// read-modify-write of the whole collection guarded by a mutex, so writes
// for the same store are serialized and no partial-session state is ever
// observable.
type SessionStore struct {
	mu     sync.Mutex
	bucket Bucket

	// now and newID are swappable for tests.
	now   func() time.Time
	newID func() string
}

// NewSessionStore creates a store over the given bucket.
func NewSessionStore(bucket Bucket) *SessionStore {
	return &SessionStore{
		bucket: bucket,
		now:    time.Now,
		newID:  uuid.NewString,
	}
}

// Close releases the underlying bucket.
func (s *SessionStore) Close() error {
	return s.bucket.Close()
}

// =============================================================================
// READ OPERATIONS
// =============================================================================

// ListSessions returns every persisted session in storage order.
func (s *SessionStore) ListSessions() ([]model.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load()
}

// GetSession retrieves one session by id.
func (s *SessionStore) GetSession(id string) (model.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sessions, err := s.load()
	if err != nil {
		return model.Session{}, err
	}
	for _, sess := range sessions {
		if sess.ID == id {
			return sess, nil
		}
	}
	return model.Session{}, ErrSessionNotFound
}

// =============================================================================
// WRITE OPERATIONS
// =============================================================================

// CreateSession allocates a new empty session. If the most recently created
// session still has zero messages it is returned instead, so abandoned
// empty sessions do not pile up.
func (s *SessionStore) CreateSession() (model.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sessions, err := s.load()
	if err != nil {
		return model.Session{}, err
	}

	if latest := latestByCreated(sessions); latest != nil && latest.Empty() {
		return *latest, nil
	}

	session := model.Session{
		ID:        s.newID(),
		Title:     "Untitled",
		CreatedAt: s.now(),
		Messages:  []model.Message{},
	}
	sessions = append(sessions, session)

	if err := s.save(sessions); err != nil {
		return model.Session{}, err
	}
	return session, nil
}

// AppendOrReplaceMessage writes a message into a session. A message with a
// known id is replaced in place, preserving its position; a new id is
// appended. The session title is set from the message's RawHuman only when
// this is the session's first message. UpdatedAt is refreshed either way.
func (s *SessionStore) AppendOrReplaceMessage(sessionID string, msg model.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sessions, err := s.load()
	if err != nil {
		return err
	}

	idx := findSession(sessions, sessionID)
	if idx < 0 {
		return ErrSessionNotFound
	}

	sess := &sessions[idx]
	if sess.Empty() && msg.RawHuman != "" {
		sess.Title = util.TruncateRunes(util.SingleLine(msg.RawHuman), titleMaxRunes)
	}

	if pos := sess.FindMessage(msg.ID); pos >= 0 {
		sess.Messages[pos] = msg
	} else {
		sess.Messages = append(sess.Messages, msg)
	}
	sess.UpdatedAt = s.now()

	return s.save(sessions)
}

// RemoveMessage deletes a message from a session. A missing session or
// message is a no-op, not a failure.
func (s *SessionStore) RemoveMessage(sessionID, messageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sessions, err := s.load()
	if err != nil {
		return err
	}

	idx := findSession(sessions, sessionID)
	if idx < 0 {
		return nil
	}

	sess := &sessions[idx]
	pos := sess.FindMessage(messageID)
	if pos < 0 {
		return nil
	}

	sess.Messages = append(sess.Messages[:pos], sess.Messages[pos+1:]...)
	sess.UpdatedAt = s.now()

	return s.save(sessions)
}

// RemoveSession deletes a session. A missing session is a no-op.
func (s *SessionStore) RemoveSession(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sessions, err := s.load()
	if err != nil {
		return err
	}

	idx := findSession(sessions, id)
	if idx < 0 {
		return nil
	}

	sessions = append(sessions[:idx], sessions[idx+1:]...)
	return s.save(sessions)
}

// ClearSessions deletes every session.
func (s *SessionStore) ClearSessions() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.save([]model.Session{})
}

// =============================================================================
// SORTING
// =============================================================================

// SortField selects the timestamp used for session ordering.
type SortField string

const (
	SortByCreatedAt SortField = "createdAt"
	SortByUpdatedAt SortField = "updatedAt"
)

// SortSessionsBy orders sessions descending (most recent first) by the
// given timestamp field. The input slice is not modified.
func SortSessionsBy(sessions []model.Session, field SortField) []model.Session {
	out := make([]model.Session, len(sessions))
	copy(out, sessions)

	sort.SliceStable(out, func(i, j int) bool {
		return sortKey(out[i], field).After(sortKey(out[j], field))
	})
	return out
}

func sortKey(s model.Session, field SortField) time.Time {
	if field == SortByUpdatedAt && !s.UpdatedAt.IsZero() {
		return s.UpdatedAt
	}
	return s.CreatedAt
}

// =============================================================================
// HELPERS
// =============================================================================

// load decodes the full collection from the bucket.
func (s *SessionStore) load() ([]model.Session, error) {
	data, err := s.bucket.Get()
	if err != nil {
		return nil, fmt.Errorf("failed to read sessions: %w", err)
	}
	if len(data) == 0 {
		return []model.Session{}, nil
	}

	var sessions []model.Session
	if err := json.Unmarshal(data, &sessions); err != nil {
		return nil, fmt.Errorf("failed to decode sessions: %w", err)
	}
	return sessions, nil
}

// save encodes and writes the full collection back to the bucket.
func (s *SessionStore) save(sessions []model.Session) error {
	data, err := json.MarshalIndent(sessions, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode sessions: %w", err)
	}
	if err := s.bucket.Put(data); err != nil {
		return fmt.Errorf("failed to write sessions: %w", err)
	}
	return nil
}

func findSession(sessions []model.Session, id string) int {
	for i := range sessions {
		if sessions[i].ID == id {
			return i
		}
	}
	return -1
}

// latestByCreated returns the most recently created session, or nil.
func latestByCreated(sessions []model.Session) *model.Session {
	var latest *model.Session
	for i := range sessions {
		if latest == nil || sessions[i].CreatedAt.After(latest.CreatedAt) {
			latest = &sessions[i]
		}
	}
	return latest
}
