package storage

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"time"
)

// SessionEntry records a session the user has worked in.
type SessionEntry struct {
	SessionID string    `json:"session_id"`
	Title     string    `json:"title,omitempty"`
	Provider  string    `json:"provider,omitempty"`
	Model     string    `json:"model,omitempty"`
	Server    string    `json:"server,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

type lastSession struct {
	SessionID string `json:"session_id"`
}

// SessionStore persists recently used sessions so the CLI can continue the
// last one.
type SessionStore struct {
	storage *Storage
}

// NewSessionStore creates a SessionStore backed by s.
func NewSessionStore(s *Storage) *SessionStore {
	return &SessionStore{storage: s}
}

// Remember stores entry and marks it as the last used session.
func (s *SessionStore) Remember(ctx context.Context, entry SessionEntry) error {
	if entry.SessionID == "" {
		return errors.New("session id is required")
	}
	if entry.UpdatedAt.IsZero() {
		entry.UpdatedAt = time.Now().UTC()
	}
	if err := s.storage.Put(ctx, []string{"sessions", entry.SessionID}, entry); err != nil {
		return err
	}
	return s.storage.Put(ctx, []string{"last"}, lastSession{SessionID: entry.SessionID})
}

// Get returns the stored entry for sessionID.
func (s *SessionStore) Get(ctx context.Context, sessionID string) (*SessionEntry, error) {
	var entry SessionEntry
	if err := s.storage.Get(ctx, []string{"sessions", sessionID}, &entry); err != nil {
		return nil, err
	}
	return &entry, nil
}

// Last returns the most recently remembered session, or ErrNotFound.
func (s *SessionStore) Last(ctx context.Context) (*SessionEntry, error) {
	var last lastSession
	if err := s.storage.Get(ctx, []string{"last"}, &last); err != nil {
		return nil, err
	}
	return s.Get(ctx, last.SessionID)
}

// List returns all remembered sessions, most recent first.
func (s *SessionStore) List(ctx context.Context) ([]SessionEntry, error) {
	var entries []SessionEntry
	err := s.storage.Scan(ctx, []string{"sessions"}, func(_ string, data json.RawMessage) error {
		var entry SessionEntry
		if json.Unmarshal(data, &entry) == nil {
			entries = append(entries, entry)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].UpdatedAt.After(entries[j].UpdatedAt)
	})
	return entries, nil
}

// Forget removes a session. If it was the last used one, the marker is
// cleared too.
func (s *SessionStore) Forget(ctx context.Context, sessionID string) error {
	if err := s.storage.Delete(ctx, []string{"sessions", sessionID}); err != nil {
		return err
	}
	var last lastSession
	if err := s.storage.Get(ctx, []string{"last"}, &last); err == nil && last.SessionID == sessionID {
		return s.storage.Delete(ctx, []string{"last"})
	}
	return nil
}
