package main

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"time"
)

// maxSessionIDRetries bounds the set-if-absent retry loop in Create. At
// 128-bit id width a collision is effectively impossible, so exhausting the
// retries indicates a broken id source and is treated as fatal for the call.
const maxSessionIDRetries = 3

// SessionStore owns the session_id -> username mapping. TTL is fixed at
// creation and enforced lazily: an expired entry is indistinguishable from
// an absent one. Revoke is idempotent.
type SessionStore interface {
	Create(ctx context.Context, username string) (string, error)
	Resolve(ctx context.Context, id string) (string, error)
	Revoke(ctx context.Context, id string) error
}

// ErrSessionCollision is returned by a store when a freshly generated id is
// already present. Create retries on it; callers never see it.
var ErrSessionCollision = errors.New("session id collision")

// Memory session store

type MemSessionStore struct {
	mu       sync.Mutex
	sessions map[string]Session
	ttl      time.Duration
	now      func() time.Time
}

func NewMemSessionStore(ttl time.Duration) *MemSessionStore {
	return &MemSessionStore{
		sessions: map[string]Session{},
		ttl:      ttl,
		now:      time.Now,
	}
}

func (m *MemSessionStore) Create(ctx context.Context, username string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := 0; i < maxSessionIDRetries; i++ {
		id := genSessionID()
		if _, exists := m.sessions[id]; exists {
			continue
		}
		m.sessions[id] = Session{ID: id, Username: username, ExpiresAt: m.now().Add(m.ttl)}
		return id, nil
	}
	return "", ErrSessionCollision
}

func (m *MemSessionStore) Resolve(ctx context.Context, id string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return "", nil
	}
	if !s.ExpiresAt.After(m.now()) {
		delete(m.sessions, id)
		return "", nil
	}
	return s.Username, nil
}

func (m *MemSessionStore) Revoke(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, id)
	return nil
}

// SQL session store, sharing the adapter connection with the directory.

type SQLSessionStore struct {
	db     *sql.DB
	rebind func(string) string
	ttl    time.Duration
	now    func() time.Time
}

func NewSQLSessionStore(dir *SQLDirectory, ttl time.Duration) *SQLSessionStore {
	return &SQLSessionStore{db: dir.db, rebind: dir.rebind, ttl: ttl, now: time.Now}
}

func (s *SQLSessionStore) Create(ctx context.Context, username string) (string, error) {
	q := s.rebind(`INSERT INTO sessions(id,username,expires_at) VALUES(?,?,?) ON CONFLICT (id) DO NOTHING`)
	for i := 0; i < maxSessionIDRetries; i++ {
		id := genSessionID()
		res, err := s.db.ExecContext(ctx, q, id, username, s.now().Add(s.ttl).Unix())
		if err != nil {
			return "", err
		}
		if n, err := res.RowsAffected(); err == nil && n == 0 {
			continue
		}
		return id, nil
	}
	return "", ErrSessionCollision
}

func (s *SQLSessionStore) Resolve(ctx context.Context, id string) (string, error) {
	q := s.rebind(`SELECT username FROM sessions WHERE id = ? AND expires_at > ?`)
	var username string
	err := s.db.QueryRowContext(ctx, q, id, s.now().Unix()).Scan(&username)
	if err != nil {
		if err == sql.ErrNoRows {
			return "", nil
		}
		return "", err
	}
	return username, nil
}

func (s *SQLSessionStore) Revoke(ctx context.Context, id string) error {
	q := s.rebind(`DELETE FROM sessions WHERE id = ?`)
	_, err := s.db.ExecContext(ctx, q, id)
	return err
}
