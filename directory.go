package main

import (
	"context"
	"database/sql"
	"sort"
	"sync"
	"time"
)

// Directory is the user-record source. A missing user is (nil, nil), never
// an error.
type Directory interface {
	GetUser(ctx context.Context, username string) (*User, error)
	GetUserByEmail(ctx context.Context, email string) (*User, error)
	ListUsers(ctx context.Context) ([]*User, error)
	CreateUser(ctx context.Context, u *User) error
	SetPassword(ctx context.Context, username, hashed string) error
}

// Memory directory

type MemDirectory struct {
	mu    sync.RWMutex
	users map[string]*User
}

func NewMemDirectory() *MemDirectory {
	return &MemDirectory{users: map[string]*User{}}
}

func (m *MemDirectory) GetUser(ctx context.Context, username string) (*User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if u, ok := m.users[username]; ok {
		cp := *u
		return &cp, nil
	}
	return nil, nil
}

func (m *MemDirectory) GetUserByEmail(ctx context.Context, email string) (*User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, u := range m.users {
		if u.Email == email {
			cp := *u
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *MemDirectory) ListUsers(ctx context.Context) ([]*User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*User, 0, len(m.users))
	for _, u := range m.users {
		cp := *u
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Username < out[j].Username })
	return out, nil
}

func (m *MemDirectory) CreateUser(ctx context.Context, u *User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.users[u.Username]; ok {
		return ErrUserExists
	}
	cp := *u
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now()
	}
	m.users[u.Username] = &cp
	return nil
}

func (m *MemDirectory) SetPassword(ctx context.Context, username, hashed string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[username]
	if !ok {
		return ErrUserNotFound
	}
	u.HashedPassword = hashed
	return nil
}

func (m *MemDirectory) close() error { return nil }
func (m *MemDirectory) ping() bool   { return true }

// SQL directory, shared by the sqlite and postgres adapters. The two differ
// only in driver, placeholder style and schema bootstrap.

type SQLDirectory struct {
	db     *sql.DB
	rebind func(string) string
}

const userColumns = `username,email,password,name,dept,currency,avatar,bio,created_at`

func scanUser(row *sql.Row) (*User, error) {
	var u User
	var avatar, bio sql.NullString
	err := row.Scan(&u.Username, &u.Email, &u.HashedPassword, &u.Name, &u.Dept,
		&u.Currency, &avatar, &bio, &u.CreatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	u.Avatar = avatar.String
	u.Bio = bio.String
	return &u, nil
}

func (s *SQLDirectory) GetUser(ctx context.Context, username string) (*User, error) {
	q := s.rebind(`SELECT ` + userColumns + ` FROM users WHERE username = ?`)
	return scanUser(s.db.QueryRowContext(ctx, q, username))
}

func (s *SQLDirectory) GetUserByEmail(ctx context.Context, email string) (*User, error) {
	q := s.rebind(`SELECT ` + userColumns + ` FROM users WHERE email = ?`)
	return scanUser(s.db.QueryRowContext(ctx, q, email))
}

func (s *SQLDirectory) ListUsers(ctx context.Context) ([]*User, error) {
	q := `SELECT ` + userColumns + ` FROM users ORDER BY username`
	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var users []*User
	for rows.Next() {
		var u User
		var avatar, bio sql.NullString
		if err := rows.Scan(&u.Username, &u.Email, &u.HashedPassword, &u.Name, &u.Dept,
			&u.Currency, &avatar, &bio, &u.CreatedAt); err != nil {
			return nil, err
		}
		u.Avatar = avatar.String
		u.Bio = bio.String
		users = append(users, &u)
	}
	return users, rows.Err()
}

func (s *SQLDirectory) CreateUser(ctx context.Context, u *User) error {
	q := s.rebind(`INSERT INTO users(` + userColumns + `) VALUES(?,?,?,?,?,?,?,?,?)
		ON CONFLICT (username) DO NOTHING`)
	created := u.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	res, err := s.db.ExecContext(ctx, q, u.Username, u.Email, u.HashedPassword,
		u.Name, u.Dept, u.Currency, u.Avatar, u.Bio, created)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrUserExists
	}
	return nil
}

func (s *SQLDirectory) SetPassword(ctx context.Context, username, hashed string) error {
	q := s.rebind(`UPDATE users SET password = ? WHERE username = ?`)
	res, err := s.db.ExecContext(ctx, q, hashed, username)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrUserNotFound
	}
	return nil
}

func (s *SQLDirectory) close() error { return s.db.Close() }
func (s *SQLDirectory) ping() bool   { return s.db.Ping() == nil }

// rebindPositional converts ? placeholders to $1..$n for lib/pq.
func rebindPositional(q string) string {
	out := make([]byte, 0, len(q)+8)
	n := 0
	for i := 0; i < len(q); i++ {
		if q[i] == '?' {
			n++
			out = append(out, '$')
			out = appendInt(out, n)
			continue
		}
		out = append(out, q[i])
	}
	return string(out)
}

func appendInt(b []byte, n int) []byte {
	if n >= 10 {
		b = appendInt(b, n/10)
	}
	return append(b, byte('0'+n%10))
}

func NewSQLiteDirectory(path string) (*SQLDirectory, error) {
	d, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	s := &SQLDirectory{db: d, rebind: func(q string) string { return q }}
	if err := s.initSchema(); err != nil {
		d.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLDirectory) initSchema() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS users (
			username TEXT PRIMARY KEY,
			email TEXT UNIQUE,
			password TEXT NOT NULL,
			name TEXT NOT NULL,
			dept TEXT NOT NULL,
			currency TEXT NOT NULL DEFAULT 'USD',
			avatar TEXT,
			bio TEXT,
			created_at TIMESTAMP NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			username TEXT NOT NULL,
			expires_at INTEGER NOT NULL
		);`,
	}
	for _, q := range queries {
		if _, err := s.db.Exec(q); err != nil {
			return err
		}
	}
	return nil
}

func NewPostgresDirectory(dsn string) (*SQLDirectory, error) {
	d, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	// rely on migrations to create tables; just verify connectivity
	if err := d.Ping(); err != nil {
		d.Close()
		return nil, err
	}
	return &SQLDirectory{db: d, rebind: rebindPositional}, nil
}
