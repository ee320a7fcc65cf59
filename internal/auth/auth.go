// Package auth stores user accounts and verifies credentials with bcrypt.
package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-sqlite3"
	"golang.org/x/crypto/bcrypt"
)

var (
	// ErrUsernameTaken is returned when registering an existing username.
	ErrUsernameTaken = errors.New("username already taken")

	// ErrInvalidCredentials is returned for a bad username or password.
	ErrInvalidCredentials = errors.New("invalid credentials")
)

const (
	// RoleUser is the default role for self-registered accounts.
	RoleUser = "user"
	// RoleAdmin marks the seeded administrator account.
	RoleAdmin = "admin"
)

// User is an account as exposed to clients. The password hash never leaves
// this package.
type User struct {
	ID       int64  `json:"id"`
	Username string `json:"username"`
	FullName string `json:"full_name,omitempty"`
	Role     string `json:"role"`
}

// Service manages accounts in SQLite.
type Service struct {
	db  *sql.DB
	mu  sync.Mutex
	log *slog.Logger
}

// Open opens (creating if needed) the user database at dbPath and seeds the
// default admin account when the table is empty.
func Open(dbPath string, logger *slog.Logger) (*Service, error) {
	if logger == nil {
		logger = slog.Default()
	}
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open user database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	s := &Service{db: db, log: logger}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to migrate user database: %w", err)
	}
	if err := s.seedAdmin(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Service) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS users (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		username TEXT NOT NULL UNIQUE,
		password_hash TEXT NOT NULL,
		full_name TEXT,
		role TEXT NOT NULL DEFAULT 'user',
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		last_login DATETIME
	);

	CREATE INDEX IF NOT EXISTS idx_users_username ON users(username);
	`
	_, err := s.db.Exec(schema)
	return err
}

// seedAdmin creates the default administrator when no admin exists yet.
func (s *Service) seedAdmin() error {
	var n int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM users WHERE username = 'admin'`).Scan(&n); err != nil {
		return fmt.Errorf("failed to check for admin user: %w", err)
	}
	if n > 0 {
		return nil
	}
	_, err := s.register(context.Background(), "admin", "admin123", "Administrator", RoleAdmin)
	if err != nil {
		return fmt.Errorf("failed to seed admin user: %w", err)
	}
	s.log.Info("default admin user created", "username", "admin")
	return nil
}

// Register creates a new account with the user role.
func (s *Service) Register(ctx context.Context, username, password, fullName string) (int64, error) {
	return s.register(ctx, username, password, fullName, RoleUser)
}

func (s *Service) register(ctx context.Context, username, password, fullName, role string) (int64, error) {
	username = strings.TrimSpace(username)
	if username == "" || password == "" {
		return 0, errors.New("username and password are required")
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return 0, fmt.Errorf("failed to hash password: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	result, err := s.db.ExecContext(ctx, `
		INSERT INTO users (username, password_hash, full_name, role)
		VALUES (?, ?, ?, ?)
	`, username, string(hash), fullName, role)
	if err != nil {
		var sqliteErr sqlite3.Error
		if errors.As(err, &sqliteErr) && sqliteErr.Code == sqlite3.ErrConstraint {
			return 0, ErrUsernameTaken
		}
		return 0, fmt.Errorf("failed to create user: %w", err)
	}
	return result.LastInsertId()
}

// Verify checks a username/password pair. On success it records the login
// time and returns the account.
func (s *Service) Verify(ctx context.Context, username, password string) (*User, error) {
	var (
		user User
		hash string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, username, password_hash, COALESCE(full_name, ''), role
		FROM users WHERE username = ?
	`, username).Scan(&user.ID, &user.Username, &hash, &user.FullName, &user.Role)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrInvalidCredentials
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up user: %w", err)
	}

	if bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) != nil {
		return nil, ErrInvalidCredentials
	}

	s.mu.Lock()
	_, err = s.db.ExecContext(ctx, `UPDATE users SET last_login = ? WHERE id = ?`,
		time.Now().UTC(), user.ID)
	s.mu.Unlock()
	if err != nil {
		s.log.Warn("failed to record login time", "user_id", user.ID, "error", err)
	}
	return &user, nil
}

// Close closes the database connection.
func (s *Service) Close() error {
	return s.db.Close()
}
