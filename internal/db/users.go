package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/devdock/devdock/internal/models"
)

// ErrUserNotFound is returned when no user matches the lookup.
var ErrUserNotFound = errors.New("user not found")

// HashPassword derives a bcrypt hash for storage.
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	return string(hash), nil
}

// VerifyPassword checks a plain password against a stored hash.
func VerifyPassword(hash, password string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}

// CreateUser inserts a new account and returns its id. The password is
// hashed here; callers never handle hashes directly.
func (s *Store) CreateUser(ctx context.Context, username, password string, email *string, isStaff bool) (int64, error) {
	if s == nil || s.DB == nil {
		return 0, errors.New("db store is nil")
	}
	if username == "" {
		return 0, errors.New("username is required")
	}
	if password == "" {
		return 0, errors.New("password is required")
	}
	hash, err := HashPassword(password)
	if err != nil {
		return 0, err
	}
	var emailValue any
	if email != nil && *email != "" {
		emailValue = *email
	}
	res, err := s.DB.ExecContext(ctx, `INSERT INTO users (username, password_hash, email, is_staff, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		username, hash, emailValue, isStaff, time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return 0, fmt.Errorf("insert user %q: %w", username, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("user id for %q: %w", username, err)
	}
	return id, nil
}

// GetUserByID loads the public view of an account.
func (s *Store) GetUserByID(ctx context.Context, id int64) (models.User, error) {
	if s == nil || s.DB == nil {
		return models.User{}, errors.New("db store is nil")
	}
	row := s.DB.QueryRowContext(ctx, `SELECT id, username, email, is_staff FROM users WHERE id = ?`, id)
	return scanUser(row)
}

// Credentials is the login-time view of an account including its hash.
type Credentials struct {
	ID           int64
	Username     string
	PasswordHash string
}

// GetCredentials loads the stored hash for a username, for login checks.
func (s *Store) GetCredentials(ctx context.Context, username string) (Credentials, error) {
	if s == nil || s.DB == nil {
		return Credentials{}, errors.New("db store is nil")
	}
	row := s.DB.QueryRowContext(ctx, `SELECT id, username, password_hash FROM users WHERE username = ?`, username)
	var creds Credentials
	if err := row.Scan(&creds.ID, &creds.Username, &creds.PasswordHash); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Credentials{}, ErrUserNotFound
		}
		return Credentials{}, fmt.Errorf("load user %q: %w", username, err)
	}
	return creds, nil
}

func scanUser(row *sql.Row) (models.User, error) {
	var user models.User
	var email sql.NullString
	var isStaff int64
	if err := row.Scan(&user.ID, &user.Username, &email, &isStaff); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.User{}, ErrUserNotFound
		}
		return models.User{}, fmt.Errorf("scan user: %w", err)
	}
	if email.Valid {
		user.Email = &email.String
	}
	user.IsStaff = isStaff != 0
	return user, nil
}
