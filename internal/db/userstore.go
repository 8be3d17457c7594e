package db

import (
	"context"
	"database/sql"

	"github.com/dny1020/outdial-orchestrator/internal/models"
	"github.com/dny1020/outdial-orchestrator/pkg/errors"
)

// UserStore persists operator accounts
type UserStore struct {
	db *DB
}

func NewUserStore(db *DB) *UserStore {
	return &UserStore{db: db}
}

// GetByUsername loads an account by username, nil when absent
func (s *UserStore) GetByUsername(ctx context.Context, username string) (*models.User, error) {
	query := `
        SELECT id, username, email, full_name, hashed_password, is_active,
            is_superuser, created_at
        FROM users WHERE username = ?`

	user := &models.User{}
	var email, fullName sql.NullString

	err := s.db.QueryRowContext(ctx, query, username).Scan(
		&user.ID, &user.Username, &email, &fullName, &user.HashedPassword,
		&user.IsActive, &user.IsSuperuser, &user.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrDatabase, "failed to load user")
	}

	user.Email = email.String
	user.FullName = fullName.String
	return user, nil
}

// Create inserts a new account
func (s *UserStore) Create(ctx context.Context, user *models.User) error {
	query := `
        INSERT INTO users (username, email, full_name, hashed_password,
            is_active, is_superuser)
        VALUES (?, ?, ?, ?, ?, ?)`

	var email, fullName interface{}
	if user.Email != "" {
		email = user.Email
	}
	if user.FullName != "" {
		fullName = user.FullName
	}

	result, err := s.db.ExecContext(ctx, query, user.Username, email, fullName,
		user.HashedPassword, user.IsActive, user.IsSuperuser)
	if err != nil {
		return errors.Wrap(err, errors.ErrDatabase, "failed to create user")
	}

	if id, err := result.LastInsertId(); err == nil {
		user.ID = id
	}

	return nil
}
