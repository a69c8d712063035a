package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	sq "github.com/Masterminds/squirrel"
	"golang.org/x/crypto/bcrypt"
)

const userColumns = "user_id, email, username, hashed_password, is_active, is_superuser, is_verified, created_at, updated_at"

// UserRepo reads the platform's users table for authentication. Writes
// exist to support local setups and tests; account management lives in
// the main platform API.
type UserRepo struct {
	querier Querier
}

func NewUserRepo(db *sql.DB) *UserRepo {
	return &UserRepo{querier: db}
}

type CreateUserParams struct {
	Email    string
	Username string
	Password string
}

// Create inserts a user with a bcrypt-hashed password.
func (r *UserRepo) Create(ctx context.Context, params CreateUserParams) (*User, error) {
	hashed, err := bcrypt.GenerateFromPassword([]byte(params.Password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}

	query, args, err := psql.Insert(usersTable).
		Columns("email", "username", "hashed_password", "is_active", "is_superuser", "is_verified").
		Values(params.Email, params.Username, string(hashed), true, false, false).
		Suffix("RETURNING " + userColumns).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build create user query: %w", err)
	}

	user, err := scanUser(r.querier.QueryRowContext(ctx, query, args...))
	if err != nil {
		return nil, fmt.Errorf("failed to create user: %w", err)
	}
	return user, nil
}

// UserFilter selects a single user; at least one field must be set.
type UserFilter struct {
	UserID   *int64
	Email    *string
	Username *string
}

// RetrieveWithFilter fetches one user matching the filter, or nil when
// none exists.
func (r *UserRepo) RetrieveWithFilter(ctx context.Context, filter UserFilter) (*User, error) {
	var conds sq.And
	if filter.UserID != nil {
		conds = append(conds, sq.Eq{"user_id": *filter.UserID})
	}
	if filter.Email != nil {
		conds = append(conds, sq.Eq{"email": *filter.Email})
	}
	if filter.Username != nil {
		conds = append(conds, sq.Eq{"username": *filter.Username})
	}
	if len(conds) == 0 {
		return nil, errors.New("retrieve user requires at least one filter field")
	}

	query, args, err := psql.Select(userColumns).
		From(usersTable).
		Where(conds).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build retrieve user query: %w", err)
	}

	user, err := scanUser(r.querier.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to retrieve user: %w", err)
	}
	return user, nil
}

func scanUser(s scanner) (*User, error) {
	var u User
	err := s.Scan(
		&u.UserID, &u.Email, &u.Username, &u.HashedPassword,
		&u.IsActive, &u.IsSuperuser, &u.IsVerified, &u.CreatedAt, &u.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &u, nil
}
