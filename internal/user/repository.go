package user

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"chatsync/internal/chat"
)

// ErrUserNotFound matches chat.ErrNotFound under errors.Is.
var ErrUserNotFound = fmt.Errorf("user %w", chat.ErrNotFound)

type Repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) CreateUser(ctx context.Context, user *User) (*User, error) {
	var id int
	query := `INSERT INTO users (username, password, display_name) VALUES ($1, $2, NULLIF($3, '')) RETURNING id`

	err := r.db.QueryRowContext(ctx, query, user.Username, user.Password, user.DisplayName).Scan(&id)
	if err != nil {
		return nil, fmt.Errorf("create user %q: %w", user.Username, err)
	}

	user.ID = id
	return user, nil
}

func (r *Repository) GetUserByUsername(ctx context.Context, username string) (*User, error) {
	query := `SELECT id, username, password, COALESCE(display_name, ''), COALESCE(avatar, '') FROM users WHERE username = $1`
	return r.scanOne(ctx, query, username)
}

func (r *Repository) GetUserByID(ctx context.Context, id int) (*User, error) {
	query := `SELECT id, username, password, COALESCE(display_name, ''), COALESCE(avatar, '') FROM users WHERE id = $1`
	return r.scanOne(ctx, query, id)
}

func (r *Repository) scanOne(ctx context.Context, query string, arg interface{}) (*User, error) {
	u := &User{}
	err := r.db.QueryRowContext(ctx, query, arg).Scan(&u.ID, &u.Username, &u.Password, &u.DisplayName, &u.Avatar)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, err
	}
	return u, nil
}

func (r *Repository) SearchUsers(ctx context.Context, query string) ([]User, error) {
	// Capped to keep the lookup cheap.
	q := `SELECT id, username, COALESCE(display_name, ''), COALESCE(avatar, '') FROM users WHERE username ILIKE $1 LIMIT 10`
	rows, err := r.db.QueryContext(ctx, q, "%"+query+"%")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []User
	for rows.Next() {
		var u User
		if err := rows.Scan(&u.ID, &u.Username, &u.DisplayName, &u.Avatar); err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, rows.Err()
}
