package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

type Database struct {
	Conn *sql.DB
}

func NewDatabase(ctx context.Context, dsn string) (*Database, error) {
	conn, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := conn.PingContext(pingCtx); err != nil {
		conn.Close()
		return nil, err
	}
	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(25)
	conn.SetConnMaxLifetime(5 * time.Minute)
	return &Database{Conn: conn}, nil
}

func (d *Database) Close() error {
	return d.Conn.Close()
}

// migrations run in order on every start; each one must be idempotent.
var migrations = []string{
	`CREATE TABLE IF NOT EXISTS users (
		id SERIAL PRIMARY KEY,
		username VARCHAR(50) UNIQUE NOT NULL,
		password VARCHAR(255) NOT NULL,
		display_name VARCHAR(100),
		avatar TEXT,
		created_at TIMESTAMPTZ DEFAULT now()
	)`,

	`CREATE TABLE IF NOT EXISTS messages (
		id BIGSERIAL PRIMARY KEY,
		sender_id INT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
		receiver_id INT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
		content TEXT NOT NULL DEFAULT '',
		media TEXT,
		parent_id BIGINT REFERENCES messages(id) ON DELETE SET NULL,
		client_token TEXT,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		read_at TIMESTAMPTZ
	)`,

	// A retried send with the same token returns the stored row.
	`CREATE UNIQUE INDEX IF NOT EXISTS messages_sender_token
		ON messages (sender_id, client_token) WHERE client_token IS NOT NULL`,

	`CREATE INDEX IF NOT EXISTS messages_pair_created
		ON messages (LEAST(sender_id, receiver_id), GREATEST(sender_id, receiver_id), created_at)`,

	`CREATE INDEX IF NOT EXISTS messages_unread
		ON messages (receiver_id, sender_id) WHERE read_at IS NULL`,
}

func (d *Database) AutoMigrate(ctx context.Context) error {
	for i, query := range migrations {
		if _, err := d.Conn.ExecContext(ctx, query); err != nil {
			return fmt.Errorf("migration %d failed: %w", i, err)
		}
	}
	return nil
}
