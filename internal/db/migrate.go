package db

import (
	"context"
	"fmt"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS users (
		id TEXT PRIMARY KEY,
		email TEXT NOT NULL UNIQUE,
		password_hash TEXT NOT NULL,
		display_name TEXT NOT NULL DEFAULT '',
		photo_url TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS refresh_tokens (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
		token TEXT NOT NULL UNIQUE,
		expires_at TIMESTAMPTZ NOT NULL,
		revoked_at TIMESTAMPTZ
	)`,
	`CREATE TABLE IF NOT EXISTS posts (
		id TEXT PRIMARY KEY,
		seq BIGSERIAL,
		author_id TEXT NOT NULL,
		media_url TEXT NOT NULL,
		media_type TEXT NOT NULL,
		caption TEXT NOT NULL DEFAULT '',
		like_count INTEGER NOT NULL DEFAULT 0 CHECK (like_count >= 0),
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS posts_created_at_idx ON posts (created_at DESC, seq)`,
	`CREATE TABLE IF NOT EXISTS post_likes (
		post_id TEXT NOT NULL REFERENCES posts(id) ON DELETE CASCADE,
		user_id TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		PRIMARY KEY (post_id, user_id)
	)`,
	`CREATE TABLE IF NOT EXISTS comments (
		id TEXT PRIMARY KEY,
		seq BIGSERIAL,
		post_id TEXT NOT NULL REFERENCES posts(id) ON DELETE CASCADE,
		author_id TEXT NOT NULL,
		text TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS comments_post_idx ON comments (post_id, created_at DESC)`,
	`CREATE TABLE IF NOT EXISTS replies (
		id TEXT PRIMARY KEY,
		seq BIGSERIAL,
		comment_id TEXT NOT NULL REFERENCES comments(id) ON DELETE CASCADE,
		post_id TEXT NOT NULL,
		author_id TEXT NOT NULL,
		text TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS replies_comment_idx ON replies (comment_id, seq)`,
	`CREATE TABLE IF NOT EXISTS media_uploads (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		media_type TEXT NOT NULL,
		mime_type TEXT NOT NULL,
		size_bytes BIGINT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
}

// Migrate creates the tables used by the services when they do not exist yet.
func Migrate(ctx context.Context, q Querier) error {
	for i, stmt := range schema {
		if _, err := q.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("migrate step %d: %w", i, err)
		}
	}
	return nil
}
