package database

import (
	"context"
	"fmt"
)

// Schema creates the transcript archive table. It is idempotent.
var Schema = []string{
	`CREATE TABLE IF NOT EXISTS irc_frames (
		id          UUID PRIMARY KEY,
		session_id  UUID NOT NULL,
		observer_id UUID,
		direction   TEXT NOT NULL,
		seq         BIGINT NOT NULL,
		received_at BIGINT NOT NULL,
		prefix      TEXT NOT NULL DEFAULT '',
		command     TEXT NOT NULL DEFAULT '',
		params      TEXT[] NOT NULL DEFAULT '{}',
		raw         TEXT NOT NULL,
		parse_error TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE INDEX IF NOT EXISTS irc_frames_session_seq ON irc_frames (session_id, seq)`,
	`CREATE INDEX IF NOT EXISTS irc_frames_command ON irc_frames (command, received_at)`,
}

// EnsureSchema applies Schema in order.
func EnsureSchema(ctx context.Context, db Execer) error {
	for i, stmt := range Schema {
		if _, err := db.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema statement %d: %w", i, err)
		}
	}
	return nil
}
