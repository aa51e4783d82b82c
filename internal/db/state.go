package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Keys of the sync_state table.
const (
	StateLastPullAt = "last_pull_at"
	StateLastBootAt = "last_boot_at"
	StateUserID     = "user_id"
)

// SetState stores a bookkeeping value.
func SetState(ctx context.Context, q Querier, key, value string) error {
	query := `
	INSERT INTO sync_state (key, value) VALUES (?, ?)
	ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`
	if _, err := q.ExecContext(ctx, query, key, value); err != nil {
		return fmt.Errorf("failed to set state %s: %w", key, err)
	}
	return nil
}

// GetState reads a bookkeeping value. Returns ErrNotFound if unset.
func GetState(ctx context.Context, q Querier, key string) (string, error) {
	var value string
	err := q.QueryRowContext(ctx, "SELECT value FROM sync_state WHERE key = ?", key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("state %s: %w", key, ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("failed to get state %s: %w", key, err)
	}
	return value, nil
}

// SetStateTime stores a timestamp value.
func SetStateTime(ctx context.Context, q Querier, key string, t time.Time) error {
	return SetState(ctx, q, key, formatTime(t))
}

// GetStateTime reads a timestamp value; the zero time means unset.
func GetStateTime(ctx context.Context, q Querier, key string) (time.Time, error) {
	v, err := GetState(ctx, q, key)
	if errors.Is(err, ErrNotFound) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, err
	}
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("state %s holds invalid time %q: %w", key, v, err)
	}
	return t, nil
}
