package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/fiskalni/fiskalni/internal/schema"
)

// Enqueue appends an outbound change to the sync queue and returns its id.
func Enqueue(ctx context.Context, q Querier, entry schema.QueueEntry) (int64, error) {
	if err := entry.Validate(); err != nil {
		return 0, fmt.Errorf("invalid queue entry: %w", err)
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now()
	}

	query := `
	INSERT INTO sync_queue (entity_type, entity_id, operation, attempts, created_at)
	VALUES (?, ?, ?, 0, ?)
	`
	res, err := q.ExecContext(ctx, query,
		string(entry.EntityType),
		entry.EntityID,
		string(entry.Operation),
		formatTime(entry.CreatedAt),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to enqueue %s %s %d: %w", entry.Operation, entry.EntityType, entry.EntityID, err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to read queue id: %w", err)
	}
	return id, nil
}

// PendingQueue returns up to limit queue entries, oldest first.
// A limit of 0 returns every entry.
func PendingQueue(ctx context.Context, q Querier, limit int) ([]schema.QueueEntry, error) {
	query := `
	SELECT id, entity_type, entity_id, operation, attempts, last_error, created_at
	FROM sync_queue
	ORDER BY id ASC
	`
	var args []any
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query sync queue: %w", err)
	}
	defer rows.Close()

	var entries []schema.QueueEntry
	for rows.Next() {
		var e schema.QueueEntry
		var kind, op, createdAt string
		var lastError sql.NullString

		if err := rows.Scan(&e.ID, &kind, &e.EntityID, &op, &e.Attempts, &lastError, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan queue entry: %w", err)
		}
		e.EntityType = schema.EntityType(kind)
		e.Operation = schema.Operation(op)
		e.LastError = lastError.String
		if t, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
			e.CreatedAt = t
		}
		entries = append(entries, e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating sync queue: %w", err)
	}
	return entries, nil
}

// RemoveQueueEntry deletes a queue entry after it was uploaded.
func RemoveQueueEntry(ctx context.Context, q Querier, id int64) error {
	if _, err := q.ExecContext(ctx, "DELETE FROM sync_queue WHERE id = ?", id); err != nil {
		return fmt.Errorf("failed to remove queue entry %d: %w", id, err)
	}
	return nil
}

// MarkQueueFailure records a failed upload attempt.
// Returns ErrNotFound if the entry no longer exists.
func MarkQueueFailure(ctx context.Context, q Querier, id int64, cause error) error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}

	res, err := q.ExecContext(ctx,
		"UPDATE sync_queue SET attempts = attempts + 1, last_error = ? WHERE id = ?", msg, id)
	if err != nil {
		return fmt.Errorf("failed to update queue entry %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("queue entry %d: %w", id, ErrNotFound)
	}
	return nil
}

// QueueLength returns the number of pending outbound changes.
func QueueLength(ctx context.Context, q Querier) (int, error) {
	var count int
	if err := q.QueryRowContext(ctx, "SELECT COUNT(*) FROM sync_queue").Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count sync queue: %w", err)
	}
	return count, nil
}

// GetQueueEntry loads one queue entry by id.
func GetQueueEntry(ctx context.Context, q Querier, id int64) (schema.QueueEntry, error) {
	entries, err := PendingQueue(ctx, q, 0)
	if err != nil {
		return schema.QueueEntry{}, err
	}
	for _, e := range entries {
		if e.ID == id {
			return e, nil
		}
	}
	return schema.QueueEntry{}, fmt.Errorf("queue entry %d: %w", id, ErrNotFound)
}

