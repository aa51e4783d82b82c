package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/segmentio/encoding/json"

	"github.com/fiskalni/fiskalni/internal/schema"
)

// tableFor maps an entity kind to its table.
func tableFor(kind schema.EntityType) (string, error) {
	switch kind {
	case schema.EntityReceipt:
		return "receipts", nil
	case schema.EntityDevice:
		return "devices", nil
	case schema.EntityHouseholdBill:
		return "household_bills", nil
	default:
		return "", fmt.Errorf("unknown entity type %q", kind)
	}
}

// Get loads the record of type T with the given id.
// ok is false when no such record exists.
func Get[T schema.Record](ctx context.Context, q Querier, id int64) (rec T, ok bool, err error) {
	table, err := tableFor(rec.Kind())
	if err != nil {
		return rec, false, err
	}

	var data string
	err = q.QueryRowContext(ctx, "SELECT data FROM "+table+" WHERE id = ?", id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return rec, false, nil
	}
	if err != nil {
		return rec, false, fmt.Errorf("failed to get %s %d: %w", rec.Kind(), id, err)
	}

	if err := json.Unmarshal([]byte(data), &rec); err != nil {
		return rec, false, fmt.Errorf("failed to decode %s %d: %w", rec.Kind(), id, err)
	}
	return rec, true, nil
}

// GetRecord loads a record of any kind. It is the dynamic counterpart of
// Get for callers that only know the kind at runtime.
func GetRecord(ctx context.Context, q Querier, kind schema.EntityType, id int64) (schema.Record, bool, error) {
	switch kind {
	case schema.EntityReceipt:
		return asRecord[schema.Receipt](Get[schema.Receipt](ctx, q, id))
	case schema.EntityDevice:
		return asRecord[schema.Device](Get[schema.Device](ctx, q, id))
	case schema.EntityHouseholdBill:
		return asRecord[schema.HouseholdBill](Get[schema.HouseholdBill](ctx, q, id))
	default:
		return nil, false, fmt.Errorf("unknown entity type %q", kind)
	}
}

func asRecord[T schema.Record](rec T, ok bool, err error) (schema.Record, bool, error) {
	if err != nil || !ok {
		return nil, ok, err
	}
	return rec, true, nil
}

// Put inserts or updates a record by id.
//
// The record is validated first; the whole document is replaced.
func Put(ctx context.Context, q Querier, rec schema.Record) error {
	if err := rec.Validate(); err != nil {
		return fmt.Errorf("invalid record: %w", err)
	}

	table, err := tableFor(rec.Kind())
	if err != nil {
		return err
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal %s %d: %w", rec.Kind(), rec.RecordID(), err)
	}

	updatedAt := formatTime(rec.LastUpdated())

	if d, isDevice := rec.(schema.Device); isDevice {
		var receiptID sql.NullInt64
		if d.ReceiptID != nil {
			receiptID = sql.NullInt64{Int64: *d.ReceiptID, Valid: true}
		}
		query := `
		INSERT INTO devices (id, sync_status, updated_at, receipt_id, data)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			sync_status = excluded.sync_status,
			updated_at = excluded.updated_at,
			receipt_id = excluded.receipt_id,
			data = excluded.data
		`
		if _, err := q.ExecContext(ctx, query, d.ID, string(d.SyncStatus), updatedAt, receiptID, string(data)); err != nil {
			return fmt.Errorf("failed to upsert device %d: %w", d.ID, err)
		}
		return nil
	}

	query := `
	INSERT INTO ` + table + ` (id, sync_status, updated_at, data)
	VALUES (?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		sync_status = excluded.sync_status,
		updated_at = excluded.updated_at,
		data = excluded.data
	`
	if _, err := q.ExecContext(ctx, query, rec.RecordID(), string(rec.SyncState()), updatedAt, string(data)); err != nil {
		return fmt.Errorf("failed to upsert %s %d: %w", rec.Kind(), rec.RecordID(), err)
	}
	return nil
}

// Delete removes one record. Returns nil if it doesn't exist (idempotent).
//
// Delete does not cascade; use DeleteReceiptCascade for receipts.
func Delete(ctx context.Context, q Querier, kind schema.EntityType, id int64) error {
	return DeleteMany(ctx, q, kind, []int64{id})
}

// DeleteMany removes every listed record of one kind.
func DeleteMany(ctx context.Context, q Querier, kind schema.EntityType, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}

	table, err := tableFor(kind)
	if err != nil {
		return err
	}

	query := "DELETE FROM " + table + " WHERE id IN (" + placeholders(len(ids)) + ")"
	if _, err := q.ExecContext(ctx, query, int64Args(ids)...); err != nil {
		return fmt.Errorf("failed to delete %d %s records: %w", len(ids), kind, err)
	}
	return nil
}

// DeleteReceiptCascade removes the given receipts together with every
// device referencing them. Devices go first so no device is ever left
// pointing at a missing receipt. It returns the ids of the deleted devices.
func DeleteReceiptCascade(ctx context.Context, q Querier, receiptIDs ...int64) ([]int64, error) {
	var deviceIDs []int64
	for _, rid := range receiptIDs {
		ids, err := IDsByReceipt(ctx, q, rid)
		if err != nil {
			return nil, err
		}
		deviceIDs = append(deviceIDs, ids...)
	}

	if err := DeleteMany(ctx, q, schema.EntityDevice, deviceIDs); err != nil {
		return nil, err
	}
	if err := DeleteMany(ctx, q, schema.EntityReceipt, receiptIDs); err != nil {
		return nil, err
	}
	return deviceIDs, nil
}

// IDsByStatus returns the ids of every record of kind with the given status,
// in ascending order.
func IDsByStatus(ctx context.Context, q Querier, kind schema.EntityType, status schema.SyncStatus) ([]int64, error) {
	table, err := tableFor(kind)
	if err != nil {
		return nil, err
	}
	return queryIDs(ctx, q, "SELECT id FROM "+table+" WHERE sync_status = ? ORDER BY id", string(status))
}

// IDsByReceipt returns the ids of devices whose receipt id equals receiptID.
func IDsByReceipt(ctx context.Context, q Querier, receiptID int64) ([]int64, error) {
	return queryIDs(ctx, q, "SELECT id FROM devices WHERE receipt_id = ? ORDER BY id", receiptID)
}

// SetStatus updates the sync status of one record, keeping the JSON
// document in step with the indexed column.
func SetStatus(ctx context.Context, q Querier, kind schema.EntityType, id int64, status schema.SyncStatus) error {
	table, err := tableFor(kind)
	if err != nil {
		return err
	}

	query := `UPDATE ` + table + ` SET sync_status = ?, data = json_set(data, '$.syncStatus', ?) WHERE id = ?`
	if _, err := q.ExecContext(ctx, query, string(status), string(status), id); err != nil {
		return fmt.Errorf("failed to set status of %s %d: %w", kind, id, err)
	}
	return nil
}

// MarkSyncedIfUnchanged sets the status of a record to synced only if its
// update time still equals updatedAt. It reports whether the row changed.
// An edit made while the upload was in flight keeps its pending status.
func MarkSyncedIfUnchanged(ctx context.Context, q Querier, kind schema.EntityType, id int64, updatedAt time.Time) (bool, error) {
	table, err := tableFor(kind)
	if err != nil {
		return false, err
	}

	query := `UPDATE ` + table + ` SET sync_status = ?, data = json_set(data, '$.syncStatus', ?)
	WHERE id = ? AND updated_at = ?`
	synced := string(schema.StatusSynced)
	res, err := q.ExecContext(ctx, query, synced, synced, id, formatTime(updatedAt))
	if err != nil {
		return false, fmt.Errorf("failed to mark %s %d synced: %w", kind, id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read affected rows: %w", err)
	}
	return n > 0, nil
}

// ForEachRaw calls fn with the stored JSON document of every record of kind,
// in id order. Iteration stops at the first error.
func ForEachRaw(ctx context.Context, q Querier, kind schema.EntityType, fn func(id int64, data []byte) error) error {
	table, err := tableFor(kind)
	if err != nil {
		return err
	}

	rows, err := q.QueryContext(ctx, "SELECT id, data FROM "+table+" ORDER BY id")
	if err != nil {
		return fmt.Errorf("failed to list %s records: %w", kind, err)
	}
	defer rows.Close()

	for rows.Next() {
		var id int64
		var data string
		if err := rows.Scan(&id, &data); err != nil {
			return fmt.Errorf("failed to scan %s record: %w", kind, err)
		}
		if err := fn(id, []byte(data)); err != nil {
			return err
		}
	}

	if err := rows.Err(); err != nil {
		return fmt.Errorf("error iterating %s records: %w", kind, err)
	}
	return nil
}

func queryIDs(ctx context.Context, q Querier, query string, args ...any) ([]int64, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query ids: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan id: %w", err)
		}
		ids = append(ids, id)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating ids: %w", err)
	}
	return ids, nil
}

// formatTime is the canonical text form of updated_at in the local store.
func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func int64Args(ids []int64) []any {
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	return args
}
