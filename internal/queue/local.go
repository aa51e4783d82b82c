package queue

import (
	"context"
	"fmt"

	"github.com/fiskalni/fiskalni/internal/db"
	"github.com/fiskalni/fiskalni/internal/schema"
)

// Save writes a local edit and queues its upload in one transaction. The
// record is stored as pending. op must be OpCreate or OpUpdate.
func Save(ctx context.Context, local *db.DB, rec schema.Record, op schema.Operation) error {
	return local.WithTx(ctx, func(ctx context.Context, q db.Querier) error {
		return Stage(ctx, q, rec, op)
	})
}

// Stage is Save inside a caller's transaction.
func Stage(ctx context.Context, q db.Querier, rec schema.Record, op schema.Operation) error {
	if op != schema.OpCreate && op != schema.OpUpdate {
		return fmt.Errorf("invalid operation %q for save", op)
	}
	if err := db.Put(ctx, q, rec); err != nil {
		return err
	}
	if err := db.SetStatus(ctx, q, rec.Kind(), rec.RecordID(), schema.StatusPending); err != nil {
		return err
	}
	_, err := db.Enqueue(ctx, q, schema.QueueEntry{
		EntityType: rec.Kind(),
		EntityID:   rec.RecordID(),
		Operation:  op,
	})
	return err
}

// Remove deletes a local record and queues the remote delete. Removing a
// receipt also removes its devices, each with its own queued delete.
func Remove(ctx context.Context, local *db.DB, kind schema.EntityType, id int64) error {
	return local.WithTx(ctx, func(ctx context.Context, q db.Querier) error {
		deleted := map[schema.EntityType][]int64{kind: {id}}

		if kind == schema.EntityReceipt {
			devices, err := db.DeleteReceiptCascade(ctx, q, id)
			if err != nil {
				return err
			}
			deleted[schema.EntityDevice] = devices
		} else if err := db.Delete(ctx, q, kind, id); err != nil {
			return err
		}

		// Devices first, so the server never sees a device whose receipt
		// is already gone.
		for _, k := range []schema.EntityType{schema.EntityDevice, schema.EntityReceipt, schema.EntityHouseholdBill} {
			for _, rid := range deleted[k] {
				entry := schema.QueueEntry{EntityType: k, EntityID: rid, Operation: schema.OpDelete}
				if _, err := db.Enqueue(ctx, q, entry); err != nil {
					return err
				}
			}
		}
		return nil
	})
}
