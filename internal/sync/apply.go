package sync

import (
	"context"
	"fmt"

	"github.com/fiskalni/fiskalni/internal/db"
	"github.com/fiskalni/fiskalni/internal/remote"
	"github.com/fiskalni/fiskalni/internal/rowmap"
	"github.com/fiskalni/fiskalni/internal/schema"
)

// ApplyChange implements Syncer.ApplyChange.
//
// Inserts and updates take the same map-and-resolve path as a bulk pull.
// Deletes take the id from the old row; deleting a receipt also deletes
// its devices.
func (e *Engine) ApplyChange(ctx context.Context, kind schema.EntityType, ev remote.ChangeEvent) error {
	switch ev.Type {
	case remote.EventInsert, remote.EventUpdate:
		return e.applyUpsert(ctx, kind, ev)
	case remote.EventDelete:
		return e.applyDelete(ctx, kind, ev)
	default:
		e.logger.Warn("ignoring change of unknown type", "entity", kind, "type", ev.Type)
		return nil
	}
}

func (e *Engine) applyUpsert(ctx context.Context, kind schema.EntityType, ev remote.ChangeEvent) error {
	if len(ev.New) == 0 {
		e.logger.Warn("ignoring change without new row", "entity", kind, "type", ev.Type)
		return nil
	}

	var id int64
	var outcome applyResult
	err := e.local.WithTx(ctx, func(ctx context.Context, q db.Querier) error {
		var err error
		id, outcome, err = e.applyRow(ctx, q, kind, ev.New)
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to apply %s %s: %w", kind, ev.Type, err)
	}

	if outcome == rowApplied {
		e.logger.Debug("applied change", "entity", kind, "id", id, "type", ev.Type)
		e.observer.RecordChanged(kind, id, false)
	}
	return nil
}

func (e *Engine) applyDelete(ctx context.Context, kind schema.EntityType, ev remote.ChangeEvent) error {
	id, ok := rowmap.RowID(ev.Old)
	if !ok {
		e.logger.Warn("ignoring delete without id", "entity", kind)
		return nil
	}

	var devices []int64
	err := e.local.WithTx(ctx, func(ctx context.Context, q db.Querier) error {
		if kind == schema.EntityReceipt {
			var err error
			devices, err = db.DeleteReceiptCascade(ctx, q, id)
			return err
		}
		return db.Delete(ctx, q, kind, id)
	})
	if err != nil {
		return fmt.Errorf("failed to apply %s delete %d: %w", kind, id, err)
	}

	e.logger.Debug("applied delete", "entity", kind, "id", id, "cascaded", len(devices))
	for _, d := range devices {
		e.observer.RecordChanged(schema.EntityDevice, d, true)
	}
	e.observer.RecordChanged(kind, id, true)
	return nil
}
