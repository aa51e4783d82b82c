package sync

import (
	"context"
	"fmt"

	"github.com/fiskalni/fiskalni/internal/db"
	"github.com/fiskalni/fiskalni/internal/rowmap"
	"github.com/fiskalni/fiskalni/internal/schema"
)

// SyncToRemote implements Syncer.SyncToRemote.
func (e *Engine) SyncToRemote(ctx context.Context, entry schema.QueueEntry) error {
	userID := e.identity.CurrentUserID()
	if userID == "" {
		return ErrNoUser
	}
	if err := entry.Validate(); err != nil {
		return fmt.Errorf("invalid queue entry %d: %w", entry.ID, err)
	}

	kind, id := entry.EntityType, entry.EntityID

	if entry.Operation == schema.OpDelete {
		if err := e.remote.Delete(ctx, kind, userID, id); err != nil {
			return fmt.Errorf("failed to delete remote %s %d: %w", kind, id, err)
		}
		e.logger.Debug("pushed delete", "entity", kind, "id", id)
		return nil
	}

	rec, found, err := db.GetRecord(ctx, e.local, kind, id)
	if err != nil {
		return fmt.Errorf("failed to load %s %d: %w", kind, id, err)
	}
	if !found {
		e.logger.Info("local record gone, nothing to push", "entity", kind, "id", id, "operation", entry.Operation)
		return nil
	}

	row, err := e.mapper.ToRemote(rec, userID)
	if err != nil {
		return err
	}
	payload, err := rowmap.Marshal(row)
	if err != nil {
		return err
	}

	if err := e.remote.Upsert(ctx, kind, payload); err != nil {
		return fmt.Errorf("failed to upsert remote %s %d: %w", kind, id, err)
	}
	e.logger.Debug("pushed record", "entity", kind, "id", id, "operation", entry.Operation)
	return nil
}
