package sync

import (
	"context"
	"errors"
	"fmt"

	"github.com/fiskalni/fiskalni/internal/db"
	"github.com/fiskalni/fiskalni/internal/schema"
)

// changeNote is an observer notification held until commit.
type changeNote struct {
	kind    schema.EntityType
	id      int64
	deleted bool
}

// SyncFromRemote implements Syncer.SyncFromRemote.
//
// Entity kinds are pulled independently: a failure in one does not stop
// the others, and every failure is returned.
func (e *Engine) SyncFromRemote(ctx context.Context) ([]PullResult, error) {
	if e.identity.CurrentUserID() == "" {
		e.logger.Warn("no authenticated user, skipping pull")
		return nil, nil
	}

	var results []PullResult
	var errs []error
	for _, kind := range schema.EntityTypes {
		res, err := e.SyncEntity(ctx, kind)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		results = append(results, res)
	}

	if err := errors.Join(errs...); err != nil {
		return results, err
	}

	if err := db.SetStateTime(ctx, e.local, db.StateLastPullAt, e.clock.Now()); err != nil {
		e.logger.Warn("failed to record pull time", "error", err)
	}
	e.observer.SyncCompleted(results)
	return results, nil
}

// SyncEntity implements Syncer.SyncEntity.
func (e *Engine) SyncEntity(ctx context.Context, kind schema.EntityType) (PullResult, error) {
	res := PullResult{Kind: kind}

	userID := e.identity.CurrentUserID()
	if userID == "" {
		e.logger.Warn("no authenticated user, skipping pull", "entity", kind)
		return res, nil
	}

	rows, err := e.remote.SelectAll(ctx, kind, userID)
	if err != nil {
		return res, fmt.Errorf("failed to fetch remote %s rows: %w", kind, err)
	}
	res.Fetched = len(rows)

	var notes []changeNote
	err = e.local.WithTx(ctx, func(ctx context.Context, q db.Querier) error {
		seen := make(map[int64]struct{}, len(rows))

		for _, raw := range rows {
			id, outcome, err := e.applyRow(ctx, q, kind, raw)
			if err != nil {
				return err
			}
			// A skipped row still exists remotely; keep its local copy.
			if id > 0 {
				seen[id] = struct{}{}
			}
			switch outcome {
			case rowApplied:
				res.Applied++
				notes = append(notes, changeNote{kind: kind, id: id})
			case rowUnchanged:
				res.Unchanged++
			default:
				res.Skipped++
			}
		}

		synced, err := db.IDsByStatus(ctx, q, kind, schema.StatusSynced)
		if err != nil {
			return err
		}
		var stale []int64
		for _, id := range synced {
			if _, ok := seen[id]; !ok {
				stale = append(stale, id)
			}
		}
		if len(stale) == 0 {
			return nil
		}

		if kind == schema.EntityReceipt {
			devices, err := db.DeleteReceiptCascade(ctx, q, stale...)
			if err != nil {
				return err
			}
			res.Cascaded = len(devices)
			for _, id := range devices {
				notes = append(notes, changeNote{kind: schema.EntityDevice, id: id, deleted: true})
			}
		} else if err := db.DeleteMany(ctx, q, kind, stale); err != nil {
			return err
		}

		res.Pruned = len(stale)
		for _, id := range stale {
			notes = append(notes, changeNote{kind: kind, id: id, deleted: true})
		}
		return nil
	})
	if err != nil {
		return PullResult{Kind: kind, Fetched: len(rows)}, fmt.Errorf("failed to apply remote %s rows: %w", kind, err)
	}

	for _, n := range notes {
		e.observer.RecordChanged(n.kind, n.id, n.deleted)
	}

	e.logger.Info("pulled",
		"entity", kind,
		"fetched", res.Fetched,
		"applied", res.Applied,
		"unchanged", res.Unchanged,
		"skipped", res.Skipped,
		"pruned", res.Pruned,
	)
	return res, nil
}
