package sync

import (
	"context"

	"github.com/fiskalni/fiskalni/internal/remote"
	"github.com/fiskalni/fiskalni/internal/schema"
)

// Syncer moves changes between the local and the remote store.
//
// Engine implements it; the daemon, the realtime manager, and the queue
// processor depend on this interface so they can be tested in isolation.
type Syncer interface {
	// SyncToRemote pushes one queued local change.
	//
	// Returns ErrNoUser when nobody is signed in. A create or update whose
	// local record no longer exists is a no-op. Remote failures are returned
	// wrapped; the caller decides whether to dequeue.
	SyncToRemote(ctx context.Context, entry schema.QueueEntry) error

	// SyncFromRemote pulls every entity kind and prunes records deleted
	// remotely.
	//
	// Returns nil without contacting the server when nobody is signed in.
	// Malformed rows are skipped with a warning. Remote and local store
	// failures are returned.
	SyncFromRemote(ctx context.Context) ([]PullResult, error)

	// SyncEntity pulls one entity kind.
	SyncEntity(ctx context.Context, kind schema.EntityType) (PullResult, error)

	// ApplyChange folds one streamed row change into the local store.
	ApplyChange(ctx context.Context, kind schema.EntityType, ev remote.ChangeEvent) error
}

// Observer is told about local changes made by the engine. Calls happen
// after the transaction that made the change has committed.
type Observer interface {
	RecordChanged(kind schema.EntityType, id int64, deleted bool)
	SyncCompleted(results []PullResult)
}

// PullResult summarizes the bulk pull of one entity kind.
type PullResult struct {
	Kind schema.EntityType `json:"kind" yaml:"kind"`
	// Fetched is the number of rows returned by the server.
	Fetched int `json:"fetched" yaml:"fetched"`
	// Applied rows were new or newer than the local record.
	Applied int `json:"applied" yaml:"applied"`
	// Unchanged rows lost the conflict check.
	Unchanged int `json:"unchanged" yaml:"unchanged"`
	// Skipped rows failed mapping or validation.
	Skipped int `json:"skipped" yaml:"skipped"`
	// Pruned local records were absent remotely.
	Pruned int `json:"pruned" yaml:"pruned"`
	// Cascaded devices were removed with pruned receipts.
	Cascaded int `json:"cascaded,omitempty" yaml:"cascaded,omitempty"`
}

type nopObserver struct{}

func (nopObserver) RecordChanged(schema.EntityType, int64, bool) {}
func (nopObserver) SyncCompleted([]PullResult)                   {}
