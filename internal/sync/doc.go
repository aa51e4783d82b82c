// Package sync reconciles the local store with the remote store.
//
// Overview
//
// Changes flow in two directions. Outbound, each queued local change is
// pushed with SyncToRemote: creates and updates become idempotent upserts
// keyed by id, deletes become deletes. Inbound, SyncFromRemote pulls the
// whole remote row set of each entity kind and folds it into the local
// store, and ApplyChange folds in the single-row changes streamed by the
// realtime subscription.
//
// Conflict resolution
//
// Every inbound row goes through the same path: the row mapper turns it
// into a local record, and the record replaces the local one only when no
// local record exists or the remote updated_at is strictly newer
// (IsRemoteNewer). Records are replaced whole; there is no field merge.
// A remote timestamp that cannot be parsed reads as "now", so such a row
// wins against any local record with a past timestamp.
//
// Pruning
//
// After a bulk pull, local records still marked synced whose id did not
// appear in the remote row set were deleted on another device and are
// removed locally. Records in any other state carry local edits the server
// has not confirmed and are never pruned. Removing a receipt removes the
// devices that reference it, devices first.
//
// Atomicity
//
// Each entity kind of a bulk pull, and each realtime change, is applied in
// one local transaction. Local transactions begin IMMEDIATE, so a realtime
// change cannot slip between the existence check and the write of a bulk
// pull or the reverse.
//
// Usage
//
//	engine := sync.New(store, client, session, sync.Options{Logger: logger})
//	results, err := engine.SyncFromRemote(ctx)
//	if err != nil {
//	    return err
//	}
package sync
