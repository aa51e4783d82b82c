// Package schema defines the local domain records kept in the on-device store.
//
// # Overview
//
// Three entity kinds are synchronized with the remote store:
//
//   - receipt - a fiscal receipt (merchant, totals, line items)
//   - device - a warranty-tracked item, optionally bought on a receipt
//   - householdBill - a utility or household bill
//
// Records are stored locally as JSON documents with camelCase keys. Optional
// fields are omitted when empty so that "field present" carries meaning for
// partial updates.
//
// # Identity and Conflicts
//
// Every record has a numeric ID that is unique within its table and is the
// join key with the remote copy. UpdatedAt is the only conflict tie-breaker:
// last write wins, whole record at a time.
//
// # References
//
// Device.ReceiptID is a weak reference. A receipt has no list of its
// devices; the relation is found by querying devices by receipt id, and
// deleting a receipt deletes every device pointing at it.
//
// # Sync Status
//
//   - local - created on this device, never queued
//   - pending - queued for upload
//   - synced - matches a row seen on the server at the last pull
//   - error - the last upload failed
//
// Only synced records are pruned when they are missing from a bulk pull.
package schema
