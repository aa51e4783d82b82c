// Package remote is the client side of the server store.
//
// The server keeps one table per entity kind (receipts, devices,
// household_bills), every row owned by a user_id. Store reads and writes
// those tables; Subscriber streams row changes as they happen. Rows travel
// as raw JSON objects keyed by column name and are interpreted by the
// rowmap package.
package remote

import (
	"context"
	"errors"
	"fmt"

	"github.com/segmentio/encoding/json"

	"github.com/fiskalni/fiskalni/internal/schema"
)

// ErrUnknownKind is returned for an entity kind with no remote table.
var ErrUnknownKind = errors.New("unknown entity kind")

// Store reads and writes remote rows.
type Store interface {
	// SelectAll returns every row of kind owned by userID.
	SelectAll(ctx context.Context, kind schema.EntityType, userID string) ([]json.RawMessage, error)
	// Upsert inserts row or replaces the existing row with the same id.
	Upsert(ctx context.Context, kind schema.EntityType, row json.RawMessage) error
	// Delete removes the row with id owned by userID. Deleting a missing
	// row is not an error.
	Delete(ctx context.Context, kind schema.EntityType, userID string, id int64) error
}

// EventType is the kind of a row change.
type EventType string

const (
	EventInsert EventType = "INSERT"
	EventUpdate EventType = "UPDATE"
	EventDelete EventType = "DELETE"
)

// ChangeEvent is one row change pushed by the server. New is set for
// inserts and updates, Old for deletes (and updates, when the table
// publishes old rows).
type ChangeEvent struct {
	Type EventType         `json:"type"`
	Kind schema.EntityType `json:"kind"`
	New  json.RawMessage   `json:"new,omitempty"`
	Old  json.RawMessage   `json:"old,omitempty"`
}

// ChannelStatus is a lifecycle transition of a change subscription.
type ChannelStatus string

const (
	StatusSubscribed   ChannelStatus = "SUBSCRIBED"
	StatusChannelError ChannelStatus = "CHANNEL_ERROR"
	StatusClosed       ChannelStatus = "CLOSED"
	StatusTimedOut     ChannelStatus = "TIMED_OUT"
)

// Recoverable reports whether a subscription that reported s should be
// retried.
func (s ChannelStatus) Recoverable() bool {
	switch s {
	case StatusChannelError, StatusClosed, StatusTimedOut:
		return true
	}
	return false
}

// ChangeHandler receives row changes.
type ChangeHandler func(ChangeEvent)

// StatusHandler receives subscription status transitions. err carries the
// cause for failure statuses and may be nil.
type StatusHandler func(status ChannelStatus, err error)

// Subscription is a live change stream.
type Subscription interface {
	Close(ctx context.Context) error
}

// Subscriber opens change streams for one table filtered to one user.
type Subscriber interface {
	Subscribe(ctx context.Context, kind schema.EntityType, userID string, onChange ChangeHandler, onStatus StatusHandler) (Subscription, error)
}

// Client bundles the request and streaming halves of the server API.
type Client struct {
	Store
	Subscriber
}

// Table returns the remote table of kind.
func Table(kind schema.EntityType) (string, error) {
	switch kind {
	case schema.EntityReceipt:
		return "receipts", nil
	case schema.EntityDevice:
		return "devices", nil
	case schema.EntityHouseholdBill:
		return "household_bills", nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
}

// KindOf is the inverse of Table.
func KindOf(table string) (schema.EntityType, error) {
	for _, kind := range schema.EntityTypes {
		if t, _ := Table(kind); t == table {
			return kind, nil
		}
	}
	return "", fmt.Errorf("%w: table %q", ErrUnknownKind, table)
}
