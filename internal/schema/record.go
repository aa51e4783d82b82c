package schema

import (
	"fmt"
	"time"
)

// EntityType names one of the synchronized tables.
type EntityType string

const (
	EntityReceipt       EntityType = "receipt"
	EntityDevice        EntityType = "device"
	EntityHouseholdBill EntityType = "householdBill"
)

// EntityTypes lists every kind in sync order. Receipts come first so that
// devices pulled afterwards can point at them.
var EntityTypes = []EntityType{EntityReceipt, EntityDevice, EntityHouseholdBill}

// IsValid reports whether e is a known entity kind.
func (e EntityType) IsValid() bool {
	switch e {
	case EntityReceipt, EntityDevice, EntityHouseholdBill:
		return true
	}
	return false
}

// ParseEntityType parses a kind name as used in queue entries and the CLI.
func ParseEntityType(s string) (EntityType, error) {
	e := EntityType(s)
	if !e.IsValid() {
		return "", fmt.Errorf("unknown entity type %q", s)
	}
	return e, nil
}

// SyncStatus tracks the relationship between a local record and the server.
type SyncStatus string

const (
	StatusLocal   SyncStatus = "local"
	StatusPending SyncStatus = "pending"
	StatusSynced  SyncStatus = "synced"
	StatusError   SyncStatus = "error"
)

// IsValid reports whether s is a known sync status.
func (s SyncStatus) IsValid() bool {
	switch s {
	case StatusLocal, StatusPending, StatusSynced, StatusError:
		return true
	}
	return false
}

// Record is implemented by every synchronized entity.
type Record interface {
	Kind() EntityType
	RecordID() int64
	LastUpdated() time.Time
	SyncState() SyncStatus
	Validate() error
}

// validateCommon checks the fields every record shares.
func validateCommon(id int64, createdAt, updatedAt time.Time, status SyncStatus) error {
	if id <= 0 {
		return fmt.Errorf("id must be positive (got %d)", id)
	}
	if createdAt.IsZero() {
		return fmt.Errorf("createdAt is required")
	}
	if updatedAt.IsZero() {
		return fmt.Errorf("updatedAt is required")
	}
	if !status.IsValid() {
		return fmt.Errorf("invalid sync status %q", status)
	}
	return nil
}
