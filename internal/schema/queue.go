package schema

import (
	"fmt"
	"time"
)

// Operation is the kind of local change waiting to be uploaded.
type Operation string

const (
	OpCreate Operation = "create"
	OpUpdate Operation = "update"
	OpDelete Operation = "delete"
)

// IsValid reports whether op is a known operation.
func (op Operation) IsValid() bool {
	switch op {
	case OpCreate, OpUpdate, OpDelete:
		return true
	}
	return false
}

// QueueEntry is one pending outbound change.
type QueueEntry struct {
	ID         int64      `json:"id"`
	EntityType EntityType `json:"entityType"`
	EntityID   int64      `json:"entityId"`
	Operation  Operation  `json:"operation"`
	Attempts   int        `json:"attempts"`
	LastError  string     `json:"lastError,omitempty"`
	CreatedAt  time.Time  `json:"createdAt"`
}

// Validate checks if the QueueEntry has valid field values.
func (e QueueEntry) Validate() error {
	if !e.EntityType.IsValid() {
		return fmt.Errorf("invalid entity type %q", e.EntityType)
	}
	if e.EntityID <= 0 {
		return fmt.Errorf("entity id must be positive (got %d)", e.EntityID)
	}
	if !e.Operation.IsValid() {
		return fmt.Errorf("invalid operation %q", e.Operation)
	}
	return nil
}
