// Package rowmap translates between remote rows and local records.
//
// Remote rows are flat snake_case objects: timestamps are strings, nullable
// columns may be missing or null, numeric columns may arrive as text, and
// JSON columns may be nested documents or strings holding JSON. Decoding a
// row into one of the typed Row structs is the single validation boundary;
// rows that fail it are skipped with a warning and never reach the local
// store.
package rowmap

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/encoding/json"

	"github.com/fiskalni/fiskalni/internal/clock"
	"github.com/fiskalni/fiskalni/internal/logging"
	"github.com/fiskalni/fiskalni/internal/schema"
)

// Row is a remote row of one entity kind.
type Row interface {
	Kind() schema.EntityType
	RowID() int64
}

// Mapper converts rows in both directions. It holds the clock used for
// "now" fallbacks and the logger for skipped data.
type Mapper struct {
	clock  clock.Clock
	logger *slog.Logger
}

// New creates a Mapper. A nil clock uses real time; a nil logger uses
// slog.Default().
func New(clk clock.Clock, logger *slog.Logger) *Mapper {
	if clk == nil {
		clk = clock.New()
	}
	return &Mapper{clock: clk, logger: logging.OrDefault(logger, "rowmap")}
}

// ToLocal maps a raw remote row of kind to a local record. ok is false when
// the row was rejected.
func (m *Mapper) ToLocal(kind schema.EntityType, raw json.RawMessage) (schema.Record, bool) {
	switch kind {
	case schema.EntityReceipt:
		if r, ok := m.ReceiptToLocal(raw); ok {
			return r, true
		}
		return nil, false
	case schema.EntityDevice:
		if d, ok := m.DeviceToLocal(raw); ok {
			return d, true
		}
		return nil, false
	case schema.EntityHouseholdBill:
		if b, ok := m.HouseholdBillToLocal(raw); ok {
			return b, true
		}
		return nil, false
	default:
		m.logger.Warn("skipping row of unknown kind", "entity", kind)
		return nil, false
	}
}

// ToRemote builds the outbound row for rec owned by userID.
func (m *Mapper) ToRemote(rec schema.Record, userID string) (Row, error) {
	switch r := rec.(type) {
	case schema.Receipt:
		return m.ReceiptToRemote(r, userID), nil
	case schema.Device:
		return m.DeviceToRemote(r, userID), nil
	case schema.HouseholdBill:
		return m.HouseholdBillToRemote(r, userID), nil
	default:
		return nil, fmt.Errorf("unsupported record type %T", rec)
	}
}

// Marshal encodes an outbound row.
func Marshal(row Row) (json.RawMessage, error) {
	data, err := json.Marshal(row)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s row %d: %w", row.Kind(), row.RowID(), err)
	}
	return data, nil
}

// RowID extracts the id of a raw row, for delete events that carry only
// the old row's primary key.
func RowID(raw json.RawMessage) (int64, bool) {
	var row struct {
		ID ID `json:"id"`
	}
	if err := json.Unmarshal(raw, &row); err != nil || !row.ID.Valid() {
		return 0, false
	}
	return int64(row.ID), true
}

// UpdatedAt extracts the raw updated_at of a remote row.
func UpdatedAt(raw json.RawMessage) string {
	var row struct {
		UpdatedAt *string `json:"updated_at"`
	}
	if err := json.Unmarshal(raw, &row); err != nil {
		return ""
	}
	return str(row.UpdatedAt)
}

// decode unmarshals raw into row and checks its id. It logs and returns
// false for rows that cannot be used.
func (m *Mapper) decode(kind schema.EntityType, raw json.RawMessage, row Row) bool {
	if err := json.Unmarshal(raw, row); err != nil {
		m.logger.Warn("skipping undecodable row", "entity", kind, "error", err)
		return false
	}
	if row.RowID() <= 0 {
		m.logger.Warn("skipping row with invalid id", "entity", kind, "row", truncate(raw))
		return false
	}
	return true
}

// stamps resolves the created/updated pair of a row. updated_at falls back
// to now, so a corrupt timestamp reads as the newest version; created_at
// falls back to updated_at.
func (m *Mapper) stamps(created, updated *string) (createdAt, updatedAt time.Time) {
	updatedAt = ParseTime(str(updated), m.clock.Now().UTC())
	createdAt = ParseTime(str(created), updatedAt)
	return createdAt, updatedAt
}

func truncate(raw json.RawMessage) string {
	const max = 120
	if len(raw) > max {
		return string(raw[:max]) + "..."
	}
	return string(raw)
}
