package remote

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/segmentio/encoding/json"

	"github.com/fiskalni/fiskalni/internal/schema"
)

type colType int

const (
	colText colType = iota
	colInt
	colNum
	colTime
	colJSON
)

type column struct {
	name string
	typ  colType
}

// columns is the whitelist of writable columns per table, in table order.
// Keys of an upserted row that are not listed are ignored.
var columns = map[schema.EntityType][]column{
	schema.EntityReceipt: {
		{"id", colInt},
		{"user_id", colText},
		{"vendor", colText},
		{"pib", colText},
		{"date", colTime},
		{"total_amount", colNum},
		{"vat_amount", colNum},
		{"category", colText},
		{"items", colJSON},
		{"notes", colText},
		{"image_url", colText},
		{"pdf_url", colText},
		{"qr_link", colText},
		{"created_at", colTime},
		{"updated_at", colTime},
	},
	schema.EntityDevice: {
		{"id", colInt},
		{"user_id", colText},
		{"receipt_id", colInt},
		{"brand", colText},
		{"model", colText},
		{"category", colText},
		{"serial_number", colText},
		{"purchase_date", colTime},
		{"warranty_duration", colInt},
		{"warranty_expiry", colTime},
		{"status", colText},
		{"service_center_name", colText},
		{"service_center_address", colText},
		{"service_center_phone", colText},
		{"service_center_hours", colText},
		{"attachments", colJSON},
		{"created_at", colTime},
		{"updated_at", colTime},
	},
	schema.EntityHouseholdBill: {
		{"id", colInt},
		{"user_id", colText},
		{"bill_type", colText},
		{"provider", colText},
		{"account_number", colText},
		{"amount", colNum},
		{"billing_period_start", colTime},
		{"billing_period_end", colTime},
		{"due_date", colTime},
		{"payment_date", colTime},
		{"status", colText},
		{"consumption", colJSON},
		{"notes", colText},
		{"created_at", colTime},
		{"updated_at", colTime},
	},
}

func columnsFor(kind schema.EntityType) ([]column, error) {
	cols, ok := columns[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	return cols, nil
}

func lookupColumn(cols []column, name string) (column, bool) {
	for _, c := range cols {
		if c.name == name {
			return c, true
		}
	}
	return column{}, false
}

// bindValue converts a JSON value of an upserted row to a driver argument
// for column c.
func (d Dialect) bindValue(c column, raw json.RawMessage) (any, error) {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" || trimmed == "null" {
		return nil, nil
	}

	switch c.typ {
	case colJSON:
		if trimmed[0] == '"' {
			// Already JSON text.
			var s string
			if err := json.Unmarshal(raw, &s); err != nil {
				return nil, fmt.Errorf("column %s: %w", c.name, err)
			}
			return s, nil
		}
		return trimmed, nil

	case colInt:
		f, err := strconv.ParseFloat(numberText(raw), 64)
		if err != nil {
			return nil, fmt.Errorf("column %s: %w", c.name, err)
		}
		return int64(f), nil

	case colNum:
		f, err := strconv.ParseFloat(numberText(raw), 64)
		if err != nil {
			return nil, fmt.Errorf("column %s: %w", c.name, err)
		}
		return f, nil

	case colTime:
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, fmt.Errorf("column %s: %w", c.name, err)
		}
		t, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return nil, fmt.Errorf("column %s: %w", c.name, err)
		}
		if d == DialectPostgres {
			return t.UTC(), nil
		}
		return t.UTC().Format(time.RFC3339Nano), nil

	default:
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, fmt.Errorf("column %s: %w", c.name, err)
		}
		return s, nil
	}
}

// numberText returns the text of a JSON number, or of a JSON string
// holding one.
func numberText(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return strings.TrimSpace(s)
	}
	return strings.TrimSpace(string(raw))
}

// scanValue converts a scanned driver value of column c to a JSON value.
func scanValue(c column, v any) any {
	switch x := v.(type) {
	case nil:
		return nil
	case time.Time:
		return x.UTC().Format(time.RFC3339Nano)
	case []byte:
		if c.typ == colJSON && json.Valid(x) {
			return json.RawMessage(append([]byte(nil), x...))
		}
		return string(x)
	case string:
		if c.typ == colJSON && json.Valid([]byte(x)) {
			return json.RawMessage(x)
		}
		return x
	default:
		return x
	}
}
