package rowmap

import (
	"strings"
	"time"

	"github.com/fiskalni/fiskalni/internal/schema"
)

// timeLayouts are the timestamp forms seen in remote rows: ISO-8601 from the
// REST API, the Postgres text output of timestamptz/timestamp, and plain
// dates.
var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999Z07",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999Z07",
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04",
	"2006-01-02",
}

// ParseTime coerces a remote timestamp. Values without a zone are read as
// UTC. If raw parses under none of the known layouts, fallback is returned.
// It never fails.
func ParseTime(raw string, fallback time.Time) time.Time {
	t, ok := parseTime(raw)
	if !ok {
		return fallback
	}
	return t
}

func parseTime(raw string) (time.Time, bool) {
	t, ok := parseZoned(raw)
	return t.UTC(), ok
}

// parseZoned parses raw keeping the offset it was written with.
func parseZoned(raw string) (time.Time, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, false
	}
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// WallClock returns the HH:MM of raw in the offset raw carries, so a receipt
// stamped 23:30+02:00 keeps 23:30. Unparseable values use fallback.
func WallClock(raw string, fallback time.Time) string {
	if t, ok := parseZoned(raw); ok {
		return schema.ClockTime(t)
	}
	return schema.ClockTime(fallback)
}

// FormatTime renders a timestamp for an outbound row. The zero time
// becomes now.
func FormatTime(t, now time.Time) string {
	if t.IsZero() {
		t = now
	}
	return t.UTC().Format(time.RFC3339Nano)
}
