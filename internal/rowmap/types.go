package rowmap

import (
	"bytes"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/segmentio/encoding/json"
)

// ID is a row identifier. Remote rows carry ids as JSON numbers or as
// opaque strings; both decode here. Anything that is not a positive integer
// decodes to 0, which the mapper rejects.
type ID int64

// UnmarshalJSON implements json.Unmarshaler.
func (id *ID) UnmarshalJSON(b []byte) error {
	*id = 0
	s, ok := scalarText(b)
	if !ok {
		return nil
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		if n > 0 {
			*id = ID(n)
		}
		return nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err == nil && f > 0 && f == math.Trunc(f) && f <= math.MaxInt64 {
		*id = ID(f)
	}
	return nil
}

// Valid reports whether id can key a local record.
func (id ID) Valid() bool { return id > 0 }

// Number is a nullable numeric column. It accepts JSON numbers and numeric
// strings (Postgres numeric columns arrive as text).
type Number struct {
	Value float64
	Valid bool
}

// Num returns a valid Number.
func Num(v float64) Number { return Number{Value: v, Valid: true} }

// UnmarshalJSON implements json.Unmarshaler.
func (n *Number) UnmarshalJSON(b []byte) error {
	*n = Number{}
	s, ok := scalarText(b)
	if !ok {
		return nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return nil
	}
	*n = Number{Value: f, Valid: true}
	return nil
}

// MarshalJSON implements json.Marshaler.
func (n Number) MarshalJSON() ([]byte, error) {
	if !n.Valid {
		return []byte("null"), nil
	}
	if math.IsNaN(n.Value) || math.IsInf(n.Value, 0) {
		return nil, fmt.Errorf("rowmap: unsupported number %v", n.Value)
	}
	return strconv.AppendFloat(nil, n.Value, 'f', -1, 64), nil
}

// Or returns the value, or def when the number is null or unparseable.
func (n Number) Or(def float64) float64 {
	if n.Valid {
		return n.Value
	}
	return def
}

// JSONText is a JSON-valued column (items, consumption, attachments).
// Postgres jsonb arrives as a nested value, SQLite stores it as a string
// holding JSON; both decode to the nested document.
type JSONText json.RawMessage

// UnmarshalJSON implements json.Unmarshaler.
func (j *JSONText) UnmarshalJSON(b []byte) error {
	*j = nil
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return nil
		}
		if s = strings.TrimSpace(s); s != "" && json.Valid([]byte(s)) {
			*j = JSONText(s)
		}
		return nil
	}
	*j = append(JSONText(nil), b...)
	return nil
}

// MarshalJSON implements json.Marshaler.
func (j JSONText) MarshalJSON() ([]byte, error) {
	if len(j) == 0 {
		return []byte("null"), nil
	}
	return j, nil
}

// scalarText returns the text of a JSON number or string. ok is false for
// null, objects, arrays, booleans, and empty strings.
func scalarText(b []byte) (string, bool) {
	b = bytes.TrimSpace(b)
	if len(b) == 0 {
		return "", false
	}
	switch c := b[0]; {
	case c == '"':
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return "", false
		}
		s = strings.TrimSpace(s)
		return s, s != ""
	case c == '-' || (c >= '0' && c <= '9'):
		return string(b), true
	default:
		return "", false
	}
}

// str returns the pointed-to string, or "".
func str(p *string) string {
	if p == nil {
		return ""
	}
	return strings.TrimSpace(*p)
}

// optional returns nil for an empty string so absent fields go out as null.
func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
