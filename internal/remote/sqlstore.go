package remote

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
	"github.com/segmentio/encoding/json"

	"github.com/fiskalni/fiskalni/internal/logging"
	"github.com/fiskalni/fiskalni/internal/schema"
)

// Dialect selects the SQL flavour and driver of a remote database.
type Dialect string

const (
	// DialectPostgres is a Supabase (or any Postgres) database reached
	// through pgx.
	DialectPostgres Dialect = "postgres"
	// DialectTurso is a libSQL database, local or hosted on Turso.
	DialectTurso Dialect = "turso"
	// DialectSQLite is a plain SQLite file, for self-hosting and tests.
	DialectSQLite Dialect = "sqlite"
)

// ParseDialect validates a dialect name from configuration.
func ParseDialect(s string) (Dialect, error) {
	switch d := Dialect(strings.ToLower(s)); d {
	case DialectPostgres, DialectTurso, DialectSQLite:
		return d, nil
	case "supabase", "pgx":
		return DialectPostgres, nil
	case "libsql":
		return DialectTurso, nil
	default:
		return "", fmt.Errorf("unknown remote dialect %q", s)
	}
}

func (d Dialect) driverName() string {
	switch d {
	case DialectPostgres:
		return "pgx"
	case DialectTurso:
		return "libsql"
	default:
		return "sqlite3"
	}
}

// rebind rewrites ? placeholders to the dialect's form.
func (d Dialect) rebind(query string) string {
	if d != DialectPostgres {
		return query
	}

	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// SQLStore is a Store backed by a direct database connection.
type SQLStore struct {
	db      *sql.DB
	dialect Dialect
	logger  *slog.Logger
}

// Open connects to a remote database.
//
// The caller MUST call Close() when done.
func Open(ctx context.Context, dialect Dialect, dsn string, logger *slog.Logger) (*SQLStore, error) {
	if dialect == DialectTurso && !libsqlAvailable {
		return nil, fmt.Errorf("turso dialect requires a cgo build")
	}

	db, err := sql.Open(dialect.driverName(), dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open remote database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping remote database: %w", err)
	}

	return NewSQLStore(db, dialect, logger), nil
}

// NewSQLStore wraps an open connection.
func NewSQLStore(db *sql.DB, dialect Dialect, logger *slog.Logger) *SQLStore {
	return &SQLStore{db: db, dialect: dialect, logger: logging.OrDefault(logger, "remote")}
}

// DB returns the underlying connection.
func (s *SQLStore) DB() *sql.DB {
	return s.db
}

// Dialect returns the store's dialect.
func (s *SQLStore) Dialect() Dialect {
	return s.dialect
}

// Close closes the connection.
func (s *SQLStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("failed to close remote database: %w", err)
	}
	return nil
}

// SelectAll implements Store. Rows come back in id order.
func (s *SQLStore) SelectAll(ctx context.Context, kind schema.EntityType, userID string) ([]json.RawMessage, error) {
	table, err := Table(kind)
	if err != nil {
		return nil, err
	}
	cols, err := columnsFor(kind)
	if err != nil {
		return nil, err
	}

	names := make([]string, len(cols))
	for i, c := range cols {
		names[i] = c.name
	}
	query := s.dialect.rebind("SELECT " + strings.Join(names, ", ") + " FROM " + table + " WHERE user_id = ? ORDER BY id")

	rows, err := s.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to select %s: %w", table, err)
	}
	defer rows.Close()

	var out []json.RawMessage
	values := make([]any, len(cols))
	ptrs := make([]any, len(cols))
	for i := range values {
		ptrs[i] = &values[i]
	}

	for rows.Next() {
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("failed to scan %s row: %w", table, err)
		}

		obj := make(map[string]any, len(cols))
		for i, c := range cols {
			obj[c.name] = scanValue(c, values[i])
		}
		data, err := json.Marshal(obj)
		if err != nil {
			return nil, fmt.Errorf("failed to encode %s row: %w", table, err)
		}
		out = append(out, data)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating %s: %w", table, err)
	}

	s.logger.Debug("selected rows", "table", table, "count", len(out))
	return out, nil
}

// Upsert implements Store. Only whitelisted columns present in row are
// written; on conflict every written column except id is replaced.
func (s *SQLStore) Upsert(ctx context.Context, kind schema.EntityType, row json.RawMessage) error {
	table, err := Table(kind)
	if err != nil {
		return err
	}
	cols, err := columnsFor(kind)
	if err != nil {
		return err
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(row, &fields); err != nil {
		return fmt.Errorf("invalid %s row: %w", table, err)
	}
	if _, ok := fields["id"]; !ok {
		return fmt.Errorf("invalid %s row: missing id", table)
	}

	var names, updates []string
	var args []any
	for _, c := range cols {
		raw, ok := fields[c.name]
		if !ok {
			continue
		}
		v, err := s.dialect.bindValue(c, raw)
		if err != nil {
			return fmt.Errorf("invalid %s row: %w", table, err)
		}
		names = append(names, c.name)
		args = append(args, v)
		if c.name != "id" {
			updates = append(updates, c.name+" = excluded."+c.name)
		}
	}

	query := "INSERT INTO " + table + " (" + strings.Join(names, ", ") + ") VALUES (" +
		strings.TrimSuffix(strings.Repeat("?, ", len(names)), ", ") + ") ON CONFLICT (id) "
	if len(updates) == 0 {
		query += "DO NOTHING"
	} else {
		query += "DO UPDATE SET " + strings.Join(updates, ", ")
	}

	if _, err := s.db.ExecContext(ctx, s.dialect.rebind(query), args...); err != nil {
		return fmt.Errorf("failed to upsert %s row: %w", table, err)
	}
	return nil
}

// Delete implements Store.
func (s *SQLStore) Delete(ctx context.Context, kind schema.EntityType, userID string, id int64) error {
	table, err := Table(kind)
	if err != nil {
		return err
	}

	query := s.dialect.rebind("DELETE FROM " + table + " WHERE id = ? AND user_id = ?")
	if _, err := s.db.ExecContext(ctx, query, id, userID); err != nil {
		return fmt.Errorf("failed to delete %s row %d: %w", table, id, err)
	}
	return nil
}
