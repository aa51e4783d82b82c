package sync

import (
	"context"
	"errors"
	"log/slog"

	"github.com/segmentio/encoding/json"

	"github.com/fiskalni/fiskalni/internal/clock"
	"github.com/fiskalni/fiskalni/internal/db"
	"github.com/fiskalni/fiskalni/internal/identity"
	"github.com/fiskalni/fiskalni/internal/logging"
	"github.com/fiskalni/fiskalni/internal/remote"
	"github.com/fiskalni/fiskalni/internal/rowmap"
	"github.com/fiskalni/fiskalni/internal/schema"
)

// ErrNoUser is returned by outbound sync when nobody is signed in.
var ErrNoUser = errors.New("no authenticated user")

// Options configures an Engine. Every field is optional.
type Options struct {
	Clock    clock.Clock
	Logger   *slog.Logger
	Observer Observer
}

// Engine implements Syncer over a local store and a remote store.
type Engine struct {
	local    *db.DB
	remote   remote.Store
	identity identity.Provider
	mapper   *rowmap.Mapper
	clock    clock.Clock
	logger   *slog.Logger
	observer Observer
}

var _ Syncer = (*Engine)(nil)

// New creates an Engine.
//
// The local store must have its schema initialized.
func New(local *db.DB, store remote.Store, ids identity.Provider, opts Options) *Engine {
	clk := opts.Clock
	if clk == nil {
		clk = clock.New()
	}
	logger := logging.OrDefault(opts.Logger, "sync")
	observer := opts.Observer
	if observer == nil {
		observer = nopObserver{}
	}

	return &Engine{
		local:    local,
		remote:   store,
		identity: ids,
		mapper:   rowmap.New(clk, logger),
		clock:    clk,
		logger:   logger,
		observer: observer,
	}
}

// Mapper returns the row mapper used by the engine.
func (e *Engine) Mapper() *rowmap.Mapper {
	return e.mapper
}

// applyResult is the outcome of applying one inbound row.
type applyResult int

const (
	rowSkipped applyResult = iota
	rowUnchanged
	rowApplied
)

// applyRow maps raw, resolves it against the local record, and writes it
// when the remote version wins. id is the row id when one could be read,
// even for skipped rows.
func (e *Engine) applyRow(ctx context.Context, q db.Querier, kind schema.EntityType, raw json.RawMessage) (int64, applyResult, error) {
	id, _ := rowmap.RowID(raw)

	rec, ok := e.mapper.ToLocal(kind, raw)
	if !ok {
		return id, rowSkipped, nil
	}
	if err := rec.Validate(); err != nil {
		e.logger.Warn("skipping invalid row", "entity", kind, "id", id, "error", err)
		return id, rowSkipped, nil
	}

	existing, found, err := db.GetRecord(ctx, q, kind, rec.RecordID())
	if err != nil {
		return id, rowSkipped, err
	}
	if found && !IsRemoteNewer(rec.LastUpdated(), existing.LastUpdated()) {
		return id, rowUnchanged, nil
	}

	if err := db.Put(ctx, q, rec); err != nil {
		return id, rowSkipped, err
	}
	return id, rowApplied, nil
}
