// Package queue uploads local changes.
//
// Local edits are written together with a queue entry (Save, Remove). The
// Processor drains the queue oldest-first through the engine's outbound
// sync. A failure stops the drain so later changes to the same record are
// never uploaded ahead of earlier ones; the failed entry keeps its place
// and records the attempt.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/fiskalni/fiskalni/internal/db"
	"github.com/fiskalni/fiskalni/internal/logging"
	"github.com/fiskalni/fiskalni/internal/schema"
	syncengine "github.com/fiskalni/fiskalni/internal/sync"
)

// Pusher uploads one queued change.
type Pusher interface {
	SyncToRemote(ctx context.Context, entry schema.QueueEntry) error
}

// Options configure a Processor.
type Options struct {
	Logger *slog.Logger
	// Interval is the minimum time between two uploads (default 100ms).
	Interval time.Duration
	// Burst is the number of uploads allowed back to back (default 10).
	Burst int
	// BatchSize is the number of entries read per query (default 50).
	BatchSize int
}

// Result summarizes one drain.
type Result struct {
	Pushed    int                `json:"pushed" yaml:"pushed"`
	Remaining int                `json:"remaining" yaml:"remaining"`
	Failed    *schema.QueueEntry `json:"failed,omitempty" yaml:"failed,omitempty"`
}

// Processor drains the outbound queue.
type Processor struct {
	local     *db.DB
	pusher    Pusher
	limiter   *rate.Limiter
	batchSize int
	logger    *slog.Logger

	// mu serializes drains.
	mu sync.Mutex
}

// NewProcessor creates a Processor.
func NewProcessor(local *db.DB, pusher Pusher, opts Options) *Processor {
	interval := opts.Interval
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	burst := opts.Burst
	if burst <= 0 {
		burst = 10
	}
	batch := opts.BatchSize
	if batch <= 0 {
		batch = 50
	}
	return &Processor{
		local:     local,
		pusher:    pusher,
		limiter:   rate.NewLimiter(rate.Every(interval), burst),
		batchSize: batch,
		logger:    logging.OrDefault(opts.Logger, "queue"),
	}
}

// Drain uploads queued changes until the queue is empty or an upload
// fails. It has the daemon's DrainFunc signature.
func (p *Processor) Drain(ctx context.Context) error {
	_, err := p.Process(ctx)
	return err
}

// Process is Drain returning a summary.
//
// With nobody signed in the queue is left untouched and no error is
// returned.
func (p *Processor) Process(ctx context.Context) (Result, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var res Result
	for {
		entries, err := db.PendingQueue(ctx, p.local, p.batchSize)
		if err != nil {
			return res, err
		}
		if len(entries) == 0 {
			break
		}

		for _, entry := range entries {
			if err := p.limiter.Wait(ctx); err != nil {
				return p.finish(ctx, res, err)
			}

			err := p.push(ctx, entry)
			if errors.Is(err, syncengine.ErrNoUser) {
				p.logger.Info("not signed in, leaving queue for later")
				return p.finish(ctx, res, nil)
			}
			if err != nil {
				failed := entry
				res.Failed = &failed
				return p.finish(ctx, res, err)
			}
			res.Pushed++
		}
	}

	if res.Pushed > 0 {
		p.logger.Info("queue drained", "pushed", res.Pushed)
	}
	return res, nil
}

func (p *Processor) finish(ctx context.Context, res Result, cause error) (Result, error) {
	if n, err := db.QueueLength(context.WithoutCancel(ctx), p.local); err == nil {
		res.Remaining = n
	}
	return res, cause
}

// push uploads one entry and settles its local state.
func (p *Processor) push(ctx context.Context, entry schema.QueueEntry) error {
	// The update time is read before the upload so an edit made meanwhile
	// keeps the record pending.
	var pushedAt time.Time
	if entry.Operation != schema.OpDelete {
		rec, ok, err := db.GetRecord(ctx, p.local, entry.EntityType, entry.EntityID)
		if err != nil {
			return err
		}
		if ok {
			pushedAt = rec.LastUpdated()
		}
	}

	pushErr := p.pusher.SyncToRemote(ctx, entry)
	if errors.Is(pushErr, syncengine.ErrNoUser) {
		return pushErr
	}

	// Settle even if ctx was cancelled mid-upload.
	ctx = context.WithoutCancel(ctx)

	if pushErr != nil {
		p.logger.Warn("upload failed", "entity", entry.EntityType, "id", entry.EntityID,
			"op", entry.Operation, "attempt", entry.Attempts+1, "error", pushErr)
		err := p.local.WithTx(ctx, func(ctx context.Context, q db.Querier) error {
			if err := db.MarkQueueFailure(ctx, q, entry.ID, pushErr); err != nil {
				return err
			}
			if entry.Operation == schema.OpDelete {
				return nil
			}
			return db.SetStatus(ctx, q, entry.EntityType, entry.EntityID, schema.StatusError)
		})
		if err != nil {
			p.logger.Error("failed to record upload failure", "entry", entry.ID, "error", err)
		}
		return fmt.Errorf("failed to push %s %s %d: %w", entry.Operation, entry.EntityType, entry.EntityID, pushErr)
	}

	return p.local.WithTx(ctx, func(ctx context.Context, q db.Querier) error {
		if err := db.RemoveQueueEntry(ctx, q, entry.ID); err != nil {
			return err
		}
		if pushedAt.IsZero() {
			return nil
		}
		if _, err := db.MarkSyncedIfUnchanged(ctx, q, entry.EntityType, entry.EntityID, pushedAt); err != nil {
			return err
		}
		p.logger.Debug("uploaded", "entity", entry.EntityType, "id", entry.EntityID, "op", entry.Operation)
		return nil
	})
}
