// Package backup exports the local store to JSON Lines and restores it.
//
// Each line holds one record:
//
//	{"kind":"receipt","record":{...}}
//
// Receipts are written before devices so a restore never sees a device
// ahead of its receipt. A restore marks every imported record pending and
// queues its upload, so the server converges on the backup.
package backup

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/segmentio/encoding/json"

	"github.com/fiskalni/fiskalni/internal/db"
	"github.com/fiskalni/fiskalni/internal/logging"
	"github.com/fiskalni/fiskalni/internal/queue"
	"github.com/fiskalni/fiskalni/internal/schema"
	syncengine "github.com/fiskalni/fiskalni/internal/sync"
)

// Line is one JSONL entry.
type Line struct {
	Kind   schema.EntityType `json:"kind"`
	Record json.RawMessage   `json:"record"`
}

// Result counts records per kind.
type Result struct {
	Records map[schema.EntityType]int `json:"records" yaml:"records"`
	Skipped int                       `json:"skipped" yaml:"skipped"`
}

func newResult() Result {
	return Result{Records: make(map[schema.EntityType]int)}
}

// Total returns the number of records written or imported.
func (r Result) Total() int {
	n := 0
	for _, c := range r.Records {
		n += c
	}
	return n
}

// Export writes every local record to w.
func Export(ctx context.Context, local *db.DB, w io.Writer) (Result, error) {
	res := newResult()
	bw := bufio.NewWriter(w)

	for _, kind := range schema.EntityTypes {
		err := db.ForEachRaw(ctx, local, kind, func(id int64, data []byte) error {
			line, err := json.Marshal(Line{Kind: kind, Record: data})
			if err != nil {
				return fmt.Errorf("failed to encode %s %d: %w", kind, id, err)
			}
			if _, err := bw.Write(append(line, '\n')); err != nil {
				return fmt.Errorf("failed to write backup: %w", err)
			}
			res.Records[kind]++
			return nil
		})
		if err != nil {
			return res, err
		}
	}

	if err := bw.Flush(); err != nil {
		return res, fmt.Errorf("failed to write backup: %w", err)
	}
	return res, nil
}

// ImportOptions configure Import.
type ImportOptions struct {
	Logger *slog.Logger
	// DryRun validates the input without writing.
	DryRun bool
}

// Import restores records from r in one transaction. A record whose local
// copy is at least as new is skipped. Any malformed line aborts the import
// and nothing is written.
func Import(ctx context.Context, local *db.DB, r io.Reader, opts ImportOptions) (Result, error) {
	logger := logging.OrDefault(opts.Logger, "backup")
	res := newResult()

	lines, err := readLines(r)
	if err != nil {
		return res, err
	}

	err = local.WithTx(ctx, func(ctx context.Context, q db.Querier) error {
		for i, rec := range lines {
			existing, ok, err := db.GetRecord(ctx, q, rec.Kind(), rec.RecordID())
			if err != nil {
				return err
			}
			if ok && !syncengine.IsRemoteNewer(rec.LastUpdated(), existing.LastUpdated()) {
				logger.Debug("keeping newer local record", "entity", rec.Kind(), "id", rec.RecordID())
				res.Skipped++
				continue
			}

			op := schema.OpCreate
			if ok {
				op = schema.OpUpdate
			}
			if !opts.DryRun {
				if err := queue.Stage(ctx, q, rec, op); err != nil {
					return fmt.Errorf("line %d: %w", i+1, err)
				}
			}
			res.Records[rec.Kind()]++
		}
		if opts.DryRun {
			return errDryRun
		}
		return nil
	})
	if errors.Is(err, errDryRun) {
		err = nil
	}
	if err != nil {
		return newResult(), err
	}

	logger.Info("backup imported", "records", res.Total(), "skipped", res.Skipped, "dry_run", opts.DryRun)
	return res, nil
}

var errDryRun = errors.New("dry run")

// readLines decodes and validates every line before anything is written.
func readLines(r io.Reader) ([]schema.Record, error) {
	var out []schema.Record

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}

		var line Line
		if err := json.Unmarshal(raw, &line); err != nil {
			return nil, fmt.Errorf("invalid JSON at line %d: %w", lineNum, err)
		}
		rec, err := decodeRecord(line.Kind, line.Record)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", lineNum, err)
		}
		if err := rec.Validate(); err != nil {
			return nil, fmt.Errorf("line %d: %w", lineNum, err)
		}
		out = append(out, rec)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read backup: %w", err)
	}
	return out, nil
}

func decodeRecord(kind schema.EntityType, raw json.RawMessage) (schema.Record, error) {
	switch kind {
	case schema.EntityReceipt:
		var r schema.Receipt
		err := json.Unmarshal(raw, &r)
		return r, err
	case schema.EntityDevice:
		var d schema.Device
		err := json.Unmarshal(raw, &d)
		return d, err
	case schema.EntityHouseholdBill:
		var b schema.HouseholdBill
		err := json.Unmarshal(raw, &b)
		return b, err
	default:
		return nil, fmt.Errorf("unknown entity type %q", kind)
	}
}
