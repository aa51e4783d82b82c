package db

import (
	"context"
	"fmt"

	"github.com/fiskalni/fiskalni/internal/schema"
)

// Stats summarizes the local store.
type Stats struct {
	// ByKind counts records per entity kind and sync status.
	ByKind map[schema.EntityType]map[schema.SyncStatus]int `json:"by_kind" yaml:"by_kind"`
	// Queued is the number of pending outbound changes.
	Queued int `json:"queued" yaml:"queued"`
}

// Total returns the number of records of kind.
func (s Stats) Total(kind schema.EntityType) int {
	n := 0
	for _, c := range s.ByKind[kind] {
		n += c
	}
	return n
}

// GetStats counts records per kind and status.
func GetStats(ctx context.Context, q Querier) (Stats, error) {
	stats := Stats{ByKind: make(map[schema.EntityType]map[schema.SyncStatus]int)}

	for _, kind := range schema.EntityTypes {
		table, err := tableFor(kind)
		if err != nil {
			return stats, err
		}

		rows, err := q.QueryContext(ctx, "SELECT sync_status, COUNT(*) FROM "+table+" GROUP BY sync_status")
		if err != nil {
			return stats, fmt.Errorf("failed to count %s records: %w", kind, err)
		}

		counts := make(map[schema.SyncStatus]int)
		for rows.Next() {
			var status string
			var n int
			if err := rows.Scan(&status, &n); err != nil {
				rows.Close()
				return stats, fmt.Errorf("failed to scan %s count: %w", kind, err)
			}
			counts[schema.SyncStatus(status)] = n
		}
		err = rows.Err()
		rows.Close()
		if err != nil {
			return stats, fmt.Errorf("error iterating %s counts: %w", kind, err)
		}
		stats.ByKind[kind] = counts
	}

	queued, err := QueueLength(ctx, q)
	if err != nil {
		return stats, err
	}
	stats.Queued = queued
	return stats, nil
}
