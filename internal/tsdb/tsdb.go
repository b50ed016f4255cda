// Package tsdb abstracts the time-series backend the storage sink appends
// to. Adapters are selected by name (--tsdb_adapter); the runtime treats
// them as external collaborators behind the Adapter interface.
package tsdb

import (
	"context"
	"fmt"
	"time"
)

// Row is one stored record: the tick timestamp plus field values.
type Row struct {
	Timestamp time.Time      `json:"timestamp"`
	Fields    map[string]any `json:"fields"`
}

// Adapter appends fielded records, one logical table per ingester name.
// Append is idempotent per (table, timestamp): a second append with the same
// timestamp is ignored. Rows are not deduplicated by content, so a logger
// block range stored again under a later tick timestamp yields a second row.
type Adapter interface {
	Append(ctx context.Context, table string, ts time.Time, fields map[string]any) error
	Query(ctx context.Context, table string, from, to time.Time, limit int) ([]Row, error)
	Close()
}

// Open builds the adapter named by the --tsdb_adapter argument.
func Open(ctx context.Context, name, url string) (Adapter, error) {
	switch name {
	case "timescale", "postgres":
		return NewTimescale(ctx, url)
	case "", "noop":
		return Noop{}, nil
	default:
		return nil, fmt.Errorf("unknown tsdb adapter %q", name)
	}
}

// Noop discards writes; used for cache-only deployments and tests.
type Noop struct{}

func (Noop) Append(context.Context, string, time.Time, map[string]any) error {
	return nil
}

func (Noop) Query(context.Context, string, time.Time, time.Time, int) ([]Row, error) {
	return nil, nil
}

func (Noop) Close() {}
