package tsdb

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Timescale appends records to Postgres/TimescaleDB, one table per
// ingester. Field values are stored in a jsonb column; the timestamp is the
// primary key, so a repeated append with the same timestamp is ignored.
// Records stored under different timestamps are never merged.
type Timescale struct {
	db *pgxpool.Pool

	mu     sync.Mutex
	tables map[string]bool
}

var tableNameRe = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

func NewTimescale(ctx context.Context, dbURL string) (*Timescale, error) {
	config, err := pgxpool.ParseConfig(dbURL)
	if err != nil {
		return nil, fmt.Errorf("unable to parse db url: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("unable to connect to database: %w", err)
	}
	return &Timescale{db: pool, tables: make(map[string]bool)}, nil
}

func (t *Timescale) Close() {
	t.db.Close()
}

// ensureTable creates the per-ingester table on first write. Ingester names
// come from config and double as table names, so they are validated here.
func (t *Timescale) ensureTable(ctx context.Context, table string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.tables[table] {
		return nil
	}
	if !tableNameRe.MatchString(table) {
		return fmt.Errorf("invalid table name %q", table)
	}
	ddl := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %q (
		ts TIMESTAMPTZ PRIMARY KEY,
		fields JSONB NOT NULL
	)`, table)
	if _, err := t.db.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("create table %s: %w", table, err)
	}
	t.tables[table] = true
	return nil
}

func (t *Timescale) Append(ctx context.Context, table string, ts time.Time, fields map[string]any) error {
	if err := t.ensureTable(ctx, table); err != nil {
		return err
	}
	payload, err := json.Marshal(fields)
	if err != nil {
		return fmt.Errorf("encode fields for %s: %w", table, err)
	}
	_, err = t.db.Exec(ctx,
		fmt.Sprintf(`INSERT INTO %q (ts, fields) VALUES ($1, $2) ON CONFLICT (ts) DO NOTHING`, table),
		ts, payload,
	)
	if err != nil {
		return fmt.Errorf("append to %s: %w", table, err)
	}
	return nil
}

func (t *Timescale) Query(ctx context.Context, table string, from, to time.Time, limit int) ([]Row, error) {
	if !tableNameRe.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	if limit <= 0 || limit > 10000 {
		limit = 1000
	}
	rows, err := t.db.Query(ctx,
		fmt.Sprintf(`SELECT ts, fields FROM %q WHERE ts >= $1 AND ts <= $2 ORDER BY ts DESC LIMIT $3`, table),
		from, to, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", table, err)
	}
	defer rows.Close()

	var out []Row
	for rows.Next() {
		var r Row
		var payload []byte
		if err := rows.Scan(&r.Timestamp, &payload); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(payload, &r.Fields); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
