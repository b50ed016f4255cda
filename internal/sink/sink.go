// Package sink forwards completed ingestion records to the time-series
// backend and refreshes the cache snapshot other ingesters read from.
package sink

import (
	"context"
	"log"
	"time"

	"chomp/internal/cache"
	"chomp/internal/eventbus"
	"chomp/internal/model"
	"chomp/internal/tsdb"
)

type Sink struct {
	tsdb  tsdb.Adapter
	cache *cache.Store
	bus   *eventbus.Bus
}

func New(adapter tsdb.Adapter, store *cache.Store, bus *eventbus.Bus) *Sink {
	return &Sink{tsdb: adapter, cache: store, bus: bus}
}

// Store serializes the ingester's current field values, appends them to the
// time-series adapter and writes the chomp:<name> cache snapshot. A storage
// error is logged but does not fail the tick: the value stays readable in
// the cache so downstream processors can still consume it.
func (s *Sink) Store(ctx context.Context, ing *model.Ingester) error {
	ts := time.Now().UTC()
	fields := ing.FieldMap()

	if err := s.tsdb.Append(ctx, ing.Name, ts, fields); err != nil {
		log.Printf("[Sink] storage error for %s: %v", ing.Name, err)
	}

	if err := s.cache.SetMap(ctx, cache.IngesterKey(ing.Name), fields, ing.CacheTTL()); err != nil {
		return err
	}

	if s.bus != nil {
		s.bus.Publish(eventbus.Record{Ingester: ing.Name, Timestamp: ts, Fields: fields})
	}
	return nil
}
