package sink

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"chomp/internal/cache"
	"chomp/internal/eventbus"
	"chomp/internal/model"
	"chomp/internal/tsdb"
)

type failingAdapter struct{}

func (failingAdapter) Append(context.Context, string, time.Time, map[string]any) error {
	return errors.New("db down")
}
func (failingAdapter) Query(context.Context, string, time.Time, time.Time, int) ([]tsdb.Row, error) {
	return nil, nil
}
func (failingAdapter) Close() {}

func testCache(t *testing.T) *cache.Store {
	t.Helper()
	mr := miniredis.RunT(t)
	return cache.NewFromClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
}

func TestStoreWritesCacheAndBus(t *testing.T) {
	store := testCache(t)
	bus := eventbus.New()
	defer bus.Close()
	recs := make(chan eventbus.Record, 1)
	bus.Subscribe("feed", recs)

	s := New(tsdb.Noop{}, store, bus)
	ing := &model.Ingester{
		Name:        "feed",
		IntervalSec: 10,
		Fields:      []*model.Field{{Name: "price", Value: 42.0}},
	}
	if err := s.Store(context.Background(), ing); err != nil {
		t.Fatalf("store: %v", err)
	}

	snap, err := store.GetMap(context.Background(), cache.IngesterKey("feed"))
	if err != nil {
		t.Fatalf("getmap: %v", err)
	}
	if snap["price"] != 42.0 {
		t.Errorf("cache snapshot = %#v", snap)
	}

	select {
	case rec := <-recs:
		if rec.Fields["price"] != 42.0 {
			t.Errorf("bus record = %#v", rec.Fields)
		}
	case <-time.After(time.Second):
		t.Fatal("record not published to bus")
	}
}

func TestStorageErrorStillCaches(t *testing.T) {
	store := testCache(t)
	s := New(failingAdapter{}, store, nil)
	ing := &model.Ingester{
		Name:        "feed",
		IntervalSec: 10,
		Fields:      []*model.Field{{Name: "price", Value: 1.0}},
	}
	if err := s.Store(context.Background(), ing); err != nil {
		t.Fatalf("a tsdb failure must not fail the tick: %v", err)
	}
	snap, err := store.GetMap(context.Background(), cache.IngesterKey("feed"))
	if err != nil || snap == nil {
		t.Fatalf("cache snapshot missing after tsdb failure: %#v err=%v", snap, err)
	}
}
