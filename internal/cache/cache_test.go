package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func testStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return NewFromClient(rdb), mr
}

func TestGetSetRoundTrip(t *testing.T) {
	s, _ := testStore(t)
	ctx := context.Background()

	if err := s.Set(ctx, "chomp:test:k", []byte("v"), time.Minute); err != nil {
		t.Fatalf("set: %v", err)
	}
	b, ok, err := s.Get(ctx, "chomp:test:k")
	if err != nil || !ok {
		t.Fatalf("get: ok=%v err=%v", ok, err)
	}
	if string(b) != "v" {
		t.Errorf("got %q", b)
	}

	_, ok, err = s.Get(ctx, "chomp:test:absent")
	if err != nil {
		t.Fatalf("get absent: %v", err)
	}
	if ok {
		t.Error("absent key reported present")
	}
}

func TestMapEncoding(t *testing.T) {
	s, _ := testStore(t)
	ctx := context.Background()

	in := map[string]any{"price": 42.5, "symbol": "ETH", "volume": int64(1000)}
	if err := s.SetMap(ctx, IngesterKey("feed"), in, time.Minute); err != nil {
		t.Fatalf("setmap: %v", err)
	}
	out, err := s.GetMap(ctx, IngesterKey("feed"))
	if err != nil {
		t.Fatalf("getmap: %v", err)
	}
	if out["price"] != 42.5 || out["symbol"] != "ETH" {
		t.Errorf("round trip mismatch: %#v", out)
	}

	missing, err := s.GetMap(ctx, IngesterKey("nope"))
	if err != nil || missing != nil {
		t.Errorf("absent map: got %#v err=%v", missing, err)
	}
}

func TestSetIfAbsent(t *testing.T) {
	s, mr := testStore(t)
	ctx := context.Background()

	won, err := s.SetIfAbsent(ctx, "claim:x:1", []byte("a"), 10*time.Second)
	if err != nil || !won {
		t.Fatalf("first setnx should win: won=%v err=%v", won, err)
	}
	won, err = s.SetIfAbsent(ctx, "claim:x:1", []byte("b"), 10*time.Second)
	if err != nil || won {
		t.Fatalf("second setnx should lose: won=%v err=%v", won, err)
	}

	// After the TTL expires the key can be claimed again.
	mr.FastForward(11 * time.Second)
	won, err = s.SetIfAbsent(ctx, "claim:x:1", []byte("b"), 10*time.Second)
	if err != nil || !won {
		t.Fatalf("post-expiry setnx should win: won=%v err=%v", won, err)
	}
}

func TestTryClaimExclusive(t *testing.T) {
	s, _ := testStore(t)
	ctx := context.Background()

	a := NewClaimLock(s, "proc-a", false)
	b := NewClaimLock(s, "proc-b", false)

	wins := 0
	if a.TryClaim(ctx, "ing", 100, 10*time.Second) {
		wins++
	}
	if b.TryClaim(ctx, "ing", 100, 10*time.Second) {
		wins++
	}
	if wins != 1 {
		t.Errorf("expected exactly one winner for the epoch, got %d", wins)
	}

	// A different epoch is a fresh election.
	if !b.TryClaim(ctx, "ing", 101, 10*time.Second) {
		t.Error("fresh epoch should be claimable")
	}
}

func TestTryClaimBackendDown(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	s := NewFromClient(rdb)
	mr.Close()
	ctx := context.Background()

	clustered := NewClaimLock(s, "proc-a", false)
	if clustered.TryClaim(ctx, "ing", 1, time.Second) {
		t.Error("clustered runner must not claim when the backend is down")
	}

	standalone := NewClaimLock(s, "proc-a", true)
	if !standalone.TryClaim(ctx, "ing", 1, time.Second) {
		t.Error("standalone runner should own the tick when the backend is down")
	}
}
