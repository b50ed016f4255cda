// Package runtime wires the process-wide collaborators — arguments, cache,
// claim lock, RPC pool, sink, scheduler — into one context struct that is
// constructed at startup and passed explicitly to every ingester call.
package runtime

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"chomp/internal/cache"
	"chomp/internal/eventbus"
	"chomp/internal/rpcpool"
	"chomp/internal/scheduler"
	"chomp/internal/sink"
	"chomp/internal/tsdb"
)

// Args mirrors the runtime arguments of the CLI.
type Args struct {
	EnvFile          string
	Verbose          bool
	ProcID           string
	Threaded         bool
	TSDBAdapter      string
	MaxRetries       int
	IngestionTimeout time.Duration

	Host           string
	Port           int
	WSPingInterval time.Duration
	WSPingTimeout  time.Duration
	Ping           bool

	ConfigPath string
	RedisAddr  string
	RedisDB    int
	RedisPass  string
	DBURL      string
	Standalone bool
}

type Runtime struct {
	Args      Args
	Cache     *cache.Store
	Claims    *cache.ClaimLock
	Pool      *rpcpool.Pool
	TSDB      tsdb.Adapter
	Sink      *sink.Sink
	Bus       *eventbus.Bus
	Scheduler *scheduler.Scheduler
	StartedAt time.Time
}

// New builds the runtime from parsed arguments. The scheduler worker fleet
// is sized max(cpuCount, 32) unless --threaded is off, which pins it to 1.
func New(ctx context.Context, args Args) (*Runtime, error) {
	if args.ProcID == "" {
		args.ProcID = "chomp-" + uuid.NewString()[:8]
	}
	if args.MaxRetries <= 0 {
		args.MaxRetries = 3
	}
	if args.IngestionTimeout <= 0 {
		args.IngestionTimeout = 60 * time.Second
	}

	store := cache.New(args.RedisAddr, args.RedisPass, args.RedisDB)
	claims := cache.NewClaimLock(store, args.ProcID, args.Standalone)

	adapter, err := tsdb.Open(ctx, args.TSDBAdapter, args.DBURL)
	if err != nil {
		return nil, fmt.Errorf("tsdb adapter: %w", err)
	}

	workers := scheduler.DefaultWorkerCount()
	if !args.Threaded {
		workers = 1
	}

	bus := eventbus.New()
	return &Runtime{
		Args:      args,
		Cache:     store,
		Claims:    claims,
		Pool:      rpcpool.New(0, 0),
		TSDB:      adapter,
		Sink:      sink.New(adapter, store, bus),
		Bus:       bus,
		Scheduler: scheduler.New(claims, workers, args.IngestionTimeout, args.Verbose),
		StartedAt: time.Now().UTC(),
	}, nil
}

func (rt *Runtime) Close() {
	rt.Bus.Close()
	rt.Pool.Close()
	rt.TSDB.Close()
	rt.Cache.Close()
}
