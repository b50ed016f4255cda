// Package scheduler drives ingester ticks. A single loop per process sleeps
// until the earliest due registration, claims the tick fleet-wide, and hands
// the ingester body to a bounded worker pool. The loop itself never blocks
// on ingester work.
package scheduler

import (
	"context"
	"errors"
	"log"
	"runtime"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"chomp/internal/cache"
	"chomp/internal/interval"
	"chomp/internal/model"
)

var ErrIngestionTimeout = errors.New("ingestion timeout")
var ErrAlreadyRegistered = errors.New("ingester already registered")

// IngestFn is one ingester body: fetch, decode, store. It must honor ctx
// cancellation; the scheduler wraps every call in the ingestion timeout.
type IngestFn func(ctx context.Context, ing *model.Ingester) error

type registration struct {
	ing        *model.Ingester
	fn         IngestFn
	nextFireAt time.Time
	started    bool
	paused     bool
	running    bool
}

type Scheduler struct {
	mu     sync.Mutex
	regs   map[string]*registration
	claims *cache.ClaimLock

	workers *semaphore.Weighted
	timeout time.Duration
	verbose bool

	wakeup chan struct{}
	wg     sync.WaitGroup
}

// DefaultWorkerCount sizes the global worker fleet: max(cpuCount, 32).
func DefaultWorkerCount() int64 {
	n := int64(runtime.NumCPU())
	if n < 32 {
		return 32
	}
	return n
}

func New(claims *cache.ClaimLock, workerCount int64, ingestionTimeout time.Duration, verbose bool) *Scheduler {
	if workerCount <= 0 {
		workerCount = DefaultWorkerCount()
	}
	if ingestionTimeout <= 0 {
		ingestionTimeout = 60 * time.Second
	}
	return &Scheduler{
		regs:    make(map[string]*registration),
		claims:  claims,
		workers: semaphore.NewWeighted(workerCount),
		timeout: ingestionTimeout,
		verbose: verbose,
		wakeup:  make(chan struct{}, 1),
	}
}

// AddIngester registers an ingester; when start is true it begins firing on
// the next aligned tick boundary.
func (s *Scheduler) AddIngester(ing *model.Ingester, fn IngestFn, start bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.regs[ing.Name]; exists {
		return ErrAlreadyRegistered
	}
	s.regs[ing.Name] = &registration{
		ing:        ing,
		fn:         fn,
		nextFireAt: interval.NextTick(ing.IntervalSec, time.Now()),
		started:    start,
	}
	s.poke()
	return nil
}

// StartIngester begins firing a registration that was added with start=false.
func (s *Scheduler) StartIngester(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.regs[name]; ok && !r.started {
		r.started = true
		r.nextFireAt = interval.NextTick(r.ing.IntervalSec, time.Now())
		s.poke()
	}
}

// Pause suspends dispatching for one ingester; claimed epochs simply lapse.
func (s *Scheduler) Pause(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.regs[name]
	if ok {
		r.paused = true
	}
	return ok
}

func (s *Scheduler) Resume(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.regs[name]
	if ok && r.paused {
		r.paused = false
		r.nextFireAt = interval.NextTick(r.ing.IntervalSec, time.Now())
		s.poke()
	}
	return ok
}

// Names lists registered ingesters, for the status endpoint.
func (s *Scheduler) Names() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.regs))
	for n := range s.regs {
		names = append(names, n)
	}
	return names
}

func (s *Scheduler) poke() {
	select {
	case s.wakeup <- struct{}{}:
	default:
	}
}

// Run executes the dispatch loop until ctx is cancelled, then drains the
// worker fleet with a fixed deadline. Long work happens off this loop.
func (s *Scheduler) Run(ctx context.Context) {
	log.Printf("[Scheduler] Starting (timeout: %s)", s.timeout)
	for {
		next := s.dispatchDue(ctx, time.Now())

		wait := time.Hour
		if !next.IsZero() {
			wait = time.Until(next)
			if wait < 0 {
				wait = 0
			}
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			s.drain()
			return
		case <-s.wakeup:
			timer.Stop()
		case <-timer.C:
		}
	}
}

// dispatchDue fires every due registration and returns the next wake time.
func (s *Scheduler) dispatchDue(ctx context.Context, now time.Time) time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()

	var next time.Time
	for _, r := range s.regs {
		if !r.started || r.paused {
			continue
		}
		if r.nextFireAt.After(now) {
			if next.IsZero() || r.nextFireAt.Before(next) {
				next = r.nextFireAt
			}
			continue
		}

		ivl := time.Duration(r.ing.IntervalSec) * time.Second
		epoch := interval.Epoch(r.ing.IntervalSec, r.nextFireAt)
		// Advance past now so a long stall doesn't burst-fire stale ticks.
		for !r.nextFireAt.After(now) {
			r.nextFireAt = r.nextFireAt.Add(ivl)
		}
		if next.IsZero() || r.nextFireAt.Before(next) {
			next = r.nextFireAt
		}

		if r.running {
			// Overrun protection: never queue ticks behind a slow body.
			log.Printf("[Scheduler] %s still running, skipping tick %d", r.ing.Name, epoch)
			continue
		}
		if !s.claims.TryClaim(ctx, r.ing.Name, epoch, ivl) {
			continue
		}
		if !s.workers.TryAcquire(1) {
			log.Printf("[Scheduler] WorkerStarvation: dropping tick %d for %s", epoch, r.ing.Name)
			continue
		}

		r.running = true
		s.wg.Add(1)
		go s.runBody(ctx, r)
	}
	return next
}

func (s *Scheduler) runBody(ctx context.Context, r *registration) {
	defer func() {
		s.workers.Release(1)
		s.mu.Lock()
		r.running = false
		s.mu.Unlock()
		s.wg.Done()
	}()

	callCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	if s.verbose {
		log.Printf("[Scheduler] Ingesting %s", r.ing.Name)
	}
	err := r.fn(callCtx, r.ing)
	switch {
	case err == nil:
	case errors.Is(err, context.DeadlineExceeded), errors.Is(callCtx.Err(), context.DeadlineExceeded):
		log.Printf("[Scheduler] %v for %s after %s", ErrIngestionTimeout, r.ing.Name, s.timeout)
	case errors.Is(err, context.Canceled):
	default:
		log.Printf("[Scheduler] %s failed: %v", r.ing.Name, err)
	}
}

// drain waits for in-flight bodies with a fixed deadline, then abandons them.
func (s *Scheduler) drain() {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		log.Println("[Scheduler] Drained")
	case <-time.After(10 * time.Second):
		log.Println("[Scheduler] Drain deadline reached, abandoning remaining tasks")
	}
}
