package ingester

import (
	"context"
	"fmt"
	"log"
	"net/url"
	"strconv"
	"strings"
	"sync"

	"chomp/internal/cache"
	"chomp/internal/model"
	"chomp/internal/runtime"
	"chomp/internal/scheduler"
)

// aptosLogger polls account event streams over the Aptos REST API. The
// field selector names the event handle as "<struct_tag>/<field_name>";
// the per-stream cursor is the next sequence number to fetch, advanced only
// on success.
type aptosLogger struct {
	rt      *runtime.Runtime
	ing     *model.Ingester
	watches map[string]*aptosWatch
}

type aptosWatch struct {
	chainID string
	addr    string
	handle  string
	field   string

	mu      sync.Mutex
	nextSeq int64 // -1 = uninitialized
}

// AptosEvent is one event from an account handle stream.
type AptosEvent struct {
	SequenceNumber uint64 `msgpack:"sequence_number"`
	Type           string `msgpack:"type"`
	Data           any    `msgpack:"data"`
}

func newAptosLogger(rt *runtime.Runtime, ing *model.Ingester) (scheduler.IngestFn, error) {
	l := &aptosLogger{rt: rt, ing: ing, watches: map[string]*aptosWatch{}}
	for _, f := range ing.Fields {
		chainID, addr, err := splitChainAddr(f.Target)
		if err != nil {
			return nil, err
		}
		handle, field, ok := strings.Cut(f.Selector, "/")
		if !ok || handle == "" || field == "" {
			return nil, fmt.Errorf("%w: field %s wants <struct_tag>/<field_name>, got %q", ErrInvalidSignature, f.Name, f.Selector)
		}
		key := f.Target + "\x00" + f.Selector
		if l.watches[key] == nil {
			l.watches[key] = &aptosWatch{
				chainID: chainID,
				addr:    addr,
				handle:  handle,
				field:   field,
				nextSeq: -1,
			}
		}
	}
	return l.ingest, nil
}

func (l *aptosLogger) ingest(ctx context.Context, ing *model.Ingester) error {
	ing.PreIngest()

	events := map[string][]AptosEvent{}
	for key, w := range l.watches {
		evts, err := l.poll(ctx, w)
		if err != nil {
			log.Printf("[AptosLogger] %s: failed to poll %s/%s: %v", ing.Name, w.addr, w.field, err)
			continue
		}
		events[key] = evts
	}

	for _, f := range ing.Fields {
		if evts, ok := events[f.Target+"\x00"+f.Selector]; ok {
			f.Value = evts
		}
	}
	return ing.PostIngest(ctx, l.rt.Sink)
}

func (l *aptosLogger) cursorKey(w *aptosWatch) string {
	return cache.LastBlockKey(w.chainID, w.addr+"/"+w.field)
}

func (l *aptosLogger) poll(ctx context.Context, w *aptosWatch) ([]AptosEvent, error) {
	handle, err := l.rt.Pool.Client(w.chainID)
	if err != nil {
		return nil, err
	}

	w.mu.Lock()
	if w.nextSeq < 0 {
		w.nextSeq = 0
		if b, ok, _ := l.rt.Cache.Get(ctx, l.cursorKey(w)); ok {
			if n, err := strconv.ParseInt(string(b), 10, 64); err == nil {
				w.nextSeq = n
			}
		}
	}
	start := w.nextSeq
	w.mu.Unlock()

	path := fmt.Sprintf("/v1/accounts/%s/events/%s/%s?start=%d&limit=100",
		url.PathEscape(w.addr), url.PathEscape(w.handle), url.PathEscape(w.field), start)

	var lastErr error
	for retry := 0; retry < l.rt.Args.MaxRetries; retry++ {
		var raw []struct {
			SequenceNumber string `json:"sequence_number"`
			Type           string `json:"type"`
			Data           any    `json:"data"`
		}
		if err := handle.GetJSON(ctx, path, &raw); err != nil {
			lastErr = err
			continue
		}
		if len(raw) == 0 {
			return nil, nil
		}

		events := make([]AptosEvent, 0, len(raw))
		next := start
		for _, e := range raw {
			seq, err := strconv.ParseUint(e.SequenceNumber, 10, 64)
			if err != nil {
				log.Printf("[AptosLogger] dropping event with bad sequence %q on %s: %v", e.SequenceNumber, w.addr, err)
				continue
			}
			events = append(events, AptosEvent{SequenceNumber: seq, Type: e.Type, Data: e.Data})
			if int64(seq)+1 > next {
				next = int64(seq) + 1
			}
		}

		w.mu.Lock()
		w.nextSeq = next
		w.mu.Unlock()
		if err := l.rt.Cache.Set(ctx, l.cursorKey(w), []byte(strconv.FormatInt(next, 10)), 0); err != nil {
			log.Printf("[AptosLogger] failed to persist cursor for %s: %v", w.addr, err)
		}
		return events, nil
	}
	return nil, fmt.Errorf("giving up on %s after %d retries: %w", w.addr, l.rt.Args.MaxRetries, lastErr)
}
