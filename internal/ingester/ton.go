package ingester

import (
	"context"
	"fmt"
	"log"
	"net/url"
	"strconv"
	"sync"

	"github.com/theory/jsonpath"

	"chomp/internal/cache"
	"chomp/internal/model"
	"chomp/internal/runtime"
	"chomp/internal/scheduler"
)

// tonResult is the toncenter-style REST envelope.
type tonResult[T any] struct {
	OK     bool   `json:"ok"`
	Result T      `json:"result"`
	Error  string `json:"error"`
}

// tonCaller reads account state via getAddressInformation; the field
// selector is a JSONPath into the result object.
type tonCaller struct {
	rt    *runtime.Runtime
	paths map[string]*jsonpath.Path
}

func newTONCaller(rt *runtime.Runtime, ing *model.Ingester) (scheduler.IngestFn, error) {
	a := &tonCaller{rt: rt, paths: map[string]*jsonpath.Path{}}
	for _, f := range ing.Fields {
		if _, _, err := splitChainAddr(f.Target); err != nil {
			return nil, err
		}
		if f.Selector != "" {
			p, err := compileSelector(f.Selector)
			if err != nil {
				return nil, err
			}
			a.paths[f.Name] = p
		}
	}
	return a.ingest, nil
}

func (a *tonCaller) ingest(ctx context.Context, ing *model.Ingester) error {
	ing.PreIngest()

	for _, f := range ing.Fields {
		chainID, addr, _ := splitChainAddr(f.Target)
		handle, err := a.rt.Pool.Client(chainID)
		if err != nil {
			log.Printf("[TONCaller] %s: %v", ing.Name, err)
			continue
		}
		var res tonResult[any]
		path := "/getAddressInformation?address=" + url.QueryEscape(addr)
		if err := handle.GetJSON(ctx, path, &res); err != nil {
			log.Printf("[TONCaller] %s: %s: %v", ing.Name, addr, err)
			continue
		}
		if !res.OK {
			log.Printf("[TONCaller] %s: %s: %s", ing.Name, addr, res.Error)
			continue
		}
		if p := a.paths[f.Name]; p != nil {
			if nodes := p.Select(res.Result); len(nodes) > 0 {
				f.Value = nodes[0]
			}
		} else {
			f.Value = res.Result
		}
	}
	return ing.PostIngest(ctx, a.rt.Sink)
}

// tonLogger polls account transactions with a logical-time cursor; the
// cursor advances to the newest observed lt only on success.
type tonLogger struct {
	rt      *runtime.Runtime
	ing     *model.Ingester
	watches map[string]*tonWatch
}

type tonWatch struct {
	chainID string
	addr    string

	mu     sync.Mutex
	lastLT uint64
}

// TONEvent is one account transaction.
type TONEvent struct {
	LT      uint64 `msgpack:"lt"`
	Hash    string `msgpack:"hash"`
	UTime   int64  `msgpack:"utime"`
	Message any    `msgpack:"in_msg"`
}

func newTONLogger(rt *runtime.Runtime, ing *model.Ingester) (scheduler.IngestFn, error) {
	l := &tonLogger{rt: rt, ing: ing, watches: map[string]*tonWatch{}}
	for _, f := range ing.Fields {
		chainID, addr, err := splitChainAddr(f.Target)
		if err != nil {
			return nil, err
		}
		if l.watches[f.Target] == nil {
			l.watches[f.Target] = &tonWatch{chainID: chainID, addr: addr}
		}
	}
	return l.ingest, nil
}

func (l *tonLogger) ingest(ctx context.Context, ing *model.Ingester) error {
	ing.PreIngest()

	events := map[string][]TONEvent{}
	for target, w := range l.watches {
		evts, err := l.poll(ctx, w)
		if err != nil {
			log.Printf("[TONLogger] %s: failed to poll %s: %v", ing.Name, target, err)
			continue
		}
		events[target] = evts
	}

	for _, f := range ing.Fields {
		if evts, ok := events[f.Target]; ok {
			f.Value = evts
		}
	}
	return ing.PostIngest(ctx, l.rt.Sink)
}

func (l *tonLogger) poll(ctx context.Context, w *tonWatch) ([]TONEvent, error) {
	handle, err := l.rt.Pool.Client(w.chainID)
	if err != nil {
		return nil, err
	}

	w.mu.Lock()
	if w.lastLT == 0 {
		if b, ok, _ := l.rt.Cache.Get(ctx, cache.LastBlockKey(w.chainID, w.addr)); ok {
			if n, err := strconv.ParseUint(string(b), 10, 64); err == nil {
				w.lastLT = n
			}
		}
	}
	since := w.lastLT
	w.mu.Unlock()

	path := fmt.Sprintf("/getTransactions?address=%s&limit=100", url.QueryEscape(w.addr))

	var lastErr error
	for retry := 0; retry < l.rt.Args.MaxRetries; retry++ {
		var res tonResult[[]struct {
			TransactionID struct {
				LT   string `json:"lt"`
				Hash string `json:"hash"`
			} `json:"transaction_id"`
			UTime int64 `json:"utime"`
			InMsg any   `json:"in_msg"`
		}]
		if err := handle.GetJSON(ctx, path, &res); err != nil {
			lastErr = err
			continue
		}
		if !res.OK {
			lastErr = fmt.Errorf("toncenter: %s", res.Error)
			continue
		}

		// Newest first on the wire; keep only lt > cursor, emit oldest first.
		var events []TONEvent
		maxLT := since
		for i := len(res.Result) - 1; i >= 0; i-- {
			tx := res.Result[i]
			lt, err := strconv.ParseUint(tx.TransactionID.LT, 10, 64)
			if err != nil {
				log.Printf("[TONLogger] dropping tx with bad lt %q on %s: %v", tx.TransactionID.LT, w.addr, err)
				continue
			}
			if lt <= since {
				continue
			}
			events = append(events, TONEvent{
				LT:      lt,
				Hash:    tx.TransactionID.Hash,
				UTime:   tx.UTime,
				Message: tx.InMsg,
			})
			if lt > maxLT {
				maxLT = lt
			}
		}

		if maxLT > since {
			w.mu.Lock()
			w.lastLT = maxLT
			w.mu.Unlock()
			key := cache.LastBlockKey(w.chainID, w.addr)
			if err := l.rt.Cache.Set(ctx, key, []byte(strconv.FormatUint(maxLT, 10)), 0); err != nil {
				log.Printf("[TONLogger] failed to persist cursor for %s: %v", w.addr, err)
			}
		}
		return events, nil
	}
	return nil, fmt.Errorf("giving up on %s after %d retries: %w", w.addr, l.rt.Args.MaxRetries, lastErr)
}
