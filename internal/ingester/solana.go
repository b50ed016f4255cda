package ingester

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"

	"github.com/theory/jsonpath"

	"chomp/internal/cache"
	"chomp/internal/model"
	"chomp/internal/runtime"
	"chomp/internal/scheduler"
)

// solanaCaller reads account state via getAccountInfo and extracts field
// values from the jsonParsed representation with JSONPath selectors.
type solanaCaller struct {
	rt    *runtime.Runtime
	paths map[string]*jsonpath.Path
}

func newSolanaCaller(rt *runtime.Runtime, ing *model.Ingester) (scheduler.IngestFn, error) {
	a := &solanaCaller{rt: rt, paths: map[string]*jsonpath.Path{}}
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

func (a *solanaCaller) ingest(ctx context.Context, ing *model.Ingester) error {
	ing.PreIngest()

	for _, f := range ing.Fields {
		chainID, addr, _ := splitChainAddr(f.Target)
		handle, err := a.rt.Pool.Client(chainID)
		if err != nil {
			log.Printf("[SolanaCaller] %s: %v", ing.Name, err)
			continue
		}
		var res struct {
			Value any `json:"value"`
		}
		err = handle.Call(ctx, &res, "getAccountInfo", addr, map[string]any{"encoding": "jsonParsed"})
		if err != nil {
			log.Printf("[SolanaCaller] %s: %s: %v", ing.Name, addr, err)
			continue
		}
		if p := a.paths[f.Name]; p != nil {
			if nodes := p.Select(res.Value); len(nodes) > 0 {
				f.Value = nodes[0]
			}
		} else {
			f.Value = res.Value
		}
	}
	return ing.PostIngest(ctx, a.rt.Sink)
}

// solanaLogger follows the chain-logger skeleton: per-account signature
// cursor, advanced only after a fully successful fetch+decode pass.
type solanaLogger struct {
	rt      *runtime.Runtime
	ing     *model.Ingester
	watches map[string]*solanaWatch
}

type solanaWatch struct {
	chainID string
	addr    string

	mu      sync.Mutex
	lastSig string
}

// SolanaEvent is one observed transaction with its program log messages.
type SolanaEvent struct {
	Signature string   `msgpack:"signature"`
	Slot      uint64   `msgpack:"slot"`
	Logs      []string `msgpack:"logs"`
}

func newSolanaLogger(rt *runtime.Runtime, ing *model.Ingester) (scheduler.IngestFn, error) {
	l := &solanaLogger{rt: rt, ing: ing, watches: map[string]*solanaWatch{}}
	for _, f := range ing.Fields {
		chainID, addr, err := splitChainAddr(f.Target)
		if err != nil {
			return nil, err
		}
		if l.watches[f.Target] == nil {
			l.watches[f.Target] = &solanaWatch{chainID: chainID, addr: addr}
		}
	}
	return l.ingest, nil
}

func (l *solanaLogger) ingest(ctx context.Context, ing *model.Ingester) error {
	ing.PreIngest()

	events := map[string][]SolanaEvent{}
	for target, w := range l.watches {
		evts, err := l.poll(ctx, w)
		if err != nil {
			log.Printf("[SolanaLogger] %s: failed to poll %s: %v", ing.Name, target, err)
			continue
		}
		events[target] = evts
	}

	for _, f := range ing.Fields {
		evts, ok := events[f.Target]
		if !ok {
			continue
		}
		// Selector filters on log-message substring; empty keeps everything.
		if f.Selector == "" {
			f.Value = evts
			continue
		}
		var matched []SolanaEvent
		for _, e := range evts {
			for _, line := range e.Logs {
				if strings.Contains(line, f.Selector) {
					matched = append(matched, e)
					break
				}
			}
		}
		f.Value = matched
	}
	return ing.PostIngest(ctx, l.rt.Sink)
}

func (l *solanaLogger) poll(ctx context.Context, w *solanaWatch) ([]SolanaEvent, error) {
	handle, err := l.rt.Pool.Client(w.chainID)
	if err != nil {
		return nil, err
	}

	w.mu.Lock()
	if w.lastSig == "" {
		if b, ok, _ := l.rt.Cache.Get(ctx, cache.LastBlockKey(w.chainID, w.addr)); ok {
			w.lastSig = string(b)
		}
	}
	until := w.lastSig
	w.mu.Unlock()

	opts := map[string]any{"limit": 100}
	if until != "" {
		opts["until"] = until
	}

	var lastErr error
	for retry := 0; retry < l.rt.Args.MaxRetries; retry++ {
		var sigs []struct {
			Signature string `json:"signature"`
			Slot      uint64 `json:"slot"`
		}
		if err := handle.Call(ctx, &sigs, "getSignaturesForAddress", w.addr, opts); err != nil {
			lastErr = err
			continue
		}
		if len(sigs) == 0 {
			return nil, nil
		}

		// Newest first on the wire; emit oldest first.
		events := make([]SolanaEvent, 0, len(sigs))
		failed := false
		for i := len(sigs) - 1; i >= 0; i-- {
			var tx struct {
				Meta struct {
					LogMessages []string `json:"logMessages"`
				} `json:"meta"`
			}
			err := handle.Call(ctx, &tx, "getTransaction", sigs[i].Signature,
				map[string]any{"encoding": "json", "maxSupportedTransactionVersion": 0})
			if err != nil {
				lastErr = err
				failed = true
				break
			}
			events = append(events, SolanaEvent{
				Signature: sigs[i].Signature,
				Slot:      sigs[i].Slot,
				Logs:      tx.Meta.LogMessages,
			})
		}
		if failed {
			continue
		}

		newest := sigs[0].Signature
		w.mu.Lock()
		w.lastSig = newest
		w.mu.Unlock()
		key := cache.LastBlockKey(w.chainID, w.addr)
		if err := l.rt.Cache.Set(ctx, key, []byte(newest), 0); err != nil {
			log.Printf("[SolanaLogger] failed to persist cursor for %s: %v", w.addr, err)
		}
		return events, nil
	}
	return nil, fmt.Errorf("giving up on %s after %d retries: %w", w.addr, l.rt.Args.MaxRetries, lastErr)
}
