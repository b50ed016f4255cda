package ingester

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"

	"github.com/theory/jsonpath"

	"chomp/internal/cache"
	"chomp/internal/model"
	"chomp/internal/runtime"
	"chomp/internal/scheduler"
)

// suiCaller reads object state via sui_getObject; the field selector is a
// JSONPath into the object's content.
type suiCaller struct {
	rt    *runtime.Runtime
	paths map[string]*jsonpath.Path
}

func newSuiCaller(rt *runtime.Runtime, ing *model.Ingester) (scheduler.IngestFn, error) {
	a := &suiCaller{rt: rt, paths: map[string]*jsonpath.Path{}}
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

func (a *suiCaller) ingest(ctx context.Context, ing *model.Ingester) error {
	ing.PreIngest()

	for _, f := range ing.Fields {
		chainID, objectID, _ := splitChainAddr(f.Target)
		handle, err := a.rt.Pool.Client(chainID)
		if err != nil {
			log.Printf("[SuiCaller] %s: %v", ing.Name, err)
			continue
		}
		var res struct {
			Data struct {
				Content any `json:"content"`
			} `json:"data"`
		}
		err = handle.Call(ctx, &res, "sui_getObject", objectID,
			map[string]any{"showContent": true})
		if err != nil {
			log.Printf("[SuiCaller] %s: %s: %v", ing.Name, objectID, err)
			continue
		}
		if p := a.paths[f.Name]; p != nil {
			if nodes := p.Select(res.Data.Content); len(nodes) > 0 {
				f.Value = nodes[0]
			}
		} else {
			f.Value = res.Data.Content
		}
	}
	return ing.PostIngest(ctx, a.rt.Sink)
}

// suiLogger polls Move events by type via suix_queryEvents with a persisted
// pagination cursor; same cursor discipline as the EVM logger.
type suiLogger struct {
	rt      *runtime.Runtime
	ing     *model.Ingester
	watches map[string]*suiWatch
}

type suiWatch struct {
	chainID   string
	eventType string
	cacheAddr string

	mu     sync.Mutex
	cursor json.RawMessage
}

// SuiEvent is one Move event with its parsed payload.
type SuiEvent struct {
	TxDigest   string `msgpack:"tx_digest"`
	Type       string `msgpack:"type"`
	ParsedJSON any    `msgpack:"parsed_json"`
}

func newSuiLogger(rt *runtime.Runtime, ing *model.Ingester) (scheduler.IngestFn, error) {
	l := &suiLogger{rt: rt, ing: ing, watches: map[string]*suiWatch{}}
	for _, f := range ing.Fields {
		chainID, _, err := splitChainAddr(f.Target)
		if err != nil {
			return nil, err
		}
		if f.Selector == "" {
			return nil, fmt.Errorf("%w: field %s needs a Move event type", ErrInvalidSignature, f.Name)
		}
		key := f.Target + "\x00" + f.Selector
		if l.watches[key] == nil {
			l.watches[key] = &suiWatch{
				chainID:   chainID,
				eventType: f.Selector,
				cacheAddr: f.Selector,
			}
		}
	}
	return l.ingest, nil
}

func (l *suiLogger) ingest(ctx context.Context, ing *model.Ingester) error {
	ing.PreIngest()

	events := map[string][]SuiEvent{}
	for key, w := range l.watches {
		evts, err := l.poll(ctx, w)
		if err != nil {
			log.Printf("[SuiLogger] %s: failed to poll %s: %v", ing.Name, w.eventType, err)
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

func (l *suiLogger) poll(ctx context.Context, w *suiWatch) ([]SuiEvent, error) {
	handle, err := l.rt.Pool.Client(w.chainID)
	if err != nil {
		return nil, err
	}

	w.mu.Lock()
	if w.cursor == nil {
		if b, ok, _ := l.rt.Cache.Get(ctx, cache.LastBlockKey(w.chainID, w.cacheAddr)); ok {
			w.cursor = json.RawMessage(b)
		}
	}
	cursor := w.cursor
	w.mu.Unlock()

	var cursorArg any
	if cursor != nil {
		cursorArg = cursor
	}

	var lastErr error
	for retry := 0; retry < l.rt.Args.MaxRetries; retry++ {
		var res struct {
			Data []struct {
				ID struct {
					TxDigest string `json:"txDigest"`
				} `json:"id"`
				Type       string `json:"type"`
				ParsedJSON any    `json:"parsedJson"`
			} `json:"data"`
			NextCursor json.RawMessage `json:"nextCursor"`
		}
		err := handle.Call(ctx, &res, "suix_queryEvents",
			map[string]any{"MoveEventType": w.eventType}, cursorArg, 100, false)
		if err != nil {
			lastErr = err
			continue
		}

		events := make([]SuiEvent, 0, len(res.Data))
		for _, e := range res.Data {
			events = append(events, SuiEvent{
				TxDigest:   e.ID.TxDigest,
				Type:       e.Type,
				ParsedJSON: e.ParsedJSON,
			})
		}

		if res.NextCursor != nil {
			w.mu.Lock()
			w.cursor = res.NextCursor
			w.mu.Unlock()
			key := cache.LastBlockKey(w.chainID, w.cacheAddr)
			if err := l.rt.Cache.Set(ctx, key, []byte(res.NextCursor), 0); err != nil {
				log.Printf("[SuiLogger] failed to persist cursor for %s: %v", w.eventType, err)
			}
		}
		return events, nil
	}
	return nil, fmt.Errorf("giving up on %s after %d retries: %w", w.eventType, l.rt.Args.MaxRetries, lastErr)
}
