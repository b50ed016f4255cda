package ingester

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"chomp/internal/cache"
	"chomp/internal/model"
	"chomp/internal/runtime"
	"chomp/internal/scheduler"
)

// processor is the dependency-consuming ingester: it reads upstream field
// snapshots from the cache, runs the registered handler (or a default
// projection) and stores the outputs like any other ingester.
type processor struct {
	rt      *runtime.Runtime
	handler model.HandlerFunc
}

func newProcessor(rt *runtime.Runtime, ing *model.Ingester) (scheduler.IngestFn, error) {
	p := &processor{rt: rt}
	if ing.Handler != "" {
		// Resolved once per ingester lifetime; an unknown name fails setup.
		fn, err := model.LookupHandler(ing.Handler)
		if err != nil {
			return nil, err
		}
		p.handler = fn
	}
	return p.ingest, nil
}

func (p *processor) ingest(ctx context.Context, ing *model.Ingester) error {
	ing.PreIngest()

	// Upstream ingesters fire at wall-clock boundaries; waiting half the
	// interval maximizes the chance their latest value is already cached.
	wait := time.Duration(ing.IntervalSec) * time.Second / 2
	if wait > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}

	inputs := map[string]map[string]any{}
	haveData := false
	for _, dep := range ing.Dependencies() {
		snap, err := p.rt.Cache.GetMap(ctx, cache.IngesterKey(dep))
		if err != nil {
			log.Printf("[Processor] %s: reading %s: %v", ing.Name, dep, err)
		}
		if snap != nil {
			haveData = true
		}
		inputs[dep] = snap
	}
	if !haveData {
		log.Printf("[Processor] no dependency data available for %s", ing.Name)
	}

	var results map[string]any
	if p.handler != nil {
		out, err := p.handler(ing, inputs)
		if err != nil {
			// Whole tick dropped; no partial store.
			return fmt.Errorf("handler for %s: %w", ing.Name, err)
		}
		results = out
	} else {
		// Default projection: copy each selected upstream field.
		results = map[string]any{}
		for _, f := range ing.Fields {
			upstream, fieldName, ok := strings.Cut(f.Selector, ".")
			if !ok {
				continue
			}
			if snap := inputs[upstream]; snap != nil {
				results[f.Name] = snap[fieldName]
			}
		}
	}

	for _, f := range ing.Fields {
		if v, ok := results[f.Name]; ok {
			f.Value = v
		} else if f.Selector == "" {
			log.Printf("[Processor] %s: handler did not return value for field %s", ing.Name, f.Name)
		}
	}
	return ing.PostIngest(ctx, p.rt.Sink)
}
