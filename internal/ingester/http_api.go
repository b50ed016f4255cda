package ingester

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/theory/jsonpath"

	"chomp/internal/model"
	"chomp/internal/runtime"
	"chomp/internal/scheduler"
)

// httpAPI polls JSON HTTP endpoints. Fields sharing a target share one
// request (and one connection) per tick; each field extracts its value with
// a JSONPath selector.
type httpAPI struct {
	rt     *runtime.Runtime
	client *http.Client
	// Compiled selector per field name.
	paths map[string]*jsonpath.Path
	// Unique targets in field order.
	targets []string
}

// compileSelector accepts both RFC 9535 paths ("$.a.b[0]") and the bare
// dotted form (".a.b[0]") used throughout config files.
func compileSelector(sel string) (*jsonpath.Path, error) {
	if strings.HasPrefix(sel, ".") {
		sel = "$" + sel
	}
	p, err := jsonpath.Parse(sel)
	if err != nil {
		return nil, fmt.Errorf("selector %q: %w", sel, err)
	}
	return p, nil
}

func newHTTPAPI(rt *runtime.Runtime, ing *model.Ingester) (scheduler.IngestFn, error) {
	a := &httpAPI{
		rt:     rt,
		client: &http.Client{Timeout: 30 * time.Second},
		paths:  map[string]*jsonpath.Path{},
	}
	seen := map[string]bool{}
	for _, f := range ing.Fields {
		if f.Target == "" {
			return nil, fmt.Errorf("%w: field %s has no URL", ErrInvalidTarget, f.Name)
		}
		if !seen[f.Target] {
			seen[f.Target] = true
			a.targets = append(a.targets, f.Target)
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

func (a *httpAPI) fetch(ctx context.Context, ing *model.Ingester, url string) (any, error) {
	method := strings.ToUpper(ing.Option("method", http.MethodGet))
	var body io.Reader
	if b := ing.Option("body", ""); b != "" {
		body = strings.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", "chomp/1.0")
	if ct := ing.Option("content_type", ""); ct != "" {
		req.Header.Set("Content-Type", ct)
	}
	for k, v := range ing.Options {
		if name, ok := strings.CutPrefix(k, "header_"); ok {
			req.Header.Set(name, v)
		}
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		io.Copy(io.Discard, resp.Body)
		return nil, fmt.Errorf("%s: status %s", url, resp.Status)
	}

	var doc any
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return nil, fmt.Errorf("decode %s: %w", url, err)
	}
	return doc, nil
}

func (a *httpAPI) ingest(ctx context.Context, ing *model.Ingester) error {
	ing.PreIngest()

	docs := make(map[string]any, len(a.targets))
	for _, url := range a.targets {
		doc, err := a.fetch(ctx, ing, url)
		if err != nil {
			log.Printf("[HTTPAPI] %s: %v", ing.Name, err)
			continue
		}
		docs[url] = doc
	}

	for _, f := range ing.Fields {
		doc, ok := docs[f.Target]
		if !ok {
			continue
		}
		p := a.paths[f.Name]
		if p == nil {
			f.Value = doc
			continue
		}
		if nodes := p.Select(doc); len(nodes) > 0 {
			f.Value = nodes[0]
		}
	}
	return ing.PostIngest(ctx, a.rt.Sink)
}
