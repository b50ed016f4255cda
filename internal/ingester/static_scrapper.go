package ingester

import (
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"chomp/internal/model"
	"chomp/internal/runtime"
	"chomp/internal/scheduler"
)

// staticScrapper fetches HTML pages and extracts field values with CSS
// selectors. Fields sharing a target share one fetch per tick.
type staticScrapper struct {
	rt      *runtime.Runtime
	client  *http.Client
	targets []string
}

func newStaticScrapper(rt *runtime.Runtime, ing *model.Ingester) (scheduler.IngestFn, error) {
	a := &staticScrapper{
		rt:     rt,
		client: &http.Client{Timeout: 30 * time.Second},
	}
	seen := map[string]bool{}
	for _, f := range ing.Fields {
		if f.Target == "" {
			return nil, fmt.Errorf("%w: field %s has no URL", ErrInvalidTarget, f.Name)
		}
		if f.Selector == "" {
			return nil, fmt.Errorf("field %s: empty CSS selector", f.Name)
		}
		if !seen[f.Target] {
			seen[f.Target] = true
			a.targets = append(a.targets, f.Target)
		}
	}
	return a.ingest, nil
}

func (a *staticScrapper) fetch(ctx context.Context, url string) (*goquery.Document, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", "chomp/1.0")
	resp, err := a.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		io.Copy(io.Discard, resp.Body)
		return nil, fmt.Errorf("%s: status %s", url, resp.Status)
	}
	return goquery.NewDocumentFromReader(resp.Body)
}

func (a *staticScrapper) ingest(ctx context.Context, ing *model.Ingester) error {
	ing.PreIngest()

	docs := make(map[string]*goquery.Document, len(a.targets))
	for _, url := range a.targets {
		doc, err := a.fetch(ctx, url)
		if err != nil {
			log.Printf("[Scrapper] %s: %v", ing.Name, err)
			continue
		}
		docs[url] = doc
	}

	for _, f := range ing.Fields {
		doc, ok := docs[f.Target]
		if !ok {
			continue
		}
		text := strings.TrimSpace(doc.Find(f.Selector).First().Text())
		if text != "" {
			f.Value = text
		}
	}
	return ing.PostIngest(ctx, a.rt.Sink)
}
