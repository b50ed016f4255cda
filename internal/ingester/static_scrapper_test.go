package ingester

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"chomp/internal/model"
)

func TestStaticScrapperExtraction(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`<html><body>
			<div class="stats"><span id="tvl"> $1,234,567 </span></div>
			<table><tr><td class="rank">1</td></tr></table>
		</body></html>`))
	}))
	defer srv.Close()

	rt := testRuntime(t)
	ing := &model.Ingester{
		Name:        "defi_stats",
		Type:        model.TypeStaticScrapper,
		IntervalSec: 60,
		Fields: []*model.Field{
			{Name: "tvl", Target: srv.URL, Selector: "span#tvl"},
			{Name: "rank", Target: srv.URL, Selector: "td.rank"},
			{Name: "missing", Target: srv.URL, Selector: "div#nope"},
		},
	}
	fn, err := newStaticScrapper(rt, ing)
	if err != nil {
		t.Fatalf("setup: %v", err)
	}
	if err := fn(context.Background(), ing); err != nil {
		t.Fatalf("ingest: %v", err)
	}

	if got := ing.Field("tvl").Value; got != "$1,234,567" {
		t.Errorf("tvl = %q", got)
	}
	if got := ing.Field("rank").Value; got != "1" {
		t.Errorf("rank = %q", got)
	}
	if got := ing.Field("missing").Value; got != nil {
		t.Errorf("missing = %v, want nil", got)
	}
}

func TestStaticScrapperRequiresSelector(t *testing.T) {
	rt := testRuntime(t)
	ing := &model.Ingester{
		Name:        "bad",
		Type:        model.TypeStaticScrapper,
		IntervalSec: 60,
		Fields:      []*model.Field{{Name: "v", Target: "http://example.com"}},
	}
	if _, err := newStaticScrapper(rt, ing); err == nil {
		t.Error("expected setup error for empty selector")
	}
}
