package ingester

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"chomp/internal/cache"
	"chomp/internal/model"
	"chomp/internal/runtime"
)

func testRuntime(t *testing.T) *runtime.Runtime {
	t.Helper()
	mr := miniredis.RunT(t)
	rt, err := runtime.New(context.Background(), runtime.Args{
		ProcID:           "test",
		RedisAddr:        mr.Addr(),
		TSDBAdapter:      "noop",
		MaxRetries:       3,
		IngestionTimeout: 10 * time.Second,
		Standalone:       true,
	})
	if err != nil {
		t.Fatalf("runtime: %v", err)
	}
	t.Cleanup(rt.Close)
	return rt
}

func TestHTTPAPISelectorExtraction(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"a":[{"b":42}],"c":"ok"}`))
	}))
	defer srv.Close()

	rt := testRuntime(t)
	ing := &model.Ingester{
		Name:        "api_feed",
		Type:        model.TypeHTTPAPI,
		Interval:    "s10",
		IntervalSec: 10,
		Fields: []*model.Field{
			{Name: "val", Target: srv.URL, Selector: ".a[0].b"},
			{Name: "status", Target: srv.URL, Selector: ".c"},
		},
	}
	fn, err := newHTTPAPI(rt, ing)
	if err != nil {
		t.Fatalf("setup: %v", err)
	}
	if err := fn(context.Background(), ing); err != nil {
		t.Fatalf("ingest: %v", err)
	}

	if got := ing.Field("val").Value; got != float64(42) {
		t.Errorf("val = %v (%T), want 42", got, got)
	}
	if got := ing.Field("status").Value; got != "ok" {
		t.Errorf("status = %v", got)
	}

	// The tick also refreshed the cache snapshot.
	snap, err := rt.Cache.GetMap(context.Background(), cache.IngesterKey("api_feed"))
	if err != nil || snap == nil {
		t.Fatalf("snapshot missing: %v", err)
	}
	if snap["val"] != float64(42) {
		t.Errorf("cached val = %v", snap["val"])
	}
}

func TestHTTPAPIHeadersAndMethod(t *testing.T) {
	var gotMethod, gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotAuth = r.Header.Get("X-Api-Key")
		w.Write([]byte(`{"v":1}`))
	}))
	defer srv.Close()

	rt := testRuntime(t)
	ing := &model.Ingester{
		Name:        "api_post",
		Type:        model.TypeHTTPAPI,
		IntervalSec: 10,
		Fields:      []*model.Field{{Name: "v", Target: srv.URL, Selector: ".v"}},
		Options:     map[string]string{"method": "post", "header_X-Api-Key": "secret"},
	}
	fn, err := newHTTPAPI(rt, ing)
	if err != nil {
		t.Fatalf("setup: %v", err)
	}
	if err := fn(context.Background(), ing); err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if gotMethod != http.MethodPost {
		t.Errorf("method = %s", gotMethod)
	}
	if gotAuth != "secret" {
		t.Errorf("header = %q", gotAuth)
	}
}

func TestHTTPAPISharedTargetFetchedOnce(t *testing.T) {
	hits := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		w.Write([]byte(`{"bid":1.0,"ask":2.0}`))
	}))
	defer srv.Close()

	rt := testRuntime(t)
	ing := &model.Ingester{
		Name:        "quotes",
		Type:        model.TypeHTTPAPI,
		IntervalSec: 10,
		Fields: []*model.Field{
			{Name: "bid", Target: srv.URL, Selector: ".bid"},
			{Name: "ask", Target: srv.URL, Selector: ".ask"},
		},
	}
	fn, err := newHTTPAPI(rt, ing)
	if err != nil {
		t.Fatalf("setup: %v", err)
	}
	if err := fn(context.Background(), ing); err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if hits != 1 {
		t.Errorf("fields sharing a target should share one request, got %d", hits)
	}
	if ing.Field("bid").Value != 1.0 || ing.Field("ask").Value != 2.0 {
		t.Errorf("values = %v %v", ing.Field("bid").Value, ing.Field("ask").Value)
	}
}

func TestHTTPAPIBadSelector(t *testing.T) {
	rt := testRuntime(t)
	ing := &model.Ingester{
		Name:        "bad",
		Type:        model.TypeHTTPAPI,
		IntervalSec: 10,
		Fields:      []*model.Field{{Name: "v", Target: "http://example.com", Selector: ".a[["}},
	}
	if _, err := newHTTPAPI(rt, ing); err == nil {
		t.Error("expected setup error for malformed selector")
	}
}
