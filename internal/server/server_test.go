package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"chomp/internal/cache"
	"chomp/internal/runtime"
)

func testServer(t *testing.T) (*Server, *runtime.Runtime) {
	t.Helper()
	mr := miniredis.RunT(t)
	rt, err := runtime.New(context.Background(), runtime.Args{
		ProcID:      "test",
		RedisAddr:   mr.Addr(),
		TSDBAdapter: "noop",
		Standalone:  true,
	})
	if err != nil {
		t.Fatalf("runtime: %v", err)
	}
	t.Cleanup(rt.Close)
	return New(rt), rt
}

func TestPing(t *testing.T) {
	s, _ := testServer(t)
	srv := httptest.NewServer(s.srv.Handler)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/ping")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d", resp.StatusCode)
	}
	var body map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body["status"] != "ok" {
		t.Errorf("body = %v", body)
	}
}

func TestLastServesCacheSnapshot(t *testing.T) {
	s, rt := testServer(t)
	srv := httptest.NewServer(s.srv.Handler)
	defer srv.Close()

	err := rt.Cache.SetMap(context.Background(), cache.IngesterKey("eth_price"),
		map[string]any{"usd": 2500.0}, time.Minute)
	if err != nil {
		t.Fatal(err)
	}

	resp, err := http.Get(srv.URL + "/last/eth_price")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body["usd"] != 2500.0 {
		t.Errorf("body = %v", body)
	}

	resp, err = http.Get(srv.URL + "/last/absent")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("absent ingester: status = %d", resp.StatusCode)
	}
}

func TestAdminDisabledWithoutSecret(t *testing.T) {
	t.Setenv("CHOMP_JWT_SECRET", "")
	s, _ := testServer(t)
	srv := httptest.NewServer(s.srv.Handler)
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/admin/ingesters/x/pause", "", nil)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("status = %d, want 403", resp.StatusCode)
	}
}

func TestAdminRejectsBadToken(t *testing.T) {
	t.Setenv("CHOMP_JWT_SECRET", "sekrit")
	s, _ := testServer(t)
	srv := httptest.NewServer(s.srv.Handler)
	defer srv.Close()

	req, _ := http.NewRequest(http.MethodPost, srv.URL+"/admin/ingesters/x/pause", nil)
	req.Header.Set("Authorization", "Bearer not-a-jwt")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", resp.StatusCode)
	}
}
