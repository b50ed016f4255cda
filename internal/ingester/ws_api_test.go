package ingester

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"chomp/internal/model"
)

func TestWSAPISnapshotsLatestMessage(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		// Wait for the subscribe frame, then stream two updates; the tick
		// snapshot must observe the latest one.
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
		conn.WriteMessage(websocket.TextMessage, []byte(`{"topic":"ticker","price":41}`))
		conn.WriteMessage(websocket.TextMessage, []byte(`{"topic":"ticker","price":42}`))
		time.Sleep(2 * time.Second)
	}))
	defer srv.Close()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")

	rt := testRuntime(t)
	ing := &model.Ingester{
		Name:        "ws_feed",
		Type:        model.TypeWSAPI,
		IntervalSec: 10,
		Fields: []*model.Field{
			{Name: "price", Target: wsURL, Selector: "ticker|.price"},
			{Name: "raw", Target: wsURL, Selector: "ticker"},
		},
	}
	fn, err := newWSAPI(rt, ing)
	if err != nil {
		t.Fatalf("setup: %v", err)
	}

	// First tick starts the connection; give the stream a moment to land.
	if err := fn(context.Background(), ing); err != nil {
		t.Fatalf("ingest: %v", err)
	}
	deadline := time.Now().Add(3 * time.Second)
	for ing.Field("price").Value == nil && time.Now().Before(deadline) {
		time.Sleep(50 * time.Millisecond)
		if err := fn(context.Background(), ing); err != nil {
			t.Fatalf("ingest: %v", err)
		}
	}

	if got := ing.Field("price").Value; got != float64(42) {
		t.Errorf("price = %v, want 42", got)
	}
	raw, ok := ing.Field("raw").Value.(map[string]any)
	if !ok || raw["topic"] != "ticker" {
		t.Errorf("raw = %#v", ing.Field("raw").Value)
	}
}

func TestWSAPITopicRouting(t *testing.T) {
	c := &wsConn{
		topics:    []string{"trades"},
		topicKeys: []string{"stream", "topic", "channel"},
	}
	if got := c.routeTopic(map[string]any{"stream": "books"}); got != "books" {
		t.Errorf("routed to %q", got)
	}
	// No recognizable key: single-topic connections fall back to their topic.
	if got := c.routeTopic(map[string]any{"data": 1}); got != "trades" {
		t.Errorf("routed to %q", got)
	}
}

func TestWSAPIRequiresTopic(t *testing.T) {
	rt := testRuntime(t)
	ing := &model.Ingester{
		Name:        "bad",
		Type:        model.TypeWSAPI,
		IntervalSec: 10,
		Fields:      []*model.Field{{Name: "v", Target: "ws://example.com", Selector: ""}},
	}
	if _, err := newWSAPI(rt, ing); err == nil {
		t.Error("expected setup error for empty topic")
	}
}
