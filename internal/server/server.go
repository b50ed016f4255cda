// Package server exposes the query API and the real-time WebSocket fan-out
// over the ingestion runtime.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/mux"

	"chomp/internal/cache"
	"chomp/internal/runtime"
)

type Server struct {
	rt  *runtime.Runtime
	hub *Hub
	srv *http.Server
}

func New(rt *runtime.Runtime) *Server {
	s := &Server{rt: rt, hub: newHub(rt)}

	r := mux.NewRouter()
	r.HandleFunc("/ping", s.handlePing).Methods("GET")
	r.HandleFunc("/status", s.handleStatus).Methods("GET")
	r.HandleFunc("/last/{ingester}", s.handleLast).Methods("GET")
	r.HandleFunc("/history/{ingester}", s.handleHistory).Methods("GET")
	r.HandleFunc("/ws", s.handleWebSocket)

	admin := r.PathPrefix("/admin").Subrouter()
	admin.Use(s.jwtMiddleware)
	admin.HandleFunc("/ingesters/{ingester}/pause", s.handlePause).Methods("POST")
	admin.HandleFunc("/ingesters/{ingester}/resume", s.handleResume).Methods("POST")

	s.srv = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", rt.Args.Host, rt.Args.Port),
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
	}
	return s
}

// Start runs the HTTP server and the fan-out hub until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	go s.hub.run(ctx)

	errCh := make(chan error, 1)
	go func() {
		log.Printf("[Server] Listening on %s", s.srv.Addr)
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.srv.Shutdown(shutCtx)
	case err := <-errCh:
		return err
	}
}

func (s *Server) handlePing(w http.ResponseWriter, r *http.Request) {
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	names := s.rt.Scheduler.Names()
	sort.Strings(names)
	json.NewEncoder(w).Encode(map[string]any{
		"proc_id":   s.rt.Args.ProcID,
		"uptime":    time.Since(s.rt.StartedAt).Round(time.Second).String(),
		"ingesters": names,
	})
}

// handleLast serves the cached field snapshot of one ingester.
func (s *Server) handleLast(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["ingester"]
	snap, err := s.rt.Cache.GetMap(r.Context(), cache.IngesterKey(name))
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if snap == nil {
		http.Error(w, "no data", http.StatusNotFound)
		return
	}
	json.NewEncoder(w).Encode(snap)
}

// handleHistory reads the time-series backend over [from, to].
func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["ingester"]
	q := r.URL.Query()

	to := time.Now().UTC()
	from := to.Add(-24 * time.Hour)
	if v := q.Get("from"); v != "" {
		if ts, err := time.Parse(time.RFC3339, v); err == nil {
			from = ts
		}
	}
	if v := q.Get("to"); v != "" {
		if ts, err := time.Parse(time.RFC3339, v); err == nil {
			to = ts
		}
	}
	limit := 0
	if v := q.Get("limit"); v != "" {
		limit, _ = strconv.Atoi(v)
	}

	rows, err := s.rt.TSDB.Query(r.Context(), name, from, to, limit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	json.NewEncoder(w).Encode(rows)
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["ingester"]
	if !s.rt.Scheduler.Pause(name) {
		http.Error(w, "unknown ingester", http.StatusNotFound)
		return
	}
	json.NewEncoder(w).Encode(map[string]string{"status": "paused", "ingester": name})
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["ingester"]
	if !s.rt.Scheduler.Resume(name) {
		http.Error(w, "unknown ingester", http.StatusNotFound)
		return
	}
	json.NewEncoder(w).Encode(map[string]string{"status": "resumed", "ingester": name})
}

// jwtMiddleware guards admin endpoints with an HS256 bearer token. With no
// CHOMP_JWT_SECRET set, admin access is disabled entirely.
func (s *Server) jwtMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		secret := os.Getenv("CHOMP_JWT_SECRET")
		if secret == "" {
			http.Error(w, "admin disabled", http.StatusForbidden)
			return
		}
		auth := r.Header.Get("Authorization")
		tokenStr, ok := strings.CutPrefix(auth, "Bearer ")
		if !ok {
			http.Error(w, "missing bearer token", http.StatusUnauthorized)
			return
		}
		token, err := jwt.Parse(tokenStr, func(t *jwt.Token) (any, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
			}
			return []byte(secret), nil
		})
		if err != nil || !token.Valid {
			http.Error(w, "invalid token", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}
