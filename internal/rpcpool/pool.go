// Package rpcpool maintains per-chain sets of upstream RPC endpoints with
// health tracking and transparent failover. Callers get a thin Handle whose
// contract is "call method M with args A"; endpoint selection, latency
// accounting and cooldown rotation are invisible to them.
package rpcpool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	gorpc "github.com/ethereum/go-ethereum/rpc"
	"golang.org/x/time/rate"
)

var ErrNoChain = errors.New("no endpoints registered for chain")
var ErrAllCoolingDown = errors.New("all endpoints cooling down")

const (
	// Consecutive failures before an endpoint is benched.
	failureThreshold = 3
	// Cooldown cap; backoff is 2^(failures-threshold) seconds up to this.
	maxCooldown = 5 * time.Minute
	// EMA smoothing for per-endpoint latency.
	emaAlpha = 0.3
)

type endpoint struct {
	url string

	// Lazily dialed JSON-RPC client. go-ethereum's rpc.Client is
	// protocol-generic, so the same transport serves EVM, Solana and Sui
	// JSON-RPC endpoints alike.
	client *gorpc.Client

	latencyEMA          float64 // milliseconds
	consecutiveFailures int
	cooldownUntil       time.Time
}

type chainPool struct {
	mu        sync.Mutex
	endpoints []*endpoint
	limiter   *rate.Limiter
	http      *http.Client
}

// Pool holds one chainPool per chain id. Request dispatch is safe for
// parallel use; endpoint state updates are serialized per chain.
type Pool struct {
	mu     sync.RWMutex
	chains map[string]*chainPool
	rps    rate.Limit
	burst  int
}

func New(requestsPerSecond float64, burst int) *Pool {
	if requestsPerSecond <= 0 {
		requestsPerSecond = 20
	}
	if burst <= 0 {
		burst = 40
	}
	return &Pool{
		chains: make(map[string]*chainPool),
		rps:    rate.Limit(requestsPerSecond),
		burst:  burst,
	}
}

// Register installs the ordered endpoint list for a chain. Calling it again
// for the same chain replaces the set.
func (p *Pool) Register(chainID string, urls []string) {
	eps := make([]*endpoint, 0, len(urls))
	for _, u := range urls {
		eps = append(eps, &endpoint{url: u})
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.chains[chainID] = &chainPool{
		endpoints: eps,
		limiter:   rate.NewLimiter(p.rps, p.burst),
		http:      &http.Client{Timeout: 30 * time.Second},
	}
}

// Client returns the rotating handle for a chain.
func (p *Pool) Client(chainID string) (*Handle, error) {
	p.mu.RLock()
	cp := p.chains[chainID]
	p.mu.RUnlock()
	if cp == nil || len(cp.endpoints) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoChain, chainID)
	}
	return &Handle{cp: cp, chainID: chainID}, nil
}

func (p *Pool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, cp := range p.chains {
		cp.mu.Lock()
		for _, ep := range cp.endpoints {
			if ep.client != nil {
				ep.client.Close()
				ep.client = nil
			}
		}
		cp.mu.Unlock()
	}
}

// pick selects the endpoint with the lowest latency EMA among those not in
// cooldown. When everything is benched, the endpoint whose cooldown expires
// soonest is returned so a lone flaky chain still makes progress.
func (cp *chainPool) pick(now time.Time) *endpoint {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	var best, soonest *endpoint
	for _, ep := range cp.endpoints {
		if now.Before(ep.cooldownUntil) {
			if soonest == nil || ep.cooldownUntil.Before(soonest.cooldownUntil) {
				soonest = ep
			}
			continue
		}
		if best == nil || ep.latencyEMA < best.latencyEMA {
			best = ep
		}
	}
	if best == nil {
		return soonest
	}
	return best
}

func (cp *chainPool) record(ep *endpoint, elapsed time.Duration, err error) {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	if err != nil {
		ep.consecutiveFailures++
		if ep.consecutiveFailures >= failureThreshold {
			n := ep.consecutiveFailures - failureThreshold
			cool := time.Duration(1<<uint(min(n, 8))) * time.Second
			if cool > maxCooldown {
				cool = maxCooldown
			}
			ep.cooldownUntil = time.Now().Add(cool)
		}
		return
	}
	ep.consecutiveFailures = 0
	ep.cooldownUntil = time.Time{}
	ms := float64(elapsed) / float64(time.Millisecond)
	if ep.latencyEMA == 0 {
		ep.latencyEMA = ms
	} else {
		ep.latencyEMA = emaAlpha*ms + (1-emaAlpha)*ep.latencyEMA
	}
}

func (cp *chainPool) dial(ctx context.Context, ep *endpoint) (*gorpc.Client, error) {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	if ep.client != nil {
		return ep.client, nil
	}
	c, err := gorpc.DialContext(ctx, ep.url)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", ep.url, err)
	}
	ep.client = c
	return c, nil
}

// Handle is the caller-facing surface of one chain's pool.
type Handle struct {
	cp      *chainPool
	chainID string
}

func (h *Handle) ChainID() string {
	return h.chainID
}

// Call issues a single JSON-RPC request against the healthiest endpoint.
func (h *Handle) Call(ctx context.Context, result any, method string, args ...any) error {
	if err := h.cp.limiter.Wait(ctx); err != nil {
		return err
	}
	ep := h.cp.pick(time.Now())
	client, err := h.cp.dial(ctx, ep)
	if err != nil {
		h.cp.record(ep, 0, err)
		return err
	}
	start := time.Now()
	err = client.CallContext(ctx, result, method, args...)
	h.cp.record(ep, time.Since(start), err)
	if err != nil {
		return fmt.Errorf("rpc %s on %s: %w", method, h.chainID, err)
	}
	return nil
}

// BatchCall issues a JSON-RPC batch on one endpoint; partial per-element
// errors are left in the batch for the caller to inspect.
func (h *Handle) BatchCall(ctx context.Context, batch []gorpc.BatchElem) error {
	if err := h.cp.limiter.Wait(ctx); err != nil {
		return err
	}
	ep := h.cp.pick(time.Now())
	client, err := h.cp.dial(ctx, ep)
	if err != nil {
		h.cp.record(ep, 0, err)
		return err
	}
	start := time.Now()
	err = client.BatchCallContext(ctx, batch)
	h.cp.record(ep, time.Since(start), err)
	if err != nil {
		return fmt.Errorf("rpc batch on %s: %w", h.chainID, err)
	}
	return nil
}

// GetJSON fetches a REST path relative to the selected endpoint and decodes
// the JSON body. Used by chains whose node API is REST (Aptos, TON) rather than
// JSON-RPC; the same health accounting applies.
func (h *Handle) GetJSON(ctx context.Context, path string, out any) error {
	if err := h.cp.limiter.Wait(ctx); err != nil {
		return err
	}
	ep := h.cp.pick(time.Now())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ep.url+path, nil)
	if err != nil {
		return err
	}
	start := time.Now()
	resp, err := h.cp.http.Do(req)
	if err != nil {
		h.cp.record(ep, 0, err)
		return fmt.Errorf("rest %s on %s: %w", path, h.chainID, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		err = fmt.Errorf("rest %s on %s: status %s", path, h.chainID, resp.Status)
		h.cp.record(ep, 0, err)
		io.Copy(io.Discard, resp.Body)
		return err
	}
	h.cp.record(ep, time.Since(start), nil)
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("rest decode %s: %w", path, err)
	}
	return nil
}
