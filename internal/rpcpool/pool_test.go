package rpcpool

import (
	"errors"
	"testing"
	"time"
)

func newTestChainPool(urls ...string) *chainPool {
	eps := make([]*endpoint, 0, len(urls))
	for _, u := range urls {
		eps = append(eps, &endpoint{url: u})
	}
	return &chainPool{endpoints: eps}
}

func TestPickLowestLatency(t *testing.T) {
	cp := newTestChainPool("a", "b", "c")
	cp.endpoints[0].latencyEMA = 50
	cp.endpoints[1].latencyEMA = 10
	cp.endpoints[2].latencyEMA = 200

	if ep := cp.pick(time.Now()); ep.url != "b" {
		t.Errorf("expected b, got %s", ep.url)
	}
}

func TestCooldownAfterConsecutiveFailures(t *testing.T) {
	cp := newTestChainPool("a", "b", "c")
	bad := cp.endpoints[0]
	fail := errors.New("boom")

	cp.record(bad, 0, fail)
	cp.record(bad, 0, fail)
	if !bad.cooldownUntil.IsZero() {
		t.Fatal("endpoint benched before the failure threshold")
	}
	cp.record(bad, 0, fail)
	if bad.cooldownUntil.IsZero() {
		t.Fatal("endpoint not benched after three consecutive failures")
	}

	// While benched, picks go to the remaining endpoints.
	now := time.Now()
	for i := 0; i < 10; i++ {
		if ep := cp.pick(now); ep.url == "a" {
			t.Fatal("picked a cooling-down endpoint while healthy ones exist")
		}
	}
}

func TestCooldownBackoffGrows(t *testing.T) {
	cp := newTestChainPool("a")
	ep := cp.endpoints[0]
	fail := errors.New("boom")

	for i := 0; i < failureThreshold; i++ {
		cp.record(ep, 0, fail)
	}
	first := time.Until(ep.cooldownUntil)
	for i := 0; i < 3; i++ {
		cp.record(ep, 0, fail)
	}
	later := time.Until(ep.cooldownUntil)
	if later <= first {
		t.Errorf("cooldown should grow exponentially: first=%v later=%v", first, later)
	}
}

func TestSuccessResetsFailureState(t *testing.T) {
	cp := newTestChainPool("a")
	ep := cp.endpoints[0]
	fail := errors.New("boom")

	for i := 0; i < 5; i++ {
		cp.record(ep, 0, fail)
	}
	cp.record(ep, 20*time.Millisecond, nil)
	if ep.consecutiveFailures != 0 || !ep.cooldownUntil.IsZero() {
		t.Error("success must clear the failure counter and cooldown")
	}
	if ep.latencyEMA == 0 {
		t.Error("success must feed the latency EMA")
	}
}

func TestPickAllCoolingDownReturnsSoonest(t *testing.T) {
	cp := newTestChainPool("a", "b")
	now := time.Now()
	cp.endpoints[0].cooldownUntil = now.Add(time.Minute)
	cp.endpoints[1].cooldownUntil = now.Add(time.Second)

	if ep := cp.pick(now); ep.url != "b" {
		t.Errorf("expected the soonest-to-recover endpoint, got %s", ep.url)
	}
}

func TestClientUnknownChain(t *testing.T) {
	p := New(10, 10)
	if _, err := p.Client("evm:1"); !errors.Is(err, ErrNoChain) {
		t.Errorf("expected ErrNoChain, got %v", err)
	}
	p.Register("evm:1", []string{"http://localhost:8545"})
	if _, err := p.Client("evm:1"); err != nil {
		t.Errorf("registered chain should yield a handle: %v", err)
	}
}
