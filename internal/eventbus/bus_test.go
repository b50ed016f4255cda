package eventbus

import (
	"sync"
	"testing"
	"time"
)

func TestBus_SubscribeAndPublish(t *testing.T) {
	bus := New()
	defer bus.Close()

	received := make(chan Record, 10)
	bus.Subscribe("eth_price", received)

	bus.Publish(Record{
		Ingester:  "eth_price",
		Timestamp: time.Now(),
		Fields:    map[string]any{"usd": 2500.0},
	})

	select {
	case rec := <-received:
		if rec.Ingester != "eth_price" {
			t.Errorf("expected eth_price, got %s", rec.Ingester)
		}
		if rec.Fields["usd"] != 2500.0 {
			t.Errorf("expected usd 2500, got %v", rec.Fields["usd"])
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for record")
	}
}

func TestBus_MultipleSubscribers(t *testing.T) {
	bus := New()
	defer bus.Close()

	ch1 := make(chan Record, 10)
	ch2 := make(chan Record, 10)
	bus.Subscribe("eth_price", ch1)
	bus.Subscribe("eth_price", ch2)

	bus.Publish(Record{Ingester: "eth_price"})

	for _, ch := range []chan Record{ch1, ch2} {
		select {
		case <-ch:
		case <-time.After(time.Second):
			t.Fatal("subscriber did not receive record")
		}
	}
}

func TestBus_NameFiltering(t *testing.T) {
	bus := New()
	defer bus.Close()

	ethCh := make(chan Record, 10)
	btcCh := make(chan Record, 10)
	allCh := make(chan Record, 10)
	bus.Subscribe("eth_price", ethCh)
	bus.Subscribe("btc_price", btcCh)
	bus.Subscribe(All, allCh)

	bus.Publish(Record{Ingester: "eth_price"})

	select {
	case <-ethCh:
	case <-time.After(time.Second):
		t.Fatal("eth subscriber did not receive record")
	}

	select {
	case <-allCh:
	case <-time.After(time.Second):
		t.Fatal("wildcard subscriber did not receive record")
	}

	select {
	case <-btcCh:
		t.Fatal("btc subscriber should NOT receive eth_price record")
	case <-time.After(50 * time.Millisecond):
		// good
	}
}

func TestBus_Unsubscribe(t *testing.T) {
	bus := New()
	defer bus.Close()

	ch := make(chan Record, 10)
	bus.Subscribe("eth_price", ch)
	bus.Unsubscribe("eth_price", ch)

	bus.Publish(Record{Ingester: "eth_price"})

	select {
	case <-ch:
		t.Fatal("unsubscribed channel should not receive records")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestBus_PublishBatch(t *testing.T) {
	bus := New()
	defer bus.Close()

	received := make(chan Record, 100)
	bus.Subscribe("eth_price", received)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			bus.Publish(Record{Ingester: "eth_price"})
		}()
	}
	wg.Wait()

	time.Sleep(100 * time.Millisecond)
	if len(received) != 50 {
		t.Errorf("expected 50 records, got %d", len(received))
	}
}
