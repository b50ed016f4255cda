package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"chomp/internal/model"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ingesters.yml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadValid(t *testing.T) {
	path := writeConfig(t, `
chains:
  "1":
    - https://eth.example.com
    - https://eth-backup.example.com

ingesters:
  - name: eth_price
    type: http_api
    interval: s30
    fields:
      - name: usd
        type: numeric
        target: https://api.example.com/price
        selector: .data.usd
        transformers: [float, round2]
  - name: transfers
    type: evm_logger
    interval: m1
    fields:
      - name: events
        type: structured
        target: "1:0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48"
        selector: "Transfer(address indexed from, address indexed to, uint256 value)"
  - name: derived
    type: processor
    interval: m1
    fields:
      - name: usd_copy
        selector: eth_price.usd
`)

	cfg, ingesters, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(cfg.Chains["1"]) != 2 {
		t.Errorf("chains = %v", cfg.Chains)
	}
	if len(ingesters) != 3 {
		t.Fatalf("expected 3 ingesters, got %d", len(ingesters))
	}
	if ingesters[0].IntervalSec != 30 {
		t.Errorf("interval_sec = %d", ingesters[0].IntervalSec)
	}
	if ingesters[2].Type != model.TypeProcessor {
		t.Errorf("type = %s", ingesters[2].Type)
	}
	if deps := ingesters[2].Dependencies(); len(deps) != 1 || deps[0] != "eth_price" {
		t.Errorf("deps = %v", deps)
	}
}

func TestLoadInvalidInterval(t *testing.T) {
	path := writeConfig(t, `
ingesters:
  - name: bad
    type: http_api
    interval: x9
    fields:
      - name: v
        target: https://example.com
`)
	if _, _, err := Load(path); !errors.Is(err, ErrConfig) {
		t.Errorf("expected ErrConfig, got %v", err)
	}
}

func TestLoadUnknownType(t *testing.T) {
	path := writeConfig(t, `
ingesters:
  - name: bad
    type: carrier_pigeon
    interval: s5
    fields:
      - name: v
`)
	if _, _, err := Load(path); !errors.Is(err, ErrConfig) {
		t.Errorf("expected ErrConfig, got %v", err)
	}
}

func TestLoadUnknownTransformer(t *testing.T) {
	path := writeConfig(t, `
ingesters:
  - name: bad
    type: http_api
    interval: s5
    fields:
      - name: v
        target: https://example.com
        transformers: [frobnicate]
`)
	if _, _, err := Load(path); !errors.Is(err, ErrConfig) {
		t.Errorf("expected ErrConfig, got %v", err)
	}
}

func TestLoadDuplicateName(t *testing.T) {
	path := writeConfig(t, `
ingesters:
  - name: twin
    type: http_api
    interval: s5
    fields: [{name: v, target: "https://example.com"}]
  - name: twin
    type: http_api
    interval: s5
    fields: [{name: v, target: "https://example.com"}]
`)
	if _, _, err := Load(path); !errors.Is(err, ErrConfig) {
		t.Errorf("expected ErrConfig, got %v", err)
	}
}

func TestCyclicProcessorsRejected(t *testing.T) {
	path := writeConfig(t, `
ingesters:
  - name: a
    type: processor
    interval: s5
    fields: [{name: x, selector: b.y}]
  - name: b
    type: processor
    interval: s5
    fields: [{name: y, selector: a.x}]
`)
	if _, _, err := Load(path); !errors.Is(err, ErrConfig) {
		t.Errorf("expected ErrConfig for cycle, got %v", err)
	}
}

func TestProcessorChainAccepted(t *testing.T) {
	path := writeConfig(t, `
ingesters:
  - name: source
    type: http_api
    interval: s5
    fields: [{name: v, target: "https://example.com", selector: .v}]
  - name: first
    type: processor
    interval: s5
    fields: [{name: x, selector: source.v}]
  - name: second
    type: processor
    interval: s5
    fields: [{name: y, selector: first.x}]
`)
	if _, _, err := Load(path); err != nil {
		t.Errorf("acyclic chain rejected: %v", err)
	}
}

func TestHandlerOnNonProcessorRejected(t *testing.T) {
	path := writeConfig(t, `
ingesters:
  - name: bad
    type: http_api
    interval: s5
    handler: some_handler
    fields: [{name: v, target: "https://example.com"}]
`)
	if _, _, err := Load(path); !errors.Is(err, ErrConfig) {
		t.Errorf("expected ErrConfig, got %v", err)
	}
}
