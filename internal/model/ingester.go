// Package model holds the declarative ingester schema shared by the
// scheduler, the source adapters and the storage sink.
package model

import (
	"context"
	"log"
	"strings"
	"time"
)

type IngesterType string

const (
	TypeHTTPAPI        IngesterType = "http_api"
	TypeWSAPI          IngesterType = "ws_api"
	TypeStaticScrapper IngesterType = "static_scrapper"
	TypeEVMCaller      IngesterType = "evm_caller"
	TypeEVMLogger      IngesterType = "evm_logger"
	TypeSolanaCaller   IngesterType = "solana_caller"
	TypeSolanaLogger   IngesterType = "solana_logger"
	TypeSuiCaller      IngesterType = "sui_caller"
	TypeSuiLogger      IngesterType = "sui_logger"
	TypeAptosLogger    IngesterType = "aptos_logger"
	TypeTONCaller      IngesterType = "ton_caller"
	TypeTONLogger      IngesterType = "ton_logger"
	TypeProcessor      IngesterType = "processor"
)

var ingesterTypes = map[IngesterType]bool{
	TypeHTTPAPI: true, TypeWSAPI: true, TypeStaticScrapper: true,
	TypeEVMCaller: true, TypeEVMLogger: true,
	TypeSolanaCaller: true, TypeSolanaLogger: true,
	TypeSuiCaller: true, TypeSuiLogger: true,
	TypeAptosLogger: true, TypeTONCaller: true, TypeTONLogger: true,
	TypeProcessor: true,
}

func ValidType(t IngesterType) bool {
	return ingesterTypes[t]
}

type FieldType string

const (
	FieldNumeric    FieldType = "numeric"
	FieldString     FieldType = "string"
	FieldBytes      FieldType = "bytes"
	FieldStructured FieldType = "structured"
)

// Field is one column of an ingester's output.
type Field struct {
	Name         string
	Type         FieldType
	Target       string
	Selector     string
	Transformers []string
	// Value holds the result of the most recent successful tick, or nil.
	Value any

	transforms []TransformFunc
}

// Ingester is a declarative unit that on each tick acquires data from one
// source family and stores fielded records. Its name doubles as the
// claim-lock key and the cache/table name, so it must be unique and stable.
type Ingester struct {
	Name        string
	Type        IngesterType
	Interval    string
	IntervalSec int64
	Fields      []*Field
	// Handler names a registered processor function; only meaningful for
	// processor-type ingesters.
	Handler string
	// Options carries adapter-specific settings from the config file
	// (HTTP method/headers, WS subscription template, ...).
	Options map[string]string

	LastTickAt time.Time

	deps []string
}

func (ing *Ingester) Field(name string) *Field {
	for _, f := range ing.Fields {
		if f.Name == name {
			return f
		}
	}
	return nil
}

// Option returns an adapter option with a fallback default.
func (ing *Ingester) Option(key, def string) string {
	if v, ok := ing.Options[key]; ok && v != "" {
		return v
	}
	return def
}

// Dependencies returns the unique upstream ingester names referenced by
// field selectors of the form <upstream>.<field>. Computed once.
func (ing *Ingester) Dependencies() []string {
	if ing.deps != nil {
		return ing.deps
	}
	seen := map[string]bool{}
	deps := []string{}
	for _, f := range ing.Fields {
		upstream, _, ok := strings.Cut(f.Selector, ".")
		if !ok || upstream == "" {
			continue
		}
		if !seen[upstream] {
			seen[upstream] = true
			deps = append(deps, upstream)
		}
	}
	ing.deps = deps
	return deps
}

// FieldMap snapshots the current field values.
func (ing *Ingester) FieldMap() map[string]any {
	m := make(map[string]any, len(ing.Fields))
	for _, f := range ing.Fields {
		m[f.Name] = f.Value
	}
	return m
}

// CacheTTL is how long a field snapshot stays readable: two intervals, so
// the latest value survives one missed tick.
func (ing *Ingester) CacheTTL() time.Duration {
	return 2 * time.Duration(ing.IntervalSec) * time.Second
}

// PreIngest resets transient field values and records the tick start.
func (ing *Ingester) PreIngest() {
	ing.LastTickAt = time.Now().UTC()
	for _, f := range ing.Fields {
		f.Value = nil
	}
}

// Sink receives completed records; implemented by internal/sink.
type Sink interface {
	Store(ctx context.Context, ing *Ingester) error
}

// PostIngest applies each field's transformers in order and forwards the
// record to the sink. A failing transformer nulls that field only; the
// record is still stored with the remaining fields.
func (ing *Ingester) PostIngest(ctx context.Context, s Sink) error {
	for _, f := range ing.Fields {
		if f.Value == nil {
			continue
		}
		for i, tf := range f.transforms {
			v, err := tf(f.Value)
			if err != nil {
				log.Printf("[%s] transformer %s failed on field %s: %v", ing.Name, f.Transformers[i], f.Name, err)
				f.Value = nil
				break
			}
			f.Value = v
		}
	}
	return s.Store(ctx, ing)
}
