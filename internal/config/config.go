// Package config loads the declarative ingester fleet definition from a
// YAML file and validates it into model ingesters.
package config

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"chomp/internal/interval"
	"chomp/internal/model"
)

var ErrConfig = errors.New("config error")

type FieldConfig struct {
	Name         string   `yaml:"name"`
	Type         string   `yaml:"type"`
	Target       string   `yaml:"target"`
	Selector     string   `yaml:"selector"`
	Transformers []string `yaml:"transformers"`
}

type IngesterConfig struct {
	Name     string            `yaml:"name"`
	Type     string            `yaml:"type"`
	Interval string            `yaml:"interval"`
	Handler  string            `yaml:"handler"`
	Fields   []FieldConfig     `yaml:"fields"`
	Options  map[string]string `yaml:"options"`
}

type Config struct {
	// Chains maps a chain id to its ordered RPC endpoint URLs.
	Chains    map[string][]string `yaml:"chains"`
	Ingesters []IngesterConfig    `yaml:"ingesters"`
}

func Load(path string) (*Config, []*model.Ingester, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrConfig, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrConfig, err)
	}

	ingesters, err := build(&cfg)
	if err != nil {
		return nil, nil, err
	}
	return &cfg, ingesters, nil
}

func build(cfg *Config) ([]*model.Ingester, error) {
	seen := map[string]bool{}
	var out []*model.Ingester
	for _, ic := range cfg.Ingesters {
		if ic.Name == "" {
			return nil, fmt.Errorf("%w: ingester with empty name", ErrConfig)
		}
		if seen[ic.Name] {
			return nil, fmt.Errorf("%w: duplicate ingester %q", ErrConfig, ic.Name)
		}
		seen[ic.Name] = true

		typ := model.IngesterType(ic.Type)
		if !model.ValidType(typ) {
			return nil, fmt.Errorf("%w: ingester %s has unknown type %q", ErrConfig, ic.Name, ic.Type)
		}
		if ic.Handler != "" && typ != model.TypeProcessor {
			return nil, fmt.Errorf("%w: ingester %s declares a handler but is not a processor", ErrConfig, ic.Name)
		}

		sec, err := interval.Parse(ic.Interval)
		if err != nil {
			return nil, fmt.Errorf("%w: ingester %s: %v", ErrConfig, ic.Name, err)
		}

		ing := &model.Ingester{
			Name:        ic.Name,
			Type:        typ,
			Interval:    ic.Interval,
			IntervalSec: sec,
			Handler:     ic.Handler,
			Options:     ic.Options,
		}
		if len(ic.Fields) == 0 {
			return nil, fmt.Errorf("%w: ingester %s has no fields", ErrConfig, ic.Name)
		}
		fieldNames := map[string]bool{}
		for _, fc := range ic.Fields {
			if fc.Name == "" {
				return nil, fmt.Errorf("%w: ingester %s has a field with empty name", ErrConfig, ic.Name)
			}
			if fieldNames[fc.Name] {
				return nil, fmt.Errorf("%w: ingester %s has duplicate field %q", ErrConfig, ic.Name, fc.Name)
			}
			fieldNames[fc.Name] = true
			ft := model.FieldType(fc.Type)
			if ft == "" {
				ft = model.FieldNumeric
			}
			ing.Fields = append(ing.Fields, &model.Field{
				Name:         fc.Name,
				Type:         ft,
				Target:       fc.Target,
				Selector:     fc.Selector,
				Transformers: fc.Transformers,
			})
		}
		if err := ing.BindTransformers(); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrConfig, err)
		}
		out = append(out, ing)
	}

	if err := checkCycles(out); err != nil {
		return nil, err
	}
	return out, nil
}

// checkCycles rejects cyclic processor dependencies with Kahn's algorithm.
// Edges only exist between processors: a dependency on a source ingester
// can never close a cycle.
func checkCycles(ingesters []*model.Ingester) error {
	processors := map[string]*model.Ingester{}
	for _, ing := range ingesters {
		if ing.Type == model.TypeProcessor {
			processors[ing.Name] = ing
		}
	}

	indegree := map[string]int{}
	dependents := map[string][]string{}
	for name := range processors {
		indegree[name] = 0
	}
	for name, ing := range processors {
		for _, dep := range ing.Dependencies() {
			if _, ok := processors[dep]; ok {
				indegree[name]++
				dependents[dep] = append(dependents[dep], name)
			}
		}
	}

	queue := []string{}
	for name, deg := range indegree {
		if deg == 0 {
			queue = append(queue, name)
		}
	}
	visited := 0
	for len(queue) > 0 {
		name := queue[0]
		queue = queue[1:]
		visited++
		for _, next := range dependents[name] {
			indegree[next]--
			if indegree[next] == 0 {
				queue = append(queue, next)
			}
		}
	}
	if visited != len(processors) {
		var stuck []string
		for name, deg := range indegree {
			if deg > 0 {
				stuck = append(stuck, name)
			}
		}
		return fmt.Errorf("%w: cyclic processor dependencies involving %v", ErrConfig, stuck)
	}
	return nil
}
