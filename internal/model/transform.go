package model

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// TransformFunc is a pure per-field value transformer applied during
// post-ingest. Transformers are referenced by name from the config file;
// parameterized ones use a name:param form (e.g. "scale:1e-6").
type TransformFunc func(any) (any, error)

var ErrUnknownTransformer = errors.New("unknown transformer")

func toFloat(v any) (float64, error) {
	switch x := v.(type) {
	case float64:
		return x, nil
	case float32:
		return float64(x), nil
	case int:
		return float64(x), nil
	case int64:
		return float64(x), nil
	case uint64:
		return float64(x), nil
	case string:
		return strconv.ParseFloat(x, 64)
	default:
		return 0, fmt.Errorf("not numeric: %T", v)
	}
}

var transformers = map[string]TransformFunc{
	"round2": func(v any) (any, error) {
		f, err := toFloat(v)
		if err != nil {
			return nil, err
		}
		return math.Round(f*100) / 100, nil
	},
	"abs": func(v any) (any, error) {
		f, err := toFloat(v)
		if err != nil {
			return nil, err
		}
		return math.Abs(f), nil
	},
	"float": func(v any) (any, error) {
		return toFloat(v)
	},
	"int": func(v any) (any, error) {
		f, err := toFloat(v)
		if err != nil {
			return nil, err
		}
		return int64(f), nil
	},
	"lower": func(v any) (any, error) {
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("not a string: %T", v)
		}
		return strings.ToLower(s), nil
	},
	"upper": func(v any) (any, error) {
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("not a string: %T", v)
		}
		return strings.ToUpper(s), nil
	},
	"hex": func(v any) (any, error) {
		switch x := v.(type) {
		case []byte:
			return fmt.Sprintf("0x%x", x), nil
		case int64:
			return fmt.Sprintf("0x%x", x), nil
		case uint64:
			return fmt.Sprintf("0x%x", x), nil
		default:
			return nil, fmt.Errorf("cannot hex-encode %T", v)
		}
	},
}

func lookupTransformer(spec string) (TransformFunc, error) {
	if tf, ok := transformers[spec]; ok {
		return tf, nil
	}
	name, param, ok := strings.Cut(spec, ":")
	if ok && name == "scale" {
		factor, err := strconv.ParseFloat(param, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: bad scale factor %q", ErrUnknownTransformer, param)
		}
		return func(v any) (any, error) {
			f, err := toFloat(v)
			if err != nil {
				return nil, err
			}
			return f * factor, nil
		}, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownTransformer, spec)
}

// BindTransformers resolves every field's transformer names to functions.
// Called once at config load; an unknown name is a config error.
func (ing *Ingester) BindTransformers() error {
	for _, f := range ing.Fields {
		f.transforms = f.transforms[:0]
		for _, spec := range f.Transformers {
			tf, err := lookupTransformer(spec)
			if err != nil {
				return fmt.Errorf("ingester %s field %s: %w", ing.Name, f.Name, err)
			}
			f.transforms = append(f.transforms, tf)
		}
	}
	return nil
}
