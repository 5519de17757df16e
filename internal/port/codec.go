package port

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"strconv"
	"sync"

	"golang.org/x/sync/errgroup"
)

// Codec expands incoming wire values and shrinks outgoing values against ports.
// A Codec caches structure lookups; the scheduler keeps one per interface.
type Codec struct {
	structures *StructureRegistry

	mu    sync.RWMutex
	cache map[string]*StructureType
}

// NewCodec creates a codec backed by structures. A nil registry only
// supports ports without STRUCTURE kinds.
func NewCodec(structures *StructureRegistry) *Codec {
	if structures == nil {
		structures = NewStructureRegistry()
	}
	return &Codec{
		structures: structures,
		cache:      make(map[string]*StructureType),
	}
}

// Structures returns the registry the codec resolves identifiers against.
func (c *Codec) Structures() *StructureRegistry {
	return c.structures
}

func (c *Codec) structure(identifier string) (*StructureType, error) {
	c.mu.RLock()
	st, ok := c.cache[identifier]
	c.mu.RUnlock()
	if ok {
		return st, nil
	}

	st, ok = c.structures.Get(identifier)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownStructure, identifier)
	}

	c.mu.Lock()
	c.cache[identifier] = st
	c.mu.Unlock()
	return st, nil
}

// ExpandArgs expands a wire argument map against ports.
// Missing keys are treated as null and keys without a port are dropped.
func (c *Codec) ExpandArgs(ctx context.Context, ports []*Port, args map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(ports))
	for _, p := range ports {
		v, err := c.expand(ctx, p, args[p.Key], p.Key)
		if err != nil {
			return nil, err
		}
		out[p.Key] = v
	}
	return out, nil
}

// Expand expands a single wire value against p.
func (c *Codec) Expand(ctx context.Context, p *Port, value any) (any, error) {
	return c.expand(ctx, p, value, p.Key)
}

func (c *Codec) expand(ctx context.Context, p *Port, value any, path string) (any, error) {
	if value == nil {
		switch {
		case p.Default != nil:
			value = p.Default
		case p.Nullable:
			return nil, nil
		default:
			return nil, expansionErr(path, "value is required", nil)
		}
	}

	var (
		out any
		err error
	)
	switch p.Kind {
	case KindInt, KindFloat, KindBool, KindString:
		out, err = c.expandPrimitive(p, value, path)
	case KindList:
		out, err = c.expandList(ctx, p, value, path)
	case KindDict:
		out, err = c.expandDict(ctx, p, value, path)
	case KindStructure:
		out, err = c.expandStructure(ctx, p, value, path)
	default:
		err = expansionErr(path, fmt.Sprintf("unknown kind %q", p.Kind), nil)
	}
	if err != nil {
		return nil, err
	}

	for _, v := range p.Validators {
		if reason := v.apply(out); reason != "" {
			return nil, expansionErr(path, reason, nil)
		}
	}
	return out, nil
}

func (c *Codec) expandPrimitive(p *Port, value any, path string) (any, error) {
	out, ok := coerce(p.Kind, value)
	if ok {
		return out, nil
	}
	if p.Default != nil {
		if out, ok = coerce(p.Kind, p.Default); ok {
			return out, nil
		}
	}
	return nil, expansionErr(path, fmt.Sprintf("expected %s, got %s", kindName(p.Kind), typeName(value)), nil)
}

func (c *Codec) expandList(ctx context.Context, p *Port, value any, path string) (any, error) {
	rv := reflect.ValueOf(value)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return nil, expansionErr(path, fmt.Sprintf("expected list, got %s", typeName(value)), nil)
	}

	out := make([]any, rv.Len())
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < rv.Len(); i++ {
		i, elem := i, rv.Index(i).Interface()
		g.Go(func() error {
			v, err := c.expand(gctx, p.Child, elem, joinPath(path, strconv.Itoa(i)))
			if err != nil {
				return err
			}
			out[i] = v
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Codec) expandDict(ctx context.Context, p *Port, value any, path string) (any, error) {
	rv := reflect.ValueOf(value)
	if rv.Kind() != reflect.Map || rv.Type().Key().Kind() != reflect.String {
		return nil, expansionErr(path, fmt.Sprintf("expected dict, got %s", typeName(value)), nil)
	}

	out := make(map[string]any, rv.Len())
	iter := rv.MapRange()
	for iter.Next() {
		key := iter.Key().String()
		v, err := c.expand(ctx, p.Child, iter.Value().Interface(), joinPath(path, key))
		if err != nil {
			return nil, err
		}
		out[key] = v
	}
	return out, nil
}

func (c *Codec) expandStructure(ctx context.Context, p *Port, value any, path string) (any, error) {
	handle, ok := value.(string)
	if !ok {
		return nil, expansionErr(path, fmt.Sprintf("expected structure handle, got %s", typeName(value)), nil)
	}
	st, err := c.structure(p.Identifier)
	if err != nil {
		return nil, expansionErr(path, "cannot expand structure", err)
	}
	out, err := st.Expand(ctx, handle)
	if err != nil {
		return nil, expansionErr(path, fmt.Sprintf("cannot expand %s handle %q", p.Identifier, handle), err)
	}
	return out, nil
}

// coerce converts a primitive value to the in-process type of kind:
// INT -> int, FLOAT -> float64, BOOL -> bool, STRING -> string.
// Integral floats are accepted for INT; ints widen to FLOAT.
func coerce(kind Kind, value any) (any, bool) {
	if n, ok := value.(json.Number); ok {
		if i, err := n.Int64(); err == nil {
			value = i
		} else if f, err := n.Float64(); err == nil {
			value = f
		} else {
			return nil, false
		}
	}

	switch kind {
	case KindInt:
		switch n := value.(type) {
		case int:
			return n, true
		case int8, int16, int32, int64:
			return int(reflect.ValueOf(n).Int()), true
		case uint, uint8, uint16, uint32, uint64:
			u := reflect.ValueOf(n).Uint()
			if u > math.MaxInt64 {
				return nil, false
			}
			return int(u), true
		case float32, float64:
			f, _ := toFloat(n)
			if f != math.Trunc(f) || math.IsInf(f, 0) || f < math.MinInt64 || f >= math.MaxInt64 {
				return nil, false
			}
			return int(f), true
		}
	case KindFloat:
		if f, ok := toFloat(value); ok {
			return f, true
		}
	case KindBool:
		if b, ok := value.(bool); ok {
			return b, true
		}
	case KindString:
		if s, ok := value.(string); ok {
			return s, true
		}
	}
	return nil, false
}

func kindName(k Kind) string {
	switch k {
	case KindInt:
		return "int"
	case KindFloat:
		return "float"
	case KindBool:
		return "bool"
	case KindString:
		return "string"
	}
	return string(k)
}

func typeName(v any) string {
	if v == nil {
		return "null"
	}
	return reflect.TypeOf(v).String()
}
