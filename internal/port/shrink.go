package port

import (
	"context"
	"fmt"
	"reflect"
	"strconv"
)

// ShrinkReturns shrinks handler returns against the output ports.
func (c *Codec) ShrinkReturns(ctx context.Context, ports []*Port, values map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(ports))
	for _, p := range ports {
		v, err := c.shrink(ctx, p, values[p.Key], p.Key)
		if err != nil {
			return nil, err
		}
		out[p.Key] = v
	}
	return out, nil
}

// Shrink converts an in-process value into its wire form for p.
func (c *Codec) Shrink(ctx context.Context, p *Port, value any) (any, error) {
	return c.shrink(ctx, p, value, p.Key)
}

func (c *Codec) shrink(ctx context.Context, p *Port, value any, path string) (any, error) {
	if isNil(value) {
		switch {
		case p.Nullable:
			return nil, nil
		case p.Default != nil:
			return p.Default, nil
		default:
			return nil, shrinkErr(path, "value is required", nil)
		}
	}

	switch p.Kind {
	case KindInt, KindFloat, KindBool, KindString:
		out, ok := coerce(p.Kind, value)
		if !ok {
			return nil, shrinkErr(path, fmt.Sprintf("expected %s, got %s", kindName(p.Kind), typeName(value)), nil)
		}
		return out, nil

	case KindList:
		rv := reflect.ValueOf(value)
		if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
			return nil, shrinkErr(path, fmt.Sprintf("expected list, got %s", typeName(value)), nil)
		}
		out := make([]any, rv.Len())
		for i := 0; i < rv.Len(); i++ {
			v, err := c.shrink(ctx, p.Child, rv.Index(i).Interface(), joinPath(path, strconv.Itoa(i)))
			if err != nil {
				return nil, err
			}
			out[i] = v
		}
		return out, nil

	case KindDict:
		rv := reflect.ValueOf(value)
		if rv.Kind() != reflect.Map || rv.Type().Key().Kind() != reflect.String {
			return nil, shrinkErr(path, fmt.Sprintf("expected dict, got %s", typeName(value)), nil)
		}
		out := make(map[string]any, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			key := iter.Key().String()
			v, err := c.shrink(ctx, p.Child, iter.Value().Interface(), joinPath(path, key))
			if err != nil {
				return nil, err
			}
			out[key] = v
		}
		return out, nil

	case KindStructure:
		st, err := c.structure(p.Identifier)
		if err != nil {
			return nil, shrinkErr(path, "cannot shrink structure", err)
		}
		handle, err := st.Shrink(ctx, value)
		if err != nil {
			return nil, shrinkErr(path, fmt.Sprintf("cannot shrink %s", p.Identifier), err)
		}
		return handle, nil
	}

	return nil, shrinkErr(path, fmt.Sprintf("unknown kind %q", p.Kind), nil)
}

func isNil(v any) bool {
	if v == nil {
		return true
	}
	switch rv := reflect.ValueOf(v); rv.Kind() {
	case reflect.Ptr, reflect.Interface:
		return rv.IsNil()
	}
	return false
}
