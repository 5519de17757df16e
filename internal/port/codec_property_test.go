package port

import (
	"context"
	"reflect"
	"testing"

	"pgregory.net/rapid"
)

type portCase struct {
	port  *Port
	value any
}

// genPortCase 生成一个端口及其可被展开的线上取值
func genPortCase(depth int) *rapid.Generator[portCase] {
	return rapid.Custom(func(t *rapid.T) portCase {
		kinds := []Kind{KindInt, KindFloat, KindBool, KindString, KindStructure}
		if depth > 0 {
			kinds = append(kinds, KindList, KindDict)
		}
		kind := rapid.SampledFrom(kinds).Draw(t, "kind")

		var pc portCase
		switch kind {
		case KindInt:
			pc = portCase{Int("v"), float64(rapid.IntRange(-1_000_000, 1_000_000).Draw(t, "int"))}
		case KindFloat:
			pc = portCase{Float("v"), rapid.Float64Range(-1e9, 1e9).Draw(t, "float")}
		case KindBool:
			pc = portCase{Bool("v"), rapid.Bool().Draw(t, "bool")}
		case KindString:
			pc = portCase{String("v"), rapid.String().Draw(t, "string")}
		case KindStructure:
			pc = portCase{Structure("v", "@test/item"), "seed-" + rapid.StringMatching(`[a-z]{1,4}`).Draw(t, "handle")}
		case KindList:
			child := genPortCase(depth - 1).Draw(t, "child")
			n := rapid.IntRange(0, 4).Draw(t, "len")
			items := make([]any, n)
			for i := range items {
				items[i] = genValueFor(t, child.port, i)
			}
			pc = portCase{List("v", child.port), items}
		case KindDict:
			child := genPortCase(depth - 1).Draw(t, "child")
			keys := rapid.SliceOfNDistinct(rapid.StringMatching(`[a-z]{1,6}`), 0, 4, rapid.ID[string]).Draw(t, "keys")
			m := make(map[string]any, len(keys))
			for i, k := range keys {
				m[k] = genValueFor(t, child.port, i)
			}
			pc = portCase{Dict("v", child.port), m}
		}

		if rapid.Bool().Draw(t, "nullable") {
			pc.port.AsNullable()
			if rapid.IntRange(0, 4).Draw(t, "null") == 0 {
				pc.value = nil
			}
		}
		return pc
	})
}

// genValueFor draws another wire value matching p.
func genValueFor(t *rapid.T, p *Port, i int) any {
	switch p.Kind {
	case KindInt:
		return float64(rapid.IntRange(-1000, 1000).Draw(t, "elem-int"))
	case KindFloat:
		return rapid.Float64Range(-1e6, 1e6).Draw(t, "elem-float")
	case KindBool:
		return rapid.Bool().Draw(t, "elem-bool")
	case KindString:
		return rapid.String().Draw(t, "elem-string")
	case KindStructure:
		return "seed-" + rapid.StringMatching(`[a-z]{1,4}`).Draw(t, "elem-handle")
	case KindList:
		return []any{genValueFor(t, p.Child, i)}
	case KindDict:
		return map[string]any{"k": genValueFor(t, p.Child, i)}
	}
	return nil
}

// TestExpandShrinkRoundTrip: expand(p, shrink(p, expand(p, v))) == expand(p, v)
func TestExpandShrinkRoundTrip(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		store := newMemoryStore()
		st := store.structureType("@test/item")
		// unknown handles resolve to a derived item so any drawn handle expands
		st.Expand = func(_ context.Context, handle string) (any, error) {
			store.mu.Lock()
			v, ok := store.items[handle]
			store.mu.Unlock()
			if ok {
				return v, nil
			}
			return "item:" + handle, nil
		}

		structures := NewStructureRegistry()
		structures.MustRegister(st)
		c := NewCodec(structures)
		ctx := context.Background()

		pc := genPortCase(2).Draw(t, "case")

		expanded, err := c.Expand(ctx, pc.port, pc.value)
		if err != nil {
			t.Fatalf("expand: %v", err)
		}
		shrunk, err := c.Shrink(ctx, pc.port, expanded)
		if err != nil {
			t.Fatalf("shrink: %v", err)
		}
		again, err := c.Expand(ctx, pc.port, shrunk)
		if err != nil {
			t.Fatalf("expand after shrink: %v", err)
		}
		if !reflect.DeepEqual(expanded, again) {
			t.Fatalf("round trip mismatch: %#v != %#v", expanded, again)
		}
	})
}
