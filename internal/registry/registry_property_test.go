package registry

import (
	"context"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"yqhp/ot2-agent/internal/port"
)

// TestRegistryHashOrderProperty: 相同接口集合按不同顺序注册，哈希相同
func TestRegistryHashOrderProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100

	properties := gopter.NewProperties(parameters)

	properties.Property("hash is independent of insertion order", prop.ForAll(
		func(names []string, seed int64) bool {
			names = distinct(names)
			shuffled := shuffle(names, seed)

			r1 := New(nil)
			r2 := New(nil)
			for _, name := range names {
				if err := r1.Register(name, definitionFor(name), Function(noop)); err != nil {
					return false
				}
			}
			for _, name := range shuffled {
				if err := r2.Register(name, definitionFor(name), Function(noop)); err != nil {
					return false
				}
			}
			return r1.Hash() == r2.Hash()
		},
		gen.SliceOf(gen.Identifier()),
		gen.Int64(),
	))

	properties.TestingRun(t)
}

func noop(context.Context, Values) (Values, error) { return Values{}, nil }

func definitionFor(name string) Definition {
	return Definition{
		Description: "generated " + name,
		Args:        []*port.Port{port.Int(name + "_n").WithDefault(len(name))},
		Returns:     []*port.Port{port.String("out")},
	}
}

func distinct(names []string) []string {
	seen := make(map[string]bool)
	out := make([]string, 0, len(names))
	for _, n := range names {
		if n == "" || seen[n] {
			continue
		}
		seen[n] = true
		out = append(out, n)
	}
	return out
}

// shuffle is a deterministic permutation driven by seed.
func shuffle(names []string, seed int64) []string {
	out := append([]string(nil), names...)
	x := uint64(seed) | 1
	for i := len(out) - 1; i > 0; i-- {
		x ^= x << 13
		x ^= x >> 7
		x ^= x << 17
		j := int(x % uint64(i+1))
		out[i], out[j] = out[j], out[i]
	}
	return out
}
