package port

import (
	"github.com/duke-git/lancet/v2/maputil"
	"github.com/duke-git/lancet/v2/slice"
)

// Handle is an outstanding structure reference found in shrunk returns.
type Handle struct {
	Identifier string
	Handle     string
}

// CollectHandles walks the output ports over shrunk returns and returns every
// (identifier, handle) pair, in port order.
func CollectHandles(ports []*Port, shrunk map[string]any) []Handle {
	var handles []Handle
	for _, p := range ports {
		handles = collect(p, shrunk[p.Key], handles)
	}
	return handles
}

func collect(p *Port, value any, acc []Handle) []Handle {
	if value == nil {
		return acc
	}
	switch p.Kind {
	case KindStructure:
		if h, ok := value.(string); ok {
			acc = append(acc, Handle{Identifier: p.Identifier, Handle: h})
		}
	case KindList:
		if items, ok := value.([]any); ok {
			for _, item := range items {
				acc = collect(p.Child, item, acc)
			}
		}
	case KindDict:
		if m, ok := value.(map[string]any); ok {
			keys := maputil.Keys(m)
			slice.Sort(keys)
			for _, k := range keys {
				acc = collect(p.Child, m[k], acc)
			}
		}
	}
	return acc
}
