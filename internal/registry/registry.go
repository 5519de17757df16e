// Package registry 维护可被编排器调用的接口目录。
package registry

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/duke-git/lancet/v2/cryptor"
	"github.com/duke-git/lancet/v2/maputil"
	"github.com/duke-git/lancet/v2/slice"

	"yqhp/ot2-agent/internal/port"
)

// Entry 是一个已注册接口的全部信息。
type Entry struct {
	Interface          string
	Definition         Definition
	Hash               string
	Invoke             Invoke
	SyncGroups         []string
	Contexts           []string
	States             []string
	Timeout            time.Duration
	RecoverableTimeout bool
	Provide            ProvisionHook
	Unprovide          ProvisionHook

	// Codec 按接口缓存结构体查找。
	Codec *port.Codec
}

// Registry 管理接口的注册和查找。
// 启动后视为只读。
type Registry struct {
	entries    map[string]*Entry
	structures *port.StructureRegistry
	mu         sync.RWMutex
}

// New 创建一个新的注册表；structures 为空时使用空的结构体注册表。
func New(structures *port.StructureRegistry) *Registry {
	if structures == nil {
		structures = port.NewStructureRegistry()
	}
	return &Registry{
		entries:    make(map[string]*Entry),
		structures: structures,
	}
}

// Structures 返回结构体注册表。
func (r *Registry) Structures() *port.StructureRegistry {
	return r.structures
}

// Register 注册接口。
// handler 必须是 Function、Generator、BlockingFunction 或 BlockingGenerator 之一，
// 接口的 Kind 与 Blocking 由 handler 的模板决定。
func (r *Registry) Register(iface string, def Definition, handler any, opts ...Option) error {
	if iface == "" {
		return fmt.Errorf("接口名不能为空")
	}

	kind, blocking, invoke, ok := template(handler)
	if !ok {
		return fmt.Errorf("接口 %s 的处理函数类型不受支持: %T", iface, handler)
	}
	if def.Kind != "" && def.Kind != kind {
		return fmt.Errorf("接口 %s 声明为 %s，但处理函数是 %s", iface, def.Kind, kind)
	}
	def.Kind = kind
	def.Blocking = blocking
	if def.Name == "" {
		def.Name = iface
	}
	if err := def.Validate(); err != nil {
		return fmt.Errorf("接口 %s 定义无效: %w", iface, err)
	}

	entry := &Entry{
		Interface:  iface,
		Definition: def,
		Invoke:     invoke,
		Codec:      port.NewCodec(r.structures),
	}
	for _, opt := range opts {
		if err := opt(entry); err != nil {
			return fmt.Errorf("接口 %s: %w", iface, err)
		}
	}

	hash, err := def.Hash()
	if err != nil {
		return err
	}
	entry.Hash = hash

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.entries[iface]; exists {
		return fmt.Errorf("%w: %s", ErrAlreadyRegistered, iface)
	}
	r.entries[iface] = entry
	return nil
}

// MustRegister 注册接口，如果出错则 panic。
func (r *Registry) MustRegister(iface string, def Definition, handler any, opts ...Option) {
	if err := r.Register(iface, def, handler, opts...); err != nil {
		panic(err)
	}
}

// Lookup 按接口名查找。
func (r *Registry) Lookup(iface string) (*Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.entries[iface]
	return entry, ok
}

// Interfaces 返回排序后的接口名。
func (r *Registry) Interfaces() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := maputil.Keys(r.entries)
	slice.Sort(names)
	return names
}

// Entries 按接口名顺序返回所有条目。
func (r *Registry) Entries() []*Entry {
	names := r.Interfaces()

	r.mu.RLock()
	defer r.mu.RUnlock()

	entries := make([]*Entry, 0, len(names))
	for _, name := range names {
		entries = append(entries, r.entries[name])
	}
	return entries
}

// Count 返回已注册接口数量。
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Hash 返回按接口名排序后的定义摘要，与注册顺序无关。
func (r *Registry) Hash() string {
	var b strings.Builder
	for _, entry := range r.Entries() {
		b.WriteString(entry.Interface)
		b.WriteByte(':')
		b.WriteString(entry.Hash)
		b.WriteByte('\n')
	}
	return cryptor.Sha256(b.String())
}
