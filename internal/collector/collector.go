// Package collector 跟踪各任务返回的结构体句柄，并在任务树结束时释放。
package collector

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"yqhp/ot2-agent/internal/port"
)

var (
	// ErrUnknownParent 表示父任务未被跟踪。
	ErrUnknownParent = errors.New("unknown parent assignation")
	// ErrAlreadyTracked 表示任务 ID 已存在。
	ErrAlreadyTracked = errors.New("assignation already tracked")
)

// Releaser 按结构体标识释放句柄。
type Releaser interface {
	Release(ctx context.Context, identifier, handle string) error
}

type entry struct {
	id       string
	parent   string
	handles  []port.Handle
	children []string
}

// Collector 以任务树的形式保存未释放的句柄。
// 父子关系在 Open 时建立，父任务必须已存在，因此不会出现环。
type Collector struct {
	entries  map[string]*entry
	releaser Releaser
	logger   *zap.Logger
	mu       sync.Mutex
}

// New 创建收集器。
func New(releaser Releaser, logger *zap.Logger) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Collector{
		entries:  make(map[string]*entry),
		releaser: releaser,
		logger:   logger,
	}
}

// Open 开始跟踪任务 id；parent 为空表示根任务。
func (c *Collector) Open(id, parent string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.entries[id]; exists {
		return fmt.Errorf("%w: %s", ErrAlreadyTracked, id)
	}
	if parent != "" {
		p, ok := c.entries[parent]
		if !ok {
			return fmt.Errorf("%w: %s", ErrUnknownParent, parent)
		}
		p.children = append(p.children, id)
	}
	c.entries[id] = &entry{id: id, parent: parent}
	return nil
}

// Has 检查任务是否被跟踪。
func (c *Collector) Has(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.entries[id]
	return ok
}

// Add 追加任务的句柄。
func (c *Collector) Add(id string, handles []port.Handle) error {
	if len(handles) == 0 {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[id]
	if !ok {
		return fmt.Errorf("assignation %s is not tracked", id)
	}
	e.handles = append(e.handles, handles...)
	return nil
}

// Outstanding 返回 id 子树中未释放的句柄数。
func (c *Collector) Outstanding(id string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.count(id)
}

func (c *Collector) count(id string) int {
	e, ok := c.entries[id]
	if !ok {
		return 0
	}
	n := len(e.handles)
	for _, child := range e.children {
		n += c.count(child)
	}
	return n
}

// Len 返回被跟踪的任务数。
func (c *Collector) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// DrainTree 释放 id 及其所有后代的句柄并移除这些条目。
// 后序遍历：子任务按创建的逆序先释放，最后释放自身句柄。
// 返回已尝试释放的句柄数。
func (c *Collector) DrainTree(ctx context.Context, id string) int {
	c.mu.Lock()
	var pending []port.Handle
	c.detach(id)
	pending = c.drain(id, pending)
	c.mu.Unlock()

	c.release(ctx, id, pending)
	return len(pending)
}

// drain 调用方必须持有锁。
func (c *Collector) drain(id string, acc []port.Handle) []port.Handle {
	e, ok := c.entries[id]
	if !ok {
		return acc
	}
	for i := len(e.children) - 1; i >= 0; i-- {
		acc = c.drain(e.children[i], acc)
	}
	for i := len(e.handles) - 1; i >= 0; i-- {
		acc = append(acc, e.handles[i])
	}
	delete(c.entries, id)
	return acc
}

// detach 将 id 从父任务的子列表中移除。调用方必须持有锁。
func (c *Collector) detach(id string) {
	e, ok := c.entries[id]
	if !ok || e.parent == "" {
		return
	}
	p, ok := c.entries[e.parent]
	if !ok {
		return
	}
	for i, child := range p.children {
		if child == id {
			p.children = append(p.children[:i], p.children[i+1:]...)
			return
		}
	}
}

// ReleaseOwn 只释放 id 自身的句柄，不影响兄弟和后代；条目保留到根任务清理。
func (c *Collector) ReleaseOwn(ctx context.Context, id string) int {
	c.mu.Lock()
	e, ok := c.entries[id]
	if !ok {
		c.mu.Unlock()
		return 0
	}
	pending := make([]port.Handle, 0, len(e.handles))
	for i := len(e.handles) - 1; i >= 0; i-- {
		pending = append(pending, e.handles[i])
	}
	e.handles = nil
	c.mu.Unlock()

	c.release(ctx, id, pending)
	return len(pending)
}

func (c *Collector) release(ctx context.Context, id string, handles []port.Handle) {
	if c.releaser == nil {
		return
	}
	for _, h := range handles {
		if err := c.releaser.Release(ctx, h.Identifier, h.Handle); err != nil {
			c.logger.Warn("release handle failed",
				zap.String("assignation", id),
				zap.String("identifier", h.Identifier),
				zap.String("handle", h.Handle),
				zap.Error(err))
		}
	}
}
