// Package syncgroup 提供门控处理函数执行阶段的命名同步组。
//
// 排队与等待是分开的：Reserve 立即在组队列中占位，Wait 等到轮到自己。
// 调度器在派发消息时同步占位，因此串行组内的执行顺序就是消息到达的顺序。
package syncgroup

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
)

// ErrAcquisitionCancelled 表示在等待同步组期间上下文被取消。
var ErrAcquisitionCancelled = errors.New("sync group acquisition cancelled")

// Ticket 是组队列中的一个位置。
type Ticket interface {
	// Wait 阻塞直到轮到该位置；取消时放弃位置并返回 ErrAcquisitionCancelled。
	Wait(ctx context.Context) error
	// Release 放弃位置或释放已获得的组，可重复调用。
	Release()
}

// Group 是一个命名的执行区域。
// 不可重入：在持有期间再次获取同一个串行组会死锁。
type Group interface {
	Name() string
	Reserve() Ticket
}

// Serial 是 FIFO 互斥组，同一时刻只有一个持有者。
type Serial struct {
	name    string
	held    bool
	waiters *list.List // *serialTicket
	mu      sync.Mutex
}

// NewSerial 创建一个串行组。
func NewSerial(name string) *Serial {
	return &Serial{
		name:    name,
		waiters: list.New(),
	}
}

// Name 返回组名。
func (g *Serial) Name() string { return g.name }

// Reserve 在队尾占位；组空闲时立即获得。
func (g *Serial) Reserve() Ticket {
	g.mu.Lock()
	defer g.mu.Unlock()

	t := &serialTicket{group: g, ready: make(chan struct{})}
	if !g.held && g.waiters.Len() == 0 {
		g.held = true
		close(t.ready)
		return t
	}
	t.elem = g.waiters.PushBack(t)
	return t
}

// Acquire 占位并等待。
func (g *Serial) Acquire(ctx context.Context) error {
	return g.Reserve().Wait(ctx)
}

// Release 释放通过 Acquire 获得的组。
func (g *Serial) Release() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.grantNextLocked()
}

// grantNextLocked 将组交给队首；没有等待者时置为空闲。调用方必须持有锁。
func (g *Serial) grantNextLocked() {
	if front := g.waiters.Front(); front != nil {
		g.waiters.Remove(front)
		next := front.Value.(*serialTicket)
		next.elem = nil
		close(next.ready)
		return
	}
	g.held = false
}

// Waiting 返回等待者数量。
func (g *Serial) Waiting() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.waiters.Len()
}

// Held 检查组当前是否被持有。
func (g *Serial) Held() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.held
}

type serialTicket struct {
	group *Serial
	ready chan struct{}
	elem  *list.Element
	once  sync.Once
}

func (t *serialTicket) Wait(ctx context.Context) error {
	select {
	case <-t.ready:
		return nil
	case <-ctx.Done():
	}
	// 若取消与授予同时发生，Release 会把组移交给下一个等待者
	t.Release()
	return fmt.Errorf("%w: %s: %v", ErrAcquisitionCancelled, t.group.name, context.Cause(ctx))
}

func (t *serialTicket) Release() {
	t.once.Do(func() {
		g := t.group
		g.mu.Lock()
		defer g.mu.Unlock()

		select {
		case <-t.ready:
			g.grantNextLocked()
		default:
			g.waiters.Remove(t.elem)
			t.elem = nil
		}
	})
}

// Parallel 不做任何限制，使调度器无需区分组类型。
type Parallel struct {
	name string
}

// NewParallel 创建一个并行组。
func NewParallel(name string) *Parallel {
	return &Parallel{name: name}
}

// Name 返回组名。
func (g *Parallel) Name() string { return g.name }

// Reserve 返回立即可用的位置。
func (g *Parallel) Reserve() Ticket { return freeTicket{} }

type freeTicket struct{}

func (freeTicket) Wait(context.Context) error { return nil }
func (freeTicket) Release()                   {}

// Set 按名称解析同步组，首次使用时创建。
// 未列入并行名单的组均为串行组。
type Set struct {
	groups    map[string]Group
	parallel  map[string]bool
	mu        sync.Mutex
	reserveMu sync.Mutex
}

// NewSet 创建同步组集合。
func NewSet(parallel []string) *Set {
	s := &Set{
		groups:   make(map[string]Group),
		parallel: make(map[string]bool, len(parallel)),
	}
	for _, name := range parallel {
		s.parallel[name] = true
	}
	return s
}

// Get 返回指定名称的组。
func (s *Set) Get(name string) Group {
	s.mu.Lock()
	defer s.mu.Unlock()

	g, ok := s.groups[name]
	if !ok {
		if s.parallel[name] {
			g = NewParallel(name)
		} else {
			g = NewSerial(name)
		}
		s.groups[name] = g
	}
	return g
}

// Resolve 将名称列表解析为组列表。
func (s *Set) Resolve(names []string) []Group {
	groups := make([]Group, 0, len(names))
	for _, name := range names {
		groups = append(groups, s.Get(name))
	}
	return groups
}

// Reserve 在所有命名组中原子地占位。
// 经由同一个 Set 的占位在每个共享组中顺序一致，因此多组之间不会死锁。
func (s *Set) Reserve(names []string) *Reservation {
	groups := s.Resolve(names)

	s.reserveMu.Lock()
	defer s.reserveMu.Unlock()

	r := &Reservation{tickets: make([]Ticket, 0, len(groups))}
	for _, g := range groups {
		r.tickets = append(r.tickets, g.Reserve())
	}
	return r
}

// Waiting 返回各串行组的等待者数量。
func (s *Set) Waiting() map[string]int {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]int)
	for name, g := range s.groups {
		if serial, ok := g.(*Serial); ok {
			out[name] = serial.Waiting()
		}
	}
	return out
}

// Reservation 是一组位置。
type Reservation struct {
	tickets []Ticket
}

// Wait 依次等待所有位置。失败时放弃全部位置。
func (r *Reservation) Wait(ctx context.Context) error {
	for _, t := range r.tickets {
		if err := t.Wait(ctx); err != nil {
			r.Release()
			return err
		}
	}
	return nil
}

// Release 按相反顺序释放所有位置。
func (r *Reservation) Release() {
	for i := len(r.tickets) - 1; i >= 0; i-- {
		r.tickets[i].Release()
	}
}

// AcquireAll 按组名排序依次获取所有组，用于不经过 Set 占位的场景。
// 任一组获取失败时释放已获取的组。返回的 release 按相反顺序释放。
func AcquireAll(ctx context.Context, groups []Group) (func(), error) {
	ordered := append([]Group(nil), groups...)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].Name() < ordered[j].Name() })

	r := &Reservation{tickets: make([]Ticket, 0, len(ordered))}
	for _, g := range ordered {
		t := g.Reserve()
		r.tickets = append(r.tickets, t)
		if err := t.Wait(ctx); err != nil {
			r.Release()
			return nil, err
		}
	}
	return r.Release, nil
}
