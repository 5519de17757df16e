package transport

import (
	"container/list"
	"sync"

	"yqhp/ot2-agent/pkg/types"
)

// outboxItem is one encoded frame waiting for the writer.
type outboxItem struct {
	data        []byte
	msgType     types.WSMessageType
	assignation string
	kind        types.EventKind
}

func (i *outboxItem) terminal() bool {
	return i.kind.IsTerminal()
}

// Outbox is the bounded FIFO drained by the single writer.
//
// When full, the oldest non-terminal item is evicted; terminal events are
// never evicted and may push the queue past its cap. A PROGRESS event
// replaces a queued PROGRESS of the same assignation when that PROGRESS is
// the assignation's latest queued item.
//
// Each connection's writer claims a generation. Only the latest generation
// may pop, and a new writer starts only after the item held by the previous
// one has been written or requeued.
type Outbox struct {
	items    *list.List // *outboxItem
	cap      int
	dropped  int64
	notify   chan struct{}
	gen      uint64
	inflight bool
	idle     *sync.Cond
	mu       sync.Mutex
}

// NewOutbox creates an outbox holding at most capacity non-terminal items.
func NewOutbox(capacity int) *Outbox {
	if capacity < 1 {
		capacity = 1
	}
	o := &Outbox{
		items:  list.New(),
		cap:    capacity,
		notify: make(chan struct{}, 1),
	}
	o.idle = sync.NewCond(&o.mu)
	return o
}

// claim makes the caller the only writer and returns its generation.
// It blocks while an older writer still holds a popped item.
func (o *Outbox) claim() uint64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.gen++
	for o.inflight {
		o.idle.Wait()
	}
	return o.gen
}

func (o *Outbox) signal() {
	select {
	case o.notify <- struct{}{}:
	default:
	}
}

// push enqueues item, applying coalescing and eviction.
func (o *Outbox) push(item *outboxItem) {
	o.mu.Lock()
	defer o.mu.Unlock()
	defer o.signal()

	if item.kind == types.EventProgress {
		if last := o.lastOf(item.assignation); last != nil && last.Value.(*outboxItem).kind == types.EventProgress {
			last.Value = item
			return
		}
	}

	if o.items.Len() >= o.cap {
		if victim := o.oldestEvictable(); victim != nil {
			o.items.Remove(victim)
			o.dropped++
		} else if !item.terminal() {
			o.dropped++
			return
		}
	}
	o.items.PushBack(item)
}

// ack releases the item popped by next after it was written.
func (o *Outbox) ack() {
	o.mu.Lock()
	o.inflight = false
	o.idle.Broadcast()
	o.mu.Unlock()
}

// requeue puts an item that failed to write back at the head.
func (o *Outbox) requeue(item *outboxItem) {
	o.mu.Lock()
	o.items.PushFront(item)
	o.inflight = false
	o.idle.Broadcast()
	o.mu.Unlock()
	o.signal()
}

func (o *Outbox) lastOf(assignation string) *list.Element {
	if assignation == "" {
		return nil
	}
	for e := o.items.Back(); e != nil; e = e.Prev() {
		if e.Value.(*outboxItem).assignation == assignation {
			return e
		}
	}
	return nil
}

func (o *Outbox) oldestEvictable() *list.Element {
	for e := o.items.Front(); e != nil; e = e.Next() {
		if !e.Value.(*outboxItem).terminal() {
			return e
		}
	}
	return nil
}

// next blocks until an item is available for writer gen, or done is
// closed, or a newer writer claimed the outbox. The caller must ack or
// requeue the returned item.
func (o *Outbox) next(gen uint64, done <-chan struct{}) (*outboxItem, bool) {
	for {
		o.mu.Lock()
		if gen != o.gen || closed(done) {
			o.mu.Unlock()
			// 可能吞掉了新写者的通知
			o.signal()
			return nil, false
		}
		if front := o.items.Front(); front != nil {
			o.items.Remove(front)
			o.inflight = true
			o.mu.Unlock()
			return front.Value.(*outboxItem), true
		}
		o.mu.Unlock()

		select {
		case <-o.notify:
		case <-done:
			o.signal()
			return nil, false
		}
	}
}

func closed(done <-chan struct{}) bool {
	select {
	case <-done:
		return true
	default:
		return false
	}
}

// Len returns the number of queued items.
func (o *Outbox) Len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.items.Len()
}

// Dropped returns the number of evicted items.
func (o *Outbox) Dropped() int64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.dropped
}
