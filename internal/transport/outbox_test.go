package transport

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"yqhp/ot2-agent/pkg/types"
)

func event(assignation string, kind types.EventKind, data string) *outboxItem {
	return &outboxItem{
		data:        []byte(data),
		msgType:     types.WSMsgEvent,
		assignation: assignation,
		kind:        kind,
	}
}

func drain(o *Outbox) []string {
	gen := o.claim()
	done := make(chan struct{})
	var out []string
	for o.Len() > 0 {
		item, ok := o.next(gen, done)
		if !ok {
			break
		}
		out = append(out, string(item.data))
		o.ack()
	}
	return out
}

func TestOutbox_FIFO(t *testing.T) {
	o := NewOutbox(10)
	o.push(event("a1", types.EventQueued, "q1"))
	o.push(event("a2", types.EventQueued, "q2"))
	o.push(event("a1", types.EventAssign, "as1"))

	assert.Equal(t, []string{"q1", "q2", "as1"}, drain(o))
}

// 写通道不可用时连续的 PROGRESS 只保留最新值
func TestOutbox_CoalescesProgress(t *testing.T) {
	o := NewOutbox(10)
	o.push(event("a1", types.EventAssign, "assign"))
	o.push(event("a1", types.EventProgress, "p10"))
	o.push(event("a2", types.EventProgress, "other"))
	o.push(event("a1", types.EventProgress, "p20"))
	o.push(event("a1", types.EventProgress, "p30"))
	o.push(event("a1", types.EventLog, "log"))
	o.push(event("a1", types.EventProgress, "p40"))

	assert.Equal(t, []string{"assign", "p30", "other", "log", "p40"}, drain(o))
}

func TestOutbox_EvictsOldestNonTerminal(t *testing.T) {
	o := NewOutbox(3)
	o.push(event("a1", types.EventDone, "done1"))
	o.push(event("a2", types.EventQueued, "q2"))
	o.push(event("a3", types.EventQueued, "q3"))
	o.push(event("a4", types.EventQueued, "q4"))

	assert.Equal(t, int64(1), o.Dropped())
	assert.Equal(t, []string{"done1", "q3", "q4"}, drain(o))
}

func TestOutbox_NeverDropsTerminal(t *testing.T) {
	o := NewOutbox(2)
	o.push(event("a1", types.EventDone, "done1"))
	o.push(event("a2", types.EventCritical, "crit2"))
	o.push(event("a3", types.EventLog, "log3"))
	o.push(event("a3", types.EventCancelled, "cancel3"))

	assert.Equal(t, int64(1), o.Dropped())
	assert.Equal(t, []string{"done1", "crit2", "cancel3"}, drain(o))
}

func TestOutbox_RequeueGoesFirst(t *testing.T) {
	o := NewOutbox(10)
	o.push(event("a1", types.EventQueued, "q1"))
	o.push(event("a1", types.EventAssign, "as1"))

	done := make(chan struct{})
	item, ok := o.next(o.claim(), done)
	require.True(t, ok)
	o.requeue(item)

	assert.Equal(t, []string{"q1", "as1"}, drain(o))
}

func TestOutbox_NextUnblocksOnPush(t *testing.T) {
	o := NewOutbox(10)
	done := make(chan struct{})
	got := make(chan string, 1)

	gen := o.claim()
	go func() {
		item, ok := o.next(gen, done)
		if ok {
			got <- string(item.data)
		}
	}()
	o.push(event("a1", types.EventQueued, "q1"))

	assert.Equal(t, "q1", <-got)
	close(done)
}

// 连接关闭后旧写者不能再取走队列中的帧
func TestOutbox_ClosedWriterDoesNotPop(t *testing.T) {
	o := NewOutbox(10)
	gen := o.claim()
	o.push(event("a1", types.EventQueued, "q1"))

	done := make(chan struct{})
	close(done)
	_, ok := o.next(gen, done)
	assert.False(t, ok)
	assert.Equal(t, 1, o.Len())
}

// 重连时旧写者失败的帧必须排在新写者发出的帧之前
func TestOutbox_NewWriterWaitsForStaleRequeue(t *testing.T) {
	o := NewOutbox(10)
	o.push(event("a1", types.EventProgress, "A"))

	oldDone := make(chan struct{})
	old := o.claim()
	item, ok := o.next(old, oldDone)
	require.True(t, ok)
	require.Equal(t, "A", string(item.data))

	claimed := make(chan uint64, 1)
	go func() { claimed <- o.claim() }()
	require.Eventually(t, func() bool {
		o.mu.Lock()
		defer o.mu.Unlock()
		return o.gen > old
	}, time.Second, time.Millisecond)
	o.push(event("a1", types.EventDone, "B"))

	select {
	case <-claimed:
		t.Fatal("new writer started while the old one still held a frame")
	case <-time.After(50 * time.Millisecond):
	}

	// 旧写者被取代后不再出队
	_, ok = o.next(old, oldDone)
	assert.False(t, ok)

	o.requeue(item)
	newer := <-claimed
	assert.Greater(t, newer, old)

	done := make(chan struct{})
	var got []string
	for o.Len() > 0 {
		it, ok := o.next(newer, done)
		require.True(t, ok)
		got = append(got, string(it.data))
		o.ack()
	}
	assert.Equal(t, []string{"A", "B"}, got)
}
