package agent

import (
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"yqhp/ot2-agent/pkg/types"
)

// EventSender delivers assignation events to the orchestrator.
type EventSender interface {
	SendEvent(ev *types.AssignationEvent) error
}

// emitter 串行化同一任务的所有事件。
// 终止事件之后的任何事件都会被丢弃；PROGRESS 在窗口内合并，只保留最新值，
// 并在该任务的下一个其他事件之前刷出。
type emitter struct {
	id     string
	sender EventSender
	logger *zap.Logger

	limiter *rate.Limiter // nil 表示不合并
	pending *types.AssignationEvent
	timer   *time.Timer
	gen     uint64 // 区分已被替换的定时器

	terminal types.EventKind
	mu       sync.Mutex
}

func newEmitter(id string, sender EventSender, window time.Duration, logger *zap.Logger) *emitter {
	e := &emitter{
		id:     id,
		sender: sender,
		logger: logger,
	}
	if window > 0 {
		e.limiter = rate.NewLimiter(rate.Every(window), 1)
	}
	return e
}

// Progress implements actx.Sink.
func (e *emitter) Progress(pct int, message string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.terminal != "" {
		return
	}
	ev := &types.AssignationEvent{
		Assignation: e.id,
		Kind:        types.EventProgress,
		Progress:    &pct,
		Message:     message,
	}

	if e.limiter == nil {
		e.sendLocked(ev)
		return
	}
	if e.timer != nil {
		e.pending = ev
		return
	}
	if d := e.limiter.Reserve().Delay(); d > 0 {
		e.pending = ev
		e.gen++
		gen := e.gen
		e.timer = time.AfterFunc(d, func() { e.flushTimer(gen) })
		return
	}
	e.sendLocked(ev)
}

// Log implements actx.Sink.
func (e *emitter) Log(level types.LogLevel, message string) {
	e.logger.Debug("handler log",
		zap.String("assignation", e.id), zap.String("level", string(level)), zap.String("message", message))
	e.emit(&types.AssignationEvent{
		Assignation: e.id,
		Kind:        types.EventLog,
		Log:         level,
		Message:     message,
	})
}

// emit sends a non-progress event. It reports false once the stream has ended.
func (e *emitter) emit(ev *types.AssignationEvent) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.terminal != "" {
		return false
	}
	e.flushLocked()
	e.sendLocked(ev)
	if ev.Kind.IsTerminal() {
		e.terminal = ev.Kind
	}
	return true
}

func (e *emitter) simple(kind types.EventKind, message string) bool {
	return e.emit(&types.AssignationEvent{Assignation: e.id, Kind: kind, Message: message})
}

func (e *emitter) flushTimer(gen uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if gen != e.gen || e.timer == nil {
		return
	}
	e.timer = nil
	if e.pending != nil && e.terminal == "" {
		e.sendLocked(e.pending)
	}
	e.pending = nil
}

// flushLocked 调用方必须持有锁。
func (e *emitter) flushLocked() {
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
	if e.pending != nil {
		e.sendLocked(e.pending)
		e.pending = nil
	}
}

func (e *emitter) sendLocked(ev *types.AssignationEvent) {
	if err := e.sender.SendEvent(ev); err != nil {
		e.logger.Warn("send event failed",
			zap.String("assignation", e.id), zap.String("kind", string(ev.Kind)), zap.Error(err))
	}
}
