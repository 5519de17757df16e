package agent

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"yqhp/ot2-agent/internal/actx"
	"yqhp/ot2-agent/internal/port"
	"yqhp/ot2-agent/internal/registry"
	"yqhp/ot2-agent/internal/syncgroup"
	"yqhp/ot2-agent/pkg/types"
)

// task 执行阶段
const (
	phaseQueued int32 = iota
	phaseRunning
	phaseAbandoned
)

// task 是一个任务的执行体：从 QUEUED 到终止事件的完整生命周期都在它自己的 goroutine 中完成。
type task struct {
	agent   *Agent
	entry   *registry.Entry
	assign  *types.AssignPayload
	emitter *emitter
	logger  *zap.Logger

	ctx         context.Context
	cancel      context.CancelCauseFunc
	reservation *syncgroup.Reservation

	phase     atomic.Int32
	grace     atomic.Int64 // time.Duration，首个取消请求生效
	interrupt chan struct{}
	interOnce sync.Once
	startedAt atomic.Int64
	settled   chan struct{}
}

// newTask 创建任务并在其同步组中占位，必须在派发协程中调用以保证到达顺序。
func newTask(parent context.Context, a *Agent, entry *registry.Entry, p *types.AssignPayload) *task {
	ctx, cancel := context.WithCancelCause(parent)
	logger := a.logger.With(zap.String("assignation", p.Assignation), zap.String("interface", p.Interface))
	t := &task{
		agent:     a,
		entry:     entry,
		assign:    p,
		emitter:   newEmitter(p.Assignation, a.sender, a.config.ProgressWindow, logger),
		logger:    logger,
		ctx:       ctx,
		cancel:    cancel,
		interrupt: make(chan struct{}),
		settled:   make(chan struct{}),

		reservation: a.groups.Reserve(entry.SyncGroups),
	}
	t.grace.Store(-1)
	return t
}

// requestCancel 触发取消；grace 为 0 表示 INTERRUPT。
func (t *task) requestCancel(grace time.Duration) {
	t.grace.CompareAndSwap(-1, int64(grace))
	if grace <= 0 {
		t.interOnce.Do(func() { close(t.interrupt) })
	}
	t.cancel(ErrHandlerCancelled)
}

// timeout 取处理函数、任务与默认超时中最小的正值。
func (t *task) timeout() time.Duration {
	var limit time.Duration
	for _, d := range []time.Duration{
		t.entry.Timeout,
		time.Duration(t.assign.Timeout) * time.Millisecond,
		t.agent.config.DefaultTimeout,
	} {
		if d > 0 && (limit == 0 || d < limit) {
			limit = d
		}
	}
	return limit
}

func (t *task) identity() actx.Identity {
	return actx.Identity{
		Assignation: t.assign.Assignation,
		Parent:      t.assign.Parent,
		Root:        t.assign.Mother,
		Interface:   t.assign.Interface,
		Reference:   t.assign.Reference,
		User:        t.assign.User,
		Provision:   t.assign.Provision,
	}
}

// run 执行任务直到发出终止事件。
func (t *task) run() {
	kind, message, release := t.execute()
	t.finish(kind, message, release)
}

// execute 返回终止事件以及释放同步组的函数。
func (t *task) execute() (types.EventKind, string, func()) {
	def := &t.entry.Definition
	release := t.reservation.Release

	args, err := t.entry.Codec.ExpandArgs(t.ctx, def.Args, t.assign.Args)
	if err != nil {
		if cause := t.cause(); cause != nil {
			kind, msg := t.classify(nil, cause)
			return kind, msg, release
		}
		return types.EventCritical, err.Error(), release
	}

	contexts, states, err := t.agent.ambient(t.entry)
	if err != nil {
		return types.EventCritical, err.Error(), release
	}

	if err := t.reservation.Wait(t.ctx); err != nil {
		if cause := t.cause(); cause != nil {
			kind, msg := t.classify(nil, cause)
			return kind, msg, release
		}
		return types.EventCritical, err.Error(), release
	}

	done := make(chan error, 1)
	exec := func() {
		if !t.phase.CompareAndSwap(phaseQueued, phaseRunning) {
			return
		}
		t.startedAt.Store(time.Now().UnixNano())
		t.emitter.simple(types.EventAssign, "")

		var timer *time.Timer
		if limit := t.timeout(); limit > 0 {
			timer = time.AfterFunc(limit, func() { t.cancel(&timeoutError{limit: limit}) })
		}
		err := t.invoke(args, contexts, states)
		if timer != nil {
			timer.Stop()
		}
		done <- err
	}

	if def.Blocking {
		// 阻塞型处理函数等待工作池空闲时保持 QUEUED
		go func() {
			if err := t.agent.pool.Submit(exec); err != nil {
				if t.phase.CompareAndSwap(phaseQueued, phaseRunning) {
					done <- fmt.Errorf("submit to worker pool: %w", err)
				}
			}
		}()
	} else {
		go exec()
	}

	select {
	case err := <-done:
		kind, msg := t.classify(err, t.cause())
		return kind, msg, release
	case <-t.ctx.Done():
	}

	// 仍在排队：直接放弃，exec 不会再运行处理函数
	if t.phase.CompareAndSwap(phaseQueued, phaseAbandoned) {
		kind, msg := t.classify(nil, t.cause())
		return kind, msg, release
	}

	grace := time.Duration(t.grace.Load())
	if grace < 0 {
		// 超时与关闭沿用取消的宽限期
		grace = t.agent.config.CancelGrace
	}
	timer := time.NewTimer(grace)
	defer timer.Stop()

	select {
	case err := <-done:
		kind, msg := t.classify(err, t.cause())
		return kind, msg, release
	case <-timer.C:
	case <-t.interrupt:
	}

	// 处理函数没有响应取消：放弃它，但在它真正返回前不释放同步组
	t.logger.Warn("handler did not stop in time, abandoning", zap.Duration("grace", grace))
	kind, msg := t.classify(nil, t.cause())
	return kind, msg, func() {
		go func() {
			<-done
			release()
		}()
	}
}

func (t *task) cause() error {
	if t.ctx.Err() == nil {
		return nil
	}
	return context.Cause(t.ctx)
}

// invoke 调用处理函数，panic 转为 PanicError。
func (t *task) invoke(args, contexts, states map[string]any) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Value: r, Stack: debug.Stack()}
		}
	}()

	ac := actx.New(t.identity(), t.emitter, t.agent.config.LogFloor, contexts, states)
	defer ac.Close()

	return t.entry.Invoke(actx.WithContext(t.ctx, ac), registry.Values(args), t.yield)
}

// yield 收缩返回值、登记句柄并发出 YIELD。
func (t *task) yield(values registry.Values) error {
	def := &t.entry.Definition
	shrunk, err := t.entry.Codec.ShrinkReturns(t.ctx, def.Returns, values)
	if err != nil {
		return err
	}

	handles := port.CollectHandles(def.Returns, shrunk)
	if err := t.agent.collector.Add(t.assign.Assignation, handles); err != nil {
		// 任务树已清理：立即释放，避免泄漏
		t.agent.releaseNow(t.assign.Assignation, handles)
	}

	if cause := t.cause(); cause != nil {
		return cause
	}
	if !t.emitter.emit(&types.AssignationEvent{
		Assignation: t.assign.Assignation,
		Kind:        types.EventYield,
		Returns:     shrunk,
	}) {
		return ErrHandlerCancelled
	}
	return nil
}

// classify 将处理结果映射为终止事件。取消原因优先于处理函数的返回值。
func (t *task) classify(err, cause error) (types.EventKind, string) {
	switch {
	case cause != nil && errors.Is(cause, ErrHandlerTimeout):
		if t.entry.RecoverableTimeout {
			return types.EventError, cause.Error()
		}
		return types.EventCritical, cause.Error()
	case cause != nil:
		return types.EventCancelled, ""
	case err == nil:
		return types.EventDone, ""
	case registry.IsRecoverable(err):
		return types.EventError, err.Error()
	}

	var panicErr *PanicError
	if errors.As(err, &panicErr) {
		t.logger.Error("handler panicked", zap.Any("value", panicErr.Value), zap.ByteString("stack", panicErr.Stack))
	}
	return types.EventCritical, err.Error()
}

// finish 发出终止事件，然后释放同步组并按策略清理句柄。
func (t *task) finish(kind types.EventKind, message string, release func()) {
	t.emitter.simple(kind, message)
	t.logger.Debug("assignation finished", zap.String("kind", string(kind)), zap.String("message", message))

	var elapsed time.Duration
	if started := t.startedAt.Load(); started > 0 {
		elapsed = time.Since(time.Unix(0, started))
	}
	t.agent.stats.Record(t.assign.Interface, kind, elapsed)

	release()
	t.cancel(nil)
	t.agent.settle(t.assign.Assignation, t.assign.Parent, kind)
	close(t.settled)
}
