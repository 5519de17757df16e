package agent

import (
	"context"

	"go.uber.org/zap"

	"yqhp/ot2-agent/internal/registry"
	"yqhp/ot2-agent/pkg/types"
)

// provide 绑定资源。事件以 provision ID 作为任务 ID：QUEUED、ASSIGN 之后是 DONE，钩子失败时为 CRITICAL 或 ERROR。
func (a *Agent) provide(ctx context.Context, p *types.ProvidePayload) {
	a.mu.Lock()
	_, bound := a.provisions[p.Provision]
	a.mu.Unlock()
	if bound {
		a.logger.Warn("ignore PROVIDE for a bound provision", zap.String("provision", p.Provision))
		return
	}

	var entry *registry.Entry
	if p.Interface != "" {
		var ok bool
		if entry, ok = a.registry.Lookup(p.Interface); !ok {
			a.reject(NewUnknownInterfaceError(p.Provision, p.Interface))
			return
		}
	}

	var hook registry.ProvisionHook
	if entry != nil {
		hook = entry.Provide
	}

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		bind := func() {
			a.mu.Lock()
			a.provisions[p.Provision] = &provision{id: p.Provision, entry: entry}
			a.mu.Unlock()
		}
		if a.runProvisionHook(ctx, p.Provision, p.Provision, hook, bind) {
			a.logger.Info("provision bound", zap.String("provision", p.Provision), zap.String("interface", p.Interface))
		}
	}()
}

// unprovide 解除绑定：先取消绑定在该资源上的任务，再运行解除钩子。
// 钩子事件以 UNPROVIDE 消息的 ID 作为任务 ID，provision ID 的事件流在 PROVIDE 时已经结束。
// 消息没有 ID 时只记日志。
func (a *Agent) unprovide(ctx context.Context, eventID string, p *types.ProvidePayload) {
	a.mu.Lock()
	prov := a.provisions[p.Provision]
	delete(a.provisions, p.Provision)
	var bound []*task
	for _, t := range a.live {
		if t.assign.Provision == p.Provision {
			bound = append(bound, t)
		}
	}
	a.mu.Unlock()

	for _, t := range bound {
		t.requestCancel(a.config.CancelGrace)
	}

	var hook registry.ProvisionHook
	if prov != nil && prov.entry != nil {
		hook = prov.entry.Unprovide
	} else if p.Interface != "" {
		if entry, ok := a.registry.Lookup(p.Interface); ok {
			hook = entry.Unprovide
		}
	}

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		for _, t := range bound {
			a.awaitSettled(ctx, t)
		}
		if a.runProvisionHook(ctx, eventID, p.Provision, hook, nil) {
			a.logger.Info("provision released", zap.String("provision", p.Provision))
		}
	}()
}

// awaitSettled 等待任务发出终止事件并完成清理。
func (a *Agent) awaitSettled(ctx context.Context, t *task) {
	select {
	case <-t.settled:
	case <-ctx.Done():
	}
}

// runProvisionHook 作为退化任务运行钩子，成功时返回 true。
// 事件发往 eventID，为空时不发事件。onSuccess 在发出 DONE 之前调用。
func (a *Agent) runProvisionHook(ctx context.Context, eventID, provision string, hook registry.ProvisionHook, onSuccess func()) bool {
	logger := a.logger.With(zap.String("provision", provision))
	emit := func(types.EventKind, string) {}
	if eventID != "" {
		em := newEmitter(eventID, a.sender, 0, logger)
		emit = func(kind types.EventKind, message string) { em.simple(kind, message) }
	}
	emit(types.EventQueued, "")
	emit(types.EventAssign, "")

	var err error
	if hook != nil {
		err = func() (err error) {
			defer func() {
				if r := recover(); r != nil {
					err = &PanicError{Value: r}
				}
			}()
			return hook(ctx, provision)
		}()
	}

	switch {
	case err == nil:
		if onSuccess != nil {
			onSuccess()
		}
		emit(types.EventDone, "")
		a.stats.Record("", types.EventDone, 0)
		return true
	case registry.IsRecoverable(err):
		emit(types.EventError, err.Error())
		a.stats.Record("", types.EventError, 0)
	default:
		emit(types.EventCritical, err.Error())
		a.stats.Record("", types.EventCritical, 0)
	}
	logger.Warn("provision hook failed", zap.Error(err))
	return false
}
