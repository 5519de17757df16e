// Package agent 实现 Agent 端的任务调度：
// 接收编排器的消息，派发到已注册的接口，管理取消、超时与同步组，并回传生命周期事件。
package agent

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/duke-git/lancet/v2/maputil"
	"github.com/duke-git/lancet/v2/slice"
	"github.com/google/uuid"
	"github.com/panjf2000/ants/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"yqhp/ot2-agent/internal/collector"
	"yqhp/ot2-agent/internal/config"
	"yqhp/ot2-agent/internal/port"
	"yqhp/ot2-agent/internal/registry"
	"yqhp/ot2-agent/internal/syncgroup"
	"yqhp/ot2-agent/internal/transport"
	"yqhp/ot2-agent/pkg/types"
)

// Channel 是 Agent 使用的消息通道，由 transport.Transport 实现。
type Channel interface {
	EventSender
	Run(ctx context.Context) error
	Receive(ctx context.Context) (*types.WSMessage, error)
	SetInitFunc(f transport.InitFunc)
	SetStatusFunc(f transport.StatusFunc)
	State() types.AgentState
	Pending() int
}

// Config 保存调度器的配置。
type Config struct {
	// Name 是 INIT 中上报的 Agent 名称。
	Name string

	// InstanceID 为空时自动生成。
	InstanceID string

	// WorkerPoolSize 是阻塞型处理函数的并发上限。
	WorkerPoolSize int

	// CancelGrace 是 CANCEL 后等待处理函数退出的时间。
	CancelGrace time.Duration

	// ProgressWindow 是 PROGRESS 合并窗口，0 表示不合并。
	ProgressWindow time.Duration

	// LogFloor 以下的 LOG 事件在本地丢弃。
	LogFloor types.LogLevel

	// DefaultTimeout 是所有任务的超时上限，0 表示不限。
	DefaultTimeout time.Duration

	// ParallelGroups 中的同步组不做互斥。
	ParallelGroups []string
}

// DefaultConfig 返回默认的调度器配置。
func DefaultConfig() *Config {
	return &Config{
		Name:           "ot2-agent",
		WorkerPoolSize: 4,
		CancelGrace:    2 * time.Second,
		ProgressWindow: 200 * time.Millisecond,
		LogFloor:       types.LogInfo,
	}
}

// ConfigFrom 从应用配置构建调度器配置。
func ConfigFrom(cfg *config.Config) *Config {
	return &Config{
		Name:           cfg.Agent.Name,
		InstanceID:     cfg.Agent.InstanceID,
		WorkerPoolSize: cfg.Runtime.WorkerPoolSize,
		CancelGrace:    cfg.Runtime.CancelGrace,
		ProgressWindow: cfg.Runtime.ProgressWindow,
		LogFloor:       types.ParseLogLevel(cfg.Runtime.LogFloor),
		DefaultTimeout: cfg.Runtime.DefaultTimeout,
		ParallelGroups: cfg.Runtime.ParallelGroups,
	}
}

// provision 是一个已绑定的资源。
type provision struct {
	id    string
	entry *registry.Entry // 可为 nil
}

// Agent 调度编排器分配的任务。
type Agent struct {
	config    *Config
	registry  *registry.Registry
	channel   Channel
	sender    EventSender
	logger    *zap.Logger
	groups    *syncgroup.Set
	collector *collector.Collector
	pool      *ants.Pool
	stats     *Stats

	mu         sync.Mutex
	live       map[string]*task
	provisions map[string]*provision
	contexts   map[string]any
	states     map[string]any
	wg         sync.WaitGroup
}

// New 创建 Agent。channel 通常是 *transport.Transport。
func New(cfg *Config, reg *registry.Registry, channel Channel, logger *zap.Logger) (*Agent, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.InstanceID == "" {
		cfg.InstanceID = uuid.NewString()
	}
	size := cfg.WorkerPoolSize
	if size < 1 {
		size = 1
	}

	a := &Agent{
		config:     cfg,
		registry:   reg,
		channel:    channel,
		sender:     channel,
		logger:     logger,
		groups:     syncgroup.NewSet(cfg.ParallelGroups),
		collector:  collector.New(reg.Structures(), logger.Named("collector")),
		stats:      NewStats(logger.Named("stats")),
		live:       make(map[string]*task),
		provisions: make(map[string]*provision),
		contexts:   make(map[string]any),
		states:     make(map[string]any),
	}

	pool, err := ants.NewPool(size, ants.WithPanicHandler(func(v interface{}) {
		logger.Error("worker panicked", zap.Any("value", v))
	}))
	if err != nil {
		return nil, fmt.Errorf("create worker pool: %w", err)
	}
	a.pool = pool

	channel.SetInitFunc(a.initPayload)
	channel.SetStatusFunc(a.Status)
	return a, nil
}

// InstanceID 返回实例 ID。
func (a *Agent) InstanceID() string {
	return a.config.InstanceID
}

// SetContext 设置处理函数可通过 WithContexts 声明使用的环境上下文。
func (a *Agent) SetContext(name string, v any) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.contexts[name] = v
}

// SetState 设置处理函数可通过 WithStates 声明使用的持久状态。
func (a *Agent) SetState(name string, v any) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.states[name] = v
}

// ambient 收集接口声明的上下文与状态，缺失时返回错误。
func (a *Agent) ambient(entry *registry.Entry) (map[string]any, map[string]any, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	contexts := make(map[string]any, len(entry.Contexts))
	for _, name := range entry.Contexts {
		v, ok := a.contexts[name]
		if !ok {
			return nil, nil, fmt.Errorf("missing context: %s", name)
		}
		contexts[name] = v
	}
	states := make(map[string]any, len(entry.States))
	for _, name := range entry.States {
		v, ok := a.states[name]
		if !ok {
			return nil, nil, fmt.Errorf("missing state: %s", name)
		}
		states[name] = v
	}
	return contexts, states, nil
}

// Run 运行通道与派发循环，直到 ctx 结束或通道放弃重连。
func (a *Agent) Run(ctx context.Context) error {
	a.logger.Info("agent starting",
		zap.String("instance_id", a.config.InstanceID),
		zap.Int("interfaces", a.registry.Count()),
		zap.String("registry_hash", a.registry.Hash()))

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error {
		return a.channel.Run(gctx)
	})
	g.Go(func() error {
		return a.dispatch(gctx)
	})

	err := g.Wait()
	cancel()
	a.shutdown()
	return err
}

func (a *Agent) dispatch(ctx context.Context) error {
	for {
		msg, err := a.channel.Receive(ctx)
		if err != nil {
			switch {
			case errors.Is(err, transport.ErrDisconnected):
				a.logger.Info("connection lost, live assignations keep running", zap.Int("live", a.Live()))
				continue
			case errors.Is(err, transport.ErrClosed), ctx.Err() != nil:
				return nil
			default:
				return err
			}
		}
		a.Handle(ctx, msg)
	}
}

// Handle 处理一条入站消息。不会阻塞在处理函数上。
func (a *Agent) Handle(ctx context.Context, msg *types.WSMessage) {
	switch msg.Type {
	case types.WSMsgAssign:
		var p types.AssignPayload
		if err := msg.Decode(&p); err != nil || p.Assignation == "" {
			a.logger.Warn("drop malformed ASSIGN", zap.String("id", msg.ID), zap.Error(err))
			return
		}
		a.assign(ctx, &p)

	case types.WSMsgCancel, types.WSMsgInterrupt:
		var p types.CancelPayload
		if err := msg.Decode(&p); err != nil {
			a.logger.Warn("drop malformed cancel", zap.String("type", string(msg.Type)), zap.Error(err))
			return
		}
		grace := a.config.CancelGrace
		if msg.Type == types.WSMsgInterrupt {
			grace = 0
		}
		a.Cancel(p.Assignation, grace)

	case types.WSMsgProvide, types.WSMsgUnprovide:
		var p types.ProvidePayload
		if err := msg.Decode(&p); err != nil || p.Provision == "" {
			a.logger.Warn("drop malformed provision message", zap.String("type", string(msg.Type)), zap.Error(err))
			return
		}
		if msg.Type == types.WSMsgProvide {
			a.provide(ctx, &p)
		} else {
			a.unprovide(ctx, msg.ID, &p)
		}

	default:
		a.logger.Warn("ignore unexpected message", zap.String("type", string(msg.Type)))
	}
}

// assign 校验并启动一个任务。
func (a *Agent) assign(ctx context.Context, p *types.AssignPayload) {
	a.mu.Lock()
	// 重复的 id 不论内容如何都不能插入正在进行的事件流
	if _, dup := a.live[p.Assignation]; dup {
		a.mu.Unlock()
		a.logger.Warn("ignore duplicate ASSIGN", zap.String("assignation", p.Assignation))
		return
	}
	entry, ok := a.registry.Lookup(p.Interface)
	if !ok {
		a.mu.Unlock()
		a.reject(NewUnknownInterfaceError(p.Assignation, p.Interface))
		return
	}
	if err := a.collector.Open(p.Assignation, p.Parent); err != nil {
		a.mu.Unlock()
		if errors.Is(err, collector.ErrUnknownParent) {
			a.reject(NewMalformedError(p.Assignation, "unknown parent "+p.Parent, err))
			return
		}
		a.logger.Warn("ignore ASSIGN for a finished assignation", zap.String("assignation", p.Assignation), zap.Error(err))
		return
	}
	t := newTask(ctx, a, entry, p)
	a.live[p.Assignation] = t
	a.wg.Add(1)
	a.mu.Unlock()

	t.emitter.simple(types.EventQueued, "")
	go func() {
		defer a.wg.Done()
		t.run()
	}()
}

// reject 为未被接受的任务发出唯一的 CRITICAL。
func (a *Agent) reject(err *ProtocolError) {
	a.logger.Warn("reject assignation", zap.String("assignation", err.Assignation), zap.Error(err))
	a.stats.Record("", types.EventCritical, 0)
	if sendErr := a.sender.SendEvent(&types.AssignationEvent{
		Assignation: err.Assignation,
		Kind:        types.EventCritical,
		Message:     err.Error(),
	}); sendErr != nil {
		a.logger.Warn("send event failed", zap.Error(sendErr))
	}
}

// Cancel 取消任务。grace 为 0 时等同 INTERRUPT。未知任务被忽略。
func (a *Agent) Cancel(assignation string, grace time.Duration) bool {
	a.mu.Lock()
	t, ok := a.live[assignation]
	a.mu.Unlock()
	if !ok {
		a.logger.Debug("cancel for unknown assignation", zap.String("assignation", assignation))
		return false
	}
	t.requestCancel(grace)
	return true
}

// settle 在终止事件后移除任务并按策略清理句柄：
// 根任务清理整棵子树；非根 ERROR 清理自身子树；非根 CRITICAL 只释放自身句柄；
// 其余情况保留到根任务清理。
func (a *Agent) settle(id, parent string, kind types.EventKind) {
	a.mu.Lock()
	delete(a.live, id)
	a.mu.Unlock()

	ctx := context.Background()
	switch {
	case parent == "":
		a.collector.DrainTree(ctx, id)
	case kind == types.EventError:
		a.collector.DrainTree(ctx, id)
	case kind == types.EventCritical:
		a.collector.ReleaseOwn(ctx, id)
	}
}

// releaseNow 释放不再被跟踪的任务产生的句柄。
func (a *Agent) releaseNow(id string, handles []port.Handle) {
	for _, h := range handles {
		if err := a.registry.Structures().Release(context.Background(), h.Identifier, h.Handle); err != nil {
			a.logger.Warn("release handle failed",
				zap.String("assignation", id), zap.String("identifier", h.Identifier), zap.Error(err))
		}
	}
}

// Live 返回运行中的任务数。
func (a *Agent) Live() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.live)
}

// Outstanding 返回 id 子树中未释放的句柄数。
func (a *Agent) Outstanding(id string) int {
	return a.collector.Outstanding(id)
}

// initPayload 构建每次连接后发送的 INIT。
func (a *Agent) initPayload() *types.InitPayload {
	a.mu.Lock()
	inquiries := maputil.Keys(a.live)
	provisions := maputil.Keys(a.provisions)
	a.mu.Unlock()

	slice.Sort(inquiries)
	slice.Sort(provisions)
	return &types.InitPayload{
		InstanceID:     a.config.InstanceID,
		Agent:          a.config.Name,
		RegistryHash:   a.registry.Hash(),
		LiveProvisions: provisions,
		Inquiries:      inquiries,
	}
}

// Status 返回 Agent 状态快照。
func (a *Agent) Status() *types.AgentStatus {
	a.mu.Lock()
	live, provisions := len(a.live), len(a.provisions)
	a.mu.Unlock()

	return &types.AgentStatus{
		InstanceID: a.config.InstanceID,
		State:      a.channel.State(),
		Live:       live,
		Provisions: provisions,
		Outbox:     a.channel.Pending(),
		Terminals:  a.stats.Terminals(),
		Interfaces: a.stats.Interfaces(),
		WorkerPool: &types.WorkerPoolStatus{
			Capacity: a.pool.Cap(),
			Running:  a.pool.Running(),
			Waiting:  a.pool.Waiting(),
		},
	}
}

// shutdown 取消所有任务并等待它们发出终止事件，然后关闭工作池。
func (a *Agent) shutdown() {
	a.mu.Lock()
	tasks := make([]*task, 0, len(a.live))
	for _, t := range a.live {
		tasks = append(tasks, t)
	}
	a.mu.Unlock()

	for _, t := range tasks {
		t.requestCancel(a.config.CancelGrace)
	}

	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(a.config.CancelGrace + time.Second):
		a.logger.Warn("shutdown timed out waiting for assignations", zap.Int("live", a.Live()))
	}

	if err := a.pool.ReleaseTimeout(time.Second); err != nil {
		a.logger.Debug("worker pool release", zap.Error(err))
	}
	a.logger.Info("agent stopped")
}
