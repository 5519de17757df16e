package lab

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"yqhp/ot2-agent/internal/actx"
	"yqhp/ot2-agent/internal/config"
	"yqhp/ot2-agent/internal/port"
	"yqhp/ot2-agent/internal/registry"
	"yqhp/ot2-agent/pkg/logger"
	"yqhp/ot2-agent/pkg/types"
)

// GroupRobotArm 串行化所有使用机械臂的协议。
const GroupRobotArm = "robot_arm"

// Stains 是 stain 协议接受的染料。
var Stains = []any{"eosin", "hematoxylin", "dapi"}

// StatusSource 提供 Agent 状态快照，*agent.Agent 实现了该接口。
type StatusSource interface {
	Status() *types.AgentStatus
}

// Host 是协议运行所在的 Agent。
type Host interface {
	StatusSource
	SetContext(name string, v any)
	SetState(name string, v any)
}

// Protocols 持有协议的配置和共享资源。
type Protocols struct {
	config config.LabConfig
	racks  *RackStore
	state  *RobotState
	logger *zap.Logger
}

// New 创建协议集合。
func New(cfg config.LabConfig, log *zap.Logger) *Protocols {
	if log == nil {
		log = logger.Named("lab")
	}
	return &Protocols{
		config: cfg,
		racks:  NewRackStore(),
		state:  NewRobotState(),
		logger: log,
	}
}

// Racks 返回架存储。
func (p *Protocols) Racks() *RackStore { return p.racks }

// State 返回机器人运行状态。
func (p *Protocols) State() *RobotState { return p.state }

// Install 向 Agent 注入机器人上下文和运行状态。
func (p *Protocols) Install(host Host) {
	host.SetContext(ContextRobot, &Robot{Name: p.config.Robot, Simulate: p.config.Simulate})
	host.SetContext(ContextAgent, StatusSource(host))
	host.SetState(StateRobot, p.state)
}

// Register 注册 @ot2/rack 结构体和全部协议。
func (p *Protocols) Register(reg *registry.Registry) error {
	if err := reg.Structures().Register(p.racks.Structure()); err != nil {
		return err
	}

	ambient := []registry.Option{
		registry.WithContexts(ContextRobot),
		registry.WithStates(StateRobot),
	}
	with := func(opts ...registry.Option) []registry.Option {
		return append(append([]registry.Option(nil), ambient...), opts...)
	}

	registrations := []struct {
		iface   string
		def     registry.Definition
		handler any
		opts    []registry.Option
	}{
		{
			iface: "load_rack",
			def: registry.Definition{
				Description: "Load an empty slide rack onto the deck",
				Args:        []*port.Port{port.Int("slots").Validate(port.Min(1), port.Max(24)).WithDefault(24)},
				Returns:     []*port.Port{port.Structure("rack", RackIdentifier)},
			},
			handler: registry.Function(p.loadRack),
			opts:    with(registry.WithSyncGroup(GroupRobotArm)),
		},
		{
			iface: "wash",
			def: registry.Definition{
				Description: "Wash slides in the rinse reservoir",
				Args: []*port.Port{
					port.Int("slides").Validate(port.Min(1), port.Max(24)),
					port.Structure("rack", RackIdentifier).AsNullable(),
				},
				Returns: []*port.Port{port.String("status")},
			},
			handler: registry.BlockingFunction(p.wash),
			opts: with(
				registry.WithSyncGroup(GroupRobotArm),
				registry.WithProvisionHooks(p.prime, p.park),
			),
		},
		{
			iface: "stain",
			def: registry.Definition{
				Description: "Stain slides, reporting progress per quarter",
				Args: []*port.Port{
					port.String("stain").Validate(port.Choices(Stains...)),
					port.Int("slides").Validate(port.Min(1), port.Max(24)).WithDefault(1),
				},
				Returns: []*port.Port{port.String("status")},
			},
			handler: registry.BlockingGenerator(p.stain),
			opts:    with(registry.WithSyncGroup(GroupRobotArm)),
		},
		{
			iface:   "dummy",
			def:     registry.Definition{Description: "Log and sleep"},
			handler: registry.Function(p.dummy),
			opts:    with(),
		},
		{
			iface: "status",
			def: registry.Definition{
				Description: "Report robot and agent state",
				Returns: []*port.Port{
					port.String("state"),
					port.Int("runs"),
					port.Bool("busy"),
				},
			},
			handler: registry.Function(p.status),
			opts:    with(registry.WithContexts(ContextAgent)),
		},
	}

	for _, r := range registrations {
		if err := reg.Register(r.iface, r.def, r.handler, r.opts...); err != nil {
			return fmt.Errorf("register %s: %w", r.iface, err)
		}
	}
	return nil
}

func (p *Protocols) loadRack(ctx context.Context, args registry.Values) (registry.Values, error) {
	defer p.track(ctx, "load_rack")()

	slots := args["slots"].(int)
	rack := p.racks.Load(slots)
	actx.Info(ctx, "loaded rack %s with %d slots", rack.ID, slots)
	return registry.Values{"rack": rack}, nil
}

func (p *Protocols) wash(ctx context.Context, args registry.Values) (registry.Values, error) {
	defer p.track(ctx, "wash")()

	slides := args["slides"].(int)
	if rack, ok := args["rack"].(*Rack); ok && rack != nil && slides > rack.Slots {
		return nil, registry.Recoverablef("rack %s holds %d slides, asked to wash %d", rack.ID, rack.Slots, slides)
	}

	actx.Info(ctx, "washing %d slides on %s", slides, robotName(ctx))
	if err := sleep(ctx, p.config.WashDuration); err != nil {
		return nil, err
	}
	return registry.Values{"status": "washed"}, nil
}

func (p *Protocols) stain(ctx context.Context, args registry.Values, yield registry.YieldFunc) error {
	defer p.track(ctx, "stain")()

	dye := args["stain"].(string)
	slides := args["slides"].(int)
	actx.Info(ctx, "staining %d slides with %s", slides, dye)

	step := p.config.StainDuration / 4
	for _, pct := range []int{25, 50, 75, 100} {
		if err := sleep(ctx, step); err != nil {
			return err
		}
		actx.Progress(ctx, pct, dye)
	}
	return yield(registry.Values{"status": "stained"})
}

func (p *Protocols) dummy(ctx context.Context, _ registry.Values) (registry.Values, error) {
	defer p.track(ctx, "dummy")()

	actx.Debug(ctx, "dummy protocol on %s", robotName(ctx))
	if err := sleep(ctx, p.config.DummyDuration); err != nil {
		return nil, err
	}
	return nil, nil
}

func (p *Protocols) status(ctx context.Context, _ registry.Values) (registry.Values, error) {
	ac, _ := actx.FromContext(ctx)
	snap := p.state.Snapshot()

	state := "unknown"
	if ac != nil {
		if v, ok := ac.Context(ContextAgent); ok {
			if src, ok := v.(StatusSource); ok {
				st := src.Status()
				state = string(st.State)
				actx.Info(ctx, "agent %s: %d live, %d done", st.InstanceID, st.Live, st.Terminals[types.EventDone])
			}
		}
	}
	return registry.Values{"state": state, "runs": snap.Runs, "busy": snap.Busy}, nil
}

// prime 在绑定 provision 时为机器人归位。
func (p *Protocols) prime(_ context.Context, provision string) error {
	p.logger.Info("robot primed", zap.String("provision", provision), zap.String("robot", p.config.Robot))
	return nil
}

func (p *Protocols) park(_ context.Context, provision string) error {
	p.logger.Info("robot parked", zap.String("provision", provision), zap.String("robot", p.config.Robot))
	return nil
}

// track 在持久状态中记录一次协议运行。
func (p *Protocols) track(ctx context.Context, protocol string) func() {
	state := p.state
	if ac, ok := actx.FromContext(ctx); ok {
		if v, ok := ac.State(StateRobot); ok {
			if s, ok := v.(*RobotState); ok {
				state = s
			}
		}
	}
	return state.begin(protocol)
}

func robotName(ctx context.Context) string {
	if ac, ok := actx.FromContext(ctx); ok {
		if v, ok := ac.Context(ContextRobot); ok {
			if r, ok := v.(*Robot); ok {
				if r.Simulate {
					return r.Name + " (simulated)"
				}
				return r.Name
			}
		}
	}
	return "robot"
}

// sleep 模拟机器人动作耗时，取消时提前返回。
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return context.Cause(ctx)
	}
}
