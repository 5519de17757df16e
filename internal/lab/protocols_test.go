package lab

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"yqhp/ot2-agent/internal/actx"
	"yqhp/ot2-agent/internal/config"
	"yqhp/ot2-agent/internal/registry"
	"yqhp/ot2-agent/pkg/types"
)

type recordingSink struct {
	mu       sync.Mutex
	progress []int
	logs     []string
}

func (s *recordingSink) Progress(pct int, _ string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.progress = append(s.progress, pct)
}

func (s *recordingSink) Log(_ types.LogLevel, message string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logs = append(s.logs, message)
}

// fakeHost 记录注入的上下文并返回固定的状态。
type fakeHost struct {
	contexts map[string]any
	states   map[string]any
}

func newFakeHost() *fakeHost {
	return &fakeHost{contexts: map[string]any{}, states: map[string]any{}}
}

func (h *fakeHost) SetContext(name string, v any) { h.contexts[name] = v }
func (h *fakeHost) SetState(name string, v any)   { h.states[name] = v }
func (h *fakeHost) Status() *types.AgentStatus {
	return &types.AgentStatus{
		InstanceID: "bench-1",
		State:      types.AgentStateLive,
		Terminals:  map[types.EventKind]int64{types.EventDone: 7},
	}
}

func fastLab() config.LabConfig {
	return config.LabConfig{
		Robot:         "ot2-a",
		Simulate:      true,
		WashDuration:  5 * time.Millisecond,
		StainDuration: 20 * time.Millisecond,
		DummyDuration: time.Millisecond,
	}
}

func newProtocols(t *testing.T) (*Protocols, *fakeHost) {
	t.Helper()
	p := New(fastLab(), zaptest.NewLogger(t))
	host := newFakeHost()
	p.Install(host)
	return p, host
}

// handlerContext 构造与调度器相同的处理函数上下文。
func handlerContext(ctx context.Context, host *fakeHost, sink actx.Sink) context.Context {
	ac := actx.New(actx.Identity{Assignation: "a1", Interface: "test"}, sink, types.LogDebug, host.contexts, host.states)
	return actx.WithContext(ctx, ac)
}

func TestRegister_Definitions(t *testing.T) {
	p, _ := newProtocols(t)
	reg := registry.New(nil)
	require.NoError(t, p.Register(reg))

	assert.Equal(t, []string{"dummy", "load_rack", "stain", "status", "wash"}, reg.Interfaces())

	wash, ok := reg.Lookup("wash")
	require.True(t, ok)
	assert.True(t, wash.Definition.Blocking)
	assert.Equal(t, []string{GroupRobotArm}, wash.SyncGroups)
	assert.NotNil(t, wash.Provide)

	stain, ok := reg.Lookup("stain")
	require.True(t, ok)
	assert.Equal(t, registry.KindGenerator, stain.Definition.Kind)

	status, ok := reg.Lookup("status")
	require.True(t, ok)
	assert.ElementsMatch(t, []string{ContextRobot, ContextAgent}, status.Contexts)
	assert.Empty(t, status.SyncGroups)

	_, ok = reg.Structures().Get(RackIdentifier)
	assert.True(t, ok)

	// 第二次注册结构体即失败
	assert.Error(t, p.Register(reg))
}

func TestInstall_InjectsAmbient(t *testing.T) {
	p, host := newProtocols(t)

	robot, ok := host.contexts[ContextRobot].(*Robot)
	require.True(t, ok)
	assert.Equal(t, "ot2-a", robot.Name)
	assert.Same(t, p.State(), host.states[StateRobot])
	assert.NotNil(t, host.contexts[ContextAgent])
}

func TestWash_WashesAndCounts(t *testing.T) {
	p, host := newProtocols(t)
	sink := &recordingSink{}
	ctx := handlerContext(context.Background(), host, sink)

	out, err := p.wash(ctx, registry.Values{"slides": 4, "rack": nil})
	require.NoError(t, err)
	assert.Equal(t, registry.Values{"status": "washed"}, out)
	assert.Equal(t, []string{"washing 4 slides on ot2-a (simulated)"}, sink.logs)

	snap := p.State().Snapshot()
	assert.Equal(t, 1, snap.Runs)
	assert.Equal(t, "wash", snap.Last)
	assert.False(t, snap.Busy)
}

func TestWash_RackTooSmallIsRecoverable(t *testing.T) {
	p, host := newProtocols(t)
	ctx := handlerContext(context.Background(), host, &recordingSink{})
	rack := p.Racks().Load(2)

	_, err := p.wash(ctx, registry.Values{"slides": 4, "rack": rack})
	require.Error(t, err)
	assert.True(t, registry.IsRecoverable(err))
	assert.Contains(t, err.Error(), "holds 2 slides")
}

func TestWash_StopsOnCancel(t *testing.T) {
	p, host := newProtocols(t)
	p.config.WashDuration = time.Hour

	ctx, cancel := context.WithCancelCause(context.Background())
	boom := errors.New("stop")
	time.AfterFunc(10*time.Millisecond, func() { cancel(boom) })

	_, err := p.wash(handlerContext(ctx, host, &recordingSink{}), registry.Values{"slides": 1})
	assert.ErrorIs(t, err, boom)
	assert.False(t, p.State().Snapshot().Busy)
}

func TestStain_ReportsQuarters(t *testing.T) {
	p, host := newProtocols(t)
	sink := &recordingSink{}
	ctx := handlerContext(context.Background(), host, sink)

	var yielded []registry.Values
	err := p.stain(ctx, registry.Values{"stain": "eosin", "slides": 3}, func(v registry.Values) error {
		yielded = append(yielded, v)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []int{25, 50, 75, 100}, sink.progress)
	assert.Equal(t, []registry.Values{{"status": "stained"}}, yielded)
}

func TestLoadRack_ReturnsStoredRack(t *testing.T) {
	p, host := newProtocols(t)
	ctx := handlerContext(context.Background(), host, &recordingSink{})

	out, err := p.loadRack(ctx, registry.Values{"slots": 12})
	require.NoError(t, err)
	rack, ok := out["rack"].(*Rack)
	require.True(t, ok)
	assert.Equal(t, 12, rack.Slots)

	got, ok := p.Racks().Get(rack.ID)
	require.True(t, ok)
	assert.Same(t, rack, got)
}

func TestDummy_ReturnsNothing(t *testing.T) {
	p, host := newProtocols(t)
	sink := &recordingSink{}

	out, err := p.dummy(handlerContext(context.Background(), host, sink), nil)
	require.NoError(t, err)
	assert.Nil(t, out)
	assert.Equal(t, []string{"dummy protocol on ot2-a (simulated)"}, sink.logs)
}

func TestStatus_ReadsAgentAndState(t *testing.T) {
	p, host := newProtocols(t)
	sink := &recordingSink{}
	ctx := handlerContext(context.Background(), host, sink)

	_, err := p.dummy(ctx, nil)
	require.NoError(t, err)

	out, err := p.status(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, registry.Values{"state": "live", "runs": 1, "busy": false}, out)
	assert.Contains(t, sink.logs, "agent bench-1: 0 live, 7 done")
}
