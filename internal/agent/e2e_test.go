package agent_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"yqhp/ot2-agent/internal/agent"
	"yqhp/ot2-agent/internal/config"
	"yqhp/ot2-agent/internal/lab"
	"yqhp/ot2-agent/internal/orchestratortest"
	"yqhp/ot2-agent/internal/registry"
	"yqhp/ot2-agent/internal/transport"
	"yqhp/ot2-agent/pkg/types"
)

type bench struct {
	srv   *orchestratortest.Server
	agent *agent.Agent
	ctx   context.Context
}

// startBench 启动假编排器，并让 Agent 通过真实传输层连接上去。
func startBench(t *testing.T, reg *registry.Registry, protocols *lab.Protocols) *bench {
	t.Helper()
	srv := orchestratortest.New("secret")
	require.NoError(t, srv.Start())
	t.Cleanup(func() { _ = srv.Close() })

	tcfg := transport.DefaultConfig()
	tcfg.ReconnectInterval = 10 * time.Millisecond
	tcfg.MaxReconnectInterval = 50 * time.Millisecond
	tcfg.HeartbeatInterval = 0
	tr := transport.New(transport.StaticEndpoint{URL: srv.URL(), Token: "secret"}, tcfg, zaptest.NewLogger(t))

	acfg := agent.DefaultConfig()
	acfg.InstanceID = "bench-1"
	acfg.ProgressWindow = 0
	a, err := agent.New(acfg, reg, tr, zaptest.NewLogger(t))
	require.NoError(t, err)
	if protocols != nil {
		protocols.Install(a)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Error("agent did not stop")
		}
	})

	wait, waitCancel := context.WithTimeout(ctx, 5*time.Second)
	defer waitCancel()
	require.NoError(t, srv.WaitConnected(wait, 1))
	return &bench{srv: srv, agent: a, ctx: ctx}
}

func labRegistry(t *testing.T) (*registry.Registry, *lab.Protocols) {
	t.Helper()
	cfg := config.DefaultConfig().Lab
	cfg.WashDuration = 5 * time.Millisecond
	cfg.StainDuration = 20 * time.Millisecond
	cfg.DummyDuration = time.Millisecond

	reg := registry.New(nil)
	protocols := lab.New(cfg, zaptest.NewLogger(t))
	require.NoError(t, protocols.Register(reg))
	return reg, protocols
}

func kindsOf(events []*types.AssignationEvent) []types.EventKind {
	out := make([]types.EventKind, 0, len(events))
	for _, ev := range events {
		out = append(out, ev.Kind)
	}
	return out
}

func TestEndToEnd_WashOverWebSocket(t *testing.T) {
	reg, protocols := labRegistry(t)
	b := startBench(t, reg, protocols)

	inits := b.srv.Inits()
	require.Len(t, inits, 1)
	assert.Equal(t, "bench-1", inits[0].InstanceID)
	assert.Equal(t, reg.Hash(), inits[0].RegistryHash)
	assert.Empty(t, inits[0].Inquiries)

	require.NoError(t, b.srv.Assign(&types.AssignPayload{
		Assignation: "a1",
		Interface:   "wash",
		Args:        map[string]any{"slides": 4},
	}))
	events, err := b.srv.Collect(5*time.Second, "a1")
	require.NoError(t, err)

	assert.Equal(t, []types.EventKind{
		types.EventQueued, types.EventAssign, types.EventLog, types.EventYield, types.EventDone,
	}, kindsOf(events))
	assert.Equal(t, map[string]any{"status": "washed"}, events[3].Returns)
}

func TestEndToEnd_StainReportsProgress(t *testing.T) {
	reg, protocols := labRegistry(t)
	b := startBench(t, reg, protocols)

	require.NoError(t, b.srv.Assign(&types.AssignPayload{
		Assignation: "st1",
		Interface:   "stain",
		Args:        map[string]any{"stain": "eosin", "slides": 2},
	}))
	events, err := b.srv.Collect(5*time.Second, "st1")
	require.NoError(t, err)

	var progress []int
	for _, ev := range events {
		if ev.Kind == types.EventProgress {
			progress = append(progress, *ev.Progress)
		}
	}
	assert.Equal(t, []int{25, 50, 75, 100}, progress)
	assert.Equal(t, types.EventDone, events[len(events)-1].Kind)
}

func TestEndToEnd_UnknownInterface(t *testing.T) {
	reg, protocols := labRegistry(t)
	b := startBench(t, reg, protocols)

	require.NoError(t, b.srv.Assign(&types.AssignPayload{Assignation: "a6", Interface: "pipette"}))
	events, err := b.srv.Collect(5*time.Second, "a6")
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, types.EventCritical, events[0].Kind)
	assert.Equal(t, "unknown interface: pipette", events[0].Message)
}

func TestEndToEnd_ReconnectPreservesInFlight(t *testing.T) {
	release := make(chan struct{})
	reg := registry.New(nil)
	require.NoError(t, reg.Register("hold", registry.Definition{}, registry.Function(
		func(ctx context.Context, _ registry.Values) (registry.Values, error) {
			select {
			case <-release:
				return nil, nil
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		})))
	b := startBench(t, reg, nil)

	require.NoError(t, b.srv.Assign(&types.AssignPayload{Assignation: "r1", Interface: "hold"}))

	deadline := time.After(5 * time.Second)
	for started := false; !started; {
		select {
		case ev := <-b.srv.Events():
			started = ev.Assignation == "r1" && ev.Kind == types.EventAssign
		case <-deadline:
			t.Fatal("r1 never started")
		}
	}

	b.srv.DropConnections()
	wait, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, b.srv.WaitConnected(wait, 2))

	inits := b.srv.Inits()
	require.Len(t, inits, 2)
	assert.Equal(t, []string{"r1"}, inits[1].Inquiries)

	close(release)
	events, err := b.srv.Collect(5*time.Second, "r1")
	require.NoError(t, err)
	assert.Equal(t, types.EventDone, events[len(events)-1].Kind)
	assert.Eventually(t, func() bool { return b.agent.Live() == 0 }, time.Second, time.Millisecond)
}
