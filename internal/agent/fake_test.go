package agent

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"yqhp/ot2-agent/internal/registry"
	"yqhp/ot2-agent/internal/transport"
	"yqhp/ot2-agent/pkg/types"
)

// fakeChannel records events in send order and feeds inbound messages.
type fakeChannel struct {
	mu     sync.Mutex
	events []*types.AssignationEvent
	cond   *sync.Cond

	inbox      chan *types.WSMessage
	initFunc   transport.InitFunc
	statusFunc transport.StatusFunc
}

func newFakeChannel() *fakeChannel {
	f := &fakeChannel{inbox: make(chan *types.WSMessage, 64)}
	f.cond = sync.NewCond(&f.mu)
	return f
}

func (f *fakeChannel) SendEvent(ev *types.AssignationEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *ev
	f.events = append(f.events, &cp)
	f.cond.Broadcast()
	return nil
}

func (f *fakeChannel) Run(ctx context.Context) error {
	<-ctx.Done()
	return nil
}

func (f *fakeChannel) Receive(ctx context.Context) (*types.WSMessage, error) {
	select {
	case msg := <-f.inbox:
		return msg, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (f *fakeChannel) SetInitFunc(fn transport.InitFunc)     { f.initFunc = fn }
func (f *fakeChannel) SetStatusFunc(fn transport.StatusFunc) { f.statusFunc = fn }
func (f *fakeChannel) State() types.AgentState               { return types.AgentStateLive }
func (f *fakeChannel) Pending() int                          { return 0 }

// Events returns a copy of every event sent so far.
func (f *fakeChannel) Events() []*types.AssignationEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*types.AssignationEvent(nil), f.events...)
}

// For returns the events of one assignation.
func (f *fakeChannel) For(id string) []*types.AssignationEvent {
	var out []*types.AssignationEvent
	for _, ev := range f.Events() {
		if ev.Assignation == id {
			out = append(out, ev)
		}
	}
	return out
}

// waitFor blocks until pred holds over the recorded events.
func (f *fakeChannel) waitFor(t *testing.T, timeout time.Duration, pred func([]*types.AssignationEvent) bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)

	stop := time.AfterFunc(timeout, func() {
		f.mu.Lock()
		f.cond.Broadcast()
		f.mu.Unlock()
	})
	defer stop.Stop()

	f.mu.Lock()
	defer f.mu.Unlock()
	for !pred(f.events) {
		if time.Now().After(deadline) {
			t.Fatalf("condition not met in %v; events: %s", timeout, kinds(f.events))
		}
		f.cond.Wait()
	}
}

// waitTerminal waits for a terminal event of every id.
func (f *fakeChannel) waitTerminal(t *testing.T, ids ...string) {
	t.Helper()
	f.waitFor(t, 5*time.Second, func(events []*types.AssignationEvent) bool {
		seen := make(map[string]bool)
		for _, ev := range events {
			if ev.Kind.IsTerminal() {
				seen[ev.Assignation] = true
			}
		}
		for _, id := range ids {
			if !seen[id] {
				return false
			}
		}
		return true
	})
}

// waitKind waits until id has emitted an event of kind.
func (f *fakeChannel) waitKind(t *testing.T, id string, kind types.EventKind) {
	t.Helper()
	f.waitFor(t, 5*time.Second, func(events []*types.AssignationEvent) bool {
		for _, ev := range events {
			if ev.Assignation == id && ev.Kind == kind {
				return true
			}
		}
		return false
	})
}

func kinds(events []*types.AssignationEvent) []string {
	out := make([]string, 0, len(events))
	for _, ev := range events {
		s := fmt.Sprintf("%s(%s)", ev.Kind, ev.Assignation)
		if ev.Kind == types.EventProgress && ev.Progress != nil {
			s = fmt.Sprintf("%s(%s,%d)", ev.Kind, ev.Assignation, *ev.Progress)
		}
		out = append(out, s)
	}
	return out
}

func kindsOf(events []*types.AssignationEvent) []types.EventKind {
	out := make([]types.EventKind, 0, len(events))
	for _, ev := range events {
		out = append(out, ev.Kind)
	}
	return out
}

func testAgentConfig() *Config {
	cfg := DefaultConfig()
	cfg.InstanceID = "bench-1"
	cfg.ProgressWindow = 0
	cfg.CancelGrace = 200 * time.Millisecond
	cfg.LogFloor = types.LogDebug
	return cfg
}

// newTestAgent builds an agent over a fake channel; the returned context
// is the one inbound messages are handled under.
func newTestAgent(t *testing.T, cfg *Config, reg *registry.Registry) (*Agent, *fakeChannel, context.Context) {
	t.Helper()
	if cfg == nil {
		cfg = testAgentConfig()
	}
	ch := newFakeChannel()
	a, err := New(cfg, reg, ch, zaptest.NewLogger(t))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(func() {
		cancel()
		a.shutdown()
	})
	return a, ch, ctx
}

func assignMsg(t *testing.T, p *types.AssignPayload) *types.WSMessage {
	t.Helper()
	msg, err := types.NewMessage(types.WSMsgAssign, p)
	require.NoError(t, err)
	return msg
}

func cancelMsg(t *testing.T, msgType types.WSMessageType, id string) *types.WSMessage {
	t.Helper()
	msg, err := types.NewMessage(msgType, &types.CancelPayload{Assignation: id})
	require.NoError(t, err)
	return msg
}

func provideMsg(t *testing.T, msgType types.WSMessageType, provision, iface string) *types.WSMessage {
	t.Helper()
	msg, err := types.NewMessage(msgType, &types.ProvidePayload{Provision: provision, Interface: iface})
	require.NoError(t, err)
	return msg
}
