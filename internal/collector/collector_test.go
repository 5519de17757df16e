package collector

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"yqhp/ot2-agent/internal/port"
)

type recordingReleaser struct {
	mu       sync.Mutex
	released []string
	fail     map[string]bool
}

func (r *recordingReleaser) Release(_ context.Context, identifier, handle string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail[identifier] {
		return errors.New("unknown structure")
	}
	r.released = append(r.released, handle)
	return nil
}

func h(handle string) []port.Handle {
	return []port.Handle{{Identifier: "@ot2/rack", Handle: handle}}
}

func TestDrainTree_PostOrderReverse(t *testing.T) {
	rel := &recordingReleaser{}
	c := New(rel, nil)
	ctx := context.Background()

	// root
	//  ├── a (a1)
	//  │    └── a.x (ax1)
	//  └── b (b1, b2)
	require.NoError(t, c.Open("root", ""))
	require.NoError(t, c.Open("a", "root"))
	require.NoError(t, c.Open("b", "root"))
	require.NoError(t, c.Open("a.x", "a"))
	require.NoError(t, c.Add("root", h("r1")))
	require.NoError(t, c.Add("a", h("a1")))
	require.NoError(t, c.Add("a.x", h("ax1")))
	require.NoError(t, c.Add("b", append(h("b1"), h("b2")...)))

	assert.Equal(t, 5, c.Outstanding("root"))
	assert.Equal(t, 2, c.Outstanding("a"))

	n := c.DrainTree(ctx, "root")
	assert.Equal(t, 5, n)
	assert.Equal(t, []string{"b2", "b1", "ax1", "a1", "r1"}, rel.released)
	assert.Equal(t, 0, c.Outstanding("root"))
	assert.Equal(t, 0, c.Len())
}

func TestDrainTree_Subtree(t *testing.T) {
	rel := &recordingReleaser{}
	c := New(rel, nil)
	ctx := context.Background()

	require.NoError(t, c.Open("root", ""))
	require.NoError(t, c.Open("a", "root"))
	require.NoError(t, c.Open("b", "root"))
	require.NoError(t, c.Add("a", h("a1")))
	require.NoError(t, c.Add("b", h("b1")))

	c.DrainTree(ctx, "a")
	assert.Equal(t, []string{"a1"}, rel.released)
	assert.False(t, c.Has("a"))
	assert.Equal(t, 1, c.Outstanding("root"))

	c.DrainTree(ctx, "root")
	assert.Equal(t, []string{"a1", "b1"}, rel.released)
}

func TestReleaseOwn_LeavesSiblingsAndChildren(t *testing.T) {
	rel := &recordingReleaser{}
	c := New(rel, nil)
	ctx := context.Background()

	require.NoError(t, c.Open("root", ""))
	require.NoError(t, c.Open("a", "root"))
	require.NoError(t, c.Open("a.x", "a"))
	require.NoError(t, c.Open("b", "root"))
	require.NoError(t, c.Add("a", h("a1")))
	require.NoError(t, c.Add("a.x", h("ax1")))
	require.NoError(t, c.Add("b", h("b1")))

	assert.Equal(t, 1, c.ReleaseOwn(ctx, "a"))
	assert.Equal(t, []string{"a1"}, rel.released)
	assert.True(t, c.Has("a"))
	assert.Equal(t, 1, c.Outstanding("a"))
	assert.Equal(t, 2, c.Outstanding("root"))

	c.DrainTree(ctx, "root")
	assert.Equal(t, 0, c.Outstanding("root"))
	assert.ElementsMatch(t, []string{"a1", "ax1", "b1"}, rel.released)
}

func TestOpen_Errors(t *testing.T) {
	c := New(nil, nil)
	require.NoError(t, c.Open("root", ""))

	assert.ErrorIs(t, c.Open("orphan", "missing"), ErrUnknownParent)
	assert.ErrorIs(t, c.Open("root", ""), ErrAlreadyTracked)
	assert.Error(t, c.Add("ghost", h("g1")))
	assert.NoError(t, c.Add("ghost", nil))
}

func TestRelease_FailureOnlyWarns(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	rel := &recordingReleaser{fail: map[string]bool{"@gone": true}}
	c := New(rel, zap.New(core))

	require.NoError(t, c.Open("root", ""))
	require.NoError(t, c.Add("root", []port.Handle{
		{Identifier: "@ot2/rack", Handle: "r1"},
		{Identifier: "@gone", Handle: "g1"},
	}))

	assert.Equal(t, 2, c.DrainTree(context.Background(), "root"))
	assert.Equal(t, []string{"r1"}, rel.released)
	require.Equal(t, 1, logs.Len())
	assert.Equal(t, "release handle failed", logs.All()[0].Message)
}
