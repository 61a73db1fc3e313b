package interceptor

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubListener struct{ name string }

func (stubListener) OnEnter(*Invocation) {}
func (stubListener) OnLeave(*Invocation) {}

func TestFunctionContextAddListenerRejectsDuplicate(t *testing.T) {
	ctx := newFunctionContext(nil, 0x1000)
	l := &stubListener{name: "a"}

	require.NoError(t, ctx.addListener(l, nil))
	err := ctx.addListener(l, nil)
	assert.ErrorIs(t, err, AlreadyAttached)
	assert.Equal(t, 1, ctx.listenerCount())
}

func TestFunctionContextAddListenerAllowsDistinctIdentities(t *testing.T) {
	ctx := newFunctionContext(nil, 0x1000)
	require.NoError(t, ctx.addListener(&stubListener{name: "a"}, nil))
	require.NoError(t, ctx.addListener(&stubListener{name: "b"}, "payload"))
	assert.Equal(t, 2, ctx.listenerCount())
}

func TestFunctionContextRemoveListenerIsNoOpWhenAbsent(t *testing.T) {
	ctx := newFunctionContext(nil, 0x1000)
	removed := ctx.removeListener(&stubListener{name: "never attached"})
	assert.False(t, removed)
}

func TestFunctionContextRemoveListenerThenIsEmpty(t *testing.T) {
	ctx := newFunctionContext(nil, 0x1000)
	l := &stubListener{name: "a"}
	require.NoError(t, ctx.addListener(l, nil))
	assert.False(t, ctx.isEmpty())

	removed := ctx.removeListener(l)
	assert.True(t, removed)
	assert.True(t, ctx.isEmpty())
}

func TestFunctionContextListenersSnapshotIsStableUnderConcurrentAdd(t *testing.T) {
	ctx := newFunctionContext(nil, 0x2000)
	require.NoError(t, ctx.addListener(&stubListener{name: "a"}, nil))

	snap := ctx.listenersSnapshot()
	require.Len(t, snap, 1)

	require.NoError(t, ctx.addListener(&stubListener{name: "b"}, nil))
	// The snapshot taken before the second add must not observe it: writers
	// publish a new slice rather than mutate the one readers hold.
	assert.Len(t, snap, 1)
	assert.Len(t, ctx.listenersSnapshot(), 2)
}
