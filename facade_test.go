package interceptor

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// seedTarget installs a FunctionContext for addr directly into ic's table,
// bypassing Attach/Replace's call to arm(): these tests exercise the
// façade's bookkeeping and conflict rules, not the real prologue patch,
// which needs genuine executable memory to be meaningful.
func seedTarget(ic *Interceptor, addr uintptr) *FunctionContext {
	ctx := newFunctionContext(ic, addr)
	ic.targets[addr] = ctx
	return ctx
}

func TestAttachRejectsWhenTargetAlreadyReplaced(t *testing.T) {
	ic := New()
	ctx := seedTarget(ic, 0x1000)
	ctx.mode = modeReplace
	ctx.replacement = 0x2000
	ctx.active = true

	err := ic.Attach(0x1000, &stubListener{name: "a"}, nil)
	assert.ErrorIs(t, err, PolicyViolation)
}

func TestAttachOnAlreadyArmedContextAddsListenerWithoutRearming(t *testing.T) {
	ic := New()
	ctx := seedTarget(ic, 0x1000)
	ctx.mode = modeMonitor
	ctx.active = true // pretend already armed; arm() must not be invoked

	require.NoError(t, ic.Attach(0x1000, &stubListener{name: "a"}, nil))
	assert.Equal(t, 1, ctx.listenerCount())

	require.NoError(t, ic.Attach(0x1000, &stubListener{name: "b"}, nil))
	assert.Equal(t, 2, ctx.listenerCount())
}

func TestAttachSameListenerTwiceIsAlreadyAttached(t *testing.T) {
	ic := New()
	ctx := seedTarget(ic, 0x1000)
	ctx.active = true
	l := &stubListener{name: "a"}

	require.NoError(t, ic.Attach(0x1000, l, nil))
	err := ic.Attach(0x1000, l, nil)
	assert.ErrorIs(t, err, AlreadyAttached)
}

func TestDetachLastListenerTearsDownUnarmedContext(t *testing.T) {
	ic := New()
	ctx := seedTarget(ic, 0x1000)
	ctx.active = false // never really armed: disarm() must short-circuit
	l := &stubListener{name: "a"}
	require.NoError(t, ctx.addListener(l, nil))

	require.NoError(t, ic.Detach(0x1000, l))
	_, stillPresent := ic.targets[0x1000]
	assert.False(t, stillPresent)
}

func TestDetachOfUnknownTargetIsNoOp(t *testing.T) {
	ic := New()
	assert.NoError(t, ic.Detach(0x9999, &stubListener{name: "a"}))
}

func TestReplaceRejectsWhenMonitorListenersPresent(t *testing.T) {
	ic := New()
	ctx := seedTarget(ic, 0x1000)
	ctx.mode = modeMonitor
	ctx.active = true
	require.NoError(t, ctx.addListener(&stubListener{name: "a"}, nil))

	err := ic.Replace(0x1000, 0x2000, nil)
	assert.ErrorIs(t, err, PolicyViolation)
}

func TestReplaceRejectsDifferentReplacementOnSameTarget(t *testing.T) {
	ic := New()
	ctx := seedTarget(ic, 0x1000)
	ctx.mode = modeReplace
	ctx.replacement = 0x2000
	ctx.active = true
	require.NoError(t, ctx.addListener(uintptr(0x2000), nil))

	err := ic.Replace(0x1000, 0x3000, nil)
	assert.ErrorIs(t, err, AlreadyReplaced)
}

func TestReplaceSameReplacementTwiceIsAlreadyAttached(t *testing.T) {
	ic := New()
	ctx := seedTarget(ic, 0x1000)
	ctx.mode = modeReplace
	ctx.replacement = 0x2000
	ctx.active = true
	require.NoError(t, ctx.addListener(uintptr(0x2000), nil))

	err := ic.Replace(0x1000, 0x2000, nil)
	assert.ErrorIs(t, err, AlreadyAttached)
}

func TestRevertOfUnknownTargetIsNoOp(t *testing.T) {
	ic := New()
	assert.NoError(t, ic.Revert(0x9999))
}

func TestRevertTearsDownUnarmedContextOnceEmpty(t *testing.T) {
	ic := New()
	ctx := seedTarget(ic, 0x1000)
	ctx.mode = modeReplace
	ctx.replacement = 0x2000
	ctx.active = false
	require.NoError(t, ctx.addListener(uintptr(0x2000), nil))

	require.NoError(t, ic.Revert(0x1000))
	_, stillPresent := ic.targets[0x1000]
	assert.False(t, stillPresent)
}

func TestIgnoreDelegatesToRegistry(t *testing.T) {
	ic := New(WithUnignoreDelay(10 * time.Millisecond))
	const tid = 123
	assert.False(t, ic.IsIgnored(tid))
	ic.Ignore(tid)
	assert.True(t, ic.IsIgnored(tid))
	ic.Unignore(tid)
	assert.False(t, ic.IsIgnored(tid))
}

func TestBeginEndTransactionNests(t *testing.T) {
	ic := New()
	ic.BeginTransaction()
	ic.BeginTransaction()
	ic.EndTransaction()
	ic.EndTransaction()
}

func TestWithLoggerOption(t *testing.T) {
	custom := Log
	ic := New(WithLogger(custom))
	assert.Same(t, custom, ic.log)
}
