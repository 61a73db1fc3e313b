package interceptor

import (
	"sync/atomic"
	"unsafe"

	"github.com/dorlow/interceptor/winapi"
)

// liveContexts maps a FunctionContext's address back to itself, so the native
// dispatch bridge (which only has a bare uintptr handed back from the
// trampoline's immediate operand) can recover the Go-side object. The
// contexts themselves are reached through this map rather than recreated,
// matching spec §5's "single writer (the façade under transaction lock),
// many readers (dispatchers) via RCU-style publication" for the
// FunctionContext table.
var liveContexts atomic.Pointer[map[uintptr]*FunctionContext]

func init() {
	m := map[uintptr]*FunctionContext{}
	liveContexts.Store(&m)
}

func registerContext(ctx *FunctionContext) {
	for {
		old := liveContexts.Load()
		next := make(map[uintptr]*FunctionContext, len(*old)+1)
		for k, v := range *old {
			next[k] = v
		}
		next[uintptr(unsafe.Pointer(ctx))] = ctx
		if liveContexts.CompareAndSwap(old, &next) {
			return
		}
	}
}

func unregisterContext(ctx *FunctionContext) {
	for {
		old := liveContexts.Load()
		next := make(map[uintptr]*FunctionContext, len(*old))
		for k, v := range *old {
			if k != uintptr(unsafe.Pointer(ctx)) {
				next[k] = v
			}
		}
		if liveContexts.CompareAndSwap(old, &next) {
			return
		}
	}
}

func lookupContext(addr uintptr) *FunctionContext {
	return (*liveContexts.Load())[addr]
}

// dispatchEnterResult communicates back to the emitted machine code
// whether it should proceed to the replacement (replace mode) via a
// nonzero return, exactly mirroring spec §4.2's `proceed?` contract.
type dispatchEnterResult = uintptr

const (
	resultSkip    dispatchEnterResult = 0
	resultProceed dispatchEnterResult = 1
)

// dispatchEnter implements spec §4.2's dispatch_enter contract. ctxAddr
// identifies the FunctionContext (looked up through liveContexts since the
// trampoline only carries a bare address); cpuAddr points at the just-
// pushed CpuContext; retAddrSlot points at the stack slot holding the
// caller's true return address.
//
// On every call that pushes a frame (not ignored, and not a replace-mode
// re-entrance) this rewrites *retAddrSlot to ctx's
// on_leave_trampoline so that the callee's eventual return (whether from
// the relocated prologue continuing into the rest of the original
// function, or from the replacement) lands in on_leave_trampoline instead
// of the real caller — amd64 has no separate link register, so the
// "return-address slot" itself (not a popped register) is the thing that
// must be rewritten and later restored, unlike the arm64 LR scheme
// guminterceptor-arm64.c describes.
func dispatchEnter(ctxAddr, cpuAddr, retAddrSlot uintptr) dispatchEnterResult {
	ctx := lookupContext(ctxAddr)
	if ctx == nil {
		Log.WithField("ctx", ctxAddr).Warn("interceptor: dispatch_enter for unknown context")
		return resultSkip
	}

	threadID := winapi.CurrentThreadID()
	if ctx.owner.ignore.isIgnored(threadID) {
		return resultSkip
	}

	stack := stackForCurrentThread()

	ctx.mu.Lock()
	replaceMode := ctx.mode == modeReplace
	onLeave := ctx.onLeaveTrampoline
	ctx.mu.Unlock()

	if replaceMode && stack.hasContext(ctx) {
		// Re-entrance guard (spec §4.2/§8 property 4): a replacement
		// calling back into its own original must not recurse into the
		// replacement again.
		return resultSkip
	}

	cpu := cpuContextFromPointer(cpuAddr)
	trueReturnAddr := *(*uintptr)(unsafe.Pointer(retAddrSlot))

	frame := &InvocationFrame{
		context:         ctx,
		cpuSnapshot:     cpu,
		retAddrSlot:     retAddrSlot,
		savedReturnAddr: trueReturnAddr,
		depth:           stack.depth(),
		systemError:     winapi.GetLastError(),
	}
	stack.push(frame)

	inv := &Invocation{frame: frame}
	ignoreDuringListeners(ctx, threadID, func() { runEnterListeners(ctx, inv) })

	// Redirect the slot the callee will eventually return through so
	// control lands in on_leave_trampoline instead of the real caller.
	*(*uintptr)(unsafe.Pointer(retAddrSlot)) = onLeave

	if !replaceMode {
		return resultSkip // monitor mode never redirects control flow here
	}
	return resultProceed
}

// ignoreDuringListeners marks the calling thread ignored for the duration
// of fn, which must run only listener code — never the original target
// body, which must stay interceptable. Without this, listener code that
// calls back into an intercepted function (including the one it is
// currently probing) would recurse forever (spec §4.4: "Any thread
// currently executing probe logic is marked ignored via ignore(thread_id);
// the dispatcher checks the registry before pushing a frame."). ctx.owner
// is nil only for FunctionContexts built directly by unit tests that don't
// go through an Interceptor; every context reachable from a real trampoline
// was created by Attach/Replace and always has one.
func ignoreDuringListeners(ctx *FunctionContext, threadID uint32, fn func()) {
	if ctx.owner == nil {
		fn()
		return
	}
	ctx.owner.ignore.ignore(threadID)
	defer ctx.owner.ignore.unignore(threadID)
	fn()
}

// runEnterListeners runs every currently published enter listener for ctx
// in registration order (spec §4.2, §8 property 2). A listener's own panic
// is treated as a runtime listener error (spec §7): logged, isolated, and
// the rest of the list still runs.
func runEnterListeners(ctx *FunctionContext, inv *Invocation) {
	for _, rec := range ctx.listenersSnapshot() {
		el, ok := rec.listener.(EnterListener)
		if !ok {
			continue
		}
		inv.rec = rec
		callListenerEnter(el, inv, rec)
	}
}

func callListenerEnter(el EnterListener, inv *Invocation, rec *listenerRecord) {
	defer func() {
		if r := recover(); r != nil {
			Log.WithField("listener", rec.listener).WithField("panic", r).
				Warn("interceptor: on_enter listener error, continuing dispatch")
		}
	}()
	el.OnEnter(inv)
}

// dispatchLeave implements spec §4.2's dispatch_leave contract. It pops
// the top frame of the calling thread's stack, asserts it belongs to ctx
// (spec §4.2: "asserts it matches the expected FunctionContext (if not,
// the call is aborted — the target stack has been corrupted)"), runs
// leave listeners in reverse registration order, restores system_error,
// and returns the true original return address for the trampoline to jump
// to.
func dispatchLeave(ctxAddr, cpuAddr uintptr) uintptr {
	ctx := lookupContext(ctxAddr)
	stack := stackForCurrentThread()

	frame := stack.pop()
	if frame == nil || ctx == nil || frame.context != ctx {
		// Fatal logs and terminates the process (spec §7: "fatal — the
		// process has been damaged outside our purview").
		Log.WithField("ctx", ctxAddr).WithError(ErrStackCorrupted).Fatal("interceptor: invocation stack corrupted at leave")
	}

	frame.cpuSnapshot = cpuContextFromPointer(cpuAddr)
	frame.popped = false // still valid for the duration of leave listeners

	// Re-capture the last-error the call itself just produced, rather than
	// replaying the entry-time snapshot: spec §8 property 1 requires the
	// system-error indicator to be transparent for an unmutated target, and
	// the function's own exit code is the only value that satisfies that
	// for a target which sets last-error. A leave listener may still
	// rewrite it via SetSystemError before it's re-applied below.
	frame.systemError = winapi.GetLastError()

	inv := &Invocation{frame: frame, leaving: true}

	threadID := winapi.CurrentThreadID()
	ignoreDuringListeners(ctx, threadID, func() { runLeaveListeners(ctx, inv) })

	winapi.SetLastError(frame.systemError)
	frame.popped = true

	return frame.savedReturnAddr
}

func runLeaveListeners(ctx *FunctionContext, inv *Invocation) {
	recs := ctx.listenersSnapshot()
	for i := len(recs) - 1; i >= 0; i-- {
		rec := recs[i]
		ll, ok := rec.listener.(LeaveListener)
		if !ok {
			continue
		}
		inv.rec = rec
		callListenerLeave(ll, inv, rec)
	}
}

func callListenerLeave(ll LeaveListener, inv *Invocation, rec *listenerRecord) {
	defer func() {
		if r := recover(); r != nil {
			Log.WithField("listener", rec.listener).WithField("panic", r).
				Warn("interceptor: on_leave listener error, continuing dispatch")
		}
	}()
	ll.OnLeave(inv)
}
