package interceptor

import (
	"sync"
	"sync/atomic"

	"github.com/dorlow/interceptor/winapi"
)

// EnterListener is implemented by listeners that want to run on_enter.
// Either EnterListener or LeaveListener (or both) may be implemented by a
// single Listener value — spec §6: "either may be absent".
type EnterListener interface {
	OnEnter(inv *Invocation)
}

// LeaveListener is implemented by listeners that want to run on_leave.
type LeaveListener interface {
	OnLeave(inv *Invocation)
}

// Listener is the identity used to register and later detach probes. Most
// callers implement EnterListener, LeaveListener, or both on the same
// value; the value's identity (not its type) is what Attach/Detach key on.
type Listener interface{}

// listenerRecord pairs a listener with its per-target opaque user data
// (spec §3: "ordered set of listener records (identity + per-target opaque
// user data)"). Records are owned by the FunctionContext; per spec §9 they
// never hold a back-pointer into the listener itself beyond this identity.
type listenerRecord struct {
	listener Listener
	userData interface{}
}

// mode distinguishes monitor-only contexts from replace contexts. spec §3:
// "an address is either monitored or replaced, never both".
type mode int

const (
	modeMonitor mode = iota
	modeReplace
)

// FunctionContext is the per-target state described by spec §3. Its
// listeners field is published via atomic.Pointer so dispatch's fast path
// (running on an arbitrary calling thread) never takes a lock to read the
// current listener list — writers (the façade, under the transaction
// lock) swap in a new slice rather than mutate one in place, matching
// spec §5's "Writers publish new listener lists via atomic pointer swap."
type FunctionContext struct {
	functionAddress uintptr
	owner           *Interceptor // the Interceptor this context belongs to, for ignore-registry lookup

	mu          sync.Mutex // guards everything below except listeners
	mode        mode
	replacement uintptr
	active      bool

	trampolineSlice       *winapi.Slice
	onEnterTrampoline     uintptr
	onLeaveTrampoline     uintptr
	relocatedPrologueAddr uintptr
	overwrittenPrologue   []byte

	listeners atomic.Pointer[[]*listenerRecord]
}

func newFunctionContext(owner *Interceptor, functionAddress uintptr) *FunctionContext {
	ctx := &FunctionContext{functionAddress: functionAddress, owner: owner}
	empty := []*listenerRecord{}
	ctx.listeners.Store(&empty)
	registerContext(ctx)
	return ctx
}

// FunctionAddress is the target's entry point, the context's stable
// identity key.
func (ctx *FunctionContext) FunctionAddress() uintptr { return ctx.functionAddress }

// OriginalAddr returns a function pointer that runs the target's relocated
// prologue followed by the remainder of its original body, bypassing any
// replacement — the generalization of Dk2014-hinako's
// Hook.OriginalProc.Call for a context that may have no replacement at
// all (monitor mode) or may have one installed (replace mode, where a
// caller still wants to invoke the un-replaced behavior directly). Valid
// only while the context is armed.
func (ctx *FunctionContext) OriginalAddr() uintptr {
	ctx.mu.Lock()
	defer ctx.mu.Unlock()
	return ctx.relocatedPrologueAddr
}

// listenersSnapshot returns the currently published listener slice. Safe to
// call from any thread without locking.
func (ctx *FunctionContext) listenersSnapshot() []*listenerRecord {
	return *ctx.listeners.Load()
}

// addListener appends a new record, returning AlreadyAttached if the exact
// (listener, userData) identity pair is already present (spec §8 property
// 6, §4.3's AlreadyAttached rejection).
func (ctx *FunctionContext) addListener(l Listener, userData interface{}) error {
	ctx.mu.Lock()
	defer ctx.mu.Unlock()

	cur := ctx.listenersSnapshot()
	for _, r := range cur {
		if r.listener == l && r.userData == userData {
			return AlreadyAttached
		}
	}
	next := make([]*listenerRecord, len(cur), len(cur)+1)
	copy(next, cur)
	next = append(next, &listenerRecord{listener: l, userData: userData})
	ctx.listeners.Store(&next)
	return nil
}

// removeListener drops every record naming l. It reports whether anything
// was removed; spec §4.3's detach is a no-op, not an error, when the
// listener was never attached (SPEC_FULL.md §6).
func (ctx *FunctionContext) removeListener(l Listener) bool {
	ctx.mu.Lock()
	defer ctx.mu.Unlock()

	cur := ctx.listenersSnapshot()
	next := make([]*listenerRecord, 0, len(cur))
	removed := false
	for _, r := range cur {
		if r.listener == l {
			removed = true
			continue
		}
		next = append(next, r)
	}
	if removed {
		ctx.listeners.Store(&next)
	}
	return removed
}

// listenerCount is the number of currently attached listener records.
func (ctx *FunctionContext) listenerCount() int {
	return len(ctx.listenersSnapshot())
}

// isEmpty reports whether the context can be destroyed: no listeners and
// no replacement installed (spec §3's destruction condition).
func (ctx *FunctionContext) isEmpty() bool {
	ctx.mu.Lock()
	defer ctx.mu.Unlock()
	return ctx.listenerCount() == 0 && ctx.replacement == 0
}
