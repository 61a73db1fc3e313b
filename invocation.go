package interceptor

import (
	"sync"

	"github.com/dorlow/interceptor/winapi"
)

// InvocationFrame is pushed on the calling thread's InvocationStack for the
// duration of one intercepted call (spec §3).
type InvocationFrame struct {
	context         *FunctionContext
	cpuSnapshot     *CpuContext
	retAddrSlot     uintptr // address of the stack slot holding the caller's return address
	savedReturnAddr uintptr // true value read from retAddrSlot before dispatch_enter overwrote it
	functionData    map[*listenerRecord]interface{}
	depth           int
	systemError     uint32
	popped          bool
}

// functionDataFor returns rec's stashed per-call scratch value, defaulting
// to rec's attach-time userData until a listener overwrites it with
// SetFunctionData (spec §3: "function_data: per-listener opaque value
// provided to enter, read at leave"). Keyed per listenerRecord so distinct
// listeners attached to the same context never see each other's stash —
// a single frame-wide slot can't hold more than one listener's value.
func (f *InvocationFrame) functionDataFor(rec *listenerRecord) interface{} {
	if f.functionData != nil {
		if v, ok := f.functionData[rec]; ok {
			return v
		}
	}
	if rec == nil {
		return nil
	}
	return rec.userData
}

// setFunctionDataFor stashes v for rec, read back by a later
// functionDataFor(rec) call against the same frame (the same call's
// on_leave, or a later accessor on the same listener).
func (f *InvocationFrame) setFunctionDataFor(rec *listenerRecord, v interface{}) {
	if f.functionData == nil {
		f.functionData = map[*listenerRecord]interface{}{}
	}
	f.functionData[rec] = v
}

// InvocationStack is a per-thread, strictly-LIFO sequence of
// InvocationFrames (spec §3: "owned by the thread; not visible across
// threads"). It is never shared or locked — only the owning OS thread ever
// touches it, since it is only reachable from code running on that thread
// inside the trampoline.
type InvocationStack struct {
	frames []*InvocationFrame
}

var (
	stacksMu sync.Mutex
	stacks   = map[uint32]*InvocationStack{}
)

// stackForCurrentThread returns (creating if needed) the InvocationStack
// for the calling OS thread.
func stackForCurrentThread() *InvocationStack {
	id := winapi.CurrentThreadID()
	stacksMu.Lock()
	defer stacksMu.Unlock()
	s, ok := stacks[id]
	if !ok {
		s = &InvocationStack{}
		stacks[id] = s
	}
	return s
}

// push adds a new top frame.
func (s *InvocationStack) push(f *InvocationFrame) {
	s.frames = append(s.frames, f)
}

// top returns the current top frame, or nil if the stack is empty.
func (s *InvocationStack) top() *InvocationFrame {
	if len(s.frames) == 0 {
		return nil
	}
	return s.frames[len(s.frames)-1]
}

// pop removes and returns the top frame.
func (s *InvocationStack) pop() *InvocationFrame {
	n := len(s.frames)
	if n == 0 {
		return nil
	}
	f := s.frames[n-1]
	s.frames = s.frames[:n-1]
	return f
}

// hasContext reports whether any frame on the stack belongs to ctx — the
// replace-mode re-entrance guard of spec §4.2 ("proceed = existing frame
// for this ctx on this thread == none").
func (s *InvocationStack) hasContext(ctx *FunctionContext) bool {
	for _, f := range s.frames {
		if f.context == ctx {
			return true
		}
	}
	return false
}

// depth is the number of intercepted frames currently on the stack, the
// value new frames are pushed with as InvocationFrame.depth (spec §3:
// "0-based, incremented in enter, decremented in leave").
func (s *InvocationStack) depth() int { return len(s.frames) }

// Invocation is the handle a listener receives; it wraps the live frame
// and exposes spec §4.5's accessor surface. It is only valid while the
// frame is on top of its thread's stack — accessors after that return
// InvalidOperation (by panicking with it, matching Go's convention that a
// misused handle is a programming error, not a recoverable runtime
// condition a caller is expected to check for on every access).
type Invocation struct {
	frame   *InvocationFrame
	leaving bool            // true once dispatch_leave is running; gates write-at-leave-only fields
	rec     *listenerRecord // the listener currently being run; keys FunctionData's per-listener scratch
}

func (inv *Invocation) checkLive() {
	if inv.frame.popped {
		panic(InvalidOperation)
	}
}

// NthArgument reads the n'th positional argument (spec §4.5).
func (inv *Invocation) NthArgument(n int) uintptr {
	inv.checkLive()
	return nthArgument(inv.frame.cpuSnapshot, inv.frame.retAddrSlot, n)
}

// SetNthArgument writes the n'th positional argument. Valid during
// on_enter; writing during on_leave has no effect on the already-completed
// call but is not rejected, mirroring spec §4.5's silence on a leave-time
// write (only return_value is explicitly write-at-leave-only).
func (inv *Invocation) SetNthArgument(n int, v uintptr) {
	inv.checkLive()
	setNthArgument(inv.frame.cpuSnapshot, inv.frame.retAddrSlot, n, v)
}

// ReturnValue reads the call's return value (RAX), valid at leave.
func (inv *Invocation) ReturnValue() uintptr {
	inv.checkLive()
	return uintptr(inv.frame.cpuSnapshot.Rax)
}

// SetReturnValue writes the call's return value. Spec §4.5: "write at
// leave only".
func (inv *Invocation) SetReturnValue(v uintptr) {
	inv.checkLive()
	if !inv.leaving {
		panic(InvalidOperation)
	}
	inv.frame.cpuSnapshot.Rax = uint64(v)
}

// ReturnAddress is the caller's original return address (spec §4.5). This
// is read from the frame's saved copy, not from *retAddrSlot directly:
// dispatch_enter overwrites that memory with on_leave_trampoline's address
// once enter listeners finish, so by on_leave the live slot no longer
// holds the original value.
func (inv *Invocation) ReturnAddress() uintptr {
	inv.checkLive()
	return inv.frame.savedReturnAddr
}

// CpuContext exposes the saved register file. Writable during on_enter
// (mutations are honoured on resume); spec §4.5 notes it is read-only
// against monitor mode's pre-call snapshot during on_leave, which this
// module enforces at the call-site convention rather than by copying —
// leave-side listeners read the same struct dispatch_leave was handed,
// which by then reflects the call's actual post-execution register state,
// not the enter-time snapshot (there is only one CpuContext per
// trampoline half; monitor mode's on_leave trampoline pushes a fresh one).
func (inv *Invocation) CpuContext() *CpuContext {
	inv.checkLive()
	return inv.frame.cpuSnapshot
}

// SystemError reads the thread's OS last-error indicator as snapshotted at
// entry during on_enter, or as the call left it during on_leave (in both
// cases possibly rewritten by an earlier listener).
func (inv *Invocation) SystemError() uint32 {
	inv.checkLive()
	return inv.frame.systemError
}

// SetSystemError rewrites the value that will be re-applied to the
// thread's OS last-error indicator when this frame leaves.
func (inv *Invocation) SetSystemError(v uint32) {
	inv.checkLive()
	inv.frame.systemError = v
}

// ThreadID is the OS thread this call is running on.
func (inv *Invocation) ThreadID() uint32 {
	inv.checkLive()
	return winapi.CurrentThreadID()
}

// Depth is this frame's nesting depth among intercepted frames on this
// thread.
func (inv *Invocation) Depth() int {
	inv.checkLive()
	return inv.frame.depth
}

// FunctionData returns the value stashed for the currently-running
// listener — its attach-time userData until SetFunctionData overwrites it
// during on_enter, at which point on_leave sees the overwritten value
// (spec §3/§4.2). Each listener attached to the context gets its own
// slot: one listener's stash never leaks into another's.
func (inv *Invocation) FunctionData() interface{} {
	inv.checkLive()
	return inv.frame.functionDataFor(inv.rec)
}

// SetFunctionData stashes a value for the currently-running listener to
// read back via FunctionData at on_leave.
func (inv *Invocation) SetFunctionData(v interface{}) {
	inv.checkLive()
	inv.frame.setFunctionDataFor(inv.rec, v)
}
