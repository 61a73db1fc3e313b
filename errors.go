package interceptor

import "errors"

// Error is a sentinel error code surfaced to callers of the façade. It
// supports errors.Is so callers can test for a specific install failure
// without string matching.
type Error string

func (e Error) Error() string { return string(e) }

const (
	// WrongSignature is returned when the trampoline builder cannot
	// relocate the target's prologue far enough to make room for the
	// redirect (spec §4.1, §6).
	WrongSignature Error = "interceptor: wrong signature"

	// AlreadyAttached is returned by Attach when the same (listener,
	// userData) pair is already attached to the target, and by Replace
	// when the same replacement is already installed and active.
	AlreadyAttached Error = "interceptor: already attached"

	// AlreadyReplaced is returned by Replace when the target already has
	// a (different) replacement installed.
	AlreadyReplaced Error = "interceptor: already replaced"

	// PolicyViolation is returned when an operation would mix monitor and
	// replace mode on the same target (spec §3: "an address is either
	// monitored or replaced, never both").
	PolicyViolation Error = "interceptor: policy violation"

	// InvalidOperation is the value Invocation accessors panic with when
	// called after the frame has been popped (spec §4.5).
	InvalidOperation Error = "interceptor: invalid operation"
)

// ErrStackCorrupted is the fatal condition of spec §7: the top frame at
// leave does not match the FunctionContext the trampoline expected. This is
// never returned to a caller — it is logged at Fatal and the process is
// considered damaged, matching spec §7's "fatal — the process has been
// damaged outside our purview".
var ErrStackCorrupted = errors.New("interceptor: invocation stack corrupted")
