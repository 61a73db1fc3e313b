// Package interceptor is a dynamic function-interception core for Windows
// amd64 processes: attach enter/leave listeners to a live function without
// recompiling it, or replace its implementation outright, by patching its
// prologue to redirect into a hand-built trampoline.
//
// Two independent instrumentation modes exist per target address, never
// both at once: monitor mode (Attach/Detach) runs listeners around calls to
// the original function and always resumes it; replace mode (Replace/
// Revert) substitutes a different implementation, with a re-entrance guard
// so a replacement calling back into FunctionContext.OriginalAddr doesn't
// recurse into itself.
//
// Attach/Detach/Replace/Revert calls are individually transactional; wrap a
// batch of them in BeginTransaction/EndTransaction to hold the install lock
// across the whole batch and defer the instruction-cache flushes of newly
// armed targets to one commit. Prologue writes take effect as each call
// makes them, not at commit. A
// per-thread ignore registry (Ignore/Unignore/UnignoreLater) lets a
// listener's own code call back into an instrumented function without
// re-triggering itself.
package interceptor
