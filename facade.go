package interceptor

import (
	"sync"

	"github.com/sirupsen/logrus"
)

// Interceptor is the façade of spec §3/§4.3: a table of
// FunctionContexts keyed by target address plus the operations that
// mutate it. Multiple Interceptor values may coexist in one process (each
// with its own target table, transaction, and ignore registry) the way
// Dk2014-hinako's Hook values are independent of one another; nothing
// below depends on there being exactly one.
type Interceptor struct {
	mu      sync.Mutex
	targets map[uintptr]*FunctionContext

	txn    *transaction
	ignore *ignoreRegistry
	log    *logrus.Logger
}

// New returns an Interceptor ready to Attach/Replace against. Options
// mirror spec §6's "no persisted configuration, no CLI" stance: everything
// is set at construction time through functional options, never read from
// a file or flag.
func New(opts ...Option) *Interceptor {
	ic := &Interceptor{
		targets: map[uintptr]*FunctionContext{},
		txn:     newTransaction(),
		ignore:  newIgnoreRegistry(defaultUnignoreDelay),
		log:     Log,
	}
	for _, opt := range opts {
		opt(ic)
	}
	return ic
}

func (ic *Interceptor) logger() *logrus.Logger {
	if ic.log != nil {
		return ic.log
	}
	return Log
}

// getOrCreateContext returns the existing FunctionContext for target, or
// creates an unarmed one. Callers must hold ic.mu.
func (ic *Interceptor) getOrCreateContext(target uintptr) *FunctionContext {
	if ctx, ok := ic.targets[target]; ok {
		return ctx
	}
	ctx := newFunctionContext(ic, target)
	ic.targets[target] = ctx
	return ctx
}

// Attach registers listener against target in monitor mode (spec §4.3).
// userData is stashed per-listener and retrievable via Invocation's
// FunctionData during on_enter/on_leave. Returns AlreadyAttached if the
// exact (listener, userData) pair is already registered on target, and PolicyViolation
// if target already has a replacement installed.
func (ic *Interceptor) Attach(target uintptr, listener Listener, userData interface{}) error {
	ic.txn.begin()
	defer ic.txn.end()

	ic.mu.Lock()
	defer ic.mu.Unlock()

	ctx := ic.getOrCreateContext(target)
	ctx.mu.Lock()
	if ctx.mode == modeReplace {
		ctx.mu.Unlock()
		return PolicyViolation
	}
	wasArmed := ctx.active
	ctx.mode = modeMonitor
	ctx.mu.Unlock()

	if err := ctx.addListener(listener, userData); err != nil {
		return err
	}

	if !wasArmed {
		if err := ctx.arm(); err != nil {
			ctx.removeListener(listener)
			delete(ic.targets, target)
			unregisterContext(ctx)
			return err
		}
		ic.txn.markDirty(ctx)
	}
	return nil
}

// Detach removes listener from target. A listener that was never attached
// is a no-op, not an error (SPEC_FULL.md §6). Once the last listener is
// gone and no replacement is installed, the context is torn down and the
// original prologue restored.
func (ic *Interceptor) Detach(target uintptr, listener Listener) error {
	ic.txn.begin()
	defer ic.txn.end()

	ic.mu.Lock()
	defer ic.mu.Unlock()

	ctx, ok := ic.targets[target]
	if !ok {
		return nil
	}
	ctx.removeListener(listener)

	if ctx.isEmpty() {
		if err := ctx.disarm(); err != nil {
			return err
		}
		delete(ic.targets, target)
		unregisterContext(ctx)
	}
	return nil
}

// Replace installs replacement as target's implementation (spec §4.3).
// Returns AlreadyReplaced if a different replacement is already installed,
// and PolicyViolation if target already has monitor-mode listeners
// attached.
func (ic *Interceptor) Replace(target, replacement uintptr, userData interface{}) error {
	ic.txn.begin()
	defer ic.txn.end()

	ic.mu.Lock()
	defer ic.mu.Unlock()

	ctx := ic.getOrCreateContext(target)
	ctx.mu.Lock()
	if ctx.mode == modeMonitor && ctx.listenerCount() > 0 {
		ctx.mu.Unlock()
		return PolicyViolation
	}
	if ctx.replacement != 0 && ctx.replacement != replacement {
		ctx.mu.Unlock()
		return AlreadyReplaced
	}
	if ctx.replacement == replacement && ctx.active {
		ctx.mu.Unlock()
		return AlreadyAttached
	}
	wasArmed := ctx.active
	ctx.mode = modeReplace
	ctx.replacement = replacement
	ctx.mu.Unlock()

	if err := ctx.addListener(replacement, userData); err != nil {
		return err
	}

	if !wasArmed {
		if err := ctx.arm(); err != nil {
			ctx.removeListener(replacement)
			delete(ic.targets, target)
			unregisterContext(ctx)
			return err
		}
		ic.txn.markDirty(ctx)
	}
	return nil
}

// Revert removes target's replacement and, if no listeners remain, tears
// down the context and restores the original prologue (spec §4.3).
func (ic *Interceptor) Revert(target uintptr) error {
	ic.txn.begin()
	defer ic.txn.end()

	ic.mu.Lock()
	defer ic.mu.Unlock()

	ctx, ok := ic.targets[target]
	if !ok {
		return nil
	}

	ctx.mu.Lock()
	replacement := ctx.replacement
	ctx.replacement = 0
	ctx.mu.Unlock()
	if replacement != 0 {
		ctx.removeListener(replacement)
	}

	if ctx.isEmpty() {
		if err := ctx.disarm(); err != nil {
			return err
		}
		delete(ic.targets, target)
		unregisterContext(ctx)
	}
	return nil
}

// DetachAll tears down every target this Interceptor owns (spec §4.3's
// bulk teardown, used by callers unwinding an entire instrumentation
// session at once).
func (ic *Interceptor) DetachAll() {
	ic.txn.begin()
	defer ic.txn.end()

	ic.mu.Lock()
	defer ic.mu.Unlock()

	for addr, ctx := range ic.targets {
		if err := ctx.disarm(); err != nil {
			ic.logger().WithError(err).WithField("target", addr).Warn("interceptor: detach_all failed to disarm")
		}
		unregisterContext(ctx)
		delete(ic.targets, addr)
	}
}

// BeginTransaction and EndTransaction bracket a scoped batch of
// Attach/Detach/Replace/Revert calls under one hold of the install lock, so
// their prologue overwrites are serialised against other threads' installs
// and the cache flushes of newly armed targets run once, at the outermost
// EndTransaction (spec §4.3). Each prologue overwrite takes effect when its
// call makes it, not at commit. Calls nest: only the outermost pair takes
// effect.
func (ic *Interceptor) BeginTransaction() { ic.txn.begin() }
func (ic *Interceptor) EndTransaction()   { ic.txn.end() }

// Ignore marks threadID as ignored: dispatch_enter skips instrumentation
// for calls made on it (spec §4.4).
func (ic *Interceptor) Ignore(threadID uint32) { ic.ignore.ignore(threadID) }

// Unignore immediately reverses one Ignore call for threadID.
func (ic *Interceptor) Unignore(threadID uint32) { ic.ignore.unignore(threadID) }

// UnignoreLater schedules threadID's ignore count to be decremented after
// the registry's configured delay, coalescing with any other pending
// unignores (spec §4.4).
func (ic *Interceptor) UnignoreLater(threadID uint32) { ic.ignore.unignoreLater(threadID) }

// IsIgnored reports whether calls on threadID are currently skipped.
func (ic *Interceptor) IsIgnored(threadID uint32) bool { return ic.ignore.isIgnored(threadID) }
