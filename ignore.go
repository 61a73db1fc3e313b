package interceptor

import (
	"sync"
	"time"

	"github.com/dorlow/interceptor/winapi"
)

// ignoreRegistry is the process-wide thread->nesting-count map of spec
// §3/§4.4. It is reached from two very different contexts: the
// dispatcher's fast path (a read, on whatever thread just hit a
// trampoline) and the façade/script-side mutators (ignore/unignore/
// unignore_later), which run far less often. The RWMutex blocks new
// readers (the fast path's RLock) once a writer is waiting, so writers are
// never starved by a stream of readers, which is the closest stdlib
// equivalent to spec §4.4's "writer-preferred
// reader/writer lock... readers never block writers' completion".
type ignoreRegistry struct {
	mu     sync.RWMutex
	counts map[uint32]int

	pending []uint32
	timer   *time.Timer
	delay   time.Duration
}

func newIgnoreRegistry(delay time.Duration) *ignoreRegistry {
	if delay <= 0 {
		delay = defaultUnignoreDelay
	}
	return &ignoreRegistry{counts: map[uint32]int{}, delay: delay}
}

// isIgnored is the dispatcher fast-path check.
func (r *ignoreRegistry) isIgnored(threadID uint32) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.counts[threadID] > 0
}

// ignore increments threadID's nesting count.
func (r *ignoreRegistry) ignore(threadID uint32) {
	r.selfIgnoring(func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.counts[threadID]++
	})
}

// unignore decrements threadID's nesting count, removing the entry once it
// reaches zero (spec §3: "counts are non-negative; when a count reaches
// zero the entry is removed").
func (r *ignoreRegistry) unignore(threadID uint32) {
	r.selfIgnoring(func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.decrementLocked(threadID)
	})
}

func (r *ignoreRegistry) decrementLocked(threadID uint32) {
	c, ok := r.counts[threadID]
	if !ok {
		return
	}
	if c <= 1 {
		delete(r.counts, threadID)
		return
	}
	r.counts[threadID] = c - 1
}

// unignoreLater enqueues threadID for a deferred decrement and (re)arms
// the single deadline timer. A later call before the timer fires cancels
// and reinstalls it, matching spec §4.4's "(re)arms a single 5-second
// timer... If a later unignore_later arrives before the timer fires, the
// timer is cancelled and a fresh one installed." Resolves spec.md §9's
// Open Question by draining the entire pending queue on whichever call
// finally fires, per original_source's gum_flush_pending_unignores.
func (r *ignoreRegistry) unignoreLater(threadID uint32) {
	r.selfIgnoring(func() {
		r.mu.Lock()
		defer r.mu.Unlock()

		r.pending = append(r.pending, threadID)
		if r.timer != nil {
			r.timer.Stop()
		}
		r.timer = time.AfterFunc(r.delay, r.flushPending)
	})
}

// flushPending drains every queued thread id with one decrement each. It
// self-ignores the timer's own goroutine for the same reason any other
// mutator does (spec §4.4's "the thread that mutates the registry ignores
// itself for the duration of the mutation").
func (r *ignoreRegistry) flushPending() {
	r.selfIgnoring(func() {
		r.mu.Lock()
		defer r.mu.Unlock()

		for _, id := range r.pending {
			r.decrementLocked(id)
		}
		r.pending = nil
		r.timer = nil
	})
}

// selfIgnoring wraps fn so the registry's own mutation never recursively
// triggers instrumentation of code the mutation happens to call into
// (spec §4.4's last bullet, generalized — see gum_jsc_interceptor_adjust_
// ignore_level in original_source, which wraps every mutation this way,
// not only the deferred path; SPEC_FULL.md §5.2).
func (r *ignoreRegistry) selfIgnoring(fn func()) {
	id := winapi.CurrentThreadID()
	r.mu.Lock()
	r.counts[id]++
	r.mu.Unlock()

	fn()

	r.mu.Lock()
	r.decrementLocked(id)
	r.mu.Unlock()
}
