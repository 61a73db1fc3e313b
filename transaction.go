package interceptor

import (
	"sync"

	"github.com/dorlow/interceptor/winapi"
)

// transaction is the nestable scoped batch of spec §3/§4.3: within one,
// prologue overwrites are serialised behind a single global write lock so
// no thread ever observes a half-written prologue, and instruction-cache
// flushes are deferred to the outermost commit (spec §5: "Install/
// uninstall operations block on the transaction writer lock and on
// instruction-cache synchronisation primitives"). Nesting is tracked per
// holder thread so a thread already inside a transaction can call
// begin/end again (as Attach/Replace/Detach/Revert each do internally)
// without deadlocking on itself; a different thread's begin blocks until
// the holder's outermost end.
type transaction struct {
	mu     sync.Mutex
	cond   *sync.Cond
	holder uint32
	depth  int
	active []*FunctionContext // contexts activated/deactivated in this transaction, pending flush
}

func newTransaction() *transaction {
	t := &transaction{}
	t.cond = sync.NewCond(&t.mu)
	return t
}

// begin acquires the write lock for the outermost call on this thread;
// nested calls on the same thread just bump the depth counter, matching
// spec §4.3's "begin_transaction() / end_transaction(): scoped acquisition
// of the install lock".
func (t *transaction) begin() {
	id := winapi.CurrentThreadID()
	t.mu.Lock()
	defer t.mu.Unlock()
	for t.depth > 0 && t.holder != id {
		t.cond.Wait()
	}
	t.holder = id
	t.depth++
}

// end flushes every deferred cache sync and releases the lock once the
// outermost end_transaction on the holding thread is reached ("only the
// outermost commit takes effect", spec §3).
func (t *transaction) end() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.depth == 0 {
		panic("interceptor: end_transaction without matching begin_transaction")
	}
	t.depth--
	if t.depth > 0 {
		return
	}

	pending := t.active
	t.active = nil
	t.holder = 0
	for _, ctx := range pending {
		if err := ctx.flushCaches(); err != nil {
			Log.WithError(err).Warn("interceptor: instruction cache flush failed")
		}
	}
	t.cond.Broadcast()
}

// markDirty records that ctx's machine code changed during this
// transaction, so its caches get flushed exactly once when the outermost
// transaction commits. Must be called with the transaction already begun
// on the calling thread.
func (t *transaction) markDirty(ctx *FunctionContext) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.active = append(t.active, ctx)
}
