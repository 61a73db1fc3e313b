package interceptor

import (
	"fmt"
	"syscall"
	"unsafe"

	"github.com/dorlow/interceptor/asm/x86"
	"github.com/dorlow/interceptor/winapi"
)

// slabSize is generous enough for both the on_enter and on_leave
// trampolines of a single FunctionContext; Dk2014-hinako allocates per-hook
// rather than pooling, and this module keeps that one-slab-per-context
// shape (spec §5: "each slab is owned by exactly one FunctionContext").
const slabSize = 512

// redirectSize is the byte length of the direct branch the builder
// overwrites the target's prologue with: a 5-byte rel32 jmp when the slab
// landed close enough, else the 13-byte absolute mov+jmp sequence (spec
// §4.1's edge-case policy).
func redirectSize(functionAddress, dest uintptr) int {
	if x86.CanBranchRel32(functionAddress, dest) {
		return 5
	}
	return 13
}

var (
	dispatchEnterCallback = syscall.NewCallback(func(ctxAddr, cpuAddr, retAddrSlot uintptr) uintptr {
		return dispatchEnter(ctxAddr, cpuAddr, retAddrSlot)
	})
	dispatchLeaveCallback = syscall.NewCallback(func(ctxAddr, cpuAddr uintptr) uintptr {
		return dispatchLeave(ctxAddr, cpuAddr)
	})
)

// arm builds both trampolines for ctx and overwrites the target's prologue
// to redirect into on_enter_trampoline, implementing spec §4.1's Algorithm
// for whichever mode ctx is already set to. Callers must hold the
// transaction writer lock (spec §4.3/§4.4: installs are serialised).
func (ctx *FunctionContext) arm() error {
	dest, err := winapi.AllocateSliceNear(ctx.functionAddress, slabSize)
	if err != nil {
		return fmt.Errorf("interceptor: allocate trampoline slab: %w", err)
	}

	size := redirectSize(ctx.functionAddress, dest.Data)
	prologue := make([]byte, 32)
	winapi.ReadMemory(ctx.functionAddress, prologue)

	prologueLen, err := x86.MinimumPrologueLength(prologue, size)
	if err != nil {
		winapi.FreeSlice(dest)
		return fmt.Errorf("%w: %w", WrongSignature, err)
	}

	onLeaveAddr, err := buildOnLeaveTrampoline(ctx, dest)
	if err != nil {
		winapi.FreeSlice(dest)
		return err
	}

	onEnterAddr, err := buildOnEnterTrampoline(ctx, dest, prologue, prologueLen)
	if err != nil {
		winapi.FreeSlice(dest)
		return fmt.Errorf("%w: %w", WrongSignature, err)
	}

	saved := append([]byte(nil), prologue[:prologueLen]...)

	if err := patchPrologue(ctx.functionAddress, onEnterAddr, size); err != nil {
		winapi.FreeSlice(dest)
		return err
	}

	ctx.trampolineSlice = dest
	ctx.onEnterTrampoline = onEnterAddr
	ctx.onLeaveTrampoline = onLeaveAddr
	ctx.overwrittenPrologue = saved
	ctx.active = true
	return nil
}

// disarm restores the target's original prologue bytes and releases the
// trampoline slab (spec §4.1's uninstall direction, and §3's "destruction
// condition": an empty context with no replacement is torn down).
func (ctx *FunctionContext) disarm() error {
	if !ctx.active {
		return nil
	}
	err := winapi.UnlockMemoryProtect(ctx.functionAddress, len(ctx.overwrittenPrologue), func() error {
		winapi.WriteMemory(ctx.functionAddress, ctx.overwrittenPrologue)
		return nil
	})
	if err != nil {
		return fmt.Errorf("interceptor: restore prologue: %w", err)
	}
	if err := ctx.flushCaches(); err != nil {
		Log.WithError(err).Warn("interceptor: instruction cache flush failed on disarm")
	}
	winapi.FreeSlice(ctx.trampolineSlice)
	ctx.trampolineSlice = nil
	ctx.onEnterTrampoline = 0
	ctx.onLeaveTrampoline = 0
	ctx.active = false
	return nil
}

// flushCaches synchronises the instruction cache for both the target's
// (now-patched-or-restored) prologue and the trampoline slab, mirroring
// gum_function_context_clear_cache's two gum_clear_cache calls from
// original_source.
func (ctx *FunctionContext) flushCaches() error {
	if err := winapi.ClearInstructionCache(ctx.functionAddress, len(ctx.overwrittenPrologue)); err != nil {
		return err
	}
	if ctx.trampolineSlice != nil {
		if err := winapi.ClearInstructionCache(ctx.trampolineSlice.Data, ctx.trampolineSlice.Size); err != nil {
			return err
		}
	}
	return nil
}

// patchPrologue overwrites size bytes at functionAddress with a direct (or
// absolute, if out of rel32 range) branch to dest.
func patchPrologue(functionAddress, dest uintptr, size int) error {
	return winapi.UnlockMemoryProtect(functionAddress, size, func() error {
		w := x86.NewWriter(&winapi.Slice{Data: functionAddress, Size: size})
		if size == 5 {
			w.PutJmpRel32(dest)
		} else {
			w.PutAbsoluteJmp(dest)
		}
		return nil
	})
}

// buildOnEnterTrampoline emits spec §4.1.1's on_enter sequence: push cpu
// context, call dispatch_enter with (ctx, cpu_ptr, retaddr_slot_ptr),
// branch on the proceed result, then either resume the relocated prologue
// (monitor mode, or replace mode's skip path) or jump to the replacement
// (replace mode's proceed path).
//
// The conditional is laid out so the branch target is always known before
// it is emitted: a replace stub of fixed, precomputed size immediately
// follows the `jz`, so the skip target (the relocated prologue's start) is
// simply "here plus the stub's size" rather than a forward reference that
// needs a second pass. Monitor-mode contexts (replacement == 0) carry no
// stub at all, since dispatch_enter never returns resultProceed for them.
func buildOnEnterTrampoline(ctx *FunctionContext, slice *winapi.Slice, prologue []byte, prologueLen int) (uintptr, error) {
	w := x86.NewWriter(slice)
	start := w.Cur()

	w.PutPushCpuContext(ctx.functionAddress)
	// [rsp] is now the CpuContext; the caller's original return-address
	// slot sits immediately above it at rsp+cpuContextSize, since this
	// trampoline is reached via the prologue's JMP redirect, not a CALL.
	w.PutMovRegImm64(x86.R11, uint64(uintptr(unsafe.Pointer(ctx))))
	w.PutMovRegReg(x86.RCX, x86.R11)
	w.PutMovRegReg(x86.RDX, x86.RSP)
	w.PutLeaRegMem(x86.R8, x86.RSP, int32(cpuContextSize))
	w.PutCallWithArguments(dispatchEnterCallback)
	w.PutMovRegReg(x86.R11, x86.RAX) // carry the proceed flag across the pop
	w.PutPopCpuContext()

	w.PutTestRegReg(x86.R11, x86.R11)
	stubStart := w.Cur() + 6 // `jz rel32` is always 6 bytes

	var stubSize int
	if ctx.replacement != 0 {
		if x86.CanBranchRel32(stubStart, ctx.replacement) {
			stubSize = 5
		} else {
			stubSize = 13
		}
	}
	w.PutJzRel32(stubStart + uintptr(stubSize))

	if stubSize == 5 {
		w.PutJmpRel32(ctx.replacement)
	} else if stubSize == 13 {
		w.PutAbsoluteJmp(ctx.replacement)
	}

	relocatedAt := w.Cur()
	if err := x86.Relocate(w, prologue, ctx.functionAddress, prologueLen); err != nil {
		return 0, err
	}
	resumeAt := ctx.functionAddress + uintptr(prologueLen)
	if x86.CanBranchRel32(w.Cur(), resumeAt) {
		w.PutJmpRel32(resumeAt)
	} else {
		w.PutAbsoluteJmp(resumeAt)
	}

	ctx.relocatedPrologueAddr = relocatedAt
	return start, nil
}

// buildOnLeaveTrampoline emits spec §4.1.1's on_leave sequence. Execution
// reaches here because dispatch_enter rewrote the true return-address slot
// to this address; amd64's RET already popped that slot by the time
// control arrives, so — unlike on_enter — there is no return-address slot
// sitting above the freshly pushed CpuContext here. The true original
// return address is instead recovered from dispatch_leave's return value
// and carried through the pop via a dedicated stack slot reserved below
// the CpuContext, since RAX itself is restored to the (possibly
// listener-rewritten) return value by the pop and must not be clobbered by
// the carried address.
func buildOnLeaveTrampoline(ctx *FunctionContext, slice *winapi.Slice) (uintptr, error) {
	w := x86.NewWriter(slice)
	start := w.Cur()

	w.PutLeaRegMem(x86.RSP, x86.RSP, -8) // reserve the return-target carry slot
	w.PutPushCpuContext(0)

	w.PutMovRegImm64(x86.RCX, uint64(uintptr(unsafe.Pointer(ctx))))
	w.PutMovRegReg(x86.RDX, x86.RSP)
	w.PutCallWithArguments(dispatchLeaveCallback)
	w.PutMovMemReg(x86.RSP, int32(cpuContextSize), x86.RAX)

	w.PutPopCpuContext()
	w.PutMovRegMem(x86.R11, x86.RSP, 0)
	w.PutLeaRegMem(x86.RSP, x86.RSP, 8)
	w.PutJmpReg(x86.R11)

	return start, nil
}
