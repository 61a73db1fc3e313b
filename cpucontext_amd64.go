package interceptor

import "unsafe"

// CpuContext mirrors the register-save layout emitted by
// asm/x86.Writer.PutPushCpuContext: field order must match push order
// field-for-field, since dispatch_enter/dispatch_leave receive a raw
// pointer to the top of this structure on the stack, not a Go value.
// Listener mutations of these fields are honoured on resume because the
// trampoline's matching PutPopCpuContext restores registers straight from
// this memory (spec §4.1.1.c).
type CpuContext struct {
	Flags uint64
	Rax   uint64
	Rcx   uint64
	Rdx   uint64
	Rbx   uint64
	Rbp   uint64
	Rsi   uint64
	Rdi   uint64
	R8    uint64
	R9    uint64
	R10   uint64
	R11   uint64
	R12   uint64
	R13   uint64
	R14   uint64
	R15   uint64
}

// cpuContextSize is CpuContext's on-stack footprint: 15 pushed GPRs (every
// GPR but RSP) plus RFLAGS, 8 bytes each.
const cpuContextSize = 16 * 8

// cpuContextFromPointer views the raw pointer the trampoline hands the
// dispatcher as a *CpuContext. The pointer is only valid while the
// corresponding trampoline invocation has not yet popped its saved
// context.
func cpuContextFromPointer(p uintptr) *CpuContext {
	return (*CpuContext)(unsafe.Pointer(p))
}

// returnAddressSlot is the stack slot holding the caller's original return
// address, immediately above the saved CpuContext (nothing sits between
// them: the trampoline reaches dispatch_enter via a JMP, not a CALL, so the
// only thing the caller's CALL pushed is that one return address).
func returnAddressSlot(cpu *CpuContext) *uintptr {
	base := uintptr(unsafe.Pointer(cpu))
	return (*uintptr)(unsafe.Pointer(base + cpuContextSize))
}

// win64ArgRegisters is the amd64 Windows calling convention's integer
// argument registers, in order, matching spec §4.5's "indices 0..K from
// registers per platform ABI".
var win64ArgRegisters = [4]func(*CpuContext) *uint64{
	func(c *CpuContext) *uint64 { return &c.Rcx },
	func(c *CpuContext) *uint64 { return &c.Rdx },
	func(c *CpuContext) *uint64 { return &c.R8 },
	func(c *CpuContext) *uint64 { return &c.R9 },
}

// win64ShadowAndReturn is the byte offset from the return-address slot
// (i.e. from [rsp] at entry) to the fifth stack-passed argument: 8 bytes
// for the return address itself plus 32 bytes of shadow space reserved for
// the first four register-passed arguments' home locations.
const win64ShadowAndReturn = 8 + 32

// nthArgument implements spec §4.5's nth_argument get. n < 4 reads a
// register; n >= 4 reads the stack, exactly as
// _gum_interceptor_invocation_get_nth_argument does for arm64 (x0-x3 vs.
// sp-relative) but against the Win64 integer-argument registers and
// shadow-space layout instead. retAddrSlot is the address of the stack
// slot holding the caller's return address (returnAddressSlot's result),
// not the return address value itself.
func nthArgument(cpu *CpuContext, retAddrSlot uintptr, n int) uintptr {
	if n < len(win64ArgRegisters) {
		return uintptr(*win64ArgRegisters[n](cpu))
	}
	slot := (*uintptr)(unsafe.Pointer(retAddrSlot + win64ShadowAndReturn + uintptr(n-len(win64ArgRegisters))*8))
	return *slot
}

func setNthArgument(cpu *CpuContext, retAddrSlot uintptr, n int, v uintptr) {
	if n < len(win64ArgRegisters) {
		*win64ArgRegisters[n](cpu) = uint64(v)
		return
	}
	slot := (*uintptr)(unsafe.Pointer(retAddrSlot + win64ShadowAndReturn + uintptr(n-len(win64ArgRegisters))*8))
	*slot = v
}
