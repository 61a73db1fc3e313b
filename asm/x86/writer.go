// Package x86 is the amd64 backend for the trampoline builder's
// architecture-neutral contract (spec §6): emitting branches, register
// moves, calls, and relocating displaced prologue instructions. It plays
// the role spec §1 calls an "external collaborator... treated as a
// black-box capability with a stated contract" — Writer and Relocator are
// the stated contract, amd64 is the one concrete backend this module
// ships.
package x86

import (
	"fmt"

	"github.com/dorlow/interceptor/winapi"
)

// Register is a general-purpose amd64 register, numbered the way the ISA's
// own ModRM/REX encoding numbers them (0-7 need no REX.B/R/X extension bit,
// 8-15 do).
type Register uint8

const (
	RAX Register = iota
	RCX
	RDX
	RBX
	RSP
	RBP
	RSI
	RDI
	R8
	R9
	R10
	R11
	R12
	R13
	R14
	R15
)

// cpuContextOrder is the order registers are pushed to build a CpuContext
// snapshot and popped to restore one. It must match the field order of
// CpuContext in cpucontext_amd64.go byte for byte: the last register
// pushed ends up at the lowest address, i.e. first in the struct.
var cpuContextOrder = []Register{R15, R14, R13, R12, R11, R10, R9, R8, RDI, RSI, RBP, RBX, RDX, RCX, RAX}

// Writer emits amd64 machine code into an executable slice, tracking its
// own cursor via the slice's write position.
type Writer struct {
	slice *winapi.Slice
}

// NewWriter returns a Writer appending to s from its current cursor.
func NewWriter(s *winapi.Slice) *Writer {
	return &Writer{slice: s}
}

// Cur is the address the next emitted instruction will be written at.
func (w *Writer) Cur() uintptr { return w.slice.Cursor() }

func (w *Writer) emit(b ...byte) {
	if _, err := w.slice.Write(b); err != nil {
		panic(fmt.Errorf("x86: %w", err))
	}
}

func rexB(r Register) byte {
	if r >= R8 {
		return 0x01
	}
	return 0
}

func rexR(r Register) byte {
	if r >= R8 {
		return 0x04
	}
	return 0
}

// PutPushReg emits `push reg`.
func (w *Writer) PutPushReg(r Register) {
	if b := rexB(r); b != 0 {
		w.emit(0x40 | b)
	}
	w.emit(0x50 + byte(r&7))
}

// PutPopReg emits `pop reg`.
func (w *Writer) PutPopReg(r Register) {
	if b := rexB(r); b != 0 {
		w.emit(0x40 | b)
	}
	w.emit(0x58 + byte(r&7))
}

// PutPushFlags emits `pushfq`.
func (w *Writer) PutPushFlags() { w.emit(0x9C) }

// PutPopFlags emits `popfq`.
func (w *Writer) PutPopFlags() { w.emit(0x9D) }

// PutPushCpuContext emits the full register-save sequence backing
// CpuContext: the fifteen general-purpose registers other than RSP, in
// cpuContextOrder,
// then RFLAGS. function_address is unused on amd64 (PC at entry is the
// target's static address, not something that needs saving) but is kept
// as a parameter to mirror the ISA-neutral contract of spec §4.1.1.a,
// which also captures the program counter.
func (w *Writer) PutPushCpuContext(functionAddress uintptr) {
	for _, r := range cpuContextOrder {
		w.PutPushReg(r)
	}
	w.PutPushFlags()
}

// PutPopCpuContext is the exact inverse of PutPushCpuContext. Listener
// mutations written into the saved CpuContext are thereby honoured once
// the trampoline resumes (spec §4.1.1.c).
func (w *Writer) PutPopCpuContext() {
	w.PutPopFlags()
	for i := len(cpuContextOrder) - 1; i >= 0; i-- {
		w.PutPopReg(cpuContextOrder[i])
	}
}

// PutMovRegImm64 emits `mov reg, imm64`.
func (w *Writer) PutMovRegImm64(r Register, imm uint64) {
	w.emit(0x48 | rexB(r))
	w.emit(0xB8 + byte(r&7))
	var buf [8]byte
	for i := range buf {
		buf[i] = byte(imm >> (8 * uint(i)))
	}
	w.emit(buf[:]...)
}

// PutMovRegReg emits `mov dst, src` (64-bit register to register).
func (w *Writer) PutMovRegReg(dst, src Register) {
	w.emit(0x48 | rexR(src) | rexB(dst))
	w.emit(0x89)
	w.emit(0xC0 | (byte(src&7) << 3) | byte(dst&7))
}

// memOperand emits the REX/ModRM/SIB/disp32 bytes shared by load, store,
// and lea addressing off [base+disp32]. opcode selects the instruction;
// reg is the register operand (destination for load/lea, source for
// store).
func (w *Writer) memOperand(opcode byte, reg, base Register, disp int32) {
	w.emit(0x48 | rexR(reg) | rexB(base))
	w.emit(opcode)
	w.emit(0x80 | (byte(reg&7) << 3) | byte(base&7))
	if base&7 == 4 { // RSP/R12 require a SIB byte: no index, base as given.
		w.emit(0x24)
	}
	var buf [4]byte
	for i := range buf {
		buf[i] = byte(uint32(disp) >> (8 * uint(i)))
	}
	w.emit(buf[:]...)
}

// PutLeaRegMem emits `lea dst, [base+disp32]`.
func (w *Writer) PutLeaRegMem(dst, base Register, disp int32) {
	w.memOperand(0x8D, dst, base, disp)
}

// PutMovRegMem emits `mov dst, [base+disp32]` (64-bit load).
func (w *Writer) PutMovRegMem(dst, base Register, disp int32) {
	w.memOperand(0x8B, dst, base, disp)
}

// PutMovMemReg emits `mov [base+disp32], src` (64-bit store).
func (w *Writer) PutMovMemReg(base Register, disp int32, src Register) {
	w.memOperand(0x89, src, base, disp)
}

// PutCallReg emits `call reg` (absolute, indirect through a register).
func (w *Writer) PutCallReg(r Register) {
	if b := rexB(r); b != 0 {
		w.emit(0x40 | b)
	}
	w.emit(0xFF)
	w.emit(0xD0 + byte(r&7))
}

// PutJmpReg emits `jmp reg` (absolute, indirect through a register).
func (w *Writer) PutJmpReg(r Register) {
	if b := rexB(r); b != 0 {
		w.emit(0x40 | b)
	}
	w.emit(0xFF)
	w.emit(0xE0 + byte(r&7))
}

// CanBranchRel32 reports whether a direct `jmp rel32` / `call rel32` from
// address from can reach target (spec §6's "is this branch in range"
// predicate).
func CanBranchRel32(from, target uintptr) bool {
	const instrLen = 5
	rel := int64(target) - int64(from+instrLen)
	return rel >= -(1<<31) && rel < (1<<31)
}

// PutJmpRel32 emits a direct `jmp rel32` to target. Callers must check
// CanBranchRel32 first; spec §4.1's edge-case policy is to fall back to an
// absolute sequence (PutAbsoluteJmp) when it doesn't fit.
func (w *Writer) PutJmpRel32(target uintptr) {
	from := w.Cur()
	const instrLen = 5
	rel := int64(target) - int64(from+instrLen)
	w.emit(0xE9)
	var buf [4]byte
	for i := range buf {
		buf[i] = byte(uint32(rel) >> (8 * uint(i)))
	}
	w.emit(buf[:]...)
}

// PutTestRegReg emits `test a, b` (64-bit).
func (w *Writer) PutTestRegReg(a, b Register) {
	w.emit(0x48 | rexR(b) | rexB(a))
	w.emit(0x85)
	w.emit(0xC0 | (byte(b&7) << 3) | byte(a&7))
}

// PutJzRel32 emits a `jz rel32` to target, six bytes long (0F 84 + disp32).
func (w *Writer) PutJzRel32(target uintptr) {
	from := w.Cur()
	const instrLen = 6
	rel := int64(target) - int64(from+instrLen)
	w.emit(0x0F, 0x84)
	var buf [4]byte
	for i := range buf {
		buf[i] = byte(uint32(rel) >> (8 * uint(i)))
	}
	w.emit(buf[:]...)
}

// PutAbsoluteJmp emits `mov r11, imm64; jmp r11` — the ISA-specific
// absolute-branch fallback spec §4.1 requires when no near slab is
// available. R11 is scratch here: it is call-clobbered in the Win64 ABI
// and never carries an argument or return value we need to preserve
// across this jump.
func (w *Writer) PutAbsoluteJmp(target uintptr) {
	w.PutMovRegImm64(R11, uint64(target))
	w.PutJmpReg(R11)
}

// PutCallWithArguments emits a call to target assuming the caller has
// already loaded RCX/RDX/R8/R9 with up to four arguments. It reserves the
// 32-byte Win64 shadow space (plus 8 bytes of padding to keep RSP 16-byte
// aligned at the call) around the call, matching the calling convention
// every Windows API proc in this module is invoked under.
func (w *Writer) PutCallWithArguments(target uintptr) {
	const shadowAndAlign = 0x28
	w.PutLeaRegMem(RSP, RSP, -shadowAndAlign)
	w.PutMovRegImm64(R11, uint64(target))
	w.PutCallReg(R11)
	w.PutLeaRegMem(RSP, RSP, shadowAndAlign)
}
