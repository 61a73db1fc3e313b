package x86

import (
	"testing"
	"unsafe"

	"github.com/dorlow/interceptor/winapi"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/arch/x86/x86asm"
)

func TestMinimumPrologueLengthStopsAtWholeInstructionBoundary(t *testing.T) {
	// push rbp; mov rbp, rsp; mov eax, 1 -- redirectSize 5 needs the third
	// instruction's 5 bytes even though the first two only total 4.
	src := []byte{
		0x55,                   // push rbp
		0x48, 0x89, 0xE5,       // mov rbp, rsp
		0xB8, 0x01, 0x00, 0x00, 0x00, // mov eax, 1
		0xC3, // ret
	}
	n, err := MinimumPrologueLength(src, 5)
	require.NoError(t, err)
	assert.Equal(t, 9, n)
}

func TestMinimumPrologueLengthRejectsEarlyBranch(t *testing.T) {
	src := []byte{
		0xEB, 0x05, // jmp rel8
		0x90, 0x90, 0x90, 0x90, 0x90,
	}
	_, err := MinimumPrologueLength(src, 5)
	require.Error(t, err)
	var relErr *RelocationError
	require.ErrorAs(t, err, &relErr)
	assert.Equal(t, 0, relErr.Offset)
}

func TestMinimumPrologueLengthRejectsUndecodableBytes(t *testing.T) {
	src := []byte{0x0F} // two-byte opcode escape with nothing following
	_, err := MinimumPrologueLength(src, 5)
	assert.Error(t, err)
}

func TestRelocateFixesUpRipRelativeDisplacement(t *testing.T) {
	// lea rax, [rip+0x10]
	src := []byte{0x48, 0x8D, 0x05, 0x10, 0x00, 0x00, 0x00}

	buf := make([]byte, 64)
	// The original location must lie within rel32 range of the buffer the
	// instruction is relocated into, or Relocate rejects it.
	srcAddr := uintptr(unsafe.Pointer(&buf[0])) + 0x1000
	dst := &winapi.Slice{Data: uintptr(unsafe.Pointer(&buf[0])), Size: len(buf)}
	w := NewWriter(dst)
	// Move the cursor forward so the new address differs from srcAddr,
	// exercising the displacement recompute rather than a no-op.
	dst.Write(make([]byte, 16))
	newAddr := w.Cur()

	require.NoError(t, Relocate(w, src, srcAddr, len(src)))

	inst, err := x86asm.Decode(buf[16:], 64)
	require.NoError(t, err)

	var mem *x86asm.Mem
	for _, a := range inst.Args {
		if m, ok := a.(x86asm.Mem); ok && m.Base == x86asm.RIP {
			mem = &m
		}
	}
	require.NotNil(t, mem, "relocated instruction must still be RIP-relative")

	origTarget := uint64(srcAddr) + uint64(len(src)) + 0x10
	newTarget := uint64(newAddr) + uint64(inst.Len) + uint64(int64(mem.Disp))
	assert.Equal(t, origTarget, newTarget, "relocated instruction must still address the same absolute location")
}

func TestRelocateCopiesNonRipInstructionsVerbatim(t *testing.T) {
	src := []byte{0x48, 0x89, 0xC8} // mov rax, rcx
	buf := make([]byte, 16)
	dst := &winapi.Slice{Data: uintptr(unsafe.Pointer(&buf[0])), Size: len(buf)}
	w := NewWriter(dst)

	require.NoError(t, Relocate(w, src, 0x1000, len(src)))
	assert.Equal(t, src, buf[:3])
}
