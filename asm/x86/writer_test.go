package x86

import (
	"testing"
	"unsafe"

	"github.com/dorlow/interceptor/winapi"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestSlice backs a Writer with a plain Go byte buffer instead of
// VirtualAlloc'd memory: these tests check the bytes the encoder emits,
// never execute them, so ordinary heap memory is enough.
func newTestSlice(t *testing.T, size int) (*winapi.Slice, []byte) {
	t.Helper()
	buf := make([]byte, size)
	return &winapi.Slice{Data: uintptr(unsafe.Pointer(&buf[0])), Size: size}, buf
}

func TestPutPushPopRegEncodesRexForExtendedRegisters(t *testing.T) {
	s, buf := newTestSlice(t, 16)
	w := NewWriter(s)

	w.PutPushReg(RAX)
	w.PutPushReg(R15)
	require.Equal(t, 3, s.Len())
	assert.Equal(t, byte(0x50), buf[0], "push rax needs no REX prefix")
	assert.Equal(t, byte(0x41), buf[1], "push r15 needs REX.B")
	assert.Equal(t, byte(0x57), buf[2])
}

func TestPutMovRegImm64(t *testing.T) {
	s, buf := newTestSlice(t, 16)
	w := NewWriter(s)
	w.PutMovRegImm64(RCX, 0x1122334455667788)

	assert.Equal(t, byte(0x48), buf[0])
	assert.Equal(t, byte(0xB9), buf[1]) // 0xB8 + RCX(1)
	assert.Equal(t, []byte{0x88, 0x77, 0x66, 0x55, 0x44, 0x33, 0x22, 0x11}, buf[2:10])
}

func TestPushPopCpuContextRoundTrips(t *testing.T) {
	s, _ := newTestSlice(t, 256)
	w := NewWriter(s)
	w.PutPushCpuContext(0)
	pushed := s.Len()
	w.PutPopCpuContext()
	popped := s.Len() - pushed

	wantPushed := 1 // pushfq
	for _, r := range cpuContextOrder {
		if rexB(r) != 0 {
			wantPushed += 2
		} else {
			wantPushed++
		}
	}

	assert.Equal(t, pushed, popped, "pop sequence is exactly as long as push")
	assert.Equal(t, wantPushed, pushed, "R8-R15 pushes carry a REX.B prefix, RAX-RDI don't")
}

func TestCanBranchRel32(t *testing.T) {
	assert.True(t, CanBranchRel32(0x10000, 0x20000))
	assert.False(t, CanBranchRel32(0x10000, 0x10000+(1<<32)))
}

func TestPutJmpRel32Encoding(t *testing.T) {
	s, buf := newTestSlice(t, 16)
	w := NewWriter(s)
	from := s.Cursor()
	target := from + 0x100
	w.PutJmpRel32(target)

	assert.Equal(t, byte(0xE9), buf[0])
	rel := int32(buf[1]) | int32(buf[2])<<8 | int32(buf[3])<<16 | int32(buf[4])<<24
	assert.Equal(t, int32(0x100-5), rel)
}

func TestPutTestRegRegAndJzRel32(t *testing.T) {
	s, buf := newTestSlice(t, 16)
	w := NewWriter(s)
	w.PutTestRegReg(R11, R11)
	assert.Equal(t, []byte{0x4D, 0x85, 0xDB}, buf[0:3])

	from := s.Cursor()
	target := from + 20
	w.PutJzRel32(target)
	assert.Equal(t, byte(0x0F), buf[3])
	assert.Equal(t, byte(0x84), buf[4])
	rel := int32(buf[5]) | int32(buf[6])<<8 | int32(buf[7])<<16 | int32(buf[8])<<24
	assert.Equal(t, int32(20-6), rel)
}

func TestPutCallWithArgumentsBalancesStack(t *testing.T) {
	s, _ := newTestSlice(t, 64)
	w := NewWriter(s)
	w.PutCallWithArguments(0xDEADBEEF)
	// Each lea rsp,[rsp+disp32] is REX+opcode+modrm+SIB+disp32 = 8 bytes
	// (RSP as base always needs a SIB byte); movImm64 r11 is 10; call r11
	// is 3 (REX+opcode+modrm).
	assert.Equal(t, 8+10+3+8, s.Len())
}
