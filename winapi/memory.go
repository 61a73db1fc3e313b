// Package winapi provides the Windows primitives the interception core
// needs: executable memory allocation near a target address, instruction
// cache synchronization, OS thread identity, and the last-error indicator.
// It extends the exact syscall.NewLazyDLL/NewProc idiom of the teacher
// this module was built from rather than replacing it with a higher-level
// wrapper package.
package winapi

import (
	"fmt"
	"sync"
	"syscall"
	"unsafe"
)

var (
	kernel32               = syscall.NewLazyDLL("kernel32.dll")
	procVirtualAlloc       = kernel32.NewProc("VirtualAlloc")
	procVirtualFree        = kernel32.NewProc("VirtualFree")
	procVirtualProtect     = kernel32.NewProc("VirtualProtect")
	procFlushInstCache     = kernel32.NewProc("FlushInstructionCache")
	procGetCurrentProcess  = kernel32.NewProc("GetCurrentProcess")
	procGetCurrentThreadId = kernel32.NewProc("GetCurrentThreadId")
	procGetLastError       = kernel32.NewProc("GetLastError")
	procSetLastError       = kernel32.NewProc("SetLastError")
)

const (
	memCommit      = 0x00001000
	memReserve     = 0x00002000
	memRelease     = 0x8000
	pageExecuteRW  = syscall.PAGE_EXECUTE_READWRITE
	allocGranAddr  = 0x10000 // 64K allocation granularity
	maxSearchSpan  = 0x7FFF0000
	searchStep     = allocGranAddr
	searchAttempts = 2048
)

// Slice is an executable memory slab owned by exactly one caller (spec §5:
// "each slab is owned by exactly one FunctionContext; lifetime equals the
// context's").
type Slice struct {
	Data uintptr
	Size int

	mu  sync.Mutex
	len int // bytes already written, used by the trampoline builder's cursor
}

// Len reports how many bytes have been written into the slice so far.
func (s *Slice) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.len
}

// Cursor returns the address immediately after the bytes written so far.
func (s *Slice) Cursor() uintptr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Data + uintptr(s.len)
}

// Write appends p at the current cursor. It never grows the slab; callers
// must size AllocateSliceNear generously enough for both trampolines.
func (s *Slice) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.len+len(p) > s.Size {
		return 0, fmt.Errorf("winapi: slice overflow writing %d bytes at offset %d of %d", len(p), s.len, s.Size)
	}
	for i, b := range p {
		*(*byte)(unsafe.Pointer(s.Data + uintptr(s.len+i))) = b
	}
	s.len += len(p)
	return len(p), nil
}

// AllocateSliceNear reserves an executable slab within rel32-branch range
// of address when possible, falling back to any executable allocation
// otherwise (spec §6: "close enough to address for direct immediate
// branches when the ISA offers one"; §4.1's edge-case policy: absolute
// branch fallback preserves correctness when no near slab is available).
func AllocateSliceNear(address uintptr, size int) (*Slice, error) {
	if addr, ok := tryAllocNear(address, size); ok {
		return &Slice{Data: addr, Size: size}, nil
	}
	addr, _, err := procVirtualAlloc.Call(0, uintptr(size), memCommit|memReserve, pageExecuteRW)
	if addr == 0 {
		return nil, fmt.Errorf("winapi: VirtualAlloc: %w", err)
	}
	return &Slice{Data: addr, Size: size}, nil
}

func tryAllocNear(address uintptr, size int) (uintptr, bool) {
	for i := 1; i <= searchAttempts; i++ {
		offset := uintptr(i) * searchStep
		if offset > maxSearchSpan {
			break
		}
		for _, candidate := range []uintptr{address + offset, address - offset} {
			// Skip zero and candidates that wrapped around the address space.
			if candidate == 0 || (candidate > address) != (candidate-address == offset) {
				continue
			}
			addr, _, _ := procVirtualAlloc.Call(candidate, uintptr(size), memCommit|memReserve, pageExecuteRW)
			if addr != 0 {
				return addr, true
			}
		}
	}
	return 0, false
}

// FreeSlice releases a slab obtained from AllocateSliceNear.
func FreeSlice(s *Slice) error {
	if s == nil || s.Data == 0 {
		return nil
	}
	r, _, err := procVirtualFree.Call(s.Data, 0, memRelease)
	if r == 0 {
		return fmt.Errorf("winapi: VirtualFree: %w", err)
	}
	s.Data = 0
	return nil
}

// UnlockMemoryProtect temporarily marks [addr, addr+size) RWX, runs fn, and
// restores the previous protection level even if fn panics. Kept verbatim
// from the teacher's unlockMemoryProtect/changeMemoryProtectLevel pair.
func UnlockMemoryProtect(addr uintptr, size int, fn func() error) error {
	oldProtect, err := changeMemoryProtectLevel(addr, size, pageExecuteRW)
	if err != nil {
		return err
	}
	defer func() {
		if _, err := changeMemoryProtectLevel(addr, size, oldProtect); err != nil {
			panic(err)
		}
	}()
	return fn()
}

func changeMemoryProtectLevel(addr uintptr, size, protect int) (int, error) {
	var oldProtect int
	if r, _, err := procVirtualProtect.Call(addr, uintptr(size), uintptr(protect), uintptr(unsafe.Pointer(&oldProtect))); r == 0 {
		return -1, err
	}
	return oldProtect, nil
}

// ReadMemory copies len(out) bytes starting at ptr into out.
func ReadMemory(ptr uintptr, out []byte) {
	for i := range out {
		out[i] = *(*byte)(unsafe.Pointer(ptr + uintptr(i)))
	}
}

// WriteMemory copies in into memory starting at ptr. Callers are
// responsible for having unlocked protection first.
func WriteMemory(ptr uintptr, in []byte) {
	for i, b := range in {
		*(*byte)(unsafe.Pointer(ptr + uintptr(i))) = b
	}
}

// ClearInstructionCache invalidates the instruction prefetch for [start,
// start+len) on every core the process may run on (spec §6's cache-sync
// contract).
func ClearInstructionCache(start uintptr, length int) error {
	proc, _, err := procGetCurrentProcess.Call()
	if proc == 0 {
		return fmt.Errorf("winapi: GetCurrentProcess: %w", err)
	}
	if r, _, err := procFlushInstCache.Call(proc, start, uintptr(length)); r == 0 {
		return fmt.Errorf("winapi: FlushInstructionCache: %w", err)
	}
	return nil
}
