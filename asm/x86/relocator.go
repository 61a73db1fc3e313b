package x86

import (
	"fmt"
	"strings"

	"golang.org/x/arch/x86/x86asm"
)

// RelocationError reports the byte offset (relative to the start of the
// instruction stream being relocated) of the instruction that could not be
// safely relocated, resolving spec.md §9's second Open Question in favor
// of surfacing the offset.
type RelocationError struct {
	Offset int
	Reason string
}

func (e *RelocationError) Error() string {
	return fmt.Sprintf("x86: cannot relocate instruction at offset %d: %s", e.Offset, e.Reason)
}

// Relocated is one displaced instruction re-emitted at a new address.
type Relocated struct {
	Original x86asm.Inst
	Bytes    []byte
}

// MinimumPrologueLength decodes src (bytes read from the live target's
// entry point) and returns the byte length of the minimum number of whole instructions
// whose aggregate byte length is >= redirectSize, per spec §4.1.1.d. It
// fails with a *RelocationError if a branch/call/ret instruction appears
// before that length is reached (spec: "the builder never emits relative
// branches into the overwritten prologue's original location" — if control
// can re-enter the prologue mid-way, relocating it is unsound), mirroring
// Dk2014-hinako's isBranchInst/getAsmPatchSize.
func MinimumPrologueLength(src []byte, redirectSize int) (int, error) {
	offset := 0
	for offset < redirectSize {
		inst, err := x86asm.Decode(src[offset:], 64)
		if err != nil {
			return 0, &RelocationError{Offset: offset, Reason: err.Error()}
		}
		if inst.Len == 0 {
			return 0, &RelocationError{Offset: offset, Reason: "zero-length decode"}
		}
		if isBranchInst(&inst) {
			return 0, &RelocationError{Offset: offset, Reason: "branch instruction before redirect boundary"}
		}
		offset += inst.Len
	}
	return offset, nil
}

func isBranchInst(inst *x86asm.Inst) bool {
	s := inst.Op.String()
	return strings.HasPrefix(s, "J") || strings.HasPrefix(s, "CALL") || strings.HasPrefix(s, "RET") || strings.HasPrefix(s, "LOOP")
}

// Relocate re-emits the prologueLen bytes of src (originally located at
// srcAddr) into w, fixing up any RIP-relative operand so it still refers
// to the original absolute location (spec §4.1.1.e). Non-RIP-relative
// instructions are copied verbatim, exactly as Dk2014-hinako's trampoline
// copy of the original function head does for the common case.
func Relocate(w *Writer, src []byte, srcAddr uintptr, prologueLen int) error {
	offset := 0
	for offset < prologueLen {
		inst, err := x86asm.Decode(src[offset:], 64)
		if err != nil {
			return &RelocationError{Offset: offset, Reason: err.Error()}
		}
		instBytes := append([]byte(nil), src[offset:offset+inst.Len]...)
		if disp, dispOff, ok := ripRelativeDisplacement(&inst, instBytes); ok {
			instAddr := srcAddr + uintptr(offset)
			absTarget := uint64(instAddr) + uint64(inst.Len) + uint64(int64(disp))
			newInstAddr := w.Cur()
			newDisp := int64(absTarget) - int64(newInstAddr) - int64(inst.Len)
			if newDisp < -(1<<31) || newDisp >= (1<<31) {
				return &RelocationError{Offset: offset, Reason: "relocated RIP-relative displacement out of range"}
			}
			writeDisp32(instBytes, dispOff, int32(newDisp))
		}
		w.emit(instBytes...)
		offset += inst.Len
	}
	return nil
}

// ripRelativeDisplacement reports the 32-bit displacement of a RIP-relative
// memory operand, if any, and its byte offset within the instruction's
// encoding so Relocate can rewrite it in place. x86asm decodes the operand
// value directly but does not hand back field offsets, so the offset is
// recovered positionally: a RIP-relative ModRM (mod=00, rm=101) encodes
// disp32 as the four bytes immediately following the ModRM (and SIB, which
// RIP-relative addressing never carries), before any trailing immediate.
func ripRelativeDisplacement(inst *x86asm.Inst, raw []byte) (disp int32, offset int, ok bool) {
	var mem *x86asm.Mem
	for _, a := range inst.Args {
		if a == nil {
			continue
		}
		if m, isMem := a.(x86asm.Mem); isMem && m.Base == x86asm.RIP {
			mem = &m
			break
		}
	}
	if mem == nil {
		return 0, 0, false
	}
	modrmOffset := len(raw) - instTailLen(inst)
	if modrmOffset < 0 || modrmOffset+5 > len(raw) {
		return 0, 0, false
	}
	dispOffset := modrmOffset + 1
	return mem.Disp, dispOffset, true
}

// instTailLen returns how many trailing bytes of the instruction (from the
// ModRM byte onward) are accounted for by "ModRM + disp32 [+ immediate]",
// which is the only shape RIP-relative addressing appears in for the
// instruction classes the prologue relocator needs to handle (mov/lea to
// or from a RIP-relative operand).
func instTailLen(inst *x86asm.Inst) int {
	immLen := 0
	for _, a := range inst.Args {
		if a == nil {
			continue
		}
		if _, isImm := a.(x86asm.Imm); isImm {
			immLen = immediateWidth(inst)
			break
		}
	}
	return 1 + 4 + immLen
}

func immediateWidth(inst *x86asm.Inst) int {
	switch inst.DataSize {
	case 8:
		return 1
	case 16:
		return 2
	default:
		return 4
	}
}

func writeDisp32(buf []byte, offset int, v int32) {
	buf[offset+0] = byte(uint32(v))
	buf[offset+1] = byte(uint32(v) >> 8)
	buf[offset+2] = byte(uint32(v) >> 16)
	buf[offset+3] = byte(uint32(v) >> 24)
}
