package jitabi

import (
	"encoding/binary"
	"unsafe"
)

// BranchSlot is the inline, self-modifying exit site pkg/qemit reserves
// at every gbr: original_source's BranchSlot (src/codegen/jitabi.h),
// one of four bit-exact machine-code shapes (spec's "State layout and
// BranchSlot shapes"):
//
//	Call-64-abs:       48 B8 <imm64> FF D0   (12 bytes, lazy-link)
//	Jump-64-abs:       48 B8 <imm64> FF E0   (12 bytes, direct link, far)
//	Jump-32-rel:       E9 <imm32>            ( 5 bytes, direct link, near)
//	Call-via-R13-tab:  41 FF 95 <disp32>     ( 7 bytes, lazy-link via table)
//
// Every shape fits inside the slot's reserved Code region. original_source
// packs a gip word and a cross_segment bit right after the patchable
// bytes, in the same 16-byte record, so a self-modifying stub can find
// both the code to patch and the metadata describing it from one
// pointer. This port keeps GIP/CrossSegment as ordinary Go fields
// instead: nothing here ever recovers a *BranchSlot from raw bytes
// alone (FromCallPtrRetaddr/FromCallRuntimeStubRetaddr return a slot
// whose Code aliases the right 12 bytes, but GIP/CrossSegment require
// a side lookup — see pkg/tcache's linkMap), so there is no benefit to
// the unsafe struct-overlay trick original_source relies on for a
// language with no separate slice header.
type BranchSlot struct {
	// Code is the reserved, patchable code region: 12 bytes, sized for
	// the largest shape (Call-64-abs/Jump-64-abs). Writes through Code
	// are writes into the live RWX code pool.
	Code []byte

	GIP          uint32
	CrossSegment bool
}

// BranchSlotSize is the patchable code region's length in bytes:
// original_source's BranchSlot is 16 bytes total, but 4 of those are
// the gip/cross_segment trailer this port keeps as Go fields instead
// (see the package doc above).
const BranchSlotSize = 12

// call64AbsLen/callStubTabLen are the two shapes whose length
// FromCallPtrRetaddr/FromCallRuntimeStubRetaddr subtract from a return
// address to recover the slot's start.
const (
	call64AbsLen   = 12
	jump64AbsLen   = 12
	jump32RelLen   = 5
	callStubTabLen = 7
)

func mustSlot(code []byte) {
	if len(code) < BranchSlotSize {
		panic("jitabi: BranchSlot code region shorter than BranchSlotSize")
	}
}

// writeCall64Abs installs "MOVQ $target, AX; CALL AX": 48 B8 <imm64> FF D0.
func writeCall64Abs(code []byte, target uintptr) {
	mustSlot(code)
	code[0], code[1] = 0x48, 0xB8
	binary.LittleEndian.PutUint64(code[2:10], uint64(target))
	code[10], code[11] = 0xFF, 0xD0
}

// writeJump64Abs installs "MOVQ $target, AX; JMP AX": 48 B8 <imm64> FF E0.
func writeJump64Abs(code []byte, target uintptr) {
	mustSlot(code)
	code[0], code[1] = 0x48, 0xB8
	binary.LittleEndian.PutUint64(code[2:10], uint64(target))
	code[10], code[11] = 0xFF, 0xE0
}

// writeJump32Rel installs "JMP rel32": E9 <imm32>, rel32 relative to
// the address of the byte immediately following the 5-byte encoding.
// The remaining 7 reserved bytes are left as NOPs (0x90): unreachable
// once the JMP at byte 0 fires, but kept inert rather than stale.
func writeJump32Rel(code []byte, selfAddr uintptr, target uintptr) {
	mustSlot(code)
	rel := int64(target) - int64(selfAddr+jump32RelLen)
	code[0] = 0xE9
	binary.LittleEndian.PutUint32(code[1:5], uint32(int32(rel)))
	for i := jump32RelLen; i < BranchSlotSize; i++ {
		code[i] = 0x90
	}
}

// writeCallStubTab installs "CALL [R13+disp32]": 41 FF 95 <disp32>,
// the lazy-link shape that calls through CPUState.RuntimeStubs rather
// than an address baked in as an immediate.
func writeCallStubTab(code []byte, disp32 int32) {
	mustSlot(code)
	code[0], code[1], code[2] = 0x41, 0xFF, 0x95
	binary.LittleEndian.PutUint32(code[3:7], uint32(disp32))
	for i := callStubTabLen; i < BranchSlotSize; i++ {
		code[i] = 0x90
	}
}

// canReachRel32 reports whether target is reachable from a jmp rel32
// encoded at selfAddr.
func canReachRel32(selfAddr, target uintptr) bool {
	rel := int64(target) - int64(selfAddr+jump32RelLen)
	return rel >= -(1<<31) && rel < (1<<31)
}

// Link patches the slot to jump directly to target: original_source's
// BranchSlot::Link. Prefers the 5-byte rel32 shape when target is
// within reach of a 32-bit displacement, falling back to the 12-byte
// abs64 shape otherwise (spec's "Link(to): patches to a 32-bit
// relative jump if reachable, else a 64-bit absolute jump").
func (s *BranchSlot) Link(target uintptr) {
	mustSlot(s.Code)
	self := uintptr(unsafe.Pointer(&s.Code[0]))
	if canReachRel32(self, target) {
		writeJump32Rel(s.Code, self, target)
		return
	}
	writeJump64Abs(s.Code, target)
}

// LinkLazyJIT re-arms the slot to call the link_branch_jit runtime
// stub through CPUState.RuntimeStubs, original_source's
// BranchSlot::LinkLazyJIT. Used both for a slot's initial state and to
// re-arm one InvalidatePage is retiring a direct link into.
func (s *BranchSlot) LinkLazyJIT() {
	writeCallStubTab(s.Code, RuntimeStubOffset(StubLinkBranchJIT))
}

// sliceAt builds a BranchSlot whose Code aliases the n bytes starting
// at addr, the unsafe cast FromCallPtrRetaddr/FromCallRuntimeStubRetaddr
// need to turn a raw return address back into a patchable Go slice.
func sliceAt(addr uintptr, n int) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(addr)), n)
}

// SlotAt builds a BranchSlot whose Code aliases the BranchSlotSize
// bytes starting at addr. Unlike FromCallPtrRetaddr/
// FromCallRuntimeStubRetaddr, addr here is already the slot's own
// start address rather than a CALL return address — exactly what
// CPUState.PendingSlot holds once link_branch_jit's asm body has
// already done the ra-7 subtraction itself.
func SlotAt(addr uintptr) *BranchSlot {
	return &BranchSlot{Code: sliceAt(addr, BranchSlotSize)}
}

// FromCallPtrRetaddr recovers the BranchSlot a Call-64-abs shape's
// CALL instruction was entered from, given the return address a CALL
// pushes: original_source's BranchSlot::FromCallPtrRetaddr. The
// returned slot's GIP/CrossSegment are zero; the caller already knows
// them (e.g. from pkg/tcache's linkMap) by the time it needs them.
func FromCallPtrRetaddr(ra uintptr) *BranchSlot {
	return &BranchSlot{Code: sliceAt(ra-call64AbsLen, BranchSlotSize)}
}

// FromCallRuntimeStubRetaddr recovers the BranchSlot a
// Call-via-R13-tab shape's CALL instruction was entered from:
// original_source's BranchSlot::FromCallRuntimeStubRetaddr. This is
// what link_branch_jit uses to find its own call site from the return
// address the CALL instruction left on the stack.
func FromCallRuntimeStubRetaddr(ra uintptr) *BranchSlot {
	return &BranchSlot{Code: sliceAt(ra-callStubTabLen, BranchSlotSize)}
}
