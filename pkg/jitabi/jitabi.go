// Package jitabi defines the calling convention between the execution
// loop, the guest-trap stubs, and JIT-compiled code: CPUState's
// layout, the trap taxonomy, the guest stub table, and the
// host/JIT trampoline (original_source's src/codegen/jitabi.h and
// src/qmc/qcg/jitabi.cpp).
package jitabi

import "unsafe"

// TrapCode enumerates why a region (or the interpreter) returned
// control to the execution loop's Step.
type TrapCode uint32

const (
	TrapNone TrapCode = iota
	TrapUnalignedIP
	TrapIllegalInsn
	TrapEbreak
	TrapEcall
	TrapTerminated
)

func (t TrapCode) String() string {
	switch t {
	case TrapNone:
		return "none"
	case TrapUnalignedIP:
		return "unaligned-ip"
	case TrapIllegalInsn:
		return "illegal-insn"
	case TrapEbreak:
		return "ebreak"
	case TrapEcall:
		return "ecall"
	case TrapTerminated:
		return "terminated"
	default:
		return "?"
	}
}

// GPRNum is the guest register file size (RV32I: x0..x31).
const GPRNum = 32

// CPUState is the guest register file plus the fields the JIT/stub
// ABI reaches into directly. Its layout is part of the ABI contract:
// pkg/qemit addresses gpr[n] and ip through STATE (R13) at fixed
// byte offsets, and the trampoline writes SPUnwind directly from
// assembly.
type CPUState struct {
	GPR    [GPRNum]uint32
	IP     uint32
	Trapno TrapCode

	// TrapIP is the guest IP a guest-trap stub was entered with
	// (pkg/frontend always passes the trapping instruction's own IP as
	// Emit_hcall's argument), distinct from IP itself: by the time a
	// region returns to pkg/engine, IP already holds the resume
	// address the hcall's paired gbr set, so TrapIP is the only place
	// the original fault site survives for a stub handler to report.
	TrapIP uint32

	// GuestStubs holds the guest-trap dispatch handlers, indexed
	// directly by the qir.StubID a translator's hcall names (e.g.
	// pkg/frontend's StubEcall/StubEbreak/StubIllegal/StubFence).
	// Emit_hcall calls through this table by raw index; the guest ISA
	// frontend and pkg/engine's handler registration are the only two
	// parties that need to agree on what each index means.
	GuestStubs GuestStubTab

	// RuntimeStubs holds the JIT-ABI stubs (link_branch_jit, brind):
	// original_source's RUNTIME_STUBS table, minus the guest-trap half
	// GuestStubs already covers. Only a lazy-link BranchSlot calls into
	// it (link_branch_jit); gbrind's inline L1Brind probe calls no stub.
	RuntimeStubs RuntimeStubTab

	// PendingSlot is the address of the BranchSlot link_branch_jit was
	// entered from, written by that stub's asm body and read by
	// pkg/engine.Step once a region returns. Zero means no slot is
	// awaiting a link.
	PendingSlot uintptr

	// L1Brind points at the caller-owned array of L1BrindEntry records
	// (pkg/tcache.Cache's indirect-branch cache) so pkg/qemit's
	// lowerGBrind can probe it with STATE-relative addressing instead
	// of bouncing through Go for every indirect branch: spec's "State
	// layout" note that CPUState carries "the L1 indirect-branch cache
	// pointer".
	L1Brind uintptr

	// SPUnwind is the host stack pointer of the qcg tailcall frame,
	// recorded by the trampoline so a runtime stub can locate it.
	SPUnwind uintptr
}

// L1BrindEntry is one slot of the raw, JIT-addressable indirect-branch
// cache CPUState.L1Brind points at: original_source's brind_cache
// entry, laid out as a fixed 16-byte record (4 bytes padding after
// GIP) so pkg/qemit's inline probe can index it with a single
// "base + hash*16" computation instead of a Go slice header.
type L1BrindEntry struct {
	GIP  uint32
	_    uint32
	Code uintptr
}

// L1BrindEntrySize is one L1BrindEntry's byte size (16);
// L1BrindEntryShift is its log2 (4): pkg/qemit's inline gbrind probe
// shifts a hash left by L1BrindEntryShift bits instead of multiplying
// by the size.
const L1BrindEntrySize = 16
const L1BrindEntryShift = 4

// L1BrindBits sizes the indirect-branch cache CPUState.L1Brind points
// at: original_source's L1_CACHE_BITS. It lives here rather than in
// pkg/tcache (which owns the array itself) because pkg/qemit's inline
// probe must hash a guest IP exactly the same way pkg/tcache.CacheBrind
// populates the array — both sides of that ABI belong next to the
// rest of the L1Brind layout.
const L1BrindBits = 12

// L1BrindCount is the indirect-branch cache's entry count (1 <<
// L1BrindBits).
const L1BrindCount = 1 << L1BrindBits

// IsTrapPending reports whether a trap has been raised since the last
// clear.
func (s *CPUState) IsTrapPending() bool { return s.Trapno != TrapNone }

// GPROffset returns CPUState.GPR[n]'s byte offset, the value
// pkg/frontend's StateInfo and pkg/qemit's state-slot addressing must
// agree on.
func GPROffset(n uint32) uint16 { return uint16(n * 4) }

// IPOffset is CPUState.IP's byte offset.
var IPOffset = uint16(unsafe.Offsetof(CPUState{}.IP))

// TrapnoOffset is CPUState.Trapno's byte offset.
var TrapnoOffset = uint16(unsafe.Offsetof(CPUState{}.Trapno))

// TrapIPOffset is CPUState.TrapIP's byte offset: pkg/engine's guest-trap
// stub thunks (one per qir.StubID a frontend defines) write here
// directly from assembly, the same way trampoline_amd64.s writes
// SPUnwind.
var TrapIPOffset = uint16(unsafe.Offsetof(CPUState{}.TrapIP))

// GuestStubsOffset is CPUState.GuestStubs' byte offset.
var GuestStubsOffset = uint16(unsafe.Offsetof(CPUState{}.GuestStubs))

// GuestStubOffset returns the byte offset of GuestStubs[id] from
// STATE, the addressing pkg/qemit's Emit_hcall needs to call through
// the table with a single "call *off(STATE)" instruction instead of
// materializing an absolute address at compile time.
func GuestStubOffset(id uint8) int64 { return int64(GuestStubsOffset) + int64(id)*8 }

// RuntimeStubsOffset is CPUState.RuntimeStubs' byte offset.
var RuntimeStubsOffset = uint16(unsafe.Offsetof(CPUState{}.RuntimeStubs))

// RuntimeStubOffset returns the byte offset of RuntimeStubs[id] from
// STATE: the Call-via-R13-tab BranchSlot shape addresses a runtime
// stub this way rather than baking its absolute address into a patched
// immediate.
func RuntimeStubOffset(id uint8) int32 { return int32(RuntimeStubsOffset) + int32(id)*8 }

// PendingSlotOffset is CPUState.PendingSlot's byte offset:
// runtimestubs_amd64.s's link_branch_jit stub writes here directly.
var PendingSlotOffset = uint16(unsafe.Offsetof(CPUState{}.PendingSlot))

// L1BrindOffset is CPUState.L1Brind's byte offset: pkg/qemit's
// lowerGBrind loads the base pointer from here before indexing it.
var L1BrindOffset = uint16(unsafe.Offsetof(CPUState{}.L1Brind))
