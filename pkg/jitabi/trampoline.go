package jitabi

import "unsafe"

// trampolineToJIT enters a translated region: original_source's
// trampoline_to_jit. Declared with no body per the declared-in-Go,
// implemented-in-.s idiom (wazero's wasm-jit jitcall) — its real body
// is trampoline_amd64.s. It builds the qcg spill frame, pins STATE
// (R13) and MEMBASE (RBP) for every instruction pkg/qemit emits, and
// tail-calls into tcPtr. A region returns here either because its
// final gbr/gbrind reached an ordinary exit (stores the target guest
// IP into CPUState.IP, AX left zero), or because it ran through an
// unlinked BranchSlot's lazy-link call (CPUState.PendingSlot holds
// the slot's address; AX still carries no information — pkg/engine
// reads PendingSlot, not the return value, to notice this case).
func trampolineToJIT(state *CPUState, vmem unsafe.Pointer, tcPtr uintptr) uintptr

// EnterJIT is the exported, type-safe wrapper pkg/engine calls. The
// caller must re-read CPUState.IP, CPUState.Trapno, and
// CPUState.PendingSlot after it returns to learn where the region
// exited to, whether a guest trap needs handling, and whether a
// BranchSlot is waiting to be linked; the uintptr return carries no
// information.
func EnterJIT(state *CPUState, vmem unsafe.Pointer, tcPtr uintptr) uintptr {
	return trampolineToJIT(state, vmem, tcPtr)
}
