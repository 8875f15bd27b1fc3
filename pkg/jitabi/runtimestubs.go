package jitabi

// RuntimeStubTabSize bounds the ABI-level stub table. Only one id is
// wired to a real call site today (StubLinkBranchJIT); the remaining
// slots are reserved the way GuestStubTab reserves slots past
// pkg/frontend's four-entry roster.
const RuntimeStubTabSize = 4

const (
	// StubLinkBranchJIT is called from a BranchSlot still in its
	// lazy-link (Call-via-R13-tab) shape: original_source's
	// link_branch_jit. It recovers its own call site from the return
	// address, records it in CPUState.PendingSlot, and returns;
	// pkg/engine.Step does the actual cache lookup and Link/RecordLink
	// once the region is back in Go, rather than from inside the stub
	// itself (see runtimestubs_amd64.s and pkg/engine's DESIGN.md
	// entry for why this port splits the work this way).
	StubLinkBranchJIT uint8 = iota
	// StubBrind mirrors original_source's brind but is never called
	// from generated code: pkg/qemit's inline L1Brind probe
	// (lowerGBrind) does the hash/compare itself and, on a miss, falls
	// straight through to the region's ordinary exitRegion epilogue
	// rather than calling out — a gbrind site has no alignment push
	// unless its region also contains an hcall, so a CALL here would
	// misalign the host stack for a leaf-with-gbrind region. The slot
	// stays reserved for ABI-table parity with original_source's
	// RuntimeStubId roster.
	StubBrind
)

// original_source's escape_link/escape_brind/raise have no separate
// symbol in this port: "escaping" a region here is already just
// returning through the trampoline's still-open call frame (every
// CPUState-writing stub above does exactly that), so a dedicated
// escape stub would have a body identical to RET and add nothing a
// plain RET doesn't already provide. raise (original_source's
// signal-delivery longjmp) has no analogue either: Go's own
// panic/error-return path already unwinds out of Step on a fatal
// condition, which is what raise exists to do in original_source's
// sigsetjmp-based loop.

func stubLinkBranchJIT()
func stubBrind()

// NewRuntimeStubs builds the ABI stub table a fresh CPUState is given.
func NewRuntimeStubs() RuntimeStubTab {
	var tab RuntimeStubTab
	tab[StubLinkBranchJIT] = funcAddr(stubLinkBranchJIT)
	tab[StubBrind] = funcAddr(stubBrind)
	return tab
}

// RuntimeStubTab holds the ABI stub addresses Link-via-table BranchSlots
// call through, indexed by the StubXxx constants above.
type RuntimeStubTab [RuntimeStubTabSize]uintptr
