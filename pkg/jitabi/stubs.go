package jitabi

// original_source's RuntimeStubTab (RUNTIME_STUBS = COMMON_RUNTIME_STUBS
// + GUEST_RUNTIME_STUBS) covers two different concerns under one enum:
// the ABI-level escape/lazy-link/indirect-branch-cache stubs a
// BranchSlot-patching engine calls into, and the per-guest-ISA trap
// stubs (ecall/ebreak/illegal/fence for rv32). This port keeps them as
// two separate tables instead — GuestStubTab below, and RuntimeStubTab
// in runtimestubs.go — since a guest ISA frontend's stub roster never
// needs to agree with anything beyond pkg/engine's handler
// registration, while the ABI stubs are fixed regardless of guest ISA.

// GuestStubTabSize bounds the number of guest-trap dispatch handlers a
// CPUState can hold; a guest ISA frontend's qir.StubID roster (e.g.
// pkg/frontend's four-entry StubEcall..StubFence) indexes directly
// into it, so this only needs to be at least as large as that roster.
const GuestStubTabSize = 8

// GuestStubTab holds the absolute addresses Emit_hcall calls through,
// indexed by the raw qir.StubID a translator names in CreateHcall.
// original_source folds these into the same RUNTIME_STUBS X-macro as
// its ABI stubs (runtime_stubs.h's GUEST_RUNTIME_STUBS); this port
// keeps them as their own table so a guest ISA frontend's stub roster
// never needs to agree with anything beyond pkg/engine's handler
// registration.
type GuestStubTab [GuestStubTabSize]uintptr
