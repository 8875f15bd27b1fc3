package jitabi

import "reflect"

// The four functions below are declared here and defined in
// gueststubs_amd64.s: each is a tiny leaf routine invoked by
// pkg/qemit's Emit_hcall lowering via a raw "call *off(STATE)", not
// through Go's calling convention, so they take no Go arguments and
// touch only R13 (STATE, still pinned from trampolineToJIT) and SI
// (the guest IP Emit_hcall loaded there). Each records the trap and
// returns; the gbr a frontend always pairs with CreateHcall then
// finishes the region the ordinary way.
func stubEcall()
func stubEbreak()
func stubIllegal()
func stubFence()

// funcAddr recovers a Go func value's code entry address. Reflect only
// promises the result is non-nil iff v is non-nil, but for a
// top-level, non-closure function this is the same trick the Go
// runtime's own linkname-based introspection relies on, and it's the
// only way to hand a plain Go-declared assembly routine's address to
// code that calls it as a raw machine-code pointer instead of through
// a Go call.
func funcAddr(f func()) uintptr {
	return reflect.ValueOf(f).Pointer()
}

// NewGuestStubs builds the guest-trap dispatch table a fresh CPUState
// is given, indexed to match pkg/frontend's StubEcall(0)/StubEbreak(1)/
// StubIllegal(2)/StubFence(3) roster. pkg/engine wires this in when it
// constructs a CPUState; nothing about the table's contents or order
// is specific to the rv32 frontend, so jitabi can own it outright.
func NewGuestStubs() GuestStubTab {
	var tab GuestStubTab
	tab[0] = funcAddr(stubEcall)
	tab[1] = funcAddr(stubEbreak)
	tab[2] = funcAddr(stubIllegal)
	tab[3] = funcAddr(stubFence)
	return tab
}
