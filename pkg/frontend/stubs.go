package frontend

import "github.com/jserv/rv32jit/pkg/qir"

// Host-call stub identifiers emitted by the translator. pkg/engine
// binds each of these to a concrete handler that inspects and updates
// jitabi.CPUState; the translator only needs the numeric contract.
const (
	StubEcall qir.StubID = iota
	StubEbreak
	StubIllegal
	StubFence
)
