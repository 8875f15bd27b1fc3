// Package qra implements QRegAlloc: a local, linear, per-block/per-
// instruction register allocator over a fixed amd64 GPR file,
// inserting spills and fills and respecting block/region/call
// boundaries (spec.md 4.5).
package qra

import (
	"math/bits"

	"github.com/jserv/rv32jit/pkg/qir"
)

// RegMask is a bitset over the 16 amd64 GPRs, indexed by the standard
// x86-64 register-id ordering (rax=0 .. r15=15), matching
// original_source's arch_traits.h RegMask/ArchTraits.
type RegMask uint32

func (m RegMask) Test(r qir.RegN) bool   { return m&(1<<uint(r)) != 0 }
func (m RegMask) Set(r qir.RegN) RegMask { return m | 1<<uint(r) }
func (m RegMask) And(o RegMask) RegMask  { return m & o }
func (m RegMask) Or(o RegMask) RegMask   { return m | o }
func (m RegMask) Not() RegMask           { return ^m }
func (m RegMask) Count() int             { return bits.OnesCount32(uint32(m)) }

// GPRNum is the size of the amd64 GPR file.
const GPRNum = 16

// Physical register ids, in the x86-64 ModRM/REX encoding order
// pkg/qemit's assembler expects.
const (
	RAX qir.RegN = iota
	RCX
	RDX
	RBX
	RSP
	RBP
	RSI
	RDI
	R8
	R9
	R10
	R11
	R12
	R13
	R14
	R15
)

// Fixed roles (original_source's QMC_FIXED_REGS): STATE holds the
// CPUState pointer, MEMBASE the guest memory base, SP the host stack
// pointer. Neither QRA nor QEmit may allocate these to a vreg.
const (
	STATE   = R13
	MEMBASE = RBP
	SP      = RSP
)

// GPRFixed, GPRCallClobber, GPRAll, GPRPool, and GPRCallSaved mirror
// ArchTraits' constexpr masks exactly.
var (
	GPRFixed = RegMask(0).Set(STATE).Set(MEMBASE).Set(SP)

	GPRCallClobber = RegMask(0).
			Set(RAX).Set(RDI).Set(RSI).Set(RDX).Set(RCX).
			Set(R8).Set(R9).Set(R10).Set(R11)

	GPRAll = RegMask(1<<GPRNum) - 1

	GPRPool = GPRAll.And(GPRFixed.Not())

	GPRCallSaved = GPRAll.And(GPRCallClobber.Not())
)

// SpillFrameSize bounds the per-region local spill frame.
const SpillFrameSize = 1024

func roundUp(v, align uint16) uint16 {
	return (v + align - 1) &^ (align - 1)
}
