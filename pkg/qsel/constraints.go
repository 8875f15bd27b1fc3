// Package qsel implements operand selection: the pass that rewrites a
// translated QIR region so every instruction's operands satisfy its
// static constraint descriptor, before register allocation assigns
// any physical register (spec.md 4.4).
package qsel

import "github.com/jserv/rv32jit/pkg/qir"

// ImmClass is the allowed-immediate set for one input operand.
type ImmClass uint8

const (
	// ImmNone means the operand must be a register; a constant here
	// is always lowered into a fresh temp vreg.
	ImmNone ImmClass = iota
	// ImmAny, ImmS32, ImmU32 each admit a constant operand. QIR values
	// never exceed 32 bits (RV32I's native width), so every uint32
	// constant already lies in both the signed and unsigned 32-bit
	// windows the original ArchTraits::match_gp_const distinguishes;
	// the three are kept as distinct names for fidelity to the
	// constraint table, not because they differ in behavior here.
	ImmAny
	ImmS32
	ImmU32
)

func (c ImmClass) accepts() bool { return c != ImmNone }

// Constraint is one opcode's operand descriptor: which input (if any)
// is tied/aliased to output 0, and each input's immediate class.
type Constraint struct {
	// Tie is the input index tied to output 0, or -1 if none.
	Tie int
	// InputImm is indexed by input position; the tied slot's entry is
	// never consulted (alias fixup always leaves it a GPR).
	InputImm []ImmClass
}

var constraints = map[qir.Op]Constraint{
	qir.OpBrcc:    {Tie: -1, InputImm: []ImmClass{ImmNone, ImmS32}},
	qir.OpGBrind:  {Tie: -1, InputImm: []ImmClass{ImmNone}},
	qir.OpVMLoad:  {Tie: -1, InputImm: []ImmClass{ImmU32}},
	qir.OpVMStore: {Tie: -1, InputImm: []ImmClass{ImmAny, ImmNone}},
	qir.OpSetcc:   {Tie: -1, InputImm: []ImmClass{ImmNone, ImmS32}},
	qir.OpMov:     {Tie: -1, InputImm: []ImmClass{ImmAny}},
	qir.OpAdd:     {Tie: 0, InputImm: []ImmClass{ImmAny, ImmS32}},
	qir.OpSub:     {Tie: 0, InputImm: []ImmClass{ImmAny, ImmS32}},
	qir.OpOr:      {Tie: 0, InputImm: []ImmClass{ImmAny, ImmS32}},
	qir.OpXor:     {Tie: 0, InputImm: []ImmClass{ImmAny, ImmS32}},
	qir.OpAnd:     {Tie: 0, InputImm: []ImmClass{ImmAny, ImmU32}},
	qir.OpSra:     {Tie: 0, InputImm: []ImmClass{ImmAny, ImmAny}},
	qir.OpSrl:     {Tie: 0, InputImm: []ImmClass{ImmAny, ImmAny}},
	qir.OpSll:     {Tie: 0, InputImm: []ImmClass{ImmAny, ImmAny}},
	// hcall's single input is always emitted as an immediate call
	// argument by QEmit (spec.md 4.6), never through a register, so it
	// carries no constraint of its own.
	qir.OpHcall: {Tie: -1, InputImm: []ImmClass{ImmAny}},
}

// constraintFor returns op's descriptor, or a permissive default
// (no tie, every input untouched) for opcodes with no inputs.
func constraintFor(op qir.Op) Constraint {
	if c, ok := constraints[op]; ok {
		return c
	}
	return Constraint{Tie: -1}
}
