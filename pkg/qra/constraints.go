package qra

import "github.com/jserv/rv32jit/pkg/qir"

// Ct is one operand's register-class constraint: the set of physical
// registers it may occupy, and (for a tied input) the output index it
// must share a register with.
type Ct struct {
	CR       RegMask
	HasAlias bool
	Alias    uint8
}

// OpConstraint is an opcode's full operand descriptor (spec.md 4.5's
// constraint table). Out is meaningless for opcodes with no output.
type OpConstraint struct {
	Out RegMask
	In  []Ct
}

var gprPool = Ct{CR: GPRPool}

var constraints = map[qir.Op]OpConstraint{
	qir.OpBrcc:    {In: []Ct{gprPool, gprPool}},
	qir.OpGBrind:  {In: []Ct{{CR: RegMask(0).Set(RSI)}}},
	qir.OpVMLoad:  {Out: GPRPool, In: []Ct{gprPool}},
	qir.OpVMStore: {In: []Ct{gprPool, gprPool}},
	qir.OpSetcc:   {Out: GPRPool, In: []Ct{gprPool, gprPool}},
	qir.OpMov:     {Out: GPRPool, In: []Ct{gprPool}},
	qir.OpAdd:     {Out: GPRPool, In: []Ct{{CR: GPRPool, HasAlias: true, Alias: 0}, gprPool}},
	qir.OpSub:     {Out: GPRPool, In: []Ct{{CR: GPRPool, HasAlias: true, Alias: 0}, gprPool}},
	qir.OpOr:      {Out: GPRPool, In: []Ct{{CR: GPRPool, HasAlias: true, Alias: 0}, gprPool}},
	qir.OpXor:     {Out: GPRPool, In: []Ct{{CR: GPRPool, HasAlias: true, Alias: 0}, gprPool}},
	qir.OpAnd:     {Out: GPRPool, In: []Ct{{CR: GPRPool, HasAlias: true, Alias: 0}, gprPool}},
	qir.OpSra:     {Out: GPRPool, In: []Ct{{CR: GPRPool, HasAlias: true, Alias: 0}, {CR: RegMask(0).Set(RCX)}}},
	qir.OpSrl:     {Out: GPRPool, In: []Ct{{CR: GPRPool, HasAlias: true, Alias: 0}, {CR: RegMask(0).Set(RCX)}}},
	qir.OpSll:     {Out: GPRPool, In: []Ct{{CR: GPRPool, HasAlias: true, Alias: 0}, {CR: RegMask(0).Set(RCX)}}},
	// hcall and the no-operand control ops (br/gbr) never reach
	// AllocOp: Run dispatches them straight to CallOp/BlockBoundary/
	// RegionBoundary, matching original_source's QRegAllocVisitor.
}

func constraintFor(op qir.Op) OpConstraint {
	return constraints[op]
}
