package qir

// Inst is one QIR instruction: an opcode, its flags, a fixed-arity
// operand array (outputs first, then inputs, per OpInfo), and
// opcode-specific extra fields that don't fit the VOperand shape
// (condition codes, host-call stub ids, load/store size+sign).
//
// original_source places the operand array immediately before the
// Inst header in memory so that operand access is a negative-offset
// load with no separate indirection (spec.md 9, "operand storage
// trick"). That trick exists to keep C++ placement-new allocations
// single-bump; it buys nothing in Go, where a plain slice is just as
// O(1) to index and far less surprising to a reader. Operands
// therefore live in a plain slice referenced from Inst, allocated
// with it on the Go heap.
type Inst struct {
	id     uint32
	opcode Op
	flags  Flags

	operands []VOperand

	// Opcode-specific extra state.
	CC        CondCode // brcc, setcc
	Stub      StubID   // hcall
	Size      VType    // vmload, vmstore
	Sign      VSign    // vmload, vmstore
	gbrTarget VOperand // gbr: constant guest-IP target

	block      *Block
	prev, next *Inst
}

// StubID identifies a runtime stub invoked by hcall (spec.md 4.8).
type StubID uint8

func (ins *Inst) ID() uint32    { return ins.id }
func (ins *Inst) Opcode() Op    { return ins.opcode }
func (ins *Inst) Flags() Flags  { return ins.flags }
func (ins *Inst) Block() *Block { return ins.block }

func (ins *Inst) HasFlags(f Flags) bool { return ins.flags&f != 0 }

func (ins *Inst) SetFlags(f Flags) { ins.flags |= f }

// OutputCount and InputCount report fixed arities per the static
// OpInfo table.
func (ins *Inst) OutputCount() int { return int(GetOpInfo(ins.opcode).NOut) }
func (ins *Inst) InputCount() int  { return int(GetOpInfo(ins.opcode).NIn) }

// Output returns output operand idx (0-based).
func (ins *Inst) Output(idx int) *VOperand {
	if idx >= ins.OutputCount() {
		panic("qir: output index out of range")
	}
	return &ins.operands[idx]
}

// Input returns input operand idx (0-based).
func (ins *Inst) Input(idx int) *VOperand {
	if idx >= ins.InputCount() {
		panic("qir: input index out of range")
	}
	return &ins.operands[ins.OutputCount()+idx]
}

// Outputs returns the instruction's output operand slice.
func (ins *Inst) Outputs() []VOperand { return ins.operands[:ins.OutputCount()] }

// Inputs returns the instruction's input operand slice.
func (ins *Inst) Inputs() []VOperand { return ins.operands[ins.OutputCount():] }

// Next and Prev walk the owning block's instruction list.
func (ins *Inst) Next() *Inst { return ins.next }
func (ins *Inst) Prev() *Inst { return ins.prev }

// GBRTarget returns the constant guest-IP target of a gbr
// instruction.
func (ins *Inst) GBRTarget() VOperand {
	if ins.opcode != OpGBr {
		panic("qir: GBRTarget on non-gbr instruction")
	}
	return ins.gbrTarget
}
