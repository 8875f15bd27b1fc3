package qir

// fold runs the constant folder on a freshly-spliced instruction,
// possibly rewriting it in place, and returns the instruction that
// should now be considered "current" (spec.md 4.2: "the folder may
// erase the instruction and return the previous instruction in the
// list; it is total").
//
// original_source's folder physically erases the instruction and
// splices in a replacement. This port instead rewrites the
// instruction's opcode/operands in place: the observable result (the
// "folder law" in spec.md 8 — Create_add(vd, const a, const b) yields
// a single mov of a+b) is identical, and in-place rewriting sidesteps
// re-deriving the builder's cursor position after a list-splice.
// fold is only ever called on an instruction the builder just
// inserted, so it is always safe to mutate.
func fold(ins *Inst) *Inst {
	switch ins.opcode {
	case OpAdd:
		foldAdd(ins)
	}
	return ins
}

func foldAdd(ins *Inst) {
	lhs, rhs := ins.Input(0), ins.Input(1)

	if lhs.IsConst() && rhs.IsConst() {
		sum := lhs.Const + rhs.Const
		turnIntoMov(ins, MakeConst(ins.Output(0).Type, sum))
		return
	}

	// Canonicalize: a constant left operand moves to the right so
	// downstream passes (QSel's alias fixup, in particular) only ever
	// need to look for a constant in input position 1.
	if lhs.IsConst() && !rhs.IsConst() {
		*lhs, *rhs = *rhs, *lhs
	}

	if rhs := ins.Input(1); rhs.IsConst() && rhs.Const == 0 {
		turnIntoMov(ins, *ins.Input(0))
	}
}

// turnIntoMov rewrites ins into a mov of src, resizing its operand
// array from the binop's (1 out, 2 in) shape down to mov's (1 out, 1
// in) shape. The output operand is left untouched.
func turnIntoMov(ins *Inst, src VOperand) {
	dst := ins.operands[0]
	ins.opcode = OpMov
	ins.flags = GetOpInfo(OpMov).Flags
	ins.operands = []VOperand{dst, src}
}
