package qir

// Builder remembers a current block and an insertion point; each
// Create_<op> method allocates an instruction, splices it before the
// insertion point, and runs the constant folder on it before
// returning (spec.md 4.2).
type Builder struct {
	region *Region
	block  *Block
	at     *Inst // insert before this inst; nil means append at block end
}

// NewBuilder creates a builder with no current block; callers must
// call SetBlock before emitting.
func NewBuilder(r *Region) *Builder { return &Builder{region: r} }

// Region returns the region the builder emits into.
func (b *Builder) Region() *Region { return b.region }

// Block returns the builder's current block.
func (b *Builder) Block() *Block { return b.block }

// SetBlock points the builder at blk, appending subsequent
// instructions at its end.
func (b *Builder) SetBlock(blk *Block) {
	b.block = blk
	b.at = nil
}

// SetInsertPoint points the builder at blk, inserting subsequent
// instructions immediately before at (nil appends at the end).
func (b *Builder) SetInsertPoint(blk *Block, at *Inst) {
	b.block = blk
	b.at = at
}

func (b *Builder) emit(op Op, flags Flags, operands []VOperand) *Inst {
	ins := b.region.newInst(op, flags)
	copy(ins.operands, operands)
	b.block.insertBefore(b.at, ins)
	return fold(ins)
}

// CreateMov emits dst <- src.
func (b *Builder) CreateMov(dst, src VOperand) *Inst {
	return b.emit(OpMov, 0, []VOperand{dst, src})
}

func (b *Builder) createBinop(op Op, dst, lhs, rhs VOperand) *Inst {
	return b.emit(op, 0, []VOperand{dst, lhs, rhs})
}

func (b *Builder) CreateAdd(dst, lhs, rhs VOperand) *Inst { return b.createBinop(OpAdd, dst, lhs, rhs) }
func (b *Builder) CreateSub(dst, lhs, rhs VOperand) *Inst { return b.createBinop(OpSub, dst, lhs, rhs) }
func (b *Builder) CreateAnd(dst, lhs, rhs VOperand) *Inst { return b.createBinop(OpAnd, dst, lhs, rhs) }
func (b *Builder) CreateOr(dst, lhs, rhs VOperand) *Inst  { return b.createBinop(OpOr, dst, lhs, rhs) }
func (b *Builder) CreateXor(dst, lhs, rhs VOperand) *Inst { return b.createBinop(OpXor, dst, lhs, rhs) }
func (b *Builder) CreateSra(dst, lhs, rhs VOperand) *Inst { return b.createBinop(OpSra, dst, lhs, rhs) }
func (b *Builder) CreateSrl(dst, lhs, rhs VOperand) *Inst { return b.createBinop(OpSrl, dst, lhs, rhs) }
func (b *Builder) CreateSll(dst, lhs, rhs VOperand) *Inst { return b.createBinop(OpSll, dst, lhs, rhs) }

// CreateSetcc emits dst <- (lhs cc rhs) ? 1 : 0.
func (b *Builder) CreateSetcc(cc CondCode, dst, lhs, rhs VOperand) *Inst {
	ins := b.emit(OpSetcc, 0, []VOperand{dst, lhs, rhs})
	ins.CC = cc
	return ins
}

// CreateVMLoad emits dst <- *ptr, sized/signed per sz/sgn.
func (b *Builder) CreateVMLoad(sz VType, sgn VSign, dst, ptr VOperand) *Inst {
	ins := b.emit(OpVMLoad, 0, []VOperand{dst, ptr})
	ins.Size, ins.Sign = sz, sgn
	return ins
}

// CreateVMStore emits *ptr <- val, sized per sz (sign is irrelevant to
// stores but kept for symmetry with loads).
func (b *Builder) CreateVMStore(sz VType, sgn VSign, ptr, val VOperand) *Inst {
	ins := b.emit(OpVMStore, 0, []VOperand{ptr, val})
	ins.Size, ins.Sign = sz, sgn
	return ins
}

// CreateHcall emits a host call to stub with a single integer argument.
func (b *Builder) CreateHcall(stub StubID, arg VOperand) *Inst {
	ins := b.emit(OpHcall, 0, []VOperand{arg})
	ins.Stub = stub
	return ins
}

// CreateBr emits an unconditional branch to target, recording the
// control-flow edge on the current block.
func (b *Builder) CreateBr(target *Block) *Inst {
	ins := b.emit(OpBr, 0, nil)
	b.block.AddSucc(target)
	return ins
}

// CreateBrcc emits a conditional branch: trueTarget is added as the
// first successor, falseTarget as the second, matching spec.md 8's
// "successor edge list is [true_target, false_target]" invariant.
func (b *Builder) CreateBrcc(cc CondCode, lhs, rhs VOperand, trueTarget, falseTarget *Block) *Inst {
	ins := b.emit(OpBrcc, 0, []VOperand{lhs, rhs})
	ins.CC = cc
	b.block.AddSucc(trueTarget)
	b.block.AddSucc(falseTarget)
	return ins
}

// CreateGBr emits a guest-IP exit to a constant target; target must
// be a KindConst operand.
func (b *Builder) CreateGBr(target VOperand) *Inst {
	if !target.IsConst() {
		panic("qir: gbr target must be constant")
	}
	ins := b.emit(OpGBr, 0, nil)
	ins.gbrTarget = target
	return ins
}

// CreateGBrind emits a guest-IP exit to a computed target register.
func (b *Builder) CreateGBrind(target VOperand) *Inst {
	return b.emit(OpGBrind, 0, []VOperand{target})
}
