package qsel

import "github.com/jserv/rv32jit/pkg/qir"

// Info is the region-level bookkeeping QSel hands to QEmit (spec.md
// 4.4's "Region info" step).
type Info struct {
	// HasCalls is true if any instruction in the region carries the
	// HASCALLS flag, forcing a full prologue/epilogue frame.
	HasCalls bool
}

// Run rewrites region in place so every instruction's operands satisfy
// its constraint descriptor, and returns the region-level info QEmit
// needs. Run is idempotent: a second call on an already-selected
// region makes no further changes.
func Run(region *qir.Region) Info {
	b := qir.NewBuilder(region)
	info := Info{}

	region.Blocks(func(blk *qir.Block) {
		blk.Insts(func(ins *qir.Inst) {
			if ins.HasFlags(qir.HASCALLS) {
				info.HasCalls = true
			}

			c := constraintFor(ins.Opcode())
			fixupAlias(b, blk, ins, c)
			lowerImmediates(b, blk, ins, c)
		})
	})

	return info
}

// fixupAlias ensures a tied input already reads the same vreg as its
// aliased output, inserting a preserving mov when it does not
// (spec.md 4.4's alias fixup). pkg/frontend always allocates a fresh
// local for an instruction's output, so the tied input can never have
// been read by an earlier, still-pending use of that same vreg; the
// panic below documents that invariant instead of silently mishandling
// a case this port's only IR producer cannot create.
func fixupAlias(b *qir.Builder, blk *qir.Block, ins *qir.Inst, c Constraint) {
	if c.Tie < 0 {
		return
	}
	dst := *ins.Output(0)
	src := *ins.Input(c.Tie)
	if sameVreg(dst, src) {
		return
	}
	if usedElsewhereInBlock(blk, ins, dst) {
		panic("qsel: tied output vreg already live before its own definition (non-SSA input unsupported)")
	}
	b.SetInsertPoint(blk, ins)
	b.CreateMov(dst, src)
	*ins.Input(c.Tie) = dst
}

// lowerImmediates replaces any non-tied constant input whose class
// forbids it with a fresh local holding the same value.
func lowerImmediates(b *qir.Builder, blk *qir.Block, ins *qir.Inst, c Constraint) {
	for i := 0; i < ins.InputCount(); i++ {
		if i == c.Tie {
			continue
		}
		if i >= len(c.InputImm) {
			continue
		}
		op := ins.Input(i)
		if !op.IsConst() || c.InputImm[i].accepts() {
			continue
		}
		tmp := qir.MakeVGPR(op.Type, blk.Region().VRegs().AddLocal(op.Type))
		b.SetInsertPoint(blk, ins)
		b.CreateMov(tmp, *op)
		*op = tmp
	}
}

func sameVreg(a, b qir.VOperand) bool {
	return a.Kind == qir.KindGPR && b.Kind == qir.KindGPR &&
		a.Virtual == b.Virtual && a.Reg == b.Reg
}

// usedElsewhereInBlock reports whether any instruction in blk other
// than skip reads want as a non-output operand.
func usedElsewhereInBlock(blk *qir.Block, skip *qir.Inst, want qir.VOperand) bool {
	found := false
	blk.Insts(func(ins *qir.Inst) {
		if ins == skip || found {
			return
		}
		for i := 0; i < ins.InputCount(); i++ {
			if *ins.Input(i) == want {
				found = true
				return
			}
		}
	})
	return found
}
