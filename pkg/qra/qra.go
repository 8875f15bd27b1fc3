package qra

import (
	"sort"

	"github.com/jserv/rv32jit/pkg/qir"
)

type location uint8

const (
	locDead location = iota
	locMem
	locReg
)

const noSpill = ^uint16(0)

// track is QRA's per-vreg bookkeeping: original_source's RTrack.
type track struct {
	typ         qir.VType
	isGlobal    bool
	spillOffs   uint16
	p           qir.RegN
	loc         location
	spillSynced bool
}

// Allocator runs QRegAlloc over one region. Construct with New and call
// Run once.
type Allocator struct {
	region *qir.Region
	b      *qir.Builder

	fixed    RegMask
	frameCur uint16

	vregs []track
	p2v   [GPRNum]*track
}

// New builds an allocator with one track per vreg in region, globals
// bound to their guest-state offsets and locals starting unspilled.
func New(region *qir.Region) *Allocator {
	vi := region.VRegs()
	n := int(vi.NumAll())
	a := &Allocator{region: region, fixed: GPRFixed, vregs: make([]track, n)}
	for i := 0; i < n; i++ {
		id := qir.RegN(i)
		if vi.IsGlobal(id) {
			g := vi.GlobalInfo(id)
			a.vregs[i] = track{typ: g.Type, isGlobal: true, spillOffs: g.StateOffs}
		} else {
			a.vregs[i] = track{typ: vi.LocalType(id), spillOffs: noSpill}
		}
	}
	return a
}

func (a *Allocator) trackOf(r qir.RegN) *track { return &a.vregs[r] }

// Run executes the allocator over every block of the region in
// program order, rewriting vreg operands to physical-register
// operands in place and inserting spill/fill/mov instructions as
// needed.
func Run(region *qir.Region) {
	a := New(region)
	a.Prologue()
	a.b = qir.NewBuilder(region)

	region.Blocks(func(blk *qir.Block) {
		blk.Insts(func(ins *qir.Inst) {
			a.b.SetInsertPoint(blk, ins)
			switch ins.Opcode() {
			case qir.OpBr:
				a.BlockBoundary()
			case qir.OpBrcc:
				a.AllocOp(ins)
				a.BlockBoundary()
			case qir.OpGBr:
				a.RegionBoundary()
			case qir.OpGBrind:
				a.AllocOp(ins)
				a.RegionBoundary()
			case qir.OpHcall:
				a.CallOp(true)
			default:
				a.AllocOp(ins)
			}
		})
	})
}

// Prologue marks every vreg's starting location: globals are resident
// in guest state (MEM), locals have no value yet (DEAD).
func (a *Allocator) Prologue() {
	for i := range a.vregs {
		if a.vregs[i].isGlobal {
			a.vregs[i].loc = locMem
		} else {
			a.vregs[i].loc = locDead
		}
	}
}

// AllocPReg picks a physical register in desire&^avoid, spilling an
// occupant if the class has no free register. Panics if the class is
// empty after masking — an unsatisfiable constraint is a codegen bug,
// not a runtime condition to recover from.
func (a *Allocator) AllocPReg(desire, avoid RegMask) qir.RegN {
	target := desire.And(avoid.Not())
	for p := qir.RegN(0); p < GPRNum; p++ {
		if a.p2v[p] == nil && target.Test(p) {
			return p
		}
	}
	for p := qir.RegN(0); p < GPRNum; p++ {
		if target.Test(p) {
			a.spillPhys(p)
			return p
		}
	}
	panic("qra: register class has no member to allocate or evict")
}

func (a *Allocator) emitSpill(v *track) {
	if !v.isGlobal && v.spillOffs == noSpill {
		a.allocFrameSlot(v)
	}
	pgpr := qir.MakePGPR(v.typ, v.p)
	a.b.CreateMov(qir.MakeSlot(v.isGlobal, v.typ, v.spillOffs), pgpr)
}

func (a *Allocator) emitFill(v *track) {
	pgpr := qir.MakePGPR(v.typ, v.p)
	a.b.CreateMov(pgpr, qir.MakeSlot(v.isGlobal, v.typ, v.spillOffs))
}

func (a *Allocator) spillPhys(p qir.RegN) {
	v := a.p2v[p]
	if v == nil {
		return
	}
	a.spillTrack(v)
}

func (a *Allocator) spillTrack(v *track) {
	a.syncSpill(v)
	a.release(v, false)
}

// syncSpill writes a REG-state vreg back to its slot without
// releasing its physical register, so a SIDEEFF instruction observes
// coherent guest state even if the register stays live afterward.
func (a *Allocator) syncSpill(v *track) {
	if v.spillSynced {
		return
	}
	switch v.loc {
	case locMem:
		return
	case locReg:
		a.emitSpill(v)
	default:
		panic("qra: sync-spill of a DEAD vreg")
	}
	v.spillSynced = true
}

func (a *Allocator) release(v *track, kill bool) {
	releaseReg := v.loc == locReg
	if v.isGlobal {
		v.loc = locMem
	} else if kill {
		v.loc = locDead
	} else {
		v.loc = locMem
	}
	if releaseReg {
		a.p2v[v.p] = nil
	}
}

func (a *Allocator) allocFrameSlot(v *track) {
	sz := uint16(v.typ.Size())
	offs := roundUp(a.frameCur, sz)
	if offs+sz > SpillFrameSize {
		panic("qra: spill frame exhausted")
	}
	v.spillOffs = offs
	a.frameCur = offs + sz
}

func (a *Allocator) fill(v *track, desire, avoid RegMask) {
	switch v.loc {
	case locMem:
		v.p = a.AllocPReg(desire, avoid)
		v.loc = locReg
		a.p2v[v.p] = v
		v.spillSynced = true
		a.emitFill(v)
	case locReg:
		return
	default:
		panic("qra: fill of a DEAD vreg")
	}
}

// BlockBoundary spills every global to its state slot after a block's
// terminator; locals never cross a block (spec.md 4.5).
func (a *Allocator) BlockBoundary() {
	for i := range a.vregs {
		if a.vregs[i].isGlobal {
			a.spillTrack(&a.vregs[i])
		}
	}
}

// RegionBoundary spills every global and releases every local ahead of
// a gbr/gbrind exit.
func (a *Allocator) RegionBoundary() {
	for i := range a.vregs {
		if a.vregs[i].isGlobal {
			a.spillTrack(&a.vregs[i])
		} else {
			a.release(&a.vregs[i], false)
		}
	}
}

// CallOp spills every vreg whose physical register is call-clobbered,
// and (use_globals) every global, ahead of a host call.
func (a *Allocator) CallOp(useGlobals bool) {
	for p := qir.RegN(0); p < GPRNum; p++ {
		if GPRCallClobber.Test(p) {
			a.spillPhys(p)
		}
	}
	if useGlobals {
		for i := range a.vregs {
			if a.vregs[i].isGlobal {
				a.spillTrack(&a.vregs[i])
			}
		}
	}
}

// AllocOp assigns physical registers to ins's vreg operands in place:
// inputs first (tightest class first), then — unless SIDEEFF requires
// a global sync-spill in between — the output.
func (a *Allocator) AllocOp(ins *qir.Inst) {
	c := constraintFor(ins.Opcode())
	avoid := a.fixed

	order := make([]int, ins.InputCount())
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(x, y int) bool {
		return c.In[order[x]].CR.Count() < c.In[order[y]].CR.Count()
	})

	for _, i := range order {
		opr := ins.Input(i)
		if !opr.IsVGPR() {
			continue
		}
		v := a.trackOf(opr.Reg)
		ct := c.In[i]
		a.fill(v, ct.CR, avoid)
		p := v.p
		if !ct.CR.Test(p) {
			p = a.AllocPReg(ct.CR, avoid)
			a.b.CreateMov(qir.MakePGPR(v.typ, p), qir.MakePGPR(v.typ, v.p))
		}
		avoid = avoid.Set(p)
		*opr = qir.MakePGPR(opr.Type, p)
	}

	if ins.HasFlags(qir.SIDEEFF) {
		for i := range a.vregs {
			if a.vregs[i].isGlobal {
				a.syncSpill(&a.vregs[i])
			}
		}
	}

	if ins.OutputCount() == 0 {
		return
	}
	opr := ins.Output(0)
	if !opr.IsVGPR() {
		return
	}
	dst := a.trackOf(opr.Reg)
	if aliasTargetsOutput0(c) {
		// QSel's alias fixup guarantees this input already reads the
		// same vreg as the output, which fill() above already placed
		// in a register satisfying the tied constraint.
	} else {
		p := a.AllocPReg(c.Out, avoid)
		if dst.loc == locReg {
			a.p2v[dst.p] = nil
		}
		dst.loc = locReg
		a.p2v[p] = dst
		dst.p = p
	}
	dst.spillSynced = false
	avoid = avoid.Set(dst.p)
	*opr = qir.MakePGPR(opr.Type, dst.p)
}

func aliasTargetsOutput0(c OpConstraint) bool {
	for _, ct := range c.In {
		if ct.HasAlias && ct.Alias == 0 {
			return true
		}
	}
	return false
}
