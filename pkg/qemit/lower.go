package qemit

import (
	"github.com/twitchyliquid64/golang-asm/obj"
	"github.com/twitchyliquid64/golang-asm/obj/x86"

	"github.com/jserv/rv32jit/pkg/jitabi"
	"github.com/jserv/rv32jit/pkg/qir"
	"github.com/jserv/rv32jit/pkg/qra"
)

// axAddr/siAddr name the two fixed registers hcall/gbrind lowering
// addresses directly rather than through a qra-allocated operand: AX
// is cleared before every region exit's RET and is gbrind's probe
// scratch, SI is gbrind's QRA-fixed target register (pkg/qra's constraint
// table pins OpGBrind's sole input to RSI).
var axAddr = obj.Addr{Type: obj.TYPE_REG, Reg: x86.REG_AX}
var siAddr = obj.Addr{Type: obj.TYPE_REG, Reg: x86.REG_SI}

// ipAddr addresses CPUState.IP off STATE: every region exit (gbr,
// gbrind) writes its target guest IP here before returning, per
// pkg/jitabi's trampoline-epilogue convention.
var ipAddr = obj.Addr{Type: obj.TYPE_MEM, Reg: x86.REG_R13, Offset: int64(jitabi.IPOffset)}

// lowerMov emits dst <- src. Most movs QSel/pkg/frontend build are
// register-to-register, but pkg/qra also emits movs to spill a global
// to its guest-state slot and to fill it back (qra.go's emitSpill), so
// either side may be a slot rather than a GPR.
func (q *QEmit) lowerMov(ins *qir.Inst) {
	dst, src := ins.Output(0), ins.Input(0)
	q.emit(x86.AMOVL, q.operand(*src), q.operand(*dst))
}

// lowerBinop emits dst <- dst op rhs. QRA already ties dst's physical
// register to lhs's (constraints.go's HasAlias/Alias:0), so lhs never
// needs to be materialized separately — original_source's
// EmitInstBinop<Op> makes the same assumption and asserts it instead
// of re-deriving lhs.
func (q *QEmit) lowerBinop(as obj.As, ins *qir.Inst) {
	dst, lhs, rhs := ins.Output(0), ins.Input(0), ins.Input(1)
	if lhs.Reg != dst.Reg {
		panic("qemit: binop dst/lhs alias broken by qra")
	}
	q.emit(as, q.operand(*rhs), regAddr(dst.Reg))
}

var setMnemonic = [...]obj.As{
	qir.CondEQ:  x86.ASETEQ,
	qir.CondNE:  x86.ASETNE,
	qir.CondLE:  x86.ASETLE,
	qir.CondLT:  x86.ASETLT,
	qir.CondGE:  x86.ASETGE,
	qir.CondGT:  x86.ASETGT,
	qir.CondLEU: x86.ASETLS,
	qir.CondLTU: x86.ASETCS,
	qir.CondGEU: x86.ASETCC,
	qir.CondGTU: x86.ASETHI,
}

var jccMnemonic = [...]obj.As{
	qir.CondEQ:  x86.AJEQ,
	qir.CondNE:  x86.AJNE,
	qir.CondLE:  x86.AJLE,
	qir.CondLT:  x86.AJLT,
	qir.CondGE:  x86.AJGE,
	qir.CondGT:  x86.AJGT,
	qir.CondLEU: x86.AJLS,
	qir.CondLTU: x86.AJCS,
	qir.CondGEU: x86.AJCC,
	qir.CondGTU: x86.AJHI,
}

// lowerSetcc emits dst <- (lhs cc rhs) ? 1 : 0: original_source's
// Emit_setcc. pkg/qsel's ImmNone class on setcc's first input
// guarantees lhs is never a constant by the time QEmit sees it, so
// there is no const-on-the-left case to canonicalize here (unlike
// original_source, which canonicalizes inside QEmit itself). dst may
// alias lhs or rhs (QRA's setcc constraint has no tied input, unlike
// binops), so the zeroing xor must come first and must be skipped
// whenever dst aliases either compared operand — xor-ing a register
// the cmp still needs to read would destroy it.
func (q *QEmit) lowerSetcc(ins *qir.Inst) {
	dst := ins.Output(0)
	lhs, rhs := ins.Input(0), ins.Input(1)
	aliasesCmp := (lhs.IsPGPR() && lhs.Reg == dst.Reg) || (rhs.IsPGPR() && rhs.Reg == dst.Reg)
	if !aliasesCmp {
		q.emit(x86.AXORL, regAddr(dst.Reg), regAddr(dst.Reg))
	}
	q.emit(x86.ACMPL, q.operand(*lhs), q.operand(*rhs))
	q.emit(setMnemonic[ins.CC], obj.Addr{}, regAddr(dst.Reg))
	if aliasesCmp {
		q.emit(x86.AMOVBLZX, regAddr(dst.Reg), regAddr(dst.Reg))
	}
}

var loadMnemonic = [2][3]obj.As{
	qir.Unsigned: {qir.I8: x86.AMOVBLZX, qir.I16: x86.AMOVWLZX, qir.I32: x86.AMOVL},
	qir.Signed:   {qir.I8: x86.AMOVBLSX, qir.I16: x86.AMOVWLSX, qir.I32: x86.AMOVL},
}

// lowerVMLoad emits dst <- *ptr (guest memory, MEMBASE-relative),
// widened and sign-extended per ins.Size/ins.Sign.
func (q *QEmit) lowerVMLoad(ins *qir.Inst) {
	dst, ptr := ins.Output(0), ins.Input(0)
	q.emit(loadMnemonic[ins.Sign][ins.Size], vmemAddr(*ptr), regAddr(dst.Reg))
}

var storeMnemonic = [3]obj.As{qir.I8: x86.AMOVB, qir.I16: x86.AMOVW, qir.I32: x86.AMOVL}

// lowerVMStore emits *ptr <- val (guest memory, MEMBASE-relative),
// truncated to ins.Size.
func (q *QEmit) lowerVMStore(ins *qir.Inst) {
	ptr, val := ins.Input(0), ins.Input(1)
	q.emit(storeMnemonic[ins.Size], q.operand(*val), vmemAddr(*ptr))
}

// lowerHcall emits a call to the guest-trap handler ins.Stub names:
// original_source's "mov rsi=arg; call stub_tab[stub]", adapted to
// call indirectly through CPUState.GuestStubs at a STATE-relative
// offset rather than a patched absolute address — see pkg/jitabi's
// package doc for why this port avoids materializing call targets as
// immediates. pkg/qra never allocates hcall's arg operand (Run
// dispatches OpHcall straight to CallOp, skipping AllocOp), and
// pkg/frontend only ever passes a constant guest IP, so the operand is
// always a KindConst here.
func (q *QEmit) lowerHcall(ins *qir.Inst) {
	arg := ins.Input(0)
	if !arg.IsConst() {
		panic("qemit: hcall arg must be constant")
	}
	q.emit(x86.AMOVL, q.operand(*arg), regAddr(qra.RSI))
	stubAddr := obj.Addr{
		Type:   obj.TYPE_MEM,
		Reg:    reg(qra.STATE),
		Offset: jitabi.GuestStubOffset(uint8(ins.Stub)),
	}
	// CALL's operand is carried in To, the same field JMP/Jcc use for
	// their branch target.
	q.emit(obj.ACALL, obj.Addr{}, stubAddr)
}

// lowerBr emits an unconditional jump to the block's sole successor,
// eliding it entirely when that successor is the next block in
// program order (original_source's Emit_br fallthrough check).
func (q *QEmit) lowerBr(blk *qir.Block) {
	target := blk.Succs()[0]
	if blk.Next() == target {
		return
	}
	p := q.newProg()
	p.As = obj.AJMP
	q.add(p)
	q.branchTo(p, target)
}

// lowerBrcc emits a conditional branch. original_source canonicalizes
// a const-on-the-left comparison inside QEmit itself; this port's
// pkg/qsel already guarantees brcc's first input is never constant
// (its ImmNone class forces any such constant into a register ahead
// of QRA), so ACMPL's From=lhs/To=rhs order here never needs that
// swap.
func (q *QEmit) lowerBrcc(blk *qir.Block, ins *qir.Inst) {
	lhs, rhs := ins.Input(0), ins.Input(1)
	q.emit(x86.ACMPL, q.operand(*lhs), q.operand(*rhs))

	trueBlk, falseBlk := blk.Succs()[0], blk.Succs()[1]
	jp := q.newProg()
	jp.As = jccMnemonic[ins.CC]
	q.add(jp)
	q.branchTo(jp, trueBlk)

	if blk.Next() != falseBlk {
		jmp := q.newProg()
		jmp.As = obj.AJMP
		q.add(jmp)
		q.branchTo(jmp, falseBlk)
	}
}

// exitRegion stores the target guest IP into CPUState.IP, clears AX,
// runs the frame teardown, and returns to the trampoline. Used both
// for the fallthrough after an unlinked gbr's lazy-link call returns,
// and for gbrind's cache-miss path (an indirect target has nothing a
// BranchSlot could patch to, so it always falls back to this).
func (q *QEmit) exitRegion(target obj.Addr) {
	q.emit(x86.AMOVL, target, ipAddr)
	q.emit(x86.AXORL, axAddr, axAddr)
	q.frameDestroy()
	p := q.newProg()
	p.As = obj.ARET
	q.add(p)
}

// lowerGBr reserves an inline BranchSlot for a region exit to a
// constant guest IP, recording the site for EmitRegion to report, then
// falls through to the ordinary exit sequence: original_source's
// Emit_gbr pairs a BranchSlot with exactly this fallthrough so a
// not-yet-linked (or lazily-relinked) slot's link_branch_jit call still
// resumes correctly after RETurning into the slot's own call site.
// Once pkg/engine calls BranchSlot.Link on this slot, the fallthrough
// bytes below become dead — the slot jumps straight into the target
// region's code instead of ever reaching them.
func (q *QEmit) lowerGBr(ins *qir.Inst) {
	target := ins.GBRTarget().Const
	slotProg := q.reserveBranchSlot()
	q.gbrSites = append(q.gbrSites, gbrSiteProg{prog: slotProg, target: target})
	q.exitRegion(constAddr(target))
}

// l1EntryAddr builds the SIB-addressed operand for one field of the
// L1BrindEntry index holds a pre-shifted byte offset into, based off
// base: x86 SIB addressing only encodes scale factors of 1/2/4/8, never
// the 16 a raw L1BrindEntrySize multiply would need, so lowerGBrind
// pre-shifts the hash by L1BrindEntryShift before using Scale 1 here.
func l1EntryAddr(base, index int16, fieldOffs int64) obj.Addr {
	return obj.Addr{Type: obj.TYPE_MEM, Reg: base, Index: index, Scale: 1, Offset: fieldOffs}
}

// l1BrindMask isolates pkg/tcache's l1hash bit width without importing
// pkg/tcache itself (qemit has no business depending on the cache
// package's internals beyond the ABI pkg/jitabi already publishes).
const l1BrindMask = jitabi.L1BrindCount - 1

// lowerGBrind emits the inline L1Brind probe spec's "gbrind" section
// describes: hash the computed target (always resident in RSI, per
// pkg/qra's fixed gbrind constraint) into the cache CPUState.L1Brind
// points at, and on a hit jump straight into the cached region's code
// without ever returning to the trampoline. A miss stores the target
// into CPUState.IP and returns to the trampoline through exitRegion,
// calling no runtime stub; pkg/engine looks the target up on its next
// Step. The probe uses AX/CX/DX freely, since pkg/qra has already
// guaranteed they are free scratch at every gbrind site
// (RegionBoundary spills every global and releases every local ahead
// of an indirect exit).
func (q *QEmit) lowerGBrind(ins *qir.Inst) {
	_ = ins.Input(0) // always RSI by construction; kept for clarity

	q.emit(x86.AMOVL, siAddr, axAddr)
	q.emit(x86.ASHRL, constAddr(2), axAddr)
	q.emit(x86.AANDL, constAddr(l1BrindMask), axAddr)
	q.emit(x86.ASHLL, constAddr(jitabi.L1BrindEntryShift), axAddr)

	l1BrindBaseAddr := obj.Addr{Type: obj.TYPE_MEM, Reg: x86.REG_R13, Offset: int64(jitabi.L1BrindOffset)}
	q.emit(x86.AMOVQ, l1BrindBaseAddr, regAddr(qra.RCX))

	q.emit(x86.ACMPL, l1EntryAddr(x86.REG_CX, x86.REG_AX, 0), siAddr)
	je := q.newProg()
	je.As = x86.AJEQ
	q.add(je)

	// Miss: record the target and escape to pkg/engine exactly like an
	// unlinked exit. This deliberately does not CALL StubBrind: a gbrind
	// site has no frameSetup alignment push unless the region also
	// contains an hcall (isLeaf is computed from HasCalls alone), so
	// emitting a CALL here would misalign the host stack for any
	// leaf-with-gbrind region. StubBrind stays reserved in
	// RuntimeStubTab for ABI parity with original_source's brind, but
	// nothing in generated code ever reaches it today.
	q.exitRegion(siAddr)

	// Hit: load the cached region's code address and jump straight into
	// it, skipping the trampoline round-trip entirely.
	hit := q.newProg()
	hit.As = obj.ANOP
	q.add(hit)
	je.To.SetTarget(hit)

	q.emit(x86.AMOVQ, l1EntryAddr(x86.REG_CX, x86.REG_AX, 8), regAddr(qra.RDX))
	q.frameDestroy()
	q.emit(obj.AJMP, obj.Addr{}, regAddr(qra.RDX))
}
