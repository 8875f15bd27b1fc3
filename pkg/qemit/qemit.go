// Package qemit lowers a register-allocated QIR region to amd64
// machine code: original_source's src/codegen/emit.cpp (QEmit), built
// on github.com/twitchyliquid64/golang-asm's obj/obj.x86 assembler
// rather than asmjit — the same declared-in-Go/defined-in-.s-adjacent
// "assemble obj.Prog chains, get back raw bytes" technique
// tetratelabs/wazero's retired pure-Go JIT used for wasm.
//
// QEmit assumes pkg/qra has already run over the region: every
// register-class operand is a physical GPR, binop destinations already
// alias their first input, and gbrind's target is already fixed to
// RSI. It only reads the region; it never allocates or spills.
//
// Every gbr reserves an inline BranchSlot (pkg/jitabi's four bit-exact
// shapes) rather than unconditionally returning to the trampoline:
// EmitRegion reports each slot's byte offset so pkg/engine can arm it
// lazily at compile time and later Link it directly once the target
// region is known, the same direct-linking original_source's QEmit
// does. gbrind has no fixed target to patch to, so it instead emits an
// inline probe of pkg/tcache's L1Brind cache and only falls back to
// the trampoline on a miss.
package qemit

import (
	"fmt"

	asm "github.com/twitchyliquid64/golang-asm"
	"github.com/twitchyliquid64/golang-asm/obj"
	"github.com/twitchyliquid64/golang-asm/obj/x86"

	"github.com/jserv/rv32jit/pkg/jitabi"
	"github.com/jserv/rv32jit/pkg/qir"
)

// rcxAddr is the scratch register frameSetup/frameDestroy push and pop
// to keep the host stack 16-byte aligned across a call this region
// makes: original_source's FrameSetup/FrameDestroy push/pop rcx for
// the same reason.
var rcxAddr = obj.Addr{Type: obj.TYPE_REG, Reg: x86.REG_CX}

// GBrSite describes one gbr's reserved BranchSlot once EmitRegion has
// flattened the region to bytes: Offset is where the slot's
// BranchSlotSize-byte patchable region starts within the returned
// code, and Target is the constant guest IP pkg/engine should
// eventually Link it to.
type GBrSite struct {
	Offset int64
	Target uint32
}

// QEmit lowers one region to a single flattened function body.
type QEmit struct {
	region *qir.Region

	isLeaf           bool
	spillFrameSPOffs int64

	bld *asm.Builder

	labelProg     map[uint32]*obj.Prog
	pendingBranch map[uint32][]*obj.Prog

	// gbrSites accumulates one entry per lowerGBr call, resolved to
	// GBrSite once Assemble() has fixed every obj.Prog's Pc.
	gbrSites []gbrSiteProg
}

type gbrSiteProg struct {
	prog   *obj.Prog
	target uint32
}

// New builds a QEmit for region. isLeaf must be false whenever the
// region contains an hcall (Emit_hcall requires a call frame already
// open): original_source's QEmit constructor takes the same flag,
// computed upstream by whatever pass decides a region's instruction
// list (here, pkg/qsel, which scans for qir.HASCALLS and reports
// Info.HasCalls for pkg/engine to pass in).
func New(region *qir.Region, isLeaf bool) *QEmit {
	b, err := asm.NewBuilder("amd64", int(region.NumBlocks())*8+16)
	if err != nil {
		panic("qemit: " + err.Error())
	}
	// spillframe_sp_offs: the qcg spill frame sits below the return
	// address (and, when !is_leaf, the extra alignment push); original
	// computes this as sizeof(uptr) * (is_leaf ? 1 : 2).
	spillOffs := int64(8)
	if !isLeaf {
		spillOffs = 16
	}
	return &QEmit{
		region:           region,
		isLeaf:           isLeaf,
		spillFrameSPOffs: spillOffs,
		bld:              b,
		labelProg:        make(map[uint32]*obj.Prog, region.NumBlocks()),
		pendingBranch:    make(map[uint32][]*obj.Prog),
	}
}

func (q *QEmit) newProg() *obj.Prog { return q.bld.NewProg() }

func (q *QEmit) add(p *obj.Prog) { q.bld.AddInstruction(p) }

func (q *QEmit) emit(as obj.As, from, to obj.Addr) *obj.Prog {
	p := q.newProg()
	p.As = as
	p.From = from
	p.To = to
	q.add(p)
	return p
}

// bindLabel marks blk's first instruction as a branch target, resolving
// any earlier forward branches to it.
func (q *QEmit) bindLabel(blk *qir.Block) {
	p := q.newProg()
	p.As = obj.ANOP
	q.add(p)
	q.labelProg[blk.ID()] = p
	for _, br := range q.pendingBranch[blk.ID()] {
		br.To.SetTarget(p)
	}
	delete(q.pendingBranch, blk.ID())
}

// branchTo points br's target operand at blk's label, resolving now if
// blk has already been bound or deferring until it is (blk may be a
// loop back-edge target bound earlier, or a forward target bound
// later — original_source's linear label table sidesteps this since
// asmjit labels can be referenced before definition; golang-asm's
// obj.Prog needs an explicit forward-reference list instead, the same
// technique wazero's retired JIT uses for its wazeroir labels).
func (q *QEmit) branchTo(br *obj.Prog, blk *qir.Block) {
	if target, ok := q.labelProg[blk.ID()]; ok {
		br.To.SetTarget(target)
		return
	}
	q.pendingBranch[blk.ID()] = append(q.pendingBranch[blk.ID()], br)
}

// frameSetup pushes a throwaway register to keep the stack 16-byte
// aligned across any call this region makes: original_source's
// QEmit::Prologue/FrameSetup. Leaf regions (no hcall) skip it.
func (q *QEmit) frameSetup() {
	if q.isLeaf {
		return
	}
	p := q.newProg()
	p.As = x86.APUSHQ
	p.To = rcxAddr
	q.add(p)
}

// frameDestroy undoes frameSetup; emitted at every region exit
// (gbr/gbrind), never at hcall (hcall falls through, it doesn't leave
// the region).
func (q *QEmit) frameDestroy() {
	if q.isLeaf {
		return
	}
	p := q.newProg()
	p.As = x86.APOPQ
	p.To = rcxAddr
	q.add(p)
}

// reserveBranchSlot emits jitabi.BranchSlotSize literal bytes (0x90
// filler) at the current program point, reserving the fixed-size
// patchable region a gbr's BranchSlot needs regardless of which of
// the four shapes ends up installed there. The assembler's own
// encoding for the Call-via-R13-tab shape could in principle differ
// from pkg/jitabi's hand-written byte writer, so this port never asks
// golang-asm to assemble the slot's actual contents — it only reserves
// the space, and pkg/engine installs the real bytes once it knows
// where the region landed in the RWX code pool. Returns the Prog of
// the slot's first byte so EmitRegion can read its Pc after Assemble().
func (q *QEmit) reserveBranchSlot() *obj.Prog {
	var first *obj.Prog
	for i := 0; i < jitabi.BranchSlotSize; i++ {
		p := q.newProg()
		p.As = x86.ABYTE
		p.From = obj.Addr{Type: obj.TYPE_CONST, Offset: 0x90}
		q.add(p)
		if i == 0 {
			first = p
		}
	}
	return first
}

// EmitRegion lowers every block of the region in program order and
// returns the flattened machine code, plus one GBrSite per gbr the
// region contains.
func (q *QEmit) EmitRegion() ([]byte, []GBrSite, error) {
	q.frameSetup()

	var lowerErr error
	q.region.Blocks(func(blk *qir.Block) {
		if lowerErr != nil {
			return
		}
		q.bindLabel(blk)
		blk.Insts(func(ins *qir.Inst) {
			if lowerErr != nil {
				return
			}
			if err := q.lower(blk, ins); err != nil {
				lowerErr = err
			}
		})
	})
	if lowerErr != nil {
		return nil, nil, lowerErr
	}
	code := q.bld.Assemble()

	sites := make([]GBrSite, len(q.gbrSites))
	for i, s := range q.gbrSites {
		sites[i] = GBrSite{Offset: s.prog.Pc, Target: s.target}
	}
	return code, sites, nil
}

func (q *QEmit) lower(blk *qir.Block, ins *qir.Inst) error {
	switch ins.Opcode() {
	case qir.OpMov:
		q.lowerMov(ins)
	case qir.OpAdd:
		q.lowerBinop(x86.AADDL, ins)
	case qir.OpSub:
		q.lowerBinop(x86.ASUBL, ins)
	case qir.OpAnd:
		q.lowerBinop(x86.AANDL, ins)
	case qir.OpOr:
		q.lowerBinop(x86.AORL, ins)
	case qir.OpXor:
		q.lowerBinop(x86.AXORL, ins)
	case qir.OpSra:
		q.lowerBinop(x86.ASARL, ins)
	case qir.OpSrl:
		q.lowerBinop(x86.ASHRL, ins)
	case qir.OpSll:
		q.lowerBinop(x86.ASHLL, ins)
	case qir.OpSetcc:
		q.lowerSetcc(ins)
	case qir.OpVMLoad:
		q.lowerVMLoad(ins)
	case qir.OpVMStore:
		q.lowerVMStore(ins)
	case qir.OpHcall:
		q.lowerHcall(ins)
	case qir.OpBr:
		q.lowerBr(blk)
	case qir.OpBrcc:
		q.lowerBrcc(blk, ins)
	case qir.OpGBr:
		q.lowerGBr(ins)
	case qir.OpGBrind:
		q.lowerGBrind(ins)
	default:
		return fmt.Errorf("qemit: unhandled opcode %s", ins.Opcode())
	}
	return nil
}
