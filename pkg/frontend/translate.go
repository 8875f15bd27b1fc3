package frontend

import (
	"fmt"

	"github.com/jserv/rv32jit/pkg/qir"
)

// TBMaxInsns bounds how many guest instructions one translation block
// may cover before the translator forces an exit, even absent a
// control-transfer instruction (spec.md 4.3).
const TBMaxInsns = 64

// MemReader fetches guest instruction words for translation. Callers
// pass the same backing store pkg/gmmu hands to the interpreter and
// the JIT's load/store lowering, so a translation never sees bytes the
// running guest couldn't also fetch.
type MemReader interface {
	ReadInsnWord(ip uint32) (uint32, error)
}

// ExitKind classifies how a translated block left off, for the
// engine's cache-linking decision (spec.md 4.9).
type ExitKind int

const (
	// ExitGBr means the block always exits to a single constant guest
	// IP, a direct-link candidate.
	ExitGBr ExitKind = iota
	// ExitGBrind means the block exits to a computed guest IP; the
	// engine must consult the brind cache.
	ExitGBrind
	// ExitBrcc means the block ends in a conditional branch to two
	// further single-instruction gbr blocks, each a direct-link
	// candidate on its own edge.
	ExitBrcc
)

// Result is everything the engine needs after translating one block:
// the QIR region to run through qsel/qra/qemit, and how control leaves
// it.
type Result struct {
	Region   *qir.Region
	EntryIP  uint32
	NumInsns int
	Exit     ExitKind
	// Valid when Exit == ExitGBr: the single constant exit target.
	GBrTarget uint32
	// Valid when Exit == ExitBrcc: the two constant exit targets, in
	// [true, false] order matching the entry block's brcc successors.
	BrccTargets [2]uint32
}

// reg reads GPR n as an operand: x0 is hardwired to the constant zero,
// matching RV32I semantics; every other register is the region's
// global vreg n.
func reg(n uint32) qir.VOperand {
	if n == 0 {
		return qir.MakeConst(qir.I32, 0)
	}
	return qir.MakeVGPR(qir.I32, qir.RegN(n))
}

// writeReg emits dst <- val unless dst is x0, whose writes RV32I
// specifies as discarded.
func writeReg(b *qir.Builder, n uint32, val qir.VOperand) {
	if n == 0 {
		return
	}
	b.CreateMov(qir.MakeVGPR(qir.I32, qir.RegN(n)), val)
}

func newLocal(r *qir.Region) qir.VOperand {
	return qir.MakeVGPR(qir.I32, r.VRegs().AddLocal(qir.I32))
}

// gprGlobals builds the StateInfo every translated region shares: one
// I32 global vreg per RV32I GPR, offset at 4*n into jitabi.CPUState's
// gpr array. x0's binding is never read or written by emitted code
// (reg/writeReg special-case it) but is still present so vreg index n
// always means "GPR n" with no off-by-one bookkeeping downstream.
func gprGlobals() *qir.StateInfo {
	regs := make([]qir.StateReg, 32)
	for i := range regs {
		regs[i] = qir.StateReg{StateOffs: uint16(i * 4), Type: qir.I32}
	}
	return &qir.StateInfo{Regs: regs}
}

// TranslateBlock decodes and translates guest instructions starting at
// entryIP into a fresh QIR region, stopping at the first
// control-transfer instruction, at TBMaxInsns, or at boundaryIP
// (whichever of the latter two comes first). hasBoundary false means
// no externally imposed boundary (spec.md 4.3's "boundary_ip").
func TranslateBlock(mem MemReader, entryIP uint32, boundaryIP uint32, hasBoundary bool) (*Result, error) {
	region := qir.NewRegion(gprGlobals())
	entry := region.CreateBlock()
	b := qir.NewBuilder(region)
	b.SetBlock(entry)

	ip := entryIP
	for n := 0; ; n++ {
		if hasBoundary && ip == boundaryIP {
			b.CreateGBr(qir.MakeConst(qir.I32, ip))
			return &Result{Region: region, EntryIP: entryIP, NumInsns: n, Exit: ExitGBr, GBrTarget: ip}, nil
		}
		if n >= TBMaxInsns {
			b.CreateGBr(qir.MakeConst(qir.I32, ip))
			return &Result{Region: region, EntryIP: entryIP, NumInsns: n, Exit: ExitGBr, GBrTarget: ip}, nil
		}

		word, err := mem.ReadInsnWord(ip)
		if err != nil {
			return nil, fmt.Errorf("frontend: fetch ip=%#08x: %w", ip, err)
		}
		insn := Decode(word)
		nextIP := ip + 4

		if exit, done := translateOne(region, b, insn, ip, nextIP); done {
			exit.EntryIP = entryIP
			exit.NumInsns = n + 1
			return exit, nil
		}
		ip = nextIP
	}
}

// translateOne emits QIR for one decoded instruction into the
// builder's current block. It returns (result, true) when insn
// terminates the block (any branch, jump, or trap), else (nil, false)
// to continue the straight-line walk.
func translateOne(region *qir.Region, b *qir.Builder, insn Insn, ip, nextIP uint32) (*Result, bool) {
	switch insn.Op {
	case GLui:
		writeReg(b, insn.Rd, qir.MakeConst(qir.I32, uint32(insn.Imm)))
		return nil, false

	case GAuipc:
		writeReg(b, insn.Rd, qir.MakeConst(qir.I32, ip+uint32(insn.Imm)))
		return nil, false

	case GJal:
		if insn.Rd != 0 {
			writeReg(b, insn.Rd, qir.MakeConst(qir.I32, nextIP))
		}
		target := ip + uint32(insn.Imm)
		b.CreateGBr(qir.MakeConst(qir.I32, target))
		return &Result{Region: region, Exit: ExitGBr, GBrTarget: target}, true

	case GJalr:
		if insn.Rd != 0 {
			writeReg(b, insn.Rd, qir.MakeConst(qir.I32, nextIP))
		}
		addr := newLocal(region)
		b.CreateAdd(addr, reg(insn.Rs1), qir.MakeConst(qir.I32, uint32(insn.Imm)))
		masked := newLocal(region)
		b.CreateAnd(masked, addr, qir.MakeConst(qir.I32, 0xfffffffe))
		b.CreateGBrind(masked)
		return &Result{Region: region, Exit: ExitGBrind}, true

	case GBeq, GBne, GBlt, GBge, GBltu, GBgeu:
		cc := branchCC(insn.Op)
		trueIP := ip + uint32(insn.Imm)
		falseIP := nextIP
		trueBlk := region.CreateBlock()
		tb := qir.NewBuilder(region)
		tb.SetBlock(trueBlk)
		tb.CreateGBr(qir.MakeConst(qir.I32, trueIP))

		falseBlk := region.CreateBlock()
		fb := qir.NewBuilder(region)
		fb.SetBlock(falseBlk)
		fb.CreateGBr(qir.MakeConst(qir.I32, falseIP))
		b.CreateBrcc(cc, reg(insn.Rs1), reg(insn.Rs2), trueBlk, falseBlk)
		return &Result{
			Region: region, Exit: ExitBrcc,
			BrccTargets: [2]uint32{trueIP, falseIP},
		}, true

	case GLb, GLh, GLw, GLbu, GLhu:
		sz, sgn := loadShape(insn.Op)
		addr := newLocal(region)
		b.CreateAdd(addr, reg(insn.Rs1), qir.MakeConst(qir.I32, uint32(insn.Imm)))
		val := newLocal(region)
		b.CreateVMLoad(sz, sgn, val, addr)
		writeReg(b, insn.Rd, val)
		return nil, false

	case GSb, GSh, GSw:
		sz := storeShape(insn.Op)
		addr := newLocal(region)
		b.CreateAdd(addr, reg(insn.Rs1), qir.MakeConst(qir.I32, uint32(insn.Imm)))
		b.CreateVMStore(sz, qir.Unsigned, addr, reg(insn.Rs2))
		return nil, false

	case GAddi:
		dst := newLocal(region)
		b.CreateAdd(dst, reg(insn.Rs1), qir.MakeConst(qir.I32, uint32(insn.Imm)))
		writeReg(b, insn.Rd, dst)
		return nil, false
	case GXori:
		dst := newLocal(region)
		b.CreateXor(dst, reg(insn.Rs1), qir.MakeConst(qir.I32, uint32(insn.Imm)))
		writeReg(b, insn.Rd, dst)
		return nil, false
	case GOri:
		dst := newLocal(region)
		b.CreateOr(dst, reg(insn.Rs1), qir.MakeConst(qir.I32, uint32(insn.Imm)))
		writeReg(b, insn.Rd, dst)
		return nil, false
	case GAndi:
		dst := newLocal(region)
		b.CreateAnd(dst, reg(insn.Rs1), qir.MakeConst(qir.I32, uint32(insn.Imm)))
		writeReg(b, insn.Rd, dst)
		return nil, false
	case GSlli:
		dst := newLocal(region)
		b.CreateSll(dst, reg(insn.Rs1), qir.MakeConst(qir.I32, insn.Shamt))
		writeReg(b, insn.Rd, dst)
		return nil, false
	case GSrli:
		dst := newLocal(region)
		b.CreateSrl(dst, reg(insn.Rs1), qir.MakeConst(qir.I32, insn.Shamt))
		writeReg(b, insn.Rd, dst)
		return nil, false
	case GSrai:
		dst := newLocal(region)
		b.CreateSra(dst, reg(insn.Rs1), qir.MakeConst(qir.I32, insn.Shamt))
		writeReg(b, insn.Rd, dst)
		return nil, false
	case GSlti:
		dst := newLocal(region)
		b.CreateSetcc(qir.CondLT, dst, reg(insn.Rs1), qir.MakeConst(qir.I32, uint32(insn.Imm)))
		writeReg(b, insn.Rd, dst)
		return nil, false
	case GSltiu:
		dst := newLocal(region)
		b.CreateSetcc(qir.CondLTU, dst, reg(insn.Rs1), qir.MakeConst(qir.I32, uint32(insn.Imm)))
		writeReg(b, insn.Rd, dst)
		return nil, false

	case GAdd:
		dst := newLocal(region)
		b.CreateAdd(dst, reg(insn.Rs1), reg(insn.Rs2))
		writeReg(b, insn.Rd, dst)
		return nil, false
	case GSub:
		dst := newLocal(region)
		b.CreateSub(dst, reg(insn.Rs1), reg(insn.Rs2))
		writeReg(b, insn.Rd, dst)
		return nil, false
	case GAnd:
		dst := newLocal(region)
		b.CreateAnd(dst, reg(insn.Rs1), reg(insn.Rs2))
		writeReg(b, insn.Rd, dst)
		return nil, false
	case GOr:
		dst := newLocal(region)
		b.CreateOr(dst, reg(insn.Rs1), reg(insn.Rs2))
		writeReg(b, insn.Rd, dst)
		return nil, false
	case GXor:
		dst := newLocal(region)
		b.CreateXor(dst, reg(insn.Rs1), reg(insn.Rs2))
		writeReg(b, insn.Rd, dst)
		return nil, false
	case GSll:
		dst := newLocal(region)
		b.CreateSll(dst, reg(insn.Rs1), reg(insn.Rs2))
		writeReg(b, insn.Rd, dst)
		return nil, false
	case GSrl:
		dst := newLocal(region)
		b.CreateSrl(dst, reg(insn.Rs1), reg(insn.Rs2))
		writeReg(b, insn.Rd, dst)
		return nil, false
	case GSra:
		dst := newLocal(region)
		b.CreateSra(dst, reg(insn.Rs1), reg(insn.Rs2))
		writeReg(b, insn.Rd, dst)
		return nil, false
	case GSlt:
		dst := newLocal(region)
		b.CreateSetcc(qir.CondLT, dst, reg(insn.Rs1), reg(insn.Rs2))
		writeReg(b, insn.Rd, dst)
		return nil, false
	case GSltu:
		dst := newLocal(region)
		b.CreateSetcc(qir.CondLTU, dst, reg(insn.Rs1), reg(insn.Rs2))
		writeReg(b, insn.Rd, dst)
		return nil, false

	case GFence, GFencei:
		b.CreateHcall(StubFence, qir.MakeConst(qir.I32, ip))
		return nil, false

	case GEcall:
		b.CreateHcall(StubEcall, qir.MakeConst(qir.I32, ip))
		b.CreateGBr(qir.MakeConst(qir.I32, nextIP))
		return &Result{Region: region, Exit: ExitGBr, GBrTarget: nextIP}, true

	case GEbreak:
		b.CreateHcall(StubEbreak, qir.MakeConst(qir.I32, ip))
		b.CreateGBr(qir.MakeConst(qir.I32, nextIP))
		return &Result{Region: region, Exit: ExitGBr, GBrTarget: nextIP}, true

	default: // GIllegal and anything else Decode couldn't classify.
		b.CreateHcall(StubIllegal, qir.MakeConst(qir.I32, ip))
		b.CreateGBr(qir.MakeConst(qir.I32, ip))
		return &Result{Region: region, Exit: ExitGBr, GBrTarget: ip}, true
	}
}

func branchCC(op GOp) qir.CondCode {
	switch op {
	case GBeq:
		return qir.CondEQ
	case GBne:
		return qir.CondNE
	case GBlt:
		return qir.CondLT
	case GBge:
		return qir.CondGE
	case GBltu:
		return qir.CondLTU
	case GBgeu:
		return qir.CondGEU
	default:
		panic("frontend: not a branch opcode")
	}
}

func loadShape(op GOp) (qir.VType, qir.VSign) {
	switch op {
	case GLb:
		return qir.I8, qir.Signed
	case GLh:
		return qir.I16, qir.Signed
	case GLw:
		return qir.I32, qir.Signed
	case GLbu:
		return qir.I8, qir.Unsigned
	case GLhu:
		return qir.I16, qir.Unsigned
	default:
		panic("frontend: not a load opcode")
	}
}

func storeShape(op GOp) qir.VType {
	switch op {
	case GSb:
		return qir.I8
	case GSh:
		return qir.I16
	case GSw:
		return qir.I32
	default:
		panic("frontend: not a store opcode")
	}
}
