package qemit

import (
	"github.com/twitchyliquid64/golang-asm/obj"
	"github.com/twitchyliquid64/golang-asm/obj/x86"

	"github.com/jserv/rv32jit/pkg/qir"
	"github.com/jserv/rv32jit/pkg/qra"
)

// regX86 maps a pkg/qra physical register index to golang-asm's x86
// register identifier. qra.RAX..R15 are numbered in the same order as
// the REG_AX..REG_R15 identifiers golang-asm exports (both follow the
// ModRM/REX.B encoding order), so this is a straight lookup table
// rather than a computed mapping — kept explicit instead of relying on
// the numeric coincidence, since a future qra reordering would
// silently break an arithmetic mapping.
var regX86 = [qra.GPRNum]int16{
	qra.RAX: x86.REG_AX,
	qra.RCX: x86.REG_CX,
	qra.RDX: x86.REG_DX,
	qra.RBX: x86.REG_BX,
	qra.RSP: x86.REG_SP,
	qra.RBP: x86.REG_BP,
	qra.RSI: x86.REG_SI,
	qra.RDI: x86.REG_DI,
	qra.R8:  x86.REG_R8,
	qra.R9:  x86.REG_R9,
	qra.R10: x86.REG_R10,
	qra.R11: x86.REG_R11,
	qra.R12: x86.REG_R12,
	qra.R13: x86.REG_R13,
	qra.R14: x86.REG_R14,
	qra.R15: x86.REG_R15,
}

// reg translates a qra physical register (as found in a post-QRA
// VOperand's Reg field) to its x86 identifier.
func reg(r qir.RegN) int16 { return regX86[r] }

// regAddr builds a register operand.
func regAddr(r qir.RegN) obj.Addr {
	return obj.Addr{Type: obj.TYPE_REG, Reg: reg(r)}
}

// constAddr builds a 32-bit immediate operand.
func constAddr(v uint32) obj.Addr {
	return obj.Addr{Type: obj.TYPE_CONST, Offset: int64(int32(v))}
}

// slotAddr builds a memory operand for a guest-state (global) or
// spill-frame (local) slot: original_source's StateFill/LocFill
// addressing. Globals sit at a fixed offset off STATE; locals sit in
// the region's spill frame below the return address, so their offset
// is shifted by q.spillFrameSPOffs before indexing off SP.
func (q *QEmit) slotAddr(o qir.VOperand) obj.Addr {
	if o.Global {
		return obj.Addr{Type: obj.TYPE_MEM, Reg: reg(qra.STATE), Offset: int64(o.SlotOffs)}
	}
	return obj.Addr{Type: obj.TYPE_MEM, Reg: reg(qra.SP), Offset: int64(o.SlotOffs) + q.spillFrameSPOffs}
}

// vmemAddr builds a guest-memory operand for a vmload/vmstore: always
// MEMBASE plus a base register holding the already-computed guest
// address, matching how pkg/frontend always precomputes the address
// into a GPR with a CreateAdd ahead of CreateVMLoad/CreateVMStore
// rather than folding an offset into the load/store itself.
func vmemAddr(base qir.VOperand) obj.Addr {
	if !base.IsPGPR() {
		panic("qemit: vmload/vmstore base must be a physical GPR")
	}
	return obj.Addr{
		Type:  obj.TYPE_MEM,
		Reg:   reg(qra.MEMBASE),
		Index: reg(base.Reg),
		Scale: 1,
	}
}

// operand translates any post-QRA VOperand to an obj.Addr.
func (q *QEmit) operand(o qir.VOperand) obj.Addr {
	switch {
	case o.IsConst():
		return constAddr(o.Const)
	case o.IsPGPR():
		return regAddr(o.Reg)
	case o.IsSlot():
		return q.slotAddr(o)
	default:
		panic("qemit: operand not resolved to a physical location")
	}
}
