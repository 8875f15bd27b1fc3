// Package interp is the fallback, no-compilation execution path:
// fetch-decode-execute one RV32I instruction at a time straight
// against CPUState and pkg/gmmu, matching original_source's
// src/guest/rv32_interp.cpp HANDLER bodies instruction-for-instruction
// rather than pkg/frontend's QIR lowering of the same opcodes. Useful
// for single-stepping a guest under -d, or running a program too short
// for JIT warmup to pay for itself — the same role the teacher's
// cmd/interp plays next to cmd/vm's faster paths.
package interp

import (
	"errors"
	"fmt"

	"github.com/jserv/rv32jit/pkg/frontend"
	"github.com/jserv/rv32jit/pkg/gmmu"
	"github.com/jserv/rv32jit/pkg/guestsys"
	"github.com/jserv/rv32jit/pkg/jitabi"
)

// ErrHalted indicates the guest has exited normally (mirroring
// pkg/engine.ErrHalted and the teacher's pkg/vm.ErrHalted).
var ErrHalted = errors.New("interp: halted")

// Interp is a single guest program's interpreted execution state.
type Interp struct {
	Mem   *gmmu.MMU
	State *jitabi.CPUState
	Sys   *guestsys.Table
}

// New builds an Interp ready to run from (entry, sp).
func New(mem *gmmu.MMU, sys *guestsys.Table, entry, sp uint32) *Interp {
	state := &jitabi.CPUState{}
	state.IP = entry
	state.GPR[2] = sp
	return &Interp{Mem: mem, State: state, Sys: sys}
}

func (in *Interp) reg(n uint32) uint32 { return in.State.GPR[n] }

func (in *Interp) writeReg(n uint32, v uint32) {
	if n != 0 {
		in.State.GPR[n] = v
	}
}

// trap records a fatal trap's site (TrapIP/Trapno, the same fields a
// JIT guest-trap stub would set) and returns the error that stops Run.
func (in *Interp) trap(ip uint32, tc jitabi.TrapCode) error {
	in.State.IP = ip
	in.State.TrapIP = ip
	in.State.Trapno = tc
	return fmt.Errorf("interp: %s at %#08x", tc, ip)
}

// Step fetches, decodes, and executes exactly one guest instruction,
// advancing State.IP (original_source's H_##name wrapper: gip+=4 for
// anything that isn't a branch/jump, or the branch's own GET_GIP()
// otherwise). GPR[0] is forced back to zero after every step —
// original_source's HANDLER macro does the same ("state->gpr[0]=0"),
// the teacher's pkg/vm.Execute the same thing again with its own
// defer.
func (in *Interp) Step() error {
	ip := in.State.IP
	word, err := in.Mem.ReadInsnWord(ip)
	if err != nil {
		return fmt.Errorf("interp: fetch ip=%#08x: %w", ip, err)
	}
	insn := frontend.Decode(word)
	nextIP := ip + 4

	defer func() { in.State.GPR[0] = 0 }()

	switch {
	case insn.Op == frontend.GLui:
		in.writeReg(insn.Rd, uint32(insn.Imm))
	case insn.Op == frontend.GAuipc:
		in.writeReg(insn.Rd, ip+uint32(insn.Imm))

	case insn.Op == frontend.GJal:
		target := ip + uint32(insn.Imm)
		if target%4 != 0 {
			return in.trap(ip, jitabi.TrapUnalignedIP)
		}
		in.writeReg(insn.Rd, nextIP)
		in.State.IP = target
		return nil

	case insn.Op == frontend.GJalr:
		target := (in.reg(insn.Rs1) + uint32(insn.Imm)) &^ 1
		if target%4 != 0 {
			return in.trap(ip, jitabi.TrapUnalignedIP)
		}
		in.writeReg(insn.Rd, nextIP)
		in.State.IP = target
		return nil

	case insn.Op.IsBranch():
		taken, err := in.branchTaken(insn)
		if err != nil {
			return err
		}
		if !taken {
			in.State.IP = nextIP
			return nil
		}
		target := ip + uint32(insn.Imm)
		if target%4 != 0 {
			return in.trap(ip, jitabi.TrapUnalignedIP)
		}
		in.State.IP = target
		return nil

	case insn.Op.IsLoad():
		val, err := in.load(insn.Op, in.reg(insn.Rs1)+uint32(insn.Imm))
		if err != nil {
			return fmt.Errorf("interp: load ip=%#08x: %w", ip, err)
		}
		in.writeReg(insn.Rd, val)

	case insn.Op.IsStore():
		if err := in.store(insn.Op, in.reg(insn.Rs1)+uint32(insn.Imm), in.reg(insn.Rs2)); err != nil {
			return fmt.Errorf("interp: store ip=%#08x: %w", ip, err)
		}

	case insn.Op == frontend.GAddi:
		in.writeReg(insn.Rd, in.reg(insn.Rs1)+uint32(insn.Imm))
	case insn.Op == frontend.GSlti:
		in.writeReg(insn.Rd, boolU32(int32(in.reg(insn.Rs1)) < insn.Imm))
	case insn.Op == frontend.GSltiu:
		in.writeReg(insn.Rd, boolU32(in.reg(insn.Rs1) < uint32(insn.Imm)))
	case insn.Op == frontend.GXori:
		in.writeReg(insn.Rd, in.reg(insn.Rs1)^uint32(insn.Imm))
	case insn.Op == frontend.GOri:
		in.writeReg(insn.Rd, in.reg(insn.Rs1)|uint32(insn.Imm))
	case insn.Op == frontend.GAndi:
		in.writeReg(insn.Rd, in.reg(insn.Rs1)&uint32(insn.Imm))
	case insn.Op == frontend.GSlli:
		in.writeReg(insn.Rd, in.reg(insn.Rs1)<<insn.Shamt)
	case insn.Op == frontend.GSrli:
		in.writeReg(insn.Rd, in.reg(insn.Rs1)>>insn.Shamt)
	case insn.Op == frontend.GSrai:
		in.writeReg(insn.Rd, uint32(int32(in.reg(insn.Rs1))>>insn.Shamt))

	case insn.Op == frontend.GAdd:
		in.writeReg(insn.Rd, in.reg(insn.Rs1)+in.reg(insn.Rs2))
	case insn.Op == frontend.GSub:
		in.writeReg(insn.Rd, in.reg(insn.Rs1)-in.reg(insn.Rs2))
	case insn.Op == frontend.GAnd:
		in.writeReg(insn.Rd, in.reg(insn.Rs1)&in.reg(insn.Rs2))
	case insn.Op == frontend.GOr:
		in.writeReg(insn.Rd, in.reg(insn.Rs1)|in.reg(insn.Rs2))
	case insn.Op == frontend.GXor:
		in.writeReg(insn.Rd, in.reg(insn.Rs1)^in.reg(insn.Rs2))
	case insn.Op == frontend.GSll:
		in.writeReg(insn.Rd, in.reg(insn.Rs1)<<(in.reg(insn.Rs2)&31))
	case insn.Op == frontend.GSrl:
		in.writeReg(insn.Rd, in.reg(insn.Rs1)>>(in.reg(insn.Rs2)&31))
	case insn.Op == frontend.GSra:
		in.writeReg(insn.Rd, uint32(int32(in.reg(insn.Rs1))>>(in.reg(insn.Rs2)&31)))
	case insn.Op == frontend.GSlt:
		in.writeReg(insn.Rd, boolU32(int32(in.reg(insn.Rs1)) < int32(in.reg(insn.Rs2))))
	case insn.Op == frontend.GSltu:
		in.writeReg(insn.Rd, boolU32(in.reg(insn.Rs1) < in.reg(insn.Rs2)))

	case insn.Op == frontend.GFence, insn.Op == frontend.GFencei:
		// No cache or reordering state to flush.

	case insn.Op == frontend.GEcall:
		in.State.IP = ip
		in.State.TrapIP = ip
		in.State.Trapno = jitabi.TrapEcall
		in.Sys.Handle(in.State)
		if in.State.Trapno == jitabi.TrapTerminated {
			return ErrHalted
		}
		in.State.Trapno = jitabi.TrapNone
		in.State.IP = nextIP
		return nil

	case insn.Op == frontend.GEbreak:
		return in.trap(ip, jitabi.TrapEbreak)

	default: // GIllegal and anything Decode couldn't classify.
		return in.trap(ip, jitabi.TrapIllegalInsn)
	}

	in.State.IP = nextIP
	return nil
}

func (in *Interp) branchTaken(insn frontend.Insn) (bool, error) {
	a, b := in.reg(insn.Rs1), in.reg(insn.Rs2)
	switch insn.Op {
	case frontend.GBeq:
		return a == b, nil
	case frontend.GBne:
		return a != b, nil
	case frontend.GBlt:
		return int32(a) < int32(b), nil
	case frontend.GBge:
		return int32(a) >= int32(b), nil
	case frontend.GBltu:
		return a < b, nil
	case frontend.GBgeu:
		return a >= b, nil
	default:
		return false, fmt.Errorf("interp: %v is not a branch opcode", insn.Op)
	}
}

func (in *Interp) load(op frontend.GOp, addr uint32) (uint32, error) {
	sz := uint32(4)
	switch op {
	case frontend.GLb, frontend.GLbu:
		sz = 1
	case frontend.GLh, frontend.GLhu:
		sz = 2
	}
	b, err := in.Mem.Translate(addr, sz)
	if err != nil {
		return 0, err
	}
	switch op {
	case frontend.GLb:
		return uint32(int32(int8(b[0]))), nil
	case frontend.GLbu:
		return uint32(b[0]), nil
	case frontend.GLh:
		return uint32(int32(int16(uint16(b[0]) | uint16(b[1])<<8))), nil
	case frontend.GLhu:
		return uint32(b[0]) | uint32(b[1])<<8, nil
	default: // GLw
		return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24, nil
	}
}

func (in *Interp) store(op frontend.GOp, addr uint32, val uint32) error {
	sz := uint32(4)
	switch op {
	case frontend.GSb:
		sz = 1
	case frontend.GSh:
		sz = 2
	}
	b, err := in.Mem.Translate(addr, sz)
	if err != nil {
		return err
	}
	switch op {
	case frontend.GSb:
		b[0] = byte(val)
	case frontend.GSh:
		b[0], b[1] = byte(val), byte(val>>8)
	default: // GSw
		b[0], b[1], b[2], b[3] = byte(val), byte(val>>8), byte(val>>16), byte(val>>24)
	}
	return nil
}

func boolU32(v bool) uint32 {
	if v {
		return 1
	}
	return 0
}

// Run drives Step until the guest halts or an unrecoverable trap
// occurs, the same for {}/errors.Is(ErrHalted) shape as pkg/engine.Run
// and the teacher's cmd/vm main loop.
func (in *Interp) Run() error {
	for {
		if err := in.Step(); err != nil {
			if errors.Is(err, ErrHalted) {
				return nil
			}
			return err
		}
	}
}

// ExitCode returns the guest's exit(2)/exit_group(2) status, valid
// only after Run returns nil.
func (in *Interp) ExitCode() int32 { return int32(in.State.GPR[10]) }
