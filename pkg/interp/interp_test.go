package interp

import (
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/jserv/rv32jit/pkg/gmmu"
	"github.com/jserv/rv32jit/pkg/guestsys"
	"github.com/jserv/rv32jit/pkg/jitabi"
)

func encI(opcode, funct3, rd, rs1 uint32, imm int32) uint32 {
	return (uint32(imm)&0xfff)<<20 | rs1<<15 | funct3<<12 | rd<<7 | opcode
}

func encR(opcode, funct3, funct7, rd, rs1, rs2 uint32) uint32 {
	return funct7<<25 | rs2<<20 | rs1<<15 | funct3<<12 | rd<<7 | opcode
}

func putWord(b []byte, off int, w uint32) {
	b[off] = byte(w)
	b[off+1] = byte(w >> 8)
	b[off+2] = byte(w >> 16)
	b[off+3] = byte(w >> 24)
}

const (
	opAddi   = 0b0010011
	opAlu    = 0b0110011
	opSystem = 0b1110011
)

func newTestInterp(t *testing.T) (*Interp, *gmmu.MMU) {
	mem, err := gmmu.New()
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, mem.Destroy()) })

	const codeBase = uint32(0x1000)
	require.NoError(t, mem.MapFixed(codeBase, gmmu.PageSize, unix.PROT_READ|unix.PROT_WRITE))

	const brk = uint32(0x10000)
	require.NoError(t, mem.MapFixed(brk, gmmu.PageSize, unix.PROT_READ|unix.PROT_WRITE))
	sys := guestsys.New(mem, brk, 0x80000000)

	in := New(mem, sys, codeBase, 0x20000)
	return in, mem
}

func TestStepAddiAdvancesIPAndSetsRegister(t *testing.T) {
	in, mem := newTestInterp(t)
	code, err := mem.Translate(in.State.IP, 4)
	require.NoError(t, err)
	putWord(code, 0, encI(opAddi, 0, 5, 0, 7)) // addi x5, x0, 7

	require.NoError(t, in.Step())
	require.EqualValues(t, 7, in.State.GPR[5])
	require.EqualValues(t, 0x1004, in.State.IP)
}

func TestStepAddRegisterRegister(t *testing.T) {
	in, mem := newTestInterp(t)
	code, err := mem.Translate(in.State.IP, 8)
	require.NoError(t, err)
	putWord(code, 0, encI(opAddi, 0, 5, 0, 3))
	putWord(code, 4, encR(opAlu, 0, 0, 6, 5, 5)) // add x6, x5, x5

	require.NoError(t, in.Step())
	require.NoError(t, in.Step())
	require.EqualValues(t, 6, in.State.GPR[6])
}

func TestStepGPRZeroAlwaysReadsZero(t *testing.T) {
	in, mem := newTestInterp(t)
	code, err := mem.Translate(in.State.IP, 4)
	require.NoError(t, err)
	putWord(code, 0, encI(opAddi, 0, 0, 0, 99)) // addi x0, x0, 99 (discarded)

	require.NoError(t, in.Step())
	require.EqualValues(t, 0, in.State.GPR[0])
}

func TestStepLoadStoreRoundTrip(t *testing.T) {
	in, mem := newTestInterp(t)
	// Reuse the already-mapped code page for scratch data, well past
	// the instructions themselves.
	in.State.GPR[2] = in.State.IP + 0x800

	code, err := mem.Translate(in.State.IP, 12)
	require.NoError(t, err)
	putWord(code, 0, encI(opAddi, 0, 5, 0, 0x2a)) // addi x5, x0, 42
	// sw x5, 0(x2): S-type splits the immediate across bits 31:25/11:7.
	sWord := uint32(0)<<25 | 5<<20 | 2<<15 | 0b010<<12 | 0<<7 | 0b0100011
	putWord(code, 4, sWord)
	putWord(code, 8, encI(0b0000011, 0b010, 6, 2, 0)) // lw x6, 0(x2)

	require.NoError(t, in.Step()) // x5 = 42
	require.NoError(t, in.Step()) // mem[x2] = x5
	require.NoError(t, in.Step()) // x6 = mem[x2]
	require.EqualValues(t, 42, in.State.GPR[6])
}

func TestStepEcallExitHaltsRunWithoutError(t *testing.T) {
	in, mem := newTestInterp(t)
	code, err := mem.Translate(in.State.IP, 12)
	require.NoError(t, err)
	putWord(code, 0, encI(opAddi, 0, 17, 0, 93)) // a7 = 93 (exit)
	putWord(code, 4, encI(opAddi, 0, 10, 0, 5))  // a0 = 5
	putWord(code, 8, encI(opSystem, 0, 0, 0, 0))  // ecall

	require.NoError(t, in.Run())
	require.EqualValues(t, 5, in.ExitCode())
	require.Equal(t, jitabi.TrapTerminated, in.State.Trapno)
}

func TestStepIllegalInstructionReturnsError(t *testing.T) {
	in, mem := newTestInterp(t)
	code, err := mem.Translate(in.State.IP, 4)
	require.NoError(t, err)
	putWord(code, 0, 0) // opcode 0 decodes to GIllegal

	err = in.Step()
	require.Error(t, err)
	require.Equal(t, jitabi.TrapIllegalInsn, in.State.Trapno)
}

func TestStepJalUnalignedTargetTraps(t *testing.T) {
	in, mem := newTestInterp(t)
	code, err := mem.Translate(in.State.IP, 4)
	require.NoError(t, err)
	// jal x1, 2: an odd-aligned (non-multiple-of-4) offset.
	raw := uint32(0)
	raw |= ((2 >> 20) & 1) << 31
	raw |= ((2 >> 12) & 0xff) << 12
	raw |= ((2 >> 11) & 1) << 20
	raw |= ((2 >> 1) & 0x3ff) << 21
	raw |= 1 << 7 // rd = x1
	raw |= 0b1101111
	putWord(code, 0, raw)

	err = in.Step()
	require.Error(t, err)
	require.Equal(t, jitabi.TrapUnalignedIP, in.State.Trapno)
}
