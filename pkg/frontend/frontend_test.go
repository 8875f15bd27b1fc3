package frontend

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/jserv/rv32jit/pkg/qir"
)

// wordMem is a flat little-endian instruction stream keyed by IP,
// standing in for pkg/gmmu during translation tests.
type wordMem struct {
	base  uint32
	words []uint32
}

func (m *wordMem) ReadInsnWord(ip uint32) (uint32, error) {
	if ip < m.base {
		return 0, fmt.Errorf("ip %#x below base", ip)
	}
	idx := (ip - m.base) / 4
	if idx >= uint32(len(m.words)) {
		return 0, fmt.Errorf("ip %#x out of range", ip)
	}
	return m.words[idx], nil
}

func encI(opcode, funct3, rd, rs1 uint32, imm int32) uint32 {
	return (uint32(imm)&0xfff)<<20 | rs1<<15 | funct3<<12 | rd<<7 | opcode
}

func encR(opcode, funct3, funct7, rd, rs1, rs2 uint32) uint32 {
	return funct7<<25 | rs2<<20 | rs1<<15 | funct3<<12 | rd<<7 | opcode
}

func encB(funct3, rs1, rs2 uint32, imm int32) uint32 {
	u := uint32(imm)
	b12 := (u >> 12) & 1
	b11 := (u >> 11) & 1
	b10_5 := (u >> 5) & 0x3f
	b4_1 := (u >> 1) & 0xf
	return b12<<31 | b10_5<<25 | rs2<<20 | rs1<<15 | funct3<<12 | b4_1<<8 | b11<<7 | 0b1100011
}

func TestDecodeAddi(t *testing.T) {
	w := encI(0b0010011, 0b000, 5, 0, 10) // addi x5, x0, 10
	ins := Decode(w)
	require.Equal(t, GAddi, ins.Op)
	require.EqualValues(t, 5, ins.Rd)
	require.EqualValues(t, 0, ins.Rs1)
	require.EqualValues(t, 10, ins.Imm)
}

func TestDecodeNegativeImmSignExtends(t *testing.T) {
	w := encI(0b0010011, 0b000, 5, 0, -1)
	ins := Decode(w)
	require.Equal(t, GAddi, ins.Op)
	require.EqualValues(t, -1, ins.Imm)
}

func TestDecodeAddRegReg(t *testing.T) {
	w := encR(0b0110011, 0b000, 0, 7, 5, 6) // add x7, x5, x6
	ins := Decode(w)
	require.Equal(t, GAdd, ins.Op)
	require.EqualValues(t, 7, ins.Rd)
	require.EqualValues(t, 5, ins.Rs1)
	require.EqualValues(t, 6, ins.Rs2)
}

func TestDecodeSubVsAddFunct7(t *testing.T) {
	w := encR(0b0110011, 0b000, 0b0100000, 7, 5, 6)
	require.Equal(t, GSub, Decode(w).Op)
}

func TestDecodeIllegalOpcode(t *testing.T) {
	require.Equal(t, GIllegal, Decode(0x00000000).Op) // opcode 0 is not RV32I
}

// TestTranslateStraightLineEndsAtMaxInsns feeds a stream of nops-as-addi
// long enough to force the TBMaxInsns exit.
func TestTranslateStraightLineEndsAtMaxInsns(t *testing.T) {
	words := make([]uint32, TBMaxInsns+5)
	for i := range words {
		words[i] = encI(0b0010011, 0b000, 1, 1, 0) // addi x1, x1, 0
	}
	mem := &wordMem{base: 0x1000, words: words}

	res, err := TranslateBlock(mem, 0x1000, 0, false)
	require.NoError(t, err)
	require.Equal(t, TBMaxInsns, res.NumInsns)
	require.Equal(t, ExitGBr, res.Exit)
	require.EqualValues(t, 0x1000+4*TBMaxInsns, res.GBrTarget)
}

// TestTranslateBranchEndsBlockWithTwoExits verifies a conditional
// branch terminates the TB with two single-gbr successor blocks whose
// edge order is [true, false].
func TestTranslateBranchEndsBlockWithTwoExits(t *testing.T) {
	words := []uint32{
		encB(0b000, 5, 6, 8), // beq x5, x6, +8
	}
	mem := &wordMem{base: 0x2000, words: words}

	res, err := TranslateBlock(mem, 0x2000, 0, false)
	require.NoError(t, err)
	require.Equal(t, 1, res.NumInsns)
	require.Equal(t, ExitBrcc, res.Exit)
	require.EqualValues(t, 0x2008, res.BrccTargets[0])
	require.EqualValues(t, 0x2004, res.BrccTargets[1])

	entry := res.Region.FirstBlock()
	require.Equal(t, qir.OpBrcc, entry.Terminator().Opcode())
	require.Len(t, entry.Succs(), 2)
	require.Equal(t, entry.Succs()[0].Front().Opcode(), qir.OpGBr)
	require.EqualValues(t, 0x2008, entry.Succs()[0].Front().GBRTarget().Const)
	require.EqualValues(t, 0x2004, entry.Succs()[1].Front().GBRTarget().Const)
}

// TestTranslateJalWritesLinkAndExits checks jal's link-register write
// and direct gbr exit.
func TestTranslateJalWritesLinkAndExits(t *testing.T) {
	// jal x1, +16
	imm := int32(16)
	u := uint32(imm)
	w := (u>>20&1)<<31 | (u>>12&0xff)<<12 | (u>>11&1)<<20 | (u>>1&0x3ff)<<21 | 1<<7 | 0b1101111
	mem := &wordMem{base: 0x3000, words: []uint32{w}}

	ins := Decode(w)
	require.Equal(t, GJal, ins.Op)
	require.EqualValues(t, 1, ins.Rd)
	require.EqualValues(t, 16, ins.Imm)

	res, err := TranslateBlock(mem, 0x3000, 0, false)
	require.NoError(t, err)
	require.Equal(t, ExitGBr, res.Exit)
	require.EqualValues(t, 0x3010, res.GBrTarget)

	entry := res.Region.FirstBlock()
	var sawMovLink bool
	entry.Insts(func(i *qir.Inst) {
		if i.Opcode() == qir.OpMov && i.Output(0).IsVGPR() && i.Output(0).Reg == 1 {
			sawMovLink = true
			require.True(t, i.Input(0).IsConst())
			require.EqualValues(t, 0x3004, i.Input(0).Const)
		}
	})
	require.True(t, sawMovLink)
}

func TestTranslateLoadWidensAddressComputation(t *testing.T) {
	w := encI(0b0000011, 0b010, 5, 1, 4) // lw x5, 4(x1)
	mem := &wordMem{base: 0x4000, words: []uint32{w, encI(0b0010011, 0, 0, 0, 0)}}

	res, err := TranslateBlock(mem, 0x4000, 0x4004, true)
	require.NoError(t, err)
	require.Equal(t, ExitGBr, res.Exit)
	require.EqualValues(t, 0x4004, res.GBrTarget)

	entry := res.Region.FirstBlock()
	var sawLoad bool
	entry.Insts(func(i *qir.Inst) {
		if i.Opcode() == qir.OpVMLoad {
			sawLoad = true
			require.Equal(t, qir.I32, i.Size)
			require.Equal(t, qir.Signed, i.Sign)
		}
	})
	require.True(t, sawLoad)
}

func TestTranslateIllegalEmitsHcallAndSelfLoop(t *testing.T) {
	mem := &wordMem{base: 0x5000, words: []uint32{0x00000000}}
	res, err := TranslateBlock(mem, 0x5000, 0, false)
	require.NoError(t, err)
	require.Equal(t, ExitGBr, res.Exit)
	require.EqualValues(t, 0x5000, res.GBrTarget)

	entry := res.Region.FirstBlock()
	var sawHcall bool
	entry.Insts(func(i *qir.Inst) {
		if i.Opcode() == qir.OpHcall {
			sawHcall = true
			require.Equal(t, StubIllegal, i.Stub)
		}
	})
	require.True(t, sawHcall)
}
