package engine

import (
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/jserv/rv32jit/pkg/gmmu"
	"github.com/jserv/rv32jit/pkg/guestsys"
	"github.com/jserv/rv32jit/pkg/jitabi"
)

// encI builds an I-type instruction word, the same shape
// pkg/frontend's own test helper uses.
func encI(opcode, funct3, rd, rs1 uint32, imm int32) uint32 {
	return (uint32(imm)&0xfff)<<20 | rs1<<15 | funct3<<12 | rd<<7 | opcode
}

const (
	opAddi   = 0b0010011
	opSystem = 0b1110011
	opJal    = 0b1101111
)

func putWord(b []byte, off int, w uint32) {
	b[off] = byte(w)
	b[off+1] = byte(w >> 8)
	b[off+2] = byte(w >> 16)
	b[off+3] = byte(w >> 24)
}

func newTestEngine(t *testing.T) (*Engine, *gmmu.MMU) {
	mem, err := gmmu.New()
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, mem.Destroy()) })

	const codeBase = uint32(0x1000)
	require.NoError(t, mem.MapFixed(codeBase, gmmu.PageSize, unix.PROT_READ|unix.PROT_WRITE|unix.PROT_EXEC))

	const brk = uint32(0x10000)
	require.NoError(t, mem.MapFixed(brk, gmmu.PageSize, unix.PROT_READ|unix.PROT_WRITE))
	sys := guestsys.New(mem, brk, 0x80000000)

	const stackTop = uint32(0x20000)
	require.NoError(t, mem.MapFixed(stackTop-gmmu.PageSize, gmmu.PageSize, unix.PROT_READ|unix.PROT_WRITE))

	eng, err := New(mem, sys, codeBase, stackTop)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, eng.Destroy()) })
	return eng, mem
}

func TestRunExecutesEcallExit(t *testing.T) {
	eng, mem := newTestEngine(t)

	code, err := mem.Translate(eng.State.IP, 12)
	require.NoError(t, err)
	putWord(code, 0, encI(opAddi, 0, 17, 0, 93)) // addi x17, x0, 93 (exit)
	putWord(code, 4, encI(opAddi, 0, 10, 0, 42)) // addi x10, x0, 42
	putWord(code, 8, encI(opSystem, 0, 0, 0, 0))  // ecall

	require.NoError(t, eng.Run())
	require.EqualValues(t, 42, eng.ExitCode())
	require.Equal(t, jitabi.TrapTerminated, eng.State.Trapno)
}

func TestRunPropagatesEbreakAsError(t *testing.T) {
	eng, mem := newTestEngine(t)

	code, err := mem.Translate(eng.State.IP, 4)
	require.NoError(t, err)
	putWord(code, 0, encI(opSystem, 0, 0, 0, 1)) // ebreak

	err = eng.Run()
	require.Error(t, err)
}

// encJ builds a J-type instruction word (jal), the same bit layout
// pkg/frontend's own test helper assembles.
func encJ(rd uint32, imm int32) uint32 {
	u := uint32(imm)
	return (u>>20&1)<<31 | (u>>12&0xff)<<12 | (u>>11&1)<<20 | (u>>1&0x3ff)<<21 | rd<<7 | opJal
}

// TestStepDirectLinksAcrossTwoRegions exercises spec.md §8 scenario
// 3's direct-link path end to end: two separately-compiled regions,
// the first ending in an unconditional gbr (jal x0) into the second.
// The first Step through the gbr must fire its lazy-link call, which
// pkg/engine.linkPendingSlot resolves into a real BranchSlot.Link plus
// tcache.Cache.RecordLink — this is the scenario the bare
// tcache_test.go unit test alone could never exercise.
func TestStepDirectLinksAcrossTwoRegions(t *testing.T) {
	eng, mem := newTestEngine(t)

	const blockB = uint32(0x1100)
	code, err := mem.Translate(eng.State.IP, 4)
	require.NoError(t, err)
	putWord(code, 0, encJ(0, int32(blockB-eng.State.IP))) // jal x0, blockB (unconditional gbr)

	codeB, err := mem.Translate(blockB, 12)
	require.NoError(t, err)
	putWord(codeB, 0, encI(opAddi, 0, 17, 0, 93)) // addi x17, x0, 93 (exit)
	putWord(codeB, 4, encI(opAddi, 0, 10, 0, 7))  // addi x10, x0, 7
	putWord(codeB, 8, encI(opSystem, 0, 0, 0, 0)) // ecall

	require.Zero(t, eng.Cache.LinkCount())

	require.NoError(t, eng.Step()) // compiles+runs block A, resolves the pending lazy link
	require.Equal(t, 1, eng.Cache.LinkCount())

	tbB := eng.Cache.Lookup(blockB)
	require.NotNil(t, tbB)
	require.True(t, tbB.IsBrindTarget, "linkPendingSlot must CacheBrind the link target")

	require.Equal(t, blockB, eng.State.IP)
	require.NoError(t, eng.Run())
	require.EqualValues(t, 7, eng.ExitCode())
}

func TestStepCompilesOnceAndReusesCachedBlock(t *testing.T) {
	eng, mem := newTestEngine(t)

	code, err := mem.Translate(eng.State.IP, 12)
	require.NoError(t, err)
	putWord(code, 0, encI(opAddi, 0, 5, 0, 1)) // addi x5, x0, 1
	putWord(code, 4, encI(opAddi, 0, 6, 0, 2)) // addi x6, x0, 2
	putWord(code, 8, uint32(opJal))            // jal x0, 0 (jump to self, ends the block)

	entryIP := eng.State.IP
	require.NoError(t, eng.Step())
	first := eng.Cache.Lookup(entryIP)
	require.NotNil(t, first)

	eng.State.IP = entryIP
	require.NoError(t, eng.Step())
	second := eng.Cache.Lookup(entryIP)
	require.Same(t, first, second)
}
