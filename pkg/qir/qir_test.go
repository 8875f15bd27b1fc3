package qir

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func testGlobals() *StateInfo {
	regs := make([]StateReg, 32)
	for i := range regs {
		regs[i] = StateReg{StateOffs: uint16(i * 4), Type: I32}
	}
	return &StateInfo{Regs: regs}
}

func TestFolderLawConstAdd(t *testing.T) {
	r := NewRegion(testGlobals())
	b := NewBuilder(r)
	blk := r.CreateBlock()
	b.SetBlock(blk)

	vd := MakeVGPR(I32, r.VRegs().AddLocal(I32))
	ins := b.CreateAdd(vd, MakeConst(I32, 40), MakeConst(I32, 2))

	require.Equal(t, OpMov, ins.Opcode())
	require.True(t, ins.Input(0).IsConst())
	require.EqualValues(t, 42, ins.Input(0).Const)
	// Exactly one instruction in the block.
	require.Equal(t, blk.Front(), blk.Back())
}

func TestFolderAddZeroBecomesMov(t *testing.T) {
	r := NewRegion(testGlobals())
	b := NewBuilder(r)
	blk := r.CreateBlock()
	b.SetBlock(blk)

	vd := MakeVGPR(I32, r.VRegs().AddLocal(I32))
	vs := MakeVGPR(I32, 5)
	ins := b.CreateAdd(vd, vs, MakeConst(I32, 0))

	require.Equal(t, OpMov, ins.Opcode())
	require.Equal(t, vs, *ins.Input(0))
}

func TestFolderCanonicalizesConstToRight(t *testing.T) {
	r := NewRegion(testGlobals())
	b := NewBuilder(r)
	blk := r.CreateBlock()
	b.SetBlock(blk)

	vd := MakeVGPR(I32, r.VRegs().AddLocal(I32))
	vs := MakeVGPR(I32, 5)
	ins := b.CreateAdd(vd, MakeConst(I32, 7), vs)

	require.Equal(t, OpAdd, ins.Opcode())
	require.True(t, ins.Input(0).IsVGPR())
	require.True(t, ins.Input(1).IsConst())
}

func TestBrccSuccessorOrder(t *testing.T) {
	r := NewRegion(testGlobals())
	b := NewBuilder(r)
	blk := r.CreateBlock()
	trueB := r.CreateBlock()
	falseB := r.CreateBlock()
	b.SetBlock(blk)

	b.CreateBrcc(CondEQ, MakeVGPR(I32, 1), MakeVGPR(I32, 2), trueB, falseB)

	require.Equal(t, []*Block{trueB, falseB}, blk.Succs())
	require.Contains(t, trueB.Preds(), blk)
	require.Contains(t, falseB.Preds(), blk)
}

func TestInverseAndSwapCCAreTotalAndIdempotent(t *testing.T) {
	for cc := CondEQ; cc <= CondGTU; cc++ {
		require.Equal(t, cc, InverseCC(InverseCC(cc)))
		require.Equal(t, cc, SwapCC(SwapCC(cc)))
		require.NotEqual(t, cc, InverseCC(cc))
	}
}

func TestBlockInstsIterationSurvivesRemoval(t *testing.T) {
	r := NewRegion(testGlobals())
	b := NewBuilder(r)
	blk := r.CreateBlock()
	b.SetBlock(blk)

	b.CreateMov(MakeVGPR(I32, 1), MakeConst(I32, 1))
	b.CreateMov(MakeVGPR(I32, 2), MakeConst(I32, 2))
	b.CreateMov(MakeVGPR(I32, 3), MakeConst(I32, 3))

	var seen int
	blk.Insts(func(ins *Inst) {
		seen++
		blk.remove(ins)
	})
	require.Equal(t, 3, seen)
	require.Nil(t, blk.Front())
}

func TestVRegsGlobalsAndLocals(t *testing.T) {
	glob := testGlobals()
	v := NewVRegsInfo(glob)
	require.EqualValues(t, 32, v.NumGlobals())
	require.True(t, v.IsGlobal(0))
	require.True(t, v.IsGlobal(31))
	require.False(t, v.IsGlobal(32))

	id := v.AddLocal(I16)
	require.EqualValues(t, 32, id)
	require.True(t, v.IsLocal(id))
	require.Equal(t, I16, v.LocalType(id))
}
