package qemit

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/jserv/rv32jit/pkg/jitabi"
	"github.com/jserv/rv32jit/pkg/qir"
	"github.com/jserv/rv32jit/pkg/qra"
	"github.com/jserv/rv32jit/pkg/qsel"
)

func testGlobals() *qir.StateInfo {
	regs := make([]qir.StateReg, 32)
	for i := range regs {
		regs[i] = qir.StateReg{StateOffs: uint16(i * 4), Type: qir.I32}
	}
	return &qir.StateInfo{Regs: regs}
}

// lower runs qsel then qra over r (the same pipeline pkg/engine will
// drive ahead of QEmit) before handing it to a fresh QEmit.
func lower(t *testing.T, r *qir.Region, isLeaf bool) []byte {
	t.Helper()
	code, _ := lowerWithSites(t, r, isLeaf)
	return code
}

// lowerWithSites is lower, but also returns the gbr BranchSlot sites
// EmitRegion reported.
func lowerWithSites(t *testing.T, r *qir.Region, isLeaf bool) ([]byte, []GBrSite) {
	t.Helper()
	qsel.Run(r)
	qra.Run(r)
	code, sites, err := New(r, isLeaf).EmitRegion()
	require.NoError(t, err)
	return code, sites
}

// buildStraightLine returns a single-block region: x5 += x6, then an
// unconditional exit to a fixed guest IP — add/gbr with no branches,
// exercising the tied-binop and const-gbr paths.
func buildStraightLine() *qir.Region {
	r := qir.NewRegion(testGlobals())
	b := qir.NewBuilder(r)
	blk := r.CreateBlock()
	b.SetBlock(blk)

	x5 := qir.MakeVGPR(qir.I32, 5)
	x6 := qir.MakeVGPR(qir.I32, 6)
	b.CreateAdd(x5, x5, x6)
	b.CreateGBr(qir.MakeConst(qir.I32, 0x4000))
	return r
}

func TestEmitRegionStraightLineProducesCode(t *testing.T) {
	code := lower(t, buildStraightLine(), true)
	require.NotEmpty(t, code)
}

// TestEmitRegionReportsOneGBrSiteWithFillerBytes exercises the new BranchSlot
// bookkeeping: a single-gbr region must report exactly one GBrSite,
// whose reserved bytes start out as the slot's fixed 0x90 filler
// (pkg/engine installs LinkLazyJIT's real bytes, not QEmit).
func TestEmitRegionReportsOneGBrSiteWithFillerBytes(t *testing.T) {
	code, sites := lowerWithSites(t, buildStraightLine(), true)
	require.Len(t, sites, 1)
	require.EqualValues(t, 0x4000, sites[0].Target)
	require.GreaterOrEqual(t, len(code), int(sites[0].Offset)+jitabi.BranchSlotSize)
	for i := 0; i < jitabi.BranchSlotSize; i++ {
		require.Equal(t, byte(0x90), code[int(sites[0].Offset)+i])
	}
}

// buildBranching returns a two-way-branching region: if x5 == x6 go to
// blkT (which sets x7 <- 1 and exits), else blkF (sets x7 <- 0 and
// exits) — exercises brcc's successor-edge-order assumption and two
// gbr exits in the same region.
func buildBranching(t *testing.T) (*qir.Region, *qir.Block, *qir.Block) {
	t.Helper()
	r := qir.NewRegion(testGlobals())
	b := qir.NewBuilder(r)

	entry := r.CreateBlock()
	blkT := r.CreateBlock()
	blkF := r.CreateBlock()

	b.SetBlock(entry)
	x5 := qir.MakeVGPR(qir.I32, 5)
	x6 := qir.MakeVGPR(qir.I32, 6)
	b.CreateBrcc(qir.CondEQ, x5, x6, blkT, blkF)

	b.SetBlock(blkT)
	x7 := qir.MakeVGPR(qir.I32, 7)
	b.CreateMov(x7, qir.MakeConst(qir.I32, 1))
	b.CreateGBr(qir.MakeConst(qir.I32, 0x100))

	b.SetBlock(blkF)
	b.CreateMov(x7, qir.MakeConst(qir.I32, 0))
	b.CreateGBr(qir.MakeConst(qir.I32, 0x200))

	return r, blkT, blkF
}

func TestEmitRegionBranchingProducesCode(t *testing.T) {
	r, _, _ := buildBranching(t)
	code := lower(t, r, true)
	require.NotEmpty(t, code)
}

// TestEmitRegionReportsOneGBrSitePerExit confirms a region with two
// gbr exits reports one GBrSite each, at distinct offsets and with the
// right targets.
func TestEmitRegionReportsOneGBrSitePerExit(t *testing.T) {
	r, _, _ := buildBranching(t)
	_, sites := lowerWithSites(t, r, true)
	require.Len(t, sites, 2)
	require.NotEqual(t, sites[0].Offset, sites[1].Offset)
	require.ElementsMatch(t, []uint32{0x100, 0x200}, []uint32{sites[0].Target, sites[1].Target})
}

// buildWithHcall returns a non-leaf region ending in an ecall trap
// followed by a gbr to the next guest IP, mirroring how
// pkg/frontend's GEcall case always pairs the two.
func buildWithHcall() *qir.Region {
	r := qir.NewRegion(testGlobals())
	b := qir.NewBuilder(r)
	blk := r.CreateBlock()
	b.SetBlock(blk)

	b.CreateHcall(0, qir.MakeConst(qir.I32, 0x8))
	b.CreateGBr(qir.MakeConst(qir.I32, 0xc))
	return r
}

func TestEmitRegionHcallRequiresNonLeaf(t *testing.T) {
	code := lower(t, buildWithHcall(), false)
	require.NotEmpty(t, code)
}

// buildWithMemAccess returns a region that stores x6 to the address in
// x5 and loads it back sign-extended into x7, then exits — exercises
// vmstore/vmload's MEMBASE-relative operand and the size/sign tables.
func buildWithMemAccess() *qir.Region {
	r := qir.NewRegion(testGlobals())
	b := qir.NewBuilder(r)
	blk := r.CreateBlock()
	b.SetBlock(blk)

	x5 := qir.MakeVGPR(qir.I32, 5)
	x6 := qir.MakeVGPR(qir.I32, 6)
	x7 := qir.MakeVGPR(qir.I32, 7)
	b.CreateVMStore(qir.I8, qir.Unsigned, x5, x6)
	b.CreateVMLoad(qir.I8, qir.Signed, x7, x5)
	b.CreateGBr(qir.MakeConst(qir.I32, 0x10))
	return r
}

func TestEmitRegionMemAccessProducesCode(t *testing.T) {
	code := lower(t, buildWithMemAccess(), true)
	require.NotEmpty(t, code)
}

// buildWithGBrind returns a region that exits indirectly to whatever
// guest IP ends up in x5, exercising qra's RSI-fixed gbrind constraint
// and lowerGBrind's siAddr path.
func buildWithGBrind() *qir.Region {
	r := qir.NewRegion(testGlobals())
	b := qir.NewBuilder(r)
	blk := r.CreateBlock()
	b.SetBlock(blk)

	x5 := qir.MakeVGPR(qir.I32, 5)
	b.CreateGBrind(x5)
	return r
}

func TestEmitRegionGBrindProducesCode(t *testing.T) {
	code := lower(t, buildWithGBrind(), true)
	require.NotEmpty(t, code)
}

// buildWithConstLeftSetcc builds a setcc whose comparison has its
// constant operand on the left (5 < x5) at the IR level — pkg/qsel's
// ImmNone class on setcc's first input must materialize that constant
// into a fresh register before qra/qemit ever see it.
func buildWithConstLeftSetcc() *qir.Region {
	r := qir.NewRegion(testGlobals())
	b := qir.NewBuilder(r)
	blk := r.CreateBlock()
	b.SetBlock(blk)

	x5 := qir.MakeVGPR(qir.I32, 5)
	dst := qir.MakeVGPR(qir.I32, r.VRegs().AddLocal(qir.I32))
	b.CreateSetcc(qir.CondLT, dst, qir.MakeConst(qir.I32, 5), x5)
	b.CreateGBr(qir.MakeConst(qir.I32, 0x14))
	return r
}

func TestEmitRegionConstLeftSetccProducesCode(t *testing.T) {
	code := lower(t, buildWithConstLeftSetcc(), true)
	require.NotEmpty(t, code)
}
