package guestsys

import (
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/jserv/rv32jit/pkg/gmmu"
	"github.com/jserv/rv32jit/pkg/jitabi"
)

func newTable(t *testing.T) (*Table, *jitabi.CPUState) {
	mem, err := gmmu.New()
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, mem.Destroy()) })

	const brk = uint32(0x20000)
	require.NoError(t, mem.MapFixed(0x10000, gmmu.PageSize, unix.PROT_READ|unix.PROT_WRITE))
	require.NoError(t, mem.MapFixed(brk, gmmu.PageSize, unix.PROT_READ|unix.PROT_WRITE))

	tab := New(mem, brk, 0x80000000)
	state := &jitabi.CPUState{}
	return tab, state
}

func callSyscall(state *jitabi.CPUState, no uint32, a0, a1, a2, a3, a4, a5, a6 uint32) {
	state.GPR[17] = no
	state.GPR[10], state.GPR[11], state.GPR[12] = a0, a1, a2
	state.GPR[13], state.GPR[14], state.GPR[15], state.GPR[16] = a3, a4, a5, a6
}

func TestGetuidReturnsHostUID(t *testing.T) {
	tab, state := newTable(t)
	callSyscall(state, sysGetuid, 0, 0, 0, 0, 0, 0, 0)
	tab.Handle(state)
	require.EqualValues(t, unix.Getuid(), int32(state.GPR[10]))
}

func TestWriteThenReadRoundTripsThroughPipe(t *testing.T) {
	tab, state := newTable(t)

	fds := make([]int, 2)
	require.NoError(t, unix.Pipe(fds))
	readFd, writeFd := fds[0], fds[1]
	t.Cleanup(func() { unix.Close(readFd); unix.Close(writeFd) })

	const gva = uint32(0x10000)
	buf, err := tab.Mem.Translate(gva, 5)
	require.NoError(t, err)
	copy(buf, "hello")

	callSyscall(state, sysWrite, uint32(writeFd), gva, 5, 0, 0, 0, 0)
	tab.Handle(state)
	require.EqualValues(t, 5, int32(state.GPR[10]))

	const rgva = uint32(0x10100)
	callSyscall(state, sysRead, uint32(readFd), rgva, 5, 0, 0, 0, 0)
	tab.Handle(state)
	require.EqualValues(t, 5, int32(state.GPR[10]))

	got, err := tab.Mem.Translate(rgva, 5)
	require.NoError(t, err)
	require.Equal(t, "hello", string(got))
}

func TestBrkGrowsAndQueries(t *testing.T) {
	tab, state := newTable(t)

	// A newbrk <= current brk is a pure query: returns the unchanged brk.
	callSyscall(state, sysBrk, tab.brk-0x100, 0, 0, 0, 0, 0, 0)
	tab.Handle(state)
	require.EqualValues(t, tab.brk, state.GPR[10])

	grown := tab.brk + 0x100
	callSyscall(state, sysBrk, grown, 0, 0, 0, 0, 0, 0)
	tab.Handle(state)
	require.EqualValues(t, grown, state.GPR[10])
	require.Equal(t, grown, tab.brk)
}

func TestBrkGrowthPastPageMapsNewPages(t *testing.T) {
	tab, state := newTable(t)
	grown := tab.brk + gmmu.PageSize*3
	callSyscall(state, sysBrk, grown, 0, 0, 0, 0, 0, 0)
	tab.Handle(state)
	require.EqualValues(t, grown, state.GPR[10])

	// The newly-extended range must now be writable.
	b, err := tab.Mem.Translate(grown-4, 4)
	require.NoError(t, err)
	b[0] = 0x7f
}

func TestExitSetsTrapTerminated(t *testing.T) {
	tab, state := newTable(t)
	callSyscall(state, sysExit, 7, 0, 0, 0, 0, 0, 0)
	tab.Handle(state)
	require.Equal(t, jitabi.TrapTerminated, state.Trapno)
	require.EqualValues(t, 7, int32(state.GPR[10]))
}

func TestSetRobustListReturnsENOSYS(t *testing.T) {
	tab, state := newTable(t)
	callSyscall(state, sysSetRobustList, 0, 0, 0, 0, 0, 0, 0)
	tab.Handle(state)
	require.EqualValues(t, int32(-int64(unix.ENOSYS)), int32(state.GPR[10]))
}

func TestUnameReportsRiscv32Machine(t *testing.T) {
	tab, state := newTable(t)
	const gva = uint32(0x10000)
	callSyscall(state, sysUname, gva, 0, 0, 0, 0, 0, 0)
	tab.Handle(state)
	require.EqualValues(t, 0, int32(state.GPR[10]))

	buf, err := tab.Mem.Translate(gva, 65*6)
	require.NoError(t, err)
	machine := buf[65*4 : 65*5]
	require.Contains(t, string(machine), "riscv32")
}

func TestClockGettime64WritesTimespec(t *testing.T) {
	tab, state := newTable(t)
	const gva = uint32(0x10000)
	callSyscall(state, sysClockGettime64, uint32(unix.CLOCK_REALTIME), gva, 0, 0, 0, 0, 0)
	tab.Handle(state)
	require.EqualValues(t, 0, int32(state.GPR[10]))

	buf, err := tab.Mem.Translate(gva, 16)
	require.NoError(t, err)
	require.NotZero(t, buf)
}

func TestMmap2AnonymousPicksAddressAboveMinMmapAddr(t *testing.T) {
	tab, state := newTable(t)
	callSyscall(state, sysMmap2, 0, gmmu.PageSize, uint32(unix.PROT_READ|unix.PROT_WRITE),
		uint32(unix.MAP_PRIVATE|unix.MAP_ANONYMOUS), ^uint32(0), 0)
	tab.Handle(state)

	addr := state.GPR[10]
	require.Greater(t, addr, uint32(gmmu.MinMmapAddr))

	b, err := tab.Mem.Translate(addr, 4)
	require.NoError(t, err)
	b[0] = 1
}
