package jitabi

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/require"
)

// TestCPUStateSPUnwindOffset pins the byte offset trampoline_amd64.s
// hardcodes (Go asm can't import Go constants); a struct-layout change
// here without updating the .s file would otherwise fail silently at
// runtime instead of at compile time.
func TestCPUStateSPUnwindOffset(t *testing.T) {
	require.EqualValues(t, 256, unsafe.Offsetof(CPUState{}.SPUnwind))
}

func TestRuntimeStubsOffset(t *testing.T) {
	require.EqualValues(t, unsafe.Offsetof(CPUState{}.RuntimeStubs), RuntimeStubsOffset)
	require.Equal(t, int32(RuntimeStubsOffset), RuntimeStubOffset(0))
	require.Equal(t, int32(RuntimeStubsOffset)+8, RuntimeStubOffset(1))
}

func TestPendingSlotOffset(t *testing.T) {
	require.EqualValues(t, unsafe.Offsetof(CPUState{}.PendingSlot), PendingSlotOffset)
}

func TestL1BrindOffset(t *testing.T) {
	require.EqualValues(t, unsafe.Offsetof(CPUState{}.L1Brind), L1BrindOffset)
}

// TestPendingSlotAsmOffset pins the literal runtimestubs_amd64.s
// hardcodes for CPUState.PendingSlot.
func TestPendingSlotAsmOffset(t *testing.T) {
	require.EqualValues(t, 240, PendingSlotOffset)
}

func TestL1BrindEntryLayout(t *testing.T) {
	require.EqualValues(t, 16, unsafe.Sizeof(L1BrindEntry{}))
	require.EqualValues(t, 0, unsafe.Offsetof(L1BrindEntry{}.GIP))
	require.EqualValues(t, 8, unsafe.Offsetof(L1BrindEntry{}.Code))
	require.Equal(t, 1<<L1BrindEntryShift, L1BrindEntrySize)
}

func TestNewRuntimeStubsPopulatesDistinctEntries(t *testing.T) {
	tab := NewRuntimeStubs()
	require.NotZero(t, tab[StubLinkBranchJIT])
	require.NotZero(t, tab[StubBrind])
	require.NotEqual(t, tab[StubLinkBranchJIT], tab[StubBrind])
}

func TestTrapIPOffset(t *testing.T) {
	require.EqualValues(t, unsafe.Offsetof(CPUState{}.TrapIP), TrapIPOffset)
}

func TestGuestStubOffset(t *testing.T) {
	require.EqualValues(t, unsafe.Offsetof(CPUState{}.GuestStubs), GuestStubsOffset)
	require.Equal(t, int64(GuestStubsOffset), GuestStubOffset(0))
	require.Equal(t, int64(GuestStubsOffset)+24, GuestStubOffset(3))
}

func TestGPROffset(t *testing.T) {
	require.EqualValues(t, 0, GPROffset(0))
	require.EqualValues(t, 4, GPROffset(1))
	require.EqualValues(t, 124, GPROffset(31))
}

func TestTrapCodeString(t *testing.T) {
	require.Equal(t, "ecall", TrapEcall.String())
	require.Equal(t, "?", TrapCode(99).String())
}

// TestGuestStubAsmOffsets pins the 132/136 literals gueststubs_amd64.s
// hardcodes for CPUState.Trapno/TrapIP.
func TestGuestStubAsmOffsets(t *testing.T) {
	require.EqualValues(t, 132, TrapnoOffset)
	require.EqualValues(t, 136, TrapIPOffset)
}

func TestNewGuestStubsPopulatesDistinctEntries(t *testing.T) {
	tab := NewGuestStubs()
	require.NotZero(t, tab[0])
	require.NotZero(t, tab[1])
	require.NotZero(t, tab[2])
	require.NotZero(t, tab[3])
	require.NotEqual(t, tab[0], tab[1])
	require.NotEqual(t, tab[1], tab[2])
	require.NotEqual(t, tab[2], tab[3])
}
