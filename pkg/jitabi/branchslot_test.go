package jitabi

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/require"
)

func newSlotBuf() []byte {
	return make([]byte, BranchSlotSize, BranchSlotSize+4)
}

func TestWriteCall64AbsShape(t *testing.T) {
	code := newSlotBuf()
	writeCall64Abs(code, 0x1122334455667788)
	require.Equal(t, []byte{0x48, 0xB8}, code[0:2])
	require.Equal(t, []byte{0xFF, 0xD0}, code[10:12])
	require.EqualValues(t, 0x1122334455667788, leUint64(code[2:10]))
}

func TestWriteJump64AbsShape(t *testing.T) {
	code := newSlotBuf()
	writeJump64Abs(code, 0xdeadbeefcafebabe)
	require.Equal(t, []byte{0x48, 0xB8}, code[0:2])
	require.Equal(t, []byte{0xFF, 0xE0}, code[10:12])
	require.EqualValues(t, 0xdeadbeefcafebabe, leUint64(code[2:10]))
}

func TestWriteJump32RelShape(t *testing.T) {
	code := newSlotBuf()
	self := uintptr(0x1000)
	target := uintptr(0x1100)
	writeJump32Rel(code, self, target)
	require.Equal(t, byte(0xE9), code[0])
	rel := int32(leUint32(code[1:5]))
	require.EqualValues(t, int64(target)-int64(self+jump32RelLen), rel)
	require.Equal(t, byte(0x90), code[5]) // filler
}

func TestWriteCallStubTabShape(t *testing.T) {
	code := newSlotBuf()
	writeCallStubTab(code, 144)
	require.Equal(t, []byte{0x41, 0xFF, 0x95}, code[0:3])
	require.EqualValues(t, 144, int32(leUint32(code[3:7])))
}

func TestLinkPrefersRel32WhenReachable(t *testing.T) {
	code := newSlotBuf()
	s := &BranchSlot{Code: code}
	self := uintptr(unsafe.Pointer(&code[0]))
	s.Link(self + 0x1000)
	require.Equal(t, byte(0xE9), code[0])
}

func TestLinkFallsBackToAbs64WhenFar(t *testing.T) {
	code := newSlotBuf()
	s := &BranchSlot{Code: code}
	s.Link(0x7fffffffffff) // far outside any int32 displacement from a heap slice
	require.Equal(t, byte(0x48), code[0])
	require.Equal(t, byte(0xB8), code[1])
	require.Equal(t, []byte{0xFF, 0xE0}, code[10:12])
}

func TestLinkLazyJITInstallsStubTabShape(t *testing.T) {
	code := newSlotBuf()
	s := &BranchSlot{Code: code}
	s.LinkLazyJIT()
	require.Equal(t, []byte{0x41, 0xFF, 0x95}, code[0:3])
	require.EqualValues(t, RuntimeStubOffset(StubLinkBranchJIT), int32(leUint32(code[3:7])))
}

func TestFromCallPtrRetaddrRecoversSlotStart(t *testing.T) {
	code := newSlotBuf()
	base := uintptr(unsafe.Pointer(&code[0]))
	ra := base + call64AbsLen
	slot := FromCallPtrRetaddr(ra)
	require.Equal(t, base, uintptr(unsafe.Pointer(&slot.Code[0])))
	require.Len(t, slot.Code, BranchSlotSize)
}

func TestFromCallRuntimeStubRetaddrRecoversSlotStart(t *testing.T) {
	code := newSlotBuf()
	base := uintptr(unsafe.Pointer(&code[0]))
	ra := base + callStubTabLen
	slot := FromCallRuntimeStubRetaddr(ra)
	require.Equal(t, base, uintptr(unsafe.Pointer(&slot.Code[0])))
	require.Len(t, slot.Code, BranchSlotSize)
}

func leUint64(b []byte) uint64 {
	var v uint64
	for i := 7; i >= 0; i-- {
		v = v<<8 | uint64(b[i])
	}
	return v
}

func leUint32(b []byte) uint32 {
	var v uint32
	for i := 3; i >= 0; i-- {
		v = v<<8 | uint32(b[i])
	}
	return v
}
