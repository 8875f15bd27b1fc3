// Package gmmu reserves a flat host mapping for the entire 32-bit
// guest address space and exposes it through guest-virtual-address
// addressing, following original_source/src/mmu.h's mmu: one
// unix.Mmap reservation the whole guest program lives inside of, so a
// guest pointer is always base+gva with no page-table indirection on
// the host side.
package gmmu

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

// mmapAt re-maps [gva, gva+length) inside the existing reservation at
// its exact host address (base+gva) with MAP_FIXED: unix.Mmap's own
// wrapper never lets the caller pick an address, so MapFixed/Unmap
// drop to the raw syscall directly — the same thing a guest mmap2/
// mprotect/munmap emulation layer needs to do against a pre-reserved
// address space (gvisor's sentry mm does the equivalent against its
// own host reservation).
func (m *MMU) mmapAt(gva uint32, length uint32, prot int) error {
	addr := m.Base() + uintptr(gva)
	_, _, errno := unix.Syscall6(unix.SYS_MMAP, addr, uintptr(length),
		uintptr(prot), uintptr(unix.MAP_PRIVATE|unix.MAP_ANONYMOUS|unix.MAP_FIXED),
		^uintptr(0), 0)
	if errno != 0 {
		return fmt.Errorf("gmmu: mmap fixed %#08x..%#08x: %w", gva, gva+length, errno)
	}
	return nil
}

// ASpaceSize is the full 32-bit guest address space: original_source's
// mmu::ASPACE_SIZE.
const ASpaceSize = uint64(1) << 32

// PageBits/PageSize mirror mmu::PAGE_BITS/PAGE_SIZE — "true for both
// rv32 and amd64" per the original comment; pkg/tcache's PageSize is
// the same constant, used for a different bookkeeping purpose.
const PageBits = 12
const PageSize = uint32(1) << PageBits
const pageMask = PageSize - 1

// MinMmapAddr keeps the bottom 16 pages unmapped, the same low-address
// guard original_source's mmu reserves so a null-pointer-style guest
// bug reliably segfaults.
const MinMmapAddr = 16 * PageSize

// MMU owns the guest address space's host-side backing.
type MMU struct {
	region []byte
}

// New reserves ASpaceSize bytes of host address space as PROT_NONE —
// committed with New's caller never touching guest memory until a
// MapFixed call backs a range with real pages, exactly as
// original_source's mmu::Init reserves before any PT_LOAD segment or
// brk range is mapped.
func New() (*MMU, error) {
	region, err := unix.Mmap(-1, 0, int(ASpaceSize), unix.PROT_NONE,
		unix.MAP_PRIVATE|unix.MAP_ANONYMOUS|unix.MAP_NORESERVE)
	if err != nil {
		return nil, fmt.Errorf("gmmu: reserve %d bytes: %w", ASpaceSize, err)
	}
	return &MMU{region: region}, nil
}

// Destroy releases the entire reservation. The MMU must not be used
// afterwards.
func (m *MMU) Destroy() error {
	if m.region == nil {
		return nil
	}
	err := unix.Munmap(m.region)
	m.region = nil
	return err
}

// Base returns the host address guest address 0 maps to: pkg/qemit's
// MEMBASE value and the vmem pointer pkg/engine passes to
// jitabi.EnterJIT.
func (m *MMU) Base() uintptr {
	if len(m.region) == 0 {
		return 0
	}
	return uintptr(unsafePointer(m.region))
}

// Vmem returns the same base address as an unsafe.Pointer, the form
// pkg/engine passes straight through to jitabi.EnterJIT's vmem
// parameter.
func (m *MMU) Vmem() unsafe.Pointer {
	return unsafePointer(m.region)
}

func (m *MMU) checkRange(gva uint32, length uint32) error {
	if uint64(gva)+uint64(length) > ASpaceSize {
		return fmt.Errorf("gmmu: range [%#08x, %#08x) exceeds guest address space", gva, gva+length)
	}
	return nil
}

// MapFixed backs [gva, gva+length) with real, committed pages at the
// given protection, mirroring mmu::mmap's MAP_FIXED-over-the-
// reservation trick. length is rounded up to a page boundary.
func (m *MMU) MapFixed(gva uint32, length uint32, prot int) error {
	if err := m.checkRange(gva, length); err != nil {
		return err
	}
	return m.mmapAt(gva, roundUpPage(length), prot)
}

// Protect changes the protection of an already-backed range: the host
// side of a guest mprotect(2) call.
func (m *MMU) Protect(gva uint32, length uint32, prot int) error {
	if err := m.checkRange(gva, length); err != nil {
		return err
	}
	length = roundUpPage(length)
	return unix.Mprotect(m.region[gva:gva+length], prot)
}

// Unmap releases a previously-backed range back to PROT_NONE
// reservation, the host side of munmap(2).
func (m *MMU) Unmap(gva uint32, length uint32) error {
	if err := m.checkRange(gva, length); err != nil {
		return err
	}
	length = roundUpPage(length)
	return m.mmapAt(gva, length, unix.PROT_NONE)
}

func roundUpPage(length uint32) uint32 {
	return (length + pageMask) &^ pageMask
}

// Translate returns the host pointer a guest virtual address maps to,
// bounds-checked against the reservation; used by pkg/guestsys to
// resolve syscall buffer arguments.
func (m *MMU) Translate(gva uint32, length uint32) ([]byte, error) {
	if err := m.checkRange(gva, length); err != nil {
		return nil, err
	}
	return m.region[gva : gva+length : gva+length], nil
}

// ReadInsnWord implements pkg/frontend.MemReader: every translated
// block fetches guest instruction words straight out of this mapping.
func (m *MMU) ReadInsnWord(ip uint32) (uint32, error) {
	b, err := m.Translate(ip, 4)
	if err != nil {
		return 0, err
	}
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24, nil
}
