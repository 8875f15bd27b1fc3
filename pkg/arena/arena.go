// Package arena implements a contiguous, fixed-capacity, bump-pointer
// memory region obtained from the host OS, following
// original_source/src/arena.h's MemArena: a single mmap'd slab with a
// monotonic "used" offset and no per-object free. Lifetime is whole-arena.
package arena

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// Prot selects the page protection an Arena is mapped with.
type Prot int

const (
	ProtRW  Prot = unix.PROT_READ | unix.PROT_WRITE
	ProtRWX Prot = unix.PROT_READ | unix.PROT_WRITE | unix.PROT_EXEC
)

// Arena is a bump allocator over a single mmap'd region.
type Arena struct {
	pool []byte
	used uintptr
	prot Prot
}

// New allocates and maps a region of size bytes with the given protection.
func New(size int, prot Prot) (*Arena, error) {
	pool, err := unix.Mmap(-1, 0, size, int(prot), unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, fmt.Errorf("arena: mmap failed: %w", err)
	}
	return &Arena{pool: pool, prot: prot}, nil
}

// Reset zeroes the used pointer; capacity is preserved and the bytes
// are not zeroed (callers must not rely on zero-initialized memory
// across a Reset, mirroring the teacher's own refusal to zero memory
// it doesn't have to).
func (a *Arena) Reset() { a.used = 0 }

// Destroy unmaps the region. The Arena must not be used afterwards.
func (a *Arena) Destroy() error {
	if a.pool == nil {
		return nil
	}
	err := unix.Munmap(a.pool)
	a.pool = nil
	return err
}

// Cap returns the arena's total capacity in bytes.
func (a *Arena) Cap() int { return len(a.pool) }

// Used returns the number of bytes currently bumped out.
func (a *Arena) Used() uintptr { return a.used }

func roundUp(v, align uintptr) uintptr {
	return (v + align - 1) &^ (align - 1)
}

// TryAlloc allocates sz bytes aligned to align, returning nil on
// exhaustion instead of panicking. Used by arenas whose exhaustion
// policy is "the caller invalidates and retries" (code pool, TBlock
// pool) rather than "fatal" (data arenas).
func (a *Arena) TryAlloc(sz int, align int) []byte {
	if sz == 0 {
		sz = 1
	}
	start := roundUp(a.used, uintptr(align))
	end := start + uintptr(sz)
	if end > uintptr(len(a.pool)) {
		return nil
	}
	a.used = end
	return a.pool[start:end:end]
}

// Alloc allocates sz bytes aligned to align and panics on exhaustion.
// Per spec.md 4.1, insufficient space in a data arena is a hard panic;
// only the code/TBlock arenas in pkg/tcache use TryAlloc and recover
// by invalidating.
func (a *Arena) Alloc(sz int, align int) []byte {
	b := a.TryAlloc(sz, align)
	if b == nil {
		panic(fmt.Sprintf("arena: out of space (cap=%d used=%d want=%d align=%d)",
			len(a.pool), a.used, sz, align))
	}
	return b
}

// Base returns the start address of the backing mapping, used by
// code arenas so emitted machine code can be addressed absolutely.
func (a *Arena) Base() uintptr {
	if len(a.pool) == 0 {
		return 0
	}
	return uintptr(unsafePointer(a.pool))
}
