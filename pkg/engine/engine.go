// Package engine drives the lookup-or-compile-and-enter loop:
// original_source's dbt::Execute (execute.cpp) and env::Execute
// (env.cpp)'s trap dispatch folded into a single Go loop, since this
// port has no process-global env singleton for the latter to read.
package engine

import (
	"errors"
	"fmt"
	"unsafe"

	"github.com/jserv/rv32jit/pkg/frontend"
	"github.com/jserv/rv32jit/pkg/gmmu"
	"github.com/jserv/rv32jit/pkg/guestsys"
	"github.com/jserv/rv32jit/pkg/jitabi"
	"github.com/jserv/rv32jit/pkg/qemit"
	"github.com/jserv/rv32jit/pkg/qra"
	"github.com/jserv/rv32jit/pkg/qsel"
	"github.com/jserv/rv32jit/pkg/rvlog"
	"github.com/jserv/rv32jit/pkg/tcache"
)

// ErrHalted is returned by Step once the guest has exited normally
// through ecall exit/exit_group; Run reports that as a nil error. An
// ebreak or illegal instruction is returned as a different error.
var ErrHalted = errors.New("engine: guest halted")

// Default translation cache sizing: original_source's TB_POOL_SIZE/
// CODE_POOL_SIZE (32768 entries, 128MiB code). The TBlock pool keeps
// 32768 entries; the code pool is scaled down to 32MiB since a guest
// program under test rarely needs that much code before the cache's
// own Invalidate recycling kicks in.
const (
	DefaultTBPoolCap    = 1 << 15
	DefaultCodePoolSize = 32 << 20
)

// Engine owns one guest program's running state: its address space,
// register file, translation cache, and syscall emulator.
type Engine struct {
	Mem   *gmmu.MMU
	State *jitabi.CPUState
	Cache *tcache.Cache
	Sys   *guestsys.Table

	// slotTargets maps a gbr BranchSlot's Code[0] address to the
	// constant guest IP pkg/qemit recorded for it (GBrSite.Target),
	// keeping the one piece of compile()-time information Step needs
	// once CPUState.PendingSlot names a slot by address alone.
	slotTargets map[uintptr]uint32
}

// New builds an Engine ready to run from (entry, sp): mem and sys are
// already set up by pkg/loader/pkg/guestsys (a loaded ELF image's
// Entry/InitialSP, and a Table seeded with the image's Brk).
func New(mem *gmmu.MMU, sys *guestsys.Table, entry, sp uint32) (*Engine, error) {
	cache, err := tcache.New(DefaultTBPoolCap, DefaultCodePoolSize)
	if err != nil {
		return nil, fmt.Errorf("engine: %w", err)
	}
	state := &jitabi.CPUState{
		GuestStubs:   jitabi.NewGuestStubs(),
		RuntimeStubs: jitabi.NewRuntimeStubs(),
		L1Brind:      cache.L1BrindBase(),
	}
	state.IP = entry
	state.GPR[2] = sp // x2 is the RV32I stack pointer
	return &Engine{
		Mem:         mem,
		State:       state,
		Cache:       cache,
		Sys:         sys,
		slotTargets: make(map[uintptr]uint32),
	}, nil
}

// Destroy releases the translation cache's code pool. The Engine must
// not be used afterwards.
func (e *Engine) Destroy() error { return e.Cache.Destroy() }

// compile translates the region starting at ip through the full
// frontend/qsel/qra/qemit pipeline and installs it in the cache:
// spec.md 4.9's "lookup miss" path.
func (e *Engine) compile(ip uint32) (*tcache.TBlock, error) {
	res, err := frontend.TranslateBlock(e.Mem, ip, 0, false)
	if err != nil {
		return nil, fmt.Errorf("engine: translate ip=%#08x: %w", ip, err)
	}

	info := qsel.Run(res.Region)
	qra.Run(res.Region)

	qe := qemit.New(res.Region, !info.HasCalls)
	code, sites, err := qe.EmitRegion()
	if err != nil {
		return nil, fmt.Errorf("engine: emit ip=%#08x: %w", ip, err)
	}

	tb := e.Cache.AllocateTBlock()
	buf := e.Cache.AllocateCode(len(code), 16)
	copy(buf, code)
	tb.Code = buf
	tb.IP = ip
	e.Cache.Insert(tb)

	// Every gbr's reserved BranchSlot starts lazy-linked: its address
	// is only known now that the code has landed in the RWX pool, so
	// this is also the first point pkg/jitabi's bit-exact shape can
	// actually be written.
	for _, site := range sites {
		slotAddr := uintptr(unsafe.Pointer(&buf[site.Offset]))
		jitabi.SlotAt(slotAddr).LinkLazyJIT()
		e.slotTargets[slotAddr] = site.Target
	}

	rvlog.Debug("engine: compiled %d insns at %#08x (%d bytes)", res.NumInsns, ip, len(code))
	return tb, nil
}

// linkPendingSlot patches the BranchSlot at addr to jump straight into
// whatever TBlock its recorded target compiles (or already cached) to,
// and records the link in the cache so a later InvalidatePage/
// Invalidate can re-arm it: spec.md 4.8's Link/RecordLink pairing,
// driven from Step once a region has returned through an unlinked
// slot's lazy-link call.
//
// crossSegment is always false: this port's pkg/frontend has no notion
// of a segment distinct from tcache's own page granularity, so nothing
// here can yet tell apart a same-segment and a cross-segment link.
func (e *Engine) linkPendingSlot(addr uintptr) error {
	target, ok := e.slotTargets[addr]
	if !ok {
		return fmt.Errorf("engine: pending slot %#x has no recorded target", addr)
	}
	tb := e.Cache.Lookup(target)
	if tb == nil {
		var err error
		tb, err = e.compile(target)
		if err != nil {
			return err
		}
	}
	// The JIT code about to jump straight into tb will never pass back
	// through Step's own CacheBrind call, so this link is the only
	// chance to make tb an eligible gbrind target.
	e.Cache.CacheBrind(tb)
	slot := jitabi.SlotAt(addr)
	slot.Link(uintptr(unsafe.Pointer(&tb.Code[0])))
	e.Cache.RecordLink(slot, tb, false)
	return nil
}

// Step runs a single region: lookup-or-compile, enter the trampoline,
// and react to whatever trap the region's own guest-trap stub
// recorded. It returns ErrHalted once the guest has exited.
func (e *Engine) Step() error {
	tb := e.Cache.Lookup(e.State.IP)
	if tb == nil {
		var err error
		tb, err = e.compile(e.State.IP)
		if err != nil {
			return err
		}
	}
	// Any region this loop reaches by IP lookup is fair game for a
	// future gbrind to target too, so every one goes into the L1Brind
	// cache here regardless of whether it also ends up direct-linked
	// from some other region's gbr.
	e.Cache.CacheBrind(tb)

	tcPtr := uintptr(unsafe.Pointer(&tb.Code[0]))
	jitabi.EnterJIT(e.State, e.Mem.Vmem(), tcPtr)

	// A region returns here with PendingSlot set whenever it ran
	// through a not-yet-linked gbr's lazy-link call: link_branch_jit's
	// RET falls through the slot's own NOP filler into the same
	// exitRegion sequence an already-resolved gbr would reach directly,
	// so CPUState.IP is already the right resume address either way —
	// this only needs to turn the lazy call into a direct link before
	// the next Step reaches the same site again.
	if addr := e.State.PendingSlot; addr != 0 {
		e.State.PendingSlot = 0
		if err := e.linkPendingSlot(addr); err != nil {
			return err
		}
	}

	return e.handleTrap()
}

// handleTrap inspects CPUState.Trapno after a region returns. The
// region's own gbr has already advanced CPUState.IP to the resume
// address (pkg/frontend always pairs CreateHcall with CreateGBr in
// the same block), so nothing here adjusts IP itself — only
// original_source's env::Execute added ip+=4 before calling
// SyscallLinux, a step this port's frontend has already folded into
// the translated region.
func (e *Engine) handleTrap() error {
	switch e.State.Trapno {
	case jitabi.TrapNone:
		return nil
	case jitabi.TrapEcall:
		rvlog.Trace("engine: ecall at %#08x (a7=%d)", e.State.TrapIP, e.State.GPR[17])
		e.Sys.Handle(e.State)
		if e.State.Trapno == jitabi.TrapTerminated {
			return ErrHalted
		}
		e.State.Trapno = jitabi.TrapNone
		return nil
	case jitabi.TrapTerminated:
		return ErrHalted
	case jitabi.TrapEbreak:
		return fmt.Errorf("engine: ebreak at %#08x", e.State.TrapIP)
	case jitabi.TrapIllegalInsn:
		return fmt.Errorf("engine: illegal instruction at %#08x", e.State.TrapIP)
	case jitabi.TrapUnalignedIP:
		return fmt.Errorf("engine: unaligned ip %#08x", e.State.TrapIP)
	default:
		return fmt.Errorf("engine: unhandled trap %s at %#08x", e.State.Trapno, e.State.TrapIP)
	}
}

// Run drives Step until the guest halts or an unrecoverable error
// occurs, matching the teacher's cmd/vm fetch-decode-execute loop
// shape: a plain for {} with an errors.Is(err, ErrHalted) exit.
func (e *Engine) Run() error {
	for {
		if err := e.Step(); err != nil {
			if errors.Is(err, ErrHalted) {
				return nil
			}
			return err
		}
	}
}

// ExitCode returns the guest's exit(2)/exit_group(2) status, the value
// of GPR[10] (a0) at the point Run returned nil.
func (e *Engine) ExitCode() int32 { return int32(e.State.GPR[10]) }
