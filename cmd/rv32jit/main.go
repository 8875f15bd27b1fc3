// Command rv32jit loads a static RV32I Linux ET_EXEC binary and runs
// it, either through the dynamic binary translator (pkg/engine) or,
// under -i, the plain fetch-decode-execute fallback (pkg/interp) —
// the same two-tier choice the teacher ships as separate cmd/vm and
// cmd/interp binaries, folded into one command with a flag since both
// tiers here share the same loader and address space.
package main

import (
	"errors"
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/jserv/rv32jit/pkg/engine"
	"github.com/jserv/rv32jit/pkg/gmmu"
	"github.com/jserv/rv32jit/pkg/guestsys"
	"github.com/jserv/rv32jit/pkg/interp"
	"github.com/jserv/rv32jit/pkg/loader"
	"github.com/jserv/rv32jit/pkg/rvlog"
)

// mmapBase is where linuxMmap2's anonymous-mapping bump allocator
// starts handing out addresses (bumping down from here), well above
// the loaded image and well below the stack the loader places just
// under the top of the address space, so ordinary PIE-less binaries
// never collide with it.
const mmapBase = uint32(0x40000000)

func main() {
	log.SetFlags(0)
	debug := flag.Bool("d", false, "enable debugging (single-step, pause before each step)")
	interpret := flag.Bool("i", false, "run under the interpreter instead of the JIT")
	verbose := flag.Bool("v", false, "be verbose")
	flag.Parse()

	args := flag.Args()
	if len(args) < 1 {
		log.Fatal("usage: rv32jit [-d] [-i] [-v] <guest-elf> [guest-args...]")
	}
	path, guestArgs := args[0], args[1:]

	switch {
	case *debug:
		rvlog.SetLevel(rvlog.LevelTrace)
	case *verbose:
		rvlog.SetLevel(rvlog.LevelDebug)
	}

	code, err := run(path, guestArgs, *interpret, *debug)
	if err != nil {
		log.Fatal(err)
	}
	os.Exit(int(code))
}

func run(path string, guestArgs []string, useInterp, debug bool) (int32, error) {
	mem, err := gmmu.New()
	if err != nil {
		return 0, fmt.Errorf("rv32jit: %w", err)
	}
	defer mem.Destroy()

	img, err := loader.Load(mem, path, append([]string{path}, guestArgs...))
	if err != nil {
		return 0, fmt.Errorf("rv32jit: %w", err)
	}
	rvlog.Info("rv32jit: loaded %s: entry=%#08x sp=%#08x brk=%#08x", path, img.Entry, img.InitialSP, img.Brk)

	sys := guestsys.New(mem, img.Brk, mmapBase)

	if useInterp {
		return runInterp(mem, sys, img, debug)
	}
	return runEngine(mem, sys, img, debug)
}

func runEngine(mem *gmmu.MMU, sys *guestsys.Table, img *loader.Image, debug bool) (int32, error) {
	eng, err := engine.New(mem, sys, img.Entry, img.InitialSP)
	if err != nil {
		return 0, fmt.Errorf("rv32jit: %w", err)
	}
	defer eng.Destroy()

	for {
		if debug {
			rvlog.Trace("rv32jit: ip=%#08x paused...", eng.State.IP)
			fmt.Scanln()
		}
		if err := eng.Step(); err != nil {
			if errors.Is(err, engine.ErrHalted) {
				return eng.ExitCode(), nil
			}
			return 0, err
		}
	}
}

func runInterp(mem *gmmu.MMU, sys *guestsys.Table, img *loader.Image, debug bool) (int32, error) {
	in := interp.New(mem, sys, img.Entry, img.InitialSP)

	for {
		if debug {
			rvlog.Trace("rv32jit: ip=%#08x paused...", in.State.IP)
			fmt.Scanln()
		}
		if err := in.Step(); err != nil {
			if errors.Is(err, interp.ErrHalted) {
				return in.ExitCode(), nil
			}
			return 0, err
		}
	}
}
