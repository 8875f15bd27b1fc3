// Package loader reads a static ET_EXEC RISC-V32 ELF binary into a
// pkg/gmmu address space and builds the initial stack (argv, envp,
// auxv), following original_source's env::LoadElf/env::InitAVectors.
package loader

import (
	"debug/elf"
	"fmt"
	"io"
	"os"

	"golang.org/x/sys/unix"

	"github.com/jserv/rv32jit/pkg/gmmu"
)

// Linux auxv tags InitArgVectors pushes, matching original_source's
// own push_auxv call list. debug/elf does not export these.
const (
	atNull   = 0
	atPhdr   = 3
	atPhent  = 4
	atPhnum  = 5
	atPagesz = 6
	atBase   = 7
	atFlags  = 8
	atEntry  = 9
	atUID    = 11
	atEUID   = 12
	atGID    = 13
	atEGID   = 14
	atHWCap  = 16
	atClktck = 17
	atSecure = 23
	atRandom = 25
	atExecfn = 31
)

// stackSize matches original_source's BootElf literal.
const stackSize = 8 << 20

// Image is what a loaded guest program hands pkg/engine: where to
// start executing, the initial stack pointer, and the break value
// pkg/guestsys's brk() emulation grows from.
type Image struct {
	Entry     uint32
	InitialSP uint32
	Brk       uint32
}

func roundDownPage(v uint32) uint32 { return v &^ (gmmu.PageSize - 1) }
func roundUpPage(v uint32) uint32   { return (v + gmmu.PageSize - 1) &^ (gmmu.PageSize - 1) }

// Load parses path as a static RISC-V32 ELF executable, maps its
// PT_LOAD segments into mem, and constructs argv/envp/auxv on a fresh
// stack at the top of the guest address space, below a reserved guard
// page (original_source's BootElf carves the stack out the same way:
// ASpaceSize - PageSize - stackSize).
func Load(mem *gmmu.MMU, path string, argv []string) (*Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("loader: %w", err)
	}
	defer f.Close()

	ef, err := elf.NewFile(f)
	if err != nil {
		return nil, fmt.Errorf("loader: %w", err)
	}
	if ef.Class != elf.ELFCLASS32 {
		return nil, fmt.Errorf("loader: %s is not a 32-bit ELF", path)
	}
	if ef.Machine != elf.EM_RISCV {
		return nil, fmt.Errorf("loader: %s is not a RISC-V ELF", path)
	}
	if ef.Type != elf.ET_EXEC {
		return nil, fmt.Errorf("loader: %s is not a static ET_EXEC binary (PIE is unsupported)", path)
	}

	loadAddr := ^uint32(0)
	var brk uint32
	for _, prog := range ef.Progs {
		if prog.Type != elf.PT_LOAD {
			continue
		}
		if err := mapSegment(mem, prog); err != nil {
			return nil, err
		}
		if cand := uint32(prog.Vaddr) - uint32(prog.Off); cand < loadAddr {
			loadAddr = cand
		}
		if end := uint32(prog.Vaddr) + uint32(prog.Memsz); end > brk {
			brk = end
		}
	}

	stackTop := uint32(gmmu.ASpaceSize-uint64(gmmu.PageSize)) - stackSize
	if err := mem.MapFixed(stackTop, stackSize, unix.PROT_READ|unix.PROT_WRITE); err != nil {
		return nil, fmt.Errorf("loader: map stack: %w", err)
	}
	stackStart := stackTop + stackSize

	phoff, err := readPhoff(f)
	if err != nil {
		return nil, err
	}

	entry := uint32(ef.Entry)
	sp, err := initArgVectors(mem, stackStart, argv, stackVectorsParams{
		phdr:  loadAddr + phoff,
		phent: elf32PhdrSize,
		phnum: uint32(len(ef.Progs)),
		entry: entry,
	})
	if err != nil {
		return nil, err
	}

	return &Image{Entry: entry, InitialSP: sp, Brk: brk}, nil
}

const elf32PhdrSize = 32
const elf32HeaderSize = 52

// readPhoff recovers e_phoff directly from the file: debug/elf parses
// the ELF header into *elf.File but doesn't keep e_phoff around once
// elf.NewFile has turned it into the Progs slice's Off fields, and
// AT_PHDR needs the program header table's own file offset (relative
// to load_addr), not any individual segment's.
func readPhoff(r io.ReaderAt) (uint32, error) {
	buf := make([]byte, elf32HeaderSize)
	if _, err := r.ReadAt(buf, 0); err != nil {
		return 0, fmt.Errorf("loader: read ELF header: %w", err)
	}
	return le32(buf[28:32]), nil
}

func le32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

// mapSegment backs one PT_LOAD segment, splitting the file-backed
// prefix from a zero-filled .bss tail exactly as original_source's
// LoadElf does.
func mapSegment(mem *gmmu.MMU, prog *elf.Prog) error {
	prot := 0
	if prog.Flags&elf.PF_R != 0 {
		prot |= unix.PROT_READ
	}
	if prog.Flags&elf.PF_W != 0 {
		prot |= unix.PROT_WRITE
	}
	if prog.Flags&elf.PF_X != 0 {
		prot |= unix.PROT_EXEC
	}

	vaddr := uint32(prog.Vaddr)
	vaddrPage := roundDownPage(vaddr)
	pageOff := vaddr - vaddrPage

	if prog.Filesz > 0 {
		length := roundUpPage(uint32(prog.Filesz) + pageOff)
		if err := mem.MapFixed(vaddrPage, length, prot|unix.PROT_WRITE); err != nil {
			return fmt.Errorf("loader: map segment at %#08x: %w", vaddrPage, err)
		}
		dst, err := mem.Translate(vaddr, uint32(prog.Filesz))
		if err != nil {
			return err
		}
		if _, err := io.ReadFull(prog.Open(), dst); err != nil {
			return fmt.Errorf("loader: read segment: %w", err)
		}
		if prog.Memsz > prog.Filesz {
			if err := mapBSS(mem, vaddr, vaddrPage, uint32(prog.Filesz), uint32(prog.Memsz), prot); err != nil {
				return err
			}
		}
		if prot&unix.PROT_WRITE == 0 {
			if err := mem.Protect(vaddrPage, length, prot); err != nil {
				return err
			}
		}
		return nil
	}
	if prog.Memsz > 0 {
		length := roundUpPage(uint32(prog.Memsz) + pageOff)
		if err := mem.MapFixed(vaddrPage, length, prot); err != nil {
			return fmt.Errorf("loader: map segment at %#08x: %w", vaddrPage, err)
		}
	}
	return nil
}

func mapBSS(mem *gmmu.MMU, vaddr, vaddrPage, filesz, memsz uint32, prot int) error {
	bssStart := vaddr + filesz
	bssEnd := vaddrPage + memsz
	bssStartPage := roundUpPage(bssStart)

	if prevLen := bssStartPage - bssStart; prevLen > 0 && bssStartPage <= bssEnd {
		tail, err := mem.Translate(bssStart, prevLen)
		if err != nil {
			return err
		}
		for i := range tail {
			tail[i] = 0
		}
	}
	if bssEnd <= bssStartPage {
		return nil
	}
	bssLen := roundUpPage(bssEnd - bssStartPage)
	if err := mem.MapFixed(bssStartPage, bssLen, prot|unix.PROT_WRITE); err != nil {
		return fmt.Errorf("loader: map bss at %#08x: %w", bssStartPage, err)
	}
	if prot&unix.PROT_WRITE == 0 {
		return mem.Protect(bssStartPage, bssLen, prot)
	}
	return nil
}

type stackVectorsParams struct {
	phdr, phent, phnum, entry uint32
}

// initArgVectors builds argv/envp/auxv below stackTop, returning the
// stack pointer a guest program expects at _start: original_source's
// env::InitAVectors, strings-then-vectors, growing down.
func initArgVectors(mem *gmmu.MMU, stackTop uint32, argv []string, p stackVectorsParams) (uint32, error) {
	sp := stackTop

	pushStr := func(s string) (uint32, error) {
		b := append([]byte(s), 0)
		sp -= uint32(len(b))
		dst, err := mem.Translate(sp, uint32(len(b)))
		if err != nil {
			return 0, err
		}
		copy(dst, b)
		return sp, nil
	}

	execfnG, err := pushStr(argvOrDefault(argv))
	if err != nil {
		return 0, err
	}
	lcAllG, err := pushStr("LC_ALL=C")
	if err != nil {
		return 0, err
	}
	randomBytes := []byte{0, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15}
	sp -= uint32(len(randomBytes))
	randDst, err := mem.Translate(sp, uint32(len(randomBytes)))
	if err != nil {
		return 0, err
	}
	copy(randDst, randomBytes)
	randomG := sp

	argvG := make([]uint32, len(argv))
	for i := len(argv) - 1; i >= 0; i-- {
		g, err := pushStr(argv[i])
		if err != nil {
			return 0, err
		}
		argvG[i] = g
	}

	sp &^= 3

	const envpN = 1
	const auxvPairs = 16 // number of AT_* entries pushed below, not counting AT_NULL (the +1)
	vecWords := len(argv) + 1 /*argv NULL*/ + envpN + 1 /*envp NULL*/ + (auxvPairs+1)*2
	sp -= uint32(vecWords) * 4
	sp &^= 15

	argcP := sp

	words := make([]uint32, 0, vecWords)
	push := func(v uint32) { words = append(words, v) }

	push(uint32(len(argv)))
	for _, g := range argvG {
		push(g)
	}
	push(0)
	push(lcAllG)
	push(0)
	pushAuxv := func(tag, val uint32) { push(tag); push(val) }
	pushAuxv(atPhdr, p.phdr)
	pushAuxv(atPhent, p.phent)
	pushAuxv(atPhnum, p.phnum)
	pushAuxv(atPagesz, gmmu.PageSize)
	pushAuxv(atBase, 0)
	pushAuxv(atFlags, 0)
	pushAuxv(atEntry, p.entry)
	pushAuxv(atUID, uint32(unix.Getuid()))
	pushAuxv(atGID, uint32(unix.Getgid()))
	pushAuxv(atEUID, uint32(unix.Geteuid()))
	pushAuxv(atEGID, uint32(unix.Getegid()))
	pushAuxv(atExecfn, execfnG)
	pushAuxv(atSecure, 0)
	pushAuxv(atHWCap, 0)
	pushAuxv(atClktck, 100)
	pushAuxv(atRandom, randomG)
	pushAuxv(atNull, 0)

	buf, err := mem.Translate(argcP, uint32(len(words))*4)
	if err != nil {
		return 0, err
	}
	for i, w := range words {
		buf[i*4] = byte(w)
		buf[i*4+1] = byte(w >> 8)
		buf[i*4+2] = byte(w >> 16)
		buf[i*4+3] = byte(w >> 24)
	}

	return sp, nil
}

func argvOrDefault(argv []string) string {
	if len(argv) > 0 {
		return argv[0]
	}
	return "__guest__"
}
