// Package guestsys emulates the Linux/RISC-V32 syscall ABI subset a
// static musl binary needs, dispatched from a7/gpr[17] exactly as
// original_source's env::SyscallLinux does, translating guest
// pointers through pkg/gmmu and guest errors to the usual -errno
// convention.
package guestsys

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/jserv/rv32jit/pkg/gmmu"
	"github.com/jserv/rv32jit/pkg/jitabi"
	"github.com/jserv/rv32jit/pkg/rvlog"
)

// Syscall numbers follow the Linux asm-generic 32-bit unistd.h table
// riscv32 shares with every other "new" 32-bit port (aarch64's ILP32
// variant, among others); original_source names these the same way
// via its RV32_LINUX_SYSCALL_LIST X-macro.
const (
	sysOpenat         = 56
	sysClose          = 57
	sysLlseek         = 62
	sysRead           = 63
	sysWrite          = 64
	sysReadlinkat     = 78
	sysFstat64        = 80
	sysExit           = 93
	sysExitGroup      = 94
	sysSetTidAddress  = 96
	sysSetRobustList  = 99
	sysSysinfo        = 179
	sysRtSigaction    = 134
	sysUname          = 160
	sysGetuid         = 174
	sysGeteuid        = 175
	sysGetgid         = 176
	sysGetegid        = 177
	sysBrk            = 214
	sysMunmap         = 215
	sysMmap2          = 222
	sysMprotect       = 226
	sysPrlimit64      = 261
	sysGetrandom      = 278
	sysStatx          = 291
	sysClockGettime64 = 403
)

// Table is the syscall emulator's state: the guest address space plus
// the per-process fields original_source threads through its
// env::process global (brk, the mmap bump-down watermark).
type Table struct {
	Mem      *gmmu.MMU
	brk      uint32
	mmapNext uint32
}

// New constructs a Table. initialBrk is the loader's Image.Brk (the
// end of the last PT_LOAD segment); mmapBase seeds the anonymous-mmap
// bump-down allocator, which never descends below gmmu.MinMmapAddr.
func New(mem *gmmu.MMU, initialBrk uint32, mmapBase uint32) *Table {
	return &Table{Mem: mem, brk: initialBrk, mmapNext: mmapBase}
}

// Handle dispatches the syscall named by state.GPR[17], passing
// state.GPR[10..16] as its up-to-7 arguments, and writes the return
// value back into state.GPR[10]. An exit/exit_group call raises
// jitabi.TrapTerminated so pkg/engine's loop stops.
func (t *Table) Handle(state *jitabi.CPUState) {
	no := state.GPR[17]
	a := [7]uint32{state.GPR[10], state.GPR[11], state.GPR[12], state.GPR[13],
		state.GPR[14], state.GPR[15], state.GPR[16]}

	rc := t.dispatch(state, no, a)
	state.GPR[10] = uint32(rc)
}

func (t *Table) dispatch(state *jitabi.CPUState, no uint32, a [7]uint32) int64 {
	switch no {
	case sysOpenat:
		return t.linuxOpenat(int32(a[0]), a[1], int32(a[2]), a[3])
	case sysClose:
		return t.linuxClose(a[0])
	case sysLlseek:
		return t.linuxLlseek(a[0], a[1], a[2], a[3], a[4])
	case sysRead:
		return t.linuxRead(a[0], a[1], a[2])
	case sysWrite:
		return t.linuxWrite(a[0], a[1], a[2])
	case sysReadlinkat:
		return t.linuxReadlinkat(int32(a[0]), a[1], a[2], int32(a[3]))
	case sysFstat64:
		return t.linuxFstat64(a[0], a[1])
	case sysSetTidAddress:
		return t.linuxSetTidAddress(a[0])
	case sysSetRobustList:
		return -int64(unix.ENOSYS)
	case sysExit:
		return t.linuxExit(state, int32(a[0]))
	case sysExitGroup:
		return t.linuxExit(state, int32(a[0]))
	case sysRtSigaction:
		return 0
	case sysUname:
		return t.linuxUname(a[0])
	case sysGetuid:
		return int64(unix.Getuid())
	case sysGeteuid:
		return int64(unix.Geteuid())
	case sysGetgid:
		return int64(unix.Getgid())
	case sysGetegid:
		return int64(unix.Getegid())
	case sysSysinfo:
		return t.linuxSysinfo(a[0])
	case sysBrk:
		return t.linuxBrk(a[0])
	case sysMunmap:
		return t.linuxMunmap(a[0], a[1])
	case sysMmap2:
		return t.linuxMmap2(a[0], a[1], a[2], a[3], a[4], a[5])
	case sysMprotect:
		return t.linuxMprotect(a[0], a[1], a[2])
	case sysPrlimit64:
		return t.linuxPrlimit64(a[0], a[1], a[2], a[3])
	case sysGetrandom:
		return t.linuxGetrandom(a[0], a[1], a[2])
	case sysStatx:
		return t.linuxStatx(int32(a[0]), a[1], a[2], a[3], a[4])
	case sysClockGettime64:
		return t.linuxClockGettime64(int32(a[0]), a[1])
	default:
		rvlog.Warn("guestsys: unhandled syscall %d", no)
		return -int64(unix.ENOSYS)
	}
}

func errnoOf(err error) int64 {
	if errno, ok := err.(unix.Errno); ok {
		return -int64(errno)
	}
	return -int64(unix.EIO)
}

func rc(n int, err error) int64 {
	if err != nil {
		return errnoOf(err)
	}
	return int64(n)
}

const maxCString = 4096

func (t *Table) readCString(gva uint32) (string, error) {
	for length := uint32(64); length <= maxCString; length *= 2 {
		b, err := t.Mem.Translate(gva, length)
		if err != nil {
			return "", err
		}
		if idx := bytes.IndexByte(b, 0); idx >= 0 {
			return string(b[:idx]), nil
		}
	}
	return "", fmt.Errorf("guestsys: string at %#08x exceeds %d bytes", gva, maxCString)
}

func (t *Table) linuxOpenat(dfd int32, pathGva uint32, flags int32, mode uint32) int64 {
	path, err := t.readCString(pathGva)
	if err != nil {
		return -int64(unix.EFAULT)
	}
	fd, err := unix.Openat(int(dfd), path, int(flags), mode)
	return rc(fd, err)
}

// linuxClose keeps fd 0/1/2 open: this port never splits the guest's
// stdio descriptors from the host process's own, so closing them here
// would take the host's stdio down with it.
func (t *Table) linuxClose(fd uint32) int64 {
	if fd < 3 {
		return 0
	}
	if err := unix.Close(int(fd)); err != nil {
		return errnoOf(err)
	}
	return 0
}

func (t *Table) linuxLlseek(fd, offsetHigh, offsetLow, resultGva, whence uint32) int64 {
	off := int64(offsetHigh)<<32 | int64(offsetLow)
	pos, err := unix.Seek(int(fd), off, int(whence))
	if err != nil {
		return errnoOf(err)
	}
	buf, err := t.Mem.Translate(resultGva, 8)
	if err != nil {
		return -int64(unix.EFAULT)
	}
	binary.LittleEndian.PutUint64(buf, uint64(pos))
	return 0
}

func (t *Table) linuxRead(fd, bufGva, count uint32) int64 {
	buf, err := t.Mem.Translate(bufGva, count)
	if err != nil {
		return -int64(unix.EFAULT)
	}
	n, err := unix.Read(int(fd), buf)
	return rc(n, err)
}

func (t *Table) linuxWrite(fd, bufGva, count uint32) int64 {
	buf, err := t.Mem.Translate(bufGva, count)
	if err != nil {
		return -int64(unix.EFAULT)
	}
	n, err := unix.Write(int(fd), buf)
	return rc(n, err)
}

func (t *Table) linuxReadlinkat(dfd int32, pathGva, bufGva uint32, bufsiz int32) int64 {
	path, err := t.readCString(pathGva)
	if err != nil {
		return -int64(unix.EFAULT)
	}
	buf, err := t.Mem.Translate(bufGva, uint32(bufsiz))
	if err != nil {
		return -int64(unix.EFAULT)
	}
	n, err := unix.Readlinkat(int(dfd), path, buf)
	return rc(n, err)
}

// statSize is asm-generic/stat.h's 64-bit-time "struct stat" (the
// layout every new 32-bit Linux port, riscv32 included, exposes as
// stat64): two 8-byte ids, four 4-byte ids, an 8-byte rdev plus pad,
// an 8-byte size, a 4-byte blksize plus pad, an 8-byte blocks count,
// three (sec,nsec) 4-byte timestamp pairs, and 8 bytes reserved.
const statSize = 104

func (t *Table) linuxFstat64(fd, statbufGva uint32) int64 {
	var st unix.Stat_t
	if err := unix.Fstat(int(fd), &st); err != nil {
		return errnoOf(err)
	}
	buf, err := t.Mem.Translate(statbufGva, statSize)
	if err != nil {
		return -int64(unix.EFAULT)
	}
	binary.LittleEndian.PutUint64(buf[0:8], uint64(st.Dev))
	binary.LittleEndian.PutUint64(buf[8:16], st.Ino)
	binary.LittleEndian.PutUint32(buf[16:20], st.Mode)
	binary.LittleEndian.PutUint32(buf[20:24], uint32(st.Nlink))
	binary.LittleEndian.PutUint32(buf[24:28], st.Uid)
	binary.LittleEndian.PutUint32(buf[28:32], st.Gid)
	binary.LittleEndian.PutUint64(buf[32:40], uint64(st.Rdev))
	binary.LittleEndian.PutUint64(buf[48:56], uint64(st.Size))
	binary.LittleEndian.PutUint32(buf[56:60], uint32(st.Blksize))
	binary.LittleEndian.PutUint64(buf[64:72], uint64(st.Blocks))
	binary.LittleEndian.PutUint32(buf[72:76], uint32(st.Atim.Sec))
	binary.LittleEndian.PutUint32(buf[76:80], uint32(st.Atim.Nsec))
	binary.LittleEndian.PutUint32(buf[80:84], uint32(st.Mtim.Sec))
	binary.LittleEndian.PutUint32(buf[84:88], uint32(st.Mtim.Nsec))
	binary.LittleEndian.PutUint32(buf[88:92], uint32(st.Ctim.Sec))
	binary.LittleEndian.PutUint32(buf[92:96], uint32(st.Ctim.Nsec))
	return 0
}

func (t *Table) linuxSetTidAddress(tidptrGva uint32) int64 {
	tid := unix.Gettid()
	if buf, err := t.Mem.Translate(tidptrGva, 4); err == nil {
		binary.LittleEndian.PutUint32(buf, uint32(tid))
	}
	return int64(tid)
}

func (t *Table) linuxExit(state *jitabi.CPUState, code int32) int64 {
	state.Trapno = jitabi.TrapTerminated
	return int64(code)
}

func (t *Table) linuxUname(nameGva uint32) int64 {
	var uts unix.Utsname
	if err := unix.Uname(&uts); err != nil {
		return errnoOf(err)
	}
	copy(uts.Machine[:], "riscv32\x00")

	buf, err := t.Mem.Translate(nameGva, uint32(unsafe.Sizeof(uts)))
	if err != nil {
		return -int64(unix.EFAULT)
	}
	src := (*[unsafe.Sizeof(unix.Utsname{})]byte)(unsafe.Pointer(&uts))[:]
	copy(buf, src)
	return 0
}

// sysinfoSize is struct sysinfo's classic 32-bit layout: uptime,
// loads[3], six memory totals, procs+pad, totalhigh/freehigh,
// mem_unit, and an 8-byte reserved tail.
const sysinfoSize = 64

func (t *Table) linuxSysinfo(infoGva uint32) int64 {
	var host unix.Sysinfo_t
	if err := unix.Sysinfo(&host); err != nil {
		return errnoOf(err)
	}
	buf, err := t.Mem.Translate(infoGva, sysinfoSize)
	if err != nil {
		return -int64(unix.EFAULT)
	}
	const gb, mb = 1 << 30, 1 << 20
	binary.LittleEndian.PutUint32(buf[0:4], uint32(host.Uptime))
	binary.LittleEndian.PutUint32(buf[4:8], uint32(host.Loads[0]))
	binary.LittleEndian.PutUint32(buf[8:12], uint32(host.Loads[1]))
	binary.LittleEndian.PutUint32(buf[12:16], uint32(host.Loads[2]))
	binary.LittleEndian.PutUint32(buf[16:20], gb)          // totalram
	binary.LittleEndian.PutUint32(buf[20:24], 500*mb)      // freeram
	binary.LittleEndian.PutUint32(buf[24:28], mb)          // sharedram
	binary.LittleEndian.PutUint32(buf[28:32], mb)          // bufferram
	binary.LittleEndian.PutUint32(buf[32:36], mb)          // totalswap
	binary.LittleEndian.PutUint32(buf[36:40], mb)          // freeswap
	binary.LittleEndian.PutUint16(buf[40:42], uint16(host.Procs))
	binary.LittleEndian.PutUint32(buf[44:48], mb) // totalhigh
	binary.LittleEndian.PutUint32(buf[48:52], mb) // freehigh
	binary.LittleEndian.PutUint32(buf[52:56], 1)  // mem_unit
	return 0
}

func roundUpPage(v uint32) uint32 {
	return (v + gmmu.PageSize - 1) &^ (gmmu.PageSize - 1)
}

func (t *Table) linuxBrk(newbrk uint32) int64 {
	if newbrk <= t.brk {
		return int64(t.brk)
	}
	brkPage := roundUpPage(t.brk)
	if newbrk <= brkPage {
		if buf, err := t.Mem.Translate(t.brk, newbrk-t.brk); err == nil {
			for i := range buf {
				buf[i] = 0
			}
		}
		t.brk = newbrk
		return int64(t.brk)
	}
	if err := t.Mem.MapFixed(brkPage, newbrk-brkPage, unix.PROT_READ|unix.PROT_WRITE); err != nil {
		return int64(t.brk)
	}
	t.brk = newbrk
	return int64(t.brk)
}

func (t *Table) linuxMunmap(gaddr, length uint32) int64 {
	if err := t.Mem.Unmap(gaddr, length); err != nil {
		return -int64(unix.EINVAL)
	}
	return 0
}

// linuxMmap2 only services anonymous mappings: a static musl binary's
// mmap2 calls are thread stacks and large allocations, never file
// maps, which pkg/gmmu has no backing for. A non-MAP_FIXED request is
// placed by bumping mmapNext down, floored at gmmu.MinMmapAddr so a
// guest that exhausts its mmap region fails loudly instead of
// colliding with the reserved low pages.
func (t *Table) linuxMmap2(gaddr, length, prot, flags, fd, off uint32) int64 {
	if flags&unix.MAP_ANON == 0 {
		return -int64(unix.ENOSYS)
	}

	addr := gaddr
	size := roundUpPage(length)
	if flags&unix.MAP_FIXED == 0 {
		if t.mmapNext < gmmu.MinMmapAddr+size {
			return -int64(unix.ENOMEM)
		}
		t.mmapNext -= size
		addr = t.mmapNext
	}
	if err := t.Mem.MapFixed(addr, length, int(prot)); err != nil {
		return -int64(unix.ENOMEM)
	}
	return int64(addr)
}

func (t *Table) linuxMprotect(start, length, prot uint32) int64 {
	if err := t.Mem.Protect(start, length, int(prot)); err != nil {
		return -int64(unix.EINVAL)
	}
	return 0
}

func (t *Table) linuxPrlimit64(pid, resource, newRlimGva, oldRlimGva uint32) int64 {
	var newLim, oldLim unix.Rlimit
	var newLimPtr *unix.Rlimit
	if newRlimGva != 0 {
		buf, err := t.Mem.Translate(newRlimGva, 16)
		if err != nil {
			return -int64(unix.EFAULT)
		}
		newLim.Cur = binary.LittleEndian.Uint64(buf[0:8])
		newLim.Max = binary.LittleEndian.Uint64(buf[8:16])
		newLimPtr = &newLim
	}
	if err := unix.Prlimit(int(pid), int(resource), newLimPtr, &oldLim); err != nil {
		return errnoOf(err)
	}
	if oldRlimGva != 0 {
		buf, err := t.Mem.Translate(oldRlimGva, 16)
		if err != nil {
			return -int64(unix.EFAULT)
		}
		binary.LittleEndian.PutUint64(buf[0:8], oldLim.Cur)
		binary.LittleEndian.PutUint64(buf[8:16], oldLim.Max)
	}
	return 0
}

func (t *Table) linuxGetrandom(bufGva, count, flags uint32) int64 {
	buf, err := t.Mem.Translate(bufGva, count)
	if err != nil {
		return -int64(unix.EFAULT)
	}
	n, err := unix.Getrandom(buf, int(flags))
	return rc(n, err)
}

func (t *Table) linuxStatx(dfd int32, pathGva, flags, mask, bufGva uint32) int64 {
	path, err := t.readCString(pathGva)
	if err != nil {
		return -int64(unix.EFAULT)
	}
	var stx unix.Statx_t
	if err := unix.Statx(int(dfd), path, int(flags), int(mask), &stx); err != nil {
		return errnoOf(err)
	}
	size := uint32(unsafe.Sizeof(stx))
	buf, err := t.Mem.Translate(bufGva, size)
	if err != nil {
		return -int64(unix.EFAULT)
	}
	// struct statx is a fixed 256-byte layout defined identically for
	// every architecture, 32- or 64-bit, so the host struct's bytes
	// are the guest struct's bytes verbatim.
	src := (*[unsafe.Sizeof(unix.Statx_t{})]byte)(unsafe.Pointer(&stx))[:]
	copy(buf, src)
	return 0
}

func (t *Table) linuxClockGettime64(clockid int32, tpGva uint32) int64 {
	var ts unix.Timespec
	if err := unix.ClockGettime(clockid, &ts); err != nil {
		return errnoOf(err)
	}
	buf, err := t.Mem.Translate(tpGva, 16)
	if err != nil {
		return -int64(unix.EFAULT)
	}
	binary.LittleEndian.PutUint64(buf[0:8], uint64(ts.Sec))
	binary.LittleEndian.PutUint64(buf[8:16], uint64(ts.Nsec))
	return 0
}
