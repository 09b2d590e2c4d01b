package arch

// NoSyscall marks a loader syscall the architecture does not provide.
const NoSyscall = ^uint64(0)

// SyscallABI lists the guest syscall numbers needed to follow the loader.
// Numbers are guest numbers and differ from the host's.
type SyscallABI struct {
	Open   uint64
	OpenAt uint64
	Mmap   uint64
	// Exit and ExitGroup end the traced program.
	Exit      uint64
	ExitGroup uint64
	// MmapOffsetShift converts the mmap offset argument to bytes
	// (12 for arm mmap2, whose offset is in 4096-byte pages).
	MmapOffsetShift uint
}

// Syscalls returns the loader syscall numbers for the architecture.
func (a Arch) Syscalls() SyscallABI {
	switch a {
	case X86_64:
		return SyscallABI{Open: 2, OpenAt: 257, Mmap: 9, Exit: 60, ExitGroup: 231}
	case ARM:
		// EABI: open=5, openat=322, mmap2=192.
		return SyscallABI{Open: 5, OpenAt: 322, Mmap: 192, Exit: 1, ExitGroup: 248, MmapOffsetShift: 12}
	case AArch64, RISCV64:
		// asm-generic table: no plain open.
		return SyscallABI{Open: NoSyscall, OpenAt: 56, Mmap: 222, Exit: 93, ExitGroup: 94}
	}
	return SyscallABI{Open: NoSyscall, OpenAt: NoSyscall, Mmap: NoSyscall, Exit: NoSyscall, ExitGroup: NoSyscall}
}

// IsOpen reports whether nr opens a file and returns the index of the
// pathname argument.
func (abi SyscallABI) IsOpen(nr uint64) (pathArg int, ok bool) {
	switch {
	case nr == NoSyscall:
		return 0, false
	case nr == abi.Open:
		return 0, true
	case nr == abi.OpenAt:
		return 1, true
	}
	return 0, false
}

// IsMmap reports whether nr maps memory.
func (abi SyscallABI) IsMmap(nr uint64) bool {
	return nr != NoSyscall && nr == abi.Mmap
}

// IsExit reports whether nr terminates the program.
func (abi SyscallABI) IsExit(nr uint64) bool {
	return nr != NoSyscall && (nr == abi.Exit || nr == abi.ExitGroup)
}
