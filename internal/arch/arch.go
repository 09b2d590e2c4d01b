// Package arch enumerates the guest architectures the resolver understands.
package arch

import (
	"errors"
	"fmt"
	"strings"
)

// ErrUnsupported is returned by Parse for names outside the fixed set.
var ErrUnsupported = errors.New("arch: unsupported architecture")

// Arch identifies a guest instruction set.
type Arch int

const (
	Unknown Arch = iota
	ARM          // A32 + Thumb (QEMU target "arm")
	X86_64
	AArch64
	RISCV64
)

var names = map[Arch]string{
	ARM:     "arm",
	X86_64:  "x86_64",
	AArch64: "aarch64",
	RISCV64: "riscv64",
}

func (a Arch) String() string {
	if s, ok := names[a]; ok {
		return s
	}
	return fmt.Sprintf("arch(%d)", int(a))
}

// Parse maps an emulator target name to an Arch.
// Accepted names are the QEMU target suffixes (qemu-arm, qemu-x86_64, ...).
func Parse(name string) (Arch, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "arm", "armv7":
		return ARM, nil
	case "x86_64", "amd64":
		return X86_64, nil
	case "aarch64", "arm64":
		return AArch64, nil
	case "riscv64":
		return RISCV64, nil
	}
	return Unknown, fmt.Errorf("%w: %q", ErrUnsupported, name)
}

// Names returns the canonical names of all supported architectures.
func Names() []string {
	return []string{"arm", "x86_64", "aarch64", "riscv64"}
}

// MinInsnLen is the smallest instruction encoding of the architecture.
func (a Arch) MinInsnLen() int {
	switch a {
	case ARM, RISCV64:
		return 2
	case X86_64:
		return 1
	default:
		return 4
	}
}
