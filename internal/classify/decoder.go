package classify

import (
	"fmt"
	"strings"

	"golang.org/x/arch/arm/armasm"
	"golang.org/x/arch/arm64/arm64asm"
	"golang.org/x/arch/x86/x86asm"

	"ibresolver/internal/arch"
)

// Decoder classifies by full instruction decoding.
type Decoder struct {
	arch arch.Arch
}

// NewDecoder returns a decoder for a. Architectures x/arch cannot decode
// fail with ErrNoDecoder.
func NewDecoder(a arch.Arch) (*Decoder, error) {
	switch a {
	case arch.ARM, arch.X86_64, arch.AArch64:
		return &Decoder{arch: a}, nil
	case arch.RISCV64:
		return nil, fmt.Errorf("%w: %v", ErrNoDecoder, a)
	}
	return nil, fmt.Errorf("%w: %v", ErrUnsupportedArch, a)
}

// Classify implements Classifier.
func (d *Decoder) Classify(code []byte) bool {
	switch d.arch {
	case arch.X86_64:
		return x86Indirect(code)
	case arch.ARM:
		return armIndirect(code)
	case arch.AArch64:
		return arm64Indirect(code)
	}
	return false
}

func x86Indirect(code []byte) bool {
	inst, err := x86asm.Decode(code, 64)
	if err != nil {
		return false
	}
	switch inst.Op {
	case x86asm.CALL, x86asm.JMP, x86asm.LCALL, x86asm.LJMP:
	default:
		return false
	}
	switch inst.Args[0].(type) {
	case x86asm.Reg, x86asm.Mem:
		return true
	}
	return false
}

// armIndirect handles A32 only; armasm has no Thumb decoder, so 2-byte
// encodings are left to the pattern matcher.
func armIndirect(code []byte) bool {
	if len(code) != 4 {
		return false
	}
	inst, err := armasm.Decode(code, armasm.ModeARM)
	if err != nil {
		return false
	}
	// Conditional forms print as "BX.NE" etc.
	op, _, _ := strings.Cut(inst.Op.String(), ".")
	switch op {
	case "BLX":
		_, ok := inst.Args[0].(armasm.Reg)
		return ok
	case "BX":
		r, ok := inst.Args[0].(armasm.Reg)
		return ok && r != armasm.LR
	case "LDR":
		r, ok := inst.Args[0].(armasm.Reg)
		if !ok || r != armasm.PC {
			return false
		}
		// ldr pc, [sp], #4 is the single-register pop {pc}: a return.
		m, ok := inst.Args[1].(armasm.Mem)
		return !ok || m.Base != armasm.SP || m.Mode != armasm.AddrPostIndex
	}
	return false
}

func arm64Indirect(code []byte) bool {
	if len(code) != 4 {
		return false
	}
	inst, err := arm64asm.Decode(code)
	if err != nil {
		return false
	}
	switch inst.Op {
	case arm64asm.BR, arm64asm.BLR:
		return true
	}
	// Pointer-authenticated forms (BRAA, BLRAAZ, ...).
	op := inst.Op.String()
	return strings.HasPrefix(op, "BRA") || strings.HasPrefix(op, "BLRA")
}
