package classify

import (
	"fmt"

	"golang.org/x/arch/x86/x86asm"

	"ibresolver/internal/arch"
	"ibresolver/internal/trace"
)

// Split cuts a block of raw code at start into instructions. ARM code is
// taken to be A32.
func Split(a arch.Arch, start uint64, code []byte) ([]trace.Insn, error) {
	var out []trace.Insn
	for off := 0; off < len(code); {
		n, err := insnLen(a, code[off:])
		if err != nil {
			return out, fmt.Errorf("classify: split at 0x%x: %w", start+uint64(off), err)
		}
		if off+n > len(code) {
			return out, fmt.Errorf("classify: split at 0x%x: truncated %d-byte instruction", start+uint64(off), n)
		}
		out = append(out, trace.Insn{Addr: start + uint64(off), Code: code[off : off+n]})
		off += n
	}
	return out, nil
}

func insnLen(a arch.Arch, code []byte) (int, error) {
	switch a {
	case arch.X86_64:
		inst, err := x86asm.Decode(code, 64)
		if err != nil {
			return 0, err
		}
		// Decode reports truncated or unknown bytes as Op 0 without an error.
		if inst.Op == 0 {
			return 0, fmt.Errorf("undecodable instruction % x", code[:min(len(code), 15)])
		}
		return inst.Len, nil
	case arch.ARM, arch.AArch64:
		return 4, nil
	case arch.RISCV64:
		// Low two bits 11 mark a 32-bit encoding; anything else is compressed.
		if code[0]&3 == 3 {
			return 4, nil
		}
		return 2, nil
	}
	return 0, fmt.Errorf("%w: %v", ErrUnsupportedArch, a)
}
