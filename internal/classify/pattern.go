package classify

import (
	"encoding/binary"
	"fmt"

	"ibresolver/internal/arch"
)

// Mask matches a fixed-width little-endian encoding. Variable covers the
// operand bitfields; every other bit must equal Constant.
type Mask struct {
	Width    int // 2 or 4 bytes
	Variable uint32
	Constant uint32
}

// NewMask validates a mask definition.
func NewMask(width int, variable, constant uint32) (Mask, error) {
	if width != 2 && width != 4 {
		return Mask{}, fmt.Errorf("classify: mask width %d not 2 or 4", width)
	}
	if constant&variable != 0 {
		return Mask{}, fmt.Errorf("classify: constant 0x%x overlaps variable 0x%x", constant, variable)
	}
	if width == 2 && (constant|variable) > 0xffff {
		return Mask{}, fmt.Errorf("classify: mask 0x%x wider than 16 bits", constant|variable)
	}
	return Mask{Width: width, Variable: variable, Constant: constant}, nil
}

func mustMask(width int, variable, constant uint32) Mask {
	m, err := NewMask(width, variable, constant)
	if err != nil {
		panic(err)
	}
	return m
}

// Match reports whether code is exactly one encoding matching the mask:
// (word | Variable) == (Constant | Variable).
func (m Mask) Match(code []byte) bool {
	if len(code) != m.Width {
		return false
	}
	var w uint32
	switch m.Width {
	case 2:
		w = uint32(binary.LittleEndian.Uint16(code))
	case 4:
		w = binary.LittleEndian.Uint32(code)
	default:
		return false
	}
	return w|m.Variable == m.Constant|m.Variable
}

// BytePattern matches a fixed opcode prefix followed by one selector byte
// in [Lo, Hi]. The instruction length must be len(Prefix)+1.
type BytePattern struct {
	Prefix []byte
	Lo, Hi byte
}

// Match reports whether code matches the pattern.
func (p BytePattern) Match(code []byte) bool {
	if len(code) != len(p.Prefix)+1 {
		return false
	}
	for i, b := range p.Prefix {
		if code[i] != b {
			return false
		}
	}
	sel := code[len(p.Prefix)]
	return sel >= p.Lo && sel <= p.Hi
}

// Pattern is the fast matcher for one architecture. Reject masks carve out
// encodings (returns, reserved forms) that an accept mask would cover.
type Pattern struct {
	Arch   arch.Arch
	Accept []Mask
	Reject []Mask
	Bytes  []BytePattern
}

// Classify implements Classifier.
func (p *Pattern) Classify(code []byte) bool {
	for _, m := range p.Reject {
		if m.Match(code) {
			return false
		}
	}
	for _, m := range p.Accept {
		if m.Match(code) {
			return true
		}
	}
	for _, bp := range p.Bytes {
		if bp.Match(code) {
			return true
		}
	}
	return false
}

// PatternFor returns the built-in pattern table for a.
func PatternFor(a arch.Arch) (*Pattern, error) {
	switch a {
	case arch.ARM:
		return armPattern(), nil
	case arch.X86_64:
		return x86Pattern(), nil
	case arch.AArch64:
		return arm64Pattern(), nil
	case arch.RISCV64:
		return riscvPattern(), nil
	}
	return nil, fmt.Errorf("%w: %v", ErrUnsupportedArch, a)
}

func armPattern() *Pattern {
	return &Pattern{
		Arch: arch.ARM,
		Accept: []Mask{
			// A32 blx rm: cond 0001 0010 1111 1111 1111 0011 rm
			mustMask(4, 0xf000000f, 0x012fff30),
			// A32 bx rm
			mustMask(4, 0xf000000f, 0x012fff10),
			// T16 blx rm: 0100 0111 1 rm 000
			mustMask(2, 0x0078, 0x4780),
			// T16 bx rm
			mustMask(2, 0x0078, 0x4700),
		},
		Reject: []Mask{
			// bx lr is a return.
			mustMask(4, 0xf0000000, 0x012fff1e),
			mustMask(2, 0, 0x4770),
		},
	}
}

func x86Pattern() *Pattern {
	return &Pattern{
		Arch: arch.X86_64,
		Bytes: []BytePattern{
			{Prefix: []byte{0xff}, Lo: 0xd0, Hi: 0xd6},       // call rax..rsi
			{Prefix: []byte{0x41, 0xff}, Lo: 0xd0, Hi: 0xd6}, // call r8..r14
			{Prefix: []byte{0xff}, Lo: 0xe0, Hi: 0xe6},       // jmp rax..rsi
			{Prefix: []byte{0x41, 0xff}, Lo: 0xe0, Hi: 0xe6}, // jmp r8..r14
		},
	}
}

func arm64Pattern() *Pattern {
	return &Pattern{
		Arch: arch.AArch64,
		Accept: []Mask{
			mustMask(4, 0x000003e0, 0xd63f0000), // blr xn
			mustMask(4, 0x000003e0, 0xd61f0000), // br xn
		},
	}
}

func riscvPattern() *Pattern {
	return &Pattern{
		Arch: arch.RISCV64,
		Accept: []Mask{
			// jalr rd, 0(rs1)
			mustMask(4, 0x000f8f80, 0x00000067),
			// c.jalr rs1 / c.jr rs1
			mustMask(2, 0x0f80, 0x9002),
			mustMask(2, 0x0f80, 0x8002),
		},
		Reject: []Mask{
			mustMask(4, 0, 0x00008067), // ret
			mustMask(2, 0, 0x8082),     // c.jr ra
			mustMask(2, 0, 0x9002),     // c.ebreak
			mustMask(2, 0, 0x8002),     // reserved
		},
	}
}
