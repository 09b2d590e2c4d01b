// Package trace models what an execution tracer hands the resolver:
// translated blocks, execution callbacks and the context records bound to them.
package trace

import (
	"errors"
	"fmt"
)

// ContextID identifies an execution context (a vCPU or emulated thread).
type ContextID uint32

// Tag is the classification of one instruction.
type Tag uint8

const (
	TagUnclassified Tag = iota
	TagDirect           // not an indirect branch
	TagIndirect
)

func (t Tag) String() string {
	switch t {
	case TagDirect:
		return "direct"
	case TagIndirect:
		return "indirect"
	}
	return "unclassified"
}

// Insn is one guest instruction as seen at translation time.
type Insn struct {
	Addr uint64
	Code []byte
	Tag  Tag
}

// Len returns the encoded length in bytes.
func (i Insn) Len() int { return len(i.Code) }

// Next returns the address of the following instruction.
func (i Insn) Next() uint64 { return i.Addr + uint64(len(i.Code)) }

var (
	ErrEmptyBlock   = errors.New("trace: block has no instructions")
	ErrDiscontinued = errors.New("trace: block instructions are not contiguous")
)

// Block is a translated straight-line region. End is the address of the
// last byte (inclusive).
type Block struct {
	Start uint64
	End   uint64
	Insns []Insn
}

// NewBlock builds a Block from contiguous instructions.
func NewBlock(insns []Insn) (Block, error) {
	if len(insns) == 0 {
		return Block{}, ErrEmptyBlock
	}
	for i, in := range insns {
		if in.Len() == 0 {
			return Block{}, fmt.Errorf("trace: zero-length instruction at 0x%x", in.Addr)
		}
		if i > 0 && insns[i-1].Next() != in.Addr {
			return Block{}, fmt.Errorf("%w: 0x%x follows 0x%x", ErrDiscontinued, in.Addr, insns[i-1].Addr)
		}
	}
	last := insns[len(insns)-1]
	return Block{
		Start: insns[0].Addr,
		End:   last.Next() - 1,
		Insns: insns,
	}, nil
}

// Contains reports whether addr falls inside the block.
func (b Block) Contains(addr uint64) bool {
	return addr >= b.Start && addr <= b.End
}

// Bytes returns the concatenated instruction bytes.
func (b Block) Bytes() []byte {
	n := 0
	for _, in := range b.Insns {
		n += in.Len()
	}
	buf := make([]byte, 0, n)
	for _, in := range b.Insns {
		buf = append(buf, in.Code...)
	}
	return buf
}
