package trace

import (
	"errors"
	"fmt"
)

// ExecFunc is an execution callback. It runs synchronously on the
// context that executed the instruction.
type ExecFunc func(ctx ContextID, h Handle)

// Registrar accepts execution callbacks for the block being translated.
// Several callbacks may be registered at the same address; they fire in
// registration order.
type Registrar interface {
	RegisterExec(addr uint64, fn ExecFunc, h Handle)
}

// ErrNotTranslated is returned when execution is reported for a block the
// table has never seen.
var ErrNotTranslated = errors.New("trace: block not translated")

type binding struct {
	fn ExecFunc
	h  Handle
}

type tableBlock struct {
	blk Block
	idx map[uint64]int
	cbs [][]binding
}

func (tb *tableBlock) RegisterExec(addr uint64, fn ExecFunc, h Handle) {
	i, ok := tb.idx[addr]
	if !ok {
		return
	}
	tb.cbs[i] = append(tb.cbs[i], binding{fn: fn, h: h})
}

// Table holds the callbacks registered for one execution context and fires
// them when the tracer reports execution. It plays the role of the
// tracer's per-block callback lists.
type Table struct {
	blocks map[uint64]*tableBlock
}

// NewTable returns an empty table.
func NewTable() *Table {
	return &Table{blocks: make(map[uint64]*tableBlock)}
}

// Begin starts a (re)translation of blk. Callbacks registered by a previous
// translation of the same block are dropped.
func (t *Table) Begin(blk Block) Registrar {
	tb := &tableBlock{
		blk: blk,
		idx: make(map[uint64]int, len(blk.Insns)),
		cbs: make([][]binding, len(blk.Insns)),
	}
	for i, in := range blk.Insns {
		tb.idx[in.Addr] = i
	}
	t.blocks[blk.Start] = tb
	return tb
}

// Lookup returns the translated block starting at start.
func (t *Table) Lookup(start uint64) (Block, bool) {
	tb, ok := t.blocks[start]
	if !ok {
		return Block{}, false
	}
	return tb.blk, true
}

// Len returns the number of translated blocks.
func (t *Table) Len() int { return len(t.blocks) }

// ExecBlock reports that the first n instructions of the block at start
// executed (all of them when n <= 0).
func (t *Table) ExecBlock(ctx ContextID, start uint64, n int) error {
	tb, ok := t.blocks[start]
	if !ok {
		return fmt.Errorf("%w: 0x%x", ErrNotTranslated, start)
	}
	if n <= 0 || n > len(tb.cbs) {
		n = len(tb.cbs)
	}
	for i := 0; i < n; i++ {
		fire(ctx, tb.cbs[i])
	}
	return nil
}

// ExecInsn reports that the instruction at addr executed as part of the
// block at start.
func (t *Table) ExecInsn(ctx ContextID, start, addr uint64) error {
	tb, ok := t.blocks[start]
	if !ok {
		return fmt.Errorf("%w: 0x%x", ErrNotTranslated, start)
	}
	i, ok := tb.idx[addr]
	if !ok {
		return fmt.Errorf("trace: 0x%x is not an instruction of block 0x%x", addr, start)
	}
	fire(ctx, tb.cbs[i])
	return nil
}

func fire(ctx ContextID, bs []binding) {
	for _, b := range bs {
		b.fn(ctx, b.h)
	}
}
