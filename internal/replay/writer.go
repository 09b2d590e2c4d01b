package replay

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"ibresolver/internal/trace"
)

// Writer records events as a trace that Run can replay.
type Writer struct {
	mu  sync.Mutex
	enc *json.Encoder
}

// NewWriter returns a writer emitting one JSON line per event to w.
func NewWriter(w io.Writer) *Writer {
	return &Writer{enc: json.NewEncoder(w)}
}

// Write records ev.
func (w *Writer) Write(ev *Event) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.enc.Encode(ev); err != nil {
		return fmt.Errorf("replay: encode: %w", err)
	}
	return nil
}

// Translate records a translated block with explicit instructions.
func (w *Writer) Translate(ctx trace.ContextID, blk trace.Block) error {
	ev := &Event{Ev: EvTranslate, Ctx: ctx, Insns: make([]Insn, len(blk.Insns))}
	for i, in := range blk.Insns {
		ev.Insns[i] = Insn{Addr: Addr(in.Addr), Code: in.Code}
	}
	return w.Write(ev)
}

// Exec records execution of a whole block.
func (w *Writer) Exec(ctx trace.ContextID, start uint64) error {
	return w.Write(&Event{Ev: EvExec, Ctx: ctx, PC: Addr(start)})
}

// Mem records guest memory contents.
func (w *Writer) Mem(addr uint64, data []byte) error {
	return w.Write(&Event{Ev: EvMem, Addr: Addr(addr), Data: data})
}

// SyscallEnter records a syscall entry.
func (w *Writer) SyscallEnter(ctx trace.ContextID, nr uint64, args [6]uint64) error {
	ev := &Event{Ev: EvSyscallEnter, Ctx: ctx, Nr: nr, Args: make([]Addr, len(args))}
	for i, a := range args {
		ev.Args[i] = Addr(a)
	}
	return w.Write(ev)
}

// SyscallExit records a syscall return.
func (w *Writer) SyscallExit(ctx trace.ContextID, nr uint64, ret int64) error {
	return w.Write(&Event{Ev: EvSyscallExit, Ctx: ctx, Nr: nr, Ret: ret})
}
