// Package emu traces a guest image under the unicorn engine and feeds the
// translated blocks, executed instructions and syscalls to a session.
//
// The emulator itself needs the unicorn build tag; the helpers here build
// without it.
package emu

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/zeebo/xxh3"
)

var (
	ErrNoImage     = errors.New("emu: no image loaded")
	ErrUnsupported = errors.New("emu: architecture not supported by the emulator")
)

// Options configures a run.
type Options struct {
	// MaxInsns stops the run after this many instructions (0: no limit).
	MaxInsns uint64
	// StackBase and StackSize place the guest stack.
	StackBase uint64
	StackSize uint64
	// Context is the id reported for the single emulated CPU.
	Context uint32
}

// DefaultOptions returns the options used by the CLI.
func DefaultOptions() Options {
	return Options{
		MaxInsns:  1_000_000,
		StackBase: 0x7ff000000000,
		StackSize: 0x100000,
	}
}

const pageSize = 0x1000

func pageDown(v uint64) uint64 { return v &^ (pageSize - 1) }
func pageUp(v uint64) uint64   { return (v + pageSize - 1) &^ (pageSize - 1) }

// blockTracker decides when a block reached by the emulator has to be
// (re)translated: on first sight, or when its bytes changed.
type blockTracker struct {
	seen map[uint64]uint64
}

func newBlockTracker() *blockTracker {
	return &blockTracker{seen: make(map[uint64]uint64)}
}

func (bt *blockTracker) needs(start uint64, code []byte) bool {
	h := xxh3.Hash(code)
	if old, ok := bt.seen[start]; ok && old == h {
		return false
	}
	bt.seen[start] = h
	return true
}

// maxString bounds guest string reads.
const maxString = 4096

// memString reads a NUL-terminated guest string through read, one chunk at
// a time so reads near the end of a mapping still succeed.
type memString func(addr, size uint64) ([]byte, error)

func (read memString) ReadString(addr uint64) (string, error) {
	var out []byte
	for len(out) < maxString {
		n := uint64(64 - addr%64)
		chunk, err := read(addr, n)
		if err != nil {
			return "", fmt.Errorf("emu: read string at 0x%x: %w", addr, err)
		}
		if i := bytes.IndexByte(chunk, 0); i >= 0 {
			return string(append(out, chunk[:i]...)), nil
		}
		out = append(out, chunk...)
		addr += n
	}
	return "", fmt.Errorf("emu: string at 0x%x longer than %d bytes", addr, maxString)
}
