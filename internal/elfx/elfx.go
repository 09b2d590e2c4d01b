// Package elfx inspects the primary guest image: its architecture, its
// link-time base and the interpreter it requests.
package elfx

import (
	"debug/elf"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"ibresolver/internal/arch"
)

var (
	ErrNotELF        = errors.New("elfx: not an ELF file")
	ErrUnsupported   = errors.New("elfx: unsupported machine")
	ErrNotExecutable = errors.New("elfx: not an executable or shared object")
	ErrNoSegment     = errors.New("elfx: no PT_LOAD segment covers address")
)

// File wraps a debug/elf.File.
type File struct {
	ELF  *elf.File
	raw  io.ReaderAt
	arch arch.Arch
}

// Open opens an ELF executable or shared object for one of the supported
// guest architectures.
func Open(path string) (*File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("elfx: open: %w", err)
	}

	ef, err := elf.NewFile(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("%w: %v", ErrNotELF, err)
	}

	a, err := machineArch(ef)
	if err != nil {
		ef.Close()
		f.Close()
		return nil, err
	}
	if ef.Type != elf.ET_EXEC && ef.Type != elf.ET_DYN {
		ef.Close()
		f.Close()
		return nil, fmt.Errorf("%w: %v", ErrNotExecutable, ef.Type)
	}

	return &File{ELF: ef, raw: f, arch: a}, nil
}

func machineArch(ef *elf.File) (arch.Arch, error) {
	switch {
	case ef.Machine == elf.EM_X86_64 && ef.Class == elf.ELFCLASS64:
		return arch.X86_64, nil
	case ef.Machine == elf.EM_AARCH64 && ef.Class == elf.ELFCLASS64:
		return arch.AArch64, nil
	case ef.Machine == elf.EM_RISCV && ef.Class == elf.ELFCLASS64:
		return arch.RISCV64, nil
	case ef.Machine == elf.EM_ARM && ef.Class == elf.ELFCLASS32:
		return arch.ARM, nil
	}
	return arch.Unknown, fmt.Errorf("%w: %v %v", ErrUnsupported, ef.Machine, ef.Class)
}

// Close releases resources.
func (f *File) Close() error {
	err := f.ELF.Close()
	if c, ok := f.raw.(io.Closer); ok {
		if cerr := c.Close(); err == nil {
			err = cerr
		}
	}
	return err
}

// Arch returns the guest architecture the image targets.
func (f *File) Arch() arch.Arch { return f.arch }

// Entry returns the entry point.
func (f *File) Entry() uint64 { return f.ELF.Entry }

// Base returns the address at which the image's file offset 0 is mapped.
// Only fixed-address executables know it; position-independent images
// report false and need their load bias from configuration.
func (f *File) Base() (uint64, bool) {
	if f.ELF.Type != elf.ET_EXEC {
		return 0, false
	}
	var base uint64
	found := false
	for _, p := range f.ELF.Progs {
		if p.Type != elf.PT_LOAD || p.Vaddr < p.Off {
			continue
		}
		if b := p.Vaddr - p.Off; !found || b < base {
			base = b
			found = true
		}
	}
	return base, found
}

// Interp returns the PT_INTERP path, or "" for static images.
func (f *File) Interp() (string, error) {
	for _, p := range f.ELF.Progs {
		if p.Type != elf.PT_INTERP {
			continue
		}
		buf := make([]byte, p.Filesz)
		if _, err := p.ReadAt(buf, 0); err != nil && !errors.Is(err, io.EOF) {
			return "", fmt.Errorf("elfx: read interp: %w", err)
		}
		return strings.TrimRight(string(buf), "\x00"), nil
	}
	return "", nil
}

func (f *File) loadFor(va uint64) (*elf.Prog, error) {
	for _, p := range f.ELF.Progs {
		if p.Type != elf.PT_LOAD {
			continue
		}
		if va >= p.Vaddr && va < p.Vaddr+p.Filesz {
			return p, nil
		}
	}
	return nil, fmt.Errorf("%w: VA 0x%x", ErrNoSegment, va)
}

// VAToFileOffset converts a virtual address to a file offset using PT_LOAD segments.
func (f *File) VAToFileOffset(va uint64) (uint64, error) {
	p, err := f.loadFor(va)
	if err != nil {
		return 0, err
	}
	return va - p.Vaddr + p.Off, nil
}

// ReadVA reads up to n file-backed bytes starting at va. The read stops at
// the end of the segment containing va.
func (f *File) ReadVA(va uint64, n int) ([]byte, error) {
	p, err := f.loadFor(va)
	if err != nil {
		return nil, err
	}
	if avail := p.Vaddr + p.Filesz - va; uint64(n) > avail {
		n = int(avail)
	}
	buf := make([]byte, n)
	got, err := f.raw.ReadAt(buf, int64(va-p.Vaddr+p.Off))
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("elfx: read 0x%x: %w", va, err)
	}
	return buf[:got], nil
}

// SegmentInfo describes a PT_LOAD segment.
type SegmentInfo struct {
	Vaddr  uint64
	Memsz  uint64
	Filesz uint64
	Offset uint64
	Flags  elf.ProgFlag
}

// LoadSegments returns all PT_LOAD segments.
func (f *File) LoadSegments() []SegmentInfo {
	var segs []SegmentInfo
	for _, p := range f.ELF.Progs {
		if p.Type != elf.PT_LOAD {
			continue
		}
		segs = append(segs, SegmentInfo{
			Vaddr:  p.Vaddr,
			Memsz:  p.Memsz,
			Filesz: p.Filesz,
			Offset: p.Off,
			Flags:  p.Flags,
		})
	}
	return segs
}

// SegmentData reads the file-backed bytes of s.
func (f *File) SegmentData(s SegmentInfo) ([]byte, error) {
	buf := make([]byte, s.Filesz)
	if _, err := f.raw.ReadAt(buf, int64(s.Offset)); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("elfx: read segment at 0x%x: %w", s.Vaddr, err)
	}
	return buf, nil
}
