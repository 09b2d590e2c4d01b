package elfx

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"ibresolver/internal/arch"
)

type load struct {
	vaddr uint64
	data  []byte
}

// writeELF builds a minimal ELF64 image with one PT_LOAD per load and an
// optional PT_INTERP.
func writeELF(t *testing.T, machine elf.Machine, typ elf.Type, interp string, loads ...load) string {
	t.Helper()
	const ehsize, phsize = 64, 56
	nph := len(loads)
	if interp != "" {
		nph++
	}
	off := uint64(ehsize + phsize*nph)

	var progs []elf.Prog64
	var body bytes.Buffer
	if interp != "" {
		s := append([]byte(interp), 0)
		progs = append(progs, elf.Prog64{Type: uint32(elf.PT_INTERP), Flags: uint32(elf.PF_R), Off: off, Vaddr: 0, Filesz: uint64(len(s)), Memsz: uint64(len(s)), Align: 1})
		body.Write(s)
		off += uint64(len(s))
	}
	for _, l := range loads {
		progs = append(progs, elf.Prog64{Type: uint32(elf.PT_LOAD), Flags: uint32(elf.PF_R | elf.PF_X), Off: off, Vaddr: l.vaddr, Paddr: l.vaddr, Filesz: uint64(len(l.data)), Memsz: uint64(len(l.data)), Align: 1})
		body.Write(l.data)
		off += uint64(len(l.data))
	}

	hdr := elf.Header64{
		Type:      uint16(typ),
		Machine:   uint16(machine),
		Version:   uint32(elf.EV_CURRENT),
		Entry:     0x401000,
		Phoff:     ehsize,
		Ehsize:    ehsize,
		Phentsize: phsize,
		Phnum:     uint16(nph),
		Shentsize: 64,
	}
	copy(hdr.Ident[:], elf.ELFMAG)
	hdr.Ident[elf.EI_CLASS] = byte(elf.ELFCLASS64)
	hdr.Ident[elf.EI_DATA] = byte(elf.ELFDATA2LSB)
	hdr.Ident[elf.EI_VERSION] = byte(elf.EV_CURRENT)

	var out bytes.Buffer
	if err := binary.Write(&out, binary.LittleEndian, hdr); err != nil {
		t.Fatal(err)
	}
	for _, p := range progs {
		if err := binary.Write(&out, binary.LittleEndian, p); err != nil {
			t.Fatal(err)
		}
	}
	out.Write(body.Bytes())

	path := filepath.Join(t.TempDir(), "image")
	if err := os.WriteFile(path, out.Bytes(), 0755); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestOpenExecutable(t *testing.T) {
	code := []byte{0xff, 0xd0, 0xc3}
	path := writeELF(t, elf.EM_X86_64, elf.ET_EXEC, "/lib64/ld-linux-x86-64.so.2", load{vaddr: 0x401000, data: code})
	ef, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer ef.Close()

	if ef.Arch() != arch.X86_64 {
		t.Errorf("Arch() = %v", ef.Arch())
	}
	if ef.Entry() != 0x401000 {
		t.Errorf("Entry() = 0x%x", ef.Entry())
	}
	interp, err := ef.Interp()
	if err != nil {
		t.Fatal(err)
	}
	if interp != "/lib64/ld-linux-x86-64.so.2" {
		t.Errorf("Interp() = %q", interp)
	}

	segs := ef.LoadSegments()
	if len(segs) != 1 {
		t.Fatalf("got %d PT_LOAD segments", len(segs))
	}
	// Base maps file offset 0: vaddr minus the segment's offset.
	base, ok := ef.Base()
	if !ok {
		t.Fatal("Base() unknown for ET_EXEC")
	}
	if want := segs[0].Vaddr - segs[0].Offset; base != want {
		t.Errorf("Base() = 0x%x, want 0x%x", base, want)
	}

	data, err := ef.SegmentData(segs[0])
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(data, code) {
		t.Errorf("SegmentData = % x", data)
	}

	off, err := ef.VAToFileOffset(0x401001)
	if err != nil {
		t.Fatal(err)
	}
	if off != segs[0].Offset+1 {
		t.Errorf("VAToFileOffset = 0x%x", off)
	}

	// Reads are clamped to the segment.
	got, err := ef.ReadVA(0x401001, 16)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, code[1:]) {
		t.Errorf("ReadVA = % x, want % x", got, code[1:])
	}
	if _, err := ef.ReadVA(0x400000, 4); !errors.Is(err, ErrNoSegment) {
		t.Errorf("ReadVA outside segments: err = %v", err)
	}
}

func TestOpenSharedHasNoBase(t *testing.T) {
	path := writeELF(t, elf.EM_AARCH64, elf.ET_DYN, "", load{vaddr: 0, data: make([]byte, 8)})
	ef, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer ef.Close()

	if ef.Arch() != arch.AArch64 {
		t.Errorf("Arch() = %v", ef.Arch())
	}
	if _, ok := ef.Base(); ok {
		t.Error("position-independent image reported a fixed base")
	}
	interp, err := ef.Interp()
	if err != nil || interp != "" {
		t.Errorf("Interp() = %q, %v", interp, err)
	}
}

func TestOpenRejects(t *testing.T) {
	tmp := filepath.Join(t.TempDir(), "notelf")
	if err := os.WriteFile(tmp, []byte("not an ELF file at all"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := Open(tmp); !errors.Is(err, ErrNotELF) {
		t.Errorf("garbage: err = %v", err)
	}

	ppc := writeELF(t, elf.EM_PPC64, elf.ET_EXEC, "", load{vaddr: 0x10000, data: make([]byte, 4)})
	if _, err := Open(ppc); !errors.Is(err, ErrUnsupported) {
		t.Errorf("ppc64: err = %v", err)
	}

	rel := writeELF(t, elf.EM_X86_64, elf.ET_REL, "")
	if _, err := Open(rel); !errors.Is(err, ErrNotExecutable) {
		t.Errorf("ET_REL: err = %v", err)
	}

	if _, err := Open(filepath.Join(t.TempDir(), "missing")); err == nil {
		t.Error("missing file opened")
	}
}

func TestVAToFileOffsetInvalid(t *testing.T) {
	path := writeELF(t, elf.EM_X86_64, elf.ET_EXEC, "", load{vaddr: 0x400000, data: make([]byte, 16)})
	ef, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer ef.Close()

	if _, err := ef.VAToFileOffset(0xDEADBEEFDEADBEEF); !errors.Is(err, ErrNoSegment) {
		t.Fatalf("err = %v", err)
	}
}

func FuzzELFOpen(f *testing.F) {
	f.Add([]byte("\x7fELF\x02\x01\x01\x00\x00\x00\x00\x00\x00\x00\x00\x00"))
	f.Add([]byte("not an elf at all"))
	f.Add([]byte{})

	f.Fuzz(func(t *testing.T, data []byte) {
		tmp := filepath.Join(t.TempDir(), "fuzz")
		if err := os.WriteFile(tmp, data, 0644); err != nil {
			t.Fatal(err)
		}
		ef, err := Open(tmp)
		if err != nil {
			return
		}
		ef.Base()
		ef.Interp()
		ef.LoadSegments()
		ef.VAToFileOffset(0)
		ef.Close()
	})
}
