package classify

import (
	"errors"
	"testing"

	"ibresolver/internal/arch"
)

func TestDecoderX86(t *testing.T) {
	d, err := NewDecoder(arch.X86_64)
	if err != nil {
		t.Fatal(err)
	}
	tests := []struct {
		name string
		code []byte
		want bool
	}{
		{"call rax", []byte{0xff, 0xd0}, true},
		{"call r15", []byte{0x41, 0xff, 0xd7}, true},
		{"call [rip+0x10]", []byte{0xff, 0x15, 0x10, 0x00, 0x00, 0x00}, true},
		{"jmp rax", []byte{0xff, 0xe0}, true},
		{"call rel32", []byte{0xe8, 0x00, 0x00, 0x00, 0x00}, false},
		{"ret", []byte{0xc3}, false},
		{"nop", []byte{0x90}, false},
		{"garbage", []byte{0x0f}, false},
	}
	for _, tc := range tests {
		if got := d.Classify(tc.code); got != tc.want {
			t.Errorf("%s: got %v want %v", tc.name, got, tc.want)
		}
	}
}

func TestDecoderARM(t *testing.T) {
	d, err := NewDecoder(arch.ARM)
	if err != nil {
		t.Fatal(err)
	}
	tests := []struct {
		name string
		code []byte
		want bool
	}{
		{"blx r3", word(4, 0xe12fff33), true},
		{"blxne r3", word(4, 0x112fff33), true},
		{"bx r12", word(4, 0xe12fff1c), true},
		{"bx lr", word(4, 0xe12fff1e), false},
		{"bl imm", word(4, 0xeb000010), false},
		{"ldr pc, [r0]", word(4, 0xe590f000), true},
		{"ldr pc, [r3, #8]", word(4, 0xe593f008), true},
		{"pop {pc}", word(4, 0xe49df004), false},
		// armasm has no Thumb decoder.
		{"thumb blx r3", word(2, 0x4798), false},
	}
	for _, tc := range tests {
		if got := d.Classify(tc.code); got != tc.want {
			t.Errorf("%s: got %v want %v", tc.name, got, tc.want)
		}
	}
}

func TestDecoderARM64(t *testing.T) {
	d, err := NewDecoder(arch.AArch64)
	if err != nil {
		t.Fatal(err)
	}
	if !d.Classify(word(4, 0xd63f0200)) {
		t.Error("blr x16 not indirect")
	}
	if !d.Classify(word(4, 0xd61f0220)) {
		t.Error("br x17 not indirect")
	}
	if d.Classify(word(4, 0xd65f03c0)) {
		t.Error("ret reported indirect")
	}
	if d.Classify(word(4, 0x94000010)) {
		t.Error("bl reported indirect")
	}
}

func TestDecoderUnavailable(t *testing.T) {
	if _, err := NewDecoder(arch.RISCV64); !errors.Is(err, ErrNoDecoder) {
		t.Errorf("riscv64: err = %v, want ErrNoDecoder", err)
	}
	if _, err := New(arch.RISCV64, BackendBoth); !errors.Is(err, ErrNoDecoder) {
		t.Errorf("riscv64 both: err = %v, want ErrNoDecoder", err)
	}
	// Pattern-only stays available.
	if _, err := New(arch.RISCV64, BackendPattern); err != nil {
		t.Errorf("riscv64 pattern: %v", err)
	}
	if _, err := NewDecoder(arch.Unknown); !errors.Is(err, ErrUnsupportedArch) {
		t.Errorf("unknown: err = %v", err)
	}
}

func TestBothCoversDecoderGaps(t *testing.T) {
	c, err := New(arch.ARM, BackendBoth)
	if err != nil {
		t.Fatal(err)
	}
	if !c.Classify(word(2, 0x4798)) {
		t.Error("thumb blx missed by combined classifier")
	}
	if !c.Classify(word(4, 0xe12fff33)) {
		t.Error("blx r3 missed by combined classifier")
	}

	x, err := New(arch.X86_64, BackendBoth)
	if err != nil {
		t.Fatal(err)
	}
	// Only the decoder knows call r15.
	if !x.Classify([]byte{0x41, 0xff, 0xd7}) {
		t.Error("call r15 missed by combined classifier")
	}
}

func TestParseBackend(t *testing.T) {
	for name, want := range map[string]Backend{
		"":        BackendPattern,
		"pattern": BackendPattern,
		"decoder": BackendDecoder,
		"BOTH":    BackendBoth,
	} {
		got, err := ParseBackend(name)
		if err != nil || got != want {
			t.Errorf("ParseBackend(%q) = %v, %v", name, got, err)
		}
	}
	if _, err := ParseBackend("binja"); !errors.Is(err, ErrBadBackend) {
		t.Errorf("err = %v", err)
	}
}

func TestByBytes(t *testing.T) {
	p, err := PatternFor(arch.X86_64)
	if err != nil {
		t.Fatal(err)
	}
	tg := ByBytes(p)
	if tg.Tag(0x400010, []byte{0xff, 0xd0}).String() != "indirect" {
		t.Error("ff d0 not tagged indirect")
	}
	if tg.Tag(0x400012, []byte{0x90}).String() != "direct" {
		t.Error("nop not tagged direct")
	}
}
