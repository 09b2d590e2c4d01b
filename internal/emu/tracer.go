//go:build unicorn

package emu

import (
	"fmt"

	"github.com/rs/zerolog"
	uc "github.com/unicorn-engine/unicorn/bindings/go/unicorn"

	"ibresolver/internal/arch"
	"ibresolver/internal/classify"
	"ibresolver/internal/elfx"
	"ibresolver/internal/session"
	"ibresolver/internal/trace"
)

// syscallRegs names the registers of the guest syscall convention.
type syscallRegs struct {
	nr   int
	args [6]int
	ret  int
}

type machine struct {
	arch, mode int
	sp         int
	sys        syscallRegs
	// intno is the interrupt number unicorn raises for the syscall
	// instruction; x86_64 uses an instruction hook instead.
	intno uint32
}

var machines = map[arch.Arch]machine{
	arch.X86_64: {
		arch: uc.ARCH_X86, mode: uc.MODE_64, sp: uc.X86_REG_RSP,
		sys: syscallRegs{
			nr:   uc.X86_REG_RAX,
			args: [6]int{uc.X86_REG_RDI, uc.X86_REG_RSI, uc.X86_REG_RDX, uc.X86_REG_R10, uc.X86_REG_R8, uc.X86_REG_R9},
			ret:  uc.X86_REG_RAX,
		},
	},
	arch.AArch64: {
		arch: uc.ARCH_ARM64, mode: uc.MODE_ARM, sp: uc.ARM64_REG_SP, intno: 2,
		sys: syscallRegs{
			nr:   uc.ARM64_REG_X8,
			args: [6]int{uc.ARM64_REG_X0, uc.ARM64_REG_X1, uc.ARM64_REG_X2, uc.ARM64_REG_X3, uc.ARM64_REG_X4, uc.ARM64_REG_X5},
			ret:  uc.ARM64_REG_X0,
		},
	},
	arch.ARM: {
		arch: uc.ARCH_ARM, mode: uc.MODE_ARM, sp: uc.ARM_REG_SP, intno: 2,
		sys: syscallRegs{
			nr:   uc.ARM_REG_R7,
			args: [6]int{uc.ARM_REG_R0, uc.ARM_REG_R1, uc.ARM_REG_R2, uc.ARM_REG_R3, uc.ARM_REG_R4, uc.ARM_REG_R5},
			ret:  uc.ARM_REG_R0,
		},
	},
}

// enosys is returned to the guest for every syscall; the emulator has no
// kernel behind it.
const enosys = -38

// Tracer runs one guest image.
type Tracer struct {
	s      *session.Session
	log    zerolog.Logger
	opts   Options
	m      machine
	abi    arch.SyscallABI
	mu     uc.Unicorn
	blocks *blockTracker
	ctx    trace.ContextID

	cur    uint64 // start of the block being executed
	loaded bool
	insns  uint64
	err    error
}

// New creates an emulator for the session's architecture.
func New(s *session.Session, log zerolog.Logger, opts Options) (*Tracer, error) {
	m, ok := machines[s.Arch()]
	if !ok {
		return nil, fmt.Errorf("%w: %v", ErrUnsupported, s.Arch())
	}
	mu, err := uc.NewUnicorn(m.arch, m.mode)
	if err != nil {
		return nil, fmt.Errorf("emu: create unicorn: %w", err)
	}
	t := &Tracer{
		s:      s,
		log:    log,
		opts:   opts,
		m:      m,
		abi:    s.Arch().Syscalls(),
		mu:     mu,
		blocks: newBlockTracker(),
		ctx:    trace.ContextID(opts.Context),
	}
	if err := t.setupStack(); err != nil {
		mu.Close()
		return nil, err
	}
	if err := t.hook(); err != nil {
		mu.Close()
		return nil, err
	}
	return t, nil
}

func (t *Tracer) setupStack() error {
	if t.opts.StackSize == 0 {
		return nil
	}
	if err := t.mu.MemMap(t.opts.StackBase, t.opts.StackSize); err != nil {
		return fmt.Errorf("emu: map stack: %w", err)
	}
	return t.mu.RegWrite(t.m.sp, t.opts.StackBase+t.opts.StackSize-0x100)
}

// LoadRaw maps code at base.
func (t *Tracer) LoadRaw(base uint64, code []byte) error {
	lo, hi := pageDown(base), pageUp(base+uint64(len(code)))
	if err := t.mu.MemMap(lo, hi-lo); err != nil {
		return fmt.Errorf("emu: map 0x%x: %w", lo, err)
	}
	if err := t.mu.MemWrite(base, code); err != nil {
		return fmt.Errorf("emu: write 0x%x: %w", base, err)
	}
	t.loaded = true
	return nil
}

// LoadELF maps every PT_LOAD segment of ef at bias and returns the biased
// entry point.
func (t *Tracer) LoadELF(ef *elfx.File, bias uint64) (uint64, error) {
	if ef.Arch() != t.s.Arch() {
		return 0, fmt.Errorf("emu: image is %v, session is %v", ef.Arch(), t.s.Arch())
	}
	for _, seg := range ef.LoadSegments() {
		lo, hi := pageDown(bias+seg.Vaddr), pageUp(bias+seg.Vaddr+seg.Memsz)
		if err := t.mu.MemMap(lo, hi-lo); err != nil {
			return 0, fmt.Errorf("emu: map segment 0x%x: %w", lo, err)
		}
		data, err := ef.SegmentData(seg)
		if err != nil {
			return 0, err
		}
		if err := t.mu.MemWrite(bias+seg.Vaddr, data); err != nil {
			return 0, fmt.Errorf("emu: write segment 0x%x: %w", bias+seg.Vaddr, err)
		}
	}
	t.loaded = true
	return bias + ef.Entry(), nil
}

func (t *Tracer) hook() error {
	if _, err := t.mu.HookAdd(uc.HOOK_BLOCK, func(mu uc.Unicorn, addr uint64, size uint32) {
		t.enterBlock(addr, size)
	}, 1, 0); err != nil {
		return fmt.Errorf("emu: block hook: %w", err)
	}
	if _, err := t.mu.HookAdd(uc.HOOK_CODE, func(mu uc.Unicorn, addr uint64, size uint32) {
		t.execInsn(addr)
	}, 1, 0); err != nil {
		return fmt.Errorf("emu: code hook: %w", err)
	}

	if t.m.arch == uc.ARCH_X86 {
		_, err := t.mu.HookAdd(uc.HOOK_INSN, func(mu uc.Unicorn) {
			t.syscall()
		}, 1, 0, uc.X86_INS_SYSCALL)
		if err != nil {
			return fmt.Errorf("emu: syscall hook: %w", err)
		}
		return nil
	}
	if _, err := t.mu.HookAdd(uc.HOOK_INTR, func(mu uc.Unicorn, intno uint32) {
		if intno == t.m.intno {
			t.syscall()
			return
		}
		t.fail(fmt.Errorf("emu: unhandled interrupt %d", intno))
	}, 1, 0); err != nil {
		return fmt.Errorf("emu: interrupt hook: %w", err)
	}
	return nil
}

func (t *Tracer) enterBlock(addr uint64, size uint32) {
	t.cur = addr
	code, err := t.mu.MemRead(addr, uint64(size))
	if err != nil {
		t.fail(fmt.Errorf("emu: read block 0x%x: %w", addr, err))
		return
	}
	if !t.blocks.needs(addr, code) {
		return
	}
	insns, err := classify.Split(t.s.Arch(), addr, code)
	if err != nil {
		t.fail(err)
		return
	}
	blk, err := trace.NewBlock(insns)
	if err != nil {
		t.fail(err)
		return
	}
	if err := t.s.Translate(t.ctx, blk); err != nil {
		t.fail(err)
	}
}

func (t *Tracer) execInsn(addr uint64) {
	t.insns++
	if err := t.s.ExecInsn(t.ctx, t.cur, addr); err != nil {
		t.fail(err)
		return
	}
	if t.opts.MaxInsns > 0 && t.insns >= t.opts.MaxInsns {
		t.log.Info().Uint64("insns", t.insns).Msg("instruction limit reached")
		t.mu.Stop()
	}
}

func (t *Tracer) syscall() {
	nr, err := t.mu.RegRead(t.m.sys.nr)
	if err != nil {
		t.fail(err)
		return
	}
	var args [6]uint64
	for i, r := range t.m.sys.args {
		if args[i], err = t.mu.RegRead(r); err != nil {
			t.fail(err)
			return
		}
	}
	t.s.SyscallEnter(t.ctx, nr, args, memString(t.mu.MemRead))
	if t.abi.IsExit(nr) {
		t.log.Debug().Uint64("status", args[0]).Msg("guest exited")
		t.mu.Stop()
		return
	}
	ret := int64(enosys)
	t.s.SyscallExit(t.ctx, nr, ret)
	if err := t.mu.RegWrite(t.m.sys.ret, uint64(ret)); err != nil {
		t.fail(err)
	}
}

func (t *Tracer) fail(err error) {
	if t.err == nil {
		t.err = err
	}
	t.mu.Stop()
}

// Run emulates from entry until the guest exits, the instruction limit is
// reached or a hook fails.
func (t *Tracer) Run(entry uint64) (uint64, error) {
	if !t.loaded {
		return 0, ErrNoImage
	}
	if err := t.mu.Start(entry, 0); err != nil && t.err == nil {
		return t.insns, fmt.Errorf("emu: run: %w", err)
	}
	return t.insns, t.err
}

// Close releases the emulator.
func (t *Tracer) Close() error {
	return t.mu.Close()
}
