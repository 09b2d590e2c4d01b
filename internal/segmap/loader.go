package segmap

import (
	"fmt"
	"sync"
	"syscall"

	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"

	"ibresolver/internal/arch"
	"ibresolver/internal/diag"
	"ibresolver/internal/trace"
)

// MemReader reads guest memory during a syscall.
type MemReader interface {
	ReadString(addr uint64) (string, error)
}

// maxErrno bounds the negative return values that encode an errno.
const maxErrno = 4095

// guestMapAnonymous is MAP_ANONYMOUS in the Linux guest ABI. Every
// supported guest shares the generic value.
const guestMapAnonymous = unix.MAP_ANONYMOUS

type openEntry struct {
	ctx   trace.ContextID
	name  string
	fd    int64
	bound bool
}

type mmapCall struct {
	addr   uint64
	fd     int64
	offset uint64
}

// Loader follows the guest loader's open and mmap syscalls and adds a
// segment to the map for every file-backed mapping.
//
// Opens are matched to their returns per context. Descriptors are bound
// most-recent-first, so a descriptor reused after close resolves to the
// newest file.
type Loader struct {
	m     *Map
	abi   arch.SyscallABI
	bits  int
	log   zerolog.Logger
	diags *diag.Counts

	mu    sync.Mutex
	opens []openEntry
	mmaps map[trace.ContextID]mmapCall
}

// NewLoader returns a loader adding segments to m. diags may be nil.
func NewLoader(m *Map, a arch.Arch, log zerolog.Logger, diags *diag.Counts) *Loader {
	if diags == nil {
		diags = &diag.Counts{}
	}
	bits := 64
	if a == arch.ARM {
		bits = 32
	}
	return &Loader{
		m:     m,
		abi:   a.Syscalls(),
		bits:  bits,
		log:   log,
		diags: diags,
		mmaps: make(map[trace.ContextID]mmapCall),
	}
}

// Enter handles a syscall entry. Syscalls other than open, openat and
// mmap are ignored.
func (l *Loader) Enter(ctx trace.ContextID, nr uint64, args [6]uint64, mem MemReader) {
	if pathArg, ok := l.abi.IsOpen(nr); ok {
		addr := args[pathArg]
		name, err := mem.ReadString(l.word(addr))
		if err != nil {
			l.log.Debug().Err(err).Uint64("path", addr).Msg("unreadable open path")
			name = fmt.Sprintf("<path 0x%x>", addr)
		}
		l.mu.Lock()
		l.opens = append(l.opens, openEntry{ctx: ctx, name: name, fd: -1})
		l.mu.Unlock()
		return
	}
	if !l.abi.IsMmap(nr) {
		return
	}
	if args[3]&guestMapAnonymous != 0 {
		return
	}
	call := mmapCall{
		addr:   l.word(args[0]),
		fd:     l.signed(args[4]),
		offset: l.word(args[5]) << l.abi.MmapOffsetShift,
	}
	if call.fd < 0 {
		return
	}
	l.mu.Lock()
	l.mmaps[ctx] = call
	l.mu.Unlock()
}

// Exit handles a syscall return.
func (l *Loader) Exit(ctx trace.ContextID, nr uint64, ret int64) {
	if _, ok := l.abi.IsOpen(nr); ok {
		l.exitOpen(ctx, ret)
		return
	}
	if l.abi.IsMmap(nr) {
		l.exitMmap(ctx, ret)
	}
}

func (l *Loader) exitOpen(ctx trace.ContextID, ret int64) {
	ret = l.signed(uint64(ret))

	l.mu.Lock()
	defer l.mu.Unlock()

	i := l.lastUnbound(ctx)
	if i < 0 {
		return
	}
	if ret < 0 {
		name := l.opens[i].name
		l.opens = append(l.opens[:i], l.opens[i+1:]...)
		l.diags.Inc(diag.OpenFailed)
		l.log.Debug().Str("file", name).Str("errno", errnoName(ret)).Msg("open failed")
		return
	}
	l.opens[i].fd = ret
	l.opens[i].bound = true
}

func (l *Loader) lastUnbound(ctx trace.ContextID) int {
	for i := len(l.opens) - 1; i >= 0; i-- {
		if l.opens[i].ctx == ctx && !l.opens[i].bound {
			return i
		}
	}
	return -1
}

func (l *Loader) exitMmap(ctx trace.ContextID, ret int64) {
	l.mu.Lock()
	call, ok := l.mmaps[ctx]
	delete(l.mmaps, ctx)
	name, found := l.fileFor(call.fd)
	l.mu.Unlock()
	if !ok {
		return
	}

	sret := l.signed(uint64(ret))
	if sret < 0 && sret >= -maxErrno {
		l.diags.Inc(diag.MmapFailed)
		l.log.Debug().Int64("fd", call.fd).Str("errno", errnoName(sret)).Msg("mmap failed")
		return
	}
	if !found {
		l.diags.Inc(diag.UnknownFD)
		l.log.Warn().Stringer("kind", diag.UnknownFD).
			Uint64("addr", l.word(uint64(ret))).Int64("fd", call.fd).
			Msg("mmap of a descriptor with no recorded open")
		return
	}

	base := l.word(uint64(ret))
	if base == 0 {
		base = call.addr
	}
	if err := l.m.Add(name, base, 0, call.offset); err != nil {
		l.log.Warn().Err(err).Msg("segment rejected")
		return
	}
	l.log.Debug().Str("image", name).Uint64("base", base).Uint64("offset", call.offset).Msg("segment mapped")
}

// fileFor returns the newest file bound to fd. Callers hold l.mu.
func (l *Loader) fileFor(fd int64) (string, bool) {
	for i := len(l.opens) - 1; i >= 0; i-- {
		if l.opens[i].bound && l.opens[i].fd == fd {
			return l.opens[i].name, true
		}
	}
	return "", false
}

// word truncates a register value to the guest word size.
func (l *Loader) word(v uint64) uint64 {
	if l.bits == 32 {
		return v & 0xffffffff
	}
	return v
}

// signed interprets a register value as a signed guest word.
func (l *Loader) signed(v uint64) int64 {
	if l.bits == 32 {
		return int64(int32(uint32(v)))
	}
	return int64(v)
}

func errnoName(ret int64) string {
	e := syscall.Errno(-ret)
	if name := unix.ErrnoName(e); name != "" {
		return name
	}
	return e.Error()
}
