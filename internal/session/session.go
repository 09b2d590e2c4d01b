// Package session wires a classifier, per-context correlators, the segment
// map and the output sink into the set of operations a tracer drives.
//
// Calls for one context must be serialised by the tracer. Different
// contexts may be driven from different goroutines.
package session

import (
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"ibresolver/internal/arch"
	"ibresolver/internal/classify"
	"ibresolver/internal/config"
	"ibresolver/internal/correlate"
	"ibresolver/internal/diag"
	"ibresolver/internal/elfx"
	"ibresolver/internal/logging"
	"ibresolver/internal/segmap"
	"ibresolver/internal/sink"
	"ibresolver/internal/trace"
)

var (
	ErrArchMismatch = errors.New("session: primary image architecture does not match")
	ErrClosed       = errors.New("session: closed")
)

type execContext struct {
	mu  sync.Mutex
	c   *correlate.Correlator
	tab *trace.Table
}

// Session is one tracing run.
type Session struct {
	arch   arch.Arch
	tagger classify.Tagger
	log    zerolog.Logger
	diags  diag.Counts

	segs   *segmap.Map    // nil when attribution is off
	loader *segmap.Loader // nil unless loader syscalls are followed
	out    sink.Sink
	rows   atomic.Uint64

	mu       sync.Mutex
	contexts map[trace.ContextID]*execContext
	blocks   map[uint64]trace.Block
	order    []uint64 // block starts in first-translation order
	closed   bool
}

// New validates cfg and performs every startup step: classifier or
// callsite list, segment map population, primary image registration and
// output creation. Any failure is fatal and reported with its cause.
func New(cfg config.Config, log zerolog.Logger) (*Session, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	s := &Session{
		arch:     cfg.GuestArch(),
		log:      logging.Component(log, "session"),
		contexts: make(map[trace.ContextID]*execContext),
		blocks:   make(map[uint64]trace.Block),
	}

	if cfg.Callsites != "" {
		set, err := classify.LoadCallsites(cfg.Callsites)
		if err != nil {
			return nil, err
		}
		s.tagger = set
		s.log.Info().Int("callsites", set.Len()).Msg("classifier bypassed by callsite list")
	} else {
		c, err := classify.New(s.arch, cfg.BackendKind())
		if err != nil {
			return nil, err
		}
		s.tagger = classify.ByBytes(c)
	}

	if cfg.Attribution.Enabled() {
		s.segs = segmap.New(0)
		if cfg.Attribution.UsesMaps() {
			n, err := segmap.LoadMaps(s.segs, cfg.Maps, cfg.GuestBase)
			if err != nil {
				return nil, err
			}
			s.log.Debug().Int("segments", n).Str("maps", cfg.Maps).Msg("static maps loaded")
		}
		if cfg.Attribution.UsesSyscalls() {
			s.loader = segmap.NewLoader(s.segs, s.arch, logging.Component(log, "loader"), &s.diags)
		}
		if cfg.PrimaryImage != "" {
			if err := s.addPrimary(cfg); err != nil {
				return nil, err
			}
		}
	}

	csv, err := sink.Create(cfg.Output, s.segs != nil)
	if err != nil {
		return nil, err
	}
	s.out = csv
	if cfg.Graph != "" {
		s.out = sink.Multi{csv, sink.NewGraph(cfg.Graph, filepath.Base(cfg.Output))}
	}
	return s, nil
}

func (s *Session) addPrimary(cfg config.Config) error {
	ef, err := elfx.Open(cfg.PrimaryImage)
	if err != nil {
		return err
	}
	defer ef.Close()

	if ef.Arch() != s.arch {
		return fmt.Errorf("%w: %s is %v, tracing %v", ErrArchMismatch, cfg.PrimaryImage, ef.Arch(), s.arch)
	}
	base := cfg.PrimaryBase
	if base == 0 {
		b, ok := ef.Base()
		if !ok {
			s.log.Warn().Str("image", cfg.PrimaryImage).Msg("position-independent primary image and no primary_base; relying on maps or syscalls")
			return nil
		}
		base = b
	}
	if err := s.segs.AddFixed(cfg.PrimaryImage, base); err != nil {
		return err
	}

	interp, err := ef.Interp()
	if err != nil {
		return err
	}
	if interp != "" && cfg.InterpBase != 0 {
		if err := s.segs.AddFixed(interp, cfg.InterpBase); err != nil {
			return err
		}
	}
	return nil
}

// Arch returns the guest architecture.
func (s *Session) Arch() arch.Arch { return s.arch }

// Segments returns the segment map, or nil when attribution is off.
func (s *Session) Segments() *segmap.Map { return s.segs }

// context returns the state for ctx, creating it on first use. New
// contexts first see the latest version of every block translated so far.
// Callers hold s.mu.
func (s *Session) context(ctx trace.ContextID) *execContext {
	if ec, ok := s.contexts[ctx]; ok {
		return ec
	}
	ec := &execContext{
		c:   correlate.New(ctx, s.tagger, s.emit, logging.Component(s.log, "correlate"), nil),
		tab: trace.NewTable(),
	}
	for _, start := range s.order {
		blk := s.blocks[start]
		ec.c.Translate(ec.tab.Begin(blk), blk)
	}
	s.contexts[ctx] = ec
	return ec
}

// Translate reports a newly translated block. Translations are global:
// every context's correlator registers its own callbacks for blk.
func (s *Session) Translate(ctx trace.ContextID, blk trace.Block) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	_, known := s.contexts[ctx]

	if _, ok := s.blocks[blk.Start]; !ok {
		s.order = append(s.order, blk.Start)
	}
	s.blocks[blk.Start] = blk

	// A context created here already sees blk through the replayed log.
	fresh := s.context(ctx)
	for _, ec := range s.contexts {
		if !known && ec == fresh {
			continue
		}
		ec.mu.Lock()
		ec.c.Translate(ec.tab.Begin(blk), blk)
		ec.mu.Unlock()
	}
	return nil
}

func (s *Session) lookup(ctx trace.ContextID) (*execContext, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	return s.context(ctx), nil
}

// Exec reports that ctx executed the first n instructions of the block at
// start (the whole block when n <= 0).
func (s *Session) Exec(ctx trace.ContextID, start uint64, n int) error {
	ec, err := s.lookup(ctx)
	if err != nil {
		return err
	}
	ec.mu.Lock()
	err = ec.tab.ExecBlock(ctx, start, n)
	ec.mu.Unlock()
	return s.execErr(err)
}

// ExecInsn reports that ctx executed the instruction at addr inside the
// block at start.
func (s *Session) ExecInsn(ctx trace.ContextID, start, addr uint64) error {
	ec, err := s.lookup(ctx)
	if err != nil {
		return err
	}
	ec.mu.Lock()
	err = ec.tab.ExecInsn(ctx, start, addr)
	ec.mu.Unlock()
	return s.execErr(err)
}

func (s *Session) execErr(err error) error {
	if errors.Is(err, trace.ErrNotTranslated) {
		s.diags.Inc(diag.UnknownBlock)
	}
	return err
}

// SyscallEnter forwards a syscall entry to the loader tracker.
func (s *Session) SyscallEnter(ctx trace.ContextID, nr uint64, args [6]uint64, mem segmap.MemReader) {
	if s.loader != nil {
		s.loader.Enter(ctx, nr, args, mem)
	}
}

// SyscallExit forwards a syscall return to the loader tracker.
func (s *Session) SyscallExit(ctx trace.ContextID, nr uint64, ret int64) {
	if s.loader != nil {
		s.loader.Exit(ctx, nr, ret)
	}
}

// emit attributes a resolved edge and writes it. Unknown images are
// counted but the row is still written.
func (s *Session) emit(ctx trace.ContextID, e correlate.Edge) {
	row := sink.Row{
		Callsite: s.endpoint(e.Callsite),
		Dest:     s.endpoint(e.Dest),
	}
	if err := s.out.Write(row); err != nil {
		s.diags.Inc(diag.WriteFailed)
		s.log.Error().Err(err).Uint32("ctx", uint32(ctx)).Msg("edge not written")
		return
	}
	s.rows.Add(1)
}

func (s *Session) endpoint(addr uint64) sink.Endpoint {
	ep := sink.Endpoint{Addr: addr}
	if s.segs == nil {
		return ep
	}
	loc, ok := s.segs.Resolve(addr)
	if !ok {
		s.diags.Inc(diag.UnknownImage)
		s.log.Warn().Stringer("kind", diag.UnknownImage).Uint64("addr", addr).
			Msg("address outside every known segment")
		return ep
	}
	ep.Loc, ep.Known = loc, true
	return ep
}

// Close stops the session and closes the sink. Callbacks arriving later
// fail with ErrClosed.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()
	return s.out.Close()
}

// Pending returns the unresolved indirect branch of ctx, if any.
func (s *Session) Pending(ctx trace.ContextID) (uint64, bool) {
	s.mu.Lock()
	ec, ok := s.contexts[ctx]
	s.mu.Unlock()
	if !ok {
		return 0, false
	}
	ec.mu.Lock()
	defer ec.mu.Unlock()
	return ec.c.Pending()
}

// Contexts returns the ids of every context seen, sorted.
func (s *Session) Contexts() []trace.ContextID {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]trace.ContextID, 0, len(s.contexts))
	for id := range s.contexts {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
