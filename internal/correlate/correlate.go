// Package correlate pairs executed indirect branches with the block that
// runs next.
//
// A Correlator belongs to exactly one execution context. It holds the
// pending-branch slot and the per-block classification cache for that
// context and must not be shared between contexts.
package correlate

import (
	"github.com/rs/zerolog"
	"github.com/zeebo/xxh3"

	"ibresolver/internal/classify"
	"ibresolver/internal/diag"
	"ibresolver/internal/trace"
)

// Edge is one resolved indirect transfer.
type Edge struct {
	Callsite uint64
	Dest     uint64
}

// EdgeFunc receives edges in resolution order.
type EdgeFunc func(ctx trace.ContextID, e Edge)

// Stats counts correlator activity.
type Stats struct {
	Blocks       int    // distinct blocks translated
	Translations uint64 // translate calls, including retranslations
	Indirect     uint64 // indirect instructions seen at translation
	Executions   uint64 // callbacks delivered
	Edges        uint64
}

type cached struct {
	hash    uint64
	tags    []trace.Tag
	handles []trace.Handle
}

// Correlator is the per-context state machine: Idle, or Pending(addr)
// after an indirect branch executed and before the next block entry.
type Correlator struct {
	ctx    trace.ContextID
	tagger classify.Tagger
	emit   EdgeFunc
	log    zerolog.Logger
	diags  *diag.Counts

	arena  trace.Arena
	blocks map[uint64]*cached

	pending    uint64
	hasPending bool

	stats Stats
}

// New returns an idle correlator for ctx. diags may be nil.
func New(ctx trace.ContextID, tagger classify.Tagger, emit EdgeFunc, log zerolog.Logger, diags *diag.Counts) *Correlator {
	if diags == nil {
		diags = &diag.Counts{}
	}
	return &Correlator{
		ctx:    ctx,
		tagger: tagger,
		emit:   emit,
		log:    log.With().Uint32("ctx", uint32(ctx)).Logger(),
		diags:  diags,
		blocks: make(map[uint64]*cached),
	}
}

// Context returns the execution context the correlator serves.
func (c *Correlator) Context() trace.ContextID { return c.ctx }

// Pending returns the unresolved indirect branch, if any.
func (c *Correlator) Pending() (uint64, bool) { return c.pending, c.hasPending }

// Stats returns a copy of the counters.
func (c *Correlator) Stats() Stats { return c.stats }

// Diags returns the diagnostic counters.
func (c *Correlator) Diags() *diag.Counts { return c.diags }

// Tags returns the cached classification of the block at start.
func (c *Correlator) Tags(start uint64) ([]trace.Tag, bool) {
	cb, ok := c.blocks[start]
	if !ok {
		return nil, false
	}
	return cb.tags, true
}

// Translate classifies every instruction of blk and registers execution
// callbacks with reg. Retranslating a block starts from scratch: the
// previous origins are released and the registrar is expected to drop the
// old callbacks.
func (c *Correlator) Translate(reg trace.Registrar, blk trace.Block) {
	c.stats.Translations++
	hash := xxh3.Hash(blk.Bytes())

	old, retranslated := c.blocks[blk.Start]
	if retranslated {
		c.diags.Inc(diag.Retranslated)
		if old.hash != hash {
			c.diags.Inc(diag.Modified)
			c.log.Debug().Uint64("block", blk.Start).Msg("block bytes changed on retranslation")
		}
	} else {
		c.stats.Blocks++
	}

	cb := &cached{hash: hash, tags: make([]trace.Tag, len(blk.Insns))}
	for i, in := range blk.Insns {
		cb.tags[i] = c.tagger.Tag(in.Addr, in.Code)
	}

	bind := func(addr uint64, o trace.Origin) {
		h := c.arena.Put(o)
		cb.handles = append(cb.handles, h)
		reg.RegisterExec(addr, c.Execute, h)
	}

	for i, in := range blk.Insns {
		indirect := cb.tags[i] == trace.TagIndirect
		if indirect {
			c.stats.Indirect++
		}
		switch {
		case i == 0 && indirect:
			bind(in.Addr, trace.Origin{Kind: trace.KindBlockIndirect, Addr: in.Addr, Start: blk.Start, End: blk.End})
		case i == 0:
			bind(in.Addr, trace.Origin{Kind: trace.KindBlock, Addr: in.Addr, Start: blk.Start, End: blk.End})
		case indirect:
			bind(in.Addr, trace.Origin{Kind: trace.KindIndirect, Addr: in.Addr, Start: blk.Start, End: blk.End})
		}
		if indirect && i+1 < len(blk.Insns) {
			next := blk.Insns[i+1]
			// A following indirect instruction replaces the pending branch
			// itself; no separate fallthrough callback is needed.
			if cb.tags[i+1] != trace.TagIndirect {
				bind(next.Addr, trace.Origin{Kind: trace.KindFallthrough, Addr: next.Addr, Branch: in.Addr, Start: blk.Start, End: blk.End})
			}
		}
	}

	c.blocks[blk.Start] = cb
	// Released after the new origins are bound so a late callback from
	// the old translation cannot land on a recycled slot.
	if retranslated {
		for _, h := range old.handles {
			c.arena.Release(h)
		}
	}
}

// Execute is the callback bound to every registered origin.
func (c *Correlator) Execute(ctx trace.ContextID, h trace.Handle) {
	o, ok := c.arena.Get(h)
	if !ok {
		// Callback from a translation that has since been replaced.
		return
	}
	c.stats.Executions++

	switch o.Kind {
	case trace.KindBlock:
		c.enter(ctx, o.Addr)
	case trace.KindBlockIndirect:
		c.enter(ctx, o.Addr)
		c.branch(o.Addr)
	case trace.KindIndirect:
		c.branch(o.Addr)
	case trace.KindFallthrough:
		if c.hasPending {
			c.diags.Inc(diag.BranchSkipped)
			c.log.Debug().Uint64("branch", c.pending).Uint64("next", o.Addr).Msg("indirect branch not taken")
			c.hasPending = false
		}
	}
}

func (c *Correlator) enter(ctx trace.ContextID, addr uint64) {
	if !c.hasPending {
		return
	}
	e := Edge{Callsite: c.pending, Dest: addr}
	c.hasPending = false
	c.stats.Edges++
	if c.emit != nil {
		c.emit(ctx, e)
	}
}

func (c *Correlator) branch(addr uint64) {
	if c.hasPending {
		c.diags.Inc(diag.DroppedPending)
		c.log.Warn().Stringer("kind", diag.DroppedPending).
			Uint64("addr", c.pending).Uint64("branch", addr).
			Msg("indirect branch replaced before resolving")
	}
	c.pending = addr
	c.hasPending = true
}
