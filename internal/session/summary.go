package session

import (
	"fmt"
	"sort"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog"

	"ibresolver/internal/diag"
)

// Summary aggregates the counters of every context. Translation-time
// diagnostics (retranslated, modified) are counted once per context.
type Summary struct {
	Contexts     int
	Blocks       int
	Translations uint64
	Indirect     uint64
	Executions   uint64
	Edges        uint64
	Rows         uint64
	Segments     int
	Diags        map[string]uint64
}

// Summary collects the current counters.
func (s *Session) Summary() Summary {
	s.mu.Lock()
	sum := Summary{Contexts: len(s.contexts), Blocks: len(s.blocks)}
	ecs := make([]*execContext, 0, len(s.contexts))
	for _, ec := range s.contexts {
		ecs = append(ecs, ec)
	}
	s.mu.Unlock()

	var all diag.Counts
	all.Add(&s.diags)
	for _, ec := range ecs {
		ec.mu.Lock()
		st := ec.c.Stats()
		all.Add(ec.c.Diags())
		ec.mu.Unlock()

		sum.Translations += st.Translations
		sum.Indirect += st.Indirect
		sum.Executions += st.Executions
		sum.Edges += st.Edges
	}
	sum.Rows = s.rows.Load()
	if s.segs != nil {
		sum.Segments = s.segs.Len()
	}
	sum.Diags = all.Map()
	return sum
}

func (sum Summary) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s edges from %s blocks (%s executions, %s contexts)",
		humanize.Comma(int64(sum.Edges)),
		humanize.Comma(int64(sum.Blocks)),
		humanize.Comma(int64(sum.Executions)),
		humanize.Comma(int64(sum.Contexts)))
	if len(sum.Diags) > 0 {
		keys := make([]string, 0, len(sum.Diags))
		for k := range sum.Diags {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(&b, ", %s %s", humanize.Comma(int64(sum.Diags[k])), k)
		}
	}
	return b.String()
}

// Log writes the summary as one structured line.
func (sum Summary) Log(log zerolog.Logger) {
	ev := log.Info().
		Int("contexts", sum.Contexts).
		Int("blocks", sum.Blocks).
		Uint64("translations", sum.Translations).
		Uint64("indirect", sum.Indirect).
		Uint64("executions", sum.Executions).
		Uint64("edges", sum.Edges).
		Uint64("rows", sum.Rows).
		Int("segments", sum.Segments)
	d := zerolog.Dict()
	for k, v := range sum.Diags {
		d = d.Uint64(k, v)
	}
	ev.Dict("diags", d).Msg(sum.String())
}
