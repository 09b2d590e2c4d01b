package replay

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"ibresolver/internal/classify"
	"ibresolver/internal/config"
	"ibresolver/internal/session"
	"ibresolver/internal/trace"
)

// ErrBadEvent is returned for a trace line that cannot be applied.
var ErrBadEvent = errors.New("replay: bad event")

// maxLine bounds a single trace line.
const maxLine = 16 * 1024 * 1024

// Stats counts replayed events.
type Stats struct {
	Events  int
	Skipped int // execs of blocks never translated
}

// Player applies events to a session.
type Player struct {
	s   *session.Session
	mem Memory
	log zerolog.Logger
}

// NewPlayer returns a player driving s.
func NewPlayer(s *session.Session, log zerolog.Logger) *Player {
	return &Player{s: s, log: log}
}

// Apply applies one event.
func (p *Player) Apply(ev *Event) error {
	switch ev.Ev {
	case EvTranslate:
		blk, err := p.block(ev)
		if err != nil {
			return err
		}
		return p.s.Translate(ev.Ctx, blk)
	case EvExec:
		if ev.Insn != nil {
			return p.s.ExecInsn(ev.Ctx, uint64(ev.PC), uint64(*ev.Insn))
		}
		return p.s.Exec(ev.Ctx, uint64(ev.PC), ev.N)
	case EvMem:
		p.mem.Write(uint64(ev.Addr), ev.Data)
		return nil
	case EvSyscallEnter:
		p.s.SyscallEnter(ev.Ctx, ev.Nr, ev.args6(), &p.mem)
		return nil
	case EvSyscallExit:
		p.s.SyscallExit(ev.Ctx, ev.Nr, ev.Ret)
		return nil
	}
	return fmt.Errorf("%w: unknown kind %q", ErrBadEvent, ev.Ev)
}

func (p *Player) block(ev *Event) (trace.Block, error) {
	var insns []trace.Insn
	switch {
	case len(ev.Insns) > 0:
		insns = make([]trace.Insn, len(ev.Insns))
		for i, in := range ev.Insns {
			insns[i] = trace.Insn{Addr: uint64(in.Addr), Code: in.Code}
		}
	case len(ev.Code) > 0:
		var err error
		insns, err = classify.Split(p.s.Arch(), uint64(ev.Start), ev.Code)
		if err != nil {
			return trace.Block{}, fmt.Errorf("%w: %v", ErrBadEvent, err)
		}
	default:
		return trace.Block{}, fmt.Errorf("%w: translate without code", ErrBadEvent)
	}
	blk, err := trace.NewBlock(insns)
	if err != nil {
		return trace.Block{}, fmt.Errorf("%w: %v", ErrBadEvent, err)
	}
	return blk, nil
}

// Run reads a trace from r and applies every event until EOF or ctx is
// cancelled. Execution of an untranslated block is counted and skipped;
// any other failure stops the replay.
func (p *Player) Run(ctx context.Context, r io.Reader) (Stats, error) {
	var st Stats
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxLine)
	line := 0
	for sc.Scan() {
		line++
		if err := ctx.Err(); err != nil {
			return st, err
		}
		b := sc.Bytes()
		if len(b) == 0 || b[0] == '#' {
			continue
		}
		var ev Event
		if err := json.Unmarshal(b, &ev); err != nil {
			return st, fmt.Errorf("%w: line %d: %v", ErrBadEvent, line, err)
		}
		st.Events++
		err := p.Apply(&ev)
		switch {
		case err == nil:
		case errors.Is(err, trace.ErrNotTranslated):
			st.Skipped++
			p.log.Warn().Int("line", line).Err(err).Msg("exec skipped")
		default:
			return st, fmt.Errorf("replay: line %d: %w", line, err)
		}
	}
	if err := sc.Err(); err != nil {
		return st, fmt.Errorf("replay: read: %w", err)
	}
	return st, nil
}

// Job is one trace to replay into its own session.
type Job struct {
	Trace  string
	Config config.Config
}

// Result is the outcome of one Job.
type Result struct {
	Job     Job
	Stats   Stats
	Summary session.Summary
}

// RunAll replays every job concurrently, each into its own session and
// output. The first failure cancels the remaining jobs.
func RunAll(ctx context.Context, jobs []Job, log zerolog.Logger) ([]Result, error) {
	results := make([]Result, len(jobs))
	g, ctx := errgroup.WithContext(ctx)
	for i, job := range jobs {
		g.Go(func() error {
			res, err := runJob(ctx, job, log.With().Str("trace", job.Trace).Logger())
			if err != nil {
				return fmt.Errorf("%s: %w", job.Trace, err)
			}
			results[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

func runJob(ctx context.Context, job Job, log zerolog.Logger) (Result, error) {
	f, err := os.Open(job.Trace)
	if err != nil {
		return Result{}, fmt.Errorf("replay: open trace: %w", err)
	}
	defer f.Close()

	s, err := session.New(job.Config, log)
	if err != nil {
		return Result{}, err
	}
	st, err := NewPlayer(s, log).Run(ctx, f)
	if cerr := s.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return Result{}, err
	}
	return Result{Job: job, Stats: st, Summary: s.Summary()}, nil
}
