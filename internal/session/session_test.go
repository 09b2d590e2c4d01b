package session

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ibresolver/internal/arch"
	"ibresolver/internal/classify"
	"ibresolver/internal/config"
	"ibresolver/internal/diag"
	"ibresolver/internal/trace"
)

var (
	nop     = []byte{0x90}
	callRax = []byte{0xff, 0xd0}
	ret     = []byte{0xc3}
)

func block(t *testing.T, start uint64, codes ...[]byte) trace.Block {
	t.Helper()
	var insns []trace.Insn
	addr := start
	for _, c := range codes {
		insns = append(insns, trace.Insn{Addr: addr, Code: c})
		addr += uint64(len(c))
	}
	blk, err := trace.NewBlock(insns)
	require.NoError(t, err)
	return blk
}

func testConfig(t *testing.T, attribution config.Attribution) config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Arch = "x86_64"
	cfg.Output = filepath.Join(t.TempDir(), "out.csv")
	cfg.Attribution = attribution
	return cfg
}

func readLines(t *testing.T, path string) []string {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	return strings.Split(strings.TrimSpace(string(data)), "\n")
}

// callerBlock is 16 nops followed by call rax at start+0x10.
func callerBlock(t *testing.T, start uint64) trace.Block {
	codes := make([][]byte, 0, 17)
	for i := 0; i < 16; i++ {
		codes = append(codes, nop)
	}
	return block(t, start, append(codes, callRax)...)
}

func TestAttributedRow(t *testing.T) {
	cfg := testConfig(t, config.AttributionSyscalls)
	s, err := New(cfg, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, s.Segments().AddFixed("bin", 0x400000))

	require.NoError(t, s.Translate(1, callerBlock(t, 0x400000)))
	require.NoError(t, s.Translate(1, block(t, 0x400100, nop, ret)))
	require.NoError(t, s.Exec(1, 0x400000, 0))
	require.NoError(t, s.Exec(1, 0x400100, 0))
	require.NoError(t, s.Close())

	assert.Equal(t, []string{
		"callsite offset,callsite image,destination offset,destination image",
		"0x10,bin,0x100,bin",
	}, readLines(t, cfg.Output))

	sum := s.Summary()
	assert.Equal(t, uint64(1), sum.Edges)
	assert.Equal(t, uint64(1), sum.Rows)
	assert.Equal(t, 2, sum.Blocks)
	assert.Contains(t, sum.String(), "1 edges from 2 blocks")
}

func TestRawRowsWithoutAttribution(t *testing.T) {
	cfg := testConfig(t, config.AttributionNone)
	s, err := New(cfg, zerolog.Nop())
	require.NoError(t, err)
	assert.Nil(t, s.Segments())

	require.NoError(t, s.Translate(0, block(t, 0x1000, nop, callRax)))
	require.NoError(t, s.Translate(0, block(t, 0x2000, ret)))
	require.NoError(t, s.Exec(0, 0x1000, 0))
	require.NoError(t, s.Exec(0, 0x2000, 0))
	require.NoError(t, s.Close())

	assert.Equal(t, []string{"callsite,destination", "0x1001,0x2000"}, readLines(t, cfg.Output))
}

func TestUnknownDestinationStillWritten(t *testing.T) {
	cfg := testConfig(t, config.AttributionSyscalls)
	s, err := New(cfg, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, s.Segments().Add("bin", 0x1000, 0x2000, 0))

	require.NoError(t, s.Translate(0, block(t, 0x1000, callRax)))
	require.NoError(t, s.Translate(0, block(t, 0x9000, ret)))
	require.NoError(t, s.Exec(0, 0x1000, 0))
	require.NoError(t, s.Exec(0, 0x9000, 0))
	require.NoError(t, s.Close())

	lines := readLines(t, cfg.Output)
	require.Len(t, lines, 2)
	assert.Equal(t, "0x0,bin,0x9000,<unknown>", lines[1])
	assert.Equal(t, uint64(1), s.Summary().Diags[diag.UnknownImage.String()])
}

func TestLoaderSyscallsAttribute(t *testing.T) {
	cfg := testConfig(t, config.AttributionSyscalls)
	s, err := New(cfg, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, s.Segments().AddFixed("bin", 0x400000))

	abi := arch.X86_64.Syscalls()
	mem := memStrings{0x7000: "/lib/libplugin.so"}
	s.SyscallEnter(1, abi.OpenAt, [6]uint64{0, 0x7000}, mem)
	s.SyscallExit(1, abi.OpenAt, 3)
	s.SyscallEnter(1, abi.Mmap, [6]uint64{0, 0x2000, 5, 0x02, 3, 0x1000}, mem)
	s.SyscallExit(1, abi.Mmap, 0x7f1200000000)

	require.NoError(t, s.Translate(1, callerBlock(t, 0x400000)))
	require.NoError(t, s.Translate(1, block(t, 0x7f1200000040, ret)))
	require.NoError(t, s.Exec(1, 0x400000, 0))
	require.NoError(t, s.Exec(1, 0x7f1200000040, 0))
	require.NoError(t, s.Close())

	lines := readLines(t, cfg.Output)
	require.Len(t, lines, 2)
	assert.Equal(t, "0x10,bin,0x1040,/lib/libplugin.so", lines[1])
}

type memStrings map[uint64]string

func (m memStrings) ReadString(addr uint64) (string, error) {
	if s, ok := m[addr]; ok {
		return s, nil
	}
	return "", fmt.Errorf("unmapped 0x%x", addr)
}

func TestContextsAreIndependent(t *testing.T) {
	cfg := testConfig(t, config.AttributionNone)
	s, err := New(cfg, zerolog.Nop())
	require.NoError(t, err)

	require.NoError(t, s.Translate(1, block(t, 0x1000, callRax)))
	require.NoError(t, s.Translate(1, block(t, 0x2000, ret)))

	// Context 2 appears after the translations and still sees them.
	require.NoError(t, s.Exec(1, 0x1000, 0))
	require.NoError(t, s.Exec(2, 0x2000, 0))
	_, pending := s.Pending(2)
	assert.False(t, pending)
	pc, pending := s.Pending(1)
	require.True(t, pending)
	assert.Equal(t, uint64(0x1000), pc)

	require.NoError(t, s.Exec(1, 0x2000, 0))
	require.NoError(t, s.Close())

	assert.Equal(t, []string{"callsite,destination", "0x1000,0x2000"}, readLines(t, cfg.Output))
	assert.Equal(t, []trace.ContextID{1, 2}, s.Contexts())
}

func TestRetranslationAcrossContexts(t *testing.T) {
	cfg := testConfig(t, config.AttributionNone)
	s, err := New(cfg, zerolog.Nop())
	require.NoError(t, err)

	require.NoError(t, s.Translate(1, block(t, 0x1000, callRax)))
	require.NoError(t, s.Translate(2, block(t, 0x2000, ret)))
	require.NoError(t, s.Translate(2, block(t, 0x1000, callRax)))

	for _, ctx := range []trace.ContextID{1, 2} {
		require.NoError(t, s.Exec(ctx, 0x1000, 0))
		require.NoError(t, s.Exec(ctx, 0x2000, 0))
	}
	require.NoError(t, s.Close())

	lines := readLines(t, cfg.Output)
	assert.Equal(t, []string{"callsite,destination", "0x1000,0x2000", "0x1000,0x2000"}, lines)
}

func TestNewContextSeesOnlyLatestVersion(t *testing.T) {
	s, err := New(testConfig(t, config.AttributionNone), zerolog.Nop())
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Translate(1, block(t, 0x1000, nop, callRax)))
	// Context 2 is first seen retranslating the block with new bytes.
	require.NoError(t, s.Translate(2, block(t, 0x1000, callRax, nop)))

	sum := s.Summary()
	assert.Equal(t, 2, sum.Contexts)
	assert.Equal(t, uint64(3), sum.Translations)
	assert.Equal(t, uint64(1), sum.Diags[diag.Retranslated.String()])
	assert.Equal(t, uint64(1), sum.Diags[diag.Modified.String()])
}

func TestExecUntranslated(t *testing.T) {
	s, err := New(testConfig(t, config.AttributionNone), zerolog.Nop())
	require.NoError(t, err)
	defer s.Close()

	err = s.Exec(0, 0xdead, 0)
	assert.ErrorIs(t, err, trace.ErrNotTranslated)
	assert.Equal(t, uint64(1), s.Summary().Diags[diag.UnknownBlock.String()])
}

func TestClosedSession(t *testing.T) {
	s, err := New(testConfig(t, config.AttributionNone), zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	assert.ErrorIs(t, s.Translate(0, block(t, 0x1000, ret)), ErrClosed)
	assert.ErrorIs(t, s.Exec(0, 0x1000, 0), ErrClosed)
}

func TestCallsiteListBypassesClassifier(t *testing.T) {
	cfg := testConfig(t, config.AttributionNone)
	cfg.Callsites = filepath.Join(t.TempDir(), "callsites.txt")
	require.NoError(t, os.WriteFile(cfg.Callsites, []byte("0x1001\n"), 0644))
	s, err := New(cfg, zerolog.Nop())
	require.NoError(t, err)

	// call rax at 0x1000 is not listed; the nop at 0x1001 is.
	require.NoError(t, s.Translate(0, block(t, 0x1000, callRax[:1], nop)))
	require.NoError(t, s.Translate(0, block(t, 0x3000, ret)))
	require.NoError(t, s.Exec(0, 0x1000, 0))
	require.NoError(t, s.Exec(0, 0x3000, 0))
	require.NoError(t, s.Close())

	assert.Equal(t, []string{"callsite,destination", "0x1001,0x3000"}, readLines(t, cfg.Output))
}

func TestGraphOutput(t *testing.T) {
	cfg := testConfig(t, config.AttributionNone)
	cfg.Graph = filepath.Join(t.TempDir(), "edges.dot")
	s, err := New(cfg, zerolog.Nop())
	require.NoError(t, err)

	require.NoError(t, s.Translate(0, block(t, 0x1000, callRax)))
	require.NoError(t, s.Translate(0, block(t, 0x2000, ret)))
	require.NoError(t, s.Exec(0, 0x1000, 0))
	require.NoError(t, s.Exec(0, 0x2000, 0))
	require.NoError(t, s.Close())

	data, err := os.ReadFile(cfg.Graph)
	require.NoError(t, err)
	assert.NotEmpty(t, data)
}

func TestStartupFailures(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*config.Config)
		want   error
	}{
		{"unsupported arch", func(c *config.Config) { c.Arch = "sparc" }, arch.ErrUnsupported},
		{"no output", func(c *config.Config) { c.Output = "" }, config.ErrNoOutput},
		{"missing callsites", func(c *config.Config) { c.Callsites = "/nonexistent/callsites" }, classify.ErrBadCallsites},
		{"no riscv decoder", func(c *config.Config) { c.Arch = "riscv64"; c.Backend = "decoder" }, classify.ErrNoDecoder},
		{"unwritable output", func(c *config.Config) { c.Output = "/nonexistent/dir/out.csv" }, os.ErrNotExist},
		{"missing maps", func(c *config.Config) {
			c.Attribution = config.AttributionMaps
			c.Maps = "/nonexistent/maps"
		}, os.ErrNotExist},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := testConfig(t, config.AttributionSyscalls)
			tc.mutate(&cfg)
			_, err := New(cfg, zerolog.Nop())
			assert.ErrorIs(t, err, tc.want)
		})
	}
}

func TestConcurrentContexts(t *testing.T) {
	cfg := testConfig(t, config.AttributionSyscalls)
	s, err := New(cfg, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, s.Segments().AddFixed("bin", 0x10000))

	const workers, rounds = 4, 100
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(ctx trace.ContextID) {
			defer wg.Done()
			caller := uint64(0x10000 + uint64(ctx)*0x1000)
			callee := caller + 0x800
			if err := s.Translate(ctx, block(t, caller, nop, callRax)); err != nil {
				t.Error(err)
				return
			}
			if err := s.Translate(ctx, block(t, callee, ret)); err != nil {
				t.Error(err)
				return
			}
			for i := 0; i < rounds; i++ {
				if err := s.Exec(ctx, caller, 0); err != nil {
					t.Error(err)
					return
				}
				if err := s.Exec(ctx, callee, 0); err != nil {
					t.Error(err)
					return
				}
			}
		}(trace.ContextID(w))
	}
	wg.Wait()
	require.NoError(t, s.Close())

	lines := readLines(t, cfg.Output)
	assert.Len(t, lines, 1+workers*rounds)
	assert.Equal(t, uint64(workers*rounds), s.Summary().Rows)
}
