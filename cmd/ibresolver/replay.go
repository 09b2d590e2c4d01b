package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"ibresolver/internal/config"
	"ibresolver/internal/replay"
)

func newReplayCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "replay [flags] TRACE...",
		Short: "Resolve indirect branches from recorded event traces",
		Long: `Replay one or more JSON Lines event traces. A single trace writes to
--output; several traces are replayed concurrently, each into its own
session, writing <trace>.csv under --out-dir.`,
		Args: cobra.MinimumNArgs(1),
		RunE: runReplay,
	}
	addSessionFlags(cmd.Flags())
	cmd.Flags().String("out-dir", "", "output directory when replaying several traces")
	return cmd
}

func runReplay(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	outDir, _ := cmd.Flags().GetString("out-dir")
	jobs, err := planJobs(cfg, args, outDir)
	if err != nil {
		return err
	}
	log := newLogger(cmd, cfg)

	results, err := replay.RunAll(context.Background(), jobs, log)
	if err != nil {
		return err
	}
	for _, r := range results {
		l := log.With().Str("trace", r.Job.Trace).Str("output", r.Job.Config.Output).Logger()
		if r.Stats.Skipped > 0 {
			l.Warn().Int("skipped", r.Stats.Skipped).Msg("executions of untranslated blocks")
		}
		r.Summary.Log(l)
	}
	return nil
}

// planJobs builds one job per trace. With several traces every job gets its
// own output files under outDir, named after the trace.
func planJobs(cfg config.Config, traces []string, outDir string) ([]replay.Job, error) {
	if len(traces) == 1 && outDir == "" {
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
		return []replay.Job{{Trace: traces[0], Config: cfg}}, nil
	}
	if outDir == "" {
		return nil, fmt.Errorf("%d traces need --out-dir", len(traces))
	}
	if err := os.MkdirAll(outDir, 0755); err != nil {
		return nil, err
	}

	jobs := make([]replay.Job, 0, len(traces))
	seen := make(map[string]string, len(traces))
	for _, tr := range traces {
		stem := strings.TrimSuffix(filepath.Base(tr), filepath.Ext(tr))
		if prev, ok := seen[stem]; ok {
			return nil, fmt.Errorf("traces %s and %s would share output %s.csv", prev, tr, stem)
		}
		seen[stem] = tr

		c := cfg
		c.Output = filepath.Join(outDir, stem+".csv")
		if cfg.Graph != "" {
			c.Graph = filepath.Join(outDir, stem+".dot")
		}
		if err := c.Validate(); err != nil {
			return nil, err
		}
		jobs = append(jobs, replay.Job{Trace: tr, Config: c})
	}
	return jobs, nil
}
