//go:build unicorn

package main

import (
	"debug/elf"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"ibresolver/internal/elfx"
	"ibresolver/internal/emu"
	"ibresolver/internal/session"
)

func init() {
	extraCmds = append(extraCmds, newEmulateCmd)
}

func newEmulateCmd() *cobra.Command {
	var (
		raw      bool
		base     uint64
		bias     uint64
		entry    uint64
		maxInsns uint64
	)
	cmd := &cobra.Command{
		Use:   "emulate [flags] IMAGE",
		Short: "Trace an image under the emulator",
		Long: `Run an ELF executable (or, with --raw, a flat code blob) under unicorn
and resolve its indirect branches. Guest syscalls return ENOSYS except
exit, which ends the run.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			path, err := filepath.Abs(args[0])
			if err != nil {
				return err
			}

			var ef *elfx.File
			if !raw {
				if ef, err = elfx.Open(path); err != nil {
					return err
				}
				defer ef.Close()
				if cfg.Arch == "" {
					cfg.Arch = ef.Arch().String()
				}
				if cfg.PrimaryImage == "" && cfg.Attribution.Enabled() {
					cfg.PrimaryImage = path
					if ef.ELF.Type == elf.ET_DYN && !cmd.Flags().Changed("primary-base") {
						cfg.PrimaryBase = bias
					}
				}
			}

			log := newLogger(cmd, cfg)
			s, err := session.New(cfg, log)
			if err != nil {
				return err
			}
			defer s.Close()

			opts := emu.DefaultOptions()
			opts.MaxInsns = maxInsns
			t, err := emu.New(s, log, opts)
			if err != nil {
				return err
			}
			defer t.Close()

			start := entry
			if raw {
				code, err := os.ReadFile(path)
				if err != nil {
					return err
				}
				if err := t.LoadRaw(base, code); err != nil {
					return err
				}
				if !cmd.Flags().Changed("entry") {
					start = base
				}
			} else {
				e, err := t.LoadELF(ef, bias)
				if err != nil {
					return err
				}
				if !cmd.Flags().Changed("entry") {
					start = e
				}
			}

			n, err := t.Run(start)
			log.Info().Uint64("insns", n).Msg("emulation finished")
			if err != nil {
				return fmt.Errorf("emulate %s: %w", args[0], err)
			}
			if err := s.Close(); err != nil {
				return err
			}
			s.Summary().Log(log)
			return nil
		},
	}
	addSessionFlags(cmd.Flags())
	cmd.Flags().BoolVar(&raw, "raw", false, "image is a flat code blob")
	cmd.Flags().Uint64Var(&base, "base", 0x10000, "load address of a raw image")
	cmd.Flags().Uint64Var(&bias, "bias", 0, "load bias for a position-independent ELF")
	cmd.Flags().Uint64Var(&entry, "entry", 0, "start address (default: ELF entry or raw base)")
	cmd.Flags().Uint64Var(&maxInsns, "max-insns", emu.DefaultOptions().MaxInsns, "stop after this many instructions (0: no limit)")
	return cmd
}
