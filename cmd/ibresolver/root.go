package main

import (
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"ibresolver/internal/config"
	"ibresolver/internal/logging"
)

// extraCmds holds commands that exist only in some builds.
var extraCmds []func() *cobra.Command

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "ibresolver",
		Short: "Resolve indirect branch destinations from execution traces",
		Long: `ibresolver follows a program's execution at basic-block granularity,
pairs every executed indirect call or jump with the block that runs next,
and writes one CSV row per observed transfer. With attribution enabled each
address is reported as an offset into the image that contains it.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().String("config", "", "YAML configuration file")
	root.PersistentFlags().String("log-level", "", "log level (debug, info, warn, error)")
	root.PersistentFlags().Bool("pretty", true, "human-readable log output")

	root.AddCommand(
		newReplayCmd(),
		newClassifyCmd(),
		newMapsCmd(),
		newVersionCmd(),
	)
	for _, fn := range extraCmds {
		root.AddCommand(fn())
	}
	return root
}

// addSessionFlags registers the flags that override configuration keys.
func addSessionFlags(fs *pflag.FlagSet) {
	fs.String("arch", "", "guest architecture (arm, x86_64, aarch64, riscv64)")
	fs.String("backend", "", "classifier backend (pattern, decoder, both)")
	fs.String("callsites", "", "file of known indirect callsites; bypasses the classifier")
	fs.StringP("output", "o", "", "CSV output path")
	fs.String("graph", "", "DOT call graph output path")
	fs.String("attribution", "", "segment map source (none, maps, syscalls, both)")
	fs.String("maps", "", "maps listing for static attribution")
	fs.Uint64("guest-base", 0, "host address of guest address 0 in the maps listing")
	fs.String("primary-image", "", "absolute path of the traced executable")
	fs.Uint64("primary-base", 0, "load address of the primary image")
	fs.Uint64("interp-base", 0, "load address of the program interpreter")
}

// loadConfig reads --config and applies every flag the user set.
func loadConfig(cmd *cobra.Command) (config.Config, error) {
	cfg := config.Default()
	if path, _ := cmd.Flags().GetString("config"); path != "" {
		var err error
		if cfg, err = config.Load(path); err != nil {
			return cfg, err
		}
	}

	fs := cmd.Flags()
	str := func(name string, dst *string) {
		if fs.Changed(name) {
			*dst, _ = fs.GetString(name)
		}
	}
	u64 := func(name string, dst *uint64) {
		if fs.Changed(name) {
			*dst, _ = fs.GetUint64(name)
		}
	}
	str("arch", &cfg.Arch)
	str("backend", &cfg.Backend)
	str("callsites", &cfg.Callsites)
	str("output", &cfg.Output)
	str("graph", &cfg.Graph)
	str("maps", &cfg.Maps)
	str("primary-image", &cfg.PrimaryImage)
	str("log-level", &cfg.Log.Level)
	if fs.Changed("attribution") {
		v, _ := fs.GetString("attribution")
		cfg.Attribution = config.Attribution(v)
	}
	u64("guest-base", &cfg.GuestBase)
	u64("primary-base", &cfg.PrimaryBase)
	u64("interp-base", &cfg.InterpBase)
	if fs.Changed("pretty") {
		cfg.Log.Pretty, _ = fs.GetBool("pretty")
	}
	return cfg, nil
}

func newLogger(cmd *cobra.Command, cfg config.Config) zerolog.Logger {
	return logging.New(logging.Config{
		Level:  cfg.Log.Level,
		Pretty: cfg.Log.Pretty,
		Output: cmd.ErrOrStderr(),
	})
}
