package main

import (
	"fmt"
	"os"
	"strconv"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"ibresolver/internal/config"
	"ibresolver/internal/segmap"
)

func newMapsCmd() *cobra.Command {
	var (
		guestBase uint64
		resolve   []string
	)
	cmd := &cobra.Command{
		Use:   "maps [flags] [PATH]",
		Short: "Show the segments a maps listing contributes",
		Long: `Parse a /proc/<pid>/maps listing the way the maps attribution source
does and print the guest segments it yields. --resolve attributes
addresses against those segments.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.DefaultMaps
			if len(args) == 1 {
				path = args[0]
			}
			f, err := os.Open(path)
			if err != nil {
				return err
			}
			defer f.Close()
			entries, err := segmap.ParseMaps(f, guestBase)
			if err != nil {
				return fmt.Errorf("%s: %w", path, err)
			}

			out := cmd.OutOrStdout()
			tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "START\tEND\tSIZE\tPERMS\tOFFSET\tPATH")
			m := segmap.New(segmap.DefaultCacheSize)
			for _, e := range entries {
				fmt.Fprintf(tw, "0x%x\t0x%x\t%s\t%s\t0x%x\t%s\n",
					e.Start, e.End, humanize.IBytes(e.End-e.Start), e.Perms, e.Offset, e.Path)
				if err := m.Add(e.Path, e.Start, e.End, e.Offset); err != nil {
					return err
				}
			}
			if err := tw.Flush(); err != nil {
				return err
			}

			if len(resolve) > 0 {
				fmt.Fprintln(out)
			}
			for _, s := range resolve {
				addr, err := strconv.ParseUint(s, 0, 64)
				if err != nil {
					return fmt.Errorf("bad address %q", s)
				}
				if loc, ok := m.Resolve(addr); ok {
					fmt.Fprintf(out, "0x%x  %s\n", addr, loc)
				} else {
					fmt.Fprintf(out, "0x%x  %s\n", addr, segmap.UnknownImage)
				}
			}
			return nil
		},
	}
	cmd.Flags().Uint64Var(&guestBase, "guest-base", 0, "host address of guest address 0")
	cmd.Flags().StringSliceVar(&resolve, "resolve", nil, "addresses to attribute")
	return cmd
}
