package main

import (
	"encoding/hex"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"ibresolver/internal/arch"
	"ibresolver/internal/classify"
	"ibresolver/internal/elfx"
	"ibresolver/internal/trace"
)

func newClassifyCmd() *cobra.Command {
	var (
		archName string
		backend  string
		split    bool
		start    string
		image    string
		length   int
	)
	cmd := &cobra.Command{
		Use:   "classify [--arch ARCH | --image ELF] [flags] ARG...",
		Short: "Classify instruction bytes as indirect branches",
		Long: `Each argument is one instruction in hex. With --split the arguments
are joined into one code blob that is cut at instruction boundaries
starting at --start. With --image the arguments are virtual addresses in
that ELF file; --length bytes are read at each and split.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var ef *elfx.File
			if image != "" {
				var err error
				if ef, err = elfx.Open(image); err != nil {
					return err
				}
				defer ef.Close()
				if archName == "" {
					archName = ef.Arch().String()
				}
			}
			a, err := arch.Parse(archName)
			if err != nil {
				return err
			}
			b, err := classify.ParseBackend(backend)
			if err != nil {
				return err
			}
			c, err := classify.New(a, b)
			if err != nil {
				return err
			}
			tagger := classify.ByBytes(c)
			if ef != nil {
				return classifyImage(cmd.OutOrStdout(), ef, a, tagger, args, length)
			}
			addr, err := strconv.ParseUint(start, 0, 64)
			if err != nil {
				return fmt.Errorf("bad --start %q", start)
			}
			insns, err := decodeInsns(a, addr, args, split)
			if err != nil {
				return err
			}
			printTags(cmd.OutOrStdout(), tagger, insns)
			return nil
		},
	}
	cmd.Flags().StringVar(&archName, "arch", "", "guest architecture")
	cmd.Flags().StringVar(&backend, "backend", "pattern", "classifier backend (pattern, decoder, both)")
	cmd.Flags().BoolVar(&split, "split", false, "treat the arguments as one code blob")
	cmd.Flags().StringVar(&start, "start", "0", "address of the first instruction")
	cmd.Flags().StringVar(&image, "image", "", "ELF file to read code from; arguments become addresses")
	cmd.Flags().IntVar(&length, "length", 16, "bytes read at each address with --image")
	return cmd
}

func decodeInsns(a arch.Arch, start uint64, args []string, split bool) ([]trace.Insn, error) {
	var blobs [][]byte
	for _, s := range args {
		b, err := hex.DecodeString(strings.ReplaceAll(s, " ", ""))
		if err != nil {
			return nil, fmt.Errorf("bad hex %q: %w", s, err)
		}
		blobs = append(blobs, b)
	}
	if split {
		var code []byte
		for _, b := range blobs {
			code = append(code, b...)
		}
		return classify.Split(a, start, code)
	}
	insns := make([]trace.Insn, len(blobs))
	addr := start
	for i, b := range blobs {
		insns[i] = trace.Insn{Addr: addr, Code: b}
		addr += uint64(len(b))
	}
	return insns, nil
}

// classifyImage splits and tags length bytes at each address of ef. A
// trailing partial instruction is dropped.
func classifyImage(w io.Writer, ef *elfx.File, a arch.Arch, t classify.Tagger, addrs []string, length int) error {
	for _, s := range addrs {
		va, err := strconv.ParseUint(s, 0, 64)
		if err != nil {
			return fmt.Errorf("bad address %q", s)
		}
		code, err := ef.ReadVA(va, length)
		if err != nil {
			return err
		}
		insns, err := classify.Split(a, va, code)
		if len(insns) == 0 && err != nil {
			return err
		}
		printTags(w, t, insns)
	}
	return nil
}

func printTags(w io.Writer, t classify.Tagger, insns []trace.Insn) {
	for _, in := range insns {
		fmt.Fprintf(w, "0x%08x  %-24s %s\n", in.Addr, hex.EncodeToString(in.Code), t.Tag(in.Addr, in.Code))
	}
}
