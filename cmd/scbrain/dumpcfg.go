// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package main

import (
	"fmt"
	"os"
	"sort"
	"text/tabwriter"

	"github.com/spf13/cobra"

	peparser "github.com/saferwall/scatterbrain"
	"github.com/saferwall/scatterbrain/internal/cfg"
)

func newDumpCFGCmd() *cobra.Command {
	var (
		mode         string
		decryptConst uint32
		entryRVA     uint64
	)

	cmd := &cobra.Command{
		Use:   "dump-cfg <path>",
		Short: "Recover and print a function's basic-block graph",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := args[0]

			protMode, err := parseMode(mode)
			if err != nil {
				return err
			}

			file, err := peparser.New(path, &peparser.Options{Mode: protMode})
			if err != nil {
				return fmt.Errorf("open %s: %w", path, err)
			}
			defer file.Close()

			if err := file.Parse(); err != nil {
				return fmt.Errorf("parse %s: %w", path, err)
			}

			input := peparser.NewProtectedInput(file, decryptConst, cfg.RuleSet1)
			if err := input.RecoverInstructionDispatchers(); err != nil {
				return fmt.Errorf("recover dispatchers: %w", err)
			}
			if err := input.RecoverRecursiveInFull(entryRVA); err != nil {
				return fmt.Errorf("recover functions: %w", err)
			}

			printCFG(input.CFG())
			return nil
		},
	}

	cmd.Flags().StringVar(&mode, "mode", "full", "protection mode: full, headerless, or selective")
	cmd.Flags().Uint32Var(&decryptConst, "imp-decrypt-const", 0, "32-bit import name decrypt constant")
	cmd.Flags().Uint64Var(&entryRVA, "entry", 0, "entry RVA to start recursive function recovery from")

	return cmd
}

func printCFG(graph *cfg.CFG) {
	entries := make([]uint64, 0, len(graph.Functions))
	for entry := range graph.Functions {
		entries = append(entries, entry)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i] < entries[j] })

	w := tabwriter.NewWriter(os.Stdout, 1, 1, 3, ' ', tabwriter.AlignRight)
	for _, entry := range entries {
		fn := graph.Functions[entry]
		fmt.Printf("\n\t------[ function 0x%x (%s) ]------\n\n", entry, fn.State)

		blocks := make([]uint64, 0, len(fn.Blocks))
		for rva := range fn.Blocks {
			blocks = append(blocks, rva)
		}
		sort.Slice(blocks, func(i, j int) bool { return blocks[i] < blocks[j] })

		for _, rva := range blocks {
			block := fn.Blocks[rva]
			fmt.Fprintf(w, "0x%x\t %d instr\t terminator=%v\t successors=%v\n",
				block.StartRVA, len(block.Instructions), block.Terminator, block.Successors)
		}
	}
	w.Flush()
}
