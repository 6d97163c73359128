// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package main

import (
	"fmt"

	"github.com/spf13/cobra"

	peparser "github.com/saferwall/scatterbrain"
	"github.com/saferwall/scatterbrain/internal/cfg"
)

func newRecoverCmd() *cobra.Command {
	var (
		mode        string
		ruleSetName string
		decryptConst uint32
		entryRVA    uint64
		out         string
	)

	cmd := &cobra.Command{
		Use:   "recover <path>",
		Short: "Recover a ScatterBrain-protected image and write a clean output image",
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

			ruleSet := cfg.RuleSet1
			if ruleSetName == string(cfg.RuleSet2.Name) {
				ruleSet = cfg.RuleSet2
			}

			input := peparser.NewProtectedInput(file, decryptConst, ruleSet)

			if err := input.RecoverInstructionDispatchers(); err != nil {
				return fmt.Errorf("recover dispatchers: %w", err)
			}
			fmt.Printf("recovered %d dispatcher site(s)\n", len(input.DispatcherLocs()))

			if err := input.RecoverRecursiveInFull(entryRVA); err != nil {
				return fmt.Errorf("recover functions: %w", err)
			}
			fmt.Printf("recovered %d function(s)\n", len(input.CFG().Functions))

			stubs := input.EnumerateImportStubs()
			if err := input.RecoverImportsMerge(stubs); err != nil {
				return fmt.Errorf("recover imports: %w", err)
			}
			fmt.Printf("recovered %d import(s) from %d candidate stub(s)\n", len(input.Imports().Imports), len(stubs))

			if err := input.RebuildOutput(); err != nil {
				return fmt.Errorf("rebuild output: %w", err)
			}

			if out == "" {
				out = path + ".recovered"
			}
			if err := input.DumpNewImageBufferToDisk(out); err != nil {
				return fmt.Errorf("write %s: %w", out, err)
			}
			fmt.Printf("wrote recovered image to %s\n", out)
			return nil
		},
	}

	cmd.Flags().StringVar(&mode, "mode", "full", "protection mode: full, headerless, or selective")
	cmd.Flags().StringVar(&ruleSetName, "rule-set", "RULE_SET_1", "mutation rule set: RULE_SET_1 or RULE_SET_2")
	cmd.Flags().Uint32Var(&decryptConst, "imp-decrypt-const", 0, "32-bit import name decrypt constant")
	cmd.Flags().Uint64Var(&entryRVA, "entry", 0, "entry RVA to start recursive function recovery from")
	cmd.Flags().StringVar(&out, "out", "", "output path (default: <path>.recovered)")

	return cmd
}

func parseMode(s string) (peparser.ProtectionMode, error) {
	switch s {
	case "full", "":
		return peparser.ModeFull, nil
	case "headerless":
		return peparser.ModeHeaderless, nil
	case "selective":
		return peparser.ModeSelective, nil
	default:
		return 0, fmt.Errorf("unknown protection mode %q", s)
	}
}
