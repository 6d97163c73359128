// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

// Command scbrain drives the ScatterBrain recovery pipeline: parse a
// protected image, recover its instruction dispatchers, CFG, and imports,
// then reassemble a clean output image.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// version is set at release time; left as a constant here since this
// module has no build-time ldflags wiring yet.
const version = "0.1.0"

func main() {
	root := &cobra.Command{
		Use:   "scbrain",
		Short: "Recover ScatterBrain-protected PE images",
	}

	root.AddCommand(newRecoverCmd())
	root.AddCommand(newDumpCFGCmd())
	root.AddCommand(newVersionCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the scbrain version",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Println(version)
			return nil
		},
	}
}
