package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"
)

// version is set at build time via ldflags:
//
//	go build -ldflags "-X main.version=v1.0.0" ./cmd/autoflow/
var version = "dev"

func printVersion(w io.Writer) {
	fmt.Fprintln(w, version)
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the autoflow version",
		Args:  cobra.NoArgs,
		// Printing the version needs neither config nor a database.
		PersistentPreRunE: func(*cobra.Command, []string) error { return nil },
		RunE: func(cmd *cobra.Command, _ []string) error {
			printVersion(cmd.OutOrStdout())
			return nil
		},
	}
}
