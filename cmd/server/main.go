package main

import (
	"os"

	"github.com/spf13/cobra"
)

func main() {
	root := &cobra.Command{
		Use:          "credit-ledger",
		Short:        "Credit ledger and payment reconciliation service",
		SilenceUsage: true,
	}

	root.AddCommand(
		serveCmd(),
		jobCmd(),
		recomputeCmd(),
		userCmd(),
	)

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}
