// Command rabble starts a node of the rabble actor runtime.
package main

import (
	"os"

	"github.com/spf13/cobra"
)

func newCmdRoot() *cobra.Command {
	cmd := &cobra.Command{
		Use:          "rabble",
		Short:        "Actor runtime node",
		SilenceUsage: true,
	}
	cmd.AddCommand(newCmdStart())
	return cmd
}

func main() {
	if err := newCmdRoot().Execute(); err != nil {
		os.Exit(1)
	}
}
