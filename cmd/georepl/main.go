// Command georepl runs one region of a multi-region replication deployment.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:               "georepl <command> [flags]",
		Short:             "Multi-region replication daemon and client",
		CompletionOptions: cobra.CompletionOptions{DisableDefaultCmd: true},
		SilenceUsage:      true,
	}
	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newCompareCmd())
	cmd.AddCommand(newPutCmd(), newGetCmd(), newConflictsCmd(), newResolveCmd(), newLagCmd())
	return cmd
}

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
