package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"georepl/internal/clock"
)

func newCompareCmd() *cobra.Command {
	return &cobra.Command{
		Use:   `compare '{"us":1}' '{"eu":1}'`,
		Short: "Print how the first vector clock relates to the second",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := clock.Parse(args[0])
			if err != nil {
				return err
			}
			b, err := clock.Parse(args[1])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), clock.Compare(a, b))
			return nil
		},
	}
}
