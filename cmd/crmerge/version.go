package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"chronicle/changerequest/internal/version"
)

func newNextVersionCmd() *cobra.Command {
	var minor, published bool
	cmd := &cobra.Command{
		Use:   "next-version <token>",
		Short: "Print the version that follows a baseline",
		Long: `next-version prints the file change version derived from a baseline token
such as 2.1 or filechange-2.1. With --published it prints the version the
document store assigns to the next commit instead.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			baseline, err := version.Parse(args[0])
			if err != nil {
				return err
			}
			next := version.NextFileChangeVersion(baseline, minor)
			if published {
				next = baseline.NextPublished(minor)
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), next)
			return err
		},
	}
	cmd.Flags().BoolVar(&minor, "minor", false, "Bump the minor component instead of the major one")
	cmd.Flags().BoolVar(&published, "published", false, "Print the next published version")
	return cmd
}
