package main

import (
	"github.com/spf13/cobra"
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "crmerge",
		Short: "Three-way merge and version tools for change requests",
		Long: `crmerge exposes the merge engine used by the change request API.
Documents are read from YAML or JSON files holding a title, a content body
and optional properties.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newMergeCmd())
	root.AddCommand(newNextVersionCmd())
	return root
}
