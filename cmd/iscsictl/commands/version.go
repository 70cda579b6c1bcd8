package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/goiscsi/iscsid/internal/version"
)

// versionCmd prints build information.
func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print build information",
		Args:  cobra.NoArgs,
		Run: func(_ *cobra.Command, _ []string) {
			fmt.Printf("iscsictl %s (%s)\n", version.Version, version.Commit)
		},
	}
}
