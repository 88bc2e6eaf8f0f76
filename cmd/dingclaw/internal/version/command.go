package version

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tinyland-inc/dingclaw/cmd/dingclaw/internal"
)

func NewVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "version",
		Aliases: []string{"v"},
		Short:   "Show version information",
		Args:    cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			build, goVer := internal.FormatBuildInfo()
			fmt.Fprintf(cmd.OutOrStdout(), "%s dingclaw %s\n", internal.Logo, internal.FormatVersion())
			if build != "" {
				fmt.Fprintf(cmd.OutOrStdout(), "  Build time: %s\n", build)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "  Go version: %s\n", goVer)
		},
	}
}
