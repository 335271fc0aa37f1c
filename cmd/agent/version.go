package main

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/ofkm/agenthost/internal/version"
)

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "agenthost %s %s/%s\n", version.GetFullVersion(), runtime.GOOS, runtime.GOARCH)
		},
	}
}
