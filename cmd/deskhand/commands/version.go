package commands

import (
	"fmt"
	"runtime"

	"github.com/MEKXH/deskhand/internal/version"
	"github.com/spf13/cobra"
)

// NewVersionCmd creates the version command
func NewVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version of Deskhand",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("deskhand %s %s/%s\n", version.String(), runtime.GOOS, runtime.GOARCH)
		},
	}
}
