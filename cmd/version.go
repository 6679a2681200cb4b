package cmd

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"

	"firestige.xyz/dpni/internal/dp"
	"firestige.xyz/dpni/internal/netio"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("dpni %s (%s %s/%s)\n", Version, runtime.Version(), runtime.GOOS, runtime.GOARCH)
		fmt.Printf("segment protocol %d.%d.%d\n", dp.VersionMajor, dp.VersionMinor, dp.VersionEdit)
		fmt.Printf("transports: %v\n", netio.Names())
	},
}
