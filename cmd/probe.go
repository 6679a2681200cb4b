package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"firestige.xyz/dpni/internal/netio"
)

var probeDevice string

var probeCmd = &cobra.Command{
	Use:   "probe",
	Short: "Open a device's transport and report its station address",
	Long: `Open the transport a device section names, print the hardware address it
binds and close it again. Useful to check interface names and capabilities
before starting the emulator.

Examples:
  dpni probe -c config.yml -d ni0`,
	Args: cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		runProbeCommand()
	},
}

func init() {
	probeCmd.Flags().StringVarP(&probeDevice, "device", "d", "", "device name (required)")
	_ = probeCmd.MarkFlagRequired("device")
}

func runProbeCommand() {
	cfg, err := loadConfig()
	if err != nil {
		exitWithError("failed to load config", err)
	}
	dev, err := cfg.Device(probeDevice)
	if err != nil {
		exitWithError("device lookup failed", err)
	}
	tr, err := netio.Open(dev)
	if err != nil {
		exitWithError(fmt.Sprintf("failed to open %s transport", dev.Transport), err)
	}
	defer tr.Close()

	fmt.Printf("%s: transport=%s interface=%q hw=%s\n",
		dev.Name, dev.Transport, dev.Interface, tr.HardwareAddr())
}
