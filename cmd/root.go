// Package cmd implements CLI commands using cobra framework.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"firestige.xyz/dpni/internal/config"
	"firestige.xyz/dpni/internal/log"
)

// Version is stamped at build time with -ldflags.
var Version = "0.1.0"

var (
	// Global flags
	configFile string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "dpni",
	Short: "dpni - Device-Process network interface for an emulated Ethernet controller",
	Long: `dpni emulates a queue-driven smart Ethernet controller for a machine emulator.

The controller front end runs inside the emulator process and works the guest's
command and response queues. Raw frame I/O runs in a separate Device Process
that shares a memory segment with the emulator and talks to a host interface
through AF_PACKET, pcap or an in-memory loopback wire.

Commands:
  - probe:    open a device's transport and report its station address
  - selftest: bring a device up against scratch guest memory and loop a frame
  - validate: print the effective configuration`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "/etc/dpni/config.yml",
		"config file path")

	rootCmd.AddCommand(dpCmd)
	rootCmd.AddCommand(probeCmd)
	rootCmd.AddCommand(selftestCmd)
	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(versionCmd)
}

// loadConfig reads the config file and initializes logging from it.
func loadConfig() (*config.GlobalConfig, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, err
	}
	if err := log.Init(cfg.Log); err != nil {
		return nil, fmt.Errorf("failed to initialize logging: %w", err)
	}
	return cfg, nil
}

// exitWithError prints error message and exits with code 1
func exitWithError(msg string, err error) {
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s: %v\n", msg, err)
	} else {
		fmt.Fprintf(os.Stderr, "Error: %s\n", msg)
	}
	os.Exit(1)
}
