// Package main is the entry point for dpni: the controller-side tools and the
// Device Process the emulator spawns for each network device.
package main

import (
	"fmt"
	"os"

	"firestige.xyz/dpni/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
