package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"firestige.xyz/dpni/internal/dp"
	"firestige.xyz/dpni/internal/ioproc"
	"firestige.xyz/dpni/internal/log"
	"firestige.xyz/dpni/internal/netio"
)

var dpDevice string

// dpCmd is the Device Process entry point. The emulator starts it with the
// shared segment on descriptor 3.
var dpCmd = &cobra.Command{
	Use:    "dp",
	Short:  "Run the Device Process for one device (started by the emulator)",
	Hidden: true,
	Args:   cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		runDP()
	},
}

func init() {
	dpCmd.Flags().StringVarP(&dpDevice, "device", "d", "", "device name (required)")
	_ = dpCmd.MarkFlagRequired("device")
}

func runDP() {
	cfg, err := loadConfig()
	if err != nil {
		exitWithError("failed to load config", err)
	}
	logger := log.GetLogger().WithFields(logrus.Fields{"device": dpDevice, "side": "dp", "pid": os.Getpid()})

	dev, err := cfg.Device(dpDevice)
	if err != nil {
		logger.WithError(err).Fatal("unknown device")
	}
	seg, err := dp.Attach(dp.InheritedSegment())
	if err != nil {
		logger.WithError(err).Fatal("attach segment failed")
	}
	defer seg.Close()
	if cfg.DP.Mlock {
		if err := seg.Mlock(); err != nil {
			logger.WithError(err).Warn("segment not locked in memory")
		}
	}

	tr, err := netio.Open(dev)
	if err != nil {
		logger.WithError(err).Fatal("open transport failed")
	}
	defer tr.Close()

	ep := seg.Endpoint(dp.DP, dp.Options{
		Signal:       syscall.Signal(cfg.DP.Signal),
		PollInterval: cfg.DP.PollInterval,
	})
	defer ep.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	srv := ioproc.New(ep, tr, ioproc.Options{
		Device:      dev.Name,
		RetryBudget: cfg.DP.RetryBudget,
		Debug:       seg.Debug(),
	})
	if err := srv.Run(ctx); err != nil {
		logger.WithError(err).Fatal("device process failed")
	}
	logger.Info("device process exiting")
}
