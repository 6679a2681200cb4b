package device

import (
	"time"

	"firestige.xyz/dpni/internal/config"
	"firestige.xyz/dpni/internal/ni"
)

// controllerOptions maps a device section onto controller options.
func controllerOptions(dev *config.DeviceConfig, dpCfg config.DPConfig) ni.Options {
	tps := 1
	if dev.TickInterval > 0 && dev.TickInterval < time.Second {
		tps = int(time.Second / dev.TickInterval)
	}
	return ni.Options{
		Name:              dev.Name,
		StartupDelayTicks: dev.StartupDelayTicks,
		MaxProtocols:      dev.MaxProtocols,
		MaxMulticast:      dev.MaxMulticast,
		EchoSize:          dev.Echo.Size,
		EchoTTLTicks:      dev.Echo.TTLTicks,
		TicksPerSecond:    tps,
		SendTimeout:       dpCfg.SendTimeout,
		Promiscuous:       dev.Promiscuous,
	}
}
