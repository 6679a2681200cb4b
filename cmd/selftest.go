package cmd

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"os"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"firestige.xyz/dpni/internal/config"
	"firestige.xyz/dpni/internal/device"
	"firestige.xyz/dpni/internal/dp"
	"firestige.xyz/dpni/internal/guest"
	"firestige.xyz/dpni/internal/metrics"
	"firestige.xyz/dpni/internal/netio"
	"firestige.xyz/dpni/internal/ni"
	"firestige.xyz/dpni/internal/ni/nitest"
)

var (
	selftestDevice  string
	selftestTimeout time.Duration
)

var selftestCmd = &cobra.Command{
	Use:   "selftest",
	Short: "Bring a device up against scratch guest memory and loop a frame",
	Long: `Run one device in this process with a scratch guest memory standing in for
the emulated machine. The test enables the controller, reads the station
information, sends a frame to its own address and checks that the looped copy
is suppressed. On the loopback transport it also injects a foreign frame and
checks its delivery on the response queue.

Without --device a loopback device is used and no config file is needed.

Examples:
  dpni selftest
  dpni selftest -c config.yml -d ni0 -t 10s`,
	Args: cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		if err := runSelftest(); err != nil {
			exitWithError("selftest failed", err)
		}
		fmt.Println("PASS")
	},
}

func init() {
	selftestCmd.Flags().StringVarP(&selftestDevice, "device", "d", "", "device name from the config file")
	selftestCmd.Flags().DurationVarP(&selftestTimeout, "timeout", "t", 5*time.Second, "per-step timeout")
}

// selftestPI is the interrupt level the scratch guest programs.
const selftestPI = 5

func selftestConfig() (*config.GlobalConfig, *config.DeviceConfig, error) {
	if selftestDevice == "" {
		cfg := config.Default()
		cfg.Devices = []config.DeviceConfig{{Name: "selftest", Transport: "loopback"}}
		if err := cfg.ValidateAndApplyDefaults(); err != nil {
			return nil, nil, err
		}
		return cfg, &cfg.Devices[0], nil
	}
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	dev, err := cfg.Device(selftestDevice)
	if err != nil {
		return nil, nil, err
	}
	return cfg, dev, nil
}

func runSelftest() error {
	cfg, dev, err := selftestConfig()
	if err != nil {
		return err
	}

	if cfg.Metrics.Enabled {
		srv := metrics.NewServer(cfg.Metrics.Listen, cfg.Metrics.Path)
		if err := srv.Start(); err != nil {
			return err
		}
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			_ = srv.Stop(ctx)
		}()
	}

	tr, err := netio.Open(dev)
	if err != nil {
		return err
	}
	wire, _ := tr.(*netio.Loopback)

	reg := device.NewRegistry(cfg.DP, &device.InProcessLauncher{
		Transport: tr,
		Endpoint: dp.Options{
			Signal:       syscall.Signal(cfg.DP.Signal),
			PollInterval: cfg.DP.PollInterval,
		},
		RetryBudget: cfg.DP.RetryBudget,
	})
	defer func() {
		if err := reg.CloseAll(); err != nil {
			fmt.Fprintf(os.Stderr, "close: %v\n", err)
		}
	}()

	drv := nitest.New(1 << 16)
	irq := &nitest.Interrupts{}
	inst, err := reg.Open(context.Background(), dev, drv.Mem, irq)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		if err := inst.Run(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "run: %v\n", err)
		}
	}()
	st := &selftest{inst: inst, drv: drv, timeout: selftestTimeout}

	var hw [6]byte
	copy(hw[:], inst.HardwareAddr())
	fmt.Printf("device %s: transport=%s hw=%s\n", dev.Name, dev.Transport, inst.HardwareAddr())

	st.step("enable", func() error {
		inst.Do(func(*ni.Controller) {
			for i := 0; i < 4; i++ {
				drv.ReceiveBuffer(drv.UnknownQueue(), ni.MaxPayload)
			}
		})
		inst.WriteRegister(ni.RegPCB, guest.Word(drv.PCB))
		inst.WriteRegister(ni.RegCSR, ni.CSRStart|selftestPI<<8)
		inst.WriteRegister(ni.RegCSR, ni.CSREnable|selftestPI<<8)
		if s := ni.State(inst.ReadRegister(ni.RegCSR) & ni.CSRStateMask); s != ni.StateEnabled {
			return fmt.Errorf("controller is %s", s)
		}
		return nil
	})

	st.step("read station info", func() error {
		var entry guest.Addr
		inst.Do(func(*ni.Controller) {
			entry = drv.Command(uint8(ni.OpReadStationInfo), ni.FlagResponse)
		})
		if err := st.command(entry); err != nil {
			return err
		}
		var got [6]byte
		inst.Do(func(*ni.Controller) { got = guest.ReadHardwareAddr(drv.Mem, entry+ni.SIAddress) })
		if got != hw {
			return fmt.Errorf("station address %s, bound %s", net.HardwareAddr(got[:]), inst.HardwareAddr())
		}
		return nil
	})

	st.step("send to self", func() error {
		var entry guest.Addr
		inst.Do(func(*ni.Controller) {
			entry = drv.Datagram(hw, 0x6006, []byte("dpni selftest"), ni.FlagResponse|ni.FlagPad)
		})
		if err := st.command(entry); err != nil {
			return err
		}
		if !st.waitFor(func(c *ni.Controller) bool { return c.Counters().Fixed[ni.CtrEchoesSuppressed] > 0 }) {
			if wire != nil {
				return fmt.Errorf("looped frame was not suppressed")
			}
			fmt.Println("  note: no looped copy observed on this interface")
		}
		return nil
	})

	if wire != nil {
		st.step("receive", func() error {
			data := bytes.Repeat([]byte{0x5a}, 64)
			frame := append(append(append([]byte{}, hw[:]...), 0x02, 0, 0, 0, 0, 0x99), 0x60, 0x06)
			if err := wire.Inject(append(frame, data...)); err != nil {
				return err
			}
			var entry guest.Addr
			if !st.waitFor(func(*ni.Controller) bool {
				e, ok := drv.Take(drv.ResponseQueue())
				entry = e
				return ok
			}) {
				return fmt.Errorf("no datagram delivered")
			}
			var got nitest.Received
			inst.Do(func(*ni.Controller) { got = drv.Decode(entry) })
			if got.Op.Error || !bytes.Equal(got.Data, data) {
				return fmt.Errorf("delivered %d bytes with status %s", len(got.Data), got.Op.Status)
			}
			return nil
		})
	}

	st.step("read counters", func() error {
		var entry guest.Addr
		inst.Do(func(*ni.Controller) {
			entry = drv.Command(uint8(ni.OpReadCounters), ni.FlagResponse)
		})
		if err := st.command(entry); err != nil {
			return err
		}
		inst.Do(func(*ni.Controller) {
			fmt.Printf("  frames sent=%d received=%d, interrupts=%d\n",
				drv.Mem.Load(drv.Counters+ni.CtrFramesSent),
				drv.Mem.Load(drv.Counters+ni.CtrFramesReceived),
				irq.Count)
		})
		return nil
	})
	return st.err
}

type selftest struct {
	inst    *device.Instance
	drv     *nitest.Driver
	timeout time.Duration
	err     error
}

// step runs fn unless an earlier step failed.
func (s *selftest) step(name string, fn func() error) {
	if s.err != nil {
		return
	}
	if err := fn(); err != nil {
		s.err = fmt.Errorf("%s: %w", name, err)
		return
	}
	fmt.Printf("  ok  %s\n", name)
}

// waitFor polls cond under the instance lock until it holds or the step
// timeout passes.
func (s *selftest) waitFor(cond func(c *ni.Controller) bool) bool {
	deadline := time.Now().Add(s.timeout)
	for time.Now().Before(deadline) {
		ok := false
		s.inst.Do(func(c *ni.Controller) { ok = cond(c) })
		if ok {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return false
}

// command submits entry, waits for it on the response queue and checks its
// completion status.
func (s *selftest) command(entry guest.Addr) error {
	s.inst.Do(func(*ni.Controller) { s.drv.Submit(entry) })
	s.inst.WriteRegister(ni.RegCSR, ni.CSRCommandAvail|selftestPI<<8)

	var got guest.Addr
	if !s.waitFor(func(*ni.Controller) bool {
		e, ok := s.drv.Take(s.drv.ResponseQueue())
		got = e
		return ok
	}) {
		return fmt.Errorf("no response within %s", s.timeout)
	}
	if got != entry {
		return fmt.Errorf("response queue returned entry %#o, want %#o", got, entry)
	}
	var op ni.OpWord
	s.inst.Do(func(*ni.Controller) { op = s.drv.Op(entry) })
	if op.Error {
		return fmt.Errorf("%s completed with %s", ni.Opcode(op.Code), op.Status)
	}
	return nil
}
