package main

import (
	"context"
	"os"
	"os/signal"
	"time"

	"chargectl-go/bus"
	"chargectl-go/daq"
	"chargectl-go/drivers/halfbridge"
	"chargectl-go/services/ctrl"
	"chargectl-go/services/persist"
	"chargectl-go/services/shell"
	"chargectl-go/types"
	"chargectl-go/x/timex"
)

// Board selection; overridden per build target.
const board = "mppt-1210-hus"

func daqConfig() daq.Config {
	cfg := daq.Config{
		NtcBeta:           3435,
		NtcR25:            10_000,
		NtcSeriesResistor: 10_000,
		Vcc:               3.3,
	}
	// board divider / shunt ratios
	cfg.Gain[daq.ChVBat] = 10
	cfg.Gain[daq.ChVSolar] = 20
	cfg.Gain[daq.ChILoad] = 10
	cfg.Gain[daq.ChIDcdc] = 10
	return cfg
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	println("Info: chargectl starting, board:", board)

	cfg, err := ctrl.LoadBoardConfig(board)
	if err != nil {
		println("Error:", err.Error())
		return
	}

	b := bus.New(8)

	c := ctrl.New(cfg, ctrl.Hardware{
		HalfBridge: &halfbridge.Sim{},
		LoadSwitch: func(on bool) { println("Info: load switch:", on) },
		UsbSwitch:  func(on bool) { println("Info: usb switch:", on) },
		HvsEnable:  func(on bool) { println("Info: hv output:", on) },
		Storage:    persist.NewMemory(4096),
		DaqCfg:     daqConfig(),
		WatchdogFeed: func() {
			// hardware watchdog feed hook (10 s timeout)
		},
		Reboot: func() { os.Exit(0) },
	})

	c.Setup()

	go c.Run(ctx, b.NewConnection("ctrl"))

	// serial console on the host's stdio
	console := shell.New(stdio{}, c.Registry, shell.Actions{
		Save:  c.Save,
		Reset: func() { cancel() },
	})
	go console.Run(ctx)

	// print the charger state to the console on each change, and the
	// uptime once a minute
	sub := b.NewConnection("main").Subscribe(bus.T("state", "charger"))
	last := ""
	tick := time.NewTicker(time.Minute)
	defer tick.Stop()

	for {
		select {
		case <-ctx.Done():
			println("Info: chargectl stopping")
			return
		case m := <-sub.Channel():
			if st, ok := m.Payload.(types.ChargerStatus); ok && st.State != last {
				last = st.State
				println("Info: charger state:", st.State, "soc:", int(st.Soc), "t:", int(timex.Uptime()))
			}
		case <-tick.C:
			println("Info: uptime:", int(timex.Uptime()), "s")
		}
	}
}

type stdio struct{}

func (stdio) Read(p []byte) (int, error)  { return os.Stdin.Read(p) }
func (stdio) Write(p []byte) (int, error) { return os.Stdout.Write(p) }
