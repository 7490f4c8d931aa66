// Command simulate replays a YAML scenario against the control core on
// the host: scripted solar input and load demand drive a coarse battery
// model, and every charger or load state transition is printed with its
// timestamp. Used to sanity-check charge profiles without hardware.
package main

import (
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"

	"chargectl-go/daq"
	"chargectl-go/drivers/halfbridge"
	"chargectl-go/services/ctrl"
	"chargectl-go/services/persist"
)

type Step struct {
	At     int64   `yaml:"at"`      // seconds into the scenario
	SolarV float32 `yaml:"solar_v"` // panel open-circuit voltage
	SolarA float32 `yaml:"solar_a"` // available panel current
	LoadA  float32 `yaml:"load_a"`  // load demand
}

type Scenario struct {
	Board    string  `yaml:"board"`
	Duration int64   `yaml:"duration"` // seconds
	BatV     float32 `yaml:"battery_voltage"`
	BatSoc   float32 `yaml:"battery_soc"` // 0..1
	Steps    []Step  `yaml:"steps"`
}

func main() {
	if len(os.Args) != 2 {
		fmt.Fprintln(os.Stderr, "usage: simulate <scenario.yaml>")
		os.Exit(2)
	}

	raw, err := os.ReadFile(os.Args[1])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	var sc Scenario
	if err := yaml.Unmarshal(raw, &sc); err != nil {
		fmt.Fprintln(os.Stderr, "scenario:", err)
		os.Exit(1)
	}
	if sc.Board == "" {
		sc.Board = "mppt-1210-hus"
	}
	if sc.Duration == 0 {
		sc.Duration = 3600
	}
	sort.Slice(sc.Steps, func(i, j int) bool { return sc.Steps[i].At < sc.Steps[j].At })

	cfg, err := ctrl.LoadBoardConfig(sc.Board)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	c := ctrl.New(cfg, ctrl.Hardware{
		HalfBridge: &halfbridge.Sim{},
		Storage:    persist.NewMemory(4096),
		DaqCfg:     simDaqConfig(),
	})

	sim := &plant{c: c, soc: sc.BatSoc, vBat: sc.BatV}
	if sim.vBat == 0 {
		sim.vBat = c.BatConf.OcvEmpty + (c.BatConf.OcvFull-c.BatConf.OcvEmpty)*sim.soc
	}

	sim.feed(Step{})
	for i := 0; i < 50; i++ {
		c.Daq.UpdateMeasurements()
	}
	c.Setup()

	chargerState := ""
	loadState := ""
	step := Step{}
	next := 0

	for now := int64(0); now < sc.Duration; now++ {
		for next < len(sc.Steps) && sc.Steps[next].At <= now {
			step = sc.Steps[next]
			next++
		}

		sim.step(step)

		// ten fast iterations per modeled second keep the P&O moving
		// without simulating the full kilohertz rate
		for i := 0; i < 10; i++ {
			sim.feed(step)
			c.FastTick(now*1000 + int64(i)*100)
		}
		for i := 0; i < 10; i++ {
			c.SlowTick(now, nil)
		}

		if s := c.Charger.State.String(); s != chargerState {
			fmt.Printf("%6ds  charger: %s (bat %.2f V, soc %d %%)\n",
				now, s, sim.vBat, c.Charger.Soc)
			chargerState = s
		}
		if s := c.Load.State.String(); s != loadState {
			fmt.Printf("%6ds  load: %s\n", now, s)
			loadState = s
		}
	}

	fmt.Printf("\n%d s simulated. Final: charger %s, soc %d %%, %d full cycles, errors %#x\n",
		sc.Duration, c.Charger.State, c.Charger.Soc,
		c.Charger.NumFullCharges, c.DevStat.ErrorFlags.Word())
}

// plant is the coarse electrical model: an OCV-plus-resistance battery,
// a current-limited panel and a resistive load.
type plant struct {
	c    *ctrl.Controller
	soc  float32
	vBat float32

	iBat  float32
	iLoad float32
}

func (p *plant) step(s Step) {
	conf := &p.c.BatConf

	// charging current: what the converter may push, capped by the
	// charger's limit and the panel's availability
	p.iBat = 0
	if p.c.Dcdc != nil && p.c.Dcdc.Enabled() && s.SolarA > 0 {
		p.iBat = min32(p.c.BatPort.PosCurrentLimit, s.SolarA)
	}

	p.iLoad = 0
	if p.c.Load.PGood {
		p.iLoad = s.LoadA
	}

	net := p.iBat - p.iLoad
	p.soc += net / (conf.NominalCapacity * 3600)
	p.soc = clamp01(p.soc)

	ocv := conf.OcvEmpty + (conf.OcvFull-conf.OcvEmpty)*p.soc
	p.vBat = ocv + net*conf.InternalResistance

	// pull towards the charge target when the converter holds CV
	if target := p.c.BatBus.SinkControlVoltage(); p.iBat > 0 && p.vBat > target {
		p.vBat = target
	}
}

// feed translates the plant state into raw ADC samples.
func (p *plant) feed(s Step) {
	d := p.c.Daq
	d.SetRaw(daq.ChVBat, rawOf(p.vBat, 33))
	d.SetRaw(daq.ChVSolar, rawOf(s.SolarV, 66))
	d.SetRaw(daq.ChILoad, rawOf(p.iLoad, 33))
	d.SetRaw(daq.ChIDcdc, rawOf(p.iBat+p.iLoad, 33))
	d.SetRaw(daq.ChTempBat, 0x8000) // 25 °C
	d.SetRaw(daq.ChTempFets, 0x8000)
}

func simDaqConfig() daq.Config {
	cfg := daq.Config{
		NtcBeta:           3435,
		NtcR25:            10_000,
		NtcSeriesResistor: 10_000,
		Vcc:               3.3,
	}
	cfg.Gain[daq.ChVBat] = 10
	cfg.Gain[daq.ChVSolar] = 20
	cfg.Gain[daq.ChILoad] = 10
	cfg.Gain[daq.ChIDcdc] = 10
	return cfg
}

func rawOf(si, fullScale float32) uint16 {
	if si <= 0 {
		return 0
	}
	r := si / fullScale * 65535
	if r > 65535 {
		return 0xFFFF
	}
	return uint16(r)
}

func min32(a, b float32) float32 {
	if a < b {
		return a
	}
	return b
}

func clamp01(v float32) float32 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
