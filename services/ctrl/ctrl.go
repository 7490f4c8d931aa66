// Package ctrl owns the controller context: it wires the measurement
// adapter, charger, power stage, load outputs and device status together,
// registers the telemetry nodes and runs the slow (10 Hz) and fast
// (~1 kHz) control tasks.
//
// All coupling between the charger and the power stage flows through the
// shared DC buses and power ports; the slow task ticks the charger first
// and the power stage reads the refreshed setpoints on its next fast
// iteration.
package ctrl

import (
	"chargectl-go/battery"
	"chargectl-go/charger"
	"chargectl-go/daq"
	"chargectl-go/dcdc"
	"chargectl-go/devstat"
	"chargectl-go/load"
	"chargectl-go/power"
	"chargectl-go/pwmswitch"
	"chargectl-go/services/persist"
	"chargectl-go/services/telemetry"
)

// Config is the board-level configuration, typically parsed from the
// embedded board JSON.
type Config struct {
	BatteryType     battery.Type
	NumCells        int
	NominalCapacity float32

	HasDcdc      bool
	HasPwmSwitch bool

	DcdcCurrentMax  float32
	HsVoltageMax    float32
	LsVoltageMax    float32
	PwmCurrentMax   float32
	LoadCurrentMax  float32
	SolarCurrentMax float32

	// Solar source floor voltage for the DC/DC start decision (V).
	SolarVoltageFloor float32

	ExpertPassword string
	MakerPassword  string
}

// Hardware bundles the drivers the controller consumes. Nil members are
// features the board does not have.
type Hardware struct {
	HalfBridge dcdc.HalfBridge
	PwmDriver  pwmswitch.Driver

	LoadSwitch func(bool)
	UsbSwitch  func(bool)
	HvsEnable  func(bool)

	Storage persist.Storage
	DaqCfg  daq.Config

	// WatchdogFeed must be called at least every 10 s.
	WatchdogFeed func()
	Reboot       func()
}

// Controller is the explicit context threaded through every tick. Tests
// instantiate several of them to exercise scenarios.
type Controller struct {
	DevStat *devstat.DeviceStatus

	BatBus   *power.DcBus
	SolarBus *power.DcBus

	BatPort   *power.PowerPort
	SolarPort *power.PowerPort
	LoadPort  *power.PowerPort

	// Active configuration used by the control loops and the staging
	// copy written from the external interface.
	BatConf        battery.Conf
	BatConfStaging battery.Conf

	Charger *charger.Charger
	Dcdc    *dcdc.Dcdc
	Pwm     *pwmswitch.PwmSwitch
	Load    *load.Output
	Usb     *load.Usb
	Daq     *daq.Daq

	Registry *telemetry.Registry
	Store    *persist.Store

	cfg Config
	hw  Hardware

	saveRequested bool
	lastSaved     int64

	secondTicks int64
	subTicks    int

	// shadow nodes for values without a stable word to point at
	errorFlagsNode   uint32
	chargerStateNode uint16
}

// Persisted blobs are refreshed at least this often (s).
const autosaveInterval = 6 * 60 * 60

func New(cfg Config, hw Hardware) *Controller {
	c := &Controller{cfg: cfg, hw: hw}

	c.DevStat = &devstat.DeviceStatus{}
	flags := &c.DevStat.ErrorFlags

	c.BatBus = &power.DcBus{SeriesMultiplier: 1}
	c.SolarBus = &power.DcBus{SeriesMultiplier: 1}
	c.BatPort = &power.PowerPort{Bus: c.BatBus}
	c.SolarPort = &power.PowerPort{Bus: c.SolarBus}
	c.LoadPort = &power.PowerPort{Bus: c.BatBus}

	c.BatConf = battery.Defaults(cfg.BatteryType, cfg.NumCells, cfg.NominalCapacity)
	c.BatConfStaging = c.BatConf

	c.Charger = charger.New(c.BatPort, flags)

	if cfg.HasDcdc && hw.HalfBridge != nil {
		c.Dcdc = dcdc.New(c.SolarPort, c.BatPort, hw.HalfBridge, flags, dcdc.Config{
			Mode:               dcdc.ModeBuck,
			FreqKHz:            70,
			DeadtimeNs:         300,
			InductorCurrentMax: cfg.DcdcCurrentMax,
			HsVoltageMax:       cfg.HsVoltageMax,
			LsVoltageMax:       cfg.LsVoltageMax,
		})
		c.Dcdc.HvsEnable = hw.HvsEnable
		c.Dcdc.SaveState = func() { _ = c.Save() }
	}

	if cfg.HasPwmSwitch && hw.PwmDriver != nil {
		c.Pwm = pwmswitch.New(c.SolarPort, c.BatPort, hw.PwmDriver, cfg.PwmCurrentMax)
	}

	c.Load = load.NewOutput(c.LoadPort, flags, cfg.LoadCurrentMax, cfg.LsVoltageMax,
		hw.LoadSwitch)
	c.Usb = load.NewUsb(hw.UsbSwitch)

	c.Daq = daq.New(hw.DaqCfg, daq.Targets{
		BatBus:    c.BatBus,
		SolarBus:  c.SolarBus,
		BatPort:   c.BatPort,
		SolarPort: c.SolarPort,
		LoadPort:  c.LoadPort,
	})

	if c.Pwm != nil {
		c.Pwm.InhibitAlert = func(ms int32) {
			c.Daq.Inhibit(daq.ChVBat, daq.AlertUpper, ms)
		}
	}

	c.Registry = telemetry.NewRegistry()
	c.Registry.ExpertPassword = cfg.ExpertPassword
	c.Registry.MakerPassword = cfg.MakerPassword
	c.Registry.OnConfChanged = func() { _ = c.CommitBatConf() }
	c.registerNodes()

	if hw.Storage != nil {
		c.Store = persist.New(hw.Storage, telemetry.SchemaVersion)
	}

	return c
}

// Setup performs the deterministic startup sequence: safe defaults,
// restore persisted state, one-shot zero-current calibration with all
// outputs off, series-multiplier detection, terminal initialization and
// alert installation. The fast task may only run after Setup returned.
func (c *Controller) Setup() {
	// safe defaults until the charger allows anything
	c.BatPort.PosCurrentLimit = 0
	c.BatPort.NegCurrentLimit = 0

	if c.Store != nil {
		if values, err := c.Store.Load(); err == nil {
			c.Registry.Restore(values)
			// restored staging values become the active configuration
			// if they are plausible
			_ = c.CommitBatConf()
		} else {
			println("Info: persistent store:", err.Error())
		}
	}

	// all outputs are still off: capture the zero-current offsets
	if c.hw.LoadSwitch != nil {
		c.hw.LoadSwitch(false)
	}
	if c.hw.UsbSwitch != nil {
		c.hw.UsbSwitch(false)
	}
	c.Daq.UpdateMeasurements()
	c.Daq.CalibrateZeroCurrent()

	c.Charger.DetectNumBatteries(&c.BatConf)
	c.Charger.InitTerminal(&c.BatConf)
	c.SolarPort.InitSourceTerminal(c.cfg.SolarCurrentMax, c.cfg.SolarVoltageFloor)

	c.installAlerts()

	if c.Load.InitHW != nil {
		c.Load.InitHW()
	}
}

// installAlerts binds the battery voltage comparators: the upper alert
// stops the power stage immediately, the lower alert blocks discharging.
func (c *Controller) installAlerts() {
	mult := c.BatBus.SeriesMultiplier

	c.Daq.SetAlert(daq.ChVBat, daq.AlertUpper, c.BatConf.AbsoluteMaxVoltage*mult, func() {
		c.DevStat.ErrorFlags.Set(devstat.ErrBatOvervoltage)
		if c.Dcdc != nil {
			c.Dcdc.Stop(c.secondTicks * 1000)
		}
		if c.Pwm != nil {
			c.Pwm.EmergencyStop(c.secondTicks)
		}
		c.Charger.EmergencyStop()
	})

	c.Daq.SetAlert(daq.ChVBat, daq.AlertLower, c.BatConf.AbsoluteMinVoltage*mult, func() {
		c.DevStat.ErrorFlags.Set(devstat.ErrBatUndervoltage)
		c.BatPort.NegCurrentLimit = 0
	})
}

// CommitBatConf validates the staging configuration and swaps it in
// atomically. On failure the active configuration is copied back into
// staging so the external interface sees the actual values.
func (c *Controller) CommitBatConf() error {
	if err := c.BatConfStaging.Validate(); err != nil {
		c.BatConfStaging = c.BatConf
		return err
	}

	if battery.Overwrite(&c.BatConfStaging, &c.BatConf) {
		c.Charger.ResetCapacity()
	}
	c.Charger.InitTerminal(&c.BatConf)
	c.installAlerts()
	c.saveRequested = true
	return nil
}

// Save persists all PERSIST-flagged nodes now.
func (c *Controller) Save() error {
	if c.Store == nil {
		return nil
	}
	c.saveRequested = false
	c.lastSaved = c.secondTicks
	return c.Store.Save(c.Registry.PersistedValues())
}
