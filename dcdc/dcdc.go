// Package dcdc implements the DC/DC converter control: perturb-and-observe
// MPPT plus limit enforcement, driving a half-bridge PWM stage towards the
// charger-provided voltage and current setpoints while honoring the hard
// limits of the power stage silicon.
//
// Buck mode transfers power from the high-side (solar) bus to the low-side
// (battery) bus; boost mode is the mirror image. Auto mode allows both
// directions (nanogrid operation).
package dcdc

import (
	"chargectl-go/devstat"
	"chargectl-go/power"
)

// Mode selects the allowed conversion direction.
type Mode uint8

const (
	ModeOff Mode = iota
	ModeBuck
	ModeBoost
	ModeAuto
)

// ControlState names the limit currently governing the duty adjustment.
type ControlState uint8

const (
	ControlOff ControlState = iota
	ControlMPPT
	ControlCVHS // high-side voltage limit
	ControlCVLS // low-side voltage limit
	ControlCCHS // high-side current limit
	ControlCCLS // low-side or inductor current limit
	ControlDerating
)

// HalfBridge is the PWM driver contract consumed by this controller.
type HalfBridge interface {
	Init(freqKHz, deadtimeNs int, dutyMin, dutyMax float32)
	Start()
	Stop()
	SetDuty(duty float32)
	Duty() float32
	SetCCR(ccr int)
	CCR() int
	Enabled() bool
}

const (
	mosfetsMaxTemp = 120 // °C

	// duty increments per control iteration (counts); faster MCUs run
	// the loop less often relative to the PWM clock and use 3
	dutyStepSize = 1

	buckDutyPowerDecrease = -dutyStepSize
	buckDutyPowerIncrease = +dutyStepSize

	boostDutyPowerDecrease = +dutyStepSize
	boostDutyPowerIncrease = -dutyStepSize

	// measurements have to settle after enabling the HV supply before
	// the first control iteration
	startupInhibitMs = 100

	// low/negative power longer than this stops the converter
	powerGoodTimeoutMs = 10_000

	// consecutive time of off-state current flow confirming a shorted
	// high-side MOSFET
	hsShortConfirmMs = 10_000
)

// Dcdc is the converter control state. The fast task calls Control at the
// PWM adjustment rate; the slow task only reads fields for telemetry.
type Dcdc struct {
	HsPort *power.PowerPort // solar side for a typical MPPT buck
	LsPort *power.PowerPort // battery side

	Mode  Mode
	State ControlState

	// Operator enable via telemetry; switching off stops the converter
	// on the next iteration.
	Enable bool

	// Measurements, written by the measurement adapter.
	InductorCurrent         float32
	InductorCurrentFiltered float32
	TempMosfets             float32

	// Hard limits of the power stage.
	InductorCurrentMax float32
	HsVoltageMax       float32
	LsVoltageMax       float32
	LsVoltageMin       float32

	// Converter switches off if output power stays below this (W).
	OutputPowerMin float32

	// Cooldown before a restart attempt (s).
	RestartInterval uint32

	OffTimestampMs       int64
	PowerGoodTimestampMs int64

	Flags *devstat.Flags

	// HvsEnable drives the optional HV output enable GPIO.
	HvsEnable func(on bool)

	// SaveState persists device state; called before fuse destruction.
	SaveState func()

	hb HalfBridge

	pwmDirection int
	powerPrev    float32

	inhibitStartMs  int64
	shortDetectedMs int64
	fuseCounter     int
}

// Config carries the board-level limits of the power stage.
type Config struct {
	Mode               Mode
	FreqKHz            int
	DeadtimeNs         int
	InductorCurrentMax float32
	HsVoltageMax       float32
	LsVoltageMax       float32
}

func New(hs, ls *power.PowerPort, hb HalfBridge, flags *devstat.Flags, cfg Config) *Dcdc {
	d := &Dcdc{
		HsPort:             hs,
		LsPort:             ls,
		Mode:               cfg.Mode,
		Enable:             true,
		InductorCurrentMax: cfg.InductorCurrentMax,
		HsVoltageMax:       cfg.HsVoltageMax,
		LsVoltageMax:       cfg.LsVoltageMax,
		LsVoltageMin:       9.0,
		OutputPowerMin:     1, // switch off if power < 1 W
		RestartInterval:    60,
		OffTimestampMs:     -1_000_000, // start immediately after reset
		Flags:              flags,
		hb:                 hb,
	}
	// lower duty limit depends on the maximum HS voltage so the LS rail
	// can never be driven below the gate supply minimum
	hb.Init(cfg.FreqKHz, cfg.DeadtimeNs, 12/cfg.HsVoltageMax, 0.97)
	return d
}

func (d *Dcdc) Duty() float32 { return d.hb.Duty() }

// Enabled reports whether the half bridge is switching.
func (d *Dcdc) Enabled() bool { return d.hb.Enabled() }

// Power returns the low-side (output for buck) power.
func (d *Dcdc) Power() float32 { return d.LsPort.Power }

// perturbObserveBuck runs one P&O decision for buck operation. First
// matching rule wins; pwmDirection 0 means "stop".
func (d *Dcdc) perturbObserveBuck(nowMs int64) {
	hvb, lvb := d.HsPort.Bus, d.LsPort.Bus
	pwr := d.LsPort.Power

	if pwr >= d.OutputPowerMin {
		d.PowerGoodTimestampMs = nowMs
	}

	if (nowMs-d.PowerGoodTimestampMs > powerGoodTimeoutMs || pwr < -10.0) && d.Mode != ModeAuto {
		// switch off after 10 s of low power or on negative power
		d.pwmDirection = 0
	} else if lvb.Voltage > lvb.SinkControlVoltage() {
		d.State = ControlCVLS
		d.pwmDirection = buckDutyPowerDecrease
	} else if d.LsPort.SinkCurrentMargin() < 0 || d.InductorCurrent > d.InductorCurrentMax {
		d.State = ControlCCLS
		d.pwmDirection = buckDutyPowerDecrease
	} else if d.HsPort.SrcCurrentMargin() > 0 {
		d.State = ControlCCHS
		d.pwmDirection = buckDutyPowerDecrease
	} else if hvb.Voltage < hvb.SrcControlVoltage() && pwr > d.OutputPowerMin {
		// input voltage below limit
		d.State = ControlCVHS
		d.pwmDirection = buckDutyPowerDecrease
	} else if d.TempMosfets > mosfetsMaxTemp {
		d.State = ControlDerating
		d.pwmDirection = buckDutyPowerDecrease
	} else if pwr < d.OutputPowerMin && lvb.Voltage < lvb.SrcControlVoltage() {
		// no-load condition (e.g. nanogrid start-up): raise voltage
		d.pwmDirection = buckDutyPowerIncrease
	} else {
		d.State = ControlMPPT
		if d.powerPrev > pwr {
			d.pwmDirection = -d.pwmDirection
		}
	}

	d.powerPrev = pwr
}

// perturbObserveBoost mirrors perturbObserveBuck with the sides swapped
// and the duty direction inverted.
func (d *Dcdc) perturbObserveBoost(nowMs int64) {
	hvb, lvb := d.HsPort.Bus, d.LsPort.Bus
	pwr := d.LsPort.Power

	if -pwr >= d.OutputPowerMin {
		d.PowerGoodTimestampMs = nowMs
	}

	if (nowMs-d.PowerGoodTimestampMs > powerGoodTimeoutMs || -pwr < -10.0) && d.Mode != ModeAuto {
		d.pwmDirection = 0
	} else if hvb.Voltage > hvb.SinkControlVoltage() {
		d.State = ControlCVHS
		d.pwmDirection = boostDutyPowerDecrease
	} else if d.HsPort.SinkCurrentMargin() < 0 {
		d.State = ControlCCHS
		d.pwmDirection = boostDutyPowerDecrease
	} else if d.LsPort.SrcCurrentMargin() > 0 || -d.InductorCurrent > d.InductorCurrentMax {
		d.State = ControlCCLS
		d.pwmDirection = boostDutyPowerDecrease
	} else if lvb.Voltage < lvb.SrcControlVoltage() && -pwr > d.OutputPowerMin {
		d.State = ControlCVLS
		d.pwmDirection = boostDutyPowerDecrease
	} else if d.TempMosfets > mosfetsMaxTemp {
		d.State = ControlDerating
		d.pwmDirection = boostDutyPowerDecrease
	} else if -pwr < d.OutputPowerMin && hvb.Voltage < hvb.SrcControlVoltage() {
		d.pwmDirection = boostDutyPowerIncrease
	} else {
		d.State = ControlMPPT
		if -d.powerPrev > -pwr {
			d.pwmDirection = -d.pwmDirection
		}
	}

	d.powerPrev = pwr
}

// checkStartConditions returns the mode the converter may start in right
// now, or ModeOff.
func (d *Dcdc) checkStartConditions(nowMs int64) Mode {
	hvb, lvb := d.HsPort.Bus, d.LsPort.Bus

	if !d.Enable ||
		hvb.Voltage > d.HsVoltageMax || // critical for buck too because of ringing
		lvb.Voltage > d.LsVoltageMax || lvb.Voltage < d.LsVoltageMin ||
		d.Flags.Has(devstat.ErrBatUndervoltage|devstat.ErrBatOvervoltage) ||
		nowMs < d.OffTimestampMs+int64(d.RestartInterval)*1000 {
		return ModeOff
	}

	if d.LsPort.SinkCurrentMargin() > 0 && lvb.Voltage < lvb.SinkControlVoltage() &&
		d.HsPort.SrcCurrentMargin() < 0 && hvb.Voltage > hvb.SrcControlVoltage() &&
		hvb.Voltage*0.85 > lvb.Voltage {
		// sufficient headroom between the rails for buck regulation
		return ModeBuck
	}

	if d.HsPort.SinkCurrentMargin() > 0 && hvb.Voltage < hvb.SinkControlVoltage() &&
		d.LsPort.SrcCurrentMargin() < 0 && lvb.Voltage > lvb.SrcControlVoltage() {
		return ModeBoost
	}

	return ModeOff
}

// CheckHsMosfetShort latches the HS MOSFET short error if current keeps
// flowing while the half-bridge is commanded off. Returns the latched
// state.
func (d *Dcdc) CheckHsMosfetShort(nowMs int64) bool {
	lvb := d.LsPort.Bus
	if !d.hb.Enabled() && d.InductorCurrentFiltered > 0.5 &&
		lvb.VoltageFiltered > lvb.SinkControlVoltage() {
		if d.shortDetectedMs == 0 {
			d.shortDetectedMs = nowMs
		} else if nowMs-d.shortDetectedMs > hsShortConfirmMs {
			d.Flags.Set(devstat.ErrDcdcHsMosfetShort)
		}
	} else {
		d.shortDetectedMs = 0
	}

	return d.Flags.Has(devstat.ErrDcdcHsMosfetShort)
}

// startupInhibit reports whether the start of control iterations is still
// inhibited so that measurements can settle after enabling outputs.
func (d *Dcdc) startupInhibit(nowMs int64) bool {
	return nowMs < d.inhibitStartMs+startupInhibitMs
}

func (d *Dcdc) resetStartupInhibit(nowMs int64) { d.inhibitStartMs = nowMs }

// Control runs one iteration of the converter state machine. Invoked from
// the fast task at the PWM adjustment rate.
func (d *Dcdc) Control(nowMs int64) {
	hvb, lvb := d.HsPort.Bus, d.LsPort.Bus

	if !d.hb.Enabled() {
		if d.CheckHsMosfetShort(nowMs) {
			return
		}

		startupMode := d.checkStartConditions(nowMs)

		if (startupMode == ModeBuck && d.Mode == ModeBuck) ||
			(startupMode == ModeBoost && d.Mode == ModeBoost) ||
			(startupMode != ModeOff && d.Mode == ModeAuto) {

			if d.HvsEnable != nil {
				d.HvsEnable(true)
			}

			// startup allowed, but wait until voltages settle
			if d.startupInhibit(nowMs) {
				return
			}

			if startupMode == ModeBuck {
				d.pwmDirection = buckDutyPowerIncrease
				// Don't start directly at Vmpp (approx. 0.8 * Voc) to
				// prevent high inrush currents and MOSFET stress.
				d.hb.SetDuty(lvb.Voltage / (hvb.Voltage - 1))
				println("Info: DC/DC buck mode start")
			} else {
				d.pwmDirection = boostDutyPowerIncrease
				// Starts with max duty if connected to a nanogrid that
				// has not started up yet (zero voltage).
				d.hb.SetDuty(lvb.Voltage / (hvb.Voltage + 1))
				println("Info: DC/DC boost mode start")
			}

			d.hb.Start()
			d.PowerGoodTimestampMs = nowMs
		} else {
			d.resetStartupInhibit(nowMs)
		}
		return
	}

	// half bridge is on
	stopReason := ""
	if lvb.Voltage > d.LsVoltageMax || hvb.Voltage > d.HsVoltageMax {
		stopReason = "emergency (voltage limits exceeded)"
	} else if !d.Enable {
		stopReason = "disabled"
	} else {
		if d.Mode == ModeBuck || (d.Mode == ModeAuto && d.InductorCurrent > 0.1) {
			d.perturbObserveBuck(nowMs)
		} else {
			d.perturbObserveBoost(nowMs)
		}

		if d.pwmDirection != 0 {
			d.hb.SetCCR(d.hb.CCR() + d.pwmDirection)
		} else {
			stopReason = "low power"
		}
	}

	if stopReason != "" {
		d.Stop(nowMs)
		println("Info: DC/DC stop:", stopReason)
	}
}

// Test runs the commissioning mode: duty dither around 50 % honoring the
// stop conditions, without any MPPT or setpoint tracking.
func (d *Dcdc) Test(nowMs int64) {
	hvb, lvb := d.HsPort.Bus, d.LsPort.Bus

	if d.hb.Enabled() {
		stopReason := ""
		if lvb.Voltage > d.LsVoltageMax || hvb.Voltage > d.HsVoltageMax {
			stopReason = "emergency (voltage limits exceeded)"
		} else if !d.Enable {
			stopReason = "disabled"
		} else if d.hb.Duty() > 0.50 {
			d.hb.SetCCR(d.hb.CCR() - 1)
		} else {
			d.hb.SetCCR(d.hb.CCR() + 1)
		}
		if stopReason != "" {
			d.Stop(nowMs)
			println("Info: DC/DC stop:", stopReason)
		}
		return
	}

	if d.checkStartConditions(nowMs) != ModeOff {
		if d.startupInhibit(nowMs) {
			return
		}
		d.hb.SetDuty(lvb.Voltage / hvb.Voltage)
		d.hb.Start()
		println("Info: DC/DC test mode start")
	} else {
		d.resetStartupInhibit(nowMs)
	}
}

// Stop halts the PWM, disables the HV output and starts the restart
// cooldown. Also used as the emergency stop from the alert path.
func (d *Dcdc) Stop(nowMs int64) {
	d.hb.Stop()
	d.State = ControlOff
	d.OffTimestampMs = nowMs
	if d.HvsEnable != nil {
		d.HvsEnable(false)
	}
}

// FuseDestruction intentionally triggers the input fuse after a confirmed
// high-side MOSFET short. Called once per second by the slow task while
// the short flag is latched; waits 20 s so telemetry can go out, then
// persists state and drives the bridge to 0 % duty.
func (d *Dcdc) FuseDestruction() {
	if d.fuseCounter > 20 {
		println("Error: charge controller fuse destruction called!")
		if d.SaveState != nil {
			d.SaveState()
		}
		d.hb.Stop()
		d.hb.Init(50, 0, 0, 0.98) // relax limits to allow 0 % duty
		d.hb.SetDuty(0)
		d.hb.Start()
		// now the fuse should blow and we disappear
		return
	}
	d.fuseCounter++
}
