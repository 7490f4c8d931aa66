// Package charger implements the multi-phase battery charging state
// machine: bulk (CC/MPPT), topping (CV), float and equalization, with
// temperature compensation, cut-off detection, recovery transitions and a
// follower mode for operation behind a peer controller on a shared bus.
//
// The charger never touches the power stage directly. It writes voltage
// intercepts and current limits into the shared battery port; the power
// stage reads them on its next iteration.
package charger

import (
	"chargectl-go/battery"
	"chargectl-go/devstat"
	"chargectl-go/power"
	"chargectl-go/x/mathx"
	"chargectl-go/x/timex"
)

// State enumerates the charger phases. See IUoU battery charging.
type State uint8

const (
	// Idle: initial state. If the solar voltage is high enough and the
	// battery is not full, bulk charging is started.
	StateIdle State = iota

	// Bulk: charge with maximum possible current (MPPT active) until
	// the CV voltage limit is reached.
	StateBulk

	// Topping: hold the CV setpoint until the current tapers below the
	// cut-off or the time limit is reached.
	StateTopping

	// Float: maintenance charge, kept forever for lead-acid. Reverts to
	// bulk if too much energy is drawn from the battery.
	StateFloat

	// Equalization: periodic controlled overcharge for flooded
	// lead-acid batteries.
	StateEqualization

	// Follower: a peer controller with higher priority sends current
	// targets over the control channel; this device mirrors them.
	StateFollower
)

func (s State) String() string {
	switch s {
	case StateBulk:
		return "bulk"
	case StateTopping:
		return "topping"
	case StateFloat:
		return "float"
	case StateEqualization:
		return "equalization"
	case StateFollower:
		return "follower"
	default:
		return "idle"
	}
}

// Topping falls back to bulk after this long without the battery becoming
// full (not enough solar power; retry next day).
const toppingTimeout = 8 * 60 * 60

// Charger holds the charging state for one battery port.
type Charger struct {
	Port *power.PowerPort

	State State

	// Battery temperature (°C) from the external sensor if present,
	// 25 °C ambient assumption otherwise.
	BatTemperature float32
	ExtTempSensor  bool

	// Estimated usable capacity (Ah) from coulomb counting between full
	// charge and deep discharge.
	UsableCapacity float32

	// Coulomb counter since last full charge (Ah).
	DischargedAh float32

	NumFullCharges    uint16
	NumDeepDischarges uint16

	// State of charge and state of health (%).
	Soc uint16
	Soh uint16

	TimeStateChanged         int64
	TimeTargetVoltageReached int64
	TimeLastEqualization     int64
	TimeLastCtrlMsg          int64

	// Seconds during which the target voltage of the current phase was
	// reached.
	TargetVoltageTimer uint32

	// Deep-discharge counter value at the end of the last equalization.
	DeepDisLastEqualization uint16

	Full  bool
	Empty bool

	// Target current for peer controllers (written in topping/float so
	// paralleled devices share the load), or the target received from
	// the peer while in follower mode.
	TargetCurrentControl float32

	Flags *devstat.Flags

	socFiltered int32 // SOC x100 for slow filtering
}

func New(port *power.PowerPort, flags *devstat.Flags) *Charger {
	return &Charger{
		Port:                     port,
		BatTemperature:           25,
		Soc:                      100,
		Soh:                      100,
		TimeStateChanged:         timex.TimeNever,
		TimeTargetVoltageReached: timex.TimeNever,
		TimeLastEqualization:     timex.TimeNever,
		TimeLastCtrlMsg:          timex.TimeNever,
		Flags:                    flags,
	}
}

// InitTerminal configures the battery port setpoints from the battery
// configuration. Called at startup and after a config commit.
func (c *Charger) InitTerminal(conf *battery.Conf) {
	bus := c.Port.Bus
	if bus.SeriesMultiplier == 0 {
		bus.SeriesMultiplier = 1
	}

	bus.SinkVoltageIntercept = conf.ToppingVoltage
	bus.SrcVoltageIntercept = conf.LoadDisconnectVoltage

	c.Port.NegCurrentLimit = -conf.DischargeCurrentMax
	c.Port.PosCurrentLimit = conf.ChargeCurrentMax

	// Negative sign compensates the actual wire resistance instead of
	// adding a virtual droop. The droop term is not scaled by the series
	// multiplier in the control voltage.
	bus.SinkDroopRes = -conf.WireResistance

	// In discharging direction the battery internal resistance also
	// contributes to the compensation of the voltage setpoints.
	bus.SrcDroopRes = -conf.WireResistance - conf.InternalResistance
}

// DetectNumBatteries sets the series multiplier to 2 if the idle bus
// voltage indicates two batteries in series (12 V / 24 V auto-detection).
// Must run before the power stage is enabled.
func (c *Charger) DetectNumBatteries(conf *battery.Conf) {
	bus := c.Port.Bus
	if bus.Voltage > conf.AbsoluteMinVoltage*2 && bus.Voltage < conf.AbsoluteMaxVoltage*2 {
		bus.SeriesMultiplier = 2
	} else {
		bus.SeriesMultiplier = 1
	}
}

// ControlMessageHook is called by the peer control channel transport for
// every received target-current frame.
func (c *Charger) ControlMessageHook(targetCurrent float32, now int64) {
	c.TargetCurrentControl = targetCurrent
	c.TimeLastCtrlMsg = now
}

// EmergencyStop is called from the battery overvoltage alert path. It
// cuts the charging current limit; the state machine observes the flag
// on its next tick and stays idle until the voltage recovered.
func (c *Charger) EmergencyStop() {
	c.Port.PosCurrentLimit = 0
	c.enterState(StateIdle, timex.Uptime())
}

func (c *Charger) enterState(next State, now int64) {
	c.TimeStateChanged = now
	c.State = next
}

func (c *Charger) tcSetpoint(base float32, conf *battery.Conf) float32 {
	return base + conf.TemperatureCompensation*(c.BatTemperature-25)
}

// ChargeControl advances the charging state machine. Must be called once
// per second.
func (c *Charger) ChargeControl(conf *battery.Conf, now int64) {
	port := c.Port
	bus := port.Bus

	// battery temperature window for the charging direction
	if c.BatTemperature > conf.ChargeTempMax {
		port.PosCurrentLimit = 0
		c.Flags.Set(devstat.ErrBatChgOvertemp)
		c.enterState(StateIdle, now)
	} else if c.BatTemperature < conf.ChargeTempMin {
		port.PosCurrentLimit = 0
		c.Flags.Set(devstat.ErrBatChgUndertemp)
		c.enterState(StateIdle, now)
	}

	if c.Flags.Has(devstat.ErrBatOvervoltage) &&
		bus.Voltage < (conf.AbsoluteMaxVoltage-0.5)*bus.SeriesMultiplier {
		c.Flags.Clear(devstat.ErrBatOvervoltage)
	}

	if c.State != StateFollower && now-c.TimeLastCtrlMsg <= 1 {
		c.enterState(StateFollower, now)
	}

	switch c.State {
	case StateIdle:
		if (c.TimeStateChanged == timex.TimeNever ||
			(now-c.TimeStateChanged > int64(conf.TimeLimitRecharge) &&
				bus.Voltage < bus.SinkControlVoltage(conf.RechargeVoltage))) &&
			bus.Voltage > bus.SinkControlVoltage(conf.AbsoluteMinVoltage) &&
			c.BatTemperature < conf.ChargeTempMax-1 &&
			c.BatTemperature > conf.ChargeTempMin+1 {

			bus.SinkVoltageIntercept = c.tcSetpoint(conf.ToppingVoltage, conf)
			port.PosCurrentLimit = conf.ChargeCurrentMax
			c.TargetCurrentControl = port.PosCurrentLimit
			c.Full = false
			c.Flags.Clear(devstat.ErrBatChgOvertemp | devstat.ErrBatChgUndertemp |
				devstat.ErrBatOvervoltage)
			c.enterState(StateBulk, now)
		}

	case StateBulk:
		// continuously adjust the setpoint for temperature compensation
		bus.SinkVoltageIntercept = c.tcSetpoint(conf.ToppingVoltage, conf)

		if bus.Voltage > bus.SinkControlVoltage() {
			c.TargetVoltageTimer = 0
			c.enterState(StateTopping, now)
		}

	case StateTopping:
		bus.SinkVoltageIntercept = c.tcSetpoint(conf.ToppingVoltage, conf)

		// power sharing: paralleled devices supply the same current
		c.TargetCurrentControl = port.CurrentFiltered

		if bus.VoltageFiltered >= bus.SinkControlVoltage()-0.05 {
			// battery is full if the topping target is still reached
			// (sufficient solar power) and the time limit or cut-off
			// current is reached
			if port.CurrentFiltered < conf.ToppingCutoffCurrent ||
				c.TargetVoltageTimer > conf.ToppingDuration {
				c.Full = true
			}
			c.TargetVoltageTimer++
		} else if now-c.TimeStateChanged > toppingTimeout {
			// not enough solar power; back to bulk for the next day
			c.enterState(StateBulk, now)
		}

		if c.Full {
			c.NumFullCharges++
			c.DischargedAh = 0

			if conf.EqlEnabled &&
				((now-c.TimeLastEqualization)/(24*60*60) >= int64(conf.EqlTriggerDays) ||
					uint32(c.NumDeepDischarges-c.DeepDisLastEqualization) >= conf.EqlTriggerDeepCycles) {
				bus.SinkVoltageIntercept = conf.EqlVoltage
				port.PosCurrentLimit = conf.EqlCurrentLimit
				c.enterState(StateEqualization, now)
			} else if conf.FloatEnabled {
				bus.SinkVoltageIntercept = c.tcSetpoint(conf.FloatVoltage, conf)
				c.enterState(StateFloat, now)
			} else {
				port.PosCurrentLimit = 0
				c.enterState(StateIdle, now)
			}
		}

	case StateFloat:
		bus.SinkVoltageIntercept = c.tcSetpoint(conf.FloatVoltage, conf)

		c.TargetCurrentControl = port.CurrentFiltered

		if bus.Voltage >= bus.SinkControlVoltage() {
			c.TimeTargetVoltageReached = now
		}

		if now-c.TimeTargetVoltageReached > int64(conf.FloatRechargeTime) &&
			bus.VoltageFiltered < bus.SinkControlVoltage(conf.RechargeVoltage) {
			// the battery was discharged: the float voltage could not
			// be reached anymore. Float never returns to idle; for
			// chemistries where float is harmful it must be disabled.
			port.PosCurrentLimit = conf.ChargeCurrentMax
			c.Full = false
			c.enterState(StateBulk, now)
		}

	case StateEqualization:
		bus.SinkVoltageIntercept = c.tcSetpoint(conf.EqlVoltage, conf)

		c.TargetCurrentControl = port.CurrentFiltered

		if now-c.TimeStateChanged > int64(conf.EqlDuration) {
			c.TimeLastEqualization = now
			c.DeepDisLastEqualization = c.NumDeepDischarges
			c.DischargedAh = 0

			if conf.FloatEnabled {
				bus.SinkVoltageIntercept = c.tcSetpoint(conf.FloatVoltage, conf)
				c.enterState(StateFloat, now)
			} else {
				port.PosCurrentLimit = 0
				c.enterState(StateIdle, now)
			}
		}

	case StateFollower:
		if now-c.TimeLastCtrlMsg > 1 {
			// peer gone, back to the normal state machine
			port.PosCurrentLimit = conf.ChargeCurrentMax
			bus.SinkVoltageIntercept = c.tcSetpoint(conf.ToppingVoltage, conf)
			c.enterState(StateBulk, now)
		} else {
			port.PosCurrentLimit = c.TargetCurrentControl
			// safety cap while somebody else controls the current
			bus.SinkVoltageIntercept = conf.AbsoluteMaxVoltage
		}
	}
}

// DischargeControl gates the battery port's discharging current limit on
// undervoltage and the discharge temperature window, and maintains the
// empty flag / SOH estimate from load shedding events. Must be called
// once per second.
func (c *Charger) DischargeControl(conf *battery.Conf) {
	port := c.Port
	bus := port.Bus

	if !c.Empty {
		// Without a precise SOC estimate, a deep-discharged battery is
		// detected by the main load output having shed its load.
		if c.Flags.Has(devstat.ErrLoadShedding) {
			c.Empty = true
			c.NumDeepDischarges++

			if c.UsableCapacity == 0 {
				// reset to the measured value on first discharge
				c.UsableCapacity = c.DischargedAh
			} else {
				// adapt new measurements with a slow low-pass
				c.UsableCapacity = 0.8*c.UsableCapacity + 0.2*c.DischargedAh
			}
			c.Soh = uint16(mathx.Clamp(100*c.UsableCapacity/conf.NominalCapacity, 0, 100))
		}
	} else if !c.Flags.Has(devstat.ErrLoadShedding) {
		c.Empty = false
	}

	if port.NegCurrentLimit < 0 {
		// discharging currently allowed; should it stay allowed?

		// This limit should normally never be reached, as the load
		// output thresholds are higher. Last-resort protection.
		if bus.Voltage < bus.SrcControlVoltage(conf.AbsoluteMinVoltage) {
			port.NegCurrentLimit = 0
			c.Flags.Set(devstat.ErrBatUndervoltage)
		}

		if c.BatTemperature > conf.DischargeTempMax {
			port.NegCurrentLimit = 0
			c.Flags.Set(devstat.ErrBatDisOvertemp)
		} else if c.BatTemperature < conf.DischargeTempMin {
			port.NegCurrentLimit = 0
			c.Flags.Set(devstat.ErrBatDisUndertemp)
		}
	} else {
		// discharging disallowed; recover with hysteresis

		if bus.Voltage >= bus.SrcControlVoltage(conf.AbsoluteMinVoltage+0.1) {
			c.Flags.Clear(devstat.ErrBatUndervoltage)
		}

		if c.BatTemperature < conf.DischargeTempMax-1 &&
			c.BatTemperature > conf.DischargeTempMin+1 {
			c.Flags.Clear(devstat.ErrBatDisOvertemp | devstat.ErrBatDisUndertemp)
		}

		if !c.Flags.Has(devstat.ErrBatUndervoltage | devstat.ErrBatDisOvertemp |
			devstat.ErrBatDisUndertemp) {
			port.NegCurrentLimit = -conf.DischargeCurrentMax
		}
	}
}

// UpdateSoc advances the coulomb counter and the voltage-based SOC
// estimate. Must be called exactly once per second.
func (c *Charger) UpdateSoc(conf *battery.Conf) {
	port := c.Port

	if mathx.Abs(port.Current) < 0.2 {
		// voltage-based estimate, only valid near zero current
		socNew := int32((port.Bus.Voltage - conf.OcvEmpty) /
			(conf.OcvFull - conf.OcvEmpty) * 10000)

		if socNew > 500 && c.socFiltered == 0 {
			// bypass the filter during initialization
			c.socFiltered = socNew
		} else {
			// adjust very slowly
			c.socFiltered += (socNew - c.socFiltered) / 100
		}

		c.socFiltered = mathx.Clamp(c.socFiltered, 0, 10000)
		c.Soc = uint16(c.socFiltered / 100)
	}

	c.DischargedAh += -port.Current / 3600 // charging current is positive
}

// ResetCapacity zeroes the coulomb counter, usable capacity and SOH.
// Called when the nominal battery capacity was changed via configuration.
func (c *Charger) ResetCapacity() {
	c.DischargedAh = 0
	c.UsableCapacity = 0
	c.Soh = 0
}
