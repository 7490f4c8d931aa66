// Package load controls the DC load and USB outputs: low-voltage
// disconnect and reconnect with current-compensated thresholds, thermal
// overcurrent modeling, overvoltage and short-circuit response with
// recovery timers.
package load

import (
	"chargectl-go/battery"
	"chargectl-go/devstat"
	"chargectl-go/power"
)

// State of a load or USB output switch.
type State uint8

const (
	StateDisabled        State = iota // actively disabled via telemetry
	StateOn                           // normal operation
	StateOffLowSoc                    // off to protect the battery
	StateOffOvercurrent               // off to protect the controller
	StateOffOvervoltage               // off to protect the loads
	StateOffShortCircuit              // off to protect the controller
	StateOffTemperature               // off due to battery temperature limits
)

func (s State) String() string {
	switch s {
	case StateOn:
		return "on"
	case StateOffLowSoc:
		return "off_low_soc"
	case StateOffOvercurrent:
		return "off_overcurrent"
	case StateOffOvervoltage:
		return "off_overvoltage"
	case StateOffShortCircuit:
		return "off_short_circuit"
	case StateOffTemperature:
		return "off_temperature"
	default:
		return "disabled"
	}
}

const (
	junctionTempMax     = 120 // °C
	thermalTimeConstant = 5   // s
	controlFrequency    = 10  // Hz, rate of Control calls

	// consecutive Control calls above the voltage ceiling before the
	// output is switched off (1 s)
	overvoltageDebounce = controlFrequency

	// a sudden collapse of the bus voltage while the load is on points
	// at an overcurrent event too small for the comparator
	voltageDipRatio = 0.75
)

// Output is one switched load output.
type Output struct {
	Port *power.PowerPort

	State State

	// Target setting via telemetry. Protective states overrule it.
	Enable bool

	// PGood mirrors the actual switch driver state.
	PGood bool

	// Junction temperature estimate of the load switch (°C), driven by
	// a first-order thermal model from current and ambient temperature.
	JunctionTemperature float32

	// Absolute current rating of the output hardware (A).
	CurrentMax float32

	// Bus voltage ceiling for attached loads (V).
	VoltageMax float32

	OvercurrentTimestamp int64
	OcRecoveryDelay      uint32 // s

	LvdTimestamp     int64
	LvdRecoveryDelay uint32 // s

	Flags *devstat.Flags

	// Switch driver callbacks.
	Set    func(on bool)
	InitHW func()

	voltagePrev float32
	ovCounter   int
}

func NewOutput(port *power.PowerPort, flags *devstat.Flags, currentMax, voltageMax float32, set func(bool)) *Output {
	return &Output{
		Port:                port,
		Enable:              true,
		JunctionTemperature: 25,
		CurrentMax:          currentMax,
		VoltageMax:          voltageMax,
		OcRecoveryDelay:     5 * 60,
		LvdRecoveryDelay:    60,
		Flags:               flags,
		Set:                 set,
	}
}

func (o *Output) switchSet(on bool) {
	o.PGood = on
	if o.Set != nil {
		o.Set(on)
	}
}

// EmergencyStop switches the output off immediately and latches the given
// state. May be called from an ISR context (short-circuit comparator,
// undervoltage alert).
func (o *Output) EmergencyStop(next State, now int64) {
	o.switchSet(false)
	o.State = next
	switch next {
	case StateOffShortCircuit:
		o.Flags.Set(devstat.ErrLoadShortCircuit)
	case StateOffOvercurrent:
		o.OvercurrentTimestamp = now
		o.Flags.Set(devstat.ErrLoadOvercurrent)
	case StateOffLowSoc:
		o.LvdTimestamp = now
		o.Flags.Set(devstat.ErrLoadShedding)
	}
}

// Control performs the time-critical checks: the thermal overcurrent
// model, the overvoltage debounce and the voltage-dip detector. Called at
// controlFrequency from the slow task.
func (o *Output) Control(ambientTemp float32, now int64) {
	i := o.Port.Current
	v := o.Port.Bus.Voltage

	// junction temperature model for overcurrent detection
	o.JunctionTemperature += (ambientTemp - o.JunctionTemperature +
		i*i/(o.CurrentMax*o.CurrentMax)*(junctionTempMax-25)) /
		(thermalTimeConstant * controlFrequency)

	if o.JunctionTemperature > junctionTempMax {
		o.EmergencyStop(StateOffOvercurrent, now)
	}

	if v > o.VoltageMax {
		o.ovCounter++
		if o.ovCounter > overvoltageDebounce {
			o.switchSet(false)
			o.State = StateOffOvervoltage
			o.Flags.Set(devstat.ErrLoadOvervoltage)
		}
	} else {
		o.ovCounter = 0
	}

	if o.PGood && o.voltagePrev > 0 && v < o.voltagePrev*voltageDipRatio {
		o.Flags.Set(devstat.ErrLoadVoltageDip)
		o.EmergencyStop(StateOffOvercurrent, now)
	}
	o.voltagePrev = v
}

// StateMachine runs the low-voltage disconnect/reconnect logic and the
// recovery timers. Called once per second.
func (o *Output) StateMachine(conf *battery.Conf, now int64) {
	bus := o.Port.Bus

	// current-compensated thresholds: the source droop encodes the
	// negative wire + internal resistance, so discharging current lowers
	// the disconnect threshold towards the true open-circuit voltage
	disconnect := bus.SrcControlVoltage(conf.LoadDisconnectVoltage)
	reconnect := bus.SrcControlVoltage(conf.LoadReconnectVoltage)

	switch o.State {
	case StateDisabled:
		if o.Enable && bus.Voltage >= reconnect && o.Port.NegCurrentLimit < 0 {
			o.switchSet(true)
			o.State = StateOn
		}

	case StateOn:
		switch {
		case !o.Enable:
			o.switchSet(false)
			o.State = StateDisabled
		case o.Flags.Has(devstat.ErrBatDisOvertemp | devstat.ErrBatDisUndertemp):
			o.switchSet(false)
			o.State = StateOffTemperature
		case bus.Voltage < disconnect || o.Port.NegCurrentLimit == 0:
			// battery empty: shed the load
			o.switchSet(false)
			o.State = StateOffLowSoc
			o.LvdTimestamp = now
			o.Flags.Set(devstat.ErrLoadShedding)
		}

	case StateOffLowSoc:
		if now > o.LvdTimestamp+int64(o.LvdRecoveryDelay) &&
			bus.Voltage >= reconnect && o.Port.NegCurrentLimit < 0 {
			o.Flags.Clear(devstat.ErrLoadShedding)
			if o.Enable {
				o.switchSet(true)
				o.State = StateOn
			} else {
				o.State = StateDisabled
			}
		}

	case StateOffOvercurrent:
		if now > o.OvercurrentTimestamp+int64(o.OcRecoveryDelay) {
			o.Flags.Clear(devstat.ErrLoadOvercurrent | devstat.ErrLoadVoltageDip)
			o.State = StateDisabled // regular turn-on path re-checks everything
		}

	case StateOffOvervoltage:
		if bus.Voltage < o.VoltageMax-0.5 {
			o.Flags.Clear(devstat.ErrLoadOvervoltage)
			o.State = StateDisabled
		}

	case StateOffShortCircuit:
		// latched; the operator resets by toggling enable
		if !o.Enable {
			o.Flags.Clear(devstat.ErrLoadShortCircuit)
			o.State = StateDisabled
		}

	case StateOffTemperature:
		if !o.Flags.Has(devstat.ErrBatDisOvertemp | devstat.ErrBatDisUndertemp) {
			o.State = StateDisabled
		}
	}
}

// Usb is the 5 V USB output. It tracks the load's protective states but
// has an independent enable.
type Usb struct {
	State  State
	Enable bool

	// PGoodCheck reads the optional power-good input of the USB
	// converter (latching regulators report failures this way).
	PGoodCheck func() bool

	Set func(on bool)
}

func NewUsb(set func(bool)) *Usb {
	return &Usb{Enable: true, Set: set}
}

func (u *Usb) switchSet(on bool) {
	if u.Set != nil {
		u.Set(on)
	}
}

// StateMachine follows the main load output's protective decisions.
// Called once per second.
func (u *Usb) StateMachine(loadState State) {
	switch u.State {
	case StateDisabled:
		if u.Enable && (loadState == StateOn || loadState == StateDisabled) {
			u.switchSet(true)
			u.State = StateOn
		}

	case StateOn:
		switch {
		case loadState == StateOffLowSoc || loadState == StateOffTemperature ||
			loadState == StateOffOvervoltage:
			u.switchSet(false)
			u.State = loadState
		case !u.Enable:
			u.switchSet(false)
			u.State = StateDisabled
		case u.PGoodCheck != nil && !u.PGoodCheck():
			// converter failed: disable and wait for re-enable
			u.switchSet(false)
			u.State = StateOffOvercurrent
		}

	case StateOffOvercurrent:
		if !u.Enable {
			u.State = StateDisabled
		}

	default:
		// protective states mirror the load output
		if loadState == StateOn || loadState == StateDisabled {
			u.State = StateDisabled
		}
	}
}
