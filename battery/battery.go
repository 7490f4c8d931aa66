// Package battery holds the chemistry-parameterized battery configuration
// and its plausibility checks. A Conf is immutable after init as far as
// the control loops are concerned; runtime changes go through a staging
// copy that is validated and committed atomically.
package battery

import (
	"errors"

	"chargectl-go/errcode"
)

// Type enumerates the supported battery cell chemistries.
type Type uint8

const (
	TypeCustom  Type = iota // all parameters supplied by the user
	TypeFlooded             // old flooded (wet) lead-acid
	TypeGel                 // VRLA gel (maintenance-free)
	TypeAGM                 // AGM (maintenance-free)
	TypeLFP                 // LiFePO4, 3.3 V nominal
	TypeNMC                 // NMC/graphite, 3.7 V nominal
	TypeNMCHV               // NMC/graphite high voltage, 4.35 V max
)

func (t Type) String() string {
	switch t {
	case TypeFlooded:
		return "flooded"
	case TypeGel:
		return "gel"
	case TypeAGM:
		return "agm"
	case TypeLFP:
		return "lfp"
	case TypeNMC:
		return "nmc"
	case TypeNMCHV:
		return "nmc-hv"
	default:
		return "custom"
	}
}

// Conf is the battery configuration. All voltages are pack-level (already
// scaled by the cell count).
type Conf struct {
	// Nominal capacity or sum of parallel cell capacities (Ah). Used for
	// SOC calculation and the definition of current limits.
	NominalCapacity float32

	// Start charging again if the voltage of a fully charged battery
	// drops below this threshold (V).
	RechargeVoltage float32

	// Start charging of a previously fully charged battery earliest
	// after this period of time (s).
	TimeLimitRecharge uint32

	// Hard cutoffs (V). Outside this window the battery or the loads
	// might get damaged.
	AbsoluteMaxVoltage float32
	AbsoluteMinVoltage float32

	// Maximum charge current in CC/bulk phase (A, positive).
	ChargeCurrentMax float32

	// Maximum discharge current via the load port (A, positive).
	DischargeCurrentMax float32

	// CV/absorption phase target (V) and exit criteria.
	ToppingVoltage       float32
	ToppingCutoffCurrent float32 // phase ends below this current (A)
	ToppingDuration      uint32  // or after this time (s)

	// Float/trickle charging. Do not enable for lithium-ion batteries.
	FloatEnabled      bool
	FloatVoltage      float32
	FloatRechargeTime uint32

	// Equalization charging. Flooded lead-acid only.
	EqlEnabled           bool
	EqlVoltage           float32
	EqlDuration          uint32
	EqlCurrentLimit      float32
	EqlTriggerDays       uint32
	EqlTriggerDeepCycles uint32

	// Load disconnect/reconnect open-circuit thresholds (V). Both are
	// current-compensated with InternalResistance at evaluation time.
	LoadDisconnectVoltage float32
	LoadReconnectVoltage  float32

	// Battery internal resistance (Ohm, positive). Used for the
	// current-compensation of load switch thresholds.
	InternalResistance float32

	// Wire resistance between controller and battery (Ohm, positive).
	// Used for current-compensation of charging voltages.
	WireResistance float32

	// Open-circuit voltages of full and empty battery (V) for the
	// voltage-based SOC estimate.
	OcvFull  float32
	OcvEmpty float32

	// Allowed temperature windows (°C).
	ChargeTempMax    float32
	ChargeTempMin    float32
	DischargeTempMax float32
	DischargeTempMin float32

	// Charge voltage compensation per Kelvin of battery temperature
	// deviation from 25 °C (V/K, pack-level; typically negative for
	// lead-acid). Applied as setpoint += comp * (T - 25).
	TemperatureCompensation float32
}

// Defaults materializes all derived thresholds from the chemistry tag and
// cell count. Per-cell constants for lead-acid follow EN 62509.
func Defaults(t Type, numCells int, nominalCapacity float32) Conf {
	cells := float32(numCells)
	c := Conf{
		NominalCapacity: nominalCapacity,

		// 1C should be safe for all chemistries
		ChargeCurrentMax:    nominalCapacity,
		DischargeCurrentMax: nominalCapacity,

		TimeLimitRecharge: 60,
		ToppingDuration:   120 * 60,

		ChargeTempMax:    50,
		ChargeTempMin:    -10,
		DischargeTempMax: 50,
		DischargeTempMin: -10,
	}

	switch t {
	case TypeFlooded, TypeAGM, TypeGel:
		c.AbsoluteMaxVoltage = cells * 2.45
		c.ToppingVoltage = cells * 2.4
		c.RechargeVoltage = cells * 2.2

		// Cell-level thresholds based on EN 62509:2011, both
		// current-compensated at evaluation time.
		c.LoadDisconnectVoltage = cells * 1.95
		c.LoadReconnectVoltage = cells * 2.10

		// assumption: battery selection matching the controller
		c.InternalResistance = cells * (1.95 - 1.80) / c.DischargeCurrentMax

		c.AbsoluteMinVoltage = cells * 1.6

		if t == TypeFlooded {
			c.OcvFull = cells * 2.10
		} else {
			c.OcvFull = cells * 2.15
		}
		c.OcvEmpty = cells * 1.90

		// 3-5 % of C/1
		c.ToppingCutoffCurrent = nominalCapacity * 0.04

		c.FloatEnabled = true
		c.FloatRechargeTime = 30 * 60
		if t == TypeFlooded {
			c.FloatVoltage = cells * 2.35
		} else {
			c.FloatVoltage = cells * 2.3
		}

		// equalization disabled by default; only sensible for flooded
		c.EqlEnabled = false
		if t == TypeFlooded {
			c.EqlVoltage = cells * 2.50
		} else {
			c.EqlVoltage = cells * 2.45
		}
		c.EqlDuration = 60 * 60
		c.EqlCurrentLimit = nominalCapacity / 7
		c.EqlTriggerDays = 60
		c.EqlTriggerDeepCycles = 10

		c.TemperatureCompensation = cells * -0.003 // -3 mV/K/cell

	case TypeLFP:
		c.AbsoluteMaxVoltage = cells * 3.60
		c.ToppingVoltage = cells * 3.55
		c.RechargeVoltage = cells * 3.35

		c.LoadDisconnectVoltage = cells * 3.00
		c.LoadReconnectVoltage = cells * 3.15

		// 5 % voltage drop at max current
		c.InternalResistance = c.LoadDisconnectVoltage * 0.05 / c.DischargeCurrentMax
		c.AbsoluteMinVoltage = cells * 2.0

		// quite nonlinear SOC because of the flat OCV curve of LFP
		c.OcvFull = cells * 3.4
		c.OcvEmpty = cells * 3.0

		// C/20 cut-off at end of CV phase
		c.ToppingCutoffCurrent = nominalCapacity / 20

		c.ChargeTempMin = 0

	case TypeNMC, TypeNMCHV:
		if t == TypeNMCHV {
			c.ToppingVoltage = cells * 4.35
		} else {
			c.ToppingVoltage = cells * 4.20
		}
		c.AbsoluteMaxVoltage = c.ToppingVoltage + cells*0.05
		c.RechargeVoltage = cells * 3.9

		c.LoadDisconnectVoltage = cells * 3.3
		c.LoadReconnectVoltage = cells * 3.6

		c.InternalResistance = c.LoadDisconnectVoltage * 0.05 / c.DischargeCurrentMax
		c.AbsoluteMinVoltage = cells * 2.5

		c.OcvFull = cells * 4.0
		c.OcvEmpty = cells * 3.0

		c.ToppingCutoffCurrent = nominalCapacity / 20

		c.ChargeTempMin = 0
	}

	return c
}

type check struct {
	ok  func(*Conf) bool
	msg string
}

// Flat table of plausibility conditions; all must hold.
var checks = []check{
	{func(c *Conf) bool { return c.LoadReconnectVoltage > c.LoadDisconnectVoltage+0.4 },
		"load reconnect voltage must be higher than load disconnect voltage + 0.4"},
	{func(c *Conf) bool { return c.RechargeVoltage < c.ToppingVoltage-0.4 },
		"recharge voltage must be lower than topping voltage - 0.4"},
	{func(c *Conf) bool { return c.RechargeVoltage > c.LoadDisconnectVoltage+1 },
		"recharge voltage must be higher than load disconnect voltage + 1.0"},
	{func(c *Conf) bool { return c.LoadDisconnectVoltage > c.AbsoluteMinVoltage+0.4 },
		"load disconnect voltage must be higher than absolute min voltage + 0.4"},
	{func(c *Conf) bool { return c.InternalResistance*c.DischargeCurrentMax < c.LoadDisconnectVoltage*0.1 },
		"internal resistance must not cause more than 10% drop at max discharge current"},
	{func(c *Conf) bool { return c.WireResistance*c.DischargeCurrentMax < c.ToppingVoltage*0.03 },
		"wire resistance must not cause more than 3% drop at max discharge current"},
	{func(c *Conf) bool { return c.ToppingCutoffCurrent < c.NominalCapacity/10 },
		"topping cutoff current must be less than C/10"},
	{func(c *Conf) bool { return c.ToppingCutoffCurrent > 0.01 },
		"topping cutoff current must be higher than 0.01 A"},
	{func(c *Conf) bool { return !c.FloatEnabled || c.FloatVoltage < c.ToppingVoltage },
		"float voltage must be lower than topping voltage"},
	{func(c *Conf) bool { return !c.FloatEnabled || c.FloatVoltage > c.LoadDisconnectVoltage },
		"float voltage must be higher than load disconnect voltage"},
}

// Validate checks the configuration for plausibility. The returned error
// carries the first failing condition.
func (c *Conf) Validate() error {
	for _, chk := range checks {
		if !chk.ok(c) {
			return &errcode.E{C: errcode.ConfigInvalid, Op: "battery.Validate", Msg: chk.msg,
				Err: errors.New(chk.msg)}
		}
	}
	return nil
}

// Overwrite copies all published fields of src into dst. It reports
// whether the nominal capacity changed so the caller can reset the
// charger's coulomb counter, usable capacity and SOH. The configuration
// should be validated before calling this.
func Overwrite(src, dst *Conf) (capacityChanged bool) {
	capacityChanged = dst.NominalCapacity != src.NominalCapacity
	*dst = *src
	return capacityChanged
}

// Changed reports whether any published field differs between a and b.
func Changed(a, b *Conf) bool {
	return *a != *b
}
