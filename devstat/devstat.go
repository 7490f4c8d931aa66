// Package devstat holds device-level status: the error-flags bitset,
// lifetime and daily energy counters, and min/max telemetry.
package devstat

import "chargectl-go/power"

// Seconds of "solar below battery" counted as night. Solar rising above
// battery after this long means sunrise, i.e. a new day.
const nightSeconds = 5 * 60 * 60

type DeviceStatus struct {
	ErrorFlags Flags

	// MCU-internal temperature (°C), written by the measurement adapter.
	InternalTemp float32

	// Lifetime energy totals (Wh). Carried as snapshot-at-last-rollover
	// plus the running daily counter so that the daily counters can be
	// reset without losing the totals.
	BatChgTotalWh  float32
	BatDisTotalWh  float32
	SolarInTotalWh float32
	LoadOutTotalWh float32

	batChgPrevWh  float32
	batDisPrevWh  float32
	solarInPrevWh float32
	loadOutPrevWh float32

	DayCounter       uint32
	secondsZeroSolar int

	// Maxima, daily and lifetime.
	SolarPowerMaxDay   float32
	LoadPowerMaxDay    float32
	SolarPowerMaxTotal float32
	LoadPowerMaxTotal  float32
	BatteryVoltageMax  float32
	SolarVoltageMax    float32
	DcdcCurrentMax     float32
	LoadCurrentMax     float32
	BatTempMax         float32
	IntTempMax         float32
	MosfetTempMax      float32
}

// UpdateEnergy must be called exactly once per second. It detects the
// morning transition (solar voltage above battery voltage after at least
// 5 h of night) and rolls the daily counters into the lifetime totals.
func (d *DeviceStatus) UpdateEnergy(solar, bat, load *power.PowerPort) {
	if solar.Bus.Voltage < bat.Bus.Voltage {
		d.secondsZeroSolar++
	} else {
		if d.secondsZeroSolar > nightSeconds {
			d.DayCounter++
			d.solarInPrevWh = d.SolarInTotalWh
			d.loadOutPrevWh = d.LoadOutTotalWh
			d.batChgPrevWh = d.BatChgTotalWh
			d.batDisPrevWh = d.BatDisTotalWh
			solar.ResetDayEnergy()
			load.ResetDayEnergy()
			bat.ResetDayEnergy()
			d.SolarPowerMaxDay = 0
			d.LoadPowerMaxDay = 0
		}
		d.secondsZeroSolar = 0
	}

	d.BatChgTotalWh = d.batChgPrevWh + max32(bat.PosEnergyWh, 0)
	d.BatDisTotalWh = d.batDisPrevWh + max32(bat.NegEnergyWh, 0)
	d.SolarInTotalWh = d.solarInPrevWh + max32(solar.NegEnergyWh, 0)
	d.LoadOutTotalWh = d.loadOutPrevWh + max32(load.PosEnergyWh, 0)
}

// UpdateMinMax tracks the maxima of voltages, currents, powers and
// temperatures, daily and lifetime.
func (d *DeviceStatus) UpdateMinMax(bat, solar, load *power.PowerPort, dcdcCurrent, mosfetTemp, batTemp float32) {
	if bat.Bus.Voltage > d.BatteryVoltageMax {
		d.BatteryVoltageMax = bat.Bus.Voltage
	}
	if solar.Bus.Voltage > d.SolarVoltageMax {
		d.SolarVoltageMax = solar.Bus.Voltage
	}
	if dcdcCurrent > d.DcdcCurrentMax {
		d.DcdcCurrentMax = dcdcCurrent
	}
	if mosfetTemp > d.MosfetTempMax {
		d.MosfetTempMax = mosfetTemp
	}
	if load.Current > d.LoadCurrentMax {
		d.LoadCurrentMax = load.Current
	}

	// solar port current is negative, so its power is negative
	if -solar.Power > d.SolarPowerMaxDay {
		d.SolarPowerMaxDay = -solar.Power
		if d.SolarPowerMaxDay > d.SolarPowerMaxTotal {
			d.SolarPowerMaxTotal = d.SolarPowerMaxDay
		}
	}
	if load.Power > d.LoadPowerMaxDay {
		d.LoadPowerMaxDay = load.Power
		if d.LoadPowerMaxDay > d.LoadPowerMaxTotal {
			d.LoadPowerMaxTotal = d.LoadPowerMaxDay
		}
	}

	if batTemp > d.BatTempMax {
		d.BatTempMax = batTemp
	}
	if d.InternalTemp > d.IntTempMax {
		d.IntTempMax = d.InternalTemp
	}
}

func max32(a, b float32) float32 {
	if a > b {
		return a
	}
	return b
}
