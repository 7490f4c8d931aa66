// Package daq adapts the filtered ADC samples delivered by the
// acquisition front end (ADC+DMA, out of scope) into SI measurements on
// the DC buses and power ports, and maintains the upper/lower voltage
// alert comparators on the battery channel.
//
// Raw samples are left-aligned 16-bit values (12-bit conversions shifted
// left by 4), matching the front end's filter output.
package daq

import (
	"math"

	"chargectl-go/power"
)

// Channel indices of the acquisition front end.
type Channel uint8

const (
	ChVBat Channel = iota
	ChVSolar
	ChILoad
	ChIDcdc // inductor current
	ChTempBat
	ChTempFets
	ChVrefMcu
	ChTempMcu
	NumChannels
)

// AlertKind selects the comparator direction.
type AlertKind uint8

const (
	AlertUpper AlertKind = iota
	AlertLower
)

// alert is one threshold comparator. The debounce counter counts samples;
// a callback fires after two consecutive samples beyond the limit.
// Seeding the counter with a negative value implements a one-time inhibit
// window against switching transients.
type alert struct {
	limit    uint16
	debounce int32
	callback func()
}

// Measurement is the SI view of one channel, per the front end contract.
type Measurement struct {
	Voltage         float32
	VoltageFiltered float32
	Current         float32
	CurrentFiltered float32
}

// Config carries the board-specific conversion constants.
type Config struct {
	// Gain per channel: full-scale SI value at raw 0xFFFF (i.e. the
	// voltage divider / shunt amplifier ratio times VCC).
	Gain [NumChannels]float32

	// NTC thermistor parameters (Beta equation).
	NtcBeta           float32
	NtcR25            float32
	NtcSeriesResistor float32

	// Nominal supply for ratiometric channels (V).
	Vcc float32

	// Internal reference calibration raw value; a deviating ChVrefMcu
	// reading scales all conversions. Zero disables compensation.
	VrefCal uint16
}

// Targets are the consumers the adapter writes into on every update.
type Targets struct {
	BatBus    *power.DcBus
	SolarBus  *power.DcBus
	BatPort   *power.PowerPort
	SolarPort *power.PowerPort
	LoadPort  *power.PowerPort
}

const filterConst = 4 // IIR: y += (x - y) / 2^4

type Daq struct {
	cfg Config
	tgt Targets

	raw [NumChannels]uint16

	// SI conversions, instantaneous and filtered.
	value    [NumChannels]float32
	filtered [NumChannels]float32

	// zero-current offsets (SI), captured once at startup
	offset [NumChannels]float32

	alertsUpper [NumChannels]alert
	alertsLower [NumChannels]alert

	batTemperature    float32
	extTempSensor     bool
	mosfetTemperature float32
	mcuTemperature    float32
}

func New(cfg Config, tgt Targets) *Daq {
	if cfg.Vcc == 0 {
		cfg.Vcc = 3.3
	}
	return &Daq{cfg: cfg, tgt: tgt, batTemperature: 25}
}

// vcc returns the supply voltage, compensated with the internal reference
// if a calibration value is configured.
func (d *Daq) vcc() float32 {
	if d.cfg.VrefCal == 0 || d.raw[ChVrefMcu] == 0 {
		return d.cfg.Vcc
	}
	return d.cfg.Vcc * float32(d.cfg.VrefCal) / float32(d.raw[ChVrefMcu])
}

func (d *Daq) toSI(ch Channel) float32 {
	return d.cfg.Gain[ch]*float32(d.raw[ch])/65535*d.vcc() - d.offset[ch]
}

func (d *Daq) fromSI(ch Channel, si float32) uint16 {
	g := d.cfg.Gain[ch] * d.vcc()
	if g == 0 {
		return 0
	}
	r := (si + d.offset[ch]) / g * 65535
	if r < 0 {
		return 0
	}
	if r > 65535 {
		return 0xFFFF
	}
	return uint16(r)
}

// SetRaw stores a new filtered sample for one channel and runs the alert
// comparators. Called from the acquisition path once per fast tick.
func (d *Daq) SetRaw(ch Channel, raw uint16) {
	d.raw[ch] = raw

	up := &d.alertsUpper[ch]
	up.debounce++
	if up.callback != nil && raw > up.limit {
		if up.debounce > 1 {
			// the alert is triggered at the 2nd consecutive sample
			// above the limit
			up.callback()
		}
	} else if up.debounce > 0 {
		// reset debounce counter; negative values implement a one-time
		// inhibit delay and keep counting up
		up.debounce = 0
	}

	lo := &d.alertsLower[ch]
	lo.debounce++
	if lo.callback != nil && raw < lo.limit {
		if lo.debounce > 1 {
			lo.callback()
		}
	} else if lo.debounce > 0 {
		lo.debounce = 0
	}
}

// SetAlert installs a threshold callback on a channel. The threshold is
// given in SI units of that channel.
func (d *Daq) SetAlert(ch Channel, kind AlertKind, threshold float32, cb func()) {
	a := alert{limit: d.fromSI(ch, threshold), callback: cb}
	if kind == AlertUpper {
		d.alertsUpper[ch] = a
	} else {
		d.alertsLower[ch] = a
	}
}

// Inhibit suppresses a channel's alert for the given number of samples
// (1 kHz sampling: samples == milliseconds). Used around PWM edges where
// switching overshoot would trip the comparator.
func (d *Daq) Inhibit(ch Channel, kind AlertKind, ms int32) {
	if kind == AlertUpper {
		d.alertsUpper[ch].debounce = -ms
	} else {
		d.alertsLower[ch].debounce = -ms
	}
}

// CalibrateZeroCurrent captures the present current readings as the zero
// offset. All outputs and the power stage must be off.
func (d *Daq) CalibrateZeroCurrent() {
	for _, ch := range []Channel{ChILoad, ChIDcdc} {
		d.offset[ch] = 0
		d.offset[ch] = d.toSI(ch)
	}
}

// ntcTemp converts a ratiometric NTC channel to °C via the Beta equation.
func (d *Daq) ntcTemp(ch Channel) float32 {
	vcc := d.vcc()
	vNtc := float32(d.raw[ch]) / 65535 * vcc
	if vNtc <= 0 || vNtc >= vcc {
		return -273
	}
	rNtc := d.cfg.NtcSeriesResistor * vNtc / (vcc - vNtc)
	lnRatio := float32(math.Log(float64(rNtc / d.cfg.NtcR25)))
	return 1/(1/298.15+lnRatio/d.cfg.NtcBeta) - 273.15
}

// UpdateMeasurements converts all channels to SI, advances the IIR
// filters and writes the results into the bound buses and ports. Called
// once per fast tick after the raw samples were stored.
func (d *Daq) UpdateMeasurements() {
	for ch := Channel(0); ch < NumChannels; ch++ {
		d.value[ch] = d.toSI(ch)
		d.filtered[ch] += (d.value[ch] - d.filtered[ch]) / (1 << filterConst)
	}

	d.tgt.BatBus.Voltage = d.value[ChVBat]
	d.tgt.BatBus.VoltageFiltered = d.filtered[ChVBat]
	d.tgt.SolarBus.Voltage = d.value[ChVSolar]
	d.tgt.SolarBus.VoltageFiltered = d.filtered[ChVSolar]

	iLoad := d.value[ChILoad]
	iDcdc := d.value[ChIDcdc]

	d.tgt.LoadPort.SetCurrent(iLoad, d.filtered[ChILoad])

	// the battery port current is the DC/DC low-side current minus what
	// the load draws; the solar port sources the converted power
	d.tgt.BatPort.SetCurrent(iDcdc-iLoad, d.filtered[ChIDcdc]-d.filtered[ChILoad])
	if d.tgt.SolarBus.Voltage > 0 {
		d.tgt.SolarPort.SetCurrent(-d.tgt.BatBus.Voltage*iDcdc/d.tgt.SolarBus.Voltage,
			d.tgt.SolarPort.CurrentFiltered)
	}

	// temperatures
	t := d.ntcTemp(ChTempBat)
	if t > -50 {
		d.batTemperature = t
		d.extTempSensor = true
	} else {
		// no external sensor connected: assume 25 °C ambient
		d.batTemperature = 25
		d.extTempSensor = false
	}
	d.mosfetTemperature = d.ntcTemp(ChTempFets)

	// MCU sensor slope per datasheet: 2.5 mV/°C around 0.76 V at 25 °C
	vMcu := float32(d.raw[ChTempMcu]) / 65535 * d.vcc()
	d.mcuTemperature = 25 + (vMcu-0.76)/0.0025
}

// InductorCurrent returns the instantaneous and filtered DC/DC inductor
// current.
func (d *Daq) InductorCurrent() (float32, float32) {
	return d.value[ChIDcdc], d.filtered[ChIDcdc]
}

func (d *Daq) BatTemperature() float32    { return d.batTemperature }
func (d *Daq) ExtTempSensor() bool        { return d.extTempSensor }
func (d *Daq) MosfetTemperature() float32 { return d.mosfetTemperature }
func (d *Daq) McuTemperature() float32    { return d.mcuTemperature }

// Get returns the SI view of a channel per the front end contract.
func (d *Daq) Get(ch Channel) Measurement {
	m := Measurement{}
	switch ch {
	case ChILoad, ChIDcdc:
		m.Current = d.value[ch]
		m.CurrentFiltered = d.filtered[ch]
	default:
		m.Voltage = d.value[ch]
		m.VoltageFiltered = d.filtered[ch]
	}
	return m
}
