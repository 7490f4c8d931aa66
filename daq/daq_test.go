package daq

import (
	"testing"

	"chargectl-go/power"
)

func newTestDaq() (*Daq, Targets) {
	batBus := &power.DcBus{SeriesMultiplier: 1}
	solarBus := &power.DcBus{SeriesMultiplier: 1}
	tgt := Targets{
		BatBus:    batBus,
		SolarBus:  solarBus,
		BatPort:   &power.PowerPort{Bus: batBus},
		SolarPort: &power.PowerPort{Bus: solarBus},
		LoadPort:  &power.PowerPort{Bus: batBus},
	}
	cfg := Config{
		NtcBeta:           3435,
		NtcR25:            10_000,
		NtcSeriesResistor: 10_000,
		Vcc:               3.3,
	}
	// full scale: 33 V on voltage channels, 33 A on current channels
	cfg.Gain[ChVBat] = 10
	cfg.Gain[ChVSolar] = 10
	cfg.Gain[ChILoad] = 10
	cfg.Gain[ChIDcdc] = 10
	return New(cfg, tgt), tgt
}

func rawFor(si float32) uint16 {
	return uint16(si / 33.0 * 65535)
}

func TestVoltageConversion(t *testing.T) {
	d, tgt := newTestDaq()

	d.SetRaw(ChVBat, rawFor(13.2))
	d.SetRaw(ChVSolar, rawFor(19.8))
	d.UpdateMeasurements()

	if v := tgt.BatBus.Voltage; v < 13.1 || v > 13.3 {
		t.Errorf("battery voltage = %v, want ~13.2", v)
	}
	if v := tgt.SolarBus.Voltage; v < 19.7 || v > 19.9 {
		t.Errorf("solar voltage = %v, want ~19.8", v)
	}

	// filtered value converges towards the instantaneous one
	for i := 0; i < 200; i++ {
		d.UpdateMeasurements()
	}
	f := tgt.BatBus.VoltageFiltered
	if f < 13.1 || f > 13.3 {
		t.Errorf("filtered voltage = %v, want ~13.2", f)
	}
}

func TestZeroCurrentCalibration(t *testing.T) {
	d, tgt := newTestDaq()

	// a real shunt amplifier never reads exactly zero at zero current
	d.SetRaw(ChILoad, 500)
	d.SetRaw(ChIDcdc, 700)
	d.CalibrateZeroCurrent()
	d.UpdateMeasurements()

	if i := tgt.LoadPort.Current; i != 0 {
		t.Errorf("load current after calibration = %v, want 0", i)
	}
	if i, _ := d.InductorCurrent(); i != 0 {
		t.Errorf("inductor current after calibration = %v, want 0", i)
	}

	// currents are measured relative to the captured offset
	d.SetRaw(ChILoad, 500+rawFor(5))
	d.UpdateMeasurements()
	if i := tgt.LoadPort.Current; i < 4.9 || i > 5.1 {
		t.Errorf("load current = %v, want ~5", i)
	}
}

func TestBatteryCurrentDerivation(t *testing.T) {
	d, tgt := newTestDaq()
	d.CalibrateZeroCurrent()

	d.SetRaw(ChIDcdc, rawFor(10)) // 10 A from the converter
	d.SetRaw(ChILoad, rawFor(4))  // 4 A drawn by the load
	d.UpdateMeasurements()

	if i := tgt.BatPort.Current; i < 5.9 || i > 6.1 {
		t.Errorf("battery current = %v, want ~6 (dcdc - load)", i)
	}
}

func TestNtcConversion(t *testing.T) {
	d, _ := newTestDaq()

	// NTC at R25 forms a 1:1 divider with the series resistor: 25 °C
	d.SetRaw(ChTempBat, 0x8000)
	d.UpdateMeasurements()

	if got := d.BatTemperature(); got < 24.5 || got > 25.5 {
		t.Errorf("battery temperature = %v, want ~25", got)
	}
	if !d.ExtTempSensor() {
		t.Error("external sensor not detected")
	}
}

func TestNtcAbsentSensor(t *testing.T) {
	d, _ := newTestDaq()

	// open input reads zero: no sensor, assume ambient
	d.SetRaw(ChTempBat, 0)
	d.UpdateMeasurements()

	if d.ExtTempSensor() {
		t.Error("phantom external sensor detected")
	}
	if got := d.BatTemperature(); got != 25 {
		t.Errorf("battery temperature = %v, want 25 fallback", got)
	}
}

func TestUpperAlertDebounce(t *testing.T) {
	d, _ := newTestDaq()

	fired := 0
	d.SetAlert(ChVBat, AlertUpper, 14.8, func() { fired++ })

	// first sample above the limit arms the debounce, second fires
	d.SetRaw(ChVBat, rawFor(15.0))
	if fired != 0 {
		t.Fatal("alert fired on the first sample")
	}
	d.SetRaw(ChVBat, rawFor(15.0))
	if fired != 1 {
		t.Fatalf("fired = %d, want 1 after two consecutive samples", fired)
	}

	// dropping below the limit resets the debounce
	d.SetRaw(ChVBat, rawFor(13.0))
	d.SetRaw(ChVBat, rawFor(15.0))
	if fired != 1 {
		t.Fatalf("fired = %d, alert must re-arm after reset", fired)
	}
	d.SetRaw(ChVBat, rawFor(15.0))
	if fired != 2 {
		t.Fatalf("fired = %d, want 2", fired)
	}
}

func TestLowerAlert(t *testing.T) {
	d, _ := newTestDaq()

	fired := 0
	d.SetAlert(ChVBat, AlertLower, 10.0, func() { fired++ })

	d.SetRaw(ChVBat, rawFor(9.5))
	d.SetRaw(ChVBat, rawFor(9.5))
	if fired != 1 {
		t.Fatalf("fired = %d, want 1", fired)
	}
}

func TestAlertInhibit(t *testing.T) {
	d, _ := newTestDaq()

	fired := 0
	d.SetAlert(ChVBat, AlertUpper, 14.8, func() { fired++ })

	// a PWM rising edge would cause overshoot: inhibit for 5 samples
	d.Inhibit(ChVBat, AlertUpper, 5)
	for i := 0; i < 6; i++ {
		d.SetRaw(ChVBat, rawFor(15.0))
	}
	if fired != 0 {
		t.Fatalf("alert fired %d times inside the inhibit window", fired)
	}

	// window over: two more samples fire normally
	d.SetRaw(ChVBat, rawFor(15.0))
	d.SetRaw(ChVBat, rawFor(15.0))
	if fired == 0 {
		t.Fatal("alert never fired after the inhibit window")
	}
}
