package load

import (
	"testing"

	"chargectl-go/battery"
	"chargectl-go/devstat"
	"chargectl-go/power"
)

func newTestOutput() (*Output, *power.DcBus, *battery.Conf) {
	conf := battery.Defaults(battery.TypeFlooded, 6, 100)
	bus := &power.DcBus{
		SeriesMultiplier:    1,
		SrcVoltageIntercept: conf.LoadDisconnectVoltage,
		SrcDroopRes:         -conf.InternalResistance,
	}
	port := &power.PowerPort{Bus: bus, NegCurrentLimit: -conf.DischargeCurrentMax}
	o := NewOutput(port, &devstat.Flags{}, 20, 16, nil)
	return o, bus, &conf
}

func turnOn(t *testing.T, o *Output, bus *power.DcBus, conf *battery.Conf) {
	t.Helper()
	bus.Voltage = 13.0
	o.StateMachine(conf, 0)
	if o.State != StateOn || !o.PGood {
		t.Fatalf("setup: load did not switch on (state %v)", o.State)
	}
}

// S5: the battery voltage drops below the current-compensated disconnect
// threshold: the load sheds, LOAD_SHEDDING is latched and the output
// stays off for the full recovery delay even if the voltage recovers.
func TestLowVoltageDisconnect(t *testing.T) {
	o, bus, conf := newTestOutput()
	o.LvdRecoveryDelay = 30
	turnOn(t, o, bus, conf)

	// 10 A discharge lowers the compensated threshold
	o.Port.SetCurrent(-10, -10)
	bus.Current = -10
	disconnect := bus.SrcControlVoltage(conf.LoadDisconnectVoltage)
	if disconnect >= conf.LoadDisconnectVoltage {
		t.Fatalf("compensated threshold %v not lowered under load", disconnect)
	}

	bus.Voltage = disconnect - 0.05
	o.StateMachine(conf, 10)

	if o.State != StateOffLowSoc {
		t.Fatalf("state = %v, want off_low_soc", o.State)
	}
	if o.PGood {
		t.Fatal("switch still on after disconnect")
	}
	if !o.Flags.Has(devstat.ErrLoadShedding) {
		t.Fatal("load shedding flag not latched")
	}

	// voltage recovers immediately, but the recovery delay gates
	bus.Voltage = 13.5
	bus.Current = 0
	o.Port.SetCurrent(0, 0)
	for now := int64(11); now <= 10+30; now++ {
		o.StateMachine(conf, now)
		if o.State == StateOn {
			t.Fatalf("t=%d: reconnected before the recovery delay", now)
		}
	}
	o.StateMachine(conf, 41)
	if o.State != StateOn {
		t.Fatalf("state = %v, want on after recovery delay", o.State)
	}
	if o.Flags.Has(devstat.ErrLoadShedding) {
		t.Fatal("load shedding flag not cleared on reconnect")
	}
}

func TestReconnectNeedsVoltage(t *testing.T) {
	o, bus, conf := newTestOutput()
	o.LvdRecoveryDelay = 5
	turnOn(t, o, bus, conf)

	bus.Voltage = conf.LoadDisconnectVoltage - 0.2
	o.StateMachine(conf, 10)
	if o.State != StateOffLowSoc {
		t.Fatal("setup: no disconnect")
	}

	// delay expired but voltage still below the reconnect threshold
	bus.Voltage = conf.LoadReconnectVoltage - 0.1
	o.StateMachine(conf, 100)
	if o.State == StateOn {
		t.Fatal("reconnected below the reconnect threshold")
	}

	bus.Voltage = conf.LoadReconnectVoltage + 0.1
	o.StateMachine(conf, 101)
	if o.State != StateOn {
		t.Fatalf("state = %v, want on", o.State)
	}
}

func TestThermalOvercurrent(t *testing.T) {
	o, bus, conf := newTestOutput()
	o.OcRecoveryDelay = 10
	turnOn(t, o, bus, conf)

	// 2x rated current: the junction model must trip within seconds
	o.Port.SetCurrent(40, 40)
	tripped := int64(-1)
	for now := int64(0); now < 60*controlFrequency; now++ {
		o.Control(25, now/controlFrequency)
		if o.State == StateOffOvercurrent {
			tripped = now
			break
		}
	}
	if tripped < 0 {
		t.Fatal("thermal model never tripped at 2x rated current")
	}
	if !o.Flags.Has(devstat.ErrLoadOvercurrent) {
		t.Fatal("overcurrent flag not set")
	}

	// stays off until the recovery delay has elapsed
	o.Port.SetCurrent(0, 0)
	ocAt := o.OvercurrentTimestamp
	o.StateMachine(conf, ocAt+5)
	if o.State != StateOffOvercurrent {
		t.Fatal("left overcurrent state before recovery delay")
	}
	o.StateMachine(conf, ocAt+11)
	if o.State != StateDisabled {
		t.Fatalf("state = %v, want disabled after recovery delay", o.State)
	}
	if o.Flags.Has(devstat.ErrLoadOvercurrent) {
		t.Fatal("overcurrent flag not cleared")
	}
}

func TestOvervoltageDebounce(t *testing.T) {
	o, bus, conf := newTestOutput()
	turnOn(t, o, bus, conf)

	bus.Voltage = o.VoltageMax + 1

	// shorter than the debounce window: no trip
	for i := 0; i < overvoltageDebounce; i++ {
		o.Control(25, 0)
	}
	if o.State == StateOffOvervoltage {
		t.Fatal("tripped before the debounce window")
	}

	o.Control(25, 0)
	if o.State != StateOffOvervoltage {
		t.Fatal("no overvoltage trip after the debounce window")
	}
	if !o.Flags.Has(devstat.ErrLoadOvervoltage) {
		t.Fatal("overvoltage flag not set")
	}

	// recovery with 0.5 V hysteresis
	bus.Voltage = o.VoltageMax - 0.2
	o.StateMachine(conf, 100)
	if o.State != StateOffOvervoltage {
		t.Fatal("recovered inside the hysteresis band")
	}
	bus.Voltage = o.VoltageMax - 0.7
	o.StateMachine(conf, 101)
	if o.State != StateDisabled {
		t.Fatalf("state = %v, want disabled", o.State)
	}
}

func TestVoltageDipTrips(t *testing.T) {
	o, bus, conf := newTestOutput()
	turnOn(t, o, bus, conf)

	bus.Voltage = 13.0
	o.Control(25, 0)
	bus.Voltage = 8.0 // collapse beyond the dip ratio
	o.Control(25, 1)

	if o.State != StateOffOvercurrent {
		t.Fatalf("state = %v, want off_overcurrent on voltage dip", o.State)
	}
	if !o.Flags.Has(devstat.ErrLoadVoltageDip) {
		t.Fatal("voltage dip flag not set")
	}
}

func TestShortCircuitLatch(t *testing.T) {
	o, bus, conf := newTestOutput()
	turnOn(t, o, bus, conf)

	// comparator ISR path
	o.EmergencyStop(StateOffShortCircuit, 5)

	if o.PGood {
		t.Fatal("switch on after short circuit stop")
	}
	if !o.Flags.Has(devstat.ErrLoadShortCircuit) {
		t.Fatal("short circuit flag not set")
	}

	// stays latched through ticks and voltage changes
	for now := int64(6); now < 1000; now += 100 {
		o.StateMachine(conf, now)
	}
	if o.State != StateOffShortCircuit {
		t.Fatal("short circuit state not latched")
	}

	// operator reset: toggle enable
	o.Enable = false
	o.StateMachine(conf, 2000)
	if o.State != StateDisabled || o.Flags.Has(devstat.ErrLoadShortCircuit) {
		t.Fatal("enable toggle did not reset the short circuit latch")
	}
}

func TestTemperatureGate(t *testing.T) {
	o, bus, conf := newTestOutput()
	turnOn(t, o, bus, conf)

	o.Flags.Set(devstat.ErrBatDisOvertemp)
	o.StateMachine(conf, 1)
	if o.State != StateOffTemperature {
		t.Fatalf("state = %v, want off_temperature", o.State)
	}

	o.Flags.Clear(devstat.ErrBatDisOvertemp)
	o.StateMachine(conf, 2)
	if o.State != StateDisabled {
		t.Fatalf("state = %v, want disabled after temperature recovery", o.State)
	}
	o.StateMachine(conf, 3)
	if o.State != StateOn {
		t.Fatal("load did not come back after temperature recovery")
	}
}

func TestUsbFollowsLoad(t *testing.T) {
	u := NewUsb(nil)

	u.StateMachine(StateOn)
	if u.State != StateOn {
		t.Fatalf("usb state = %v, want on", u.State)
	}

	u.StateMachine(StateOffLowSoc)
	if u.State != StateOffLowSoc {
		t.Fatalf("usb state = %v, want off_low_soc", u.State)
	}

	u.StateMachine(StateOn)
	u.StateMachine(StateOn)
	if u.State != StateOn {
		t.Fatalf("usb state = %v, want on again", u.State)
	}
}

func TestUsbIndependentEnable(t *testing.T) {
	u := NewUsb(nil)
	u.StateMachine(StateOn)

	u.Enable = false
	u.StateMachine(StateOn)
	if u.State != StateDisabled {
		t.Fatalf("usb state = %v, want disabled", u.State)
	}

	// load still on, usb stays off until re-enabled
	u.StateMachine(StateOn)
	if u.State != StateDisabled {
		t.Fatal("usb turned on while disabled")
	}
}

func TestUsbPgoodFailure(t *testing.T) {
	good := true
	u := NewUsb(nil)
	u.PGoodCheck = func() bool { return good }
	u.StateMachine(StateOn)

	good = false
	u.StateMachine(StateOn)
	if u.State != StateOffOvercurrent {
		t.Fatalf("usb state = %v, want off_overcurrent on pgood failure", u.State)
	}
}
