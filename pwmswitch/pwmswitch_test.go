package pwmswitch

import (
	"testing"

	"chargectl-go/power"
)

func newTestSwitch() (*PwmSwitch, *Sim) {
	batBus := &power.DcBus{SeriesMultiplier: 1, SinkVoltageIntercept: 14.4}
	solBus := &power.DcBus{SeriesMultiplier: 1}

	portInt := &power.PowerPort{Bus: batBus, PosCurrentLimit: 20}
	terminal := &power.PowerPort{Bus: solBus, NegCurrentLimit: -20}

	batBus.Voltage = 12.8
	solBus.Voltage = 18.0

	drv := NewSim(100)
	return New(terminal, portInt, drv, 20), drv
}

func TestStartConditions(t *testing.T) {
	p, drv := newTestSwitch()

	p.Control(0)
	if !drv.Active() {
		t.Fatal("switch did not start with panel above battery + offset")
	}
	if drv.Duty() != 1 {
		t.Errorf("start duty = %v, want 1", drv.Duty())
	}
}

func TestNoStartBelowOffset(t *testing.T) {
	p, drv := newTestSwitch()
	p.Terminal.Bus.Voltage = p.PortInt.Bus.Voltage + 1 // below the 2 V offset

	p.Control(0)
	if drv.Active() {
		t.Fatal("switch started below the panel offset voltage")
	}
}

func TestRestartCooldown(t *testing.T) {
	p, drv := newTestSwitch()
	p.Control(0)
	p.EmergencyStop(100)

	p.Control(100 + int64(p.RestartInterval) - 1)
	if drv.Active() {
		t.Fatal("restarted before the cooldown elapsed")
	}
	p.Control(100 + int64(p.RestartInterval) + 1)
	if !drv.Active() {
		t.Fatal("did not restart after the cooldown")
	}
}

func TestDerateOnVoltageLimit(t *testing.T) {
	p, drv := newTestSwitch()
	p.Control(0)

	p.PortInt.Bus.Voltage = p.PortInt.Bus.SinkControlVoltage() + 0.2

	// fully on: first derate step clamps to the maximum derating duty
	p.Control(1)
	if got := drv.Duty(); got != 0.95 {
		t.Fatalf("duty = %v, want clamp to 0.95", got)
	}

	p.Control(2)
	if got := drv.Duty(); got >= 0.95 {
		t.Fatalf("duty = %v, want a step below 0.95", got)
	}
}

func TestStopWhenDeratingExhausted(t *testing.T) {
	p, drv := newTestSwitch()
	p.Control(0)
	p.PortInt.Bus.Voltage = p.PortInt.Bus.SinkControlVoltage() + 0.2
	drv.SetDuty(0.04)

	p.Control(1)
	if drv.Active() {
		t.Fatal("switch still on although no further derating is possible")
	}
	if p.OffTimestamp != 1 {
		t.Error("off timestamp not stamped")
	}
}

func TestStopOnReverseCurrent(t *testing.T) {
	p, drv := newTestSwitch()
	p.Control(0)

	// battery discharging into the panel at night
	p.Terminal.SetCurrent(0.5, 0.5)
	p.Control(1)
	if drv.Active() {
		t.Fatal("switch still on with reverse current")
	}
}

func TestDutyIncreaseTowardsFull(t *testing.T) {
	p, drv := newTestSwitch()
	p.Control(0)
	drv.SetDuty(0.5)

	p.Control(1)
	if got := drv.Duty(); got <= 0.5 {
		t.Fatalf("duty = %v, want increase above 0.5", got)
	}

	drv.SetDuty(0.96)
	p.Control(2)
	if got := drv.Duty(); got != 1 {
		t.Fatalf("duty = %v, want snap to fully on", got)
	}
}

func TestAlertInhibitOnRisingEdge(t *testing.T) {
	p, drv := newTestSwitch()
	var inhibited int32
	p.InhibitAlert = func(ms int32) { inhibited = ms }

	p.Control(0) // start inhibits for 50 ms
	if inhibited != 50 {
		t.Fatalf("start inhibit = %d ms, want 50", inhibited)
	}

	drv.SetDuty(0.8)
	p.OnPwmRisingEdge()
	if inhibited != 10 {
		t.Fatalf("edge inhibit = %d ms, want 10", inhibited)
	}

	// continuously on: no inhibit needed
	inhibited = 0
	drv.SetDuty(1)
	p.OnPwmRisingEdge()
	if inhibited != 0 {
		t.Error("inhibit fired although the switch is continuously on")
	}
}
