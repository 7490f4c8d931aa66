package power

import "testing"

func TestControlVoltages(t *testing.T) {
	b := &DcBus{
		SeriesMultiplier:     2,
		SinkVoltageIntercept: 14.4,
		SinkDroopRes:         -0.01, // compensating 10 mOhm wire
		SrcVoltageIntercept:  11.0,
		SrcDroopRes:          -0.05,
		Current:              10,
	}

	if got := b.SinkControlVoltage(); got < 28.89 || got > 28.91 {
		t.Errorf("sink control voltage = %v, want 28.9", got)
	}
	if got := b.SinkControlVoltage(13.0); got < 26.09 || got > 26.11 {
		t.Errorf("sink control voltage (probe) = %v, want 26.1", got)
	}
	if got := b.SrcControlVoltage(); got < 22.49 || got > 22.51 {
		t.Errorf("src control voltage = %v, want 22.5", got)
	}
}

func TestEnergyBalance(t *testing.T) {
	b := &DcBus{Voltage: 12, SeriesMultiplier: 1}
	p := &PowerPort{Bus: b}

	p.SetCurrent(10, 10) // 120 W charging
	for i := 0; i < 3600; i++ {
		p.EnergyBalance()
	}
	if got := p.PosEnergyWh; got < 119.9 || got > 120.1 {
		t.Errorf("pos energy = %v Wh, want ~120", got)
	}

	p.SetCurrent(-5, -5) // 60 W discharging
	for i := 0; i < 3600; i++ {
		p.EnergyBalance()
	}
	if got := p.NegEnergyWh; got < 59.9 || got > 60.1 {
		t.Errorf("neg energy = %v Wh, want ~60", got)
	}

	// counters are monotonically non-decreasing until a day rollover
	if p.PosEnergyWh < 119.9 {
		t.Error("pos energy decreased")
	}
	p.ResetDayEnergy()
	if p.PosEnergyWh != 0 || p.NegEnergyWh != 0 {
		t.Error("day reset did not zero counters")
	}
}

func TestResolveCurrentLimits(t *testing.T) {
	b := &DcBus{SeriesMultiplier: 1}
	bat := &PowerPort{Bus: b, Current: 8, PosCurrentLimit: -3, NegCurrentLimit: 2}
	sol := &PowerPort{Bus: b, Current: -8}

	b.ResolveCurrentLimits(bat, sol)

	if bat.PosCurrentLimit != 0 || bat.NegCurrentLimit != 0 {
		t.Errorf("sign discipline violated: pos=%v neg=%v",
			bat.PosCurrentLimit, bat.NegCurrentLimit)
	}
	if b.Current != 0 {
		t.Errorf("bus net current = %v, want 0", b.Current)
	}
}

func TestCurrentMargins(t *testing.T) {
	b := &DcBus{SeriesMultiplier: 1}
	p := &PowerPort{Bus: b, PosCurrentLimit: 20, NegCurrentLimit: -10}

	p.SetCurrent(15, 15)
	if got := p.SinkCurrentMargin(); got != 5 {
		t.Errorf("sink margin = %v, want 5", got)
	}

	p.SetCurrent(-12, -12)
	if got := p.SrcCurrentMargin(); got != 2 {
		t.Errorf("src margin = %v, want 2 (limit exceeded)", got)
	}
}

func TestInitSourceTerminal(t *testing.T) {
	b := &DcBus{}
	p := &PowerPort{Bus: b}
	p.InitSourceTerminal(18, 14)

	if p.PosCurrentLimit != 0 {
		t.Error("source terminal must have zero positive current limit")
	}
	if p.NegCurrentLimit != -18 {
		t.Errorf("neg limit = %v, want -18", p.NegCurrentLimit)
	}
	if b.SeriesMultiplier != 1 {
		t.Errorf("series multiplier default = %v, want 1", b.SeriesMultiplier)
	}
}
