// Package pwmswitch controls the single-MOSFET PWM charger variant: one
// switch between panel and battery, duty-controlled towards the battery
// side voltage and current setpoints. Simpler boards use this instead of
// the DC/DC converter.
package pwmswitch

import (
	"chargectl-go/power"
)

// Driver is the PWM signal peripheral contract.
type Driver interface {
	Start(duty float32)
	Stop()
	Step(delta int)
	SetDuty(duty float32)
	Duty() float32
	Active() bool
	SignalHigh() bool
}

// Gate driver fall time is around 1 ms, so very short on or off periods
// must be avoided.
const (
	dutyMaxDerate = 0.95
	dutyMinDerate = 0.05
)

type PwmSwitch struct {
	// Terminal is the external (solar panel) port, PortInt the internal
	// port on the battery bus.
	Terminal *power.PowerPort
	PortInt  *power.PowerPort

	// Enable switch, true by default; used to disable the power stage
	// entirely via telemetry.
	Enable bool

	// Charging starts once Vsolar > Vbat + OffsetVoltageStart (V).
	OffsetVoltageStart float32

	// Minimum battery voltage for the MOSFET drivers (V).
	VoltageMin float32

	// Absolute current rating of the PCB (A).
	CurrentMax float32

	// Cooldown before retrying after low-power cut-off (s).
	RestartInterval uint32

	OffTimestamp       int64
	PowerGoodTimestamp int64

	// InhibitAlert suppresses the battery upper voltage alert for the
	// given milliseconds (switching overshoot around PWM edges).
	InhibitAlert func(ms int32)

	drv Driver
}

func New(terminal, portInt *power.PowerPort, drv Driver, currentMax float32) *PwmSwitch {
	return &PwmSwitch{
		Terminal:           terminal,
		PortInt:            portInt,
		Enable:             true,
		OffsetVoltageStart: 2.0,
		VoltageMin:         9.0,
		CurrentMax:         currentMax,
		RestartInterval:    60,
		OffTimestamp:       -10000, // start immediately after reset
		drv:                drv,
	}
}

func (p *PwmSwitch) Active() bool     { return p.drv.Active() }
func (p *PwmSwitch) SignalHigh() bool { return p.drv.SignalHigh() }
func (p *PwmSwitch) Duty() float32    { return p.drv.Duty() }

// OnPwmRisingEdge is called from the PWM timer interrupt at each rising
// edge. Turning the switch on creates a short voltage rise, so the
// battery overvoltage alert is inhibited briefly unless the switch is
// continuously on.
func (p *PwmSwitch) OnPwmRisingEdge() {
	if p.drv.Duty() < 1 && p.InhibitAlert != nil {
		p.InhibitAlert(10)
	}
}

// Control runs one iteration of the switch state machine. Called from
// the fast task.
func (p *PwmSwitch) Control(now int64) {
	bat := p.PortInt.Bus

	if p.drv.Active() {
		if p.PortInt.PosCurrentLimit == 0 || p.Terminal.NegCurrentLimit == 0 ||
			p.Terminal.Current > 0 || // discharging the battery into the panel
			bat.Voltage < p.VoltageMin || // not enough voltage for the gate drivers
			!p.Enable {
			p.stop(now)
			println("Info: PWM charger stop")
		} else if bat.Voltage > bat.SinkControlVoltage() ||
			p.PortInt.Current > p.PortInt.PosCurrentLimit ||
			p.PortInt.Current > p.CurrentMax ||
			p.Terminal.Current < p.Terminal.NegCurrentLimit {
			// above a voltage or current limit: decrease power
			if p.drv.Duty() > dutyMaxDerate {
				// prevent very short off periods
				p.drv.SetDuty(dutyMaxDerate)
			} else if p.drv.Duty() < dutyMinDerate {
				// prevent very short on periods, switch off instead
				p.stop(now)
				println("Info: PWM charger stop, no further derating possible")
			} else {
				p.drv.Step(-1)
			}
		} else {
			// increase power
			if p.drv.Duty() > dutyMaxDerate {
				// prevent very short off periods, switch fully on
				p.drv.SetDuty(1)
			} else {
				p.drv.Step(1)
			}
		}
		if p.PortInt.Power > 0 {
			p.PowerGoodTimestamp = now
		}
		return
	}

	if p.PortInt.PosCurrentLimit > 0 && // charging allowed
		bat.Voltage < bat.SinkControlVoltage() &&
		bat.Voltage > p.VoltageMin &&
		p.Terminal.NegCurrentLimit < 0 && // panel may source current
		p.Terminal.Bus.Voltage > bat.Voltage+p.OffsetVoltageStart &&
		now > p.OffTimestamp+int64(p.RestartInterval) &&
		p.Enable {
		// switching on creates a voltage rise: inhibit alerts briefly
		if p.InhibitAlert != nil {
			p.InhibitAlert(50)
		}
		p.drv.Start(1)
		println("Info: PWM charger start")
	}
}

// EmergencyStop bypasses the control loop; called from the overvoltage
// alert path. The switch restarts automatically once conditions are valid
// again.
func (p *PwmSwitch) EmergencyStop(now int64) {
	p.stop(now)
}

func (p *PwmSwitch) stop(now int64) {
	p.drv.Stop()
	p.OffTimestamp = now
}

// Sim models the PWM timer peripheral for the host and tests.
type Sim struct {
	duty       float32
	active     bool
	resolution int
}

func NewSim(resolution int) *Sim {
	if resolution <= 0 {
		resolution = 200
	}
	return &Sim{resolution: resolution}
}

func (s *Sim) Start(duty float32) {
	s.duty = duty
	s.active = true
}

func (s *Sim) Stop() {
	s.active = false
	s.duty = 0
}

func (s *Sim) Step(delta int) {
	d := s.duty + float32(delta)/float32(s.resolution)
	if d >= 0 && d <= 1 {
		s.duty = d
	}
}

func (s *Sim) SetDuty(duty float32) { s.duty = duty }
func (s *Sim) Duty() float32        { return s.duty }
func (s *Sim) Active() bool         { return s.active }
func (s *Sim) SignalHigh() bool     { return s.active && s.duty > 0 }
