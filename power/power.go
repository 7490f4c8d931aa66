// Package power models the DC buses and power ports coupling the charger
// to the power stage. A bus is a physical rail shared by one or more
// terminals; a port binds one terminal to a bus and tracks its current.
//
// Sign convention: current is positive flowing INTO the bus (charging
// side). A pure source terminal (solar panel) therefore carries negative
// current and a positive current limit of zero.
package power

// DcBus carries the rail voltage and the control setpoints shared by all
// terminals attached to it. Setpoints are written by the charger (slow
// task); voltages are written by the measurement adapter (fast task).
type DcBus struct {
	Voltage         float32
	VoltageFiltered float32

	// Net current into the bus, sum over all terminals. Updated by
	// ResolveCurrentLimits once per second.
	Current float32

	// 1 for a single battery, 2 for two batteries in series (24 V
	// system on a 12 V-cell configuration). Auto-detected at startup.
	SeriesMultiplier float32

	// Charging target: intercept and droop of the sink-side control law.
	// Droop resistances carry a negative sign when they compensate an
	// actual series resistance instead of adding a virtual one.
	SinkVoltageIntercept float32
	SinkDroopRes         float32

	// Discharging floor: intercept and droop of the source-side law.
	SrcVoltageIntercept float32
	SrcDroopRes         float32
}

// SinkControlVoltage returns the charging target voltage for the present
// bus current. Pass v0 to probe a hypothetical intercept instead of the
// bus's own setpoint.
func (b *DcBus) SinkControlVoltage(v0 ...float32) float32 {
	vi := b.SinkVoltageIntercept
	if len(v0) > 0 {
		vi = v0[0]
	}
	return vi*b.SeriesMultiplier - b.SinkDroopRes*b.Current
}

// SrcControlVoltage returns the discharging floor voltage, symmetric to
// SinkControlVoltage.
func (b *DcBus) SrcControlVoltage(v0 ...float32) float32 {
	vi := b.SrcVoltageIntercept
	if len(v0) > 0 {
		vi = v0[0]
	}
	return vi*b.SeriesMultiplier - b.SrcDroopRes*b.Current
}

// ResolveCurrentLimits re-derives the bus net current from its terminals
// and enforces the sign discipline on every port's directional limits:
// pos_current_limit >= 0, neg_current_limit <= 0.
func (b *DcBus) ResolveCurrentLimits(ports ...*PowerPort) {
	var sum float32
	for _, p := range ports {
		if p.PosCurrentLimit < 0 {
			p.PosCurrentLimit = 0
		}
		if p.NegCurrentLimit > 0 {
			p.NegCurrentLimit = 0
		}
		sum += p.Current
	}
	b.Current = sum
}

// PowerPort binds one terminal to a bus.
type PowerPort struct {
	Bus *DcBus

	Current         float32
	CurrentFiltered float32
	Power           float32

	// Directional limits: PosCurrentLimit >= 0 caps current into the
	// bus, NegCurrentLimit <= 0 caps current out of it.
	PosCurrentLimit float32
	NegCurrentLimit float32

	PosEnergyWh float32
	NegEnergyWh float32
}

// SetCurrent stores a new current measurement and derives power from the
// bus voltage. filtered is the IIR-filtered value computed by the
// measurement adapter.
func (p *PowerPort) SetCurrent(instant, filtered float32) {
	p.Current = instant
	p.CurrentFiltered = filtered
	p.Power = p.Bus.Voltage * instant
}

// SinkCurrentMargin is the headroom left below the positive limit.
// Negative margin means the limit is exceeded.
func (p *PowerPort) SinkCurrentMargin() float32 { return p.PosCurrentLimit - p.Current }

// SrcCurrentMargin is the headroom left above the negative limit.
// Positive margin means the limit is exceeded (too much current drawn).
func (p *PowerPort) SrcCurrentMargin() float32 { return p.NegCurrentLimit - p.Current }

// EnergyBalance integrates the port power into the directional energy
// counters. Must be called exactly once per second (Wh per second = W/3600).
func (p *PowerPort) EnergyBalance() {
	if p.Power >= 0 {
		p.PosEnergyWh += p.Power / 3600
	} else {
		p.NegEnergyWh -= p.Power / 3600
	}
}

// ResetDayEnergy zeroes the daily energy counters (called on day rollover).
func (p *PowerPort) ResetDayEnergy() {
	p.PosEnergyWh = 0
	p.NegEnergyWh = 0
}

// InitSourceTerminal configures the port as a pure source (e.g. solar
// panel input): charging the bus from outside is not possible, so the
// positive limit stays zero.
func (p *PowerPort) InitSourceTerminal(currentMax, voltageFloor float32) {
	p.PosCurrentLimit = 0
	p.NegCurrentLimit = -currentMax
	p.Bus.SrcVoltageIntercept = voltageFloor
	p.Bus.SrcDroopRes = 0
	if p.Bus.SeriesMultiplier == 0 {
		p.Bus.SeriesMultiplier = 1
	}
}
