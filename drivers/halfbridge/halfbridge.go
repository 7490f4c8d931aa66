// Package halfbridge provides the half-bridge PWM driver used by the
// DC/DC power stage. The Sim type is a cycle-accurate model of the timer
// peripheral (CCR counts, duty clamps) used on the host and in tests;
// hardware backends implement the same surface behind build tags.
package halfbridge

// Timer clock the CCR resolution is derived from.
const timerClockKHz = 16000

// Sim models the half-bridge PWM peripheral: a capture/compare register
// against a fixed period, with safety duty clamps enforced at the driver
// level so the control loop cannot command a destructive duty cycle.
type Sim struct {
	top     int
	ccr     int
	ccrMin  int
	ccrMax  int
	enabled bool

	FreqKHz    int
	DeadtimeNs int
}

// Init configures frequency, deadtime and the duty clamps. May be called
// again to reconfigure (e.g. with relaxed limits for fuse destruction).
func (s *Sim) Init(freqKHz, deadtimeNs int, dutyMin, dutyMax float32) {
	if freqKHz <= 0 {
		freqKHz = 70
	}
	s.FreqKHz = freqKHz
	s.DeadtimeNs = deadtimeNs
	s.top = timerClockKHz / freqKHz
	s.ccrMin = int(dutyMin * float32(s.top))
	s.ccrMax = int(dutyMax * float32(s.top))
	if s.ccrMax > s.top {
		s.ccrMax = s.top
	}
	s.SetCCR(s.ccr)
}

func (s *Sim) Start()        { s.enabled = true }
func (s *Sim) Stop()         { s.enabled = false }
func (s *Sim) Enabled() bool { return s.enabled }

func (s *Sim) SetCCR(ccr int) {
	if ccr < s.ccrMin {
		ccr = s.ccrMin
	}
	if ccr > s.ccrMax {
		ccr = s.ccrMax
	}
	s.ccr = ccr
}

func (s *Sim) CCR() int { return s.ccr }

func (s *Sim) SetDuty(duty float32) { s.SetCCR(int(duty * float32(s.top))) }

func (s *Sim) Duty() float32 {
	if s.top == 0 {
		return 0
	}
	return float32(s.ccr) / float32(s.top)
}
