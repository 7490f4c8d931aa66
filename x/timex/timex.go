package timex

import "time"

// TimeNever marks a timestamp field that was never set. Large negative so
// that "now - t > interval" style checks fire immediately after reset.
const TimeNever int64 = -(1 << 31)

var boot = time.Now()

// Uptime returns whole seconds since boot from the monotonic clock.
// All recovery and phase timers in the control code are derived from this
// counter, never from wall-clock time.
func Uptime() int64 { return int64(time.Since(boot) / time.Second) }

// UptimeMs returns milliseconds since boot.
func UptimeMs() int64 { return time.Since(boot).Milliseconds() }

// PeriodFromHz returns the tick period for a requested frequency.
// freqHz==0 is coerced to 1 to avoid division by zero.
func PeriodFromHz(freqHz uint32) time.Duration {
	if freqHz == 0 {
		freqHz = 1
	}
	return time.Second / time.Duration(freqHz)
}
