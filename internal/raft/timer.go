package raft

// Timer is a debouncing gate over a caller supplied clock. It is not a scheduler: nothing fires on its own, the owner
// calls Check on every tick and acts only when it returns true. This lets each sub-protocol (election checks,
// heartbeats, vote retransmission, entry retransmission) run on its own cadence no matter how often the host ticks.
type Timer struct {
	previousTime uint32
	period       uint32
}

// NewTimer returns a Timer initialised with the given period
func NewTimer(period uint32) *Timer {
	t := &Timer{}
	t.Init(period)
	return t
}

// Init sets the period and resets the reference time to zero
func (t *Timer) Init(period uint32) {
	t.period = period
	t.previousTime = 0
}

// Check reports whether more than one period elapsed since the last positive check. On a positive result the
// reference time moves to now. The subtraction is unsigned, so a wrapping clock is tolerated.
func (t *Timer) Check(now uint32) bool {
	if now-t.previousTime > t.period {
		t.previousTime = now
		return true
	}
	return false
}

// Restart moves the reference time to now without reporting an elapsed period
func (t *Timer) Restart(now uint32) {
	t.previousTime = now
}

// Period returns the configured period
func (t *Timer) Period() uint32 {
	return t.period
}
