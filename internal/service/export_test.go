package service

// FlightGuard exposes flightGuard to the external test package.
type FlightGuard = flightGuard

// ArmedTimers returns how many adopt timers the watcher has pending.
func (r *Resumer) ArmedTimers() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.timers)
}
