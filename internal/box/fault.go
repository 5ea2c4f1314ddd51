package box

// FaultEdge reports transitions of pack fault indicator.
// Zero value assumes no fault, so healthy pack on boot produces no alarm.
type FaultEdge struct {
	last bool
}

// Observe returns true once per change of active.
func (self *FaultEdge) Observe(active bool) bool {
	if active == self.last {
		return false
	}
	self.last = active
	return true
}

func (self *FaultEdge) Active() bool { return self.last }
