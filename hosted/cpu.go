package hosted

import "gopherboot/loader/handoff"

// RecordingCPU stands in for the CPU in hosted mode: instead of switching to
// the kernel it records the state the kernel would have started with.
type RecordingCPU struct {
	Entered bool
	Params  handoff.Params
}

// Enter implements handoff.CPU.
func (c *RecordingCPU) Enter(p handoff.Params) {
	c.Entered = true
	c.Params = p
}
