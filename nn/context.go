package nn

// RunContext is the run-wide mask state read by every maskable layer.
// A Network owns one and hands the same pointer to each layer it builds.
type RunContext struct {
	Temperature float32
	Ticket      bool
}

// NewRunContext returns a context at temperature 1 in search mode.
func NewRunContext() *RunContext {
	return &RunContext{Temperature: 1}
}

// GrowTemperature multiplies the temperature by factor.
func (c *RunContext) GrowTemperature(factor float64) {
	c.Temperature = float32(float64(c.Temperature) * factor)
}

// ResetTemperature sets the temperature back to 1.
func (c *RunContext) ResetTemperature() {
	c.Temperature = 1
}
