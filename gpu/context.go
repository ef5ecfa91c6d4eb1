package gpu

import (
	"fmt"
	"log"
	"sync"

	"github.com/openfluke/webgpu/wgpu"
)

// Context holds the single WebGPU context for the process.
type Context struct {
	Instance *wgpu.Instance
	Adapter  *wgpu.Adapter
	Device   *wgpu.Device
	Queue    *wgpu.Queue
	once     sync.Once
	err      error
}

var ctx Context

// Logger receives adapter selection messages. Set it to nil to silence them.
var Logger = log.Default()

func logf(format string, args ...any) {
	if Logger != nil {
		Logger.Printf(format, args...)
	}
}

// GetContext returns the singleton GPU context, initializing it on first use.
// A failed initialization is remembered and returned on every later call.
func GetContext() (*Context, error) {
	ctx.once.Do(func() {
		ctx.err = ctx.init()
	})
	if ctx.err != nil {
		return nil, ctx.err
	}
	if ctx.Device == nil || ctx.Queue == nil {
		return nil, fmt.Errorf("WebGPU device or queue not initialized")
	}
	return &ctx, nil
}

func (c *Context) init() error {
	c.Instance = wgpu.CreateInstance(nil)
	if c.Instance == nil {
		return fmt.Errorf("failed to create WebGPU instance")
	}

	// High performance first, then low power, then whatever the driver offers.
	attempts := []*wgpu.RequestAdapterOptions{
		{PowerPreference: wgpu.PowerPreferenceHighPerformance},
		{PowerPreference: wgpu.PowerPreferenceLowPower},
		nil,
	}
	var lastErr error
	for _, opts := range attempts {
		adapter, err := c.Instance.RequestAdapter(opts)
		if err == nil && adapter != nil {
			c.Adapter = adapter
			break
		}
		lastErr = err
		logf("gpu: adapter request failed: %v", err)
	}
	if c.Adapter == nil {
		return fmt.Errorf("all adapter attempts failed: %v", lastErr)
	}

	info := c.Adapter.GetInfo()
	logf("gpu: using adapter %s (vendor %s)", info.Name, info.VendorName)

	device, err := c.Adapter.RequestDevice(nil)
	if err != nil {
		return fmt.Errorf("request device: %w", err)
	}
	c.Device = device
	c.Queue = device.GetQueue()
	return nil
}
