// Package gpu runs the codec's 1D convolutions on a WebGPU device. Install
// registers the device as the nn accelerator; without an adapter everything
// stays on the CPU.
package gpu

import (
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"

	"github.com/openfluke/webgpu/wgpu"
)

// ErrNoDevice is returned when no WebGPU adapter or device could be opened.
var ErrNoDevice = errors.New("gpu: no WebGPU device")

// Context holds the process-wide WebGPU device.
type Context struct {
	Instance *wgpu.Instance
	Adapter  *wgpu.Adapter
	Device   *wgpu.Device
	Queue    *wgpu.Queue
}

var (
	ctxOnce sync.Once
	ctx     *Context
	ctxErr  error
)

// GetContext opens the device on first use and returns it on every call.
// An NVIDIA adapter is taken when present, otherwise the first of a
// high-performance, low-power or default request that succeeds.
func GetContext() (*Context, error) {
	ctxOnce.Do(func() { ctx, ctxErr = open() })
	return ctx, ctxErr
}

func open() (*Context, error) {
	c := &Context{Instance: wgpu.CreateInstance(nil)}
	if c.Instance == nil {
		return nil, fmt.Errorf("%w: instance creation failed", ErrNoDevice)
	}

	for _, a := range c.Instance.EnumerateAdapters(nil) {
		info := a.GetInfo()
		if strings.Contains(strings.ToLower(info.Name+" "+info.VendorName), "nvidia") {
			c.Adapter = a
			break
		}
	}

	var err error
	for _, opts := range []*wgpu.RequestAdapterOptions{
		{PowerPreference: wgpu.PowerPreferenceHighPerformance},
		{PowerPreference: wgpu.PowerPreferenceLowPower},
		nil,
	} {
		if c.Adapter != nil {
			break
		}
		if c.Adapter, err = c.Instance.RequestAdapter(opts); err != nil {
			log.Printf("gpu: adapter request failed: %v", err)
		}
	}
	if c.Adapter == nil {
		return nil, fmt.Errorf("%w: %v", ErrNoDevice, err)
	}

	info := c.Adapter.GetInfo()
	log.Printf("gpu: using adapter %s (%s)", info.Name, info.VendorName)
	if c.Device, err = c.Adapter.RequestDevice(nil); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoDevice, err)
	}
	c.Queue = c.Device.GetQueue()
	if c.Queue == nil {
		return nil, fmt.Errorf("%w: device has no queue", ErrNoDevice)
	}
	return c, nil
}
