//go:build !nogpu

// Package gpu registers the GPU compute backends.
//
// Import this package to make the "wgpu" (Vulkan) and "null" device types
// available to compute.NewDevice. With DeviceTypeAutomatic the Vulkan
// device is preferred; if no adapter can be opened the device falls back to
// the CPU interpreter.
//
// Usage:
//
//	import _ "github.com/gogpu/compute/gpu" // enable Vulkan compute
package gpu

import (
	"github.com/gogpu/compute/backend"
	"github.com/gogpu/compute/backend/wgpu"
)

// Available reports whether a Vulkan device can be opened on this host.
// It opens and closes a device, so call it once at startup.
func Available() bool {
	dev, err := wgpu.Backend{}.Open(backend.Config{})
	if err != nil {
		return false
	}
	_ = dev.Close()
	return true
}
