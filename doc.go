// Package compute provides GPU compute dispatch with host and external
// memory interop.
//
// # Overview
//
// A Device compiles WGSL programs, creates kernels for their entry points
// and owns the buffers kernels read and write. Dispatches are synchronous:
// they return once the device has finished and every external tensor bound
// to the dispatch holds its results.
//
// # Quick Start
//
//	dev, err := compute.NewDevice(compute.DeviceConfig{})
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer dev.Close()
//
//	prog, err := dev.LoadProgram("add.wgsl", []string{"main"})
//	kernel, err := dev.CreateComputeKernel(prog)
//
//	a, _ := compute.CreateBufferFromSlice(dev, []float32{1, 2, 3}, compute.DefaultBufferUsage)
//	b, _ := compute.CreateBufferFromSlice(dev, []float32{4, 5, 6}, compute.DefaultBufferUsage)
//	c, _ := dev.CreateBuffer(compute.BufferDesc{Size: 12, DataType: compute.Float32})
//
//	err = kernel.Dispatch([3]uint32{3, 1, 1}, compute.Vars{"a": a, "b": b, "c": c})
//	sum, err := compute.ToSlice[float32](c) // [5 7 9]
//
// # Devices
//
// DeviceTypeCPU interprets WGSL on a host worker pool and is always
// available. The Vulkan and null devices are registered by importing
// github.com/gogpu/compute/gpu. DeviceTypeAutomatic picks Vulkan when an
// adapter opens and falls back to the CPU device otherwise.
//
// Capabilities are resolved once when the device is created and reported
// by Device.Info. Programs that use f16 or f64 fail to load on devices
// without the matching capability.
//
// # Interop
//
// With DeviceConfig.EnableInterop, kernels accept ExternalTensor values as
// bindings and buffers can be exposed as Tensors. Memory in the device's
// memory space is aliased without a copy; other tensors are staged through
// temporary device buffers and written back before Dispatch returns.
//
// # Errors
//
// Failures wrap one of ErrCompile, ErrBinding, ErrAllocation,
// ErrTypeMismatch, ErrDispatch or ErrInteropUnsupported; match them with
// errors.Is. The concrete error is an *Error carrying the operation.
//
// # Logging
//
// The package is silent by default. SetLogger installs a log/slog logger
// that is shared with the backends.
package compute
