// Package backend provides the pluggable device abstraction behind compute.
//
// A backend opens devices; a device allocates buffers, compiles pipelines
// from checked WGSL modules and executes recorded command lists.
//
// # Backend Registration
//
// Backends register themselves from init() functions and are selected at
// runtime. The software backend is registered by the compute package itself;
// the GPU backends are enabled with a blank import:
//
//	import _ "github.com/gogpu/compute/gpu"
//
// # Backend Selection
//
// OpenDefault tries backends in priority order and returns the first device
// that opens. Open requests a specific backend by name:
//
//	dev, err := backend.Open(backend.BackendSoftware, backend.Config{})
//
// # Available Backends
//
//   - "software": WGSL interpreter on a host worker pool (always available)
//   - "wgpu": Vulkan via gogpu/wgpu, shaders compiled by naga
//   - "null": the wgpu no-op HAL, for plumbing tests without a GPU
package backend
