package compute

import (
	"fmt"
	"os"

	"github.com/gogpu/gpucontext"
)

// DeviceType selects the backend of a Device.
type DeviceType uint8

// Device types.
const (
	// DeviceTypeAutomatic picks Vulkan when it opens and the CPU otherwise.
	DeviceTypeAutomatic DeviceType = iota
	// DeviceTypeCPU interprets WGSL on a host worker pool.
	DeviceTypeCPU
	// DeviceTypeVulkan runs on a GPU through gogpu/wgpu. Requires importing
	// github.com/gogpu/compute/gpu.
	DeviceTypeVulkan
	// DeviceTypeNull accepts every command and executes nothing. Requires
	// importing github.com/gogpu/compute/gpu.
	DeviceTypeNull
)

var deviceTypeNames = [...]string{
	DeviceTypeAutomatic: "automatic",
	DeviceTypeCPU:       "cpu",
	DeviceTypeVulkan:    "vulkan",
	DeviceTypeNull:      "null",
}

func (t DeviceType) String() string {
	if int(t) < len(deviceTypeNames) {
		return deviceTypeNames[t]
	}
	return fmt.Sprintf("DeviceType(%d)", t)
}

// ParseDeviceType parses "automatic", "cpu", "vulkan" or "null".
func ParseDeviceType(s string) (DeviceType, error) {
	for t, name := range deviceTypeNames {
		if name == s {
			return DeviceType(t), nil
		}
	}
	return 0, fmt.Errorf("compute: unknown device type %q", s)
}

// ShaderModel selects the WGSL feature level programs are compiled for.
type ShaderModel uint8

// Shader models.
const (
	// ShaderModelDefault is ShaderModelExtended.
	ShaderModelDefault ShaderModel = iota
	// ShaderModelCore is the WebGPU core language: no f64.
	ShaderModelCore
	// ShaderModelExtended adds f64 scalars on devices that support them.
	ShaderModelExtended
)

func (m ShaderModel) String() string {
	switch m {
	case ShaderModelCore:
		return "core"
	case ShaderModelExtended, ShaderModelDefault:
		return "extended"
	default:
		return fmt.Sprintf("ShaderModel(%d)", m)
	}
}

// ParseShaderModel parses "core" or "extended". The empty string is
// ShaderModelDefault.
func ParseShaderModel(s string) (ShaderModel, error) {
	switch s {
	case "":
		return ShaderModelDefault, nil
	case "core":
		return ShaderModelCore, nil
	case "extended":
		return ShaderModelExtended, nil
	}
	return 0, fmt.Errorf("compute: unknown shader model %q", s)
}

func (m ShaderModel) resolve() ShaderModel {
	if m == ShaderModelDefault {
		return ShaderModelExtended
	}
	return m
}

// DefaultProgramCacheSize is the per-shard program cache capacity.
const DefaultProgramCacheSize = 16

// DeviceConfig configures a Device. It is validated by NewDevice and
// immutable afterwards.
type DeviceConfig struct {
	Type DeviceType

	// EnableDebugLayers turns on backend validation where available.
	EnableDebugLayers bool

	// EnableInterop allows ExternalTensor bindings and Buffer.ToTensor.
	EnableInterop bool

	// IncludePaths are searched, in order, for relative program paths that
	// do not exist in the working directory.
	IncludePaths []string

	ShaderModel ShaderModel

	// Workers is the CPU device worker count. Zero means GOMAXPROCS.
	Workers int

	// Provider shares the GPU device of a host application.
	Provider gpucontext.DeviceProvider

	// ProgramCacheSize is the per-shard capacity of the program cache.
	// Zero means DefaultProgramCacheSize.
	ProgramCacheSize int
}

func (c *DeviceConfig) validate() error {
	if c.Type > DeviceTypeNull {
		return fmt.Errorf("unknown device type %d", c.Type)
	}
	if c.ShaderModel > ShaderModelExtended {
		return fmt.Errorf("unknown shader model %d", c.ShaderModel)
	}
	if c.Workers < 0 {
		return fmt.Errorf("negative worker count %d", c.Workers)
	}
	if c.ProgramCacheSize < 0 {
		return fmt.Errorf("negative program cache size %d", c.ProgramCacheSize)
	}
	for _, dir := range c.IncludePaths {
		fi, err := os.Stat(dir)
		if err != nil {
			return fmt.Errorf("include path: %w", err)
		}
		if !fi.IsDir() {
			return fmt.Errorf("include path %q is not a directory", dir)
		}
	}
	return nil
}

// Option adjusts a DeviceConfig passed to NewDevice.
//
// Example:
//
//	dev, err := compute.NewDevice(compute.DeviceConfig{},
//		compute.WithType(compute.DeviceTypeCPU),
//		compute.WithInterop(),
//		compute.WithIncludePaths("shaders"))
type Option func(*DeviceConfig)

// WithType sets the device type.
func WithType(t DeviceType) Option {
	return func(c *DeviceConfig) { c.Type = t }
}

// WithDebugLayers enables backend validation.
func WithDebugLayers() Option {
	return func(c *DeviceConfig) { c.EnableDebugLayers = true }
}

// WithInterop enables external tensor interop.
func WithInterop() Option {
	return func(c *DeviceConfig) { c.EnableInterop = true }
}

// WithIncludePaths appends program search directories.
func WithIncludePaths(dirs ...string) Option {
	return func(c *DeviceConfig) { c.IncludePaths = append(c.IncludePaths, dirs...) }
}

// WithShaderModel sets the shader model.
func WithShaderModel(m ShaderModel) Option {
	return func(c *DeviceConfig) { c.ShaderModel = m }
}

// WithWorkers sets the CPU worker count.
func WithWorkers(n int) Option {
	return func(c *DeviceConfig) { c.Workers = n }
}

// WithProvider shares the GPU device of provider.
func WithProvider(p gpucontext.DeviceProvider) Option {
	return func(c *DeviceConfig) { c.Provider = p }
}

// WithProgramCacheSize sets the per-shard program cache capacity.
func WithProgramCacheSize(n int) Option {
	return func(c *DeviceConfig) { c.ProgramCacheSize = n }
}
