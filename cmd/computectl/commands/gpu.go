//go:build !nogpu

package commands

// Registers the vulkan and null device types.
import _ "github.com/gogpu/compute/gpu"
