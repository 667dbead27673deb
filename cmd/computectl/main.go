// Command computectl loads WGSL compute programs and runs them on a compute
// device.
//
// Usage:
//
//	computectl device [--device cpu]
//	computectl run testdata/add.wgsl -n 1024 --image out.png
//	computectl run scale.wgsl --include shaders --entry shift --set offset=0.5
//
// Flags may also come from $HOME/.computectl/computectl.yaml or from
// COMPUTE_* environment variables, e.g. COMPUTE_DEVICE=cpu.
package main

import (
	"os"

	"github.com/gogpu/compute/cmd/computectl/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}
