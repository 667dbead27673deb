package commands

import (
	"io"
	"runtime"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/sys/cpu"
	"golang.org/x/text/message"

	"github.com/gogpu/compute"
)

func newDeviceCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "device",
		Short: "Show device information",
		Long: `Open the configured device and print its adapter, capabilities and
limits.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			dev, err := a.openDevice()
			if err != nil {
				return err
			}
			defer dev.Close()
			writeDeviceInfo(a.printer(), cmd.OutOrStdout(), dev.Info())
			return nil
		},
	}
}

func writeDeviceInfo(p *message.Printer, w io.Writer, info compute.DeviceInfo) {
	l := info.Limits
	p.Fprintf(w, "Device:          %s (%s)\n", info.Type, info.Backend)
	p.Fprintf(w, "Adapter:         %s [%s]\n", info.Adapter, info.Kind)
	p.Fprintf(w, "Memory space:    %s\n", info.MemorySpace)
	p.Fprintf(w, "Interop:         %s\n", yesNo(info.SupportsInterop))
	p.Fprintf(w, "Host visible:    %s\n", yesNo(info.HostVisible))
	p.Fprintf(w, "Float64:         %s\n", yesNo(info.SupportsFloat64))
	p.Fprintf(w, "Float16:         %s\n", yesNo(info.SupportsFloat16))
	p.Fprintf(w, "Workgroup size:  %d x %d x %d\n", l.MaxWorkgroupSize[0], l.MaxWorkgroupSize[1], l.MaxWorkgroupSize[2])
	p.Fprintf(w, "Invocations:     %d\n", l.MaxWorkgroupInvocations)
	p.Fprintf(w, "Workgroups/dim:  %d\n", l.MaxWorkgroupsPerDimension)
	p.Fprintf(w, "Max buffer size: %d bytes\n", l.MaxBufferSize)
	p.Fprintf(w, "Bind groups:     %d\n", l.MaxBindGroups)
	p.Fprintf(w, "Host:            %s/%s, %d CPUs [%s]\n", runtime.GOOS, runtime.GOARCH, runtime.NumCPU(), strings.Join(hostFeatures(), " "))
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}

// hostFeatures lists the SIMD extensions the CPU interpreter can benefit
// from.
func hostFeatures() []string {
	var feats []string
	add := func(ok bool, name string) {
		if ok {
			feats = append(feats, name)
		}
	}
	switch runtime.GOARCH {
	case "amd64", "386":
		add(cpu.X86.HasSSE41, "sse4.1")
		add(cpu.X86.HasAVX, "avx")
		add(cpu.X86.HasAVX2, "avx2")
		add(cpu.X86.HasFMA, "fma")
		add(cpu.X86.HasAVX512F, "avx512f")
	case "arm64":
		add(cpu.ARM64.HasASIMD, "asimd")
		add(cpu.ARM64.HasFPHP, "fphp")
		add(cpu.ARM64.HasSVE, "sve")
	}
	if len(feats) == 0 {
		feats = append(feats, "none")
	}
	return feats
}
