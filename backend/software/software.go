// Package software implements the host backend: WGSL entry points are
// interpreted and their workgroups spread over a work-stealing worker pool.
//
// Buffers are plain host memory, so the backend reports the "host" memory
// space and can alias external host memory without copying.
package software

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sys/cpu"

	"github.com/gogpu/compute/backend"
	"github.com/gogpu/compute/internal/parallel"
	"github.com/gogpu/compute/internal/wgsl"
)

// MemorySpace is the memory space of host buffers.
const MemorySpace = "host"

// Host limits. Workgroup limits follow the WebGPU defaults so that shaders
// validated here also fit a GPU device.
const (
	maxWorkgroupsPerDimension = 65535
	maxBufferSize             = 1 << 31
)

func init() {
	backend.Register(backend.BackendSoftware, func() backend.Backend { return Backend{} })
}

// Backend opens software devices.
type Backend struct{}

// Name returns "software".
func (Backend) Name() string { return backend.BackendSoftware }

// Open creates a device with its own worker pool.
func (Backend) Open(cfg backend.Config) (backend.Device, error) {
	return NewDevice(cfg), nil
}

// Device executes commands on host threads.
type Device struct {
	pool   *parallel.WorkerPool
	logger atomic.Pointer[slog.Logger]
	info   backend.Info

	// queueMu orders submissions and host transfers like a device queue.
	queueMu sync.Mutex
	closed  bool
}

// NewDevice creates a software device.
func NewDevice(cfg backend.Config) *Device {
	pool := parallel.NewWorkerPool(cfg.Workers)
	d := &Device{
		pool: pool,
		info: backend.Info{
			Backend:     backend.BackendSoftware,
			Adapter:     hostDescription(pool.Workers()),
			DeviceType:  "cpu",
			MemorySpace: MemorySpace,
			Features:    backend.Features{Float64: true, Float16: true, HostMemory: true},
			Limits: backend.Limits{
				MaxWorkgroupSize:          [3]uint32{1024, 1024, 64},
				MaxWorkgroupInvocations:   1024,
				MaxWorkgroupsPerDimension: maxWorkgroupsPerDimension,
				MaxBufferSize:             maxBufferSize,
				MaxBindGroups:             4,
			},
		},
	}
	d.SetLogger(cfg.Logger)
	d.log().Info("software device opened", "adapter", d.info.Adapter)
	return d
}

// hostDescription names the host CPU and the vector extensions it offers.
func hostDescription(workers int) string {
	var ext []string
	switch runtime.GOARCH {
	case "amd64", "386":
		if cpu.X86.HasAVX512F {
			ext = append(ext, "avx512")
		}
		if cpu.X86.HasAVX2 {
			ext = append(ext, "avx2")
		}
		if cpu.X86.HasFMA {
			ext = append(ext, "fma")
		}
	case "arm64":
		if cpu.ARM64.HasASIMD {
			ext = append(ext, "asimd")
		}
		if cpu.ARM64.HasFPHP {
			ext = append(ext, "fp16")
		}
	}
	desc := fmt.Sprintf("host %s/%s, %d workers", runtime.GOOS, runtime.GOARCH, workers)
	if len(ext) > 0 {
		desc += " (" + strings.Join(ext, ", ") + ")"
	}
	return desc
}

// Info returns the device description.
func (d *Device) Info() backend.Info { return d.info }

// SetLogger replaces the device logger. Nil silences it.
func (d *Device) SetLogger(l *slog.Logger) {
	if l == nil {
		l = slog.New(discardHandler{})
	}
	d.logger.Store(l)
}

func (d *Device) log() *slog.Logger { return d.logger.Load() }

// CreateBuffer allocates zeroed host memory.
func (d *Device) CreateBuffer(label string, size uint64) (backend.Buffer, error) {
	if size > maxBufferSize {
		return nil, fmt.Errorf("software: buffer %q of %d bytes exceeds %d", label, size, uint64(maxBufferSize))
	}
	d.queueMu.Lock()
	defer d.queueMu.Unlock()
	if d.closed {
		return nil, backend.ErrClosed
	}
	return &Buffer{dev: d, label: label, data: make([]byte, size)}, nil
}

// ImportMemory aliases a []byte of at least size bytes.
func (d *Device) ImportMemory(label string, native any, size uint64) (backend.Buffer, bool) {
	mem, ok := native.([]byte)
	if !ok || uint64(len(mem)) < size {
		return nil, false
	}
	return &Buffer{dev: d, label: label, data: mem[:size:size], imported: true}, true
}

// CreatePipeline prepares an entry point for interpretation.
func (d *Device) CreatePipeline(desc backend.PipelineDesc) (backend.Pipeline, error) {
	if desc.Module == nil {
		return nil, fmt.Errorf("software: pipeline %q has no module", desc.Label)
	}
	if err := desc.Module.Interpretable(desc.EntryPoint); err != nil {
		return nil, fmt.Errorf("software: %w", err)
	}
	d.log().Debug("pipeline created", "label", desc.Label, "entry", desc.EntryPoint, "bindings", len(desc.Bindings))
	return &Pipeline{module: desc.Module, entry: desc.EntryPoint}, nil
}

// Submit runs the commands in order on the calling goroutine, fanning
// dispatches out to the worker pool.
func (d *Device) Submit(ctx context.Context, cmds []backend.Command) error {
	d.queueMu.Lock()
	defer d.queueMu.Unlock()
	if d.closed {
		return backend.ErrClosed
	}
	for i, cmd := range cmds {
		if err := d.execute(ctx, cmd); err != nil {
			return fmt.Errorf("software: command %d: %w", i, err)
		}
	}
	return nil
}

func (d *Device) execute(ctx context.Context, cmd backend.Command) error {
	switch c := cmd.(type) {
	case backend.DispatchCommand:
		p, ok := c.Pipeline.(*Pipeline)
		if !ok {
			return fmt.Errorf("pipeline %T does not belong to this backend", c.Pipeline)
		}
		res := make(map[wgsl.BindingKey][]byte, len(c.Bindings))
		for _, b := range c.Bindings {
			mem, err := d.view(b.Buffer, b.Offset, b.Size)
			if err != nil {
				return fmt.Errorf("binding %s: %w", b.Key, err)
			}
			res[b.Key] = mem
		}
		start := time.Now()
		err := p.module.Run(ctx, wgsl.Dispatch{Entry: p.entry, Groups: c.Groups, Resources: res}, d.pool)
		d.log().Debug("dispatch", "entry", p.entry, "groups", c.Groups, "elapsed", time.Since(start), "err", err)
		return err

	case backend.CopyCommand:
		src, err := d.view(c.Src, c.SrcOffset, c.Size)
		if err != nil {
			return fmt.Errorf("copy source: %w", err)
		}
		dst, err := d.view(c.Dst, c.DstOffset, c.Size)
		if err != nil {
			return fmt.Errorf("copy destination: %w", err)
		}
		copy(dst, src)
		return nil

	case backend.ClearCommand:
		mem, err := d.view(c.Buffer, c.Offset, c.Size)
		if err != nil {
			return fmt.Errorf("clear: %w", err)
		}
		clear(mem)
		return nil
	}
	return fmt.Errorf("unknown command %T", cmd)
}

// view returns the bytes of a buffer range. A zero size means the rest of
// the buffer.
func (d *Device) view(buf backend.Buffer, offset, size uint64) ([]byte, error) {
	b, ok := buf.(*Buffer)
	if !ok || b.dev != d {
		return nil, fmt.Errorf("buffer %T does not belong to this device", buf)
	}
	if b.data == nil && b.destroyed {
		return nil, fmt.Errorf("buffer %q was destroyed", b.label)
	}
	if size == 0 && offset <= uint64(len(b.data)) {
		size = uint64(len(b.data)) - offset
	}
	if err := backend.CheckRange(uint64(len(b.data)), offset, size); err != nil {
		return nil, err
	}
	return b.data[offset : offset+size], nil
}

// Close stops the worker pool. Close is idempotent.
func (d *Device) Close() error {
	d.queueMu.Lock()
	if d.closed {
		d.queueMu.Unlock()
		return nil
	}
	d.closed = true
	d.queueMu.Unlock()
	d.pool.Close()
	d.log().Info("software device closed")
	return nil
}

// Pipeline is an interpretable entry point.
type Pipeline struct {
	module *wgsl.Module
	entry  string
}

// EntryPoint returns the entry point name.
func (p *Pipeline) EntryPoint() string { return p.entry }

// Destroy is a no-op; pipelines hold no device resources.
func (p *Pipeline) Destroy() {}

// discardHandler drops every record.
type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (discardHandler) WithAttrs([]slog.Attr) slog.Handler        { return discardHandler{} }
func (discardHandler) WithGroup(string) slog.Handler             { return discardHandler{} }
