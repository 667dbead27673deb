//go:build !nogpu

package wgpu

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"
	"github.com/gogpu/wgpu/hal/noop"

	"github.com/gogpu/compute/backend"

	// Import Vulkan backend so it registers via init().
	_ "github.com/gogpu/wgpu/hal/vulkan"
)

// waitTimeout bounds a fence wait when the context has no deadline.
const waitTimeout = 30 * time.Second

// copyAlignment is the required alignment of copy offsets and sizes.
const copyAlignment = 4

var (
	errUnaligned   = errors.New("wgpu: offset or size is not 4-byte aligned")
	errGPUTimeout  = errors.New("wgpu: timed out waiting for GPU")
	errNotProvider = errors.New("wgpu: provider does not expose HAL types")
)

func init() {
	backend.Register(backend.BackendWGPU, func() backend.Backend { return Backend{} })
	backend.Register(backend.BackendNull, func() backend.Backend { return NullBackend{} })
}

// Backend opens Vulkan devices.
type Backend struct{}

// Name returns "wgpu".
func (Backend) Name() string { return backend.BackendWGPU }

// Open opens the first usable Vulkan adapter, or wraps cfg.Provider when
// set.
func (Backend) Open(cfg backend.Config) (backend.Device, error) {
	if cfg.Provider != nil {
		return openProvider(cfg)
	}
	api, ok := hal.GetBackend(gputypes.BackendVulkan)
	if !ok {
		return nil, fmt.Errorf("%w: vulkan HAL not compiled in", backend.ErrBackendNotAvailable)
	}
	// TODO: map cfg.Debug to validation layers once the HAL exposes
	// instance flags for them.
	instance, err := api.CreateInstance(&hal.InstanceDescriptor{Flags: 0})
	if err != nil {
		return nil, fmt.Errorf("%w: create instance: %w", backend.ErrBackendNotAvailable, err)
	}
	return openInstance(backend.BackendWGPU, instance, cfg)
}

// NullBackend opens devices on the no-op HAL.
type NullBackend struct{}

// Name returns "null".
func (NullBackend) Name() string { return backend.BackendNull }

// Open opens a no-op device.
func (NullBackend) Open(cfg backend.Config) (backend.Device, error) {
	instance, err := noop.API{}.CreateInstance(nil)
	if err != nil {
		return nil, fmt.Errorf("%w: create instance: %w", backend.ErrBackendNotAvailable, err)
	}
	return openInstance(backend.BackendNull, instance, cfg)
}

func openInstance(name string, instance hal.Instance, cfg backend.Config) (*Device, error) {
	adapters := instance.EnumerateAdapters(nil)
	if len(adapters) == 0 {
		instance.Destroy()
		return nil, fmt.Errorf("%w: no GPU adapters found", backend.ErrBackendNotAvailable)
	}
	selected := &adapters[0]
	for i := range adapters {
		if adapters[i].Info.DeviceType == gputypes.DeviceTypeDiscreteGPU ||
			adapters[i].Info.DeviceType == gputypes.DeviceTypeIntegratedGPU {
			selected = &adapters[i]
			break
		}
	}
	limits := gputypes.DefaultLimits()
	openDev, err := selected.Adapter.Open(gputypes.Features(0), limits)
	if err != nil {
		instance.Destroy()
		return nil, fmt.Errorf("%w: open device: %w", backend.ErrBackendNotAvailable, err)
	}
	d := newDevice(name, openDev.Device, openDev.Queue, cfg.Logger)
	d.instance = instance
	d.info.Adapter = selected.Info.Name
	d.info.DeviceType = fmt.Sprint(selected.Info.DeviceType)
	d.info.MemorySpace = name + ":" + selected.Info.Name
	d.info.Limits = convertLimits(limits)
	d.log().Info("device opened", "backend", name, "adapter", d.info.Adapter, "type", d.info.DeviceType)
	return d, nil
}

// openProvider shares a device owned by the host application.
func openProvider(cfg backend.Config) (*Device, error) {
	type halProvider interface {
		HalDevice() any
		HalQueue() any
	}
	hp, ok := cfg.Provider.(halProvider)
	if !ok {
		return nil, errNotProvider
	}
	device, ok := hp.HalDevice().(hal.Device)
	if !ok || device == nil {
		return nil, fmt.Errorf("%w: HalDevice is not hal.Device", errNotProvider)
	}
	queue, ok := hp.HalQueue().(hal.Queue)
	if !ok || queue == nil {
		return nil, fmt.Errorf("%w: HalQueue is not hal.Queue", errNotProvider)
	}
	d := newDevice(backend.BackendWGPU, device, queue, cfg.Logger)
	d.external = true
	d.info.Adapter = "shared"
	d.info.DeviceType = "provider"
	d.info.MemorySpace = fmt.Sprintf("wgpu:shared:%p", device)
	d.info.Limits = convertLimits(gputypes.DefaultLimits())
	d.log().Info("using shared device from provider")
	return d, nil
}

func convertLimits(l gputypes.Limits) backend.Limits {
	return backend.Limits{
		MaxWorkgroupSize:          [3]uint32{l.MaxComputeWorkgroupSizeX, l.MaxComputeWorkgroupSizeY, l.MaxComputeWorkgroupSizeZ},
		MaxWorkgroupInvocations:   l.MaxComputeInvocationsPerWorkgroup,
		MaxWorkgroupsPerDimension: l.MaxComputeWorkgroupsPerDimension,
		MaxBufferSize:             l.MaxBufferSize,
		MaxBindGroups:             l.MaxBindGroups,
	}
}

// Device wraps a HAL device and its queue.
type Device struct {
	instance hal.Instance // nil for shared devices
	device   hal.Device
	queue    hal.Queue
	external bool // true when the device belongs to a provider
	info     backend.Info
	logger   atomic.Pointer[slog.Logger]

	// mu orders queue access and guards the resource sets.
	mu        sync.Mutex
	closed    bool
	buffers   map[*Buffer]struct{}
	pipelines map[*Pipeline]struct{}
}

func newDevice(name string, device hal.Device, queue hal.Queue, logger *slog.Logger) *Device {
	d := &Device{
		device:    device,
		queue:     queue,
		buffers:   make(map[*Buffer]struct{}),
		pipelines: make(map[*Pipeline]struct{}),
		info:      backend.Info{Backend: name},
	}
	d.SetLogger(logger)
	return d
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

// Close destroys every buffer and pipeline, then the device and instance
// unless they are shared. Close is idempotent.
func (d *Device) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	d.closed = true
	for p := range d.pipelines {
		p.destroyLocked()
	}
	for b := range d.buffers {
		b.destroyLocked()
	}
	if !d.external {
		d.device.Destroy()
		if d.instance != nil {
			d.instance.Destroy()
		}
	}
	d.device = nil
	d.queue = nil
	d.log().Info("device closed", "backend", d.info.Backend)
	return nil
}

// submitLocked submits one command buffer and waits for it.
func (d *Device) submitLocked(ctx context.Context, cb hal.CommandBuffer) error {
	fence, err := d.device.CreateFence()
	if err != nil {
		return fmt.Errorf("wgpu: create fence: %w", err)
	}
	defer d.device.DestroyFence(fence)
	if err := d.queue.Submit([]hal.CommandBuffer{cb}, fence, 1); err != nil {
		return fmt.Errorf("wgpu: submit: %w", err)
	}
	timeout := waitTimeout
	if deadline, ok := ctx.Deadline(); ok {
		timeout = max(time.Until(deadline), time.Millisecond)
	}
	fenceOK, err := d.device.Wait(fence, 1, timeout)
	if err != nil {
		return fmt.Errorf("wgpu: wait: %w", err)
	}
	if !fenceOK {
		return errGPUTimeout
	}
	return nil
}

// encodeLocked records the commands added by record into one command
// buffer, submits it and waits.
func (d *Device) encodeLocked(ctx context.Context, label string, record func(hal.CommandEncoder) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	encoder, err := d.device.CreateCommandEncoder(&hal.CommandEncoderDescriptor{Label: label})
	if err != nil {
		return fmt.Errorf("wgpu: create command encoder: %w", err)
	}
	if err := encoder.BeginEncoding(label); err != nil {
		return fmt.Errorf("wgpu: begin encoding: %w", err)
	}
	if err := record(encoder); err != nil {
		encoder.DiscardEncoding()
		return err
	}
	cb, err := encoder.EndEncoding()
	if err != nil {
		return fmt.Errorf("wgpu: end encoding: %w", err)
	}
	defer d.device.FreeCommandBuffer(cb)
	return d.submitLocked(ctx, cb)
}

func alignUp(n uint64) uint64 { return (n + copyAlignment - 1) &^ (copyAlignment - 1) }

// discardHandler drops every record.
type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (discardHandler) WithAttrs([]slog.Attr) slog.Handler        { return discardHandler{} }
func (discardHandler) WithGroup(string) slog.Handler             { return discardHandler{} }
