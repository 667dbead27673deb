//go:build !nogpu

package wgpu

import (
	"context"
	"errors"
	"testing"

	"github.com/gogpu/gpucontext"
	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"
	"github.com/gogpu/wgpu/hal/noop"

	"github.com/gogpu/compute/backend"
	"github.com/gogpu/compute/internal/wgsl"
)

const scaleShader = `
@group(0) @binding(0) var<storage, read> src: array<f32>;
@group(0) @binding(1) var<storage, read_write> dst: array<f32>;
@group(0) @binding(2) var<uniform> count: u32;

@compute @workgroup_size(64)
fn main(@builtin(global_invocation_id) id: vec3<u32>) {
    if (id.x < count) {
        dst[id.x] = src[id.x] * 2.0;
    }
}
`

// openNull opens a device on the no-op HAL.
func openNull(t *testing.T) *Device {
	t.Helper()
	dev, err := backend.Open(backend.BackendNull, backend.Config{})
	if err != nil {
		t.Fatalf("Open(null): %v", err)
	}
	t.Cleanup(func() { _ = dev.Close() })
	return dev.(*Device)
}

func TestNullDeviceInfo(t *testing.T) {
	d := openNull(t)
	info := d.Info()
	if info.Backend != backend.BackendNull {
		t.Errorf("Backend = %q, want %q", info.Backend, backend.BackendNull)
	}
	if info.Features.HostMemory {
		t.Error("null device reports host memory")
	}
	if info.Limits.MaxBufferSize == 0 || info.Limits.MaxWorkgroupSize[0] == 0 {
		t.Errorf("limits not populated: %+v", info.Limits)
	}
}

func TestNullDispatchPlumbing(t *testing.T) {
	d := openNull(t)
	m, err := wgsl.Parse(scaleShader)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	bindings, err := m.Bindings("main")
	if err != nil {
		t.Fatalf("Bindings: %v", err)
	}
	p, err := d.CreatePipeline(backend.PipelineDesc{
		Label: "scale", Module: m, EntryPoint: "main", Bindings: bindings,
	})
	if err != nil {
		t.Fatalf("CreatePipeline: %v", err)
	}
	if len(p.(*Pipeline).layouts) != 1 {
		t.Errorf("layouts = %d, want 1", len(p.(*Pipeline).layouts))
	}

	var bufs []backend.Buffer
	for _, size := range []uint64{256, 256, 4} {
		buf, err := d.CreateBuffer("buf", size)
		if err != nil {
			t.Fatalf("CreateBuffer: %v", err)
		}
		bufs = append(bufs, buf)
	}
	if err := bufs[0].Write(0, make([]byte, 256)); err != nil {
		t.Fatalf("Write: %v", err)
	}

	cmd := backend.DispatchCommand{Pipeline: p, Groups: [3]uint32{1, 1, 1}}
	for i, g := range bindings {
		cmd.Bindings = append(cmd.Bindings, backend.BufferBinding{Key: g.Key(), Buffer: bufs[i]})
	}
	err = d.Submit(context.Background(), []backend.Command{
		cmd,
		backend.ClearCommand{Buffer: bufs[0]},
		backend.CopyCommand{Src: bufs[1], Dst: bufs[0], Size: 256},
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
}

func TestUnalignedCopy(t *testing.T) {
	d := openNull(t)
	a, _ := d.CreateBuffer("a", 16)
	b, _ := d.CreateBuffer("b", 16)
	err := d.Submit(context.Background(), []backend.Command{
		backend.CopyCommand{Src: a, Dst: b, SrcOffset: 2, Size: 4},
	})
	if !errors.Is(err, errUnaligned) {
		t.Fatalf("err = %v, want errUnaligned", err)
	}
}

func TestBufferRange(t *testing.T) {
	d := openNull(t)
	buf, err := d.CreateBuffer("buf", 10)
	if err != nil {
		t.Fatalf("CreateBuffer: %v", err)
	}
	if buf.Size() != 10 {
		t.Errorf("Size = %d, want 10", buf.Size())
	}
	if err := buf.Write(8, make([]byte, 4)); !errors.Is(err, backend.ErrOutOfRange) {
		t.Errorf("Write past end: err = %v, want ErrOutOfRange", err)
	}
	if err := buf.Read(0, make([]byte, 11)); !errors.Is(err, backend.ErrOutOfRange) {
		t.Errorf("Read past end: err = %v, want ErrOutOfRange", err)
	}
}

func TestImportMemory(t *testing.T) {
	d := openNull(t)
	owner, err := d.CreateBuffer("owner", 64)
	if err != nil {
		t.Fatalf("CreateBuffer: %v", err)
	}
	alias, ok := d.ImportMemory("alias", owner.NativeMemory(), 64)
	if !ok {
		t.Fatal("ImportMemory rejected a hal.Buffer")
	}
	alias.Destroy()
	if err := owner.Write(0, make([]byte, 4)); err != nil {
		t.Errorf("owner unusable after alias Destroy: %v", err)
	}
	if _, ok := d.ImportMemory("bytes", make([]byte, 64), 64); ok {
		t.Error("ImportMemory accepted host memory")
	}
}

func TestCloseReleases(t *testing.T) {
	dev, err := backend.Open(backend.BackendNull, backend.Config{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	buf, err := dev.CreateBuffer("buf", 16)
	if err != nil {
		t.Fatalf("CreateBuffer: %v", err)
	}
	if err := dev.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := dev.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if err := buf.Write(0, make([]byte, 4)); !errors.Is(err, backend.ErrClosed) {
		t.Errorf("Write after Close: err = %v, want ErrClosed", err)
	}
	buf.Destroy()
	if len(dev.(*Device).buffers) != 0 {
		t.Error("buffers not released on Close")
	}
}

func TestProviderWithoutHAL(t *testing.T) {
	_, err := Backend{}.Open(backend.Config{Provider: fakeProvider{}})
	if !errors.Is(err, errNotProvider) {
		t.Fatalf("err = %v, want errNotProvider", err)
	}
}

// fakeProvider is a gpucontext.DeviceProvider without HAL access.
type fakeProvider struct{}

func (fakeProvider) Device() gpucontext.Device             { return nil }
func (fakeProvider) Queue() gpucontext.Queue               { return nil }
func (fakeProvider) Adapter() gpucontext.Adapter           { return nil }
func (fakeProvider) SurfaceFormat() gputypes.TextureFormat { return gputypes.TextureFormatUndefined }

// halProvider shares a no-op HAL device.
type halProvider struct {
	fakeProvider
	device hal.Device
	queue  hal.Queue
}

func (p halProvider) HalDevice() any { return p.device }
func (p halProvider) HalQueue() any  { return p.queue }

func TestProviderSharesDevice(t *testing.T) {
	instance, err := noop.API{}.CreateInstance(nil)
	if err != nil {
		t.Fatalf("CreateInstance: %v", err)
	}
	defer instance.Destroy()
	adapters := instance.EnumerateAdapters(nil)
	openDev, err := adapters[0].Adapter.Open(0, gputypes.DefaultLimits())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer openDev.Device.Destroy()

	dev, err := Backend{}.Open(backend.Config{Provider: halProvider{device: openDev.Device, queue: openDev.Queue}})
	if err != nil {
		t.Fatalf("Open with provider: %v", err)
	}
	d := dev.(*Device)
	if !d.external {
		t.Error("shared device not marked external")
	}
	if _, err := d.CreateBuffer("shared", 16); err != nil {
		t.Fatalf("CreateBuffer: %v", err)
	}
	// Close must leave the provider's device alive.
	if err := d.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, err := openDev.Device.CreateFence(); err != nil {
		t.Errorf("provider device unusable after Close: %v", err)
	}
}
