package backend

import (
	"context"
	"errors"
	"log/slog"

	"github.com/gogpu/gpucontext"

	"github.com/gogpu/compute/internal/wgsl"
)

// Common backend errors.
var (
	// ErrBackendNotAvailable is returned when a requested backend is not
	// registered or cannot open a device on this host.
	ErrBackendNotAvailable = errors.New("backend: not available")

	// ErrClosed is returned when a device is used after Close.
	ErrClosed = errors.New("backend: device closed")

	// ErrOutOfRange is returned for buffer accesses outside the buffer.
	ErrOutOfRange = errors.New("backend: range out of bounds")
)

// Backend opens compute devices of one kind.
//
// Backends are registered via Register() and are selected via Get() or
// OpenDefault().
type Backend interface {
	// Name returns the backend identifier (e.g. "software", "wgpu").
	Name() string

	// Open creates a device. It returns ErrBackendNotAvailable (possibly
	// wrapped) when the host has no suitable adapter.
	Open(cfg Config) (Device, error)
}

// Config carries the device options a backend needs.
type Config struct {
	// Debug enables validation layers where the backend has them.
	Debug bool

	// Workers sets the host worker count for backends that execute on the
	// CPU. Zero means GOMAXPROCS.
	Workers int

	// Provider, when set, supplies an existing GPU device to share instead
	// of opening a new one.
	Provider gpucontext.DeviceProvider

	// Logger receives backend diagnostics. Nil means silent.
	Logger *slog.Logger
}

// Features lists optional shader capabilities.
type Features struct {
	Float64 bool
	Float16 bool
	// HostMemory reports that buffers live in host memory and can be
	// aliased without a copy.
	HostMemory bool
}

// Limits bounds what a device accepts.
type Limits struct {
	MaxWorkgroupSize          [3]uint32
	MaxWorkgroupInvocations   uint32
	MaxWorkgroupsPerDimension uint32
	MaxBufferSize             uint64
	MaxBindGroups             uint32
}

// Info describes an open device.
type Info struct {
	Backend     string
	Adapter     string
	DeviceType  string
	MemorySpace string
	Features    Features
	Limits      Limits
}

// Device is an open compute device.
//
// Implementations must be safe for concurrent use.
type Device interface {
	Info() Info

	// CreateBuffer allocates a zeroed buffer of size bytes.
	CreateBuffer(label string, size uint64) (Buffer, error)

	// ImportMemory wraps memory owned by another runtime as a buffer
	// without copying. ok is false when the memory cannot be aliased.
	ImportMemory(label string, native any, size uint64) (buf Buffer, ok bool)

	// CreatePipeline compiles the entry point of a checked module.
	CreatePipeline(desc PipelineDesc) (Pipeline, error)

	// Submit executes commands in order and waits for completion.
	Submit(ctx context.Context, cmds []Command) error

	// Close releases the device. Close is idempotent.
	Close() error
}

// Buffer is device memory.
type Buffer interface {
	Size() uint64

	// Write copies data into the buffer at offset.
	Write(offset uint64, data []byte) error

	// Read copies len(dst) bytes starting at offset into dst.
	Read(offset uint64, dst []byte) error

	// NativeMemory returns the backend handle that ImportMemory of the
	// same backend accepts, such as a []byte or a hal.Buffer.
	NativeMemory() any

	Destroy()
}

// PipelineDesc describes a compute pipeline.
type PipelineDesc struct {
	Label      string
	Module     *wgsl.Module
	EntryPoint string
	Bindings   []*wgsl.Global
}

// Pipeline is a compiled compute entry point.
type Pipeline interface {
	EntryPoint() string
	Destroy()
}

// Command is a recorded device operation.
type Command interface{ command() }

// BufferBinding attaches a buffer range to a shader binding.
type BufferBinding struct {
	Key    wgsl.BindingKey
	Buffer Buffer
	Offset uint64
	Size   uint64
}

// DispatchCommand runs a pipeline over a grid of workgroups.
type DispatchCommand struct {
	Pipeline Pipeline
	Groups   [3]uint32
	Bindings []BufferBinding
}

// CopyCommand copies a byte range between buffers.
type CopyCommand struct {
	Src, Dst             Buffer
	SrcOffset, DstOffset uint64
	Size                 uint64
}

// ClearCommand zeroes a byte range of a buffer.
type ClearCommand struct {
	Buffer Buffer
	Offset uint64
	Size   uint64
}

func (DispatchCommand) command() {}
func (CopyCommand) command()     {}
func (ClearCommand) command()    {}

// CheckRange validates an access of size bytes at offset into a buffer of
// bufSize bytes.
func CheckRange(bufSize, offset, size uint64) error {
	if offset > bufSize || size > bufSize-offset {
		return ErrOutOfRange
	}
	return nil
}
