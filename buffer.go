package compute

import (
	"encoding/binary"
	"fmt"
	"iter"
	"strings"
	"sync/atomic"

	"github.com/gogpu/compute/backend"
)

// BufferUsage is a set of buffer capabilities.
type BufferUsage uint32

// Buffer usage flags.
const (
	BufferUsageStorage BufferUsage = 1 << iota
	BufferUsageUniform
	BufferUsageCopySrc
	BufferUsageCopyDst
	// BufferUsageShared marks a buffer as exportable: ToTensor returns a
	// view of it on host-visible devices.
	BufferUsageShared
)

// DefaultBufferUsage is used when BufferDesc.Usage is zero.
const DefaultBufferUsage = BufferUsageStorage | BufferUsageCopySrc | BufferUsageCopyDst

func (u BufferUsage) String() string {
	if u == 0 {
		return "none"
	}
	var parts []string
	for _, f := range []struct {
		flag BufferUsage
		name string
	}{
		{BufferUsageStorage, "storage"},
		{BufferUsageUniform, "uniform"},
		{BufferUsageCopySrc, "copy-src"},
		{BufferUsageCopyDst, "copy-dst"},
		{BufferUsageShared, "shared"},
	} {
		if u&f.flag != 0 {
			parts = append(parts, f.name)
			u &^= f.flag
		}
	}
	if u != 0 {
		parts = append(parts, fmt.Sprintf("%#x", uint32(u)))
	}
	return strings.Join(parts, "|")
}

// BufferDesc describes a buffer to create.
type BufferDesc struct {
	Label string
	// Size in bytes. It must be positive.
	Size  int
	Usage BufferUsage
	// DataType optionally tags the element type. Dispatch rejects bindings
	// whose element type disagrees with the tag.
	DataType DataType
	// Data, when set, is the initial content and must be Size bytes long.
	Data []byte
}

// Buffer is device memory owned by a Device.
type Buffer struct {
	dev   *Device
	raw   backend.Buffer
	label string
	size  int
	usage BufferUsage
	dtype DataType

	destroyed atomic.Bool
}

// CreateBuffer allocates a buffer and uploads desc.Data.
func (d *Device) CreateBuffer(desc BufferDesc) (*Buffer, error) {
	const op = "CreateBuffer"
	if desc.Usage == 0 {
		desc.Usage = DefaultBufferUsage
	}
	switch {
	case desc.Size <= 0:
		return nil, newError(op, ErrAllocation, "invalid size %d", desc.Size)
	case uint64(desc.Size) > d.info.Limits.MaxBufferSize:
		return nil, newError(op, ErrAllocation, "size %d exceeds device limit %d", desc.Size, d.info.Limits.MaxBufferSize)
	case desc.Data != nil && len(desc.Data) != desc.Size:
		return nil, newError(op, ErrAllocation, "%d bytes of data for a %d byte buffer", len(desc.Data), desc.Size)
	case desc.DataType > Float64:
		return nil, newError(op, ErrAllocation, "unknown data type %v", desc.DataType)
	case desc.DataType != DataTypeUnknown && desc.Size%desc.DataType.Size() != 0:
		return nil, newError(op, ErrAllocation, "size %d is not a multiple of the %s element size", desc.Size, desc.DataType)
	}

	d.mu.Lock()
	err := d.checkOpenLocked(op)
	d.mu.Unlock()
	if err != nil {
		return nil, err
	}

	raw, err := d.dev.CreateBuffer(desc.Label, uint64(desc.Size))
	if err != nil {
		return nil, &Error{Op: op, Kind: ErrAllocation, Err: err}
	}
	if desc.Data != nil {
		if err := raw.Write(0, desc.Data); err != nil {
			raw.Destroy()
			return nil, &Error{Op: op, Kind: ErrAllocation, Err: err}
		}
	}
	b := &Buffer{dev: d, raw: raw, label: desc.Label, size: desc.Size, usage: desc.Usage, dtype: desc.DataType}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		raw.Destroy()
		return nil, &Error{Op: op, Kind: ErrClosed}
	}
	d.buffers[b] = struct{}{}
	Logger().Debug("buffer created", "label", desc.Label, "size", desc.Size, "usage", desc.Usage, "type", desc.DataType)
	return b, nil
}

// CreateBufferFromSlice creates a buffer tagged with T's data type holding
// data. A zero usage means DefaultBufferUsage.
func CreateBufferFromSlice[T Element](d *Device, data []T, usage BufferUsage) (*Buffer, error) {
	return d.CreateBuffer(BufferDesc{
		Size:     len(data) * DataTypeOf[T]().Size(),
		Usage:    usage,
		DataType: DataTypeOf[T](),
		Data:     encodeSlice(data),
	})
}

// Device returns the owning device.
func (b *Buffer) Device() *Device { return b.dev }

// Size returns the size in bytes.
func (b *Buffer) Size() int { return b.size }

// Len returns the element count, or 0 for untagged buffers.
func (b *Buffer) Len() int {
	if b.dtype == DataTypeUnknown {
		return 0
	}
	return b.size / b.dtype.Size()
}

// DataType returns the element type tag.
func (b *Buffer) DataType() DataType { return b.dtype }

// Usage returns the usage flags.
func (b *Buffer) Usage() BufferUsage { return b.usage }

// Label returns the debug label.
func (b *Buffer) Label() string { return b.label }

func (b *Buffer) checkLive(op string) error {
	if b.destroyed.Load() {
		return newError(op, ErrClosed, "buffer %q was destroyed", b.label)
	}
	return nil
}

// Bytes returns a copy of the buffer contents.
func (b *Buffer) Bytes() ([]byte, error) {
	return b.ReadRange(0, b.size)
}

// ReadRange returns a copy of size bytes starting at offset.
func (b *Buffer) ReadRange(offset, size int) ([]byte, error) {
	const op = "Buffer.ReadRange"
	if err := b.checkLive(op); err != nil {
		return nil, err
	}
	if offset < 0 || size < 0 || backend.CheckRange(uint64(b.size), uint64(offset), uint64(size)) != nil {
		return nil, newError(op, ErrDispatch, "range [%d, %d) outside buffer %q of %d bytes", offset, offset+size, b.label, b.size)
	}
	out := make([]byte, size)
	if err := b.raw.Read(uint64(offset), out); err != nil {
		return nil, &Error{Op: op, Kind: ErrDispatch, Err: err}
	}
	return out, nil
}

// Write copies data into the buffer at offset.
func (b *Buffer) Write(offset int, data []byte) error {
	const op = "Buffer.Write"
	if err := b.checkLive(op); err != nil {
		return err
	}
	if offset < 0 || backend.CheckRange(uint64(b.size), uint64(offset), uint64(len(data))) != nil {
		return newError(op, ErrDispatch, "range [%d, %d) outside buffer %q of %d bytes", offset, offset+len(data), b.label, b.size)
	}
	if err := b.raw.Write(uint64(offset), data); err != nil {
		return &Error{Op: op, Kind: ErrDispatch, Err: err}
	}
	return nil
}

// Destroy releases the buffer. Destroy is idempotent.
func (b *Buffer) Destroy() {
	if b.destroyed.Swap(true) {
		return
	}
	b.dev.mu.Lock()
	_, owned := b.dev.buffers[b]
	delete(b.dev.buffers, b)
	b.dev.mu.Unlock()
	// Close already destroyed buffers it removed from the set.
	if owned {
		b.raw.Destroy()
	}
}

// checkElement reports whether the buffer can be decoded as dt.
func (b *Buffer) checkElement(op string, dt DataType) error {
	if b.dtype != DataTypeUnknown && b.dtype != dt {
		return newError(op, ErrTypeMismatch, "buffer %q holds %s, not %s", b.label, b.dtype, dt)
	}
	if b.size%dt.Size() != 0 {
		return newError(op, ErrTypeMismatch, "buffer %q of %d bytes is not a whole number of %s", b.label, b.size, dt)
	}
	return nil
}

// Values returns the buffer contents as a sequence of T. The sequence is
// lazy and restartable: each iteration reads a fresh snapshot of the buffer
// and decodes elements as they are consumed. An iteration whose snapshot
// cannot be read, for example after Destroy, logs the failure at warn level
// and yields nothing. Use ValuesErr to observe the error.
func Values[T Element](b *Buffer) (iter.Seq[T], error) {
	seq, err := valuesErr[T]("Values", b)
	if err != nil {
		return nil, err
	}
	return func(yield func(T) bool) {
		for v, err := range seq {
			if err != nil {
				Logger().Warn("buffer snapshot failed", "label", b.label, "err", err)
				return
			}
			if !yield(v) {
				return
			}
		}
	}, nil
}

// ValuesErr is Values with read failures reported in the sequence: a
// failed iteration yields the zero T with the error once and ends.
func ValuesErr[T Element](b *Buffer) (iter.Seq2[T, error], error) {
	return valuesErr[T]("ValuesErr", b)
}

func valuesErr[T Element](op string, b *Buffer) (iter.Seq2[T, error], error) {
	dt := DataTypeOf[T]()
	if err := b.checkElement(op, dt); err != nil {
		return nil, err
	}
	return func(yield func(T, error) bool) {
		var zero T
		snap, err := b.Bytes()
		if err != nil {
			yield(zero, err)
			return
		}
		size := dt.Size()
		for off := 0; off < len(snap); off += size {
			var v T
			if _, err := binary.Decode(snap[off:off+size], binary.LittleEndian, &v); err != nil {
				yield(zero, &Error{Op: op, Kind: ErrTypeMismatch, Err: err})
				return
			}
			if !yield(v, nil) {
				return
			}
		}
	}, nil
}

// ToSlice reads the buffer as a []T.
func ToSlice[T Element](b *Buffer) ([]T, error) {
	if err := b.checkElement("ToSlice", DataTypeOf[T]()); err != nil {
		return nil, err
	}
	data, err := b.Bytes()
	if err != nil {
		return nil, err
	}
	out, err := decodeSlice[T](data)
	if err != nil {
		return nil, &Error{Op: "ToSlice", Kind: ErrTypeMismatch, Err: err}
	}
	return out, nil
}

// WriteSlice writes vals at element index start.
func WriteSlice[T Element](b *Buffer, start int, vals []T) error {
	dt := DataTypeOf[T]()
	if err := b.checkElement("WriteSlice", dt); err != nil {
		return err
	}
	return b.Write(start*dt.Size(), encodeSlice(vals))
}

// ToTensor exposes the buffer as a tensor of dtype with the given shape. A
// missing shape means a flat tensor. On host-visible devices a buffer with
// BufferUsageShared is aliased as a TensorView; otherwise the contents are
// copied into a TensorOwned.
func (b *Buffer) ToTensor(dtype DataType, shape ...int) (*Tensor, error) {
	const op = "Buffer.ToTensor"
	if !b.dev.info.SupportsInterop {
		return nil, &Error{Op: op, Kind: ErrInteropUnsupported, Err: fmt.Errorf("device %s was created without interop", b.dev.info.Type)}
	}
	if err := b.checkLive(op); err != nil {
		return nil, err
	}
	if dtype == DataTypeUnknown || dtype > Float64 {
		return nil, newError(op, ErrTypeMismatch, "invalid data type %v", dtype)
	}
	if err := b.checkElement(op, dtype); err != nil {
		return nil, err
	}
	shape, err := resolveShape(shape, b.size/dtype.Size())
	if err != nil {
		return nil, &Error{Op: op, Kind: ErrTypeMismatch, Err: err}
	}

	if b.dev.info.HostVisible && b.usage&BufferUsageShared != 0 {
		if mem, ok := b.raw.NativeMemory().([]byte); ok && len(mem) == b.size {
			return &Tensor{kind: TensorView, dtype: dtype, shape: shape, data: mem, buf: b, space: b.dev.info.MemorySpace}, nil
		}
	}
	data, err := b.Bytes()
	if err != nil {
		return nil, err
	}
	Logger().Debug("buffer copied to tensor", "label", b.label, "shape", shape)
	return &Tensor{kind: TensorOwned, dtype: dtype, shape: shape, data: data, space: HostMemorySpace}, nil
}
