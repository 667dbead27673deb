// Package extmem is a minimal external tensor runtime. Its tensors
// implement compute.ExternalMemory and can be bound to kernels on devices
// created with interop enabled.
//
// Host tensors live in compute.HostMemorySpace and are aliased by the CPU
// device without a copy. Runtimes created with New have a memory space of
// their own, so a device always stages their tensors through a copy.
package extmem

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"slices"
	"sync/atomic"

	"github.com/gogpu/compute"
)

// Runtime allocates tensors in one memory space.
type Runtime struct {
	space     string
	allocated atomic.Int64
}

// Host is the runtime whose tensors share host memory with the CPU device.
var Host = &Runtime{space: compute.HostMemorySpace}

// New returns a runtime with its own memory space.
func New(space string) *Runtime {
	return &Runtime{space: space}
}

// Space returns the memory space name.
func (r *Runtime) Space() string { return r.space }

// Allocated returns the total bytes allocated by the runtime.
func (r *Runtime) Allocated() int64 { return r.allocated.Load() }

// Tensor is a dense, row-major tensor owned by a Runtime.
type Tensor struct {
	rt    *Runtime
	dtype compute.DataType
	shape []int
	data  []byte
}

var errShape = errors.New("extmem: invalid shape")

func numElements(shape []int) (int, error) {
	n := 1
	for _, d := range shape {
		if d < 0 {
			return 0, fmt.Errorf("%w %v", errShape, shape)
		}
		n *= d
	}
	return n, nil
}

func (r *Runtime) alloc(dtype compute.DataType, shape []int) (*Tensor, error) {
	if dtype.Size() == 0 {
		return nil, fmt.Errorf("extmem: invalid data type %v", dtype)
	}
	n, err := numElements(shape)
	if err != nil {
		return nil, err
	}
	size := n * dtype.Size()
	r.allocated.Add(int64(size))
	return &Tensor{rt: r, dtype: dtype, shape: slices.Clone(shape), data: make([]byte, size)}, nil
}

// Zeros allocates a zeroed tensor.
func Zeros(r *Runtime, dtype compute.DataType, shape ...int) (*Tensor, error) {
	return r.alloc(dtype, shape)
}

// FromSlice copies vals into a new tensor. A missing shape means a flat
// tensor.
func FromSlice[T compute.Element](r *Runtime, vals []T, shape ...int) (*Tensor, error) {
	if len(shape) == 0 {
		shape = []int{len(vals)}
	}
	t, err := r.alloc(compute.DataTypeOf[T](), shape)
	if err != nil {
		return nil, err
	}
	if t.Len() != len(vals) {
		return nil, fmt.Errorf("%w %v for %d values", errShape, shape, len(vals))
	}
	if _, err := binary.Encode(t.data, binary.LittleEndian, vals); err != nil {
		return nil, err
	}
	return t, nil
}

// Linspace returns n evenly spaced values from start to stop inclusive.
func Linspace[T float32 | float64](r *Runtime, start, stop T, n int) (*Tensor, error) {
	if n < 0 {
		return nil, fmt.Errorf("extmem: negative length %d", n)
	}
	vals := make([]T, n)
	for i := range vals {
		if n == 1 {
			vals[i] = start
			break
		}
		vals[i] = start + (stop-start)*T(i)/T(n-1)
	}
	return FromSlice(r, vals)
}

// Values decodes the tensor as a flat []T.
func Values[T compute.Element](t *Tensor) ([]T, error) {
	if dt := compute.DataTypeOf[T](); dt != t.dtype {
		return nil, fmt.Errorf("extmem: tensor holds %s, not %s", t.dtype, dt)
	}
	out := make([]T, t.Len())
	if err := binary.Read(bytes.NewReader(t.data), binary.LittleEndian, out); err != nil {
		return nil, err
	}
	return out, nil
}

// Runtime returns the owning runtime.
func (t *Tensor) Runtime() *Runtime { return t.rt }

// Shape returns a copy of the dimensions.
func (t *Tensor) Shape() []int { return slices.Clone(t.shape) }

// DataType returns the element type.
func (t *Tensor) DataType() compute.DataType { return t.dtype }

// Len returns the element count.
func (t *Tensor) Len() int { return len(t.data) / t.dtype.Size() }

// MemorySpace returns the runtime's memory space.
func (t *Tensor) MemorySpace() string { return t.rt.space }

// View returns a tensor sharing t's memory with a new shape.
func (t *Tensor) View(shape ...int) (*Tensor, error) {
	n, err := numElements(shape)
	if err != nil {
		return nil, err
	}
	if n != t.Len() {
		return nil, fmt.Errorf("%w %v for %d elements", errShape, shape, t.Len())
	}
	return &Tensor{rt: t.rt, dtype: t.dtype, shape: slices.Clone(shape), data: t.data}, nil
}

// ReadBytes copies the tensor into dst.
func (t *Tensor) ReadBytes(dst []byte) error {
	if len(dst) != len(t.data) {
		return fmt.Errorf("extmem: read of %d bytes from a %d byte tensor", len(dst), len(t.data))
	}
	copy(dst, t.data)
	return nil
}

// WriteBytes replaces the tensor contents.
func (t *Tensor) WriteBytes(src []byte) error {
	if len(src) != len(t.data) {
		return fmt.Errorf("extmem: write of %d bytes to a %d byte tensor", len(src), len(t.data))
	}
	copy(t.data, src)
	return nil
}

// NativeMemory returns the backing []byte.
func (t *Tensor) NativeMemory() any { return t.data }

// Opaque hides the native memory of t, so devices must copy it.
func (t *Tensor) Opaque() compute.ExternalTensor { return opaque{t} }

type opaque struct{ t *Tensor }

func (o opaque) Shape() []int                { return o.t.Shape() }
func (o opaque) DataType() compute.DataType  { return o.t.dtype }
func (o opaque) MemorySpace() string         { return o.t.MemorySpace() }
func (o opaque) ReadBytes(dst []byte) error  { return o.t.ReadBytes(dst) }
func (o opaque) WriteBytes(src []byte) error { return o.t.WriteBytes(src) }

var (
	_ compute.ExternalMemory = (*Tensor)(nil)
	_ compute.ExternalTensor = opaque{}
)
