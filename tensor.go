package compute

import (
	"fmt"
	"slices"

	// Registers the CPU backend.
	"github.com/gogpu/compute/backend/software"
)

// HostMemorySpace is the memory space of host memory and of CPU device
// buffers.
const HostMemorySpace = software.MemorySpace

// TensorKind tells owned tensors from views.
type TensorKind uint8

const (
	// TensorOwned holds its own host copy of the data.
	TensorOwned TensorKind = iota
	// TensorView aliases the memory of a device buffer without a copy.
	TensorView
)

func (k TensorKind) String() string {
	if k == TensorView {
		return "view"
	}
	return "owned"
}

// Tensor is a typed, shaped block of memory exchanged with external
// runtimes. It implements ExternalMemory, so a tensor can be bound to a
// kernel directly.
type Tensor struct {
	kind  TensorKind
	dtype DataType
	shape []int
	data  []byte
	buf   *Buffer // source buffer of a view
	space string
}

// NewTensor returns an owned host tensor holding vals. A missing shape
// means a flat tensor.
func NewTensor[T Element](vals []T, shape ...int) (*Tensor, error) {
	shape, err := resolveShape(shape, len(vals))
	if err != nil {
		return nil, &Error{Op: "NewTensor", Kind: ErrTypeMismatch, Err: err}
	}
	return &Tensor{kind: TensorOwned, dtype: DataTypeOf[T](), shape: shape, data: encodeSlice(vals), space: HostMemorySpace}, nil
}

// resolveShape checks that shape holds n elements. One dimension may be -1
// and is inferred. An empty shape is [n].
func resolveShape(shape []int, n int) ([]int, error) {
	if len(shape) == 0 {
		return []int{n}, nil
	}
	shape = slices.Clone(shape)
	infer, prod := -1, 1
	for i, dim := range shape {
		switch {
		case dim == -1 && infer < 0:
			infer = i
		case dim < 0:
			return nil, fmt.Errorf("invalid shape %v", shape)
		default:
			prod *= dim
		}
	}
	if infer >= 0 {
		if prod == 0 || n%prod != 0 {
			return nil, fmt.Errorf("shape %v does not divide %d elements", shape, n)
		}
		shape[infer] = n / prod
		prod = n
	}
	if prod != n {
		return nil, fmt.Errorf("shape %v holds %d elements, not %d", shape, prod, n)
	}
	return shape, nil
}

// Kind reports whether the tensor owns its memory.
func (t *Tensor) Kind() TensorKind { return t.kind }

// DataType returns the element type.
func (t *Tensor) DataType() DataType { return t.dtype }

// Shape returns a copy of the dimensions.
func (t *Tensor) Shape() []int { return slices.Clone(t.shape) }

// Len returns the element count.
func (t *Tensor) Len() int { return len(t.data) / t.dtype.Size() }

// MemorySpace names where the data lives.
func (t *Tensor) MemorySpace() string { return t.space }

// Buffer returns the buffer a view aliases, or nil for owned tensors.
func (t *Tensor) Buffer() *Buffer { return t.buf }

// Reshape returns a tensor sharing t's memory with a new shape. Flattening
// either tensor yields the same element order.
func (t *Tensor) Reshape(shape ...int) (*Tensor, error) {
	s, err := resolveShape(shape, t.Len())
	if err != nil {
		return nil, &Error{Op: "Tensor.Reshape", Kind: ErrTypeMismatch, Err: err}
	}
	r := *t
	r.shape = s
	return &r, nil
}

func (t *Tensor) checkLive(op string) error {
	if t.buf != nil && t.buf.destroyed.Load() {
		return newError(op, ErrClosed, "source buffer %q was destroyed", t.buf.label)
	}
	return nil
}

// ReadBytes copies the tensor contents into dst, which must be exactly the
// tensor size.
func (t *Tensor) ReadBytes(dst []byte) error {
	if err := t.checkLive("Tensor.ReadBytes"); err != nil {
		return err
	}
	if len(dst) != len(t.data) {
		return newError("Tensor.ReadBytes", ErrTypeMismatch, "%d byte destination for a %d byte tensor", len(dst), len(t.data))
	}
	copy(dst, t.data)
	return nil
}

// WriteBytes replaces the tensor contents with src. Writes to a view are
// visible to its buffer.
func (t *Tensor) WriteBytes(src []byte) error {
	if err := t.checkLive("Tensor.WriteBytes"); err != nil {
		return err
	}
	if len(src) != len(t.data) {
		return newError("Tensor.WriteBytes", ErrTypeMismatch, "%d bytes for a %d byte tensor", len(src), len(t.data))
	}
	copy(t.data, src)
	return nil
}

// NativeMemory returns the backing []byte.
func (t *Tensor) NativeMemory() any { return t.data }

// TensorSlice decodes the tensor as a flat []T.
func TensorSlice[T Element](t *Tensor) ([]T, error) {
	if dt := DataTypeOf[T](); dt != t.dtype {
		return nil, newError("TensorSlice", ErrTypeMismatch, "tensor holds %s, not %s", t.dtype, dt)
	}
	if err := t.checkLive("TensorSlice"); err != nil {
		return nil, err
	}
	out, err := decodeSlice[T](t.data)
	if err != nil {
		return nil, &Error{Op: "TensorSlice", Kind: ErrTypeMismatch, Err: err}
	}
	return out, nil
}
