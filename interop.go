package compute

import (
	"fmt"
	"reflect"

	"github.com/gogpu/compute/backend"
)

// ExternalTensor is typed memory owned by another runtime. It can be bound
// to a kernel on a device created with interop enabled.
type ExternalTensor interface {
	Shape() []int
	DataType() DataType
	// MemorySpace names where the memory lives. Tensors in the device's
	// memory space may be aliased without a copy.
	MemorySpace() string
	// ReadBytes copies the whole tensor into dst.
	ReadBytes(dst []byte) error
	// WriteBytes replaces the whole tensor with src.
	WriteBytes(src []byte) error
}

// ExternalMemory is an ExternalTensor whose backing memory a backend can
// import, such as a []byte for the CPU device or a hal.Buffer for a shared
// GPU device.
type ExternalMemory interface {
	ExternalTensor
	NativeMemory() any
}

// externalSize checks t against binding b and returns its size in bytes.
func (d *Device) externalSize(b *Binding, t ExternalTensor) (int, error) {
	if isNil(t) {
		return 0, &Error{Kind: ErrTypeMismatch, Err: fmt.Errorf("%s: nil external tensor", b.Name)}
	}
	if !d.info.SupportsInterop {
		return 0, &Error{Kind: ErrInteropUnsupported, Err: fmt.Errorf("%s: device %s was created without interop", b.Name, d.info.Type)}
	}
	dt := t.DataType()
	if dt == DataTypeUnknown || dt > Float64 {
		return 0, &Error{Kind: ErrTypeMismatch, Err: fmt.Errorf("%s: tensor has invalid data type %v", b.Name, dt)}
	}
	if b.ElemType != DataTypeUnknown && dt != b.ElemType {
		return 0, &Error{Kind: ErrTypeMismatch, Err: fmt.Errorf("%s: tensor of %s bound to %s elements", b.Name, dt, b.ElemType)}
	}
	n := 1
	for _, dim := range t.Shape() {
		if dim < 0 {
			return 0, &Error{Kind: ErrTypeMismatch, Err: fmt.Errorf("%s: invalid tensor shape %v", b.Name, t.Shape())}
		}
		n *= dim
	}
	size := n * dt.Size()
	if size < b.Size {
		return 0, &Error{Kind: ErrTypeMismatch, Err: fmt.Errorf("%s: tensor of %d bytes is smaller than the %d byte binding", b.Name, size, b.Size)}
	}
	return size, nil
}

// isNil reports whether t is nil or holds a nil reference value.
func isNil(t ExternalTensor) bool {
	if t == nil {
		return true
	}
	switch v := reflect.ValueOf(t); v.Kind() {
	case reflect.Pointer, reflect.Map, reflect.Slice, reflect.Func, reflect.Chan:
		return v.IsNil()
	}
	return false
}

// attachExternal makes t available to the backend for one submission. A
// tensor in the device memory space whose native memory the backend can
// import is aliased. Any other tensor is staged through a device buffer and,
// for writable bindings, copied back by after.
func (d *Device) attachExternal(b *Binding, t ExternalTensor, size int) (raw backend.Buffer, after func() error, err error) {
	label := "interop:" + b.Name
	if mem, ok := t.(ExternalMemory); ok && t.MemorySpace() == d.info.MemorySpace {
		if raw, ok := d.dev.ImportMemory(label, mem.NativeMemory(), uint64(size)); ok {
			Logger().Debug("external tensor aliased", "binding", b.Name, "space", d.info.MemorySpace, "bytes", size)
			return raw, nil, nil
		}
	}

	Logger().Warn("external tensor staged through a copy", "binding", b.Name,
		"tensor_space", t.MemorySpace(), "device_space", d.info.MemorySpace, "bytes", size)
	host := make([]byte, size)
	if err := t.ReadBytes(host); err != nil {
		return nil, nil, &Error{Kind: ErrDispatch, Err: fmt.Errorf("%s: read external tensor: %w", b.Name, err)}
	}
	raw, err = d.dev.CreateBuffer(label, uint64(size))
	if err != nil {
		return nil, nil, &Error{Kind: ErrAllocation, Err: fmt.Errorf("%s: staging buffer: %w", b.Name, err)}
	}
	if err := raw.Write(0, host); err != nil {
		raw.Destroy()
		return nil, nil, &Error{Kind: ErrDispatch, Err: fmt.Errorf("%s: upload external tensor: %w", b.Name, err)}
	}
	if b.Writable() {
		after = func() error {
			if err := raw.Read(0, host); err != nil {
				return &Error{Kind: ErrDispatch, Err: fmt.Errorf("%s: download external tensor: %w", b.Name, err)}
			}
			if err := t.WriteBytes(host); err != nil {
				return &Error{Kind: ErrDispatch, Err: fmt.Errorf("%s: write external tensor: %w", b.Name, err)}
			}
			return nil
		}
	}
	return raw, after, nil
}
