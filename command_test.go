package compute

import (
	"errors"
	"slices"
	"testing"
)

func TestCommandEncoder(t *testing.T) {
	dev := newCPUDevice(t)
	k := loadKernel(t, dev, "testdata/add.wgsl", "main")
	a, _ := CreateBufferFromSlice(dev, []float32{1, 2, 3, 4}, 0)
	b, _ := CreateBufferFromSlice(dev, []float32{10, 20, 30, 40}, 0)
	c, _ := CreateBufferFromSlice(dev, make([]float32, 4), 0)
	d, _ := CreateBufferFromSlice(dev, []float32{9, 9, 9, 9}, 0)

	enc := dev.CreateCommandEncoder()
	enc.Dispatch(k, [3]uint32{4, 1, 1}, Vars{"a": a, "b": b, "c": c})
	// c feeds the second dispatch, so commands must run in order.
	enc.Dispatch(k, [3]uint32{4, 1, 1}, Vars{"a": c, "b": c, "c": a})
	enc.CopyBuffer(d, 4, a, 0, 8)
	enc.ClearBuffer(b)
	cb, err := enc.Finish()
	if err != nil {
		t.Fatalf("Finish() = %v", err)
	}
	if err := dev.Submit(cb); err != nil {
		t.Fatalf("Submit() = %v", err)
	}

	check := func(name string, buf *Buffer, want []float32) {
		t.Helper()
		got, err := ToSlice[float32](buf)
		if err != nil {
			t.Fatal(err)
		}
		if !slices.Equal(got, want) {
			t.Errorf("%s = %v, want %v", name, got, want)
		}
	}
	check("a", a, []float32{22, 44, 66, 88})
	check("b", b, []float32{0, 0, 0, 0})
	check("c", c, []float32{11, 22, 33, 44})
	check("d", d, []float32{9, 22, 44, 9})

	if err := dev.Submit(cb); !errors.Is(err, ErrDispatch) {
		t.Errorf("second Submit() = %v, want ErrDispatch", err)
	}
	if _, err := enc.Finish(); !errors.Is(err, ErrDispatch) {
		t.Errorf("second Finish() = %v, want ErrDispatch", err)
	}
}

func TestCommandEncoderLatchesFirstError(t *testing.T) {
	dev := newCPUDevice(t)
	k := loadKernel(t, dev, "testdata/add.wgsl", "main")
	a, _ := CreateBufferFromSlice(dev, []float32{1, 2, 3, 4}, 0)

	enc := dev.CreateCommandEncoder()
	enc.ClearBuffer(a)
	enc.Dispatch(k, [3]uint32{4, 1, 1}, Vars{"a": a})
	enc.CopyBuffer(a, 1, a, 0, 4)
	_, err := enc.Finish()
	if !errors.Is(err, ErrBinding) {
		t.Fatalf("Finish() = %v, want the first (binding) error", err)
	}
	// Nothing was submitted.
	got, _ := ToSlice[float32](a)
	if got[0] != 1 {
		t.Errorf("a = %v after a failed recording", got)
	}
}

func TestCopyBufferErrors(t *testing.T) {
	dev := newCPUDevice(t)
	other := newCPUDevice(t)
	src, _ := dev.CreateBuffer(BufferDesc{Size: 16})
	dst, _ := dev.CreateBuffer(BufferDesc{Size: 8})
	noCopy, _ := dev.CreateBuffer(BufferDesc{Size: 16, Usage: BufferUsageStorage})
	foreign, _ := other.CreateBuffer(BufferDesc{Size: 16})

	tests := []struct {
		name         string
		dst          *Buffer
		dstOff       int
		src          *Buffer
		srcOff, size int
		want         error
	}{
		{"unaligned offset", dst, 2, src, 0, 4, ErrDispatch},
		{"unaligned size", dst, 0, src, 0, 6, ErrDispatch},
		{"negative", dst, 0, src, -4, 4, ErrDispatch},
		{"source range", dst, 0, src, 12, 8, ErrDispatch},
		{"destination range", dst, 4, src, 0, 8, ErrDispatch},
		{"usage", dst, 0, noCopy, 0, 4, ErrDispatch},
		{"foreign", dst, 0, foreign, 0, 4, ErrTypeMismatch},
		{"nil", nil, 0, src, 0, 4, ErrTypeMismatch},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			enc := dev.CreateCommandEncoder()
			enc.CopyBuffer(tt.dst, tt.dstOff, tt.src, tt.srcOff, tt.size)
			if _, err := enc.Finish(); !errors.Is(err, tt.want) {
				t.Errorf("Finish() = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestSubmitForeignCommandBuffer(t *testing.T) {
	dev := newCPUDevice(t)
	other := newCPUDevice(t)
	cb, err := other.CreateCommandEncoder().Finish()
	if err != nil {
		t.Fatal(err)
	}
	if err := dev.Submit(cb); !errors.Is(err, ErrDispatch) {
		t.Errorf("Submit(foreign) = %v, want ErrDispatch", err)
	}
	if err := other.Submit(cb); err != nil {
		t.Errorf("Submit(empty) = %v", err)
	}
}
