package compute

import (
	"encoding/binary"
	"errors"
	"math"
	"math/rand/v2"
	"sync"
	"testing"
)

func loadKernel(t *testing.T, dev *Device, path, entry string) *Kernel {
	t.Helper()
	prog, err := dev.LoadProgram(path, nil)
	if err != nil {
		t.Fatalf("LoadProgram(%s) = %v", path, err)
	}
	k, err := dev.CreateComputeKernel(prog, entry)
	if err != nil {
		t.Fatalf("CreateComputeKernel(%s) = %v", entry, err)
	}
	return k
}

func randomFloats(r *rand.Rand, n int) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = r.Float32()*200 - 100
	}
	return out
}

func TestDispatchAdd(t *testing.T) {
	dev := newCPUDevice(t)
	k := loadKernel(t, dev, "testdata/add.wgsl", "main")
	r := rand.New(rand.NewPCG(1, 2))

	for _, n := range []int{1, 31, 32, 33, 1000} {
		a, b := randomFloats(r, n), randomFloats(r, n)
		ba, err := CreateBufferFromSlice(dev, a, 0)
		if err != nil {
			t.Fatal(err)
		}
		bb, err := CreateBufferFromSlice(dev, b, 0)
		if err != nil {
			t.Fatal(err)
		}
		bc, err := dev.CreateBuffer(BufferDesc{Size: 4 * n, DataType: Float32})
		if err != nil {
			t.Fatal(err)
		}
		if err := k.Dispatch([3]uint32{uint32(n), 1, 1}, Vars{"a": ba, "b": bb, "c": bc}); err != nil {
			t.Fatalf("n=%d: Dispatch() = %v", n, err)
		}
		c, err := ToSlice[float32](bc)
		if err != nil {
			t.Fatal(err)
		}
		for i := range n {
			if c[i] != a[i]+b[i] {
				t.Fatalf("n=%d: c[%d] = %v, want %v", n, i, c[i], a[i]+b[i])
			}
		}
	}
}

func TestDispatchFloat64Copy(t *testing.T) {
	const n = 1024
	in := make([]float64, n)
	r := rand.New(rand.NewPCG(3, 4))
	for i := range in {
		in[i] = r.NormFloat64() * math.MaxFloat64 / 8
	}
	in[0] = math.Inf(-1)
	in[1] = math.SmallestNonzeroFloat64
	in[2] = math.Float64frombits(0x7ff8_0000_0000_0001) // NaN payload

	for _, entry := range []string{"main_uav", "main_srv"} {
		t.Run(entry, func(t *testing.T) {
			dev := newCPUDevice(t)
			k := loadKernel(t, dev, "testdata/float64.wgsl", entry)
			src, err := CreateBufferFromSlice(dev, in, 0)
			if err != nil {
				t.Fatal(err)
			}
			dst, err := dev.CreateBuffer(BufferDesc{Size: 8 * n, DataType: Float64})
			if err != nil {
				t.Fatal(err)
			}
			vars := Vars{"buffer_uav": src, "result": dst}
			if entry == "main_srv" {
				vars = Vars{"buffer_srv": src, "result": dst}
			}
			if err := k.Dispatch([3]uint32{n, 1, 1}, vars); err != nil {
				t.Fatalf("Dispatch() = %v", err)
			}
			want, _ := src.Bytes()
			got, err := dst.Bytes()
			if err != nil {
				t.Fatal(err)
			}
			if string(got) != string(want) {
				t.Fatal("float64 copy is not bit-exact")
			}
		})
	}
}

func TestDispatchUniforms(t *testing.T) {
	dev := newCPUDevice(t, WithIncludePaths("testdata/include"))
	prog, err := dev.LoadProgram("scale.wgsl", nil)
	if err != nil {
		t.Fatal(err)
	}
	scale, err := dev.CreateComputeKernel(prog, "main")
	if err != nil {
		t.Fatal(err)
	}
	shift, err := dev.CreateComputeKernel(prog, "shift")
	if err != nil {
		t.Fatal(err)
	}
	data, err := CreateBufferFromSlice(dev, []float32{1, 2, 3, 4, 5}, 0)
	if err != nil {
		t.Fatal(err)
	}

	params := make([]byte, 8)
	binary.LittleEndian.PutUint32(params[0:], 3)
	binary.LittleEndian.PutUint32(params[4:], math.Float32bits(10))
	if err := scale.Dispatch([3]uint32{5, 1, 1}, Vars{"params": params, "data": data}); err != nil {
		t.Fatalf("scale: %v", err)
	}
	if err := shift.Dispatch([3]uint32{5, 1, 1}, Vars{"data": data, "offset": float32(0.5)}); err != nil {
		t.Fatalf("shift: %v", err)
	}
	got, err := ToSlice[float32](data)
	if err != nil {
		t.Fatal(err)
	}
	want := []float32{10.5, 20.5, 30.5, 4.5, 5.5}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("data = %v, want %v", got, want)
		}
	}

	// A uniform buffer works as well as inline bytes.
	ub, err := dev.CreateBuffer(BufferDesc{Size: 8, Usage: BufferUsageUniform | BufferUsageCopyDst, Data: params})
	if err != nil {
		t.Fatal(err)
	}
	if err := scale.Dispatch([3]uint32{5, 1, 1}, Vars{"params": ub, "data": data}); err != nil {
		t.Errorf("uniform buffer: %v", err)
	}
}

func TestDispatchThreadGroups(t *testing.T) {
	dev := newCPUDevice(t)
	k := loadKernel(t, dev, "testdata/add.wgsl", "main")
	a, _ := CreateBufferFromSlice(dev, make([]float32, 100), 0)
	b, _ := CreateBufferFromSlice(dev, make([]float32, 100), 0)
	c, _ := CreateBufferFromSlice(dev, make([]float32, 100), 0)
	if err := WriteSlice(a, 0, []float32{1, 2}); err != nil {
		t.Fatal(err)
	}
	if err := k.DispatchThreadGroups([3]uint32{4, 1, 1}, Vars{"a": a, "b": b, "c": c}); err != nil {
		t.Fatalf("DispatchThreadGroups() = %v", err)
	}
	got, _ := ToSlice[float32](c)
	if got[0] != 1 || got[1] != 2 {
		t.Errorf("c[:2] = %v", got[:2])
	}
	if err := k.DispatchThreadGroups([3]uint32{0, 1, 1}, Vars{"a": a, "b": b, "c": c}); !errors.Is(err, ErrDispatch) {
		t.Errorf("zero groups: %v, want ErrDispatch", err)
	}
}

func TestDispatchErrors(t *testing.T) {
	dev := newCPUDevice(t, WithIncludePaths("testdata/include"))
	add := loadKernel(t, dev, "testdata/add.wgsl", "main")
	shift := loadKernel(t, dev, "scale.wgsl", "shift")
	other := newCPUDevice(t)

	f32, _ := CreateBufferFromSlice(dev, make([]float32, 64), 0)
	u32, _ := CreateBufferFromSlice(dev, make([]uint32, 64), 0)
	raw, _ := dev.CreateBuffer(BufferDesc{Size: 256})
	uniformOnly, _ := dev.CreateBuffer(BufferDesc{Size: 256, Usage: BufferUsageUniform})
	foreign, _ := CreateBufferFromSlice(other, make([]float32, 64), 0)
	gone, _ := CreateBufferFromSlice(dev, make([]float32, 64), 0)
	gone.Destroy()

	threads := [3]uint32{64, 1, 1}
	tests := []struct {
		name    string
		k       *Kernel
		threads [3]uint32
		vars    Vars
		want    error
	}{
		{"missing variable", add, threads, Vars{"a": f32, "b": f32}, ErrBinding},
		{"unknown variable", add, threads, Vars{"a": f32, "b": f32, "c": f32, "d": f32}, ErrBinding},
		{"zero threads", add, [3]uint32{64, 0, 1}, Vars{"a": f32, "b": f32, "c": f32}, ErrDispatch},
		{"too many groups", add, [3]uint32{32 * 70000, 1, 1}, Vars{"a": f32, "b": f32, "c": f32}, ErrDispatch},
		{"element type", add, threads, Vars{"a": f32, "b": u32, "c": f32}, ErrTypeMismatch},
		{"scalar for storage", add, threads, Vars{"a": f32, "b": float32(1), "c": f32}, ErrTypeMismatch},
		{"foreign buffer", add, threads, Vars{"a": f32, "b": foreign, "c": f32}, ErrTypeMismatch},
		{"storage usage", add, threads, Vars{"a": f32, "b": uniformOnly, "c": f32}, ErrTypeMismatch},
		{"destroyed buffer", add, threads, Vars{"a": f32, "b": gone, "c": f32}, ErrClosed},
		{"nil value", add, threads, Vars{"a": f32, "b": nil, "c": f32}, ErrTypeMismatch},
		{"unsupported type", add, threads, Vars{"a": f32, "b": "buffer", "c": f32}, ErrTypeMismatch},
		{"external without interop", add, threads, Vars{"a": f32, "b": f32, "c": &Tensor{dtype: Float32, shape: []int{64}, data: make([]byte, 256)}}, ErrInteropUnsupported},
		{"uniform scalar type", shift, threads, Vars{"data": f32, "offset": int32(1)}, ErrTypeMismatch},
		{"uniform int", shift, threads, Vars{"data": f32, "offset": 1}, ErrTypeMismatch},
		{"uniform bytes size", shift, threads, Vars{"data": f32, "offset": []byte{1, 2}}, ErrTypeMismatch},
		{"uniform usage", shift, threads, Vars{"data": f32, "offset": raw}, ErrTypeMismatch},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.k.Dispatch(tt.threads, tt.vars)
			if !errors.Is(err, tt.want) {
				t.Errorf("Dispatch() = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestDispatchUntypedBuffers(t *testing.T) {
	dev := newCPUDevice(t)
	k := loadKernel(t, dev, "testdata/add.wgsl", "main")
	// 10 bytes hold two whole f32 elements; the tail is not bound.
	a, _ := dev.CreateBuffer(BufferDesc{Size: 10})
	b, _ := dev.CreateBuffer(BufferDesc{Size: 10})
	c, _ := dev.CreateBuffer(BufferDesc{Size: 10, Data: []byte{0, 0, 0, 0, 0, 0, 0, 0, 7, 7}})
	if err := a.Write(0, binary.LittleEndian.AppendUint32(nil, math.Float32bits(1.5))); err != nil {
		t.Fatal(err)
	}
	if err := k.Dispatch([3]uint32{3, 1, 1}, Vars{"a": a, "b": b, "c": c}); err != nil {
		t.Fatalf("Dispatch() = %v", err)
	}
	got, _ := c.Bytes()
	if math.Float32frombits(binary.LittleEndian.Uint32(got)) != 1.5 || got[8] != 7 || got[9] != 7 {
		t.Errorf("c = %v", got)
	}
}

func TestConcurrentDispatch(t *testing.T) {
	dev := newCPUDevice(t)
	k := loadKernel(t, dev, "testdata/add.wgsl", "main")
	const n = 256
	ones := make([]float32, n)
	for i := range ones {
		ones[i] = 1
	}
	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for g := range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			a, _ := CreateBufferFromSlice(dev, ones, 0)
			c, _ := dev.CreateBuffer(BufferDesc{Size: 4 * n, DataType: Float32})
			if err := k.Dispatch([3]uint32{n, 1, 1}, Vars{"a": a, "b": a, "c": c}); err != nil {
				errs <- err
				return
			}
			got, _ := ToSlice[float32](c)
			if got[g] != 2 {
				errs <- errors.New("wrong sum")
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
}
