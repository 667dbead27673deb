package compute_test

import (
	"fmt"

	"github.com/janpfeifer/must"

	"github.com/gogpu/compute"
	"github.com/gogpu/compute/extmem"
)

func Example() {
	dev := must.M1(compute.NewDevice(compute.DeviceConfig{Type: compute.DeviceTypeCPU}))
	defer dev.Close()

	prog := must.M1(dev.LoadProgram("testdata/add.wgsl", []string{"main"}))
	kernel := must.M1(dev.CreateComputeKernel(prog))

	a := must.M1(compute.CreateBufferFromSlice(dev, []float32{1, 2, 3}, 0))
	b := must.M1(compute.CreateBufferFromSlice(dev, []float32{4, 5, 6}, 0))
	c := must.M1(dev.CreateBuffer(compute.BufferDesc{Size: 12, DataType: compute.Float32}))

	must.M(kernel.Dispatch([3]uint32{3, 1, 1}, compute.Vars{"a": a, "b": b, "c": c}))
	fmt.Println(must.M1(compute.ToSlice[float32](c)))
	// Output: [5 7 9]
}

func ExampleBuffer_ToTensor() {
	dev := must.M1(compute.NewDevice(compute.DeviceConfig{}, compute.WithType(compute.DeviceTypeCPU), compute.WithInterop()))
	defer dev.Close()

	buf := must.M1(compute.CreateBufferFromSlice(dev, []int32{1, 2, 3, 4, 5, 6},
		compute.DefaultBufferUsage|compute.BufferUsageShared))
	ts := must.M1(buf.ToTensor(compute.Int32, 2, 3))
	fmt.Println(ts.Kind(), ts.Shape(), must.M1(compute.TensorSlice[int32](ts)))
	// Output: view [2 3] [1 2 3 4 5 6]
}

func ExampleKernel_Dispatch_externalTensor() {
	dev := must.M1(compute.NewDevice(compute.DeviceConfig{Type: compute.DeviceTypeCPU, EnableInterop: true}))
	defer dev.Close()
	kernel := must.M1(dev.CreateComputeKernel(must.M1(dev.LoadProgram("testdata/add.wgsl", nil))))

	x := must.M1(extmem.Linspace(extmem.Host, float32(0), 3, 4))
	y := must.M1(extmem.Zeros(extmem.New("accel:0"), compute.Float32, 4))
	must.M(kernel.Dispatch([3]uint32{4, 1, 1}, compute.Vars{"a": x, "b": x, "c": y}))
	fmt.Println(must.M1(extmem.Values[float32](y)))
	// Output: [0 2 4 6]
}
