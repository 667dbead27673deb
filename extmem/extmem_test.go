package extmem

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/gogpu/compute"
)

func TestFromSliceAndValues(t *testing.T) {
	rt := New("test")
	ts, err := FromSlice(rt, []int32{1, -2, 3, -4, 5, -6}, 2, 3)
	require.NoError(t, err)
	require.Equal(t, []int{2, 3}, ts.Shape())
	require.Equal(t, compute.Int32, ts.DataType())
	require.Equal(t, "test", ts.MemorySpace())
	require.Equal(t, 6, ts.Len())
	require.EqualValues(t, 24, rt.Allocated())

	got, err := Values[int32](ts)
	require.NoError(t, err)
	require.Equal(t, []int32{1, -2, 3, -4, 5, -6}, got)

	_, err = Values[uint32](ts)
	require.Error(t, err)

	_, err = FromSlice(rt, []int32{1, 2, 3}, 2, 2)
	require.ErrorIs(t, err, errShape)
}

func TestZeros(t *testing.T) {
	ts, err := Zeros(Host, compute.Float64, 4, 2)
	require.NoError(t, err)
	require.Equal(t, compute.HostMemorySpace, ts.MemorySpace())
	got, err := Values[float64](ts)
	require.NoError(t, err)
	require.Equal(t, make([]float64, 8), got)

	_, err = Zeros(Host, compute.DataTypeUnknown, 4)
	require.Error(t, err)
	_, err = Zeros(Host, compute.Float32, 2, -1)
	require.ErrorIs(t, err, errShape)
}

func TestLinspace(t *testing.T) {
	ts, err := Linspace(New("lin"), float32(0), 1, 5)
	require.NoError(t, err)
	got, err := Values[float32](ts)
	require.NoError(t, err)
	require.Equal(t, []float32{0, 0.25, 0.5, 0.75, 1}, got)

	one, err := Linspace(Host, 2.5, 9, 1)
	require.NoError(t, err)
	v, err := Values[float64](one)
	require.NoError(t, err)
	require.Equal(t, []float64{2.5}, v)

	_, err = Linspace(Host, 0.0, 1, -1)
	require.Error(t, err)
}

func TestViewSharesMemory(t *testing.T) {
	ts, err := FromSlice(Host, []uint16{1, 2, 3, 4})
	require.NoError(t, err)
	v, err := ts.View(2, 2)
	require.NoError(t, err)
	require.Equal(t, []int{2, 2}, v.Shape())

	require.NoError(t, v.WriteBytes([]byte{9, 0, 9, 0, 9, 0, 9, 0}))
	got, err := Values[uint16](ts)
	require.NoError(t, err)
	require.Equal(t, []uint16{9, 9, 9, 9}, got)

	_, err = ts.View(3)
	require.ErrorIs(t, err, errShape)
	require.Error(t, ts.ReadBytes(make([]byte, 2)))
	require.Error(t, ts.WriteBytes(make([]byte, 9)))
}

func TestOpaqueHidesNativeMemory(t *testing.T) {
	ts, err := FromSlice(Host, []float32{1, 2})
	require.NoError(t, err)
	o := ts.Opaque()
	_, native := o.(compute.ExternalMemory)
	require.False(t, native)
	require.Equal(t, ts.Shape(), o.Shape())
	require.Equal(t, compute.Float32, o.DataType())

	buf := make([]byte, 8)
	require.NoError(t, o.ReadBytes(buf))
	require.NoError(t, o.WriteBytes(buf))

	mem, ok := ts.NativeMemory().([]byte)
	require.True(t, ok)
	require.Len(t, mem, 8)
}
