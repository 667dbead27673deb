package compute

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/x448/float16"

	"github.com/gogpu/compute/internal/wgsl"
)

// DataType is the element type of a buffer, tensor or binding.
type DataType uint8

// Data types. Multi-byte values are little-endian with no padding.
const (
	DataTypeUnknown DataType = iota
	Bool
	Int8
	Int16
	Int32
	Int64
	Uint8
	Uint16
	Uint32
	Uint64
	Float16
	Float32
	Float64
)

var dataTypeNames = [...]string{
	DataTypeUnknown: "unknown",
	Bool:            "bool",
	Int8:            "int8",
	Int16:           "int16",
	Int32:           "int32",
	Int64:           "int64",
	Uint8:           "uint8",
	Uint16:          "uint16",
	Uint32:          "uint32",
	Uint64:          "uint64",
	Float16:         "float16",
	Float32:         "float32",
	Float64:         "float64",
}

func (t DataType) String() string {
	if int(t) < len(dataTypeNames) {
		return dataTypeNames[t]
	}
	return fmt.Sprintf("DataType(%d)", t)
}

// Size returns the element size in bytes, or 0 for DataTypeUnknown.
func (t DataType) Size() int {
	switch t {
	case Bool, Int8, Uint8:
		return 1
	case Int16, Uint16, Float16:
		return 2
	case Int32, Uint32, Float32:
		return 4
	case Int64, Uint64, Float64:
		return 8
	default:
		return 0
	}
}

// ParseDataType parses a type name such as "float32". The WGSL scalar
// names f16, f32, f64, i32 and u32 are accepted as well.
func ParseDataType(name string) (DataType, error) {
	for t, n := range dataTypeNames {
		if n == name && t != int(DataTypeUnknown) {
			return DataType(t), nil
		}
	}
	switch name {
	case "f16":
		return Float16, nil
	case "f32":
		return Float32, nil
	case "f64":
		return Float64, nil
	case "i32":
		return Int32, nil
	case "u32":
		return Uint32, nil
	}
	return DataTypeUnknown, fmt.Errorf("compute: unknown data type %q", name)
}

// dataTypeOfScalar maps a host-shareable WGSL scalar to its DataType.
func dataTypeOfScalar(k wgsl.ScalarKind) DataType {
	switch k {
	case wgsl.ScalarI32:
		return Int32
	case wgsl.ScalarU32:
		return Uint32
	case wgsl.ScalarF16:
		return Float16
	case wgsl.ScalarF32:
		return Float32
	case wgsl.ScalarF64:
		return Float64
	default:
		return DataTypeUnknown
	}
}

// Element is the set of Go types that map one-to-one onto a DataType.
type Element interface {
	bool | int8 | int16 | int32 | int64 |
		uint8 | uint16 | uint32 | uint64 |
		float16.Float16 | float32 | float64
}

// DataTypeOf returns the DataType of T.
func DataTypeOf[T Element]() DataType {
	var zero T
	switch any(zero).(type) {
	case bool:
		return Bool
	case int8:
		return Int8
	case int16:
		return Int16
	case int32:
		return Int32
	case int64:
		return Int64
	case uint8:
		return Uint8
	case uint16:
		return Uint16
	case uint32:
		return Uint32
	case uint64:
		return Uint64
	case float16.Float16:
		return Float16
	case float32:
		return Float32
	case float64:
		return Float64
	}
	return DataTypeUnknown
}

// encodeSlice returns the little-endian bytes of vals.
func encodeSlice[T Element](vals []T) []byte {
	buf, err := binary.Append(make([]byte, 0, len(vals)*DataTypeOf[T]().Size()), binary.LittleEndian, vals)
	if err != nil {
		// Element types are all fixed size.
		panic(err)
	}
	return buf
}

// decodeSlice decodes b as a sequence of T. len(b) must be a multiple of
// the element size.
func decodeSlice[T Element](b []byte) ([]T, error) {
	size := DataTypeOf[T]().Size()
	if len(b)%size != 0 {
		return nil, fmt.Errorf("%d bytes is not a whole number of %s elements", len(b), DataTypeOf[T]())
	}
	out := make([]T, len(b)/size)
	if err := binary.Read(bytes.NewReader(b), binary.LittleEndian, out); err != nil {
		return nil, err
	}
	return out, nil
}

// Float16s converts float32 values to half precision with round-to-nearest.
func Float16s(vals []float32) []float16.Float16 {
	out := make([]float16.Float16, len(vals))
	for i, v := range vals {
		out[i] = float16.Fromfloat32(v)
	}
	return out
}

// Float32s widens half-precision values.
func Float32s(vals []float16.Float16) []float32 {
	out := make([]float32, len(vals))
	for i, v := range vals {
		out[i] = v.Float32()
	}
	return out
}
