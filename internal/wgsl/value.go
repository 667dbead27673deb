package wgsl

import (
	"encoding/binary"
	"fmt"
	"math"
	"strings"

	"github.com/gogpu/naga/ir"
	"github.com/x448/float16"
)

// component is one scalar lane of a Value. Integer and bool lanes use i,
// float lanes use f.
type component struct {
	i int64
	f float64
}

// Value is a scalar, a vector of up to four scalars, a composite held in
// its memory layout, or a pointer.
type Value struct {
	Kind ScalarKind
	Len  int // 0 for scalars, 2..4 for vectors
	c    [4]component

	ty  ir.TypeInner // composite type; nil for scalars, vectors and pointers
	mem []byte
	ptr *pointer
}

// BoolValue returns a bool scalar.
func BoolValue(b bool) Value {
	v := Value{Kind: ScalarBool}
	if b {
		v.c[0].i = 1
	}
	return v
}

// I32Value returns an i32 scalar.
func I32Value(x int32) Value { return Value{Kind: ScalarI32, c: [4]component{{i: int64(x)}}} }

// U32Value returns a u32 scalar.
func U32Value(x uint32) Value { return Value{Kind: ScalarU32, c: [4]component{{i: int64(x)}}} }

// F32Value returns an f32 scalar.
func F32Value(x float32) Value { return Value{Kind: ScalarF32, c: [4]component{{f: float64(x)}}} }

// F64Value returns an f64 scalar.
func F64Value(x float64) Value { return Value{Kind: ScalarF64, c: [4]component{{f: x}}} }

func uvec3(x, y, z uint32) Value {
	return Value{Kind: ScalarU32, Len: 3, c: [4]component{{i: int64(x)}, {i: int64(y)}, {i: int64(z)}}}
}

// lanes returns the number of components (1 for scalars).
func (v Value) lanes() int {
	if v.Len == 0 {
		return 1
	}
	return v.Len
}

func (v Value) isPlain() bool { return v.ty == nil && v.ptr == nil && v.Kind != ScalarInvalid }

// Bool returns the first lane as a bool.
func (v Value) Bool() bool { return v.c[0].i != 0 }

// Int returns the first lane as an integer, truncating floats.
func (v Value) Int() int64 {
	if v.Kind.IsFloat() {
		return int64(v.c[0].f)
	}
	return v.c[0].i
}

// Float returns the first lane as a float64.
func (v Value) Float() float64 {
	if v.Kind.IsFloat() {
		return v.c[0].f
	}
	return float64(v.c[0].i)
}

// lane extracts one lane as a scalar Value.
func (v Value) lane(i int) Value {
	return Value{Kind: v.Kind, c: [4]component{v.c[i]}}
}

func (v Value) String() string {
	switch {
	case v.ptr != nil:
		return "pointer"
	case v.ty != nil:
		return fmt.Sprintf("composite(%d bytes)", len(v.mem))
	case v.Len == 0:
		return v.laneString(0)
	}
	parts := make([]string, v.Len)
	for i := range parts {
		parts[i] = v.laneString(i)
	}
	return fmt.Sprintf("vec%d<%s>(%s)", v.Len, v.Kind, strings.Join(parts, ", "))
}

func (v Value) laneString(i int) string {
	switch {
	case v.Kind == ScalarBool:
		return fmt.Sprint(v.c[i].i != 0)
	case v.Kind.IsFloat():
		return fmt.Sprint(v.c[i].f)
	default:
		return fmt.Sprint(v.c[i].i)
	}
}

// normalize wraps integer lanes and rounds float lanes to the precision
// of the value's kind.
func (v Value) normalize() Value {
	for i := 0; i < v.lanes(); i++ {
		v.c[i] = normalizeComponent(v.Kind, v.c[i])
	}
	return v
}

func normalizeComponent(k ScalarKind, c component) component {
	switch k {
	case ScalarBool:
		if c.i != 0 {
			c.i = 1
		}
	case ScalarI32:
		c.i = int64(int32(c.i))
	case ScalarU32:
		c.i = int64(uint32(c.i))
	case ScalarF16:
		c.f = float64(float16.Fromfloat32(float32(c.f)).Float32())
	case ScalarF32:
		c.f = float64(float32(c.f))
	}
	return c
}

// convert performs a WGSL value conversion to kind, lane by lane.
func (v Value) convert(kind ScalarKind) Value {
	if v.Kind == kind {
		return v
	}
	out := Value{Kind: kind, Len: v.Len}
	for i := 0; i < v.lanes(); i++ {
		src := v.c[i]
		var dst component
		switch {
		case kind == ScalarBool:
			if v.Kind.IsFloat() {
				dst.i = boolInt(src.f != 0)
			} else {
				dst.i = boolInt(src.i != 0)
			}
		case kind.IsFloat():
			if v.Kind.IsFloat() {
				dst.f = src.f
			} else {
				dst.f = float64(src.i)
			}
		default:
			if v.Kind.IsFloat() {
				dst.i = floatToInt(src.f, kind)
			} else {
				dst.i = src.i
			}
		}
		out.c[i] = normalizeComponent(kind, dst)
	}
	return out
}

// floatToInt converts with WGSL saturating semantics.
func floatToInt(f float64, kind ScalarKind) int64 {
	if math.IsNaN(f) {
		return 0
	}
	switch kind {
	case ScalarU32:
		if f <= 0 {
			return 0
		}
		if f >= math.MaxUint32 {
			return math.MaxUint32
		}
	case ScalarI32:
		if f <= math.MinInt32 {
			return math.MinInt32
		}
		if f >= math.MaxInt32 {
			return math.MaxInt32
		}
	}
	return int64(f)
}

// splat broadcasts a scalar to an n-lane vector.
func (v Value) splat(n int) Value {
	out := Value{Kind: v.Kind, Len: n}
	for i := 0; i < n; i++ {
		out.c[i] = v.c[0]
	}
	return out
}

func boolInt(b bool) int64 {
	if b {
		return 1
	}
	return 0
}

// Encoding of scalars in memory: little-endian, no padding. Bool takes one
// byte and only appears in function and private memory.

// load decodes one scalar of kind at off in data.
func load(data []byte, off int, kind ScalarKind) Value {
	v := Value{Kind: kind}
	switch kind {
	case ScalarBool:
		v.c[0].i = boolInt(data[off] != 0)
	case ScalarI32:
		v.c[0].i = int64(int32(binary.LittleEndian.Uint32(data[off:])))
	case ScalarU32:
		v.c[0].i = int64(binary.LittleEndian.Uint32(data[off:]))
	case ScalarF16:
		v.c[0].f = float64(float16.Frombits(binary.LittleEndian.Uint16(data[off:])).Float32())
	case ScalarF32:
		v.c[0].f = float64(math.Float32frombits(binary.LittleEndian.Uint32(data[off:])))
	case ScalarF64:
		v.c[0].f = math.Float64frombits(binary.LittleEndian.Uint64(data[off:]))
	}
	return v
}

// store encodes the first lane of v as kind at off in data.
func store(data []byte, off int, kind ScalarKind, v Value) {
	v = v.convert(kind)
	switch kind {
	case ScalarBool:
		data[off] = byte(v.c[0].i)
	case ScalarI32, ScalarU32:
		binary.LittleEndian.PutUint32(data[off:], uint32(v.c[0].i))
	case ScalarF16:
		binary.LittleEndian.PutUint16(data[off:], float16.Fromfloat32(float32(v.c[0].f)).Bits())
	case ScalarF32:
		binary.LittleEndian.PutUint32(data[off:], math.Float32bits(float32(v.c[0].f)))
	case ScalarF64:
		binary.LittleEndian.PutUint64(data[off:], math.Float64bits(v.c[0].f))
	}
}

// pointer addresses typed memory. A pointer with nil mem is out of bounds:
// loads through it yield zero and stores are dropped.
type pointer struct {
	mem    []byte
	off    int
	ty     ir.TypeInner
	shared bool // resource memory touched by other workgroups
}

func (p *pointer) inBounds(size int) bool {
	return p.mem != nil && p.off >= 0 && p.off+size <= len(p.mem)
}

// sizeOf returns the memory size of t. Runtime-sized arrays extend to the
// end of the memory they are addressed in, so their size depends on avail.
func (m *Module) sizeOf(t ir.TypeInner, avail int) int {
	switch t := t.(type) {
	case ir.ScalarType:
		return int(t.Width)
	case ir.AtomicType:
		return int(t.Scalar.Width)
	case ir.VectorType:
		return int(t.Size) * int(t.Scalar.Width)
	case ir.MatrixType:
		return int(t.Columns) * columnStride(t)
	case ir.ArrayType:
		if t.Size.Constant == nil {
			return max(avail, 0) / int(t.Stride) * int(t.Stride)
		}
		return int(*t.Size.Constant) * int(t.Stride)
	case ir.StructType:
		return int(t.Span)
	}
	return 0
}

func columnStride(t ir.MatrixType) int {
	rows := int(t.Rows)
	if rows == 3 {
		rows = 4
	}
	return rows * int(t.Scalar.Width)
}

// inner resolves a type handle.
func (m *Module) inner(h ir.TypeHandle) ir.TypeInner { return m.IR.Types[h].Inner }

// loadPtr reads the value p addresses.
func (m *Module) loadPtr(p *pointer) (Value, error) {
	switch t := p.ty.(type) {
	case ir.ScalarType:
		k := scalarKind(t)
		if !p.inBounds(int(t.Width)) {
			return Value{Kind: k}, nil
		}
		return load(p.mem, p.off, k), nil
	case ir.AtomicType:
		k := scalarKind(t.Scalar)
		if !p.inBounds(int(t.Scalar.Width)) {
			return Value{Kind: k}, nil
		}
		return load(p.mem, p.off, k), nil
	case ir.VectorType:
		k, w := scalarKind(t.Scalar), int(t.Scalar.Width)
		v := Value{Kind: k, Len: int(t.Size)}
		if !p.inBounds(v.Len * w) {
			return v, nil
		}
		for i := 0; i < v.Len; i++ {
			v.c[i] = load(p.mem, p.off+i*w, k).c[0]
		}
		return v, nil
	case ir.ArrayType, ir.StructType, ir.MatrixType:
		size := 0
		if p.mem != nil {
			size = m.sizeOf(t, len(p.mem)-p.off)
		}
		v := Value{ty: t, mem: make([]byte, size)}
		if p.inBounds(size) {
			copy(v.mem, p.mem[p.off:])
		}
		return v, nil
	}
	return Value{}, fmt.Errorf("cannot load %T", p.ty)
}

// storePtr writes v through p. Out-of-bounds stores are dropped.
func (m *Module) storePtr(p *pointer, v Value) error {
	switch t := p.ty.(type) {
	case ir.ScalarType:
		if !v.isPlain() || v.Len != 0 {
			return fmt.Errorf("cannot store %s as a scalar", v)
		}
		if p.inBounds(int(t.Width)) {
			store(p.mem, p.off, scalarKind(t), v)
		}
	case ir.AtomicType:
		if p.inBounds(int(t.Scalar.Width)) {
			store(p.mem, p.off, scalarKind(t.Scalar), v)
		}
	case ir.VectorType:
		k, w, n := scalarKind(t.Scalar), int(t.Scalar.Width), int(t.Size)
		if !v.isPlain() {
			return fmt.Errorf("cannot store %s as a vector", v)
		}
		if v.Len == 0 {
			v = v.splat(n)
		}
		if p.inBounds(n * w) {
			for i := 0; i < n && i < v.Len; i++ {
				store(p.mem, p.off+i*w, k, v.lane(i))
			}
		}
	case ir.ArrayType, ir.StructType, ir.MatrixType:
		if v.ty == nil {
			return fmt.Errorf("cannot store %s as a composite", v)
		}
		if p.inBounds(len(v.mem)) {
			copy(p.mem[p.off:], v.mem)
		}
	default:
		return fmt.Errorf("cannot store through a pointer to %T", p.ty)
	}
	return nil
}

// element returns a pointer to element i of the array, vector, matrix or
// struct p addresses. Indices out of range yield an out-of-bounds pointer.
func (m *Module) element(p *pointer, i int64) (*pointer, error) {
	out := &pointer{shared: p.shared}
	switch t := p.ty.(type) {
	case ir.ArrayType:
		out.ty = m.inner(t.Base)
		stride := int64(t.Stride)
		n := int64(m.sizeOf(t, len(p.mem)-p.off)) / max(stride, 1)
		if i >= 0 && i < n && p.mem != nil {
			out.mem, out.off = p.mem, p.off+int(i*stride)
		}
	case ir.VectorType:
		out.ty = t.Scalar
		if i >= 0 && i < int64(t.Size) {
			out.mem, out.off = p.mem, p.off+int(i)*int(t.Scalar.Width)
		}
	case ir.MatrixType:
		out.ty = ir.VectorType{Size: t.Rows, Scalar: t.Scalar}
		if i >= 0 && i < int64(t.Columns) {
			out.mem, out.off = p.mem, p.off+int(i)*columnStride(t)
		}
	case ir.StructType:
		if i < 0 || i >= int64(len(t.Members)) {
			return nil, fmt.Errorf("struct has no member %d", i)
		}
		mem := t.Members[i]
		out.ty, out.mem, out.off = m.inner(mem.Type), p.mem, p.off+int(mem.Offset)
	default:
		return nil, fmt.Errorf("cannot index through a pointer to %T", p.ty)
	}
	return out, nil
}

// zeroValue returns the zero value of t.
func (m *Module) zeroValue(t ir.TypeInner) (Value, error) {
	switch t := t.(type) {
	case ir.ScalarType:
		return Value{Kind: scalarKind(t)}, nil
	case ir.VectorType:
		return Value{Kind: scalarKind(t.Scalar), Len: int(t.Size)}, nil
	case ir.ArrayType, ir.StructType, ir.MatrixType:
		return Value{ty: t, mem: make([]byte, m.sizeOf(t, 0))}, nil
	}
	return Value{}, fmt.Errorf("no zero value for %T", t)
}
