package wgsl

import (
	"fmt"

	"github.com/gogpu/naga/ir"
)

// ScalarKind identifies a WGSL scalar type.
type ScalarKind uint8

// Scalar kinds. The abstract kinds are the types of unsuffixed literals
// that survive lowering in constant expressions.
const (
	ScalarInvalid ScalarKind = iota
	ScalarBool
	ScalarI32
	ScalarU32
	ScalarF16
	ScalarF32
	ScalarF64
	scalarAbstractInt
	scalarAbstractFloat
)

var scalarNames = [...]string{
	ScalarInvalid:       "invalid",
	ScalarBool:          "bool",
	ScalarI32:           "i32",
	ScalarU32:           "u32",
	ScalarF16:           "f16",
	ScalarF32:           "f32",
	ScalarF64:           "f64",
	scalarAbstractInt:   "abstract-int",
	scalarAbstractFloat: "abstract-float",
}

func (k ScalarKind) String() string {
	if int(k) < len(scalarNames) {
		return scalarNames[k]
	}
	return fmt.Sprintf("ScalarKind(%d)", k)
}

// Size returns the size of the scalar in host-shareable memory. Bool is
// never host-shareable and occupies one byte in function memory.
func (k ScalarKind) Size() int {
	switch k {
	case ScalarBool:
		return 1
	case ScalarF16:
		return 2
	case ScalarI32, ScalarU32, ScalarF32:
		return 4
	case ScalarF64:
		return 8
	default:
		return 0
	}
}

// IsFloat reports whether k is a floating-point kind.
func (k ScalarKind) IsFloat() bool {
	return k == ScalarF16 || k == ScalarF32 || k == ScalarF64 || k == scalarAbstractFloat
}

// IsInteger reports whether k is an integer kind.
func (k ScalarKind) IsInteger() bool {
	return k == ScalarI32 || k == ScalarU32 || k == scalarAbstractInt
}

func (k ScalarKind) isAbstract() bool {
	return k == scalarAbstractInt || k == scalarAbstractFloat
}

// scalarKind maps a naga scalar to a kind. Widths the interpreter does not
// model map to ScalarInvalid.
func scalarKind(s ir.ScalarType) ScalarKind {
	switch s.Kind {
	case ir.ScalarBool:
		return ScalarBool
	case ir.ScalarSint:
		if s.Width == 4 {
			return ScalarI32
		}
	case ir.ScalarUint:
		if s.Width == 4 {
			return ScalarU32
		}
	case ir.ScalarFloat:
		switch s.Width {
		case 2:
			return ScalarF16
		case 4:
			return ScalarF32
		case 8:
			return ScalarF64
		}
	case ir.ScalarAbstractInt:
		return scalarAbstractInt
	case ir.ScalarAbstractFloat:
		return scalarAbstractFloat
	}
	return ScalarInvalid
}

// kindScalar is the inverse of scalarKind for concrete kinds.
func kindScalar(k ScalarKind) ir.ScalarType {
	switch k {
	case ScalarBool:
		return ir.ScalarType{Kind: ir.ScalarBool, Width: 1}
	case ScalarI32:
		return ir.ScalarType{Kind: ir.ScalarSint, Width: 4}
	case ScalarU32:
		return ir.ScalarType{Kind: ir.ScalarUint, Width: 4}
	case ScalarF16:
		return ir.ScalarType{Kind: ir.ScalarFloat, Width: 2}
	case ScalarF64:
		return ir.ScalarType{Kind: ir.ScalarFloat, Width: 8}
	default:
		return ir.ScalarType{Kind: ir.ScalarFloat, Width: 4}
	}
}

// TypeKind classifies a Type.
type TypeKind uint8

// Type kinds.
const (
	TypeScalar TypeKind = iota
	TypeVector
	TypeMatrix
	TypeArray
	TypeAtomic
	TypeStruct
	TypeOther
)

// Type is the reflected shape of a resource type.
type Type struct {
	Kind    TypeKind
	Name    string
	Scalar  ScalarKind // scalar, vector component, or atomic kind
	Len     int        // vector width or fixed array length; 0 for runtime-sized arrays
	Elem    *Type      // array element
	Members []Member   // struct members
	size    int
}

// Member is a struct member with its byte offset.
type Member struct {
	Name   string
	Type   *Type
	Offset int
}

// Size returns the size of the type in host-shareable memory.
// Runtime-sized arrays report the size of a single element.
func (t *Type) Size() int { return t.size }

func (t *Type) String() string {
	switch t.Kind {
	case TypeScalar:
		return t.Scalar.String()
	case TypeVector:
		return fmt.Sprintf("vec%d<%s>", t.Len, t.Scalar)
	case TypeAtomic:
		return fmt.Sprintf("atomic<%s>", t.Scalar)
	case TypeArray:
		if t.Len == 0 {
			return fmt.Sprintf("array<%s>", t.Elem)
		}
		return fmt.Sprintf("array<%s, %d>", t.Elem, t.Len)
	case TypeStruct:
		return t.Name
	case TypeMatrix:
		return "matrix"
	default:
		return "opaque"
	}
}

// reflectType describes the module type h.
func reflectType(m *ir.Module, h ir.TypeHandle) *Type {
	t := &Type{Name: m.Types[h].Name, size: int(ir.TypeSize(m, h))}
	switch inner := m.Types[h].Inner.(type) {
	case ir.ScalarType:
		t.Kind, t.Scalar = TypeScalar, scalarKind(inner)
	case ir.VectorType:
		t.Kind, t.Scalar, t.Len = TypeVector, scalarKind(inner.Scalar), int(inner.Size)
	case ir.MatrixType:
		t.Kind, t.Scalar = TypeMatrix, scalarKind(inner.Scalar)
	case ir.AtomicType:
		t.Kind, t.Scalar = TypeAtomic, scalarKind(inner.Scalar)
	case ir.ArrayType:
		t.Kind, t.Elem = TypeArray, reflectType(m, inner.Base)
		if inner.Size.Constant != nil {
			t.Len = int(*inner.Size.Constant)
		}
	case ir.StructType:
		t.Kind = TypeStruct
		for _, mem := range inner.Members {
			t.Members = append(t.Members, Member{Name: mem.Name, Type: reflectType(m, mem.Type), Offset: int(mem.Offset)})
		}
	default:
		t.Kind = TypeOther
	}
	return t
}
