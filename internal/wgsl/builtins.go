package wgsl

import (
	"errors"
	"fmt"
	"math"
	"math/bits"

	"github.com/gogpu/naga/ir"
	"github.com/x448/float16"
)

// unify converts abstract operands to the other operand's kind and splats
// a scalar operand against a vector.
func unify(x, y Value) (Value, Value, error) {
	if !x.isPlain() || !y.isPlain() {
		return x, y, fmt.Errorf("invalid operands %s and %s", x, y)
	}
	if x.Kind != y.Kind {
		switch {
		case x.Kind.isAbstract() && y.Kind.isAbstract():
			x, y = x.convert(scalarAbstractFloat), y.convert(scalarAbstractFloat)
		case x.Kind.isAbstract():
			x = x.convert(y.Kind)
		case y.Kind.isAbstract():
			y = y.convert(x.Kind)
		default:
			return x, y, fmt.Errorf("mismatched operand types %s and %s", x.Kind, y.Kind)
		}
	}
	return splatPair(x, y)
}

func splatPair(x, y Value) (Value, Value, error) {
	switch {
	case x.Len == y.Len:
	case x.Len == 0:
		x = x.splat(y.Len)
	case y.Len == 0:
		y = y.splat(x.Len)
	default:
		return x, y, fmt.Errorf("mismatched vector sizes %d and %d", x.Len, y.Len)
	}
	return x, y, nil
}

func isComparison(op ir.BinaryOperator) bool {
	return op >= ir.BinaryEqual && op <= ir.BinaryGreaterEqual
}

func binaryOp(op ir.BinaryOperator, x, y Value) (Value, error) {
	if op == ir.BinaryShiftLeft || op == ir.BinaryShiftRight {
		return shift(op, x, y)
	}
	x, y, err := unify(x, y)
	if err != nil {
		return Value{}, err
	}
	k := x.Kind
	out := Value{Kind: k, Len: x.Len}
	if isComparison(op) {
		out.Kind = ScalarBool
	}
	for i := 0; i < x.lanes(); i++ {
		c, err := binaryLane(op, k, x.c[i], y.c[i])
		if err != nil {
			return Value{}, err
		}
		out.c[i] = c
	}
	return out.normalize(), nil
}

func binaryLane(op ir.BinaryOperator, k ScalarKind, a, b component) (component, error) {
	var r component
	if isComparison(op) {
		var cmp int
		if k.IsFloat() {
			switch {
			case a.f < b.f:
				cmp = -1
			case a.f > b.f:
				cmp = 1
			case a.f != b.f: // NaN compares unordered
				r.i = boolInt(op == ir.BinaryNotEqual)
				return r, nil
			}
		} else {
			switch {
			case a.i < b.i:
				cmp = -1
			case a.i > b.i:
				cmp = 1
			}
		}
		switch op {
		case ir.BinaryEqual:
			r.i = boolInt(cmp == 0)
		case ir.BinaryNotEqual:
			r.i = boolInt(cmp != 0)
		case ir.BinaryLess:
			r.i = boolInt(cmp < 0)
		case ir.BinaryLessEqual:
			r.i = boolInt(cmp <= 0)
		case ir.BinaryGreater:
			r.i = boolInt(cmp > 0)
		case ir.BinaryGreaterEqual:
			r.i = boolInt(cmp >= 0)
		}
		return r, nil
	}

	switch {
	case k == ScalarBool:
		switch op {
		case ir.BinaryAnd, ir.BinaryLogicalAnd:
			r.i = a.i & b.i
		case ir.BinaryInclusiveOr, ir.BinaryLogicalOr:
			r.i = a.i | b.i
		case ir.BinaryExclusiveOr:
			r.i = a.i ^ b.i
		default:
			return r, fmt.Errorf("operator %d is not defined for bool", op)
		}
	case k.IsFloat():
		switch op {
		case ir.BinaryAdd:
			r.f = a.f + b.f
		case ir.BinarySubtract:
			r.f = a.f - b.f
		case ir.BinaryMultiply:
			r.f = a.f * b.f
		case ir.BinaryDivide:
			r.f = a.f / b.f
		case ir.BinaryModulo:
			r.f = math.Mod(a.f, b.f)
		default:
			return r, fmt.Errorf("operator %d is not defined for %s", op, k)
		}
	default:
		switch op {
		case ir.BinaryAdd:
			r.i = a.i + b.i
		case ir.BinarySubtract:
			r.i = a.i - b.i
		case ir.BinaryMultiply:
			r.i = a.i * b.i
		case ir.BinaryDivide:
			switch {
			case b.i == 0:
				r.i = a.i
			case k == ScalarI32 && a.i == math.MinInt32 && b.i == -1:
				r.i = a.i
			default:
				r.i = a.i / b.i
			}
		case ir.BinaryModulo:
			if b.i == 0 || (k == ScalarI32 && a.i == math.MinInt32 && b.i == -1) {
				r.i = 0
			} else {
				r.i = a.i % b.i
			}
		case ir.BinaryAnd:
			r.i = a.i & b.i
		case ir.BinaryInclusiveOr:
			r.i = a.i | b.i
		case ir.BinaryExclusiveOr:
			r.i = a.i ^ b.i
		default:
			return r, fmt.Errorf("operator %d is not defined for %s", op, k)
		}
	}
	return r, nil
}

func shift(op ir.BinaryOperator, x, y Value) (Value, error) {
	if !x.isPlain() || !x.Kind.IsInteger() {
		return Value{}, fmt.Errorf("cannot shift %s", x)
	}
	if x.Kind == scalarAbstractInt {
		x = x.convert(ScalarI32)
	}
	if !y.isPlain() || !y.Kind.IsInteger() {
		return Value{}, fmt.Errorf("shift amount must be an integer, not %s", y)
	}
	x, y, err := splatPair(x, y)
	if err != nil {
		return Value{}, err
	}
	out := Value{Kind: x.Kind, Len: x.Len}
	for i := 0; i < x.lanes(); i++ {
		a, n := x.c[i].i, uint(y.c[i].i&31)
		switch {
		case op == ir.BinaryShiftLeft:
			out.c[i].i = a << n
		case x.Kind == ScalarU32:
			out.c[i].i = int64(uint32(a) >> n)
		default:
			out.c[i].i = a >> n
		}
	}
	return out.normalize(), nil
}

func unaryOp(op ir.UnaryOperator, x Value) (Value, error) {
	if !x.isPlain() {
		return Value{}, fmt.Errorf("unary operator on %s", x)
	}
	for i := 0; i < x.lanes(); i++ {
		switch {
		case op == ir.UnaryLogicalNot && x.Kind == ScalarBool:
			x.c[i].i ^= 1
		case op == ir.UnaryNegate && x.Kind.IsFloat():
			x.c[i].f = -x.c[i].f
		case op == ir.UnaryNegate && x.Kind.IsInteger():
			x.c[i].i = -x.c[i].i
		case op == ir.UnaryBitwiseNot && x.Kind.IsInteger():
			x.c[i].i = ^x.c[i].i
		default:
			return Value{}, fmt.Errorf("unary operator %d is not defined for %s", op, x.Kind)
		}
	}
	return x.normalize(), nil
}

func selectValue(reject, accept, cond Value) (Value, error) {
	if !cond.isPlain() || cond.Kind != ScalarBool {
		return Value{}, errors.New("select condition must be bool")
	}
	if cond.Len == 0 {
		if cond.Bool() {
			return accept, nil
		}
		return reject, nil
	}
	f, t, err := unify(reject, accept)
	if err != nil {
		return Value{}, err
	}
	if f.Len != cond.Len {
		return Value{}, fmt.Errorf("condition has %d components, operands have %d", cond.Len, f.Len)
	}
	for i := 0; i < cond.Len; i++ {
		if cond.c[i].i != 0 {
			f.c[i] = t.c[i]
		}
	}
	return f, nil
}

func relational(fun ir.RelationalFunction, v Value) (Value, error) {
	if !v.isPlain() {
		return Value{}, fmt.Errorf("relational function on %s", v)
	}
	switch fun {
	case ir.RelationalAll, ir.RelationalAny:
		all := fun == ir.RelationalAll
		for i := 0; i < v.lanes(); i++ {
			if (v.c[i].i != 0) != all {
				return BoolValue(!all), nil
			}
		}
		return BoolValue(all), nil
	case ir.RelationalIsNan, ir.RelationalIsInf:
		out := Value{Kind: ScalarBool, Len: v.Len}
		for i := 0; i < v.lanes(); i++ {
			if fun == ir.RelationalIsNan {
				out.c[i].i = boolInt(math.IsNaN(v.c[i].f))
			} else {
				out.c[i].i = boolInt(math.IsInf(v.c[i].f, 0))
			}
		}
		return out, nil
	}
	return Value{}, fmt.Errorf("unsupported relational function %d", fun)
}

// mathFns holds the math builtins the interpreter implements.
var mathFns map[ir.MathFunction]func([]Value) (Value, error)

func init() {
	mathFns = map[ir.MathFunction]func([]Value) (Value, error){
		ir.MathAbs:         absFn,
		ir.MathSign:        signFn,
		ir.MathMin:         minMax(false),
		ir.MathMax:         minMax(true),
		ir.MathClamp:       clampFn,
		ir.MathSaturate:    float1(func(x float64) float64 { return min(max(x, 0), 1) }),
		ir.MathSqrt:        float1(math.Sqrt),
		ir.MathInverseSqrt: float1(func(x float64) float64 { return 1 / math.Sqrt(x) }),
		ir.MathFloor:       float1(math.Floor),
		ir.MathCeil:        float1(math.Ceil),
		ir.MathRound:       float1(math.RoundToEven),
		ir.MathTrunc:       float1(math.Trunc),
		ir.MathFract:       float1(func(x float64) float64 { return x - math.Floor(x) }),
		ir.MathExp:         float1(math.Exp),
		ir.MathExp2:        float1(math.Exp2),
		ir.MathLog:         float1(math.Log),
		ir.MathLog2:        float1(math.Log2),
		ir.MathSin:         float1(math.Sin),
		ir.MathCos:         float1(math.Cos),
		ir.MathTan:         float1(math.Tan),
		ir.MathAsin:        float1(math.Asin),
		ir.MathAcos:        float1(math.Acos),
		ir.MathAtan:        float1(math.Atan),
		ir.MathSinh:        float1(math.Sinh),
		ir.MathCosh:        float1(math.Cosh),
		ir.MathTanh:        float1(math.Tanh),
		ir.MathAsinh:       float1(math.Asinh),
		ir.MathAcosh:       float1(math.Acosh),
		ir.MathAtanh:       float1(math.Atanh),
		ir.MathRadians:     float1(func(x float64) float64 { return x * math.Pi / 180 }),
		ir.MathDegrees:     float1(func(x float64) float64 { return x * 180 / math.Pi }),
		ir.MathQuantizeF16: float1(func(x float64) float64 { return float64(float16.Fromfloat32(float32(x)).Float32()) }),
		ir.MathAtan2:       float2(math.Atan2),
		ir.MathPow:         float2(math.Pow),
		ir.MathStep:        float2(func(edge, x float64) float64 { return boolFloat(x >= edge) }),
		ir.MathFma:         float3(math.FMA),
		ir.MathMix:         float3(func(a, b, t float64) float64 { return a*(1-t) + b*t }),
		ir.MathSmoothStep: float3(func(lo, hi, x float64) float64 {
			t := min(max((x-lo)/(hi-lo), 0), 1)
			return t * t * (3 - 2*t)
		}),
		ir.MathDot:    dotFn,
		ir.MathLength: lengthFn,
		ir.MathDistance: func(args []Value) (Value, error) {
			d, err := binaryOp(ir.BinarySubtract, args[0], args[1])
			if err != nil {
				return Value{}, err
			}
			return lengthFn([]Value{d})
		},
		ir.MathNormalize:          normalizeFn,
		ir.MathCross:              crossFn,
		ir.MathCountOneBits:       intLanes(func(x uint32) uint32 { return uint32(bits.OnesCount32(x)) }),
		ir.MathReverseBits:        intLanes(bits.Reverse32),
		ir.MathCountLeadingZeros:  intLanes(func(x uint32) uint32 { return uint32(bits.LeadingZeros32(x)) }),
		ir.MathCountTrailingZeros: intLanes(func(x uint32) uint32 { return uint32(bits.TrailingZeros32(x)) }),
		ir.MathFirstTrailingBit: intLanes(func(x uint32) uint32 {
			if x == 0 {
				return math.MaxUint32
			}
			return uint32(bits.TrailingZeros32(x))
		}),
	}
}

func mathFn(fun ir.MathFunction, args []Value) (Value, error) {
	f, ok := mathFns[fun]
	if !ok {
		return Value{}, fmt.Errorf("math function %d is not supported by the host interpreter", fun)
	}
	for _, a := range args {
		if !a.isPlain() {
			return Value{}, fmt.Errorf("math function %d on %s", fun, a)
		}
	}
	return f(args)
}

func boolFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

func numeric(v Value) error {
	if v.Kind == ScalarBool {
		return errors.New("expected a numeric argument, got bool")
	}
	return nil
}

func floatLanes(v Value, f func(float64) float64) (Value, error) {
	if v.Kind == scalarAbstractInt {
		v = v.convert(scalarAbstractFloat)
	}
	if !v.Kind.IsFloat() {
		return Value{}, fmt.Errorf("expected a float argument, got %s", v.Kind)
	}
	for i := 0; i < v.lanes(); i++ {
		v.c[i].f = f(v.c[i].f)
	}
	return v.normalize(), nil
}

func float1(f func(float64) float64) func([]Value) (Value, error) {
	return func(a []Value) (Value, error) { return floatLanes(a[0], f) }
}

// unifyFloat brings the arguments to a common float kind and width.
func unifyFloat(args []Value) ([]Value, error) {
	out := append([]Value(nil), args...)
	for i := range out {
		if out[i].Kind == scalarAbstractInt {
			out[i] = out[i].convert(scalarAbstractFloat)
		}
	}
	// Two passes so a vector found late widens the earlier scalars too.
	for range 2 {
		for i := 1; i < len(out); i++ {
			x, y, err := unify(out[0], out[i])
			if err != nil {
				return nil, err
			}
			out[0], out[i] = x, y
		}
	}
	if !out[0].Kind.IsFloat() {
		return nil, fmt.Errorf("expected float arguments, got %s", out[0].Kind)
	}
	return out, nil
}

func float2(f func(a, b float64) float64) func([]Value) (Value, error) {
	return func(args []Value) (Value, error) {
		if len(args) != 2 {
			return Value{}, errors.New("expected two arguments")
		}
		a, err := unifyFloat(args)
		if err != nil {
			return Value{}, err
		}
		out := a[0]
		for i := 0; i < out.lanes(); i++ {
			out.c[i].f = f(a[0].c[i].f, a[1].c[i].f)
		}
		return out.normalize(), nil
	}
}

func float3(f func(a, b, c float64) float64) func([]Value) (Value, error) {
	return func(args []Value) (Value, error) {
		if len(args) != 3 {
			return Value{}, errors.New("expected three arguments")
		}
		a, err := unifyFloat(args)
		if err != nil {
			return Value{}, err
		}
		out := a[0]
		for i := 0; i < out.lanes(); i++ {
			out.c[i].f = f(a[0].c[i].f, a[1].c[i].f, a[2].c[i].f)
		}
		return out.normalize(), nil
	}
}

func absFn(args []Value) (Value, error) {
	v := args[0]
	if err := numeric(v); err != nil {
		return Value{}, err
	}
	for i := 0; i < v.lanes(); i++ {
		if v.Kind.IsFloat() {
			v.c[i].f = math.Abs(v.c[i].f)
		} else if v.c[i].i < 0 {
			v.c[i].i = -v.c[i].i
		}
	}
	return v.normalize(), nil
}

func signFn(args []Value) (Value, error) {
	v := args[0]
	if err := numeric(v); err != nil {
		return Value{}, err
	}
	for i := 0; i < v.lanes(); i++ {
		if v.Kind.IsFloat() {
			switch f := v.c[i].f; {
			case f > 0:
				v.c[i].f = 1
			case f < 0:
				v.c[i].f = -1
			default:
				v.c[i].f = 0
			}
			continue
		}
		switch n := v.c[i].i; {
		case n > 0:
			v.c[i].i = 1
		case n < 0:
			v.c[i].i = -1
		}
	}
	return v.normalize(), nil
}

func minMax(isMax bool) func([]Value) (Value, error) {
	return func(args []Value) (Value, error) {
		if len(args) != 2 {
			return Value{}, errors.New("expected two arguments")
		}
		x, y, err := unify(args[0], args[1])
		if err != nil {
			return Value{}, err
		}
		if err := numeric(x); err != nil {
			return Value{}, err
		}
		for i := 0; i < x.lanes(); i++ {
			if x.Kind.IsFloat() {
				if isMax {
					x.c[i].f = math.Max(x.c[i].f, y.c[i].f)
				} else {
					x.c[i].f = math.Min(x.c[i].f, y.c[i].f)
				}
				continue
			}
			if (y.c[i].i > x.c[i].i) == isMax && y.c[i].i != x.c[i].i {
				x.c[i].i = y.c[i].i
			}
		}
		return x, nil
	}
}

func clampFn(args []Value) (Value, error) {
	if len(args) != 3 {
		return Value{}, errors.New("expected three arguments")
	}
	lo, err := minMax(true)([]Value{args[0], args[1]})
	if err != nil {
		return Value{}, err
	}
	return minMax(false)([]Value{lo, args[2]})
}

func dotFn(args []Value) (Value, error) {
	x, y, err := unify(args[0], args[1])
	if err != nil {
		return Value{}, err
	}
	if x.Len == 0 {
		return Value{}, errors.New("expected vector arguments")
	}
	if err := numeric(x); err != nil {
		return Value{}, err
	}
	out := Value{Kind: x.Kind}
	for i := 0; i < x.Len; i++ {
		out.c[0].f += x.c[i].f * y.c[i].f
		out.c[0].i += x.c[i].i * y.c[i].i
	}
	return out.normalize(), nil
}

func lengthFn(args []Value) (Value, error) {
	v := args[0]
	if v.Kind == scalarAbstractInt {
		v = v.convert(scalarAbstractFloat)
	}
	if !v.Kind.IsFloat() {
		return Value{}, fmt.Errorf("expected a float argument, got %s", v.Kind)
	}
	var sum float64
	for i := 0; i < v.lanes(); i++ {
		sum += v.c[i].f * v.c[i].f
	}
	return Value{Kind: v.Kind, c: [4]component{{f: math.Sqrt(sum)}}}.normalize(), nil
}

func normalizeFn(args []Value) (Value, error) {
	l, err := lengthFn(args)
	if err != nil {
		return Value{}, err
	}
	return binaryOp(ir.BinaryDivide, args[0], l)
}

func crossFn(args []Value) (Value, error) {
	x, y, err := unify(args[0], args[1])
	if err != nil {
		return Value{}, err
	}
	if x.Len != 3 || !x.Kind.IsFloat() {
		return Value{}, errors.New("cross expects vec3 float arguments")
	}
	a, b := x.c, y.c
	out := Value{Kind: x.Kind, Len: 3}
	out.c[0].f = a[1].f*b[2].f - a[2].f*b[1].f
	out.c[1].f = a[2].f*b[0].f - a[0].f*b[2].f
	out.c[2].f = a[0].f*b[1].f - a[1].f*b[0].f
	return out.normalize(), nil
}

func intLanes(f func(uint32) uint32) func([]Value) (Value, error) {
	return func(args []Value) (Value, error) {
		v := args[0]
		if v.Kind == scalarAbstractInt {
			v = v.convert(ScalarI32)
		}
		if v.Kind != ScalarI32 && v.Kind != ScalarU32 {
			return Value{}, fmt.Errorf("expected an integer argument, got %s", v.Kind)
		}
		for i := 0; i < v.lanes(); i++ {
			v.c[i].i = int64(f(uint32(v.c[i].i)))
		}
		return v.normalize(), nil
	}
}

// bitcast reinterprets the bits of v as kind. Only 32-bit lanes are
// supported.
func bitcast(kind ir.ScalarKind, v Value) (Value, error) {
	if !v.isPlain() {
		return Value{}, fmt.Errorf("cannot bitcast %s", v)
	}
	switch v.Kind {
	case scalarAbstractInt:
		v = v.convert(ScalarI32)
	case scalarAbstractFloat:
		v = v.convert(ScalarF32)
	}
	to := scalarKind(ir.ScalarType{Kind: kind, Width: 4})
	if v.Kind.Size() != 4 || to == ScalarInvalid || to == ScalarBool {
		return Value{}, fmt.Errorf("cannot bitcast %s to %s", v.Kind, to)
	}
	out := Value{Kind: to, Len: v.Len}
	for i := 0; i < v.lanes(); i++ {
		var b uint32
		if v.Kind == ScalarF32 {
			b = math.Float32bits(float32(v.c[i].f))
		} else {
			b = uint32(v.c[i].i)
		}
		switch to {
		case ScalarF32:
			out.c[i].f = float64(math.Float32frombits(b))
		case ScalarI32:
			out.c[i].i = int64(int32(b))
		default:
			out.c[i].i = int64(b)
		}
	}
	return out, nil
}

// atomicOp computes the value an atomic writes back. write is false for
// loads and for compare-exchange when the comparison fails.
func atomicOp(fun ir.AtomicFunction, old, v Value, compare *Value) (next Value, write bool, err error) {
	if _, ok := fun.(ir.AtomicLoad); ok {
		return old, false, nil
	}
	if !v.isPlain() || v.Len != 0 {
		return Value{}, false, fmt.Errorf("atomic operand %s is not a scalar", v)
	}
	v = v.convert(old.Kind)
	a, b := old.c[0].i, v.c[0].i
	var r int64
	switch fun := fun.(type) {
	case ir.AtomicAdd:
		r = a + b
	case ir.AtomicSubtract:
		r = a - b
	case ir.AtomicAnd:
		r = a & b
	case ir.AtomicInclusiveOr:
		r = a | b
	case ir.AtomicExclusiveOr:
		r = a ^ b
	case ir.AtomicMin:
		r = min(a, b)
	case ir.AtomicMax:
		r = max(a, b)
	case ir.AtomicStore:
		r = b
	case ir.AtomicExchange:
		if fun.Compare != nil && compare != nil && compare.convert(old.Kind).c[0].i != a {
			return old, false, nil
		}
		r = b
	default:
		return Value{}, false, fmt.Errorf("unsupported atomic function %T", fun)
	}
	return Value{Kind: old.Kind, c: [4]component{{i: r}}}.normalize(), true, nil
}
