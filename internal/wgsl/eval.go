package wgsl

import (
	"errors"
	"fmt"
	"math"

	"github.com/gogpu/naga/ir"
	"github.com/x448/float16"
)

// value returns the result of expression h. Emitted expressions come from
// the frame cache; expressions that are never emitted are evaluated on use.
func (in *invocation) value(f *frame, h ir.ExpressionHandle) (Value, error) {
	if f.have[h] {
		return f.vals[h], nil
	}
	v, err := in.compute(f, h)
	if err != nil {
		return Value{}, err
	}
	switch f.fn.Expressions[h].Kind.(type) {
	case ir.Literal, ir.ExprConstant, ir.ExprOverride, ir.ExprZeroValue,
		ir.ExprGlobalVariable, ir.ExprLocalVariable, ir.ExprFunctionArgument:
		f.vals[h], f.have[h] = v, true
	}
	return v, nil
}

// pointer evaluates h and requires the result to be a pointer.
func (in *invocation) pointer(f *frame, h ir.ExpressionHandle) (*pointer, error) {
	v, err := in.value(f, h)
	if err != nil {
		return nil, err
	}
	if v.ptr == nil {
		return nil, fmt.Errorf("expression %d is not a pointer", h)
	}
	return v.ptr, nil
}

func (in *invocation) compute(f *frame, h ir.ExpressionHandle) (Value, error) {
	operand := func(h ir.ExpressionHandle) (Value, error) { return in.value(f, h) }
	switch k := f.fn.Expressions[h].Kind.(type) {
	case ir.ExprFunctionArgument:
		if int(k.Index) >= len(f.args) {
			return Value{}, fmt.Errorf("argument %d out of range", k.Index)
		}
		return f.args[k.Index], nil

	case ir.ExprGlobalVariable:
		p, err := in.global(k.Variable)
		if err != nil {
			return Value{}, err
		}
		return Value{ptr: p}, nil

	case ir.ExprLocalVariable:
		lv := f.fn.LocalVars[k.Variable]
		return Value{ptr: &pointer{mem: f.locals[k.Variable], ty: in.mod.inner(lv.Type)}}, nil

	case ir.ExprLoad:
		p, err := in.pointer(f, k.Pointer)
		if err != nil {
			return Value{}, err
		}
		if _, ok := p.ty.(ir.AtomicType); ok && p.shared {
			in.run.atomicMu.Lock()
			defer in.run.atomicMu.Unlock()
		}
		return in.mod.loadPtr(p)

	case ir.ExprArrayLength:
		p, err := in.pointer(f, k.Array)
		if err != nil {
			return Value{}, err
		}
		at, ok := p.ty.(ir.ArrayType)
		if !ok || at.Size.Constant != nil {
			return Value{}, errors.New("arrayLength expects a runtime-sized array")
		}
		return U32Value(uint32(in.mod.sizeOf(at, len(p.mem)-p.off) / int(at.Stride))), nil

	case ir.ExprCallResult, ir.ExprAtomicResult:
		return Value{}, fmt.Errorf("result %d used before its statement ran", h)
	}
	return in.mod.pure(f.fn.Expressions[h].Kind, operand)
}

// global returns a pointer to a module-scope variable. Private variables
// are allocated per invocation on first use.
func (in *invocation) global(h ir.GlobalVariableHandle) (*pointer, error) {
	g := in.mod.Globals[h]
	gv := in.mod.IR.GlobalVariables[h]
	t := in.mod.inner(gv.Type)
	switch g.Space {
	case SpaceUniform, SpaceStorage:
		mem, ok := in.run.resources[g.Key()]
		if !ok {
			return nil, fmt.Errorf("no resource bound to %q at %s", g.Name, g.Key())
		}
		return &pointer{mem: mem, ty: t, shared: true}, nil

	case SpacePrivate:
		if p, ok := in.private[h]; ok {
			return p, nil
		}
		p := &pointer{mem: make([]byte, in.mod.sizeOf(t, 0)), ty: t}
		var init *Value
		switch {
		case gv.InitExpr != nil:
			v, err := in.mod.globalExpr(*gv.InitExpr)
			if err != nil {
				return nil, fmt.Errorf("var %s: %w", g.Name, err)
			}
			init = &v
		case gv.Init != nil:
			init = &in.mod.consts[*gv.Init]
		}
		if init != nil {
			if err := in.mod.storePtr(p, *init); err != nil {
				return nil, fmt.Errorf("var %s: %w", g.Name, err)
			}
		}
		if in.private == nil {
			in.private = make(map[ir.GlobalVariableHandle]*pointer)
		}
		in.private[h] = p
		return p, nil
	}
	return nil, fmt.Errorf("variable %q in this address space is not supported by the host interpreter", g.Name)
}

// constEval evaluates module constants in dependency order.
type constEval struct {
	mod  *Module
	done []bool
}

func (c *constEval) constant(h ir.ConstantHandle) (Value, error) {
	m := c.mod
	if c.done[h] {
		return m.consts[h], nil
	}
	k := m.IR.Constants[h]
	var v Value
	var err error
	if int(k.Init) < len(m.IR.GlobalExpressions) {
		v, err = m.exprWith(m.IR.GlobalExpressions[k.Init].Kind, c)
	} else if sv, ok := k.Value.(ir.ScalarValue); ok {
		v = scalarBits(sv, m.inner(k.Type))
	} else {
		v, err = m.zeroValue(m.inner(k.Type))
	}
	if err != nil {
		return Value{}, err
	}
	if !k.IsAbstract && v.isPlain() {
		switch t := m.inner(k.Type).(type) {
		case ir.ScalarType:
			v = v.convert(scalarKind(t))
		case ir.VectorType:
			v = v.convert(scalarKind(t.Scalar))
		}
	}
	m.consts[h], c.done[h] = v, true
	return v, nil
}

// globalExpr evaluates a module-scope expression after construction.
func (m *Module) globalExpr(h ir.ExpressionHandle) (Value, error) {
	return m.exprWith(m.IR.GlobalExpressions[h].Kind, nil)
}

// exprWith evaluates a module-scope expression kind. During construction
// c resolves constants that have not been evaluated yet.
func (m *Module) exprWith(k ir.ExpressionKind, c *constEval) (Value, error) {
	operand := func(h ir.ExpressionHandle) (Value, error) {
		return m.exprWith(m.IR.GlobalExpressions[h].Kind, c)
	}
	if ref, ok := k.(ir.ExprConstant); ok && c != nil {
		return c.constant(ref.Constant)
	}
	return m.pure(k, operand)
}

// scalarBits decodes a constant stored as raw bits.
func scalarBits(sv ir.ScalarValue, t ir.TypeInner) Value {
	width := uint8(4)
	if st, ok := t.(ir.ScalarType); ok {
		width = st.Width
	}
	k := scalarKind(ir.ScalarType{Kind: sv.Kind, Width: width})
	v := Value{Kind: k}
	switch k {
	case ScalarF64, scalarAbstractFloat:
		v.c[0].f = math.Float64frombits(sv.Bits)
	case ScalarF32:
		v.c[0].f = float64(math.Float32frombits(uint32(sv.Bits)))
	case ScalarF16:
		v.c[0].f = float64(float16.Frombits(uint16(sv.Bits)).Float32())
	default:
		v.c[0].i = int64(sv.Bits)
	}
	return v.normalize()
}

// pure evaluates the expression kinds that depend only on their operands.
func (m *Module) pure(k ir.ExpressionKind, operand func(ir.ExpressionHandle) (Value, error)) (Value, error) {
	switch k := k.(type) {
	case ir.Literal:
		return literal(k.Value)

	case ir.ExprConstant:
		return m.consts[k.Constant], nil

	case ir.ExprOverride:
		o := m.IR.Overrides[k.Override]
		if o.Init == nil {
			return Value{}, fmt.Errorf("override %q has no value", o.Name)
		}
		return m.globalExpr(*o.Init)

	case ir.ExprZeroValue:
		return m.zeroValue(m.inner(k.Type))

	case ir.ExprCompose:
		comps := make([]Value, len(k.Components))
		for i, c := range k.Components {
			v, err := operand(c)
			if err != nil {
				return Value{}, err
			}
			comps[i] = v
		}
		return m.compose(m.inner(k.Type), comps)

	case ir.ExprAccess:
		base, err := operand(k.Base)
		if err != nil {
			return Value{}, err
		}
		idx, err := operand(k.Index)
		if err != nil {
			return Value{}, err
		}
		return m.index(base, idx.Int())

	case ir.ExprAccessIndex:
		base, err := operand(k.Base)
		if err != nil {
			return Value{}, err
		}
		return m.index(base, int64(k.Index))

	case ir.ExprSplat:
		v, err := operand(k.Value)
		if err != nil {
			return Value{}, err
		}
		return v.splat(int(k.Size)), nil

	case ir.ExprSwizzle:
		v, err := operand(k.Vector)
		if err != nil {
			return Value{}, err
		}
		if !v.isPlain() || v.Len == 0 {
			return Value{}, fmt.Errorf("cannot swizzle %s", v)
		}
		out := Value{Kind: v.Kind, Len: int(k.Size)}
		for i := 0; i < out.Len; i++ {
			out.c[i] = v.c[k.Pattern[i]]
		}
		return out, nil

	case ir.ExprUnary:
		v, err := operand(k.Expr)
		if err != nil {
			return Value{}, err
		}
		return unaryOp(k.Op, v)

	case ir.ExprBinary:
		x, err := operand(k.Left)
		if err != nil {
			return Value{}, err
		}
		y, err := operand(k.Right)
		if err != nil {
			return Value{}, err
		}
		return binaryOp(k.Op, x, y)

	case ir.ExprSelect:
		cond, err := operand(k.Condition)
		if err != nil {
			return Value{}, err
		}
		accept, err := operand(k.Accept)
		if err != nil {
			return Value{}, err
		}
		reject, err := operand(k.Reject)
		if err != nil {
			return Value{}, err
		}
		return selectValue(reject, accept, cond)

	case ir.ExprRelational:
		v, err := operand(k.Argument)
		if err != nil {
			return Value{}, err
		}
		return relational(k.Fun, v)

	case ir.ExprMath:
		args := []Value{}
		for _, h := range []*ir.ExpressionHandle{&k.Arg, k.Arg1, k.Arg2, k.Arg3} {
			if h == nil {
				break
			}
			v, err := operand(*h)
			if err != nil {
				return Value{}, err
			}
			args = append(args, v)
		}
		return mathFn(k.Fun, args)

	case ir.ExprAs:
		v, err := operand(k.Expr)
		if err != nil {
			return Value{}, err
		}
		if k.Convert != nil {
			kind := scalarKind(ir.ScalarType{Kind: k.Kind, Width: *k.Convert})
			if kind == ScalarInvalid || !v.isPlain() {
				return Value{}, fmt.Errorf("cannot convert %s", v)
			}
			return v.convert(kind), nil
		}
		return bitcast(k.Kind, v)
	}
	return Value{}, fmt.Errorf("unsupported expression %T", k)
}

func literal(l ir.LiteralValue) (Value, error) {
	switch l := l.(type) {
	case ir.LiteralBool:
		return BoolValue(bool(l)), nil
	case ir.LiteralI32:
		return I32Value(int32(l)), nil
	case ir.LiteralU32:
		return U32Value(uint32(l)), nil
	case ir.LiteralF16:
		return Value{Kind: ScalarF16, c: [4]component{{f: float64(l)}}}.normalize(), nil
	case ir.LiteralF32:
		return F32Value(float32(l)), nil
	case ir.LiteralF64:
		return F64Value(float64(l)), nil
	case ir.LiteralAbstractInt:
		return Value{Kind: scalarAbstractInt, c: [4]component{{i: int64(l)}}}, nil
	case ir.LiteralAbstractFloat:
		return Value{Kind: scalarAbstractFloat, c: [4]component{{f: float64(l)}}}, nil
	}
	return Value{}, fmt.Errorf("unsupported literal %T", l)
}

// compose builds a value of type t from its components.
func (m *Module) compose(t ir.TypeInner, comps []Value) (Value, error) {
	switch t := t.(type) {
	case ir.ScalarType:
		if len(comps) != 1 || !comps[0].isPlain() {
			return Value{}, errors.New("scalar constructor expects one scalar")
		}
		return comps[0].convert(scalarKind(t)), nil

	case ir.VectorType:
		kind := scalarKind(t.Scalar)
		out := Value{Kind: kind, Len: int(t.Size)}
		n := 0
		for _, c := range comps {
			if !c.isPlain() {
				return Value{}, fmt.Errorf("cannot use %s in a vector constructor", c)
			}
			for i := 0; i < c.lanes(); i++ {
				if n == out.Len {
					return Value{}, fmt.Errorf("too many components for vec%d", out.Len)
				}
				out.c[n] = c.lane(i).convert(kind).c[0]
				n++
			}
		}
		if n != out.Len {
			return Value{}, fmt.Errorf("vec%d needs %d components, got %d", out.Len, out.Len, n)
		}
		return out, nil

	case ir.ArrayType, ir.StructType, ir.MatrixType:
		v, err := m.zeroValue(t)
		if err != nil {
			return Value{}, err
		}
		whole := &pointer{mem: v.mem, ty: t}
		for i, c := range comps {
			p, err := m.element(whole, int64(i))
			if err != nil {
				return Value{}, err
			}
			if err := m.storePtr(p, c); err != nil {
				return Value{}, fmt.Errorf("component %d: %w", i, err)
			}
		}
		return v, nil
	}
	return Value{}, fmt.Errorf("cannot construct %T", t)
}

// index selects element i of a pointer, composite or vector value.
func (m *Module) index(base Value, i int64) (Value, error) {
	switch {
	case base.ptr != nil:
		p, err := m.element(base.ptr, i)
		if err != nil {
			return Value{}, err
		}
		return Value{ptr: p}, nil
	case base.ty != nil:
		p, err := m.element(&pointer{mem: base.mem, ty: base.ty}, i)
		if err != nil {
			return Value{}, err
		}
		return m.loadPtr(p)
	case base.Len > 0:
		if i < 0 || i >= int64(base.Len) {
			return Value{Kind: base.Kind}, nil
		}
		return base.lane(int(i)), nil
	}
	return Value{}, fmt.Errorf("cannot index %s", base)
}
