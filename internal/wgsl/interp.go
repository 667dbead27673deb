package wgsl

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/gogpu/naga/ir"
)

// Executor runs a batch of independent tasks and returns once all of them
// have completed. A nil Executor runs tasks sequentially.
type Executor interface {
	ExecuteAll(tasks []func())
}

// Dispatch describes one execution of a compute entry point.
type Dispatch struct {
	Entry     string
	Groups    [3]uint32
	Resources map[BindingKey][]byte
}

// maxTasks bounds how many tasks a dispatch hands to the executor.
const maxTasks = 256

const maxCallDepth = 64

var errStopped = errors.New("dispatch stopped")

// Run executes the entry point over every workgroup of the dispatch.
// Workgroups run as independent tasks; invocations within a workgroup run
// in local index order. Storage writes land directly in the resource bytes.
func (m *Module) Run(ctx context.Context, d Dispatch, exec Executor) error {
	e := m.EntryPoint(d.Entry)
	if e == nil {
		return fmt.Errorf("no compute entry point named %q", d.Entry)
	}
	if err := m.Interpretable(d.Entry); err != nil {
		return err
	}
	bindings, err := m.Bindings(d.Entry)
	if err != nil {
		return err
	}
	for _, g := range bindings {
		data, ok := d.Resources[g.Key()]
		if !ok {
			return fmt.Errorf("no resource bound to %q at %s", g.Name, g.Key())
		}
		if g.Type.Kind != TypeArray || g.Type.Len != 0 {
			if len(data) < g.Type.Size() {
				return fmt.Errorf("resource for %q is %d bytes, need %d", g.Name, len(data), g.Type.Size())
			}
		}
	}

	total := uint64(d.Groups[0]) * uint64(d.Groups[1]) * uint64(d.Groups[2])
	if total == 0 {
		return nil
	}
	r := &run{mod: m, entry: e, fn: m.function(e), ctx: ctx, groups: d.Groups, resources: d.Resources}

	chunks := min(total, maxTasks)
	per := (total + chunks - 1) / chunks
	tasks := make([]func(), 0, chunks)
	for start := uint64(0); start < total; start += per {
		start, end := start, min(start+per, total)
		tasks = append(tasks, func() {
			for g := start; g < end; g++ {
				if r.stopped.Load() {
					return
				}
				if err := r.workgroup(g); err != nil {
					r.fail(err)
					return
				}
			}
		})
	}
	if exec == nil {
		for _, t := range tasks {
			t()
		}
	} else {
		exec.ExecuteAll(tasks)
	}
	return r.err
}

// run is the shared state of one dispatch.
type run struct {
	mod       *Module
	entry     *EntryPoint
	fn        *ir.Function
	ctx       context.Context
	groups    [3]uint32
	resources map[BindingKey][]byte

	atomicMu sync.Mutex
	stopped  atomic.Bool
	errMu    sync.Mutex
	err      error
}

func (r *run) fail(err error) {
	r.errMu.Lock()
	if r.err == nil && !errors.Is(err, errStopped) {
		r.err = err
	}
	r.errMu.Unlock()
	r.stopped.Store(true)
}

func (r *run) workgroup(flat uint64) error {
	if err := r.ctx.Err(); err != nil {
		return err
	}
	gx, gy := uint64(r.groups[0]), uint64(r.groups[1])
	wg := [3]uint32{uint32(flat % gx), uint32(flat / gx % gy), uint32(flat / (gx * gy))}
	size := r.entry.WorkgroupSize

	in := &invocation{mod: r.mod, run: r}
	for lz := uint32(0); lz < size[2]; lz++ {
		for ly := uint32(0); ly < size[1]; ly++ {
			for lx := uint32(0); lx < size[0]; lx++ {
				local := [3]uint32{lx, ly, lz}
				ids := map[ir.BuiltinValue]Value{
					ir.BuiltinGlobalInvocationID:   uvec3(wg[0]*size[0]+lx, wg[1]*size[1]+ly, wg[2]*size[2]+lz),
					ir.BuiltinLocalInvocationID:    uvec3(lx, ly, lz),
					ir.BuiltinWorkGroupID:          uvec3(wg[0], wg[1], wg[2]),
					ir.BuiltinNumWorkGroups:        uvec3(r.groups[0], r.groups[1], r.groups[2]),
					ir.BuiltinLocalInvocationIndex: U32Value(lz*size[0]*size[1] + ly*size[0] + lx),
					ir.BuiltinSubgroupSize:         U32Value(1),
					ir.BuiltinSubgroupInvocationID: U32Value(0),
				}
				args, err := in.entryArgs(r.fn, ids)
				if err == nil {
					in.private = nil
					_, err = in.call(r.fn, args)
				}
				if err != nil {
					return fmt.Errorf("%s: workgroup %v, local %v: %w", r.entry.Name, wg, local, err)
				}
			}
		}
	}
	return nil
}

// entryArgs builds the entry point arguments from builtin values. Struct
// arguments are assembled from their members' builtins.
func (in *invocation) entryArgs(fn *ir.Function, ids map[ir.BuiltinValue]Value) ([]Value, error) {
	builtin := func(b *ir.Binding) (Value, error) {
		if b != nil {
			if bb, ok := (*b).(ir.BuiltinBinding); ok {
				if v, ok := ids[bb.Builtin]; ok {
					return v, nil
				}
			}
		}
		return Value{}, errors.New("unsupported entry point input")
	}
	args := make([]Value, len(fn.Arguments))
	for i, a := range fn.Arguments {
		if st, ok := in.mod.inner(a.Type).(ir.StructType); ok {
			comps := make([]Value, len(st.Members))
			for j, mem := range st.Members {
				v, err := builtin(mem.Binding)
				if err != nil {
					return nil, fmt.Errorf("%s.%s: %w", a.Name, mem.Name, err)
				}
				comps[j] = v
			}
			v, err := in.mod.compose(st, comps)
			if err != nil {
				return nil, err
			}
			args[i] = v
			continue
		}
		v, err := builtin(a.Binding)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", a.Name, err)
		}
		args[i] = v
	}
	return args, nil
}

// invocation evaluates code for a single shader invocation.
type invocation struct {
	mod     *Module
	run     *run
	private map[ir.GlobalVariableHandle]*pointer
	depth   int
	steps   uint32
}

// frame is one function activation. Expression results are cached in vals
// once a statement emits them.
type frame struct {
	fn     *ir.Function
	args   []Value
	locals [][]byte
	vals   []Value
	have   []bool
	ret    Value
}

type flow uint8

const (
	flowNext flow = iota
	flowBreak
	flowContinue
	flowReturn
)

func (in *invocation) call(fn *ir.Function, args []Value) (Value, error) {
	if in.depth >= maxCallDepth {
		return Value{}, errors.New("call depth limit exceeded")
	}
	in.depth++
	defer func() { in.depth-- }()

	f := &frame{
		fn:     fn,
		args:   args,
		locals: make([][]byte, len(fn.LocalVars)),
		vals:   make([]Value, len(fn.Expressions)),
		have:   make([]bool, len(fn.Expressions)),
	}
	for i, lv := range fn.LocalVars {
		t := in.mod.inner(lv.Type)
		f.locals[i] = make([]byte, in.mod.sizeOf(t, 0))
		if lv.Init == nil {
			continue
		}
		v, err := in.value(f, *lv.Init)
		if err != nil {
			return Value{}, fmt.Errorf("var %s: %w", lv.Name, err)
		}
		if err := in.mod.storePtr(&pointer{mem: f.locals[i], ty: t}, v); err != nil {
			return Value{}, fmt.Errorf("var %s: %w", lv.Name, err)
		}
	}
	if _, err := in.block(f, fn.Body); err != nil {
		if fn.Name != "" && in.depth > 1 {
			return Value{}, fmt.Errorf("%s: %w", fn.Name, err)
		}
		return Value{}, err
	}
	return f.ret, nil
}

func (in *invocation) block(f *frame, b ir.Block) (flow, error) {
	for _, s := range b {
		fl, err := in.stmt(f, s)
		if err != nil || fl != flowNext {
			return fl, err
		}
	}
	return flowNext, nil
}

// tick bounds the time between cancellation checks in loops.
func (in *invocation) tick() error {
	in.steps++
	if in.steps&0xffff != 0 {
		return nil
	}
	if in.run.stopped.Load() {
		return errStopped
	}
	return in.run.ctx.Err()
}

func (in *invocation) stmt(f *frame, s ir.Statement) (flow, error) {
	switch k := s.Kind.(type) {
	case ir.StmtEmit:
		for h := k.Range.Start; h < k.Range.End; h++ {
			v, err := in.compute(f, h)
			if err != nil {
				return flowNext, err
			}
			f.vals[h], f.have[h] = v, true
		}
		return flowNext, nil

	case ir.StmtBlock:
		return in.block(f, k.Block)

	case ir.StmtIf:
		cond, err := in.value(f, k.Condition)
		if err != nil {
			return flowNext, err
		}
		if cond.Bool() {
			return in.block(f, k.Accept)
		}
		return in.block(f, k.Reject)

	case ir.StmtSwitch:
		return in.switchStmt(f, k)

	case ir.StmtLoop:
		for {
			if err := in.tick(); err != nil {
				return flowNext, err
			}
			fl, err := in.block(f, k.Body)
			if err != nil || fl == flowReturn {
				return fl, err
			}
			if fl == flowBreak {
				return flowNext, nil
			}
			fl, err = in.block(f, k.Continuing)
			if err != nil || fl == flowReturn {
				return fl, err
			}
			if k.BreakIf != nil {
				cond, err := in.value(f, *k.BreakIf)
				if err != nil {
					return flowNext, err
				}
				if cond.Bool() {
					return flowNext, nil
				}
			}
		}

	case ir.StmtBreak:
		return flowBreak, nil

	case ir.StmtContinue:
		return flowContinue, nil

	case ir.StmtReturn:
		if k.Value != nil {
			v, err := in.value(f, *k.Value)
			if err != nil {
				return flowNext, err
			}
			f.ret = v
		}
		return flowReturn, nil

	case ir.StmtStore:
		p, err := in.pointer(f, k.Pointer)
		if err != nil {
			return flowNext, err
		}
		v, err := in.value(f, k.Value)
		if err != nil {
			return flowNext, err
		}
		return flowNext, in.mod.storePtr(p, v)

	case ir.StmtAtomic:
		return flowNext, in.atomic(f, k)

	case ir.StmtCall:
		args := make([]Value, len(k.Arguments))
		for i, a := range k.Arguments {
			v, err := in.value(f, a)
			if err != nil {
				return flowNext, err
			}
			args[i] = v
		}
		ret, err := in.call(&in.mod.IR.Functions[k.Function], args)
		if err != nil {
			return flowNext, err
		}
		if k.Result != nil {
			f.vals[*k.Result], f.have[*k.Result] = ret, true
		}
		return flowNext, nil

	case ir.StmtBarrier, ir.StmtWorkGroupUniformLoad:
		return flowNext, errors.New("barriers are not supported by the host interpreter")
	}
	return flowNext, fmt.Errorf("unsupported statement %T", s.Kind)
}

func (in *invocation) switchStmt(f *frame, k ir.StmtSwitch) (flow, error) {
	sel, err := in.value(f, k.Selector)
	if err != nil {
		return flowNext, err
	}
	start, def := -1, -1
	for i, c := range k.Cases {
		switch v := c.Value.(type) {
		case ir.SwitchValueI32:
			if int64(v) == sel.c[0].i {
				start = i
			}
		case ir.SwitchValueU32:
			if int64(v) == sel.c[0].i {
				start = i
			}
		case ir.SwitchValueDefault:
			def = i
		}
		if start >= 0 {
			break
		}
	}
	if start < 0 {
		start = def
	}
	if start < 0 {
		return flowNext, nil
	}
	for _, c := range k.Cases[start:] {
		fl, err := in.block(f, c.Body)
		if err != nil {
			return flowNext, err
		}
		switch fl {
		case flowBreak:
			return flowNext, nil
		case flowContinue, flowReturn:
			return fl, nil
		}
		if !c.FallThrough {
			break
		}
	}
	return flowNext, nil
}

// atomic performs a read-modify-write under the dispatch-wide atomic lock.
func (in *invocation) atomic(f *frame, k ir.StmtAtomic) error {
	p, err := in.pointer(f, k.Pointer)
	if err != nil {
		return err
	}
	var v Value
	if _, isLoad := k.Fun.(ir.AtomicLoad); !isLoad {
		if v, err = in.value(f, k.Value); err != nil {
			return err
		}
	}
	var cmpVal *Value
	if x, ok := k.Fun.(ir.AtomicExchange); ok && x.Compare != nil {
		c, err := in.value(f, *x.Compare)
		if err != nil {
			return err
		}
		cmpVal = &c
	}

	in.run.atomicMu.Lock()
	old, err := in.mod.loadPtr(p)
	if err == nil {
		var next Value
		var write bool
		next, write, err = atomicOp(k.Fun, old, v, cmpVal)
		if err == nil && write {
			err = in.mod.storePtr(p, next)
		}
	}
	in.run.atomicMu.Unlock()
	if err != nil || k.Result == nil {
		return err
	}

	res := old
	if cmpVal != nil {
		rt, ok := f.fn.Expressions[*k.Result].Kind.(ir.ExprAtomicResult)
		if !ok {
			return errors.New("compare-exchange result is not an atomic result")
		}
		exchanged := BoolValue(old.c[0].i == cmpVal.convert(old.Kind).c[0].i)
		if res, err = in.mod.compose(in.mod.inner(rt.Ty), []Value{old, exchanged}); err != nil {
			return err
		}
	}
	f.vals[*k.Result], f.have[*k.Result] = res, true
	return nil
}
