package compute

import (
	"cmp"
	"encoding/binary"
	"fmt"
	"math"
	"runtime"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/gogpu/compute/backend"
)

// Vars maps binding names to the values bound for one dispatch.
//
// Storage bindings accept a *Buffer, a *Tensor or any ExternalTensor.
// Uniform bindings additionally accept a Go scalar (float32, float64,
// int32, uint32 or bool) when the uniform is a single scalar, or a []byte
// of exactly the uniform size.
type Vars map[string]any

// Kernel is a dispatchable entry point of a Program. Dispatches on one
// Kernel are serialized.
type Kernel struct {
	dev     *Device
	program *Program
	entry   *EntryPoint
	id      uint64

	released atomic.Bool
	cleanup  runtime.Cleanup

	mu sync.Mutex
}

// CreateComputeKernel binds an entry point of program. Without an entry
// name the program's first entry point is used.
func (d *Device) CreateComputeKernel(program *Program, entryPoint ...string) (*Kernel, error) {
	const op = "CreateComputeKernel"
	if program == nil || program.dev != d {
		return nil, newError(op, ErrBinding, "program does not belong to this device")
	}
	if len(entryPoint) > 1 {
		return nil, newError(op, ErrBinding, "at most one entry point, got %d", len(entryPoint))
	}
	d.mu.Lock()
	err := d.checkOpenLocked(op)
	d.mu.Unlock()
	if err != nil {
		return nil, err
	}

	entry := program.entries[0]
	if len(entryPoint) == 1 {
		e, ok := program.EntryPoint(entryPoint[0])
		if !ok {
			return nil, newError(op, ErrBinding, "%s: no entry point %q", program.name, entryPoint[0])
		}
		entry = e
	}
	if err := d.retainProgram(program); err != nil {
		return nil, &Error{Op: op, Kind: ErrBinding, Err: err}
	}
	k := &Kernel{dev: d, program: program, entry: entry, id: d.nextID.Add(1)}
	k.cleanup = runtime.AddCleanup(k, d.releaseProgram, program)
	Logger().Debug("kernel created", "program", program.name, "entry", entry.Name, "workgroup", entry.WorkgroupSize)
	return k, nil
}

// Release drops the kernel's hold on its program, letting an evicted
// program be destroyed. A released kernel can no longer be dispatched and
// must not be released while a dispatch using it is running. Kernels that
// become unreachable are released automatically. Release is idempotent.
func (k *Kernel) Release() {
	if k.released.Swap(true) {
		return
	}
	k.cleanup.Stop()
	k.dev.releaseProgram(k.program)
}

// Program returns the kernel's program.
func (k *Kernel) Program() *Program { return k.program }

// EntryPoint returns the bound entry point.
func (k *Kernel) EntryPoint() *EntryPoint { return k.entry }

// Bindings returns the binding layout ordered by group and index.
func (k *Kernel) Bindings() []Binding { return slices.Clone(k.entry.Bindings) }

// Dispatch runs at least threads invocations per axis. The workgroup count
// per axis is the thread count divided by the workgroup size, rounded up.
// Dispatch returns once the device work and every external tensor
// write-back have completed.
func (k *Kernel) Dispatch(threads [3]uint32, vars Vars) error {
	const op = "Dispatch"
	groups, err := k.groupsFor(op, threads)
	if err != nil {
		return err
	}
	return k.run(op, groups, vars)
}

// DispatchThreadGroups runs the given number of workgroups per axis.
func (k *Kernel) DispatchThreadGroups(groups [3]uint32, vars Vars) error {
	return k.run("DispatchThreadGroups", groups, vars)
}

func (k *Kernel) run(op string, groups [3]uint32, vars Vars) error {
	plan, err := k.plan(op, groups, vars)
	if err != nil {
		return err
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.dev.submit(op, []step{{plan: plan}})
}

func (k *Kernel) groupsFor(op string, threads [3]uint32) ([3]uint32, error) {
	var groups [3]uint32
	for axis, n := range threads {
		if n == 0 {
			return groups, newError(op, ErrDispatch, "thread count %v: every axis must be at least 1", threads)
		}
		wg := max(k.entry.WorkgroupSize[axis], 1)
		g := (uint64(n) + uint64(wg) - 1) / uint64(wg)
		if g > math.MaxUint32 {
			g = math.MaxUint32
		}
		groups[axis] = uint32(g)
	}
	return groups, nil
}

func (k *Kernel) checkGroups(op string, groups [3]uint32) error {
	limit := k.dev.info.Limits.MaxWorkgroupsPerDimension
	for _, g := range groups {
		if g == 0 {
			return newError(op, ErrDispatch, "workgroup count %v: every axis must be at least 1", groups)
		}
		if g > limit {
			return newError(op, ErrDispatch, "workgroup count %v exceeds the device limit of %d per axis", groups, limit)
		}
	}
	return nil
}

// plan validates vars against the layout and records what to bind. Device
// memory is only touched when the plan is materialized at submission.
func (k *Kernel) plan(op string, groups [3]uint32, vars Vars) (*dispatchPlan, error) {
	if k.released.Load() {
		return nil, newError(op, ErrBinding, "%s: kernel was released", k.entry.Name)
	}
	if err := k.checkGroups(op, groups); err != nil {
		return nil, err
	}
	for name := range vars {
		if _, ok := k.entry.Binding(name); !ok {
			return nil, newError(op, ErrBinding, "%s has no binding %q", k.entry.Name, name)
		}
	}
	p := &dispatchPlan{kernel: k, groups: groups}
	for i := range k.entry.Bindings {
		b := &k.entry.Bindings[i]
		v, ok := vars[b.Name]
		if !ok {
			return nil, newError(op, ErrBinding, "%s: missing variable %q", k.entry.Name, b.Name)
		}
		r, err := k.dev.resolve(b, v)
		if err != nil {
			return nil, wrapError(op, ErrTypeMismatch, err)
		}
		p.resources = append(p.resources, r)
	}
	return p, nil
}

// resource is one resolved binding of a dispatch plan. Exactly one of buf,
// uniform and ext is set.
type resource struct {
	binding *Binding
	buf     *Buffer
	uniform []byte
	ext     ExternalTensor
	extSize int
}

func (d *Device) resolve(b *Binding, v any) (resource, error) {
	r := resource{binding: b}
	switch v := v.(type) {
	case *Buffer:
		r.buf = v
		return r, d.checkBuffer(b, v)
	case *Tensor:
		if v == nil {
			return r, newError("", ErrTypeMismatch, "%s: nil tensor", b.Name)
		}
		if v.buf != nil && v.buf.dev == d {
			if v.dtype != b.ElemType && b.ElemType != DataTypeUnknown {
				return r, newError("", ErrTypeMismatch, "%s: tensor of %s bound to %s elements", b.Name, v.dtype, b.ElemType)
			}
			r.buf = v.buf
			return r, d.checkBuffer(b, v.buf)
		}
		r.ext = v
	case ExternalTensor:
		r.ext = v
	case []byte:
		if b.Kind != BindingUniform || len(v) != b.Size {
			return r, newError("", ErrTypeMismatch, "%s: %d bytes bound to %s binding of %d bytes", b.Name, len(v), b.Kind, b.Size)
		}
		r.uniform = v
		return r, nil
	case nil:
		return r, newError("", ErrTypeMismatch, "%s: nil value", b.Name)
	default:
		data, err := scalarBytes(b, v)
		r.uniform = data
		return r, err
	}
	size, err := d.externalSize(b, r.ext)
	r.extSize = size
	return r, err
}

func (d *Device) checkBuffer(b *Binding, buf *Buffer) error {
	switch {
	case buf == nil:
		return newError("", ErrTypeMismatch, "%s: nil buffer", b.Name)
	case buf.dev != d:
		return newError("", ErrTypeMismatch, "%s: buffer %q belongs to another device", b.Name, buf.label)
	case buf.destroyed.Load():
		return newError("", ErrClosed, "%s: buffer %q was destroyed", b.Name, buf.label)
	case b.Kind == BindingUniform && buf.usage&BufferUsageUniform == 0:
		return newError("", ErrTypeMismatch, "%s: buffer %q lacks uniform usage", b.Name, buf.label)
	case b.Kind != BindingUniform && buf.usage&BufferUsageStorage == 0:
		return newError("", ErrTypeMismatch, "%s: buffer %q lacks storage usage", b.Name, buf.label)
	case buf.dtype != DataTypeUnknown && b.ElemType != DataTypeUnknown && buf.dtype != b.ElemType:
		return newError("", ErrTypeMismatch, "%s: buffer %q of %s bound to %s elements", b.Name, buf.label, buf.dtype, b.ElemType)
	case buf.size < b.Size:
		return newError("", ErrTypeMismatch, "%s: buffer %q of %d bytes is smaller than the %d byte binding", b.Name, buf.label, buf.size, b.Size)
	}
	return nil
}

// scalarBytes encodes a Go scalar for a single-scalar uniform.
func scalarBytes(b *Binding, v any) ([]byte, error) {
	var (
		dt   DataType
		bits uint64
	)
	switch v := v.(type) {
	case float32:
		dt, bits = Float32, uint64(math.Float32bits(v))
	case float64:
		dt, bits = Float64, math.Float64bits(v)
	case int32:
		dt, bits = Int32, uint64(uint32(v))
	case uint32:
		dt, bits = Uint32, uint64(v)
	case bool:
		dt = b.ElemType
		if dt != Uint32 && dt != Int32 {
			dt = Bool
		}
		if v {
			bits = 1
		}
	default:
		return nil, newError("", ErrTypeMismatch, "%s: unsupported value of type %T", b.Name, v)
	}
	if b.Kind != BindingUniform || !b.Scalar {
		return nil, newError("", ErrTypeMismatch, "%s: %T bound to %s binding", b.Name, v, b.Kind)
	}
	if dt != b.ElemType {
		return nil, newError("", ErrTypeMismatch, "%s: %T bound to a %s uniform", b.Name, v, b.ElemType)
	}
	out := make([]byte, dt.Size())
	switch dt.Size() {
	case 4:
		binary.LittleEndian.PutUint32(out, uint32(bits))
	case 8:
		binary.LittleEndian.PutUint64(out, bits)
	}
	return out, nil
}

// bindSize is the byte range of a buffer of size bytes bound to b.
// Runtime-sized arrays cover every whole element of the buffer.
func bindSize(b *Binding, size int) uint64 {
	if !b.RuntimeSized {
		return uint64(b.Size)
	}
	return uint64(size - size%b.Size)
}

// step is one recorded command. Dispatches carry a plan that is turned
// into a backend command at submission.
type step struct {
	cmd  backend.Command
	plan *dispatchPlan
}

type dispatchPlan struct {
	kernel    *Kernel
	groups    [3]uint32
	resources []resource
}

// materialized is a dispatch ready for the backend. after runs once the
// submission has completed; cleanup runs last, even on failure.
type materialized struct {
	cmd     backend.DispatchCommand
	after   []func() error
	cleanup []func()
}

// materialize uploads uniform values and attaches external tensors.
func (p *dispatchPlan) materialize(op string) (m materialized, err error) {
	k := p.kernel
	d := k.dev
	m.cmd = backend.DispatchCommand{Pipeline: k.entry.pipeline, Groups: p.groups}
	for _, r := range p.resources {
		b := r.binding
		bb := backend.BufferBinding{Key: b.global.Key()}
		switch {
		case r.buf != nil:
			if err := r.buf.checkLive(op); err != nil {
				return m, err
			}
			bb.Buffer = r.buf.raw
			bb.Size = bindSize(b, r.buf.size)

		case r.uniform != nil:
			raw, err := d.dev.CreateBuffer("uniform:"+b.Name, uint64(len(r.uniform)))
			if err != nil {
				return m, &Error{Op: op, Kind: ErrAllocation, Err: fmt.Errorf("%s: %w", b.Name, err)}
			}
			m.cleanup = append(m.cleanup, raw.Destroy)
			if err := raw.Write(0, r.uniform); err != nil {
				return m, &Error{Op: op, Kind: ErrDispatch, Err: fmt.Errorf("%s: %w", b.Name, err)}
			}
			bb.Buffer = raw
			bb.Size = uint64(len(r.uniform))

		default:
			raw, after, err := d.attachExternal(b, r.ext, r.extSize)
			if err != nil {
				return m, wrapError(op, ErrDispatch, err)
			}
			m.cleanup = append(m.cleanup, raw.Destroy)
			if after != nil {
				m.after = append(m.after, after)
			}
			bb.Buffer = raw
			bb.Size = bindSize(b, r.extSize)
		}
		m.cmd.Bindings = append(m.cmd.Bindings, bb)
	}
	return m, nil
}

// lockKernels locks the distinct kernels of steps in creation order and
// returns the unlock function.
func lockKernels(steps []step) func() {
	var ks []*Kernel
	for _, s := range steps {
		if s.plan != nil && !slices.Contains(ks, s.plan.kernel) {
			ks = append(ks, s.plan.kernel)
		}
	}
	slices.SortFunc(ks, func(a, b *Kernel) int { return cmp.Compare(a.id, b.id) })
	for _, k := range ks {
		k.mu.Lock()
	}
	return func() {
		for _, k := range ks {
			k.mu.Unlock()
		}
	}
}
