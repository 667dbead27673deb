package compute

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"github.com/gogpu/compute/backend"
	"github.com/gogpu/compute/internal/wgsl"
)

// BindingKind is the access class of a shader binding.
type BindingKind uint8

// Binding kinds.
const (
	BindingStorageRead BindingKind = iota
	BindingStorageReadWrite
	BindingUniform
)

func (k BindingKind) String() string {
	switch k {
	case BindingStorageRead:
		return "storage-read"
	case BindingStorageReadWrite:
		return "storage-read-write"
	case BindingUniform:
		return "uniform"
	default:
		return fmt.Sprintf("BindingKind(%d)", k)
	}
}

// Binding is one resource an entry point uses.
type Binding struct {
	Name  string
	Group int
	Index int
	Kind  BindingKind
	// ElemType is the scalar type of the elements, or DataTypeUnknown for
	// struct-typed uniforms.
	ElemType DataType
	// Size is the byte size of the resource. For runtime-sized arrays it is
	// the size of one element.
	Size         int
	RuntimeSized bool

	// Scalar is set for uniforms holding a single scalar.
	Scalar bool

	global *wgsl.Global
}

// Writable reports whether the shader may write the binding.
func (b *Binding) Writable() bool { return b.Kind == BindingStorageReadWrite }

// EntryPoint is a compute entry point with its binding layout, ordered by
// (group, index).
type EntryPoint struct {
	Name          string
	WorkgroupSize [3]uint32
	Bindings      []Binding

	pipeline backend.Pipeline
}

// Binding returns the binding named name.
func (e *EntryPoint) Binding(name string) (*Binding, bool) {
	for i := range e.Bindings {
		if e.Bindings[i].Name == name {
			return &e.Bindings[i], true
		}
	}
	return nil, false
}

// Program is a compiled WGSL module. It is immutable and cached per device
// by source digest, entry points and shader model.
//
// A program evicted from the cache stays alive while a kernel created from
// it is unreleased. Once the last such kernel is released its pipelines are
// destroyed and CreateComputeKernel rejects it; load the source again.
type Program struct {
	dev         *Device
	name        string
	digest      string
	shaderModel ShaderModel
	entries     []*EntryPoint

	// guarded by dev.mu
	kernels int
	evicted bool
	freed   bool

	destroyOnce sync.Once
}

// Name returns the resolved source path or the name given to
// LoadProgramFromSource.
func (p *Program) Name() string { return p.name }

// Digest returns the hex SHA-256 of the source.
func (p *Program) Digest() string { return p.digest }

// ShaderModel returns the model the program was compiled for.
func (p *Program) ShaderModel() ShaderModel { return p.shaderModel }

// EntryPoints returns the loaded entry points in load order.
func (p *Program) EntryPoints() []*EntryPoint { return slices.Clone(p.entries) }

// EntryPoint returns the named entry point.
func (p *Program) EntryPoint(name string) (*EntryPoint, bool) {
	for _, e := range p.entries {
		if e.Name == name {
			return e, true
		}
	}
	return nil, false
}

func (p *Program) destroy() {
	p.destroyOnce.Do(func() {
		for _, e := range p.entries {
			if e.pipeline != nil {
				e.pipeline.Destroy()
			}
		}
	})
}

// evictProgram runs when p leaves the cache. p is destroyed now if no
// kernel references it.
func (d *Device) evictProgram(p *Program) {
	d.mu.Lock()
	p.evicted = true
	free := d.freeProgramLocked(p)
	d.mu.Unlock()
	if free {
		p.destroy()
		Logger().Debug("evicted program destroyed", "program", p.name)
	}
}

// retainProgram records a new kernel of p.
func (d *Device) retainProgram(p *Program) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if p.freed {
		return fmt.Errorf("%s: program was evicted from the cache and destroyed", p.name)
	}
	p.kernels++
	return nil
}

// releaseProgram drops a kernel reference to p.
func (d *Device) releaseProgram(p *Program) {
	d.mu.Lock()
	p.kernels--
	free := d.freeProgramLocked(p)
	d.mu.Unlock()
	if free {
		p.destroy()
		Logger().Debug("released program destroyed", "program", p.name)
	}
}

// freeProgramLocked marks p freed once it is out of the cache and unused.
// Close destroys whatever is still owned, so a closed device frees nothing.
func (d *Device) freeProgramLocked(p *Program) bool {
	if d.closed || p.freed || !p.evicted || p.kernels > 0 {
		return false
	}
	p.freed = true
	delete(d.owned, p)
	return true
}

// LoadProgram reads a WGSL file and compiles the given entry points. A nil
// or empty entryPoints loads every compute entry point. Relative paths are
// tried in the working directory first, then in each include path.
func (d *Device) LoadProgram(path string, entryPoints []string) (*Program, error) {
	const op = "LoadProgram"
	resolved, err := d.resolvePath(path)
	if err != nil {
		return nil, &Error{Op: op, Kind: ErrCompile, Err: err}
	}
	src, err := os.ReadFile(resolved)
	if err != nil {
		return nil, &Error{Op: op, Kind: ErrCompile, Err: err}
	}
	p, err := d.loadSource(resolved, string(src), entryPoints)
	if err != nil {
		return nil, wrapError(op, ErrCompile, err)
	}
	return p, nil
}

// LoadProgramFromSource compiles WGSL source held in memory. name labels
// the program in errors and logs.
func (d *Device) LoadProgramFromSource(name, source string, entryPoints []string) (*Program, error) {
	p, err := d.loadSource(name, source, entryPoints)
	if err != nil {
		return nil, wrapError("LoadProgramFromSource", ErrCompile, err)
	}
	return p, nil
}

func (d *Device) resolvePath(path string) (string, error) {
	candidates := []string{path}
	if !filepath.IsAbs(path) {
		for _, dir := range d.cfg.IncludePaths {
			candidates = append(candidates, filepath.Join(dir, path))
		}
	}
	for _, c := range candidates {
		fi, err := os.Stat(c)
		if err == nil && !fi.IsDir() {
			return c, nil
		}
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			return "", err
		}
	}
	return "", fmt.Errorf("%s: not found in working directory or include paths %v", path, d.cfg.IncludePaths)
}

func programKey(source string, entryPoints []string, model ShaderModel) (key, digest string) {
	sum := sha256.Sum256([]byte(source))
	digest = hex.EncodeToString(sum[:])
	return digest + "|" + model.String() + "|" + strings.Join(entryPoints, ","), digest
}

func (d *Device) loadSource(name, source string, entryPoints []string) (*Program, error) {
	d.mu.Lock()
	err := d.checkOpenLocked("LoadProgram")
	d.mu.Unlock()
	if err != nil {
		return nil, err
	}

	model := d.cfg.ShaderModel.resolve()
	key, digest := programKey(source, entryPoints, model)
	return d.programs.GetOrCreate(key, func() (*Program, error) {
		p, err := d.compile(name, source, digest, entryPoints, model)
		if err != nil {
			return nil, err
		}
		d.mu.Lock()
		defer d.mu.Unlock()
		if d.closed {
			p.destroy()
			return nil, &Error{Op: "LoadProgram", Kind: ErrClosed}
		}
		d.owned[p] = struct{}{}
		return p, nil
	})
}

func (d *Device) compile(name, source, digest string, entryPoints []string, model ShaderModel) (*Program, error) {
	m, err := wgsl.Parse(source)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	if err := d.checkCapabilities(m, model); err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}

	if len(entryPoints) == 0 {
		for _, ep := range m.EntryPoints() {
			entryPoints = append(entryPoints, ep.Name)
		}
		if len(entryPoints) == 0 {
			return nil, fmt.Errorf("%s: no compute entry points", name)
		}
	}

	p := &Program{dev: d, name: name, digest: digest, shaderModel: model}
	for _, entry := range entryPoints {
		e, err := d.compileEntry(name, m, entry)
		if err != nil {
			p.destroy()
			return nil, err
		}
		p.entries = append(p.entries, e)
	}
	Logger().Debug("program loaded", "program", name, "entries", entryPoints, "model", model)
	return p, nil
}

func (d *Device) checkCapabilities(m *wgsl.Module, model ShaderModel) error {
	if m.UsesScalar(wgsl.ScalarF64) {
		if model == ShaderModelCore {
			return errors.New("f64 is not part of the core shader model")
		}
		if !d.info.SupportsFloat64 {
			return fmt.Errorf("f64 is not supported by the %s device", d.info.Type)
		}
	}
	if m.UsesScalar(wgsl.ScalarF16) && !d.info.SupportsFloat16 {
		return fmt.Errorf("f16 is not supported by the %s device", d.info.Type)
	}
	return nil
}

func (d *Device) compileEntry(name string, m *wgsl.Module, entry string) (*EntryPoint, error) {
	ep := m.EntryPoint(entry)
	if ep == nil {
		return nil, fmt.Errorf("%s: no compute entry point %q", name, entry)
	}
	size := ep.WorkgroupSize
	lim := d.info.Limits
	for axis, n := range size {
		if n > lim.MaxWorkgroupSize[axis] {
			return nil, fmt.Errorf("%s: %s: workgroup size %v exceeds device limit %v", name, entry, size, lim.MaxWorkgroupSize)
		}
	}
	if uint64(size[0])*uint64(size[1])*uint64(size[2]) > uint64(lim.MaxWorkgroupInvocations) {
		return nil, fmt.Errorf("%s: %s: workgroup size %v exceeds %d invocations", name, entry, size, lim.MaxWorkgroupInvocations)
	}

	globals, err := m.Bindings(entry)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	e := &EntryPoint{Name: entry, WorkgroupSize: size}
	for _, g := range globals {
		e.Bindings = append(e.Bindings, makeBinding(g))
	}

	e.pipeline, err = d.dev.CreatePipeline(backend.PipelineDesc{
		Label:      name + ":" + entry,
		Module:     m,
		EntryPoint: entry,
		Bindings:   globals,
	})
	if err != nil {
		return nil, fmt.Errorf("%s: %s: %w", name, entry, err)
	}
	return e, nil
}

func makeBinding(g *wgsl.Global) Binding {
	b := Binding{Name: g.Name, Group: g.Group, Index: g.Binding, global: g}
	switch {
	case g.Space == wgsl.SpaceUniform:
		b.Kind = BindingUniform
	case g.ReadWrite:
		b.Kind = BindingStorageReadWrite
	default:
		b.Kind = BindingStorageRead
	}
	t := g.Type
	if t.Kind == wgsl.TypeArray {
		b.RuntimeSized = t.Len == 0
		t = t.Elem
	}
	switch t.Kind {
	case wgsl.TypeScalar:
		b.Scalar = g.Type.Kind == wgsl.TypeScalar
		b.ElemType = dataTypeOfScalar(t.Scalar)
	case wgsl.TypeVector, wgsl.TypeAtomic:
		b.ElemType = dataTypeOfScalar(t.Scalar)
	}
	b.Size = g.Type.Size()
	return b
}
