package wgsl

import (
	"cmp"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/gogpu/naga"
	"github.com/gogpu/naga/ir"
)

// Space is the address space of a module-scope variable.
type Space uint8

// Address spaces.
const (
	SpaceFunction Space = iota
	SpacePrivate
	SpaceWorkgroup
	SpaceUniform
	SpaceStorage
	SpaceOther
)

func spaceOf(s ir.AddressSpace) Space {
	switch s {
	case ir.SpaceFunction:
		return SpaceFunction
	case ir.SpacePrivate:
		return SpacePrivate
	case ir.SpaceWorkGroup:
		return SpaceWorkgroup
	case ir.SpaceUniform:
		return SpaceUniform
	case ir.SpaceStorage:
		return SpaceStorage
	default:
		return SpaceOther
	}
}

// Module is a lowered WGSL module with its reflected resources. A Module
// is immutable after Parse and safe for concurrent Run calls.
type Module struct {
	// IR is the naga module. Backends generate code from it.
	IR *ir.Module

	// Globals holds every module-scope variable in declaration order.
	Globals []*Global

	entries []*EntryPoint
	consts  []Value
}

// Global is a module-scope variable.
type Global struct {
	Name      string
	Group     int
	Binding   int
	Space     Space
	ReadWrite bool
	Type      *Type

	handle ir.GlobalVariableHandle
	bound  bool
}

// IsResource reports whether g is a uniform or storage buffer binding.
func (g *Global) IsResource() bool {
	return g.bound && (g.Space == SpaceUniform || g.Space == SpaceStorage)
}

// EntryPoint is a compute entry point.
type EntryPoint struct {
	Name          string
	WorkgroupSize [3]uint32

	index int
}

// BindingKey addresses a resource by bind group and binding index.
type BindingKey struct {
	Group   int
	Binding int
}

func (k BindingKey) String() string { return fmt.Sprintf("@group(%d) @binding(%d)", k.Group, k.Binding) }

// Key returns the binding key of a resource global.
func (g *Global) Key() BindingKey { return BindingKey{Group: g.Group, Binding: g.Binding} }

// Parse parses, lowers and validates WGSL source with naga.
func Parse(source string) (*Module, error) {
	ast, err := naga.Parse(source)
	if err != nil {
		return nil, err
	}
	mod, err := naga.LowerWithSource(ast, source)
	if err != nil {
		return nil, err
	}
	if err := validate(mod); err != nil {
		return nil, err
	}
	return newModule(mod)
}

// validate runs the naga validator. Two variables may share a binding
// slot as long as no single entry point uses both, which Bindings checks,
// so the module-wide duplicate check is skipped.
func validate(mod *ir.Module) error {
	verrs, err := naga.Validate(mod)
	if err != nil {
		return err
	}
	var errs []error
	for _, ve := range verrs {
		if strings.Contains(ve.Message, "duplicate binding @group") {
			continue
		}
		errs = append(errs, ve)
	}
	return errors.Join(errs...)
}

func newModule(mod *ir.Module) (*Module, error) {
	m := &Module{IR: mod}
	for i, gv := range mod.GlobalVariables {
		g := &Global{
			Name:      gv.Name,
			Space:     spaceOf(gv.Space),
			ReadWrite: gv.Space == ir.SpaceStorage && gv.Access == ir.StorageReadWrite,
			Type:      reflectType(mod, gv.Type),
			handle:    ir.GlobalVariableHandle(i),
		}
		if gv.Binding != nil {
			g.Group, g.Binding, g.bound = int(gv.Binding.Group), int(gv.Binding.Binding), true
		}
		m.Globals = append(m.Globals, g)
	}
	for i, ep := range mod.EntryPoints {
		if ep.Stage != ir.StageCompute {
			continue
		}
		m.entries = append(m.entries, &EntryPoint{Name: ep.Name, WorkgroupSize: ep.Workgroup, index: i})
	}

	m.consts = make([]Value, len(mod.Constants))
	ce := &constEval{mod: m, done: make([]bool, len(mod.Constants))}
	for h := range mod.Constants {
		if _, err := ce.constant(ir.ConstantHandle(h)); err != nil {
			return nil, fmt.Errorf("const %s: %w", mod.Constants[h].Name, err)
		}
	}
	return m, nil
}

// EntryPoints returns the compute entry points in source order.
func (m *Module) EntryPoints() []*EntryPoint { return m.entries }

// EntryPoint returns the named compute entry point or nil.
func (m *Module) EntryPoint(name string) *EntryPoint {
	for _, e := range m.entries {
		if e.Name == name {
			return e
		}
	}
	return nil
}

// Global returns the named module-scope variable or nil.
func (m *Module) Global(name string) *Global {
	for _, g := range m.Globals {
		if g.Name == name {
			return g
		}
	}
	return nil
}

func (m *Module) function(e *EntryPoint) *ir.Function { return &m.IR.EntryPoints[e.index].Function }

// UsesScalar reports whether any type in the module has the given scalar
// kind.
func (m *Module) UsesScalar(kind ScalarKind) bool {
	for _, t := range m.IR.Types {
		var s ir.ScalarType
		switch inner := t.Inner.(type) {
		case ir.ScalarType:
			s = inner
		case ir.VectorType:
			s = inner.Scalar
		case ir.MatrixType:
			s = inner.Scalar
		case ir.AtomicType:
			s = inner.Scalar
		default:
			continue
		}
		if scalarKind(s) == kind {
			return true
		}
	}
	return false
}

// usage is what an entry point reaches through its call graph.
type usage struct {
	globals  map[ir.GlobalVariableHandle]bool
	barriers bool
}

func (m *Module) usage(e *EntryPoint) usage {
	u := usage{globals: make(map[ir.GlobalVariableHandle]bool)}
	visited := make(map[ir.FunctionHandle]bool)
	var visit func(fn *ir.Function)
	visit = func(fn *ir.Function) {
		for _, expr := range fn.Expressions {
			switch k := expr.Kind.(type) {
			case ir.ExprGlobalVariable:
				u.globals[k.Variable] = true
			case ir.ExprCallResult:
				if !visited[k.Function] {
					visited[k.Function] = true
					visit(&m.IR.Functions[k.Function])
				}
			}
		}
		walkBlock(fn.Body, func(s ir.Statement) {
			switch k := s.Kind.(type) {
			case ir.StmtCall:
				if !visited[k.Function] {
					visited[k.Function] = true
					visit(&m.IR.Functions[k.Function])
				}
			case ir.StmtBarrier, ir.StmtWorkGroupUniformLoad:
				u.barriers = true
			}
		})
	}
	visit(m.function(e))
	return u
}

// walkBlock calls fn for every statement in b, depth first.
func walkBlock(b ir.Block, fn func(ir.Statement)) {
	for _, s := range b {
		fn(s)
		switch k := s.Kind.(type) {
		case ir.StmtBlock:
			walkBlock(k.Block, fn)
		case ir.StmtIf:
			walkBlock(k.Accept, fn)
			walkBlock(k.Reject, fn)
		case ir.StmtSwitch:
			for _, c := range k.Cases {
				walkBlock(c.Body, fn)
			}
		case ir.StmtLoop:
			walkBlock(k.Body, fn)
			walkBlock(k.Continuing, fn)
		}
	}
}

// Bindings returns the resource globals statically used by the entry point
// and the functions it calls, ordered by group and binding.
func (m *Module) Bindings(entry string) ([]*Global, error) {
	e := m.EntryPoint(entry)
	if e == nil {
		return nil, fmt.Errorf("no compute entry point named %q", entry)
	}
	used := m.usage(e).globals
	var res []*Global
	seen := make(map[BindingKey]*Global)
	for _, g := range m.Globals {
		if !used[g.handle] || !g.IsResource() {
			continue
		}
		if prev, dup := seen[g.Key()]; dup {
			return nil, fmt.Errorf("%s: %s is used by both %q and %q", entry, g.Key(), prev.Name, g.Name)
		}
		seen[g.Key()] = g
		res = append(res, g)
	}
	slices.SortFunc(res, func(a, b *Global) int {
		return cmp.Or(cmp.Compare(a.Group, b.Group), cmp.Compare(a.Binding, b.Binding))
	})
	return res, nil
}

// Interpretable reports whether the entry point can run on the host
// interpreter. Workgroup memory and barriers need invocations of a
// workgroup to run concurrently, which the interpreter does not do.
func (m *Module) Interpretable(entry string) error {
	e := m.EntryPoint(entry)
	if e == nil {
		return fmt.Errorf("no compute entry point named %q", entry)
	}
	u := m.usage(e)
	for _, g := range m.Globals {
		if !u.globals[g.handle] {
			continue
		}
		switch g.Space {
		case SpaceWorkgroup:
			return fmt.Errorf("%s: workgroup variable %q is not supported by the host interpreter", entry, g.Name)
		case SpaceOther:
			return fmt.Errorf("%s: %q is not a buffer and is not supported by the host interpreter", entry, g.Name)
		}
	}
	if u.barriers {
		return fmt.Errorf("%s: barriers are not supported by the host interpreter", entry)
	}
	return nil
}
