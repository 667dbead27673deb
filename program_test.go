package compute

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestLoadProgram(t *testing.T) {
	dev := newCPUDevice(t)
	prog, err := dev.LoadProgram("testdata/add.wgsl", []string{"main"})
	if err != nil {
		t.Fatalf("LoadProgram() = %v", err)
	}
	if prog.Name() != "testdata/add.wgsl" || len(prog.Digest()) != 64 {
		t.Errorf("Name, Digest = %q, %q", prog.Name(), prog.Digest())
	}
	if prog.ShaderModel() != ShaderModelExtended {
		t.Errorf("ShaderModel() = %v, want extended", prog.ShaderModel())
	}

	entry, ok := prog.EntryPoint("main")
	if !ok {
		t.Fatal("entry point main missing")
	}
	if entry.WorkgroupSize != [3]uint32{32, 1, 1} {
		t.Errorf("WorkgroupSize = %v", entry.WorkgroupSize)
	}
	want := []struct {
		name  string
		index int
		kind  BindingKind
	}{
		{"a", 0, BindingStorageRead},
		{"b", 1, BindingStorageRead},
		{"c", 2, BindingStorageReadWrite},
	}
	if len(entry.Bindings) != len(want) {
		t.Fatalf("Bindings = %+v", entry.Bindings)
	}
	for i, w := range want {
		b := entry.Bindings[i]
		if b.Name != w.name || b.Index != w.index || b.Kind != w.kind {
			t.Errorf("binding %d = %s/%d/%v, want %s/%d/%v", i, b.Name, b.Index, b.Kind, w.name, w.index, w.kind)
		}
		if b.ElemType != Float32 || !b.RuntimeSized || b.Size != 4 {
			t.Errorf("binding %s: type %v runtime %v size %d", b.Name, b.ElemType, b.RuntimeSized, b.Size)
		}
	}
}

func TestLoadProgramAllEntryPoints(t *testing.T) {
	dev := newCPUDevice(t)
	prog, err := dev.LoadProgram("testdata/float64.wgsl", nil)
	if err != nil {
		t.Fatalf("LoadProgram() = %v", err)
	}
	var names []string
	for _, e := range prog.EntryPoints() {
		names = append(names, e.Name)
	}
	if len(names) != 2 || names[0] != "main_uav" || names[1] != "main_srv" {
		t.Errorf("entry points = %v, want [main_uav main_srv]", names)
	}
	srv, _ := prog.EntryPoint("main_srv")
	if srv.Bindings[0].Name != "buffer_srv" || srv.Bindings[0].Kind != BindingStorageRead {
		t.Errorf("main_srv binding 0 = %+v", srv.Bindings[0])
	}
}

func TestLoadProgramIncludePaths(t *testing.T) {
	dev := newCPUDevice(t, WithIncludePaths("testdata", "testdata/include"))
	prog, err := dev.LoadProgram("scale.wgsl", []string{"main", "shift"})
	if err != nil {
		t.Fatalf("LoadProgram() = %v", err)
	}
	if want := filepath.Join("testdata/include", "scale.wgsl"); prog.Name() != want {
		t.Errorf("resolved path = %q, want %q", prog.Name(), want)
	}
	main, _ := prog.EntryPoint("main")
	if p := main.Bindings[0]; p.Kind != BindingUniform || p.ElemType != DataTypeUnknown || p.Size != 8 || p.Scalar {
		t.Errorf("params binding = %+v", p)
	}
	shift, _ := prog.EntryPoint("shift")
	if o := shift.Bindings[1]; o.Name != "offset" || !o.Scalar || o.ElemType != Float32 {
		t.Errorf("offset binding = %+v", o)
	}

	abs, err := filepath.Abs("testdata/add.wgsl")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := dev.LoadProgram(abs, nil); err != nil {
		t.Errorf("LoadProgram(absolute) = %v", err)
	}
}

func TestLoadProgramCache(t *testing.T) {
	dev := newCPUDevice(t)
	p1, err := dev.LoadProgram("testdata/add.wgsl", nil)
	if err != nil {
		t.Fatal(err)
	}
	p2, err := dev.LoadProgramFromSource("copy", mustRead(t, "testdata/add.wgsl"), nil)
	if err != nil {
		t.Fatal(err)
	}
	if p1 != p2 {
		t.Error("identical source and entry points compiled twice")
	}
	p3, err := dev.LoadProgram("testdata/add.wgsl", []string{"main"})
	if err != nil {
		t.Fatal(err)
	}
	if p3 == p1 {
		t.Error("different entry point lists share a cache entry")
	}
	if st := dev.programs.Stats(); st.Hits != 1 || st.Misses != 2 {
		t.Errorf("cache stats = %+v, want 1 hit and 2 misses", st)
	}
}

func TestEvictedProgramsAreDestroyed(t *testing.T) {
	dev := newCPUDevice(t)
	owned := func(p *Program) bool {
		dev.mu.Lock()
		defer dev.mu.Unlock()
		_, ok := dev.owned[p]
		return ok
	}

	idle, err := dev.LoadProgram("testdata/float64.wgsl", nil)
	if err != nil {
		t.Fatal(err)
	}
	used, err := dev.LoadProgram("testdata/add.wgsl", nil)
	if err != nil {
		t.Fatal(err)
	}
	k, err := dev.CreateComputeKernel(used)
	if err != nil {
		t.Fatal(err)
	}

	dev.programs.Clear()
	if owned(idle) {
		t.Error("evicted program without kernels is still owned")
	}
	if _, err := dev.CreateComputeKernel(idle); !errors.Is(err, ErrBinding) {
		t.Errorf("kernel from destroyed program: %v, want ErrBinding", err)
	}
	if !owned(used) {
		t.Fatal("evicted program with a live kernel was destroyed")
	}
	a, err := CreateBufferFromSlice(dev, []float32{1, 2}, 0)
	if err != nil {
		t.Fatal(err)
	}
	c, err := dev.CreateBuffer(BufferDesc{Size: 8, DataType: Float32})
	if err != nil {
		t.Fatal(err)
	}
	vars := Vars{"a": a, "b": a, "c": c}
	if err := k.Dispatch([3]uint32{2, 1, 1}, vars); err != nil {
		t.Fatalf("Dispatch() after eviction = %v", err)
	}

	k.Release()
	k.Release()
	if owned(used) {
		t.Error("evicted program still owned after its last kernel was released")
	}
	if err := k.Dispatch([3]uint32{2, 1, 1}, vars); !errors.Is(err, ErrBinding) {
		t.Errorf("Dispatch() on released kernel = %v, want ErrBinding", err)
	}

	again, err := dev.LoadProgram("testdata/add.wgsl", nil)
	if err != nil {
		t.Fatal(err)
	}
	if again == used || !owned(again) {
		t.Error("reloading an evicted program did not compile a new one")
	}
}

func TestLoadProgramErrors(t *testing.T) {
	dev := newCPUDevice(t)
	tests := []struct {
		name    string
		source  string
		entries []string
	}{
		{"syntax", "fn main( {", nil},
		{"no entry points", "fn helper() {}", nil},
		{"unknown entry point", "@compute @workgroup_size(1) fn main() {}", []string{"other"}},
		{"not a compute entry", "fn helper() {}\n@compute @workgroup_size(1) fn main() { helper(); }", []string{"helper"}},
		{"workgroup too large", "@compute @workgroup_size(2048) fn main() {}", nil},
		{"too many invocations", "@compute @workgroup_size(64, 64) fn main() {}", nil},
		{"undeclared identifier", "@compute @workgroup_size(1) fn main() { x = 1; }", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := dev.LoadProgramFromSource(tt.name, tt.source, tt.entries)
			if !errors.Is(err, ErrCompile) {
				t.Errorf("LoadProgramFromSource() = %v, want ErrCompile", err)
			}
		})
	}

	if _, err := dev.LoadProgram("testdata/missing.wgsl", nil); !errors.Is(err, ErrCompile) {
		t.Errorf("LoadProgram(missing) = %v, want ErrCompile", err)
	}
}

func TestLoadProgramCoreModelRejectsFloat64(t *testing.T) {
	dev := newCPUDevice(t, WithShaderModel(ShaderModelCore))
	_, err := dev.LoadProgram("testdata/float64.wgsl", nil)
	if !errors.Is(err, ErrCompile) {
		t.Fatalf("LoadProgram(f64, core) = %v, want ErrCompile", err)
	}
	if _, err := dev.LoadProgram("testdata/add.wgsl", nil); err != nil {
		t.Errorf("LoadProgram(f32, core) = %v", err)
	}
}

func TestCreateComputeKernel(t *testing.T) {
	dev := newCPUDevice(t)
	prog, err := dev.LoadProgram("testdata/float64.wgsl", nil)
	if err != nil {
		t.Fatal(err)
	}
	k, err := dev.CreateComputeKernel(prog)
	if err != nil {
		t.Fatal(err)
	}
	if k.EntryPoint().Name != "main_uav" {
		t.Errorf("default entry point = %q, want main_uav", k.EntryPoint().Name)
	}
	k2, err := dev.CreateComputeKernel(prog, "main_srv")
	if err != nil {
		t.Fatal(err)
	}
	if k2.id <= k.id {
		t.Error("kernel ids are not increasing")
	}

	if _, err := dev.CreateComputeKernel(prog, "main_cbv"); !errors.Is(err, ErrBinding) {
		t.Errorf("absent entry point: %v, want ErrBinding", err)
	}
	if _, err := dev.CreateComputeKernel(prog, "main_uav", "main_srv"); !errors.Is(err, ErrBinding) {
		t.Errorf("two entry points: %v, want ErrBinding", err)
	}
	other := newCPUDevice(t)
	if _, err := other.CreateComputeKernel(prog); !errors.Is(err, ErrBinding) {
		t.Errorf("foreign program: %v, want ErrBinding", err)
	}
}

func mustRead(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	return string(data)
}
