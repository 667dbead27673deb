package wgsl

import (
	"testing"

	"github.com/stretchr/testify/require"
)

const addSource = `
@group(0) @binding(0) var<storage, read> a: array<f32>;
@group(0) @binding(1) var<storage, read> b: array<f32>;
@group(0) @binding(2) var<storage, read_write> c: array<f32>;

@compute @workgroup_size(32)
fn main(@builtin(global_invocation_id) id: vec3u) {
    let i = id.x;
    if i < arrayLength(&c) {
        c[i] = a[i] + b[i];
    }
}
`

func TestParseReflection(t *testing.T) {
	const src = `
struct Params {
    count: u32,
    scale: f32,
    offset: vec4<f32>,
}

@group(1) @binding(0) var<uniform> params: Params;
@group(0) @binding(3) var<storage, read_write> out: array<vec2<f32>>;
@group(0) @binding(1) var<storage, read> lut: array<u32, 16>;
@group(0) @binding(2) var<storage> unused: array<f32>;

@compute @workgroup_size(8, 4, 2)
fn main(@builtin(global_invocation_id) id: vec3<u32>) {
    out[id.x] = vec2<f32>(f32(lut[id.x % 16u]), params.scale);
}

@compute @workgroup_size(1)
fn second() {}
`
	m, err := Parse(src)
	require.NoError(t, err)

	var names []string
	for _, e := range m.EntryPoints() {
		names = append(names, e.Name)
	}
	require.Equal(t, []string{"main", "second"}, names)
	require.Equal(t, [3]uint32{8, 4, 2}, m.EntryPoint("main").WorkgroupSize)
	require.Nil(t, m.EntryPoint("missing"))

	bindings, err := m.Bindings("main")
	require.NoError(t, err)
	var keys []BindingKey
	for _, g := range bindings {
		keys = append(keys, g.Key())
	}
	require.Equal(t, []BindingKey{{0, 1}, {0, 3}, {1, 0}}, keys)

	lut := bindings[0]
	require.Equal(t, SpaceStorage, lut.Space)
	require.False(t, lut.ReadWrite)
	require.Equal(t, TypeArray, lut.Type.Kind)
	require.Equal(t, 16, lut.Type.Len)
	require.Equal(t, 64, lut.Type.Size())

	out := bindings[1]
	require.True(t, out.ReadWrite)
	require.Equal(t, 0, out.Type.Len)
	require.Equal(t, TypeVector, out.Type.Elem.Kind)
	require.Equal(t, ScalarF32, out.Type.Elem.Scalar)
	require.Equal(t, 8, out.Type.Size())

	params := bindings[2]
	require.Equal(t, SpaceUniform, params.Space)
	require.Equal(t, TypeStruct, params.Type.Kind)
	require.Equal(t, 32, params.Type.Size())
	require.Equal(t, 16, params.Type.Members[2].Offset)

	require.False(t, m.Global("unused").ReadWrite)
	second, err := m.Bindings("second")
	require.NoError(t, err)
	require.Empty(t, second)

	_, err = m.Bindings("missing")
	require.Error(t, err)
}

func TestBindingsAliasedAcrossEntryPoints(t *testing.T) {
	const src = `
@group(0) @binding(0) var<storage, read_write> rw: array<f64>;
@group(0) @binding(0) var<storage, read> ro: array<f64>;
@group(0) @binding(1) var<storage, read_write> result: array<f64>;

@compute @workgroup_size(32)
fn main_uav(@builtin(global_invocation_id) id: vec3u) { result[id.x] = rw[id.x]; }

@compute @workgroup_size(32)
fn main_srv(@builtin(global_invocation_id) id: vec3u) { result[id.x] = ro[id.x]; }

@compute @workgroup_size(32)
fn both(@builtin(global_invocation_id) id: vec3u) { result[id.x] = rw[id.x] + ro[id.x]; }
`
	m, err := Parse(src)
	require.NoError(t, err)
	require.True(t, m.UsesScalar(ScalarF64))
	require.False(t, m.UsesScalar(ScalarF16))

	uav, err := m.Bindings("main_uav")
	require.NoError(t, err)
	require.Equal(t, "rw", uav[0].Name)
	srv, err := m.Bindings("main_srv")
	require.NoError(t, err)
	require.Equal(t, "ro", srv[0].Name)

	_, err = m.Bindings("both")
	require.ErrorContains(t, err, "is used by both")
}

func TestBindingsThroughHelpers(t *testing.T) {
	const src = `
@group(0) @binding(0) var<storage, read_write> data: array<u32>;
@group(0) @binding(1) var<storage, read> other: array<u32>;

fn bump(i: u32) { data[i] = data[i] + 1u; }

@compute @workgroup_size(1)
fn main(@builtin(global_invocation_id) id: vec3u) { bump(id.x); }
`
	m, err := Parse(src)
	require.NoError(t, err)
	bindings, err := m.Bindings("main")
	require.NoError(t, err)
	require.Len(t, bindings, 1)
	require.Equal(t, "data", bindings[0].Name)
}

func TestParseErrors(t *testing.T) {
	for name, src := range map[string]string{
		"syntax":        `@compute @workgroup_size(1) fn main( {`,
		"type mismatch": `@compute @workgroup_size(1) fn main() { let x = 1.0 + 1u; }`,
		"unknown ident": `@compute @workgroup_size(1) fn main() { let x = y; }`,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := Parse(src)
			require.Error(t, err)
		})
	}
}

func TestInterpretable(t *testing.T) {
	m, err := Parse(`
@group(0) @binding(0) var<storage, read_write> c: array<u32>;
var<workgroup> tile: array<u32, 4>;

@compute @workgroup_size(4)
fn shared_mem(@builtin(local_invocation_index) i: u32) {
    tile[i] = i;
    c[i] = tile[3u - i];
}

@compute @workgroup_size(4)
fn barrier(@builtin(local_invocation_index) i: u32) {
    c[i] = i;
    storageBarrier();
}

@compute @workgroup_size(4)
fn plain(@builtin(local_invocation_index) i: u32) {
    c[i] = i;
}
`)
	require.NoError(t, err)
	require.ErrorContains(t, m.Interpretable("shared_mem"), "workgroup variable")
	require.ErrorContains(t, m.Interpretable("barrier"), "barriers")
	require.NoError(t, m.Interpretable("plain"))
	require.Error(t, m.Interpretable("missing"))
}
