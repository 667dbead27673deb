// Package wgsl reflects and interprets WGSL compute shaders lowered by naga.
//
// Parse runs the naga front end once per program. The resulting Module
// carries the naga IR, which GPU backends translate to SPIR-V, together
// with the binding layout of each compute entry point.
//
// Module.Run evaluates an entry point's IR on the host for the software
// backend. Workgroups run as independent tasks on an Executor; the
// invocations of one workgroup run sequentially, so entry points that use
// workgroup memory or barriers are rejected by Interpretable.
//
// Scalars are bool, i32, u32, f16, f32 and f64. The f64 type is an
// extension accepted by naga; GPU backends may still reject it.
package wgsl
