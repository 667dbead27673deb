//go:build !nogpu

// Package wgpu provides the GPU compute backend on gogpu/wgpu.
//
// WGSL programs are compiled to SPIR-V by naga and run through the wgpu HAL.
// Two backends are registered:
//
//   - "wgpu": the first Vulkan adapter, preferring discrete and integrated
//     GPUs. A gpucontext provider can supply an existing device instead.
//   - "null": the HAL no-op device. Every command is accepted and encoded,
//     nothing executes and reads return zeroes. Useful for plumbing tests on
//     machines without a GPU.
//
// Buffers are device local. Host transfers go through queue writes and a
// map-readable staging copy, and every Submit waits on a fence before
// returning.
//
// Build with -tags nogpu to leave the package out.
package wgpu
