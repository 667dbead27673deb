//go:build !nogpu

package wgpu

import (
	"fmt"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/naga"
	"github.com/gogpu/naga/ir"
	"github.com/gogpu/naga/spirv"
	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/compute/backend"
	"github.com/gogpu/compute/internal/wgsl"
)

// Pipeline is a compiled compute pipeline with one bind group layout per
// group index up to the highest group the entry point uses.
type Pipeline struct {
	dev        *Device
	entry      string
	module     hal.ShaderModule
	layouts    []hal.BindGroupLayout
	pipeLayout hal.PipelineLayout
	pipeline   hal.ComputePipeline
}

// compileSPIRV generates little-endian SPIR-V words from lowered IR.
func compileSPIRV(mod *ir.Module) ([]uint32, error) {
	spirvBytes, err := naga.GenerateSPIRV(mod, spirv.Options{Version: spirv.Version1_3})
	if err != nil {
		return nil, err
	}
	words := make([]uint32, len(spirvBytes)/4)
	for i := range words {
		words[i] = uint32(spirvBytes[i*4]) |
			uint32(spirvBytes[i*4+1])<<8 |
			uint32(spirvBytes[i*4+2])<<16 |
			uint32(spirvBytes[i*4+3])<<24
	}
	return words, nil
}

func bindingType(g *wgsl.Global) gputypes.BufferBindingType {
	switch {
	case g.Space == wgsl.SpaceUniform:
		return gputypes.BufferBindingTypeUniform
	case g.ReadWrite:
		return gputypes.BufferBindingTypeStorage
	default:
		return gputypes.BufferBindingTypeReadOnlyStorage
	}
}

// CreatePipeline generates SPIR-V from the already lowered desc.Module and
// builds the layouts from desc.Bindings.
func (d *Device) CreatePipeline(desc backend.PipelineDesc) (backend.Pipeline, error) {
	words, err := compileSPIRV(desc.Module.IR)
	if err != nil {
		return nil, fmt.Errorf("wgpu: naga: %w", err)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, backend.ErrClosed
	}

	groups := 0
	for _, g := range desc.Bindings {
		groups = max(groups, g.Group+1)
	}
	if uint32(groups) > d.info.Limits.MaxBindGroups {
		return nil, fmt.Errorf("wgpu: pipeline %q uses %d bind groups, device allows %d", desc.Label, groups, d.info.Limits.MaxBindGroups)
	}

	p := &Pipeline{dev: d, entry: desc.EntryPoint}
	if err := p.build(desc, words, groups); err != nil {
		p.destroyLocked()
		return nil, err
	}
	d.pipelines[p] = struct{}{}
	d.log().Debug("pipeline created", "label", desc.Label, "entry", desc.EntryPoint, "groups", groups)
	return p, nil
}

func (p *Pipeline) build(desc backend.PipelineDesc, words []uint32, groups int) error {
	dev := p.dev.device
	var err error
	p.module, err = dev.CreateShaderModule(&hal.ShaderModuleDescriptor{
		Label:  desc.Label,
		Source: hal.ShaderSource{SPIRV: words},
	})
	if err != nil {
		return fmt.Errorf("wgpu: create shader module: %w", err)
	}

	for group := range groups {
		var entries []gputypes.BindGroupLayoutEntry
		for _, g := range desc.Bindings {
			if g.Group != group {
				continue
			}
			entries = append(entries, gputypes.BindGroupLayoutEntry{
				Binding:    uint32(g.Binding),
				Visibility: gputypes.ShaderStageCompute,
				Buffer:     &gputypes.BufferBindingLayout{Type: bindingType(g)},
			})
		}
		layout, err := dev.CreateBindGroupLayout(&hal.BindGroupLayoutDescriptor{
			Label:   fmt.Sprintf("%s_group%d", desc.Label, group),
			Entries: entries,
		})
		if err != nil {
			return fmt.Errorf("wgpu: create bind group layout %d: %w", group, err)
		}
		p.layouts = append(p.layouts, layout)
	}

	p.pipeLayout, err = dev.CreatePipelineLayout(&hal.PipelineLayoutDescriptor{
		Label: desc.Label + "_layout", BindGroupLayouts: p.layouts,
	})
	if err != nil {
		return fmt.Errorf("wgpu: create pipeline layout: %w", err)
	}

	p.pipeline, err = dev.CreateComputePipeline(&hal.ComputePipelineDescriptor{
		Label:   desc.Label,
		Layout:  p.pipeLayout,
		Compute: hal.ComputeState{Module: p.module, EntryPoint: desc.EntryPoint},
	})
	if err != nil {
		return fmt.Errorf("wgpu: create compute pipeline: %w", err)
	}
	return nil
}

// EntryPoint returns the entry point name.
func (p *Pipeline) EntryPoint() string { return p.entry }

// Destroy releases the pipeline objects.
func (p *Pipeline) Destroy() {
	p.dev.mu.Lock()
	defer p.dev.mu.Unlock()
	p.destroyLocked()
}

func (p *Pipeline) destroyLocked() {
	dev := p.dev.device
	if dev == nil {
		return
	}
	if p.pipeline != nil {
		dev.DestroyComputePipeline(p.pipeline)
		p.pipeline = nil
	}
	if p.pipeLayout != nil {
		dev.DestroyPipelineLayout(p.pipeLayout)
		p.pipeLayout = nil
	}
	for _, l := range p.layouts {
		dev.DestroyBindGroupLayout(l)
	}
	p.layouts = nil
	if p.module != nil {
		dev.DestroyShaderModule(p.module)
		p.module = nil
	}
	delete(p.dev.pipelines, p)
}
