//go:build !nogpu

package wgpu

import (
	"context"
	"fmt"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/compute/backend"
)

// Submit encodes the commands into one command buffer and waits for it.
// Clears split the list: they are applied as queue writes between the
// encoded segments so they stay ordered.
func (d *Device) Submit(ctx context.Context, cmds []backend.Command) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return backend.ErrClosed
	}

	var segment []backend.Command
	flush := func() error {
		if len(segment) == 0 {
			return nil
		}
		err := d.encodeSegmentLocked(ctx, segment)
		segment = segment[:0]
		return err
	}
	for i, cmd := range cmds {
		c, ok := cmd.(backend.ClearCommand)
		if !ok {
			segment = append(segment, cmd)
			continue
		}
		if err := flush(); err != nil {
			return err
		}
		if err := d.clearLocked(c); err != nil {
			return fmt.Errorf("wgpu: command %d: %w", i, err)
		}
	}
	return flush()
}

func (d *Device) encodeSegmentLocked(ctx context.Context, cmds []backend.Command) error {
	var bindGroups []hal.BindGroup
	defer func() {
		for _, bg := range bindGroups {
			d.device.DestroyBindGroup(bg)
		}
	}()

	return d.encodeLocked(ctx, "compute", func(enc hal.CommandEncoder) error {
		for i, cmd := range cmds {
			switch c := cmd.(type) {
			case backend.DispatchCommand:
				groups, err := d.bindGroupsLocked(c)
				bindGroups = append(bindGroups, groups...)
				if err != nil {
					return fmt.Errorf("wgpu: command %d: %w", i, err)
				}
				p := c.Pipeline.(*Pipeline)
				pass := enc.BeginComputePass(&hal.ComputePassDescriptor{Label: p.entry})
				pass.SetPipeline(p.pipeline)
				for index, bg := range groups {
					pass.SetBindGroup(uint32(index), bg, nil)
				}
				pass.Dispatch(c.Groups[0], c.Groups[1], c.Groups[2])
				pass.End()

			case backend.CopyCommand:
				src, dst, size, err := d.copyRangeLocked(c)
				if err != nil {
					return fmt.Errorf("wgpu: command %d: %w", i, err)
				}
				enc.CopyBufferToBuffer(src.raw, dst.raw, []hal.BufferCopy{
					{SrcOffset: c.SrcOffset, DstOffset: c.DstOffset, Size: size},
				})

			default:
				return fmt.Errorf("wgpu: command %d: unknown command %T", i, cmd)
			}
		}
		return nil
	})
}

// bindGroupsLocked creates one bind group per layout of the pipeline. The
// created groups are returned even on error so the caller can free them.
func (d *Device) bindGroupsLocked(c backend.DispatchCommand) ([]hal.BindGroup, error) {
	p, ok := c.Pipeline.(*Pipeline)
	if !ok || p.dev != d || p.pipeline == nil {
		return nil, fmt.Errorf("pipeline %T does not belong to this device", c.Pipeline)
	}
	entries := make([][]gputypes.BindGroupEntry, len(p.layouts))
	for _, b := range c.Bindings {
		buf, err := d.ownBuffer(b.Buffer)
		if err != nil {
			return nil, fmt.Errorf("binding %s: %w", b.Key, err)
		}
		size := b.Size
		if size == 0 && b.Offset <= buf.size {
			size = buf.size - b.Offset
		}
		if err := backend.CheckRange(buf.size, b.Offset, size); err != nil {
			return nil, fmt.Errorf("binding %s: %w", b.Key, err)
		}
		if b.Key.Group >= len(entries) {
			return nil, fmt.Errorf("binding %s: group not in pipeline layout", b.Key)
		}
		entries[b.Key.Group] = append(entries[b.Key.Group], gputypes.BindGroupEntry{
			Binding:  uint32(b.Key.Binding),
			Resource: gputypes.BufferBinding{Buffer: buf.raw.NativeHandle(), Offset: b.Offset, Size: size},
		})
	}
	groups := make([]hal.BindGroup, 0, len(p.layouts))
	for index, layout := range p.layouts {
		bg, err := d.device.CreateBindGroup(&hal.BindGroupDescriptor{
			Label: fmt.Sprintf("%s_bind%d", p.entry, index), Layout: layout, Entries: entries[index],
		})
		if err != nil {
			return groups, fmt.Errorf("create bind group %d: %w", index, err)
		}
		groups = append(groups, bg)
	}
	return groups, nil
}

func (d *Device) copyRangeLocked(c backend.CopyCommand) (src, dst *Buffer, size uint64, err error) {
	if src, err = d.ownBuffer(c.Src); err != nil {
		return nil, nil, 0, fmt.Errorf("copy source: %w", err)
	}
	if dst, err = d.ownBuffer(c.Dst); err != nil {
		return nil, nil, 0, fmt.Errorf("copy destination: %w", err)
	}
	size = c.Size
	if size == 0 && c.SrcOffset <= src.size {
		size = src.size - c.SrcOffset
	}
	if err := backend.CheckRange(src.size, c.SrcOffset, size); err != nil {
		return nil, nil, 0, fmt.Errorf("copy source: %w", err)
	}
	if err := backend.CheckRange(dst.size, c.DstOffset, size); err != nil {
		return nil, nil, 0, fmt.Errorf("copy destination: %w", err)
	}
	if c.SrcOffset%copyAlignment != 0 || c.DstOffset%copyAlignment != 0 || size%copyAlignment != 0 {
		return nil, nil, 0, errUnaligned
	}
	return src, dst, size, nil
}

func (d *Device) clearLocked(c backend.ClearCommand) error {
	buf, err := d.ownBuffer(c.Buffer)
	if err != nil {
		return fmt.Errorf("clear: %w", err)
	}
	size := c.Size
	if size == 0 && c.Offset <= buf.size {
		size = buf.size - c.Offset
	}
	if err := backend.CheckRange(buf.size, c.Offset, size); err != nil {
		return fmt.Errorf("clear: %w", err)
	}
	return buf.writeLocked(c.Offset, make([]byte, size))
}

func (d *Device) ownBuffer(buf backend.Buffer) (*Buffer, error) {
	b, ok := buf.(*Buffer)
	if !ok || b.dev != d {
		return nil, fmt.Errorf("buffer %T does not belong to this device", buf)
	}
	if b.raw == nil {
		return nil, fmt.Errorf("buffer %q was destroyed", b.label)
	}
	return b, nil
}
