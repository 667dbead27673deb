//go:build !nogpu

package wgpu

import (
	"context"
	"fmt"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/compute/backend"
)

const storageUsage = gputypes.BufferUsageStorage | gputypes.BufferUsageUniform |
	gputypes.BufferUsageCopySrc | gputypes.BufferUsageCopyDst

// Buffer is device-local memory. The allocation is padded to a multiple of
// four bytes so transfers can always be widened to aligned ranges.
type Buffer struct {
	dev      *Device
	label    string
	raw      hal.Buffer
	size     uint64
	alloc    uint64
	imported bool
}

// CreateBuffer allocates a zeroed storage buffer.
func (d *Device) CreateBuffer(label string, size uint64) (backend.Buffer, error) {
	if size > d.info.Limits.MaxBufferSize {
		return nil, fmt.Errorf("wgpu: buffer %q of %d bytes exceeds %d", label, size, d.info.Limits.MaxBufferSize)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, backend.ErrClosed
	}
	alloc := max(alignUp(size), copyAlignment)
	raw, err := d.device.CreateBuffer(&hal.BufferDescriptor{Label: label, Size: alloc, Usage: storageUsage})
	if err != nil {
		return nil, fmt.Errorf("wgpu: create buffer %q: %w", label, err)
	}
	// Fresh allocations are not guaranteed to be zeroed.
	d.queue.WriteBuffer(raw, 0, make([]byte, alloc))
	b := &Buffer{dev: d, label: label, raw: raw, size: size, alloc: alloc}
	d.buffers[b] = struct{}{}
	d.log().Debug("buffer created", "label", label, "size", size)
	return b, nil
}

// ImportMemory wraps a hal.Buffer created on the same HAL device, typically
// one exported by a provider sharing this device. The caller keeps
// ownership of the memory.
func (d *Device) ImportMemory(label string, native any, size uint64) (backend.Buffer, bool) {
	raw, ok := native.(hal.Buffer)
	if !ok || raw == nil || size%copyAlignment != 0 {
		return nil, false
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, false
	}
	b := &Buffer{dev: d, label: label, raw: raw, size: size, alloc: size, imported: true}
	d.buffers[b] = struct{}{}
	return b, true
}

// Size returns the buffer size in bytes.
func (b *Buffer) Size() uint64 { return b.size }

// NativeMemory returns the hal.Buffer.
func (b *Buffer) NativeMemory() any { return b.raw }

// Write copies data into the buffer at offset. Unaligned edges are merged
// with the current contents.
func (b *Buffer) Write(offset uint64, data []byte) error {
	d := b.dev
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := b.usableLocked(); err != nil {
		return err
	}
	if err := backend.CheckRange(b.size, offset, uint64(len(data))); err != nil {
		return fmt.Errorf("wgpu: write %q: %w", b.label, err)
	}
	return b.writeLocked(offset, data)
}

func (b *Buffer) writeLocked(offset uint64, data []byte) error {
	if len(data) == 0 {
		return nil
	}
	end := offset + uint64(len(data))
	if offset%copyAlignment == 0 && end%copyAlignment == 0 {
		b.dev.queue.WriteBuffer(b.raw, offset, data)
		return nil
	}
	start, stop := offset&^(copyAlignment-1), min(alignUp(end), b.alloc)
	span := make([]byte, stop-start)
	if err := b.readLocked(context.Background(), start, span); err != nil {
		return err
	}
	copy(span[offset-start:], data)
	b.dev.queue.WriteBuffer(b.raw, start, span)
	return nil
}

// Read copies len(dst) bytes at offset into dst through a staging buffer.
func (b *Buffer) Read(offset uint64, dst []byte) error {
	d := b.dev
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := b.usableLocked(); err != nil {
		return err
	}
	if err := backend.CheckRange(b.size, offset, uint64(len(dst))); err != nil {
		return fmt.Errorf("wgpu: read %q: %w", b.label, err)
	}
	if len(dst) == 0 {
		return nil
	}
	start, stop := offset&^(copyAlignment-1), min(alignUp(offset+uint64(len(dst))), b.alloc)
	span := make([]byte, stop-start)
	if err := b.readLocked(context.Background(), start, span); err != nil {
		return err
	}
	copy(dst, span[offset-start:])
	return nil
}

// readLocked reads an aligned range.
func (b *Buffer) readLocked(ctx context.Context, offset uint64, dst []byte) error {
	d := b.dev
	size := uint64(len(dst))
	staging, err := d.device.CreateBuffer(&hal.BufferDescriptor{
		Label: b.label + "_staging", Size: size,
		Usage: gputypes.BufferUsageMapRead | gputypes.BufferUsageCopyDst,
	})
	if err != nil {
		return fmt.Errorf("wgpu: create staging buffer: %w", err)
	}
	defer d.device.DestroyBuffer(staging)

	err = d.encodeLocked(ctx, "readback", func(enc hal.CommandEncoder) error {
		enc.CopyBufferToBuffer(b.raw, staging, []hal.BufferCopy{{SrcOffset: offset, DstOffset: 0, Size: size}})
		return nil
	})
	if err != nil {
		return err
	}
	if err := d.queue.ReadBuffer(staging, 0, dst); err != nil {
		return fmt.Errorf("wgpu: readback %q: %w", b.label, err)
	}
	return nil
}

func (b *Buffer) usableLocked() error {
	switch {
	case b.dev.closed:
		return backend.ErrClosed
	case b.raw == nil:
		return fmt.Errorf("wgpu: buffer %q was destroyed", b.label)
	}
	return nil
}

// Destroy releases the buffer. Imported buffers are only forgotten.
func (b *Buffer) Destroy() {
	b.dev.mu.Lock()
	defer b.dev.mu.Unlock()
	b.destroyLocked()
}

func (b *Buffer) destroyLocked() {
	if b.raw == nil {
		return
	}
	if !b.imported && b.dev.device != nil {
		b.dev.device.DestroyBuffer(b.raw)
	}
	b.raw = nil
	delete(b.dev.buffers, b)
}
