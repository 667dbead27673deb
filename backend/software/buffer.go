package software

import (
	"fmt"

	"github.com/gogpu/compute/backend"
)

// Buffer is host memory owned by a Device, or aliased from another runtime
// when imported.
type Buffer struct {
	dev       *Device
	label     string
	data      []byte
	imported  bool
	destroyed bool
}

// Size returns the buffer size in bytes.
func (b *Buffer) Size() uint64 { return uint64(len(b.data)) }

// Write copies data into the buffer at offset.
func (b *Buffer) Write(offset uint64, data []byte) error {
	b.dev.queueMu.Lock()
	defer b.dev.queueMu.Unlock()
	if err := b.usable(); err != nil {
		return err
	}
	if err := backend.CheckRange(uint64(len(b.data)), offset, uint64(len(data))); err != nil {
		return fmt.Errorf("software: write %q: %w", b.label, err)
	}
	copy(b.data[offset:], data)
	return nil
}

// Read copies len(dst) bytes at offset into dst.
func (b *Buffer) Read(offset uint64, dst []byte) error {
	b.dev.queueMu.Lock()
	defer b.dev.queueMu.Unlock()
	if err := b.usable(); err != nil {
		return err
	}
	if err := backend.CheckRange(uint64(len(b.data)), offset, uint64(len(dst))); err != nil {
		return fmt.Errorf("software: read %q: %w", b.label, err)
	}
	copy(dst, b.data[offset:])
	return nil
}

func (b *Buffer) usable() error {
	switch {
	case b.destroyed:
		return fmt.Errorf("software: buffer %q was destroyed", b.label)
	case b.dev.closed:
		return backend.ErrClosed
	}
	return nil
}

// NativeMemory returns the backing []byte. Writes through it are visible
// to the device without a copy.
func (b *Buffer) NativeMemory() any { return b.data }

// Destroy releases the memory. Imported memory stays with its owner.
func (b *Buffer) Destroy() {
	b.dev.queueMu.Lock()
	defer b.dev.queueMu.Unlock()
	b.destroyed = true
	b.data = nil
}
