package compute

import "github.com/gogpu/compute/backend"

// CommandEncoder records dispatches and buffer operations for a single
// submission. The first recording error is latched and returned by Finish;
// later calls are ignored.
//
// A CommandEncoder is not safe for concurrent use.
type CommandEncoder struct {
	dev      *Device
	steps    []step
	err      error
	finished bool
}

// CommandBuffer is a finished recording, executed by Device.Submit.
type CommandBuffer struct {
	dev       *Device
	steps     []step
	submitted bool
}

// CreateCommandEncoder starts a recording.
func (d *Device) CreateCommandEncoder() *CommandEncoder {
	return &CommandEncoder{dev: d}
}

func (e *CommandEncoder) record(op string, f func() (step, error)) {
	if e.err != nil {
		return
	}
	if e.finished {
		e.err = newError(op, ErrDispatch, "encoder already finished")
		return
	}
	s, err := f()
	if err != nil {
		e.err = err
		return
	}
	e.steps = append(e.steps, s)
}

// Dispatch records a kernel dispatch of at least threads invocations per
// axis.
func (e *CommandEncoder) Dispatch(k *Kernel, threads [3]uint32, vars Vars) {
	const op = "CommandEncoder.Dispatch"
	e.record(op, func() (step, error) {
		if err := e.checkKernel(op, k); err != nil {
			return step{}, err
		}
		groups, err := k.groupsFor(op, threads)
		if err != nil {
			return step{}, err
		}
		p, err := k.plan(op, groups, vars)
		return step{plan: p}, err
	})
}

// DispatchThreadGroups records a dispatch of groups workgroups per axis.
func (e *CommandEncoder) DispatchThreadGroups(k *Kernel, groups [3]uint32, vars Vars) {
	const op = "CommandEncoder.DispatchThreadGroups"
	e.record(op, func() (step, error) {
		if err := e.checkKernel(op, k); err != nil {
			return step{}, err
		}
		p, err := k.plan(op, groups, vars)
		return step{plan: p}, err
	})
}

func (e *CommandEncoder) checkKernel(op string, k *Kernel) error {
	if k == nil || k.dev != e.dev {
		return newError(op, ErrBinding, "kernel does not belong to this device")
	}
	return nil
}

func (e *CommandEncoder) checkBuffer(op string, b *Buffer) error {
	if b == nil || b.dev != e.dev {
		return newError(op, ErrTypeMismatch, "buffer does not belong to this device")
	}
	return b.checkLive(op)
}

// CopyBuffer records a copy of size bytes from src at srcOffset to dst at
// dstOffset. Offsets and size must be multiples of 4.
func (e *CommandEncoder) CopyBuffer(dst *Buffer, dstOffset int, src *Buffer, srcOffset int, size int) {
	const op = "CommandEncoder.CopyBuffer"
	e.record(op, func() (step, error) {
		if err := e.checkBuffer(op, dst); err != nil {
			return step{}, err
		}
		if err := e.checkBuffer(op, src); err != nil {
			return step{}, err
		}
		switch {
		case dstOffset < 0 || srcOffset < 0 || size < 0:
			return step{}, newError(op, ErrDispatch, "negative offset or size")
		case dstOffset%4 != 0 || srcOffset%4 != 0 || size%4 != 0:
			return step{}, newError(op, ErrDispatch, "offsets %d, %d and size %d must be multiples of 4", dstOffset, srcOffset, size)
		case dst.usage&BufferUsageCopyDst == 0 || src.usage&BufferUsageCopySrc == 0:
			return step{}, newError(op, ErrDispatch, "copy from %q to %q needs copy-src and copy-dst usage", src.label, dst.label)
		case backend.CheckRange(uint64(src.size), uint64(srcOffset), uint64(size)) != nil:
			return step{}, newError(op, ErrDispatch, "source range [%d, %d) outside %d bytes", srcOffset, srcOffset+size, src.size)
		case backend.CheckRange(uint64(dst.size), uint64(dstOffset), uint64(size)) != nil:
			return step{}, newError(op, ErrDispatch, "destination range [%d, %d) outside %d bytes", dstOffset, dstOffset+size, dst.size)
		}
		return step{cmd: backend.CopyCommand{
			Src: src.raw, Dst: dst.raw,
			SrcOffset: uint64(srcOffset), DstOffset: uint64(dstOffset),
			Size: uint64(size),
		}}, nil
	})
}

// ClearBuffer records zeroing the whole buffer.
func (e *CommandEncoder) ClearBuffer(b *Buffer) {
	const op = "CommandEncoder.ClearBuffer"
	e.record(op, func() (step, error) {
		if err := e.checkBuffer(op, b); err != nil {
			return step{}, err
		}
		return step{cmd: backend.ClearCommand{Buffer: b.raw, Size: uint64(b.size)}}, nil
	})
}

// Finish ends the recording. It returns the first recording error, if any.
func (e *CommandEncoder) Finish() (*CommandBuffer, error) {
	if e.err != nil {
		return nil, e.err
	}
	if e.finished {
		return nil, newError("CommandEncoder.Finish", ErrDispatch, "encoder already finished")
	}
	e.finished = true
	return &CommandBuffer{dev: e.dev, steps: e.steps}, nil
}

// Submit executes cb in recording order and waits for it and every
// external tensor write-back to complete. A command buffer is submitted at
// most once.
func (d *Device) Submit(cb *CommandBuffer) error {
	const op = "Submit"
	if cb == nil || cb.dev != d {
		return newError(op, ErrDispatch, "command buffer does not belong to this device")
	}
	if cb.submitted {
		return newError(op, ErrDispatch, "command buffer already submitted")
	}
	cb.submitted = true
	unlock := lockKernels(cb.steps)
	defer unlock()
	return d.submit(op, cb.steps)
}
