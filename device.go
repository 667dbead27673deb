package compute

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/gogpu/compute/backend"
	"github.com/gogpu/compute/internal/cache"
)

// Limits bounds what a device accepts.
type Limits = backend.Limits

// DeviceInfo describes the capabilities of an open device. It is resolved
// once by NewDevice.
type DeviceInfo struct {
	Type    DeviceType
	Backend string
	Adapter string
	// Kind is the backend's description of the adapter, e.g. "cpu" or
	// "DiscreteGPU".
	Kind string
	// MemorySpace names the address space of device buffers. External
	// tensors in the same space are aliased without a copy.
	MemorySpace string

	SupportsInterop bool
	SupportsFloat64 bool
	SupportsFloat16 bool
	// HostVisible reports that device buffers live in host memory, so
	// Buffer.ToTensor returns views instead of copies.
	HostVisible bool

	Limits Limits
}

// Device is a logical compute device. It owns every program, kernel and
// buffer created through it. A Device is safe for concurrent use.
type Device struct {
	cfg  DeviceConfig
	info DeviceInfo
	dev  backend.Device

	programs *cache.ShardedCache[string, *Program]
	nextID   atomic.Uint64

	mu      sync.Mutex
	closed  bool
	owned   map[*Program]struct{} // loaded programs not yet destroyed
	buffers map[*Buffer]struct{}
}

func backendName(t DeviceType) string {
	switch t {
	case DeviceTypeCPU:
		return backend.BackendSoftware
	case DeviceTypeVulkan:
		return backend.BackendWGPU
	case DeviceTypeNull:
		return backend.BackendNull
	default:
		return ""
	}
}

func deviceTypeOf(backendName string) DeviceType {
	switch backendName {
	case backend.BackendSoftware:
		return DeviceTypeCPU
	case backend.BackendWGPU:
		return DeviceTypeVulkan
	case backend.BackendNull:
		return DeviceTypeNull
	default:
		return DeviceTypeAutomatic
	}
}

// NewDevice validates cfg with opts applied, opens the backend and resolves
// the device capabilities.
func NewDevice(cfg DeviceConfig, opts ...Option) (*Device, error) {
	const op = "NewDevice"
	for _, opt := range opts {
		opt(&cfg)
	}
	cfg.IncludePaths = append([]string(nil), cfg.IncludePaths...)
	if err := cfg.validate(); err != nil {
		return nil, &Error{Op: op, Kind: ErrBackendNotAvailable, Err: err}
	}

	bcfg := backend.Config{
		Debug:    cfg.EnableDebugLayers,
		Workers:  cfg.Workers,
		Provider: cfg.Provider,
		Logger:   Logger(),
	}
	var (
		dev backend.Device
		err error
	)
	if cfg.Type == DeviceTypeAutomatic {
		dev, err = backend.OpenDefault(bcfg)
	} else {
		dev, err = backend.Open(backendName(cfg.Type), bcfg)
	}
	if err != nil {
		return nil, &Error{Op: op, Kind: ErrBackendNotAvailable, Err: err}
	}

	bi := dev.Info()
	d := &Device{
		cfg: cfg,
		dev: dev,
		info: DeviceInfo{
			Type:            deviceTypeOf(bi.Backend),
			Backend:         bi.Backend,
			Adapter:         bi.Adapter,
			Kind:            bi.DeviceType,
			MemorySpace:     bi.MemorySpace,
			SupportsInterop: cfg.EnableInterop && bi.Backend != backend.BackendNull,
			SupportsFloat64: bi.Features.Float64,
			SupportsFloat16: bi.Features.Float16,
			HostVisible:     bi.Features.HostMemory,
			Limits:          bi.Limits,
		},
		owned:   make(map[*Program]struct{}),
		buffers: make(map[*Buffer]struct{}),
	}
	cacheSize := cfg.ProgramCacheSize
	if cacheSize == 0 {
		cacheSize = DefaultProgramCacheSize
	}
	d.programs = cache.NewSharded[string, *Program](cacheSize, cache.StringHasher)
	d.programs.OnEvict = func(_ string, p *Program) {
		Logger().Debug("program evicted from cache", "program", p.name)
		d.evictProgram(p)
	}
	trackDevice(d)
	Logger().Info("device created", "type", d.info.Type, "backend", d.info.Backend,
		"adapter", d.info.Adapter, "interop", d.info.SupportsInterop)
	return d, nil
}

// Info returns the capabilities resolved at creation.
func (d *Device) Info() DeviceInfo { return d.info }

// Config returns the device configuration.
func (d *Device) Config() DeviceConfig {
	cfg := d.cfg
	cfg.IncludePaths = append([]string(nil), d.cfg.IncludePaths...)
	return cfg
}

// SupportsInterop reports whether external tensor interop is available.
func (d *Device) SupportsInterop() bool { return d.info.SupportsInterop }

// Close destroys every buffer and pipeline created by the device and then
// the backend device. Close is idempotent.
func (d *Device) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	programs := d.owned
	d.owned = nil
	buffers := d.buffers
	d.buffers = nil
	d.mu.Unlock()

	untrackDevice(d)
	d.programs.Clear()
	for p := range programs {
		p.destroy()
	}
	for b := range buffers {
		b.destroyed.Store(true)
		b.raw.Destroy()
	}
	err := d.dev.Close()
	Logger().Info("device closed", "backend", d.info.Backend)
	if err != nil {
		return &Error{Op: "Close", Kind: ErrDispatch, Err: err}
	}
	return nil
}

// checkOpenLocked returns ErrClosed after Close. Callers hold d.mu.
func (d *Device) checkOpenLocked(op string) error {
	if d.closed {
		return &Error{Op: op, Kind: ErrClosed}
	}
	return nil
}

// submit runs recorded steps on the backend and finishes their interop
// transfers. Callers hold the locks of every kernel in steps.
func (d *Device) submit(op string, steps []step) error {
	d.mu.Lock()
	err := d.checkOpenLocked(op)
	d.mu.Unlock()
	if err != nil {
		return err
	}

	var (
		cmds    []backend.Command
		after   []func() error
		cleanup []func()
	)
	defer func() {
		for _, f := range cleanup {
			f()
		}
	}()
	for _, s := range steps {
		if s.plan == nil {
			cmds = append(cmds, s.cmd)
			continue
		}
		m, err := s.plan.materialize(op)
		cleanup = append(cleanup, m.cleanup...)
		if err != nil {
			return err
		}
		cmds = append(cmds, m.cmd)
		after = append(after, m.after...)
	}
	if err := d.dev.Submit(context.Background(), cmds); err != nil {
		return &Error{Op: op, Kind: ErrDispatch, Err: err}
	}
	for _, f := range after {
		if err := f(); err != nil {
			return wrapError(op, ErrDispatch, err)
		}
	}
	Logger().Debug("submitted", "op", op, "commands", len(cmds))
	return nil
}
