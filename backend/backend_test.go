package backend

import (
	"context"
	"errors"
	"slices"
	"testing"
)

type fakeDevice struct{ closed bool }

func (d *fakeDevice) Info() Info { return Info{Backend: "fake"} }
func (d *fakeDevice) CreateBuffer(string, uint64) (Buffer, error) {
	return nil, errors.New("not implemented")
}
func (d *fakeDevice) ImportMemory(string, any, uint64) (Buffer, bool) { return nil, false }
func (d *fakeDevice) CreatePipeline(PipelineDesc) (Pipeline, error) {
	return nil, errors.New("not implemented")
}
func (d *fakeDevice) Submit(context.Context, []Command) error { return nil }
func (d *fakeDevice) Close() error {
	d.closed = true
	return nil
}

type fakeBackend struct {
	name string
	err  error
}

func (b fakeBackend) Name() string { return b.name }
func (b fakeBackend) Open(Config) (Device, error) {
	if b.err != nil {
		return nil, b.err
	}
	return &fakeDevice{}, nil
}

func TestRegisterAndGet(t *testing.T) {
	Register("fake", func() Backend { return fakeBackend{name: "fake"} })
	defer Unregister("fake")

	if !IsRegistered("fake") {
		t.Fatal("IsRegistered(fake) = false, want true")
	}
	if b := Get("fake"); b == nil || b.Name() != "fake" {
		t.Errorf("Get(fake) = %v, want fake backend", b)
	}
	if !slices.Contains(Available(), "fake") {
		t.Errorf("Available() = %v, missing fake", Available())
	}
}

func TestGetUnknown(t *testing.T) {
	if b := Get("does-not-exist"); b != nil {
		t.Errorf("Get(unknown) = %v, want nil", b)
	}
	_, err := Open("does-not-exist", Config{})
	if !errors.Is(err, ErrBackendNotAvailable) {
		t.Errorf("Open(unknown) error = %v, want ErrBackendNotAvailable", err)
	}
}

func TestUnregister(t *testing.T) {
	Register("temp", func() Backend { return fakeBackend{name: "temp"} })
	Unregister("temp")
	if IsRegistered("temp") {
		t.Error("IsRegistered(temp) = true after Unregister")
	}
}

func TestOpenDefaultFallsBack(t *testing.T) {
	saved := backendPriority
	defer func() { backendPriority = saved }()
	backendPriority = []string{"broken", "working"}

	Register("broken", func() Backend {
		return fakeBackend{name: "broken", err: ErrBackendNotAvailable}
	})
	Register("working", func() Backend { return fakeBackend{name: "working"} })
	defer Unregister("broken")
	defer Unregister("working")

	dev, err := OpenDefault(Config{})
	if err != nil {
		t.Fatalf("OpenDefault() error = %v", err)
	}
	if dev.Info().Backend != "fake" {
		t.Errorf("OpenDefault() backend = %q", dev.Info().Backend)
	}
}

func TestOpenDefaultNoneAvailable(t *testing.T) {
	saved := backendPriority
	defer func() { backendPriority = saved }()
	backendPriority = []string{"broken"}

	Register("broken", func() Backend {
		return fakeBackend{name: "broken", err: errors.New("no adapter")}
	})
	defer Unregister("broken")

	_, err := OpenDefault(Config{})
	if !errors.Is(err, ErrBackendNotAvailable) {
		t.Errorf("OpenDefault() error = %v, want ErrBackendNotAvailable", err)
	}
}

func TestCheckRange(t *testing.T) {
	tests := []struct {
		size, off, n uint64
		ok           bool
	}{
		{16, 0, 16, true},
		{16, 8, 8, true},
		{16, 16, 0, true},
		{16, 8, 9, false},
		{16, 17, 0, false},
		{16, 1, ^uint64(0), false},
	}
	for _, tt := range tests {
		err := CheckRange(tt.size, tt.off, tt.n)
		if (err == nil) != tt.ok {
			t.Errorf("CheckRange(%d, %d, %d) = %v, want ok=%v", tt.size, tt.off, tt.n, err, tt.ok)
		}
	}
}
