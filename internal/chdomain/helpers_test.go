package chdomain

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/spf13/afero"

	"github.com/terabiome/chvirt/internal/contracts"
	"github.com/terabiome/chvirt/internal/definition"
	"github.com/terabiome/chvirt/internal/hostcaps"
)

type fakeOracle struct {
	caps      *hostcaps.HostCapabilities
	capsErr   error
	free      map[uint64]uint64
	freeErr   error
	capsCalls int
}

func (f *fakeOracle) GetCapabilities(refresh bool) (*hostcaps.HostCapabilities, error) {
	f.capsCalls++
	if f.capsErr != nil {
		return nil, f.capsErr
	}
	return f.caps, nil
}

func (f *fakeOracle) GetFreePages(node int, pageSizeBytes uint64) (uint64, error) {
	if f.freeErr != nil {
		return 0, f.freeErr
	}
	free, ok := f.free[pageSizeBytes]
	if !ok {
		return 0, errors.New("no such page size")
	}
	return free, nil
}

func newFakeOracle() *fakeOracle {
	return &fakeOracle{
		caps: &hostcaps.HostCapabilities{
			HostArch:  "x86_64",
			PageSizes: []uint64{4096, 2097152, 1 << 30},
			Guests: []hostcaps.Guest{
				{OSType: "hvm", Arch: "x86_64", VirtTypes: []string{"kvm"}},
			},
		},
		free: map[uint64]uint64{2097152: 100, 1 << 30: 0},
	}
}

type fakeMonitor struct {
	mu      sync.Mutex
	threads []contracts.ThreadInfo
	err     error
	calls   int
	closed  bool
}

func (f *fakeMonitor) ListThreads(ctx context.Context, refresh bool) ([]contracts.ThreadInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return append([]contracts.ThreadInfo(nil), f.threads...), nil
}

func (f *fakeMonitor) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

type fakeNamer struct {
	names map[int]string
	err   error
	calls int
}

func (f *fakeNamer) GetMachineNameByPID(ctx context.Context, pid int) (string, error) {
	f.calls++
	if f.err != nil {
		return "", f.err
	}
	return f.names[pid], nil
}

type fakeRegistry struct {
	instances map[uuid.UUID]*Instance
	removed   []*Instance
}

func (f *fakeRegistry) FindByUUID(id uuid.UUID) (*Instance, bool) {
	inst, ok := f.instances[id]
	return inst, ok
}

func (f *fakeRegistry) Remove(inst *Instance) {
	delete(f.instances, inst.UUID)
	f.removed = append(f.removed, inst)
}

func testDriver(t *testing.T) *Driver {
	t.Helper()

	return &Driver{
		Caps:           newFakeOracle(),
		Namer:          &fakeNamer{},
		Registry:       &fakeRegistry{instances: make(map[uuid.UUID]*Instance)},
		Privileged:     true,
		Fs:             afero.NewMemMapFs(),
		ChardevLockDir: "/run/chvirt/lock",
		Logger:         slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

func testDefinition(vcpus int) *definition.Definition {
	def := &definition.Definition{
		ID:       3,
		Name:     "guest",
		UUID:     "4dea22b3-1d52-d8f3-2516-782e98ab3fa0",
		VirtType: "kvm",
		OS:       definition.OS{Type: "hvm", Arch: "x86_64"},
		Emulator: "/usr/bin/cloud-hypervisor",
		CPU:      &definition.CPU{Mode: definition.CPUModeHostPassthrough},
		Memory:   definition.Memory{TotalBytes: 1 << 30},
	}
	for i := 0; i < vcpus; i++ {
		def.Vcpus = append(def.Vcpus, definition.Vcpu{ID: uint(i), Online: true})
	}
	return def
}

func testInstance(t *testing.T, driver *Driver, vcpus int) *Instance {
	t.Helper()

	inst, err := NewInstance(driver, testDefinition(vcpus))
	if err != nil {
		t.Fatalf("NewInstance() error = %v", err)
	}
	t.Cleanup(func() { _ = inst.Destroy() })
	return inst
}

func vcpuThreads(tids ...int) []contracts.ThreadInfo {
	threads := []contracts.ThreadInfo{
		{Type: contracts.ThreadTypeEmulator, Name: "cloud-hypervisor", TID: 1000},
	}
	for i, tid := range tids {
		threads = append(threads, contracts.ThreadInfo{
			Type:  contracts.ThreadTypeVcpu,
			TID:   tid,
			CPUID: uint(i),
		})
	}
	threads = append(threads, contracts.ThreadInfo{Type: contracts.ThreadTypeIO, Name: "_disk0", TID: 1001})
	return threads
}
