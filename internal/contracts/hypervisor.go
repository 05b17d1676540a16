package contracts

import (
	"context"

	"github.com/terabiome/chvirt/internal/hostcaps"
)

// CapabilityOracle reports what the host can provide to a domain.
type CapabilityOracle interface {
	GetCapabilities(refresh bool) (*hostcaps.HostCapabilities, error)
	GetFreePages(node int, pageSizeBytes uint64) (uint64, error)
}

// ThreadType classifies a thread of the hypervisor process.
type ThreadType int

const (
	ThreadTypeEmulator ThreadType = iota
	ThreadTypeVcpu
	ThreadTypeIO
)

func (t ThreadType) String() string {
	switch t {
	case ThreadTypeVcpu:
		return "vcpu"
	case ThreadTypeIO:
		return "io"
	default:
		return "emulator"
	}
}

func (t ThreadType) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// ThreadInfo describes one OS thread of the hypervisor process. CPUID is
// only meaningful for vcpu threads.
type ThreadInfo struct {
	Type  ThreadType `json:"type"`
	Name  string     `json:"name"`
	TID   int        `json:"tid"`
	CPUID uint       `json:"cpuid"`
}

// Monitor is the per-instance connection to the hypervisor process.
type Monitor interface {
	// ListThreads returns the current thread list. With refresh unset an
	// implementation may return its last listing.
	ListThreads(ctx context.Context, refresh bool) ([]ThreadInfo, error)
	Close() error
}

// MachineNamer resolves the machine name registered for a process.
type MachineNamer interface {
	GetMachineNameByPID(ctx context.Context, pid int) (string, error)
}
