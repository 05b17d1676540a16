package service

import (
	"time"

	"github.com/google/uuid"

	"github.com/terabiome/chvirt/internal/chdomain"
)

// Options tunes the blocking calls made by DomainService.
type Options struct {
	// MonitorTimeout bounds monitor open and thread listing calls.
	MonitorTimeout time.Duration
	// NamingTimeout bounds machine naming service lookups.
	NamingTimeout time.Duration
	// RefreshConcurrency is the number of instances refreshed in parallel.
	RefreshConcurrency int
}

// AttachParams describes a started hypervisor process.
type AttachParams struct {
	UUID uuid.UUID
	PID  int
	// ID is the numeric domain id assigned on start.
	ID int
	// SocketPath is the hypervisor API socket, empty to skip the readiness check.
	SocketPath string
}

// DomainSummary is the externally visible state of one instance.
type DomainSummary struct {
	UUID        string `json:"uuid"`
	Name        string `json:"name"`
	ID          int    `json:"id"`
	PID         int    `json:"pid,omitempty"`
	Persistent  bool   `json:"persistent"`
	Active      bool   `json:"active"`
	MachineName string `json:"machine_name,omitempty"`
}

// VcpuInfo is one vCPU slot with the thread backing it, TID 0 when unknown.
type VcpuInfo struct {
	ID     uint `json:"id"`
	Online bool `json:"online"`
	TID    int  `json:"tid"`
}

// ConsoleParams selects a console or serial device of an instance.
type ConsoleParams struct {
	UUID  uuid.UUID
	Kind  chdomain.ConsoleKind
	Index int
	Force bool
}

// ConsoleInfo describes an opened character device stream.
type ConsoleInfo struct {
	UUID  string `json:"uuid"`
	Kind  string `json:"kind"`
	Index int    `json:"index"`
	Path  string `json:"path"`
}

// RefreshResult is the outcome of refreshing one instance.
type RefreshResult struct {
	UUID       string `json:"uuid"`
	Name       string `json:"name"`
	Expected   int    `json:"expected"`
	Observed   int    `json:"observed"`
	Reported   int    `json:"reported"`
	Missing    int    `json:"missing"`
	Unreported int    `json:"unreported"`
	OutOfRange []uint `json:"out_of_range,omitempty"`
	MonitorErr string `json:"monitor_error,omitempty"`
	Consistent bool   `json:"consistent"`
}

func newRefreshResult(inst *chdomain.Instance, d chdomain.Discrepancy) RefreshResult {
	r := RefreshResult{
		UUID:       inst.UUID.String(),
		Name:       inst.Def.Name,
		Expected:   d.Expected,
		Observed:   d.Observed,
		Reported:   d.Reported,
		Missing:    d.Missing(),
		Unreported: d.Unreported(),
		OutOfRange: d.OutOfRange,
		Consistent: d.Consistent(),
	}
	if d.Err != nil {
		r.MonitorErr = d.Err.Error()
	}
	return r
}

func summarize(inst *chdomain.Instance) DomainSummary {
	return DomainSummary{
		UUID:        inst.UUID.String(),
		Name:        inst.Def.Name,
		ID:          inst.Def.ID,
		PID:         inst.PID,
		Persistent:  inst.Persistent,
		Active:      inst.Active(),
		MachineName: chdomain.MachineName(inst),
	}
}
