package chdomain

import (
	"context"
	"errors"
	"log/slog"

	"github.com/terabiome/chvirt/internal/contracts"
)

var (
	errNoMonitor = errors.New("instance has no monitor")
	errDestroyed = errors.New("instance has been destroyed")
)

// Discrepancy compares the declared vCPU count with the vCPU threads found
// in the hypervisor process. It is diagnostic only.
type Discrepancy struct {
	Expected int
	// Observed counts vCPU threads matched to a declared slot.
	Observed int
	// Reported counts every vCPU thread the monitor listed.
	Reported int
	// OutOfRange lists reported vCPU indices without a declared slot.
	OutOfRange []uint
	// Err is the monitor failure, if the thread list could not be read.
	Err error
}

// Missing is Expected - Observed.
func (d Discrepancy) Missing() int {
	return d.Expected - d.Observed
}

// Unreported is Expected - Reported. It differs from Missing when the
// monitor lists vCPU indices without a declared slot.
func (d Discrepancy) Unreported() int {
	return d.Expected - d.Reported
}

// Consistent reports whether every declared slot was matched.
func (d Discrepancy) Consistent() bool {
	return d.Err == nil && d.Missing() == 0 && len(d.OutOfRange) == 0
}

// RefreshThreadInfo asks the monitor for the live thread list and records
// the thread id of every vCPU thread in the matching slot. Slots are fixed
// for the lifetime of the instance; vCPU hotplug is not handled. A monitor
// failure counts as zero threads.
func RefreshThreadInfo(ctx context.Context, inst *Instance) Discrepancy {
	priv := inst.private
	report := Discrepancy{Expected: inst.Def.MaxVcpus()}
	if priv == nil {
		report.Err = errDestroyed
		return report
	}
	logger := priv.driver.Logger.With(slog.String("domain", inst.Def.Name))

	var threads []contracts.ThreadInfo
	if priv.monitor == nil {
		report.Err = errNoMonitor
	} else {
		var err error
		threads, err = priv.monitor.ListThreads(ctx, true)
		if err != nil {
			report.Err = err
			threads = nil
		}
	}

	if report.Err != nil {
		logger.Warn("could not get thread info from monitor", slog.String("error", report.Err.Error()))
	}

	for _, thread := range threads {
		if thread.Type != contracts.ThreadTypeVcpu {
			continue
		}
		report.Reported++

		vcpu, ok := priv.Vcpu(thread.CPUID)
		if !ok {
			report.OutOfRange = append(report.OutOfRange, thread.CPUID)
			continue
		}
		vcpu.TID = thread.TID
		report.Observed++
	}

	if report.Missing() != 0 {
		logger.Warn("mismatch in the number of cpus",
			slog.Int("expected", report.Expected),
			slog.Int("actual", report.Observed),
		)
	}
	if len(report.OutOfRange) > 0 {
		logger.Warn("monitor reported vcpus without a declared slot",
			slog.Any("cpuids", report.OutOfRange),
		)
	}

	return report
}

// GetMonitor returns the monitor of a running instance, or nil.
func GetMonitor(inst *Instance) contracts.Monitor {
	if inst.private == nil {
		return nil
	}
	return inst.private.monitor
}

// GetVcpuPid returns the thread id backing vCPU id, 0 when unknown.
func GetVcpuPid(inst *Instance, id uint) int {
	if inst.private == nil {
		return 0
	}
	vcpu, ok := inst.private.Vcpu(id)
	if !ok {
		return 0
	}
	return vcpu.TID
}

// HasVcpuPids reports whether any vCPU thread id is known.
func HasVcpuPids(inst *Instance) bool {
	if inst.private == nil {
		return false
	}
	for _, vcpu := range inst.private.vcpus {
		if vcpu.TID > 0 {
			return true
		}
	}
	return false
}
