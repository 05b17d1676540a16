package chdomain

import (
	"context"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/terabiome/chvirt/internal/contracts"
)

func vcpuTIDs(inst *Instance) []int {
	var tids []int
	for id := range inst.Def.MaxVcpus() {
		tids = append(tids, GetVcpuPid(inst, uint(id)))
	}
	return tids
}

func TestRefreshThreadInfo(t *testing.T) {
	driver := testDriver(t)
	inst := testInstance(t, driver, 4)
	mon := &fakeMonitor{threads: vcpuThreads(2001, 2002, 2003, 2004)}
	if err := inst.AttachMonitor(1000, mon); err != nil {
		t.Fatalf("AttachMonitor() error = %v", err)
	}

	if HasVcpuPids(inst) {
		t.Fatal("HasVcpuPids() = true before the first refresh")
	}

	report := RefreshThreadInfo(context.Background(), inst)
	if !report.Consistent() {
		t.Errorf("report = %+v, want consistent", report)
	}
	if diff := cmp.Diff([]int{2001, 2002, 2003, 2004}, vcpuTIDs(inst)); diff != "" {
		t.Errorf("vcpu tids mismatch (-want +got):\n%s", diff)
	}
	if !HasVcpuPids(inst) {
		t.Error("HasVcpuPids() = false after refresh")
	}
}

func TestRefreshThreadInfoIdempotent(t *testing.T) {
	driver := testDriver(t)
	inst := testInstance(t, driver, 2)
	mon := &fakeMonitor{threads: vcpuThreads(2001, 2002)}
	if err := inst.AttachMonitor(1000, mon); err != nil {
		t.Fatalf("AttachMonitor() error = %v", err)
	}

	first := RefreshThreadInfo(context.Background(), inst)
	firstTIDs := vcpuTIDs(inst)
	second := RefreshThreadInfo(context.Background(), inst)

	if diff := cmp.Diff(first, second); diff != "" {
		t.Errorf("reports differ (-first +second):\n%s", diff)
	}
	if diff := cmp.Diff(firstTIDs, vcpuTIDs(inst)); diff != "" {
		t.Errorf("vcpu tids changed (-first +second):\n%s", diff)
	}
	if mon.calls != 2 {
		t.Errorf("monitor called %d times, want 2", mon.calls)
	}
}

func TestRefreshThreadInfoDiscrepancy(t *testing.T) {
	driver := testDriver(t)
	inst := testInstance(t, driver, 4)
	mon := &fakeMonitor{threads: vcpuThreads(2001, 2002)}
	if err := inst.AttachMonitor(1000, mon); err != nil {
		t.Fatalf("AttachMonitor() error = %v", err)
	}

	report := RefreshThreadInfo(context.Background(), inst)
	if report.Missing() != 2 {
		t.Errorf("Missing() = %d, want 2", report.Missing())
	}
	if report.Consistent() {
		t.Error("Consistent() = true with missing vcpus")
	}
	if diff := cmp.Diff([]int{2001, 2002, 0, 0}, vcpuTIDs(inst)); diff != "" {
		t.Errorf("vcpu tids mismatch (-want +got):\n%s", diff)
	}
}

func TestRefreshThreadInfoOutOfRange(t *testing.T) {
	driver := testDriver(t)
	inst := testInstance(t, driver, 2)
	mon := &fakeMonitor{threads: vcpuThreads(2001, 2002, 2003)}
	if err := inst.AttachMonitor(1000, mon); err != nil {
		t.Fatalf("AttachMonitor() error = %v", err)
	}

	report := RefreshThreadInfo(context.Background(), inst)
	want := Discrepancy{Expected: 2, Observed: 2, Reported: 3, OutOfRange: []uint{2}}
	if diff := cmp.Diff(want, report); diff != "" {
		t.Errorf("report mismatch (-want +got):\n%s", diff)
	}
	if report.Missing() != 0 || report.Unreported() != -1 {
		t.Errorf("Missing() = %d, Unreported() = %d; want 0, -1", report.Missing(), report.Unreported())
	}
	if report.Consistent() {
		t.Error("Consistent() = true with an undeclared vcpu")
	}
	if GetVcpuPid(inst, 2) != 0 {
		t.Error("GetVcpuPid() for an undeclared slot should be 0")
	}
}

func TestRefreshThreadInfoMonitorError(t *testing.T) {
	driver := testDriver(t)
	inst := testInstance(t, driver, 3)
	boom := errors.New("monitor socket closed")
	if err := inst.AttachMonitor(1000, &fakeMonitor{err: boom}); err != nil {
		t.Fatalf("AttachMonitor() error = %v", err)
	}

	report := RefreshThreadInfo(context.Background(), inst)
	if !errors.Is(report.Err, boom) {
		t.Errorf("report.Err = %v, want %v", report.Err, boom)
	}
	if report.Missing() != 3 {
		t.Errorf("Missing() = %d, want the full vcpu count", report.Missing())
	}
	if HasVcpuPids(inst) {
		t.Error("HasVcpuPids() = true after a failed refresh")
	}
}

func TestRefreshThreadInfoWithoutMonitor(t *testing.T) {
	driver := testDriver(t)
	inst := testInstance(t, driver, 1)

	report := RefreshThreadInfo(context.Background(), inst)
	if !errors.Is(report.Err, errNoMonitor) {
		t.Errorf("report.Err = %v, want %v", report.Err, errNoMonitor)
	}
	if GetMonitor(inst) != nil {
		t.Error("GetMonitor() should be nil before a monitor is attached")
	}
}

func TestRefreshThreadInfoIgnoresOtherThreads(t *testing.T) {
	driver := testDriver(t)
	inst := testInstance(t, driver, 1)
	mon := &fakeMonitor{threads: []contracts.ThreadInfo{
		{Type: contracts.ThreadTypeEmulator, TID: 1000},
		{Type: contracts.ThreadTypeIO, TID: 1001, CPUID: 0},
		{Type: contracts.ThreadTypeVcpu, TID: 1002, CPUID: 0},
	}}
	if err := inst.AttachMonitor(1000, mon); err != nil {
		t.Fatalf("AttachMonitor() error = %v", err)
	}

	RefreshThreadInfo(context.Background(), inst)
	if got := GetVcpuPid(inst, 0); got != 1002 {
		t.Errorf("GetVcpuPid(0) = %d, want 1002", got)
	}
}

func TestRefreshThreadInfoDestroyed(t *testing.T) {
	driver := testDriver(t)
	inst := testInstance(t, driver, 2)
	if err := inst.Destroy(); err != nil {
		t.Fatalf("Destroy() error = %v", err)
	}

	report := RefreshThreadInfo(context.Background(), inst)
	if !errors.Is(report.Err, errDestroyed) {
		t.Errorf("report.Err = %v, want %v", report.Err, errDestroyed)
	}
	if GetVcpuPid(inst, 0) != 0 || HasVcpuPids(inst) {
		t.Error("destroyed instance should report no vcpu threads")
	}
}
