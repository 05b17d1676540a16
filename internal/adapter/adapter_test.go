package adapter

import (
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/terabiome/chvirt/internal/api"
	"github.com/terabiome/chvirt/internal/definition"
	"github.com/terabiome/chvirt/internal/hostcaps"
)

func TestAdaptValidatedDomain(t *testing.T) {
	def := &definition.Definition{
		Name:     "guest",
		UUID:     "4dea22b3-1d52-d8f3-2516-782e98ab3fa0",
		Emulator: "/usr/bin/cloud-hypervisor",
		Memory: definition.Memory{
			TotalBytes:        4 << 30,
			MemoryDeviceBytes: []uint64{1 << 30},
			HugePages:         []definition.HugePage{{SizeBytes: 2097152}, {SizeBytes: 2097152, Nodeset: "1"}},
		},
		Vcpus: []definition.Vcpu{{ID: 0, Online: true}, {ID: 1}},
	}

	want := api.ValidatedDomain{
		Name:               "guest",
		UUID:               "4dea22b3-1d52-d8f3-2516-782e98ab3fa0",
		Emulator:           "/usr/bin/cloud-hypervisor",
		MaxVcpus:           2,
		InitialMemoryBytes: 3 << 30,
		HugePageSizeBytes:  2097152,
	}
	if diff := cmp.Diff(want, AdaptValidatedDomain(def)); diff != "" {
		t.Errorf("AdaptValidatedDomain() mismatch (-want +got):\n%s", diff)
	}
}

func TestAdaptHostCapabilities(t *testing.T) {
	caps := &hostcaps.HostCapabilities{
		HostArch:  "x86_64",
		PageSizes: []uint64{4096, 2097152},
		Guests:    []hostcaps.Guest{{OSType: "hvm", Arch: "x86_64", VirtTypes: []string{"kvm"}}},
	}

	want := api.HostCapabilities{
		HostArch:  "x86_64",
		PageSizes: []uint64{4096, 2097152},
		Guests:    []api.Guest{{OSType: "hvm", Arch: "x86_64", VirtTypes: []string{"kvm"}}},
	}
	if diff := cmp.Diff(want, AdaptHostCapabilities(caps)); diff != "" {
		t.Errorf("AdaptHostCapabilities() mismatch (-want +got):\n%s", diff)
	}
}
