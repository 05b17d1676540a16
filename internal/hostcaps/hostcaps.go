package hostcaps

import (
	"fmt"

	"github.com/samber/lo"
	"libvirt.org/go/libvirtxml"

	"github.com/terabiome/chvirt/internal/definition"
	"github.com/terabiome/chvirt/internal/virterror"
)

// HostCapabilities is a read-only snapshot of what the host supports.
type HostCapabilities struct {
	HostArch  string
	PageSizes []uint64
	Guests    []Guest
}

// Guest is one supported os type / architecture pair together with the
// virtualization types it can run under.
type Guest struct {
	OSType    string
	Arch      string
	VirtTypes []string
}

// FromCapsXML parses a libvirt capabilities document.
func FromCapsXML(capsXML string) (*HostCapabilities, error) {
	var caps libvirtxml.Caps
	if err := caps.Unmarshal(capsXML); err != nil {
		return nil, fmt.Errorf("could not parse capabilities XML: %w", err)
	}
	return FromLibvirtXML(&caps)
}

func FromLibvirtXML(caps *libvirtxml.Caps) (*HostCapabilities, error) {
	host := &HostCapabilities{}

	if cpu := caps.Host.CPU; cpu != nil {
		host.HostArch = cpu.Arch
		for _, page := range cpu.PageSizes {
			size, err := definition.ScaleBytes(uint64(page.Size), page.Unit)
			if err != nil {
				return nil, fmt.Errorf("host page size: %w", err)
			}
			host.PageSizes = append(host.PageSizes, size)
		}
	}

	for _, guest := range caps.Guests {
		g := Guest{OSType: guest.OSType, Arch: guest.Arch.Name}
		for _, dom := range guest.Arch.Domains {
			g.VirtTypes = append(g.VirtTypes, dom.Type)
		}
		host.Guests = append(host.Guests, g)
	}

	return host, nil
}

// SupportsPageSize reports whether size is one of the host page sizes.
func (c *HostCapabilities) SupportsPageSize(size uint64) bool {
	return lo.Contains(c.PageSizes, size)
}

// DomainSupported checks that the host can run the os type, architecture
// and virtualization type triple. An empty arch means the host arch.
func (c *HostCapabilities) DomainSupported(osType, arch, virtType string) error {
	if arch == "" {
		arch = c.HostArch
	}

	for _, g := range c.Guests {
		if g.OSType == osType && g.Arch == arch && lo.Contains(g.VirtTypes, virtType) {
			return nil
		}
	}

	return virterror.New(virterror.KindConfigUnsupported,
		"could not find capabilities for ostype=%s arch=%s domaintype=%s", osType, arch, virtType)
}
