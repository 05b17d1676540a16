package definition

import "github.com/samber/lo"

// DeviceType names a class of device in a domain definition.
type DeviceType string

const (
	DeviceDisk       DeviceType = "disk"
	DeviceLease      DeviceType = "lease"
	DeviceFS         DeviceType = "filesystem"
	DeviceNet        DeviceType = "interface"
	DeviceInput      DeviceType = "input"
	DeviceSound      DeviceType = "sound"
	DeviceVideo      DeviceType = "video"
	DeviceHostdev    DeviceType = "hostdev"
	DeviceWatchdog   DeviceType = "watchdog"
	DeviceController DeviceType = "controller"
	DeviceGraphics   DeviceType = "graphics"
	DeviceHub        DeviceType = "hub"
	DeviceRedirdev   DeviceType = "redirdev"
	DeviceSmartcard  DeviceType = "smartcard"
	DeviceChr        DeviceType = "chr"
	DeviceMemballoon DeviceType = "memballoon"
	DeviceNVRAM      DeviceType = "nvram"
	DeviceRNG        DeviceType = "rng"
	DeviceShmem      DeviceType = "shmem"
	DeviceTPM        DeviceType = "tpm"
	DevicePanic      DeviceType = "panic"
	DeviceMemory     DeviceType = "memory"
	DeviceIOMMU      DeviceType = "iommu"
	DeviceVsock      DeviceType = "vsock"
	DeviceAudio      DeviceType = "audio"
	DeviceCrypto     DeviceType = "crypto"
)

// CPUMode is the guest CPU exposure mode.
type CPUMode string

const (
	CPUModeCustom          CPUMode = "custom"
	CPUModeHostModel       CPUMode = "host-model"
	CPUModeHostPassthrough CPUMode = "host-passthrough"
	CPUModeMaximum         CPUMode = "maximum"
)

// ChardevSourceType is the backing transport of a character device.
type ChardevSourceType string

const (
	ChardevNull      ChardevSourceType = "null"
	ChardevVC        ChardevSourceType = "vc"
	ChardevPTY       ChardevSourceType = "pty"
	ChardevDev       ChardevSourceType = "dev"
	ChardevFile      ChardevSourceType = "file"
	ChardevPipe      ChardevSourceType = "pipe"
	ChardevStdio     ChardevSourceType = "stdio"
	ChardevUDP       ChardevSourceType = "udp"
	ChardevTCP       ChardevSourceType = "tcp"
	ChardevUNIX      ChardevSourceType = "unix"
	ChardevSpiceVMC  ChardevSourceType = "spicevmc"
	ChardevSpicePort ChardevSourceType = "spiceport"
	ChardevNMDM      ChardevSourceType = "nmdm"
	ChardevUnknown   ChardevSourceType = ""
)

// Definition is the hypervisor-agnostic description of a domain. It is owned
// by the management layer and treated as read-only once validated, except
// for the emulator path filled in by the basic post-parse stage.
type Definition struct {
	// ID is the runtime domain id, -1 for inactive domains.
	ID       int
	Name     string
	UUID     string
	VirtType string
	OS       OS
	Emulator string
	CPU      *CPU
	Memory   Memory
	Vcpus    []Vcpu
	Devices  []Device
	Consoles []Chardev
	Serials  []Chardev
}

type OS struct {
	Type string
	Arch string
}

type CPU struct {
	Mode CPUMode
}

type Memory struct {
	TotalBytes        uint64
	HugePages         []HugePage
	NoSharePages      bool
	MemoryDeviceBytes []uint64
}

type HugePage struct {
	SizeBytes uint64
	Nodeset   string
}

// Vcpu is a declared vCPU slot. Slots exist for every vCPU up to the
// maximum, whether or not they are online.
type Vcpu struct {
	ID     uint
	Online bool
}

type Device struct {
	Type DeviceType
}

type Chardev struct {
	Path       string
	SourceType ChardevSourceType
}

// MaxVcpus returns the number of declared vCPU slots.
func (d *Definition) MaxVcpus() int {
	return len(d.Vcpus)
}

// Vcpu returns the slot with the given logical index.
func (d *Definition) Vcpu(id uint) (*Vcpu, bool) {
	if int(id) >= len(d.Vcpus) {
		return nil, false
	}
	return &d.Vcpus[id], true
}

// InitialMemoryBytes is the boot memory: the total minus hotpluggable
// memory devices.
func (d *Definition) InitialMemoryBytes() uint64 {
	total := d.Memory.TotalBytes
	for _, size := range d.Memory.MemoryDeviceBytes {
		if size >= total {
			return 0
		}
		total -= size
	}
	return total
}

// HugePageSizes returns the distinct huge page sizes requested.
func (m Memory) HugePageSizes() []uint64 {
	return lo.Uniq(lo.Map(m.HugePages, func(p HugePage, _ int) uint64 {
		return p.SizeBytes
	}))
}
