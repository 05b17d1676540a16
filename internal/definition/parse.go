package definition

import (
	"fmt"
	"math/bits"
	"strings"

	"libvirt.org/go/libvirtxml"
)

// Parse decodes a libvirt domain XML document into a Definition.
func Parse(domainXML string) (*Definition, error) {
	var dom libvirtxml.Domain
	if err := dom.Unmarshal(domainXML); err != nil {
		return nil, fmt.Errorf("could not parse domain XML: %w", err)
	}
	return FromLibvirtXML(&dom)
}

// FromLibvirtXML converts an already decoded libvirt domain.
func FromLibvirtXML(dom *libvirtxml.Domain) (*Definition, error) {
	def := &Definition{
		ID:       -1,
		Name:     dom.Name,
		UUID:     dom.UUID,
		VirtType: dom.Type,
	}
	if dom.ID != nil {
		def.ID = *dom.ID
	}

	if dom.OS != nil && dom.OS.Type != nil {
		def.OS = OS{Type: dom.OS.Type.Type, Arch: dom.OS.Type.Arch}
	}
	if dom.CPU != nil {
		def.CPU = &CPU{Mode: CPUMode(dom.CPU.Mode)}
		if def.CPU.Mode == "" {
			def.CPU.Mode = CPUModeCustom
		}
	}

	if err := parseMemory(dom, def); err != nil {
		return nil, err
	}
	if err := parseVcpus(dom, def); err != nil {
		return nil, err
	}
	if dom.Devices != nil {
		def.Emulator = dom.Devices.Emulator
		if err := parseDevices(dom.Devices, def); err != nil {
			return nil, err
		}
	}

	return def, nil
}

func parseMemory(dom *libvirtxml.Domain, def *Definition) error {
	if dom.Memory != nil {
		total, err := ScaleBytes(uint64(dom.Memory.Value), dom.Memory.Unit)
		if err != nil {
			return fmt.Errorf("memory: %w", err)
		}
		def.Memory.TotalBytes = total
	}

	if backing := dom.MemoryBacking; backing != nil {
		if backing.MemoryHugePages != nil {
			// <hugepages/> without pages asks for the default size, recorded as 0
			if len(backing.MemoryHugePages.Hugepages) == 0 {
				def.Memory.HugePages = []HugePage{{SizeBytes: 0}}
			}
			for _, page := range backing.MemoryHugePages.Hugepages {
				size, err := ScaleBytes(uint64(page.Size), page.Unit)
				if err != nil {
					return fmt.Errorf("hugepage size: %w", err)
				}
				def.Memory.HugePages = append(def.Memory.HugePages, HugePage{
					SizeBytes: size,
					Nodeset:   page.Nodeset,
				})
			}
		}
		def.Memory.NoSharePages = backing.MemoryNosharepages != nil
	}

	if dom.Devices != nil {
		for _, mem := range dom.Devices.Memorydevs {
			if mem.Target == nil || mem.Target.Size == nil {
				continue
			}
			size, err := ScaleBytes(uint64(mem.Target.Size.Value), mem.Target.Size.Unit)
			if err != nil {
				return fmt.Errorf("memory device size: %w", err)
			}
			def.Memory.MemoryDeviceBytes = append(def.Memory.MemoryDeviceBytes, size)
		}
	}

	return nil
}

// parseVcpus builds one slot per declared vCPU. Without a <vcpu> element a
// domain has a single online vCPU.
func parseVcpus(dom *libvirtxml.Domain, def *Definition) error {
	maxVcpus, current := uint(1), uint(1)
	if dom.VCPU != nil {
		maxVcpus = dom.VCPU.Value
		current = dom.VCPU.Current
	}
	if current == 0 || current > maxVcpus {
		current = maxVcpus
	}

	def.Vcpus = make([]Vcpu, maxVcpus)
	for i := range def.Vcpus {
		def.Vcpus[i] = Vcpu{ID: uint(i), Online: uint(i) < current}
	}

	if dom.VCPUs == nil {
		return nil
	}
	for _, v := range dom.VCPUs.VCPU {
		if v.Id == nil {
			continue
		}
		if *v.Id >= maxVcpus {
			return fmt.Errorf("vcpu id %d out of range (max %d)", *v.Id, maxVcpus)
		}
		def.Vcpus[*v.Id].Online = v.Enabled != "no"
	}
	return nil
}

func parseDevices(devices *libvirtxml.DomainDeviceList, def *Definition) error {
	add := func(t DeviceType, n int) {
		for i := 0; i < n; i++ {
			def.Devices = append(def.Devices, Device{Type: t})
		}
	}
	addOne := func(t DeviceType, present bool) {
		if present {
			add(t, 1)
		}
	}

	add(DeviceDisk, len(devices.Disks))
	add(DeviceController, len(devices.Controllers))
	add(DeviceLease, len(devices.Leases))
	add(DeviceFS, len(devices.Filesystems))
	add(DeviceNet, len(devices.Interfaces))
	add(DeviceSmartcard, len(devices.Smartcards))
	add(DeviceChr, len(devices.Serials)+len(devices.Parallels)+len(devices.Consoles)+len(devices.Channels))
	add(DeviceInput, len(devices.Inputs))
	add(DeviceTPM, len(devices.TPMs))
	add(DeviceGraphics, len(devices.Graphics))
	add(DeviceSound, len(devices.Sounds))
	add(DeviceAudio, len(devices.Audios))
	add(DeviceVideo, len(devices.Videos))
	add(DeviceHostdev, len(devices.Hostdevs))
	add(DeviceRedirdev, len(devices.RedirDevs))
	add(DeviceHub, len(devices.Hubs))
	add(DeviceWatchdog, len(devices.Watchdogs))
	add(DeviceRNG, len(devices.RNGs))
	add(DevicePanic, len(devices.Panics))
	add(DeviceShmem, len(devices.Shmems))
	add(DeviceMemory, len(devices.Memorydevs))
	add(DeviceCrypto, len(devices.Crypto))
	addOne(DeviceMemballoon, devices.MemBalloon != nil && devices.MemBalloon.Model != "none")
	addOne(DeviceNVRAM, devices.NVRAM != nil)
	addOne(DeviceIOMMU, devices.IOMMU != nil)
	addOne(DeviceVsock, devices.VSock != nil)

	for _, console := range devices.Consoles {
		def.Consoles = append(def.Consoles, chardevFromSource(console.Source))
	}
	for _, serial := range devices.Serials {
		def.Serials = append(def.Serials, chardevFromSource(serial.Source))
	}
	return nil
}

func chardevFromSource(src *libvirtxml.DomainChardevSource) Chardev {
	if src == nil {
		return Chardev{SourceType: ChardevPTY}
	}
	switch {
	case src.Pty != nil:
		return Chardev{SourceType: ChardevPTY, Path: src.Pty.Path}
	case src.UNIX != nil:
		return Chardev{SourceType: ChardevUNIX, Path: src.UNIX.Path}
	case src.Null != nil:
		return Chardev{SourceType: ChardevNull}
	case src.VC != nil:
		return Chardev{SourceType: ChardevVC}
	case src.Dev != nil:
		return Chardev{SourceType: ChardevDev, Path: src.Dev.Path}
	case src.File != nil:
		return Chardev{SourceType: ChardevFile, Path: src.File.Path}
	case src.Pipe != nil:
		return Chardev{SourceType: ChardevPipe, Path: src.Pipe.Path}
	case src.StdIO != nil:
		return Chardev{SourceType: ChardevStdio}
	case src.UDP != nil:
		return Chardev{SourceType: ChardevUDP}
	case src.TCP != nil:
		return Chardev{SourceType: ChardevTCP}
	case src.SpiceVMC != nil:
		return Chardev{SourceType: ChardevSpiceVMC}
	case src.SpicePort != nil:
		return Chardev{SourceType: ChardevSpicePort}
	case src.NMDM != nil:
		return Chardev{SourceType: ChardevNMDM}
	}
	return Chardev{SourceType: ChardevUnknown}
}

var unitScales = map[string]uint64{
	"b":     1,
	"bytes": 1,
	"k":     1 << 10,
	"kib":   1 << 10,
	"kb":    1000,
	"m":     1 << 20,
	"mib":   1 << 20,
	"mb":    1000 * 1000,
	"g":     1 << 30,
	"gib":   1 << 30,
	"gb":    1000 * 1000 * 1000,
	"t":     1 << 40,
	"tib":   1 << 40,
	"tb":    1000 * 1000 * 1000 * 1000,
	"p":     1 << 50,
	"pib":   1 << 50,
	"pb":    1000 * 1000 * 1000 * 1000 * 1000,
}

// ScaleBytes converts a libvirt scaled integer into bytes. An empty unit
// means KiB.
func ScaleBytes(value uint64, unit string) (uint64, error) {
	if unit == "" {
		unit = "KiB"
	}
	scale, ok := unitScales[strings.ToLower(unit)]
	if !ok {
		return 0, fmt.Errorf("unknown unit %q", unit)
	}
	hi, bytes := bits.Mul64(value, scale)
	if hi != 0 {
		return 0, fmt.Errorf("value %d%s overflows", value, unit)
	}
	return bytes, nil
}
