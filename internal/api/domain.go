package api

// ValidateDomainRequest carries a libvirt domain XML document to check.
type ValidateDomainRequest struct {
	XML string `json:"xml"`
}

// DefineDomainRequest carries a libvirt domain XML document to define.
type DefineDomainRequest struct {
	XML        string `json:"xml"`
	Persistent bool   `json:"persistent"`
}

// AttachProcessRequest describes a started cloud-hypervisor process.
type AttachProcessRequest struct {
	PID        int    `json:"pid"`
	ID         int    `json:"id"`
	SocketPath string `json:"socket_path,omitempty"`
}

// ValidatedDomain summarises a definition that passed validation.
type ValidatedDomain struct {
	Name               string `json:"name"`
	UUID               string `json:"uuid,omitempty"`
	Emulator           string `json:"emulator"`
	MaxVcpus           int    `json:"max_vcpus"`
	InitialMemoryBytes uint64 `json:"initial_memory_bytes"`
	HugePageSizeBytes  uint64 `json:"huge_page_size_bytes,omitempty"`
}

// MachineNameResponse is the machine name of a domain.
type MachineNameResponse struct {
	UUID        string `json:"uuid"`
	MachineName string `json:"machine_name"`
}
