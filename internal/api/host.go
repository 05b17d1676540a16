package api

// HostCapabilities is the host capability subset domains are checked against.
type HostCapabilities struct {
	HostArch  string   `json:"host_arch"`
	PageSizes []uint64 `json:"page_sizes"`
	Guests    []Guest  `json:"guests"`
}

// Guest is one supported os type and architecture.
type Guest struct {
	OSType    string   `json:"os_type"`
	Arch      string   `json:"arch"`
	VirtTypes []string `json:"virt_types"`
}

// FreePages is the free huge page count of one page size.
type FreePages struct {
	Node          int    `json:"node"`
	PageSizeBytes uint64 `json:"page_size_bytes"`
	Free          uint64 `json:"free"`
}
