package hostcaps

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/spf13/afero"
)

// Source returns the raw capabilities document of the hypervisor
// connection.
type Source interface {
	GetCapabilities() (string, error)
}

// Oracle serves host capabilities from a cached capabilities document and
// free huge page counts from sysfs.
type Oracle struct {
	source    Source
	fs        afero.Fs
	sysfsRoot string
	logger    *slog.Logger

	mu     sync.Mutex
	cached *HostCapabilities
}

// NewOracle creates a capability oracle.
func NewOracle(source Source, fs afero.Fs, sysfsRoot string, logger *slog.Logger) *Oracle {
	return &Oracle{
		source:    source,
		fs:        fs,
		sysfsRoot: sysfsRoot,
		logger:    logger.With(slog.String("component", "hostcaps")),
	}
}

// GetCapabilities returns the capabilities snapshot, re-reading it from the
// source when refresh is set or nothing has been cached yet. The returned
// value must not be modified.
func (o *Oracle) GetCapabilities(refresh bool) (*HostCapabilities, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.cached != nil && !refresh {
		return o.cached, nil
	}

	capsXML, err := o.source.GetCapabilities()
	if err != nil {
		return nil, fmt.Errorf("could not get host capabilities: %w", err)
	}

	caps, err := FromCapsXML(capsXML)
	if err != nil {
		return nil, err
	}

	o.cached = caps
	o.logger.Debug("host capabilities refreshed",
		slog.String("arch", caps.HostArch),
		slog.Int("page_sizes", len(caps.PageSizes)),
		slog.Int("guests", len(caps.Guests)),
	)
	return caps, nil
}

// GetFreePages returns the number of free huge pages of the given size on a
// NUMA node, or summed over the host when node is -1.
func (o *Oracle) GetFreePages(node int, pageSizeBytes uint64) (uint64, error) {
	if pageSizeBytes == 0 || pageSizeBytes%1024 != 0 {
		return 0, fmt.Errorf("invalid page size %d B", pageSizeBytes)
	}

	pageDir := fmt.Sprintf("hugepages-%dkB", pageSizeBytes/1024)

	var path string
	if node < 0 {
		path = filepath.Join(o.sysfsRoot, "kernel", "mm", "hugepages", pageDir, "free_hugepages")
	} else {
		path = filepath.Join(o.sysfsRoot, "devices", "system", "node",
			fmt.Sprintf("node%d", node), "hugepages", pageDir, "free_hugepages")
	}

	data, err := afero.ReadFile(o.fs, path)
	if err != nil {
		return 0, fmt.Errorf("could not read free pages of size %d B: %w", pageSizeBytes, err)
	}

	free, err := strconv.ParseUint(strings.TrimSpace(string(data)), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("could not parse %s: %w", path, err)
	}

	o.logger.Debug("read free huge pages",
		slog.Int("node", node),
		slog.Uint64("page_size", pageSizeBytes),
		slog.Uint64("free", free),
	)
	return free, nil
}
