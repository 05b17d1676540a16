package chdomain

import (
	"log/slog"

	"github.com/spf13/afero"

	"github.com/terabiome/chvirt/internal/contracts"
)

// DriverName prefixes generated machine names.
const DriverName = "ch"

// Driver is the shared driver context. Private state keeps a non-owning
// reference to it.
type Driver struct {
	Caps     contracts.CapabilityOracle
	Namer    contracts.MachineNamer
	Registry Registry

	// Privileged is set when the driver runs as the system instance.
	Privileged bool
	// User is the effective user name, used in unprivileged machine names.
	User string

	Fs             afero.Fs
	ChardevLockDir string

	Logger *slog.Logger
}
