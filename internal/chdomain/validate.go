package chdomain

import (
	"log/slog"
	"os/exec"

	"github.com/samber/lo"

	"github.com/terabiome/chvirt/internal/contracts"
	"github.com/terabiome/chvirt/internal/definition"
	"github.com/terabiome/chvirt/internal/virterror"
)

// DefaultEmulator is the hypervisor binary looked up in PATH when a
// definition names none.
const DefaultEmulator = "cloud-hypervisor"

// StageFunc validates, and may normalise, a definition.
type StageFunc func(def *definition.Definition, caps contracts.CapabilityOracle) error

// Stage is one named step of the validation pipeline.
type Stage struct {
	Name string
	Run  StageFunc
}

var supportedDevices = []definition.DeviceType{
	definition.DeviceDisk,
	definition.DeviceNet,
	definition.DeviceMemory,
	definition.DeviceVsock,
	definition.DeviceController,
	definition.DeviceChr,
}

// Validator runs the definition validation pipeline.
type Validator struct {
	emulator string
	lookPath func(file string) (string, error)
	logger   *slog.Logger
}

// NewValidator creates a validator that falls back to the emulator binary
// name when a definition has no emulator path.
func NewValidator(emulator string, logger *slog.Logger) *Validator {
	if emulator == "" {
		emulator = DefaultEmulator
	}
	return &Validator{
		emulator: emulator,
		lookPath: exec.LookPath,
		logger:   logger.With(slog.String("component", "validator")),
	}
}

// Stages returns the pipeline in execution order.
func (v *Validator) Stages() []Stage {
	return []Stage{
		{Name: "post-parse-basic", Run: v.PostParseBasic},
		{Name: "post-parse", Run: v.PostParse},
		{Name: "cpu", Run: v.ValidateCPU},
		{Name: "memory", Run: v.ValidateMemory},
		{Name: "devices", Run: v.ValidateDevices},
	}
}

// Run executes every stage in order and returns the first failure as is.
func (v *Validator) Run(def *definition.Definition, caps contracts.CapabilityOracle) error {
	_, err := v.Check(def, caps)
	return err
}

// Check is Run, additionally naming the stage that failed.
func (v *Validator) Check(def *definition.Definition, caps contracts.CapabilityOracle) (string, error) {
	return runStages(v.Stages(), def, caps, v.logger)
}

// RunStages executes stages in order, stopping at the first error.
func RunStages(stages []Stage, def *definition.Definition, caps contracts.CapabilityOracle, logger *slog.Logger) error {
	_, err := runStages(stages, def, caps, logger)
	return err
}

func runStages(stages []Stage, def *definition.Definition, caps contracts.CapabilityOracle, logger *slog.Logger) (string, error) {
	for _, stage := range stages {
		if err := stage.Run(def, caps); err != nil {
			logger.Debug("validation stage failed",
				slog.String("stage", stage.Name),
				slog.String("domain", def.Name),
				slog.String("error", err.Error()),
			)
			return stage.Name, err
		}
	}
	return "", nil
}

// PostParseBasic fills in the emulator path from PATH when it is unset.
func (v *Validator) PostParseBasic(def *definition.Definition, _ contracts.CapabilityOracle) error {
	if def.Emulator != "" {
		return nil
	}

	path, err := v.lookPath(v.emulator)
	if err != nil {
		return virterror.Wrap(virterror.KindConfigUnsupported, err, "no emulator found for %s", v.emulator)
	}

	def.Emulator = path
	return nil
}

// PostParse checks the os type, arch and virt type against the current host
// capabilities.
func (v *Validator) PostParse(def *definition.Definition, caps contracts.CapabilityOracle) error {
	host, err := caps.GetCapabilities(false)
	if err != nil {
		return virterror.Wrap(virterror.KindOperationFailed, err, "could not get host capabilities")
	}
	return host.DomainSupported(def.OS.Type, def.OS.Arch, def.VirtType)
}

// ValidateCPU only admits host-passthrough CPUs.
func (v *Validator) ValidateCPU(def *definition.Definition, _ contracts.CapabilityOracle) error {
	if def.CPU != nil && def.CPU.Mode != definition.CPUModeHostPassthrough {
		return virterror.New(virterror.KindConfigInvalid,
			"CPU mode '%s' is not supported, only '%s' is", def.CPU.Mode, definition.CPUModeHostPassthrough)
	}
	return nil
}

// ValidateMemory admits a huge page request if a single supported page size
// is asked for and enough pages of it are free right now. Pages are not
// reserved.
func (v *Validator) ValidateMemory(def *definition.Definition, caps contracts.CapabilityOracle) error {
	mem := def.Memory
	if len(mem.HugePages) == 0 {
		return nil
	}

	// guest memory is backed by zones of exactly one page size
	sizes := mem.HugePageSizes()
	if len(sizes) > 1 {
		return virterror.New(virterror.KindConfigUnsupported,
			"multiple huge page sizes %v are not supported", sizes)
	}

	if mem.NoSharePages {
		return virterror.New(virterror.KindConfigUnsupported,
			"disabling shared memory pages is not supported")
	}

	host, err := caps.GetCapabilities(false)
	if err != nil {
		return virterror.Wrap(virterror.KindOperationFailed, err, "could not get host capabilities")
	}

	pageSize := sizes[0]
	if pageSize == 0 {
		return virterror.New(virterror.KindConfigUnsupported,
			"huge pages of the default size are not supported, a page size must be given")
	}
	if !host.SupportsPageSize(pageSize) {
		return virterror.New(virterror.KindConfigUnsupported,
			"host does not support huge page size %d B", pageSize)
	}

	free, err := caps.GetFreePages(-1, pageSize)
	if err != nil {
		return virterror.Wrap(virterror.KindOperationFailed, err, "could not get free huge pages of size %d B", pageSize)
	}

	needed := PagesNeeded(def.InitialMemoryBytes(), pageSize)
	if needed > free {
		return virterror.New(virterror.KindConfigUnsupported,
			"host does not have enough free huge pages of size %d B: need %d, have %d, short by %d",
			pageSize, needed, free, needed-free)
	}

	v.logger.Debug("huge page admission passed",
		slog.String("domain", def.Name),
		slog.Uint64("page_size", pageSize),
		slog.Uint64("needed", needed),
		slog.Uint64("free", free),
	)
	return nil
}

// PagesNeeded is ceil(memory / pageSize).
func PagesNeeded(memory, pageSize uint64) uint64 {
	pages := memory / pageSize
	if memory%pageSize != 0 {
		pages++
	}
	return pages
}

// ValidateDevices checks every device against the supported set and the
// console and serial constraints.
func (v *Validator) ValidateDevices(def *definition.Definition, _ contracts.CapabilityOracle) error {
	for _, dev := range def.Devices {
		if err := ValidateDevice(dev); err != nil {
			return err
		}
	}

	if len(def.Consoles) > 1 {
		return virterror.New(virterror.KindInternalError, "only a single console can be configured for this domain")
	}
	if len(def.Serials) > 1 {
		return virterror.New(virterror.KindInternalError, "only a single serial can be configured for this domain")
	}
	if len(def.Consoles) == 1 && !streamTransport(def.Consoles[0]) {
		return virterror.New(virterror.KindInternalError,
			"console works only in UNIX / PTY modes, got '%s'", def.Consoles[0].SourceType)
	}
	if len(def.Serials) == 1 && !streamTransport(def.Serials[0]) {
		return virterror.New(virterror.KindInternalError,
			"serial works only in UNIX / PTY modes, got '%s'", def.Serials[0].SourceType)
	}

	return nil
}

// ValidateDevice rejects device types the hypervisor cannot model.
func ValidateDevice(dev definition.Device) error {
	if !lo.Contains(supportedDevices, dev.Type) {
		return virterror.New(virterror.KindConfigUnsupported,
			"cloud-hypervisor doesn't support '%s' device", dev.Type)
	}
	return nil
}

func streamTransport(c definition.Chardev) bool {
	return c.SourceType == definition.ChardevPTY || c.SourceType == definition.ChardevUNIX
}
