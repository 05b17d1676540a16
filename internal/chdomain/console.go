package chdomain

import (
	"errors"
	"log/slog"

	"github.com/terabiome/chvirt/internal/chardev"
	"github.com/terabiome/chvirt/internal/definition"
	"github.com/terabiome/chvirt/internal/virterror"
)

// ConsoleKind selects the console or the serial device list.
type ConsoleKind string

const (
	ConsoleKindConsole ConsoleKind = "console"
	ConsoleKindSerial  ConsoleKind = "serial"
)

// ConsoleDevice returns the character device with the given index.
func ConsoleDevice(def *definition.Definition, kind ConsoleKind, index int) (definition.Chardev, error) {
	var devices []definition.Chardev
	switch kind {
	case ConsoleKindConsole:
		devices = def.Consoles
	case ConsoleKindSerial:
		devices = def.Serials
	default:
		return definition.Chardev{}, virterror.New(virterror.KindConfigInvalid, "unknown character device kind '%s'", kind)
	}

	if index < 0 || index >= len(devices) {
		return definition.Chardev{}, virterror.New(virterror.KindOperationFailed,
			"cannot find %s device %d of domain '%s'", kind, index, def.Name)
	}

	dev := devices[index]
	if dev.SourceType != definition.ChardevPTY && dev.SourceType != definition.ChardevUNIX {
		return definition.Chardev{}, virterror.New(virterror.KindConfigUnsupported,
			"character device %s %d is not using a pty or unix socket", kind, index)
	}
	if dev.Path == "" {
		return definition.Chardev{}, virterror.New(virterror.KindOperationFailed,
			"character device %s %d has no host path", kind, index)
	}
	return dev, nil
}

// OpenConsole takes the stream of a console or serial device of a running
// instance. The caller holds the instance lock.
func OpenConsole(inst *Instance, kind ConsoleKind, index int, force bool) (*chardev.Stream, error) {
	if inst.private == nil {
		return nil, virterror.Wrap(virterror.KindOperationFailed, errDestroyed, "cannot open console")
	}
	if !inst.Active() {
		return nil, virterror.New(virterror.KindOperationFailed, "domain '%s' is not running", inst.Def.Name)
	}

	dev, err := ConsoleDevice(inst.Def, kind, index)
	if err != nil {
		return nil, err
	}

	stream, err := inst.private.chrdevs.Open(dev.Path, force)
	if err != nil {
		if errors.Is(err, chardev.ErrBusy) {
			return nil, virterror.Wrap(virterror.KindOperationFailed, err, "active %s stream exists for this domain", kind)
		}
		return nil, virterror.Wrap(virterror.KindOperationFailed, err, "could not open %s %d", kind, index)
	}

	inst.private.driver.Logger.Debug("opened character device",
		slog.String("domain", inst.Def.Name),
		slog.String("kind", string(kind)),
		slog.String("path", dev.Path),
	)
	return stream, nil
}

// CloseConsole releases the stream of a console or serial device. The
// caller holds the instance lock.
func CloseConsole(inst *Instance, kind ConsoleKind, index int) error {
	if inst.private == nil {
		return virterror.Wrap(virterror.KindOperationFailed, errDestroyed, "cannot close console")
	}

	dev, err := ConsoleDevice(inst.Def, kind, index)
	if err != nil {
		return err
	}

	stream, ok := inst.private.chrdevs.Lookup(dev.Path)
	if !ok {
		return virterror.New(virterror.KindOperationFailed, "no open stream on %s %d", kind, index)
	}
	if err := stream.Close(); err != nil {
		return virterror.Wrap(virterror.KindOperationFailed, err, "could not close %s %d", kind, index)
	}
	return nil
}
