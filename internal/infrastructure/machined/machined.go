package machined

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/godbus/dbus/v5"
)

const (
	busName     = "org.freedesktop.machine1"
	managerPath = dbus.ObjectPath("/org/freedesktop/machine1")

	methodGetMachineByPID = "org.freedesktop.machine1.Manager.GetMachineByPID"
	propertyMachineName   = "org.freedesktop.machine1.Machine.Name"
)

// Bus is the part of a D-Bus connection the client needs. *dbus.Conn
// satisfies it.
type Bus interface {
	Object(dest string, path dbus.ObjectPath) dbus.BusObject
}

// Client resolves machine names registered with systemd-machined.
type Client struct {
	bus    Bus
	closer func() error
	logger *slog.Logger
}

// Connect opens a private connection to the system bus.
func Connect(logger *slog.Logger) (*Client, error) {
	conn, err := dbus.ConnectSystemBus()
	if err != nil {
		return nil, fmt.Errorf("could not connect to system bus: %w", err)
	}
	c := NewClient(conn, logger)
	c.closer = conn.Close
	return c, nil
}

func NewClient(bus Bus, logger *slog.Logger) *Client {
	return &Client{
		bus:    bus,
		logger: logger.With(slog.String("component", "machined")),
	}
}

// GetMachineNameByPID returns the name of the machine the process belongs
// to. A process outside any machine yields an error.
func (c *Client) GetMachineNameByPID(ctx context.Context, pid int) (string, error) {
	if pid <= 0 {
		return "", fmt.Errorf("invalid pid %d", pid)
	}

	var path dbus.ObjectPath
	call := c.bus.Object(busName, managerPath).CallWithContext(ctx, methodGetMachineByPID, 0, uint32(pid))
	if err := call.Store(&path); err != nil {
		return "", fmt.Errorf("could not get machine for pid %d: %w", pid, err)
	}

	variant, err := c.bus.Object(busName, path).GetProperty(propertyMachineName)
	if err != nil {
		return "", fmt.Errorf("could not read name of machine %s: %w", path, err)
	}

	name, ok := variant.Value().(string)
	if !ok {
		return "", errors.New("machine name property is not a string")
	}

	c.logger.Debug("resolved machine name", slog.Int("pid", pid), slog.String("name", name))
	return name, nil
}

func (c *Client) Close() error {
	if c.closer == nil {
		return nil
	}
	return c.closer()
}
