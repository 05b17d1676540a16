package chdomain

import (
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/terabiome/chvirt/internal/contracts"
	"github.com/terabiome/chvirt/internal/definition"
)

// Instance is a managed domain: its definition plus runtime state.
//
// Every function in this package that takes an *Instance expects the caller
// to hold the instance lock.
type Instance struct {
	mu sync.Mutex

	UUID       uuid.UUID
	Def        *definition.Definition
	PID        int
	Persistent bool

	private *Private
}

// NewInstance allocates an instance object together with its private state
// and one vCPU record per declared slot. A definition without a UUID gets a
// fresh one.
func NewInstance(driver *Driver, def *definition.Definition) (*Instance, error) {
	id, err := instanceUUID(def)
	if err != nil {
		return nil, err
	}

	priv, err := AllocPrivate(driver)
	if err != nil {
		return nil, err
	}

	priv.vcpus = make([]*VcpuPrivate, def.MaxVcpus())
	for i := range priv.vcpus {
		priv.vcpus[i] = NewVcpuPrivate()
	}

	return &Instance{
		UUID:    id,
		Def:     def,
		private: priv,
	}, nil
}

func instanceUUID(def *definition.Definition) (uuid.UUID, error) {
	if def.UUID == "" {
		id := uuid.New()
		def.UUID = id.String()
		return id, nil
	}

	id, err := uuid.Parse(def.UUID)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid domain uuid %q: %w", def.UUID, err)
	}
	return id, nil
}

// Lock acquires the instance lock and returns the function releasing it.
//
//	unlock := inst.Lock()
//	defer unlock()
func (i *Instance) Lock() (unlock func()) {
	i.mu.Lock()
	return func() { i.mu.Unlock() }
}

// Private returns the private state, nil once the instance is destroyed.
func (i *Instance) Private() *Private {
	return i.private
}

// Active reports whether the instance has a running hypervisor process.
func (i *Instance) Active() bool {
	return i.PID != 0
}

// AttachMonitor installs the monitor of a started hypervisor process,
// closing any previous one.
func (i *Instance) AttachMonitor(pid int, mon contracts.Monitor) error {
	if i.private == nil {
		return fmt.Errorf("instance %s has no private state", i.UUID)
	}

	if old := i.private.monitor; old != nil {
		if err := old.Close(); err != nil {
			return fmt.Errorf("could not close previous monitor: %w", err)
		}
	}

	i.PID = pid
	i.private.monitor = mon
	return nil
}

// DetachMonitor closes the monitor of a process that went away and marks
// the instance inactive. Open character device streams are released and
// vCPU thread ids and the machine name are cleared.
func (i *Instance) DetachMonitor() error {
	i.PID = 0
	i.Def.ID = -1
	if i.private == nil {
		return nil
	}

	var errs []error
	if mon := i.private.monitor; mon != nil {
		if err := mon.Close(); err != nil {
			errs = append(errs, fmt.Errorf("could not close monitor: %w", err))
		}
		i.private.monitor = nil
	}
	if err := i.private.chrdevs.Free(); err != nil {
		errs = append(errs, err)
	}
	for _, vcpu := range i.private.vcpus {
		vcpu.TID = 0
	}
	i.private.machineName = ""
	return errors.Join(errs...)
}

// Destroy frees the private state. The instance must not be used after.
func (i *Instance) Destroy() error {
	if i.private == nil {
		return nil
	}

	err := i.private.Free()
	i.private = nil
	return err
}
