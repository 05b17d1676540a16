package chdomain

import (
	"github.com/google/uuid"

	"github.com/terabiome/chvirt/internal/virterror"
)

// Registry is the instance list owned by the management layer.
type Registry interface {
	FindByUUID(id uuid.UUID) (*Instance, bool)
	Remove(inst *Instance)
}

// FindByUUID looks up an instance. name is only used in the error message
// and may be empty. The returned instance is not locked.
func FindByUUID(reg Registry, id uuid.UUID, name string) (*Instance, error) {
	inst, ok := reg.FindByUUID(id)
	if !ok {
		if name == "" {
			return nil, virterror.New(virterror.KindNoSuchInstance,
				"no domain with matching uuid '%s'", id)
		}
		return nil, virterror.New(virterror.KindNoSuchInstance,
			"no domain with matching uuid '%s' (%s)", id, name)
	}
	return inst, nil
}

// RemoveInactive drops a persistent instance from the registry. Transient
// instances are left to their owner.
func RemoveInactive(driver *Driver, inst *Instance) {
	if inst.Persistent {
		driver.Registry.Remove(inst)
	}
}
