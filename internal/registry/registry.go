package registry

import (
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/terabiome/chvirt/internal/chdomain"
)

// Registry is the in-memory list of managed instances.
//
// The registry lock is never held while an instance lock is taken; callers
// look an instance up, then lock it.
type Registry struct {
	mu        sync.RWMutex
	instances map[uuid.UUID]*chdomain.Instance
}

func New() *Registry {
	return &Registry{
		instances: make(map[uuid.UUID]*chdomain.Instance),
	}
}

// Add registers inst. UUIDs and names must be unique.
func (r *Registry) Add(inst *chdomain.Instance) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.instances[inst.UUID]; ok {
		return fmt.Errorf("domain with uuid %s already exists", inst.UUID)
	}
	for _, other := range r.instances {
		if other.Def.Name == inst.Def.Name {
			return fmt.Errorf("domain '%s' already exists with uuid %s", inst.Def.Name, other.UUID)
		}
	}

	r.instances[inst.UUID] = inst
	return nil
}

func (r *Registry) FindByUUID(id uuid.UUID) (*chdomain.Instance, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	inst, ok := r.instances[id]
	return inst, ok
}

func (r *Registry) FindByName(name string) (*chdomain.Instance, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, inst := range r.instances {
		if inst.Def.Name == name {
			return inst, true
		}
	}
	return nil, false
}

// Remove drops inst. Removing an unknown instance is a no-op.
func (r *Registry) Remove(inst *chdomain.Instance) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cur, ok := r.instances[inst.UUID]; ok && cur == inst {
		delete(r.instances, inst.UUID)
	}
}

// List returns a snapshot of all instances ordered by name.
func (r *Registry) List() []*chdomain.Instance {
	r.mu.RLock()
	out := make([]*chdomain.Instance, 0, len(r.instances))
	for _, inst := range r.instances {
		out = append(out, inst)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].Def.Name < out[j].Def.Name
	})
	return out
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.instances)
}
