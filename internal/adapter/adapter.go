package adapter

import (
	"github.com/google/uuid"
	"github.com/samber/lo"

	"github.com/terabiome/chvirt/internal/api"
	"github.com/terabiome/chvirt/internal/definition"
	"github.com/terabiome/chvirt/internal/hostcaps"
	"github.com/terabiome/chvirt/internal/service"
)

func AdaptAttachProcess(id uuid.UUID, req api.AttachProcessRequest) service.AttachParams {
	return service.AttachParams{
		UUID:       id,
		PID:        req.PID,
		ID:         req.ID,
		SocketPath: req.SocketPath,
	}
}

func AdaptValidatedDomain(def *definition.Definition) api.ValidatedDomain {
	out := api.ValidatedDomain{
		Name:               def.Name,
		UUID:               def.UUID,
		Emulator:           def.Emulator,
		MaxVcpus:           def.MaxVcpus(),
		InitialMemoryBytes: def.InitialMemoryBytes(),
	}
	if sizes := def.Memory.HugePageSizes(); len(sizes) == 1 {
		out.HugePageSizeBytes = sizes[0]
	}
	return out
}

func AdaptHostCapabilities(caps *hostcaps.HostCapabilities) api.HostCapabilities {
	return api.HostCapabilities{
		HostArch:  caps.HostArch,
		PageSizes: caps.PageSizes,
		Guests: lo.Map(caps.Guests, func(g hostcaps.Guest, _ int) api.Guest {
			return api.Guest{OSType: g.OSType, Arch: g.Arch, VirtTypes: g.VirtTypes}
		}),
	}
}
