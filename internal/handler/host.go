package handler

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/terabiome/chvirt/internal/adapter"
	"github.com/terabiome/chvirt/internal/api"
	"github.com/terabiome/chvirt/internal/service"
)

// Host handles host-related HTTP requests
type Host struct {
	domainService *service.DomainService
	logger        *slog.Logger
}

// NewHost creates a new Host handler
func NewHost(domainService *service.DomainService, logger *slog.Logger) *Host {
	return &Host{
		domainService: domainService,
		logger:        logger,
	}
}

// Capabilities handles GET /capabilities requests, ?refresh=true re-reads them
func (h *Host) Capabilities(writer http.ResponseWriter, request *http.Request) {
	refresh, _ := strconv.ParseBool(request.URL.Query().Get("refresh"))

	caps, err := h.domainService.Capabilities(refresh)
	if err != nil {
		writeError(writer, "failed to get host capabilities", err)
		return
	}

	writeResult(writer, http.StatusOK, GenericResponse{
		Body:    adapter.AdaptHostCapabilities(caps),
		Message: "retrieved host capabilities successfully",
	})
}

// FreePages handles GET /free-pages?size=<bytes>[&node=<n>] requests
func (h *Host) FreePages(writer http.ResponseWriter, request *http.Request) {
	queries := request.URL.Query()

	size, err := strconv.ParseUint(queries.Get("size"), 10, 64)
	if err != nil || size == 0 {
		writeResult(writer, http.StatusBadRequest, GenericResponse{
			Body:    nil,
			Message: "size must be a page size in bytes",
		})
		return
	}

	node := -1
	if raw := queries.Get("node"); raw != "" {
		node, err = strconv.Atoi(raw)
		if err != nil {
			writeResult(writer, http.StatusBadRequest, GenericResponse{
				Body:    nil,
				Message: "node must be a NUMA node number",
				Error:   err.Error(),
			})
			return
		}
	}

	free, err := h.domainService.FreePages(node, size)
	if err != nil {
		writeError(writer, "failed to get free pages", err)
		return
	}

	writeResult(writer, http.StatusOK, GenericResponse{
		Body:    api.FreePages{Node: node, PageSizeBytes: size, Free: free},
		Message: "retrieved free pages successfully",
	})
}
