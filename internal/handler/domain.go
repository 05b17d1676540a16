package handler

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/terabiome/chvirt/internal/adapter"
	"github.com/terabiome/chvirt/internal/api"
	"github.com/terabiome/chvirt/internal/chdomain"
	"github.com/terabiome/chvirt/internal/service"
)

// Domain handles domain-related HTTP requests
type Domain struct {
	domainService *service.DomainService
	logger        *slog.Logger
}

// NewDomain creates a new Domain handler
func NewDomain(domainService *service.DomainService, logger *slog.Logger) *Domain {
	return &Domain{
		domainService: domainService,
		logger:        logger,
	}
}

// Validate handles POST /validate requests to check a definition
func (h *Domain) Validate(writer http.ResponseWriter, request *http.Request) {
	var validateRequest api.ValidateDomainRequest
	cb, err := parseBodyAndHandleError(writer, request, &validateRequest, true)
	if err != nil {
		cb()
		return
	}

	def, err := h.domainService.Validate(request.Context(), validateRequest.XML)
	if err != nil {
		writeError(writer, "domain definition rejected", err)
		return
	}

	writeResult(writer, http.StatusOK, GenericResponse{
		Body:    adapter.AdaptValidatedDomain(def),
		Message: "domain definition is valid",
	})
}

// Define handles POST /define requests
func (h *Domain) Define(writer http.ResponseWriter, request *http.Request) {
	var defineRequest api.DefineDomainRequest
	cb, err := parseBodyAndHandleError(writer, request, &defineRequest, true)
	if err != nil {
		cb()
		return
	}

	summary, err := h.domainService.Define(request.Context(), defineRequest.XML, defineRequest.Persistent)
	if err != nil {
		writeError(writer, "failed to define domain", err)
		return
	}

	writeResult(writer, http.StatusCreated, GenericResponse{
		Body:    summary,
		Message: "defined domain successfully",
	})
}

// List handles GET /list requests
func (h *Domain) List(writer http.ResponseWriter, request *http.Request) {
	writeResult(writer, http.StatusOK, GenericResponse{
		Body:    h.domainService.List(request.Context()),
		Message: "listed domains successfully",
	})
}

// Get handles GET /{uuid} requests
func (h *Domain) Get(writer http.ResponseWriter, request *http.Request) {
	id, ok := parseUUID(writer, request)
	if !ok {
		return
	}

	summary, err := h.domainService.Get(request.Context(), id)
	if err != nil {
		writeError(writer, "failed to get domain", err)
		return
	}

	writeResult(writer, http.StatusOK, GenericResponse{
		Body:    summary,
		Message: "retrieved domain successfully",
	})
}

// Undefine handles DELETE /{uuid} requests
func (h *Domain) Undefine(writer http.ResponseWriter, request *http.Request) {
	id, ok := parseUUID(writer, request)
	if !ok {
		return
	}

	if err := h.domainService.Undefine(request.Context(), id); err != nil {
		writeError(writer, "failed to undefine domain", err)
		return
	}

	writeResult(writer, http.StatusOK, GenericResponse{
		Message: "undefined domain successfully",
	})
}

// Attach handles POST /{uuid}/attach requests for a started hypervisor process
func (h *Domain) Attach(writer http.ResponseWriter, request *http.Request) {
	id, ok := parseUUID(writer, request)
	if !ok {
		return
	}

	var attachRequest api.AttachProcessRequest
	cb, err := parseBodyAndHandleError(writer, request, &attachRequest, true)
	if err != nil {
		cb()
		return
	}

	summary, err := h.domainService.AttachProcess(request.Context(), adapter.AdaptAttachProcess(id, attachRequest))
	if err != nil {
		writeError(writer, "failed to attach domain process", err)
		return
	}

	writeResult(writer, http.StatusOK, GenericResponse{
		Body:    summary,
		Message: "attached domain process successfully",
	})
}

// Detach handles POST /{uuid}/detach requests after the process exited
func (h *Domain) Detach(writer http.ResponseWriter, request *http.Request) {
	id, ok := parseUUID(writer, request)
	if !ok {
		return
	}

	if err := h.domainService.DetachProcess(request.Context(), id); err != nil {
		writeError(writer, "failed to detach domain process", err)
		return
	}

	writeResult(writer, http.StatusOK, GenericResponse{
		Message: "detached domain process successfully",
	})
}

// Vcpus handles GET /{uuid}/vcpus requests
func (h *Domain) Vcpus(writer http.ResponseWriter, request *http.Request) {
	id, ok := parseUUID(writer, request)
	if !ok {
		return
	}

	info, err := h.domainService.VcpuInfo(request.Context(), id)
	if err != nil {
		writeError(writer, "failed to get vcpu info", err)
		return
	}

	writeResult(writer, http.StatusOK, GenericResponse{
		Body:    info,
		Message: "retrieved vcpu info successfully",
	})
}

// Refresh handles POST /{uuid}/refresh requests
func (h *Domain) Refresh(writer http.ResponseWriter, request *http.Request) {
	id, ok := parseUUID(writer, request)
	if !ok {
		return
	}

	result, err := h.domainService.RefreshThreadInfo(request.Context(), id)
	if err != nil {
		writeError(writer, "failed to refresh thread info", err)
		return
	}

	message := "refreshed thread info successfully"
	if !result.Consistent {
		message = "refreshed thread info with discrepancies"
	}
	writeResult(writer, http.StatusOK, GenericResponse{
		Body:    result,
		Message: message,
	})
}

// RefreshAll handles POST /refresh requests for every running domain
func (h *Domain) RefreshAll(writer http.ResponseWriter, request *http.Request) {
	results, err := h.domainService.RefreshAll(request.Context())
	if err != nil {
		writeError(writer, "failed to refresh thread info", err)
		return
	}

	writeResult(writer, http.StatusOK, GenericResponse{
		Body:    results,
		Message: "refreshed thread info successfully",
	})
}

// MachineName handles GET /{uuid}/machine-name requests
func (h *Domain) MachineName(writer http.ResponseWriter, request *http.Request) {
	id, ok := parseUUID(writer, request)
	if !ok {
		return
	}

	name, err := h.domainService.MachineName(request.Context(), id)
	if err != nil {
		writeError(writer, "failed to get machine name", err)
		return
	}

	writeResult(writer, http.StatusOK, GenericResponse{
		Body:    api.MachineNameResponse{UUID: id.String(), MachineName: name},
		Message: "retrieved machine name successfully",
	})
}

// parseConsoleParams reads the {uuid}, {kind} and {index} path values and
// the optional ?force flag
func parseConsoleParams(writer http.ResponseWriter, request *http.Request) (service.ConsoleParams, bool) {
	id, ok := parseUUID(writer, request)
	if !ok {
		return service.ConsoleParams{}, false
	}

	index, err := strconv.Atoi(request.PathValue("index"))
	if err != nil {
		writeResult(writer, http.StatusBadRequest, GenericResponse{
			Body:    nil,
			Message: "invalid device index",
			Error:   err.Error(),
		})
		return service.ConsoleParams{}, false
	}
	force, _ := strconv.ParseBool(request.URL.Query().Get("force"))

	return service.ConsoleParams{
		UUID:  id,
		Kind:  chdomain.ConsoleKind(request.PathValue("kind")),
		Index: index,
		Force: force,
	}, true
}

// OpenConsole handles POST /{uuid}/console/{kind}/{index} requests, ?force=true takes over an open stream
func (h *Domain) OpenConsole(writer http.ResponseWriter, request *http.Request) {
	params, ok := parseConsoleParams(writer, request)
	if !ok {
		return
	}

	info, err := h.domainService.OpenConsole(request.Context(), params)
	if err != nil {
		writeError(writer, "failed to open character device", err)
		return
	}

	writeResult(writer, http.StatusOK, GenericResponse{
		Body:    info,
		Message: "opened character device successfully",
	})
}

// CloseConsole handles DELETE /{uuid}/console/{kind}/{index} requests
func (h *Domain) CloseConsole(writer http.ResponseWriter, request *http.Request) {
	params, ok := parseConsoleParams(writer, request)
	if !ok {
		return
	}

	if err := h.domainService.CloseConsole(request.Context(), params); err != nil {
		writeError(writer, "failed to close character device", err)
		return
	}

	writeResult(writer, http.StatusOK, GenericResponse{
		Message: "closed character device successfully",
	})
}
