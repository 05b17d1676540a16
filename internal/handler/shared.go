package handler

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/google/uuid"

	"github.com/terabiome/chvirt/internal/chardev"
	"github.com/terabiome/chvirt/internal/virterror"
)

// GenericResponse is a standard API response structure
type GenericResponse struct {
	Body    any    `json:"body,omitempty"`
	Message string `json:"message"`
	Error   string `json:"error,omitempty"`
}

// responseCallback is a function type for error handling callbacks
type responseCallback func()

// parseBodyAndHandleError parses the request body and handles errors
func parseBodyAndHandleError(writer http.ResponseWriter, request *http.Request, target any, requireBody bool) (responseCallback, error) {
	if requireBody {
		if err := json.NewDecoder(request.Body).Decode(target); err != nil {
			writeResult(writer, http.StatusBadRequest, GenericResponse{
				Body:    nil,
				Message: "invalid request body",
				Error:   err.Error(),
			})
			return func() {}, err
		}
	}
	return func() {}, nil
}

// parseUUID reads the {uuid} path value, answering 400 when it is malformed
func parseUUID(writer http.ResponseWriter, request *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(request.PathValue("uuid"))
	if err != nil {
		writeResult(writer, http.StatusBadRequest, GenericResponse{
			Body:    nil,
			Message: "invalid domain uuid",
			Error:   err.Error(),
		})
		return uuid.Nil, false
	}
	return id, true
}

// statusFor maps domain error kinds to HTTP status codes
func statusFor(err error) int {
	switch {
	case errors.Is(err, chardev.ErrBusy):
		return http.StatusConflict
	case virterror.IsAny(err, virterror.ErrConfigUnsupported, virterror.ErrConfigInvalid, virterror.ErrInternal):
		return http.StatusUnprocessableEntity
	case virterror.IsAny(err, virterror.ErrNoSuchInstance):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

// writeError writes err with the status its kind maps to
func writeError(writer http.ResponseWriter, message string, err error) {
	writeResult(writer, statusFor(err), GenericResponse{
		Body:    nil,
		Message: message,
		Error:   err.Error(),
	})
}

// writeResult writes a JSON response with the given status code
func writeResult(writer http.ResponseWriter, statusCode int, response GenericResponse) {
	writer.Header().Set("Content-Type", "application/json")
	writer.WriteHeader(statusCode)
	json.NewEncoder(writer).Encode(response)
}
