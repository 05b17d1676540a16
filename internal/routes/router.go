package routes

import (
	"net/http"

	"github.com/terabiome/chvirt/internal/handler"
)

// Router wraps http.ServeMux and provides route setup
type Router struct {
	*http.ServeMux
}

// V1Handler returns a handler for v1 API routes
func (router *Router) V1Handler(domainHandler *handler.Domain, hostHandler *handler.Host) http.Handler {
	mux := http.NewServeMux()

	// Setup domain routes
	domainMux := http.NewServeMux()
	domainMux.HandleFunc("POST /validate", domainHandler.Validate)
	domainMux.HandleFunc("POST /define", domainHandler.Define)
	domainMux.HandleFunc("GET /list", domainHandler.List)
	domainMux.HandleFunc("POST /refresh", domainHandler.RefreshAll)
	domainMux.HandleFunc("GET /{uuid}", domainHandler.Get)
	domainMux.HandleFunc("DELETE /{uuid}", domainHandler.Undefine)
	domainMux.HandleFunc("POST /{uuid}/attach", domainHandler.Attach)
	domainMux.HandleFunc("POST /{uuid}/detach", domainHandler.Detach)
	domainMux.HandleFunc("GET /{uuid}/vcpus", domainHandler.Vcpus)
	domainMux.HandleFunc("POST /{uuid}/refresh", domainHandler.Refresh)
	domainMux.HandleFunc("GET /{uuid}/machine-name", domainHandler.MachineName)
	domainMux.HandleFunc("POST /{uuid}/console/{kind}/{index}", domainHandler.OpenConsole)
	domainMux.HandleFunc("DELETE /{uuid}/console/{kind}/{index}", domainHandler.CloseConsole)
	mux.Handle("/domain/", http.StripPrefix("/domain", domainMux))

	// Setup host routes
	hostMux := http.NewServeMux()
	hostMux.HandleFunc("GET /capabilities", hostHandler.Capabilities)
	hostMux.HandleFunc("GET /free-pages", hostHandler.FreePages)
	mux.Handle("/host/", http.StripPrefix("/host", hostMux))

	return mux
}

// SetupMux creates and configures the main router
func SetupMux(domainHandler *handler.Domain, hostHandler *handler.Host) *Router {
	router := Router{http.NewServeMux()}

	router.ServeMux.Handle("/api/v1/", http.StripPrefix("/api/v1", router.V1Handler(domainHandler, hostHandler)))

	router.ServeMux.HandleFunc("/heartbeat", func(writer http.ResponseWriter, request *http.Request) {
		writer.WriteHeader(200)
		writer.Write([]byte("i have not exploded"))
	})

	return &router
}
