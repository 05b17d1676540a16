package routes

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/spf13/afero"

	"github.com/terabiome/chvirt/internal/chdomain"
	"github.com/terabiome/chvirt/internal/contracts"
	"github.com/terabiome/chvirt/internal/handler"
	"github.com/terabiome/chvirt/internal/hostcaps"
	"github.com/terabiome/chvirt/internal/registry"
	"github.com/terabiome/chvirt/internal/service"
)

const guestXML = `<domain type='kvm'>
  <name>guest</name>
  <uuid>%s</uuid>
  <memory unit='MiB'>512</memory>
  <vcpu>2</vcpu>
  <os><type arch='x86_64'>hvm</type></os>
  <cpu mode='host-passthrough'/>
  <devices>
    <emulator>/usr/bin/cloud-hypervisor</emulator>
    %s
  </devices>
</domain>`

type fakeOracle struct{}

func (fakeOracle) GetCapabilities(refresh bool) (*hostcaps.HostCapabilities, error) {
	return &hostcaps.HostCapabilities{
		HostArch:  "x86_64",
		PageSizes: []uint64{4096, 2097152},
		Guests:    []hostcaps.Guest{{OSType: "hvm", Arch: "x86_64", VirtTypes: []string{"kvm"}}},
	}, nil
}

func (fakeOracle) GetFreePages(node int, pageSizeBytes uint64) (uint64, error) {
	if pageSizeBytes != 2097152 {
		return 0, errors.New("no such page size")
	}
	return 64, nil
}

type fakeMonitor struct{}

func (fakeMonitor) ListThreads(ctx context.Context, refresh bool) ([]contracts.ThreadInfo, error) {
	return []contracts.ThreadInfo{
		{Type: contracts.ThreadTypeEmulator, TID: 500},
		{Type: contracts.ThreadTypeVcpu, TID: 501, CPUID: 0},
		{Type: contracts.ThreadTypeVcpu, TID: 502, CPUID: 1},
	}, nil
}

func (fakeMonitor) Close() error { return nil }

func newTestRouter(t *testing.T) *Router {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	reg := registry.New()
	driver := &chdomain.Driver{
		Caps:           fakeOracle{},
		Registry:       reg,
		Privileged:     true,
		Fs:             afero.NewMemMapFs(),
		ChardevLockDir: "/run/chvirt/lock",
		Logger:         logger,
	}
	opener := func(ctx context.Context, socketPath string, pid int) (contracts.Monitor, error) {
		return fakeMonitor{}, nil
	}
	svc := service.NewDomainService(driver, reg, chdomain.NewValidator("", logger), opener, service.Options{}, logger)
	t.Cleanup(func() {
		for _, inst := range reg.List() {
			_ = inst.Destroy()
		}
	})

	return SetupMux(handler.NewDomain(svc, logger), handler.NewHost(svc, logger))
}

type response struct {
	Body    json.RawMessage `json:"body"`
	Message string          `json:"message"`
	Error   string          `json:"error"`
}

func do(t *testing.T, router http.Handler, method, path string, body any) (int, response) {
	t.Helper()

	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		reader = strings.NewReader(string(raw))
	}

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(method, path, reader))

	var resp response
	if rec.Body.Len() > 0 && strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
			t.Fatalf("decode response: %v", err)
		}
	}
	return rec.Code, resp
}

func TestHeartbeat(t *testing.T) {
	router := newTestRouter(t)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/heartbeat", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("GET /heartbeat = %d", rec.Code)
	}
}

func TestValidateEndpoint(t *testing.T) {
	router := newTestRouter(t)

	tests := []struct {
		name       string
		devices    string
		wantStatus int
	}{
		{name: "valid", wantStatus: http.StatusOK},
		{name: "graphics", devices: "<graphics type='vnc'/>", wantStatus: http.StatusUnprocessableEntity},
		{name: "two consoles", devices: "<console type='pty'/><console type='pty'/>", wantStatus: http.StatusUnprocessableEntity},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			xml := fmt.Sprintf(guestXML, uuid.New(), tt.devices)
			status, resp := do(t, router, http.MethodPost, "/api/v1/domain/validate", map[string]any{"xml": xml})
			if status != tt.wantStatus {
				t.Errorf("POST /validate = %d (%s: %s), want %d", status, resp.Message, resp.Error, tt.wantStatus)
			}
		})
	}

	status, _ := do(t, router, http.MethodPost, "/api/v1/domain/validate", nil)
	if status != http.StatusBadRequest {
		t.Errorf("POST /validate without body = %d, want 400", status)
	}
}

func TestDomainLifecycle(t *testing.T) {
	router := newTestRouter(t)
	id := uuid.New()

	status, resp := do(t, router, http.MethodPost, "/api/v1/domain/define", map[string]any{
		"xml":        fmt.Sprintf(guestXML, id, ""),
		"persistent": true,
	})
	if status != http.StatusCreated {
		t.Fatalf("POST /define = %d (%s)", status, resp.Error)
	}

	status, resp = do(t, router, http.MethodPost, "/api/v1/domain/"+id.String()+"/attach", map[string]any{"pid": 500, "id": 9})
	if status != http.StatusOK {
		t.Fatalf("POST /attach = %d (%s)", status, resp.Error)
	}

	status, resp = do(t, router, http.MethodGet, "/api/v1/domain/"+id.String()+"/vcpus", nil)
	if status != http.StatusOK {
		t.Fatalf("GET /vcpus = %d (%s)", status, resp.Error)
	}
	var vcpus []service.VcpuInfo
	if err := json.Unmarshal(resp.Body, &vcpus); err != nil {
		t.Fatal(err)
	}
	if len(vcpus) != 2 || vcpus[0].TID != 501 || vcpus[1].TID != 502 {
		t.Errorf("GET /vcpus = %+v", vcpus)
	}

	status, resp = do(t, router, http.MethodGet, "/api/v1/domain/"+id.String()+"/machine-name", nil)
	if status != http.StatusOK || !strings.Contains(string(resp.Body), "ch-9-guest") {
		t.Errorf("GET /machine-name = %d %s", status, resp.Body)
	}

	status, _ = do(t, router, http.MethodPost, "/api/v1/domain/"+id.String()+"/refresh", nil)
	if status != http.StatusOK {
		t.Errorf("POST /refresh = %d", status)
	}

	status, _ = do(t, router, http.MethodPost, "/api/v1/domain/"+id.String()+"/detach", nil)
	if status != http.StatusOK {
		t.Errorf("POST /detach = %d", status)
	}

	status, _ = do(t, router, http.MethodDelete, "/api/v1/domain/"+id.String(), nil)
	if status != http.StatusOK {
		t.Errorf("DELETE = %d", status)
	}

	status, _ = do(t, router, http.MethodGet, "/api/v1/domain/"+id.String(), nil)
	if status != http.StatusNotFound {
		t.Errorf("GET after undefine = %d, want 404", status)
	}
}

func TestDomainErrors(t *testing.T) {
	router := newTestRouter(t)

	status, _ := do(t, router, http.MethodGet, "/api/v1/domain/not-a-uuid/vcpus", nil)
	if status != http.StatusBadRequest {
		t.Errorf("GET with malformed uuid = %d, want 400", status)
	}

	status, _ = do(t, router, http.MethodGet, "/api/v1/domain/"+uuid.NewString()+"/vcpus", nil)
	if status != http.StatusNotFound {
		t.Errorf("GET unknown domain = %d, want 404", status)
	}
}

func TestHostEndpoints(t *testing.T) {
	router := newTestRouter(t)

	status, resp := do(t, router, http.MethodGet, "/api/v1/host/capabilities", nil)
	if status != http.StatusOK || !strings.Contains(string(resp.Body), "x86_64") {
		t.Errorf("GET /capabilities = %d %s", status, resp.Body)
	}

	status, resp = do(t, router, http.MethodGet, "/api/v1/host/free-pages?size=2097152", nil)
	if status != http.StatusOK || !strings.Contains(string(resp.Body), `"free":64`) {
		t.Errorf("GET /free-pages = %d %s", status, resp.Body)
	}

	status, _ = do(t, router, http.MethodGet, "/api/v1/host/free-pages?size=abc", nil)
	if status != http.StatusBadRequest {
		t.Errorf("GET /free-pages with bad size = %d, want 400", status)
	}

	status, _ = do(t, router, http.MethodGet, "/api/v1/host/free-pages?size=4096", nil)
	if status != http.StatusInternalServerError {
		t.Errorf("GET /free-pages for an unknown size = %d, want 500", status)
	}
}

func TestConsoleEndpoints(t *testing.T) {
	router := newTestRouter(t)
	id := uuid.New()
	serial := "<serial type='unix'><source mode='bind' path='/var/lib/guest/serial.sock'/></serial>"

	status, resp := do(t, router, http.MethodPost, "/api/v1/domain/define", map[string]any{
		"xml":        fmt.Sprintf(guestXML, id, serial),
		"persistent": true,
	})
	if status != http.StatusCreated {
		t.Fatalf("POST /define = %d (%s)", status, resp.Error)
	}
	if status, resp = do(t, router, http.MethodPost, "/api/v1/domain/"+id.String()+"/attach", map[string]any{"pid": 500, "id": 9}); status != http.StatusOK {
		t.Fatalf("POST /attach = %d (%s)", status, resp.Error)
	}

	path := "/api/v1/domain/" + id.String() + "/console/serial/0"
	status, resp = do(t, router, http.MethodPost, path, nil)
	if status != http.StatusOK || !strings.Contains(string(resp.Body), "/var/lib/guest/serial.sock") {
		t.Fatalf("POST console = %d %s (%s)", status, resp.Body, resp.Error)
	}

	if status, _ = do(t, router, http.MethodPost, path, nil); status != http.StatusConflict {
		t.Errorf("second POST console = %d, want 409", status)
	}
	if status, _ = do(t, router, http.MethodPost, path+"?force=true", nil); status != http.StatusOK {
		t.Errorf("forced POST console = %d, want 200", status)
	}
	if status, _ = do(t, router, http.MethodDelete, path, nil); status != http.StatusOK {
		t.Errorf("DELETE console = %d, want 200", status)
	}
	if status, _ = do(t, router, http.MethodPost, "/api/v1/domain/"+id.String()+"/console/serial/x", nil); status != http.StatusBadRequest {
		t.Errorf("POST console with a bad index = %d, want 400", status)
	}
	if status, _ = do(t, router, http.MethodPost, "/api/v1/domain/"+id.String()+"/console/parallel/0", nil); status != http.StatusUnprocessableEntity {
		t.Errorf("POST console of an unknown kind = %d, want 422", status)
	}
}
