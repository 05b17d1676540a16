package monitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/prometheus/procfs"

	"github.com/terabiome/chvirt/internal/contracts"
)

const pingEndpoint = "http://localhost/api/v1/vmm.ping"

var ErrClosed = errors.New("monitor is closed")

// ioThreadPrefixes are the comm prefixes of virtio device worker threads.
var ioThreadPrefixes = []string{"_disk", "_net", "_rng"}

type Options struct {
	// ProcRoot is the procfs mount point, /proc by default.
	ProcRoot string
	// Timeout bounds the readiness wait in Open.
	Timeout time.Duration
	Logger  *slog.Logger
}

// Monitor talks to one cloud-hypervisor process: its REST API socket and
// its task list in procfs.
type Monitor struct {
	pid    int
	socket string
	proc   procfs.FS
	client *http.Client
	logger *slog.Logger

	mu      sync.Mutex
	threads []contracts.ThreadInfo
	closed  bool
}

// Open connects to the API socket of the hypervisor process pid and waits
// until it answers a ping. An empty socket path skips the readiness wait.
func Open(ctx context.Context, socketPath string, pid int, opts Options) (*Monitor, error) {
	m, err := newMonitor(socketPath, pid, opts)
	if err != nil {
		return nil, err
	}

	if socketPath == "" {
		return m, nil
	}

	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 50 * time.Millisecond
	b.MaxInterval = time.Second
	b.MaxElapsedTime = 0

	err = backoff.RetryNotify(func() error {
		return m.Ping(ctx)
	}, backoff.WithContext(b, ctx), func(err error, next time.Duration) {
		m.logger.Debug("hypervisor api not ready",
			slog.String("error", err.Error()),
			slog.Duration("retry_in", next),
		)
	})
	if err != nil {
		m.Close()
		return nil, fmt.Errorf("hypervisor api at %s did not become ready: %w", socketPath, err)
	}

	m.logger.Debug("monitor connected")
	return m, nil
}

func newMonitor(socketPath string, pid int, opts Options) (*Monitor, error) {
	root := opts.ProcRoot
	if root == "" {
		root = procfs.DefaultMountPoint
	}
	proc, err := procfs.NewFS(root)
	if err != nil {
		return nil, fmt.Errorf("could not open procfs at %s: %w", root, err)
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	dialer := &net.Dialer{}
	transport := &http.Transport{
		DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
			return dialer.DialContext(ctx, "unix", socketPath)
		},
	}

	return &Monitor{
		pid:    pid,
		socket: socketPath,
		proc:   proc,
		client: &http.Client{Transport: transport},
		logger: logger.With(
			slog.String("component", "monitor"),
			slog.Int("pid", pid),
		),
	}, nil
}

// Ping checks that the hypervisor API answers.
func (m *Monitor) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pingEndpoint, nil)
	if err != nil {
		return backoff.Permanent(err)
	}

	resp, err := m.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("ping returned %s", resp.Status)
	}
	return nil
}

// ListThreads returns the threads of the hypervisor process. Unless refresh
// is set, the previous listing is returned when there is one.
func (m *Monitor) ListThreads(ctx context.Context, refresh bool) ([]contracts.ThreadInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, ErrClosed
	}
	if !refresh && m.threads != nil {
		return cloneThreads(m.threads), nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	tasks, err := m.proc.AllThreads(m.pid)
	if err != nil {
		return nil, fmt.Errorf("could not list threads of %d: %w", m.pid, err)
	}

	threads := make([]contracts.ThreadInfo, 0, len(tasks))
	for _, task := range tasks {
		comm, err := task.Comm()
		if err != nil {
			// thread exited between listing and reading
			m.logger.Debug("skipping thread", slog.Int("tid", task.PID), slog.String("error", err.Error()))
			continue
		}

		typ, cpuid := Classify(comm)
		threads = append(threads, contracts.ThreadInfo{
			Type:  typ,
			Name:  comm,
			TID:   task.PID,
			CPUID: cpuid,
		})
	}

	m.threads = threads
	return cloneThreads(threads), nil
}

// Classify maps a thread name to its type. vCPU threads are named vcpuN.
func Classify(comm string) (contracts.ThreadType, uint) {
	if rest, ok := strings.CutPrefix(comm, "vcpu"); ok {
		if id, err := strconv.ParseUint(rest, 10, 32); err == nil {
			return contracts.ThreadTypeVcpu, uint(id)
		}
	}
	for _, prefix := range ioThreadPrefixes {
		if strings.HasPrefix(comm, prefix) {
			return contracts.ThreadTypeIO, 0
		}
	}
	return contracts.ThreadTypeEmulator, 0
}

func (m *Monitor) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil
	}
	m.closed = true
	m.threads = nil
	m.client.CloseIdleConnections()
	return nil
}

func cloneThreads(threads []contracts.ThreadInfo) []contracts.ThreadInfo {
	return append([]contracts.ThreadInfo(nil), threads...)
}
