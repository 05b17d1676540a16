package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/terabiome/chvirt/internal/chdomain"
	"github.com/terabiome/chvirt/internal/contracts"
	"github.com/terabiome/chvirt/internal/definition"
	"github.com/terabiome/chvirt/internal/hostcaps"
	"github.com/terabiome/chvirt/internal/registry"
	"github.com/terabiome/chvirt/internal/virterror"
)

// MonitorOpener connects to the monitor of a started hypervisor process.
type MonitorOpener func(ctx context.Context, socketPath string, pid int) (contracts.Monitor, error)

// DomainService provides transport-agnostic domain operations.
type DomainService struct {
	driver      *chdomain.Driver
	registry    *registry.Registry
	validator   *chdomain.Validator
	openMonitor MonitorOpener
	opts        Options
	tracer      trace.Tracer
	logger      *slog.Logger

	validateCounter    metric.Int64Counter
	refreshDuration    metric.Float64Histogram
	discrepancyCounter metric.Int64Counter
}

// NewDomainService creates a new DomainService. The driver's registry must
// be reg.
func NewDomainService(
	driver *chdomain.Driver,
	reg *registry.Registry,
	validator *chdomain.Validator,
	openMonitor MonitorOpener,
	opts Options,
	logger *slog.Logger,
) *DomainService {
	meter := otel.Meter("chvirt/service")

	validateCounter, err := meter.Int64Counter(
		"chvirt.domain.validate",
		metric.WithDescription("Number of domain definition validations"),
		metric.WithUnit("{validation}"),
	)
	if err != nil {
		logger.Warn("failed to create validateCounter metric", slog.String("error", err.Error()))
	}

	refreshDuration, err := meter.Float64Histogram(
		"chvirt.threads.refresh.duration",
		metric.WithDescription("Duration of vCPU thread refreshes"),
		metric.WithUnit("s"),
	)
	if err != nil {
		logger.Warn("failed to create refreshDuration metric", slog.String("error", err.Error()))
	}

	discrepancyCounter, err := meter.Int64Counter(
		"chvirt.threads.discrepancy",
		metric.WithDescription("Number of refreshes that did not match every declared vCPU"),
		metric.WithUnit("{refresh}"),
	)
	if err != nil {
		logger.Warn("failed to create discrepancyCounter metric", slog.String("error", err.Error()))
	}

	if opts.RefreshConcurrency <= 0 {
		opts.RefreshConcurrency = 1
	}

	return &DomainService{
		driver:             driver,
		registry:           reg,
		validator:          validator,
		openMonitor:        openMonitor,
		opts:               opts,
		tracer:             otel.Tracer("chvirt/service"),
		logger:             logger.With(slog.String("service", "domain")),
		validateCounter:    validateCounter,
		refreshDuration:    refreshDuration,
		discrepancyCounter: discrepancyCounter,
	}
}

// Validate parses a domain XML document and runs the validation pipeline on
// it without defining anything.
func (s *DomainService) Validate(ctx context.Context, domainXML string) (*definition.Definition, error) {
	ctx, span := s.tracer.Start(ctx, "Validate")
	defer span.End()

	def, err := parse(domainXML)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.String("domain.name", def.Name))

	if err := s.validate(ctx, def); err != nil {
		return nil, err
	}
	return def, nil
}

// Define parses, allocates and validates a new instance and adds it to the
// registry. Nothing is kept on failure.
func (s *DomainService) Define(ctx context.Context, domainXML string, persistent bool) (DomainSummary, error) {
	ctx, span := s.tracer.Start(ctx, "Define")
	defer span.End()

	def, err := parse(domainXML)
	if err != nil {
		return DomainSummary{}, err
	}
	span.SetAttributes(
		attribute.String("domain.name", def.Name),
		attribute.Bool("domain.persistent", persistent),
	)

	inst, err := chdomain.NewInstance(s.driver, def)
	if err != nil {
		return DomainSummary{}, err
	}
	inst.Persistent = persistent

	if err := s.validate(ctx, def); err != nil {
		s.destroy(inst)
		return DomainSummary{}, err
	}

	if err := s.registry.Add(inst); err != nil {
		s.destroy(inst)
		return DomainSummary{}, virterror.Wrap(virterror.KindOperationFailed, err, "could not define domain '%s'", def.Name)
	}

	s.logger.Info("defined domain",
		slog.String("domain", def.Name),
		slog.String("uuid", inst.UUID.String()),
		slog.Bool("persistent", persistent),
	)

	unlock := inst.Lock()
	defer unlock()
	return summarize(inst), nil
}

// Undefine removes an instance. A running instance only loses its
// persistence and goes away once its process is detached.
func (s *DomainService) Undefine(ctx context.Context, id uuid.UUID) error {
	_, span := s.tracer.Start(ctx, "Undefine")
	defer span.End()

	inst, err := s.find(id)
	if err != nil {
		return err
	}
	unlock := inst.Lock()
	defer unlock()

	if inst.Private() == nil {
		return s.gone(id)
	}

	if inst.Active() {
		inst.Persistent = false
		s.logger.Info("domain is running, made transient", slog.String("domain", inst.Def.Name))
		return nil
	}

	if inst.Persistent {
		chdomain.RemoveInactive(s.driver, inst)
	} else {
		s.registry.Remove(inst)
	}
	s.logger.Info("undefined domain", slog.String("domain", inst.Def.Name))
	return s.destroy(inst)
}

// AttachProcess connects a started hypervisor process to its instance,
// resolves the machine name and records the vCPU threads.
func (s *DomainService) AttachProcess(ctx context.Context, params AttachParams) (DomainSummary, error) {
	ctx, span := s.tracer.Start(ctx, "AttachProcess")
	defer span.End()
	span.SetAttributes(attribute.Int("domain.pid", params.PID))

	if params.PID <= 0 {
		return DomainSummary{}, virterror.New(virterror.KindConfigInvalid, "invalid pid %d", params.PID)
	}

	inst, err := s.find(params.UUID)
	if err != nil {
		return DomainSummary{}, err
	}

	openCtx, cancel := withTimeout(ctx, s.opts.MonitorTimeout)
	mon, err := s.openMonitor(openCtx, params.SocketPath, params.PID)
	cancel()
	if err != nil {
		return DomainSummary{}, virterror.Wrap(virterror.KindOperationFailed, err, "could not open monitor for pid %d", params.PID)
	}

	unlock := inst.Lock()
	defer unlock()

	if inst.Private() == nil {
		s.closeMonitor(mon, inst.Def.Name)
		return DomainSummary{}, s.gone(params.UUID)
	}
	if err := inst.AttachMonitor(params.PID, mon); err != nil {
		s.closeMonitor(mon, inst.Def.Name)
		return DomainSummary{}, virterror.Wrap(virterror.KindOperationFailed, err, "could not attach monitor")
	}
	inst.Def.ID = params.ID

	name := s.resolveMachineName(ctx, inst)
	s.refresh(ctx, inst)

	s.logger.Info("attached domain process",
		slog.String("domain", inst.Def.Name),
		slog.Int("pid", params.PID),
		slog.String("machine_name", name),
	)
	return summarize(inst), nil
}

// DetachProcess marks the process of an instance as gone. Transient
// instances are removed.
func (s *DomainService) DetachProcess(ctx context.Context, id uuid.UUID) error {
	_, span := s.tracer.Start(ctx, "DetachProcess")
	defer span.End()

	inst, err := s.find(id)
	if err != nil {
		return err
	}
	unlock := inst.Lock()
	defer unlock()

	if !inst.Active() {
		return virterror.New(virterror.KindOperationFailed, "domain '%s' is not running", inst.Def.Name)
	}

	if err := inst.DetachMonitor(); err != nil {
		s.logger.Warn("failed to close monitor",
			slog.String("domain", inst.Def.Name),
			slog.String("error", err.Error()),
		)
	}
	s.logger.Info("detached domain process", slog.String("domain", inst.Def.Name))

	if !inst.Persistent {
		s.registry.Remove(inst)
		return s.destroy(inst)
	}
	return nil
}

// RefreshThreadInfo re-reads the vCPU threads of a running instance.
func (s *DomainService) RefreshThreadInfo(ctx context.Context, id uuid.UUID) (RefreshResult, error) {
	inst, err := s.find(id)
	if err != nil {
		return RefreshResult{}, err
	}
	unlock := inst.Lock()
	defer unlock()

	if !inst.Active() {
		return RefreshResult{}, virterror.New(virterror.KindOperationFailed, "domain '%s' is not running", inst.Def.Name)
	}
	return s.refresh(ctx, inst), nil
}

// RefreshAll refreshes every running instance, a bounded number at a time.
// Results are ordered by domain name.
func (s *DomainService) RefreshAll(ctx context.Context) ([]RefreshResult, error) {
	ctx, span := s.tracer.Start(ctx, "RefreshAll")
	defer span.End()

	instances := s.registry.List()
	results := make([]RefreshResult, len(instances))
	refreshed := make([]bool, len(instances))

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(s.opts.RefreshConcurrency)

	for i, inst := range instances {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}

			unlock := inst.Lock()
			defer unlock()

			if !inst.Active() {
				return nil
			}
			results[i] = s.refresh(ctx, inst)
			refreshed[i] = true
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := make([]RefreshResult, 0, len(results))
	for i, r := range results {
		if refreshed[i] {
			out = append(out, r)
		}
	}
	span.SetAttributes(attribute.Int("domain.count", len(out)))
	return out, nil
}

// RunRefresher calls RefreshAll every interval until ctx is done. A
// non-positive interval disables it.
func (s *DomainService) RunRefresher(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		s.logger.Debug("periodic thread refresh disabled")
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.logger.Info("periodic thread refresh started", slog.Duration("interval", interval))
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("periodic thread refresh stopped")
			return
		case <-ticker.C:
			results, err := s.RefreshAll(ctx)
			if err != nil {
				if ctx.Err() == nil {
					s.logger.Warn("periodic thread refresh failed", slog.String("error", err.Error()))
				}
				continue
			}
			s.logger.Debug("periodic thread refresh done", slog.Int("domains", len(results)))
		}
	}
}

// VcpuInfo lists the vCPU slots of an instance with their thread ids. A
// running instance whose threads were never read is refreshed first.
func (s *DomainService) VcpuInfo(ctx context.Context, id uuid.UUID) ([]VcpuInfo, error) {
	inst, err := s.find(id)
	if err != nil {
		return nil, err
	}
	unlock := inst.Lock()
	defer unlock()

	if inst.Private() == nil {
		return nil, s.gone(id)
	}
	if inst.Active() && !chdomain.HasVcpuPids(inst) {
		s.refresh(ctx, inst)
	}

	info := make([]VcpuInfo, 0, len(inst.Def.Vcpus))
	for _, vcpu := range inst.Def.Vcpus {
		info = append(info, VcpuInfo{
			ID:     vcpu.ID,
			Online: vcpu.Online,
			TID:    chdomain.GetVcpuPid(inst, vcpu.ID),
		})
	}
	return info, nil
}

// MachineName returns the machine name of an instance, resolving it on
// first use.
func (s *DomainService) MachineName(ctx context.Context, id uuid.UUID) (string, error) {
	inst, err := s.find(id)
	if err != nil {
		return "", err
	}
	unlock := inst.Lock()
	defer unlock()

	if name := chdomain.MachineName(inst); name != "" {
		return name, nil
	}
	return s.resolveMachineName(ctx, inst), nil
}

// OpenConsole takes the console or serial device stream of a running
// instance and returns the host path to connect to.
func (s *DomainService) OpenConsole(ctx context.Context, params ConsoleParams) (ConsoleInfo, error) {
	_, span := s.tracer.Start(ctx, "OpenConsole")
	defer span.End()

	inst, err := s.find(params.UUID)
	if err != nil {
		return ConsoleInfo{}, err
	}
	unlock := inst.Lock()
	defer unlock()

	stream, err := chdomain.OpenConsole(inst, params.Kind, params.Index, params.Force)
	if err != nil {
		return ConsoleInfo{}, err
	}

	s.logger.Info("opened character device stream",
		slog.String("domain", inst.Def.Name),
		slog.String("kind", string(params.Kind)),
		slog.Int("index", params.Index),
	)
	return ConsoleInfo{
		UUID:  inst.UUID.String(),
		Kind:  string(params.Kind),
		Index: params.Index,
		Path:  stream.Path(),
	}, nil
}

// CloseConsole releases a stream taken with OpenConsole.
func (s *DomainService) CloseConsole(ctx context.Context, params ConsoleParams) error {
	_, span := s.tracer.Start(ctx, "CloseConsole")
	defer span.End()

	inst, err := s.find(params.UUID)
	if err != nil {
		return err
	}
	unlock := inst.Lock()
	defer unlock()

	return chdomain.CloseConsole(inst, params.Kind, params.Index)
}

// Get returns the summary of one instance.
func (s *DomainService) Get(ctx context.Context, id uuid.UUID) (DomainSummary, error) {
	inst, err := s.find(id)
	if err != nil {
		return DomainSummary{}, err
	}
	unlock := inst.Lock()
	defer unlock()
	return summarize(inst), nil
}

// List returns the summaries of all instances ordered by name.
func (s *DomainService) List(ctx context.Context) []DomainSummary {
	instances := s.registry.List()
	out := make([]DomainSummary, 0, len(instances))
	for _, inst := range instances {
		unlock := inst.Lock()
		out = append(out, summarize(inst))
		unlock()
	}
	return out
}

// Capabilities returns the host capabilities, re-read when refresh is set.
func (s *DomainService) Capabilities(refresh bool) (*hostcaps.HostCapabilities, error) {
	caps, err := s.driver.Caps.GetCapabilities(refresh)
	if err != nil {
		return nil, virterror.Wrap(virterror.KindOperationFailed, err, "could not get host capabilities")
	}
	return caps, nil
}

// FreePages returns the number of free huge pages of the given size on a
// NUMA node, or on the whole host for node -1.
func (s *DomainService) FreePages(node int, pageSizeBytes uint64) (uint64, error) {
	free, err := s.driver.Caps.GetFreePages(node, pageSizeBytes)
	if err != nil {
		return 0, virterror.Wrap(virterror.KindOperationFailed, err, "could not get free pages")
	}
	return free, nil
}

func (s *DomainService) validate(ctx context.Context, def *definition.Definition) error {
	stage, err := s.validator.Check(def, s.driver.Caps)

	status := "ok"
	if err != nil {
		status = "failed"
	}
	if s.validateCounter != nil {
		s.validateCounter.Add(ctx, 1, metric.WithAttributes(
			attribute.String("status", status),
			attribute.String("stage", stage),
		))
	}

	if err != nil {
		s.logger.Info("domain definition rejected",
			slog.String("domain", def.Name),
			slog.String("stage", stage),
			slog.String("error", err.Error()),
		)
	}
	return err
}

// refresh expects the instance lock to be held.
func (s *DomainService) refresh(ctx context.Context, inst *chdomain.Instance) RefreshResult {
	ctx, span := s.tracer.Start(ctx, "RefreshThreadInfo")
	defer span.End()

	callCtx, cancel := withTimeout(ctx, s.opts.MonitorTimeout)
	defer cancel()

	startTime := time.Now()
	report := chdomain.RefreshThreadInfo(callCtx, inst)

	attrs := metric.WithAttributes(attribute.String("domain.name", inst.Def.Name))
	if s.refreshDuration != nil {
		s.refreshDuration.Record(ctx, time.Since(startTime).Seconds(), attrs)
	}
	if !report.Consistent() && s.discrepancyCounter != nil {
		s.discrepancyCounter.Add(ctx, 1, attrs)
	}

	span.SetAttributes(
		attribute.String("domain.name", inst.Def.Name),
		attribute.Int("vcpu.expected", report.Expected),
		attribute.Int("vcpu.observed", report.Observed),
	)
	return newRefreshResult(inst, report)
}

// resolveMachineName expects the instance lock to be held.
func (s *DomainService) resolveMachineName(ctx context.Context, inst *chdomain.Instance) string {
	ctx, span := s.tracer.Start(ctx, "MachineName")
	defer span.End()

	ctx, cancel := withTimeout(ctx, s.opts.NamingTimeout)
	defer cancel()

	name := chdomain.ResolveMachineName(ctx, inst)
	span.SetAttributes(attribute.String("machine.name", name))
	return name
}

func (s *DomainService) closeMonitor(mon contracts.Monitor, domain string) {
	if err := mon.Close(); err != nil {
		s.logger.Warn("failed to close monitor",
			slog.String("domain", domain),
			slog.String("error", err.Error()),
		)
	}
}

func (s *DomainService) find(id uuid.UUID) (*chdomain.Instance, error) {
	return chdomain.FindByUUID(s.registry, id, "")
}

// gone reports an instance destroyed between lookup and lock.
func (s *DomainService) gone(id uuid.UUID) error {
	return virterror.New(virterror.KindNoSuchInstance, "domain %s was removed", id)
}

func (s *DomainService) destroy(inst *chdomain.Instance) error {
	if err := inst.Destroy(); err != nil {
		s.logger.Warn("failed to free domain state",
			slog.String("domain", inst.Def.Name),
			slog.String("error", err.Error()),
		)
		return fmt.Errorf("could not free domain state: %w", err)
	}
	return nil
}

func parse(domainXML string) (*definition.Definition, error) {
	def, err := definition.Parse(domainXML)
	if err != nil {
		return nil, virterror.Wrap(virterror.KindConfigInvalid, err, "invalid domain definition")
	}
	return def, nil
}

func withTimeout(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, timeout)
}
