package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"os/user"
	"syscall"
	"time"

	"github.com/spf13/afero"
	"github.com/urfave/cli/v2"

	"github.com/terabiome/chvirt/internal/chdomain"
	"github.com/terabiome/chvirt/internal/config"
	"github.com/terabiome/chvirt/internal/contracts"
	"github.com/terabiome/chvirt/internal/handler"
	"github.com/terabiome/chvirt/internal/hostcaps"
	"github.com/terabiome/chvirt/internal/infrastructure/libvirt"
	"github.com/terabiome/chvirt/internal/infrastructure/machined"
	"github.com/terabiome/chvirt/internal/infrastructure/monitor"
	"github.com/terabiome/chvirt/internal/registry"
	"github.com/terabiome/chvirt/internal/routes"
	"github.com/terabiome/chvirt/internal/service"
	pkglibvirt "github.com/terabiome/chvirt/pkg/libvirt"
	"github.com/terabiome/chvirt/pkg/logger"
	"github.com/terabiome/chvirt/pkg/telemetry"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	cfg, err := config.Load(os.Getenv("CHVIRT_CONFIG"))
	if err != nil {
		slog.Error("configuration error", slog.String("error", err.Error()))
		os.Exit(1)
	}

	log := logger.New(cfg.LogLevel, cfg.LogFormat)
	log.Debug("chvirt starting",
		slog.String("log_level", cfg.LogLevel),
		slog.String("log_format", cfg.LogFormat),
		slog.String("libvirt_uri", cfg.LibvirtURI),
		slog.Bool("telemetry_enabled", cfg.TelemetryEnabled),
	)

	var tel *telemetry.Telemetry
	if cfg.TelemetryEnabled {
		var err error
		tel, err = telemetry.Initialize("chvirt")
		if err != nil {
			log.Error("failed to initialize telemetry", slog.String("error", err.Error()))
			os.Exit(1)
		}
		defer func() {
			log.Info("shutting down telemetry")
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer shutdownCancel()
			if err := tel.Shutdown(shutdownCtx); err != nil {
				log.Error("failed to shutdown telemetry", slog.String("error", err.Error()))
			}
		}()
		log.Info("telemetry initialized")
	} else {
		log.Debug("telemetry disabled")
	}

	go func() {
		sig := <-sigChan
		log.Info("received shutdown signal", slog.String("signal", sig.String()))
		cancel()
	}()

	app := &cli.App{
		Name:                 "chvirt",
		Usage:                "Validate and track cloud-hypervisor domains",
		EnableBashCompletion: true,
		Commands: []*cli.Command{
			{
				Name:  "server",
				Usage: "Start HTTP API server",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:    "address",
						Aliases: []string{"a"},
						Usage:   "Server address",
						Value:   ":8080",
					},
				},
				Action: func(cliCtx *cli.Context) error {
					return runServer(ctx, cfg, log, cliCtx.String("address"))
				},
			},
			domainCommand(ctx, cfg, log),
			hostCommand(cfg, log),
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Error("application error", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

// stack holds the wired driver components and releases their connections.
type stack struct {
	service *service.DomainService
	libvirt *libvirt.Manager
	oracle  *hostcaps.Oracle
	namer   *machined.Client

	closers []func() error
}

func (r *stack) Close(log *slog.Logger) {
	for i := len(r.closers) - 1; i >= 0; i-- {
		if err := r.closers[i](); err != nil {
			log.Warn("failed to release resource", slog.String("error", err.Error()))
		}
	}
}

func initStack(cfg *config.Config, log *slog.Logger) (*stack, error) {
	connManager, err := pkglibvirt.NewConnectionManager(cfg.LibvirtURI, log)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize connection manager: %w", err)
	}
	rt := &stack{closers: []func() error{connManager.Close}}

	rt.libvirt = libvirt.NewManager(connManager, log)
	rt.oracle = hostcaps.NewOracle(rt.libvirt, afero.NewOsFs(), cfg.SysfsRoot, log)

	reg := registry.New()
	driver := &chdomain.Driver{
		Caps:           rt.oracle,
		Registry:       reg,
		Privileged:     cfg.Privileged,
		User:           currentUser(log),
		Fs:             afero.NewOsFs(),
		ChardevLockDir: cfg.ChardevLockDir,
		Logger:         log,
	}

	namer, err := machined.Connect(log)
	if err != nil {
		log.Warn("machine naming service unavailable, using generated names", slog.String("error", err.Error()))
	} else {
		rt.namer = namer
		driver.Namer = namer
		rt.closers = append(rt.closers, namer.Close)
	}

	rt.service = service.NewDomainService(
		driver,
		reg,
		chdomain.NewValidator(cfg.EmulatorBinary, log),
		monitorOpener(cfg, log),
		service.Options{
			MonitorTimeout:     cfg.MonitorTimeout,
			NamingTimeout:      cfg.NamingTimeout,
			RefreshConcurrency: cfg.RefreshConcurrency,
		},
		log,
	)

	return rt, nil
}

func monitorOpener(cfg *config.Config, log *slog.Logger) service.MonitorOpener {
	return func(ctx context.Context, socketPath string, pid int) (contracts.Monitor, error) {
		return monitor.Open(ctx, socketPath, pid, monitor.Options{
			ProcRoot: cfg.ProcRoot,
			Timeout:  cfg.MonitorTimeout,
			Logger:   log,
		})
	}
}

func currentUser(log *slog.Logger) string {
	u, err := user.Current()
	if err != nil {
		log.Warn("could not determine current user", slog.String("error", err.Error()))
		return ""
	}
	return u.Username
}

// importDomains defines every domain the hypervisor connection already
// knows about.
func importDomains(ctx context.Context, rt *stack, log *slog.Logger) {
	records, err := rt.libvirt.ListDomains(ctx)
	if err != nil {
		log.Warn("could not list existing domains", slog.String("error", err.Error()))
		return
	}

	for _, record := range records {
		if _, err := rt.service.Define(ctx, record.XML, record.Persistent); err != nil {
			log.Warn("skipping existing domain",
				slog.String("name", record.Name),
				slog.String("error", err.Error()),
			)
			continue
		}
		log.Info("imported existing domain", slog.String("name", record.Name), slog.Bool("active", record.Active))
	}
}

// runServer starts the HTTP API server
func runServer(ctx context.Context, cfg *config.Config, log *slog.Logger, address string) error {
	log.Info("initializing HTTP server", slog.String("address", address))

	rt, err := initStack(cfg, log)
	if err != nil {
		return fmt.Errorf("failed to initialize domain service: %w", err)
	}
	defer rt.Close(log)

	importDomains(ctx, rt, log)
	go rt.service.RunRefresher(ctx, cfg.RefreshInterval)

	domainHandler := handler.NewDomain(rt.service, log)
	hostHandler := handler.NewHost(rt.service, log)

	router := routes.SetupMux(domainHandler, hostHandler)

	server := &http.Server{
		Addr:         address,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serverErrChan := make(chan error, 1)
	go func() {
		log.Info("HTTP server starting", slog.String("address", address))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErrChan <- fmt.Errorf("server error: %w", err)
		}
	}()

	select {
	case err := <-serverErrChan:
		return err
	case <-ctx.Done():
		log.Info("shutting down HTTP server")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown error: %w", err)
		}
		log.Info("HTTP server stopped")
		return nil
	}
}
