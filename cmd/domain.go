package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/terabiome/chvirt/internal/adapter"
	"github.com/terabiome/chvirt/internal/chdomain"
	"github.com/terabiome/chvirt/internal/config"
	"github.com/terabiome/chvirt/internal/contracts"
	"github.com/terabiome/chvirt/internal/infrastructure/machined"
	"github.com/terabiome/chvirt/internal/infrastructure/monitor"
)

type threadReport struct {
	PID        int                    `json:"pid"`
	Expected   int                    `json:"expected_vcpus,omitempty"`
	Observed   int                    `json:"observed_vcpus"`
	Consistent bool                   `json:"consistent"`
	Threads    []contracts.ThreadInfo `json:"threads"`
}

func domainCommand(ctx context.Context, cfg *config.Config, log *slog.Logger) *cli.Command {
	return &cli.Command{
		Name:  "domain",
		Usage: "Execute domain-related functions",
		Action: func(c *cli.Context) error {
			fmt.Println("use subcommand instead:")
			for _, subcmd := range c.Command.Subcommands {
				fmt.Printf("\t - %s %s %s\n", c.App.Name, c.Command.Name, subcmd.Name)
			}
			return nil
		},
		Subcommands: []*cli.Command{
			{
				Name:      "validate",
				Usage:     "Validate a domain XML file, or a domain known to libvirt with --name",
				ArgsUsage: "[domain.xml]",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:    "name",
						Aliases: []string{"n"},
						Usage:   "Validate the inactive XML of an existing libvirt domain",
					},
				},
				Action: func(cliCtx *cli.Context) error {
					rt, err := initStack(cfg, log)
					if err != nil {
						return err
					}
					defer rt.Close(log)

					var domainXML string
					if name := cliCtx.String("name"); name != "" {
						domainXML, err = rt.libvirt.LookupDomainXML(name)
						if err != nil {
							return err
						}
					} else {
						filepath := cliCtx.Args().First()
						if filepath == "" {
							return errors.New("empty file path to domain XML")
						}
						raw, err := os.ReadFile(filepath)
						if err != nil {
							return err
						}
						domainXML = string(raw)
					}

					def, err := rt.service.Validate(ctx, domainXML)
					if err != nil {
						return fmt.Errorf("domain rejected: %w", err)
					}

					return printJSON(adapter.AdaptValidatedDomain(def))
				},
			},
			{
				Name:  "threads",
				Usage: "List and classify the threads of a running cloud-hypervisor process",
				Flags: []cli.Flag{
					&cli.IntFlag{
						Name:     "pid",
						Usage:    "Hypervisor process ID",
						Required: true,
					},
					&cli.IntFlag{
						Name:  "vcpus",
						Usage: "Expected number of online vCPUs",
					},
				},
				Action: func(cliCtx *cli.Context) error {
					pid := cliCtx.Int("pid")
					mon, err := monitor.Open(ctx, "", pid, monitor.Options{
						ProcRoot: cfg.ProcRoot,
						Timeout:  cfg.MonitorTimeout,
						Logger:   log,
					})
					if err != nil {
						return err
					}
					defer mon.Close()

					threads, err := mon.ListThreads(ctx, true)
					if err != nil {
						return err
					}

					report := threadReport{PID: pid, Expected: cliCtx.Int("vcpus"), Threads: threads}
					for _, thread := range threads {
						if thread.Type == contracts.ThreadTypeVcpu {
							report.Observed++
						}
					}
					report.Consistent = report.Expected == 0 || report.Expected == report.Observed
					if !report.Consistent {
						log.Warn("vcpu thread count mismatch",
							slog.Int("expected", report.Expected),
							slog.Int("observed", report.Observed),
						)
					}

					return printJSON(report)
				},
			},
			{
				Name:  "machine-name",
				Usage: "Print the machine name of a domain",
				Flags: []cli.Flag{
					&cli.IntFlag{
						Name:     "id",
						Usage:    "Domain ID",
						Required: true,
					},
					&cli.StringFlag{
						Name:     "name",
						Usage:    "Domain name",
						Required: true,
					},
					&cli.IntFlag{
						Name:  "pid",
						Usage: "Hypervisor process ID to look up in the machine naming service",
					},
				},
				Action: func(cliCtx *cli.Context) error {
					if pid := cliCtx.Int("pid"); pid > 0 {
						if name, err := lookupMachineName(ctx, cfg, log, pid); err == nil && name != "" {
							fmt.Println(name)
							return nil
						}
					}

					fmt.Println(chdomain.GenerateMachineName(
						chdomain.DriverName,
						cliCtx.Int("id"),
						cliCtx.String("name"),
						cfg.Privileged,
						currentUser(log),
					))
					return nil
				},
			},
		},
	}
}

func lookupMachineName(ctx context.Context, cfg *config.Config, log *slog.Logger, pid int) (string, error) {
	client, err := machined.Connect(log)
	if err != nil {
		log.Warn("machine naming service unavailable", slog.String("error", err.Error()))
		return "", err
	}
	defer client.Close()

	ctx, cancel := context.WithTimeout(ctx, cfg.NamingTimeout)
	defer cancel()

	name, err := client.GetMachineNameByPID(ctx, pid)
	if err != nil {
		log.Warn("machine name lookup failed", slog.Int("pid", pid), slog.String("error", err.Error()))
	}
	return name, err
}

func printJSON(v any) error {
	output, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("unable to marshal response: %w", err)
	}

	fmt.Println(string(output))
	return nil
}
