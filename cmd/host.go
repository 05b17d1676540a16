package main

import (
	"log/slog"

	"github.com/urfave/cli/v2"

	"github.com/terabiome/chvirt/internal/adapter"
	"github.com/terabiome/chvirt/internal/api"
	"github.com/terabiome/chvirt/internal/config"
)

func hostCommand(cfg *config.Config, log *slog.Logger) *cli.Command {
	return &cli.Command{
		Name:  "host",
		Usage: "Show host information",
		Subcommands: []*cli.Command{
			{
				Name:  "capabilities",
				Usage: "Display the host capabilities domains are validated against",
				Action: func(cliCtx *cli.Context) error {
					rt, err := initStack(cfg, log)
					if err != nil {
						return err
					}
					defer rt.Close(log)

					caps, err := rt.service.Capabilities(true)
					if err != nil {
						return err
					}
					return printJSON(adapter.AdaptHostCapabilities(caps))
				},
			},
			{
				Name:  "free-pages",
				Usage: "Display the free huge page count of one page size",
				Flags: []cli.Flag{
					&cli.Uint64Flag{
						Name:     "size",
						Usage:    "Page size in bytes",
						Required: true,
					},
					&cli.IntFlag{
						Name:  "node",
						Usage: "NUMA node, -1 for the whole host",
						Value: -1,
					},
				},
				Action: func(cliCtx *cli.Context) error {
					rt, err := initStack(cfg, log)
					if err != nil {
						return err
					}
					defer rt.Close(log)

					size := cliCtx.Uint64("size")
					node := cliCtx.Int("node")
					free, err := rt.service.FreePages(node, size)
					if err != nil {
						return err
					}
					return printJSON(api.FreePages{Node: node, PageSizeBytes: size, Free: free})
				},
			},
		},
	}
}
