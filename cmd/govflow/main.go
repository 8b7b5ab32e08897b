// Command govflow runs the governance action engine: an MCP server for
// operators and workers, an embedded engine host, and the cron scheduler.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v3"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newApp().Run(ctx, os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newApp() *cli.Command {
	return &cli.Command{
		Name:                  "govflow",
		Usage:                 "Schedule and track governance engine actions",
		Version:               version,
		EnableShellCompletion: true,
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "db-path", Usage: "libSQL database path (default: ~/.govflow/govflow.db)"},
			&cli.StringFlag{Name: "backend", Usage: "store for actions and events: libsql or redis"},
			&cli.StringFlag{Name: "redis-addr", Usage: "redis address for the redis backend"},
			&cli.StringFlag{Name: "log-level", Usage: "log level: debug, info, warn, error"},
			&cli.StringFlag{Name: "worker-id", Usage: "worker identity of the embedded host"},
			&cli.StringSliceFlag{Name: "engines", Usage: "engine names served by the embedded host"},
			&cli.StringFlag{Name: "poll-interval", Usage: "host polling interval"},
			&cli.IntFlag{Name: "pool-size", Usage: "host executor pool size"},
			&cli.StringFlag{Name: "listen-addr", Usage: "SSE listen address"},
			&cli.StringFlag{Name: "metrics-addr", Usage: "prometheus listen address, empty to disable"},
			&cli.StringFlag{Name: "definitions", Usage: "directory of process definitions loaded at startup"},
			&cli.BoolFlag{Name: "tracing", Usage: "export OpenTelemetry traces over OTLP/HTTP"},
		},
		Commands: []*cli.Command{
			serveCommand(),
			hostCommand(),
			loadCommand(),
			initiateCommand(),
			executorsCommand(),
			diagramCommand(),
		},
	}
}
