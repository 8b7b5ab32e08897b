package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/rendis/govflow/internal/definition"
	"github.com/rendis/govflow/internal/diagram"
	"github.com/rendis/govflow/internal/engine"
	"github.com/rendis/govflow/internal/host"
	"github.com/rendis/govflow/internal/identity"
	"github.com/rendis/govflow/internal/logging"
	"github.com/rendis/govflow/internal/scheduler"
	"github.com/rendis/govflow/internal/store"
	"github.com/rendis/govflow/pkg/mcp"
)

const shutdownTimeout = 10 * time.Second

// setup resolves the layered config for cmd and opens the runtime.
func setup(ctx context.Context, cmd *cli.Command) (*runtime, error) {
	cfg := loadConfig()
	applyFlags(&cfg, cmd.Root())
	logger := logging.New(os.Stderr, cfg.LogLevel)
	return openRuntime(ctx, cfg, logger)
}

func closeRuntime(rt *runtime) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	rt.Close(ctx)
}

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Run the MCP server, the scheduler and optionally an embedded host",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "transport", Value: "stdio", Usage: "MCP transport: stdio or sse"},
			&cli.StringFlag{Name: "base-url", Usage: "public SSE base URL (derived from listen-addr if empty)"},
			&cli.BoolFlag{Name: "with-host", Usage: "also claim and execute actions in this process"},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			transport := cmd.String("transport")
			if transport != "stdio" && transport != "sse" {
				return fmt.Errorf("unknown transport %q (want stdio or sse)", transport)
			}

			rt, err := setup(ctx, cmd)
			if err != nil {
				return err
			}
			defer closeRuntime(rt)
			rt.serveMetrics(ctx)

			sched := scheduler.NewScheduler(rt.db, rt.engine, scheduler.Config{
				Logger:  rt.logger,
				Metrics: rt.metrics,
			})
			if err := sched.RecoverMissed(ctx); err != nil {
				rt.logger.Warn("recover missed jobs", "error", err)
			}
			if err := sched.Start(ctx); err != nil {
				return err
			}
			defer func() { _ = sched.Stop() }()

			if cmd.Bool("with-host") {
				go func() {
					if err := runHost(ctx, rt); err != nil {
						rt.logger.Error("embedded host stopped", "error", err)
					}
				}()
			}

			srv := mcp.NewServer(mcp.ServerDeps{
				Engine:    rt.engine,
				Loader:    rt.loader,
				Registry:  rt.registry,
				Scheduler: sched,
				Events:    rt.events,
				Logger:    rt.logger,
			})

			if transport == "stdio" {
				rt.logger.Info("serving MCP over stdio")
				return srv.Serve(ctx)
			}
			return serveSSE(ctx, rt, srv, cmd.String("base-url"))
		},
	}
}

func serveSSE(ctx context.Context, rt *runtime, srv *mcp.Server, baseURL string) error {
	if baseURL == "" {
		baseURL = "http://localhost" + rt.cfg.ListenAddr
		if !strings.HasPrefix(rt.cfg.ListenAddr, ":") {
			baseURL = "http://" + rt.cfg.ListenAddr
		}
	}
	sse := srv.SSE(baseURL)

	go func() {
		notifier := mcp.NewMCPNotifier(srv.MCPServer(), srv.Sessions())
		if err := mcp.Relay(ctx, rt.hub, srv.Sessions(), notifier, rt.logger); err != nil {
			rt.logger.Error("notification relay stopped", "error", err)
		}
	}()

	errc := make(chan error, 1)
	go func() { errc <- sse.Start(rt.cfg.ListenAddr) }()
	rt.logger.Info("serving MCP over SSE", "addr", rt.cfg.ListenAddr, "base_url", baseURL)

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return sse.Shutdown(shutdownCtx)
}

func hostCommand() *cli.Command {
	return &cli.Command{
		Name:  "host",
		Usage: "Claim and execute approved actions for the configured engines",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			rt, err := setup(ctx, cmd)
			if err != nil {
				return err
			}
			defer closeRuntime(rt)
			rt.serveMetrics(ctx)
			return runHost(ctx, rt)
		},
	}
}

// runHost registers this process as an engine host and polls until ctx is done.
func runHost(ctx context.Context, rt *runtime) error {
	workerID := rt.cfg.WorkerID
	if workerID == "" {
		workerID = identity.NewWorkerID("host")
	}
	engines := rt.cfg.Engines
	if len(engines) == 0 {
		engines = rt.registry.Engines()
	}
	hostname, _ := os.Hostname()
	meta, _ := json.Marshal(map[string]string{"hostname": hostname, "version": version})
	if _, err := identity.EnsureRegistered(ctx, rt.db, workerID, hostname, engines, meta); err != nil {
		return fmt.Errorf("register host: %w", err)
	}

	poll, err := rt.cfg.Poll()
	if err != nil {
		return err
	}
	h, err := host.New(rt.engine, rt.registry, host.Config{
		WorkerID:     workerID,
		Engines:      engines,
		PollInterval: poll,
		PoolSize:     rt.cfg.PoolSize,
		Logger:       rt.logger,
		Metrics:      rt.metrics,
	})
	if err != nil {
		return err
	}
	return h.Run(ctx)
}

func loadCommand() *cli.Command {
	return &cli.Command{
		Name:      "load",
		Usage:     "Validate and load process definition files or directories",
		ArgsUsage: "<path>...",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "dry-run", Usage: "validate only, write nothing"},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			paths := cmd.Args().Slice()
			if len(paths) == 0 {
				return errors.New("at least one definition path is required")
			}
			rt, err := setup(ctx, cmd)
			if err != nil {
				return err
			}
			defer closeRuntime(rt)
			return loadPaths(ctx, output(cmd), rt.loader, paths, cmd.Bool("dry-run"))
		},
	}
}

func loadPaths(ctx context.Context, w io.Writer, loader *definition.Loader, paths []string, dryRun bool) error {
	for _, p := range paths {
		info, err := os.Stat(p)
		if err != nil {
			return err
		}
		if info.IsDir() && !dryRun {
			results, err := loader.LoadDir(ctx, p)
			if err != nil {
				return err
			}
			for _, r := range results {
				printLoaded(w, r)
			}
			continue
		}
		if info.IsDir() {
			return fmt.Errorf("%s: --dry-run takes definition files", p)
		}

		if dryRun {
			doc, err := definition.ParseFile(p)
			if err != nil {
				return fmt.Errorf("%s: %w", p, err)
			}
			vr := loader.Validate(doc)
			for _, issue := range vr.Warnings {
				fmt.Fprintf(w, "%s: %s\n", p, issue)
			}
			if !vr.Valid() {
				return fmt.Errorf("%s: %w", p, vr.ToError())
			}
			fmt.Fprintf(w, "%s: valid (%d steps, %d edges)\n", p, len(doc.Steps), len(doc.Edges))
			continue
		}

		r, err := loader.LoadFile(ctx, p)
		if err != nil {
			return fmt.Errorf("%s: %w", p, err)
		}
		printLoaded(w, r)
	}
	return nil
}

func printLoaded(w io.Writer, r *definition.Result) {
	if r.Skipped {
		fmt.Fprintf(w, "%s: already loaded (%s)\n", r.Process.QualifiedName, r.Process.GUID)
		return
	}
	fmt.Fprintf(w, "%s: loaded %d steps, %d edges (%s)\n", r.Process.QualifiedName, len(r.Steps), r.Edges, r.Process.GUID)
}

func initiateCommand() *cli.Command {
	return &cli.Command{
		Name:      "initiate",
		Usage:     "Start a new instance of a process",
		ArgsUsage: "<process-name>",
		Flags: []cli.Flag{
			&cli.StringSliceFlag{Name: "param", Aliases: []string{"p"}, Usage: "request parameter as key=value"},
			&cli.StringFlag{Name: "originator", Usage: "who requested the instance"},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			if cmd.Args().Len() != 1 {
				return errors.New("exactly one process name is required")
			}
			params, err := parseParams(cmd.StringSlice("param"))
			if err != nil {
				return err
			}
			rt, err := setup(ctx, cmd)
			if err != nil {
				return err
			}
			defer closeRuntime(rt)

			res, err := rt.engine.InitiateProcess(ctx, engine.InitiateRequest{
				ProcessName: cmd.Args().First(),
				Parameters:  params,
				Originator:  cmd.String("originator"),
			})
			if err != nil {
				return err
			}
			return writeJSON(output(cmd), res)
		},
	}
}

func executorsCommand() *cli.Command {
	return &cli.Command{
		Name:  "executors",
		Usage: "List the registered executors",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			rt, err := setup(ctx, cmd)
			if err != nil {
				return err
			}
			defer closeRuntime(rt)
			return writeJSON(output(cmd), rt.registry.List())
		},
	}
}

func diagramCommand() *cli.Command {
	return &cli.Command{
		Name:      "diagram",
		Usage:     "Render a process graph, optionally with live action status",
		ArgsUsage: "<process-name>",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "format", Value: "mermaid", Usage: "mermaid, png or svg"},
			&cli.StringFlag{Name: "output", Aliases: []string{"o"}, Usage: "write to this file instead of stdout"},
			&cli.BoolFlag{Name: "live", Usage: "overlay the status of the process's actions"},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			if cmd.Args().Len() != 1 {
				return errors.New("exactly one process name is required")
			}
			name := cmd.Args().First()
			rt, err := setup(ctx, cmd)
			if err != nil {
				return err
			}
			defer closeRuntime(rt)

			var acts []*store.EngineAction
			if cmd.Bool("live") {
				if acts, err = rt.engine.FindBySubstring(ctx, name+"::"); err != nil {
					return err
				}
			}
			model, err := diagram.Build(ctx, rt.db, name, acts)
			if err != nil {
				return err
			}

			var data []byte
			switch format := cmd.String("format"); format {
			case "mermaid":
				data = []byte(diagram.RenderMermaid(model))
			default:
				if data, err = diagram.RenderImage(ctx, model, format); err != nil {
					return err
				}
			}

			if path := cmd.String("output"); path != "" {
				return os.WriteFile(path, data, 0o644)
			}
			_, err = output(cmd).Write(data)
			return err
		},
	}
}

// parseParams turns key=value pairs into a parameter map.
func parseParams(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	out := make(map[string]string, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid parameter %q (want key=value)", p)
		}
		out[k] = v
	}
	return out, nil
}

// output is where command results go; stdout unless the app overrides it.
func output(cmd *cli.Command) io.Writer {
	if w := cmd.Root().Writer; w != nil {
		return w
	}
	return os.Stdout
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

