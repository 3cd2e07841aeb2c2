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
	cmd := &cli.Command{
		Name:                  "gantry",
		Usage:                 "Execution control plane for externally running workflows",
		Version:               version,
		EnableShellCompletion: true,
		Commands: []*cli.Command{
			{
				Name:  "serve",
				Usage: "Start the HTTP control panel and background loops",
				Flags: serveFlags(),
				Action: func(ctx context.Context, command *cli.Command) error {
					return runServe(signalContext(ctx), applyFlags(loadConfig(), command))
				},
			},
			{
				Name:  "mcp",
				Usage: "Serve the control plane to an MCP client over stdio",
				Flags: serveFlags(),
				Action: func(ctx context.Context, command *cli.Command) error {
					return runMCP(signalContext(ctx), applyFlags(loadConfig(), command))
				},
			},
			{
				Name:  "version",
				Usage: "Print the gantry version",
				Action: func(_ context.Context, _ *cli.Command) error {
					fmt.Println(version)
					return nil
				},
			},
		},
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func serveFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:    "listen-addr",
			Aliases: []string{"l"},
			Usage:   "HTTP listen address",
		},
		&cli.StringFlag{
			Name:  "db-path",
			Usage: "libSQL database path (file: URI)",
		},
		&cli.StringFlag{
			Name:  "log-level",
			Usage: "Log level (debug, info, warn, error)",
		},
		&cli.StringFlag{
			Name:  "source-url",
			Usage: "Workflow engine API root",
		},
		&cli.StringFlag{
			Name:  "source-name",
			Usage: "Registry name for the execution source",
		},
	}
}

// applyFlags lets explicit CLI flags win over settings.json and env vars.
func applyFlags(cfg Config, command *cli.Command) Config {
	if v := command.String("listen-addr"); v != "" {
		cfg.ListenAddr = v
	}
	if v := command.String("db-path"); v != "" {
		cfg.DBPath = v
	}
	if v := command.String("log-level"); v != "" {
		cfg.LogLevel = v
	}
	if v := command.String("source-url"); v != "" {
		cfg.SourceURL = v
	}
	if v := command.String("source-name"); v != "" {
		cfg.SourceName = v
	}
	return cfg
}

func signalContext(parent context.Context) context.Context {
	ctx, _ := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	return ctx
}
