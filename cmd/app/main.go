package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	_ "github.com/joho/godotenv/autoload"
	"github.com/urfave/cli/v3"

	"github.com/starford/ansuz/internal"
	pkgconfig "github.com/starford/ansuz/pkg/config"
)

func loadConfig(cmd *cli.Command) (*internal.Config, error) {
	cfg := internal.NewDefaultConfig()
	configPath := cmd.String("config")

	// An explicit --config must exist; the default path is optional so
	// the engine can run on compiled-in defaults.
	if cmd.IsSet("config") {
		if err := pkgconfig.Load(configPath, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
		return cfg, nil
	}

	if _, err := pkgconfig.LoadIfPresent(configPath, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return cfg, nil
}

func runServe(ctx context.Context, cmd *cli.Command) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	if err := internal.Run(ctx, internal.WithConfig(cfg)); err != nil {
		return fmt.Errorf("app run error: %w", err)
	}
	return nil
}

func runReconcile(ctx context.Context, cmd *cli.Command) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	opts := []internal.Option{
		internal.WithConfig(cfg),
	}
	if page := cmd.String("page"); page != "" {
		opts = append(opts, internal.WithPage(page))
	}

	return internal.RunOnce(ctx, opts...)
}

func runMCP(ctx context.Context, cmd *cli.Command) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	return internal.RunMCP(ctx, internal.WithConfig(cfg))
}

func configFlag() cli.Flag {
	return &cli.StringFlag{
		Name:        "config",
		Aliases:     []string{"c"},
		Usage:       "Path to config file",
		DefaultText: "config/config.yaml",
		Value:       "config/config.yaml",
		Sources:     cli.EnvVars("ANSUZ_CONFIG_FILE"),
	}
}

func main() {
	cmd := &cli.Command{
		Name:           "ansuz",
		Usage:          "Stroke-to-block reconciliation engine bridging handwritten ink into an outline tree",
		DefaultCommand: "serve",
		Commands: []*cli.Command{
			{
				Name:   "serve",
				Usage:  "Run the HTTP API, ink watcher and SSE stream",
				Action: runServe,
				Flags:  []cli.Flag{configFlag()},
			},
			{
				Name:   "reconcile",
				Usage:  "Run a single reconciliation sweep and exit",
				Action: runReconcile,
				Flags: []cli.Flag{
					configFlag(),
					&cli.StringFlag{
						Name:  "page",
						Usage: "Reconcile only this page key",
					},
				},
			},
			{
				Name:   "mcp",
				Usage:  "Serve MCP tools for LLM clients over stdio",
				Action: runMCP,
				Flags:  []cli.Flag{configFlag()},
			},
		},
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		slog.Error("application error", slog.String("error", err.Error()))
		os.Exit(1)
	}
}
