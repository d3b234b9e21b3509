// Copyright 2026 The CAG Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Command cag runs the coordination runtime.
//
// Usage:
//
//	cag serve --config config.yaml
//	cag serve --docs-folder ./docs --watch-config
//	cag validate --config config.yaml
package main

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"

	"github.com/alecthomas/kong"

	cagruntime "github.com/Chester930/cag"
	"github.com/Chester930/cag/pkg/cag"
	"github.com/Chester930/cag/pkg/config"
	"github.com/Chester930/cag/pkg/llms"
	"github.com/Chester930/cag/pkg/logger"
	"github.com/Chester930/cag/pkg/observability"
	"github.com/Chester930/cag/pkg/plugins/rpc"
	"github.com/Chester930/cag/pkg/rag"
)

// CLI defines the command-line interface.
type CLI struct {
	Version  VersionCmd  `cmd:"" help:"Show version information."`
	Serve    ServeCmd    `cmd:"" help:"Start the coordination runtime."`
	Validate ValidateCmd `cmd:"" help:"Validate configuration file."`

	Config    string `short:"c" help:"Path to config file." type:"path"`
	LogLevel  string `help:"Log level (debug, info, warn, error)." default:""`
	LogFormat string `help:"Log format (text, json)." default:""`
}

// VersionCmd shows version information.
type VersionCmd struct{}

func (c *VersionCmd) Run() error {
	info := cagruntime.GetVersion()
	if bi, ok := debug.ReadBuildInfo(); ok {
		if bi.Main.Version != "(devel)" && bi.Main.Version != "" {
			info.Version = bi.Main.Version
		}
	}
	fmt.Println(info.String())
	return nil
}

// ValidateCmd loads and validates the configuration, then exits.
type ValidateCmd struct{}

func (c *ValidateCmd) Run(cli *CLI) error {
	if cli.Config == "" {
		return fmt.Errorf("--config is required for validate")
	}

	cfg, loader, err := config.LoadFile(context.Background(), cli.Config)
	if err != nil {
		return err
	}
	defer loader.Close()

	if cfg.Plugins.ConfigFile != "" {
		if _, err := config.LoadPluginDescriptors(cfg.Plugins.ConfigFile); err != nil {
			return err
		}
	}

	fmt.Println("Configuration is valid")
	return nil
}

// ServeCmd starts the runtime and reads messages from stdin, one per
// line, writing replies to stdout.
type ServeCmd struct {
	Provider    string `help:"Model provider name." default:"echo"`
	UserID      string `name:"user-id" help:"User ID for conversation persistence." default:"local"`
	DocsFolder  string `name:"docs-folder" help:"Folder of text documents to index for retrieval." type:"path"`
	WatchConfig bool   `name:"watch-config" help:"Watch the config file for changes."`
}

func (c *ServeCmd) Run(cli *CLI) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		slog.Info("Shutting down...")
		cancel()
	}()

	cfg, loader, err := c.loadConfig(ctx, cli.Config)
	if err != nil {
		return err
	}
	if loader != nil {
		defer loader.Close()
		if c.WatchConfig {
			go func() {
				if err := loader.Watch(ctx); err != nil && ctx.Err() == nil {
					slog.Error("Config watch error", "error", err)
				}
			}()
		}
	}

	applyLogging(cfg, cli)

	providers := llms.NewProviderRegistry()
	if err := providers.RegisterProvider("echo", llms.NewEchoProvider()); err != nil {
		return err
	}
	provider, err := providers.GetProvider(c.Provider)
	if err != nil {
		return err
	}

	retriever, err := c.buildRetriever(ctx)
	if err != nil {
		return err
	}

	metrics, err := observability.InitMetrics(cfg.Metrics)
	if err != nil {
		return fmt.Errorf("failed to initialize metrics: %w", err)
	}
	if cfg.Metrics.Enabled {
		metricsServer := observability.NewServer(cfg.Metrics, metrics)
		metricsServer.Start()
		defer func() { _ = metricsServer.Shutdown(context.Background()) }()
	}

	coordinator, err := cag.NewCoordinator(cag.Options{
		Config:    cfg,
		Provider:  provider,
		Retriever: retriever,
		Tracker:   cag.LogTracker{},
		Metrics:   metrics,
	})
	if err != nil {
		return err
	}

	if err := coordinator.PluginManager().RegisterLoader(rpc.NewLoader()); err != nil {
		return err
	}
	if err := coordinator.Initialize(ctx); err != nil {
		return err
	}
	if err := coordinator.Start(ctx); err != nil {
		return err
	}
	defer func() {
		if err := coordinator.Stop(context.Background()); err != nil {
			slog.Error("Shutdown error", "error", err)
		}
	}()

	slog.Info("Runtime ready", "provider", provider.ModelName())
	return c.repl(ctx, coordinator)
}

// repl reads messages line by line until EOF or cancellation.
func (c *ServeCmd) repl(ctx context.Context, coordinator *cag.Coordinator) error {
	scanner := bufio.NewScanner(os.Stdin)
	lines := make(chan string)
	go func() {
		defer close(lines)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		fmt.Print("> ")
		select {
		case <-ctx.Done():
			fmt.Println()
			return nil
		case line, ok := <-lines:
			if !ok {
				return scanner.Err()
			}
			if line == "" {
				continue
			}

			reply, err := coordinator.ProcessMessage(ctx, c.UserID, line)
			if err != nil {
				fmt.Fprintf(os.Stderr, "error: %v\n", err)
				continue
			}
			fmt.Println(reply)
		}
	}
}

func (c *ServeCmd) loadConfig(ctx context.Context, path string) (*config.Config, *config.Loader, error) {
	if path == "" {
		cfg := &config.Config{}
		cfg.SetDefaults()
		return cfg, nil, nil
	}
	return config.LoadFile(ctx, path)
}

// buildRetriever indexes the docs folder into an embedded vector
// store, or returns the no-op retriever when no folder is given.
func (c *ServeCmd) buildRetriever(ctx context.Context) (rag.Retriever, error) {
	if c.DocsFolder == "" {
		return rag.NopRetriever{}, nil
	}

	retriever, err := rag.NewChromemRetriever(rag.ChromemConfig{})
	if err != nil {
		return nil, fmt.Errorf("failed to create retriever: %w", err)
	}

	entries, err := os.ReadDir(c.DocsFolder)
	if err != nil {
		return nil, fmt.Errorf("failed to read docs folder: %w", err)
	}

	indexed := 0
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		data, err := os.ReadFile(c.DocsFolder + "/" + entry.Name())
		if err != nil {
			slog.Warn("Skipping unreadable document", "file", entry.Name(), "error", err)
			continue
		}
		added, err := retriever.AddDocument(ctx, string(data))
		if err != nil {
			slog.Warn("Failed to index document", "file", entry.Name(), "error", err)
			continue
		}
		if added {
			indexed++
		}
	}

	slog.Info("Indexed documents for retrieval", "count", indexed, "folder", c.DocsFolder)
	return retriever, nil
}

// applyLogging configures slog from config, with CLI flags taking
// precedence.
func applyLogging(cfg *config.Config, cli *CLI) {
	level := cfg.Logging.Level
	if cli.LogLevel != "" {
		level = cli.LogLevel
	}
	format := cfg.Logging.Format
	if cli.LogFormat != "" {
		format = cli.LogFormat
	}

	logger.Setup(logger.Options{
		Level:  level,
		Format: logger.Format(format),
		Output: os.Stderr,
	})
}

func main() {
	_ = config.LoadEnvFiles()

	cli := CLI{}
	ctx := kong.Parse(&cli,
		kong.Name("cag"),
		kong.Description("CAG coordination runtime - context-aware generation pipeline"),
		kong.UsageOnError(),
	)

	err := ctx.Run(&cli)
	ctx.FatalIfErrorf(err)
}
