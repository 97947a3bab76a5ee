// Copyright 2025 Kadir Pekel
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

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kadirpekel/codebridge/pkg/auth"
	"github.com/kadirpekel/codebridge/pkg/backend"
	"github.com/kadirpekel/codebridge/pkg/config"
	"github.com/kadirpekel/codebridge/pkg/mcpmodule"
	"github.com/kadirpekel/codebridge/pkg/observability"
	"github.com/kadirpekel/codebridge/pkg/ratelimit"
	"github.com/kadirpekel/codebridge/pkg/server"
	"github.com/kadirpekel/codebridge/pkg/session"
	"github.com/kadirpekel/codebridge/pkg/task"
	"github.com/kadirpekel/codebridge/pkg/workspace"
)

type ServeCmd struct {
	Host      string   `help:"Address to bind (default 0.0.0.0)."`
	Port      int      `help:"Port to listen on (default 9100)."`
	Workspace string   `help:"Parent directory of task workspaces (default: a new temp dir)." type:"path"`
	Model     string   `help:"Model passed to the claude CLI." env:"CLAUDE_MODEL"`
	MaxTurns  int      `name:"max-turns" help:"Agent loop cap per request (0 = no cap)."`
	MCP       []string `name:"mcp" help:"Auxiliary MCP module to enable (repeatable)." placeholder:"NAME"`

	Backend     string        `help:"Agent backend: claude, remote or echo."`
	RemoteURL   string        `name:"remote-url" help:"Base URL of the remote A2A agent."`
	TurnTimeout time.Duration `name:"turn-timeout" help:"Longest wait for the next backend event."`

	Watch bool `help:"Watch the config and apply log level changes."`
}

// apply overrides config values with the flags that were set.
func (c *ServeCmd) apply(cfg *config.Config) {
	if c.Host != "" {
		cfg.Server.Host = c.Host
	}
	if c.Port != 0 {
		cfg.Server.Port = c.Port
	}
	if c.Workspace != "" {
		cfg.Bridge.WorkspaceRoot = c.Workspace
	}
	if c.Model != "" {
		cfg.Bridge.Claude.Model = c.Model
	}
	if c.MaxTurns != 0 {
		cfg.Bridge.Claude.MaxTurns = c.MaxTurns
	}
	if len(c.MCP) > 0 {
		cfg.MCP.Modules = append(cfg.MCP.Modules, c.MCP...)
	}
	if c.Backend != "" {
		cfg.Bridge.Backend = c.Backend
	}
	if c.RemoteURL != "" {
		cfg.Bridge.Remote.URL = c.RemoteURL
	}
	if c.TurnTimeout != 0 {
		cfg.Bridge.TurnTimeout = c.TurnTimeout
	}
}

func (c *ServeCmd) Run(cli *CLI) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pinned := resolveLogSettings(cli, nil)
	cfg, loader, err := loadConfig(ctx, cli, config.WithOnChange(logLevelReloader(pinned)))
	if err != nil {
		return err
	}
	if loader != nil {
		defer loader.Close()
	}

	cleanup, err := initLogger(resolveLogSettings(cli, &cfg.Logger))
	if err != nil {
		return err
	}
	if cleanup != nil {
		defer cleanup()
	}

	c.apply(cfg)
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	obs, err := observability.NewManager(ctx, cfg.Observability)
	if err != nil {
		return fmt.Errorf("failed to initialize observability: %w", err)
	}
	defer func() {
		if err := obs.Shutdown(context.Background()); err != nil {
			slog.Warn("Observability shutdown failed", "error", err)
		}
	}()

	// Task and session stores share connections per DSN.
	pool := config.NewDBPool()
	defer pool.Close()

	stores, err := task.NewStoresFromConfig(ctx, cfg, pool)
	if err != nil {
		return fmt.Errorf("failed to create task store: %w", err)
	}
	sessionStore, err := session.NewStoreFromConfig(ctx, cfg, pool)
	if err != nil {
		return fmt.Errorf("failed to create session store: %w", err)
	}
	var sessionOpts []session.Option
	if sessionStore != nil {
		sessionOpts = append(sessionOpts, session.WithStore(sessionStore))
	}

	workspaces, err := workspace.NewManager(cfg.Bridge.WorkspaceRoot, workspace.WithKeepOnRelease(cfg.Bridge.KeepWorkspaces))
	if err != nil {
		return err
	}
	defer func() {
		if err := workspaces.Close(); err != nil {
			slog.Warn("Failed to clean up workspaces", "error", err)
		}
	}()

	b, err := newBackend(cfg, resolveModules(cfg))
	if err != nil {
		return err
	}

	tasks, err := server.NewTaskServer(server.Deps{
		Card:          server.BuildAgentCard(cfg),
		Backend:       b,
		Workspaces:    workspaces,
		Sessions:      session.NewRegistry(sessionOpts...),
		Store:         stores.Tasks,
		Retention:     cfg.Server.Tasks.Retention,
		MaxEvents:     cfg.Server.Tasks.MaxEvents,
		TurnTimeout:   cfg.Bridge.TurnTimeout,
		MaxConcurrent: cfg.Bridge.MaxConcurrentTasks,
		Model:         cfg.Bridge.Claude.Model,
		MaxTurns:      cfg.Bridge.Claude.MaxTurns,
		Tracer:        obs.Tracer(),
		Metrics:       obs.Metrics(),
	})
	if err != nil {
		return fmt.Errorf("failed to create task server: %w", err)
	}

	serverOpts := []server.HTTPServerOption{server.WithObservability(obs)}
	if stores.A2A != nil {
		serverOpts = append(serverOpts, server.WithTaskStore(stores.A2A))
	}
	validator, err := auth.NewValidatorFromConfig(ctx, &cfg.Server.Auth)
	if err != nil {
		return fmt.Errorf("failed to create token validator: %w", err)
	}
	if validator != nil {
		defer validator.Close()
		serverOpts = append(serverOpts, server.WithAuthValidator(validator))
	}
	limiter, err := ratelimit.NewFromConfig(&cfg.Server.RateLimit)
	if err != nil {
		return fmt.Errorf("failed to create rate limiter: %w", err)
	}
	if limiter != nil {
		serverOpts = append(serverOpts, server.WithRateLimiter(limiter))
	}
	srv := server.NewHTTPServer(&cfg.Server, tasks, serverOpts...)

	printReady(cfg, b, workspaces, obs)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Start(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		timeout := cfg.Server.ShutdownTimeout
		if timeout <= 0 {
			timeout = 5 * time.Second
		}
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), timeout)
		defer cancel()
		slog.Info("Canceling in-flight turns")
		return tasks.Shutdown(shutdownCtx)
	})
	if c.Watch && loader != nil {
		g.Go(func() error {
			if err := loader.Watch(gctx); err != nil && gctx.Err() == nil {
				return err
			}
			return nil
		})
	}
	return g.Wait()
}

func resolveModules(cfg *config.Config) []mcpmodule.Module {
	if len(cfg.MCP.Modules) == 0 {
		return nil
	}
	self := cfg.MCP.SelfCommand
	if self == "" {
		exe, err := os.Executable()
		if err != nil {
			slog.Warn("Cannot locate own executable, MCP modules disabled", "error", err)
			return nil
		}
		self = exe
	}
	return mcpmodule.Resolve(cfg.MCP.Modules, self)
}

func printReady(cfg *config.Config, b backend.Backend, workspaces *workspace.Manager, obs *observability.Manager) {
	base := cfg.Card.PublicURL(&cfg.Server)
	fmt.Printf("\ncodebridge ready\n")
	fmt.Printf("   Backend:     %s\n", b.Name())
	fmt.Printf("   Workspaces:  %s\n", workspaces.Root())
	fmt.Printf("   Agent Card:  %s.well-known/agent-card.json\n", base)
	fmt.Printf("   Tasks:       %stasks\n", base)
	fmt.Printf("   Health:      %shealth\n", base)
	if cfg.Server.Transport == config.TransportGRPC {
		fmt.Printf("   gRPC:        %s\n", cfg.Server.GRPCAddress())
	}
	if tasksStore := cfg.Server.Tasks.Store(); tasksStore.IsSQL() {
		fmt.Printf("   Tasks store: sql (%s)\n", cfg.Server.Tasks.Database)
	} else {
		fmt.Printf("   Tasks store: in-memory (not persisted)\n")
	}
	if obs.MetricsEnabled() {
		fmt.Printf("   Metrics:     %s%s\n", base, strings.TrimPrefix(obs.MetricsEndpoint(), "/"))
	}
	fmt.Println("\nPress Ctrl+C to stop")
}
