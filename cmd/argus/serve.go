// SPDX-License-Identifier: AGPL-3.0
// Copyright 2025 Kadir Pekel
//
// Licensed under the GNU Affero General Public License v3.0 (AGPL-3.0) (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.gnu.org/licenses/agpl-3.0.en.html
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
	"sort"
	"strings"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/kadirpekel/argus/pkg/approval"
	"github.com/kadirpekel/argus/pkg/checkpoint"
	"github.com/kadirpekel/argus/pkg/config"
	"github.com/kadirpekel/argus/pkg/oauth"
	"github.com/kadirpekel/argus/pkg/observability"
	"github.com/kadirpekel/argus/pkg/runtime"
	"github.com/kadirpekel/argus/pkg/server"
	"github.com/kadirpekel/argus/pkg/store"
	"github.com/kadirpekel/argus/pkg/stream"
	"github.com/kadirpekel/argus/pkg/tool"
)

// ServeCmd starts the agent gateway.
type ServeCmd struct {
	Port  int  `help:"Port to listen on (overrides config)."`
	Watch bool `help:"Watch config file for changes."`
}

func (c *ServeCmd) Run(cli *CLI) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle shutdown signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		slog.Info("Shutting down...")
		cancel()
	}()

	cfg, loader, err := loadConfig(ctx, cli.Config)
	if err != nil {
		return err
	}
	if loader != nil {
		defer loader.Close()
	}

	if c.Port != 0 {
		cfg.Server.Port = c.Port
	}

	if c.Watch && loader != nil {
		go func() {
			if err := loader.Watch(ctx); err != nil && ctx.Err() == nil {
				slog.Error("Config watch error", "error", err)
			}
		}()
	}

	shutdownTracer, err := observability.InitGlobalTracer(ctx, cfg.Tracing)
	if err != nil {
		return fmt.Errorf("failed to initialize tracing: %w", err)
	}
	defer func() {
		flushCtx, cancelFlush := context.WithTimeout(context.Background(), cfg.Tracing.Timeout)
		defer cancelFlush()
		if err := shutdownTracer(flushCtx); err != nil {
			slog.Warn("Tracer shutdown failed", "error", err)
		}
	}()

	metrics := observability.MustNewMetrics(prometheus.DefaultRegisterer)
	observability.SetGlobalMetrics(metrics)

	st, err := store.Open(store.Config{
		Driver:   cfg.Database.Driver,
		DSN:      cfg.Database.DSN(),
		MaxConns: cfg.Database.MaxConns,
		MaxIdle:  cfg.Database.MaxIdle,
	})
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer st.Close()

	saver, states, checkpointBackend, closeRedis := connectRedis(ctx, cfg)
	defer closeRedis()

	registry := approval.NewRegistry()

	rt, err := runtime.New(runtime.Config{
		Config:    cfg,
		Store:     st,
		Approvals: registry,
		Saver:     saver,
		Tools:     tool.NewFactory(tool.FactoryConfig{Permissions: st, Credentials: st, TLS: cfg.MCP.TLS()}),
	})
	if err != nil {
		return fmt.Errorf("failed to create runtime: %w", err)
	}
	defer rt.Close()

	streamer, err := stream.New(stream.Config{
		History:   st,
		Approvals: registry,
	})
	if err != nil {
		return fmt.Errorf("failed to create streamer: %w", err)
	}

	srv, err := server.New(server.Config{
		Config:     cfg,
		Store:      st,
		Runtime:    rt,
		Streamer:   streamer,
		Controller: approval.NewController(registry, st),
		Flow:       oauth.NewFlow(states),
		Metrics:    metrics,
	})
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	printStartup(cfg, srv.Address(), checkpointBackend)

	// Start server (blocks until context is cancelled)
	return srv.Start(ctx)
}

// loadConfig loads the configuration file, or builds a default config
// when no path is given (API keys come from the environment).
func loadConfig(ctx context.Context, configPath string) (*config.Config, *config.Loader, error) {
	if configPath == "" {
		cfg, err := config.Default()
		if err != nil {
			return nil, nil, fmt.Errorf("config validation failed: %w", err)
		}
		slog.Info("No config file given, using defaults")
		return cfg, nil, nil
	}

	cfg, loader, err := config.LoadConfigFile(ctx, configPath)
	if err != nil {
		return nil, nil, err
	}
	slog.Info("Loaded configuration", "path", configPath)
	return cfg, loader, nil
}

// connectRedis wires the checkpoint saver and the OAuth state store.
// When Redis is unreachable both fall back to memory so the gateway
// still boots, trading durability for availability.
func connectRedis(ctx context.Context, cfg *config.Config) (checkpoint.Saver, oauth.StateStore, string, func()) {
	client := cfg.Redis.Client()

	pingCtx, cancel := context.WithTimeout(ctx, cfg.Redis.DialTimeout)
	err := client.Ping(pingCtx).Err()
	cancel()
	if err != nil {
		_ = client.Close()
		slog.Warn("Redis unreachable, using in-memory checkpoints and OAuth state",
			"addr", cfg.Redis.Addr, "error", err)
		return checkpoint.NewMemorySaver(), oauth.NewMemoryStateStore(cfg.Redis.StateTTL), "memory", func() {}
	}

	saver, err := checkpoint.NewSaver(cfg.Checkpointer.Backend, client)
	if err != nil {
		slog.Warn("Checkpointer unavailable, using memory", "backend", cfg.Checkpointer.Backend, "error", err)
		return checkpoint.NewMemorySaver(), oauth.NewRedisStateStore(client, cfg.Redis.StateTTL),
			"memory", func() { _ = client.Close() }
	}
	backend := cfg.Checkpointer.Backend
	if backend == "" {
		backend = "redis"
	}
	return saver, oauth.NewRedisStateStore(client, cfg.Redis.StateTTL),
		backend, func() { _ = client.Close() }
}

// printStartup prints the ready banner with the endpoints that matter.
func printStartup(cfg *config.Config, addr, checkpointBackend string) {
	greenColor := "\033[38;2;16;185;129m"
	resetColor := "\033[0m"
	fmt.Printf("\n%sArgus gateway ready!%s\n", greenColor, resetColor)
	fmt.Printf("   Chat:        http://%s/v1/chat/stream\n", addr)
	fmt.Printf("   Servers:     http://%s/v1/servers\n", addr)
	fmt.Printf("   Health:      http://%s/health\n", addr)
	fmt.Printf("   Metrics:     http://%s/metrics\n", addr)
	fmt.Printf("   Database:    %s (%s)\n", cfg.Database.Driver, cfg.Database.Database)
	fmt.Printf("   Checkpoints: %s\n", checkpointBackend)

	providers := make([]string, 0, len(cfg.Models))
	for name := range cfg.Models {
		providers = append(providers, name)
	}
	sort.Strings(providers)
	fmt.Printf("   Providers:   %s (default: %s)\n", strings.Join(providers, ", "), cfg.DefaultProvider)

	if cfg.Server.Auth != nil && cfg.Server.Auth.Enabled {
		fmt.Printf("   Auth:        enabled\n")
	} else {
		fmt.Printf("   Auth:        disabled (all requests act as the default user)\n")
	}
	if cfg.Tracing.Enabled {
		fmt.Printf("   Tracing:     otlp (%s)\n", cfg.Tracing.Endpoint)
	}

	fmt.Println("\nPress Ctrl+C to stop")
}
