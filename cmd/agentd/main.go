package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/exec"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"agentd/internal/agent"
	"agentd/internal/audit"
	"agentd/internal/config"
	"agentd/internal/confirm"
	"agentd/internal/conversation"
	"agentd/internal/dispatch"
	"agentd/internal/ipc"
	"agentd/internal/llm"
	"agentd/internal/logger"
	"agentd/internal/permission"
	"agentd/internal/ratelimit"
	"agentd/internal/server"
	"agentd/internal/storage"
	"agentd/internal/tool"
)

func main() {
	var (
		configPath string
		socketPath string
		logLevel   string
	)
	flag.StringVar(&configPath, "config", "agentd.yaml", "yaml config path")
	flag.StringVar(&socketPath, "socket", "", "unix socket path override")
	flag.StringVar(&logLevel, "log-level", "", "log level override (debug|info|warn|error)")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatal(err)
	}
	if strings.TrimSpace(socketPath) != "" {
		cfg.SocketPath = strings.TrimSpace(socketPath)
	}
	if strings.TrimSpace(logLevel) != "" {
		cfg.LogLevel = strings.TrimSpace(logLevel)
	}

	zl, err := logger.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		log.Fatal(err)
	}
	defer zl.Sync()

	if err := run(cfg, configPath, zl); err != nil {
		zl.Fatalw("daemon failed", "error", err)
	}
}

func run(cfg config.Config, configPath string, zl *logger.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := storage.NewBoltStore(cfg.StoragePath)
	if err != nil {
		return err
	}
	defer store.Close()

	auditLog, err := audit.NewLogger(cfg.AuditLog)
	if err != nil {
		return err
	}
	defer auditLog.Close()

	registry := tool.NewRegistry()
	for _, tc := range cfg.Tools {
		schema, err := tc.SchemaJSON()
		if err != nil {
			return err
		}
		err = registry.Register(tool.Definition{
			Name:        tc.Name,
			Description: tc.Description,
			Schema:      schema,
			Trust:       permission.ParseLevel(tc.Trust),
			Class:       tc.Class,
		})
		if err != nil {
			return err
		}
	}

	peers := ipc.NewRegistry()
	broker := confirm.NewBroker(peers, cfg.ConfirmTimeout)
	limiter := ratelimit.New(limitClasses(cfg), ratelimit.ClassConfig{
		Cap:    cfg.RateLimitCap,
		Window: cfg.RateLimitWindow,
	})

	dispatcher := dispatch.New(dispatch.Options{
		Registry:  registry,
		Engine:    permission.NewEngine(permission.ParseLevel(cfg.DefaultTrust)),
		Broker:    broker,
		Limiter:   limiter,
		Audit:     auditLog,
		Store:     store,
		Invoker:   newShellInvoker(zl),
		Log:       zl,
		Overrides: cfg.Trust,
	})

	var provider llm.Provider
	if cfg.ProviderConfigured() {
		provider = llm.NewOpenAIProvider(
			cfg.ProviderBaseURL,
			cfg.ProviderAPIKey,
			cfg.ProviderModel,
			cfg.ProviderTimeout,
			cfg.ProviderRetries,
		)
		zl.Infow("model provider configured", "base_url", cfg.ProviderBaseURL, "model", cfg.ProviderModel)
	} else {
		provider = llm.NewEchoProvider()
		zl.Warnw("no model provider configured, running in echo mode")
	}

	convs := conversation.NewManager(store)
	agents := agent.NewManager(agent.Options{
		Provider:      provider,
		Dispatcher:    dispatcher,
		Conversations: convs,
		Registry:      registry,
		Peers:         peers,
		Log:           zl,
		Model:         cfg.ProviderModel,
		Temperature:   cfg.Temperature,
		MaxTokens:     cfg.MaxTokens,
	})
	defer agents.Close()

	// Live reload covers the policy surface only; socket, storage and
	// provider changes need a restart.
	err = config.Watch(ctx, configPath,
		func(next config.Config) {
			dispatcher.SetOverrides(next.Trust)
			limiter.Reconfigure(limitClasses(next), ratelimit.ClassConfig{
				Cap:    next.RateLimitCap,
				Window: next.RateLimitWindow,
			})
			zl.Infow("policy config reloaded",
				"trust_overrides", len(next.Trust),
				"rate_limit_classes", len(next.RateLimitClasses))
		},
		func(err error) {
			zl.Warnw("config reload failed", "error", err)
		})
	if err != nil {
		zl.Warnw("config watcher unavailable", "error", err)
	}

	ln, err := ipc.Listen(cfg.SocketPath, cfg.MaxFrame)
	if err != nil {
		return err
	}

	srv := server.New(server.Options{
		Listener:      ln,
		Registry:      peers,
		Broker:        broker,
		Agents:        agents,
		Conversations: convs,
		Log:           zl,
	})

	zl.Infow("agentd listening", "socket", cfg.SocketPath, "tools", registry.List())
	return srv.Run(ctx)
}

func limitClasses(cfg config.Config) map[string]ratelimit.ClassConfig {
	out := make(map[string]ratelimit.ClassConfig, len(cfg.RateLimitClasses))
	for name, cl := range cfg.RateLimitClasses {
		out[name] = ratelimit.ClassConfig{Cap: cl.Cap, Window: cl.Window}
	}
	return out
}

// newShellInvoker bridges approved tool calls to a per-tool helper binary
// (agentd-tool-<name>), the stand-in for out-of-process tool hosts. The
// arguments travel on stdin as JSON; stdout is the result.
func newShellInvoker(zl *logger.Logger) tool.Invoker {
	return tool.InvokerFunc(func(ctx context.Context, name string, args json.RawMessage) (string, error) {
		bin := "agentd-tool-" + name
		path, err := exec.LookPath(bin)
		if err != nil {
			return "", fmt.Errorf("tool host %s not installed", bin)
		}

		runCtx, cancel := context.WithTimeout(ctx, 2*time.Minute)
		defer cancel()
		cmd := exec.CommandContext(runCtx, path)
		cmd.Stdin = strings.NewReader(string(args))
		out, err := cmd.Output()
		if err != nil {
			var exitErr *exec.ExitError
			if errors.As(err, &exitErr) {
				return "", fmt.Errorf("tool %s exited: %s", name, strings.TrimSpace(string(exitErr.Stderr)))
			}
			return "", fmt.Errorf("tool %s failed: %w", name, err)
		}
		zl.Debugw("tool host completed", "tool", name, "bytes", len(out))
		return string(out), nil
	})
}
