// lys-bot - Discord companion bot
// License: MIT
//
// Copyright (c) 2026 lys-bot contributors

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"strings"
	"syscall"
	"time"

	"github.com/elyse-undan/lys-bot/pkg/agent"
	"github.com/elyse-undan/lys-bot/pkg/bus"
	"github.com/elyse-undan/lys-bot/pkg/channels"
	"github.com/elyse-undan/lys-bot/pkg/config"
	"github.com/elyse-undan/lys-bot/pkg/health"
	"github.com/elyse-undan/lys-bot/pkg/logger"
	"github.com/elyse-undan/lys-bot/pkg/providers"
	"github.com/elyse-undan/lys-bot/pkg/state"
)

var (
	version   = "dev"
	gitCommit string
	buildTime string
	goVersion string
)

const (
	appName         = "lysbot"
	shutdownTimeout = 5 * time.Second
)

// configPathFlag is set by the persistent --config flag.
var configPathFlag string

func formatVersion() string {
	v := version
	if gitCommit != "" {
		v += fmt.Sprintf(" (git: %s)", gitCommit)
	}
	return v
}

func formatBuildInfo() (build string, goVer string) {
	build = buildTime
	goVer = goVersion
	if goVer == "" {
		goVer = runtime.Version()
	}
	return
}

func printVersion(w io.Writer) {
	fmt.Fprintf(w, "%s %s\n", appName, formatVersion())
	build, goVer := formatBuildInfo()
	if build != "" {
		fmt.Fprintf(w, "  Build: %s\n", build)
	}
	if goVer != "" {
		fmt.Fprintf(w, "  Go: %s\n", goVer)
	}
}

func main() {
	if err := executeCLI(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func getConfigPath() string {
	if p := strings.TrimSpace(configPathFlag); p != "" {
		return p
	}
	if p := strings.TrimSpace(os.Getenv("LYSBOT_CONFIG")); p != "" {
		return p
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".lysbot", "config.json")
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadConfig(getConfigPath())
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

func openState(cfg *config.Config) (state.Store, error) {
	store, err := state.Open(cfg.State.Backend, cfg.StatePath())
	if err != nil {
		return nil, fmt.Errorf("open state store: %w", err)
	}
	return store, nil
}

// runtimeParts is everything the gateway and chat commands share.
type runtimeParts struct {
	cfg     *config.Config
	rotator *providers.Rotator
	store   state.Store
	bus     *bus.MessageBus
	loop    *agent.AgentLoop
}

func buildRuntime(cfg *config.Config) (*runtimeParts, error) {
	rotator, err := providers.CreateRotator(cfg)
	if err != nil {
		return nil, fmt.Errorf("create providers: %w", err)
	}
	store, err := openState(cfg)
	if err != nil {
		return nil, err
	}

	msgBus := bus.NewMessageBus()
	agentLoop, err := agent.NewAgentLoop(cfg, msgBus, rotator, store)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("initialize coordinator: %w", err)
	}

	logger.InfoCF("agent", "Coordinator initialized", map[string]any{
		"provider":      cfg.ProviderName(),
		"credentials":   rotator.Len(),
		"state_backend": cfg.State.Backend,
		"state_dir":     cfg.StatePath(),
	})
	return &runtimeParts{cfg: cfg, rotator: rotator, store: store, bus: msgBus, loop: agentLoop}, nil
}

func (rt *runtimeParts) close() {
	rt.loop.Flush()
	rt.bus.Close()
	if err := rt.store.Close(); err != nil {
		logger.WarnCF("state", "Failed to close state store", map[string]any{"error": err.Error()})
	}
}

func gatewayCmd(debug bool) error {
	if debug {
		logger.SetLevel(logger.DEBUG)
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := cfg.Validate(true); err != nil {
		return fmt.Errorf("configuration error in %s: %w", getConfigPath(), err)
	}

	rt, err := buildRuntime(cfg)
	if err != nil {
		return err
	}
	defer rt.close()

	discord, err := channels.NewDiscordChannel(cfg.Channels.Discord, rt.bus)
	if err != nil {
		return fmt.Errorf("create discord channel: %w", err)
	}
	channelManager := channels.NewManager(rt.bus)
	channelManager.RegisterChannel(discord)
	rt.loop.SetChannelManager(channelManager)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := channelManager.StartAll(ctx); err != nil {
		return fmt.Errorf("start channels: %w", err)
	}

	var healthServer *health.Server
	if cfg.Gateway.Enabled {
		healthServer = health.NewServer(cfg.Gateway.Host, cfg.Gateway.Port)
		healthServer.SetStatusFunc(func() map[string]any {
			status := rt.loop.GetStatus()
			status["channels"] = channelManager.GetStatus()
			status["credentials"] = rt.rotator.Status()
			return status
		})
		go func() {
			if err := healthServer.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.ErrorCF("health", "Health server error", map[string]any{"error": err.Error()})
			}
		}()
		healthServer.SetReady(true)
		fmt.Printf("✓ Health endpoints available at http://%s:%d/health, /ready and /status\n", cfg.Gateway.Host, cfg.Gateway.Port)
	}

	runDone := make(chan error, 1)
	go func() { runDone <- rt.loop.Run(ctx) }()

	fmt.Printf("✓ %s is online with %d credential(s). Press Ctrl+C to stop\n", cfg.Agent.Name, rt.rotator.Len())
	<-ctx.Done()

	fmt.Println("\nShutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if healthServer != nil {
		if err := healthServer.Stop(shutdownCtx); err != nil {
			logger.WarnCF("health", "Health server shutdown error", map[string]any{"error": err.Error()})
		}
	}
	_ = channelManager.StopAll(shutdownCtx)
	if err := <-runDone; err != nil {
		logger.ErrorCF("agent", "Coordinator stopped with error", map[string]any{"error": err.Error()})
	}
	fmt.Println("✓ Gateway stopped")
	return nil
}

func chatCmd(message string, debug bool) error {
	if debug {
		logger.SetLevel(logger.DEBUG)
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := cfg.Validate(false); err != nil {
		return fmt.Errorf("configuration error in %s: %w", getConfigPath(), err)
	}
	// The local operator is never throttled or queued.
	cfg.Limits.PriorityUsers = append(cfg.Limits.PriorityUsers, channels.ConsoleSenderID)

	rt, err := buildRuntime(cfg)
	if err != nil {
		return err
	}
	defer rt.close()

	if strings.TrimSpace(message) != "" {
		response, err := rt.loop.ProcessDirect(context.Background(), message)
		if err != nil {
			return err
		}
		fmt.Printf("%s: %s\n", cfg.Agent.Name, response)
		return nil
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	console := channels.NewConsoleChannel(cfg.Agent.Name, rt.bus)
	channelManager := channels.NewManager(rt.bus)
	channelManager.RegisterChannel(console)
	rt.loop.SetChannelManager(channelManager)

	if err := channelManager.StartAll(ctx); err != nil {
		return fmt.Errorf("start console: %w", err)
	}

	runCtx, cancelRun := context.WithCancel(ctx)
	runDone := make(chan error, 1)
	go func() { runDone <- rt.loop.Run(runCtx) }()

	fmt.Printf("%s interactive chat (type exit or press Ctrl+D to leave)\n\n", appName)
	select {
	case <-ctx.Done():
	case <-console.Done():
	}

	cancelRun()
	_ = channelManager.StopAll(context.Background())
	<-runDone
	fmt.Println("bye!")
	return nil
}

func statusCmd(w io.Writer) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	configPath := getConfigPath()

	fmt.Fprintf(w, "%s Status\n", appName)
	fmt.Fprintf(w, "Version: %s\n", formatVersion())
	if build, _ := formatBuildInfo(); build != "" {
		fmt.Fprintf(w, "Build: %s\n", build)
	}
	fmt.Fprintln(w)

	mark := func(ok bool) string {
		if ok {
			return "✓"
		}
		return "not set"
	}

	_, statErr := os.Stat(configPath)
	fmt.Fprintln(w, "Config:", configPath, mark(statErr == nil))

	credentials := 0
	for _, k := range cfg.ActiveProvider().APIKeys {
		if strings.TrimSpace(k) != "" {
			credentials++
		}
	}
	discordReady := strings.TrimSpace(cfg.Channels.Discord.Token) != ""
	fmt.Fprintf(w, "Provider: %s (%d credential(s))\n", cfg.ProviderName(), credentials)
	fmt.Fprintf(w, "Models: quality=%s fast=%s\n", cfg.Providers.Quality.Model, cfg.Providers.Fast.Model)
	fmt.Fprintln(w, "Discord token:", mark(discordReady))
	fmt.Fprintln(w, "Gateway ready:", mark(credentials > 0 && discordReady))

	backend := cfg.State.Backend
	if backend == "" {
		backend = "json"
	}
	fmt.Fprintf(w, "State: %s at %s\n", backend, cfg.StatePath())

	store, err := openState(cfg)
	if err != nil {
		fmt.Fprintln(w, "State store:", err)
		return nil
	}
	defer store.Close()

	ctx := context.Background()
	conv, err := state.LoadConversations(ctx, store)
	if err != nil {
		return err
	}
	mem, err := state.LoadMemory(ctx, store)
	if err != nil {
		return err
	}
	usage, err := state.LoadUsage(ctx, store)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "Conversations: %d (%d active)\n", len(conv.Conversations), len(conv.ActiveChannels))
	fmt.Fprintf(w, "Channels with memory: %d\n", len(mem))

	today := time.Now().UTC().Format("2006-01-02")
	active := 0
	for _, rec := range usage {
		if rec.Date == today {
			active++
		}
	}
	fmt.Fprintf(w, "Users today: %d (limit %d/day)\n", active, cfg.Limits.DailyLimit)
	return nil
}
