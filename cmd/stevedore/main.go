package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/kmorwood/stevedore/internal/api"
	"github.com/kmorwood/stevedore/internal/client"
	"github.com/kmorwood/stevedore/internal/config"
	"github.com/kmorwood/stevedore/internal/control"
	"github.com/kmorwood/stevedore/internal/events"
	"github.com/kmorwood/stevedore/internal/handshake"
	"github.com/kmorwood/stevedore/internal/journal"
	"github.com/kmorwood/stevedore/internal/lock"
	"github.com/kmorwood/stevedore/internal/log"
	"github.com/kmorwood/stevedore/internal/registry"
	"github.com/kmorwood/stevedore/internal/scan"
	"github.com/kmorwood/stevedore/internal/tui/watch"
)

const version = "0.1.0"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	cmd := os.Args[1]
	args := os.Args[2:]

	switch cmd {
	// --- NOUNS ---
	case "system":
		os.Exit(runSystemNoun(args))
	case "plugin":
		os.Exit(runPluginNoun(args))

	// --- ROOT COMMANDS ---
	case "watch":
		os.Exit(runWatch(args))
	case "version":
		fmt.Printf("stevedore version %s\n", version)
		os.Exit(0)
	case "help", "--help", "-h":
		printUsage()
		os.Exit(0)

	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Print(`stevedore - Plugin process lifecycle daemon

Usage:
  stevedore <noun> <action> [flags]

Core Resources (Nouns):
  system    Daemon lifecycle and health
  plugin    Plugin lifecycle control

System Commands:
  system start               Start the daemon in foreground
  system status              Show daemon health

Plugin Commands:
  plugin start <path>        Register and launch one plugin
  plugin startdir <dir>      Launch every executable in a directory
  plugin rescan              Sweep the configured plugin directory
  plugin stop <name|path>    Stop a dynamically started plugin
  plugin list                Show registered plugins
  plugin journal             Show recent lifecycle events

General:
  watch                      Live TUI over the event stream
  version                    Show version information
  help                       Show this help message

Use 'stevedore <noun> help' for resource-specific flags.
`)
}

// --- NOUN DISPATCHERS ---

func runSystemNoun(args []string) int {
	if len(args) < 1 {
		printSystemNounHelp(os.Stderr)
		return 1
	}
	if isHelpToken(args[0]) {
		printSystemNounHelp(os.Stdout)
		return 0
	}

	action := args[0]
	actionArgs := args[1:]

	switch action {
	case "start":
		if hasHelpFlag(actionArgs) {
			fmt.Println("Usage: stevedore system start [--config PATH]")
			fmt.Println("Start the daemon in the foreground.")
			return 0
		}
		return runStart(actionArgs)
	case "status":
		if hasHelpFlag(actionArgs) {
			fmt.Println("Usage: stevedore system status [--config PATH] [--json]")
			fmt.Println("Show daemon health from /healthz.")
			return 0
		}
		return runStatus(actionArgs)
	case "help":
		printSystemNounHelp(os.Stdout)
		return 0
	default:
		fmt.Fprintf(os.Stderr, "Unknown system action: %s\n", action)
		return 1
	}
}

func runPluginNoun(args []string) int {
	if len(args) < 1 {
		printPluginNounHelp(os.Stderr)
		return 1
	}
	if isHelpToken(args[0]) {
		printPluginNounHelp(os.Stdout)
		return 0
	}

	action := args[0]
	actionArgs := args[1:]

	switch action {
	case "start":
		if hasHelpFlag(actionArgs) {
			fmt.Println("Usage: stevedore plugin start <path> [--config PATH] [--json]")
			fmt.Println("Register and launch one plugin executable.")
			return 0
		}
		return runPluginStart(actionArgs)
	case "startdir":
		if hasHelpFlag(actionArgs) {
			fmt.Println("Usage: stevedore plugin startdir <dir> [--config PATH] [--json]")
			fmt.Println("Launch every executable in a directory.")
			return 0
		}
		return runPluginStartDir(actionArgs)
	case "rescan":
		if hasHelpFlag(actionArgs) {
			fmt.Println("Usage: stevedore plugin rescan [--config PATH] [--json]")
			fmt.Println("Sweep the daemon's configured plugin directory for new executables.")
			return 0
		}
		return runPluginRescan(actionArgs)
	case "stop":
		if hasHelpFlag(actionArgs) {
			fmt.Println("Usage: stevedore plugin stop <name|path> [--config PATH]")
			fmt.Println("Stop a dynamically started plugin by path or unique short name.")
			return 0
		}
		return runPluginStop(actionArgs)
	case "list":
		if hasHelpFlag(actionArgs) {
			fmt.Println("Usage: stevedore plugin list [--config PATH] [--json]")
			fmt.Println("Show all registered plugins and whether each is active.")
			return 0
		}
		return runPluginList(actionArgs)
	case "journal":
		if hasHelpFlag(actionArgs) {
			fmt.Println("Usage: stevedore plugin journal [--limit N] [--config PATH] [--json]")
			fmt.Println("Show recent plugin lifecycle events.")
			return 0
		}
		return runPluginJournal(actionArgs)
	case "help":
		printPluginNounHelp(os.Stdout)
		return 0
	default:
		fmt.Fprintf(os.Stderr, "Unknown plugin action: %s\n", action)
		return 1
	}
}

func isHelpToken(token string) bool {
	return token == "help" || token == "--help" || token == "-h"
}

func hasHelpFlag(args []string) bool {
	for _, arg := range args {
		if arg == "--help" || arg == "-h" {
			return true
		}
	}
	return false
}

func printSystemNounHelp(w *os.File) {
	fmt.Fprintln(w, "Usage: stevedore system <action>")
	fmt.Fprintln(w, "Actions: start, status")
}

func printPluginNounHelp(w *os.File) {
	fmt.Fprintln(w, "Usage: stevedore plugin <action> [flags]")
	fmt.Fprintln(w, "Actions: start, startdir, rescan, stop, list, journal")
}

// --- ACTION IMPLEMENTATIONS ---

func runStart(args []string) int {
	fs := flag.NewFlagSet("start", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse flags: %v\n", err)
		return 1
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}

	log.Setup(cfg.Service.LogLevel)
	logger := log.WithComponent("main")
	logger.Info("stevedore starting", "version", version)

	pidLockPath := getPIDLockPath(cfg)
	pidLock, err := lock.AcquirePIDLock(pidLockPath)
	if err != nil {
		logger.Error("failed to acquire PID lock (another instance may be running)", "path", pidLockPath, "error", err)
		return 1
	}
	defer pidLock.Release()
	logger.Info("acquired PID lock", "path", pidLockPath)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	jrnl, err := journal.Open(ctx, cfg.State.Path)
	if err != nil {
		logger.Error("failed to open journal", "path", cfg.State.Path, "error", err)
		return 1
	}
	defer jrnl.Close()
	logger.Info("journal opened", "path", cfg.State.Path)

	reg := registry.New()
	hub := events.NewHub(100)
	runner := handshake.New()

	ctrl := control.New(reg, runner, scan.Dir, scan.IsExecutable, cfg.PluginsDir, jrnl, hub)

	// Startup-configured plugins are static: they cannot be stopped through
	// the control surface. A failed static plugin is logged and dropped, the
	// daemon still comes up.
	if len(cfg.Plugins) > 0 {
		list, err := ctrl.StartStatic(ctx, cfg.Plugins)
		if err != nil {
			logger.Error("static plugin startup failed", "error", err)
			return 1
		}
		logger.Info("static plugins started", "configured", len(cfg.Plugins), "registered", len(list))
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	errCh := make(chan error, 1)

	apiConfig := api.Config{
		Listen: cfg.API.Listen,
		APIKey: cfg.API.Auth.APIKey,
	}
	apiServer := api.New(apiConfig, ctrl, jrnl, hub, log.WithComponent("api"))
	go func() {
		if err := apiServer.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
			errCh <- fmt.Errorf("api: %w", err)
		}
	}()

	logger.Info("stevedore running (press Ctrl+C to stop)")

	select {
	case sig := <-sigCh:
		logger.Info("received shutdown signal", "signal", sig)
		cancel()
	case err := <-errCh:
		logger.Error("component failed", "error", err)
		cancel()
		return 1
	}

	logger.Info("stevedore stopped")
	return 0
}

func runStatus(args []string) int {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	jsonOut := fs.Bool("json", false, "Output in JSON")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse flags: %v\n", err)
		return 1
	}

	c, err := apiClient(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	h, err := c.Health(context.Background())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	if *jsonOut {
		data, _ := json.MarshalIndent(h, "", "  ")
		fmt.Println(string(data))
		return 0
	}
	fmt.Printf("Status:  %s\n", h.Status)
	fmt.Printf("Uptime:  %ds\n", h.UptimeSeconds)
	fmt.Printf("Plugins: %d/%d active\n", h.PluginsActive, h.PluginsKnown)
	return 0
}

func runPluginStart(args []string) int {
	pluginPath, remaining := splitPositional(args)

	fs := flag.NewFlagSet("start", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	jsonOut := fs.Bool("json", false, "Output in JSON")
	if err := fs.Parse(remaining); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	if pluginPath == "" {
		fmt.Fprintf(os.Stderr, "Usage: stevedore plugin start <path> [--config PATH] [--json]\n")
		return 1
	}

	c, err := apiClient(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	list, err := c.Start(context.Background(), pluginPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	printPluginList(list, *jsonOut)
	return 0
}

func runPluginStartDir(args []string) int {
	dir, remaining := splitPositional(args)

	fs := flag.NewFlagSet("startdir", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	jsonOut := fs.Bool("json", false, "Output in JSON")
	if err := fs.Parse(remaining); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	if dir == "" {
		fmt.Fprintf(os.Stderr, "Usage: stevedore plugin startdir <dir> [--config PATH] [--json]\n")
		return 1
	}

	c, err := apiClient(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	list, err := c.StartDir(context.Background(), dir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	printPluginList(list, *jsonOut)
	return 0
}

func runPluginRescan(args []string) int {
	fs := flag.NewFlagSet("rescan", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	jsonOut := fs.Bool("json", false, "Output in JSON")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse flags: %v\n", err)
		return 1
	}

	c, err := apiClient(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	list, err := c.Rescan(context.Background())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	printPluginList(list, *jsonOut)
	return 0
}

func runPluginStop(args []string) int {
	name, remaining := splitPositional(args)

	fs := flag.NewFlagSet("stop", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	if err := fs.Parse(remaining); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	if name == "" {
		fmt.Fprintf(os.Stderr, "Usage: stevedore plugin stop <name|path> [--config PATH]\n")
		return 1
	}

	c, err := apiClient(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	result, err := c.Stop(context.Background(), name)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	fmt.Println(result)
	return 0
}

func runPluginList(args []string) int {
	fs := flag.NewFlagSet("list", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	jsonOut := fs.Bool("json", false, "Output in JSON")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse flags: %v\n", err)
		return 1
	}

	c, err := apiClient(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	list, err := c.List(context.Background())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	printPluginList(list, *jsonOut)
	return 0
}

func runPluginJournal(args []string) int {
	fs := flag.NewFlagSet("journal", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	limit := fs.Int("limit", 20, "Number of entries to show")
	jsonOut := fs.Bool("json", false, "Output in JSON")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse flags: %v\n", err)
		return 1
	}

	c, err := apiClient(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	entries, err := c.Journal(context.Background(), *limit)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	if *jsonOut {
		data, _ := json.MarshalIndent(entries, "", "  ")
		fmt.Println(string(data))
		return 0
	}
	for _, e := range entries {
		line := fmt.Sprintf("%s  %-10s  %s", e.CreatedAt, e.Event, e.Plugin)
		if e.Detail != "" {
			line += "  (" + e.Detail + ")"
		}
		fmt.Println(line)
	}
	return 0
}

func runWatch(args []string) int {
	fs := flag.NewFlagSet("watch", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse flags: %v\n", err)
		return 1
	}

	c, err := apiClient(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	p := tea.NewProgram(watch.New(c))
	if _, err := p.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "Watch TUI failed: %v\n", err)
		return 1
	}
	return 0
}

// --- HELPERS ---

func loadConfig(configPath string) (*config.Config, error) {
	if configPath == "" {
		discovered, err := config.Discover()
		if err != nil {
			return nil, err
		}
		configPath = discovered
	}
	return config.Load(configPath)
}

func apiClient(configPath string) (*client.Client, error) {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return nil, err
	}
	return client.New("http://"+cfg.API.Listen, cfg.API.Auth.APIKey), nil
}

// splitPositional separates the first non-flag argument from the rest so
// commands accept flags after the positional, like
// 'stevedore plugin stop foo --json'.
func splitPositional(args []string) (string, []string) {
	var positional string
	var remaining []string
	for _, arg := range args {
		if !strings.HasPrefix(arg, "-") && positional == "" {
			positional = arg
		} else {
			remaining = append(remaining, arg)
		}
	}
	return positional, remaining
}

func printPluginList(list []registry.Status, jsonOut bool) {
	if jsonOut {
		data, _ := json.MarshalIndent(list, "", "  ")
		fmt.Println(string(data))
		return
	}
	if len(list) == 0 {
		fmt.Println("No plugins registered.")
		return
	}
	for _, p := range list {
		state := "pending"
		if p.Active {
			state = "active"
		}
		fmt.Printf("%-30s %s\n", p.Name, state)
	}
}

func getPIDLockPath(cfg *config.Config) string {
	dbPath := cfg.State.Path
	dbDir := filepath.Dir(dbPath)
	dbBase := filepath.Base(dbPath)
	ext := filepath.Ext(dbBase)
	return filepath.Join(dbDir, dbBase[:len(dbBase)-len(ext)]+".pid")
}
