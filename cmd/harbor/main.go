// Harbor is the AI assistant layer for a multi-tenant CRM.
//
// It exposes an SSE chat API for the interactive assistant, an
// on-demand and scheduled autopilot that works through pending CRM
// items unattended, and a CLI for one-shot runs. Configuration is
// loaded from a single YAML file discovered automatically (see
// [config.DefaultSearchPaths]).
//
// Usage:
//
//	harbor serve               Start the API server
//	harbor autopilot <org>     Run one autopilot pass for an org
//	harbor init [dir]          Initialize a working directory with defaults
//	harbor version             Print version and build information
//	harbor -o json version     Output version information as JSON
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/harborcrm/harbor-agent/internal/agent"
	"github.com/harborcrm/harbor-agent/internal/api"
	"github.com/harborcrm/harbor-agent/internal/autopilot"
	"github.com/harborcrm/harbor-agent/internal/briefing"
	"github.com/harborcrm/harbor-agent/internal/buildinfo"
	"github.com/harborcrm/harbor-agent/internal/config"
	"github.com/harborcrm/harbor-agent/internal/email"
	"github.com/harborcrm/harbor-agent/internal/events"
	"github.com/harborcrm/harbor-agent/internal/guard"
	"github.com/harborcrm/harbor-agent/internal/llm"
	"github.com/harborcrm/harbor-agent/internal/messaging"
	"github.com/harborcrm/harbor-agent/internal/store"
	"github.com/harborcrm/harbor-agent/internal/tools"
)

// main is intentionally minimal. It constructs the OS-level environment
// (context, stdio, argv) and delegates immediately to [run]. This keeps
// os.Exit, os.Stdout, and os.Args out of the application logic so that
// the full startup-to-shutdown lifecycle can be driven from tests.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run is the real entry point for the harbor command. All OS-level
// dependencies are injected as parameters. We parse arguments by hand
// rather than using the flag package to avoid global state that
// interferes with parallel tests; the argument surface is small enough
// that manual parsing is clearer than bringing in a CLI framework.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	var configPath string
	var outputFmt string // "text" (default) or "json"
	var command string
	var cmdArgs []string

	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-config" && i+1 < len(args):
			configPath = args[i+1]
			i++ // skip the value
		case strings.HasPrefix(args[i], "-config="):
			configPath = strings.TrimPrefix(args[i], "-config=")
		case (args[i] == "-o" || args[i] == "--output") && i+1 < len(args):
			outputFmt = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-o="):
			outputFmt = strings.TrimPrefix(args[i], "-o=")
		case strings.HasPrefix(args[i], "--output="):
			outputFmt = strings.TrimPrefix(args[i], "--output=")
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case !strings.HasPrefix(args[i], "-") && command == "":
			command = args[i]
		default:
			if command != "" {
				cmdArgs = append(cmdArgs, args[i])
			} else {
				return fmt.Errorf("unknown flag: %s", args[i])
			}
		}
	}

	if outputFmt == "" {
		outputFmt = "text"
	}
	if outputFmt != "text" && outputFmt != "json" {
		return fmt.Errorf("unknown output format: %q (expected text or json)", outputFmt)
	}

	switch command {
	case "serve":
		return runServe(ctx, stdout, configPath)
	case "autopilot":
		if len(cmdArgs) == 0 {
			return fmt.Errorf("usage: harbor autopilot <org-id>")
		}
		return runAutopilot(ctx, stdout, stderr, configPath, cmdArgs[0])
	case "init":
		dir := "."
		if len(cmdArgs) > 0 {
			dir = cmdArgs[0]
		}
		return runInit(stdout, dir)
	case "version":
		return runVersion(stdout, outputFmt)
	case "":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

func runVersion(w io.Writer, outputFmt string) error {
	info := buildinfo.Info()
	if outputFmt == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	}
	fmt.Fprintln(w, buildinfo.String())
	// Print fields in a stable order for human readability.
	for _, k := range []string{"version", "git_commit", "git_branch", "build_time", "go_version", "os", "arch"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

// printUsage writes the top-level help text to w. It is called when
// harbor is invoked with no arguments, or with -h / --help.
func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "Harbor - CRM AI Assistant")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: harbor [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve            Start the API server")
	fmt.Fprintln(w, "  autopilot <org>  Run one autopilot pass for an org")
	fmt.Fprintln(w, "  init [dir]       Initialize working directory with defaults (default: .)")
	fmt.Fprintln(w, "  version          Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintln(w, "  ./config.yaml, ~/.config/harbor/config.yaml, /etc/harbor/config.yaml")
	return nil
}

// components is the wired application graph shared by serve and the
// one-shot autopilot command.
type components struct {
	store     *store.Store
	loop      *agent.Loop
	autopilot *autopilot.Runner
	bus       *events.Bus
}

func buildComponents(cfg *config.Config, logger *slog.Logger) (*components, error) {
	st, err := store.Open(cfg.Database.Path, guard.DefaultPolicy(), logger)
	if err != nil {
		return nil, fmt.Errorf("open database %s: %w", cfg.Database.Path, err)
	}

	client := llm.NewOpenAIClient(llm.OpenAIOptions{
		APIKey:    cfg.Model.APIKey,
		BaseURL:   cfg.Model.BaseURL,
		Model:     cfg.Model.Name,
		MaxTokens: cfg.Model.MaxTokens,
		Timeout:   time.Duration(cfg.Model.TimeoutSec) * time.Second,
	}, logger)

	deps := tools.Deps{
		Store:     st,
		Messenger: messaging.NewSender(st, logger),
		Email: email.NewService(st, email.SMTPTransport{}, email.StoreLink{
			Name:    cfg.Store.Name,
			BaseURL: cfg.Store.BaseURL,
		}, logger),
		Logger: logger,
	}

	bus := events.New()
	return &components{
		store: st,
		loop:  agent.New(client, tools.NewInteractiveRegistry(deps), agent.Interactive, logger),
		autopilot: autopilot.NewRunner(
			briefing.NewGatherer(st, logger),
			client,
			tools.NewAutopilotRegistry(deps),
			bus,
			logger,
		),
		bus: bus,
	}, nil
}

func runServe(ctx context.Context, stdout io.Writer, configPath string) error {
	logger := newLogger(stdout, slog.LevelInfo)
	logger.Info("starting Harbor", "version", buildinfo.Version, "built", buildinfo.BuildTime)

	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	// Reconfigure the logger now that the desired level is known. The
	// initial Info-level logger covers only the startup banner.
	if cfg.LogLevel != "" {
		level, err := config.ParseLogLevel(cfg.LogLevel)
		if err != nil {
			return err
		}
		logger = newLogger(stdout, level)
	}

	logger.Info("config loaded",
		"path", cfgPath,
		"port", cfg.Listen.Port,
		"model", cfg.Model.Name,
		"database", cfg.Database.Path,
	)

	comps, err := buildComponents(cfg, logger)
	if err != nil {
		return err
	}
	defer comps.store.Close()

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if cfg.Autopilot.Enabled {
		sched := autopilot.NewScheduler(comps.autopilot, comps.store, cfg.Autopilot.Schedule, logger)
		if err := sched.Start(ctx); err != nil {
			return fmt.Errorf("start scheduler: %w", err)
		}
		logger.Info("autopilot scheduler started", "schedule", cfg.Autopilot.Schedule)
	} else {
		logger.Info("autopilot scheduler disabled")
	}

	server := api.NewServer(cfg.Listen.Address, cfg.Listen.Port, api.Deps{
		Loop:      comps.loop,
		Autopilot: comps.autopilot,
		Bus:       comps.bus,
		Logger:    logger,
	})

	go func() {
		<-ctx.Done()
		logger.Info("shutdown signal received")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	if err := server.Start(ctx); err != nil {
		if ctx.Err() == nil {
			return fmt.Errorf("server failed: %w", err)
		}
	}

	logger.Info("Harbor stopped")
	return nil
}

// runAutopilot performs a single unattended pass for one org and
// prints the resulting summary as JSON. Useful for cron-external
// scheduling and for smoke-testing without starting the server.
func runAutopilot(ctx context.Context, stdout io.Writer, stderr io.Writer, configPath string, orgID string) error {
	logger := newLogger(stderr, slog.LevelWarn)

	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	comps, err := buildComponents(cfg, logger)
	if err != nil {
		return err
	}
	defer comps.store.Close()

	scope := guard.Scope{CallerID: "autopilot", OrgID: orgID}
	summary, err := comps.autopilot.Run(ctx, scope)
	if err != nil {
		return fmt.Errorf("autopilot run: %w", err)
	}

	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(summary)
}

// newLogger creates a structured text logger that writes to w at the
// given level. All log output in Harbor goes through slog; this helper
// standardizes the handler configuration across subcommands.
func newLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: config.ReplaceLogLevelNames,
	}))
}

// loadConfig locates and parses the YAML configuration file. If
// explicit is non-empty, that exact path is used (and must exist).
// Otherwise [config.FindConfig] searches the default locations.
func loadConfig(explicit string) (*config.Config, string, error) {
	cfgPath, err := config.FindConfig(explicit)
	if err != nil {
		return nil, "", err
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, "", fmt.Errorf("load config %s: %w", cfgPath, err)
	}
	return cfg, cfgPath, nil
}
