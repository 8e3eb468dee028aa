package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"runtime/debug"
	"strings"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/mattjoyce/switchboard/internal/api"
	"github.com/mattjoyce/switchboard/internal/auth"
	"github.com/mattjoyce/switchboard/internal/chanlock"
	"github.com/mattjoyce/switchboard/internal/config"
	"github.com/mattjoyce/switchboard/internal/dispatch"
	"github.com/mattjoyce/switchboard/internal/events"
	"github.com/mattjoyce/switchboard/internal/ledger"
	"github.com/mattjoyce/switchboard/internal/lock"
	"github.com/mattjoyce/switchboard/internal/log"
	"github.com/mattjoyce/switchboard/internal/metrics"
	"github.com/mattjoyce/switchboard/internal/plugin"
	"github.com/mattjoyce/switchboard/internal/plugins/echo"
	"github.com/mattjoyce/switchboard/internal/plugins/guess"
	"github.com/mattjoyce/switchboard/internal/plugins/help"
	"github.com/mattjoyce/switchboard/internal/storage"
	"github.com/mattjoyce/switchboard/internal/transport/redisstream"
	"github.com/mattjoyce/switchboard/internal/tui"
	"github.com/mattjoyce/switchboard/internal/webhook"
)

var (
	version   = "0.1.0-dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "switchboard",
		Short:         "Chat message dispatcher with plugin arbitration and channel locks",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.PersistentFlags().String("config", "", "Path to configuration file or directory")

	root.AddCommand(
		newStartCmd(),
		newStatusCmd(),
		newVersionCmd(),
		newConfigCmd(),
		newInteractionCmd(),
		newMonitorCmd(),
	)
	return root
}

type versionInfo struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildTime string `json:"build_time"`
}

func newVersionCmd() *cobra.Command {
	var jsonOut bool
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print version metadata",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			info := currentVersionInfo()
			out := cmd.OutOrStdout()
			if jsonOut {
				return writeJSON(out, info)
			}
			fmt.Fprintf(out, "switchboard %s\n", info.Version)
			fmt.Fprintf(out, "commit: %s\n", info.Commit)
			fmt.Fprintf(out, "built_at: %s\n", info.BuildTime)
			return nil
		},
	}
	cmd.Flags().BoolVar(&jsonOut, "json", false, "Output version metadata as JSON")
	return cmd
}

func currentVersionInfo() versionInfo {
	info := versionInfo{
		Version:   strings.TrimSpace(version),
		Commit:    "unknown",
		BuildTime: "unknown",
	}
	if info.Version == "" {
		info.Version = "0.0.0-dev"
	}

	commit := strings.TrimSpace(gitCommit)
	if commit == "" || commit == "unknown" {
		commit = strings.TrimSpace(readBuildSetting("vcs.revision"))
	}
	if commit != "" {
		info.Commit = shortenCommit(commit)
	}

	built := strings.TrimSpace(buildDate)
	if built == "" || built == "unknown" {
		built = strings.TrimSpace(readBuildSetting("vcs.time"))
	}
	if t, err := time.Parse(time.RFC3339Nano, built); err == nil {
		info.BuildTime = t.UTC().Format(time.RFC3339)
	}
	return info
}

func shortenCommit(commit string) string {
	if len(commit) <= 12 {
		return commit
	}
	return commit[:12]
}

func readBuildSetting(key string) string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return ""
	}
	for _, setting := range info.Settings {
		if setting.Key == key {
			return setting.Value
		}
	}
	return ""
}

// loadConfig resolves --config (discovering a default when empty) and loads it.
func loadConfig(cmd *cobra.Command) (*config.Config, string, error) {
	path, _ := cmd.Flags().GetString("config")
	if path == "" {
		discovered, err := config.DiscoverConfigDir()
		if err != nil {
			return nil, "", fmt.Errorf("failed to discover config: %w", err)
		}
		path = discovered
		fmt.Fprintf(cmd.ErrOrStderr(), "Using discovered config: %s\n", path)
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, path, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, path, nil
}

// buildRegistry registers the compiled-in plugins. help is added last so it
// can list everything else.
func buildRegistry(logger *slog.Logger) (*plugin.Registry, error) {
	registry, err := plugin.Discover([]plugin.Capability{echo.New(), guess.New()}, func(level, msg string, args ...any) {
		switch level {
		case "debug":
			logger.Debug(msg, args...)
		case "warn":
			logger.Warn(msg, args...)
		case "error":
			logger.Error(msg, args...)
		default:
			logger.Info(msg, args...)
		}
	})
	if err != nil {
		return nil, err
	}
	if err := registry.Add(help.New(registry)); err != nil {
		return nil, err
	}
	return registry, nil
}

func newStartCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Run the dispatcher with its API server and Redis transport",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runStart(ctx, cmd)
		},
	}
}

func runStart(ctx context.Context, cmd *cobra.Command) error {
	cfg, configPath, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	log.Setup(cfg.Service.LogLevel, cfg.Service.LogFormat)
	logger := log.WithComponent("main")
	logger.Info("switchboard starting", "version", version, "config", configPath)

	pidLockPath := lock.PathFor(cfg.State.Path)
	pidLock, err := lock.AcquirePIDLock(pidLockPath)
	if err != nil {
		logger.Error("failed to acquire PID lock (another instance may be running)", "path", pidLockPath, "error", err)
		return err
	}
	defer pidLock.Release()
	logger.Info("acquired PID lock", "path", pidLockPath)

	db, err := storage.OpenSQLite(ctx, cfg.State.Path)
	if err != nil {
		logger.Error("failed to open database", "path", cfg.State.Path, "error", err)
		return err
	}
	defer db.Close()
	logger.Info("database opened", "path", cfg.State.Path)

	registry, err := buildRegistry(logger)
	if err != nil {
		logger.Error("plugin registration failed", "error", err)
		return err
	}
	logger.Info("plugin registration complete", "count", len(registry.All()))

	mt := metrics.New(prometheus.DefaultRegisterer)
	hub := events.NewHub(256)
	sites := config.NewStore(cfg)

	locks := chanlock.New(db,
		chanlock.WithLogger(log.WithComponent("chanlock")),
		chanlock.WithMetrics(mt),
		chanlock.WithEvents(hub),
	)
	ldg := ledger.New(db, locks,
		ledger.WithLogger(log.WithComponent("ledger")),
		ledger.WithMetrics(mt),
		ledger.WithEvents(hub),
		ledger.WithOrphanDelay(cfg.Dispatch.OrphanDelay),
	)
	defer ldg.Close()
	disp := dispatch.New(registry, locks, ldg,
		dispatch.WithTimeout(cfg.Dispatch.Timeout),
		dispatch.WithLogger(log.WithComponent("dispatch")),
		dispatch.WithMetrics(mt),
		dispatch.WithEvents(hub),
	)

	g, gctx := errgroup.WithContext(ctx)

	if cfg.API.Enabled {
		tokens := make([]auth.TokenConfig, 0, len(cfg.API.Auth.Tokens))
		for _, t := range cfg.API.Auth.Tokens {
			tokens = append(tokens, auth.TokenConfig{Token: t.Token, Scopes: t.Scopes})
		}
		server := api.New(api.Config{
			Listen: cfg.API.Listen,
			APIKey: cfg.API.Auth.APIKey,
			Tokens: tokens,
		}, api.Deps{
			Dispatcher: disp,
			Ledger:     ldg,
			Locks:      locks,
			Sites:      sites,
			Plugins:    registry,
			Events:     hub,
		}, log.WithComponent("api"))
		g.Go(func() error {
			if err := server.Start(gctx); err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("api: %w", err)
			}
			return nil
		})
		logger.Info("API server enabled", "listen", cfg.API.Listen)
	}

	if cfg.Redis.Enabled {
		rdb := redisstream.NewClient(cfg.Redis)
		defer rdb.Close()
		adapter := redisstream.New(rdb, cfg.Redis, disp, ldg, sites, log.WithComponent("redis"))
		g.Go(func() error {
			if err := adapter.Run(gctx); err != nil {
				return fmt.Errorf("redis: %w", err)
			}
			return nil
		})
		logger.Info("redis transport enabled", "addr", cfg.Redis.Addr)
	}

	if cfg.Webhooks != nil && len(cfg.Webhooks.Endpoints) > 0 {
		whConfig, err := webhook.FromConfig(cfg.Webhooks)
		if err != nil {
			logger.Error("failed to configure webhooks", "error", err)
			return err
		}
		wh := webhook.New(whConfig, disp, ldg, sites, log.WithComponent("webhook"))
		g.Go(func() error {
			if err := wh.Start(gctx); err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("webhook: %w", err)
			}
			return nil
		})
		logger.Info("webhook server enabled", "listen", whConfig.Listen, "endpoints", len(whConfig.Endpoints))
	}

	if !cfg.API.Enabled && !cfg.Redis.Enabled && cfg.Webhooks == nil {
		logger.Warn("no transport is enabled; no messages will reach the dispatcher")
		g.Go(func() error {
			<-gctx.Done()
			return nil
		})
	}

	logger.Info("switchboard running (press Ctrl+C to stop)")
	if err := g.Wait(); err != nil {
		logger.Error("component failed", "error", err)
		return err
	}
	logger.Info("switchboard stopped")
	return nil
}

func newStatusCmd() *cobra.Command {
	var jsonOut bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Report whether a switchboard instance holds the state lock",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			path := lock.PathFor(cfg.State.Path)
			pid, running, err := lock.Probe(path)
			if err != nil {
				return err
			}
			status := struct {
				Running bool   `json:"running"`
				PID     int    `json:"pid,omitempty"`
				Lock    string `json:"lock"`
				State   string `json:"state"`
			}{Running: running, PID: pid, Lock: path, State: cfg.State.Path}

			if jsonOut {
				return writeJSON(cmd.OutOrStdout(), status)
			}
			if running && pid > 0 {
				fmt.Fprintf(cmd.OutOrStdout(), "running (pid %d)\n", pid)
			} else if running {
				fmt.Fprintln(cmd.OutOrStdout(), "running")
			} else {
				fmt.Fprintln(cmd.OutOrStdout(), "stopped")
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&jsonOut, "json", false, "Output as JSON")
	return cmd
}

func newMonitorCmd() *cobra.Command {
	var apiURL, apiKey string
	cmd := &cobra.Command{
		Use:   "monitor",
		Short: "Live view of dispatches, interactions and channel locks",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if apiKey == "" {
				return errors.New("API key required. Use --api-key or SWITCHBOARD_API_KEY env var")
			}
			m := tui.NewMonitor(cmd.Context(), apiURL, apiKey)
			if _, err := tea.NewProgram(m, tea.WithAltScreen()).Run(); err != nil {
				return fmt.Errorf("TUI error: %w", err)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&apiURL, "api-url", "http://localhost:8080", "Switchboard API URL")
	cmd.Flags().StringVar(&apiKey, "api-key", os.Getenv("SWITCHBOARD_API_KEY"), "API bearer token")
	return cmd
}

func writeJSON(w io.Writer, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(data))
	return err
}
